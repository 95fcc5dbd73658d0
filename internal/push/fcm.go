package push

import (
	"bytes"
	"context"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/sethvargo/go-retry"
)

const (
	oauthTokenURL = "https://oauth2.googleapis.com/token"
	fcmScope      = "https://www.googleapis.com/auth/firebase.messaging"
	fcmSendURL    = "https://fcm.googleapis.com/v1/projects/%s/messages:send"
)

// ErrUnregistered reports a token FCM no longer recognises; callers prune
// the device instead of retrying.
var ErrUnregistered = fmt.Errorf("device token unregistered")

// ServiceAccount is the per-project FCM credential stored in project
// metadata.
type ServiceAccount struct {
	ProjectID   string `json:"project_id"`
	ClientEmail string `json:"client_email"`
	PrivateKey  string `json:"private_key"`
}

// Notification is the user-visible message content.
type Notification struct {
	Title string            `json:"title"`
	Body  string            `json:"body"`
	Data  map[string]string `json:"data,omitempty"`
}

// FCMClient sends messages through FCM HTTP v1, caching one OAuth bearer
// per Google project.
type FCMClient struct {
	httpClient *http.Client

	mu     sync.Mutex
	tokens map[string]*cachedToken
}

type cachedToken struct {
	bearer  string
	expires time.Time
}

// NewFCMClient builds a client with a 30 s outbound timeout.
func NewFCMClient() *FCMClient {
	return &FCMClient{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		tokens:     make(map[string]*cachedToken),
	}
}

// bearer returns a valid OAuth token for the service account, exchanging a
// fresh assertion when the cached one is inside its expiry margin.
func (c *FCMClient) bearer(ctx context.Context, sa *ServiceAccount) (string, error) {
	c.mu.Lock()
	if tok, ok := c.tokens[sa.ProjectID]; ok && time.Now().Before(tok.expires.Add(-5*time.Minute)) {
		c.mu.Unlock()
		return tok.bearer, nil
	}
	c.mu.Unlock()

	assertion, err := c.mintAssertion(sa)
	if err != nil {
		return "", err
	}

	var bearer string
	var lifetime time.Duration
	backoff := retry.WithMaxRetries(3, retry.NewExponential(500*time.Millisecond))
	err = retry.Do(ctx, backoff, func(ctx context.Context) error {
		b, ttl, err := c.exchange(ctx, assertion)
		if err != nil {
			return retry.RetryableError(err)
		}
		bearer, lifetime = b, ttl
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("exchanging FCM assertion: %w", err)
	}

	c.mu.Lock()
	c.tokens[sa.ProjectID] = &cachedToken{bearer: bearer, expires: time.Now().Add(lifetime)}
	c.mu.Unlock()
	return bearer, nil
}

// mintAssertion signs the one-hour RS256 service-account JWT.
func (c *FCMClient) mintAssertion(sa *ServiceAccount) (string, error) {
	key, err := parsePrivateKey(sa.PrivateKey)
	if err != nil {
		return "", fmt.Errorf("parsing service-account key: %w", err)
	}

	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.MapClaims{
		"iss":   sa.ClientEmail,
		"scope": fcmScope,
		"aud":   oauthTokenURL,
		"iat":   now.Unix(),
		"exp":   now.Add(time.Hour).Unix(),
	})
	return token.SignedString(key)
}

func parsePrivateKey(pemData string) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode([]byte(strings.ReplaceAll(pemData, `\n`, "\n")))
	if block == nil {
		return nil, fmt.Errorf("no PEM block found")
	}
	if key, err := x509.ParsePKCS8PrivateKey(block.Bytes); err == nil {
		rsaKey, ok := key.(*rsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("service-account key is not RSA")
		}
		return rsaKey, nil
	}
	return x509.ParsePKCS1PrivateKey(block.Bytes)
}

func (c *FCMClient) exchange(ctx context.Context, assertion string) (string, time.Duration, error) {
	form := url.Values{
		"grant_type": {"urn:ietf:params:oauth:grant-type:jwt-bearer"},
		"assertion":  {assertion},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, oauthTokenURL,
		strings.NewReader(form.Encode()))
	if err != nil {
		return "", 0, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", 0, err
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if resp.StatusCode != http.StatusOK {
		return "", 0, fmt.Errorf("token endpoint returned %d", resp.StatusCode)
	}

	var parsed struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", 0, fmt.Errorf("decoding token response: %w", err)
	}
	if parsed.ExpiresIn <= 0 {
		parsed.ExpiresIn = 3600
	}
	return parsed.AccessToken, time.Duration(parsed.ExpiresIn) * time.Second, nil
}

// Send posts one platform-tuned message to a device. ErrUnregistered is
// returned for tokens FCM reports dead.
func (c *FCMClient) Send(ctx context.Context, sa *ServiceAccount, device *Device, n *Notification) error {
	bearer, err := c.bearer(ctx, sa)
	if err != nil {
		return err
	}

	body, err := json.Marshal(map[string]any{"message": buildMessage(device, n)})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		fmt.Sprintf(fcmSendURL, sa.ProjectID), bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+bearer)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusNotFound,
		bytes.Contains(respBody, []byte("UNREGISTERED")):
		return ErrUnregistered
	default:
		return fmt.Errorf("FCM returned %d", resp.StatusCode)
	}
}

// buildMessage shapes the FCM v1 message for the device's platform.
func buildMessage(device *Device, n *Notification) map[string]any {
	msg := map[string]any{
		"token": device.Token,
		"notification": map[string]string{
			"title": n.Title,
			"body":  n.Body,
		},
	}
	if len(n.Data) > 0 {
		msg["data"] = n.Data
	}

	switch device.Platform {
	case "android":
		msg["android"] = map[string]any{
			"priority": "high",
			"notification": map[string]any{
				"sound":         "default",
				"default_sound": true,
			},
		}
	case "ios":
		msg["apns"] = map[string]any{
			"headers": map[string]string{"apns-priority": "10"},
			"payload": map[string]any{
				"aps": map[string]any{"sound": "default", "badge": 1},
			},
		}
	case "web":
		msg["webpush"] = map[string]any{
			"headers": map[string]string{"Urgency": "high"},
		}
	}
	return msg
}
