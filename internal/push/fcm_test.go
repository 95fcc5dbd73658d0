package push

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"strings"
	"testing"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testPEM(t *testing.T) (string, *rsa.PrivateKey) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	der, err := x509.MarshalPKCS8PrivateKey(key)
	require.NoError(t, err)
	block := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})
	return string(block), key
}

func TestParsePrivateKeyPKCS8(t *testing.T) {
	pemData, key := testPEM(t)
	parsed, err := parsePrivateKey(pemData)
	require.NoError(t, err)
	assert.True(t, key.Equal(parsed))
}

func TestParsePrivateKeyEscapedNewlines(t *testing.T) {
	// Service-account JSON pasted into env vars often carries literal \n
	// sequences instead of real newlines.
	pemData, key := testPEM(t)
	escaped := strings.ReplaceAll(pemData, "\n", `\n`)
	parsed, err := parsePrivateKey(escaped)
	require.NoError(t, err)
	assert.True(t, key.Equal(parsed))
}

func TestParsePrivateKeyPKCS1(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	block := pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	})
	parsed, err := parsePrivateKey(string(block))
	require.NoError(t, err)
	assert.True(t, key.Equal(parsed))
}

func TestParsePrivateKeyGarbage(t *testing.T) {
	_, err := parsePrivateKey("not a key")
	assert.Error(t, err)
}

func TestMintAssertionIsVerifiableRS256(t *testing.T) {
	pemData, key := testPEM(t)
	c := NewFCMClient()
	signed, err := c.mintAssertion(&ServiceAccount{
		ProjectID:   "proj",
		ClientEmail: "svc@proj.iam.gserviceaccount.com",
		PrivateKey:  pemData,
	})
	require.NoError(t, err)

	claims := jwt.MapClaims{}
	parsed, err := jwt.ParseWithClaims(signed, claims, func(tok *jwt.Token) (any, error) {
		return &key.PublicKey, nil
	})
	require.NoError(t, err)
	require.True(t, parsed.Valid)
	assert.Equal(t, "RS256", parsed.Method.Alg())
	assert.Equal(t, "svc@proj.iam.gserviceaccount.com", claims["iss"])
	assert.Equal(t, fcmScope, claims["scope"])
	assert.Equal(t, oauthTokenURL, claims["aud"])
}

func TestBuildMessageAndroid(t *testing.T) {
	msg := buildMessage(
		&Device{Token: "tok-1", Platform: "android"},
		&Notification{Title: "Hi", Body: "There", Data: map[string]string{"k": "v"}},
	)

	assert.Equal(t, "tok-1", msg["token"])
	assert.Equal(t, map[string]string{"title": "Hi", "body": "There"}, msg["notification"])
	assert.Equal(t, map[string]string{"k": "v"}, msg["data"])

	android, ok := msg["android"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "high", android["priority"])
	assert.NotContains(t, msg, "apns")
	assert.NotContains(t, msg, "webpush")
}

func TestBuildMessageIOS(t *testing.T) {
	msg := buildMessage(&Device{Token: "tok-2", Platform: "ios"}, &Notification{Title: "Hi"})

	apns, ok := msg["apns"].(map[string]any)
	require.True(t, ok)
	headers := apns["headers"].(map[string]string)
	assert.Equal(t, "10", headers["apns-priority"])
	payload := apns["payload"].(map[string]any)
	aps := payload["aps"].(map[string]any)
	assert.Equal(t, "default", aps["sound"])
	assert.NotContains(t, msg, "android")
}

func TestBuildMessageWeb(t *testing.T) {
	msg := buildMessage(&Device{Token: "tok-3", Platform: "web"}, &Notification{Title: "Hi"})

	webpush, ok := msg["webpush"].(map[string]any)
	require.True(t, ok)
	headers := webpush["headers"].(map[string]string)
	assert.Equal(t, "high", headers["Urgency"])
}

func TestBuildMessageOtherPlatformHasNoTuning(t *testing.T) {
	msg := buildMessage(&Device{Token: "tok-4", Platform: "other"}, &Notification{Title: "Hi"})
	assert.NotContains(t, msg, "android")
	assert.NotContains(t, msg, "apns")
	assert.NotContains(t, msg, "webpush")
	assert.NotContains(t, msg, "data")
}

func TestNormalizePlatform(t *testing.T) {
	assert.Equal(t, "ios", normalizePlatform("ios"))
	assert.Equal(t, "android", normalizePlatform("android"))
	assert.Equal(t, "web", normalizePlatform("web"))
	assert.Equal(t, "other", normalizePlatform("windows"))
	assert.Equal(t, "other", normalizePlatform(""))
}
