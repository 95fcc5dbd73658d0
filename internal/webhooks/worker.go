// Package webhooks delivers signed event payloads to customer endpoints
// through the job engine, with an SSRF guard, per-host circuit breaking and
// a best-effort fallback alert on final failure.
package webhooks

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/cascata/backend/internal/jobs"
)

const (
	userAgent       = "Cascata-Webhook-Engine/1.0"
	deliveryTimeout = 10 * time.Second
	fallbackTimeout = 5 * time.Second
)

// DeliveryJob is the payload carried on the webhooks queue. Secret is used
// for signing only and must never appear in logs or responses.
type DeliveryJob struct {
	ProjectSlug string          `json:"project_slug"`
	TargetURL   string          `json:"target_url"`
	Payload     json.RawMessage `json:"payload"`
	Secret      string          `json:"secret"`
	EventType   string          `json:"event_type"`
	TableName   string          `json:"table_name"`
	FallbackURL string          `json:"fallback_url,omitempty"`
}

// Worker is the webhooks queue handler.
type Worker struct {
	client *http.Client
	logger *log.Logger

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker

	onDelivery func(outcome string)
}

// NewWorker builds a delivery worker with its own HTTP client.
func NewWorker() *Worker {
	return &Worker{
		client:   &http.Client{Timeout: deliveryTimeout},
		logger:   log.New(log.Writer(), "[WEBHOOK] ", log.LstdFlags),
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
}

// SetDeliveryHook registers a callback fired once per delivery attempt with
// its outcome (delivered, retried, failed or fallback). Must be called
// before the worker starts handling jobs.
func (w *Worker) SetDeliveryHook(fn func(outcome string)) { w.onDelivery = fn }

func (w *Worker) reportDelivery(outcome string) {
	if w.onDelivery != nil {
		w.onDelivery(outcome)
	}
}

// breakerFor returns the circuit breaker guarding a target host.
func (w *Worker) breakerFor(host string) *gobreaker.CircuitBreaker {
	w.mu.Lock()
	defer w.mu.Unlock()
	if cb, ok := w.breakers[host]; ok {
		return cb
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    host,
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})
	w.breakers[host] = cb
	return cb
}

// Handle processes one delivery job.
func (w *Worker) Handle(ctx context.Context, job *jobs.Job) error {
	var d DeliveryJob
	if err := json.Unmarshal(job.Payload, &d); err != nil {
		return jobs.Permanent(fmt.Errorf("decoding delivery job: %w", err))
	}

	if err := validateTarget(d.TargetURL); err != nil {
		w.logger.Printf("Rejected target for %s: %v", d.ProjectSlug, err)
		return jobs.Permanent(err)
	}

	lastAttempt := job.Attempt >= job.Policy.Attempts()

	err := w.deliver(ctx, &d)
	if err == nil {
		w.logger.Printf("Delivered %s/%s event to %s (attempt %d)",
			d.ProjectSlug, d.TableName, hostOf(d.TargetURL), job.Attempt)
		w.reportDelivery("delivered")
		return nil
	}

	if perm, ok := err.(*permanentDelivery); ok {
		w.reportDelivery("failed")
		w.fireFallback(ctx, &d, perm.Error())
		return jobs.Permanent(perm.err)
	}

	if lastAttempt {
		w.reportDelivery("failed")
		w.fireFallback(ctx, &d, err.Error())
		return err
	}
	w.reportDelivery("retried")
	return err
}

// validateTarget is a seam for tests; production always runs the SSRF guard.
var validateTarget = ValidateTargetURL

// permanentDelivery marks a response that must not be retried (4xx other
// than 429 short-circuits straight to the fallback branch).
type permanentDelivery struct{ err error }

func (p *permanentDelivery) Error() string { return p.err.Error() }

func (w *Worker) deliver(ctx context.Context, d *DeliveryJob) error {
	cb := w.breakerFor(hostOf(d.TargetURL))
	_, err := cb.Execute(func() (any, error) {
		return nil, w.post(ctx, d)
	})
	if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
		return fmt.Errorf("circuit open for %s", hostOf(d.TargetURL))
	}
	return err
}

func (w *Worker) post(ctx context.Context, d *DeliveryJob) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.TargetURL,
		bytes.NewReader(d.Payload))
	if err != nil {
		return &permanentDelivery{err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("X-Cascata-Signature", Sign(d.Payload, d.Secret))
	req.Header.Set("X-Cascata-Event", d.EventType)
	req.Header.Set("X-Cascata-Table", d.TableName)

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("posting to %s: %w", hostOf(d.TargetURL), err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests:
		return &permanentDelivery{err: fmt.Errorf("target returned %d", resp.StatusCode)}
	default:
		return fmt.Errorf("target returned %d", resp.StatusCode)
	}
}

// fireFallback posts the failure alert to the fallback URL, if configured
// and itself safe. Fallback failures are logged and discarded.
func (w *Worker) fireFallback(ctx context.Context, d *DeliveryJob, deliveryErr string) {
	if d.FallbackURL == "" {
		return
	}
	if err := validateTarget(d.FallbackURL); err != nil {
		w.logger.Printf("Fallback for %s rejected: %v", d.ProjectSlug, err)
		return
	}

	alert := map[string]any{
		"alert":            "webhook_delivery_failed",
		"original_target":  d.TargetURL,
		"error":            deliveryErr,
		"event":            d.EventType,
		"table":            d.TableName,
		"original_payload": d.Payload,
	}
	body, err := json.Marshal(alert)
	if err != nil {
		return
	}

	fbCtx, cancel := context.WithTimeout(ctx, fallbackTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(fbCtx, http.MethodPost, d.FallbackURL,
		bytes.NewReader(body))
	if err != nil {
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)

	resp, err := w.client.Do(req)
	if err != nil {
		w.logger.Printf("Fallback delivery for %s failed: %v", d.ProjectSlug, err)
		return
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	if resp.StatusCode >= 300 {
		w.logger.Printf("Fallback for %s returned %d", d.ProjectSlug, resp.StatusCode)
		return
	}
	w.reportDelivery("fallback")
	w.logger.Printf("Fallback alert dispatched for %s", d.ProjectSlug)
}

// Sign computes the hex HMAC-SHA256 of the payload under the secret.
func Sign(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

func hostOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	return u.Host
}
