package webhooks

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cascata/backend/internal/jobs"
)

// allowLoopback lets delivery tests target httptest servers, which the
// production SSRF guard would reject.
func allowLoopback(t *testing.T) {
	t.Helper()
	validateTarget = func(string) error { return nil }
	t.Cleanup(func() { validateTarget = ValidateTargetURL })
}

func deliveryJob(t *testing.T, d DeliveryJob) *jobs.Job {
	t.Helper()
	payload, err := json.Marshal(d)
	require.NoError(t, err)
	return &jobs.Job{
		ID:      "job-1",
		Queue:   jobs.QueueWebhooks,
		Payload: payload,
		Policy:  jobs.PolicyStandard,
		Attempt: 1,
	}
}

func TestSignIsDeterministicHexHMAC(t *testing.T) {
	sig := Sign([]byte(`{"a":1}`), "topsecret")
	assert.Len(t, sig, 64)
	assert.Equal(t, sig, Sign([]byte(`{"a":1}`), "topsecret"))
	assert.NotEqual(t, sig, Sign([]byte(`{"a":1}`), "othersecret"))
	assert.NotEqual(t, sig, Sign([]byte(`{"a":2}`), "topsecret"))
}

func TestHandleDeliversSignedPayload(t *testing.T) {
	allowLoopback(t)

	payload := json.RawMessage(`{"type":"INSERT","record":{"id":1}}`)
	var got *http.Request
	var body []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r
		body, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	w := NewWorker()
	job := deliveryJob(t, DeliveryJob{
		ProjectSlug: "acme",
		TargetURL:   srv.URL,
		Payload:     payload,
		Secret:      "whsec_123",
		EventType:   "INSERT",
		TableName:   "orders",
	})

	require.NoError(t, w.Handle(context.Background(), job))
	require.NotNil(t, got)
	assert.Equal(t, http.MethodPost, got.Method)
	assert.Equal(t, "application/json", got.Header.Get("Content-Type"))
	assert.Equal(t, "Cascata-Webhook-Engine/1.0", got.Header.Get("User-Agent"))
	assert.Equal(t, "INSERT", got.Header.Get("X-Cascata-Event"))
	assert.Equal(t, "orders", got.Header.Get("X-Cascata-Table"))
	assert.Equal(t, Sign(payload, "whsec_123"), got.Header.Get("X-Cascata-Signature"))
	assert.JSONEq(t, string(payload), string(body))
}

func TestHandleServerErrorIsRetryable(t *testing.T) {
	allowLoopback(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	w := NewWorker()
	job := deliveryJob(t, DeliveryJob{TargetURL: srv.URL, Payload: json.RawMessage(`{}`), Secret: "s"})

	err := w.Handle(context.Background(), job)
	require.Error(t, err)
	var perm *jobs.PermanentError
	assert.NotErrorAs(t, err, &perm)
}

func TestHandleRateLimitIsRetryable(t *testing.T) {
	allowLoopback(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	w := NewWorker()
	job := deliveryJob(t, DeliveryJob{TargetURL: srv.URL, Payload: json.RawMessage(`{}`), Secret: "s"})

	err := w.Handle(context.Background(), job)
	require.Error(t, err)
	var perm *jobs.PermanentError
	assert.NotErrorAs(t, err, &perm)
}

func TestHandleClientErrorFiresFallbackAndStops(t *testing.T) {
	allowLoopback(t)

	target := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer target.Close()

	var fallbackHits int32
	var alert map[string]any
	fallback := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&fallbackHits, 1)
		json.NewDecoder(r.Body).Decode(&alert)
		w.WriteHeader(http.StatusOK)
	}))
	defer fallback.Close()

	w := NewWorker()
	job := deliveryJob(t, DeliveryJob{
		ProjectSlug: "acme",
		TargetURL:   target.URL,
		Payload:     json.RawMessage(`{"id":7}`),
		Secret:      "s",
		EventType:   "UPDATE",
		TableName:   "invoices",
		FallbackURL: fallback.URL,
	})

	err := w.Handle(context.Background(), job)
	require.Error(t, err)
	var perm *jobs.PermanentError
	require.ErrorAs(t, err, &perm)

	assert.EqualValues(t, 1, atomic.LoadInt32(&fallbackHits))
	assert.Equal(t, "webhook_delivery_failed", alert["alert"])
	assert.Equal(t, target.URL, alert["original_target"])
	assert.Equal(t, "UPDATE", alert["event"])
	assert.Equal(t, "invoices", alert["table"])
	assert.Contains(t, alert["error"], "404")
	assert.NotNil(t, alert["original_payload"])
}

func TestHandleLastAttemptFiresFallback(t *testing.T) {
	allowLoopback(t)

	target := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer target.Close()

	var fallbackHits int32
	fallback := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&fallbackHits, 1)
	}))
	defer fallback.Close()

	w := NewWorker()
	job := deliveryJob(t, DeliveryJob{
		TargetURL:   target.URL,
		Payload:     json.RawMessage(`{}`),
		Secret:      "s",
		FallbackURL: fallback.URL,
	})
	job.Attempt = job.Policy.Attempts()

	err := w.Handle(context.Background(), job)
	require.Error(t, err)
	var perm *jobs.PermanentError
	assert.NotErrorAs(t, err, &perm)
	assert.EqualValues(t, 1, atomic.LoadInt32(&fallbackHits))
}

func TestHandleFallbackFailureIsDiscarded(t *testing.T) {
	allowLoopback(t)

	target := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusGone)
	}))
	defer target.Close()
	fallback := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer fallback.Close()

	w := NewWorker()
	job := deliveryJob(t, DeliveryJob{
		TargetURL:   target.URL,
		Payload:     json.RawMessage(`{}`),
		Secret:      "s",
		FallbackURL: fallback.URL,
	})

	err := w.Handle(context.Background(), job)
	var perm *jobs.PermanentError
	require.ErrorAs(t, err, &perm)
}

func TestHandleMalformedPayloadIsPermanent(t *testing.T) {
	w := NewWorker()
	err := w.Handle(context.Background(), &jobs.Job{Payload: json.RawMessage(`nope`)})
	var perm *jobs.PermanentError
	require.ErrorAs(t, err, &perm)
}

func TestHandleUnsafeTargetIsPermanent(t *testing.T) {
	w := NewWorker()
	job := deliveryJob(t, DeliveryJob{TargetURL: "http://169.254.169.254/latest", Payload: json.RawMessage(`{}`)})
	err := w.Handle(context.Background(), job)
	var perm *jobs.PermanentError
	require.ErrorAs(t, err, &perm)
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	allowLoopback(t)

	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	w := NewWorker()
	job := deliveryJob(t, DeliveryJob{TargetURL: srv.URL, Payload: json.RawMessage(`{}`), Secret: "s"})

	for i := 0; i < 7; i++ {
		err := w.Handle(context.Background(), job)
		require.Error(t, err)
	}
	// The breaker trips after five consecutive failures and short-circuits
	// the remaining calls without touching the target.
	assert.EqualValues(t, 5, atomic.LoadInt32(&hits))
}

func TestDeliveryHookReportsOutcomes(t *testing.T) {
	allowLoopback(t)

	var status atomic.Int32
	status.Store(http.StatusOK)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(int(status.Load()))
	}))
	defer srv.Close()
	fallback := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer fallback.Close()

	var outcomes []string
	w := NewWorker()
	w.SetDeliveryHook(func(outcome string) { outcomes = append(outcomes, outcome) })

	d := DeliveryJob{
		ProjectSlug: "acme",
		TargetURL:   srv.URL,
		FallbackURL: fallback.URL,
		Payload:     json.RawMessage(`{"id":1}`),
		Secret:      "whsec_123",
		EventType:   "INSERT",
		TableName:   "orders",
	}

	require.NoError(t, w.Handle(context.Background(), deliveryJob(t, d)))

	status.Store(http.StatusBadGateway)
	assert.Error(t, w.Handle(context.Background(), deliveryJob(t, d)))

	status.Store(http.StatusNotFound)
	assert.Error(t, w.Handle(context.Background(), deliveryJob(t, d)))

	assert.Equal(t, []string{"delivered", "retried", "failed", "fallback"}, outcomes)
}
