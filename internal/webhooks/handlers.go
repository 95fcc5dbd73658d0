package webhooks

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/cascata/backend/internal/apperr"
	"github.com/cascata/backend/internal/directory"
	"github.com/cascata/backend/internal/jobs"
	"github.com/cascata/backend/internal/reqctx"
	"github.com/cascata/backend/internal/secrets"
)

// Handlers serves /webhooks subscription management for a tenant. All
// endpoints require the service role; enforcement happens in the router.
type Handlers struct {
	store *directory.Store
}

// NewHandlers wires the webhook HTTP surface.
func NewHandlers(store *directory.Store) *Handlers {
	return &Handlers{store: store}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// HandleList returns the project's subscriptions without secrets.
func (h *Handlers) HandleList(w http.ResponseWriter, r *http.Request) {
	project, err := reqctx.Project(r.Context())
	if err != nil {
		apperr.Write(w, r, apperr.New(apperr.NotFound, "Project not found"))
		return
	}
	subs, err := h.store.ListWebhooks(r.Context(), project.Slug)
	if err != nil {
		apperr.Write(w, r, apperr.FromPG(err))
		return
	}
	if subs == nil {
		subs = []*directory.WebhookSubscription{}
	}
	writeJSON(w, http.StatusOK, subs)
}

// HandleCreate registers a subscription. The signing secret is generated
// server-side and returned exactly once.
func (h *Handlers) HandleCreate(w http.ResponseWriter, r *http.Request) {
	project, err := reqctx.Project(r.Context())
	if err != nil {
		apperr.Write(w, r, apperr.New(apperr.NotFound, "Project not found"))
		return
	}

	var body struct {
		TableName   string `json:"table_name"`
		Event       string `json:"event"`
		TargetURL   string `json:"target_url"`
		FallbackURL string `json:"fallback_url"`
		Policy      string `json:"policy"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		apperr.Write(w, r, apperr.New(apperr.Validation, "Invalid JSON body"))
		return
	}
	if body.TableName == "" || body.TargetURL == "" {
		apperr.Write(w, r, apperr.New(apperr.Validation, "table_name and target_url are required"))
		return
	}
	if err := ValidateTargetURL(body.TargetURL); err != nil {
		apperr.Write(w, r, apperr.New(apperr.Validation, "Security Violation").
			WithDetail("reason", err.Error()))
		return
	}
	if body.FallbackURL != "" {
		if err := ValidateTargetURL(body.FallbackURL); err != nil {
			apperr.Write(w, r, apperr.New(apperr.Validation, "Security Violation").
				WithDetail("reason", err.Error()))
			return
		}
	}
	switch jobs.Policy(body.Policy) {
	case "", jobs.PolicyNone, jobs.PolicyLinear, jobs.PolicyStandard:
	default:
		apperr.Write(w, r, apperr.New(apperr.Validation, "policy must be none, linear or standard"))
		return
	}

	sub := &directory.WebhookSubscription{
		ProjectSlug: project.Slug,
		TableName:   body.TableName,
		Event:       body.Event,
		TargetURL:   body.TargetURL,
		Secret:      secrets.NewAPIKey(),
		FallbackURL: body.FallbackURL,
		Policy:      body.Policy,
	}
	if err := h.store.CreateWebhook(r.Context(), sub); err != nil {
		apperr.Write(w, r, apperr.FromPG(err))
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"id":         sub.ID,
		"table_name": sub.TableName,
		"event":      sub.Event,
		"target_url": sub.TargetURL,
		"policy":     sub.Policy,
		"secret":     sub.Secret,
	})
}

// HandleDelete removes a subscription by id.
func (h *Handlers) HandleDelete(w http.ResponseWriter, r *http.Request) {
	project, err := reqctx.Project(r.Context())
	if err != nil {
		apperr.Write(w, r, apperr.New(apperr.NotFound, "Project not found"))
		return
	}
	if err := h.store.DeleteWebhook(r.Context(), project.Slug, mux.Vars(r)["id"]); err != nil {
		apperr.Write(w, r, apperr.New(apperr.NotFound, "Webhook not found"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deleted": true})
}
