package push

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/cascata/backend/internal/apperr"
	"github.com/cascata/backend/internal/directory"
	"github.com/cascata/backend/internal/jobs"
	"github.com/cascata/backend/internal/pooler"
	"github.com/cascata/backend/internal/reqctx"
)

// Handlers serves /push/devices, /push/send and /push/rules for a tenant.
type Handlers struct {
	store  *directory.Store
	engine *jobs.Engine
}

// NewHandlers wires the push HTTP surface.
func NewHandlers(store *directory.Store, engine *jobs.Engine) *Handlers {
	return &Handlers{store: store, engine: engine}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// HandleRegisterDevice upserts a device for the authenticated tenant user.
func (h *Handlers) HandleRegisterDevice(w http.ResponseWriter, r *http.Request) {
	pool, err := reqctx.Pool(r.Context())
	if err != nil {
		apperr.Write(w, r, apperr.New(apperr.BadGateway, "No database pool for project"))
		return
	}

	var d Device
	if err := json.NewDecoder(r.Body).Decode(&d); err != nil {
		apperr.Write(w, r, apperr.New(apperr.Validation, "Invalid JSON body"))
		return
	}
	if d.UserID == "" || d.Token == "" {
		apperr.Write(w, r, apperr.New(apperr.Validation, "user_id and token are required"))
		return
	}

	store := NewDeviceStore(pool)
	if err := store.EnsureTable(r.Context()); err != nil {
		apperr.Write(w, r, apperr.Wrap(apperr.Internal, "Preparing device registry", err))
		return
	}
	if err := store.Register(r.Context(), &d); err != nil {
		apperr.Write(w, r, apperr.FromPG(err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"registered": true})
}

// HandleUnregisterDevice deactivates a token.
func (h *Handlers) HandleUnregisterDevice(w http.ResponseWriter, r *http.Request) {
	pool, err := reqctx.Pool(r.Context())
	if err != nil {
		apperr.Write(w, r, apperr.New(apperr.BadGateway, "No database pool for project"))
		return
	}

	var body struct {
		UserID string `json:"user_id"`
		Token  string `json:"token"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.UserID == "" || body.Token == "" {
		apperr.Write(w, r, apperr.New(apperr.Validation, "user_id and token are required"))
		return
	}

	if err := NewDeviceStore(pool).Unregister(r.Context(), body.UserID, body.Token); err != nil {
		apperr.Write(w, r, apperr.FromPG(err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"unregistered": true})
}

// HandleListDevices lists a user's active devices.
func (h *Handlers) HandleListDevices(w http.ResponseWriter, r *http.Request) {
	pool, err := reqctx.Pool(r.Context())
	if err != nil {
		apperr.Write(w, r, apperr.New(apperr.BadGateway, "No database pool for project"))
		return
	}
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		apperr.Write(w, r, apperr.New(apperr.Validation, "user_id is required"))
		return
	}

	devices, err := NewDeviceStore(pool).ActiveDevices(r.Context(), userID)
	if err != nil {
		apperr.Write(w, r, apperr.FromPG(err))
		return
	}
	if devices == nil {
		devices = []Device{}
	}
	writeJSON(w, http.StatusOK, devices)
}

// HandleSend enqueues a direct push to one user. The FCM credential never
// leaves the server; only the job payload carries it, and jobs are not
// readable through the API.
func (h *Handlers) HandleSend(w http.ResponseWriter, r *http.Request) {
	project, err := reqctx.Project(r.Context())
	if err != nil {
		apperr.Write(w, r, apperr.New(apperr.NotFound, "Project not found"))
		return
	}
	if !project.Meta.Push.Configured() {
		apperr.Write(w, r, apperr.New(apperr.Validation, "Push is not configured for this project"))
		return
	}

	var body struct {
		UserID       string       `json:"user_id"`
		Notification Notification `json:"notification"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.UserID == "" {
		apperr.Write(w, r, apperr.New(apperr.Validation, "user_id and notification are required"))
		return
	}

	jobID, err := h.engine.Enqueue(r.Context(), jobs.QueuePush,
		BuildTask(project, body.UserID, body.Notification), jobs.PolicyPush)
	if err != nil {
		apperr.Write(w, r, apperr.Wrap(apperr.Internal, "Enqueuing push job", err))
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"queued": true, "job_id": jobID})
}

// HandleListRules returns the project's notification rules.
func (h *Handlers) HandleListRules(w http.ResponseWriter, r *http.Request) {
	project, err := reqctx.Project(r.Context())
	if err != nil {
		apperr.Write(w, r, apperr.New(apperr.NotFound, "Project not found"))
		return
	}
	rules, err := h.store.ListAllRules(r.Context(), project.Slug)
	if err != nil {
		apperr.Write(w, r, apperr.FromPG(err))
		return
	}
	if rules == nil {
		rules = []*directory.NotificationRule{}
	}
	writeJSON(w, http.StatusOK, rules)
}

// HandleCreateRule stores a new notification rule.
func (h *Handlers) HandleCreateRule(w http.ResponseWriter, r *http.Request) {
	project, err := reqctx.Project(r.Context())
	if err != nil {
		apperr.Write(w, r, apperr.New(apperr.NotFound, "Project not found"))
		return
	}

	var rule directory.NotificationRule
	if err := json.NewDecoder(r.Body).Decode(&rule); err != nil {
		apperr.Write(w, r, apperr.New(apperr.Validation, "Invalid JSON body"))
		return
	}
	if rule.TableName == "" || rule.RecipientColumn == "" {
		apperr.Write(w, r, apperr.New(apperr.Validation, "table_name and recipient_column are required"))
		return
	}
	rule.ProjectSlug = project.Slug

	if err := h.store.CreateRule(r.Context(), &rule); err != nil {
		apperr.Write(w, r, apperr.FromPG(err))
		return
	}
	writeJSON(w, http.StatusCreated, rule)
}

// HandleDeleteRule removes a rule by id.
func (h *Handlers) HandleDeleteRule(w http.ResponseWriter, r *http.Request) {
	project, err := reqctx.Project(r.Context())
	if err != nil {
		apperr.Write(w, r, apperr.New(apperr.NotFound, "Project not found"))
		return
	}
	id := mux.Vars(r)["id"]
	if err := h.store.DeleteRule(r.Context(), project.Slug, id); err != nil {
		apperr.Write(w, r, apperr.New(apperr.NotFound, "Rule not found"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deleted": true})
}

// BuildTask assembles the queue payload for a push to one user, capturing
// the project's pool selector so the worker can reach the tenant database.
func BuildTask(project *directory.Project, userID string, n Notification) *Task {
	db, cfg := pooler.Select(project, http.MethodPost)
	return &Task{
		ProjectSlug:  project.Slug,
		UserID:       userID,
		Notification: n,
		FCMConfig: ServiceAccount{
			ProjectID:   project.Meta.Push.FCMProjectID,
			ClientEmail: project.Meta.Push.FCMClientEmail,
			PrivateKey:  project.Meta.Push.FCMPrivateKey,
		},
		DBSelector: DBSelector{DBName: db, Config: cfg},
	}
}
