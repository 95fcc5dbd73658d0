package push

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"github.com/cascata/backend/internal/directory"
	"github.com/cascata/backend/internal/jobs"
	"github.com/cascata/backend/internal/pooler"
)

// DBSelector carries enough of the tenant's pool selection to reconstruct
// it inside the worker, where no request context exists.
type DBSelector struct {
	DBName string            `json:"db_name"`
	Config pooler.PoolConfig `json:"config"`
}

// Task is the payload carried on the push queue.
type Task struct {
	ProjectSlug  string         `json:"project_slug"`
	UserID       string         `json:"user_id"`
	Notification Notification   `json:"notification"`
	FCMConfig    ServiceAccount `json:"fcm_config"`
	DBSelector   DBSelector     `json:"db_selector"`
}

// AuditSink records delivery outcomes in the control database.
type AuditSink interface {
	InsertHistory(ctx context.Context, h *directory.HistoryEntry) error
}

// Worker is the push queue handler.
type Worker struct {
	registry *pooler.Registry
	fcm      *FCMClient
	audit    AuditSink
	logger   *log.Logger
}

// NewWorker wires the worker to the shared pool registry and audit sink.
func NewWorker(registry *pooler.Registry, fcm *FCMClient, audit AuditSink) *Worker {
	return &Worker{
		registry: registry,
		fcm:      fcm,
		audit:    audit,
		logger:   log.New(log.Writer(), "[PUSH] ", log.LstdFlags),
	}
}

// Handle delivers one notification to every active device of the target
// user. Dead tokens are pruned; partial delivery is audited, not retried.
func (w *Worker) Handle(ctx context.Context, job *jobs.Job) error {
	var task Task
	if err := json.Unmarshal(job.Payload, &task); err != nil {
		return jobs.Permanent(fmt.Errorf("decoding push task: %w", err))
	}

	pool, err := w.registry.Get(ctx, task.DBSelector.DBName, task.DBSelector.Config)
	if err != nil {
		return fmt.Errorf("acquiring pool for %s: %w", task.ProjectSlug, err)
	}

	store := NewDeviceStore(pool)
	devices, err := store.ActiveDevices(ctx, task.UserID)
	if err != nil {
		return fmt.Errorf("loading devices for %s: %w", task.UserID, err)
	}
	if len(devices) == 0 {
		w.record(ctx, task.ProjectSlug, "completed", map[string]any{
			"reason":  "no_devices",
			"user_id": task.UserID,
		})
		return nil
	}

	delivered, pruned, failed := 0, 0, 0
	for i := range devices {
		device := &devices[i]
		err := w.fcm.Send(ctx, &task.FCMConfig, device, &task.Notification)
		switch {
		case err == nil:
			delivered++
		case err == ErrUnregistered:
			pruned++
			if pruneErr := store.Prune(ctx, device.Token); pruneErr != nil {
				w.logger.Printf("Pruning dead token for %s failed: %v", task.UserID, pruneErr)
			}
		default:
			failed++
			w.logger.Printf("FCM send to %s device failed: %v", device.Platform, err)
		}
	}

	status := "completed"
	if failed > 0 {
		status = "partial"
	}
	w.record(ctx, task.ProjectSlug, status, map[string]any{
		"user_id":   task.UserID,
		"delivered": delivered,
		"pruned":    pruned,
		"failed":    failed,
	})

	if delivered == 0 && failed > 0 {
		return fmt.Errorf("all %d device sends failed", failed)
	}
	return nil
}

func (w *Worker) record(ctx context.Context, slug, status string, detail map[string]any) {
	err := w.audit.InsertHistory(ctx, &directory.HistoryEntry{
		ProjectSlug: slug,
		Kind:        "push",
		Status:      status,
		Detail:      detail,
	})
	if err != nil {
		w.logger.Printf("Recording push audit for %s failed: %v", slug, err)
	}
}
