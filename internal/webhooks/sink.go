package webhooks

import (
	"context"
	"log"
	"time"

	"github.com/cascata/backend/internal/directory"
	"github.com/cascata/backend/internal/jobs"
	"github.com/cascata/backend/internal/realtime"
)

// Sink watches row-change events and enqueues one delivery job per matching
// subscription. It implements realtime.EventSink.
type Sink struct {
	store  *directory.Store
	queue  *jobs.Engine
	logger *log.Logger
}

// NewSink wires the sink to the subscription store and job queue.
func NewSink(store *directory.Store, queue *jobs.Engine) *Sink {
	return &Sink{
		store:  store,
		queue:  queue,
		logger: log.New(log.Writer(), "[WEBHOOK] ", log.LstdFlags),
	}
}

// HandleEvent enqueues deliveries for every active subscription matching
// the event. The raw notification JSON becomes the delivery body.
func (s *Sink) HandleEvent(ctx context.Context, project *directory.Project, ev realtime.Event, raw []byte) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	subs, err := s.store.MatchWebhooks(ctx, project.Slug, ev.Table, ev.Action)
	if err != nil {
		s.logger.Printf("Subscription lookup for %s/%s failed: %v", project.Slug, ev.Table, err)
		return
	}

	for _, sub := range subs {
		job := &DeliveryJob{
			ProjectSlug: project.Slug,
			TargetURL:   sub.TargetURL,
			Payload:     raw,
			Secret:      sub.Secret,
			EventType:   ev.Action,
			TableName:   ev.Table,
			FallbackURL: sub.FallbackURL,
		}
		if _, err := s.queue.Enqueue(ctx, jobs.QueueWebhooks, job, jobs.Policy(sub.Policy)); err != nil {
			s.logger.Printf("Enqueuing delivery for %s failed: %v", project.Slug, err)
		}
	}
}
