// Package realtime bridges database NOTIFY channels to event-stream
// subscribers. Each tenant with at least one live subscriber holds exactly
// one dedicated LISTEN connection outside any pool — transaction-mode
// poolers silently break LISTEN/NOTIFY.
package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/cascata/backend/internal/directory"
)

// NotifyChannel is the Postgres channel carrying row-change events.
const NotifyChannel = "cascata_events"

// Event is the payload emitted by the row trigger.
type Event struct {
	Table     string          `json:"table"`
	Schema    string          `json:"schema"`
	Action    string          `json:"action"` // INSERT | UPDATE | DELETE
	RecordID  json.RawMessage `json:"record_id"`
	Timestamp string          `json:"timestamp"`
}

// EventSink receives every parsed event in addition to the stream fan-out.
// The rule engine hangs off this.
type EventSink interface {
	HandleEvent(ctx context.Context, project *directory.Project, ev Event, raw []byte)
}

// Subscriber is one open event-stream connection.
type Subscriber struct {
	ID          string
	TableFilter string
	frames      chan []byte
}

// Frames returns the channel of wire-ready frames for this subscriber.
func (s *Subscriber) Frames() <-chan []byte { return s.frames }

// Settings tunes the bridge.
type Settings struct {
	// DirectConnInfo renders the lib/pq conninfo for an internal tenant
	// database, always against the direct host.
	DirectHost string
	DirectPort string
	User       string
	Password   string

	MaxSubscribersPerProject int
	KeepAlive                time.Duration
}

func (s *Settings) applyDefaults() {
	if s.MaxSubscribersPerProject == 0 {
		s.MaxSubscribersPerProject = 5000
	}
	if s.KeepAlive == 0 {
		s.KeepAlive = 15 * time.Second
	}
}

// Bridge owns one tenantBridge per active tenant.
type Bridge struct {
	mu       sync.Mutex
	tenants  map[string]*tenantBridge
	settings Settings
	sinks    []EventSink
	onSubs   func(slug string, count int)
	logger   *log.Logger
	closed   bool
}

// NewBridge creates the fan-out bridge.
func NewBridge(settings Settings) *Bridge {
	settings.applyDefaults()
	return &Bridge{
		tenants:  make(map[string]*tenantBridge),
		settings: settings,
		logger:   log.New(log.Writer(), "[REALTIME] ", log.LstdFlags),
	}
}

// AddSink registers an event sink. Must be called before traffic starts.
func (b *Bridge) AddSink(sink EventSink) { b.sinks = append(b.sinks, sink) }

// SetSubscriberHook registers a callback fired with the live connection
// count after every subscribe and unsubscribe. Must be called before
// traffic starts.
func (b *Bridge) SetSubscriberHook(fn func(slug string, count int)) { b.onSubs = fn }

func (b *Bridge) reportSubs(slug string, count int) {
	if b.onSubs != nil {
		b.onSubs(slug, count)
	}
}

// KeepAlive returns the ping interval for stream handlers.
func (b *Bridge) KeepAlive() time.Duration { return b.settings.KeepAlive }

// conninfo builds the dedicated-listener connection string. Ejected tenants
// are reached through their own URL; lib/pq's sslmode=require accepts
// self-signed certificates, which is the deliberate trust posture here.
func (b *Bridge) conninfo(p *directory.Project) string {
	if p.Ejected() {
		return p.Meta.ExternalPrimaryURL
	}
	return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=disable",
		b.settings.DirectHost, b.settings.DirectPort,
		b.settings.User, b.settings.Password, p.DBName)
}

// Subscribe registers a new event-stream connection for the project,
// starting the tenant listener on first use. A subscribe that loses the
// race against a last-subscriber teardown retries on a fresh listener.
func (b *Bridge) Subscribe(p *directory.Project, tableFilter string) (*Subscriber, error) {
	for {
		b.mu.Lock()
		if b.closed {
			b.mu.Unlock()
			return nil, fmt.Errorf("bridge is shut down")
		}
		tb, ok := b.tenants[p.Slug]
		if !ok {
			tb = newTenant(b, p)
			b.tenants[p.Slug] = tb
		}
		b.mu.Unlock()

		sub, err := tb.add(tableFilter, b.settings.MaxSubscribersPerProject)
		if err == errListenerClosed {
			continue
		}
		if err != nil {
			return nil, err
		}
		b.reportSubs(p.Slug, tb.count())
		return sub, nil
	}
}

// Unsubscribe removes a connection; the tenant listener is torn down when
// its subscriber set becomes empty.
func (b *Bridge) Unsubscribe(slug string, sub *Subscriber) {
	b.mu.Lock()
	tb, ok := b.tenants[slug]
	b.mu.Unlock()
	if !ok {
		return
	}
	if remaining := tb.remove(sub.ID); remaining > 0 {
		b.reportSubs(slug, remaining)
		return
	}
	b.mu.Lock()
	if tb.shutdownIfEmpty() {
		delete(b.tenants, slug)
		b.mu.Unlock()
		tb.close()
		b.reportSubs(slug, 0)
		b.logger.Printf("Listener closed for %s (no subscribers)", slug)
		return
	}
	b.mu.Unlock()
	b.reportSubs(slug, tb.count())
}

// DropTenant force-closes the tenant's listener and all its subscribers;
// used when a project is updated or deleted.
func (b *Bridge) DropTenant(slug string) {
	b.mu.Lock()
	tb, ok := b.tenants[slug]
	delete(b.tenants, slug)
	b.mu.Unlock()
	if ok {
		tb.close()
		b.reportSubs(slug, 0)
	}
}

// SubscriberCount reports the live connections for a tenant.
func (b *Bridge) SubscriberCount(slug string) int {
	b.mu.Lock()
	tb, ok := b.tenants[slug]
	b.mu.Unlock()
	if !ok {
		return 0
	}
	return tb.count()
}

// Shutdown tears down every tenant listener.
func (b *Bridge) Shutdown() {
	b.mu.Lock()
	b.closed = true
	tenants := b.tenants
	b.tenants = make(map[string]*tenantBridge)
	b.mu.Unlock()

	for slug, tb := range tenants {
		tb.close()
		b.reportSubs(slug, 0)
	}
	b.logger.Printf("Shut down %d tenant listeners", len(tenants))
}

// dispatch parses a notification payload and fans it out.
func (b *Bridge) dispatch(p *directory.Project, tb *tenantBridge, raw []byte) {
	var ev Event
	if err := json.Unmarshal(raw, &ev); err != nil {
		b.logger.Printf("Dropping malformed notification for %s: %v", p.Slug, err)
		return
	}

	tb.fanOut(ev.Table, sseFrame(raw))

	for _, sink := range b.sinks {
		go sink.HandleEvent(context.Background(), p, ev, raw)
	}
}

func sseFrame(payload []byte) []byte {
	frame := make([]byte, 0, len(payload)+8)
	frame = append(frame, "data: "...)
	frame = append(frame, payload...)
	frame = append(frame, '\n', '\n')
	return frame
}

// ============================================================================
// PER-TENANT STATE
// ============================================================================

type tenantBridge struct {
	slug     string
	mu       sync.Mutex
	subs     map[string]*Subscriber
	closed   bool
	listener *pq.Listener
	done     chan struct{}
	once     sync.Once
}

// newTenant is a seam for tests; production always dials a real listener.
var newTenant = newTenantBridge

func newTenantBridge(b *Bridge, p *directory.Project) *tenantBridge {
	tb := &tenantBridge{
		slug: p.Slug,
		subs: make(map[string]*Subscriber),
		done: make(chan struct{}),
	}

	tb.listener = pq.NewListener(b.conninfo(p), 10*time.Second, time.Minute,
		func(event pq.ListenerEventType, err error) {
			if err != nil {
				b.logger.Printf("Listener event for %s: %v", p.Slug, err)
			}
		})
	if err := tb.listener.Listen(NotifyChannel); err != nil {
		b.logger.Printf("LISTEN failed for %s: %v", p.Slug, err)
	}

	go tb.pump(b, p)
	b.logger.Printf("Listener started for %s (external=%t)", p.Slug, p.Ejected())
	return tb
}

// pump delivers notifications in arrival order until the bridge closes.
func (tb *tenantBridge) pump(b *Bridge, p *directory.Project) {
	for {
		select {
		case <-tb.done:
			return
		case n, ok := <-tb.listener.Notify:
			if !ok {
				return
			}
			// A nil notification signals reconnection; nothing to deliver.
			if n == nil {
				continue
			}
			b.dispatch(p, tb, []byte(n.Extra))
		}
	}
}

func (tb *tenantBridge) add(tableFilter string, max int) (*Subscriber, error) {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	if tb.closed {
		return nil, errListenerClosed
	}
	if len(tb.subs) >= max {
		return nil, ErrTooManySubscribers
	}
	sub := &Subscriber{
		ID:          uuid.NewString(),
		TableFilter: tableFilter,
		frames:      make(chan []byte, 64),
	}
	tb.subs[sub.ID] = sub
	return sub, nil
}

func (tb *tenantBridge) remove(id string) int {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	if sub, ok := tb.subs[id]; ok {
		delete(tb.subs, id)
		close(sub.frames)
	}
	return len(tb.subs)
}

func (tb *tenantBridge) count() int {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	return len(tb.subs)
}

// shutdownIfEmpty marks the bridge closed when no subscribers remain, so a
// concurrent add loses the teardown race cleanly and retries on a fresh
// listener. The caller must hold the owning Bridge's lock so the map entry
// and the closed flag change together.
func (tb *tenantBridge) shutdownIfEmpty() bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	if len(tb.subs) > 0 {
		return false
	}
	tb.closed = true
	return true
}

// fanOut delivers a frame to every matching subscriber. Slow subscribers
// drop frames rather than stall the listener.
func (tb *tenantBridge) fanOut(table string, frame []byte) {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	for _, sub := range tb.subs {
		if sub.TableFilter != "" && sub.TableFilter != table {
			continue
		}
		select {
		case sub.frames <- frame:
		default:
		}
	}
}

func (tb *tenantBridge) close() {
	tb.once.Do(func() {
		close(tb.done)
		tb.mu.Lock()
		tb.closed = true
		for id, sub := range tb.subs {
			delete(tb.subs, id)
			close(sub.frames)
		}
		tb.mu.Unlock()
		if tb.listener != nil {
			tb.listener.Close()
		}
	})
}

// ErrTooManySubscribers is returned when a project hits the stream cap.
var ErrTooManySubscribers = fmt.Errorf("subscriber limit reached")

// errListenerClosed signals a lost teardown race; Subscribe handles it by
// rebuilding the tenant listener.
var errListenerClosed = fmt.Errorf("tenant listener closed")
