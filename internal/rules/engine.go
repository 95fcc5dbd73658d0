// Package rules turns row-change notifications into templated push jobs.
// The engine only enqueues; delivery belongs to the push worker.
package rules

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"

	"github.com/cascata/backend/internal/directory"
	"github.com/cascata/backend/internal/jobs"
	"github.com/cascata/backend/internal/pooler"
	"github.com/cascata/backend/internal/push"
	"github.com/cascata/backend/internal/query"
	"github.com/cascata/backend/internal/realtime"
)

// Engine implements realtime.EventSink.
type Engine struct {
	store    *directory.Store
	registry *pooler.Registry
	queue    *jobs.Engine
	logger   *log.Logger
}

// NewEngine wires the rule engine to the control store, pool registry and
// job queue.
func NewEngine(store *directory.Store, registry *pooler.Registry, queue *jobs.Engine) *Engine {
	return &Engine{
		store:    store,
		registry: registry,
		queue:    queue,
		logger:   log.New(log.Writer(), "[RULES] ", log.LstdFlags),
	}
}

// HandleEvent evaluates every active rule matching the event and enqueues a
// push job per match.
func (e *Engine) HandleEvent(ctx context.Context, project *directory.Project, ev realtime.Event, raw []byte) {
	if !project.Meta.Push.Configured() {
		return
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	matched, err := e.store.ListRules(ctx, project.Slug, ev.Table, ev.Action)
	if err != nil {
		e.logger.Printf("Rule lookup for %s/%s failed: %v", project.Slug, ev.Table, err)
		return
	}
	if len(matched) == 0 {
		return
	}

	// DELETE events carry no fresh row; templates render from nothing.
	var row map[string]any
	if ev.Action != "DELETE" {
		row, err = e.fetchRow(ctx, project, ev)
		if err != nil {
			e.logger.Printf("Fresh-row fetch for %s/%s failed: %v", project.Slug, ev.Table, err)
			return
		}
		if row == nil {
			return
		}
	}

	for _, rule := range matched {
		e.apply(ctx, project, rule, ev, row)
	}
}

// fetchRow reloads the changed row so conditions and templates see current
// values, not the trigger-time snapshot.
func (e *Engine) fetchRow(ctx context.Context, project *directory.Project, ev realtime.Event) (map[string]any, error) {
	db, cfg := pooler.Select(project, "GET")
	pool, err := e.registry.Get(ctx, db, cfg)
	if err != nil {
		return nil, err
	}

	var id any
	if err := json.Unmarshal(ev.RecordID, &id); err != nil {
		return nil, fmt.Errorf("decoding record id: %w", err)
	}

	table := query.QuoteIdent(ev.Table)
	rows, err := pool.Query(ctx, fmt.Sprintf(`SELECT * FROM %s WHERE id = $1 LIMIT 1`, table), id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, rows.Err()
	}
	values, err := rows.Values()
	if err != nil {
		return nil, err
	}
	row := make(map[string]any, len(values))
	for i, fd := range rows.FieldDescriptions() {
		row[fd.Name] = values[i]
	}
	return row, rows.Err()
}

func (e *Engine) apply(ctx context.Context, project *directory.Project, rule *directory.NotificationRule, ev realtime.Event, row map[string]any) {
	for _, cond := range rule.Conditions {
		if !Evaluate(cond, row) {
			return
		}
	}

	recipient := Stringify(row[rule.RecipientColumn])
	if recipient == "" {
		e.logger.Printf("Rule %s on %s matched but %q is empty, skipping",
			rule.ID, rule.TableName, rule.RecipientColumn)
		return
	}

	notification := push.Notification{
		Title: Render(rule.TitleTemplate, row),
		Body:  Render(rule.BodyTemplate, row),
	}
	if len(rule.DataPayload) > 0 {
		notification.Data = make(map[string]string, len(rule.DataPayload))
		for k, v := range rule.DataPayload {
			notification.Data[k] = Stringify(v)
		}
	}

	task := push.BuildTask(project, recipient, notification)
	if _, err := e.queue.Enqueue(ctx, jobs.QueuePush, task, jobs.PolicyPush); err != nil {
		e.logger.Printf("Enqueuing push for rule %s failed: %v", rule.ID, err)
		return
	}
	e.logger.Printf("Rule %s fired for %s/%s → %s", rule.ID, project.Slug, ev.Table, recipient)
}

// ============================================================================
// CONDITIONS AND TEMPLATES
// ============================================================================

// Evaluate checks one condition against the row. Unknown operators never
// match.
func Evaluate(cond directory.RuleCondition, row map[string]any) bool {
	actual, ok := row[cond.Field]
	if !ok {
		return false
	}

	switch cond.Op {
	case "eq":
		return Stringify(actual) == Stringify(cond.Value)
	case "neq":
		return Stringify(actual) != Stringify(cond.Value)
	case "contains":
		return strings.Contains(Stringify(actual), Stringify(cond.Value))
	case "gt", "gte", "lt", "lte":
		a, aok := toFloat(actual)
		b, bok := toFloat(cond.Value)
		if !aok || !bok {
			return false
		}
		switch cond.Op {
		case "gt":
			return a > b
		case "gte":
			return a >= b
		case "lt":
			return a < b
		default:
			return a <= b
		}
	default:
		return false
	}
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

// Render substitutes {{field}} occurrences with stringified row values;
// null and missing fields render as the empty string.
func Render(template string, row map[string]any) string {
	if !strings.Contains(template, "{{") {
		return template
	}
	out := template
	for field, value := range row {
		out = strings.ReplaceAll(out, "{{"+field+"}}", Stringify(value))
	}
	// Unmatched placeholders render empty rather than leaking braces.
	for {
		start := strings.Index(out, "{{")
		if start < 0 {
			break
		}
		end := strings.Index(out[start:], "}}")
		if end < 0 {
			break
		}
		out = out[:start] + out[start+end+2:]
	}
	return out
}

// Stringify renders a row value for templates and payloads.
func Stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case []byte:
		return string(t)
	case time.Time:
		return t.Format(time.RFC3339)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case fmt.Stringer:
		return t.String()
	default:
		return fmt.Sprintf("%v", t)
	}
}
