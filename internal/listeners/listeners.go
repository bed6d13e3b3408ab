// Package listeners holds the side-effecting event subscribers: durable
// event persistence, push wake-ups, and block-driven call teardown. Every
// listener is wrapped in the processed-event ledger so redelivery is safe.
package listeners

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/parleo/parleo/internal/call"
	"github.com/parleo/parleo/internal/database"
	"github.com/parleo/parleo/internal/database/models"
	"github.com/parleo/parleo/internal/events"
	"github.com/parleo/parleo/internal/push"
)

// Idempotent wraps a handler with the (event, handler) ledger. A succeeded
// entry skips redelivery; a failed entry does not block the retry, it only
// records the last error.
func Idempotent(name string, ledger database.LedgerRepository, logger *slog.Logger, h events.Handler) events.Handler {
	return func(ctx context.Context, e events.Event) error {
		entry, err := ledger.Get(ctx, e.EventID(), name)
		if err != nil {
			// Ledger probe failure degrades to at-least-once.
			logger.Warn("ledger probe failed", "listener", name, "event_id", e.EventID(), "error", err)
		}
		if entry != nil && entry.Status == models.LedgerSucceeded {
			return nil
		}

		if err := h(ctx, e); err != nil {
			if merr := ledger.MarkFailed(ctx, e.EventID(), name, err.Error()); merr != nil {
				logger.Error("recording ledger failure", "listener", name, "event_id", e.EventID(), "error", merr)
			}
			return err
		}

		if merr := ledger.MarkSucceeded(ctx, e.EventID(), name); merr != nil {
			logger.Error("recording ledger success", "listener", name, "event_id", e.EventID(), "error", merr)
		}
		return nil
	}
}

// Deps carries everything the standard listener set needs.
type Deps struct {
	Bus      *events.Bus
	Registry *events.Registry
	Ledger   database.LedgerRepository
	EventLog database.EventLogRepository
	Tokens   database.PushTokenRepository
	Push     *push.Client
	Calls    *call.Service
	Logger   *slog.Logger
}

// criticalTopics are persisted to the durable event log.
var criticalTopics = []string{
	events.TopicCallInitiated,
	events.TopicCallEnded,
	events.TopicCallPushNeeded,
	events.TopicUserBlocked,
	events.TopicMediaFailed,
}

// RegisterAll wires the standard listeners onto the bus.
func RegisterAll(d Deps) {
	logger := d.Logger.With("subsystem", "listeners")

	persist := NewPersister(d.Registry, d.EventLog, logger)
	for _, topic := range criticalTopics {
		d.Bus.Subscribe(topic, "event-log", Idempotent("event-log", d.Ledger, logger, persist.Handle))
	}

	if d.Push != nil && d.Push.Configured() {
		wakeup := NewWakeup(d.Tokens, d.Push, logger)
		d.Bus.Subscribe(events.TopicCallPushNeeded, "push-wakeup",
			Idempotent("push-wakeup", d.Ledger, logger, wakeup.Handle))
	}

	if d.Calls != nil {
		teardown := NewBlockTeardown(d.Calls, logger)
		d.Bus.Subscribe(events.TopicUserBlocked, "block-teardown",
			Idempotent("block-teardown", d.Ledger, logger, teardown.Handle))
	}
}

// Persister writes critical events to the durable log. The log is unique by
// event ID, so redelivered events collapse into one row.
type Persister struct {
	registry *events.Registry
	log      database.EventLogRepository
	logger   *slog.Logger
}

func NewPersister(registry *events.Registry, log database.EventLogRepository, logger *slog.Logger) *Persister {
	return &Persister{registry: registry, log: log, logger: logger}
}

func (p *Persister) Handle(ctx context.Context, e events.Event) error {
	if p.registry != nil && !p.registry.CanConsume(e.EventType(), e.EventVersion()) {
		return fmt.Errorf("listeners: cannot consume %s v%d", e.EventType(), e.EventVersion())
	}

	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("listeners: marshalling %s: %w", e.EventType(), err)
	}

	return p.log.Upsert(ctx, &models.StoredEvent{
		EventID:     e.EventID(),
		EventType:   e.EventType(),
		Version:     e.EventVersion(),
		Source:      e.EventSource(),
		AggregateID: e.EventAggregateID(),
		Payload:     string(payload),
		OccurredAt:  e.OccurredAt(),
	})
}

// Wakeup pushes a wake-up to every registered device of a silent callee.
type Wakeup struct {
	tokens database.PushTokenRepository
	client *push.Client
	logger *slog.Logger
}

func NewWakeup(tokens database.PushTokenRepository, client *push.Client, logger *slog.Logger) *Wakeup {
	return &Wakeup{tokens: tokens, client: client, logger: logger}
}

func (w *Wakeup) Handle(ctx context.Context, e events.Event) error {
	ev, ok := e.(events.PushNeeded)
	if !ok {
		return fmt.Errorf("listeners: unexpected event %T on %s", e, events.TopicCallPushNeeded)
	}

	tokens, err := w.tokens.GetByUserID(ctx, ev.UserID)
	if err != nil {
		return fmt.Errorf("listeners: loading push tokens: %w", err)
	}
	if len(tokens) == 0 {
		w.logger.Debug("no push tokens for user", "user", ev.UserID, "call_id", ev.CallID)
		return nil
	}

	var delivered int
	for _, tok := range tokens {
		ok, err := w.client.SendWakeup(ctx, tok.Token, tok.Platform, ev.CallerID, ev.CallID, ev.CallType, ev.Reason)
		if err != nil {
			w.logger.Warn("wakeup delivery failed",
				"user", ev.UserID,
				"call_id", ev.CallID,
				"platform", tok.Platform,
				"error", err,
			)
			continue
		}
		if ok {
			delivered++
		}
	}

	if delivered == 0 {
		return fmt.Errorf("listeners: no wakeup delivered for call %s to %s", ev.CallID, ev.UserID)
	}
	return nil
}

// BlockTeardown ends any live call between a blocker and the blocked user.
type BlockTeardown struct {
	calls  *call.Service
	logger *slog.Logger
}

func NewBlockTeardown(calls *call.Service, logger *slog.Logger) *BlockTeardown {
	return &BlockTeardown{calls: calls, logger: logger}
}

func (b *BlockTeardown) Handle(ctx context.Context, e events.Event) error {
	ev, ok := e.(events.UserBlocked)
	if !ok {
		return fmt.Errorf("listeners: unexpected event %T on %s", e, events.TopicUserBlocked)
	}
	return b.calls.TerminateBetween(ctx, ev.BlockerID, ev.BlockedID)
}
