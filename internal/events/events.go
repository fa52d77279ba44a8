package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"callcenter-platform/internal/calls"
)

// Event is one call-scoped lifecycle record published for dashboards and
// supervisor tooling.
//
// Publication is best-effort: the call path never blocks or fails on event
// delivery.
type Event struct {
	ID          string `json:"id"`
	WorkspaceID string `json:"workspace_id"`

	// Kind is dot-scoped: call.created, call.status, call.recording,
	// session.reconnecting, ...
	Kind string `json:"kind"`

	CallID     string `json:"call_id,omitempty"`
	SessionID  string `json:"session_id,omitempty"`
	ProviderID string `json:"provider_id,omitempty"`

	// Payload carries the kind-specific body as JSON.
	Payload json.RawMessage `json:"payload,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// Subscriber receives events published on the in-process bus.
type Subscriber func(Event)

// Bus fans events out to in-process subscribers and, when configured, to a
// redis pub/sub channel consumed by external dashboards.
type Bus struct {
	log *slog.Logger
	rdb *redis.Client
	// channel is the redis pub/sub channel name.
	channel string

	mu   sync.RWMutex
	subs []Subscriber

	clock func() time.Time
}

const DefaultChannel = "callcenter:events"

// NewBus creates a bus. rdb may be nil, which keeps events in-process only.
func NewBus(rdb *redis.Client, channel string, log *slog.Logger) *Bus {
	if log == nil {
		log = slog.Default()
	}
	if channel == "" {
		channel = DefaultChannel
	}
	return &Bus{log: log, rdb: rdb, channel: channel, clock: time.Now}
}

// Subscribe registers an in-process subscriber. Subscribers must be fast;
// they run on the publisher's goroutine.
func (b *Bus) Subscribe(fn Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = append(b.subs, fn)
}

// Publish delivers the event to subscribers and redis. Failures are logged,
// never returned: event delivery must not break call handling.
func (b *Bus) Publish(ctx context.Context, ev Event) {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = b.clock().UTC()
	}

	b.mu.RLock()
	subs := b.subs
	b.mu.RUnlock()
	for _, fn := range subs {
		fn(ev)
	}

	if b.rdb == nil {
		return
	}
	body, err := json.Marshal(ev)
	if err != nil {
		b.log.Warn("event marshal failed", "kind", ev.Kind, "err", err)
		return
	}
	if err := b.rdb.Publish(ctx, b.channel, body).Err(); err != nil {
		b.log.Warn("event publish failed", "kind", ev.Kind, "err", err)
	}
}

// PublishCallEvent adapts call lifecycle changes onto the bus; the calls
// service depends only on this method.
func (b *Bus) PublishCallEvent(ctx context.Context, kind string, rec calls.CallRecord) {
	payload, err := json.Marshal(rec)
	if err != nil {
		b.log.Warn("call event marshal failed", "kind", kind, "err", err)
		return
	}
	b.Publish(ctx, Event{
		WorkspaceID: rec.WorkspaceID,
		Kind:        kind,
		CallID:      rec.CallID,
		ProviderID:  rec.Provider,
		Payload:     payload,
	})
}

// PublishSessionEvent forwards realtime session lifecycle transitions.
func (b *Bus) PublishSessionEvent(ctx context.Context, workspaceID, callID string, kind, sessionID, providerID string, payload any) {
	body, err := json.Marshal(payload)
	if err != nil {
		b.log.Warn("session event marshal failed", "kind", kind, "err", err)
		return
	}
	b.Publish(ctx, Event{
		WorkspaceID: workspaceID,
		Kind:        kind,
		CallID:      callID,
		SessionID:   sessionID,
		ProviderID:  providerID,
		Payload:     body,
	})
}
