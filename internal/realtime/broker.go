package realtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"callcenter-platform/internal/media"
	"callcenter-platform/internal/orchestrator"
)

var (
	// ErrSessionActive rejects opening a second live session on a call.
	ErrSessionActive = errors.New("realtime: call already has an active session")

	// ErrNoSession is returned by lookups on calls without a live session.
	ErrNoSession = errors.New("realtime: no active session for call")
)

// SessionEventPublisher receives session lifecycle events for supervisor
// tooling. The events bus satisfies this.
type SessionEventPublisher interface {
	PublishSessionEvent(ctx context.Context, workspaceID, callID string, kind, sessionID, providerID string, payload any)
}

// ProviderFactory builds a fresh provider for one session. A provider
// instance owns a single transport, so sessions never share one.
type ProviderFactory func(providerID string) (VoiceProvider, error)

// SessionBroker opens realtime voice sessions for live calls. Provider
// choice goes through the orchestrator so breaker state and health filter
// the candidates, and every session start runs inside the provider's
// breaker. When a session exhausts its reconnect budget the broker fails
// the call over to the next provider in preference order, skipping every
// provider the call already burned.
type SessionBroker struct {
	orc     *orchestrator.Orchestrator
	factory ProviderFactory
	opts    SessionOptions
	pub     SessionEventPublisher
	log     *slog.Logger

	mu   sync.Mutex
	open map[string]*ManagedSession
}

func NewSessionBroker(orc *orchestrator.Orchestrator, factory ProviderFactory, opts SessionOptions, pub SessionEventPublisher, log *slog.Logger) (*SessionBroker, error) {
	if orc == nil {
		return nil, errors.New("realtime: orchestrator is required")
	}
	if factory == nil {
		return nil, errors.New("realtime: provider factory is required")
	}
	if log == nil {
		log = slog.Default()
	}
	return &SessionBroker{
		orc:     orc,
		factory: factory,
		opts:    opts,
		pub:     pub,
		log:     log,
		open:    make(map[string]*ManagedSession),
	}, nil
}

// ManagedSession is the broker's handle on one call's voice session. The
// underlying Session is replaced on failover; callers keep using the same
// handle.
type ManagedSession struct {
	broker      *SessionBroker
	key         string
	workspaceID string
	callID      string
	cfg         SessionConfig

	mu    sync.Mutex
	sess  *Session
	tried map[string]struct{}
}

// Open starts a voice session for the call, selecting the provider through
// the orchestrator and walking down the preference order when a start
// fails. One live session per call.
func (b *SessionBroker) Open(ctx context.Context, workspaceID, callID string, cfg SessionConfig) (*ManagedSession, error) {
	if workspaceID == "" || callID == "" {
		return nil, errors.New("realtime: workspace and call ids are required")
	}
	key := sessionKey(workspaceID, callID)

	b.mu.Lock()
	if _, ok := b.open[key]; ok {
		b.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrSessionActive, callID)
	}
	m := &ManagedSession{
		broker:      b,
		key:         key,
		workspaceID: workspaceID,
		callID:      callID,
		cfg:         cfg,
		tried:       make(map[string]struct{}),
	}
	// Reserve the slot before dialing so a concurrent Open on the same
	// call is rejected instead of racing.
	b.open[key] = m
	b.mu.Unlock()

	sess, err := b.dial(ctx, m)
	if err != nil {
		b.remove(key)
		return nil, err
	}
	m.mu.Lock()
	m.sess = sess
	m.mu.Unlock()

	go m.watch(sess)
	return m, nil
}

// Get returns the live session handle for a call.
func (b *SessionBroker) Get(workspaceID, callID string) (*ManagedSession, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	m, ok := b.open[sessionKey(workspaceID, callID)]
	return m, ok
}

// Close ends the call's session deliberately. The watch goroutine removes
// the handle once the session drains.
func (b *SessionBroker) Close(ctx context.Context, workspaceID, callID string) error {
	m, ok := b.Get(workspaceID, callID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoSession, callID)
	}
	return m.current().Disconnect(ctx)
}

// dial selects a provider and starts a session on it, excluding every
// provider the call already tried. Each candidate start runs through the
// provider's breaker so repeated start failures trip it.
func (b *SessionBroker) dial(ctx context.Context, m *ManagedSession) (*Session, error) {
	for {
		sel, err := b.orc.SelectProvider(m.triedProviders()...)
		if err != nil {
			return nil, err
		}
		m.markTried(sel.ProviderID)

		p, err := b.factory(sel.ProviderID)
		if err != nil {
			b.log.Warn("provider construction failed", "provider", sel.ProviderID, "call", m.callID, "err", err)
			continue
		}

		sess := NewSession(p, m.cfg, b.opts, b.log)
		if err := b.orc.Call(ctx, sel.ProviderID, sess.Start); err != nil {
			b.log.Warn("session start failed", "provider", sel.ProviderID, "call", m.callID, "err", err)
			continue
		}
		return sess, nil
	}
}

func (b *SessionBroker) remove(key string) {
	b.mu.Lock()
	delete(b.open, key)
	b.mu.Unlock()
}

func (b *SessionBroker) publish(ctx context.Context, m *ManagedSession, kind, sessionID, providerID string, payload any) {
	if b.pub == nil {
		return
	}
	b.pub.PublishSessionEvent(ctx, m.workspaceID, m.callID, kind, sessionID, providerID, payload)
}

func sessionKey(workspaceID, callID string) string {
	return workspaceID + "/" + callID
}

// watch bridges one session's lifecycle events onto the publisher and
// drives failover when the session dies.
func (m *ManagedSession) watch(sess *Session) {
	b := m.broker
	ctx := context.Background()

	for ev := range sess.Events() {
		payload := map[string]any{}
		if ev.Attempt > 0 {
			payload["attempt"] = ev.Attempt
		}
		if ev.Error != "" {
			payload["error"] = ev.Error
		}
		b.publish(ctx, m, "session."+string(ev.Type), ev.SessionID, ev.ProviderID, payload)
	}

	// Events closes when the session terminates. A deliberate disconnect
	// ends the managed session; a failure walks down to the next provider.
	if sess.State() != StateFailed {
		b.remove(m.key)
		return
	}

	next, err := b.dial(ctx, m)
	if err != nil {
		b.log.Error("session failover exhausted providers", "call", m.callID, "err", err)
		b.remove(m.key)
		return
	}

	m.mu.Lock()
	m.sess = next
	m.mu.Unlock()

	b.publish(ctx, m, "session.failed_over", next.ID(), next.ProviderID(), map[string]any{
		"from": sess.ProviderID(),
	})
	b.log.Info("session failed over", "call", m.callID, "from", sess.ProviderID(), "to", next.ProviderID())
	m.watch(next)
}

func (m *ManagedSession) current() *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sess
}

func (m *ManagedSession) markTried(providerID string) {
	m.mu.Lock()
	m.tried[providerID] = struct{}{}
	m.mu.Unlock()
}

func (m *ManagedSession) triedProviders() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.tried))
	for id := range m.tried {
		out = append(out, id)
	}
	return out
}

func (m *ManagedSession) CallID() string         { return m.callID }
func (m *ManagedSession) SessionID() string      { return m.current().ID() }
func (m *ManagedSession) ProviderID() string     { return m.current().ProviderID() }
func (m *ManagedSession) State() SessionState    { return m.current().State() }
func (m *ManagedSession) Inbound() <-chan Event  { return m.current().Inbound() }
func (m *ManagedSession) ReconnectAttempts() int { return m.current().ReconnectAttempts() }

// SendAudio forwards a caller audio chunk to whichever session currently
// serves the call.
func (m *ManagedSession) SendAudio(ctx context.Context, chunk media.AudioChunk) error {
	return m.current().SendAudio(ctx, chunk)
}

// SendText forwards a text turn to the current session.
func (m *ManagedSession) SendText(ctx context.Context, text string) error {
	return m.current().SendText(ctx, text)
}
