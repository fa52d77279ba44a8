package realtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"callcenter-platform/pkg/backoff"

	"github.com/google/uuid"

	"callcenter-platform/internal/media"
)

// SessionState is the realtime session lifecycle state.
type SessionState string

const (
	StateIdle         SessionState = "idle"
	StateConnecting   SessionState = "connecting"
	StateConnected    SessionState = "connected"
	StateReconnecting SessionState = "reconnecting"
	StateFailed       SessionState = "failed"
	StateDisconnected SessionState = "disconnected"
)

// SessionEventType enumerates lifecycle events consumable by supervisor
// tooling.
type SessionEventType string

const (
	SessionEventConnected    SessionEventType = "connected"
	SessionEventReconnecting SessionEventType = "reconnecting"
	SessionEventReconnected  SessionEventType = "reconnected"
	SessionEventFailed       SessionEventType = "failed"
	SessionEventDisconnected SessionEventType = "disconnected"
)

// SessionEvent is one lifecycle transition.
type SessionEvent struct {
	SessionID  string           `json:"session_id"`
	ProviderID string           `json:"provider_id"`
	Type       SessionEventType `json:"type"`
	Attempt    int              `json:"attempt,omitempty"`
	Error      string           `json:"error,omitempty"`
	At         time.Time        `json:"at"`
}

// ErrReconnectExhausted is the sentinel wrapped by *ReconnectExhaustedError.
var ErrReconnectExhausted = errors.New("realtime: reconnect attempts exhausted")

// ReconnectExhaustedError is the session-terminal failure after the backoff
// budget is spent.
type ReconnectExhaustedError struct {
	SessionID string
	Attempts  int
	LastErr   error
}

func (e *ReconnectExhaustedError) Error() string {
	return fmt.Sprintf("realtime: session %s failed after %d reconnect attempts: %v", e.SessionID, e.Attempts, e.LastErr)
}

func (e *ReconnectExhaustedError) Unwrap() error { return ErrReconnectExhausted }

// SessionOptions tune reconnection and buffering behavior.
type SessionOptions struct {
	// LivenessTimeout is the window within which inbound provider traffic
	// is expected while connected.
	LivenessTimeout time.Duration

	MaxReconnectAttempts  int
	InitialReconnectDelay time.Duration
	MaxReconnectDelay     time.Duration

	BufferCapacity int

	// Sleep is injectable for deterministic tests.
	Sleep func(ctx context.Context, d time.Duration) error

	clock func() time.Time
}

func (o SessionOptions) withDefaults() SessionOptions {
	out := o
	if out.LivenessTimeout <= 0 {
		out.LivenessTimeout = 30 * time.Second
	}
	if out.MaxReconnectAttempts <= 0 {
		out.MaxReconnectAttempts = 5
	}
	if out.InitialReconnectDelay <= 0 {
		out.InitialReconnectDelay = time.Second
	}
	if out.MaxReconnectDelay <= 0 {
		out.MaxReconnectDelay = time.Minute
	}
	if out.BufferCapacity <= 0 {
		out.BufferCapacity = DefaultBufferCapacity
	}
	if out.clock == nil {
		out.clock = time.Now
	}
	return out
}

// Session owns one active realtime interaction against a provider.
//
// Concurrency model: one pump goroutine per session multiplexes inbound
// provider events, drives the liveness watchdog and runs reconnection.
// Producers call SendAudio/SendText from the call leg. All state
// transitions happen under the session mutex.
type Session struct {
	id       string
	provider VoiceProvider
	cfg      SessionConfig
	opts     SessionOptions
	log      *slog.Logger

	mu                sync.Mutex
	state             SessionState
	reconnectAttempts int
	shouldReconnect   bool
	lastErr           error

	buffer *AudioBuffer
	seq    atomic.Int64

	eventsMu     sync.Mutex
	eventsClosed bool
	events       chan SessionEvent

	inbound chan Event
	kick    chan struct{}

	cancel   context.CancelFunc
	pumpDone chan struct{}
}

func NewSession(provider VoiceProvider, cfg SessionConfig, opts SessionOptions, log *slog.Logger) *Session {
	opts = opts.withDefaults()
	if log == nil {
		log = slog.Default()
	}
	return &Session{
		id:              uuid.NewString(),
		provider:        provider,
		cfg:             cfg,
		opts:            opts,
		log:             log,
		state:           StateIdle,
		shouldReconnect: true,
		buffer:          NewAudioBuffer(opts.BufferCapacity),
		events:          make(chan SessionEvent, 32),
		inbound:         make(chan Event, 64),
		kick:            make(chan struct{}, 1),
		pumpDone:        make(chan struct{}),
	}
}

func (s *Session) ID() string         { return s.id }
func (s *Session) ProviderID() string { return s.provider.ID() }

func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Err returns the terminal error, if any.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

func (s *Session) ReconnectAttempts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reconnectAttempts
}

// BufferedChunks reports the current reconnect-buffer depth.
func (s *Session) BufferedChunks() int { return s.buffer.Len() }

// Events is the lifecycle event feed. Closed when the session terminates.
func (s *Session) Events() <-chan SessionEvent { return s.events }

// Inbound is the ordered provider event feed (audio, text, function calls).
func (s *Session) Inbound() <-chan Event { return s.inbound }

// Start connects the provider and launches the session pump.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateIdle {
		s.mu.Unlock()
		return fmt.Errorf("realtime: session %s already started (state %s)", s.id, s.state)
	}
	s.state = StateConnecting
	s.mu.Unlock()

	ctx, s.cancel = context.WithCancel(ctx)

	if err := s.provider.Connect(ctx, s.cfg); err != nil {
		s.mu.Lock()
		s.state = StateFailed
		s.lastErr = err
		s.mu.Unlock()
		s.emit(SessionEventFailed, 0, err)
		s.closeEventsOnce()
		close(s.pumpDone)
		return fmt.Errorf("realtime: initial connect: %w", err)
	}

	s.mu.Lock()
	s.state = StateConnected
	s.mu.Unlock()
	s.emit(SessionEventConnected, 0, nil)

	go s.pump(ctx)
	return nil
}

// SendAudio forwards one outbound audio chunk to the provider, buffering
// it if the session is reconnecting. It never blocks on a broken
// connection.
func (s *Session) SendAudio(ctx context.Context, chunk media.AudioChunk) error {
	chunk.Seq = s.seq.Add(1)

	s.mu.Lock()
	state := s.state
	s.mu.Unlock()

	switch state {
	case StateConnected:
		if err := s.provider.SendAudio(ctx, chunk); err != nil {
			// Transport is broken: keep the chunk and wake the pump so it
			// runs the reconnect loop.
			s.buffer.Append(chunk)
			s.nudge()
			return nil
		}
		return nil
	case StateReconnecting:
		s.buffer.Append(chunk)
		return nil
	default:
		return fmt.Errorf("realtime: session %s cannot accept audio in state %s: %w", s.id, state, ErrNotConnected)
	}
}

// SendText forwards a text turn (e.g. IVR-sourced context) to the provider.
func (s *Session) SendText(ctx context.Context, text string) error {
	s.mu.Lock()
	state := s.state
	s.mu.Unlock()
	if state != StateConnected {
		return fmt.Errorf("realtime: session %s cannot accept text in state %s: %w", s.id, state, ErrNotConnected)
	}
	return s.provider.SendText(ctx, text)
}

// Disconnect ends the session deliberately. Idempotent; cancels any
// in-flight reconnection backoff.
func (s *Session) Disconnect(ctx context.Context) error {
	s.mu.Lock()
	if s.state == StateDisconnected || s.state == StateFailed {
		s.mu.Unlock()
		return nil
	}
	wasIdle := s.state == StateIdle
	s.shouldReconnect = false
	s.state = StateDisconnected
	s.mu.Unlock()

	if s.cancel != nil {
		s.cancel()
	}
	err := s.provider.Disconnect(ctx)
	s.emit(SessionEventDisconnected, 0, nil)

	if wasIdle {
		s.closeEventsOnce()
	} else {
		<-s.pumpDone
	}
	return err
}

// pump multiplexes inbound provider events, enforces liveness and runs
// reconnection. It is the only goroutine that flips connected states.
func (s *Session) pump(ctx context.Context) {
	defer close(s.pumpDone)
	defer s.closeEventsOnce()

	evCh := s.provider.Events()
	watchdog := time.NewTimer(s.opts.LivenessTimeout)
	defer watchdog.Stop()

	resetWatchdog := func() {
		if !watchdog.Stop() {
			select {
			case <-watchdog.C:
			default:
			}
		}
		watchdog.Reset(s.opts.LivenessTimeout)
	}

	for {
		select {
		case <-ctx.Done():
			return

		case <-s.kick:
			if !s.reconnect(ctx) {
				return
			}
			evCh = s.provider.Events()
			resetWatchdog()

		case <-watchdog.C:
			s.log.Warn("liveness timeout", "session", s.id, "provider", s.provider.ID(), "timeout", s.opts.LivenessTimeout)
			if !s.reconnect(ctx) {
				return
			}
			evCh = s.provider.Events()
			resetWatchdog()

		case ev, ok := <-evCh:
			if !ok || ev.Type == EventClosed || ev.Type == EventError {
				if ev.Err != nil {
					s.log.Warn("provider transport error", "session", s.id, "err", ev.Err)
				}
				if !s.reconnect(ctx) {
					return
				}
				evCh = s.provider.Events()
				resetWatchdog()
				continue
			}
			resetWatchdog()
			select {
			case s.inbound <- ev:
			case <-ctx.Done():
				return
			}
		}
	}
}

// nudge wakes the pump without blocking the producer.
func (s *Session) nudge() {
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

// reconnect runs the bounded exponential-backoff reconnect loop. It
// returns true when the session is connected again and false when the
// session is terminal (failed or deliberately disconnected).
func (s *Session) reconnect(ctx context.Context) bool {
	s.mu.Lock()
	if !s.shouldReconnect || s.state == StateDisconnected || s.state == StateFailed {
		s.mu.Unlock()
		return false
	}
	if s.state != StateReconnecting {
		s.state = StateReconnecting
		s.mu.Unlock()
		s.emit(SessionEventReconnecting, 0, nil)
	} else {
		s.mu.Unlock()
	}

	policy := backoff.Policy{
		MaxAttempts:  s.opts.MaxReconnectAttempts,
		InitialDelay: s.opts.InitialReconnectDelay,
		MaxDelay:     s.opts.MaxReconnectDelay,
		Multiplier:   2,
		Sleep:        s.opts.Sleep,
	}

	sleep := policy.Sleep
	if sleep == nil {
		sleep = func(ctx context.Context, d time.Duration) error {
			t := time.NewTimer(d)
			defer t.Stop()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-t.C:
				return nil
			}
		}
	}

	var lastErr error
	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		s.mu.Lock()
		s.reconnectAttempts = attempt
		s.mu.Unlock()

		if err := sleep(ctx, policy.Delay(attempt)); err != nil {
			// Backoff canceled by Disconnect or call teardown.
			return false
		}

		err := s.provider.Connect(ctx, s.cfg)
		if err != nil {
			lastErr = err
			s.log.Warn("reconnect attempt failed", "session", s.id, "attempt", attempt, "err", err)
			continue
		}

		if err := s.flushBuffer(ctx); err != nil {
			lastErr = err
			s.log.Warn("buffer replay failed", "session", s.id, "attempt", attempt, "err", err)
			continue
		}

		s.mu.Lock()
		if s.state == StateDisconnected {
			s.mu.Unlock()
			return false
		}
		s.state = StateConnected
		s.reconnectAttempts = 0
		s.mu.Unlock()
		s.emit(SessionEventReconnected, attempt, nil)
		s.log.Info("session reconnected", "session", s.id, "provider", s.provider.ID(), "attempt", attempt)
		return true
	}

	term := &ReconnectExhaustedError{SessionID: s.id, Attempts: policy.MaxAttempts, LastErr: lastErr}
	s.mu.Lock()
	if s.state == StateDisconnected {
		// Deliberate Disconnect raced the last attempt; not a failure.
		s.mu.Unlock()
		return false
	}
	s.state = StateFailed
	s.lastErr = term
	s.mu.Unlock()
	s.emit(SessionEventFailed, policy.MaxAttempts, term)
	s.log.Error("session failed", "session", s.id, "provider", s.provider.ID(), "err", term)
	return false
}

// flushBuffer replays buffered audio in FIFO order after a reconnect.
// Replay happens before the session accepts live audio again, so ordering
// within the session is preserved. On a replay error the unsent remainder
// is restored for the next attempt.
func (s *Session) flushBuffer(ctx context.Context) error {
	chunks := s.buffer.Drain()
	for i, chunk := range chunks {
		if err := s.provider.SendAudio(ctx, chunk); err != nil {
			s.buffer.Restore(chunks[i:])
			return fmt.Errorf("replay chunk %d/%d: %w", i+1, len(chunks), err)
		}
	}
	return nil
}

func (s *Session) emit(t SessionEventType, attempt int, err error) {
	ev := SessionEvent{
		SessionID:  s.id,
		ProviderID: s.provider.ID(),
		Type:       t,
		Attempt:    attempt,
		At:         s.opts.clock().UTC(),
	}
	if err != nil {
		ev.Error = err.Error()
	}

	s.eventsMu.Lock()
	defer s.eventsMu.Unlock()
	if s.eventsClosed {
		return
	}
	select {
	case s.events <- ev:
	default:
		s.log.Warn("session event dropped", "session", s.id, "type", t)
	}
}

func (s *Session) closeEventsOnce() {
	s.eventsMu.Lock()
	defer s.eventsMu.Unlock()
	if !s.eventsClosed {
		s.eventsClosed = true
		close(s.events)
	}
}
