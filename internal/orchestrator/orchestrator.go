package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"callcenter-platform/internal/breaker"
	"callcenter-platform/internal/health"
)

// Orchestrator selects the best available realtime voice provider and
// guards every provider invocation with that provider's circuit breaker.
//
// Selection rules, applied in order:
// 1. Drop providers whose breaker is open.
// 2. Drop providers whose health is unhealthy.
// 3. Return the highest-preference survivor.
//
// Breakers and health metrics are shared across every session using the
// same provider; the orchestrator owns them via explicit registries, not
// package-level state.

// ErrNoProviderAvailable is the sentinel wrapped by *NoProviderError.
var ErrNoProviderAvailable = errors.New("orchestrator: no provider available")

// NoProviderError reports why every candidate was rejected.
type NoProviderError struct {
	Reasons map[string]string
}

func (e *NoProviderError) Error() string {
	if len(e.Reasons) == 0 {
		return "orchestrator: no providers configured"
	}
	parts := make([]string, 0, len(e.Reasons))
	for id, reason := range e.Reasons {
		parts = append(parts, id+": "+reason)
	}
	return "orchestrator: no provider available (" + strings.Join(parts, "; ") + ")"
}

func (e *NoProviderError) Unwrap() error { return ErrNoProviderAvailable }

// Selection describes the chosen provider and the evidence behind it.
type Selection struct {
	ProviderID   string         `json:"provider_id"`
	BreakerState breaker.State  `json:"breaker_state"`
	Health       health.Metrics `json:"health"`
}

type Orchestrator struct {
	preference []string
	breakers   *breaker.Registry
	monitor    *health.Monitor
	log        *slog.Logger
	clock      func() time.Time
}

func New(preference []string, breakers *breaker.Registry, monitor *health.Monitor, log *slog.Logger) (*Orchestrator, error) {
	if len(preference) == 0 {
		return nil, errors.New("orchestrator: provider preference list is empty")
	}
	if breakers == nil {
		return nil, errors.New("orchestrator: breaker registry is required")
	}
	if monitor == nil {
		return nil, errors.New("orchestrator: health monitor is required")
	}
	if log == nil {
		log = slog.Default()
	}
	return &Orchestrator{
		preference: append([]string(nil), preference...),
		breakers:   breakers,
		monitor:    monitor,
		log:        log,
		clock:      time.Now,
	}, nil
}

// SelectProvider picks the highest-preference provider that is neither
// breaker-open nor unhealthy. Providers in exclude are skipped, which lets
// a failing session walk down the preference order.
func (o *Orchestrator) SelectProvider(exclude ...string) (Selection, error) {
	skip := make(map[string]struct{}, len(exclude))
	for _, id := range exclude {
		skip[id] = struct{}{}
	}

	reasons := make(map[string]string, len(o.preference))
	for _, id := range o.preference {
		if _, ok := skip[id]; ok {
			reasons[id] = "excluded"
			continue
		}

		state := o.breakers.Get(id).State()
		if state == breaker.StateOpen {
			reasons[id] = "breaker open"
			continue
		}

		m, ok := o.monitor.GetHealth(id)
		if ok && m.Status == health.StatusUnhealthy {
			reasons[id] = "unhealthy"
			continue
		}

		return Selection{ProviderID: id, BreakerState: state, Health: m}, nil
	}

	o.log.Warn("no provider available", "reasons", reasons)
	return Selection{}, &NoProviderError{Reasons: reasons}
}

// Call routes fn through the provider's breaker and records the outcome
// into the health monitor. A *breaker.OpenError propagates unchanged so
// the caller can immediately try the next-preferred provider.
func (o *Orchestrator) Call(ctx context.Context, providerID string, fn func(ctx context.Context) error) error {
	b := o.breakers.Get(providerID)

	start := o.clock()
	err := b.Call(ctx, fn)
	latency := o.clock().Sub(start)

	if errors.Is(err, breaker.ErrOpen) {
		// Rejected before dispatch: not a sample of provider behavior.
		return err
	}

	o.monitor.RecordOutcome(providerID, err == nil, latency)
	if err != nil {
		return fmt.Errorf("provider %s: %w", providerID, err)
	}
	return nil
}

// Preference returns the configured order (copy).
func (o *Orchestrator) Preference() []string {
	return append([]string(nil), o.preference...)
}

// BreakerSnapshots exposes breaker state for the observability endpoints.
func (o *Orchestrator) BreakerSnapshots() map[string]breaker.Snapshot {
	return o.breakers.Snapshots()
}

// ForceOpenBreaker trips a provider's breaker (operator override).
func (o *Orchestrator) ForceOpenBreaker(providerID string) {
	o.breakers.Get(providerID).ForceOpen()
	o.log.Info("breaker forced open", "provider", providerID)
}

// ResetBreaker resets a provider's breaker (operator override).
func (o *Orchestrator) ResetBreaker(providerID string) {
	o.breakers.Get(providerID).Reset()
	o.log.Info("breaker reset", "provider", providerID)
}
