package health

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Status classifies a provider's rolling health.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// Metrics is a point-in-time snapshot of one provider's health.
// Safe to serialize to JSON for dashboards.
type Metrics struct {
	ProviderID string `json:"provider_id"`
	Status     Status `json:"status"`

	SuccessRate float64 `json:"success_rate"`

	AverageLatency time.Duration `json:"average_latency"`
	MinLatency     time.Duration `json:"min_latency"`
	MaxLatency     time.Duration `json:"max_latency"`

	ConsecutiveFailures int       `json:"consecutive_failures"`
	TotalChecks         int64     `json:"total_checks"`
	LastCheckTime       time.Time `json:"last_check_time"`
}

// Prober performs one liveness probe against a provider.
type Prober interface {
	Probe(ctx context.Context) error
}

// ProberFunc adapts a function to the Prober interface.
type ProberFunc func(ctx context.Context) error

func (f ProberFunc) Probe(ctx context.Context) error { return f(ctx) }

// Config controls probing cadence and status derivation.
type Config struct {
	ProbeInterval time.Duration
	ProbeTimeout  time.Duration

	// Window bounds the rolling sample set per provider.
	Window int

	// DegradedBelow / UnhealthyBelow are success-rate thresholds.
	DegradedBelow  float64
	UnhealthyBelow float64

	// UnhealthyAfter is the consecutive-failure count that forces
	// unhealthy regardless of the rolling rate.
	UnhealthyAfter int
}

func (c Config) withDefaults() Config {
	out := c
	if out.ProbeInterval <= 0 {
		out.ProbeInterval = 30 * time.Second
	}
	if out.ProbeTimeout <= 0 {
		out.ProbeTimeout = 5 * time.Second
	}
	if out.Window <= 0 {
		out.Window = 50
	}
	if out.DegradedBelow <= 0 {
		out.DegradedBelow = 0.95
	}
	if out.UnhealthyBelow <= 0 {
		out.UnhealthyBelow = 0.5
	}
	if out.UnhealthyAfter <= 0 {
		out.UnhealthyAfter = 3
	}
	return out
}

type sample struct {
	ok      bool
	latency time.Duration
}

type providerState struct {
	prober Prober

	samples             []sample
	consecutiveFailures int
	totalChecks         int64
	lastCheck           time.Time
}

// Monitor probes registered providers on a fixed interval and folds real
// call outcomes into the same rolling window. Reads never block probing.
type Monitor struct {
	cfg Config
	log *slog.Logger

	mu        sync.RWMutex
	providers map[string]*providerState

	clock func() time.Time

	startOnce sync.Once
	stop      context.CancelFunc
	done      sync.WaitGroup
}

func NewMonitor(cfg Config, log *slog.Logger) *Monitor {
	if log == nil {
		log = slog.Default()
	}
	return &Monitor{
		cfg:       cfg.withDefaults(),
		log:       log,
		providers: make(map[string]*providerState),
		clock:     time.Now,
	}
}

// Register adds a provider to the probe set. Probing starts when Start is
// called; registration after Start is picked up on the next tick.
func (m *Monitor) Register(providerID string, p Prober) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.providers[providerID]; !ok {
		m.providers[providerID] = &providerState{prober: p}
		return
	}
	m.providers[providerID].prober = p
}

// Start launches one probe loop per registered provider cadence. Probes for
// different providers run independently so one slow provider cannot delay
// another's schedule.
func (m *Monitor) Start(ctx context.Context) {
	m.startOnce.Do(func() {
		ctx, m.stop = context.WithCancel(ctx)
		m.done.Add(1)
		go m.run(ctx)
	})
}

// Stop cancels probing and waits for the loop to exit.
func (m *Monitor) Stop() {
	if m.stop != nil {
		m.stop()
	}
	m.done.Wait()
}

func (m *Monitor) run(ctx context.Context) {
	defer m.done.Done()

	ticker := time.NewTicker(m.cfg.ProbeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.probeAll(ctx)
		}
	}
}

func (m *Monitor) probeAll(ctx context.Context) {
	m.mu.RLock()
	probers := make(map[string]Prober, len(m.providers))
	for id, st := range m.providers {
		if st.prober != nil {
			probers[id] = st.prober
		}
	}
	m.mu.RUnlock()

	var wg sync.WaitGroup
	for id, p := range probers {
		wg.Add(1)
		go func(id string, p Prober) {
			defer wg.Done()
			m.probeOne(ctx, id, p)
		}(id, p)
	}
	wg.Wait()
}

func (m *Monitor) probeOne(ctx context.Context, providerID string, p Prober) {
	probeCtx, cancel := context.WithTimeout(ctx, m.cfg.ProbeTimeout)
	defer cancel()

	start := m.clock()
	err := p.Probe(probeCtx)
	latency := m.clock().Sub(start)

	if err != nil {
		m.log.Warn("provider probe failed", "provider", providerID, "err", err)
	}
	m.RecordOutcome(providerID, err == nil, latency)
}

// RecordOutcome folds a probe or real call outcome into the provider's
// rolling window. Unknown providers are created on first record so live
// traffic is never lost.
func (m *Monitor) RecordOutcome(providerID string, success bool, latency time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.providers[providerID]
	if !ok {
		st = &providerState{}
		m.providers[providerID] = st
	}

	st.samples = append(st.samples, sample{ok: success, latency: latency})
	if len(st.samples) > m.cfg.Window {
		st.samples = st.samples[len(st.samples)-m.cfg.Window:]
	}
	if success {
		st.consecutiveFailures = 0
	} else {
		st.consecutiveFailures++
	}
	st.totalChecks++
	st.lastCheck = m.clock()
}

// GetHealth returns the snapshot for one provider. Providers with no
// samples yet report healthy so a cold start never blocks selection.
func (m *Monitor) GetHealth(providerID string) (Metrics, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st, ok := m.providers[providerID]
	if !ok {
		return Metrics{}, false
	}
	return m.snapshotLocked(providerID, st), true
}

// GetAllHealth returns a point-in-time snapshot of every provider.
func (m *Monitor) GetAllHealth() map[string]Metrics {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]Metrics, len(m.providers))
	for id, st := range m.providers {
		out[id] = m.snapshotLocked(id, st)
	}
	return out
}

func (m *Monitor) snapshotLocked(providerID string, st *providerState) Metrics {
	out := Metrics{
		ProviderID:          providerID,
		Status:              StatusHealthy,
		SuccessRate:         1,
		ConsecutiveFailures: st.consecutiveFailures,
		TotalChecks:         st.totalChecks,
		LastCheckTime:       st.lastCheck,
	}
	if len(st.samples) == 0 {
		return out
	}

	var okCount int
	var sum time.Duration
	out.MinLatency = st.samples[0].latency
	for _, s := range st.samples {
		if s.ok {
			okCount++
		}
		sum += s.latency
		if s.latency < out.MinLatency {
			out.MinLatency = s.latency
		}
		if s.latency > out.MaxLatency {
			out.MaxLatency = s.latency
		}
	}
	out.SuccessRate = float64(okCount) / float64(len(st.samples))
	out.AverageLatency = sum / time.Duration(len(st.samples))

	switch {
	case st.consecutiveFailures >= m.cfg.UnhealthyAfter,
		out.SuccessRate < m.cfg.UnhealthyBelow:
		out.Status = StatusUnhealthy
	case out.SuccessRate < m.cfg.DegradedBelow:
		out.Status = StatusDegraded
	}
	return out
}
