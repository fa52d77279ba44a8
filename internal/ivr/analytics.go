package ivr

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// FlowAnalytics aggregates execution history across sessions of a flow:
// per-node visit counts, transition counts and where callers abandon.
type FlowAnalytics struct {
	FlowID      string `json:"flow_id"`
	WorkspaceID string `json:"workspace_id"`

	Sessions    int `json:"sessions"`
	Completed   int `json:"completed"`
	Abandoned   int `json:"abandoned"`
	Transferred int `json:"transferred"`

	NodeVisits map[string]int `json:"node_visits"`
	// Transitions are keyed "from->to".
	Transitions map[string]int `json:"transitions"`
	AbandonedAt map[string]int `json:"abandoned_at"`

	ComputedAt time.Time `json:"computed_at"`
}

// Aggregator derives FlowAnalytics from node_history off the hot path. The
// engine never waits on it; callers read the latest cached snapshot.
type Aggregator struct {
	sessions SessionRepository
	log      *slog.Logger
	interval time.Duration

	mu    sync.RWMutex
	cache map[string]FlowAnalytics // keyed workspace/flow

	// tracked flows to refresh in the background loop.
	tracked map[string][2]string

	stop chan struct{}
	done chan struct{}
}

func NewAggregator(sessions SessionRepository, interval time.Duration, log *slog.Logger) *Aggregator {
	if log == nil {
		log = slog.Default()
	}
	if interval <= 0 {
		interval = time.Minute
	}
	return &Aggregator{
		sessions: sessions,
		log:      log,
		interval: interval,
		cache:    map[string]FlowAnalytics{},
		tracked:  map[string][2]string{},
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

func analyticsKey(workspaceID, flowID string) string {
	return fmt.Sprintf("%s/%s", workspaceID, flowID)
}

// Track registers a flow for periodic background aggregation.
func (a *Aggregator) Track(workspaceID, flowID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.tracked[analyticsKey(workspaceID, flowID)] = [2]string{workspaceID, flowID}
}

// Start runs the refresh loop until Stop or context cancellation.
func (a *Aggregator) Start(ctx context.Context) {
	go func() {
		defer close(a.done)
		ticker := time.NewTicker(a.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-a.stop:
				return
			case <-ticker.C:
				a.refreshAll(ctx)
			}
		}
	}()
}

func (a *Aggregator) Stop() {
	close(a.stop)
	<-a.done
}

func (a *Aggregator) refreshAll(ctx context.Context) {
	a.mu.RLock()
	flows := make([][2]string, 0, len(a.tracked))
	for _, f := range a.tracked {
		flows = append(flows, f)
	}
	a.mu.RUnlock()

	for _, f := range flows {
		if _, err := a.Refresh(ctx, f[0], f[1]); err != nil {
			a.log.Warn("analytics refresh failed", "workspace", f[0], "flow", f[1], "err", err)
		}
	}
}

// Refresh recomputes analytics for one flow and caches the result.
func (a *Aggregator) Refresh(ctx context.Context, workspaceID, flowID string) (FlowAnalytics, error) {
	sessions, err := a.sessions.ListByFlow(ctx, workspaceID, flowID)
	if err != nil {
		return FlowAnalytics{}, err
	}

	out := FlowAnalytics{
		FlowID:      flowID,
		WorkspaceID: workspaceID,
		NodeVisits:  map[string]int{},
		Transitions: map[string]int{},
		AbandonedAt: map[string]int{},
		ComputedAt:  time.Now().UTC(),
	}

	for _, s := range sessions {
		out.Sessions++
		switch {
		case s.Status == SessionAbandoned:
			out.Abandoned++
			if len(s.NodeHistory) > 0 {
				out.AbandonedAt[s.NodeHistory[len(s.NodeHistory)-1].NodeID]++
			}
		case s.ExitReason == ExitTransfer:
			out.Completed++
			out.Transferred++
		case s.Status == SessionCompleted:
			out.Completed++
		}

		for i, visit := range s.NodeHistory {
			out.NodeVisits[visit.NodeID]++
			if i > 0 {
				out.Transitions[s.NodeHistory[i-1].NodeID+"->"+visit.NodeID]++
			}
		}
	}

	a.mu.Lock()
	a.cache[analyticsKey(workspaceID, flowID)] = out
	a.mu.Unlock()
	return out, nil
}

// Get returns the latest cached snapshot, computing one synchronously when
// the flow has never been aggregated.
func (a *Aggregator) Get(ctx context.Context, workspaceID, flowID string) (FlowAnalytics, error) {
	a.mu.RLock()
	cached, ok := a.cache[analyticsKey(workspaceID, flowID)]
	a.mu.RUnlock()
	if ok {
		return cached, nil
	}
	return a.Refresh(ctx, workspaceID, flowID)
}
