package ivr

import (
	"context"
	"testing"
	"time"
)

func seedSessions(t *testing.T, repo *MemorySessionRepository) {
	t.Helper()
	now := time.Now().UTC()
	sessions := []*Session{
		{
			SessionID: "s1", WorkspaceID: "ws-1", FlowID: "flow-1", FlowVersion: 1,
			Status: SessionCompleted, ExitReason: ExitTransfer,
			NodeHistory: []NodeVisit{{NodeID: "greet"}, {NodeID: "menu"}, {NodeID: "sales"}},
		},
		{
			SessionID: "s2", WorkspaceID: "ws-1", FlowID: "flow-1", FlowVersion: 1,
			Status: SessionCompleted, ExitReason: ExitEndCall,
			NodeHistory: []NodeVisit{{NodeID: "greet"}, {NodeID: "menu"}, {NodeID: "goodbye"}},
		},
		{
			SessionID: "s3", WorkspaceID: "ws-1", FlowID: "flow-1", FlowVersion: 1,
			Status:      SessionAbandoned,
			NodeHistory: []NodeVisit{{NodeID: "greet"}, {NodeID: "menu"}},
		},
		{
			// Other flow; must not be counted.
			SessionID: "s4", WorkspaceID: "ws-1", FlowID: "flow-2", FlowVersion: 1,
			Status:      SessionCompleted,
			NodeHistory: []NodeVisit{{NodeID: "x"}},
		},
	}
	for _, s := range sessions {
		s.StartedAt = now
		s.Variables = map[string]string{}
		if err := repo.Create(context.Background(), s); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}
}

func TestAggregator_Refresh(t *testing.T) {
	repo := NewMemorySessionRepository()
	seedSessions(t, repo)

	ag := NewAggregator(repo, time.Minute, nil)
	got, err := ag.Refresh(context.Background(), "ws-1", "flow-1")
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}

	if got.Sessions != 3 || got.Completed != 2 || got.Abandoned != 1 || got.Transferred != 1 {
		t.Fatalf("counters wrong: %+v", got)
	}
	if got.NodeVisits["menu"] != 3 || got.NodeVisits["sales"] != 1 {
		t.Fatalf("node visits wrong: %v", got.NodeVisits)
	}
	if got.Transitions["greet->menu"] != 3 || got.Transitions["menu->sales"] != 1 {
		t.Fatalf("transitions wrong: %v", got.Transitions)
	}
	if got.AbandonedAt["menu"] != 1 {
		t.Fatalf("abandonment attribution wrong: %v", got.AbandonedAt)
	}
}

func TestAggregator_GetUsesCache(t *testing.T) {
	repo := NewMemorySessionRepository()
	seedSessions(t, repo)

	ag := NewAggregator(repo, time.Minute, nil)
	first, err := ag.Get(context.Background(), "ws-1", "flow-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}

	// New sessions are invisible until the next refresh.
	_ = repo.Create(context.Background(), &Session{
		SessionID: "s9", WorkspaceID: "ws-1", FlowID: "flow-1",
		Status: SessionCompleted, Variables: map[string]string{},
	})
	cached, _ := ag.Get(context.Background(), "ws-1", "flow-1")
	if cached.Sessions != first.Sessions {
		t.Fatalf("expected cached snapshot, got %d sessions", cached.Sessions)
	}

	refreshed, _ := ag.Refresh(context.Background(), "ws-1", "flow-1")
	if refreshed.Sessions != first.Sessions+1 {
		t.Fatalf("refresh did not pick up new session")
	}
}
