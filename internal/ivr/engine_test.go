package ivr

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
)

func newTestEngine(t *testing.T, flow *Flow) (*Engine, *MemorySessionRepository) {
	t.Helper()
	flows := NewMemoryFlowRepository()
	if err := flows.Save(context.Background(), flow); err != nil {
		t.Fatalf("save flow: %v", err)
	}
	if err := flows.Publish(context.Background(), flow.WorkspaceID, flow.FlowID, flow.Version); err != nil {
		t.Fatalf("publish flow: %v", err)
	}
	sessions := NewMemorySessionRepository()
	return NewEngine(flows, sessions, nil), sessions
}

func TestEngine_StartAdvancesToFirstMenu(t *testing.T) {
	eng, _ := newTestEngine(t, validFlow())

	step, err := eng.StartSession(context.Background(), "ws-1", "call-1", "flow-1")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if step.NodeID != "menu" || !step.ExpectInput {
		t.Fatalf("expected to land on menu awaiting input, got %+v", step)
	}
	if len(step.Say) != 2 || step.Say[0] != "Welcome to support." {
		t.Fatalf("greeting and menu prompt expected, got %v", step.Say)
	}
}

func TestEngine_MenuValidInputBranches(t *testing.T) {
	eng, repo := newTestEngine(t, validFlow())
	step, _ := eng.StartSession(context.Background(), "ws-1", "call-1", "flow-1")

	step, err := eng.HandleInput(context.Background(), step.SessionID, "2")
	if err != nil {
		t.Fatalf("input: %v", err)
	}
	if !step.Terminal || step.ExitReason != ExitTransfer || step.TransferTo != "queue:support" {
		t.Fatalf("expected transfer to support, got %+v", step)
	}

	sess, _ := repo.Get(context.Background(), step.SessionID)
	if sess.Status != SessionCompleted || sess.ExitReason != ExitTransfer {
		t.Fatalf("session not completed: %+v", sess)
	}
}

func TestEngine_MenuInvalidInputRetriesThenErrorNode(t *testing.T) {
	// Three valid options; invalid input replays the invalid-input message
	// up to max_retries, then control passes to the error node.
	flow := validFlow()
	flow.MaxRetries = 2
	eng, repo := newTestEngine(t, flow)
	start, _ := eng.StartSession(context.Background(), "ws-1", "call-1", "flow-1")

	for i := 1; i <= 2; i++ {
		step, err := eng.HandleInput(context.Background(), start.SessionID, "7")
		if err != nil {
			t.Fatalf("retry %d: %v", i, err)
		}
		if step.Terminal || !step.ExpectInput {
			t.Fatalf("retry %d must re-prompt, got %+v", i, step)
		}
		if len(step.Say) == 0 || step.Say[0] != "Sorry, that is not a valid option." {
			t.Fatalf("retry %d missing invalid-input message: %v", i, step.Say)
		}
	}

	step, err := eng.HandleInput(context.Background(), start.SessionID, "7")
	if err != nil {
		t.Fatalf("exhausted: %v", err)
	}
	if !step.Terminal || step.NodeID != "goodbye" {
		t.Fatalf("expected fallback to error node, got %+v", step)
	}

	sess, _ := repo.Get(context.Background(), start.SessionID)
	if len(sess.InputHistory) != 3 {
		t.Fatalf("expected 3 recorded inputs, got %d", len(sess.InputHistory))
	}
	for _, in := range sess.InputHistory {
		if in.Valid {
			t.Fatalf("invalid input recorded as valid: %+v", in)
		}
	}
}

func TestEngine_TimeoutRetriesWithTimeoutMessage(t *testing.T) {
	flow := validFlow()
	flow.MaxRetries = 1
	flow.TimeoutSeconds = 5
	n := flow.Nodes["menu"]
	n.TimeoutMessage = "Are you still there?"
	flow.Nodes["menu"] = n
	eng, _ := newTestEngine(t, flow)
	start, _ := eng.StartSession(context.Background(), "ws-1", "call-1", "flow-1")

	step, err := eng.HandleTimeout(context.Background(), start.SessionID)
	if err != nil {
		t.Fatalf("timeout: %v", err)
	}
	if !step.ExpectInput || step.Say[0] != "Are you still there?" {
		t.Fatalf("expected timeout re-prompt, got %+v", step)
	}

	step, err = eng.HandleTimeout(context.Background(), start.SessionID)
	if err != nil {
		t.Fatalf("second timeout: %v", err)
	}
	if !step.Terminal || step.NodeID != "goodbye" {
		t.Fatalf("expected error-node fallback, got %+v", step)
	}
}

func TestEngine_GatherConditionalSetVariable(t *testing.T) {
	flow := &Flow{
		FlowID:      "flow-2",
		WorkspaceID: "ws-1",
		Version:     1,
		EntryNodeID: "ask",
		MaxRetries:  2,
		Nodes: map[string]Node{
			"ask":  {Type: NodeGatherInput, Prompt: "Enter your account tier.", Variable: "tier", Next: "mark"},
			"mark": {Type: NodeSetVariable, Variable: "routed", Value: "yes", Next: "cond"},
			"cond": {Type: NodeConditional, Expression: "tier == gold", TrueNode: "vip", FalseNode: "std"},
			"vip":  {Type: NodeTransfer, TransferTo: "queue:vip"},
			"std":  {Type: NodeEndCall, Prompt: "Thanks for calling."},
		},
	}
	eng, repo := newTestEngine(t, flow)
	start, err := eng.StartSession(context.Background(), "ws-1", "call-2", "flow-2")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if start.NodeID != "ask" || !start.ExpectInput {
		t.Fatalf("expected gather node, got %+v", start)
	}

	step, err := eng.HandleInput(context.Background(), start.SessionID, "gold")
	if err != nil {
		t.Fatalf("input: %v", err)
	}
	if !step.Terminal || step.TransferTo != "queue:vip" {
		t.Fatalf("conditional did not branch on variable: %+v", step)
	}

	sess, _ := repo.Get(context.Background(), start.SessionID)
	if sess.Variables["tier"] != "gold" || sess.Variables["routed"] != "yes" {
		t.Fatalf("variables not stored: %v", sess.Variables)
	}
}

func webhookFlow(url string, idempotent bool) *Flow {
	return &Flow{
		FlowID:      "flow-3",
		WorkspaceID: "ws-1",
		Version:     1,
		EntryNodeID: "hook",
		ErrorNodeID: "sorry",
		MaxRetries:  1,
		Nodes: map[string]Node{
			"hook":  {Type: NodeWebhook, WebhookURL: url, Idempotent: idempotent, Next: "menu"},
			"menu":  {Type: NodeMenu, Prompt: "Press 1.", Options: map[string]string{"1": "done"}},
			"done":  {Type: NodeEndCall, Prompt: "Done."},
			"sorry": {Type: NodeEndCall, Prompt: "Something went wrong."},
		},
	}
}

func TestEngine_WebhookNodeMergesVariables(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"variables":{"customer":"known"}}`))
	}))
	defer srv.Close()

	eng, repo := newTestEngine(t, webhookFlow(srv.URL, true))
	start, err := eng.StartSession(context.Background(), "ws-1", "call-3", "flow-3")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if start.NodeID != "menu" {
		t.Fatalf("expected to advance past webhook, got %+v", start)
	}
	sess, _ := repo.Get(context.Background(), start.SessionID)
	if sess.Variables["customer"] != "known" {
		t.Fatalf("webhook response variables not merged: %v", sess.Variables)
	}
}

func TestEngine_WebhookFailureRoutesToErrorNode(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	eng, _ := newTestEngine(t, webhookFlow(srv.URL, true))
	start, err := eng.StartSession(context.Background(), "ws-1", "call-4", "flow-3")
	if err != nil {
		t.Fatalf("start must not crash on webhook failure: %v", err)
	}
	if !start.Terminal || start.NodeID != "sorry" {
		t.Fatalf("expected error-node routing, got %+v", start)
	}
}

func TestEngine_NonIdempotentWebhookNotReplayed(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	flow := webhookFlow(srv.URL, false)
	// Loop back through the webhook node so the engine would re-enter it.
	flow.Nodes["menu"] = Node{Type: NodeMenu, Prompt: "Press 1.", Options: map[string]string{"1": "hook", "2": "done"}}

	eng, _ := newTestEngine(t, flow)
	start, err := eng.StartSession(context.Background(), "ws-1", "call-5", "flow-3")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if got := hits.Load(); got != 1 {
		t.Fatalf("expected 1 webhook hit after start, got %d", got)
	}

	step, err := eng.HandleInput(context.Background(), start.SessionID, "1")
	if err != nil {
		t.Fatalf("re-entry: %v", err)
	}
	if step.NodeID != "menu" {
		t.Fatalf("expected to pass through webhook back to menu, got %+v", step)
	}
	if got := hits.Load(); got != 1 {
		t.Fatalf("non-idempotent webhook re-fired: %d hits", got)
	}
}

func TestEngine_AbandonMidFlow(t *testing.T) {
	eng, repo := newTestEngine(t, validFlow())
	start, _ := eng.StartSession(context.Background(), "ws-1", "call-6", "flow-1")

	if err := eng.Abandon(context.Background(), start.SessionID); err != nil {
		t.Fatalf("abandon: %v", err)
	}
	if err := eng.Abandon(context.Background(), start.SessionID); err != nil {
		t.Fatalf("abandon must be idempotent: %v", err)
	}

	sess, _ := repo.Get(context.Background(), start.SessionID)
	if sess.Status != SessionAbandoned || sess.EndedAt == nil {
		t.Fatalf("session not abandoned: %+v", sess)
	}

	if _, err := eng.HandleInput(context.Background(), start.SessionID, "1"); !errors.Is(err, ErrSessionFinished) {
		t.Fatalf("finished session must reject input, got %v", err)
	}
}

func TestEngine_UnpublishedFlowNotExecutable(t *testing.T) {
	flows := NewMemoryFlowRepository()
	f := validFlow()
	if err := flows.Save(context.Background(), f); err != nil {
		t.Fatalf("save: %v", err)
	}
	eng := NewEngine(flows, NewMemorySessionRepository(), nil)

	_, err := eng.StartSession(context.Background(), "ws-1", "call-7", "flow-1")
	if !errors.Is(err, ErrFlowNotFound) {
		t.Fatalf("draft flow must not execute, got %v", err)
	}
}

func TestFlowRepository_PublishedVersionIsImmutable(t *testing.T) {
	flows := NewMemoryFlowRepository()
	f := validFlow()
	_ = flows.Save(context.Background(), f)
	if err := flows.Publish(context.Background(), "ws-1", "flow-1", 1); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if err := flows.Save(context.Background(), f); !errors.Is(err, ErrFlowFrozen) {
		t.Fatalf("published version must be immutable, got %v", err)
	}

	f2 := validFlow()
	f2.Version = 2
	if err := flows.Save(context.Background(), f2); err != nil {
		t.Fatalf("new version must be allowed: %v", err)
	}
}

func TestFlowRepository_PublishRejectsInvalid(t *testing.T) {
	flows := NewMemoryFlowRepository()
	f := validFlow()
	f.EntryNodeID = "missing"
	_ = flows.Save(context.Background(), f)
	if err := flows.Publish(context.Background(), "ws-1", "flow-1", 1); !errors.Is(err, ErrFlowInvalid) {
		t.Fatalf("invalid flow published: %v", err)
	}
}
