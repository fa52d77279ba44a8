package calls

import (
	"context"
	"errors"
	"testing"
	"time"
)

type capturedEvent struct {
	kind string
	rec  CallRecord
}

type fakePublisher struct {
	events []capturedEvent
}

func (f *fakePublisher) PublishCallEvent(ctx context.Context, kind string, rec CallRecord) {
	f.events = append(f.events, capturedEvent{kind: kind, rec: rec})
}

func newTestService() (*Service, *MemoryRepository, *fakePublisher) {
	repo := NewMemoryRepository()
	pub := &fakePublisher{}
	svc := NewService(repo, pub, nil)
	svc.clock = func() time.Time { return time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC) }
	return svc, repo, pub
}

func mustCreate(t *testing.T, svc *Service) CallRecord {
	t.Helper()
	rec, err := svc.Create(context.Background(), CreateParams{
		WorkspaceID:    "ws-1",
		Provider:       "twilio",
		ProviderCallID: "CA123",
		Direction:      DirectionOutbound,
		From:           "+15550100",
		To:             "+15550200",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	return rec
}

func TestService_CreateSetsQueued(t *testing.T) {
	svc, _, pub := newTestService()
	rec := mustCreate(t, svc)

	if rec.Status != CallStatusQueued {
		t.Fatalf("expected queued, got %s", rec.Status)
	}
	if rec.CallID == "" {
		t.Fatalf("expected generated call id")
	}
	if len(pub.events) != 1 || pub.events[0].kind != "call.created" {
		t.Fatalf("expected call.created event, got %+v", pub.events)
	}
}

func TestService_CreateRejectsMissingWorkspace(t *testing.T) {
	svc, _, _ := newTestService()
	_, err := svc.Create(context.Background(), CreateParams{Provider: "twilio", From: "a", To: "b", Direction: DirectionInbound})
	if !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected invalid argument, got %v", err)
	}
}

func TestService_ApplyStatusLifecycle(t *testing.T) {
	svc, _, _ := newTestService()
	mustCreate(t, svc)

	rec, err := svc.ApplyStatus(context.Background(), "twilio", "CA123", StatusUpdate{Status: CallStatusRinging})
	if err != nil {
		t.Fatalf("ringing: %v", err)
	}
	rec, err = svc.ApplyStatus(context.Background(), "twilio", "CA123", StatusUpdate{Status: CallStatusInProgress})
	if err != nil {
		t.Fatalf("in_progress: %v", err)
	}
	if rec.AnsweredAt == nil {
		t.Fatalf("expected answered_at on in_progress")
	}

	rec, err = svc.ApplyStatus(context.Background(), "twilio", "CA123", StatusUpdate{
		Status:          CallStatusCompleted,
		DurationSeconds: 42,
		CostMinor:       125,
		Currency:        "USD",
	})
	if err != nil {
		t.Fatalf("completed: %v", err)
	}
	if rec.EndedAt == nil || rec.DurationSeconds != 42 {
		t.Fatalf("expected terminal fields set, got %+v", rec)
	}
	if rec.CostMinor != 125 || rec.Currency != "USD" {
		t.Fatalf("expected cost captured, got %d %s", rec.CostMinor, rec.Currency)
	}
}

func TestService_ApplyStatusRedeliveryIsNoop(t *testing.T) {
	svc, _, pub := newTestService()
	mustCreate(t, svc)

	if _, err := svc.ApplyStatus(context.Background(), "twilio", "CA123", StatusUpdate{Status: CallStatusRinging}); err != nil {
		t.Fatalf("first: %v", err)
	}
	before := len(pub.events)
	if _, err := svc.ApplyStatus(context.Background(), "twilio", "CA123", StatusUpdate{Status: CallStatusRinging}); err != nil {
		t.Fatalf("redelivery: %v", err)
	}
	if len(pub.events) != before {
		t.Fatalf("redelivery must not publish")
	}
}

func TestService_ApplyStatusRejectsTerminalUpdate(t *testing.T) {
	svc, _, _ := newTestService()
	mustCreate(t, svc)

	if _, err := svc.ApplyStatus(context.Background(), "twilio", "CA123", StatusUpdate{Status: CallStatusFailed}); err != nil {
		t.Fatalf("fail: %v", err)
	}
	_, err := svc.ApplyStatus(context.Background(), "twilio", "CA123", StatusUpdate{Status: CallStatusInProgress})
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected invalid transition, got %v", err)
	}
}

func TestService_ApplyStatusUnknownCall(t *testing.T) {
	svc, _, _ := newTestService()
	_, err := svc.ApplyStatus(context.Background(), "twilio", "CA-nope", StatusUpdate{Status: CallStatusRinging})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestService_AttachRecording(t *testing.T) {
	svc, _, _ := newTestService()
	mustCreate(t, svc)

	rec, err := svc.AttachRecording(context.Background(), "twilio", "CA123", "https://recordings/CA123.wav")
	if err != nil {
		t.Fatalf("attach: %v", err)
	}
	if rec.RecordingURL != "https://recordings/CA123.wav" {
		t.Fatalf("recording url not stored: %q", rec.RecordingURL)
	}
}
