package calls

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

var ErrInvalidArgument = errors.New("calls: invalid argument")

// ErrInvalidTransition is returned when a status callback arrives out of
// order and cannot be applied.
var ErrInvalidTransition = errors.New("calls: invalid status transition")

// Publisher receives call lifecycle events. The events bus satisfies this.
type Publisher interface {
	PublishCallEvent(ctx context.Context, kind string, rec CallRecord)
}

// Service owns the call record lifecycle: creation on setup, status
// transitions from carrier callbacks, recording and cost capture.
type Service struct {
	repo Repository
	pub  Publisher
	log  *slog.Logger
	// clock is injectable for deterministic tests.
	clock func() time.Time
}

func NewService(repo Repository, pub Publisher, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{repo: repo, pub: pub, log: log, clock: time.Now}
}

// CreateParams is the call-setup input from the telephony manager.
type CreateParams struct {
	WorkspaceID    string
	Provider       string
	ProviderCallID string
	Direction      Direction
	From           string
	To             string
}

func (s *Service) Create(ctx context.Context, p CreateParams) (CallRecord, error) {
	if p.WorkspaceID == "" || p.Provider == "" || p.From == "" || p.To == "" {
		return CallRecord{}, ErrInvalidArgument
	}
	if p.Direction != DirectionInbound && p.Direction != DirectionOutbound {
		return CallRecord{}, fmt.Errorf("%w: direction %q", ErrInvalidArgument, p.Direction)
	}

	now := s.clock().UTC()
	rec := CallRecord{
		CallID:         uuid.NewString(),
		WorkspaceID:    p.WorkspaceID,
		Provider:       p.Provider,
		ProviderCallID: p.ProviderCallID,
		Direction:      p.Direction,
		From:           p.From,
		To:             p.To,
		Status:         CallStatusQueued,
		StartedAt:      now,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.repo.Create(ctx, rec); err != nil {
		return CallRecord{}, err
	}
	s.publish(ctx, "call.created", rec)
	return rec, nil
}

// StatusUpdate carries the normalized content of a carrier status callback.
type StatusUpdate struct {
	Status          CallStatus
	DurationSeconds int
	CostMinor       int64
	Currency        string
}

// ApplyStatus transitions the call identified by provider call id. Repeated
// delivery of the current status is a no-op; out-of-order transitions and
// updates to terminal records return ErrInvalidTransition.
func (s *Service) ApplyStatus(ctx context.Context, provider, providerCallID string, upd StatusUpdate) (CallRecord, error) {
	rec, err := s.repo.GetByProviderCallID(ctx, provider, providerCallID)
	if err != nil {
		return CallRecord{}, err
	}
	if rec.Status == upd.Status {
		return rec, nil
	}
	if rec.Status.IsTerminal() || !CanTransition(rec.Status, upd.Status) {
		return CallRecord{}, fmt.Errorf("%w: %s -> %s (call %s)", ErrInvalidTransition, rec.Status, upd.Status, rec.CallID)
	}

	now := s.clock().UTC()
	rec.Status = upd.Status
	rec.UpdatedAt = now
	if upd.Status == CallStatusInProgress && rec.AnsweredAt == nil {
		t := now
		rec.AnsweredAt = &t
	}
	if upd.Status.IsTerminal() {
		t := now
		rec.EndedAt = &t
		if upd.DurationSeconds > 0 {
			rec.DurationSeconds = upd.DurationSeconds
		}
		if upd.CostMinor > 0 {
			rec.CostMinor = upd.CostMinor
			rec.Currency = upd.Currency
		}
	}

	if err := s.repo.Update(ctx, rec); err != nil {
		return CallRecord{}, err
	}
	s.publish(ctx, "call.status", rec)
	return rec, nil
}

// AttachRecording stores the recording URL delivered by a recording-ready
// callback. Arrival after the call ended is normal.
func (s *Service) AttachRecording(ctx context.Context, provider, providerCallID, url string) (CallRecord, error) {
	if url == "" {
		return CallRecord{}, ErrInvalidArgument
	}
	rec, err := s.repo.GetByProviderCallID(ctx, provider, providerCallID)
	if err != nil {
		return CallRecord{}, err
	}
	rec.RecordingURL = url
	rec.UpdatedAt = s.clock().UTC()
	if err := s.repo.Update(ctx, rec); err != nil {
		return CallRecord{}, err
	}
	s.publish(ctx, "call.recording", rec)
	return rec, nil
}

func (s *Service) Get(ctx context.Context, workspaceID, callID string) (CallRecord, error) {
	if workspaceID == "" || callID == "" {
		return CallRecord{}, ErrInvalidArgument
	}
	return s.repo.Get(ctx, workspaceID, callID)
}

func (s *Service) ListActive(ctx context.Context, workspaceID string) ([]CallRecord, error) {
	if workspaceID == "" {
		return nil, ErrInvalidArgument
	}
	return s.repo.ListActive(ctx, workspaceID)
}

func (s *Service) publish(ctx context.Context, kind string, rec CallRecord) {
	if s.pub == nil {
		return
	}
	s.pub.PublishCallEvent(ctx, kind, rec)
}
