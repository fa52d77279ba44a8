package ivr

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

var (
	ErrFlowNotFound = errors.New("ivr: flow not found")
	ErrFlowFrozen   = errors.New("ivr: published flow version is immutable")
)

// FlowRepository persists flow versions. Published versions are immutable;
// saving over one is rejected.
type FlowRepository interface {
	// Save stores a draft version. Version numbers are assigned by the
	// caller (next version = latest + 1).
	Save(ctx context.Context, flow *Flow) error
	// Publish validates and freezes a version.
	Publish(ctx context.Context, workspaceID, flowID string, version int) error
	GetVersion(ctx context.Context, workspaceID, flowID string, version int) (*Flow, error)
	// GetPublished returns the highest published version.
	GetPublished(ctx context.Context, workspaceID, flowID string) (*Flow, error)
	// LatestVersion returns 0 when no version exists.
	LatestVersion(ctx context.Context, workspaceID, flowID string) (int, error)
}

// SessionRepository persists IVR execution state.
type SessionRepository interface {
	Create(ctx context.Context, sess *Session) error
	Update(ctx context.Context, sess *Session) error
	Get(ctx context.Context, sessionID string) (*Session, error)
	// ListByFlow returns all sessions that executed any version of a flow.
	ListByFlow(ctx context.Context, workspaceID, flowID string) ([]*Session, error)
}

// MemoryFlowRepository is an in-memory FlowRepository for tests and local
// runs.
type MemoryFlowRepository struct {
	mu    sync.RWMutex
	flows map[string]*Flow // keyed by workspace/flow/version
	clock func() time.Time
}

func NewMemoryFlowRepository() *MemoryFlowRepository {
	return &MemoryFlowRepository{flows: map[string]*Flow{}, clock: time.Now}
}

func flowKey(workspaceID, flowID string, version int) string {
	return fmt.Sprintf("%s/%s/%d", workspaceID, flowID, version)
}

func (m *MemoryFlowRepository) Save(ctx context.Context, flow *Flow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := flowKey(flow.WorkspaceID, flow.FlowID, flow.Version)
	if cur, ok := m.flows[key]; ok && cur.Published {
		return ErrFlowFrozen
	}
	cp := *flow
	m.flows[key] = &cp
	return nil
}

func (m *MemoryFlowRepository) Publish(ctx context.Context, workspaceID, flowID string, version int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	flow, ok := m.flows[flowKey(workspaceID, flowID, version)]
	if !ok {
		return ErrFlowNotFound
	}
	if flow.Published {
		return nil
	}
	if err := flow.Validate(); err != nil {
		return err
	}
	now := m.clock().UTC()
	flow.Published = true
	flow.PublishedAt = &now
	return nil
}

func (m *MemoryFlowRepository) GetVersion(ctx context.Context, workspaceID, flowID string, version int) (*Flow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	flow, ok := m.flows[flowKey(workspaceID, flowID, version)]
	if !ok {
		return nil, ErrFlowNotFound
	}
	cp := *flow
	return &cp, nil
}

func (m *MemoryFlowRepository) GetPublished(ctx context.Context, workspaceID, flowID string) (*Flow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var best *Flow
	for _, f := range m.flows {
		if f.WorkspaceID == workspaceID && f.FlowID == flowID && f.Published {
			if best == nil || f.Version > best.Version {
				best = f
			}
		}
	}
	if best == nil {
		return nil, ErrFlowNotFound
	}
	cp := *best
	return &cp, nil
}

func (m *MemoryFlowRepository) LatestVersion(ctx context.Context, workspaceID, flowID string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	latest := 0
	for _, f := range m.flows {
		if f.WorkspaceID == workspaceID && f.FlowID == flowID && f.Version > latest {
			latest = f.Version
		}
	}
	return latest, nil
}

// MemorySessionRepository is an in-memory SessionRepository.
type MemorySessionRepository struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

func NewMemorySessionRepository() *MemorySessionRepository {
	return &MemorySessionRepository{sessions: map[string]*Session{}}
}

func (m *MemorySessionRepository) Create(ctx context.Context, sess *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[sess.SessionID]; ok {
		return fmt.Errorf("ivr: duplicate session %s", sess.SessionID)
	}
	m.sessions[sess.SessionID] = cloneSession(sess)
	return nil
}

func (m *MemorySessionRepository) Update(ctx context.Context, sess *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[sess.SessionID]; !ok {
		return ErrSessionNotFound
	}
	m.sessions[sess.SessionID] = cloneSession(sess)
	return nil
}

func (m *MemorySessionRepository) Get(ctx context.Context, sessionID string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sess, ok := m.sessions[sessionID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return cloneSession(sess), nil
}

func (m *MemorySessionRepository) ListByFlow(ctx context.Context, workspaceID, flowID string) ([]*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Session
	for _, s := range m.sessions {
		if s.WorkspaceID == workspaceID && s.FlowID == flowID {
			out = append(out, cloneSession(s))
		}
	}
	return out, nil
}

func cloneSession(s *Session) *Session {
	cp := *s
	cp.Variables = make(map[string]string, len(s.Variables))
	for k, v := range s.Variables {
		cp.Variables[k] = v
	}
	cp.NodeHistory = append([]NodeVisit(nil), s.NodeHistory...)
	cp.InputHistory = append([]InputRecord(nil), s.InputHistory...)
	cp.WebhooksExecuted = make(map[string]bool, len(s.WebhooksExecuted))
	for k, v := range s.WebhooksExecuted {
		cp.WebhooksExecuted[k] = v
	}
	return &cp
}
