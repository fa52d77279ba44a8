package calls

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
)

var ErrNotFound = errors.New("calls: not found")

// Repository persists call records.
//
// Tenancy invariant: every lookup is workspace-scoped except the
// provider-call-id lookup used by webhook handlers, where the workspace is
// resolved from the record itself.
type Repository interface {
	Create(ctx context.Context, rec CallRecord) error
	Update(ctx context.Context, rec CallRecord) error
	Get(ctx context.Context, workspaceID, callID string) (CallRecord, error)
	GetByProviderCallID(ctx context.Context, provider, providerCallID string) (CallRecord, error)
	ListActive(ctx context.Context, workspaceID string) ([]CallRecord, error)
}

// PostgresRepository stores call records in the calls table.
type PostgresRepository struct {
	db *sql.DB
}

func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

const callColumns = `
call_id, workspace_id, provider, provider_call_id, direction,
from_number, to_number, status, duration, recording_url,
cost_minor, currency, started_at, answered_at, ended_at,
created_at, updated_at
`

func scanCall(row interface{ Scan(...any) error }) (CallRecord, error) {
	var rec CallRecord
	err := row.Scan(
		&rec.CallID,
		&rec.WorkspaceID,
		&rec.Provider,
		&rec.ProviderCallID,
		&rec.Direction,
		&rec.From,
		&rec.To,
		&rec.Status,
		&rec.DurationSeconds,
		&rec.RecordingURL,
		&rec.CostMinor,
		&rec.Currency,
		&rec.StartedAt,
		&rec.AnsweredAt,
		&rec.EndedAt,
		&rec.CreatedAt,
		&rec.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return CallRecord{}, ErrNotFound
	}
	return rec, err
}

func (r *PostgresRepository) Create(ctx context.Context, rec CallRecord) error {
	const q = `
INSERT INTO calls (` + callColumns + `)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)
`
	_, err := r.db.ExecContext(ctx, q,
		rec.CallID, rec.WorkspaceID, rec.Provider, rec.ProviderCallID, rec.Direction,
		rec.From, rec.To, rec.Status, rec.DurationSeconds, rec.RecordingURL,
		rec.CostMinor, rec.Currency, rec.StartedAt, rec.AnsweredAt, rec.EndedAt,
		rec.CreatedAt, rec.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("calls: insert %s: %w", rec.CallID, err)
	}
	return nil
}

func (r *PostgresRepository) Update(ctx context.Context, rec CallRecord) error {
	const q = `
UPDATE calls SET
  status = $3, duration = $4, recording_url = $5,
  cost_minor = $6, currency = $7, answered_at = $8, ended_at = $9,
  updated_at = $10
WHERE workspace_id = $1 AND call_id = $2
`
	res, err := r.db.ExecContext(ctx, q,
		rec.WorkspaceID, rec.CallID,
		rec.Status, rec.DurationSeconds, rec.RecordingURL,
		rec.CostMinor, rec.Currency, rec.AnsweredAt, rec.EndedAt,
		rec.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("calls: update %s: %w", rec.CallID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *PostgresRepository) Get(ctx context.Context, workspaceID, callID string) (CallRecord, error) {
	const q = `SELECT ` + callColumns + ` FROM calls WHERE workspace_id = $1 AND call_id = $2`
	return scanCall(r.db.QueryRowContext(ctx, q, workspaceID, callID))
}

func (r *PostgresRepository) GetByProviderCallID(ctx context.Context, provider, providerCallID string) (CallRecord, error) {
	const q = `SELECT ` + callColumns + ` FROM calls WHERE provider = $1 AND provider_call_id = $2`
	return scanCall(r.db.QueryRowContext(ctx, q, provider, providerCallID))
}

func (r *PostgresRepository) ListActive(ctx context.Context, workspaceID string) ([]CallRecord, error) {
	const q = `
SELECT ` + callColumns + ` FROM calls
WHERE workspace_id = $1 AND status IN ('queued','ringing','in_progress')
ORDER BY created_at
`
	rows, err := r.db.QueryContext(ctx, q, workspaceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []CallRecord
	for rows.Next() {
		rec, err := scanCall(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// MemoryRepository is an in-memory Repository for tests and local runs.
type MemoryRepository struct {
	mu   sync.RWMutex
	recs map[string]CallRecord // keyed by call_id
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{recs: make(map[string]CallRecord)}
}

func (m *MemoryRepository) Create(ctx context.Context, rec CallRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.recs[rec.CallID]; ok {
		return fmt.Errorf("calls: duplicate call id %s", rec.CallID)
	}
	m.recs[rec.CallID] = rec
	return nil
}

func (m *MemoryRepository) Update(ctx context.Context, rec CallRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.recs[rec.CallID]
	if !ok || cur.WorkspaceID != rec.WorkspaceID {
		return ErrNotFound
	}
	m.recs[rec.CallID] = rec
	return nil
}

func (m *MemoryRepository) Get(ctx context.Context, workspaceID, callID string) (CallRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.recs[callID]
	if !ok || rec.WorkspaceID != workspaceID {
		return CallRecord{}, ErrNotFound
	}
	return rec, nil
}

func (m *MemoryRepository) GetByProviderCallID(ctx context.Context, provider, providerCallID string) (CallRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, rec := range m.recs {
		if rec.Provider == provider && rec.ProviderCallID == providerCallID {
			return rec, nil
		}
	}
	return CallRecord{}, ErrNotFound
}

func (m *MemoryRepository) ListActive(ctx context.Context, workspaceID string) ([]CallRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []CallRecord
	for _, rec := range m.recs {
		if rec.WorkspaceID == workspaceID && !rec.Status.IsTerminal() {
			out = append(out, rec)
		}
	}
	return out, nil
}
