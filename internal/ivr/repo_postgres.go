package ivr

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"callcenter-platform/pkg/utils"
)

// PostgresFlowRepository stores each flow version as one row with the graph
// in a jsonb column. Published versions are guarded by a WHERE clause, so
// immutability holds even across processes.
//
// Assumed tables:
// - ivr_flows (workspace_id, flow_id, version, published, definition jsonb,
//   created_at, published_at; PK (workspace_id, flow_id, version))
// - ivr_sessions (session_id PK, workspace_id, flow_id, flow_version,
//   call_id, status, exit_reason, state jsonb, started_at, ended_at)
type PostgresFlowRepository struct {
	db    *sql.DB
	clock func() time.Time
}

func NewPostgresFlowRepository(db *sql.DB) *PostgresFlowRepository {
	return &PostgresFlowRepository{db: db, clock: time.Now}
}

func (r *PostgresFlowRepository) Save(ctx context.Context, flow *Flow) error {
	def, err := json.Marshal(flow)
	if err != nil {
		return err
	}
	return utils.WithTx(ctx, r.db, nil, func(ctx context.Context, tx *sql.Tx) error {
		var published bool
		err := tx.QueryRowContext(ctx,
			`SELECT published FROM ivr_flows WHERE workspace_id = $1 AND flow_id = $2 AND version = $3 FOR UPDATE`,
			flow.WorkspaceID, flow.FlowID, flow.Version).Scan(&published)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			_, err = tx.ExecContext(ctx, `
INSERT INTO ivr_flows (workspace_id, flow_id, version, published, definition, created_at)
VALUES ($1, $2, $3, false, $4, $5)`,
				flow.WorkspaceID, flow.FlowID, flow.Version, def, r.clock().UTC())
			return err
		case err != nil:
			return err
		case published:
			return ErrFlowFrozen
		default:
			_, err = tx.ExecContext(ctx, `
UPDATE ivr_flows SET definition = $4
WHERE workspace_id = $1 AND flow_id = $2 AND version = $3`,
				flow.WorkspaceID, flow.FlowID, flow.Version, def)
			return err
		}
	})
}

func (r *PostgresFlowRepository) Publish(ctx context.Context, workspaceID, flowID string, version int) error {
	flow, err := r.GetVersion(ctx, workspaceID, flowID, version)
	if err != nil {
		return err
	}
	if flow.Published {
		return nil
	}
	if err := flow.Validate(); err != nil {
		return err
	}

	now := r.clock().UTC()
	flow.Published = true
	flow.PublishedAt = &now
	def, err := json.Marshal(flow)
	if err != nil {
		return err
	}

	res, err := r.db.ExecContext(ctx, `
UPDATE ivr_flows SET published = true, published_at = $4, definition = $5
WHERE workspace_id = $1 AND flow_id = $2 AND version = $3 AND published = false`,
		workspaceID, flowID, version, now, def)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrFlowNotFound
	}
	return nil
}

func (r *PostgresFlowRepository) GetVersion(ctx context.Context, workspaceID, flowID string, version int) (*Flow, error) {
	var def []byte
	err := r.db.QueryRowContext(ctx,
		`SELECT definition FROM ivr_flows WHERE workspace_id = $1 AND flow_id = $2 AND version = $3`,
		workspaceID, flowID, version).Scan(&def)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrFlowNotFound
	}
	if err != nil {
		return nil, err
	}
	var flow Flow
	if err := json.Unmarshal(def, &flow); err != nil {
		return nil, fmt.Errorf("ivr: corrupt flow %s v%d: %w", flowID, version, err)
	}
	return &flow, nil
}

func (r *PostgresFlowRepository) GetPublished(ctx context.Context, workspaceID, flowID string) (*Flow, error) {
	var def []byte
	err := r.db.QueryRowContext(ctx, `
SELECT definition FROM ivr_flows
WHERE workspace_id = $1 AND flow_id = $2 AND published = true
ORDER BY version DESC LIMIT 1`,
		workspaceID, flowID).Scan(&def)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrFlowNotFound
	}
	if err != nil {
		return nil, err
	}
	var flow Flow
	if err := json.Unmarshal(def, &flow); err != nil {
		return nil, fmt.Errorf("ivr: corrupt flow %s: %w", flowID, err)
	}
	return &flow, nil
}

func (r *PostgresFlowRepository) LatestVersion(ctx context.Context, workspaceID, flowID string) (int, error) {
	var v sql.NullInt64
	err := r.db.QueryRowContext(ctx,
		`SELECT MAX(version) FROM ivr_flows WHERE workspace_id = $1 AND flow_id = $2`,
		workspaceID, flowID).Scan(&v)
	if err != nil {
		return 0, err
	}
	return int(v.Int64), nil
}

// PostgresSessionRepository stores execution state (variables, histories)
// as one jsonb blob; hot columns are broken out for analytics queries.
type PostgresSessionRepository struct {
	db *sql.DB
}

func NewPostgresSessionRepository(db *sql.DB) *PostgresSessionRepository {
	return &PostgresSessionRepository{db: db}
}

func (r *PostgresSessionRepository) Create(ctx context.Context, sess *Session) error {
	state, err := json.Marshal(sess)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, `
INSERT INTO ivr_sessions (session_id, workspace_id, flow_id, flow_version, call_id, status, exit_reason, state, started_at, ended_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		sess.SessionID, sess.WorkspaceID, sess.FlowID, sess.FlowVersion, sess.CallID,
		sess.Status, sess.ExitReason, state, sess.StartedAt, sess.EndedAt)
	return err
}

func (r *PostgresSessionRepository) Update(ctx context.Context, sess *Session) error {
	state, err := json.Marshal(sess)
	if err != nil {
		return err
	}
	res, err := r.db.ExecContext(ctx, `
UPDATE ivr_sessions SET status = $2, exit_reason = $3, state = $4, ended_at = $5
WHERE session_id = $1`,
		sess.SessionID, sess.Status, sess.ExitReason, state, sess.EndedAt)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrSessionNotFound
	}
	return nil
}

func (r *PostgresSessionRepository) Get(ctx context.Context, sessionID string) (*Session, error) {
	var state []byte
	err := r.db.QueryRowContext(ctx,
		`SELECT state FROM ivr_sessions WHERE session_id = $1`, sessionID).Scan(&state)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, err
	}
	var sess Session
	if err := json.Unmarshal(state, &sess); err != nil {
		return nil, fmt.Errorf("ivr: corrupt session %s: %w", sessionID, err)
	}
	return &sess, nil
}

func (r *PostgresSessionRepository) ListByFlow(ctx context.Context, workspaceID, flowID string) ([]*Session, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT state FROM ivr_sessions WHERE workspace_id = $1 AND flow_id = $2`,
		workspaceID, flowID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Session
	for rows.Next() {
		var state []byte
		if err := rows.Scan(&state); err != nil {
			return nil, err
		}
		var sess Session
		if err := json.Unmarshal(state, &sess); err != nil {
			return nil, err
		}
		out = append(out, &sess)
	}
	return out, rows.Err()
}
