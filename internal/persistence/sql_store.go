package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/petrijr/conduit/pkg/api"
)

const maxWindowRetries = 16

// SQLStore implements every repository interface on a relational database.
//
// It expects an *sql.DB opened with OpenSQLite or OpenPostgres. Row payloads
// are gob-encoded; the indexed columns only carry what queries filter on.
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
}

var (
	_ FlowRepository      = (*SQLStore)(nil)
	_ ExecutionRepository = (*SQLStore)(nil)
	_ RunningStore        = (*SQLStore)(nil)
	_ WorkerInstanceStore = (*SQLStore)(nil)
	_ WindowStore         = (*SQLStore)(nil)
)

// NewSQLStore initializes the required schema in the given database and
// returns a new SQLStore.
func NewSQLStore(db *sql.DB, dialect Dialect) (*SQLStore, error) {
	s := &SQLStore{db: db, dialect: dialect}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("init %s schema: %w", dialect, err)
	}
	return s, nil
}

// Persistence returns s behind every repository interface.
func (s *SQLStore) Persistence() Persistence {
	return Persistence{Flows: s, Executions: s, Running: s, Instances: s, Windows: s}
}

func (s *SQLStore) initSchema() error {
	blob := s.dialect.BlobType()
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS flows (
			tenant TEXT NOT NULL,
			namespace TEXT NOT NULL,
			flow_id TEXT NOT NULL,
			revision INTEGER NOT NULL,
			body ` + blob + ` NOT NULL,
			PRIMARY KEY (tenant, namespace, flow_id, revision)
		)`,
		`CREATE TABLE IF NOT EXISTS executions (
			id TEXT PRIMARY KEY,
			namespace TEXT NOT NULL,
			flow_id TEXT NOT NULL,
			state TEXT NOT NULL,
			version BIGINT NOT NULL,
			started_at BIGINT NOT NULL,
			body ` + blob + ` NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS executions_flow_idx ON executions (namespace, flow_id)`,
		`CREATE TABLE IF NOT EXISTS running_jobs (
			job_id TEXT PRIMARY KEY,
			worker_id TEXT NOT NULL,
			execution_id TEXT NOT NULL,
			started_at BIGINT NOT NULL,
			body ` + blob + ` NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS running_jobs_worker_idx ON running_jobs (worker_id)`,
		`CREATE TABLE IF NOT EXISTS worker_instances (
			id TEXT PRIMARY KEY,
			last_seen BIGINT NOT NULL,
			seq BIGINT NOT NULL,
			body ` + blob + ` NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS trigger_windows (
			window_key TEXT PRIMARY KEY,
			end_at BIGINT NOT NULL,
			version BIGINT NOT NULL,
			body ` + blob + ` NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLStore) exec(ctx context.Context, query string, args ...any) (int64, error) {
	res, err := s.db.ExecContext(ctx, s.dialect.Rebind(query), args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *SQLStore) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return s.db.QueryRowContext(ctx, s.dialect.Rebind(query), args...)
}

func (s *SQLStore) SaveFlow(ctx context.Context, flow api.Flow) (api.Flow, error) {
	ref := flow.Ref()
	if flow.Revision == 0 {
		var max int
		err := s.queryRow(ctx, `
			SELECT COALESCE(MAX(revision), 0) FROM flows
			WHERE tenant = ? AND namespace = ? AND flow_id = ?`,
			ref.Tenant, ref.Namespace, ref.ID,
		).Scan(&max)
		if err != nil {
			return api.Flow{}, err
		}
		flow.Revision = max + 1
	}
	body, err := EncodeValue(flow)
	if err != nil {
		return api.Flow{}, err
	}
	n, err := s.exec(ctx, `
		INSERT INTO flows (tenant, namespace, flow_id, revision, body)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT DO NOTHING`,
		ref.Tenant, ref.Namespace, ref.ID, flow.Revision, body,
	)
	if err != nil {
		return api.Flow{}, err
	}
	if n == 0 {
		return api.Flow{}, fmt.Errorf("%w: flow %s revision %d exists", ErrConflict, ref, flow.Revision)
	}
	return flow, nil
}

func (s *SQLStore) GetFlow(ctx context.Context, ref api.FlowRef) (api.Flow, error) {
	var body []byte
	err := s.queryRow(ctx, `
		SELECT body FROM flows
		WHERE tenant = ? AND namespace = ? AND flow_id = ?
		ORDER BY revision DESC LIMIT 1`,
		ref.Tenant, ref.Namespace, ref.ID,
	).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return api.Flow{}, fmt.Errorf("%w: %s", ErrFlowNotFound, ref)
	}
	if err != nil {
		return api.Flow{}, err
	}
	return DecodeValue[api.Flow](body)
}

func (s *SQLStore) GetFlowRevision(ctx context.Context, ref api.FlowRef, revision int) (api.Flow, error) {
	var body []byte
	err := s.queryRow(ctx, `
		SELECT body FROM flows
		WHERE tenant = ? AND namespace = ? AND flow_id = ? AND revision = ?`,
		ref.Tenant, ref.Namespace, ref.ID, revision,
	).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return api.Flow{}, fmt.Errorf("%w: %s revision %d", ErrFlowNotFound, ref, revision)
	}
	if err != nil {
		return api.Flow{}, err
	}
	return DecodeValue[api.Flow](body)
}

func (s *SQLStore) ListFlows(ctx context.Context) ([]api.Flow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT f.body FROM flows f
		WHERE f.revision = (
			SELECT MAX(l.revision) FROM flows l
			WHERE l.tenant = f.tenant AND l.namespace = f.namespace AND l.flow_id = f.flow_id
		)
		ORDER BY f.tenant, f.namespace, f.flow_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []api.Flow
	for rows.Next() {
		var body []byte
		if err := rows.Scan(&body); err != nil {
			return nil, err
		}
		f, err := DecodeValue[api.Flow](body)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

func (s *SQLStore) SaveExecution(ctx context.Context, exec *api.Execution) error {
	exec.Version = 1
	body, err := EncodeValue(*exec)
	if err != nil {
		return err
	}
	n, err := s.exec(ctx, `
		INSERT INTO executions (id, namespace, flow_id, state, version, started_at, body)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT DO NOTHING`,
		exec.ID, exec.Namespace, exec.FlowID, string(exec.State.Current), exec.Version,
		exec.State.StartDate().UnixNano(), body,
	)
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: execution %s exists", ErrConflict, exec.ID)
	}
	return nil
}

func (s *SQLStore) GetExecution(ctx context.Context, id string) (*api.Execution, error) {
	var body []byte
	err := s.queryRow(ctx, `SELECT body FROM executions WHERE id = ?`, id).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrExecutionNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	exec, err := DecodeValue[api.Execution](body)
	if err != nil {
		return nil, err
	}
	return &exec, nil
}

func (s *SQLStore) UpdateExecution(ctx context.Context, exec *api.Execution) error {
	prev := exec.Version
	exec.Version = prev + 1
	body, err := EncodeValue(*exec)
	if err != nil {
		exec.Version = prev
		return err
	}
	n, err := s.exec(ctx, `
		UPDATE executions
		SET state = ?, version = ?, body = ?
		WHERE id = ? AND version = ?`,
		string(exec.State.Current), exec.Version, body, exec.ID, prev,
	)
	if err == nil && n == 1 {
		return nil
	}
	exec.Version = prev
	if err != nil {
		return err
	}

	var cur int64
	err = s.queryRow(ctx, `SELECT version FROM executions WHERE id = ?`, exec.ID).Scan(&cur)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s", ErrExecutionNotFound, exec.ID)
	}
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: execution %s at version %d, have %d", ErrConflict, exec.ID, cur, prev)
}

func (s *SQLStore) ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*api.Execution, error) {
	query := `SELECT body FROM executions`
	var args []any
	var clauses []string

	if filter.Namespace != "" {
		clauses = append(clauses, "namespace = ?")
		args = append(args, filter.Namespace)
	}
	if filter.FlowID != "" {
		clauses = append(clauses, "flow_id = ?")
		args = append(args, filter.FlowID)
	}
	if filter.State != "" {
		clauses = append(clauses, "state = ?")
		args = append(args, string(filter.State))
	}
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY started_at, id"

	rows, err := s.db.QueryContext(ctx, s.dialect.Rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*api.Execution
	for rows.Next() {
		var body []byte
		if err := rows.Scan(&body); err != nil {
			return nil, err
		}
		exec, err := DecodeValue[api.Execution](body)
		if err != nil {
			return nil, err
		}
		out = append(out, &exec)
	}
	return out, rows.Err()
}

func (s *SQLStore) Claim(ctx context.Context, rec api.WorkerTaskRunning) (bool, error) {
	body, err := EncodeValue(rec)
	if err != nil {
		return false, err
	}
	n, err := s.exec(ctx, `
		INSERT INTO running_jobs (job_id, worker_id, execution_id, started_at, body)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT DO NOTHING`,
		rec.JobID, rec.WorkerID, rec.ExecutionID, rec.StartedAt.UnixNano(), body,
	)
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *SQLStore) Release(ctx context.Context, jobID, workerID string) error {
	n, err := s.exec(ctx, `DELETE FROM running_jobs WHERE job_id = ? AND worker_id = ?`, jobID, workerID)
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}
	var owner string
	err = s.queryRow(ctx, `SELECT worker_id FROM running_jobs WHERE job_id = ?`, jobID).Scan(&owner)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: job %s owned by %s", ErrNotOwner, jobID, owner)
}

func (s *SQLStore) GetRunning(ctx context.Context, jobID string) (api.WorkerTaskRunning, bool, error) {
	var body []byte
	err := s.queryRow(ctx, `SELECT body FROM running_jobs WHERE job_id = ?`, jobID).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return api.WorkerTaskRunning{}, false, nil
	}
	if err != nil {
		return api.WorkerTaskRunning{}, false, err
	}
	rec, err := DecodeValue[api.WorkerTaskRunning](body)
	return rec, err == nil, err
}

func (s *SQLStore) ListByWorker(ctx context.Context, workerID string) ([]api.WorkerTaskRunning, error) {
	return s.listRunning(ctx, `SELECT body FROM running_jobs WHERE worker_id = ? ORDER BY job_id`, workerID)
}

func (s *SQLStore) ListRunning(ctx context.Context) ([]api.WorkerTaskRunning, error) {
	return s.listRunning(ctx, `SELECT body FROM running_jobs ORDER BY job_id`)
}

func (s *SQLStore) listRunning(ctx context.Context, query string, args ...any) ([]api.WorkerTaskRunning, error) {
	rows, err := s.db.QueryContext(ctx, s.dialect.Rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []api.WorkerTaskRunning
	for rows.Next() {
		var body []byte
		if err := rows.Scan(&body); err != nil {
			return nil, err
		}
		rec, err := DecodeValue[api.WorkerTaskRunning](body)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *SQLStore) UpsertInstance(ctx context.Context, inst api.WorkerInstance) error {
	body, err := EncodeValue(inst)
	if err != nil {
		return err
	}
	_, err = s.exec(ctx, `
		INSERT INTO worker_instances (id, last_seen, seq, body)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE
		SET last_seen = excluded.last_seen, seq = excluded.seq, body = excluded.body
		WHERE worker_instances.seq <= excluded.seq`,
		inst.ID, inst.LastSeen.UnixNano(), inst.Seq, body,
	)
	return err
}

func (s *SQLStore) ListInstances(ctx context.Context) ([]api.WorkerInstance, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT body FROM worker_instances ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []api.WorkerInstance
	for rows.Next() {
		var body []byte
		if err := rows.Scan(&body); err != nil {
			return nil, err
		}
		inst, err := DecodeValue[api.WorkerInstance](body)
		if err != nil {
			return nil, err
		}
		out = append(out, inst)
	}
	return out, rows.Err()
}

func (s *SQLStore) RemoveInstance(ctx context.Context, id string, lastSeen time.Time) (bool, error) {
	n, err := s.exec(ctx, `DELETE FROM worker_instances WHERE id = ? AND last_seen = ?`, id, lastSeen.UnixNano())
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *SQLStore) GetWindow(ctx context.Context, key string) (Window, bool, error) {
	w, _, ok, err := s.loadWindow(ctx, key)
	return w, ok, err
}

func (s *SQLStore) loadWindow(ctx context.Context, key string) (Window, int64, bool, error) {
	var body []byte
	var version int64
	err := s.queryRow(ctx, `SELECT version, body FROM trigger_windows WHERE window_key = ?`, key).Scan(&version, &body)
	if errors.Is(err, sql.ErrNoRows) {
		return Window{}, 0, false, nil
	}
	if err != nil {
		return Window{}, 0, false, err
	}
	w, err := DecodeValue[Window](body)
	if err != nil {
		return Window{}, 0, false, err
	}
	w.Version = version
	return w, version, true, nil
}

func (s *SQLStore) UpdateWindow(ctx context.Context, key string, fn func(Window, bool) (Window, bool, error)) (Window, error) {
	for i := 0; i < maxWindowRetries; i++ {
		cur, version, exists, err := s.loadWindow(ctx, key)
		if err != nil {
			return Window{}, err
		}
		next, keep, err := fn(cur, exists)
		if err != nil {
			return Window{}, err
		}

		var n int64
		switch {
		case !keep && !exists:
			return next, nil
		case !keep:
			n, err = s.exec(ctx, `DELETE FROM trigger_windows WHERE window_key = ? AND version = ?`, key, version)
		default:
			next.Key = key
			next.Version = version + 1
			body, encErr := EncodeValue(next)
			if encErr != nil {
				return Window{}, encErr
			}
			if exists {
				n, err = s.exec(ctx, `
					UPDATE trigger_windows SET end_at = ?, version = ?, body = ?
					WHERE window_key = ? AND version = ?`,
					next.End.UnixNano(), next.Version, body, key, version,
				)
			} else {
				n, err = s.exec(ctx, `
					INSERT INTO trigger_windows (window_key, end_at, version, body)
					VALUES (?, ?, ?, ?)
					ON CONFLICT DO NOTHING`,
					key, next.End.UnixNano(), next.Version, body,
				)
			}
		}
		if err != nil {
			return Window{}, err
		}
		if n == 1 {
			return next, nil
		}
	}
	return Window{}, fmt.Errorf("%w: window %s", ErrConflict, key)
}

func (s *SQLStore) DeleteWindow(ctx context.Context, key string) error {
	_, err := s.exec(ctx, `DELETE FROM trigger_windows WHERE window_key = ?`, key)
	return err
}

func (s *SQLStore) DeleteExpiredWindows(ctx context.Context, now time.Time) (int, error) {
	n, err := s.exec(ctx, `DELETE FROM trigger_windows WHERE end_at < ?`, now.UnixNano())
	return int(n), err
}
