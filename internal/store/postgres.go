package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/koji-project/hub/internal/model"
)

// PostgresStore implements Store against the hub's relational schema.
// It is the single source of truth; RedisHostDataCache only mirrors reads
// of scheduler_host_data.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects a pool sized for the hub's request fan-in.
func NewPostgresStore(ctx context.Context, connString string) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, err
	}

	cfg.MaxConns = 50
	cfg.MinConns = 5
	cfg.MaxConnLifetime = time.Hour
	cfg.HealthCheckPeriod = 30 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		return nil, err
	}
	return &PostgresStore{pool: pool}, nil
}

// Close closes the connection pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

// pgxTx wraps pgx.Tx so callers don't need the pgx import.
type pgxTx struct{ tx pgx.Tx }

func (t *pgxTx) Commit(ctx context.Context) error   { return t.tx.Commit(ctx) }
func (t *pgxTx) Rollback(ctx context.Context) error { return t.tx.Rollback(ctx) }

func (s *PostgresStore) Begin(ctx context.Context) (Tx, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	return &pgxTx{tx: tx}, nil
}

func underlying(tx Tx) pgx.Tx {
	return tx.(*pgxTx).tx
}

// --- advisory lock ---

type pgAdvisoryLock struct {
	conn *pgxpool.Conn
	name string
}

func (l *pgAdvisoryLock) Release(ctx context.Context) error {
	defer l.conn.Release()
	var unlocked bool
	err := l.conn.QueryRow(ctx, "SELECT pg_advisory_unlock(hashtext($1))", l.name).Scan(&unlocked)
	return err
}

// TryAdvisoryLock attempts to take the named Postgres advisory lock
// without blocking. The lock must be held on a single checked-out
// connection (advisory locks are session-scoped), so we hold a dedicated
// pool connection for the lifetime of the lock.
func (s *PostgresStore) TryAdvisoryLock(ctx context.Context, name string) (Lock, bool, error) {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, false, err
	}

	var acquired bool
	if err := conn.QueryRow(ctx, "SELECT pg_try_advisory_lock(hashtext($1))", name).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, err
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}
	return &pgAdvisoryLock{conn: conn, name: name}, true, nil
}

// --- hosts ---

func (s *PostgresStore) ListEnabledHosts(ctx context.Context) ([]*model.Host, error) {
	query := `
		SELECT id, name, arches, channels, capacity, task_load, ready, enabled, last_update, description, comment
		FROM host WHERE enabled = true
	`
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var hosts []*model.Host
	for rows.Next() {
		var h model.Host
		var arches string
		if err := rows.Scan(&h.ID, &h.Name, &arches, &h.Channels, &h.Capacity, &h.TaskLoad,
			&h.Ready, &h.Enabled, &h.LastUpdate, &h.Description, &h.Comment); err != nil {
			return nil, err
		}
		h.Arches = strings.Fields(arches)
		hosts = append(hosts, &h)
	}
	return hosts, rows.Err()
}

func (s *PostgresStore) GetHost(ctx context.Context, hostID int64) (*model.Host, error) {
	query := `
		SELECT id, name, arches, channels, capacity, task_load, ready, enabled, last_update, description, comment
		FROM host WHERE id = $1
	`
	var h model.Host
	var arches string
	err := s.pool.QueryRow(ctx, query, hostID).Scan(&h.ID, &h.Name, &arches, &h.Channels, &h.Capacity,
		&h.TaskLoad, &h.Ready, &h.Enabled, &h.LastUpdate, &h.Description, &h.Comment)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	h.Arches = strings.Fields(arches)
	return &h, nil
}

func (s *PostgresStore) UpdateHostHeartbeat(ctx context.Context, hostID int64, t time.Time) error {
	tag, err := s.pool.Exec(ctx, `UPDATE host SET last_update = $1 WHERE id = $2`, t, hostID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("host %d not found", hostID)
	}
	return nil
}

// --- tasks ---

func (s *PostgresStore) FreeTasks(ctx context.Context) ([]*model.Task, error) {
	// Only FREE tasks with no active (ASSIGNED/RUNNING) run are candidates.
	// Ordering is authoritative: priority, then create_ts, then id breaks ties.
	query := `
		SELECT t.id, t.method, t.channel_id, t.arch, t.weight, t.priority, t.state, t.owner, t.parent, t.host_id, t.create_ts
		FROM task t
		WHERE t.state = 'FREE'
		  AND NOT EXISTS (
		      SELECT 1 FROM scheduler_task_run r
		      WHERE r.task_id = t.id AND r.state IN ('ASSIGNED', 'RUNNING')
		  )
		ORDER BY t.priority ASC, t.create_ts ASC, t.id ASC
	`
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []*model.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanTask(row rowScanner) (*model.Task, error) {
	var t model.Task
	var state string
	if err := row.Scan(&t.ID, &t.Method, &t.ChannelID, &t.Arch, &t.Weight, &t.Priority,
		&state, &t.Owner, &t.ParentID, &t.HostID, &t.CreateTS); err != nil {
		return nil, err
	}
	t.State = model.TaskState(state)
	return &t, nil
}

func (s *PostgresStore) GetTaskForUpdate(ctx context.Context, tx Tx, taskID int64) (*model.Task, error) {
	row := underlying(tx).QueryRow(ctx, `
		SELECT id, method, channel_id, arch, weight, priority, state, owner, parent, host_id, create_ts
		FROM task WHERE id = $1 FOR UPDATE
	`, taskID)
	t, err := scanTask(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return t, err
}

func (s *PostgresStore) SetTaskFree(ctx context.Context, taskID int64) error {
	_, err := s.pool.Exec(ctx, `UPDATE task SET state = 'FREE', host_id = NULL WHERE id = $1`, taskID)
	return err
}

func (s *PostgresStore) SetTaskAssigned(ctx context.Context, tx Tx, taskID int64, hostID int64) error {
	_, err := underlying(tx).Exec(ctx, `UPDATE task SET state = 'ASSIGNED', host_id = $2 WHERE id = $1`, taskID, hostID)
	return err
}

func (s *PostgresStore) SetTaskHostID(ctx context.Context, taskID int64, hostID int64) error {
	_, err := s.pool.Exec(ctx, `UPDATE task SET host_id = $2 WHERE id = $1`, taskID, hostID)
	return err
}

// --- task runs ---

func (s *PostgresStore) ActiveRuns(ctx context.Context) ([]*model.TaskRun, error) {
	query := `
		SELECT id, task_id, host_id, state, create_ts, start_ts, end_ts
		FROM scheduler_task_run WHERE state IN ('ASSIGNED', 'RUNNING')
	`
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*model.TaskRun
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

func scanRun(row rowScanner) (*model.TaskRun, error) {
	var r model.TaskRun
	var state string
	if err := row.Scan(&r.ID, &r.TaskID, &r.HostID, &state, &r.CreateTS, &r.StartTS, &r.EndTS); err != nil {
		return nil, err
	}
	r.State = model.RunState(state)
	return &r, nil
}

func (s *PostgresStore) GetActiveRunForUpdate(ctx context.Context, tx Tx, taskID int64) (*model.TaskRun, error) {
	row := underlying(tx).QueryRow(ctx, `
		SELECT id, task_id, host_id, state, create_ts, start_ts, end_ts
		FROM scheduler_task_run
		WHERE task_id = $1 AND state IN ('ASSIGNED', 'RUNNING')
		FOR UPDATE
	`, taskID)
	r, err := scanRun(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return r, err
}

func (s *PostgresStore) InsertRun(ctx context.Context, tx Tx, taskID, hostID int64, state model.RunState) (*model.TaskRun, error) {
	row := underlying(tx).QueryRow(ctx, `
		INSERT INTO scheduler_task_run (task_id, host_id, state, create_ts)
		VALUES ($1, $2, $3, NOW())
		RETURNING id, task_id, host_id, state, create_ts, start_ts, end_ts
	`, taskID, hostID, string(state))
	return scanRun(row)
}

func (s *PostgresStore) SetRunState(ctx context.Context, tx Tx, runID int64, state model.RunState) error {
	var err error
	switch state {
	case model.RunDone, model.RunFail, model.RunOverride:
		_, err = underlying(tx).Exec(ctx, `UPDATE scheduler_task_run SET state = $2, end_ts = NOW() WHERE id = $1`, runID, string(state))
	default:
		_, err = underlying(tx).Exec(ctx, `UPDATE scheduler_task_run SET state = $2 WHERE id = $1`, runID, string(state))
	}
	return err
}

func (s *PostgresStore) OpenRun(ctx context.Context, runID int64, t time.Time) error {
	_, err := s.pool.Exec(ctx, `UPDATE scheduler_task_run SET state = 'RUNNING', start_ts = $2 WHERE id = $1`, runID, t)
	return err
}

// --- refusals ---

func (s *PostgresStore) SetRefusal(ctx context.Context, r *model.Refusal) error {
	query := `
		INSERT INTO scheduler_task_refusal (host_id, task_id, soft, by_host, msg, ts)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (host_id, task_id) DO UPDATE SET
			soft = EXCLUDED.soft,
			by_host = EXCLUDED.by_host,
			msg = EXCLUDED.msg,
			ts = EXCLUDED.ts
	`
	ts := r.TS
	if ts.IsZero() {
		ts = time.Now()
	}
	_, err := s.pool.Exec(ctx, query, r.HostID, r.TaskID, r.Soft, r.ByHost, r.Message, ts)
	return err
}

func (s *PostgresStore) RefusalsForTask(ctx context.Context, taskID int64) ([]*model.Refusal, error) {
	query := `SELECT host_id, task_id, soft, by_host, msg, ts FROM scheduler_task_refusal WHERE task_id = $1`
	rows, err := s.pool.Query(ctx, query, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var refusals []*model.Refusal
	for rows.Next() {
		var r model.Refusal
		if err := rows.Scan(&r.HostID, &r.TaskID, &r.Soft, &r.ByHost, &r.Message, &r.TS); err != nil {
			return nil, err
		}
		refusals = append(refusals, &r)
	}
	return refusals, rows.Err()
}

// PurgeRefusalsForTask deletes all refusal rows for a task. Call only when
// the task reaches a terminal state — expired soft refusals are otherwise
// ignored by queries, not deleted, so operators can inspect recent history.
func (s *PostgresStore) PurgeRefusalsForTask(ctx context.Context, taskID int64) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM scheduler_task_refusal WHERE task_id = $1`, taskID)
	return err
}

// --- host data ---

func (s *PostgresStore) SetHostData(ctx context.Context, hostID int64, data map[string]interface{}) error {
	bytes, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal host data: %w", err)
	}
	query := `
		INSERT INTO scheduler_host_data (host_id, data)
		VALUES ($1, $2)
		ON CONFLICT (host_id) DO UPDATE SET data = EXCLUDED.data
	`
	_, err = s.pool.Exec(ctx, query, hostID, bytes)
	return err
}

func (s *PostgresStore) GetHostData(ctx context.Context, hostID int64) (*model.HostData, error) {
	var raw []byte
	err := s.pool.QueryRow(ctx, `SELECT data FROM scheduler_host_data WHERE host_id = $1`, hostID).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var data map[string]interface{}
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("unmarshal host data: %w", err)
	}
	return &model.HostData{HostID: hostID, Data: data}, nil
}

// --- log ---

func (s *PostgresStore) AppendLog(ctx context.Context, msg *model.LogMessage) error {
	query := `
		INSERT INTO scheduler_log_messages (ts, task_id, host_id, host_name, msg)
		VALUES ($1, $2, $3, $4, $5)
	`
	ts := msg.TS
	if ts.IsZero() {
		ts = time.Now()
	}
	_, err := s.pool.Exec(ctx, query, ts, msg.TaskID, msg.HostID, msg.HostName, msg.Message)
	return err
}

func (s *PostgresStore) GetLogMessages(ctx context.Context, taskID *int64, hostID *int64, limit int) ([]*model.LogMessage, error) {
	query := `
		SELECT id, ts, task_id, host_id, host_name, msg FROM scheduler_log_messages
		WHERE ($1::bigint IS NULL OR task_id = $1)
		  AND ($2::bigint IS NULL OR host_id = $2)
		ORDER BY ts DESC LIMIT $3
	`
	rows, err := s.pool.Query(ctx, query, taskID, hostID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var msgs []*model.LogMessage
	for rows.Next() {
		var m model.LogMessage
		if err := rows.Scan(&m.ID, &m.TS, &m.TaskID, &m.HostID, &m.HostName, &m.Message); err != nil {
			return nil, err
		}
		msgs = append(msgs, &m)
	}
	return msgs, rows.Err()
}

// --- tick bookkeeping ---

func (s *PostgresStore) GetLastRunTS(ctx context.Context) (time.Time, error) {
	var ts time.Time
	err := s.pool.QueryRow(ctx, `SELECT ts FROM scheduler_tick WHERE id = TRUE`).Scan(&ts)
	if errors.Is(err, pgx.ErrNoRows) {
		return time.Time{}, nil
	}
	return ts, err
}

func (s *PostgresStore) SetLastRunTS(ctx context.Context, t time.Time) error {
	query := `
		INSERT INTO scheduler_tick (id, ts) VALUES (TRUE, $1)
		ON CONFLICT (id) DO UPDATE SET ts = EXCLUDED.ts
	`
	_, err := s.pool.Exec(ctx, query, t)
	return err
}
