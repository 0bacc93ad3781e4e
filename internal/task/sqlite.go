package task

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	logx "taskmind/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

// StoreConfig configures the sqlite task store.
type StoreConfig struct {
	Path        string
	BusyTimeout time.Duration // 0 means driver default
}

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

// Open opens (and migrates) the sqlite-backed task store.
func Open(cfg StoreConfig, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("task store: sqlite path is required")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if dir := filepath.Dir(cfg.Path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	st := &sqliteStore{db: db, log: log}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

const taskColumns = `id, user_id, title, description, kind, schedule_json, status,
	next_run_at, last_run_at, missed_count, last_missed_at, is_segmented,
	parent_task_id, context, channels_json, priority, created_at, updated_at`

func (s *sqliteStore) Create(ctx context.Context, t *Task) error {
	if err := t.Validate(); err != nil {
		return err
	}
	now := time.Now()
	if strings.TrimSpace(t.ID) == "" {
		t.ID = uuid.NewString()
	}
	if t.Status == "" {
		t.Status = StatusActive
	}
	t.CreatedAt = now
	t.UpdatedAt = now

	scheduleJSON, err := json.Marshal(t.Schedule)
	if err != nil {
		return fmt.Errorf("task store: marshal schedule: %w", err)
	}
	channels := t.Channels
	if channels == nil {
		channels = []string{}
	}
	channelsJSON, err := json.Marshal(channels)
	if err != nil {
		return fmt.Errorf("task store: marshal channels: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO tasks(`+taskColumns+`)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		t.ID, t.UserID, t.Title, t.Description, string(t.Kind), string(scheduleJSON), string(t.Status),
		msOrNil(t.NextRunAt), msOrNil(t.LastRunAt), t.MissedCount, msOrNil(t.LastMissedAt), boolToInt(t.Segmented),
		nullStr(t.ParentID), t.Context, string(channelsJSON), t.Priority, now.UnixMilli(), now.UnixMilli(),
	)
	return err
}

func (s *sqliteStore) Get(ctx context.Context, id string) (Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Task{}, ErrNotFound
	}
	return t, err
}

func (s *sqliteStore) ListDue(ctx context.Context, before time.Time, limit int) ([]Task, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+taskColumns+` FROM tasks
		 WHERE status = ? AND is_segmented = 0 AND next_run_at IS NOT NULL AND next_run_at <= ?
		 ORDER BY next_run_at ASC
		 LIMIT ?`,
		string(StatusActive), before.UnixMilli(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanTasks(rows)
}

func (s *sqliteStore) ListByUser(ctx context.Context, userID string, f Filter) ([]Task, error) {
	where := []string{"user_id = ?"}
	args := []any{userID}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(f.Status))
	}
	if f.Kind != "" {
		where = append(where, "kind = ?")
		args = append(args, string(f.Kind))
	}
	if f.ParentID != "" {
		where = append(where, "parent_task_id = ?")
		args = append(args, f.ParentID)
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+taskColumns+` FROM tasks
		 WHERE `+strings.Join(where, " AND ")+`
		 ORDER BY created_at DESC
		 LIMIT ?`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanTasks(rows)
}

func (s *sqliteStore) ListChildren(ctx context.Context, parentID string) ([]Task, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+taskColumns+` FROM tasks
		 WHERE parent_task_id = ?
		 ORDER BY next_run_at ASC`, parentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanTasks(rows)
}

func (s *sqliteStore) ClaimForProcessing(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET status = ?, updated_at = ?
		 WHERE id = ? AND status = ? AND is_segmented = 0`,
		string(StatusProcessing), time.Now().UnixMilli(), id, string(StatusActive))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *sqliteStore) ReleaseToActive(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET status = ?, updated_at = ?
		 WHERE id = ? AND status = ?`,
		string(StatusActive), time.Now().UnixMilli(), id, string(StatusProcessing))
	return err
}

func (s *sqliteStore) RecordSuccess(ctx context.Context, id string, at, nextRun time.Time) (bool, error) {
	status := StatusCompleted
	var next any
	if !nextRun.IsZero() {
		status = StatusActive
		next = nextRun.UnixMilli()
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET status = ?, next_run_at = ?, last_run_at = ?, missed_count = 0, updated_at = ?
		 WHERE id = ? AND status = ?`,
		string(status), next, at.UnixMilli(), time.Now().UnixMilli(), id, string(StatusProcessing))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *sqliteStore) RecordFailure(ctx context.Context, id string, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET status = ?, last_run_at = ?, updated_at = ?
		 WHERE id = ? AND status = ?`,
		string(StatusFailed), at.UnixMilli(), time.Now().UnixMilli(), id, string(StatusProcessing))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *sqliteStore) RecordMiss(ctx context.Context, id string, at time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET missed_count = missed_count + 1, last_missed_at = ?, updated_at = ?
		 WHERE id = ? AND status NOT IN (?, ?)`,
		at.UnixMilli(), time.Now().UnixMilli(), id, string(StatusCompleted), string(StatusCancelled))
	if err != nil {
		return 0, err
	}
	if n, err := res.RowsAffected(); err != nil {
		return 0, err
	} else if n == 0 {
		// Terminal or missing; report the stored count without bumping.
		t, err := s.Get(ctx, id)
		if err != nil {
			return 0, err
		}
		return t.MissedCount, nil
	}
	var count int
	err = s.db.QueryRowContext(ctx, `SELECT missed_count FROM tasks WHERE id = ?`, id).Scan(&count)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	return count, err
}

func (s *sqliteStore) Reactivate(ctx context.Context, id string, nextRun time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET status = ?, next_run_at = ?, updated_at = ?
		 WHERE id = ? AND status NOT IN (?, ?)`,
		string(StatusActive), nextRun.UnixMilli(), time.Now().UnixMilli(),
		id, string(StatusCompleted), string(StatusCancelled))
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqliteStore) Pause(ctx context.Context, id string) error {
	return s.setAdminStatus(ctx, id, StatusPaused)
}

func (s *sqliteStore) Cancel(ctx context.Context, id string) error {
	return s.setAdminStatus(ctx, id, StatusCancelled)
}

func (s *sqliteStore) setAdminStatus(ctx context.Context, id string, status Status) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET status = ?, updated_at = ?
		 WHERE id = ? AND status NOT IN (?, ?)`,
		string(status), time.Now().UnixMilli(),
		id, string(StatusCompleted), string(StatusCancelled))
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqliteStore) Segment(ctx context.Context, parentID string, children []*Task) error {
	if len(children) == 0 {
		return errors.New("task store: segment requires children")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now()
	// Flag the parent first, conditionally, so a concurrent segmentation of
	// the same parent rolls back without inserting anything.
	res, err := tx.ExecContext(ctx,
		`UPDATE tasks SET is_segmented = 1, updated_at = ?
		 WHERE id = ? AND is_segmented = 0`,
		now.UnixMilli(), parentID)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n == 0 {
		return ErrAlreadySegmented
	}

	for _, c := range children {
		if err := c.Validate(); err != nil {
			return err
		}
		if strings.TrimSpace(c.ID) == "" {
			c.ID = uuid.NewString()
		}
		c.ParentID = parentID
		if c.Status == "" {
			c.Status = StatusActive
		}
		c.CreatedAt = now
		c.UpdatedAt = now

		scheduleJSON, err := json.Marshal(c.Schedule)
		if err != nil {
			return fmt.Errorf("task store: marshal schedule: %w", err)
		}
		channels := c.Channels
		if channels == nil {
			channels = []string{}
		}
		channelsJSON, err := json.Marshal(channels)
		if err != nil {
			return fmt.Errorf("task store: marshal channels: %w", err)
		}

		_, err = tx.ExecContext(ctx,
			`INSERT INTO tasks(`+taskColumns+`)
			 VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
			c.ID, c.UserID, c.Title, c.Description, string(c.Kind), string(scheduleJSON), string(c.Status),
			msOrNil(c.NextRunAt), msOrNil(c.LastRunAt), c.MissedCount, msOrNil(c.LastMissedAt), boolToInt(c.Segmented),
			c.ParentID, c.Context, string(channelsJSON), c.Priority, now.UnixMilli(), now.UnixMilli(),
		)
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *sqliteStore) AppendRun(ctx context.Context, r RunRecord) error {
	if r.StartedAt.IsZero() {
		r.StartedAt = time.Now()
	}
	if r.FinishedAt.IsZero() {
		r.FinishedAt = time.Now()
	}
	if r.Attempts <= 0 {
		r.Attempts = 1
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO task_runs(task_id, started_at, finished_at, outcome, summary, attempts)
		 VALUES(?,?,?,?,?,?)`,
		r.TaskID, r.StartedAt.UnixMilli(), r.FinishedAt.UnixMilli(), r.Outcome, r.Summary, r.Attempts)
	return err
}

func (s *sqliteStore) ListRuns(ctx context.Context, taskID string, limit int) ([]RunRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, task_id, started_at, finished_at, outcome, summary, attempts
		 FROM task_runs WHERE task_id = ?
		 ORDER BY started_at DESC
		 LIMIT ?`, taskID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]RunRecord, 0)
	for rows.Next() {
		var r RunRecord
		var started, finished int64
		if err := rows.Scan(&r.ID, &r.TaskID, &started, &finished, &r.Outcome, &r.Summary, &r.Attempts); err != nil {
			return nil, err
		}
		r.StartedAt = time.UnixMilli(started)
		r.FinishedAt = time.UnixMilli(finished)
		out = append(out, r)
	}
	return out, rows.Err()
}

// ---- scan helpers ----

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (Task, error) {
	var (
		t            Task
		kind         string
		schedule     string
		status       string
		nextRun      sql.NullInt64
		lastRun      sql.NullInt64
		lastMissed   sql.NullInt64
		segmented    int
		parentID     sql.NullString
		channelsJSON string
		createdAt    int64
		updatedAt    int64
	)
	if err := row.Scan(
		&t.ID, &t.UserID, &t.Title, &t.Description, &kind, &schedule, &status,
		&nextRun, &lastRun, &t.MissedCount, &lastMissed, &segmented,
		&parentID, &t.Context, &channelsJSON, &t.Priority, &createdAt, &updatedAt,
	); err != nil {
		return Task{}, err
	}
	t.Kind = Kind(kind)
	t.Status = Status(status)
	if err := json.Unmarshal([]byte(schedule), &t.Schedule); err != nil {
		return Task{}, fmt.Errorf("task store: unmarshal schedule: %w", err)
	}
	if err := json.Unmarshal([]byte(channelsJSON), &t.Channels); err != nil {
		return Task{}, fmt.Errorf("task store: unmarshal channels: %w", err)
	}
	if nextRun.Valid {
		t.NextRunAt = time.UnixMilli(nextRun.Int64)
	}
	if lastRun.Valid {
		t.LastRunAt = time.UnixMilli(lastRun.Int64)
	}
	if lastMissed.Valid {
		t.LastMissedAt = time.UnixMilli(lastMissed.Int64)
	}
	t.Segmented = segmented != 0
	t.ParentID = parentID.String
	t.CreatedAt = time.UnixMilli(createdAt)
	t.UpdatedAt = time.UnixMilli(updatedAt)
	return t, nil
}

func scanTasks(rows *sql.Rows) ([]Task, error) {
	out := make([]Task, 0)
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func msOrNil(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UnixMilli()
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
