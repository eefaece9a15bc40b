// Package mapping provides the ephemeral SQLite cache that maps finding
// identity keys to remote ticket ids for the duration of one sync run.
package mapping

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	synerr "github.com/rcourtman/vulnsync/internal/errors"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"
)

// TaskRow maps a root cause to its believed-open parent ticket.
type TaskRow struct {
	RootCauseKey string
	TicketID     string
	LastSynced   time.Time
}

// SubTaskRow maps one instance to its child ticket.
type SubTaskRow struct {
	InstanceKey  string
	AssetKey     string
	RootCauseKey string
	TicketID     string
	IsOpen       bool
	LastSynced   time.Time
}

// Store is the mapping cache. All access goes through a single connection,
// so every statement is serialized and insert-if-absent is atomic.
type Store struct {
	db   *sql.DB
	path string
}

// Open creates a fresh cache at path, deleting any file left behind by an
// earlier run that did not finish.
func Open(path string) (*Store, error) {
	path = filepath.Clean(strings.TrimSpace(path))
	if path == "" || path == "." {
		return nil, synerr.WrapCacheError("open_cache", "", fmt.Errorf("cache path is required"))
	}

	if err := removeFiles(path); err != nil {
		return nil, synerr.WrapCacheError("open_cache", path, fmt.Errorf("remove stale cache: %w", err))
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, synerr.WrapCacheError("open_cache", path, fmt.Errorf("create cache directory: %w", err))
	}

	dsn := path + "?" + url.Values{
		"_pragma": []string{
			"busy_timeout(30000)",
			"journal_mode(MEMORY)",
			"synchronous(OFF)",
		},
	}.Encode()

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, synerr.WrapCacheError("open_cache", path, err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	s := &Store{db: db, path: path}
	if err := s.initSchema(); err != nil {
		if closeErr := db.Close(); closeErr != nil {
			return nil, errors.Join(err, fmt.Errorf("close cache after schema init failure: %w", closeErr))
		}
		return nil, err
	}

	log.Debug().Str("path", path).Msg("Mapping cache created")
	return s, nil
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS task (
		root_cause_key TEXT PRIMARY KEY,
		ticket_id TEXT NOT NULL,
		last_synced INTEGER NOT NULL
	);
	CREATE TABLE IF NOT EXISTS subtask (
		instance_key TEXT PRIMARY KEY,
		asset_key TEXT NOT NULL,
		root_cause_key TEXT NOT NULL REFERENCES task(root_cause_key),
		ticket_id TEXT NOT NULL,
		is_open INTEGER NOT NULL DEFAULT 1,
		last_synced INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_subtask_asset ON subtask(asset_key);
	CREATE INDEX IF NOT EXISTS idx_subtask_root_cause ON subtask(root_cause_key);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return synerr.WrapCacheError("init_cache", s.path, err)
	}
	return nil
}

// Path returns the on-disk location of the cache.
func (s *Store) Path() string {
	return s.path
}

// Close releases the database handle, leaving the file in place.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Destroy closes the cache and deletes its file.
func (s *Store) Destroy() error {
	if s == nil {
		return nil
	}
	closeErr := s.Close()
	if err := removeFiles(s.path); err != nil {
		return errors.Join(closeErr, synerr.WrapCacheError("destroy_cache", s.path, err))
	}
	return closeErr
}

// GetTask looks up the task row for a root cause.
func (s *Store) GetTask(ctx context.Context, rootCauseKey string) (*TaskRow, bool, error) {
	var row TaskRow
	var synced int64
	err := s.db.QueryRowContext(ctx,
		`SELECT root_cause_key, ticket_id, last_synced FROM task WHERE root_cause_key = ?`, rootCauseKey,
	).Scan(&row.RootCauseKey, &row.TicketID, &synced)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, synerr.WrapCacheError("get_task", rootCauseKey, err)
	}
	row.LastSynced = fromUnixNano(synced)
	return &row, true, nil
}

// InsertTask stores row unless the root cause is already mapped. It reports
// whether the row was written; the first writer wins.
func (s *Store) InsertTask(ctx context.Context, row TaskRow) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO task (root_cause_key, ticket_id, last_synced) VALUES (?, ?, ?)
		 ON CONFLICT(root_cause_key) DO NOTHING`,
		row.RootCauseKey, row.TicketID, row.LastSynced.UnixNano(),
	)
	if err != nil {
		return false, synerr.WrapCacheError("insert_task", row.RootCauseKey, err)
	}
	return affected(res), nil
}

// TouchTask records that the task was synced at t.
func (s *Store) TouchTask(ctx context.Context, rootCauseKey string, t time.Time) error {
	if _, err := s.db.ExecContext(ctx,
		`UPDATE task SET last_synced = ? WHERE root_cause_key = ?`, t.UnixNano(), rootCauseKey,
	); err != nil {
		return synerr.WrapCacheError("touch_task", rootCauseKey, err)
	}
	return nil
}

// GetSubTask looks up the sub-task row for an instance.
func (s *Store) GetSubTask(ctx context.Context, instanceKey string) (*SubTaskRow, bool, error) {
	rows, err := s.querySubTasks(ctx, `WHERE instance_key = ?`, instanceKey)
	if err != nil {
		return nil, false, synerr.WrapCacheError("get_subtask", instanceKey, err)
	}
	if len(rows) == 0 {
		return nil, false, nil
	}
	return &rows[0], true, nil
}

// InsertSubTask stores row unless the instance is already mapped.
func (s *Store) InsertSubTask(ctx context.Context, row SubTaskRow) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO subtask (instance_key, asset_key, root_cause_key, ticket_id, is_open, last_synced)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(instance_key) DO NOTHING`,
		row.InstanceKey, row.AssetKey, row.RootCauseKey, row.TicketID, boolToInt(row.IsOpen), row.LastSynced.UnixNano(),
	)
	if err != nil {
		return false, synerr.WrapCacheError("insert_subtask", row.InstanceKey, err)
	}
	return affected(res), nil
}

// SetSubTaskState updates the open flag and sync time of an instance.
func (s *Store) SetSubTaskState(ctx context.Context, instanceKey string, open bool, t time.Time) error {
	if _, err := s.db.ExecContext(ctx,
		`UPDATE subtask SET is_open = ?, last_synced = ? WHERE instance_key = ?`,
		boolToInt(open), t.UnixNano(), instanceKey,
	); err != nil {
		return synerr.WrapCacheError("set_subtask_state", instanceKey, err)
	}
	return nil
}

// OpenSubTasksByAsset lists the open sub-tasks belonging to an asset.
func (s *Store) OpenSubTasksByAsset(ctx context.Context, assetKey string) ([]SubTaskRow, error) {
	rows, err := s.querySubTasks(ctx, `WHERE asset_key = ? AND is_open = 1`, assetKey)
	if err != nil {
		return nil, synerr.WrapCacheError("subtasks_by_asset", assetKey, err)
	}
	return rows, nil
}

// DeleteClosedSubTasks evicts every closed sub-task and returns how many were removed.
func (s *Store) DeleteClosedSubTasks(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM subtask WHERE is_open = 0`)
	if err != nil {
		return 0, synerr.WrapCacheError("delete_closed_subtasks", "", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// EmptyTasks returns the task rows that have no sub-task rows.
func (s *Store) EmptyTasks(ctx context.Context) ([]TaskRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT t.root_cause_key, t.ticket_id, t.last_synced
		FROM task t
		LEFT JOIN subtask st ON st.root_cause_key = t.root_cause_key
		WHERE st.instance_key IS NULL
		ORDER BY t.root_cause_key`)
	if err != nil {
		return nil, synerr.WrapCacheError("empty_tasks", "", err)
	}
	defer rows.Close()

	var out []TaskRow
	for rows.Next() {
		var row TaskRow
		var synced int64
		if err := rows.Scan(&row.RootCauseKey, &row.TicketID, &synced); err != nil {
			return nil, synerr.WrapCacheError("empty_tasks", "", err)
		}
		row.LastSynced = fromUnixNano(synced)
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, synerr.WrapCacheError("empty_tasks", "", err)
	}
	return out, nil
}

// Counts returns the number of task and sub-task rows.
func (s *Store) Counts(ctx context.Context) (tasks, subtasks int, err error) {
	err = s.db.QueryRowContext(ctx,
		`SELECT (SELECT COUNT(*) FROM task), (SELECT COUNT(*) FROM subtask)`,
	).Scan(&tasks, &subtasks)
	if err != nil {
		return 0, 0, synerr.WrapCacheError("count_rows", "", err)
	}
	return tasks, subtasks, nil
}

func (s *Store) querySubTasks(ctx context.Context, where string, args ...any) ([]SubTaskRow, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT instance_key, asset_key, root_cause_key, ticket_id, is_open, last_synced FROM subtask `+where+` ORDER BY instance_key`,
		args...,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SubTaskRow
	for rows.Next() {
		var row SubTaskRow
		var open int
		var synced int64
		if err := rows.Scan(&row.InstanceKey, &row.AssetKey, &row.RootCauseKey, &row.TicketID, &open, &synced); err != nil {
			return nil, err
		}
		row.IsOpen = open != 0
		row.LastSynced = fromUnixNano(synced)
		out = append(out, row)
	}
	return out, rows.Err()
}

func removeFiles(path string) error {
	var errs []error
	for _, p := range []string{path, path + "-journal", path + "-wal", path + "-shm"} {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func affected(res sql.Result) bool {
	n, err := res.RowsAffected()
	return err == nil && n > 0
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func fromUnixNano(n int64) time.Time {
	return time.Unix(0, n).UTC()
}
