package persistence

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/MimeLyc/annotation-session/internal/annotation"
	"github.com/MimeLyc/annotation-session/internal/jobs"
	_ "modernc.org/sqlite"
)

const defaultActionLimit = 100

//go:embed migrations/*.sql
var migrationFiles embed.FS

type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("db path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &SQLiteStore{db: db}
	if err := store.init(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) init(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, "PRAGMA journal_mode = WAL;"); err != nil {
		return fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, "PRAGMA busy_timeout = 5000;"); err != nil {
		return fmt.Errorf("set busy timeout: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	entries, err := migrationFiles.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		version := migrationVersion(entry.Name())
		if version <= 0 {
			continue
		}
		var exists int
		if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM schema_migrations WHERE version = ?`, version).Scan(&exists); err != nil {
			return fmt.Errorf("check migration %s: %w", entry.Name(), err)
		}
		if exists > 0 {
			continue
		}
		content, err := migrationFiles.ReadFile(filepath.Join("migrations", entry.Name()))
		if err != nil {
			return fmt.Errorf("read migration %s: %w", entry.Name(), err)
		}
		if _, err := s.db.ExecContext(ctx, string(content)); err != nil {
			return fmt.Errorf("apply migration %s: %w", entry.Name(), err)
		}
		if _, err := s.db.ExecContext(ctx, `INSERT INTO schema_migrations (version) VALUES (?)`, version); err != nil {
			return fmt.Errorf("record migration %s: %w", entry.Name(), err)
		}
	}
	return nil
}

// migrationVersion returns the leading number of a migration file name.
func migrationVersion(name string) int {
	for i, c := range name {
		if c < '0' || c > '9' {
			if i == 0 {
				return 0
			}
			n, _ := strconv.Atoi(name[:i])
			return n
		}
	}
	n, _ := strconv.Atoi(name)
	return n
}

func (s *SQLiteStore) LoadOperations(ctx context.Context) ([]*jobs.Operation, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT id, kind, source, dedupe_key, task_id, job_id, status, error, created_at, updated_at
		 FROM operations
		 ORDER BY created_at ASC`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ret := make([]*jobs.Operation, 0)
	for rows.Next() {
		var item jobs.Operation
		var kind, status string
		if err := rows.Scan(
			&item.ID,
			&kind,
			&item.Source,
			&item.DedupeKey,
			&item.Payload.TaskID,
			&item.Payload.JobID,
			&status,
			&item.Error,
			&item.CreatedAt,
			&item.UpdatedAt,
		); err != nil {
			return nil, err
		}
		item.Kind = jobs.Kind(kind)
		item.Status = jobs.Status(status)
		ret = append(ret, &item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return ret, nil
}

func (s *SQLiteStore) UpsertOperation(ctx context.Context, op *jobs.Operation) error {
	if op == nil {
		return fmt.Errorf("operation is nil")
	}
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO operations (
			id, kind, source, dedupe_key, task_id, job_id, status, error, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			kind=excluded.kind,
			source=excluded.source,
			dedupe_key=excluded.dedupe_key,
			task_id=excluded.task_id,
			job_id=excluded.job_id,
			status=excluded.status,
			error=excluded.error,
			updated_at=excluded.updated_at`,
		op.ID,
		string(op.Kind),
		op.Source,
		op.DedupeKey,
		op.Payload.TaskID,
		op.Payload.JobID,
		string(op.Status),
		op.Error,
		op.CreatedAt.UTC(),
		op.UpdatedAt.UTC(),
	)
	return err
}

func (s *SQLiteStore) DeleteOperation(ctx context.Context, opID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM operations WHERE id = ?`, opID)
	return err
}

// AppendAction journals one action and returns its row id.
func (s *SQLiteStore) AppendAction(ctx context.Context, rec ActionRecord) (int64, error) {
	createdAt := rec.CreatedAt.UTC()
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	res, err := s.db.ExecContext(
		ctx,
		`INSERT INTO actions (invocation_id, type, payload_json, error, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		rec.InvocationID,
		rec.Type,
		string(rec.Payload),
		rec.Error,
		createdAt,
	)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// ListActions returns the latest limit actions, oldest first.
func (s *SQLiteStore) ListActions(ctx context.Context, limit int) ([]ActionRecord, error) {
	if limit <= 0 {
		limit = defaultActionLimit
	}
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT id, invocation_id, type, payload_json, error, created_at
		 FROM (SELECT * FROM actions ORDER BY id DESC LIMIT ?)
		 ORDER BY id ASC`,
		limit,
	)
	if err != nil {
		return nil, err
	}
	return scanActions(rows)
}

func (s *SQLiteStore) ListInvocation(ctx context.Context, invocationID string) ([]ActionRecord, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT id, invocation_id, type, payload_json, error, created_at
		 FROM actions
		 WHERE invocation_id = ?
		 ORDER BY id ASC`,
		invocationID,
	)
	if err != nil {
		return nil, err
	}
	return scanActions(rows)
}

func scanActions(rows *sql.Rows) ([]ActionRecord, error) {
	defer rows.Close()

	ret := make([]ActionRecord, 0)
	for rows.Next() {
		var item ActionRecord
		var payload string
		if err := rows.Scan(&item.ID, &item.InvocationID, &item.Type, &payload, &item.Error, &item.CreatedAt); err != nil {
			return nil, err
		}
		if payload != "" {
			item.Payload = json.RawMessage(payload)
		}
		ret = append(ret, item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return ret, nil
}

// LoadFrameObjects returns the saved objects of one frame. ok is false when
// the frame has never been saved. Job ids are only unique within a task.
func (s *SQLiteStore) LoadFrameObjects(ctx context.Context, taskID, jobID, frame int) ([]annotation.Object, bool, error) {
	row := s.db.QueryRowContext(
		ctx,
		`SELECT objects_json FROM annotations WHERE task_id = ? AND job_id = ? AND frame = ?`,
		taskID,
		jobID,
		frame,
	)
	var objectsJSON string
	if err := row.Scan(&objectsJSON); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, err
	}
	var objects []annotation.Object
	if err := json.Unmarshal([]byte(objectsJSON), &objects); err != nil {
		return nil, false, fmt.Errorf("decode annotations of task %d job %d frame %d: %w", taskID, jobID, frame, err)
	}
	return objects, true, nil
}

// ReplaceFrameObjects overwrites the saved objects of one frame.
func (s *SQLiteStore) ReplaceFrameObjects(ctx context.Context, taskID, jobID, frame int, objects []annotation.Object) error {
	if objects == nil {
		objects = []annotation.Object{}
	}
	payload, err := json.Marshal(objects)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(
		ctx,
		`INSERT INTO annotations (task_id, job_id, frame, objects_json, updated_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(task_id, job_id, frame) DO UPDATE SET
			objects_json=excluded.objects_json,
			updated_at=excluded.updated_at`,
		taskID,
		jobID,
		frame,
		string(payload),
		time.Now().UTC(),
	)
	return err
}

func (s *SQLiteStore) ListJobAnnotations(ctx context.Context, taskID, jobID int) ([]FrameAnnotations, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT task_id, job_id, frame, objects_json, updated_at
		 FROM annotations
		 WHERE task_id = ? AND job_id = ?
		 ORDER BY frame ASC`,
		taskID,
		jobID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ret := make([]FrameAnnotations, 0)
	for rows.Next() {
		var item FrameAnnotations
		var objectsJSON string
		if err := rows.Scan(&item.TaskID, &item.JobID, &item.Frame, &objectsJSON, &item.UpdatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(objectsJSON), &item.Objects); err != nil {
			return nil, err
		}
		ret = append(ret, item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return ret, nil
}
