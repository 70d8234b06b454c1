package storage

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/atropos/atropos/pkg/session"
	pkgerrors "github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"
)

const (
	defaultDBDirName  = ".atropos"
	defaultDBFileName = "journal.sqlite"
	runsTable         = "runs"
	messagesTable     = "session_messages"
	maxErrorLength    = 512
)

// Run statuses.
const (
	StatusRunning = "running"
	StatusSuccess = "success"
	StatusFailed  = "failed"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		started_at INTEGER NOT NULL,
		finished_at INTEGER,
		host_id TEXT NOT NULL DEFAULT '',
		device_serial TEXT NOT NULL DEFAULT '',
		manufacturer TEXT NOT NULL DEFAULT '',
		model TEXT NOT NULL DEFAULT '',
		android_release TEXT NOT NULL DEFAULT '',
		abi TEXT NOT NULL DEFAULT '',
		arch TEXT NOT NULL DEFAULT '',
		frida_version TEXT NOT NULL DEFAULT '',
		artifact_source TEXT NOT NULL DEFAULT '',
		artifact_checksum TEXT NOT NULL DEFAULT '',
		target TEXT NOT NULL DEFAULT '',
		stage TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		error_kind TEXT NOT NULL DEFAULT '',
		error TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE TABLE IF NOT EXISTS session_messages (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT NOT NULL,
		received_at INTEGER NOT NULL,
		type TEXT NOT NULL,
		level TEXT NOT NULL DEFAULT '',
		text TEXT NOT NULL DEFAULT '',
		raw TEXT NOT NULL DEFAULT '',
		data_bytes INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE INDEX IF NOT EXISTS idx_session_messages_run ON session_messages(run_id, id)`,
}

// Run is one provisioning run.
type Run struct {
	ID               string
	StartedAt        time.Time
	FinishedAt       *time.Time
	HostID           string
	DeviceSerial     string
	Manufacturer     string
	Model            string
	Release          string
	ABI              string
	Arch             string
	FridaVersion     string
	ArtifactSource   string
	ArtifactChecksum string
	Target           string
	Stage            string
	Status           string
	ErrorKind        string
	Error            string
}

// MessageRecord is a stored payload message.
type MessageRecord struct {
	ID         int64
	RunID      string
	ReceivedAt time.Time
	Type       string
	Level      string
	Text       string
	Raw        string
	DataBytes  int
}

// Journal stores runs and payload messages in SQLite.
type Journal struct {
	db   *sql.DB
	path string
}

// ResolvePath returns custom, or ~/.atropos/journal.sqlite, creating the parent directory.
func ResolvePath(custom string) (string, error) {
	if custom = strings.TrimSpace(custom); custom != "" {
		if err := ensureDirExists(filepath.Dir(custom)); err != nil {
			return "", err
		}
		return custom, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", pkgerrors.Wrap(err, "storage: locate user home failed")
	}
	dir := filepath.Join(home, defaultDBDirName)
	if err := ensureDirExists(dir); err != nil {
		return "", err
	}
	return filepath.Join(dir, defaultDBFileName), nil
}

func ensureDirExists(dir string) error {
	if dir == "" || dir == "." {
		return nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return pkgerrors.Wrapf(err, "storage: create dir %s failed", dir)
	}
	return nil
}

// Open opens (and migrates) the journal at path.
func Open(path string) (*Journal, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "storage: open sqlite journal failed")
	}
	db.SetMaxOpenConns(1)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for _, stmt := range []string{`PRAGMA busy_timeout = 5000`, `PRAGMA journal_mode = WAL`} {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			log.Debug().Err(err).Str("pragma", stmt).Msg("storage: pragma failed")
		}
	}
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			db.Close()
			return nil, pkgerrors.Wrap(err, "storage: create journal schema failed")
		}
	}
	return &Journal{db: db, path: path}, nil
}

// Path returns the database file.
func (j *Journal) Path() string {
	return j.path
}

// Close closes the database.
func (j *Journal) Close() error {
	if j == nil || j.db == nil {
		return nil
	}
	return j.db.Close()
}

// StartRun inserts run with status running.
func (j *Journal) StartRun(ctx context.Context, run Run) error {
	if run.StartedAt.IsZero() {
		run.StartedAt = time.Now()
	}
	if run.Status == "" {
		run.Status = StatusRunning
	}
	stmt := `INSERT INTO runs (id, started_at, host_id, frida_version, target, stage, status) VALUES (?, ?, ?, ?, ?, ?, ?)`
	return pkgerrors.Wrap(j.exec(ctx, stmt, run.ID, run.StartedAt.UnixMilli(), run.HostID,
		run.FridaVersion, run.Target, run.Stage, run.Status), "storage: insert run")
}

// UpdateRun overwrites the descriptive columns of run.ID with non-empty values.
func (j *Journal) UpdateRun(ctx context.Context, run Run) error {
	cols := []struct {
		name  string
		value string
	}{
		{"device_serial", run.DeviceSerial},
		{"manufacturer", run.Manufacturer},
		{"model", run.Model},
		{"android_release", run.Release},
		{"abi", run.ABI},
		{"arch", run.Arch},
		{"artifact_source", run.ArtifactSource},
		{"artifact_checksum", run.ArtifactChecksum},
		{"stage", run.Stage},
	}
	sets := make([]string, 0, len(cols))
	args := make([]any, 0, len(cols)+1)
	for _, c := range cols {
		if strings.TrimSpace(c.value) == "" {
			continue
		}
		sets = append(sets, quoteIdent(c.name)+"=?")
		args = append(args, c.value)
	}
	if len(sets) == 0 {
		return nil
	}
	args = append(args, run.ID)
	stmt := "UPDATE " + quoteIdent(runsTable) + " SET " + strings.Join(sets, ", ") + " WHERE id=?"
	return pkgerrors.Wrap(j.exec(ctx, stmt, args...), "storage: update run")
}

// FinishRun stores the terminal status of a run.
func (j *Journal) FinishRun(ctx context.Context, id, status, errorKind string, runErr error) error {
	stmt := `UPDATE runs SET finished_at=?, status=?, error_kind=?, error=? WHERE id=?`
	return pkgerrors.Wrap(j.exec(ctx, stmt, time.Now().UnixMilli(), status, errorKind, truncateError(runErr), id),
		"storage: finish run")
}

// RecordMessage stores a payload message for runID.
func (j *Journal) RecordMessage(ctx context.Context, runID string, msg session.Message) error {
	received := msg.ReceivedAt
	if received.IsZero() {
		received = time.Now()
	}
	stmt := `INSERT INTO session_messages (run_id, received_at, type, level, text, raw, data_bytes) VALUES (?, ?, ?, ?, ?, ?, ?)`
	return pkgerrors.Wrap(j.exec(ctx, stmt, runID, received.UnixMilli(), msg.Type, msg.Level,
		msg.Text(), msg.Raw, len(msg.Data)), "storage: insert message")
}

// MessageSink binds the journal to one run for session.Controller.
func (j *Journal) MessageSink(runID string) session.MessageSink {
	return runSink{journal: j, runID: runID}
}

type runSink struct {
	journal *Journal
	runID   string
}

func (s runSink) RecordMessage(ctx context.Context, msg session.Message) error {
	return s.journal.RecordMessage(ctx, s.runID, msg)
}

// RecentRuns returns the newest runs first.
func (j *Journal) RecentRuns(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := j.db.QueryContext(ctx, `SELECT id, started_at, finished_at, host_id, device_serial,
		manufacturer, model, android_release, abi, arch, frida_version, artifact_source,
		artifact_checksum, target, stage, status, error_kind, error
		FROM runs ORDER BY started_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "storage: query runs failed")
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var (
			run      Run
			started  int64
			finished sql.NullInt64
		)
		if err := rows.Scan(&run.ID, &started, &finished, &run.HostID, &run.DeviceSerial,
			&run.Manufacturer, &run.Model, &run.Release, &run.ABI, &run.Arch, &run.FridaVersion,
			&run.ArtifactSource, &run.ArtifactChecksum, &run.Target, &run.Stage, &run.Status,
			&run.ErrorKind, &run.Error); err != nil {
			return nil, pkgerrors.Wrap(err, "storage: scan run failed")
		}
		run.StartedAt = time.UnixMilli(started)
		if finished.Valid {
			at := time.UnixMilli(finished.Int64)
			run.FinishedAt = &at
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, pkgerrors.Wrap(err, "storage: iterate runs failed")
	}
	return runs, nil
}

// Messages returns the payload messages of runID in arrival order.
func (j *Journal) Messages(ctx context.Context, runID string) ([]MessageRecord, error) {
	rows, err := j.db.QueryContext(ctx, `SELECT id, run_id, received_at, type, level, text, raw, data_bytes
		FROM session_messages WHERE run_id=? ORDER BY id ASC`, runID)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "storage: query messages failed")
	}
	defer rows.Close()

	var out []MessageRecord
	for rows.Next() {
		var (
			rec      MessageRecord
			received int64
		)
		if err := rows.Scan(&rec.ID, &rec.RunID, &received, &rec.Type, &rec.Level, &rec.Text, &rec.Raw, &rec.DataBytes); err != nil {
			return nil, pkgerrors.Wrap(err, "storage: scan message failed")
		}
		rec.ReceivedAt = time.UnixMilli(received)
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, pkgerrors.Wrap(err, "storage: iterate messages failed")
	}
	return out, nil
}

func (j *Journal) exec(ctx context.Context, stmt string, args ...any) error {
	if j == nil || j.db == nil {
		return pkgerrors.New("storage: journal is closed")
	}
	log.Trace().Str("sql", formatSQLForLog(stmt, args...)).Msg("storage: exec")
	return execWithRetry(ctx, j.db, stmt, args...)
}

func execWithRetry(ctx context.Context, db *sql.DB, stmt string, args ...any) error {
	const maxAttempts = 3
	for attempt := 0; attempt < maxAttempts; attempt++ {
		_, err := db.ExecContext(ctx, stmt, args...)
		if err == nil {
			return nil
		}
		if !isSQLiteBusy(err) || attempt == maxAttempts-1 {
			return err
		}
		backoff := time.Duration(attempt+1) * 200 * time.Millisecond
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func isSQLiteBusy(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "sqlite_busy")
}

func truncateError(err error) string {
	if err == nil {
		return ""
	}
	msg := err.Error()
	if len(msg) <= maxErrorLength {
		return msg
	}
	return msg[:maxErrorLength]
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(strings.TrimSpace(name), `"`, `""`) + `"`
}
