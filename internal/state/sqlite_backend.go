package state

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/stackr-io/stackr/internal/ir"

	_ "modernc.org/sqlite"
)

//go:embed migrations/001_snapshots.sql
var sqliteMigration string

// Revision describes one committed snapshot kept by the SQLite backend.
type Revision struct {
	Serial    int
	Lineage   string
	CreatedAt time.Time
}

// SQLiteBackend keeps every committed snapshot of a workspace in an SQLite
// database. The newest serial is the current state.
type SQLiteBackend struct {
	db        *sql.DB
	path      string
	workspace string
	holder    string
}

// NewSQLiteBackend opens (creating if needed) the database at path. Use
// ":memory:" for an in-memory database.
func NewSQLiteBackend(path, workspace string) (*SQLiteBackend, error) {
	dsn := path
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create state directory: %w", err)
		}
		sep := "?"
		if strings.Contains(dsn, "?") {
			sep = "&"
		}
		dsn += sep + "_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One connection serializes writers and keeps :memory: databases alive.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(sqliteMigration); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	if workspace == "" {
		workspace = DefaultWorkspace
	}
	return &SQLiteBackend{db: db, path: path, workspace: workspace}, nil
}

func (b *SQLiteBackend) location() string {
	return fmt.Sprintf("sqlite://%s#%s", b.path, b.workspace)
}

func (b *SQLiteBackend) Close() error {
	return b.db.Close()
}

func (b *SQLiteBackend) Load(ctx context.Context) (*ir.Snapshot, error) {
	var data string
	err := b.db.QueryRowContext(ctx, `
		SELECT data FROM snapshots
		WHERE workspace = ?
		ORDER BY serial DESC
		LIMIT 1
	`, b.workspace).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return ir.NewSnapshot(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read state from %s: %w", b.location(), err)
	}
	return b.decode(data)
}

// Revision loads a specific committed serial.
func (b *SQLiteBackend) Revision(ctx context.Context, serial int) (*ir.Snapshot, error) {
	var data string
	err := b.db.QueryRowContext(ctx, `
		SELECT data FROM snapshots WHERE workspace = ? AND serial = ?
	`, b.workspace, serial).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("serial %d not found in %s", serial, b.location())
	}
	if err != nil {
		return nil, err
	}
	return b.decode(data)
}

func (b *SQLiteBackend) decode(data string) (*ir.Snapshot, error) {
	content, err := DecryptState([]byte(data))
	if err != nil {
		return nil, &CorruptError{Location: b.location(), Reason: "cannot decrypt", Err: err}
	}
	return Decode(content, b.location())
}

// Commit inserts the snapshot as a new revision inside one transaction. The
// serial must be greater than every serial already stored.
func (b *SQLiteBackend) Commit(ctx context.Context, snap *ir.Snapshot) error {
	data, err := Encode(snap)
	if err != nil {
		return err
	}
	data, err = EncryptState(data)
	if err != nil {
		return fmt.Errorf("failed to encrypt state: %w", err)
	}

	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var current sql.NullInt64
	if err := tx.QueryRowContext(ctx, `SELECT MAX(serial) FROM snapshots WHERE workspace = ?`, b.workspace).Scan(&current); err != nil {
		return fmt.Errorf("read current serial: %w", err)
	}
	if current.Valid && int64(snap.Serial) <= current.Int64 {
		return fmt.Errorf("%w: commit serial %d is not newer than stored serial %d", ErrSerialConflict, snap.Serial, current.Int64)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO snapshots (workspace, serial, lineage, data, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, b.workspace, snap.Serial, snap.Lineage, string(data), time.Now().UTC().Format(time.RFC3339Nano)); err != nil {
		return fmt.Errorf("insert snapshot: %w", err)
	}
	return tx.Commit()
}

// History lists the committed revisions of the workspace, newest first.
func (b *SQLiteBackend) History(ctx context.Context) ([]Revision, error) {
	rows, err := b.db.QueryContext(ctx, `
		SELECT serial, lineage, created_at FROM snapshots
		WHERE workspace = ?
		ORDER BY serial DESC
	`, b.workspace)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var revs []Revision
	for rows.Next() {
		var rev Revision
		var created string
		if err := rows.Scan(&rev.Serial, &rev.Lineage, &created); err != nil {
			return nil, err
		}
		rev.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
		revs = append(revs, rev)
	}
	return revs, rows.Err()
}

// Lock takes the workspace lock. Locks older than StaleLockAge are expired.
func (b *SQLiteBackend) Lock() error {
	ctx := context.Background()
	now := time.Now().UTC()

	_, _ = b.db.ExecContext(ctx, `DELETE FROM state_locks WHERE expires_at < ?`, now.Format(time.RFC3339))

	holder := uuid.NewString()
	_, err := b.db.ExecContext(ctx, `
		INSERT INTO state_locks (workspace, holder, acquired_at, expires_at)
		VALUES (?, ?, ?, ?)
	`, b.workspace, holder, now.Format(time.RFC3339), now.Add(StaleLockAge).Format(time.RFC3339))
	if err != nil {
		var current string
		_ = b.db.QueryRowContext(ctx, `SELECT holder FROM state_locks WHERE workspace = ?`, b.workspace).Scan(&current)
		return &LockedError{Location: b.location(), Holder: current}
	}
	b.holder = holder
	return nil
}

// RefreshLock pushes the lock's expiry StaleLockAge into the future.
func (b *SQLiteBackend) RefreshLock() error {
	if b.holder == "" {
		return fmt.Errorf("%w: %s", ErrLockLost, b.location())
	}
	res, err := b.db.ExecContext(context.Background(),
		`UPDATE state_locks SET expires_at = ? WHERE workspace = ? AND holder = ?`,
		time.Now().UTC().Add(StaleLockAge).Format(time.RFC3339), b.workspace, b.holder)
	if err != nil {
		return fmt.Errorf("failed to refresh lock: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %s", ErrLockLost, b.location())
	}
	return nil
}

func (b *SQLiteBackend) Unlock() error {
	if b.holder == "" {
		return nil
	}
	_, err := b.db.ExecContext(context.Background(),
		`DELETE FROM state_locks WHERE workspace = ? AND holder = ?`, b.workspace, b.holder)
	if err != nil {
		return fmt.Errorf("failed to release lock: %w", err)
	}
	b.holder = ""
	return nil
}
