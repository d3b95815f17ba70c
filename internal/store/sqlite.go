package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/f-sync/followsync/internal/profile"
	_ "modernc.org/sqlite"
)

const (
	sqliteDriverName   = "sqlite"
	sqliteDSNOptions   = "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	sqliteCreateSchema = `CREATE TABLE IF NOT EXISTS session_entries (
	entry_key TEXT PRIMARY KEY,
	entry_value BLOB NOT NULL
)`
	sqliteSelectEntry = `SELECT entry_value FROM session_entries WHERE entry_key = ?`
	sqliteUpsertEntry = `INSERT INTO session_entries (entry_key, entry_value) VALUES (?, ?)
ON CONFLICT(entry_key) DO UPDATE SET entry_value = excluded.entry_value`
	sqliteDeleteEntry = `DELETE FROM session_entries WHERE entry_key = ?`
	sqliteDeleteAll   = `DELETE FROM session_entries WHERE entry_key IN (?, ?)`

	errMessageEmptySQLitePath = "sqlite storage path is required"
	errMessageOpenSQLite      = "open sqlite db"
	errMessagePingSQLite      = "ping sqlite db"
	errMessageMigrateSQLite   = "create session schema"
	errMessageQuerySQLite     = "query session entry"
	errMessageBeginSQLite     = "begin session transaction"
	errMessageWriteSQLite     = "write session entry"
	errMessageCommitSQLite    = "commit session transaction"
	errMessageSQLiteClosed    = "sqlite store is not open"
)

// ErrSQLiteClosed is returned by operations on a closed or unopened SQLiteStore.
var ErrSQLiteClosed = errors.New(errMessageSQLiteClosed)

// SQLiteStore keeps the session in a two-row SQLite table.
type SQLiteStore struct {
	sqlDB *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

// OpenSQLite opens (creating when absent) a SQLite session database at path.
func OpenSQLite(ctx context.Context, path string) (*SQLiteStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New(errMessageEmptySQLitePath)
	}
	dsn := filepath.Clean(path) + sqliteDSNOptions
	sqlDB, err := sql.Open(sqliteDriverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", errMessageOpenSQLite, err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := sqlDB.PingContext(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("%s: %w", errMessagePingSQLite, err)
	}
	if _, err := sqlDB.ExecContext(ctx, sqliteCreateSchema); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("%s: %w", errMessageMigrateSQLite, err)
	}
	return &SQLiteStore{sqlDB: sqlDB}, nil
}

// Close closes the SQLite handle.
func (sqliteStore *SQLiteStore) Close() error {
	if sqliteStore == nil || sqliteStore.sqlDB == nil {
		return nil
	}
	return sqliteStore.sqlDB.Close()
}

func (sqliteStore *SQLiteStore) Token(ctx context.Context) (string, error) {
	value, err := sqliteStore.readEntry(ctx, tokenKey)
	if err != nil {
		return "", err
	}
	return string(value), nil
}

func (sqliteStore *SQLiteStore) SavedProfile(ctx context.Context) (*profile.Profile, error) {
	value, err := sqliteStore.readEntry(ctx, profileKey)
	if err != nil {
		return nil, err
	}
	return decodeProfile(value)
}

func (sqliteStore *SQLiteStore) Save(ctx context.Context, entry Entry) error {
	if err := validateEntry(entry); err != nil {
		return err
	}
	var encodedProfile []byte
	if entry.Profile != nil {
		encoded, err := encodeProfile(*entry.Profile)
		if err != nil {
			return err
		}
		encodedProfile = encoded
	}
	return sqliteStore.inTransaction(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, sqliteUpsertEntry, tokenKey, []byte(entry.Token)); err != nil {
			return fmt.Errorf("%s: %w", errMessageWriteSQLite, err)
		}
		if encodedProfile == nil {
			if _, err := tx.ExecContext(ctx, sqliteDeleteEntry, profileKey); err != nil {
				return fmt.Errorf("%s: %w", errMessageWriteSQLite, err)
			}
			return nil
		}
		if _, err := tx.ExecContext(ctx, sqliteUpsertEntry, profileKey, encodedProfile); err != nil {
			return fmt.Errorf("%s: %w", errMessageWriteSQLite, err)
		}
		return nil
	})
}

func (sqliteStore *SQLiteStore) SaveProfile(ctx context.Context, snapshot profile.Profile) error {
	encodedProfile, err := encodeProfile(snapshot)
	if err != nil {
		return err
	}
	return sqliteStore.inTransaction(ctx, func(tx *sql.Tx) error {
		var token []byte
		scanErr := tx.QueryRowContext(ctx, sqliteSelectEntry, tokenKey).Scan(&token)
		if errors.Is(scanErr, sql.ErrNoRows) || (scanErr == nil && len(token) == 0) {
			return ErrNoSession
		}
		if scanErr != nil {
			return fmt.Errorf("%s: %w", errMessageQuerySQLite, scanErr)
		}
		if _, err := tx.ExecContext(ctx, sqliteUpsertEntry, profileKey, encodedProfile); err != nil {
			return fmt.Errorf("%s: %w", errMessageWriteSQLite, err)
		}
		return nil
	})
}

func (sqliteStore *SQLiteStore) Clear(ctx context.Context) error {
	return sqliteStore.inTransaction(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, sqliteDeleteAll, tokenKey, profileKey); err != nil {
			return fmt.Errorf("%s: %w", errMessageWriteSQLite, err)
		}
		return nil
	})
}

func (sqliteStore *SQLiteStore) readEntry(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if sqliteStore == nil || sqliteStore.sqlDB == nil {
		return nil, ErrSQLiteClosed
	}
	var value []byte
	err := sqliteStore.sqlDB.QueryRowContext(ctx, sqliteSelectEntry, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", errMessageQuerySQLite, err)
	}
	return value, nil
}

func (sqliteStore *SQLiteStore) inTransaction(ctx context.Context, apply func(tx *sql.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if sqliteStore == nil || sqliteStore.sqlDB == nil {
		return ErrSQLiteClosed
	}
	tx, err := sqliteStore.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%s: %w", errMessageBeginSQLite, err)
	}
	if err := apply(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%s: %w", errMessageCommitSQLite, err)
	}
	return nil
}
