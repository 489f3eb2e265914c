// Package sqlitestore is the default durable store: one sqlite file in WAL mode holding balances and the
// idempotency log.
package sqlitestore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/huncho416/MythicPrisonCore/internal/persistence/store"
)

type Store struct {
	db   *sql.DB
	once sync.Once
}

var _ store.Store = (*Store)(nil)

func Open(path string) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("empty db path")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
	}

	// Write transactions take the database lock at BEGIN, so a compare-and-set reads and writes the version
	// under one lock even when other processes share the file.
	db, err := sql.Open("sqlite", path+"?_txlock=immediate&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, err
	}
	// Single connection per handle: a CAS transaction never interleaves with another writer here.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := initPragmas(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

func initPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA temp_store=MEMORY;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return err
		}
	}
	return nil
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS balances (
			account TEXT PRIMARY KEY,
			player TEXT NOT NULL,
			currency TEXT NOT NULL,
			balance INTEGER NOT NULL CHECK (balance >= 0),
			version INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_balances_player ON balances(player);`,
		`CREATE TABLE IF NOT EXISTS applied (
			key TEXT PRIMARY KEY,
			account TEXT NOT NULL,
			applied_at INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_applied_at ON applied(applied_at);`,
		`INSERT OR REPLACE INTO meta(key,value) VALUES('schema_version','1');`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) Close() error {
	var err error
	s.once.Do(func() {
		err = s.db.Close()
	})
	return err
}

func (s *Store) Get(ctx context.Context, acct store.Account) (store.Record, error) {
	rec := store.Record{Account: acct}
	var updated int64
	err := s.db.QueryRowContext(ctx,
		`SELECT balance, version, updated_at FROM balances WHERE account = ?`, acct.Key(),
	).Scan(&rec.Balance, &rec.Version, &updated)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return rec, nil
	case err != nil:
		return store.Record{}, store.Unavailable("sqlite get", err)
	}
	rec.UpdatedAt = time.Unix(0, updated).UTC()
	return rec, nil
}

func (s *Store) CompareAndSet(ctx context.Context, acct store.Account, expectedVersion uint64, balance int64, idemKey string) (store.Record, error) {
	if err := store.ValidateWrite(acct, balance); err != nil {
		return store.Record{}, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return store.Record{}, store.Unavailable("sqlite begin", err)
	}
	defer func() { _ = tx.Rollback() }()

	if idemKey != "" {
		var one int
		err := tx.QueryRowContext(ctx, `SELECT 1 FROM applied WHERE key = ?`, idemKey).Scan(&one)
		switch {
		case err == nil:
			return store.Record{}, store.ErrDuplicate
		case !errors.Is(err, sql.ErrNoRows):
			return store.Record{}, store.Unavailable("sqlite applied lookup", err)
		}
	}

	var cur uint64
	err = tx.QueryRowContext(ctx, `SELECT version FROM balances WHERE account = ?`, acct.Key()).Scan(&cur)
	exists := err == nil
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return store.Record{}, store.Unavailable("sqlite version lookup", err)
	}
	if cur != expectedVersion {
		return store.Record{}, store.ErrVersionConflict
	}

	now := time.Now().UTC()
	next := expectedVersion + 1
	if exists {
		res, err := tx.ExecContext(ctx,
			`UPDATE balances SET balance = ?, version = ?, updated_at = ? WHERE account = ? AND version = ?`,
			balance, next, now.UnixNano(), acct.Key(), expectedVersion)
		if err != nil {
			return store.Record{}, store.Unavailable("sqlite update", err)
		}
		if n, _ := res.RowsAffected(); n != 1 {
			return store.Record{}, store.ErrVersionConflict
		}
	} else {
		res, err := tx.ExecContext(ctx,
			`INSERT INTO balances(account,player,currency,balance,version,updated_at) VALUES(?,?,?,?,?,?)
			ON CONFLICT(account) DO NOTHING`,
			acct.Key(), acct.Player, acct.Currency, balance, next, now.UnixNano())
		if err != nil {
			return store.Record{}, store.Unavailable("sqlite insert", err)
		}
		if n, _ := res.RowsAffected(); n != 1 {
			// another writer created the account first
			return store.Record{}, store.ErrVersionConflict
		}
	}
	if idemKey != "" {
		res, err := tx.ExecContext(ctx,
			`INSERT INTO applied(key,account,applied_at) VALUES(?,?,?) ON CONFLICT(key) DO NOTHING`,
			idemKey, acct.Key(), now.UnixNano())
		if err != nil {
			return store.Record{}, store.Unavailable("sqlite record key", err)
		}
		if n, _ := res.RowsAffected(); n != 1 {
			return store.Record{}, store.ErrDuplicate
		}
	}
	if err := tx.Commit(); err != nil {
		return store.Record{}, store.Unavailable("sqlite commit", err)
	}
	return store.Record{Account: acct, Balance: balance, Version: next, UpdatedAt: now}, nil
}

func (s *Store) Applied(ctx context.Context, idemKey string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM applied WHERE key = ?`, idemKey).Scan(&one)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, sql.ErrNoRows):
		return false, nil
	default:
		return false, store.Unavailable("sqlite applied", err)
	}
}

func (s *Store) PruneApplied(ctx context.Context, before time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM applied WHERE applied_at < ?`, before.UnixNano())
	if err != nil {
		return 0, store.Unavailable("sqlite prune", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}
