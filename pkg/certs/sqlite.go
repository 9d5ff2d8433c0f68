package certs

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/perbu/harreplay/pkg/topology"
)

const sqliteSchema = `CREATE TABLE IF NOT EXISTS certificates (
	identity   TEXT PRIMARY KEY,
	key_pem    BLOB NOT NULL,
	cert_pem   BLOB NOT NULL,
	created_at INTEGER NOT NULL
)`

// SQLiteStore keeps pairs in a single SQLite table keyed by identity.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLiteStore opens or creates the database at path.
func OpenSQLiteStore(path string) (*SQLiteStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("certificate database path is required")
	}
	dsn := filepath.Clean(path) + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening certificate database: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("pinging certificate database: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("creating certificate table: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Get(ctx context.Context, id topology.Identity) (*KeyPair, error) {
	var kp KeyPair
	err := s.db.QueryRowContext(ctx,
		`SELECT key_pem, cert_pem FROM certificates WHERE identity = ?`, id.String(),
	).Scan(&kp.Key, &kp.Cert)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("reading certificate for %s: %w", id, err)
	}
	return &kp, nil
}

func (s *SQLiteStore) Put(ctx context.Context, id topology.Identity, kp *KeyPair) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO certificates (identity, key_pem, cert_pem, created_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(identity) DO UPDATE SET key_pem = excluded.key_pem, cert_pem = excluded.cert_pem`,
		id.String(), kp.Key, kp.Cert, time.Now().UTC().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("writing certificate for %s: %w", id, err)
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
