package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/layer-3/passkeyd/core"
	"github.com/layer-3/passkeyd/ports"
)

const schema = `
CREATE TABLE IF NOT EXISTS users (
	id           TEXT PRIMARY KEY,
	did          TEXT NOT NULL DEFAULT '',
	display_name TEXT NOT NULL DEFAULT '',
	created_at   INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS credentials (
	credential_id    TEXT PRIMARY KEY,
	user_id          TEXT NOT NULL REFERENCES users(id),
	public_key       BLOB NOT NULL,
	sign_count       INTEGER NOT NULL DEFAULT 0,
	device_label     TEXT NOT NULL DEFAULT '',
	attestation_type TEXT NOT NULL DEFAULT '',
	transports       TEXT NOT NULL DEFAULT '[]',
	created_at       INTEGER NOT NULL,
	last_used_at     INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_credentials_user ON credentials(user_id);

CREATE TABLE IF NOT EXISTS sessions (
	id                 TEXT PRIMARY KEY,
	user_id            TEXT NOT NULL REFERENCES users(id),
	issued_at          INTEGER NOT NULL,
	expires_at         INTEGER NOT NULL,
	last_used_at       INTEGER NOT NULL,
	device_fingerprint TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_sessions_user ON sessions(user_id);
`

// SQLiteRepository implements ports.Repository on a SQLite database
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository opens (or creates) the database at path and applies the schema
func NewSQLiteRepository(path string) (*SQLiteRepository, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// A single connection serialises writers and keeps :memory: databases shared.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &SQLiteRepository{db: db}, nil
}

// Close closes the database
func (r *SQLiteRepository) Close() error {
	return r.db.Close()
}

func (r *SQLiteRepository) GetUser(ctx context.Context, id string) (*core.User, error) {
	var (
		u       core.User
		created int64
	)
	err := r.db.QueryRowContext(ctx,
		`SELECT id, did, display_name, created_at FROM users WHERE id = ?`, id,
	).Scan(&u.ID, &u.DID, &u.DisplayName, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, core.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	u.CreatedAt = fromMillis(created)
	return &u, nil
}

func (r *SQLiteRepository) CreateUserWithCredential(ctx context.Context, user *core.User, cred *core.Credential) error {
	transports, err := json.Marshal(cred.Transports)
	if err != nil {
		return fmt.Errorf("failed to encode transports: %w", err)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var exists int
	err = tx.QueryRowContext(ctx, `SELECT 1 FROM credentials WHERE credential_id = ?`, cred.CredentialID).Scan(&exists)
	if err == nil {
		return core.ErrAlreadyExists
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("failed to check credential: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO users (id, did, display_name, created_at) VALUES (?, ?, ?, ?)`,
		user.ID, user.DID, user.DisplayName, toMillis(user.CreatedAt),
	); err != nil {
		return mapConstraint(fmt.Errorf("failed to insert user: %w", err))
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO credentials (credential_id, user_id, public_key, sign_count, device_label, attestation_type, transports, created_at, last_used_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		cred.CredentialID, cred.OwnerUserID, cred.PublicKey, cred.SignCount, cred.DeviceLabel,
		cred.AttestationType, string(transports), toMillis(cred.CreatedAt), toMillis(cred.LastUsedAt),
	); err != nil {
		return mapConstraint(fmt.Errorf("failed to insert credential: %w", err))
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	return nil
}

func (r *SQLiteRepository) GetCredential(ctx context.Context, credentialID string) (*core.Credential, error) {
	var (
		c                 core.Credential
		transports        string
		created, lastUsed int64
	)
	err := r.db.QueryRowContext(ctx,
		`SELECT credential_id, user_id, public_key, sign_count, device_label, attestation_type, transports, created_at, last_used_at
		 FROM credentials WHERE credential_id = ?`, credentialID,
	).Scan(&c.CredentialID, &c.OwnerUserID, &c.PublicKey, &c.SignCount, &c.DeviceLabel,
		&c.AttestationType, &transports, &created, &lastUsed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, core.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get credential: %w", err)
	}
	if err := json.Unmarshal([]byte(transports), &c.Transports); err != nil {
		return nil, fmt.Errorf("failed to decode transports: %w", err)
	}
	c.CreatedAt = fromMillis(created)
	c.LastUsedAt = fromMillis(lastUsed)
	return &c, nil
}

func (r *SQLiteRepository) AdvanceSignCount(ctx context.Context, credentialID string, counter uint32, usedAt time.Time) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE credentials SET sign_count = ?, last_used_at = ? WHERE credential_id = ? AND sign_count < ?`,
		counter, toMillis(usedAt), credentialID, counter,
	)
	if err != nil {
		return fmt.Errorf("failed to update sign count: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update sign count: %w", err)
	}
	if n == 1 {
		return nil
	}

	if _, err := r.GetCredential(ctx, credentialID); err != nil {
		return err
	}
	return core.ErrCounterReplay
}

func (r *SQLiteRepository) CreateSession(ctx context.Context, session *core.Session) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO sessions (id, user_id, issued_at, expires_at, last_used_at, device_fingerprint) VALUES (?, ?, ?, ?, ?, ?)`,
		session.ID, session.UserID, toMillis(session.IssuedAt), toMillis(session.ExpiresAt),
		toMillis(session.LastUsedAt), session.DeviceFingerprint,
	)
	if err != nil {
		return mapConstraint(fmt.Errorf("failed to insert session: %w", err))
	}
	return nil
}

func (r *SQLiteRepository) GetSession(ctx context.Context, id string) (*core.Session, error) {
	var (
		s                         core.Session
		issued, expires, lastUsed int64
	)
	err := r.db.QueryRowContext(ctx,
		`SELECT id, user_id, issued_at, expires_at, last_used_at, device_fingerprint FROM sessions WHERE id = ?`, id,
	).Scan(&s.ID, &s.UserID, &issued, &expires, &lastUsed, &s.DeviceFingerprint)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, core.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	s.IssuedAt = fromMillis(issued)
	s.ExpiresAt = fromMillis(expires)
	s.LastUsedAt = fromMillis(lastUsed)
	return &s, nil
}

func (r *SQLiteRepository) TouchSession(ctx context.Context, id string, usedAt time.Time) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE sessions SET last_used_at = MAX(last_used_at, ?) WHERE id = ?`, toMillis(usedAt), id,
	)
	if err != nil {
		return fmt.Errorf("failed to touch session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return core.ErrNotFound
	}
	return nil
}

func mapConstraint(err error) error {
	if strings.Contains(err.Error(), "UNIQUE constraint failed") {
		return fmt.Errorf("%w: %v", core.ErrAlreadyExists, err)
	}
	return err
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

var _ ports.Repository = (*SQLiteRepository)(nil)
