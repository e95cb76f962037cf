// Copyright 2025 James Ross
package store

import (
	"database/sql"
	"strings"

	"github.com/flyingrobots/dubbing-orchestrator/internal/apperr"
)

// PutUser inserts or overwrites a user by id.
func (db *DB) PutUser(u *User) error {
	return db.withWriteLock(func() error {
		_, err := db.sql.Exec(`
			INSERT INTO users (id, username, password_hash, role, totp_secret, totp_enabled, created_at)
			VALUES (?,?,?,?,?,?,?)
			ON CONFLICT(id) DO UPDATE SET
				username=excluded.username, password_hash=excluded.password_hash,
				role=excluded.role, totp_secret=excluded.totp_secret, totp_enabled=excluded.totp_enabled
		`, u.ID, u.Username, u.PasswordHash, string(u.Role), u.TOTPSecret, boolToInt(u.TOTPEnabled), formatTime(u.CreatedAt))
		if err != nil {
			if isUniqueViolation(err) {
				return apperr.Conflict("username already taken")
			}
			return apperr.PersistFailed("put user", err)
		}
		return nil
	})
}

func (db *DB) GetUserByID(id string) (*User, error) {
	return scanUser(db.sql.QueryRow(userSelectColumns+` WHERE id = ?`, id))
}

// GetUserByUsername looks up a user case-insensitively (unique, per spec §3.2).
func (db *DB) GetUserByUsername(username string) (*User, error) {
	return scanUser(db.sql.QueryRow(userSelectColumns+` WHERE username = ? COLLATE NOCASE`, username))
}

const userSelectColumns = `SELECT id, username, password_hash, role, totp_secret, totp_enabled, created_at FROM users`

func scanUser(row *sql.Row) (*User, error) {
	var u User
	var role, createdAt string
	var totpEnabled int
	err := row.Scan(&u.ID, &u.Username, &u.PasswordHash, &role, &u.TOTPSecret, &totpEnabled, &createdAt)
	if err == sql.ErrNoRows {
		return nil, apperr.NotFound("user not found")
	}
	if err != nil {
		return nil, apperr.PersistFailed("get user", err)
	}
	u.Role = Role(role)
	u.TOTPEnabled = totpEnabled != 0
	u.CreatedAt, err = parseTime(createdAt)
	if err != nil {
		return nil, apperr.Internal("parse user created_at", err)
	}
	return &u, nil
}

// PutApiKey inserts a new API key row; prefix must be unique.
func (db *DB) PutApiKey(k *ApiKey) error {
	return db.withWriteLock(func() error {
		_, err := db.sql.Exec(`
			INSERT INTO api_keys (id, prefix, key_hash, scopes, user_id, created_at, revoked)
			VALUES (?,?,?,?,?,?,?)
		`, k.ID, k.Prefix, k.KeyHash, strings.Join(k.Scopes, ","), k.UserID, formatTime(k.CreatedAt), boolToInt(k.Revoked))
		if err != nil {
			if isUniqueViolation(err) {
				return apperr.Conflict("api key prefix already exists")
			}
			return apperr.PersistFailed("put api key", err)
		}
		return nil
	})
}

// GetApiKeyByPrefix looks up a key by its non-secret lookup prefix (spec §4.5).
func (db *DB) GetApiKeyByPrefix(prefix string) (*ApiKey, error) {
	row := db.sql.QueryRow(`
		SELECT id, prefix, key_hash, scopes, user_id, created_at, revoked
		FROM api_keys WHERE prefix = ?`, prefix)

	var k ApiKey
	var scopes, createdAt string
	var revoked int
	err := row.Scan(&k.ID, &k.Prefix, &k.KeyHash, &scopes, &k.UserID, &createdAt, &revoked)
	if err == sql.ErrNoRows {
		return nil, apperr.NotFound("api key not found")
	}
	if err != nil {
		return nil, apperr.PersistFailed("get api key", err)
	}
	if scopes != "" {
		k.Scopes = strings.Split(scopes, ",")
	}
	k.Revoked = revoked != 0
	k.CreatedAt, err = parseTime(createdAt)
	if err != nil {
		return nil, apperr.Internal("parse api key created_at", err)
	}
	return &k, nil
}

// RevokeApiKey marks a key permanently unusable; a revoked key authenticates
// no further requests (spec §3.2 invariant).
func (db *DB) RevokeApiKey(id string) error {
	return db.withWriteLock(func() error {
		res, err := db.sql.Exec(`UPDATE api_keys SET revoked = 1 WHERE id = ?`, id)
		if err != nil {
			return apperr.PersistFailed("revoke api key", err)
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			return apperr.NotFound("api key not found")
		}
		return nil
	})
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(strings.ToUpper(err.Error()), "UNIQUE CONSTRAINT")
}
