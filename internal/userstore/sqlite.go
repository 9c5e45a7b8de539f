// Package userstore persists credential records keyed by username.
//
// Grounded on Goofygiraffe06-zinc's store/sqlite.go: a thin database/sql
// wrapper around mattn/go-sqlite3 with an inline schema and sentinel
// errors for constraint violations.
package userstore

import (
	"database/sql"
	"errors"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/rishavghosh108/mrx-mta/internal/model"
)

// ErrUserExists is returned by Create when the username is already taken.
var ErrUserExists = errors.New("userstore: user already exists")

// ErrNotFound is returned when a lookup finds no matching user.
var ErrNotFound = errors.New("userstore: user not found")

const schema = `
CREATE TABLE IF NOT EXISTS users (
	username      TEXT PRIMARY KEY NOT NULL CHECK(username <> ''),
	password_hash TEXT NOT NULL,
	enabled       INTEGER NOT NULL DEFAULT 1,
	admin         INTEGER NOT NULL DEFAULT 0,
	rate_limit    INTEGER NOT NULL DEFAULT 0,
	last_login    INTEGER NOT NULL DEFAULT 0,
	login_count   INTEGER NOT NULL DEFAULT 0
);`

// Store is a SQLite-backed UserStore.
type Store struct {
	db *sql.DB
}

// Open opens (creating if necessary) a SQLite database at path and ensures
// the users table exists.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Create inserts a new user record.
func (s *Store) Create(u model.User) error {
	_, err := s.db.Exec(`
		INSERT INTO users (username, password_hash, enabled, admin, rate_limit, last_login, login_count)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		u.Username, u.PasswordHash, boolToInt(u.Enabled), boolToInt(u.Admin),
		u.RateLimit, u.LastLogin.Unix(), u.LoginCount,
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return ErrUserExists
		}
		return err
	}
	return nil
}

// Get looks up a user by username.
func (s *Store) Get(username string) (model.User, error) {
	var u model.User
	var enabled, admin int
	var lastLogin int64
	err := s.db.QueryRow(`
		SELECT username, password_hash, enabled, admin, rate_limit, last_login, login_count
		FROM users WHERE username = ?`, username).Scan(
		&u.Username, &u.PasswordHash, &enabled, &admin, &u.RateLimit, &lastLogin, &u.LoginCount,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.User{}, ErrNotFound
		}
		return model.User{}, err
	}
	u.Enabled = enabled != 0
	u.Admin = admin != 0
	if lastLogin > 0 {
		u.LastLogin = time.Unix(lastLogin, 0).UTC()
	}
	return u, nil
}

// Update persists the full set of mutable fields for an existing user.
func (s *Store) Update(u model.User) error {
	res, err := s.db.Exec(`
		UPDATE users SET password_hash=?, enabled=?, admin=?, rate_limit=?, last_login=?, login_count=?
		WHERE username=?`,
		u.PasswordHash, boolToInt(u.Enabled), boolToInt(u.Admin), u.RateLimit,
		u.LastLogin.Unix(), u.LoginCount, u.Username,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ChangePassword updates only the password hash of an existing user.
func (s *Store) ChangePassword(username, passwordHash string) error {
	res, err := s.db.Exec(`UPDATE users SET password_hash=? WHERE username=?`, passwordHash, username)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// Delete removes a user record.
func (s *Store) Delete(username string) error {
	res, err := s.db.Exec(`DELETE FROM users WHERE username=?`, username)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
