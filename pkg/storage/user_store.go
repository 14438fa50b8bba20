package storage

import (
	"crypto/sha256"
	"crypto/subtle"
	"database/sql"
	"encoding/hex"
	"strings"

	apperrors "github.com/odvcencio/paddock/pkg/errors"
)

// User represents an account that can authenticate against the gateway.
type User struct {
	Username     string `json:"username"`
	PasswordHash string `json:"-"`
	IsAdmin      bool   `json:"isAdmin"`
	DailyLimit   int    `json:"dailyLimit"`
}

func hashSecret(secret string) string {
	trimmed := strings.TrimSpace(secret)
	sum := sha256.Sum256([]byte(trimmed))
	return hex.EncodeToString(sum[:])
}

// dummyHash keeps the comparison cost constant when the user does not exist.
var dummyHash = hashSecret("paddock-nonexistent-user")

// Authenticate verifies the supplied credentials and returns the user record.
// The hash comparison is constant-time and runs even when the username is
// unknown so response timing does not reveal account existence.
func (s *Store) Authenticate(username, password string) (*User, error) {
	if s == nil || s.db == nil {
		return nil, ErrStoreClosed
	}

	user, err := s.GetUser(username)
	if err != nil && !apperrors.IsCode(err, apperrors.ErrCodeNotFound) {
		return nil, err
	}

	stored := dummyHash
	if user != nil {
		stored = user.PasswordHash
	}
	match := subtle.ConstantTimeCompare([]byte(stored), []byte(hashSecret(password))) == 1
	if user == nil || !match {
		return nil, apperrors.New(apperrors.ErrCodeUnauthorized, "invalid username or password")
	}
	return user, nil
}

// GetUser fetches a single user record.
func (s *Store) GetUser(username string) (*User, error) {
	if s == nil || s.db == nil {
		return nil, ErrStoreClosed
	}
	var user User
	err := s.db.QueryRow(`
		SELECT username, password_hash, is_admin, daily_limit
		FROM users WHERE username = ?
	`, username).Scan(&user.Username, &user.PasswordHash, &user.IsAdmin, &user.DailyLimit)
	if err == sql.ErrNoRows {
		return nil, apperrors.Newf(apperrors.ErrCodeNotFound, "user %q not found", username)
	}
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeStorageRead, "failed to read user")
	}
	return &user, nil
}

// RequireAdmin fails unless the named user exists and is an administrator.
func (s *Store) RequireAdmin(username string) error {
	user, err := s.GetUser(username)
	if err != nil {
		return err
	}
	if !user.IsAdmin {
		return apperrors.New(apperrors.ErrCodeForbidden, "administrator access required").
			WithContext("username", username)
	}
	return nil
}

// UpsertUser creates or updates a non-admin account. Admin records cannot be
// overwritten through this path.
func (s *Store) UpsertUser(username, password string, dailyLimit int) error {
	if s == nil || s.db == nil {
		return ErrStoreClosed
	}
	username = strings.TrimSpace(username)
	if username == "" {
		return apperrors.New(apperrors.ErrCodeInvalidInput, "username cannot be empty")
	}
	if dailyLimit < 0 {
		return apperrors.Newf(apperrors.ErrCodeInvalidInput, "daily limit must be non-negative, got %d", dailyLimit)
	}

	existing, err := s.GetUser(username)
	if err != nil && !apperrors.IsCode(err, apperrors.ErrCodeNotFound) {
		return err
	}
	if existing != nil && existing.IsAdmin {
		return apperrors.New(apperrors.ErrCodeForbidden, "cannot modify an administrator account").
			WithContext("username", username)
	}

	_, err = s.db.Exec(`
		INSERT INTO users (username, password_hash, is_admin, daily_limit)
		VALUES (?, ?, FALSE, ?)
		ON CONFLICT(username) DO UPDATE SET password_hash = excluded.password_hash, daily_limit = excluded.daily_limit
	`, username, hashSecret(password), dailyLimit)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeStorageWrite, "failed to upsert user")
	}
	return nil
}

// CreateAdmin inserts the administrator account created at first run.
// Administrators carry DailyLimit 0 and are exempt from quota checks.
func (s *Store) CreateAdmin(username, password string) error {
	if s == nil || s.db == nil {
		return ErrStoreClosed
	}
	username = strings.TrimSpace(username)
	if username == "" {
		return apperrors.New(apperrors.ErrCodeInvalidInput, "username cannot be empty")
	}
	_, err := s.db.Exec(`
		INSERT INTO users (username, password_hash, is_admin, daily_limit)
		VALUES (?, ?, TRUE, 0)
	`, username, hashSecret(password))
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeStorageWrite, "failed to create admin")
	}
	return nil
}

// DeleteUser removes a non-admin account. Administrator records are never
// deletable through this path, so the sole admin cannot lock itself out.
func (s *Store) DeleteUser(username string) error {
	if s == nil || s.db == nil {
		return ErrStoreClosed
	}
	user, err := s.GetUser(username)
	if err != nil {
		return err
	}
	if user.IsAdmin {
		return apperrors.New(apperrors.ErrCodeForbidden, "cannot delete an administrator account").
			WithContext("username", username)
	}
	if _, err := s.db.Exec(`DELETE FROM users WHERE username = ?`, username); err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeStorageWrite, "failed to delete user")
	}
	return nil
}

// ListUsers returns every account, admins first then by username.
func (s *Store) ListUsers() ([]User, error) {
	if s == nil || s.db == nil {
		return nil, ErrStoreClosed
	}
	rows, err := s.db.Query(`
		SELECT username, password_hash, is_admin, daily_limit
		FROM users ORDER BY is_admin DESC, username ASC
	`)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeStorageRead, "failed to list users")
	}
	defer rows.Close()

	var users []User
	for rows.Next() {
		var user User
		if err := rows.Scan(&user.Username, &user.PasswordHash, &user.IsAdmin, &user.DailyLimit); err != nil {
			return nil, apperrors.Wrap(err, apperrors.ErrCodeStorageRead, "failed to scan user")
		}
		users = append(users, user)
	}
	return users, rows.Err()
}

// HasAdmin reports whether any administrator account exists. Used by the
// first-run bootstrap to decide whether to prompt.
func (s *Store) HasAdmin() (bool, error) {
	if s == nil || s.db == nil {
		return false, ErrStoreClosed
	}
	var count int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM users WHERE is_admin`).Scan(&count); err != nil {
		return false, apperrors.Wrap(err, apperrors.ErrCodeStorageRead, "failed to count admins")
	}
	return count > 0, nil
}
