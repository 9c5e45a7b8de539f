// Package auth implements AuthService: password verification with
// per-source failure counting and lockout, fronting a UserStore.
package auth

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/rishavghosh108/mrx-mta/internal/model"
	"github.com/rishavghosh108/mrx-mta/internal/userstore"
)

// UserStore is the persistence interface AuthService depends on.
type UserStore interface {
	Get(username string) (model.User, error)
	Create(u model.User) error
	Update(u model.User) error
	ChangePassword(username, passwordHash string) error
	Delete(username string) error
}

// Config holds the lockout thresholds AuthService enforces.
type Config struct {
	MaxAttempts     int
	LockoutDuration time.Duration
}

// DefaultConfig matches the suggested defaults in the specification.
func DefaultConfig() Config {
	return Config{MaxAttempts: 5, LockoutDuration: 15 * time.Minute}
}

// Service is the AuthService: password verification plus per-peer-IP
// failure tracking and lockout, grounded on the lockout bookkeeping in
// original_source/services/auth_service.py but expressed idiomatically —
// a mutex-protected map of peer IP to failure timestamps, pruned on every
// access, following the single-writer-store guidance in the concurrency
// model.
type Service struct {
	store  UserStore
	cfg    Config
	mu     sync.Mutex
	failed map[string][]time.Time
}

// New constructs an AuthService over the given UserStore.
func New(store UserStore, cfg Config) *Service {
	return &Service{
		store:  store,
		cfg:    cfg,
		failed: make(map[string][]time.Time),
	}
}

// Authenticate verifies a username/password pair, enforcing peer-IP
// lockout first. Returns the user on success, or (nil, nil) on any
// authentication failure (missing user, disabled, bad password, locked
// out) — the caller (SMTPSession) is responsible for producing the 535/538
// reply; Authenticate itself never distinguishes the reason to the SMTP
// client, to avoid account enumeration.
func (s *Service) Authenticate(ctx context.Context, username, password, peerIP string) (*model.User, error) {
	now := time.Now().UTC()

	s.mu.Lock()
	s.prune(peerIP, now)
	if len(s.failed[peerIP]) >= s.cfg.MaxAttempts {
		s.mu.Unlock()
		return nil, nil
	}
	s.mu.Unlock()

	user, err := s.store.Get(username)
	if err != nil {
		if errors.Is(err, userstore.ErrNotFound) {
			s.recordFailure(peerIP, now)
			return nil, nil
		}
		return nil, err
	}
	if !user.Enabled {
		s.recordFailure(peerIP, now)
		return nil, nil
	}
	if bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)) != nil {
		s.recordFailure(peerIP, now)
		return nil, nil
	}

	s.mu.Lock()
	delete(s.failed, peerIP)
	s.mu.Unlock()

	user.LastLogin = now
	user.LoginCount++
	if err := s.store.Update(user); err != nil {
		return nil, err
	}
	return &user, nil
}

func (s *Service) recordFailure(peerIP string, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prune(peerIP, now)
	s.failed[peerIP] = append(s.failed[peerIP], now)
}

// prune drops failure timestamps older than LockoutDuration. Must be
// called with s.mu held.
func (s *Service) prune(peerIP string, now time.Time) {
	ts := s.failed[peerIP]
	if len(ts) == 0 {
		return
	}
	cutoff := now.Add(-s.cfg.LockoutDuration)
	kept := ts[:0]
	for _, t := range ts {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	if len(kept) == 0 {
		delete(s.failed, peerIP)
	} else {
		s.failed[peerIP] = kept
	}
}

// HashPassword one-way hashes a plaintext password for storage.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	return string(hash), err
}

// CreateUser hashes the password and creates a new user record.
func (s *Service) CreateUser(username, password string, rateLimit int, admin bool) error {
	hash, err := HashPassword(password)
	if err != nil {
		return err
	}
	return s.store.Create(model.User{
		Username:     username,
		PasswordHash: hash,
		RateLimit:    rateLimit,
		Admin:        admin,
		Enabled:      true,
	})
}

// ChangePassword hashes and stores a new password for an existing user.
func (s *Service) ChangePassword(username, password string) error {
	hash, err := HashPassword(password)
	if err != nil {
		return err
	}
	return s.store.ChangePassword(username, hash)
}

// DeleteUser removes a user record.
func (s *Service) DeleteUser(username string) error {
	return s.store.Delete(username)
}

// UpdateUser applies a mutation function to an existing user and persists
// the result.
func (s *Service) UpdateUser(username string, fn func(*model.User)) error {
	user, err := s.store.Get(username)
	if err != nil {
		return err
	}
	fn(&user)
	return s.store.Update(user)
}
