package model

import "time"

// User is a credential record keyed by username, as stored in UserStore.
type User struct {
	Username     string
	PasswordHash string
	Enabled      bool
	Admin        bool
	RateLimit    int // per-hour send cap
	LastLogin    time.Time
	LoginCount   int
}
