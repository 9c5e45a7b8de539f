package model

import "time"

// RuleType distinguishes blacklist from whitelist PolicyRule entries.
type RuleType string

const (
	RuleBlacklist RuleType = "blacklist"
	RuleWhitelist RuleType = "whitelist"
)

// PolicyRule is a single blacklist or whitelist entry. Target is an IP
// literal, a domain, or a full email address; the caller decides which
// representation to match against.
type PolicyRule struct {
	RuleType  RuleType
	Target    string
	Action    string
	Reason    string
	Enabled   bool
	ExpiresAt *time.Time
}

// Expired reports whether the rule's ExpiresAt has passed as of now.
func (r *PolicyRule) Expired(now time.Time) bool {
	return r.ExpiresAt != nil && now.After(*r.ExpiresAt)
}

// RateBucket is the persisted state of a token bucket, keyed by
// (Identifier, LimitType).
type RateBucket struct {
	Identifier       string
	LimitType        string
	Capacity         float64
	Tokens           float64
	RefillRate       float64 // tokens per second
	LastRefill       time.Time
	TotalRequests    int64
	RejectedRequests int64
}

// GreylistEntry tracks a (sender, recipient, peer_ip) triplet under
// greylisting evaluation.
type GreylistEntry struct {
	Triplet   string
	FirstSeen time.Time
	LastSeen  time.Time
	Attempts  int
	Passed    bool
}

// GreylistTriplet composes the canonical key for a greylist lookup.
func GreylistTriplet(sender, recipient, peerIP string) string {
	return sender + ":" + recipient + ":" + peerIP
}
