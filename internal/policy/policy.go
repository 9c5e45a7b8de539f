// Package policy implements PolicyService: blacklist/whitelist lookup,
// token-bucket rate limiting, and greylisting, grounded on
// original_source/services/policy_service.py's decision surface but
// expressed over the Go RuleStore/VolatileStore rather than flat JSON
// files.
package policy

import (
	"context"
	"time"

	"github.com/rishavghosh108/mrx-mta/internal/model"
)

// RuleStore is the blacklist/whitelist persistence interface.
type RuleStore interface {
	Matches(ruleType model.RuleType, targets ...string) (model.PolicyRule, bool, error)
	Add(rule model.PolicyRule) error
	Remove(ruleType model.RuleType, target string) error
	List(ruleType model.RuleType) ([]model.PolicyRule, error)
}

// VolatileStore is the rate-bucket/greylist persistence interface.
type VolatileStore interface {
	GetRateBucket(ctx context.Context, identifier, limitType string) (*model.RateBucket, error)
	SaveRateBucket(ctx context.Context, b model.RateBucket) error
	AllRateBuckets(ctx context.Context) ([]model.RateBucket, error)
	GetGreylistEntry(ctx context.Context, triplet string) (*model.GreylistEntry, error)
	SaveGreylistEntry(ctx context.Context, e model.GreylistEntry, maxAge time.Duration) error
}

// Config holds the knobs PolicyService's checks depend on.
type Config struct {
	RateLimitPerIP     int
	RateLimitPerDomain int
	GreylistEnabled    bool
	GreylistMinDelay   time.Duration
	GreylistMaxAge     time.Duration
}

// DefaultConfig matches the specification's suggested defaults for the
// two knobs the source left undefined (§9 open question).
func DefaultConfig() Config {
	return Config{
		RateLimitPerIP:     100,
		RateLimitPerDomain: 1000,
		GreylistEnabled:    true,
		GreylistMinDelay:   5 * time.Minute,
		GreylistMaxAge:     4 * time.Hour,
	}
}

// Service is the PolicyService.
type Service struct {
	rules    RuleStore
	volatile VolatileStore
	cfg      Config
}

// New constructs a PolicyService over the given stores.
func New(rules RuleStore, volatile VolatileStore, cfg Config) *Service {
	return &Service{rules: rules, volatile: volatile, cfg: cfg}
}

// IsBlacklisted reports whether any non-empty argument matches an enabled,
// non-expired blacklist rule.
func (s *Service) IsBlacklisted(ip, domain, email string) (bool, model.PolicyRule, error) {
	rule, ok, err := s.rules.Matches(model.RuleBlacklist, ip, domain, email)
	return ok, rule, err
}

// IsWhitelisted reports whether any non-empty argument matches an enabled,
// non-expired whitelist rule.
func (s *Service) IsWhitelisted(ip, domain, email string) (bool, error) {
	_, ok, err := s.rules.Matches(model.RuleWhitelist, ip, domain, email)
	return ok, err
}

// AddBlacklist adds a blacklist rule for target.
func (s *Service) AddBlacklist(target, reason string) error {
	return s.rules.Add(model.PolicyRule{RuleType: model.RuleBlacklist, Target: target, Action: "reject", Reason: reason, Enabled: true})
}

// RemoveBlacklist removes a blacklist rule for target.
func (s *Service) RemoveBlacklist(target string) error {
	return s.rules.Remove(model.RuleBlacklist, target)
}

// CheckRate applies the token-bucket algorithm for (identifier, limitType),
// persisting the updated bucket. Returns true if the request is allowed.
func (s *Service) CheckRate(ctx context.Context, identifier, limitType string, capacity int, refillRate float64) (bool, error) {
	now := time.Now().UTC()
	bucket, err := s.volatile.GetRateBucket(ctx, identifier, limitType)
	if err != nil {
		return false, err
	}
	if bucket == nil {
		bucket = &model.RateBucket{
			Identifier: identifier,
			LimitType:  limitType,
			Capacity:   float64(capacity),
			Tokens:     float64(capacity),
			RefillRate: refillRate,
			LastRefill: now,
		}
	}

	elapsed := now.Sub(bucket.LastRefill).Seconds()
	if elapsed < 0 {
		elapsed = 0
	}
	bucket.Tokens = min(bucket.Capacity, bucket.Tokens+elapsed*bucket.RefillRate)
	bucket.LastRefill = now
	bucket.TotalRequests++

	allowed := bucket.Tokens >= 1
	if allowed {
		bucket.Tokens -= 1
	} else {
		bucket.RejectedRequests++
	}

	if err := s.volatile.SaveRateBucket(ctx, *bucket); err != nil {
		return false, err
	}
	return allowed, nil
}

// CheckIPRate applies the per-IP rate limit.
func (s *Service) CheckIPRate(ctx context.Context, ip string) (bool, error) {
	capacity := s.cfg.RateLimitPerIP
	return s.CheckRate(ctx, ip, "ip", capacity, float64(capacity)/3600)
}

// CheckUserRate applies the per-user rate limit, where limit is the user's
// own configured cap.
func (s *Service) CheckUserRate(ctx context.Context, username string, limit int) (bool, error) {
	return s.CheckRate(ctx, username, "user", limit, float64(limit)/3600)
}

// CheckDomainRate applies the per-domain rate limit.
func (s *Service) CheckDomainRate(ctx context.Context, domain string) (bool, error) {
	capacity := s.cfg.RateLimitPerDomain
	return s.CheckRate(ctx, domain, "domain", capacity, float64(capacity)/3600)
}

// GreylistResult is the outcome of a greylist check.
type GreylistResult struct {
	Accept bool
	Reason string
}

// CheckGreylist composes the sender/recipient/peer-ip triplet and applies
// the greylist decision: first-seen or too-old triplets defer, triplets
// younger than MinDelay defer, otherwise the triplet passes.
func (s *Service) CheckGreylist(ctx context.Context, sender, recipient, peerIP string) (GreylistResult, error) {
	triplet := model.GreylistTriplet(sender, recipient, peerIP)
	now := time.Now().UTC()

	entry, err := s.volatile.GetGreylistEntry(ctx, triplet)
	if err != nil {
		return GreylistResult{}, err
	}
	if entry == nil {
		entry = &model.GreylistEntry{Triplet: triplet, FirstSeen: now, LastSeen: now, Attempts: 1}
		if err := s.volatile.SaveGreylistEntry(ctx, *entry, s.cfg.GreylistMaxAge); err != nil {
			return GreylistResult{}, err
		}
		return GreylistResult{Accept: false, Reason: "Greylisted - try again later"}, nil
	}

	if now.Sub(entry.FirstSeen) > s.cfg.GreylistMaxAge {
		// Treat as a brand new triplet.
		*entry = model.GreylistEntry{Triplet: triplet, FirstSeen: now, LastSeen: now, Attempts: 1}
		if err := s.volatile.SaveGreylistEntry(ctx, *entry, s.cfg.GreylistMaxAge); err != nil {
			return GreylistResult{}, err
		}
		return GreylistResult{Accept: false, Reason: "Greylisted - too soon or too old"}, nil
	}

	entry.Attempts++
	entry.LastSeen = now

	if now.Sub(entry.FirstSeen) < s.cfg.GreylistMinDelay {
		if err := s.volatile.SaveGreylistEntry(ctx, *entry, s.cfg.GreylistMaxAge); err != nil {
			return GreylistResult{}, err
		}
		return GreylistResult{Accept: false, Reason: "Greylisted - too soon or too old"}, nil
	}

	entry.Passed = true
	if err := s.volatile.SaveGreylistEntry(ctx, *entry, s.cfg.GreylistMaxAge); err != nil {
		return GreylistResult{}, err
	}
	return GreylistResult{Accept: true, Reason: "Greylist passed"}, nil
}

// RateLimitStats aggregates rate-limit bucket usage, supplementing the
// distilled spec from original_source's get_rate_limit_stats.
type RateLimitStats struct {
	TotalBuckets int
	ByType       map[string]struct{ Count, Total, Rejected int64 }
}

// Stats reports aggregate rate-limit usage across every known bucket.
func (s *Service) Stats(ctx context.Context) (RateLimitStats, error) {
	buckets, err := s.volatile.AllRateBuckets(ctx)
	if err != nil {
		return RateLimitStats{}, err
	}
	stats := RateLimitStats{TotalBuckets: len(buckets), ByType: make(map[string]struct{ Count, Total, Rejected int64 })}
	for _, b := range buckets {
		entry := stats.ByType[b.LimitType]
		entry.Count++
		entry.Total += b.TotalRequests
		entry.Rejected += b.RejectedRequests
		stats.ByType[b.LimitType] = entry
	}
	return stats, nil
}
