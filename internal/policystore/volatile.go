package policystore

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/rishavghosh108/mrx-mta/internal/model"
)

// VolatileStore is the Redis-backed home for RateBucket and GreylistEntry
// records: both are naturally idleness-expiring state, which Redis key TTL
// expresses directly instead of a manual sweep.
type VolatileStore struct {
	rdb *redis.Client
}

// NewVolatileStore wraps an already-configured *redis.Client.
func NewVolatileStore(rdb *redis.Client) *VolatileStore {
	return &VolatileStore{rdb: rdb}
}

func rateBucketKey(identifier, limitType string) string {
	return "ratebucket:" + limitType + ":" + identifier
}

func greylistKey(triplet string) string {
	return "greylist:" + triplet
}

// GetRateBucket returns the stored bucket, or nil if none exists yet.
func (s *VolatileStore) GetRateBucket(ctx context.Context, identifier, limitType string) (*model.RateBucket, error) {
	key := rateBucketKey(identifier, limitType)
	vals, err := s.rdb.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, err
	}
	if len(vals) == 0 {
		return nil, nil
	}
	capacity, _ := strconv.ParseFloat(vals["capacity"], 64)
	tokens, _ := strconv.ParseFloat(vals["tokens"], 64)
	refillRate, _ := strconv.ParseFloat(vals["refill_rate"], 64)
	lastRefill, _ := strconv.ParseInt(vals["last_refill"], 10, 64)
	total, _ := strconv.ParseInt(vals["total_requests"], 10, 64)
	rejected, _ := strconv.ParseInt(vals["rejected_requests"], 10, 64)
	return &model.RateBucket{
		Identifier:       identifier,
		LimitType:        limitType,
		Capacity:         capacity,
		Tokens:           tokens,
		RefillRate:       refillRate,
		LastRefill:       time.Unix(lastRefill, 0).UTC(),
		TotalRequests:    total,
		RejectedRequests: rejected,
	}, nil
}

// idleTTL is how long a bucket or greylist entry survives without being
// touched again, per the data model's "garbage-collected after idleness"
// lifecycle note.
const idleTTL = time.Hour

// SaveRateBucket persists the bucket and refreshes its idle TTL.
func (s *VolatileStore) SaveRateBucket(ctx context.Context, b model.RateBucket) error {
	key := rateBucketKey(b.Identifier, b.LimitType)
	pipe := s.rdb.TxPipeline()
	pipe.HSet(ctx, key, map[string]any{
		"capacity":          strconv.FormatFloat(b.Capacity, 'f', -1, 64),
		"tokens":            strconv.FormatFloat(b.Tokens, 'f', -1, 64),
		"refill_rate":       strconv.FormatFloat(b.RefillRate, 'f', -1, 64),
		"last_refill":       b.LastRefill.Unix(),
		"total_requests":    b.TotalRequests,
		"rejected_requests": b.RejectedRequests,
	})
	pipe.Expire(ctx, key, idleTTL)
	_, err := pipe.Exec(ctx)
	return err
}

// AllRateBuckets scans every ratebucket:* key and reassembles each bucket,
// used for PolicyService.Stats aggregation.
func (s *VolatileStore) AllRateBuckets(ctx context.Context) ([]model.RateBucket, error) {
	var out []model.RateBucket
	iter := s.rdb.Scan(ctx, 0, "ratebucket:*", 0).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		vals, err := s.rdb.HGetAll(ctx, key).Result()
		if err != nil || len(vals) == 0 {
			continue
		}
		parts := splitRateBucketKey(key)
		capacity, _ := strconv.ParseFloat(vals["capacity"], 64)
		tokens, _ := strconv.ParseFloat(vals["tokens"], 64)
		refillRate, _ := strconv.ParseFloat(vals["refill_rate"], 64)
		total, _ := strconv.ParseInt(vals["total_requests"], 10, 64)
		rejected, _ := strconv.ParseInt(vals["rejected_requests"], 10, 64)
		out = append(out, model.RateBucket{
			Identifier:       parts.identifier,
			LimitType:        parts.limitType,
			Capacity:         capacity,
			Tokens:           tokens,
			RefillRate:       refillRate,
			TotalRequests:    total,
			RejectedRequests: rejected,
		})
	}
	return out, iter.Err()
}

type rateBucketKeyParts struct{ limitType, identifier string }

func splitRateBucketKey(key string) rateBucketKeyParts {
	// key is "ratebucket:<limitType>:<identifier>"; identifier may itself
	// contain ':' (an IPv6 literal), so split only on the first two.
	const prefix = "ratebucket:"
	rest := key[len(prefix):]
	for i := 0; i < len(rest); i++ {
		if rest[i] == ':' {
			return rateBucketKeyParts{limitType: rest[:i], identifier: rest[i+1:]}
		}
	}
	return rateBucketKeyParts{limitType: rest}
}

// GetGreylistEntry returns the stored entry, or nil if the triplet has
// never been seen.
func (s *VolatileStore) GetGreylistEntry(ctx context.Context, triplet string) (*model.GreylistEntry, error) {
	key := greylistKey(triplet)
	vals, err := s.rdb.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, err
	}
	if len(vals) == 0 {
		return nil, nil
	}
	firstSeen, _ := strconv.ParseInt(vals["first_seen"], 10, 64)
	lastSeen, _ := strconv.ParseInt(vals["last_seen"], 10, 64)
	attempts, _ := strconv.Atoi(vals["attempts"])
	return &model.GreylistEntry{
		Triplet:   triplet,
		FirstSeen: time.Unix(firstSeen, 0).UTC(),
		LastSeen:  time.Unix(lastSeen, 0).UTC(),
		Attempts:  attempts,
		Passed:    vals["passed"] == "1",
	}, nil
}

// SaveGreylistEntry persists the entry with the given max-age TTL.
func (s *VolatileStore) SaveGreylistEntry(ctx context.Context, e model.GreylistEntry, maxAge time.Duration) error {
	key := greylistKey(e.Triplet)
	passed := "0"
	if e.Passed {
		passed = "1"
	}
	pipe := s.rdb.TxPipeline()
	pipe.HSet(ctx, key, map[string]any{
		"first_seen": e.FirstSeen.Unix(),
		"last_seen":  e.LastSeen.Unix(),
		"attempts":   e.Attempts,
		"passed":     passed,
	})
	pipe.Expire(ctx, key, maxAge)
	_, err := pipe.Exec(ctx)
	return err
}
