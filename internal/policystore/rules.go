// Package policystore persists the three policy surfaces PolicyService
// consults: blacklist/whitelist rules (long-lived, relational — SQLite),
// and rate-limit buckets plus greylist triplets (short-lived, volatile —
// Redis). The split follows the corpus: infodancer-smtpd already depends
// on redis/go-redis/v9, and Redis's native key TTL is a natural fit for
// state that is "garbage collected after idleness" per the data model,
// while blacklist/whitelist rules behave like ordinary configuration rows.
package policystore

import (
	"database/sql"
	"errors"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/rishavghosh108/mrx-mta/internal/model"
)

// ErrNotFound is returned when a rule lookup finds nothing.
var ErrNotFound = errors.New("policystore: rule not found")

const ruleSchema = `
CREATE TABLE IF NOT EXISTS policy_rules (
	rule_type  TEXT NOT NULL,
	target     TEXT NOT NULL,
	action     TEXT NOT NULL,
	reason     TEXT NOT NULL DEFAULT '',
	enabled    INTEGER NOT NULL DEFAULT 1,
	expires_at INTEGER,
	PRIMARY KEY (rule_type, target)
);`

// RuleStore is the SQLite-backed blacklist/whitelist table.
type RuleStore struct {
	db *sql.DB
}

// OpenRuleStore opens (creating if necessary) the policy rule database.
func OpenRuleStore(path string) (*RuleStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(ruleSchema); err != nil {
		db.Close()
		return nil, err
	}
	return &RuleStore{db: db}, nil
}

// Close releases the underlying database handle.
func (s *RuleStore) Close() error {
	return s.db.Close()
}

// Add inserts or replaces a rule.
func (s *RuleStore) Add(rule model.PolicyRule) error {
	var expires sql.NullInt64
	if rule.ExpiresAt != nil {
		expires = sql.NullInt64{Int64: rule.ExpiresAt.Unix(), Valid: true}
	}
	_, err := s.db.Exec(`
		INSERT INTO policy_rules (rule_type, target, action, reason, enabled, expires_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(rule_type, target) DO UPDATE SET
			action=excluded.action, reason=excluded.reason, enabled=excluded.enabled, expires_at=excluded.expires_at`,
		string(rule.RuleType), rule.Target, rule.Action, rule.Reason, boolToInt(rule.Enabled), expires,
	)
	return err
}

// Remove deletes a rule by type and target.
func (s *RuleStore) Remove(ruleType model.RuleType, target string) error {
	res, err := s.db.Exec(`DELETE FROM policy_rules WHERE rule_type=? AND target=?`, string(ruleType), target)
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

// Matches reports whether any of the given non-empty targets has an
// enabled, non-expired rule of the given type.
func (s *RuleStore) Matches(ruleType model.RuleType, targets ...string) (model.PolicyRule, bool, error) {
	now := time.Now().UTC()
	for _, t := range targets {
		if t == "" {
			continue
		}
		row := s.db.QueryRow(`
			SELECT rule_type, target, action, reason, enabled, expires_at
			FROM policy_rules WHERE rule_type=? AND target=? AND enabled=1`, string(ruleType), t)
		var (
			rt, target, action, reason string
			enabled                    int
			expires                    sql.NullInt64
		)
		err := row.Scan(&rt, &target, &action, &reason, &enabled, &expires)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				continue
			}
			return model.PolicyRule{}, false, err
		}
		rule := model.PolicyRule{
			RuleType: model.RuleType(rt),
			Target:   target,
			Action:   action,
			Reason:   reason,
			Enabled:  enabled != 0,
		}
		if expires.Valid {
			e := time.Unix(expires.Int64, 0).UTC()
			rule.ExpiresAt = &e
		}
		if rule.Expired(now) {
			continue
		}
		return rule, true, nil
	}
	return model.PolicyRule{}, false, nil
}

// List returns every rule of the given type.
func (s *RuleStore) List(ruleType model.RuleType) ([]model.PolicyRule, error) {
	rows, err := s.db.Query(`SELECT rule_type, target, action, reason, enabled, expires_at FROM policy_rules WHERE rule_type=?`, string(ruleType))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.PolicyRule
	for rows.Next() {
		var (
			rt, target, action, reason string
			enabled                    int
			expires                    sql.NullInt64
		)
		if err := rows.Scan(&rt, &target, &action, &reason, &enabled, &expires); err != nil {
			return nil, err
		}
		rule := model.PolicyRule{
			RuleType: model.RuleType(rt),
			Target:   target,
			Action:   action,
			Reason:   reason,
			Enabled:  enabled != 0,
		}
		if expires.Valid {
			e := time.Unix(expires.Int64, 0).UTC()
			rule.ExpiresAt = &e
		}
		out = append(out, rule)
	}
	return out, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
