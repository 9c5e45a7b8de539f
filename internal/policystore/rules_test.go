package policystore

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/rishavghosh108/mrx-mta/internal/model"
)

func openTestRuleStore(t *testing.T) *RuleStore {
	t.Helper()
	store, err := OpenRuleStore(filepath.Join(t.TempDir(), "rules.db"))
	if err != nil {
		t.Fatalf("OpenRuleStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestRuleStoreAddAndMatches(t *testing.T) {
	store := openTestRuleStore(t)

	err := store.Add(model.PolicyRule{
		RuleType: model.RuleBlacklist,
		Target:   "10.0.0.5",
		Action:   "reject",
		Reason:   "spammer",
		Enabled:  true,
	})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}

	rule, ok, err := store.Matches(model.RuleBlacklist, "10.0.0.5")
	if err != nil {
		t.Fatalf("Matches: %v", err)
	}
	if !ok {
		t.Fatal("expected a match")
	}
	if rule.Reason != "spammer" {
		t.Errorf("expected reason preserved, got %q", rule.Reason)
	}

	_, ok, err = store.Matches(model.RuleWhitelist, "10.0.0.5")
	if err != nil {
		t.Fatalf("Matches: %v", err)
	}
	if ok {
		t.Error("expected no match across rule types")
	}
}

func TestRuleStoreMatchesSkipsExpired(t *testing.T) {
	store := openTestRuleStore(t)
	past := time.Now().UTC().Add(-time.Hour)

	err := store.Add(model.PolicyRule{
		RuleType:  model.RuleBlacklist,
		Target:    "10.0.0.9",
		Enabled:   true,
		ExpiresAt: &past,
	})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}

	_, ok, err := store.Matches(model.RuleBlacklist, "10.0.0.9")
	if err != nil {
		t.Fatalf("Matches: %v", err)
	}
	if ok {
		t.Error("expected an expired rule to not match")
	}
}

func TestRuleStoreAddUpsert(t *testing.T) {
	store := openTestRuleStore(t)
	_ = store.Add(model.PolicyRule{RuleType: model.RuleBlacklist, Target: "10.0.0.5", Reason: "first", Enabled: true})
	_ = store.Add(model.PolicyRule{RuleType: model.RuleBlacklist, Target: "10.0.0.5", Reason: "second", Enabled: true})

	rule, ok, err := store.Matches(model.RuleBlacklist, "10.0.0.5")
	if err != nil {
		t.Fatalf("Matches: %v", err)
	}
	if !ok || rule.Reason != "second" {
		t.Errorf("expected upsert to replace reason, got %+v", rule)
	}
}

func TestRuleStoreRemove(t *testing.T) {
	store := openTestRuleStore(t)
	_ = store.Add(model.PolicyRule{RuleType: model.RuleBlacklist, Target: "10.0.0.5", Enabled: true})

	if err := store.Remove(model.RuleBlacklist, "10.0.0.5"); err != nil {
		t.Fatalf("Remove: %v", err)
	}

	_, ok, _ := store.Matches(model.RuleBlacklist, "10.0.0.5")
	if ok {
		t.Error("expected removed rule to no longer match")
	}

	if err := store.Remove(model.RuleBlacklist, "10.0.0.5"); err != ErrNotFound {
		t.Errorf("expected ErrNotFound removing again, got %v", err)
	}
}

func TestRuleStoreList(t *testing.T) {
	store := openTestRuleStore(t)
	_ = store.Add(model.PolicyRule{RuleType: model.RuleBlacklist, Target: "10.0.0.1", Enabled: true})
	_ = store.Add(model.PolicyRule{RuleType: model.RuleBlacklist, Target: "10.0.0.2", Enabled: true})
	_ = store.Add(model.PolicyRule{RuleType: model.RuleWhitelist, Target: "trusted.example.com", Enabled: true})

	blacklisted, err := store.List(model.RuleBlacklist)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(blacklisted) != 2 {
		t.Errorf("expected 2 blacklist rules, got %d", len(blacklisted))
	}
}
