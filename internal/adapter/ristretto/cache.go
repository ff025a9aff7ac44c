// Package ristretto provides the in-process cache for enabled-rule lookups.
// Rule evaluation runs on every status change; the store is only hit once per
// TTL per (trigger, project) pair.
package ristretto

import (
	"time"

	"github.com/dgraph-io/ristretto/v2"

	"github.com/clawtrol/clawtrol/internal/domain/rule"
)

// RuleCache caches enabled-rule lists keyed by trigger and project id.
type RuleCache struct {
	c   *ristretto.Cache[string, []rule.Rule]
	ttl time.Duration
}

// NewRuleCache creates the rule cache. The rule set is small; cost is the
// number of rules per entry.
func NewRuleCache(ttl time.Duration) (*RuleCache, error) {
	c, err := ristretto.NewCache(&ristretto.Config[string, []rule.Rule]{
		NumCounters: 10_000,
		MaxCost:     1_000,
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}
	return &RuleCache{c: c, ttl: ttl}, nil
}

func key(trigger, projectID string) string {
	return trigger + "|" + projectID
}

// Get returns the cached rule list for a trigger/project pair.
func (rc *RuleCache) Get(trigger, projectID string) ([]rule.Rule, bool) {
	return rc.c.Get(key(trigger, projectID))
}

// Set stores a rule list with the configured TTL.
func (rc *RuleCache) Set(trigger, projectID string, rules []rule.Rule) {
	cost := int64(len(rules))
	if cost == 0 {
		cost = 1
	}
	rc.c.SetWithTTL(key(trigger, projectID), rules, cost, rc.ttl)
}

// Invalidate drops everything. Rule writes are rare; clearing the whole cache
// is simpler than tracking which scopes a rule change touches.
func (rc *RuleCache) Invalidate() {
	rc.c.Clear()
}

// Close shuts down the cache and releases resources.
func (rc *RuleCache) Close() {
	rc.c.Close()
}
