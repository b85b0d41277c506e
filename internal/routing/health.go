package routing

import (
	"sort"
	"sync"
	"time"
)

// RuleHealth describes the evaluation errors seen for one rule since the
// process started. A rule with evaluation errors fails closed (it never
// matches), so surfacing these is how operators learn a rule is broken.
type RuleHealth struct {
	RuleID      string    `json:"rule_id"`
	RuleName    string    `json:"rule_name"`
	ErrorCount  int64     `json:"error_count"`
	LastError   string    `json:"last_error"`
	LastErrorAt time.Time `json:"last_error_at"`
}

type HealthTracker struct {
	mu      sync.Mutex
	entries map[string]*RuleHealth
}

func NewHealthTracker() *HealthTracker {
	return &HealthTracker{
		entries: make(map[string]*RuleHealth),
	}
}

func (t *HealthTracker) RecordError(ruleID, ruleName string, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	entry, ok := t.entries[ruleID]
	if !ok {
		entry = &RuleHealth{RuleID: ruleID}
		t.entries[ruleID] = entry
	}

	entry.RuleName = ruleName
	entry.ErrorCount++
	entry.LastError = err.Error()
	entry.LastErrorAt = time.Now()
}

// Forget drops the entry for a rule, used when the rule is updated so
// stale errors do not outlive the configuration that caused them.
func (t *HealthTracker) Forget(ruleID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.entries, ruleID)
}

func (t *HealthTracker) Snapshot() []RuleHealth {
	t.mu.Lock()
	defer t.mu.Unlock()

	snapshot := make([]RuleHealth, 0, len(t.entries))
	for _, entry := range t.entries {
		snapshot = append(snapshot, *entry)
	}

	sort.Slice(snapshot, func(i, j int) bool {
		return snapshot[i].LastErrorAt.After(snapshot[j].LastErrorAt)
	})

	return snapshot
}
