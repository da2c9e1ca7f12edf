// File: internal/audit/issues.go
package audit

import (
	"slices"
	"sync"

	"github.com/xkilldash9x/scalpel-audit/api/schemas"
)

// Issues collects the issues of a scan. Variations of an issue (same key,
// different payload) are logged once.
type Issues struct {
	mu          sync.Mutex
	list        []*schemas.Issue
	keys        map[string]struct{}
	subscribers []func(*schemas.Issue)
}

// NewIssues creates an empty collection.
func NewIssues() *Issues {
	return &Issues{keys: make(map[string]struct{})}
}

// Subscribe registers fn to be called for every new issue.
func (i *Issues) Subscribe(fn func(*schemas.Issue)) {
	i.mu.Lock()
	i.subscribers = append(i.subscribers, fn)
	i.mu.Unlock()
}

// Log stores issue and reports whether it was new.
func (i *Issues) Log(issue *schemas.Issue) bool {
	key := issue.Key()
	i.mu.Lock()
	if _, dup := i.keys[key]; dup {
		i.mu.Unlock()
		return false
	}
	i.keys[key] = struct{}{}
	i.list = append(i.list, issue)
	subs := slices.Clone(i.subscribers)
	i.mu.Unlock()

	for _, fn := range subs {
		fn(issue)
	}
	return true
}

// All returns the logged issues in logging order.
func (i *Issues) All() []*schemas.Issue {
	i.mu.Lock()
	defer i.mu.Unlock()
	return slices.Clone(i.list)
}

// Len returns the number of logged issues.
func (i *Issues) Len() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return len(i.list)
}

// Load restores issues from a snapshot without notifying subscribers.
func (i *Issues) Load(issues []*schemas.Issue) {
	i.mu.Lock()
	defer i.mu.Unlock()
	for _, issue := range issues {
		key := issue.Key()
		if _, dup := i.keys[key]; dup {
			continue
		}
		i.keys[key] = struct{}{}
		i.list = append(i.list, issue)
	}
}
