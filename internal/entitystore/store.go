// Package entitystore owns the five in-memory tables (user, data, node,
// workflow, run), their JSON persistence, and the single coarse-grained
// mutex that serializes table mutation and unique-prefix recomputation
// (spec.md §4.2, §5).
package entitystore

import (
	"sync"
	"time"

	"github.com/rakunlabs/atflow/internal/hashid"
	"github.com/rakunlabs/atflow/internal/model"
)

// Store owns all process-wide mutable state. One instance lives for the
// server's process lifetime and is passed explicitly to every registry
// and executor, rather than living behind package-level globals.
type Store struct {
	mu sync.RWMutex

	users     map[hashid.ID]model.User
	userVers  map[string]int

	datas     map[hashid.ID]model.Data
	dataVers  map[string]int

	nodes     map[hashid.ID]model.Node
	nodeVers  map[string]int

	workflows map[hashid.ID]model.Workflow
	wfVers    map[string]int

	runs      map[hashid.ID]model.Run
	runVers   map[string]int

	prefix *hashid.PrefixTracker
}

func New() *Store {
	return &Store{
		users:     make(map[hashid.ID]model.User),
		userVers:  make(map[string]int),
		datas:     make(map[hashid.ID]model.Data),
		dataVers:  make(map[string]int),
		nodes:     make(map[hashid.ID]model.Node),
		nodeVers:  make(map[string]int),
		workflows: make(map[hashid.ID]model.Workflow),
		wfVers:    make(map[string]int),
		runs:      make(map[hashid.ID]model.Run),
		runVers:   make(map[string]int),
		prefix:    hashid.NewPrefixTracker(),
	}
}

// now is overridable in tests that need deterministic timestamps.
var now = func() string { return time.Now().UTC().Format(time.RFC3339Nano) }

// nextVersion returns the next free version for name in vers, per the
// "versions form {1..k}, no gaps" invariant (spec.md §8). Caller holds mu.
func nextVersion(vers map[string]int, name string) int {
	v := vers[name] + 1
	vers[name] = v
	return v
}

// UserExists asserts token identifies a known user (spec.md §4.2).
func (s *Store) UserExists(token hashid.ID) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.users[token]
	return ok
}
