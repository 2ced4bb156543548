package entitystore

import (
	"fmt"

	"github.com/rakunlabs/atflow/internal/hashid"
	"github.com/rakunlabs/atflow/internal/model"
)

func (s *Store) GetUser(id hashid.ID) (model.User, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[id]
	return u, ok
}

func (s *Store) GetData(id hashid.ID) (model.Data, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.datas[id]
	return d, ok
}

func (s *Store) GetNode(id hashid.ID) (model.Node, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n, ok := s.nodes[id]
	return n, ok
}

func (s *Store) GetWorkflow(id hashid.ID) (model.Workflow, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	w, ok := s.workflows[id]
	return w, ok
}

func (s *Store) GetRun(id hashid.ID) (model.Run, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.runs[id]
	return r, ok
}

// AllIDs returns every live entity identifier plus every recorded Data
// content hash, the universe the unique-prefix length is computed over
// (spec.md §4.1).
func (s *Store) AllIDs() []hashid.ID {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]hashid.ID, 0, len(s.users)+len(s.datas)+len(s.nodes)+len(s.workflows)+len(s.runs))
	for id := range s.users {
		ids = append(ids, id)
	}
	for id, d := range s.datas {
		ids = append(ids, id)
		if d.ContentHash != "" {
			ids = append(ids, d.ContentHash)
		}
	}
	for id := range s.nodes {
		ids = append(ids, id)
	}
	for id := range s.workflows {
		ids = append(ids, id)
	}
	for id := range s.runs {
		ids = append(ids, id)
	}
	return ids
}

// UniquePrefixLen returns the current minimum unique-prefix length,
// recomputing lazily (spec.md §4.1).
func (s *Store) UniquePrefixLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range s.allIDsLocked() {
		s.prefix.Add(id)
	}
	return s.prefix.Len()
}

func (s *Store) allIDsLocked() []hashid.ID {
	ids := make([]hashid.ID, 0, len(s.users)+len(s.datas)+len(s.nodes)+len(s.workflows)+len(s.runs))
	for id := range s.users {
		ids = append(ids, id)
	}
	for id, d := range s.datas {
		ids = append(ids, id)
		if d.ContentHash != "" {
			ids = append(ids, d.ContentHash)
		}
	}
	for id := range s.nodes {
		ids = append(ids, id)
	}
	for id := range s.workflows {
		ids = append(ids, id)
	}
	for id := range s.runs {
		ids = append(ids, id)
	}
	return ids
}

// Referer identifies an entity either by {name, version} (version may be
// "latest") or by an identifier prefix (spec.md GLOSSARY).
type Referer struct {
	Name    string
	Version string
	Prefix  string
}

// ResolveData finds the identifier a Referer names among Data entities.
func (s *Store) ResolveData(ref Referer) (hashid.ID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return resolveIn(ref, s.datas, func(d model.Data) (string, int) { return d.Name, d.Version })
}

// ResolveNode finds the identifier a Referer names among Node entities.
func (s *Store) ResolveNode(ref Referer) (hashid.ID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return resolveIn(ref, s.nodes, func(n model.Node) (string, int) { return n.Name, n.Version })
}

// ResolveWorkflow finds the identifier a Referer names among Workflow entities.
func (s *Store) ResolveWorkflow(ref Referer) (hashid.ID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return resolveIn(ref, s.workflows, func(w model.Workflow) (string, int) { return w.Name, w.Version })
}

// ResolveRun finds the identifier a Referer names among Run entities.
func (s *Store) ResolveRun(ref Referer) (hashid.ID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return resolveIn(ref, s.runs, func(r model.Run) (string, int) { return r.Name, r.Version })
}

func resolveIn[T any](ref Referer, table map[hashid.ID]T, nameVersion func(T) (string, int)) (hashid.ID, error) {
	if ref.Prefix != "" {
		ids := make([]hashid.ID, 0, len(table))
		for id := range table {
			ids = append(ids, id)
		}
		return hashid.Resolve(ids, ref.Prefix)
	}

	var best hashid.ID
	bestVersion := -1
	for id, v := range table {
		name, version := nameVersion(v)
		if name != ref.Name {
			continue
		}
		if ref.Version != "" && ref.Version != "latest" {
			if fmt.Sprintf("%d", version) == ref.Version {
				return id, nil
			}
			continue
		}
		if version > bestVersion {
			bestVersion = version
			best = id
		}
	}
	if bestVersion == -1 {
		return "", fmt.Errorf("entitystore: no entity named %q version %q", ref.Name, ref.Version)
	}
	return best, nil
}
