package entitystore

import (
	"fmt"

	"github.com/rakunlabs/atflow/internal/apperr"
	"github.com/rakunlabs/atflow/internal/hashid"
	"github.com/rakunlabs/atflow/internal/model"
)

// InsertUser enrolls a new user. Unlike the other tables, a login name may
// only ever reach version 1 — spec.md §3 ("at most one user per name;
// version must be 1"); a second registration under the same name is a
// user error, not a new version.
func (s *Store) InsertUser(u model.User, creatingUser string) (hashid.ID, model.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.userVers[u.LoginName] >= 1 {
		return "", model.User{}, apperr.User("user_name_exists", map[string]any{"name": u.LoginName})
	}

	u.Bookkeeping = model.Bookkeeping{Version: nextVersion(s.userVers, u.LoginName), CreatedAt: now(), CreatedBy: creatingUser}

	id, err := hashid.OfEntity(u)
	if err != nil {
		return "", model.User{}, fmt.Errorf("entitystore: hash user: %w", err)
	}

	s.users[id] = u
	s.prefix.Add(id)

	return id, u, nil
}

// InsertData stores a new Data entity, stamping bookkeeping and computing
// its identifier. The caller has already resolved ContentHash/InternalPath.
func (s *Store) InsertData(d model.Data, creatingUser string) (hashid.ID, model.Data, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	d.Bookkeeping = model.Bookkeeping{Version: nextVersion(s.dataVers, d.Name), CreatedAt: now(), CreatedBy: creatingUser}

	id, err := hashid.OfEntity(d)
	if err != nil {
		return "", model.Data{}, fmt.Errorf("entitystore: hash data: %w", err)
	}

	s.datas[id] = d
	s.prefix.Add(id)
	if d.ContentHash != "" {
		s.prefix.Add(d.ContentHash)
	}

	return id, d, nil
}

// InsertNode stores a new Node entity.
func (s *Store) InsertNode(n model.Node, creatingUser string) (hashid.ID, model.Node, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n.Bookkeeping = model.Bookkeeping{Version: nextVersion(s.nodeVers, n.Name), CreatedAt: now(), CreatedBy: creatingUser}

	id, err := hashid.OfEntity(n)
	if err != nil {
		return "", model.Node{}, fmt.Errorf("entitystore: hash node: %w", err)
	}

	s.nodes[id] = n
	s.prefix.Add(id)

	return id, n, nil
}

// InsertWorkflow stores a new Workflow entity (fresh registration or the
// result of refinement — both go through this same path).
func (s *Store) InsertWorkflow(w model.Workflow, creatingUser string) (hashid.ID, model.Workflow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	w.Bookkeeping = model.Bookkeeping{Version: nextVersion(s.wfVers, w.Name), CreatedAt: now(), CreatedBy: creatingUser}

	id, err := hashid.OfEntity(w)
	if err != nil {
		return "", model.Workflow{}, fmt.Errorf("entitystore: hash workflow: %w", err)
	}

	s.workflows[id] = w
	s.prefix.Add(id)

	return id, w, nil
}

// InsertRun stores a completed run. The run table is never mutated after
// insertion (spec.md §3).
func (s *Store) InsertRun(r model.Run, creatingUser string) (hashid.ID, model.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r.Bookkeeping = model.Bookkeeping{Version: nextVersion(s.runVers, r.Name), CreatedAt: now(), CreatedBy: creatingUser}

	id, err := hashid.OfEntity(r)
	if err != nil {
		return "", model.Run{}, fmt.Errorf("entitystore: hash run: %w", err)
	}

	s.runs[id] = r
	s.prefix.Add(id)

	return id, r, nil
}

// PeekNextVersion reports the version a new registration under name would
// receive, without committing anything. It only takes the read lock, so
// a concurrent insert may claim that version first.
func (s *Store) PeekNextVersion(table string, name string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var vers map[string]int
	switch table {
	case "user":
		vers = s.userVers
	case "data":
		vers = s.dataVers
	case "node":
		vers = s.nodeVers
	case "workflow":
		vers = s.wfVers
	case "run":
		vers = s.runVers
	}
	return vers[name] + 1
}
