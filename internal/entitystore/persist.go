package entitystore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rakunlabs/atflow/internal/hashid"
	"github.com/rakunlabs/atflow/internal/model"
)

const (
	userFile     = "user.json"
	dataFile     = "data.json"
	nodeFile     = "node.json"
	workflowFile = "workflow.json"
	runFile      = "run.json"
)

// Persist dumps each table to its own JSON file under dir (sorted keys,
// indented), making the destination writable before writing and
// read-only afterward, matching spec.md §4.2 and §6. The mutex is held
// for the whole dump, same as any other table mutation.
func (s *Store) Persist(dir string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("entitystore: create store dir: %w", err)
	}

	if err := dumpTable(dir, userFile, s.users); err != nil {
		return err
	}
	if err := dumpTable(dir, dataFile, s.datas); err != nil {
		return err
	}
	if err := dumpTable(dir, nodeFile, s.nodes); err != nil {
		return err
	}
	if err := dumpTable(dir, workflowFile, s.workflows); err != nil {
		return err
	}
	if err := dumpTable(dir, runFile, s.runs); err != nil {
		return err
	}

	return nil
}

func dumpTable[T any](dir, name string, table map[hashid.ID]T) error {
	path := filepath.Join(dir, name)

	if _, err := os.Stat(path); err == nil {
		if err := os.Chmod(path, 0o644); err != nil {
			return fmt.Errorf("entitystore: make %s writable: %w", name, err)
		}
	}

	// Round-trip through a generic value so entity attributes, not just
	// the identifier keys, are written in sorted order.
	flat, err := json.Marshal(table)
	if err != nil {
		return fmt.Errorf("entitystore: marshal %s: %w", name, err)
	}
	var generic any
	if err := json.Unmarshal(flat, &generic); err != nil {
		return fmt.Errorf("entitystore: normalize %s: %w", name, err)
	}
	raw, err := json.MarshalIndent(generic, "", "    ")
	if err != nil {
		return fmt.Errorf("entitystore: marshal %s: %w", name, err)
	}

	if err := os.WriteFile(path, raw, 0o644); err != nil {
		return fmt.Errorf("entitystore: write %s: %w", name, err)
	}

	if err := os.Chmod(path, 0o444); err != nil {
		return fmt.Errorf("entitystore: make %s read-only: %w", name, err)
	}

	return nil
}

// Load reads all five table files from dir at startup. A missing file is
// treated as an empty table.
func Load(dir string) (*Store, error) {
	s := New()

	if err := loadTable(dir, userFile, &s.users); err != nil {
		return nil, err
	}
	if err := loadTable(dir, dataFile, &s.datas); err != nil {
		return nil, err
	}
	if err := loadTable(dir, nodeFile, &s.nodes); err != nil {
		return nil, err
	}
	if err := loadTable(dir, workflowFile, &s.workflows); err != nil {
		return nil, err
	}
	if err := loadTable(dir, runFile, &s.runs); err != nil {
		return nil, err
	}

	reindexVersions(s.userVers, toBookkept(s.users, func(u model.User) (string, int) { return u.LoginName, u.Version }))
	reindexVersions(s.dataVers, toBookkept(s.datas, func(d model.Data) (string, int) { return d.Name, d.Version }))
	reindexVersions(s.nodeVers, toBookkept(s.nodes, func(n model.Node) (string, int) { return n.Name, n.Version }))
	reindexVersions(s.wfVers, toBookkept(s.workflows, func(w model.Workflow) (string, int) { return w.Name, w.Version }))
	reindexVersions(s.runVers, toBookkept(s.runs, func(r model.Run) (string, int) { return r.Name, r.Version }))

	for id, d := range s.datas {
		s.prefix.Add(id)
		if d.ContentHash != "" {
			s.prefix.Add(d.ContentHash)
		}
	}
	for id := range s.users {
		s.prefix.Add(id)
	}
	for id := range s.nodes {
		s.prefix.Add(id)
	}
	for id := range s.workflows {
		s.prefix.Add(id)
	}
	for id := range s.runs {
		s.prefix.Add(id)
	}

	return s, nil
}

func loadTable[T any](dir, name string, dest *map[hashid.ID]T) error {
	path := filepath.Join(dir, name)

	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("entitystore: read %s: %w", name, err)
	}

	if err := json.Unmarshal(raw, dest); err != nil {
		return fmt.Errorf("entitystore: parse %s: %w", name, err)
	}

	return nil
}

func toBookkept[T any](table map[hashid.ID]T, nameVersion func(T) (string, int)) map[string]int {
	out := make(map[string]int)
	for _, v := range table {
		name, version := nameVersion(v)
		if cur := out[name]; version > cur {
			out[name] = version
		}
	}
	return out
}

func reindexVersions(dst map[string]int, src map[string]int) {
	for k, v := range src {
		dst[k] = v
	}
}
