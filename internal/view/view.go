// Package view projects entity tables to 2D string-cell grids for
// display, and exports a Data entry's content, per spec.md §4.7.
package view

import (
	"encoding/json"
	"regexp"
	"sort"
	"strconv"
	"time"

	"github.com/rakunlabs/atflow/internal/apperr"
	"github.com/rakunlabs/atflow/internal/entitystore"
	"github.com/rakunlabs/atflow/internal/model"
)

// View projects entity tables and run bindings for display.
type View struct {
	store *entitystore.Store
}

func New(store *entitystore.Store) *View {
	return &View{store: store}
}

// Request names the table to project and the optional row filter/limit.
type Request struct {
	Table   string
	Pattern string // optional regex, matched against the entity's JSON
	Limit   int    // 0 means unlimited
}

// row pairs a raw entity with its creation date, for newest-first sort.
type row struct {
	createdAt string
	cells     []string
	raw       []byte
}

var tableColumns = map[string][]string{
	"user":     {"identifier", "login_name", "display_name", "superuser", "version", "created_at"},
	"data":     {"identifier", "name", "type", "storage", "version", "created_at"},
	"node":     {"identifier", "name", "kind", "version", "created_at"},
	"workflow": {"identifier", "name", "version", "created_at"},
	"run":      {"identifier", "name", "success", "version", "created_at"},
}

// Table projects req.Table to a 2D cell grid with a header row.
func (v *View) Table(req Request) ([][]string, error) {
	columns, ok := tableColumns[req.Table]
	if !ok {
		return nil, apperr.User("unknown_table", map[string]any{"table": req.Table})
	}

	var filter *regexp.Regexp
	if req.Pattern != "" {
		re, err := regexp.Compile(req.Pattern)
		if err != nil {
			return nil, apperr.Userf("invalid_filter_pattern", err, map[string]any{"pattern": req.Pattern})
		}
		filter = re
	}

	var rows []row
	switch req.Table {
	case "user":
		rows = v.userRows()
	case "data":
		rows = v.dataRows()
	case "node":
		rows = v.nodeRows()
	case "workflow":
		rows = v.workflowRows()
	case "run":
		rows = v.runRows()
	}

	filtered := rows[:0]
	for _, r := range rows {
		if filter != nil && !filter.Match(r.raw) {
			continue
		}
		filtered = append(filtered, r)
	}

	// RFC3339Nano trims trailing zeros, so the stamps are compared as
	// times rather than as strings.
	sort.Slice(filtered, func(i, j int) bool {
		ti, errI := time.Parse(time.RFC3339Nano, filtered[i].createdAt)
		tj, errJ := time.Parse(time.RFC3339Nano, filtered[j].createdAt)
		if errI != nil || errJ != nil {
			return filtered[i].createdAt > filtered[j].createdAt
		}
		return ti.After(tj)
	})

	if req.Limit > 0 && len(filtered) > req.Limit {
		filtered = filtered[:req.Limit]
	}

	out := make([][]string, 0, len(filtered)+1)
	out = append(out, columns)
	for _, r := range filtered {
		out = append(out, r.cells)
	}
	return out, nil
}

func boolStr(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

func (v *View) userRows() []row {
	var rows []row
	for _, id := range v.store.AllIDs() {
		u, ok := v.store.GetUser(id)
		if !ok {
			continue
		}
		raw, _ := json.Marshal(u)
		rows = append(rows, row{
			createdAt: u.CreatedAt,
			cells:     []string{string(id), u.LoginName, u.DisplayName, boolStr(u.Superuser), strconv.Itoa(u.Version), u.CreatedAt},
			raw:       raw,
		})
	}
	return rows
}

func (v *View) dataRows() []row {
	var rows []row
	for _, id := range v.store.AllIDs() {
		d, ok := v.store.GetData(id)
		if !ok {
			continue
		}
		raw, _ := json.Marshal(d)
		rows = append(rows, row{
			createdAt: d.CreatedAt,
			cells:     []string{string(id), d.Name, string(d.Type), string(d.Storage), strconv.Itoa(d.Version), d.CreatedAt},
			raw:       raw,
		})
	}
	return rows
}

func (v *View) nodeRows() []row {
	var rows []row
	for _, id := range v.store.AllIDs() {
		n, ok := v.store.GetNode(id)
		if !ok {
			continue
		}
		raw, _ := json.Marshal(n)
		rows = append(rows, row{
			createdAt: n.CreatedAt,
			cells:     []string{string(id), n.Name, string(n.Kind), strconv.Itoa(n.Version), n.CreatedAt},
			raw:       raw,
		})
	}
	return rows
}

func (v *View) workflowRows() []row {
	var rows []row
	for _, id := range v.store.AllIDs() {
		w, ok := v.store.GetWorkflow(id)
		if !ok {
			continue
		}
		raw, _ := json.Marshal(w)
		rows = append(rows, row{
			createdAt: w.CreatedAt,
			cells:     []string{string(id), w.Name, strconv.Itoa(w.Version), w.CreatedAt},
			raw:       raw,
		})
	}
	return rows
}

func (v *View) runRows() []row {
	var rows []row
	for _, id := range v.store.AllIDs() {
		r, ok := v.store.GetRun(id)
		if !ok {
			continue
		}
		raw, _ := json.Marshal(r)
		rows = append(rows, row{
			createdAt: r.CreatedAt,
			cells:     []string{string(id), r.Name, boolStr(r.Success), strconv.Itoa(r.Version), r.CreatedAt},
			raw:       raw,
		})
	}
	return rows
}

// DataOf is the supplemented view/data_of projection: a run's final
// channel bindings (spec.md §4.7, §C).
func (v *View) DataOf(ref entitystore.Referer) (map[string]model.ChannelBinding, error) {
	id, err := v.store.ResolveRun(ref)
	if err != nil {
		return nil, apperr.Userf("run_not_found", err, map[string]any{"name": ref.Name})
	}
	r, ok := v.store.GetRun(id)
	if !ok {
		return nil, apperr.System("run_disappeared", map[string]any{"id": id})
	}
	return r.ChannelBindings, nil
}

// LogOf is the supplemented view/log_of projection: a run's log lines.
func (v *View) LogOf(ref entitystore.Referer) ([]string, error) {
	id, err := v.store.ResolveRun(ref)
	if err != nil {
		return nil, apperr.Userf("run_not_found", err, map[string]any{"name": ref.Name})
	}
	r, ok := v.store.GetRun(id)
	if !ok {
		return nil, apperr.System("run_disappeared", map[string]any{"id": id})
	}
	return r.Log, nil
}

