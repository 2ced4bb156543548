// Package runexec is the recursive run executor: it walks a workflow's
// topological order, dispatches terminal (image/script) nodes to a
// subprocess, recurses into sub-workflows with renamed bindings, and
// records produced artifacts as new content-addressed data entries
// (spec.md §4.6).
package runexec

import (
	"context"
	"fmt"

	"github.com/rakunlabs/atflow/internal/apperr"
	"github.com/rakunlabs/atflow/internal/containerrt"
	"github.com/rakunlabs/atflow/internal/dataregistry"
	"github.com/rakunlabs/atflow/internal/entitystore"
	"github.com/rakunlabs/atflow/internal/hashid"
	"github.com/rakunlabs/atflow/internal/model"
)

// Executor ties the entity store, data registry, and container runtime
// together into the recursive run interpreter.
type Executor struct {
	store   *entitystore.Store
	data    *dataregistry.Registry
	runtime *containerrt.Runtime
	tempDir string
}

func New(store *entitystore.Store, data *dataregistry.Registry, runtime *containerrt.Runtime, tempDir string) *Executor {
	return &Executor{store: store, data: data, runtime: runtime, tempDir: tempDir}
}

// Request is a run descriptor: a name and a referer to the workflow to
// execute.
type Request struct {
	Name     string
	Workflow entitystore.Referer
}

// Execute runs req to completion (or first failure) and stores the
// resulting Run, returning its identifier.
func (e *Executor) Execute(ctx context.Context, req Request, initial map[string]model.ChannelBinding, creatingUser hashid.ID) (hashid.ID, model.Run, error) {
	wfID, err := e.store.ResolveWorkflow(req.Workflow)
	if err != nil {
		return "", model.Run{}, apperr.Userf("run_workflow_not_found", err, map[string]any{"name": req.Workflow.Name})
	}
	wf, ok := e.store.GetWorkflow(wfID)
	if !ok {
		return "", model.Run{}, apperr.System("run_workflow_disappeared", map[string]any{"id": wfID})
	}

	run := model.Run{
		Name:            req.Name,
		Workflow:        wf,
		HashOfWorkflow:  string(wfID),
		ChannelBindings: make(map[string]model.ChannelBinding),
		Log:             []string{fmt.Sprintf("run %q started against workflow %s", req.Name, wfID)},
		Success:         true,
	}

	e.checkUsageChannelCoverage(&wf, &run)

	bindings := make(map[string]model.ChannelBinding, len(initial))
	for k, v := range initial {
		bindings[k] = v
	}

	for _, usageName := range wf.TopoOrder {
		usage := wf.Usages[usageName]

		var ok bool
		var err error
		switch {
		case usage.Node != nil:
			ok, err = e.executeTerminal(ctx, wf, usageName, usage, bindings, &run, creatingUser)
		case usage.Workflow != nil:
			ok, err = e.executeSubWorkflow(ctx, usage, usageName, bindings, creatingUser, &run)
		default:
			ok, err = false, apperr.System("usage_references_nothing", map[string]any{"usage": usageName})
		}

		if err != nil || !ok {
			run.Success = false
			run.Log = append(run.Log, fmt.Sprintf("run %q cancelled at usage %q", req.Name, usageName))
			break
		}
	}

	newData := 0
	for name, b := range bindings {
		if b.Type != model.ChannelFile && b.Type != model.ChannelDirectory {
			continue
		}
		if b.HashOfData == "" {
			continue
		}
		run.ChannelBindings[name] = b
		newData++
	}

	run.Log = append(run.Log, fmt.Sprintf("run %q finished: new_data=%d success=%v", req.Name, newData, run.Success))

	id, stored, err := e.store.InsertRun(run, string(creatingUser))
	if err != nil {
		return "", model.Run{}, err
	}

	return id, stored, nil
}

// checkUsageChannelCoverage is spec.md §4.6 step 2: a warning-only check
// that every channel the referenced definition declares appears in the
// usage's renaming maps. Missing channels are logged, never fatal.
func (e *Executor) checkUsageChannelCoverage(wf *model.Workflow, run *model.Run) {
	for usageName, usage := range wf.Usages {
		switch {
		case usage.Node != nil:
			node, ok := e.store.GetNode(hashid.ID(usage.HashOfNodeDef))
			if !ok {
				continue
			}
			warnMissing(run, usageName, node.Inputs, usage.InputRenames)
			warnMissing(run, usageName, node.Outputs, usage.OutputRenames)

		case usage.Workflow != nil:
			sub, ok := e.store.GetWorkflow(hashid.ID(usage.HashOfWorkflowDef))
			if !ok {
				continue
			}
			warnMissing(run, usageName, sub.Input, usage.InputRenames)
			warnMissing(run, usageName, sub.Output, usage.OutputRenames)
		}
	}
}

func warnMissing[T any](run *model.Run, usageName string, defChannels map[string]T, renames map[string]string) {
	for ch := range defChannels {
		if _, ok := renames[ch]; !ok {
			run.Log = append(run.Log, fmt.Sprintf("warning: usage %q missing a binding for channel %q", usageName, ch))
		}
	}
}
