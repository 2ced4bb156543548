package runexec

import (
	"context"
	"fmt"

	"github.com/rakunlabs/atflow/internal/apperr"
	"github.com/rakunlabs/atflow/internal/entitystore"
	"github.com/rakunlabs/atflow/internal/hashid"
	"github.com/rakunlabs/atflow/internal/model"
)

// executeSubWorkflow projects the enclosing binding map onto the
// sub-workflow's own channel names, recurses, and projects the
// sub-run's outputs back (spec.md §4.6.2).
func (e *Executor) executeSubWorkflow(ctx context.Context, usage model.NodeUsage, usageName string, bindings map[string]model.ChannelBinding, creatingUser hashid.ID, run *model.Run) (bool, error) {
	sub := make(map[string]model.ChannelBinding, len(usage.InputRenames))
	for defChannel, workflowName := range usage.InputRenames {
		binding, ok := bindings[workflowName]
		if !ok {
			return false, apperr.System("sub_workflow_input_binding_missing", map[string]any{"usage": usageName, "channel": workflowName})
		}
		sub[defChannel] = binding
	}

	subID, subRun, err := e.Execute(ctx, Request{
		Name:     usageName,
		Workflow: entitystore.Referer{Prefix: usage.HashOfWorkflowDef},
	}, sub, creatingUser)
	if err != nil {
		return false, err
	}

	run.Log = append(run.Log, fmt.Sprintf("sub-workflow %q -> run %s success=%v", usageName, subID, subRun.Success))

	if !subRun.Success {
		return false, nil
	}

	for defChannel, workflowName := range usage.OutputRenames {
		binding, ok := subRun.ChannelBindings[defChannel]
		if !ok {
			run.Log = append(run.Log, fmt.Sprintf("warning: sub-workflow %q produced no binding for %q", usageName, defChannel))
			continue
		}
		if _, exists := bindings[workflowName]; exists {
			return false, apperr.System("sub_workflow_output_double_write", map[string]any{"usage": usageName, "channel": workflowName})
		}
		bindings[workflowName] = binding
	}

	return true, nil
}
