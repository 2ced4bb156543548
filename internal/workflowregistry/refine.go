package workflowregistry

import (
	"github.com/rakunlabs/atflow/internal/apperr"
	"github.com/rakunlabs/atflow/internal/entitystore"
	"github.com/rakunlabs/atflow/internal/hashid"
	"github.com/rakunlabs/atflow/internal/model"
)

// RefineRequest names the workflow to refine and the three optional
// substitution maps spec.md §4.5 defines.
type RefineRequest struct {
	Source entitystore.Referer

	// ReplaceByNode maps a node-usage name to a replacement node referer;
	// the replacement's channel-name sets must equal the original's.
	ReplaceByNode map[string]model.DefRef
	// ReplaceByWorkflow is the sub-workflow equivalent of ReplaceByNode.
	ReplaceByWorkflow map[string]model.DefRef
	// ReplaceBind maps a bind-channel name to a replacement descriptor;
	// type and format must match the original exactly.
	ReplaceBind map[string]model.WorkflowChannel
}

// Refine deep-copies the source workflow, strips its derived attributes,
// applies the requested substitutions, re-validates the result in full,
// and stores it as a new version under the same name.
func (r *Registry) Refine(req RefineRequest, creatingUser hashid.ID) (hashid.ID, model.Workflow, error) {
	srcID, err := r.store.ResolveWorkflow(req.Source)
	if err != nil {
		return "", model.Workflow{}, apperr.Userf("refine_source_not_found", err, map[string]any{"name": req.Source.Name})
	}
	src, ok := r.store.GetWorkflow(srcID)
	if !ok {
		return "", model.Workflow{}, apperr.System("refine_source_disappeared", map[string]any{"id": srcID})
	}

	w := deepCopyWorkflow(src)
	stripDerived(&w)

	for usageName, newDef := range req.ReplaceByNode {
		usage, ok := w.Usages[usageName]
		if !ok || usage.Node == nil {
			return "", model.Workflow{}, apperr.User("replace_by_node_unknown_usage", map[string]any{"usage": usageName})
		}
		newID, err := r.store.ResolveNode(entitystore.Referer{Name: newDef.Name, Version: newDef.Version, Prefix: newDef.Hash})
		if err != nil {
			return "", model.Workflow{}, apperr.Userf("replace_by_node_def_not_found", err, map[string]any{"usage": usageName})
		}
		newNode, ok := r.store.GetNode(newID)
		if !ok {
			return "", model.Workflow{}, apperr.System("replace_by_node_def_disappeared", map[string]any{"id": newID})
		}

		oldID, err := r.store.ResolveNode(entitystore.Referer{Name: usage.Node.Name, Version: usage.Node.Version, Prefix: usage.Node.Hash})
		if err != nil {
			return "", model.Workflow{}, apperr.Userf("replace_by_node_original_not_found", err, map[string]any{"usage": usageName})
		}
		oldNode, ok := r.store.GetNode(oldID)
		if !ok {
			return "", model.Workflow{}, apperr.System("replace_by_node_original_disappeared", map[string]any{"id": oldID})
		}

		if !sameChannelNames(oldNode.Inputs, newNode.Inputs) || !sameChannelNames(oldNode.Outputs, newNode.Outputs) {
			return "", model.Workflow{}, apperr.User("replace_by_node_channel_set_mismatch", map[string]any{"usage": usageName})
		}

		usage.Node = &model.DefRef{Name: newDef.Name, Version: newDef.Version, Hash: newDef.Hash}
		w.Usages[usageName] = usage
	}

	for usageName, newDef := range req.ReplaceByWorkflow {
		usage, ok := w.Usages[usageName]
		if !ok || usage.Workflow == nil {
			return "", model.Workflow{}, apperr.User("replace_by_workflow_unknown_usage", map[string]any{"usage": usageName})
		}
		newID, err := r.store.ResolveWorkflow(entitystore.Referer{Name: newDef.Name, Version: newDef.Version, Prefix: newDef.Hash})
		if err != nil {
			return "", model.Workflow{}, apperr.Userf("replace_by_workflow_def_not_found", err, map[string]any{"usage": usageName})
		}
		newWf, ok := r.store.GetWorkflow(newID)
		if !ok {
			return "", model.Workflow{}, apperr.System("replace_by_workflow_def_disappeared", map[string]any{"id": newID})
		}

		oldID, err := r.store.ResolveWorkflow(entitystore.Referer{Name: usage.Workflow.Name, Version: usage.Workflow.Version, Prefix: usage.Workflow.Hash})
		if err != nil {
			return "", model.Workflow{}, apperr.Userf("replace_by_workflow_original_not_found", err, map[string]any{"usage": usageName})
		}
		oldWf, ok := r.store.GetWorkflow(oldID)
		if !ok {
			return "", model.Workflow{}, apperr.System("replace_by_workflow_original_disappeared", map[string]any{"id": oldID})
		}

		if !sameChannelNames(oldWf.Input, newWf.Input) || !sameChannelNames(oldWf.Output, newWf.Output) {
			return "", model.Workflow{}, apperr.User("replace_by_workflow_channel_set_mismatch", map[string]any{"usage": usageName})
		}

		usage.Workflow = &model.DefRef{Name: newDef.Name, Version: newDef.Version, Hash: newDef.Hash}
		w.Usages[usageName] = usage
	}

	for bindName, newCh := range req.ReplaceBind {
		old, ok := w.Bind[bindName]
		if !ok {
			return "", model.Workflow{}, apperr.User("replace_bind_unknown_channel", map[string]any{"channel": bindName})
		}
		if old.Type != newCh.Type || old.Format != newCh.Format {
			return "", model.Workflow{}, apperr.User("replace_bind_type_or_format_mismatch", map[string]any{"channel": bindName})
		}
		w.Bind[bindName] = newCh
	}

	if err := r.validateAndResolve(&w); err != nil {
		return "", model.Workflow{}, err
	}

	id, stored, err := r.store.InsertWorkflow(w, string(creatingUser))
	if err != nil {
		return "", model.Workflow{}, err
	}

	return id, stored, nil
}

// stripDerived clears the attributes §4.5 names as derived (those
// prefixed `_` in JSON): the topological order and each usage's
// resolved-definition hashes, which revalidation recomputes.
func stripDerived(w *model.Workflow) {
	w.TopoOrder = nil
	for name, usage := range w.Usages {
		usage.HashOfNodeDef = ""
		usage.HashOfWorkflowDef = ""
		w.Usages[name] = usage
	}
}

func deepCopyWorkflow(w model.Workflow) model.Workflow {
	out := w
	out.Input = copyChannelMap(w.Input)
	out.Output = copyChannelMap(w.Output)
	out.Bind = copyChannelMap(w.Bind)
	out.Connect = copyChannelMap(w.Connect)

	out.Usages = make(map[string]model.NodeUsage, len(w.Usages))
	for name, u := range w.Usages {
		cp := u
		if u.Node != nil {
			n := *u.Node
			cp.Node = &n
		}
		if u.Workflow != nil {
			wf := *u.Workflow
			cp.Workflow = &wf
		}
		cp.InputRenames = copyStringMap(u.InputRenames)
		cp.OutputRenames = copyStringMap(u.OutputRenames)
		out.Usages[name] = cp
	}

	out.Sequence = make([][]string, len(w.Sequence))
	for i, seq := range w.Sequence {
		out.Sequence[i] = append([]string(nil), seq...)
	}

	return out
}

func copyChannelMap(m map[string]model.WorkflowChannel) map[string]model.WorkflowChannel {
	out := make(map[string]model.WorkflowChannel, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func copyStringMap(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func sameChannelNames[T any](a, b map[string]T) bool {
	if len(a) != len(b) {
		return false
	}
	for k := range a {
		if _, ok := b[k]; !ok {
			return false
		}
	}
	return true
}
