// Package workflowregistry validates and registers workflow definitions:
// channel-section disjointness, node-usage resolution, the
// producer/consumer bipartite check, topological ordering, and
// refinement (spec.md §4.5).
package workflowregistry

import (
	"github.com/go-playground/validator/v10"

	"github.com/rakunlabs/atflow/internal/apperr"
	"github.com/rakunlabs/atflow/internal/entitystore"
	"github.com/rakunlabs/atflow/internal/hashid"
	"github.com/rakunlabs/atflow/internal/model"
)

// Registry validates and stores Workflow entities.
type Registry struct {
	store    *entitystore.Store
	validate *validator.Validate
}

func New(store *entitystore.Store) *Registry {
	return &Registry{store: store, validate: validator.New()}
}

// Descriptor is the public registration request shape, identical to
// model.Workflow minus the Bookkeeping and derived fields.
type Descriptor struct {
	Name     string
	Input    map[string]model.WorkflowChannel
	Output   map[string]model.WorkflowChannel
	Bind     map[string]model.WorkflowChannel
	Connect  map[string]model.WorkflowChannel
	Usages   map[string]model.NodeUsage
	Sequence [][]string
}

// Register runs the full §4.5 validation pipeline and, on success,
// stores the workflow.
func (r *Registry) Register(desc Descriptor, creatingUser hashid.ID) (hashid.ID, model.Workflow, error) {
	w := model.Workflow{
		Name: desc.Name, Input: desc.Input, Output: desc.Output,
		Bind: desc.Bind, Connect: desc.Connect, Usages: desc.Usages, Sequence: desc.Sequence,
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

// validateAndResolve runs steps 1-7 of spec.md §4.5 against w in place,
// populating each usage's _hash_of_node_def/_hash_of_workflow_def and
// w's _topo_order.
func (r *Registry) validateAndResolve(w *model.Workflow) error {
	if err := r.validate.Struct(struct {
		Name string `validate:"required"`
	}{w.Name}); err != nil {
		return apperr.Userf("workflow_def_schema_invalid", err, map[string]any{"name": w.Name})
	}

	if err := checkSectionDisjointness(w); err != nil {
		return err
	}

	if err := r.resolveUsages(w); err != nil {
		return err
	}

	if err := checkEveryChannelIsARenameTarget(w); err != nil {
		return err
	}

	if err := checkOutputConnectShapes(w); err != nil {
		return err
	}

	producers, consumers, err := bipartiteSummary(w)
	if err != nil {
		return err
	}

	order, err := topoOrder(w, producers, consumers)
	if err != nil {
		return err
	}
	w.TopoOrder = order

	return nil
}

func checkSectionDisjointness(w *model.Workflow) error {
	sections := []map[string]model.WorkflowChannel{w.Input, w.Output, w.Bind, w.Connect}
	seen := make(map[string]string)
	names := []string{"input", "output", "bind", "connect"}
	for i, sec := range sections {
		for ch := range sec {
			if other, ok := seen[ch]; ok {
				return apperr.User("channel_section_overlap", map[string]any{"channel": ch, "sections": []string{other, names[i]}})
			}
			seen[ch] = names[i]
		}
	}
	return nil
}

// resolveUsages resolves each usage's definition referer to an
// identifier and checks its renaming maps against the definition's own
// channel-name sets and the workflow's permissible sections (step 3).
func (r *Registry) resolveUsages(w *model.Workflow) error {
	for usageName, usage := range w.Usages {
		switch {
		case usage.Node != nil:
			id, err := r.store.ResolveNode(entitystore.Referer{Name: usage.Node.Name, Version: usage.Node.Version, Prefix: usage.Node.Hash})
			if err != nil {
				return apperr.Userf("usage_node_def_not_found", err, map[string]any{"usage": usageName})
			}
			def, ok := r.store.GetNode(id)
			if !ok {
				return apperr.System("usage_node_def_disappeared", map[string]any{"usage": usageName, "id": id})
			}
			usage.HashOfNodeDef = string(id)
			if err := checkRenameSubset(usageName, usage.InputRenames, def.Inputs, w, true); err != nil {
				return err
			}
			if err := checkRenameSubset(usageName, usage.OutputRenames, def.Outputs, w, false); err != nil {
				return err
			}

		case usage.Workflow != nil:
			id, err := r.store.ResolveWorkflow(entitystore.Referer{Name: usage.Workflow.Name, Version: usage.Workflow.Version, Prefix: usage.Workflow.Hash})
			if err != nil {
				return apperr.Userf("usage_workflow_def_not_found", err, map[string]any{"usage": usageName})
			}
			def, ok := r.store.GetWorkflow(id)
			if !ok {
				return apperr.System("usage_workflow_def_disappeared", map[string]any{"usage": usageName, "id": id})
			}
			usage.HashOfWorkflowDef = string(id)
			if err := checkRenameSubset(usageName, usage.InputRenames, def.Input, w, true); err != nil {
				return err
			}
			if err := checkRenameSubset(usageName, usage.OutputRenames, def.Output, w, false); err != nil {
				return err
			}

		default:
			return apperr.User("usage_references_nothing", map[string]any{"usage": usageName})
		}

		w.Usages[usageName] = usage
	}
	return nil
}

// checkRenameSubset checks that renames' key-set is a subset of the
// definition's channel names, and that every rename target is declared
// in a permissible workflow section: input-side renames may target
// input/bind/connect; output-side renames may target output/connect.
func checkRenameSubset[T any](usageName string, renames map[string]string, defChannels map[string]T, w *model.Workflow, isInput bool) error {
	for defChannel, target := range renames {
		if _, ok := defChannels[defChannel]; !ok {
			return apperr.User("rename_references_unknown_def_channel", map[string]any{"usage": usageName, "channel": defChannel})
		}

		var ok bool
		if isInput {
			_, inInput := w.Input[target]
			_, inBind := w.Bind[target]
			_, inConnect := w.Connect[target]
			ok = inInput || inBind || inConnect
		} else {
			_, inOutput := w.Output[target]
			_, inConnect := w.Connect[target]
			ok = inOutput || inConnect
		}
		if !ok {
			return apperr.User("rename_target_not_in_permissible_section", map[string]any{"usage": usageName, "target": target})
		}
	}
	return nil
}

// checkEveryChannelIsARenameTarget is step 4: every workflow-level
// channel name must appear as a renaming target somewhere.
func checkEveryChannelIsARenameTarget(w *model.Workflow) error {
	targets := make(map[string]struct{})
	for _, usage := range w.Usages {
		for _, t := range usage.InputRenames {
			targets[t] = struct{}{}
		}
		for _, t := range usage.OutputRenames {
			targets[t] = struct{}{}
		}
	}

	for _, sec := range []map[string]model.WorkflowChannel{w.Input, w.Output, w.Bind, w.Connect} {
		for ch := range sec {
			if _, ok := targets[ch]; !ok {
				return apperr.User("channel_never_bound_to_a_usage", map[string]any{"channel": ch})
			}
		}
	}
	return nil
}

// checkOutputConnectShapes is step 5: directory output/connect channels
// require storage+hash+user_path; file output/connect channels forbid
// them.
func checkOutputConnectShapes(w *model.Workflow) error {
	for _, sec := range []map[string]model.WorkflowChannel{w.Output, w.Connect} {
		for name, ch := range sec {
			switch ch.Type {
			case model.ChannelDirectory:
				if ch.Storage == nil || ch.Hash == nil || ch.UserPath == nil {
					return apperr.User("directory_channel_missing_required_attributes", map[string]any{"channel": name})
				}
			case model.ChannelFile:
				if ch.Storage != nil || ch.Hash != nil || ch.UserPath != nil {
					return apperr.User("file_channel_forbids_directory_attributes", map[string]any{"channel": name})
				}
			}
		}
	}
	return nil
}

// bipartiteSummary is step 6: build the channel -> {producers, consumers}
// summary and check the single-producer / input-bind-exclusivity rules.
func bipartiteSummary(w *model.Workflow) (producers map[string]string, consumers map[string][]string, err error) {
	producers = make(map[string]string)
	consumers = make(map[string][]string)

	for usageName, usage := range w.Usages {
		for _, target := range usage.OutputRenames {
			if existing, ok := producers[target]; ok {
				return nil, nil, apperr.User("channel_has_multiple_producers", map[string]any{"channel": target, "producers": []string{existing, usageName}})
			}
			producers[target] = usageName
		}
	}

	for usageName, usage := range w.Usages {
		for _, target := range usage.InputRenames {
			consumers[target] = append(consumers[target], usageName)
		}
	}

	for ch := range w.Input {
		if _, produced := producers[ch]; produced {
			return nil, nil, apperr.User("input_channel_cannot_have_a_producer", map[string]any{"channel": ch})
		}
	}
	for ch := range w.Bind {
		if _, produced := producers[ch]; produced {
			return nil, nil, apperr.User("bind_channel_cannot_have_a_producer", map[string]any{"channel": ch})
		}
	}

	for ch := range mergeAllChannels(w) {
		if _, hasConsumer := consumers[ch]; hasConsumer {
			continue
		}
		if _, inOutput := w.Output[ch]; inOutput {
			continue
		}
		return nil, nil, apperr.User("channel_has_no_consumer_and_is_not_an_output", map[string]any{"channel": ch})
	}

	return producers, consumers, nil
}

func mergeAllChannels(w *model.Workflow) map[string]model.WorkflowChannel {
	out := make(map[string]model.WorkflowChannel)
	for _, sec := range []map[string]model.WorkflowChannel{w.Input, w.Output, w.Bind, w.Connect} {
		for k, v := range sec {
			out[k] = v
		}
	}
	return out
}

// topoOrder is step 7: build the producer->consumer DAG plus explicit
// sequence edges, topologically sort, and record producers-before-
// consumers order. The singleton special case handles a workflow with
// exactly one usage and no edges.
func topoOrder(w *model.Workflow, producers map[string]string, consumers map[string][]string) ([]string, error) {
	nodes := make(map[string]struct{}, len(w.Usages))
	for name := range w.Usages {
		nodes[name] = struct{}{}
	}

	edges := make(map[string]map[string]struct{})
	addEdge := func(from, to string) {
		if edges[from] == nil {
			edges[from] = make(map[string]struct{})
		}
		edges[from][to] = struct{}{}
	}

	for ch, producer := range producers {
		for _, consumer := range consumers[ch] {
			addEdge(producer, consumer)
		}
	}

	for _, seq := range w.Sequence {
		for i := 0; i+1 < len(seq); i++ {
			for j := i + 1; j < len(seq); j++ {
				addEdge(seq[i], seq[j])
			}
		}
	}

	order, cyclic := kahn(nodes, edges)
	if cyclic {
		return nil, apperr.User("workflow_graph_has_a_cycle", nil)
	}

	if len(order) == 0 && len(nodes) == 1 {
		for name := range nodes {
			return []string{name}, nil
		}
	}

	return order, nil
}

func kahn(nodes map[string]struct{}, edges map[string]map[string]struct{}) ([]string, bool) {
	inDegree := make(map[string]int, len(nodes))
	for n := range nodes {
		inDegree[n] = 0
	}
	for _, tos := range edges {
		for to := range tos {
			inDegree[to]++
		}
	}

	var queue []string
	for n, d := range inDegree {
		if d == 0 {
			queue = append(queue, n)
		}
	}

	var order []string
	for len(queue) > 0 {
		// deterministic pick: smallest name first.
		minIdx := 0
		for i, n := range queue {
			if n < queue[minIdx] {
				minIdx = i
			}
		}
		cur := queue[minIdx]
		queue = append(queue[:minIdx], queue[minIdx+1:]...)
		order = append(order, cur)

		for to := range edges[cur] {
			inDegree[to]--
			if inDegree[to] == 0 {
				queue = append(queue, to)
			}
		}
	}

	if len(order) != len(nodes) {
		return nil, true
	}
	return order, false
}
