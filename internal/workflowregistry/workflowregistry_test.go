package workflowregistry_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/rakunlabs/atflow/internal/entitystore"
	"github.com/rakunlabs/atflow/internal/model"
	"github.com/rakunlabs/atflow/internal/workflowregistry"
)

func mustTrue(b bool) *bool { return &b }

func mustStr(s string) *string { return &s }

func TestRegister_SingleNodeWorkflow_TopoOrderIsSingleton(t *testing.T) {
	store := entitystore.New()

	_, node, err := store.InsertNode(model.Node{
		Name: "greet",
		Kind: model.NodeImage,
		Inputs: map[string]model.NodeChannel{
			"in": {Type: model.ChannelFile, PathInContainer: "/in"},
		},
		Outputs: map[string]model.NodeChannel{
			"out": {Type: model.ChannelFile, PathInContainer: "/out"},
		},
	}, "root")
	require.NoError(t, err)

	reg := workflowregistry.New(store)

	_, wf, err := reg.Register(workflowregistry.Descriptor{
		Name: "wf",
		Input: map[string]model.WorkflowChannel{
			"wf_in": {Type: model.ChannelFile},
		},
		Output: map[string]model.WorkflowChannel{
			"wf_out": {Type: model.ChannelFile},
		},
		Usages: map[string]model.NodeUsage{
			"step1": {
				Node:          &model.DefRef{Name: node.Name, Version: "1"},
				InputRenames:  map[string]string{"in": "wf_in"},
				OutputRenames: map[string]string{"out": "wf_out"},
			},
		},
	}, "root")
	require.NoError(t, err)
	require.Equal(t, []string{"step1"}, wf.TopoOrder)
}

func TestRegister_RejectsOverlappingChannelSections(t *testing.T) {
	store := entitystore.New()
	reg := workflowregistry.New(store)

	_, _, err := reg.Register(workflowregistry.Descriptor{
		Name:  "wf",
		Input: map[string]model.WorkflowChannel{"x": {Type: model.ChannelFile}},
		Bind:  map[string]model.WorkflowChannel{"x": {Type: model.ChannelFile}},
	}, "root")
	require.Error(t, err)
}

func TestRegister_RejectsDirectoryOutputMissingAttributes(t *testing.T) {
	store := entitystore.New()

	_, node, err := store.InsertNode(model.Node{
		Name: "dirnode",
		Kind: model.NodeImage,
		Outputs: map[string]model.NodeChannel{
			"out": {Type: model.ChannelDirectory, PathInContainer: "/out"},
		},
	}, "root")
	require.NoError(t, err)

	reg := workflowregistry.New(store)

	_, _, err = reg.Register(workflowregistry.Descriptor{
		Name: "wf",
		Output: map[string]model.WorkflowChannel{
			"wf_out": {Type: model.ChannelDirectory},
		},
		Usages: map[string]model.NodeUsage{
			"step1": {
				Node:          &model.DefRef{Name: node.Name, Version: "1"},
				OutputRenames: map[string]string{"out": "wf_out"},
			},
		},
	}, "root")
	require.Error(t, err)
}

func TestRegister_DirectoryOutputWithAttributesSucceeds(t *testing.T) {
	store := entitystore.New()

	_, node, err := store.InsertNode(model.Node{
		Name: "dirnode",
		Kind: model.NodeImage,
		Outputs: map[string]model.NodeChannel{
			"out": {Type: model.ChannelDirectory, PathInContainer: "/out"},
		},
	}, "root")
	require.NoError(t, err)

	reg := workflowregistry.New(store)

	storage := model.StoragePlatform
	_, _, err = reg.Register(workflowregistry.Descriptor{
		Name: "wf",
		Output: map[string]model.WorkflowChannel{
			"wf_out": {Type: model.ChannelDirectory, Storage: &storage, Hash: mustTrue(true), UserPath: mustStr("out")},
		},
		Usages: map[string]model.NodeUsage{
			"step1": {
				Node:          &model.DefRef{Name: node.Name, Version: "1"},
				OutputRenames: map[string]string{"out": "wf_out"},
			},
		},
	}, "root")
	require.NoError(t, err)
}

func TestRegister_RejectsCycle(t *testing.T) {
	store := entitystore.New()

	_, n1, err := store.InsertNode(model.Node{
		Name:    "a",
		Kind:    model.NodeImage,
		Inputs:  map[string]model.NodeChannel{"in": {Type: model.ChannelFile, PathInContainer: "/in"}},
		Outputs: map[string]model.NodeChannel{"out": {Type: model.ChannelFile, PathInContainer: "/out"}},
	}, "root")
	require.NoError(t, err)

	_, n2, err := store.InsertNode(model.Node{
		Name:    "b",
		Kind:    model.NodeImage,
		Inputs:  map[string]model.NodeChannel{"in": {Type: model.ChannelFile, PathInContainer: "/in"}},
		Outputs: map[string]model.NodeChannel{"out": {Type: model.ChannelFile, PathInContainer: "/out"}},
	}, "root")
	require.NoError(t, err)

	reg := workflowregistry.New(store)

	_, _, err = reg.Register(workflowregistry.Descriptor{
		Name: "wf",
		Input: map[string]model.WorkflowChannel{
			"seed": {Type: model.ChannelFile},
		},
		Output: map[string]model.WorkflowChannel{
			"result": {Type: model.ChannelFile},
		},
		Connect: map[string]model.WorkflowChannel{
			"mid": {Type: model.ChannelFile},
		},
		// step-a feeds step-b through "mid"; the sequence entry adds the
		// reverse edge step-b -> step-a, closing a cycle.
		Usages: map[string]model.NodeUsage{
			"step-a": {
				Node:          &model.DefRef{Name: n1.Name, Version: "1"},
				InputRenames:  map[string]string{"in": "seed"},
				OutputRenames: map[string]string{"out": "mid"},
			},
			"step-b": {
				Node:          &model.DefRef{Name: n2.Name, Version: "1"},
				InputRenames:  map[string]string{"in": "mid"},
				OutputRenames: map[string]string{"out": "result"},
			},
		},
		Sequence: [][]string{{"step-b", "step-a"}},
	}, "root")
	require.ErrorContains(t, err, "workflow_graph_has_a_cycle")
}
