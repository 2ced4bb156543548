package runexec_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/rakunlabs/atflow/internal/containerrt"
	"github.com/rakunlabs/atflow/internal/dataregistry"
	"github.com/rakunlabs/atflow/internal/entitystore"
	"github.com/rakunlabs/atflow/internal/model"
	"github.com/rakunlabs/atflow/internal/noderegistry"
	"github.com/rakunlabs/atflow/internal/runexec"
)

// writeScript creates an executable shell script under dir that copies
// its input env var's file contents to its output env var's path.
func writeScript(t *testing.T, dir string) string {
	t.Helper()
	path := filepath.Join(dir, "copy.sh")
	script := "#!/bin/sh\ncp \"$IN_PATH\" \"$OUT_PATH\"\n"
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))
	return path
}

func TestExecute_ScriptNode_SingleStepRunSucceeds(t *testing.T) {
	dir := t.TempDir()
	scriptPath := writeScript(t, dir)

	inputPath := filepath.Join(dir, "input.txt")
	require.NoError(t, os.WriteFile(inputPath, []byte("hello"), 0o644))

	store := entitystore.New()
	data := dataregistry.New(store, filepath.Join(dir, "data"), dir)

	_, scriptData, err := data.Register(dataregistry.Descriptor{
		Name: "copy.sh", Type: model.DataFile, Storage: model.StoragePlatform, HashFlag: true, UserPath: scriptPath,
	}, "root")
	require.NoError(t, err)

	inputDataID, _, err := data.Register(dataregistry.Descriptor{
		Name: "input.txt", Type: model.DataFile, Storage: model.StoragePlatform, HashFlag: true, UserPath: inputPath,
	}, "root")
	require.NoError(t, err)

	nodes := noderegistry.New(store, data, containerrt.New(""))
	_, node, err := nodes.Register(context.Background(), noderegistry.Descriptor{
		Name:   "copy",
		Kind:   model.NodeScript,
		Script: &model.ScriptRef{Name: "copy.sh", Version: "1"},
		Inputs: map[string]model.NodeChannel{
			"in": {Type: model.ChannelFile, EnvironmentVarInContainer: "IN_PATH"},
		},
		Outputs: map[string]model.NodeChannel{
			"out": {Type: model.ChannelFile, EnvironmentVarInContainer: "OUT_PATH"},
		},
	}, "root")
	require.NoError(t, err)

	wf := model.Workflow{
		Name: "copy-wf",
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
		TopoOrder: []string{"step1"},
	}
	// Derived hash must point at the node actually stored; re-derive usage.
	usage := wf.Usages["step1"]
	nodeRef, err := store.ResolveNode(entitystore.Referer{Name: node.Name, Version: "1"})
	require.NoError(t, err)
	usage.HashOfNodeDef = string(nodeRef)
	wf.Usages["step1"] = usage

	_, storedWf, err := store.InsertWorkflow(wf, "root")
	require.NoError(t, err)

	exec := runexec.New(store, data, containerrt.New(""), t.TempDir())

	initial := map[string]model.ChannelBinding{
		"wf_in": {Type: model.ChannelFile, Format: "text", HashOfData: string(inputDataID)},
	}

	_, run, err := exec.Execute(context.Background(), runexec.Request{
		Name:     "run1",
		Workflow: entitystore.Referer{Name: storedWf.Name, Version: "1"},
	}, initial, "root")
	require.NoError(t, err)
	require.True(t, run.Success)
	require.Contains(t, run.ChannelBindings, "wf_out")

	_ = scriptData
}
