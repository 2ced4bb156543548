package runexec

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/oklog/ulid/v2"

	"github.com/rakunlabs/atflow/internal/apperr"
	"github.com/rakunlabs/atflow/internal/containerrt"
	"github.com/rakunlabs/atflow/internal/dataregistry"
	"github.com/rakunlabs/atflow/internal/entitystore"
	"github.com/rakunlabs/atflow/internal/hashid"
	"github.com/rakunlabs/atflow/internal/model"
)

// pendingOutput is the mount source resolved for one output channel
// before the child process runs; it is registered as a Data entry after
// the process exits (spec.md §4.6.1).
type pendingOutput struct {
	workflowName string
	hostPath     string
	nodeChannel  model.NodeChannel
	descriptor   model.WorkflowChannel
}

// executeTerminal resolves the node definition, materializes its input
// and output bindings, dispatches to the container runtime (image nodes)
// or execs the script directly (script nodes), and registers any
// produced outputs as new Data entries.
func (e *Executor) executeTerminal(ctx context.Context, wf model.Workflow, usageName string, usage model.NodeUsage, bindings map[string]model.ChannelBinding, run *model.Run, creatingUser hashid.ID) (bool, error) {
	node, ok := e.store.GetNode(hashid.ID(usage.HashOfNodeDef))
	if !ok {
		return false, apperr.System("terminal_node_def_disappeared", map[string]any{"usage": usageName})
	}

	var mounts []containerrt.MountPair
	var envs []containerrt.EnvPair

	for defChannel, workflowName := range usage.InputRenames {
		nodeChannel, ok := node.Inputs[defChannel]
		if !ok {
			return false, apperr.System("input_rename_references_unknown_channel", map[string]any{"usage": usageName, "channel": defChannel})
		}

		mount, env, err := e.resolveInputBinding(wf, workflowName, nodeChannel, bindings, node.Kind == model.NodeScript)
		if err != nil {
			return false, err
		}
		if mount != nil {
			mounts = append(mounts, *mount)
		}
		if env != nil {
			envs = append(envs, *env)
		}
	}

	var pending []pendingOutput
	for defChannel, workflowName := range usage.OutputRenames {
		nodeChannel, ok := node.Outputs[defChannel]
		if !ok {
			return false, apperr.System("output_rename_references_unknown_channel", map[string]any{"usage": usageName, "channel": defChannel})
		}

		out, err := e.materializeOutput(wf, workflowName, nodeChannel)
		if err != nil {
			return false, err
		}
		pending = append(pending, out)

		if node.Kind == model.NodeScript {
			envs = append(envs, containerrt.EnvPair{Name: nodeChannel.EnvironmentVarInContainer, Value: out.hostPath})
		} else {
			mounts = append(mounts, containerrt.MountPair{Host: out.hostPath, Container: nodeChannel.PathInContainer})
		}
	}

	var success bool
	switch node.Kind {
	case model.NodeImage:
		result, err := e.runtime.Run(ctx, containerrt.Invocation{Image: node.ResolvedDigest, Mounts: mounts, Env: envs})
		if err != nil {
			return false, apperr.Systemf("container_invocation_failed", err, map[string]any{"usage": usageName})
		}
		run.Log = append(run.Log, result.Command, result.Stdout, result.Stderr)
		success = result.Success

	case model.NodeScript:
		result, err := e.runScript(ctx, node, envs)
		if err != nil {
			return false, apperr.Systemf("script_invocation_failed", err, map[string]any{"usage": usageName})
		}
		run.Log = append(run.Log, result.Command, result.Stdout, result.Stderr)
		success = result.Success

	default:
		return false, apperr.System("unknown_node_kind", map[string]any{"usage": usageName, "kind": node.Kind})
	}

	for _, out := range pending {
		id, _, err := e.registerOutput(out, creatingUser)
		if err != nil {
			run.Log = append(run.Log, fmt.Sprintf("warning: output %q not registered: %v", out.workflowName, err))
			continue
		}
		bindings[out.workflowName] = model.ChannelBinding{
			Type:       out.nodeChannel.Type,
			Format:     out.descriptor.Format,
			HashOfData: string(id),
		}
	}

	return success, nil
}

// resolveInputBinding implements spec.md §4.6.1's input resolution: the
// workflow-name is either already bound (input/connect section) or
// sourced directly from the workflow's bind descriptor.
func (e *Executor) resolveInputBinding(wf model.Workflow, workflowName string, nodeChannel model.NodeChannel, bindings map[string]model.ChannelBinding, isScript bool) (*containerrt.MountPair, *containerrt.EnvPair, error) {
	_, isInput := wf.Input[workflowName]
	_, isConnect := wf.Connect[workflowName]

	if isInput || isConnect {
		binding, ok := bindings[workflowName]
		if !ok {
			return nil, nil, apperr.System("expected_binding_missing", map[string]any{"channel": workflowName})
		}
		return e.bindingToArgs(binding, nodeChannel, isScript)
	}

	bindDesc, ok := wf.Bind[workflowName]
	if !ok {
		return nil, nil, apperr.System("input_channel_source_undetermined", map[string]any{"channel": workflowName})
	}

	switch bindDesc.Type {
	case model.ChannelFile, model.ChannelDirectory:
		if bindDesc.DataRef == nil {
			return nil, nil, apperr.System("bind_channel_missing_data_ref", map[string]any{"channel": workflowName})
		}
		_, data, err := e.data.Lookup(refererFromDefRef(*bindDesc.DataRef))
		if err != nil {
			return nil, nil, apperr.Userf("bind_data_not_found", err, map[string]any{"channel": workflowName})
		}
		if isScript {
			return nil, &containerrt.EnvPair{Name: nodeChannel.EnvironmentVarInContainer, Value: e.data.OnDiskPath(data)}, nil
		}
		return &containerrt.MountPair{Host: e.data.OnDiskPath(data), Container: nodeChannel.PathInContainer}, nil, nil

	case model.ChannelEnvVar:
		if bindDesc.EnvValue == nil {
			return nil, nil, apperr.System("bind_channel_missing_env_value", map[string]any{"channel": workflowName})
		}
		return nil, &containerrt.EnvPair{Name: nodeChannel.EnvironmentVarInContainer, Value: *bindDesc.EnvValue}, nil

	default:
		return nil, nil, apperr.System("bind_channel_unknown_type", map[string]any{"channel": workflowName})
	}
}

// bindingToArgs turns an already-materialized channel binding into the
// mount pair or env pair the child process needs. For file/directory
// bindings, HashOfData is the identifier of the backing Data entity
// (not its content hash), resolved here to an on-disk path. Script
// nodes receive the host path as an environment variable since there is
// no container mount namespace to place it in.
func (e *Executor) bindingToArgs(binding model.ChannelBinding, nodeChannel model.NodeChannel, isScript bool) (*containerrt.MountPair, *containerrt.EnvPair, error) {
	switch binding.Type {
	case model.ChannelFile, model.ChannelDirectory:
		data, ok := e.store.GetData(hashid.ID(binding.HashOfData))
		if !ok {
			return nil, nil, apperr.System("bound_data_entry_disappeared", map[string]any{"id": binding.HashOfData})
		}
		if isScript {
			return nil, &containerrt.EnvPair{Name: nodeChannel.EnvironmentVarInContainer, Value: e.data.OnDiskPath(data)}, nil
		}
		return &containerrt.MountPair{Host: e.data.OnDiskPath(data), Container: nodeChannel.PathInContainer}, nil, nil
	case model.ChannelEnvVar:
		return nil, &containerrt.EnvPair{Name: nodeChannel.EnvironmentVarInContainer, Value: binding.EnvValue}, nil
	default:
		return nil, nil, apperr.System("binding_unknown_type", nil)
	}
}

func refererFromDefRef(ref model.DefRef) entitystore.Referer {
	return entitystore.Referer{Name: ref.Name, Version: ref.Version, Prefix: ref.Hash}
}

// materializeOutput allocates the host-side target for one output
// channel: a fresh temp path for platform storage, or the extern
// user_path, per spec.md §4.6.1.
func (e *Executor) materializeOutput(wf model.Workflow, workflowName string, nodeChannel model.NodeChannel) (pendingOutput, error) {
	desc, ok := wf.Output[workflowName]
	if !ok {
		desc, ok = wf.Connect[workflowName]
	}
	if !ok {
		return pendingOutput{}, apperr.System("output_channel_not_declared", map[string]any{"channel": workflowName})
	}

	storage := model.StoragePlatform
	if desc.Storage != nil {
		storage = *desc.Storage
	}

	switch nodeChannel.Type {
	case model.ChannelFile:
		if storage == model.StoragePlatform {
			dir, err := e.newOutputDir()
			if err != nil {
				return pendingOutput{}, apperr.Systemf("alloc_temp_dir_failed", err, map[string]any{"channel": workflowName})
			}
			path := filepath.Join(dir, workflowName)
			if err := os.WriteFile(path, nil, 0o644); err != nil {
				return pendingOutput{}, apperr.Systemf("create_output_file_failed", err, map[string]any{"channel": workflowName})
			}
			return pendingOutput{workflowName: workflowName, hostPath: path, nodeChannel: nodeChannel, descriptor: desc}, nil
		}

		if desc.UserPath == nil {
			return pendingOutput{}, apperr.System("extern_output_missing_user_path", map[string]any{"channel": workflowName})
		}
		path := *desc.UserPath
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return pendingOutput{}, apperr.Systemf("extern_output_not_writable", err, map[string]any{"channel": workflowName})
		}
		f.Close()
		return pendingOutput{workflowName: workflowName, hostPath: path, nodeChannel: nodeChannel, descriptor: desc}, nil

	case model.ChannelDirectory:
		if storage == model.StoragePlatform {
			dir, err := e.newOutputDir()
			if err != nil {
				return pendingOutput{}, apperr.Systemf("alloc_temp_dir_failed", err, map[string]any{"channel": workflowName})
			}
			return pendingOutput{workflowName: workflowName, hostPath: dir, nodeChannel: nodeChannel, descriptor: desc}, nil
		}

		if desc.UserPath == nil {
			return pendingOutput{}, apperr.System("extern_output_missing_user_path", map[string]any{"channel": workflowName})
		}
		path := *desc.UserPath
		if err := os.MkdirAll(path, 0o755); err != nil {
			return pendingOutput{}, apperr.Systemf("extern_output_dir_failed", err, map[string]any{"channel": workflowName})
		}
		return pendingOutput{workflowName: workflowName, hostPath: path, nodeChannel: nodeChannel, descriptor: desc}, nil

	default:
		return pendingOutput{}, apperr.System("output_channel_unsupported_type", map[string]any{"channel": workflowName})
	}
}

// newOutputDir allocates a short, sortable, collision-free per-output
// subdirectory under the temp directory (spec.md §6's "short-named
// per-output subdirectories"), naming it with a freshly generated ULID.
func (e *Executor) newOutputDir() (string, error) {
	dir := filepath.Join(e.tempDir, ulid.Make().String())
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	return dir, nil
}

func (e *Executor) registerOutput(out pendingOutput, creatingUser hashid.ID) (hashid.ID, model.Data, error) {
	hashFlag := true
	if out.descriptor.Hash != nil {
		hashFlag = *out.descriptor.Hash
	}
	storage := model.StoragePlatform
	if out.descriptor.Storage != nil {
		storage = *out.descriptor.Storage
	}
	dataType := model.DataFile
	if out.nodeChannel.Type == model.ChannelDirectory {
		dataType = model.DataDirectory
		hashFlag = false
		storage = model.StorageExtern
	}

	return e.data.Register(dataregistry.Descriptor{
		Name:     out.workflowName,
		Type:     dataType,
		Storage:  storage,
		HashFlag: hashFlag,
		Format:   out.descriptor.Format,
		UserPath: out.hostPath,
	}, creatingUser)
}

// runScript execs a script node directly (no container): each channel's
// host value — mount path or literal — is passed as an environment
// variable named by environment_var_in_container, per spec.md §4.4.
func (e *Executor) runScript(ctx context.Context, node model.Node, envs []containerrt.EnvPair) (containerrt.Result, error) {
	if node.Script == nil {
		return containerrt.Result{}, apperr.System("script_node_missing_script_ref", map[string]any{"node": node.Name})
	}

	_, data, err := e.data.Lookup(refererFromDefRef(model.DefRef{Name: node.Script.Name, Version: node.Script.Version, Hash: node.Script.Hash}))
	if err != nil {
		return containerrt.Result{}, fmt.Errorf("runexec: resolve script data entry: %w", err)
	}
	path := e.data.OnDiskPath(data)

	cmd := exec.CommandContext(ctx, path)
	cmd.Env = os.Environ()
	for _, env := range envs {
		cmd.Env = append(cmd.Env, env.Name+"="+env.Value)
	}

	var stdout, stderr []byte
	outPipe, _ := cmd.StdoutPipe()
	errPipe, _ := cmd.StderrPipe()
	if err := cmd.Start(); err != nil {
		return containerrt.Result{}, fmt.Errorf("runexec: start script: %w", err)
	}
	if outPipe != nil {
		stdout, _ = io.ReadAll(outPipe)
	}
	if errPipe != nil {
		stderr, _ = io.ReadAll(errPipe)
	}
	runErr := cmd.Wait()

	exitCode := 0
	success := true
	if runErr != nil {
		success = false
		if exitErr, ok := runErr.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			exitCode = -1
		}
	}

	return containerrt.Result{
		Command:  path,
		Stdout:   string(stdout),
		Stderr:   string(stderr),
		ExitCode: exitCode,
		Success:  success,
	}, nil
}
