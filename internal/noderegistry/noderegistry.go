// Package noderegistry validates and registers node definitions: image
// nodes (container images resolved to a pinned digest) and script nodes
// (executable Data entries), per spec.md §4.4.
package noderegistry

import (
	"context"
	"os"
	"runtime"

	"github.com/go-playground/validator/v10"

	"github.com/rakunlabs/atflow/internal/apperr"
	"github.com/rakunlabs/atflow/internal/containerrt"
	"github.com/rakunlabs/atflow/internal/entitystore"
	"github.com/rakunlabs/atflow/internal/hashid"
	"github.com/rakunlabs/atflow/internal/model"
)

// descriptor is the validator-tagged shape of a node registration
// request; it stands in for the schema-file validation spec.md treats
// as an external black box.
type descriptor struct {
	Name    string                       `validate:"required"`
	Kind    model.NodeKind               `validate:"required,oneof=image script"`
	Image   *model.ImageRef              `validate:"required_if=Kind image,omitempty"`
	Script  *model.ScriptRef             `validate:"required_if=Kind script,omitempty"`
	Inputs  map[string]model.NodeChannel `validate:"dive"`
	Outputs map[string]model.NodeChannel `validate:"dive"`
}

// Registry validates and stores Node entities.
type Registry struct {
	store    *entitystore.Store
	data     dataLookup
	runtime  *containerrt.Runtime
	validate *validator.Validate
}

// dataLookup is the slice of dataregistry.Registry noderegistry needs:
// resolving a script's backing Data entry and its on-disk path.
type dataLookup interface {
	Lookup(ref entitystore.Referer) (hashid.ID, model.Data, error)
	OnDiskPath(d model.Data) string
}

func New(store *entitystore.Store, data dataLookup, rt *containerrt.Runtime) *Registry {
	return &Registry{store: store, data: data, runtime: rt, validate: validator.New()}
}

// Descriptor is the public registration request shape.
type Descriptor struct {
	Name    string
	Kind    model.NodeKind
	Image   *model.ImageRef
	Script  *model.ScriptRef
	Inputs  map[string]model.NodeChannel
	Outputs map[string]model.NodeChannel
}

// Register validates desc per spec.md §4.4 and, on success, inserts the
// node and returns its identifier.
func (r *Registry) Register(ctx context.Context, desc Descriptor, creatingUser hashid.ID) (hashid.ID, model.Node, error) {
	d := descriptor{
		Name: desc.Name, Kind: desc.Kind, Image: desc.Image, Script: desc.Script,
		Inputs: desc.Inputs, Outputs: desc.Outputs,
	}
	if err := r.validate.Struct(d); err != nil {
		return "", model.Node{}, apperr.Userf("node_def_schema_invalid", err, map[string]any{"name": desc.Name})
	}

	if err := disjointChannels(desc.Inputs, desc.Outputs); err != nil {
		return "", model.Node{}, err
	}

	n := model.Node{
		Name:    desc.Name,
		Kind:    desc.Kind,
		Image:   desc.Image,
		Script:  desc.Script,
		Inputs:  desc.Inputs,
		Outputs: desc.Outputs,
	}

	switch desc.Kind {
	case model.NodeImage:
		if err := validateImageChannels(desc.Inputs, desc.Outputs); err != nil {
			return "", model.Node{}, err
		}
		digest, err := r.resolveImageDigest(ctx, desc.Image)
		if err != nil {
			return "", model.Node{}, err
		}
		n.ResolvedDigest = digest

	case model.NodeScript:
		if runtime.GOOS == "windows" {
			return "", model.Node{}, apperr.User("script_nodes_rejected_on_windows_host", nil)
		}
		if err := validateScriptChannels(desc.Inputs, desc.Outputs); err != nil {
			return "", model.Node{}, err
		}
		if err := r.verifyScriptExecutable(desc.Script); err != nil {
			return "", model.Node{}, err
		}
	}

	id, stored, err := r.store.InsertNode(n, string(creatingUser))
	if err != nil {
		return "", model.Node{}, err
	}

	return id, stored, nil
}

func disjointChannels(inputs, outputs map[string]model.NodeChannel) error {
	for name := range inputs {
		if _, ok := outputs[name]; ok {
			return apperr.User("node_input_output_channel_overlap", map[string]any{"channel": name})
		}
	}
	return nil
}

func validateImageChannels(inputs, outputs map[string]model.NodeChannel) error {
	for name, ch := range mergeChannels(inputs, outputs) {
		if ch.Type == model.ChannelFile || ch.Type == model.ChannelDirectory {
			if ch.PathInContainer == "" {
				return apperr.User("image_channel_missing_path_in_container", map[string]any{"channel": name})
			}
		}
	}
	return nil
}

func validateScriptChannels(inputs, outputs map[string]model.NodeChannel) error {
	for name, ch := range mergeChannels(inputs, outputs) {
		if ch.EnvironmentVarInContainer == "" {
			return apperr.User("script_channel_missing_environment_var", map[string]any{"channel": name})
		}
	}
	return nil
}

func mergeChannels(a, b map[string]model.NodeChannel) map[string]model.NodeChannel {
	out := make(map[string]model.NodeChannel, len(a)+len(b))
	for k, v := range a {
		out[k] = v
	}
	for k, v := range b {
		out[k] = v
	}
	return out
}

// resolveImageDigest resolves the image to a pinned digest, retrying
// through containerrt.ResolveDigest; a failure after retries is a user
// error (missing image), not a system error, per spec.md §4.4.
func (r *Registry) resolveImageDigest(ctx context.Context, img *model.ImageRef) (string, error) {
	if img.Digest != "" {
		return img.Digest, nil
	}

	nameVersion := img.Name
	if img.Version != "" {
		nameVersion = img.Name + ":" + img.Version
	}

	digest, err := containerrt.ResolveDigest(ctx, nameVersion)
	if err != nil {
		return "", apperr.Userf("image_not_found_after_retries", err, map[string]any{"image": nameVersion})
	}
	return digest, nil
}

// verifyScriptExecutable looks up the script's backing Data entry and
// marks it executable (chmod +x on its on-disk path).
func (r *Registry) verifyScriptExecutable(ref *model.ScriptRef) error {
	_, d, err := r.data.Lookup(entitystore.Referer{Name: ref.Name, Version: ref.Version, Prefix: ref.Hash})
	if err != nil {
		return apperr.Userf("script_data_entry_not_found", err, map[string]any{"name": ref.Name})
	}
	if d.Type != model.DataFile {
		return apperr.User("script_must_be_a_file", map[string]any{"name": ref.Name})
	}

	path := r.data.OnDiskPath(d)
	if err := os.Chmod(path, 0o755); err != nil {
		return apperr.Systemf("script_not_executable", err, map[string]any{"path": path})
	}
	return nil
}
