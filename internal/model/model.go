// Package model defines the data model shared by every table in the
// entity store: User, Data, Node, Workflow, Run, and the channel
// descriptors that connect them (spec.md §3).
package model

import "github.com/rakunlabs/atflow/internal/hashid"

// Bookkeeping holds the three attributes every entity gets at insertion:
// a per-name monotonic version, a creation timestamp, and the id of the
// creating user. They participate in the entity's canonical hash, so
// two otherwise-identical registrations by different users (or at
// different versions) get different identifiers.
type Bookkeeping struct {
	Version   int    `json:"version"`
	CreatedAt string `json:"created_at"` // RFC3339
	CreatedBy string `json:"created_by"` // user identifier
}

// ─── User ───

type User struct {
	Bookkeeping
	DisplayName string `json:"display_name"`
	LoginName   string `json:"login_name"`
	Superuser   bool   `json:"superuser"`
}

// ─── Data ───

type DataType string

const (
	DataFile      DataType = "file"
	DataDirectory DataType = "directory"
)

type DataStorage string

const (
	StoragePlatform DataStorage = "platform"
	StorageExtern   DataStorage = "extern"
)

// Data represents a file or directory available to the platform
// (spec.md §3). ContentHash and InternalPath are derived at insertion.
type Data struct {
	Bookkeeping
	Name     string      `json:"name"`
	Type     DataType    `json:"type"`
	Storage  DataStorage `json:"storage"`
	HashFlag bool        `json:"hash_flag"`
	Format   string      `json:"format"`
	UserPath string      `json:"user_path"`
	// Derived.
	InternalPath string    `json:"internal_path"`
	ContentHash  hashid.ID `json:"content_hash,omitempty"`
}

// ─── Channel descriptors ───

type ChannelType string

const (
	ChannelFile      ChannelType = "file"
	ChannelDirectory ChannelType = "directory"
	ChannelEnvVar    ChannelType = "environment_var"
)

// NodeChannel is a single input/output declaration on a node definition.
type NodeChannel struct {
	Type                      ChannelType `json:"type"`
	Format                    string      `json:"format"`
	PathInContainer           string      `json:"path_in_container,omitempty"`
	EnvironmentVarInContainer string      `json:"environment_var_in_container,omitempty"`
}

// WorkflowChannel is a channel declared at the workflow boundary (input,
// output, bind, or connect). Storage/Hash/UserPath are required on
// output/connect channels of type directory and forbidden on those of
// type file (spec.md §4.5 step 5). DataRef/EnvValue are
// only meaningful on bind channels: a file/directory bind names the data
// entry that supplies it; an environment_var bind carries its literal
// value directly (spec.md §4.6.1).
type WorkflowChannel struct {
	Type     ChannelType  `json:"type"`
	Format   string       `json:"format"`
	Storage  *DataStorage `json:"storage,omitempty"`
	Hash     *bool        `json:"hash,omitempty"`
	UserPath *string      `json:"user_path,omitempty"`

	DataRef  *DefRef `json:"data_ref,omitempty"`
	EnvValue *string `json:"env_value,omitempty"`
}

// ─── Node ───

type NodeKind string

const (
	NodeImage  NodeKind = "image"
	NodeScript NodeKind = "script"
)

// ImageRef identifies a container image, either by name+version or by
// digest. Exactly one of the two forms is populated.
type ImageRef struct {
	Name    string `json:"name,omitempty"`
	Version string `json:"version,omitempty"`
	Digest  string `json:"digest,omitempty"`
}

// ScriptRef identifies a shell script stored as a Data entry.
type ScriptRef struct {
	Name    string `json:"name,omitempty"`
	Version string `json:"version,omitempty"`
	Hash    string `json:"hash,omitempty"`
}

// Node is a unit of execution: exactly one of Image or Script is set
// (spec.md §3).
type Node struct {
	Bookkeeping
	Name   string     `json:"name"`
	Kind   NodeKind   `json:"kind"`
	Image  *ImageRef  `json:"image,omitempty"`
	Script *ScriptRef `json:"script,omitempty"`

	Inputs  map[string]NodeChannel `json:"inputs"`
	Outputs map[string]NodeChannel `json:"outputs"`

	// ResolvedDigest is set at registration time for image nodes so later
	// invocations are pinned (spec.md §3).
	ResolvedDigest string `json:"resolved_digest,omitempty"`
}

// ─── Workflow ───

// DefRef references either a node-definition or a sub-workflow-definition,
// by name+version or by identifier.
type DefRef struct {
	Name    string `json:"name,omitempty"`
	Version string `json:"version,omitempty"`
	Hash    string `json:"hash,omitempty"`
}

// NodeUsage is an occurrence of a node or sub-workflow inside a workflow.
type NodeUsage struct {
	Node     *DefRef `json:"node,omitempty"`
	Workflow *DefRef `json:"workflow,omitempty"`

	// InputRenames maps the referenced definition's input-channel names to
	// this workflow's own channel names.
	InputRenames map[string]string `json:"input_renames"`
	// OutputRenames maps the referenced definition's output-channel names
	// to this workflow's own channel names.
	OutputRenames map[string]string `json:"output_renames"`

	// Derived: the resolved identifier of the referenced node/workflow.
	HashOfNodeDef     string `json:"_hash_of_node_def,omitempty"`
	HashOfWorkflowDef string `json:"_hash_of_workflow_def,omitempty"`
}

// Workflow is a named graph with four channel sections plus a map of
// node-usages and an optional explicit sequence constraint (spec.md §3).
type Workflow struct {
	Bookkeeping
	Name string `json:"name"`

	Input   map[string]WorkflowChannel `json:"input"`
	Output  map[string]WorkflowChannel `json:"output"`
	Bind    map[string]WorkflowChannel `json:"bind"`
	Connect map[string]WorkflowChannel `json:"connect"`

	Usages map[string]NodeUsage `json:"usages"`

	// Sequence lists ordered tuples of usage names that impose ordering
	// beyond what data dependencies already require.
	Sequence [][]string `json:"sequence,omitempty"`

	// Derived: the computed topological order (producers before consumers).
	TopoOrder []string `json:"_topo_order,omitempty"`
}

// ─── Run ───

// ChannelBinding is the runtime value bound to a channel name during
// execution: its declared shape plus the data entry that materialized it.
type ChannelBinding struct {
	Type       ChannelType `json:"type"`
	Format     string      `json:"format"`
	HashOfData string      `json:"hash_of_data,omitempty"`
	EnvValue   string      `json:"env_value,omitempty"`
}

// Run is a deep copy of a workflow at the moment of execution, enriched
// with outcome data (spec.md §3). The run table is never mutated after
// insertion.
type Run struct {
	Bookkeeping
	Name string `json:"name"`

	Workflow Workflow `json:"workflow"`

	HashOfWorkflow string `json:"_hash_of_workflow"`

	// ChannelBindings holds the final binding of every file/directory
	// channel bound to a data entry during the run: the caller-supplied
	// inputs as well as the materialized outputs and connects.
	ChannelBindings map[string]ChannelBinding `json:"_channel_bindings"`

	Log     []string `json:"_log"`
	Success bool     `json:"_success"`
}
