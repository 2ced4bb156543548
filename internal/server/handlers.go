package server

import (
	"encoding/json"
	"net/http"

	"github.com/rakunlabs/atflow/internal/apperr"
	"github.com/rakunlabs/atflow/internal/dataregistry"
	"github.com/rakunlabs/atflow/internal/model"
	"github.com/rakunlabs/atflow/internal/noderegistry"
	"github.com/rakunlabs/atflow/internal/runexec"
	"github.com/rakunlabs/atflow/internal/view"
	"github.com/rakunlabs/atflow/internal/workflowregistry"
)

func decodeJSON(r *http.Request, dest any) error {
	if err := json.NewDecoder(r.Body).Decode(dest); err != nil {
		return apperr.Userf("invalid_request_body", err, nil)
	}
	return nil
}

// ─── /login ───

type loginParam struct {
	Name string `json:"name"`
}

// handleLogin is the one operation with no authentication token
// (spec.md §6): it resolves a login name to a user identifier, which
// the client then supplies as authentification_token on every later
// request.
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var env struct {
		Param loginParam `json:"param"`
	}
	if err := decodeJSON(r, &env); err != nil {
		writeErr(w, err)
		return
	}

	for _, id := range s.store.AllIDs() {
		u, ok := s.store.GetUser(id)
		if ok && u.LoginName == env.Param.Name {
			writeOK(w, string(id), map[string]any{"identifier": string(id)})
			return
		}
	}

	writeErr(w, apperr.User("user_not_found", map[string]any{"name": env.Param.Name}))
}

// ─── /store ───

// handleStore triggers an explicit persistence of the five tables to
// the configured entity-store directory (spec.md §4.2).
func (s *Server) handleStore(w http.ResponseWriter, r *http.Request) {
	if _, err := s.decodeEnvelope(r, nil); err != nil {
		writeErr(w, err)
		return
	}

	if err := s.store.Persist(s.storeDir); err != nil {
		writeErr(w, apperr.Systemf("persist_failed", err, nil))
		return
	}

	writeOK(w, "", nil)
}

// ─── /user ───

type userParam struct {
	LoginName   string `json:"login_name"`
	DisplayName string `json:"display_name"`
	Superuser   bool   `json:"superuser"`
}

func (s *Server) handleUser(w http.ResponseWriter, r *http.Request) {
	var param userParam
	creatingUser, err := s.decodeEnvelope(r, &param)
	if err != nil {
		writeErr(w, err)
		return
	}

	id, u, err := s.store.InsertUser(model.User{
		LoginName:   param.LoginName,
		DisplayName: param.DisplayName,
		Superuser:   param.Superuser,
	}, string(creatingUser))
	if err != nil {
		writeErr(w, err)
		return
	}

	writeOK(w, string(id), map[string]any{"user": u})
}

// ─── /data ───

type dataParam struct {
	Name     string            `json:"name"`
	Type     model.DataType    `json:"type"`
	Storage  model.DataStorage `json:"storage"`
	HashFlag bool              `json:"hash_flag"`
	Format   string            `json:"format"`
	UserPath string            `json:"user_path"`
}

func (s *Server) handleData(w http.ResponseWriter, r *http.Request) {
	var param dataParam
	creatingUser, err := s.decodeEnvelope(r, &param)
	if err != nil {
		writeErr(w, err)
		return
	}

	id, d, err := s.data.Register(dataregistry.Descriptor{
		Name: param.Name, Type: param.Type, Storage: param.Storage,
		HashFlag: param.HashFlag, Format: param.Format, UserPath: param.UserPath,
	}, creatingUser)
	if err != nil {
		writeErr(w, err)
		return
	}

	writeOK(w, string(id), map[string]any{"data": d})
}

// ─── /node ───

type nodeParam struct {
	Name    string                       `json:"name"`
	Kind    model.NodeKind               `json:"kind"`
	Image   *model.ImageRef              `json:"image,omitempty"`
	Script  *model.ScriptRef             `json:"script,omitempty"`
	Inputs  map[string]model.NodeChannel `json:"inputs"`
	Outputs map[string]model.NodeChannel `json:"outputs"`
}

func (s *Server) handleNode(w http.ResponseWriter, r *http.Request) {
	var param nodeParam
	creatingUser, err := s.decodeEnvelope(r, &param)
	if err != nil {
		writeErr(w, err)
		return
	}

	id, n, err := s.nodes.Register(r.Context(), noderegistry.Descriptor{
		Name: param.Name, Kind: param.Kind, Image: param.Image, Script: param.Script,
		Inputs: param.Inputs, Outputs: param.Outputs,
	}, creatingUser)
	if err != nil {
		writeErr(w, err)
		return
	}

	writeOK(w, string(id), map[string]any{"node": n})
}

// ─── /workflow ───

type workflowParam struct {
	Name     string                           `json:"name"`
	Input    map[string]model.WorkflowChannel `json:"input"`
	Output   map[string]model.WorkflowChannel `json:"output"`
	Bind     map[string]model.WorkflowChannel `json:"bind"`
	Connect  map[string]model.WorkflowChannel `json:"connect"`
	Usages   map[string]model.NodeUsage       `json:"usages"`
	Sequence [][]string                       `json:"sequence,omitempty"`
}

func (s *Server) handleWorkflow(w http.ResponseWriter, r *http.Request) {
	var param workflowParam
	creatingUser, err := s.decodeEnvelope(r, &param)
	if err != nil {
		writeErr(w, err)
		return
	}

	id, wf, err := s.workflows.Register(workflowregistry.Descriptor{
		Name: param.Name, Input: param.Input, Output: param.Output,
		Bind: param.Bind, Connect: param.Connect, Usages: param.Usages, Sequence: param.Sequence,
	}, creatingUser)
	if err != nil {
		writeErr(w, err)
		return
	}

	writeOK(w, string(id), map[string]any{"workflow": wf})
}

// ─── /refine ───

type refineParam struct {
	Source            refererOf                        `json:"source"`
	ReplaceByNode     map[string]model.DefRef          `json:"replace_by_node,omitempty"`
	ReplaceByWorkflow map[string]model.DefRef          `json:"replace_by_workflow,omitempty"`
	ReplaceBind       map[string]model.WorkflowChannel `json:"replace_bind,omitempty"`
}

func (s *Server) handleRefine(w http.ResponseWriter, r *http.Request) {
	var param refineParam
	creatingUser, err := s.decodeEnvelope(r, &param)
	if err != nil {
		writeErr(w, err)
		return
	}

	id, wf, err := s.workflows.Refine(workflowregistry.RefineRequest{
		Source:            param.Source.toEntitystore(),
		ReplaceByNode:      param.ReplaceByNode,
		ReplaceByWorkflow:  param.ReplaceByWorkflow,
		ReplaceBind:        param.ReplaceBind,
	}, creatingUser)
	if err != nil {
		writeErr(w, err)
		return
	}

	writeOK(w, string(id), map[string]any{"workflow": wf})
}

// ─── /run ───

type runParam struct {
	Name     string                          `json:"name"`
	Workflow refererOf                       `json:"workflow"`
	Initial  map[string]model.ChannelBinding `json:"initial,omitempty"`
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	var param runParam
	creatingUser, err := s.decodeEnvelope(r, &param)
	if err != nil {
		writeErr(w, err)
		return
	}

	id, run, err := s.runs.Execute(r.Context(), runexec.Request{
		Name: param.Name, Workflow: param.Workflow.toEntitystore(),
	}, param.Initial, creatingUser)
	if err != nil {
		writeErr(w, err)
		return
	}

	writeOK(w, string(id), map[string]any{"run": run})
}

// ─── /get_data ───

type getDataParam struct {
	Referer refererOf `json:"referer"`
}

func (s *Server) handleGetData(w http.ResponseWriter, r *http.Request) {
	var param getDataParam
	_, err := s.decodeEnvelope(r, &param)
	if err != nil {
		writeErr(w, err)
		return
	}

	id, d, err := s.data.Lookup(param.Referer.toEntitystore())
	if err != nil {
		writeErr(w, err)
		return
	}

	writeOK(w, string(id), map[string]any{"data": d})
}

// ─── /export ───

type exportParam struct {
	Referer refererOf `json:"referer"`
	Dest    string    `json:"dest,omitempty"`
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	var param exportParam
	_, err := s.decodeEnvelope(r, &param)
	if err != nil {
		writeErr(w, err)
		return
	}

	ref := param.Referer.toEntitystore()

	if param.Dest != "" {
		if err := view.ExportTo(s.data, ref, param.Dest); err != nil {
			writeErr(w, err)
			return
		}
		writeOK(w, "", map[string]any{"dest": param.Dest})
		return
	}

	content, err := view.Export(s.data, s.store, ref)
	if err != nil {
		writeErr(w, err)
		return
	}

	writeOK(w, "", map[string]any{"content": string(content)})
}

// ─── /view/table ───

type viewTableParam struct {
	Table   string `json:"table"`
	Pattern string `json:"pattern,omitempty"`
	Limit   int    `json:"limit,omitempty"`
}

func (s *Server) handleViewTable(w http.ResponseWriter, r *http.Request) {
	var param viewTableParam
	_, err := s.decodeEnvelope(r, &param)
	if err != nil {
		writeErr(w, err)
		return
	}

	rows, err := s.view.Table(view.Request{Table: param.Table, Pattern: param.Pattern, Limit: param.Limit})
	if err != nil {
		writeErr(w, err)
		return
	}

	writeOK(w, "", map[string]any{"rows": rows})
}

// ─── /view/data_of, /view/log_of ───

type viewRunParam struct {
	Referer refererOf `json:"referer"`
}

func (s *Server) handleViewDataOf(w http.ResponseWriter, r *http.Request) {
	var param viewRunParam
	_, err := s.decodeEnvelope(r, &param)
	if err != nil {
		writeErr(w, err)
		return
	}

	bindings, err := s.view.DataOf(param.Referer.toEntitystore())
	if err != nil {
		writeErr(w, err)
		return
	}

	writeOK(w, "", map[string]any{"channel_bindings": bindings})
}

func (s *Server) handleViewLogOf(w http.ResponseWriter, r *http.Request) {
	var param viewRunParam
	_, err := s.decodeEnvelope(r, &param)
	if err != nil {
		writeErr(w, err)
		return
	}

	log, err := s.view.LogOf(param.Referer.toEntitystore())
	if err != nil {
		writeErr(w, err)
		return
	}

	writeOK(w, "", map[string]any{"log": log})
}
