// Package server is the minimal HTTP thin-dispatch layer spec.md §6
// describes as out of core scope: one POST endpoint per operation,
// a common request/response envelope, and translation of *apperr.Error
// into the parma_exception body. It wires the five registries/executor
// together exactly as cmd/atd constructs them.
package server

import (
	"context"
	"encoding/json"
	"net"
	"net/http"

	"github.com/rakunlabs/ada"
	mlog "github.com/rakunlabs/ada/middleware/log"
	mrecover "github.com/rakunlabs/ada/middleware/recover"
	mrequestid "github.com/rakunlabs/ada/middleware/requestid"

	"github.com/rakunlabs/atflow/internal/apperr"
	"github.com/rakunlabs/atflow/internal/config"
	"github.com/rakunlabs/atflow/internal/dataregistry"
	"github.com/rakunlabs/atflow/internal/entitystore"
	"github.com/rakunlabs/atflow/internal/hashid"
	"github.com/rakunlabs/atflow/internal/noderegistry"
	"github.com/rakunlabs/atflow/internal/runexec"
	"github.com/rakunlabs/atflow/internal/view"
	"github.com/rakunlabs/atflow/internal/workflowregistry"
)

// Server holds the mux and the core collaborators every handler
// delegates to.
type Server struct {
	cfg      config.Server
	storeDir string

	mux *ada.Server

	store     *entitystore.Store
	data      *dataregistry.Registry
	nodes     *noderegistry.Registry
	workflows *workflowregistry.Registry
	runs      *runexec.Executor
	view      *view.View
}

func New(cfg config.Server, storeDir string, store *entitystore.Store, data *dataregistry.Registry, nodes *noderegistry.Registry, workflows *workflowregistry.Registry, runs *runexec.Executor, v *view.View) *Server {
	mux := ada.New()
	mux.Use(
		mrecover.Middleware(),
		mrequestid.Middleware(),
		mlog.Middleware(),
	)

	s := &Server{cfg: cfg, storeDir: storeDir, mux: mux, store: store, data: data, nodes: nodes, workflows: workflows, runs: runs, view: v}

	mux.POST("/login", s.handleLogin)
	mux.POST("/store", s.handleStore)
	mux.POST("/user", s.handleUser)
	mux.POST("/data", s.handleData)
	mux.POST("/node", s.handleNode)
	mux.POST("/workflow", s.handleWorkflow)
	mux.POST("/refine", s.handleRefine)
	mux.POST("/run", s.handleRun)
	mux.POST("/get_data", s.handleGetData)
	mux.POST("/export", s.handleExport)
	mux.POST("/view/table", s.handleViewTable)
	mux.POST("/view/data_of", s.handleViewDataOf)
	mux.POST("/view/log_of", s.handleViewLogOf)

	return s
}

func (s *Server) Start(ctx context.Context) error {
	return s.mux.StartWithContext(ctx, net.JoinHostPort(s.cfg.Host, s.cfg.Port))
}

// envelope is the common request shape (spec.md §6): an
// authentication token plus an operation-specific param payload.
type envelope struct {
	AuthentificationToken string          `json:"authentification_token"`
	Param                 json.RawMessage `json:"param"`
}

// writeOK encodes a successful response, merging in the operation's
// own fields via extra (nil for operations with no payload beyond
// success/hash).
func writeOK(w http.ResponseWriter, hash string, extra map[string]any) {
	body := map[string]any{"success": true}
	if hash != "" {
		body["hash"] = hash
	}
	for k, v := range extra {
		body[k] = v
	}
	writeJSON(w, http.StatusOK, body)
}

// writeErr translates err into the parma_exception envelope, tagging
// any non-*apperr.Error as SYSTEM_ERROR per spec.md §7.
func writeErr(w http.ResponseWriter, err error) {
	category, msg, params := apperr.SystemError, "internal_error", map[string]any{}
	var e *apperr.Error
	if errAs(err, &e) {
		category, msg, params = e.Category, e.Msg, e.Params
	} else {
		params["cause"] = err.Error()
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success":         false,
		"exception":       err.Error(),
		"parma_exception": map[string]any{
			"category": category,
			"msg":      msg,
			"params":   params,
		},
	})
}

func errAs(err error, target **apperr.Error) bool {
	for err != nil {
		if e, ok := err.(*apperr.Error); ok {
			*target = e
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

func writeJSON(w http.ResponseWriter, code int, body any) {
	v, _ := json.Marshal(body)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(v)
}

// decodeEnvelope reads the common envelope and authenticates the
// token, then unmarshals Param into param.
func (s *Server) decodeEnvelope(r *http.Request, param any) (hashid.ID, error) {
	var env envelope
	if err := json.NewDecoder(r.Body).Decode(&env); err != nil {
		return "", apperr.Userf("invalid_request_body", err, nil)
	}

	token := hashid.ID(env.AuthentificationToken)
	if !s.store.UserExists(token) {
		return "", apperr.User("unauthenticated", map[string]any{"token": env.AuthentificationToken})
	}

	if len(env.Param) > 0 && param != nil {
		if err := json.Unmarshal(env.Param, param); err != nil {
			return "", apperr.Userf("invalid_param", err, nil)
		}
	}

	return token, nil
}

// refererOf is a small request shape shared by endpoints that take a
// single referer ({ name, version } or { hash }).
type refererOf struct {
	Name    string `json:"name"`
	Version string `json:"version"`
	Hash    string `json:"hash"`
}

func (r refererOf) toEntitystore() entitystore.Referer {
	return entitystore.Referer{Name: r.Name, Version: r.Version, Prefix: r.Hash}
}
