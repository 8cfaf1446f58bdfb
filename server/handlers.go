package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/petal-labs/toolrelay/tool"
	"github.com/petal-labs/toolrelay/worker"
)

const readyTimeout = 3 * time.Second

// --- Probes ---

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type readyResponse struct {
	Status  string            `json:"status"`
	Checks  map[string]string `json:"checks"`
	Workers []string          `json:"workers,omitempty"`
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), readyTimeout)
	defer cancel()

	resp := readyResponse{Status: "ok", Checks: map[string]string{}}
	fail := func(name string, err error) {
		resp.Status = "unavailable"
		resp.Checks[name] = err.Error()
	}

	if s.store == nil {
		fail("store", errors.New("not configured"))
	} else if _, err := tool.ListServers(ctx, s.store, false); err != nil {
		fail("store", err)
	} else {
		resp.Checks["store"] = "ok"
	}
	if s.cache != nil {
		workers, err := s.cache.SMembers(ctx, worker.WorkersKey(s.appID))
		if err != nil {
			fail("cache", err)
		} else {
			resp.Checks["cache"] = "ok"
			resp.Workers = workers
		}
	}

	status := http.StatusOK
	if resp.Status != "ok" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}

// --- Tool servers ---

// serverView is a ToolServer without secrets.
type serverView struct {
	tool.ToolServer
	HasCredentialKey bool     `json:"has_credential_key"`
	AuthorizedApps   []string `json:"authorized_apps,omitempty"`
}

func newServerView(s tool.ToolServer) serverView {
	v := serverView{HasCredentialKey: s.CredentialEncryptKey != ""}
	for app := range s.Auth.VerificationTokens {
		v.AuthorizedApps = append(v.AuthorizedApps, app)
	}
	sort.Strings(v.AuthorizedApps)
	s.CredentialEncryptKey = ""
	s.Auth.VerificationTokens = nil
	v.ToolServer = s
	return v
}

func (s *Server) handleListServers(w http.ResponseWriter, r *http.Request) {
	includeDeleted, _ := strconv.ParseBool(r.URL.Query().Get("include_deleted"))
	servers, err := tool.ListServers(r.Context(), s.store, includeDeleted)
	if err != nil {
		writeToolError(w, err)
		return
	}
	out := make([]serverView, 0, len(servers))
	for _, srv := range servers {
		out = append(out, newServerView(srv))
	}
	writeJSON(w, http.StatusOK, map[string]any{"servers": out})
}

func (s *Server) handleGetServer(w http.ResponseWriter, r *http.Request) {
	namespace := chi.URLParam(r, "namespace")
	srv, ok, err := tool.GetServer(r.Context(), s.store, namespace)
	if err != nil {
		writeToolError(w, err)
		return
	}
	if !ok {
		writeToolError(w, &tool.NotFoundError{Kind: "tool server", Key: namespace})
		return
	}
	writeJSON(w, http.StatusOK, newServerView(srv))
}

func (s *Server) handleListTools(w http.ResponseWriter, r *http.Request) {
	namespace := chi.URLParam(r, "namespace")
	includeDeleted, _ := strconv.ParseBool(r.URL.Query().Get("include_deleted"))
	tools, err := tool.ListTools(r.Context(), s.store, namespace, includeDeleted)
	if err != nil {
		writeToolError(w, err)
		return
	}
	if tools == nil {
		tools = []tool.ToolDefinition{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"namespace": namespace, "tools": tools})
}

type registerRequest struct {
	tool.ServerDescriptor
	TeamID        string `json:"team_id,omitempty"`
	CreatorUserID string `json:"creator_user_id,omitempty"`
	Private       bool   `json:"private,omitempty"`
}

func (s *Server) handleRegisterServer(w http.ResponseWriter, r *http.Request) {
	if s.registry == nil {
		writeError(w, http.StatusServiceUnavailable, "UNAVAILABLE", "registry is not configured")
		return
	}
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid JSON body", err.Error())
		return
	}
	if req.Source() == "" {
		field := "manifest_url"
		if req.Type() == tool.ImportOpenAPISpec {
			field = "openapi_spec_url"
		}
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", field+" is required")
		return
	}

	result, err := s.registry.RegisterToolsServer(r.Context(), req.ServerDescriptor, tool.RegisterOptions{
		CreatorUserID: req.CreatorUserID,
		TeamID:        req.TeamID,
		Private:       req.Private,
	})
	if err != nil {
		s.logger.Warn("server: register tool server failed", "import_type", req.Type(), "source", req.Source(), "error", err)
		writeToolError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleEnqueueSync(w http.ResponseWriter, r *http.Request) {
	if s.cache == nil {
		writeError(w, http.StatusServiceUnavailable, "UNAVAILABLE", "sync queue is not configured")
		return
	}
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid JSON body", err.Error())
		return
	}
	if err := tool.EnqueueSync(r.Context(), s.cache, s.appID, req.ManifestURL); err != nil {
		writeToolError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "queued", "manifest_url": req.ManifestURL})
}

// --- Workers ---

func (s *Server) handleWorkers(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{}
	if s.cache != nil {
		members, err := s.cache.SMembers(r.Context(), worker.WorkersKey(s.appID))
		if err != nil {
			writeError(w, http.StatusInternalServerError, tool.ErrorCodeInternal, err.Error())
			return
		}
		resp["workers"] = members
	}
	if s.pool != nil {
		st, err := s.pool.Status(r.Context())
		if err != nil {
			writeError(w, http.StatusInternalServerError, tool.ErrorCodeInternal, err.Error())
			return
		}
		resp["local"] = st
	}
	writeJSON(w, http.StatusOK, resp)
}
