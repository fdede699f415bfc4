// Copyright 2026 The Gatehouse Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gatehouse-dev/gatehouse/approval"
	"github.com/gatehouse-dev/gatehouse/egress"
	"github.com/gatehouse-dev/gatehouse/gateway"
	"github.com/gatehouse-dev/gatehouse/sandbox"
)

// apiServer is the operator HTTP API. It is deliberately thin: every
// handler validates input, calls one gateway or store operation, and
// writes JSON.
type apiServer struct {
	gateway  *gateway.Gateway
	approval *approval.Handler
	logger   *slog.Logger

	// resolved tracks request ids this API has already resolved.
	// The store permits re-resolution (it keeps history); the HTTP
	// surface does not.
	resolvedMu sync.Mutex
	resolved   map[string]bool
}

func newAPIServer(controlGateway *gateway.Gateway, approvalHandler *approval.Handler, logger *slog.Logger) *apiServer {
	return &apiServer{
		gateway:  controlGateway,
		approval: approvalHandler,
		logger:   logger,
		resolved: make(map[string]bool),
	}
}

func (a *apiServer) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/healthz", a.handleHealthz)
	mux.HandleFunc("GET /v1/sandboxes", a.handleListSandboxes)
	mux.HandleFunc("POST /v1/sandboxes", a.handleCreateSandbox)
	mux.HandleFunc("GET /v1/sandboxes/{id}", a.handleGetSandbox)
	mux.HandleFunc("DELETE /v1/sandboxes/{id}", a.handleDestroySandbox)
	mux.HandleFunc("PUT /v1/sandboxes/{id}/allowlist", a.handleUpdateAllowlist)
	mux.HandleFunc("GET /v1/approvals", a.handleListApprovals)
	mux.HandleFunc("POST /v1/approvals/{id}/resolve", a.handleResolveApproval)
	mux.HandleFunc("GET /v1/policies", a.handleListPolicies)
	return mux
}

// errorResponse is the JSON body for every non-2xx response.
type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, format string, args ...any) {
	writeJSON(w, status, errorResponse{Error: fmt.Sprintf(format, args...)})
}

func (a *apiServer) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (a *apiServer) handleListSandboxes(w http.ResponseWriter, r *http.Request) {
	records := a.gateway.Store().List()
	if records == nil {
		records = []*sandbox.Record{}
	}
	writeJSON(w, http.StatusOK, records)
}

// createSandboxRequest is the POST /v1/sandboxes body.
type createSandboxRequest struct {
	Repo          string  `json:"repo"`
	Agent         string  `json:"agent,omitempty"`
	Branch        string  `json:"branch,omitempty"`
	NetworkPolicy string  `json:"network_policy,omitempty"`
	Prompt        string  `json:"prompt,omitempty"`
	CPUs          float64 `json:"cpus,omitempty"`
	MemoryMB      int     `json:"memory_mb,omitempty"`
}

func (a *apiServer) handleCreateSandbox(w http.ResponseWriter, r *http.Request) {
	var request createSandboxRequest
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body: %v", err)
		return
	}
	if request.Repo == "" {
		writeError(w, http.StatusBadRequest, "missing required field: repo")
		return
	}

	var limits *gateway.ResourceLimits
	if request.CPUs > 0 || request.MemoryMB > 0 {
		limits = &gateway.ResourceLimits{CPUs: request.CPUs, MemoryMB: request.MemoryMB}
	}

	record, err := a.gateway.CreateSandbox(r.Context(), gateway.CreateRequest{
		Repo:          request.Repo,
		Agent:         request.Agent,
		Branch:        request.Branch,
		NetworkPolicy: request.NetworkPolicy,
		Prompt:        request.Prompt,
		Limits:        limits,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "creating sandbox: %v", err)
		return
	}
	writeJSON(w, http.StatusAccepted, record)
}

func (a *apiServer) handleGetSandbox(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	record, ok := a.gateway.Store().Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, "sandbox %s not found", id)
		return
	}
	writeJSON(w, http.StatusOK, record)
}

func (a *apiServer) handleDestroySandbox(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := a.gateway.DestroySandbox(r.Context(), id); err != nil {
		if errors.Is(err, sandbox.ErrNotFound) {
			writeError(w, http.StatusNotFound, "sandbox %s not found", id)
			return
		}
		writeError(w, http.StatusInternalServerError, "destroying sandbox: %v", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": id, "status": "destroyed"})
}

// updateAllowlistRequest is the PUT /v1/sandboxes/{id}/allowlist body.
type updateAllowlistRequest struct {
	Allowlist []string `json:"allowlist"`
}

func (a *apiServer) handleUpdateAllowlist(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var request updateAllowlistRequest
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body: %v", err)
		return
	}

	if err := a.gateway.UpdateAllowlist(r.Context(), id, request.Allowlist); err != nil {
		if errors.Is(err, sandbox.ErrNotFound) {
			writeError(w, http.StatusNotFound, "sandbox %s not found", id)
			return
		}
		writeError(w, http.StatusInternalServerError, "updating allowlist: %v", err)
		return
	}
	record, _ := a.gateway.Store().Get(id)
	writeJSON(w, http.StatusOK, record)
}

func (a *apiServer) handleListApprovals(w http.ResponseWriter, r *http.Request) {
	sandboxID := r.URL.Query().Get("sandbox_id")

	var requests []*approval.Request
	if r.URL.Query().Get("all") == "true" {
		requests = a.gateway.Approvals().ListAll(sandboxID)
	} else {
		requests = a.gateway.Approvals().ListPending(sandboxID)
	}
	if requests == nil {
		requests = []*approval.Request{}
	}
	writeJSON(w, http.StatusOK, requests)
}

// resolveApprovalRequest is the POST /v1/approvals/{id}/resolve body.
type resolveApprovalRequest struct {
	Approved bool   `json:"approved"`
	Scope    string `json:"scope"`
	TTLMS    int64  `json:"ttl_ms,omitempty"`
	Reason   string `json:"reason,omitempty"`
	Approver string `json:"approver,omitempty"`
}

func (a *apiServer) handleResolveApproval(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var request resolveApprovalRequest
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body: %v", err)
		return
	}

	scope := approval.Scope(request.Scope)
	if request.Scope == "" {
		scope = approval.ScopeOnce
	}
	if !scope.Valid() {
		writeError(w, http.StatusBadRequest, "unknown scope %q", request.Scope)
		return
	}
	if scope == approval.ScopeTTL && request.TTLMS <= 0 {
		writeError(w, http.StatusBadRequest, "scope %q requires a positive ttl_ms", scope)
		return
	}

	// One resolution per request over this surface. The store keeps
	// every decision for history, so the guard lives here.
	a.resolvedMu.Lock()
	if a.resolved[id] {
		a.resolvedMu.Unlock()
		writeError(w, http.StatusConflict, "request %s already resolved", id)
		return
	}
	a.resolved[id] = true
	a.resolvedMu.Unlock()

	decision, err := a.gateway.Approvals().Resolve(id, request.Approved,
		scope, time.Duration(request.TTLMS)*time.Millisecond, request.Reason, request.Approver)
	if err != nil {
		a.resolvedMu.Lock()
		delete(a.resolved, id)
		a.resolvedMu.Unlock()
		if errors.Is(err, approval.ErrNotFound) {
			writeError(w, http.StatusNotFound, "approval request %s not found", id)
			return
		}
		writeError(w, http.StatusInternalServerError, "resolving approval: %v", err)
		return
	}

	a.approval.NotifyDecision(id, decision)
	a.logger.Info("approval resolved",
		"request_id", id,
		"approved", request.Approved,
		"scope", scope,
		"approver", request.Approver,
	)
	writeJSON(w, http.StatusOK, decision)
}

func (a *apiServer) handleListPolicies(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string][]string{"policies": egress.PresetNames()})
}
