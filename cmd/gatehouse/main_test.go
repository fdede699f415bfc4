// Copyright 2026 The Gatehouse Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gatehouse-dev/gatehouse/approval"
	"github.com/gatehouse-dev/gatehouse/sandbox"
)

func TestRootDispatchUnknownCommand(t *testing.T) {
	err := rootCommand().execute([]string{"frobnicate"})
	if err == nil {
		t.Fatal("expected error for unknown command")
	}
	if !strings.Contains(err.Error(), "frobnicate") {
		t.Errorf("expected error to name the command, got %q", err.Error())
	}
}

func TestRootRequiresSubcommand(t *testing.T) {
	if err := rootCommand().execute(nil); err == nil {
		t.Fatal("expected error when no subcommand given")
	}
}

func TestHelpFlagIsNotAnError(t *testing.T) {
	if err := rootCommand().execute([]string{"--help"}); err != nil {
		t.Fatalf("help must not be an error, got %v", err)
	}
	if err := rootCommand().execute([]string{"list", "--help"}); err != nil {
		t.Fatalf("subcommand help must not be an error, got %v", err)
	}
}

func TestListAgainstDaemon(t *testing.T) {
	daemon := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet || r.URL.Path != "/v1/sandboxes" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		json.NewEncoder(w).Encode([]sandbox.Record{
			{ID: "sb-1", State: sandbox.StateRunning, Repo: "github.com/example/project", CreatedAt: time.Now()},
		})
	}))
	defer daemon.Close()

	err := rootCommand().execute([]string{"list", "--server", daemon.URL})
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
}

func TestCreateRequiresRepo(t *testing.T) {
	err := rootCommand().execute([]string{"create"})
	if err == nil || !strings.Contains(err.Error(), "--repo") {
		t.Fatalf("expected --repo requirement, got %v", err)
	}
}

func TestApproveSendsResolution(t *testing.T) {
	var received map[string]any
	daemon := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/approvals/req-1/resolve" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&received); err != nil {
			t.Errorf("decoding body: %v", err)
		}
		json.NewEncoder(w).Encode(approval.Decision{
			RequestID: "req-1",
			Approved:  true,
			Scope:     approval.ScopeSession,
		})
	}))
	defer daemon.Close()

	err := rootCommand().execute([]string{"approve", "req-1",
		"--server", daemon.URL, "--scope", "session", "--approver", "operator"})
	if err != nil {
		t.Fatalf("approve failed: %v", err)
	}

	if received["approved"] != true {
		t.Error("expected approved=true in request body")
	}
	if received["scope"] != "session" {
		t.Errorf("expected scope session, got %v", received["scope"])
	}
	if received["approver"] != "operator" {
		t.Errorf("expected approver operator, got %v", received["approver"])
	}
}

func TestApproveTTLValidation(t *testing.T) {
	err := rootCommand().execute([]string{"approve", "req-1", "--scope", "ttl"})
	if err == nil || !strings.Contains(err.Error(), "--ttl") {
		t.Fatalf("expected ttl validation error, got %v", err)
	}
}

func TestDaemonErrorSurfaced(t *testing.T) {
	daemon := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		json.NewEncoder(w).Encode(map[string]string{"error": "sandbox sb-9 not found"})
	}))
	defer daemon.Close()

	err := rootCommand().execute([]string{"destroy", "sb-9", "--server", daemon.URL})
	if err == nil || !strings.Contains(err.Error(), "sb-9 not found") {
		t.Fatalf("expected daemon error message, got %v", err)
	}
}
