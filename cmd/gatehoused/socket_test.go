// Copyright 2026 The Gatehouse Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gatehouse-dev/gatehouse/approval"
	"github.com/gatehouse-dev/gatehouse/lib/codec"
	"github.com/gatehouse-dev/gatehouse/lib/service"
	"github.com/gatehouse-dev/gatehouse/lib/testutil"
	"github.com/gatehouse-dev/gatehouse/secret"
)

// socketRequest builds the decoded request envelope an action handler
// receives from the socket server.
func socketRequest(t *testing.T, fields map[string]any) service.Request {
	t.Helper()
	raw, err := codec.Marshal(fields)
	if err != nil {
		t.Fatalf("encoding request: %v", err)
	}
	action, _ := fields["action"].(string)
	sandboxID, _ := fields["sandbox_id"].(string)
	return service.Request{Action: action, SandboxID: sandboxID, Raw: raw}
}

func TestApprovalRequestActionBlocksUntilDecision(t *testing.T) {
	harness := newDaemonHarness(t)
	action := approvalRequestAction(harness.handler)

	request := socketRequest(t, map[string]any{
		"action":     "approval.request",
		"sandbox_id": "sb-1",
		"type":       "egress.allow",
		"payload":    map[string]string{"domain": "example.com"},
		"reason":     "need docs",
	})

	type outcome struct {
		result any
		err    error
	}
	outcomes := make(chan outcome, 1)
	go func() {
		result, err := action(context.Background(), request)
		outcomes <- outcome{result, err}
	}()

	// The ask registers in the store before the waiter blocks.
	var requestID string
	waitFor(t, func() bool {
		pending := harness.approvals.ListPending("sb-1")
		if len(pending) == 0 {
			return false
		}
		requestID = pending[0].ID
		return harness.handler.HasPendingWaiter(requestID)
	})

	decision, err := harness.approvals.Resolve(requestID, true, approval.ScopeSession, 0, "granted", "operator")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	harness.handler.NotifyDecision(requestID, decision)

	received := testutil.RequireReceive(t, outcomes, 5*time.Second, "requester never unblocked")
	if received.err != nil {
		t.Fatalf("action returned error: %v", received.err)
	}
	reply, ok := received.result.(approvalDecisionReply)
	if !ok {
		t.Fatalf("expected approvalDecisionReply, got %T", received.result)
	}
	if !reply.Approved || reply.Scope != "session" || reply.RequestID != requestID {
		t.Errorf("unexpected reply: %+v", reply)
	}
}

func TestApprovalRequestActionRejectsUnknownType(t *testing.T) {
	harness := newDaemonHarness(t)
	action := approvalRequestAction(harness.handler)

	request := socketRequest(t, map[string]any{
		"action":     "approval.request",
		"sandbox_id": "sb-1",
		"type":       "rm.dash.rf",
	})
	if _, err := action(context.Background(), request); err == nil {
		t.Fatal("expected validation error for unknown type")
	}
	if pending := harness.approvals.ListPending("sb-1"); len(pending) != 0 {
		t.Errorf("rejected request must not enter the store, found %d", len(pending))
	}
}

func TestApprovalRequestActionContextCancelled(t *testing.T) {
	harness := newDaemonHarness(t)
	action := approvalRequestAction(harness.handler)

	ctx, cancel := context.WithCancel(context.Background())
	request := socketRequest(t, map[string]any{
		"action":     "approval.request",
		"sandbox_id": "sb-1",
		"type":       "git.push",
	})

	errs := make(chan error, 1)
	go func() {
		_, err := action(ctx, request)
		errs <- err
	}()

	waitFor(t, func() bool {
		pending := harness.approvals.ListPending("sb-1")
		return len(pending) == 1 && harness.handler.HasPendingWaiter(pending[0].ID)
	})
	cancel()

	err := testutil.RequireReceive(t, errs, 5*time.Second, "cancelled requester never unblocked")
	if err == nil {
		t.Fatal("expected context error, got nil")
	}
}

func TestApprovalCheckAction(t *testing.T) {
	harness := newDaemonHarness(t)
	action := approvalCheckAction(harness.gateway)

	payload := map[string]string{"domain": "example.com"}
	check := socketRequest(t, map[string]any{
		"action":     "approval.check",
		"sandbox_id": "sb-1",
		"type":       "egress.allow",
		"payload":    payload,
	})

	result, err := action(context.Background(), check)
	if err != nil {
		t.Fatalf("action: %v", err)
	}
	if approved := result.(map[string]any)["approved"].(bool); approved {
		t.Error("expected not approved before any grant")
	}

	request := harness.approvals.AddRequest("sb-1", approval.TypeEgressAllow, payload, "")
	if _, err := harness.approvals.Resolve(request.ID, true, approval.ScopeSession, 0, "", "op"); err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	result, err = action(context.Background(), check)
	if err != nil {
		t.Fatalf("action: %v", err)
	}
	if approved := result.(map[string]any)["approved"].(bool); !approved {
		t.Error("expected approved after session grant")
	}
}

func TestApprovalCheckActionRequiresType(t *testing.T) {
	harness := newDaemonHarness(t)
	action := approvalCheckAction(harness.gateway)

	_, err := action(context.Background(), socketRequest(t, map[string]any{
		"action":     "approval.check",
		"sandbox_id": "sb-1",
	}))
	if err == nil || !strings.Contains(err.Error(), "type") {
		t.Fatalf("expected missing-type error, got %v", err)
	}
}

func TestActivityReportActionUnmonitoredIsNoOp(t *testing.T) {
	harness := newDaemonHarness(t)
	action := activityReportAction(harness.gateway)

	// Activity can race teardown; a report for a sandbox with no
	// monitor must not error.
	if _, err := action(context.Background(), socketRequest(t, map[string]any{
		"action":     "activity.report",
		"sandbox_id": "sb-unmonitored",
	})); err != nil {
		t.Fatalf("expected no error for unmonitored sandbox, got %v", err)
	}
}

func newTestVault(t *testing.T, harness *daemonHarness, values secret.Bundle) *secret.Vault {
	t.Helper()

	privateKey, publicKey, err := secret.GenerateKeypair()
	if err != nil {
		t.Fatalf("GenerateKeypair: %v", err)
	}
	t.Cleanup(func() { privateKey.Close() })

	sealed, err := secret.Seal(values, []string{publicKey})
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	bundlePath := filepath.Join(t.TempDir(), "secrets.age")
	if err := os.WriteFile(bundlePath, []byte(sealed), 0o600); err != nil {
		t.Fatalf("writing bundle: %v", err)
	}

	return secret.NewVault(bundlePath, privateKey, harness.approvals, discardLogger())
}

func TestSecretUseAction(t *testing.T) {
	harness := newDaemonHarness(t)
	vault := newTestVault(t, harness, secret.Bundle{"deploy-token": "hunter2"})
	action := secretUseAction(vault)

	request := socketRequest(t, map[string]any{
		"action":     "secret.use",
		"sandbox_id": "sb-1",
		"name":       "deploy-token",
	})

	// No approval yet: rejected.
	if _, err := action(context.Background(), request); err == nil {
		t.Fatal("expected rejection without approval")
	}

	ask := harness.approvals.AddRequest("sb-1", approval.TypeSecretUse,
		map[string]string{"secret": "deploy-token"}, "")
	if _, err := harness.approvals.Resolve(ask.ID, true, approval.ScopeOnce, 0, "", "op"); err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	result, err := action(context.Background(), request)
	if err != nil {
		t.Fatalf("action: %v", err)
	}
	value := result.(map[string]any)["value"].(string)
	if value != "hunter2" {
		t.Errorf("expected secret value released, got %q", value)
	}

	// Once-scope grant is consumed.
	if _, err := action(context.Background(), request); err == nil {
		t.Fatal("expected second use to be rejected")
	}
}

func TestSecretUseActionNoVault(t *testing.T) {
	action := secretUseAction(nil)

	_, err := action(context.Background(), socketRequest(t, map[string]any{
		"action":     "secret.use",
		"sandbox_id": "sb-1",
		"name":       "deploy-token",
	}))
	if err == nil || !strings.Contains(err.Error(), "not configured") {
		t.Fatalf("expected vault-not-configured error, got %v", err)
	}
}
