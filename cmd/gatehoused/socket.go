// Copyright 2026 The Gatehouse Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/gatehouse-dev/gatehouse/approval"
	"github.com/gatehouse-dev/gatehouse/gateway"
	"github.com/gatehouse-dev/gatehouse/lib/codec"
	"github.com/gatehouse-dev/gatehouse/lib/service"
	"github.com/gatehouse-dev/gatehouse/secret"
)

// registerSocketActions wires the control socket actions available to
// code running inside sandboxes. The socket is the only daemon
// surface a sandbox can reach; everything privileged behind it goes
// through the approval store. The server enforces sandbox_id on every
// request, so handlers read it from the request envelope.
func registerSocketActions(server *service.SocketServer, controlGateway *gateway.Gateway,
	approvalHandler *approval.Handler, vault *secret.Vault) {
	server.HandleBlocking("approval.request", approvalRequestAction(approvalHandler))
	server.Handle("approval.check", approvalCheckAction(controlGateway))
	server.Handle("activity.report", activityReportAction(controlGateway))
	server.Handle("secret.use", secretUseAction(vault))
}

// socketApprovalRequest is the wire shape of an approval ask arriving
// over the control socket.
type socketApprovalRequest struct {
	SandboxID string            `cbor:"sandbox_id" json:"sandbox_id"`
	Type      string            `cbor:"type" json:"type"`
	Payload   map[string]string `cbor:"payload,omitempty" json:"payload,omitempty"`
	Reason    string            `cbor:"reason,omitempty" json:"reason,omitempty"`
}

// approvalDecisionReply is what a blocked requester receives once an
// operator decides.
type approvalDecisionReply struct {
	RequestID string `cbor:"request_id"`
	Approved  bool   `cbor:"approved"`
	Scope     string `cbor:"scope"`
	Reason    string `cbor:"reason,omitempty"`
}

// approvalRequestAction registers the ask and blocks the connection
// until an operator resolves it over the HTTP API. The requester's
// context bounds the wait; a disconnected requester abandons its
// waiter and a late decision lands only in the store.
func approvalRequestAction(approvalHandler *approval.Handler) service.ActionFunc {
	return func(ctx context.Context, req service.Request) (any, error) {
		var message socketApprovalRequest
		if err := codec.Unmarshal(req.Raw, &message); err != nil {
			return nil, fmt.Errorf("malformed approval request: %w", err)
		}

		// The handler owns validation and speaks JSON; the socket
		// speaks CBOR. Re-encode rather than teaching the handler a
		// second wire format.
		encoded, err := json.Marshal(message)
		if err != nil {
			return nil, fmt.Errorf("encoding approval request: %w", err)
		}
		request, err := approvalHandler.OnRequest(encoded)
		if err != nil {
			return nil, err
		}

		decision, err := approvalHandler.WaitForDecision(ctx, request.ID)
		if err != nil {
			return nil, fmt.Errorf("waiting for decision on %s: %w", request.ID, err)
		}
		return approvalDecisionReply{
			RequestID: decision.RequestID,
			Approved:  decision.Approved,
			Scope:     string(decision.Scope),
			Reason:    decision.Reason,
		}, nil
	}
}

// approvalCheckAction answers whether a prior grant already covers an
// action, letting a sandbox skip the blocking ask. A once-scope grant
// is consumed by a positive answer.
func approvalCheckAction(controlGateway *gateway.Gateway) service.ActionFunc {
	return func(ctx context.Context, req service.Request) (any, error) {
		var message socketApprovalRequest
		if err := codec.Unmarshal(req.Raw, &message); err != nil {
			return nil, fmt.Errorf("malformed approval check: %w", err)
		}
		if message.Type == "" {
			return nil, errors.New("approval check requires type")
		}
		requestType := approval.RequestType(message.Type)
		if !requestType.Valid() {
			return nil, fmt.Errorf("unknown request type %q", message.Type)
		}

		approved := controlGateway.Approvals().IsApproved(req.SandboxID, requestType, message.Payload)
		return map[string]any{"approved": approved}, nil
	}
}

// activityReportAction resets the sandbox's idle clock. Unmonitored
// sandboxes are a no-op, not an error: activity can race teardown.
func activityReportAction(controlGateway *gateway.Gateway) service.ActionFunc {
	return func(ctx context.Context, req service.Request) (any, error) {
		controlGateway.ReportActivity(req.SandboxID)
		return nil, nil
	}
}

// secretUseAction releases a sealed secret value to a sandbox holding
// a matching approval. The locked daemon-side buffer is released as
// soon as the value is copied out for encoding.
func secretUseAction(vault *secret.Vault) service.ActionFunc {
	return func(ctx context.Context, req service.Request) (any, error) {
		if vault == nil {
			return nil, errors.New("secret vault not configured")
		}

		var message struct {
			Name string `cbor:"name"`
		}
		if err := codec.Unmarshal(req.Raw, &message); err != nil {
			return nil, fmt.Errorf("malformed secret request: %w", err)
		}
		if message.Name == "" {
			return nil, errors.New("secret request requires name")
		}

		buffer, err := vault.Use(req.SandboxID, message.Name)
		if err != nil {
			return nil, err
		}
		defer buffer.Close()

		return map[string]any{"name": message.Name, "value": buffer.String()}, nil
	}
}
