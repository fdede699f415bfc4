// Copyright 2026 The Gatehouse Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"net/http"
	"net/url"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/pflag"

	"github.com/gatehouse-dev/gatehouse/approval"
)

func approvalsCommand() *command {
	var (
		server    *string
		sandboxID string
		all       bool
	)
	return &command{
		name:    "approvals",
		summary: "List approval requests.",
		flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("approvals", pflag.ContinueOnError)
			server = serverFlag(flagSet)
			flagSet.StringVar(&sandboxID, "sandbox", "", "only requests from this sandbox")
			flagSet.BoolVar(&all, "all", false, "include resolved requests")
			return flagSet
		},
		run: func(args []string) error {
			query := url.Values{}
			if sandboxID != "" {
				query.Set("sandbox_id", sandboxID)
			}
			if all {
				query.Set("all", "true")
			}
			path := "/v1/approvals"
			if len(query) > 0 {
				path += "?" + query.Encode()
			}

			var requests []approval.Request
			if err := newAPIClient(*server).call(http.MethodGet, path, nil, &requests); err != nil {
				return err
			}

			tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tSANDBOX\tTYPE\tPAYLOAD\tREASON\tASKED")
			for _, request := range requests {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
					request.ID, request.SandboxID, request.Type,
					formatPayload(request.Payload), orDash(request.Reason),
					request.CreatedAt.Format(time.RFC3339))
			}
			return tw.Flush()
		},
	}
}

func formatPayload(payload map[string]string) string {
	if len(payload) == 0 {
		return "-"
	}
	formatted := ""
	for key, value := range payload {
		if formatted != "" {
			formatted += " "
		}
		formatted += key + "=" + value
	}
	return formatted
}

func approveCommand() *command {
	return resolveCommand("approve", "Approve a pending request.", true)
}

func denyCommand() *command {
	return resolveCommand("deny", "Deny a pending request.", false)
}

func resolveCommand(name, summary string, approved bool) *command {
	var (
		server   *string
		scope    string
		ttl      time.Duration
		reason   string
		approver string
	)
	return &command{
		name:    name,
		summary: summary,
		usage:   "gatehouse " + name + " <request-id> [flags]",
		flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet(name, pflag.ContinueOnError)
			server = serverFlag(flagSet)
			flagSet.StringVar(&scope, "scope", "once", "grant scope: once, session, or ttl")
			flagSet.DurationVar(&ttl, "ttl", 0, "grant lifetime (required with --scope ttl)")
			flagSet.StringVar(&reason, "reason", "", "free-form reason recorded with the decision")
			flagSet.StringVar(&approver, "approver", os.Getenv("USER"), "who is deciding")
			return flagSet
		},
		run: func(args []string) error {
			if len(args) != 1 {
				return fmt.Errorf("expected exactly one request id")
			}
			if scope == string(approval.ScopeTTL) && ttl <= 0 {
				return fmt.Errorf("--scope ttl requires a positive --ttl")
			}

			body := map[string]any{
				"approved": approved,
				"scope":    scope,
				"ttl_ms":   ttl.Milliseconds(),
				"reason":   reason,
				"approver": approver,
			}
			var decision approval.Decision
			if err := newAPIClient(*server).call(http.MethodPost, "/v1/approvals/"+args[0]+"/resolve", body, &decision); err != nil {
				return err
			}

			verdict := "denied"
			if decision.Approved {
				verdict = "approved"
			}
			fmt.Printf("%s %s (scope %s)\n", decision.RequestID, verdict, decision.Scope)
			return nil
		},
	}
}
