// Copyright 2026 The Gatehouse Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"net/http"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/pflag"

	"github.com/gatehouse-dev/gatehouse/sandbox"
)

func listCommand() *command {
	var server *string
	return &command{
		name:    "list",
		summary: "List sandboxes.",
		flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("list", pflag.ContinueOnError)
			server = serverFlag(flagSet)
			return flagSet
		},
		run: func(args []string) error {
			var records []sandbox.Record
			if err := newAPIClient(*server).call(http.MethodGet, "/v1/sandboxes", nil, &records); err != nil {
				return err
			}

			tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tSTATE\tREPO\tAGENT\tPOLICY\tCREATED")
			for _, record := range records {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
					record.ID, record.State, record.Repo,
					orDash(record.Agent), orDash(record.NetworkPolicy),
					record.CreatedAt.Format(time.RFC3339))
			}
			return tw.Flush()
		},
	}
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func createCommand() *command {
	var (
		server   *string
		repo     string
		agent    string
		branch   string
		policy   string
		prompt   string
		cpus     float64
		memoryMB int
	)
	return &command{
		name:    "create",
		summary: "Create a sandbox and start provisioning.",
		usage:   "gatehouse create --repo <repo> [flags]",
		flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("create", pflag.ContinueOnError)
			server = serverFlag(flagSet)
			flagSet.StringVar(&repo, "repo", "", "repository the sandbox works against (required)")
			flagSet.StringVar(&agent, "agent", "", "coding agent to launch (claude, codex)")
			flagSet.StringVar(&branch, "branch", "", "working branch")
			flagSet.StringVar(&policy, "policy", "", "network policy preset (defaults to the daemon's)")
			flagSet.StringVar(&prompt, "prompt", "", "initial prompt for the agent")
			flagSet.Float64Var(&cpus, "cpus", 0, "CPU limit")
			flagSet.IntVar(&memoryMB, "memory-mb", 0, "memory limit in MB")
			return flagSet
		},
		run: func(args []string) error {
			if repo == "" {
				return fmt.Errorf("--repo is required")
			}

			body := map[string]any{
				"repo":           repo,
				"agent":          agent,
				"branch":         branch,
				"network_policy": policy,
				"prompt":         prompt,
			}
			if cpus > 0 {
				body["cpus"] = cpus
			}
			if memoryMB > 0 {
				body["memory_mb"] = memoryMB
			}

			var record sandbox.Record
			if err := newAPIClient(*server).call(http.MethodPost, "/v1/sandboxes", body, &record); err != nil {
				return err
			}
			fmt.Printf("%s\t%s\n", record.ID, record.State)
			return nil
		},
	}
}

func showCommand() *command {
	var server *string
	return &command{
		name:    "show",
		summary: "Show one sandbox record.",
		usage:   "gatehouse show <sandbox-id>",
		flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("show", pflag.ContinueOnError)
			server = serverFlag(flagSet)
			return flagSet
		},
		run: func(args []string) error {
			if len(args) != 1 {
				return fmt.Errorf("expected exactly one sandbox id")
			}

			var record sandbox.Record
			if err := newAPIClient(*server).call(http.MethodGet, "/v1/sandboxes/"+args[0], nil, &record); err != nil {
				return err
			}

			tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintf(tw, "ID\t%s\n", record.ID)
			fmt.Fprintf(tw, "State\t%s\n", record.State)
			fmt.Fprintf(tw, "Repo\t%s\n", record.Repo)
			fmt.Fprintf(tw, "Agent\t%s\n", orDash(record.Agent))
			fmt.Fprintf(tw, "Branch\t%s\n", orDash(record.Branch))
			fmt.Fprintf(tw, "Container\t%s\n", orDash(record.ContainerID))
			fmt.Fprintf(tw, "Policy\t%s\n", orDash(record.NetworkPolicy))
			fmt.Fprintf(tw, "Allowlist\t%s\n", orDash(strings.Join(record.Allowlist, ", ")))
			fmt.Fprintf(tw, "Created\t%s\n", record.CreatedAt.Format(time.RFC3339))
			return tw.Flush()
		},
	}
}

func destroyCommand() *command {
	var server *string
	return &command{
		name:    "destroy",
		summary: "Tear down a sandbox and remove its record.",
		usage:   "gatehouse destroy <sandbox-id>",
		flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("destroy", pflag.ContinueOnError)
			server = serverFlag(flagSet)
			return flagSet
		},
		run: func(args []string) error {
			if len(args) != 1 {
				return fmt.Errorf("expected exactly one sandbox id")
			}
			if err := newAPIClient(*server).call(http.MethodDelete, "/v1/sandboxes/"+args[0], nil, nil); err != nil {
				return err
			}
			fmt.Printf("%s destroyed\n", args[0])
			return nil
		},
	}
}

func allowlistCommand() *command {
	var server *string
	return &command{
		name:    "allowlist",
		summary: "Replace a sandbox's egress allowlist.",
		usage:   "gatehouse allowlist <sandbox-id> [domain ...]",
		flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("allowlist", pflag.ContinueOnError)
			server = serverFlag(flagSet)
			return flagSet
		},
		run: func(args []string) error {
			if len(args) < 1 {
				return fmt.Errorf("expected a sandbox id")
			}

			body := map[string]any{"allowlist": args[1:]}
			var record sandbox.Record
			if err := newAPIClient(*server).call(http.MethodPut, "/v1/sandboxes/"+args[0]+"/allowlist", body, &record); err != nil {
				return err
			}
			fmt.Printf("%s allowlist: %s\n", record.ID, strings.Join(record.Allowlist, ", "))
			return nil
		},
	}
}
