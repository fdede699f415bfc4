// Copyright 2026 The Gatehouse Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"os"

	"github.com/spf13/pflag"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	return rootCommand().execute(os.Args[1:])
}

func rootCommand() *command {
	return &command{
		name:    "gatehouse",
		usage:   "gatehouse <command> [flags]",
		summary: "Operate Gatehouse sandboxes and approvals.",
		subcommands: []*command{
			listCommand(),
			createCommand(),
			showCommand(),
			destroyCommand(),
			allowlistCommand(),
			approvalsCommand(),
			approveCommand(),
			denyCommand(),
			secretsCommand(),
		},
	}
}

// defaultServer is the daemon's HTTP API address; overridable with
// GATEHOUSE_SERVER or the per-command --server flag.
const defaultServer = "http://127.0.0.1:7630"

// serverFlag registers the --server flag with the environment-aware
// default and returns its destination.
func serverFlag(flagSet *pflag.FlagSet) *string {
	fallback := os.Getenv("GATEHOUSE_SERVER")
	if fallback == "" {
		fallback = defaultServer
	}
	return flagSet.String("server", fallback, "daemon HTTP API address")
}
