// Copyright 2026 The Gatehouse Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/pflag"

	"github.com/gatehouse-dev/gatehouse/secret"
)

func secretsCommand() *command {
	return &command{
		name:    "secrets",
		summary: "Manage the sealed secret bundle.",
		subcommands: []*command{
			secretsKeygenCommand(),
			secretsSealCommand(),
		},
	}
}

func secretsKeygenCommand() *command {
	var keyPath string
	return &command{
		name:    "keygen",
		summary: "Generate a bundle keypair; prints the public key.",
		usage:   "gatehouse secrets keygen --key <path>",
		flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("keygen", pflag.ContinueOnError)
			flagSet.StringVar(&keyPath, "key", "", "where to write the private key (required)")
			return flagSet
		},
		run: func(args []string) error {
			if keyPath == "" {
				return fmt.Errorf("--key is required")
			}

			privateKey, publicKey, err := secret.GenerateKeypair()
			if err != nil {
				return err
			}
			defer privateKey.Close()

			if err := os.WriteFile(keyPath, append(privateKey.Bytes(), '\n'), 0o600); err != nil {
				return fmt.Errorf("writing private key: %w", err)
			}
			fmt.Println(publicKey)
			return nil
		},
	}
}

func secretsSealCommand() *command {
	var (
		recipients []string
		outPath    string
	)
	return &command{
		name:    "seal",
		summary: "Seal a JSON secret map into an encrypted bundle.",
		usage:   "gatehouse secrets seal --recipient <public-key> --out <path> <secrets.json>",
		flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("seal", pflag.ContinueOnError)
			flagSet.StringArrayVar(&recipients, "recipient", nil, "public key that can open the bundle (repeatable, required)")
			flagSet.StringVar(&outPath, "out", "", "where to write the sealed bundle (required)")
			return flagSet
		},
		run: func(args []string) error {
			if len(args) != 1 {
				return fmt.Errorf("expected exactly one secrets file")
			}
			if len(recipients) == 0 {
				return fmt.Errorf("at least one --recipient is required")
			}
			if outPath == "" {
				return fmt.Errorf("--out is required")
			}

			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			var bundle secret.Bundle
			if err := json.Unmarshal(data, &bundle); err != nil {
				return fmt.Errorf("parsing %s: %w", args[0], err)
			}
			if len(bundle) == 0 {
				return fmt.Errorf("%s contains no secrets", args[0])
			}

			sealed, err := secret.Seal(bundle, recipients)
			if err != nil {
				return err
			}
			if err := os.WriteFile(outPath, []byte(sealed+"\n"), 0o600); err != nil {
				return fmt.Errorf("writing bundle: %w", err)
			}
			fmt.Printf("sealed %d secrets to %s\n", len(bundle), outPath)
			return nil
		},
	}
}
