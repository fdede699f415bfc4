// Copyright 2026 The Gatehouse Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bytes"
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/gatehouse-dev/gatehouse/approval"
	"github.com/gatehouse-dev/gatehouse/audit"
	"github.com/gatehouse-dev/gatehouse/container"
	"github.com/gatehouse-dev/gatehouse/devcontainer"
	"github.com/gatehouse-dev/gatehouse/egress"
	"github.com/gatehouse-dev/gatehouse/gateway"
	"github.com/gatehouse-dev/gatehouse/lib/clock"
	"github.com/gatehouse-dev/gatehouse/lib/config"
	"github.com/gatehouse-dev/gatehouse/lib/service"
	"github.com/gatehouse-dev/gatehouse/sandbox"
	"github.com/gatehouse-dev/gatehouse/secret"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath string
		listen     string
	)

	flag.StringVar(&configPath, "config", "", "path to gatehouse.yaml (defaults to GATEHOUSE_CONFIG)")
	flag.StringVar(&listen, "listen", "", "override the HTTP listen address from the config")
	flag.Parse()

	var cfg *config.Config
	var err error
	if configPath != "" {
		cfg, err = config.LoadFile(configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if err := cfg.EnsurePaths(); err != nil {
		return fmt.Errorf("preparing directories: %w", err)
	}
	if listen != "" {
		cfg.Gateway.HTTPListen = listen
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	clk := clock.Real()

	store, err := sandbox.NewStore(filepath.Join(cfg.Paths.State, "sandboxes.json"), clk, logger.With("component", "store"))
	if err != nil {
		return fmt.Errorf("opening sandbox store: %w", err)
	}

	auditLog, err := audit.Open(filepath.Join(cfg.Paths.Audit, "audit.jsonl"), audit.DefaultRotateBytes, clk, logger.With("component", "audit"))
	if err != nil {
		return fmt.Errorf("opening audit log: %w", err)
	}
	defer auditLog.Close()

	approvals := approval.NewStore(clk)
	approvalHandler := approval.NewHandler(approvals, logger.With("component", "approval"))

	egressManager := egress.NewManager(cfg.Paths.Generated, cfg.Egress.ProxyImage, logger.With("component", "egress"))
	runtime := container.NewRuntime(logger.With("component", "runtime"))
	launcher := container.NewLauncher(logger.With("component", "launcher"))
	resolver := devcontainer.NewResolver(cfg.Paths.Generated, cfg.Gateway.DefaultImage, logger.With("component", "devcontainer"))
	features := devcontainer.NewFeatureProvider(cfg.Gateway.FeatureDir)

	controlGateway := gateway.New(store, approvals, runtime, egressManager, resolver, launcher, features,
		auditLog, clk, logger.With("component", "gateway"), gateway.Options{
			EgressEnabled:        cfg.Egress.Enabled,
			GlobalAllowlist:      cfg.Gateway.GlobalAllowlist,
			DefaultNetworkPolicy: cfg.Gateway.DefaultNetworkPolicy,
			ControlSocketPath:    cfg.Gateway.ControlSocket,
			WorkspaceRoot:        cfg.Paths.Workspaces,
			HealthInterval:       config.Duration(cfg.Gateway.HealthInterval, 0),
			IdleTimeout:          config.Duration(cfg.Gateway.IdleTimeout, 0),
			OrphanScanInterval:   config.Duration(cfg.Gateway.OrphanScanInterval, 0),
		})

	vault, err := openVault(cfg, approvals, logger)
	if err != nil {
		return err
	}

	// Resolve drift between the record store and the container
	// runtime before accepting any requests.
	controlGateway.ReconcileStartup(ctx)
	go controlGateway.RunOrphanScan(ctx)

	api := newAPIServer(controlGateway, approvalHandler, logger.With("component", "api"))
	httpServer := service.NewHTTPServer(service.HTTPServerConfig{
		Address: cfg.Gateway.HTTPListen,
		Handler: api.routes(),
		Logger:  logger.With("component", "http"),
	})

	socketServer := service.NewSocketServer(cfg.Gateway.ControlSocket, logger.With("component", "socket"))
	registerSocketActions(socketServer, controlGateway, approvalHandler, vault)

	serveErr := make(chan error, 2)
	go func() { serveErr <- httpServer.Serve(ctx) }()
	go func() { serveErr <- socketServer.Serve(ctx) }()

	// Both servers unwind on signal; a serve failure in either takes
	// the other down too. Then drain in-flight provisioning and stop
	// the monitors.
	var firstErr error
	for range 2 {
		if err := <-serveErr; err != nil && firstErr == nil {
			firstErr = err
			stop()
		}
	}
	controlGateway.Shutdown()
	return firstErr
}

// openVault loads the sealed secret bundle and its private key. A
// config with no bundle path runs without a vault; secret.use
// requests are then rejected at the socket layer.
func openVault(cfg *config.Config, approvals *approval.Store, logger *slog.Logger) (*secret.Vault, error) {
	if cfg.Secrets.BundlePath == "" {
		return nil, nil
	}
	keyData, err := os.ReadFile(cfg.Secrets.KeyPath)
	if err != nil {
		return nil, fmt.Errorf("reading secret key %s: %w", cfg.Secrets.KeyPath, err)
	}
	privateKey, err := secret.FromBytes(bytes.TrimSpace(keyData))
	if err != nil {
		return nil, fmt.Errorf("loading secret key: %w", err)
	}
	return secret.NewVault(cfg.Secrets.BundlePath, privateKey, approvals, logger.With("component", "vault")), nil
}
