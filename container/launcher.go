// Copyright 2026 The Gatehouse Authors
// SPDX-License-Identifier: Apache-2.0

package container

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/gatehouse-dev/gatehouse/gateway"
)

// agentCommands maps agent type to the command that starts it inside
// the container. The prompt, when present, is appended as the final
// argument.
var agentCommands = map[string][]string{
	"claude": {"claude", "--dangerously-skip-permissions"},
	"codex":  {"codex", "exec", "--full-auto"},
}

// Launcher starts coding agents inside running sandbox containers via
// docker exec. It satisfies the gateway's AgentLauncher interface.
type Launcher struct {
	run    func(ctx context.Context, args ...string) (string, string, int, error)
	logger *slog.Logger
}

// NewLauncher returns a docker-backed Launcher.
func NewLauncher(logger *slog.Logger) *Launcher {
	return &Launcher{run: dockerExec, logger: logger}
}

// Launch starts the agent detached inside the sandbox's container.
// The agent process outlives the exec call; its health is observed
// indirectly through the container and the activity signal.
func (l *Launcher) Launch(ctx context.Context, sandboxID, workspacePath, agentType, prompt, configPath string) error {
	command, ok := agentCommands[agentType]
	if !ok {
		return fmt.Errorf("unknown agent type %q", agentType)
	}

	args := []string{"exec", "--detach", "--workdir", "/workspace", containerName(sandboxID)}
	args = append(args, command...)
	if prompt != "" {
		args = append(args, prompt)
	}

	_, stderr, code, err := l.run(ctx, args...)
	if err != nil {
		return fmt.Errorf("launching %s in %s: %w", agentType, sandboxID, err)
	}
	if code != 0 {
		return fmt.Errorf("launching %s in %s: docker exec exited %d (stderr: %s)", agentType, sandboxID, code, stderr)
	}

	l.logger.Info("agent launched", "sandbox_id", sandboxID, "agent", agentType)
	return nil
}

// AgentTypes returns the supported agent type names, for validation
// and CLI help output.
func AgentTypes() []string {
	types := make([]string, 0, len(agentCommands))
	for name := range agentCommands {
		types = append(types, name)
	}
	return types
}

var _ gateway.AgentLauncher = (*Launcher)(nil)
