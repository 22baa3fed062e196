// executor.go runs skill tool commands for tool-calling backends. The
// model's JSON arguments arrive on the command's stdin; stdout is the tool
// result.
package skills

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"
)

// toolTimeout bounds one tool command run.
const toolTimeout = 60 * time.Second

// resultLimit truncates oversized tool output before it reaches the prompt.
const resultLimit = 8 * 1024

// Executor bridges the registry to the backend's tool-calling loop.
type Executor struct {
	registry *Registry
	logger   *slog.Logger
}

// NewExecutor builds the executor.
func NewExecutor(registry *Registry, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{registry: registry, logger: logger.With("component", "skills")}
}

// Execute runs the named tool's command with the argument JSON on stdin.
func (e *Executor) Execute(ctx context.Context, name, arguments string) (string, error) {
	tool, tier, ok := e.registry.Lookup(name)
	if !ok {
		return "", fmt.Errorf("unknown tool %q", name)
	}
	if tool.Command == "" {
		return "", fmt.Errorf("tool %q has no local command", name)
	}

	ctx, cancel := context.WithTimeout(ctx, toolTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "sh", "-c", tool.Command)
	cmd.Stdin = strings.NewReader(arguments)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	e.logger.Info("tool executed",
		"tool", name,
		"tier", tier,
		"duration_ms", time.Since(start).Milliseconds(),
		"ok", err == nil,
	)
	if err != nil {
		return "", fmt.Errorf("tool %q: %w: %s", name, err, firstBytes(stderr.Bytes(), 300))
	}

	out := strings.TrimSpace(stdout.String())
	if len(out) > resultLimit {
		out = out[:resultLimit] + "\n[truncated]"
	}
	return out, nil
}

func firstBytes(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n])
}
