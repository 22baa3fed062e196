// cliwrap.go wraps a local coding-agent CLI (claude, codex) as a backend.
// The prompt goes in on stdin, the reply comes back on stdout; tools are the
// CLI's own business, so ToolDefs are ignored.
package llm

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
)

// CLIBackend shells out to a local agent binary per completion.
type CLIBackend struct {
	binary string
	args   []string
	logger *slog.Logger
}

// NewCLIBackend builds the wrapper. kind selects the known binaries:
// "claude-code" runs `claude -p`, "codex-cli" runs `codex exec`.
func NewCLIBackend(kind string, logger *slog.Logger) (*CLIBackend, error) {
	if logger == nil {
		logger = slog.Default()
	}
	b := &CLIBackend{logger: logger.With("component", "llm", "wrapper", kind)}
	switch kind {
	case "claude-code":
		b.binary = "claude"
		b.args = []string{"-p"}
	case "codex-cli":
		b.binary = "codex"
		b.args = []string{"exec"}
	default:
		return nil, fmt.Errorf("unknown cli backend kind %q", kind)
	}
	if _, err := exec.LookPath(b.binary); err != nil {
		return nil, fmt.Errorf("%s backend: %w", kind, err)
	}
	return b, nil
}

// Complete implements Backend. The message list is flattened into one prompt
// document; the wrapped CLI has no multi-message API.
func (b *CLIBackend) Complete(ctx context.Context, req Request) (Response, error) {
	var prompt strings.Builder
	for _, m := range req.Messages {
		fmt.Fprintf(&prompt, "[%s]\n%s\n\n", m.Role, m.Content)
	}

	cmd := exec.CommandContext(ctx, b.binary, b.args...)
	cmd.Stdin = strings.NewReader(prompt.String())
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return Response{}, ctx.Err()
		}
		return Response{}, NewBackendError(ErrorTransient, 0,
			fmt.Errorf("%s: %w: %s", b.binary, err, truncate(stderr.String(), 300)))
	}

	text := strings.TrimSpace(stdout.String())
	if req.Observer != nil {
		if req.Observer.TextDelta != nil && text != "" {
			req.Observer.TextDelta(text)
		}
		if req.Observer.OnFinish != nil {
			req.Observer.OnFinish()
		}
	}
	return Response{Text: text, Steps: 1}, nil
}
