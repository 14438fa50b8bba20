// Package runtime wraps the external model runtime CLI: producing chat
// completions and listing, installing, and removing locally installed models.
package runtime

import (
	"bytes"
	"context"
	stdliberrors "errors"
	"os/exec"
	"strconv"
	"strings"
	"time"

	apperrors "github.com/odvcencio/paddock/pkg/errors"
	"github.com/odvcencio/paddock/pkg/logging"
)

// DefaultTimeout bounds a single runtime invocation when no timeout is
// configured. Completions block the caller for the duration of the child
// process, so they must never be unbounded.
const DefaultTimeout = 5 * time.Minute

// Options carries optional sampling parameters for a completion.
type Options struct {
	Temperature *float64
	MaxTokens   *int
}

// Client invokes the model runtime CLI synchronously.
type Client struct {
	command string
	timeout time.Duration
	logger  *logging.Logger
}

// NewClient builds a runtime client around the given CLI command.
func NewClient(command string, timeout time.Duration, logger *logging.Logger) *Client {
	command = strings.TrimSpace(command)
	if command == "" {
		command = "ollama"
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &Client{command: command, timeout: timeout, logger: logger}
}

// run executes a runtime subcommand with the client timeout and returns raw
// stdout bytes. On non-zero exit the captured stderr is decoded best-effort
// and returned as an UPSTREAM_FAILURE.
func (c *Client) run(ctx context.Context, args ...string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, c.command, args...)
	setSysProcAttr(cmd)
	// Kill the whole process group on timeout so the child is never leaked.
	cmd.Cancel = func() error { return killProcess(cmd) }
	cmd.WaitDelay = 5 * time.Second

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	c.logger.Debug(logging.CategoryRuntime, "command_finished", "", map[string]any{
		"args":     args,
		"duration": time.Since(start).String(),
		"ok":       err == nil,
	})
	if err != nil {
		errText := strings.TrimSpace(decodeOutput(stderr.Bytes()))
		if ctxErr := ctx.Err(); ctxErr != nil {
			// Caller cancellation (e.g. a dropped request) is not a timeout.
			if stdliberrors.Is(ctxErr, context.Canceled) {
				return nil, apperrors.Wrap(ctxErr, apperrors.ErrCodeUpstreamFailure, "runtime invocation canceled").
					WithContext("command", c.command)
			}
			return nil, apperrors.Wrap(ctxErr, apperrors.ErrCodeUpstreamFailure, "runtime invocation timed out").
				WithContext("command", c.command).
				WithContext("timeout", c.timeout.String())
		}
		return nil, apperrors.Wrap(err, apperrors.ErrCodeUpstreamFailure, "runtime invocation failed").
			WithContext("command", c.command).
			WithContext("stderr", errText)
	}
	return stdout.Bytes(), nil
}

// ListInstalled returns the names of locally installed models. The runtime
// prints a table whose first line is a header and whose first column is the
// model name.
func (c *Client) ListInstalled(ctx context.Context) ([]string, error) {
	out, err := c.run(ctx, "list")
	if err != nil {
		return nil, err
	}

	var models []string
	for _, line := range strings.Split(decodeOutput(out), "\n") {
		fields := strings.Fields(line)
		if len(fields) == 0 || strings.EqualFold(fields[0], "name") {
			continue
		}
		models = append(models, fields[0])
	}
	return models, nil
}

// Install pulls a model from the public registry by name.
func (c *Client) Install(ctx context.Context, name string) error {
	_, err := c.run(ctx, "pull", name)
	return err
}

// Remove deletes an installed model. Older runtime builds only accept the
// long-form subcommand, so "rm" falls back to "remove" before failing.
func (c *Client) Remove(ctx context.Context, name string) error {
	if _, err := c.run(ctx, "rm", name); err == nil {
		return nil
	}
	_, err := c.run(ctx, "remove", name)
	return err
}

// Complete runs the model against the prompt and returns the decoded,
// whitespace-trimmed completion text.
func (c *Client) Complete(ctx context.Context, sessionID, model, prompt string, opts Options) (string, error) {
	args := []string{"run", model, prompt}
	if opts.Temperature != nil {
		args = append(args, "--temperature", strconv.FormatFloat(*opts.Temperature, 'f', -1, 64))
	}
	if opts.MaxTokens != nil {
		args = append(args, "--max-tokens", strconv.Itoa(*opts.MaxTokens))
	}

	out, err := c.run(ctx, args...)
	if err != nil {
		_ = c.logger.Log(logging.Event{
			Level:     logging.LevelError,
			Category:  logging.CategoryRuntime,
			EventType: "completion_failed",
			SessionID: sessionID,
			Message:   err.Error(),
			Details:   map[string]any{"model": model},
		})
		return "", err
	}

	return strings.TrimSpace(decodeOutput(out)), nil
}
