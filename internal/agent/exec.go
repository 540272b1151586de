package agent

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"

	"github.com/nextlevelbuilder/larkclaw/internal/config"
)

const (
	defaultRunTimeout = 60 * time.Second
	retryInterval     = 500 * time.Millisecond
	maxStderrBytes    = 8 << 10

	timeoutReply = "Sorry, I took too long to think. Please try again."
	emptyReply   = "The agent returned no content."
)

// ErrRunTimeout is returned when the agent process exceeds its time budget.
var ErrRunTimeout = errors.New("agent run timed out")

var tracer = otel.Tracer("github.com/nextlevelbuilder/larkclaw/internal/agent")

// ExecRunner runs a CLI agent once per message:
//
//	<command> <args...> [--agent <session>] <message_flag> <prompt>
//
// Stdout lines stream as chunk events. An agent that exits non-zero before
// printing anything is started again, up to max_attempts, with a run.retrying
// event before each new attempt. Timeouts and final non-zero exits still
// complete the run with a short explanatory reply.
type ExecRunner struct {
	cfg      config.AgentConfig
	timeout  time.Duration
	attempts int
	sem      *semaphore.Weighted
	backOff  func() backoff.BackOff
}

// NewExecRunner creates a runner from the agent config section.
func NewExecRunner(cfg config.AgentConfig) *ExecRunner {
	timeout := time.Duration(cfg.TimeoutSec) * time.Second
	if timeout <= 0 {
		timeout = defaultRunTimeout
	}
	if cfg.MessageFlag == "" {
		cfg.MessageFlag = "--message"
	}
	parallel := cfg.MaxParallel
	if parallel <= 0 {
		parallel = 4
	}
	attempts := cfg.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	return &ExecRunner{
		cfg:      cfg,
		timeout:  timeout,
		attempts: attempts,
		sem:      semaphore.NewWeighted(int64(parallel)),
		backOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = retryInterval
			return b
		},
	}
}

// silentExitError is a non-zero exit with no visible output.
type silentExitError struct{ err error }

func (e *silentExitError) Error() string { return e.err.Error() }
func (e *silentExitError) Unwrap() error { return e.err }

func (r *ExecRunner) args(prompt string) []string {
	args := append([]string(nil), r.cfg.Args...)
	if r.cfg.Session != "" {
		args = append(args, "--agent", r.cfg.Session)
	}
	return append(args, r.cfg.MessageFlag, prompt)
}

// Run executes one agent invocation. The returned error describes a failed
// run even when a fallback reply was delivered.
func (r *ExecRunner) Run(ctx context.Context, req RunRequest, emit EmitFunc) (*RunResult, error) {
	if emit == nil {
		emit = func(Event) {}
	}
	start := time.Now()

	ctx, span := tracer.Start(ctx, "agent.run", trace.WithAttributes(
		attribute.String("agent.run_id", req.RunID),
		attribute.String("agent.command", r.cfg.Command),
		attribute.String("agent.channel", req.Channel),
	))
	defer span.End()

	if err := r.sem.Acquire(ctx, 1); err != nil {
		emit(failed(req.RunID, err))
		return nil, fmt.Errorf("agent: wait for slot: %w", err)
	}
	defer r.sem.Release(1)

	emit(started(req.RunID))
	slog.Info("agent run started", "run_id", req.RunID, "chat_id", req.ChatID, "command", r.cfg.Command)

	content, runErr := r.execWithRetry(ctx, req, emit)
	result := &RunResult{Content: content, RunID: req.RunID, Duration: time.Since(start)}

	switch {
	case runErr != nil && ctx.Err() != nil && !errors.Is(runErr, ErrRunTimeout):
		// Aborted by the caller: no reply.
		span.SetStatus(codes.Error, "cancelled")
		emit(failed(req.RunID, runErr))
		return nil, runErr
	case runErr != nil:
		span.RecordError(runErr)
		span.SetStatus(codes.Error, runErr.Error())
		slog.Warn("agent run failed", "run_id", req.RunID, "error", runErr, "duration", result.Duration)
	default:
		slog.Info("agent run completed", "run_id", req.RunID, "chars", len(content), "duration", result.Duration)
	}

	emit(completed(req.RunID, content))
	return result, runErr
}

func (r *ExecRunner) execWithRetry(ctx context.Context, req RunRequest, emit EmitFunc) (string, error) {
	if r.attempts <= 1 {
		return r.exec(ctx, req, emit)
	}

	var (
		attempt int
		content string
	)
	op := func() (string, error) {
		attempt++
		out, err := r.exec(ctx, req, emit)
		content = out
		var silent *silentExitError
		if err != nil && !errors.As(err, &silent) {
			return out, backoff.Permanent(err)
		}
		return out, err
	}
	notify := func(err error, next time.Duration) {
		slog.Warn("agent exited without output, retrying",
			"run_id", req.RunID, "attempt", attempt+1, "max_attempts", r.attempts, "error", err, "backoff", next)
		emit(retrying(req.RunID, attempt+1, r.attempts))
	}

	_, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(r.backOff()),
		backoff.WithMaxTries(uint(r.attempts)),
		backoff.WithNotify(notify),
	)
	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		err = perm.Unwrap()
	}
	if err != nil && ctx.Err() != nil && !errors.Is(err, ErrRunTimeout) {
		return "", ctx.Err()
	}
	return content, err
}

func (r *ExecRunner) exec(ctx context.Context, req RunRequest, emit EmitFunc) (string, error) {
	runCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, r.cfg.Command, r.args(req.Message)...)
	cmd.Dir = config.ExpandHome(r.cfg.WorkDir)
	var stderr limitedBuffer
	stderr.max = maxStderrBytes
	cmd.Stderr = &stderr
	cmd.WaitDelay = 2 * time.Second

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Sprintf("Error calling agent: %v", err), fmt.Errorf("agent: stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Sprintf("Error calling agent: %v", err), fmt.Errorf("agent: start %s: %w", r.cfg.Command, err)
	}

	var out strings.Builder
	printed := false
	streamLines(stdout, func(line string) {
		out.WriteString(line)
		out.WriteByte('\n')
		if visible := cleanLine(line); visible != "" {
			printed = true
			emit(chunk(req.RunID, visible+"\n"))
		}
	})
	waitErr := cmd.Wait()

	if errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		slog.Error("agent timeout", "run_id", req.RunID, "timeout", r.timeout)
		return timeoutReply, ErrRunTimeout
	}
	if ctx.Err() != nil {
		return "", ctx.Err()
	}
	if msg := strings.TrimSpace(stderr.String()); msg != "" {
		slog.Warn("agent stderr", "run_id", req.RunID, "stderr", msg)
	}

	var exitErr *exec.ExitError
	if errors.As(waitErr, &exitErr) {
		detail := strings.TrimSpace(stderr.String())
		if detail == "" {
			detail = "Unknown error"
		}
		err := fmt.Errorf("agent: exit code %d", exitErr.ExitCode())
		if !printed {
			err = &silentExitError{err: err}
		}
		return fmt.Sprintf("Agent failed (code %d): %s", exitErr.ExitCode(), detail), err
	}
	if waitErr != nil {
		return fmt.Sprintf("Error calling agent: %v", waitErr), fmt.Errorf("agent: wait: %w", waitErr)
	}

	content := CleanOutput(out.String())
	if content == "" {
		return emptyReply, nil
	}
	return content, nil
}

func streamLines(r io.Reader, fn func(string)) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64<<10), 1<<20)
	for sc.Scan() {
		fn(sc.Text())
	}
	if err := sc.Err(); err != nil {
		slog.Debug("agent stdout read", "error", err)
		_, _ = io.Copy(io.Discard, r)
	}
}

// limitedBuffer keeps the first max bytes written to it.
type limitedBuffer struct {
	buf bytes.Buffer
	max int
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	if room := b.max - b.buf.Len(); room > 0 {
		if len(p) > room {
			b.buf.Write(p[:room])
		} else {
			b.buf.Write(p)
		}
	}
	return len(p), nil
}

func (b *limitedBuffer) String() string { return b.buf.String() }
