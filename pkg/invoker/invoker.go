// Package invoker spawns one agent subprocess per stage run, bounds global
// concurrency, enforces prompt and wall-clock limits, and publishes the
// subprocess's line output to the output bus.
package invoker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"syscall"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/falcon-pm/falcon/pkg/bus"
	"github.com/falcon-pm/falcon/pkg/masking"
)

// Sentinel errors for invocation preconditions and outcomes.
var (
	// ErrPromptTooLarge indicates the prompt exceeded MaxPromptBytes.
	ErrPromptTooLarge = errors.New("prompt exceeds size limit")

	// ErrTimeout indicates the subprocess hit the hard wall-clock limit.
	ErrTimeout = errors.New("subprocess timed out")
)

// Config controls a single invoker instance.
type Config struct {
	// Command is the agent executable plus fixed arguments. The prompt is
	// written to the subprocess's stdin.
	Command []string

	// MaxConcurrent bounds simultaneous subprocesses. Additional calls
	// wait FIFO on the semaphore.
	MaxConcurrent int64

	// Timeout is the hard wall-clock limit per subprocess.
	Timeout time.Duration

	// KillDelay is how long after graceful termination the subprocess is
	// forcefully killed.
	KillDelay time.Duration

	// MaxPromptBytes caps the UTF-8 byte length of the prompt. A prompt of
	// exactly this size is accepted.
	MaxPromptBytes int
}

// DefaultConfig returns the built-in invoker limits.
func DefaultConfig() Config {
	return Config{
		MaxConcurrent:  5,
		Timeout:        5 * time.Minute,
		KillDelay:      5 * time.Second,
		MaxPromptBytes: 50 * 1024,
	}
}

// Request describes one stage invocation.
type Request struct {
	AgentID     string
	IssueID     string
	Stage       string
	Prompt      string
	ToolBaseURL string
	Debug       bool
}

// Result is the outcome of one run.
type Result struct {
	RunID     string
	Success   bool
	ErrorText string
}

// Invoker runs agent subprocesses. Two wire modes share one implementation:
// debug requests parse newline-delimited JSON frames and extract the
// human-readable text; silent requests treat stdout as plain text.
type Invoker struct {
	cfg      Config
	sem      *semaphore.Weighted
	output   *bus.OutputBus
	scrubber *masking.Scrubber
}

// New creates an Invoker with its own concurrency semaphore. Tests inject
// fresh instances so no global state leaks between them.
func New(cfg Config, output *bus.OutputBus, scrubber *masking.Scrubber) *Invoker {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = DefaultConfig().MaxConcurrent
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig().Timeout
	}
	if cfg.KillDelay <= 0 {
		cfg.KillDelay = DefaultConfig().KillDelay
	}
	if cfg.MaxPromptBytes <= 0 {
		cfg.MaxPromptBytes = DefaultConfig().MaxPromptBytes
	}
	return &Invoker{
		cfg:      cfg,
		sem:      semaphore.NewWeighted(cfg.MaxConcurrent),
		output:   output,
		scrubber: scrubber,
	}
}

// Invoke runs the agent subprocess for one stage. It blocks until the
// subprocess exits (or times out) and returns the run outcome. The error
// return is reserved for precondition failures (prompt too large, semaphore
// wait cancelled); subprocess failures are reported in the Result.
func (inv *Invoker) Invoke(ctx context.Context, req Request) (*Result, error) {
	if len(req.Prompt) > inv.cfg.MaxPromptBytes {
		return nil, fmt.Errorf("%w: %d bytes (limit %d)",
			ErrPromptTooLarge, len(req.Prompt), inv.cfg.MaxPromptBytes)
	}

	if err := inv.sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("waiting for subprocess slot: %w", err)
	}
	defer inv.sem.Release(1)

	runID := uuid.New().String()
	log := slog.With("run_id", runID, "agent_id", req.AgentID, "stage", req.Stage)

	runCtx, cancel := context.WithTimeout(ctx, inv.cfg.Timeout)
	defer cancel()

	result := &Result{RunID: runID}
	if err := inv.runSubprocess(runCtx, runID, req, log); err != nil {
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			err = fmt.Errorf("%w after %v", ErrTimeout, inv.cfg.Timeout)
		}
		result.ErrorText = inv.scrubber.ScrubError(err)
		log.Warn("Subprocess run failed", "error", result.ErrorText)
		return result, nil
	}

	result.Success = true
	log.Info("Subprocess run complete")
	return result, nil
}

// runSubprocess spawns the agent process, streams its stdout through the
// line buffer onto the output bus, and waits for exit.
//
// stderr is deliberately not captured: the agent writes its payload to
// stdout, and a second uncollected pipe is a deadlock waiting to happen.
func (inv *Invoker) runSubprocess(ctx context.Context, runID string, req Request, log *slog.Logger) error {
	if len(inv.cfg.Command) == 0 {
		return fmt.Errorf("invoker command is not configured")
	}

	args := append([]string(nil), inv.cfg.Command[1:]...)
	args = append(args, "--stage", req.Stage)
	if req.Debug {
		args = append(args, "--output-format", "stream-json")
	}
	if req.ToolBaseURL != "" {
		args = append(args, "--tool-base-url", req.ToolBaseURL)
	}

	cmd := exec.CommandContext(ctx, inv.cfg.Command[0], args...)
	// On timeout: graceful termination first, forceful KillDelay later.
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = inv.cfg.KillDelay

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start subprocess: %w", err)
	}

	go func() {
		defer func() { _ = stdin.Close() }()
		if _, err := io.WriteString(stdin, req.Prompt); err != nil {
			log.Warn("Failed to write prompt to subprocess", "error", err)
		}
	}()

	lb := newLineBuffer(func(line string) {
		inv.output.Publish(bus.OutputLine{
			RunID:   runID,
			AgentID: req.AgentID,
			IssueID: req.IssueID,
			Line:    line,
			At:      time.Now(),
		})
	})

	if req.Debug {
		inv.consumeStreamJSON(stdout, lb)
	} else {
		inv.consumePlain(stdout, lb)
	}
	lb.Flush()
	inv.output.Close(runID)

	if err := cmd.Wait(); err != nil {
		return fmt.Errorf("subprocess exited: %w", err)
	}
	return nil
}

// consumePlain copies raw stdout text through the scrubber into the line
// buffer.
func (inv *Invoker) consumePlain(r io.Reader, lb *lineBuffer) {
	buf := make([]byte, 32*1024)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			lb.Write(inv.scrubber.Scrub(string(buf[:n])))
		}
		if err != nil {
			return
		}
	}
}
