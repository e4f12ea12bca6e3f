package delegate

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"
)

const (
	defaultMaxOutputBytes = 8 << 20
	defaultWaitDelay      = 2 * time.Second
	maxDetailBytes        = 4 << 10
)

// Options configures a ProcessDelegate.
type Options struct {
	// Path is the executable to run. Bare names are resolved through PATH.
	Path string
	// Args are passed before the input argument.
	Args []string
	// WorkDir is the worker's working directory. It is also exported through
	// EnvPathVar so the worker can locate sibling resources.
	WorkDir string
	// EnvPathVar names the environment variable set to the absolute WorkDir.
	// Empty disables the export.
	EnvPathVar string
	// InputMode selects argument or stdin delivery. Defaults to InputArg.
	InputMode InputMode
	// Timeout bounds each run's wall-clock time. Zero means no limit.
	Timeout time.Duration
	// MaxConcurrent caps simultaneously running processes. Zero means no cap.
	MaxConcurrent int
	// Policy applies when the cap is reached. Defaults to PolicyQueue.
	Policy BusyPolicy
	// MaxOutputBytes caps the stdout kept per run. Output beyond it is
	// treated as malformed.
	MaxOutputBytes int
	// WaitDelay bounds how long a run waits for the worker's pipes to close
	// after it exits or is killed.
	WaitDelay time.Duration

	Logger  *slog.Logger
	Metrics *Metrics
}

// ProcessDelegate spawns one OS process per Run.
type ProcessDelegate struct {
	opts    Options
	workDir string
	env     []string
	sem     *semaphore.Weighted
	logger  *slog.Logger
	metrics *Metrics
}

var _ Delegate = (*ProcessDelegate)(nil)

func NewProcessDelegate(opts Options) (*ProcessDelegate, error) {
	if strings.TrimSpace(opts.Path) == "" {
		return nil, errors.New("delegate path is required")
	}
	if opts.InputMode == "" {
		opts.InputMode = InputArg
	}
	if opts.InputMode != InputArg && opts.InputMode != InputStdin {
		return nil, fmt.Errorf("unknown delegate input mode %q", opts.InputMode)
	}
	if opts.Policy == "" {
		opts.Policy = PolicyQueue
	}
	if opts.Policy != PolicyQueue && opts.Policy != PolicyReject {
		return nil, fmt.Errorf("unknown delegate busy policy %q", opts.Policy)
	}
	if opts.MaxOutputBytes <= 0 {
		opts.MaxOutputBytes = defaultMaxOutputBytes
	}
	if opts.WaitDelay <= 0 {
		opts.WaitDelay = defaultWaitDelay
	}

	workDir := opts.WorkDir
	if workDir == "" {
		workDir = "."
	}
	absWorkDir, err := filepath.Abs(workDir)
	if err != nil {
		return nil, fmt.Errorf("resolve delegate workdir: %w", err)
	}

	env := os.Environ()
	if opts.EnvPathVar != "" {
		env = append(env, opts.EnvPathVar+"="+absWorkDir)
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	d := &ProcessDelegate{
		opts:    opts,
		workDir: absWorkDir,
		env:     env,
		logger:  logger.With(slog.String("component", "delegate")),
		metrics: opts.Metrics,
	}
	if opts.MaxConcurrent > 0 {
		d.sem = semaphore.NewWeighted(int64(opts.MaxConcurrent))
	}
	return d, nil
}

// Run executes the worker once for input.
//
// The run either returns a Result whose Payload is valid JSON, or an *Error
// with one of the delegate codes. Cancelling ctx kills the worker.
func (d *ProcessDelegate) Run(ctx context.Context, input string) (Result, error) {
	runID := uuid.NewString()
	log := d.logger.With(slog.String("run_id", runID))

	release, err := d.acquire(ctx)
	if err != nil {
		d.metrics.observe(string(CodeOf(err)), 0)
		log.WarnContext(ctx, "delegate run not started", slog.Any("error", err))
		return Result{}, err
	}
	defer release()

	start := time.Now()
	res, err := d.run(ctx, input)
	elapsed := time.Since(start)
	res.ID = runID
	res.Duration = elapsed

	if err != nil {
		var de *Error
		errors.As(err, &de)
		d.metrics.observe(string(de.Code), elapsed.Seconds())
		log.WarnContext(ctx, "delegate run failed",
			slog.String("code", string(de.Code)),
			slog.Int("exit_code", de.ExitCode),
			slog.String("detail", de.Detail),
			slog.Duration("duration", elapsed),
		)
		return res, err
	}

	d.metrics.observe("success", elapsed.Seconds())
	log.InfoContext(ctx, "delegate run completed",
		slog.Int("output_bytes", len(res.Payload)),
		slog.Duration("duration", elapsed),
	)
	return res, nil
}

func (d *ProcessDelegate) acquire(ctx context.Context) (func(), error) {
	if d.sem == nil {
		d.metrics.inFlight(1)
		return func() { d.metrics.inFlight(-1) }, nil
	}

	if d.opts.Policy == PolicyReject {
		if !d.sem.TryAcquire(1) {
			return nil, newError(CodeBusy, "concurrency limit reached", -1, nil)
		}
	} else {
		d.metrics.waiting(1)
		err := d.sem.Acquire(ctx, 1)
		d.metrics.waiting(-1)
		if err != nil {
			return nil, d.contextError(ctx, ctx, "waiting for a free slot")
		}
	}

	d.metrics.inFlight(1)
	return func() {
		d.metrics.inFlight(-1)
		d.sem.Release(1)
	}, nil
}

func (d *ProcessDelegate) run(ctx context.Context, input string) (Result, error) {
	runCtx := ctx
	if d.opts.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, d.opts.Timeout)
		defer cancel()
	}

	args := append([]string(nil), d.opts.Args...)
	if d.opts.InputMode == InputArg {
		args = append(args, input)
	}

	cmd := exec.CommandContext(runCtx, d.opts.Path, args...)
	cmd.Dir = d.workDir
	cmd.Env = d.env
	cmd.WaitDelay = d.opts.WaitDelay
	if d.opts.InputMode == InputStdin {
		cmd.Stdin = strings.NewReader(input)
	}

	// os/exec drains each non-*os.File writer on its own goroutine, so a
	// worker blocked on a full stderr pipe cannot stall stdout collection.
	stdout := newCappedBuffer(d.opts.MaxOutputBytes)
	stderr := newCappedBuffer(maxDetailBytes)
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		if ctx.Err() != nil || runCtx.Err() != nil {
			return Result{}, d.contextError(ctx, runCtx, "before start")
		}
		return Result{}, newError(CodeUnavailable, err.Error(), -1, err)
	}

	waitErr := cmd.Wait()
	res := Result{Stderr: stderr.String()}

	// A worker that exited cleanly keeps its output even if the deadline
	// passed while its pipes were draining. ErrWaitDelay only reports
	// lingering pipe holders after a clean exit.
	if waitErr != nil && !errors.Is(waitErr, exec.ErrWaitDelay) {
		if runCtx.Err() != nil {
			return res, d.contextError(ctx, runCtx, stderr.String())
		}
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			return res, newError(CodeExecutionFailed, stderr.String(), exitErr.ExitCode(), nil)
		}
		return res, newError(CodeExecutionFailed, stderr.String(), -1, waitErr)
	}

	if stdout.Truncated() {
		return res, newError(CodeOutputMalformed,
			fmt.Sprintf("output exceeds %d bytes", d.opts.MaxOutputBytes), 0, nil)
	}

	out := bytes.TrimSpace(stdout.Bytes())
	if len(out) == 0 {
		return res, newError(CodeOutputMalformed, "empty output", 0, nil)
	}
	if !json.Valid(out) {
		return res, newError(CodeOutputMalformed, snippet(out), 0, nil)
	}

	res.Payload = json.RawMessage(append([]byte(nil), out...))
	return res, nil
}

// contextError classifies a context-driven stop. A deadline on runCtx that
// the parent did not impose is the delegate's own timeout.
func (d *ProcessDelegate) contextError(parent, runCtx context.Context, detail string) error {
	if parent.Err() != nil {
		if errors.Is(parent.Err(), context.DeadlineExceeded) {
			return newError(CodeTimeout, detail, -1, parent.Err())
		}
		return newError(CodeCanceled, detail, -1, parent.Err())
	}
	return newError(CodeTimeout, detail, -1, runCtx.Err())
}

func snippet(b []byte) string {
	const limit = 256
	if len(b) > limit {
		return string(b[:limit]) + "..."
	}
	return string(b)
}

// cappedBuffer keeps at most limit bytes and remembers whether more arrived.
// Writes past the limit are accepted and discarded so the writer never blocks.
type cappedBuffer struct {
	mu        sync.Mutex
	buf       bytes.Buffer
	limit     int
	truncated bool
}

func newCappedBuffer(limit int) *cappedBuffer {
	return &cappedBuffer{limit: limit}
}

func (c *cappedBuffer) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	room := c.limit - c.buf.Len()
	if room <= 0 {
		if len(p) > 0 {
			c.truncated = true
		}
		return len(p), nil
	}
	if len(p) > room {
		c.buf.Write(p[:room])
		c.truncated = true
		return len(p), nil
	}
	c.buf.Write(p)
	return len(p), nil
}

func (c *cappedBuffer) Bytes() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buf.Bytes()
}

func (c *cappedBuffer) String() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buf.String()
}

func (c *cappedBuffer) Truncated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.truncated
}
