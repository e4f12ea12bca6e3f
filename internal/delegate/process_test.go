package delegate

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeStub creates an executable shell script that stands in for the
// analysis process.
func writeStub(t *testing.T, body string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell stubs require a POSIX shell")
	}
	path := filepath.Join(t.TempDir(), "stub.sh")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755))
	return path
}

func newStubDelegate(t *testing.T, body string, mutate ...func(*Options)) *ProcessDelegate {
	t.Helper()
	opts := Options{
		Path:      writeStub(t, body),
		WaitDelay: 200 * time.Millisecond,
	}
	for _, m := range mutate {
		m(&opts)
	}
	d, err := NewProcessDelegate(opts)
	require.NoError(t, err)
	return d
}

func requireCode(t *testing.T, err error, code Code) *Error {
	t.Helper()
	require.Error(t, err)
	var de *Error
	require.True(t, errors.As(err, &de), "expected *delegate.Error, got %T: %v", err, err)
	require.Equal(t, code, de.Code, "unexpected code, detail=%q", de.Detail)
	return de
}

func TestProcessDelegate_Success(t *testing.T) {
	t.Parallel()
	d := newStubDelegate(t, `echo '{"ok":true}'`)

	res, err := d.Run(context.Background(), "x")
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true}`, string(res.Payload))
	assert.NotEmpty(t, res.ID)
	assert.True(t, res.Duration > 0)
}

func TestProcessDelegate_NonZeroExit(t *testing.T) {
	t.Parallel()
	d := newStubDelegate(t, `echo boom >&2; exit 1`)

	_, err := d.Run(context.Background(), "x")
	de := requireCode(t, err, CodeExecutionFailed)
	assert.ErrorIs(t, err, ErrExecutionFailed)
	assert.Contains(t, de.Detail, "boom")
	assert.Equal(t, 1, de.ExitCode)
	assert.True(t, de.Retryable())
}

func TestProcessDelegate_MalformedOutput(t *testing.T) {
	t.Parallel()
	d := newStubDelegate(t, `echo 'not json'`)

	_, err := d.Run(context.Background(), "x")
	de := requireCode(t, err, CodeOutputMalformed)
	assert.ErrorIs(t, err, ErrOutputMalformed)
	assert.Contains(t, de.Detail, "not json")
	assert.False(t, de.Retryable())
}

func TestProcessDelegate_EmptyOutput(t *testing.T) {
	t.Parallel()
	d := newStubDelegate(t, `exit 0`)

	_, err := d.Run(context.Background(), "x")
	requireCode(t, err, CodeOutputMalformed)
}

func TestProcessDelegate_OutputTooLarge(t *testing.T) {
	t.Parallel()
	d := newStubDelegate(t, `echo '{"answer":"this is longer than sixteen bytes"}'`, func(o *Options) {
		o.MaxOutputBytes = 16
	})

	_, err := d.Run(context.Background(), "x")
	requireCode(t, err, CodeOutputMalformed)
}

func TestProcessDelegate_MissingExecutable(t *testing.T) {
	t.Parallel()
	d, err := NewProcessDelegate(Options{Path: filepath.Join(t.TempDir(), "does-not-exist")})
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := d.Run(context.Background(), "x")
		done <- err
	}()

	select {
	case err := <-done:
		de := requireCode(t, err, CodeUnavailable)
		assert.ErrorIs(t, err, ErrUnavailable)
		assert.False(t, de.Retryable())
	case <-time.After(5 * time.Second):
		t.Fatal("Run hung on a missing executable")
	}
}

func TestProcessDelegate_NotExecutable(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "plain.txt")
	require.NoError(t, os.WriteFile(path, []byte("echo hi"), 0o644))

	d, err := NewProcessDelegate(Options{Path: path})
	require.NoError(t, err)

	_, err = d.Run(context.Background(), "x")
	requireCode(t, err, CodeUnavailable)
}

func TestProcessDelegate_InputAsArgument(t *testing.T) {
	t.Parallel()
	d := newStubDelegate(t, `printf '{"prefix":"%s","input":"%s"}' "$1" "$2"`, func(o *Options) {
		o.Args = []string{"--prompt"}
	})

	res, err := d.Run(context.Background(), "which crop for clay soil")
	require.NoError(t, err)
	assert.JSONEq(t, `{"prefix":"--prompt","input":"which crop for clay soil"}`, string(res.Payload))
}

func TestProcessDelegate_InputOnStdin(t *testing.T) {
	t.Parallel()
	d := newStubDelegate(t, `cat`, func(o *Options) {
		o.InputMode = InputStdin
	})

	res, err := d.Run(context.Background(), `{"echo":[1,2,3]}`)
	require.NoError(t, err)
	assert.JSONEq(t, `{"echo":[1,2,3]}`, string(res.Payload))
}

func TestProcessDelegate_WorkDirExportedToEnvironment(t *testing.T) {
	t.Parallel()
	workDir := t.TempDir()
	d := newStubDelegate(t, `printf '{"root":"%s","cwd":"%s"}' "$PYTHONPATH" "$(pwd -P)"`, func(o *Options) {
		o.WorkDir = workDir
		o.EnvPathVar = "PYTHONPATH"
	})

	res, err := d.Run(context.Background(), "x")
	require.NoError(t, err)

	var got struct {
		Root string `json:"root"`
		Cwd  string `json:"cwd"`
	}
	require.NoError(t, json.Unmarshal(res.Payload, &got))

	want, err := filepath.EvalSymlinks(workDir)
	require.NoError(t, err)
	root, err := filepath.EvalSymlinks(got.Root)
	require.NoError(t, err)
	assert.Equal(t, want, root)
	assert.Equal(t, want, got.Cwd)
}

func TestProcessDelegate_StderrFloodDoesNotDeadlock(t *testing.T) {
	t.Parallel()
	// 1 MiB on stderr overflows any OS pipe buffer before stdout is written.
	d := newStubDelegate(t, `head -c 1048576 /dev/zero | tr '\0' 'e' >&2; echo '{"ok":true}'`, func(o *Options) {
		o.Timeout = 10 * time.Second
	})

	res, err := d.Run(context.Background(), "x")
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true}`, string(res.Payload))
	assert.LessOrEqual(t, len(res.Stderr), maxDetailBytes)
}

func TestProcessDelegate_Timeout(t *testing.T) {
	t.Parallel()
	d := newStubDelegate(t, `exec sleep 5`, func(o *Options) {
		o.Timeout = 200 * time.Millisecond
	})

	start := time.Now()
	_, err := d.Run(context.Background(), "x")
	requireCode(t, err, CodeTimeout)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Less(t, time.Since(start), 3*time.Second)
}

func TestProcessDelegate_CleanExitBeatsLateDeadline(t *testing.T) {
	t.Parallel()
	// The worker answers and exits at once, but a background child keeps
	// stdout open until well after the timeout has passed.
	d := newStubDelegate(t, `(sleep 2) & echo '{"ok":true}'`, func(o *Options) {
		o.Timeout = 100 * time.Millisecond
		o.WaitDelay = 500 * time.Millisecond
	})

	res, err := d.Run(context.Background(), "x")
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true}`, string(res.Payload))
	assert.GreaterOrEqual(t, res.Duration, 100*time.Millisecond)
}

func TestProcessDelegate_CallerCancellationKillsProcess(t *testing.T) {
	t.Parallel()
	d := newStubDelegate(t, `exec sleep 5`)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(150*time.Millisecond, cancel)

	start := time.Now()
	_, err := d.Run(ctx, "x")
	requireCode(t, err, CodeCanceled)
	assert.Less(t, time.Since(start), 3*time.Second)
}

func TestProcessDelegate_ConcurrentRunsDoNotSerialize(t *testing.T) {
	t.Parallel()
	const (
		n     = 8
		sleep = 300 * time.Millisecond
	)
	d := newStubDelegate(t, `sleep 0.3; echo '{"ok":true}'`)

	start := time.Now()
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := d.Run(context.Background(), "x")
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}
	assert.Less(t, time.Since(start), n*sleep/2)
}

func TestProcessDelegate_ConcurrencyCapQueues(t *testing.T) {
	t.Parallel()
	const sleep = 300 * time.Millisecond
	d := newStubDelegate(t, `sleep 0.3; echo '{"ok":true}'`, func(o *Options) {
		o.MaxConcurrent = 2
		o.Policy = PolicyQueue
	})

	start := time.Now()
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := d.Run(context.Background(), "x")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.GreaterOrEqual(t, time.Since(start), 2*sleep)
}

func TestProcessDelegate_QueuedRunHonoursCallerDeadline(t *testing.T) {
	t.Parallel()
	d := newStubDelegate(t, `sleep 1; echo '{}'`, func(o *Options) {
		o.MaxConcurrent = 1
	})

	go func() { _, _ = d.Run(context.Background(), "first") }()
	time.Sleep(100 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err := d.Run(ctx, "second")
	requireCode(t, err, CodeTimeout)
}

func TestProcessDelegate_ConcurrencyCapRejects(t *testing.T) {
	t.Parallel()
	d := newStubDelegate(t, `sleep 0.5; echo '{}'`, func(o *Options) {
		o.MaxConcurrent = 1
		o.Policy = PolicyReject
	})

	first := make(chan error, 1)
	go func() {
		_, err := d.Run(context.Background(), "first")
		first <- err
	}()
	time.Sleep(100 * time.Millisecond)

	_, err := d.Run(context.Background(), "second")
	de := requireCode(t, err, CodeBusy)
	assert.True(t, de.Retryable())
	require.NoError(t, <-first)
}

func TestProcessDelegate_Metrics(t *testing.T) {
	t.Parallel()
	registry := prometheus.NewRegistry()
	metrics := NewMetrics(registry)

	ok := newStubDelegate(t, `echo '{}'`, func(o *Options) { o.Metrics = metrics })
	bad := newStubDelegate(t, `exit 3`, func(o *Options) { o.Metrics = metrics })

	_, err := ok.Run(context.Background(), "x")
	require.NoError(t, err)
	_, err = bad.Run(context.Background(), "x")
	require.Error(t, err)

	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.Runs.WithLabelValues("success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.Runs.WithLabelValues(string(CodeExecutionFailed))))
	assert.Equal(t, 0.0, testutil.ToFloat64(metrics.InFlight))
}

func TestNewProcessDelegate_Validation(t *testing.T) {
	t.Parallel()

	_, err := NewProcessDelegate(Options{})
	assert.Error(t, err)

	_, err = NewProcessDelegate(Options{Path: "sh", Policy: "drop"})
	assert.Error(t, err)

	_, err = NewProcessDelegate(Options{Path: "sh", InputMode: "file"})
	assert.Error(t, err)
}
