package claude

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"os/exec"
	"sync"
	"testing"
	"time"

	json "github.com/segmentio/encoding/json"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		// exec.Cmd's internal io.Copy goroutines for os/exec's exec.Cmd can
		// still be winding down when a test's deferred Close returns.
		goleak.IgnoreTopFunction("os/exec.(*Cmd).Start.func2"),
	)
}

func newTransportAround(t *testing.T, cmd *exec.Cmd) *Transport {
	t.Helper()
	stdin, err := cmd.StdinPipe()
	require.NoError(t, err)
	stdout, err := cmd.StdoutPipe()
	require.NoError(t, err)

	tr := &Transport{
		cmd:         cmd,
		stdin:       stdin,
		stdout:      stdout,
		logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
		closeDone:   make(chan struct{}),
		processDone: make(chan struct{}),
	}
	cmd.Stderr = &tr.stderrBuf
	require.NoError(t, cmd.Start())
	tr.connected.Store(true)

	go func() {
		tr.waitErr = cmd.Wait()
		if ee, ok := tr.waitErr.(*exec.ExitError); ok {
			tr.exitCode = ee.ExitCode()
		}
		close(tr.processDone)
	}()

	t.Cleanup(func() { _ = tr.Close() })
	return tr
}

func TestTransport_WriteIsReadBackThroughFrames(t *testing.T) {
	tr := newTransportAround(t, exec.Command("cat"))

	require.NoError(t, tr.Write(map[string]any{"type": "keep_alive"}))

	foe := <-tr.ReadFrames()
	require.NoError(t, foe.Err)
	require.Equal(t, FrameKeepAlive, foe.Frame.Kind)
}

func TestTransport_DoubleConsumeReturnsErrAlreadyConsumed(t *testing.T) {
	tr := newTransportAround(t, exec.Command("cat"))

	first := tr.ReadFrames()
	second := tr.ReadFrames()

	foe := <-second
	require.ErrorIs(t, foe.Err, ErrAlreadyConsumed)
	require.True(t, foe.Terminal)
	_, stillOpen := <-second
	require.False(t, stillOpen, "second consumer's channel must be closed after the error")

	// The first consumer is unaffected.
	require.NoError(t, tr.Write(map[string]any{"type": "keep_alive"}))
	foe = <-first
	require.NoError(t, foe.Err)
}

func TestTransport_EndInputThenWriteReturnsErrClosed(t *testing.T) {
	tr := newTransportAround(t, exec.Command("cat"))

	require.NoError(t, tr.EndInput())
	require.NoError(t, tr.EndInput(), "EndInput must be idempotent")

	err := tr.Write(map[string]any{"type": "keep_alive"})
	require.ErrorIs(t, err, ErrClosed)
}

func TestTransport_CloseIsIdempotentUnderConcurrency(t *testing.T) {
	tr := newTransportAround(t, exec.Command("cat"))

	const n = 10
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = tr.Close()
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		require.NoError(t, err, "closer %d", i)
	}
	require.False(t, tr.IsConnected())
}

func TestTransport_ProcessExitSurfacesTerminalErrorWithExitCode(t *testing.T) {
	tr := newTransportAround(t, exec.Command("sh", "-c", "exit 7"))

	var last FrameOrError
	for foe := range tr.ReadFrames() {
		last = foe
	}

	require.Error(t, last.Err)
	require.True(t, last.Terminal)
	var procErr *ProcessTerminatedError
	require.ErrorAs(t, last.Err, &procErr)
	require.Equal(t, 7, procErr.ExitCode)
}

func TestTransport_StderrTailIncludedOnNonZeroExit(t *testing.T) {
	tr := newTransportAround(t, exec.Command("sh", "-c", "echo boom 1>&2; exit 1"))

	var last FrameOrError
	for foe := range tr.ReadFrames() {
		last = foe
	}

	var procErr *ProcessTerminatedError
	require.ErrorAs(t, last.Err, &procErr)
	require.Contains(t, procErr.Stderr, "boom")
}

func TestTransport_ConcurrentWritesProduceWellFormedLines(t *testing.T) {
	tr := newTransportAround(t, exec.Command("cat"))

	const n = 25
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = tr.Write(map[string]any{"type": "keep_alive", "n": i})
		}(i)
	}
	wg.Wait()

	seen := map[int]bool{}
	frames := tr.ReadFrames()
	for i := 0; i < n; i++ {
		foe := <-frames
		require.NoError(t, foe.Err)
		var body struct {
			N int `json:"n"`
		}
		require.NoError(t, json.Unmarshal(foe.Frame.Raw, &body))
		require.False(t, seen[body.N], "duplicate n=%d: a write interleaved with another", body.N)
		seen[body.N] = true
	}
	require.Len(t, seen, n)
}

func TestTransport_ContextCancelTriggersClose(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	opts := defaultOptions()
	opts.ClaudeExecutable = "cat"
	opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))

	tr, err := NewTransport(ctx, opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = tr.Close() })

	cancel()

	require.Eventually(t, func() bool {
		return !tr.IsConnected()
	}, 2*time.Second, 10*time.Millisecond)
}

func TestTransport_BuildEnvSetsEntrypointAndStripsInherited(t *testing.T) {
	opts := defaultOptions()
	opts.Env = map[string]string{"FOO": "bar"}
	env := buildEnv(opts)

	var sawEntrypoint, sawFoo bool
	for _, e := range env {
		if e == "CLAUDE_CODE_ENTRYPOINT=sdk-go" {
			sawEntrypoint = true
		}
		if e == "FOO=bar" {
			sawFoo = true
		}
		require.False(t, bytes.HasPrefix([]byte(e), []byte("CLAUDECODE=")))
	}
	require.True(t, sawEntrypoint)
	require.True(t, sawFoo)
}

func TestTransport_BuildEnvThinkingDisabledZeroesThinkingTokens(t *testing.T) {
	opts := defaultOptions()
	opts.Thinking = ThinkingDisabled
	env := buildEnv(opts)

	var sawZero bool
	for _, e := range env {
		if e == "MAX_THINKING_TOKENS=0" {
			sawZero = true
		}
	}
	require.True(t, sawZero)
}
