package supervisor

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func spawn(t *testing.T, argv []string, opts ...Option) *Process {
	t.Helper()
	opts = append([]Option{WithLogger(zap.NewNop().Sugar())}, opts...)
	p, err := Spawn(context.Background(), argv, opts...)
	require.NoError(t, err)
	t.Cleanup(func() {
		p.CloseInput()
		p.Terminate()
	})
	return p
}

func waitExit(t *testing.T, p *Process) Status {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	status, err := p.Wait(ctx)
	require.NoError(t, err)
	return status
}

func TestWriteAndCloseInput(t *testing.T) {
	out := filepath.Join(t.TempDir(), "out")
	p := spawn(t, []string{"sh", "-c", "cat > " + out})

	assert.True(t, p.Poll().Running)

	chunks := [][]byte{
		bytes.Repeat([]byte{1}, 4096),
		bytes.Repeat([]byte{2}, 2048),
		bytes.Repeat([]byte{3}, 1024),
	}
	var expected []byte
	for _, c := range chunks {
		n, err := p.Write(c)
		require.NoError(t, err)
		assert.Equal(t, len(c), n)
		expected = append(expected, c...)
	}

	require.NoError(t, p.CloseInput())
	require.NoError(t, p.CloseInput())

	status := waitExit(t, p)
	assert.Equal(t, Status{ExitCode: 0}, status)

	b, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, expected, b)
}

func TestWriteAfterCloseInput(t *testing.T) {
	p := spawn(t, []string{"cat"}, WithStdout(&bytes.Buffer{}))
	require.NoError(t, p.CloseInput())

	_, err := p.Write([]byte("hello"))
	var writeErr *WriteError
	require.ErrorAs(t, err, &writeErr)
	assert.ErrorIs(t, err, ErrInputClosed)
}

func TestWriteAfterExit(t *testing.T) {
	p := spawn(t, []string{"sh", "-c", "exit 3"})

	status := waitExit(t, p)
	assert.Equal(t, Status{ExitCode: 3}, status)
	assert.Equal(t, status, p.Poll())

	_, err := p.Write([]byte("hello"))
	var writeErr *WriteError
	require.ErrorAs(t, err, &writeErr)

	// the input is already closed, so closing it again is fine
	assert.NoError(t, p.CloseInput())
}

func TestSpawnErrors(t *testing.T) {
	cases := []struct {
		name string
		argv []string
	}{
		{
			name: "empty argv",
			argv: nil,
		},
		{
			name: "nonexistent path",
			argv: []string{filepath.Join(t.TempDir(), "neolink"), "talk"},
		},
		{
			name: "nonexistent command",
			argv: []string{"talkbridge-no-such-command"},
		},
		{
			name: "not executable",
			argv: []string{t.TempDir()},
		},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			p, err := Spawn(context.Background(), c.argv)
			assert.Nil(t, p)
			var spawnErr *SpawnError
			require.ErrorAs(t, err, &spawnErr)
			assert.Equal(t, c.argv, spawnErr.Argv)
		})
	}

	t.Run("canceled context", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := Spawn(ctx, []string{"cat"})
		var spawnErr *SpawnError
		require.ErrorAs(t, err, &spawnErr)
		assert.ErrorIs(t, err, context.Canceled)
	})
}

func TestTerminateIsIdempotent(t *testing.T) {
	p := spawn(t, []string{"sleep", "30"})

	var wg sync.WaitGroup
	errs := make([]error, 10)
	for i := range errs {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = p.Terminate()
		}()
	}
	wg.Wait()

	for _, err := range errs {
		assert.NoError(t, err)
	}
	assert.EqualValues(t, 1, p.termSignals.Load())

	status := waitExit(t, p)
	assert.False(t, status.Running)
	assert.Equal(t, -1, status.ExitCode)
}

func TestTerminateAfterExit(t *testing.T) {
	p := spawn(t, []string{"true"})
	waitExit(t, p)

	assert.NoError(t, p.Terminate())
	assert.NoError(t, p.Terminate())
	assert.EqualValues(t, 0, p.termSignals.Load())
}

func TestTerminateEscalatesToKill(t *testing.T) {
	p := spawn(t, []string{"sh", "-c", `trap "" TERM; sleep 30`}, WithKillGrace(100*time.Millisecond))

	start := time.Now()
	require.NoError(t, p.Terminate())
	status := waitExit(t, p)
	assert.Equal(t, -1, status.ExitCode)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestWriteTimeout(t *testing.T) {
	// sleep never reads stdin, so the pipe fills up
	p := spawn(t, []string{"sleep", "30"}, WithWriteTimeout(100*time.Millisecond))

	start := time.Now()
	_, err := p.Write(make([]byte, 4<<20))
	var writeErr *WriteError
	require.ErrorAs(t, err, &writeErr)
	assert.True(t, errors.Is(err, os.ErrDeadlineExceeded), "unexpected error: %s", err)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestContextCancelTerminates(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p, err := Spawn(ctx, []string{"sleep", "30"})
	require.NoError(t, err)

	cancel()
	select {
	case <-p.Done():
	case <-time.After(10 * time.Second):
		t.Fatal("process was not terminated after context cancellation")
	}
	assert.False(t, p.Poll().Running)
}

func TestEnvAndStdout(t *testing.T) {
	var stdout bytes.Buffer
	p := spawn(t, []string{"sh", "-c", "printf %s $CAMERA"},
		WithEnv([]string{"CAMERA=Door"}),
		WithStdout(&stdout),
	)
	status := waitExit(t, p)
	assert.Equal(t, 0, status.ExitCode)
	assert.Equal(t, "Door", stdout.String())
}

func TestDir(t *testing.T) {
	dir := t.TempDir()
	var stdout bytes.Buffer
	p := spawn(t, []string{"sh", "-c", "pwd -P"}, WithDir(dir), WithStdout(&stdout))
	status := waitExit(t, p)
	assert.Equal(t, 0, status.ExitCode)

	expected, err := filepath.EvalSymlinks(dir)
	require.NoError(t, err)
	assert.Equal(t, expected+"\n", stdout.String())
}

func TestCloseInputUnblocksWrite(t *testing.T) {
	// the child never reads, so a large write fills the pipe and blocks
	p := spawn(t, []string{"sleep", "30"}, WithWriteTimeout(0), WithKillGrace(0))

	errs := make(chan error, 1)
	go func() {
		_, err := p.Write(make([]byte, 4<<20))
		errs <- err
	}()
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, p.CloseInput())

	select {
	case err := <-errs:
		var writeErr *WriteError
		require.ErrorAs(t, err, &writeErr)
		assert.ErrorIs(t, err, ErrInputClosed)
	case <-time.After(5 * time.Second):
		t.Fatal("write still blocked after closing input")
	}
	assert.True(t, p.Poll().Running)
}
