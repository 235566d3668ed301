package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"go.uber.org/zap"
)

const (
	DefaultWriteTimeout = 5 * time.Second
	DefaultKillGrace    = 3 * time.Second
)

// Status is the result of a liveness probe.
type Status struct {
	Running bool
	// ExitCode is only meaningful when Running is false. It is -1 if the process was killed by a signal.
	ExitCode int
}

func (s Status) String() string {
	if s.Running {
		return "running"
	}
	return fmt.Sprintf("exited(%d)", s.ExitCode)
}

type options struct {
	log          *zap.SugaredLogger
	stdout       io.Writer
	stderr       io.Writer
	env          []string
	dir          string
	writeTimeout time.Duration
	killGrace    time.Duration
}

type Option func(o *options)

func WithLogger(l *zap.SugaredLogger) Option {
	return func(o *options) {
		o.log = l
	}
}

// WithStdout overrides where the child's stdout goes. Defaults to os.Stdout.
func WithStdout(w io.Writer) Option {
	return func(o *options) {
		o.stdout = w
	}
}

// WithStderr overrides where the child's stderr goes. Defaults to os.Stderr.
func WithStderr(w io.Writer) Option {
	return func(o *options) {
		o.stderr = w
	}
}

// WithEnv appends env vars to the environment inherited from the host.
func WithEnv(env []string) Option {
	return func(o *options) {
		o.env = env
	}
}

func WithDir(dir string) Option {
	return func(o *options) {
		o.dir = dir
	}
}

// WithWriteTimeout bounds every Write. Zero disables the bound.
func WithWriteTimeout(d time.Duration) Option {
	return func(o *options) {
		o.writeTimeout = d
	}
}

// WithKillGrace sets how long Terminate waits after SIGTERM before sending SIGKILL. Zero disables SIGKILL escalation.
func WithKillGrace(d time.Duration) Option {
	return func(o *options) {
		o.killGrace = d
	}
}

type deadlineWriter interface {
	SetWriteDeadline(t time.Time) error
}

// Process is a handle on a running child process. Create it with Spawn.
type Process struct {
	log          *zap.SugaredLogger
	cmd          *exec.Cmd
	stdin        io.WriteCloser
	writeTimeout time.Duration
	killGrace    time.Duration

	writeMut    sync.Mutex
	inputClosed atomic.Bool

	closeInputOnce sync.Once
	closeInputErr  error

	terminateOnce sync.Once
	// termSignals counts the SIGTERMs actually delivered, at most 1.
	termSignals atomic.Int32

	// done is closed once the process has been reaped, after exitCode is set.
	done     chan struct{}
	exitCode int
}

// Spawn starts argv[0] with the rest of argv as its arguments.
// The process is terminated if ctx is canceled before it exits.
func Spawn(ctx context.Context, argv []string, opts ...Option) (*Process, error) {
	o := &options{
		log:          zap.NewNop().Sugar(),
		stdout:       os.Stdout,
		stderr:       os.Stderr,
		writeTimeout: DefaultWriteTimeout,
		killGrace:    DefaultKillGrace,
	}
	for _, opt := range opts {
		opt(o)
	}

	if len(argv) == 0 {
		return nil, &SpawnError{Argv: argv, Err: errors.New("empty argument vector")}
	}
	if err := ctx.Err(); err != nil {
		return nil, &SpawnError{Argv: argv, Err: err}
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Stdout = o.stdout
	cmd.Stderr = o.stderr
	cmd.Dir = o.dir
	if len(o.env) > 0 {
		cmd.Env = append(os.Environ(), o.env...)
	}
	cmd.SysProcAttr = sysProcAttr()

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, &SpawnError{Argv: argv, Err: fmt.Errorf("creating stdin pipe: %w", err)}
	}

	err = cmd.Start()
	if err != nil {
		return nil, &SpawnError{Argv: argv, Err: err}
	}

	p := &Process{
		log:          o.log.With("PID", cmd.Process.Pid),
		cmd:          cmd,
		stdin:        stdin,
		writeTimeout: o.writeTimeout,
		killGrace:    o.killGrace,
		done:         make(chan struct{}),
	}
	p.log.Debugw("process started", "Argv", argv)

	go p.wait()

	// terminate the process if the context is canceled
	go func() {
		select {
		case <-ctx.Done():
			p.log.Debugf("spawn context done: %s", ctx.Err())
			p.Terminate()
		case <-p.done:
		}
	}()

	return p, nil
}

func (p *Process) wait() {
	err := p.cmd.Wait()
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			p.log.Debugf("unexpected wait error: %s", err)
		}
	}
	p.exitCode = p.cmd.ProcessState.ExitCode()
	p.inputClosed.Store(true)
	p.log.Debugf("process exited with code %d", p.exitCode)
	close(p.done)
}

func (p *Process) Pid() int {
	return p.cmd.Process.Pid
}

// Write writes b to the child's stdin. Any failure is returned as a *WriteError.
func (p *Process) Write(b []byte) (int, error) {
	p.writeMut.Lock()
	defer p.writeMut.Unlock()

	if p.inputClosed.Load() {
		return 0, &WriteError{Err: ErrInputClosed}
	}

	if p.writeTimeout > 0 {
		if dw, ok := p.stdin.(deadlineWriter); ok {
			err := dw.SetWriteDeadline(time.Now().Add(p.writeTimeout))
			if err != nil && !errors.Is(err, os.ErrNoDeadline) {
				return 0, &WriteError{Err: fmt.Errorf("setting write deadline: %w", err)}
			}
		}
	}

	n, err := p.stdin.Write(b)
	if err != nil {
		if errors.Is(err, os.ErrClosed) {
			err = ErrInputClosed
		}
		return n, &WriteError{Err: err}
	}
	return n, nil
}

// CloseInput closes the child's stdin. Only the first call does anything.
func (p *Process) CloseInput() error {
	p.closeInputOnce.Do(func() {
		p.inputClosed.Store(true)
		err := p.stdin.Close()
		// the pipe is also closed when the process is reaped
		if err != nil && !errors.Is(err, os.ErrClosed) {
			p.closeInputErr = fmt.Errorf("closing process input: %w", err)
		}
		p.log.Debug("closed process input")
	})
	return p.closeInputErr
}

// Terminate sends SIGTERM to the process and returns without waiting for it to exit.
// If the process is still alive after the kill grace period, it is sent SIGKILL.
// Terminating a process that has already exited is a no-op.
func (p *Process) Terminate() error {
	var err error
	p.terminateOnce.Do(func() {
		select {
		case <-p.done:
			p.log.Debug("process already exited, not signaling")
			return
		default:
		}

		err = signalGroup(p.cmd.Process, syscall.SIGTERM)
		if errors.Is(err, os.ErrProcessDone) {
			err = nil
			return
		}
		if err != nil {
			err = fmt.Errorf("sending SIGTERM: %w", err)
			return
		}
		p.termSignals.Add(1)
		p.log.Debug("sent SIGTERM")

		if p.killGrace > 0 {
			go p.killAfterGrace()
		}
	})
	return err
}

func (p *Process) killAfterGrace() {
	timer := time.NewTimer(p.killGrace)
	defer timer.Stop()
	select {
	case <-p.done:
	case <-timer.C:
		p.log.Warnw("process still running after SIGTERM, sending SIGKILL", "Grace", p.killGrace)
		err := signalGroup(p.cmd.Process, syscall.SIGKILL)
		if err != nil && !errors.Is(err, os.ErrProcessDone) {
			p.log.Debugf("error sending SIGKILL: %s", err)
		}
	}
}

// Poll reports whether the process is still running, without blocking.
func (p *Process) Poll() Status {
	select {
	case <-p.done:
		return Status{ExitCode: p.exitCode}
	default:
		return Status{Running: true}
	}
}

// Done returns a channel that is closed once the process has exited and been reaped.
func (p *Process) Done() <-chan struct{} {
	return p.done
}

// Wait blocks until the process exits or ctx is done.
func (p *Process) Wait(ctx context.Context) (Status, error) {
	select {
	case <-p.done:
		return Status{ExitCode: p.exitCode}, nil
	case <-ctx.Done():
		return Status{Running: true}, ctx.Err()
	}
}
