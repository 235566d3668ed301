package bridge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/guseggert/talkbridge/internal/metrics"
	"github.com/guseggert/talkbridge/supervisor"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

const DefaultWatchdogInterval = 100 * time.Millisecond

// ErrProtocolAnomaly describes a frame that is not binary. These are dropped and never end a session.
var ErrProtocolAnomaly = errors.New("non-binary frame")

type State int32

const (
	StateStarting State = iota
	StateActive
	StateDraining
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateActive:
		return "active"
	case StateDraining:
		return "draining"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

// Reason is why a session ended.
type Reason string

const (
	ReasonClientClosed  Reason = "client closed"
	ReasonWriteFailed   Reason = "write failed"
	ReasonProcessExited Reason = "process exited"
	ReasonShutdown      Reason = "shutdown"
	ReasonSpawnFailed   Reason = "spawn failed"
	// ReasonReadFailed is a read error that is not the client going away, such as an oversized frame.
	ReasonReadFailed Reason = "read failed"
)

type Options struct {
	ID         string
	RemoteAddr string
	// Argv is the argument vector passed to Spawn.
	Argv  []string
	Spawn Spawner

	// WatchdogInterval is how often the process is polled, in addition to waiting on its exit.
	WatchdogInterval time.Duration

	Logger  *zap.SugaredLogger
	Metrics *metrics.Metrics
}

// Result summarizes a finished session.
type Result struct {
	Reason    Reason
	Frames    int64
	Bytes     int64
	Discarded int64
	// Exit is the state of the process when the session closed.
	// It can still be running if it has been terminated but not reaped yet.
	Exit     supervisor.Status
	Duration time.Duration
}

// Info is a point-in-time snapshot of a session.
type Info struct {
	ID         string
	RemoteAddr string
	PID        int
	State      string
	Started    time.Time
	Frames     int64
	Bytes      int64
}

// Session is one connection paired with one child process.
type Session struct {
	id         string
	remoteAddr string
	log        *zap.SugaredLogger
	metrics    *metrics.Metrics
	conn       Conn
	argv       []string
	spawn      Spawner
	interval   time.Duration
	started    time.Time

	state atomic.Int32
	pid   atomic.Int64

	frames    atomic.Int64
	bytes     atomic.Int64
	discarded atomic.Int64

	// feedReason is set before feederDone is closed.
	feedReason Reason
	feederDone chan struct{}

	closing   chan struct{}
	closeOnce sync.Once

	closeConnOnce sync.Once
}

func NewSession(conn Conn, opts Options) *Session {
	s := &Session{
		id:         opts.ID,
		remoteAddr: opts.RemoteAddr,
		log:        opts.Logger,
		metrics:    opts.Metrics,
		conn:       conn,
		argv:       opts.Argv,
		spawn:      opts.Spawn,
		interval:   opts.WatchdogInterval,
		started:    time.Now(),
		feederDone: make(chan struct{}),
		closing:    make(chan struct{}),
	}
	if s.log == nil {
		s.log = zap.NewNop().Sugar()
	}
	if s.spawn == nil {
		s.spawn = SupervisorSpawner()
	}
	if s.interval <= 0 {
		s.interval = DefaultWatchdogInterval
	}
	return s
}

func (s *Session) ID() string { return s.id }

func (s *Session) State() State {
	return State(s.state.Load())
}

func (s *Session) setState(st State) {
	s.state.Store(int32(st))
}

func (s *Session) Info() Info {
	return Info{
		ID:         s.id,
		RemoteAddr: s.remoteAddr,
		PID:        int(s.pid.Load()),
		State:      s.State().String(),
		Started:    s.started,
		Frames:     s.frames.Load(),
		Bytes:      s.bytes.Load(),
	}
}

// Close asks the session to drain. It does not wait for the session to close, see Run for that.
// It is safe to call concurrently and more than once.
func (s *Session) Close() {
	s.closeOnce.Do(func() { close(s.closing) })
}

// Run spawns the child and relays frames to it until either side ends, then tears both down.
// It returns once the session is closed. The only error returned is the spawn error.
func (s *Session) Run(ctx context.Context) (*Result, error) {
	s.metrics.SessionStarted()
	res := &Result{}
	defer func() {
		res.Duration = time.Since(s.started)
		s.metrics.SessionEnded(string(res.Reason), res.Duration)
	}()

	proc, err := s.spawn(ctx, s.argv)
	if err != nil {
		s.log.Warnw("unable to start process, closing connection", "Error", err)
		s.metrics.SpawnFailed()
		s.closeConn(websocket.StatusInternalError, string(ReasonSpawnFailed))
		s.setState(StateClosed)
		res.Reason = ReasonSpawnFailed
		return res, err
	}
	s.pid.Store(int64(proc.Pid()))
	s.setState(StateActive)
	s.log.Infow("session active", "PID", proc.Pid())

	// The feeder's read is only canceled after the close handshake below, so that the
	// client always gets a close status rather than a dropped connection.
	feedCtx, cancelFeed := context.WithCancel(context.Background())
	defer cancelFeed()
	go s.feed(feedCtx, proc)

	res.Reason = s.watch(ctx, proc)

	s.setState(StateDraining)
	switch res.Reason {
	case ReasonProcessExited:
		s.log.Infow("process exited, closing connection", "Status", proc.Poll())
	case ReasonClientClosed:
		s.log.Info("client disconnected, terminating process")
	default:
		s.log.Infow("draining session", "Reason", res.Reason)
	}

	// Closing the input here also unblocks a feeder stuck writing to a child that stopped reading.
	err = proc.CloseInput()
	if err != nil {
		s.log.Debugf("error closing process input: %s", err)
	}
	err = proc.Terminate()
	if err != nil {
		s.log.Debugf("error terminating process: %s", err)
	}
	s.closeConn(closeStatus(res.Reason))

	// closing the conn unblocks the feeder's read, and canceling makes sure of it
	cancelFeed()
	<-s.feederDone

	s.setState(StateClosed)
	res.Frames = s.frames.Load()
	res.Bytes = s.bytes.Load()
	res.Discarded = s.discarded.Load()
	res.Exit = proc.Poll()
	s.log.Infow("session closed",
		"Reason", res.Reason,
		"Frames", res.Frames,
		"Bytes", res.Bytes,
		"Discarded", res.Discarded,
		"Exit", res.Exit,
	)
	return res, nil
}

// watch blocks until the feeder is done, the process has exited, or the session is asked to close.
func (s *Session) watch(ctx context.Context, proc Process) Reason {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.feederDone:
			return s.feedReason
		case <-proc.Done():
			return ReasonProcessExited
		case <-s.closing:
			return ReasonShutdown
		case <-ctx.Done():
			return ReasonShutdown
		case <-ticker.C:
			if !proc.Poll().Running {
				return ReasonProcessExited
			}
		}
	}
}

func (s *Session) feed(ctx context.Context, proc Process) {
	defer close(s.feederDone)
	defer func() {
		err := proc.CloseInput()
		if err != nil {
			s.log.Debugf("error closing process input: %s", err)
		}
	}()
	s.feedReason = s.relay(ctx, proc)
	s.log.Debugw("feeder done", "Reason", s.feedReason)
}

func (s *Session) relay(ctx context.Context, proc Process) Reason {
	for {
		typ, b, err := s.conn.Read(ctx)
		if err != nil {
			return s.readFailed(err)
		}

		if typ != websocket.MessageBinary {
			s.discarded.Add(1)
			s.metrics.FrameDiscarded()
			s.log.Infof("%s: ignoring %s frame of %d bytes", ErrProtocolAnomaly, typ, len(b))
			continue
		}

		if !proc.Poll().Running {
			s.log.Debug("process exited, dropping frame")
			return ReasonProcessExited
		}
		if s.State() != StateActive {
			return ReasonShutdown
		}
		if len(b) == 0 {
			continue
		}

		_, err = proc.Write(b)
		if err != nil {
			s.log.Debugf("stopping feeder: %s", err)
			return ReasonWriteFailed
		}
		s.frames.Add(1)
		s.bytes.Add(int64(len(b)))
		s.metrics.FrameForwarded(len(b))
	}
}

// readFailed classifies a read error. Only errors from the client going away count as a normal close.
func (s *Session) readFailed(err error) Reason {
	if status := websocket.CloseStatus(err); status != -1 {
		s.log.Debugf("client closed connection with status %s", status)
		return ReasonClientClosed
	}
	if s.State() != StateActive || clientGone(err) {
		s.log.Debugf("reading frame: %s", err)
		return ReasonClientClosed
	}
	s.log.Warnw("error reading frame", "Error", err)
	return ReasonReadFailed
}

func clientGone(err error) bool {
	return errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, context.Canceled)
}

func (s *Session) closeConn(code websocket.StatusCode, reason string) {
	s.closeConnOnce.Do(func() {
		err := s.conn.Close(code, reason)
		if err != nil {
			s.log.Debugf("error closing conn: %s", err)
		}
	})
}

func closeStatus(r Reason) (websocket.StatusCode, string) {
	switch r {
	case ReasonClientClosed:
		return websocket.StatusNormalClosure, ""
	case ReasonProcessExited:
		return websocket.StatusNormalClosure, string(ReasonProcessExited)
	case ReasonShutdown:
		return websocket.StatusGoingAway, "server shutting down"
	default:
		return websocket.StatusInternalError, string(r)
	}
}
