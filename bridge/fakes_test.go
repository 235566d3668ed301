package bridge

import (
	"bytes"
	"context"
	"net"
	"sync"

	"github.com/guseggert/talkbridge/supervisor"
	"nhooyr.io/websocket"
)

// recorder collects lifecycle events from the fakes in the order they happen.
type recorder struct {
	m      sync.Mutex
	events []string
}

func (r *recorder) add(e string) {
	r.m.Lock()
	defer r.m.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) get() []string {
	r.m.Lock()
	defer r.m.Unlock()
	return append([]string(nil), r.events...)
}

type frame struct {
	typ websocket.MessageType
	b   []byte
}

// fakeConn delivers frames sent on its channel. Closing the frames channel acts like the client disconnecting.
type fakeConn struct {
	rec    *recorder
	frames chan frame

	closeOnce sync.Once
	closed    chan struct{}

	m           sync.Mutex
	closeCalls  int
	closeCode   websocket.StatusCode
	closeReason string
}

func newFakeConn(rec *recorder) *fakeConn {
	return &fakeConn{
		rec:    rec,
		frames: make(chan frame),
		closed: make(chan struct{}),
	}
}

func (c *fakeConn) Read(ctx context.Context) (websocket.MessageType, []byte, error) {
	select {
	case f, ok := <-c.frames:
		if !ok {
			return 0, nil, websocket.CloseError{Code: websocket.StatusNormalClosure}
		}
		return f.typ, f.b, nil
	case <-c.closed:
		return 0, nil, net.ErrClosed
	case <-ctx.Done():
		return 0, nil, ctx.Err()
	}
}

func (c *fakeConn) Close(code websocket.StatusCode, reason string) error {
	c.m.Lock()
	c.closeCalls++
	c.closeCode = code
	c.closeReason = reason
	c.m.Unlock()
	c.closeOnce.Do(func() {
		c.rec.add("conn closed")
		close(c.closed)
	})
	return nil
}

// send delivers a frame, returning false if the conn was closed first.
func (c *fakeConn) send(typ websocket.MessageType, b []byte) bool {
	select {
	case c.frames <- frame{typ: typ, b: b}:
		return true
	case <-c.closed:
		return false
	}
}

func (c *fakeConn) status() (int, websocket.StatusCode, string) {
	c.m.Lock()
	defer c.m.Unlock()
	return c.closeCalls, c.closeCode, c.closeReason
}

type fakeProc struct {
	rec *recorder

	m               sync.Mutex
	input           bytes.Buffer
	writes          int
	writesAfterExit int
	inputClosed     bool
	closeInputCalls int
	terminateCalls  int
	signals         int
	exitCode        int

	exitOnce sync.Once
	done     chan struct{}
}

func newFakeProc(rec *recorder) *fakeProc {
	return &fakeProc{rec: rec, done: make(chan struct{})}
}

func (p *fakeProc) exit(code int) {
	p.exitOnce.Do(func() {
		p.m.Lock()
		p.exitCode = code
		p.m.Unlock()
		p.rec.add("process exited")
		close(p.done)
	})
}

func (p *fakeProc) exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

func (p *fakeProc) Write(b []byte) (int, error) {
	p.m.Lock()
	defer p.m.Unlock()
	p.writes++
	if p.exited() {
		p.writesAfterExit++
		return 0, &supervisor.WriteError{Err: supervisor.ErrInputClosed}
	}
	if p.inputClosed {
		return 0, &supervisor.WriteError{Err: supervisor.ErrInputClosed}
	}
	return p.input.Write(b)
}

func (p *fakeProc) CloseInput() error {
	p.m.Lock()
	defer p.m.Unlock()
	p.closeInputCalls++
	if !p.inputClosed {
		p.inputClosed = true
		p.rec.add("input closed")
	}
	return nil
}

func (p *fakeProc) Terminate() error {
	p.m.Lock()
	p.terminateCalls++
	first := p.terminateCalls == 1
	p.m.Unlock()
	if !first || p.exited() {
		return nil
	}
	p.m.Lock()
	p.signals++
	p.m.Unlock()
	p.rec.add("terminated")
	p.exit(-1)
	return nil
}

func (p *fakeProc) Poll() supervisor.Status {
	if p.exited() {
		p.m.Lock()
		defer p.m.Unlock()
		return supervisor.Status{ExitCode: p.exitCode}
	}
	return supervisor.Status{Running: true}
}

func (p *fakeProc) Done() <-chan struct{} { return p.done }

func (p *fakeProc) Pid() int { return 4242 }

func (p *fakeProc) snapshot() (input []byte, writes, writesAfterExit, closeInputCalls, terminateCalls, signals int) {
	p.m.Lock()
	defer p.m.Unlock()
	return append([]byte(nil), p.input.Bytes()...), p.writes, p.writesAfterExit, p.closeInputCalls, p.terminateCalls, p.signals
}
