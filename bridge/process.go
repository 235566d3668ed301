package bridge

import (
	"context"
	"io"

	"github.com/guseggert/talkbridge/supervisor"
	"nhooyr.io/websocket"
)

// Conn is the part of a *websocket.Conn that a session uses.
type Conn interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Close(code websocket.StatusCode, reason string) error
}

// Process is the part of a *supervisor.Process that a session uses.
type Process interface {
	io.Writer
	CloseInput() error
	Terminate() error
	Poll() supervisor.Status
	Done() <-chan struct{}
	Pid() int
}

// Spawner starts the child process of a session.
type Spawner func(ctx context.Context, argv []string) (Process, error)

// SupervisorSpawner spawns children with supervisor.Spawn.
func SupervisorSpawner(opts ...supervisor.Option) Spawner {
	return func(ctx context.Context, argv []string) (Process, error) {
		p, err := supervisor.Spawn(ctx, argv, opts...)
		if err != nil {
			return nil, err
		}
		return p, nil
	}
}
