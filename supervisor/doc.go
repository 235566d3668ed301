/*
Package supervisor spawns and owns a single child process whose standard input is fed by the caller.

A Process is scoped to its owner--when the owner is done with it, it calls Terminate, and the process is sent SIGTERM and, if it is still alive after the kill grace period, SIGKILL. The child is placed in its own process group, and on Linux it is also sent SIGKILL if the supervising program dies.

Stdout and stderr of the child are passed through to the host's own stdout and stderr by default. They are diagnostics only and are never read by the supervisor.

All of CloseInput, Terminate and Poll are safe to call concurrently and any number of times. Write must only be called from one goroutine at a time, and it is bounded by the write timeout so that a child which stops reading its input cannot block the caller forever.
*/
package supervisor
