/*
Package bridge relays a WebSocket audio stream into the stdin of a child process, and owns the lifecycle of both for the duration of the connection.

Each Session pairs exactly one connection with exactly one child process. The process is spawned when the session starts, and is terminated when the session ends, regardless of which side ended first--that is, if the client disconnects the process is sent SIGTERM, and if the process exits the connection is closed.

A session moves through these states:

1. Starting: the child is spawned. If spawning fails, the connection is closed and the session ends.
2. Active: the feeder reads frames and writes binary frames to the child's stdin, in arrival order. Text frames are logged and dropped. The watchdog waits for either the feeder to finish (client gone, read failed or write failed) or the process to exit, and also polls the process every WatchdogInterval.
3. Draining: the child's input is closed, which unblocks a pending write, then the process is terminated and the connection is closed, which unblocks the feeder's pending read.
4. Closed: the feeder has returned and the session's resources are released.

There is deliberately no queue between the connection and the child. Frames are read one at a time and each is written before the next is read, so flow control is left to TCP and the OS pipe.
*/
package bridge
