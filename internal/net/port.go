package net

import (
	"fmt"
	"net"
)

// EphemeralPort asks the kernel for a free TCP port on host.
// The port is released before returning, so something else may grab it before the caller binds it.
func EphemeralPort(host string) (int, error) {
	listener, err := net.Listen("tcp", net.JoinHostPort(host, "0"))
	if err != nil {
		return 0, fmt.Errorf("listening on %s to acquire port: %w", host, err)
	}
	defer listener.Close()
	return listener.Addr().(*net.TCPAddr).Port, nil
}
