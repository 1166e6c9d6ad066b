package netutil

import (
	"fmt"
	"net"
)

// GetEphemeralTCPPort asks the kernel for a free TCP port on localhost.
// The port is released before returning, so it can be handed to another
// process; there is a small window in which it could be taken by someone else.
func GetEphemeralTCPPort() (int, error) {
	addr, err := net.ResolveTCPAddr("tcp", "localhost:0")
	if err != nil {
		return 0, fmt.Errorf("resolving localhost:0: %w", err)
	}
	listener, err := net.ListenTCP("tcp", addr)
	if err != nil {
		return 0, fmt.Errorf("listening to acquire port: %w", err)
	}
	defer listener.Close()
	return listener.Addr().(*net.TCPAddr).Port, nil
}
