//go:build unix

package server

import (
	"syscall"
)

// controlSocket sets SO_REUSEADDR on the listening socket so a restarted
// server can bind while old connections sit in TIME_WAIT
func controlSocket(network, address string, rc syscall.RawConn) error {
	var sockErr error
	err := rc.Control(func(fd uintptr) {
		sockErr = syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_REUSEADDR, 1)
	})
	if err != nil {
		return err
	}
	return sockErr
}
