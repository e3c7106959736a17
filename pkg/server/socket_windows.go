//go:build windows

package server

import (
	"syscall"
)

// controlSocket sets SO_REUSEADDR on the listening socket. On Windows the
// descriptor is a syscall.Handle.
func controlSocket(network, address string, rc syscall.RawConn) error {
	var sockErr error
	err := rc.Control(func(fd uintptr) {
		sockErr = syscall.SetsockoptInt(syscall.Handle(fd), syscall.SOL_SOCKET, syscall.SO_REUSEADDR, 1)
	})
	if err != nil {
		return err
	}
	return sockErr
}
