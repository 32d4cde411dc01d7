//go:build windows

package netio

import (
	"syscall"

	"golang.org/x/sys/windows"
)

// controlNoDelay is the Windows counterpart of the unix Control callback:
// same intent, different sockopt constants.
func controlNoDelay(network, address string, c syscall.RawConn) error {
	var err error
	c.Control(func(fd uintptr) {
		if err = windows.SetsockoptInt(windows.Handle(fd), windows.IPPROTO_TCP, windows.TCP_NODELAY, 1); err != nil {
			return
		}
		err = windows.SetsockoptInt(windows.Handle(fd), windows.SOL_SOCKET, windows.SO_KEEPALIVE, 1)
	})
	return err
}
