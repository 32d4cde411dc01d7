//go:build !windows

package netio

import (
	"syscall"

	"golang.org/x/sys/unix"
)

// controlNoDelay is installed on net.Dialer.Control so TCP_NODELAY is set
// before the connect() completes, matching the "enabled at connect time"
// invariant rather than being set as an afterthought on the returned conn.
func controlNoDelay(network, address string, c syscall.RawConn) error {
	var err error
	c.Control(func(fd uintptr) {
		if err = unix.SetsockoptInt(int(fd), unix.IPPROTO_TCP, unix.TCP_NODELAY, 1); err != nil {
			return
		}
		err = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_KEEPALIVE, 1)
	})
	return err
}
