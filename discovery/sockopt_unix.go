//go:build linux || darwin || freebsd || netbsd || openbsd || dragonfly

package discovery

import (
	"fmt"
	"syscall"

	"golang.org/x/sys/unix"
)

// broadcastControl enables SO_BROADCAST and address reuse on the UDP probe
// socket so several local processes can share the discovery port.
func broadcastControl(_, _ string, c syscall.RawConn) error {
	var opErr error
	err := c.Control(func(fd uintptr) {
		if err := unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_BROADCAST, 1); err != nil {
			opErr = fmt.Errorf("set SO_BROADCAST: %w", err)
			return
		}
		opErr = setReuse(int(fd))
	})
	if err != nil {
		return err
	}
	return opErr
}

// reuseControl enables address reuse only; used for the mDNS goodbye listener
// which shares port 5353 with the zeroconf resolver.
func reuseControl(_, _ string, c syscall.RawConn) error {
	var opErr error
	err := c.Control(func(fd uintptr) {
		opErr = setReuse(int(fd))
	})
	if err != nil {
		return err
	}
	return opErr
}

func setReuse(fd int) error {
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		return fmt.Errorf("set SO_REUSEADDR: %w", err)
	}
	// SO_REUSEPORT is best effort; SO_REUSEADDR is enough on most kernels.
	_ = unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEPORT, 1)
	return nil
}
