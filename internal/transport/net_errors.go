package transport

import (
	"errors"
	"net"
	"os"
)

// isWouldBlock reports whether err represents a transient "try again later"
// condition rather than a fatal connection error. The kernel emulates a
// non-blocking poller on top of blocking sockets by using short read/write
// deadlines (see ReadDeadline and Client.Flush), so a deadline-exceeded error is this
// kernel's analogue of EWOULDBLOCK.
func isWouldBlock(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return false
}
