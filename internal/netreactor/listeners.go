// Package netreactor builds the raw, non-blocking listening sockets a
// worker's epoll reactor accepts connections from.
//
// Each bind address gets one SO_REUSEPORT socket per worker, built with a
// raw unix.Socket rather than net.ListenConfig.Control so the returned
// descriptor can be registered with epoll directly instead of wrapped in
// a net.Listener. The kernel load-balances accept()s across the
// per-worker duplicates of a bind address.
package netreactor

import (
	"fmt"

	"github.com/guidoreina/tcpforwarder-go/internal/sockaddr"
	"golang.org/x/sys/unix"
)

// Listeners is an ordered set of bound, listening, non-blocking socket
// descriptors.
type Listeners struct {
	fds []int
}

// Listen binds and listens on addr, appending the resulting descriptor.
func (l *Listeners) Listen(addr sockaddr.Address) error {
	fd, err := bindListen(addr)
	if err != nil {
		return err
	}
	l.fds = append(l.fds, fd)
	return nil
}

// ListenRange binds one listener per port in [minPort, maxPort] on host,
// expanding the CLI's ip-port-range grammar.
func (l *Listeners) ListenRange(host string, minPort, maxPort uint16) error {
	for port := minPort; ; port++ {
		addr, err := sockaddr.New(host, port)
		if err != nil {
			return fmt.Errorf("netreactor: %s:%d: %w", host, port, err)
		}
		if err := l.Listen(addr); err != nil {
			return fmt.Errorf("netreactor: %s:%d: %w", host, port, err)
		}
		if port == maxPort {
			return nil
		}
	}
}

// Len reports how many listeners are held.
func (l *Listeners) Len() int {
	return len(l.fds)
}

// FD returns the i-th listener's descriptor.
func (l *Listeners) FD(i int) (int, bool) {
	if i < 0 || i >= len(l.fds) {
		return 0, false
	}
	return l.fds[i], true
}

// All returns every listener descriptor. The returned slice is owned by
// Listeners and must not be mutated.
func (l *Listeners) All() []int {
	return l.fds
}

// Close closes every held listener.
func (l *Listeners) Close() {
	for _, fd := range l.fds {
		unix.Close(fd)
	}
	l.fds = nil
}

// bindListen opens a non-blocking socket with SO_REUSEADDR and SO_REUSEPORT
// set, binds it to addr, and puts it in the listening state with a
// unix.SOMAXCONN backlog.
func bindListen(addr sockaddr.Address) (int, error) {
	fd, err := unix.Socket(addr.Family(), unix.SOCK_STREAM|unix.SOCK_NONBLOCK, 0)
	if err != nil {
		return -1, fmt.Errorf("netreactor: socket: %w", err)
	}

	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("netreactor: SO_REUSEADDR: %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEPORT, 1); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("netreactor: SO_REUSEPORT: %w", err)
	}
	if addr.Family() == unix.AF_INET6 {
		if err := unix.SetsockoptInt(fd, unix.IPPROTO_IPV6, unix.IPV6_V6ONLY, 1); err != nil {
			unix.Close(fd)
			return -1, fmt.Errorf("netreactor: IPV6_V6ONLY: %w", err)
		}
	}

	if err := unix.Bind(fd, addr.Sockaddr()); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("netreactor: bind %s: %w", addr, err)
	}
	if err := unix.Listen(fd, unix.SOMAXCONN); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("netreactor: listen %s: %w", addr, err)
	}
	return fd, nil
}
