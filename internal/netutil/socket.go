// Package netutil wraps the raw non-blocking socket plumbing shared by
// isocks and osocks: listener creation, accept, and the family-aware
// dial used both by the client (one configured upstream) and the server
// (iterating resolved candidate addresses per spec.md §4.6).
package netutil

import (
	"fmt"
	"net"
	"time"

	"golang.org/x/sys/unix"
)

// HandshakeTimeout is applied as SO_SNDTIMEO/SO_RCVTIMEO on every socket at
// creation, per spec.md §4.1. On a non-blocking socket these only bound
// individual syscalls that do get invoked, so this is a coarse guard rather
// than true liveness; there is no separate idle timer during the relay
// phase.
const HandshakeTimeout = 10 * time.Second

// ListenTCP creates a non-blocking, reusable-address TCP listener bound to
// addr:port. addr may be IPv4 or IPv6; the socket family is chosen to
// match.
func ListenTCP(addr string, port int) (fd int, err error) {
	ip, family, err := resolveLiteral(addr)
	if err != nil {
		return 0, err
	}
	fd, err = unix.Socket(family, unix.SOCK_STREAM, unix.IPPROTO_TCP)
	if err != nil {
		return 0, fmt.Errorf("netutil: socket: %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return 0, fmt.Errorf("netutil: setsockopt(SO_REUSEADDR): %w", err)
	}
	if err := setTimeouts(fd); err != nil {
		unix.Close(fd)
		return 0, err
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return 0, fmt.Errorf("netutil: set nonblock: %w", err)
	}
	sa, err := sockaddr(ip, family, port)
	if err != nil {
		unix.Close(fd)
		return 0, err
	}
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return 0, fmt.Errorf("netutil: bind %s:%d: %w", addr, port, err)
	}
	if err := unix.Listen(fd, 1024); err != nil {
		unix.Close(fd)
		return 0, fmt.Errorf("netutil: listen: %w", err)
	}
	return fd, nil
}

// Accept accepts one connection from a listening fd, returning a
// non-blocking socket with the standard handshake timeouts applied.
func Accept(listenFD int) (fd int, err error) {
	fd, _, err = unix.Accept(listenFD)
	if err != nil {
		return 0, err
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return 0, fmt.Errorf("netutil: set nonblock: %w", err)
	}
	if err := setTimeouts(fd); err != nil {
		unix.Close(fd)
		return 0, err
	}
	return fd, nil
}

// DialNonblocking begins an asynchronous connect to ip:port and returns the
// new non-blocking socket immediately; the caller arms writable interest
// and checks SO_ERROR on completion (spec.md §4.2/§4.6 connect_cb).
func DialNonblocking(ip net.IP, port int) (fd int, family int, err error) {
	family = unix.AF_INET
	if ip.To4() == nil {
		family = unix.AF_INET6
	}
	fd, err = unix.Socket(family, unix.SOCK_STREAM, unix.IPPROTO_TCP)
	if err != nil {
		return 0, 0, fmt.Errorf("netutil: socket: %w", err)
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return 0, 0, fmt.Errorf("netutil: set nonblock: %w", err)
	}
	if err := setTimeouts(fd); err != nil {
		unix.Close(fd)
		return 0, 0, err
	}
	sa, err := sockaddr(ip, family, port)
	if err != nil {
		unix.Close(fd)
		return 0, 0, err
	}
	err = unix.Connect(fd, sa)
	if err != nil && err != unix.EINPROGRESS {
		unix.Close(fd)
		return 0, 0, fmt.Errorf("netutil: connect: %w", err)
	}
	return fd, family, nil
}

// SocketError returns the pending SO_ERROR for fd (0 means success),
// consumed after a writable event fires following a non-blocking connect.
func SocketError(fd int) (int, error) {
	return unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
}

// BoundPort returns the local port a socket is bound to, for callers that
// listen on port 0 and need the kernel-assigned ephemeral port back.
func BoundPort(fd int) (int, error) {
	sa, err := unix.Getsockname(fd)
	if err != nil {
		return 0, fmt.Errorf("netutil: getsockname: %w", err)
	}
	switch sa := sa.(type) {
	case *unix.SockaddrInet4:
		return sa.Port, nil
	case *unix.SockaddrInet6:
		return sa.Port, nil
	default:
		return 0, fmt.Errorf("netutil: unsupported sockaddr type %T", sa)
	}
}

func setTimeouts(fd int) error {
	tv := unix.NsecToTimeval(HandshakeTimeout.Nanoseconds())
	if err := unix.SetsockoptTimeval(fd, unix.SOL_SOCKET, unix.SO_SNDTIMEO, &tv); err != nil {
		return fmt.Errorf("netutil: setsockopt(SO_SNDTIMEO): %w", err)
	}
	if err := unix.SetsockoptTimeval(fd, unix.SOL_SOCKET, unix.SO_RCVTIMEO, &tv); err != nil {
		return fmt.Errorf("netutil: setsockopt(SO_RCVTIMEO): %w", err)
	}
	return nil
}

func resolveLiteral(addr string) (net.IP, int, error) {
	ip := net.ParseIP(addr)
	if ip == nil {
		return nil, 0, fmt.Errorf("netutil: %q is not a literal IP address", addr)
	}
	if ip.To4() != nil {
		return ip, unix.AF_INET, nil
	}
	return ip, unix.AF_INET6, nil
}

func sockaddr(ip net.IP, family int, port int) (unix.Sockaddr, error) {
	switch family {
	case unix.AF_INET:
		var b [4]byte
		copy(b[:], ip.To4())
		return &unix.SockaddrInet4{Port: port, Addr: b}, nil
	case unix.AF_INET6:
		var b [16]byte
		copy(b[:], ip.To16())
		return &unix.SockaddrInet6{Port: port, Addr: b}, nil
	default:
		return nil, fmt.Errorf("netutil: unsupported address family %d", family)
	}
}
