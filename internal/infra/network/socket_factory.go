// Package network builds the raw non-blocking sockets the tunnel state
// machine drives: the TCP listener, the UDP socket used for DNS
// resolution, and outgoing TCP connects to IPv4 or IPv6 upstreams.
package network

import (
	"fmt"
	"net"

	"golang.org/x/sys/unix"
)

// ListenTCP creates a non-blocking, listening TCP socket bound to
// host:port. An empty host binds to the wildcard address.
func ListenTCP(host string, port int) (int, error) {
	fd, err := unix.Socket(unix.AF_INET6, unix.SOCK_STREAM, 0)
	v6 := true
	if err != nil {
		fd, err = unix.Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
		v6 = false
		if err != nil {
			return 0, fmt.Errorf("socket: %w", err)
		}
	}

	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return 0, fmt.Errorf("setsockopt SO_REUSEADDR: %w", err)
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return 0, fmt.Errorf("set nonblock: %w", err)
	}

	if v6 {
		unix.SetsockoptInt(fd, unix.IPPROTO_IPV6, unix.IPV6_V6ONLY, 0)
		addr := &unix.SockaddrInet6{Port: port}
		if host != "" {
			ip := net.ParseIP(host)
			copy(addr.Addr[:], ip.To16())
		}
		if err := unix.Bind(fd, addr); err != nil {
			unix.Close(fd)
			return 0, fmt.Errorf("bind: %w", err)
		}
	} else {
		addr := &unix.SockaddrInet4{Port: port}
		if host != "" {
			ip := net.ParseIP(host)
			copy(addr.Addr[:], ip.To4())
		}
		if err := unix.Bind(fd, addr); err != nil {
			unix.Close(fd)
			return 0, fmt.Errorf("bind: %w", err)
		}
	}

	if err := unix.Listen(fd, 128); err != nil {
		unix.Close(fd)
		return 0, fmt.Errorf("listen: %w", err)
	}

	return fd, nil
}

// BindUDP creates a non-blocking UDP socket used to talk to the recursive
// resolver.
func BindUDP() (int, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_DGRAM, 0)
	if err != nil {
		return 0, fmt.Errorf("socket: %w", err)
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return 0, fmt.Errorf("set nonblock: %w", err)
	}
	return fd, nil
}

// DialUpstream opens a non-blocking outgoing TCP socket and starts an
// asynchronous connect to ip:port. The caller registers the returned fd for
// write-readiness and completes the connect with FinishConnect.
func DialUpstream(ip net.IP, port int) (int, error) {
	if ip4 := ip.To4(); ip4 != nil {
		fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
		if err != nil {
			return 0, fmt.Errorf("socket: %w", err)
		}
		if err := unix.SetNonblock(fd, true); err != nil {
			unix.Close(fd)
			return 0, fmt.Errorf("set nonblock: %w", err)
		}
		sa := &unix.SockaddrInet4{Port: port}
		copy(sa.Addr[:], ip4)
		err = unix.Connect(fd, sa)
		if err != nil && err != unix.EINPROGRESS {
			unix.Close(fd)
			return 0, fmt.Errorf("connect: %w", err)
		}
		return fd, nil
	}

	fd, err := unix.Socket(unix.AF_INET6, unix.SOCK_STREAM, 0)
	if err != nil {
		return 0, fmt.Errorf("socket: %w", err)
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return 0, fmt.Errorf("set nonblock: %w", err)
	}
	sa := &unix.SockaddrInet6{Port: port}
	copy(sa.Addr[:], ip.To16())
	err = unix.Connect(fd, sa)
	if err != nil && err != unix.EINPROGRESS {
		unix.Close(fd)
		return 0, fmt.Errorf("connect: %w", err)
	}
	return fd, nil
}

// FinishConnect checks the result of an asynchronous connect once the
// socket becomes writable. A non-nil error means the connect failed.
func FinishConnect(fd int) error {
	val, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return err
	}
	if val != 0 {
		return unix.Errno(val)
	}
	return nil
}
