package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"syscall"

	reuseport "github.com/kavu/go_reuseport"
	"golang.org/x/sys/unix"
)

// Socket is the non-blocking byte stream a Conn drives. Read and Write
// return unix.EAGAIN when the operation would block.
type Socket interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Close() error
	Fd() int
}

type fdSocket struct {
	fd int
}

// NewSocket wraps a connected, non-blocking file descriptor.
func NewSocket(fd int) Socket {
	return &fdSocket{fd: fd}
}

func (s *fdSocket) Fd() int {
	return s.fd
}

func (s *fdSocket) Read(p []byte) (int, error) {
	for {
		n, err := unix.Read(s.fd, p)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return 0, err
		}
		return n, nil
	}
}

func (s *fdSocket) Write(p []byte) (int, error) {
	for {
		n, err := unix.Write(s.fd, p)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return 0, err
		}
		return n, nil
	}
}

func (s *fdSocket) Close() error {
	return unix.Close(s.fd)
}

func isWouldBlock(err error) bool {
	return errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK)
}

// detach duplicates the descriptor behind a std library connection or
// listener so it can be driven by our own poller, then closes the original.
func detach(c interface {
	SyscallConn() (syscall.RawConn, error)
	Close() error
}) (int, error) {
	defer c.Close()

	raw, err := c.SyscallConn()
	if err != nil {
		return -1, err
	}

	var (
		fd     = -1
		dupErr error
	)

	err = raw.Control(func(orig uintptr) {
		fd, dupErr = unix.Dup(int(orig))
	})
	if err != nil {
		return -1, err
	}
	if dupErr != nil {
		return -1, fmt.Errorf("dup: %w", dupErr)
	}

	unix.CloseOnExec(fd)

	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("set nonblock: %w", err)
	}

	return fd, nil
}

// listen opens a non-blocking listening socket, optionally with SO_REUSEPORT.
func listen(addr string, reuse bool) (int, net.Addr, error) {
	var (
		ln  net.Listener
		err error
	)

	if reuse {
		ln, err = reuseport.Listen("tcp", addr)
	} else {
		ln, err = net.Listen("tcp", addr)
	}
	if err != nil {
		return -1, nil, err
	}

	tcpLn, ok := ln.(*net.TCPListener)
	if !ok {
		ln.Close()
		return -1, nil, fmt.Errorf("unexpected listener type %T", ln)
	}

	bound := tcpLn.Addr()

	fd, err := detach(tcpLn)
	if err != nil {
		return -1, nil, err
	}

	return fd, bound, nil
}

// Dial connects to addr and returns a non-blocking descriptor for the
// connection. The connect itself honours ctx.
func Dial(ctx context.Context, addr string) (int, error) {
	var d net.Dialer

	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return -1, err
	}

	tcpConn, ok := conn.(*net.TCPConn)
	if !ok {
		conn.Close()
		return -1, fmt.Errorf("unexpected connection type %T", conn)
	}

	return detach(tcpConn)
}

func accept(listenFd int) (int, string, error) {
	fd, sa, err := unix.Accept4(listenFd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
	if err != nil {
		return -1, "", err
	}

	return fd, sockaddrString(sa), nil
}

func sockaddrString(sa unix.Sockaddr) string {
	switch a := sa.(type) {
	case *unix.SockaddrInet4:
		return net.JoinHostPort(net.IP(a.Addr[:]).String(), strconv.Itoa(a.Port))
	case *unix.SockaddrInet6:
		return net.JoinHostPort(net.IP(a.Addr[:]).String(), strconv.Itoa(a.Port))
	case *unix.SockaddrUnix:
		return a.Name
	default:
		return "unknown"
	}
}
