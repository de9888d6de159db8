package transport

import (
	"encoding/binary"
	"fmt"

	"golang.org/x/sys/unix"
)

// Events is a readiness bitmask.
type Events uint32

const (
	EventRead Events = 1 << iota
	EventWrite
)

func (e Events) Readable() bool { return e&EventRead != 0 }
func (e Events) Writable() bool { return e&EventWrite != 0 }

// Poller is a level triggered epoll set plus an eventfd that other goroutines
// use to wake a blocked Wait.
type Poller struct {
	fd     int
	wakeFd int

	events []unix.EpollEvent
}

// Readiness is one readiness notification returned by Wait.
type Readiness struct {
	Fd     int
	Events Events
}

func MakePoller() (*Poller, error) {
	var (
		poller Poller
		err    error
	)

	// https://man7.org/linux/man-pages/man2/epoll_create.2.html
	poller.fd, err = unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("epoll_create1: %w", err)
	}

	// https://man7.org/linux/man-pages/man2/eventfd.2.html
	poller.wakeFd, err = unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		unix.Close(poller.fd)
		return nil, fmt.Errorf("eventfd: %w", err)
	}

	// Only read interest, an eventfd is always writable and would spin the
	// loop under level triggering.
	event := &unix.EpollEvent{Fd: int32(poller.wakeFd), Events: unix.EPOLLIN}
	if err = unix.EpollCtl(poller.fd, unix.EPOLL_CTL_ADD, poller.wakeFd, event); err != nil {
		poller.Close()
		return nil, fmt.Errorf("epoll_ctl wakefd: %w", err)
	}

	poller.events = make([]unix.EpollEvent, 128)

	return &poller, nil
}

func toEpoll(ev Events) uint32 {
	var out uint32
	if ev.Readable() {
		out |= unix.EPOLLIN | unix.EPOLLRDHUP
	}
	if ev.Writable() {
		out |= unix.EPOLLOUT
	}

	return out
}

func (p *Poller) Add(fd int, ev Events) error {
	event := &unix.EpollEvent{Fd: int32(fd), Events: toEpoll(ev)}
	return unix.EpollCtl(p.fd, unix.EPOLL_CTL_ADD, fd, event)
}

func (p *Poller) Modify(fd int, ev Events) error {
	event := &unix.EpollEvent{Fd: int32(fd), Events: toEpoll(ev)}
	return unix.EpollCtl(p.fd, unix.EPOLL_CTL_MOD, fd, event)
}

func (p *Poller) Remove(fd int) error {
	return unix.EpollCtl(p.fd, unix.EPOLL_CTL_DEL, fd, nil)
}

// Wait blocks until at least one registered fd is ready or Wake is called.
// woken reports whether the wake fd fired; it is drained before returning.
func (p *Poller) Wait(ready []Readiness) (_ []Readiness, woken bool, err error) {
	ready = ready[:0]

	var n int
	for {
		n, err = unix.EpollWait(p.fd, p.events, -1)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return ready, false, fmt.Errorf("epoll_wait: %w", err)
		}
		break
	}

	for i := 0; i < n; i++ {
		e := p.events[i]
		fd := int(e.Fd)

		if fd == p.wakeFd {
			woken = true
			p.drainWake()
			continue
		}

		var ev Events
		// Hangups and errors surface as readability so the read path sees
		// the zero byte read or the socket error.
		if e.Events&(unix.EPOLLIN|unix.EPOLLRDHUP|unix.EPOLLHUP|unix.EPOLLERR) != 0 {
			ev |= EventRead
		}
		if e.Events&unix.EPOLLOUT != 0 {
			ev |= EventWrite
		}

		ready = append(ready, Readiness{Fd: fd, Events: ev})
	}

	return ready, woken, nil
}

// Wake interrupts a blocked Wait. Safe to call from any goroutine.
func (p *Poller) Wake() error {
	var one [8]byte
	binary.NativeEndian.PutUint64(one[:], 1)

	_, err := unix.Write(p.wakeFd, one[:])
	if err == unix.EAGAIN {
		// Counter is saturated, a wake up is already pending.
		return nil
	}

	return err
}

func (p *Poller) drainWake() {
	var buf [8]byte
	for {
		if _, err := unix.Read(p.wakeFd, buf[:]); err != nil {
			return
		}
	}
}

func (p *Poller) Close() error {
	if err := unix.Close(p.wakeFd); err != nil {
		return err
	}

	return unix.Close(p.fd)
}
