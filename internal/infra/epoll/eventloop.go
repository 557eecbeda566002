// Package epoll implements domain.EventLoop on Linux epoll, the single
// suspension primitive every socket and mailbox-delivered TLS event
// dispatches through.
package epoll

import (
	"log/slog"

	"golang.org/x/sys/unix"

	"ssrtunnel/internal/domain"
)

type LinuxEventLoop struct {
	epollFD int
	log     *slog.Logger
	stopped bool
}

func New(log *slog.Logger) (*LinuxEventLoop, error) {
	fd, err := unix.EpollCreate1(0)
	if err != nil {
		return nil, err
	}
	return &LinuxEventLoop{epollFD: fd, log: log}, nil
}

func (l *LinuxEventLoop) Register(fd int, events domain.EventType) error {
	evt := &unix.EpollEvent{
		Events: uint32(events) | unix.EPOLLET,
		Fd:     int32(fd),
	}
	return unix.EpollCtl(l.epollFD, unix.EPOLL_CTL_ADD, fd, evt)
}

func (l *LinuxEventLoop) Modify(fd int, events domain.EventType) error {
	evt := &unix.EpollEvent{
		Events: uint32(events) | unix.EPOLLET,
		Fd:     int32(fd),
	}
	return unix.EpollCtl(l.epollFD, unix.EPOLL_CTL_MOD, fd, evt)
}

func (l *LinuxEventLoop) Unregister(fd int) error {
	err := unix.EpollCtl(l.epollFD, unix.EPOLL_CTL_DEL, fd, nil)
	if err == unix.ENOENT || err == unix.EBADF {
		return nil
	}
	return err
}

func (l *LinuxEventLoop) Run(handler domain.EventHandler) error {
	events := make([]unix.EpollEvent, 128)
	for !l.stopped {
		n, err := unix.EpollWait(l.epollFD, events, -1)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return err
		}

		for i := 0; i < n; i++ {
			fd := int(events[i].Fd)
			mask := events[i].Events

			var ev domain.EventType
			if mask&(unix.EPOLLIN|unix.EPOLLHUP|unix.EPOLLERR) != 0 {
				ev |= domain.EventRead
			}
			if mask&unix.EPOLLOUT != 0 {
				ev |= domain.EventWrite
			}

			if err := handler.HandleEvent(fd, ev); err != nil {
				l.log.Error("handler error", "fd", fd, "error", err)
			}
		}
	}
	return nil
}

func (l *LinuxEventLoop) Stop() {
	l.stopped = true
	unix.Close(l.epollFD)
}
