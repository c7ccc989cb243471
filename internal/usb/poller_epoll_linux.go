//go:build linux && !giouring

package usb

import (
	"golang.org/x/sys/unix"
)

// epollWaiter waits for URB completion readiness with epoll. usbfs
// signals reapable URBs as POLLOUT on the device fd. An eventfd in the
// same set unblocks the waiter on close.
type epollWaiter struct {
	epfd    int
	fd      int
	eventfd int
}

func newCompletionWaiter(fd int) (completionWaiter, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	efd, err := unix.Eventfd(0, unix.EFD_CLOEXEC)
	if err != nil {
		unix.Close(epfd)
		return nil, err
	}
	devEv := unix.EpollEvent{Events: unix.EPOLLOUT, Fd: int32(fd)}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, fd, &devEv); err != nil {
		unix.Close(efd)
		unix.Close(epfd)
		return nil, err
	}
	stopEv := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(efd)}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, efd, &stopEv); err != nil {
		unix.Close(efd)
		unix.Close(epfd)
		return nil, err
	}
	return &epollWaiter{epfd: epfd, fd: fd, eventfd: efd}, nil
}

func (w *epollWaiter) wait() error {
	events := make([]unix.EpollEvent, 2)
	for {
		n, err := unix.EpollWait(w.epfd, events, -1)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return err
		}
		for i := 0; i < n; i++ {
			ev := events[i]
			if int(ev.Fd) == w.eventfd {
				return unix.ECANCELED
			}
			if ev.Events&(unix.EPOLLERR|unix.EPOLLHUP) != 0 {
				return unix.ENODEV
			}
			if ev.Events&unix.EPOLLOUT != 0 {
				return nil
			}
		}
	}
}

func (w *epollWaiter) close() error {
	var one [8]byte
	one[0] = 1
	unix.Write(w.eventfd, one[:])
	unix.Close(w.eventfd)
	return unix.Close(w.epfd)
}
