//go:build linux && giouring

package usb

import (
	"fmt"

	"github.com/pawelgaczynski/giouring"
	"golang.org/x/sys/unix"
)

const (
	pollUserDataDev  = 1
	pollUserDataStop = 2
)

// uringWaiter waits for URB completion readiness with io_uring poll
// requests instead of epoll. Selected by the giouring build tag.
type uringWaiter struct {
	ring    *giouring.Ring
	fd      int
	eventfd int
}

func newCompletionWaiter(fd int) (completionWaiter, error) {
	ring, err := giouring.CreateRing(8)
	if err != nil {
		return nil, fmt.Errorf("usb: create ring: %w", err)
	}
	efd, err := unix.Eventfd(0, unix.EFD_CLOEXEC)
	if err != nil {
		ring.QueueExit()
		return nil, err
	}
	w := &uringWaiter{ring: ring, fd: fd, eventfd: efd}
	sqe := ring.GetSQE()
	if sqe == nil {
		w.close()
		return nil, fmt.Errorf("usb: no sqe")
	}
	sqe.PreparePollAdd(efd, unix.POLLIN)
	sqe.UserData = pollUserDataStop
	if _, err := ring.Submit(); err != nil {
		w.close()
		return nil, err
	}
	return w, nil
}

func (w *uringWaiter) wait() error {
	sqe := w.ring.GetSQE()
	if sqe == nil {
		return fmt.Errorf("usb: no sqe")
	}
	sqe.PreparePollAdd(w.fd, unix.POLLOUT)
	sqe.UserData = pollUserDataDev
	if _, err := w.ring.SubmitAndWait(1); err != nil {
		return err
	}
	cqe, err := w.ring.WaitCQE()
	if err != nil {
		return err
	}
	defer w.ring.CQESeen(cqe)
	if cqe.UserData == pollUserDataStop {
		return unix.ECANCELED
	}
	if cqe.Res < 0 {
		return unix.Errno(-cqe.Res)
	}
	if uint32(cqe.Res)&(unix.POLLERR|unix.POLLHUP) != 0 {
		return unix.ENODEV
	}
	return nil
}

func (w *uringWaiter) close() error {
	var one [8]byte
	one[0] = 1
	unix.Write(w.eventfd, one[:])
	unix.Close(w.eventfd)
	w.ring.QueueExit()
	return nil
}
