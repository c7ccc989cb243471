package uru4000

import (
	"encoding/binary"
	"syscall"

	"github.com/sandeepvignesh/libfprint/internal/usb"
)

// The interrupt listener keeps a single interrupt-IN transfer
// outstanding while running. Every completion decodes a 16-bit
// big-endian event type, hands it to the current irq callback and
// re-arms. Setting irqCb to nil mutes dispatch without stopping the
// loop; stopIrqHandler cancels the transfer and fires the stop callback
// once the cancellation completes.

func (u *uruDev) irqRunning() bool {
	return u.irqTransfer != nil
}

func (u *uruDev) startIrqHandler() error {
	t := usb.NewInterrupt(epIntr, irqLength, 0, u.irqHandler)
	u.irqTransfer = t
	u.dev.Metrics.TransfersSubmitted.Add(1)
	if err := u.dev.USB.Submit(t); err != nil {
		u.irqTransfer = nil
		return err
	}
	return nil
}

func (u *uruDev) irqHandler(t *usb.Transfer) {
	if t.Status == usb.StatusCancelled {
		u.log.Debug("irq transfer cancelled")
		u.dev.Metrics.TransfersCancelled.Add(1)
		u.irqTransfer = nil
		if cb := u.irqsStoppedCb; cb != nil {
			u.irqsStoppedCb = nil
			cb()
		}
		return
	}

	var err error
	switch {
	case t.Status != usb.StatusCompleted:
		err = syscall.EIO
	case t.Actual != irqLength:
		u.log.Errorf("short interrupt read? %d", t.Actual)
		err = syscall.EPROTO
	}
	if err != nil {
		u.dev.Metrics.TransferErrors.Add(1)
		u.irqTransfer = nil
		if u.irqCb != nil {
			u.irqCb(err, 0)
		}
		return
	}

	u.dev.Metrics.TransfersCompleted.Add(1)
	typ := binary.BigEndian.Uint16(t.Data())
	u.log.Debugf("recv irq type %04x", typ)
	u.dev.Metrics.IrqsSeen.Add(1)

	// The 0800 interrupt seems to indicate imminent failure of the
	// next scan. It still appears on occasion.
	if typ == irqDeath {
		u.log.Warn("got the interrupt of death, expect the next scan to fail")
	}

	if u.irqCb != nil {
		u.irqCb(nil, typ)
	} else {
		u.log.Debug("ignoring interrupt")
	}

	if err := u.startIrqHandler(); err != nil {
		u.irqTransfer = nil
		if u.irqCb != nil {
			u.irqCb(err, 0)
		}
	}
}

func (u *uruDev) stopIrqHandler(cb func()) {
	if u.irqTransfer == nil {
		if cb != nil {
			cb()
		}
		return
	}
	u.irqsStoppedCb = cb
	if err := u.dev.USB.Cancel(u.irqTransfer); err != nil {
		// The transfer already left flight; its callback settles the
		// stop on its own.
		u.log.Debug("irq cancel failed", "err", err)
	}
}
