package uru4000

import (
	fprint "github.com/sandeepvignesh/libfprint"
	"github.com/sandeepvignesh/libfprint/internal/usb"
)

// The imaging loop keeps one large bulk-IN transfer in flight against
// the data endpoint while the device is in capture mode. Each completed
// frame is repackaged as an Image and the next transfer submitted
// before returning, unless cancellation got there first.

func (u *uruDev) startImagingLoop() error {
	t := usb.NewBulk(epData, datablkRqlen, 0, u.imageCb)
	u.imgTransfer = t
	u.dev.Metrics.TransfersSubmitted.Add(1)
	if err := u.dev.USB.Submit(t); err != nil {
		u.imgTransfer = nil
		return err
	}
	return nil
}

func (u *uruDev) imageCb(t *usb.Transfer) {
	// Drop the reference early: reporting results below may trigger
	// immediate deactivation, which must not try to cancel a transfer
	// that already completed.
	u.imgTransfer = nil

	if t.Status == usb.StatusCancelled {
		u.log.Debug("image transfer cancelled")
		u.dev.Metrics.TransfersCancelled.Add(1)
		return
	}
	if t.Status != usb.StatusCompleted {
		u.dev.Metrics.TransferErrors.Add(1)
		u.dev.SessionError(fprint.NewDriverError(driverName, "IMAGE", fprint.ErrCodeIO, "image transfer failed"))
		return
	}
	u.dev.Metrics.TransfersCompleted.Add(1)

	const imageSize = datablkExpect - captureHdrLen
	hdrSkip := captureHdrLen
	if t.Actual == imageSize {
		// No header. Rather odd, but some keyboards do this.
		u.log.Debug("got image with no header")
		hdrSkip = 0
	} else if t.Actual != datablkExpect {
		u.log.Errorf("unexpected image capture size (%d)", t.Actual)
		u.dev.SessionError(fprint.NewDriverError(driverName, "IMAGE", fprint.ErrCodeProtocol, "unexpected image capture size"))
		return
	}

	img := fprint.NewImage(imageSize)
	copy(img.Data, t.Buffer[hdrSkip:hdrSkip+imageSize])
	img.Width = imgWidth
	img.Height = imgHeight
	img.Flags = fprint.ImgVFlipped | fprint.ImgHFlipped | fprint.ImgColorsInverted
	u.dev.ImageCaptured(img)

	if err := u.startImagingLoop(); err != nil {
		u.dev.SessionError(fprint.WrapError(driverName, "IMAGE", err))
	}
}

func (u *uruDev) stopImagingLoop() {
	if u.imgTransfer != nil {
		u.dev.USB.Cancel(u.imgTransfer)
	}
}
