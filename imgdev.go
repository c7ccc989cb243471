package fprint

import (
	"github.com/sandeepvignesh/libfprint/internal/reactor"
	"github.com/sandeepvignesh/libfprint/internal/usb"
)

// Handler receives the asynchronous session notifications a driver
// produces. All methods are invoked from the device's reactor loop.
type Handler interface {
	OpenComplete(dev *ImgDevice, err error)
	CloseComplete(dev *ImgDevice)
	ActivateComplete(dev *ImgDevice, err error)
	DeactivateComplete(dev *ImgDevice)
	ImageCaptured(dev *ImgDevice, img *Image)
	FingerStatus(dev *ImgDevice, present bool)
	SessionError(dev *ImgDevice, err error)
}

// ImgDevice is the per-device context shared between the host glue and
// a driver. Priv holds the driver's own state.
type ImgDevice struct {
	USB     usb.Device
	Loop    *reactor.Loop
	Handler Handler
	Metrics *Metrics

	driver     ImgDriver
	driverData uint32

	// Priv is owned by the driver between Open and Close.
	Priv any
}

// NewImgDevice binds a driver to an opened USB device. driverData is the
// profile selector from the matching ID table row.
func NewImgDevice(drv ImgDriver, udev usb.Device, loop *reactor.Loop, handler Handler, driverData uint32) *ImgDevice {
	return &ImgDevice{
		USB:        udev,
		Loop:       loop,
		Handler:    handler,
		Metrics:    &Metrics{},
		driver:     drv,
		driverData: driverData,
	}
}

// Driver returns the bound driver.
func (d *ImgDevice) Driver() ImgDriver { return d.driver }

// Open runs the driver's open path; completion is reported via the
// handler.
func (d *ImgDevice) Open() error {
	return d.driver.Open(d, d.driverData)
}

// Close runs the driver's close path; completion is reported via the
// handler.
func (d *ImgDevice) Close() {
	d.driver.Close(d)
}

// Activate starts a capture session in the requested sub-state.
func (d *ImgDevice) Activate(state ImgDevState) error {
	return d.driver.Activate(d, state)
}

// Deactivate tears down the active session; completion is reported via
// the handler.
func (d *ImgDevice) Deactivate() {
	d.driver.Deactivate(d)
}

// ChangeState switches the imaging sub-state mid-session, for drivers
// that support it.
func (d *ImgDevice) ChangeState(state ImgDevState) error {
	sc, ok := d.driver.(StateChanger)
	if !ok {
		return NewDriverError(d.driver.Info().Name, "CHANGE_STATE", ErrCodeInval, "driver has no state changer")
	}
	return sc.ChangeState(d, state)
}

// The fpi_imgdev-style notification surface drivers call into.

// OpenComplete reports the outcome of Open.
func (d *ImgDevice) OpenComplete(err error) {
	d.Handler.OpenComplete(d, err)
}

// CloseComplete reports that Close finished.
func (d *ImgDevice) CloseComplete() {
	d.Handler.CloseComplete(d)
}

// ActivateComplete reports the outcome of Activate.
func (d *ImgDevice) ActivateComplete(err error) {
	d.Handler.ActivateComplete(d, err)
}

// DeactivateComplete reports that Deactivate finished.
func (d *ImgDevice) DeactivateComplete() {
	d.Handler.DeactivateComplete(d)
}

// ImageCaptured hands a finished capture to the host.
func (d *ImgDevice) ImageCaptured(img *Image) {
	d.Metrics.ImagesCaptured.Add(1)
	d.Handler.ImageCaptured(d, img)
}

// ReportFingerStatus reports finger presence transitions.
func (d *ImgDevice) ReportFingerStatus(present bool) {
	d.Handler.FingerStatus(d, present)
}

// SessionError reports an error inside an active session.
func (d *ImgDevice) SessionError(err error) {
	d.Metrics.SessionErrors.Add(1)
	d.Handler.SessionError(d, err)
}
