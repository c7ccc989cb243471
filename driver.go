package fprint

// ScanType distinguishes how a sensor acquires a print.
type ScanType int

const (
	ScanTypeSwipe ScanType = iota
	ScanTypePress
)

// DriverFlags carry driver capabilities advertised to the host.
type DriverFlags uint32

const (
	// FlagSupportsUnconditionalCapture marks drivers that can capture
	// without a prior finger-on notification.
	FlagSupportsUnconditionalCapture DriverFlags = 1 << iota
)

// USBID is one row of a driver's device ID table. DriverData selects the
// per-device profile inside the driver.
type USBID struct {
	Vendor     uint16
	Product    uint16
	DriverData uint32
}

// DriverInfo is the static descriptor a driver registers with.
// ImgHeight of -1 means variable height.
type DriverInfo struct {
	ID        int
	Name      string
	FullName  string
	IDTable   []USBID
	ScanType  ScanType
	Flags     DriverFlags
	ImgWidth  int
	ImgHeight int
}

// ImgDevState is the host-requested imaging sub-state.
type ImgDevState int

const (
	StateAwaitFingerOn ImgDevState = iota
	StateCapture
	StateAwaitFingerOff
)

func (s ImgDevState) String() string {
	switch s {
	case StateAwaitFingerOn:
		return "await-finger-on"
	case StateCapture:
		return "capture"
	case StateAwaitFingerOff:
		return "await-finger-off"
	default:
		return "unknown"
	}
}

// ImgDriver is the contract an imaging driver exposes to the host glue.
// Open/Activate report asynchronously through the device's handler;
// their error return covers synchronous setup failure only.
type ImgDriver interface {
	Info() DriverInfo
	Open(dev *ImgDevice, driverData uint32) error
	Close(dev *ImgDevice)
	Activate(dev *ImgDevice, state ImgDevState) error
	Deactivate(dev *ImgDevice)
}

// StateChanger is the optional mid-session state switch some drivers
// support.
type StateChanger interface {
	ChangeState(dev *ImgDevice, state ImgDevState) error
}
