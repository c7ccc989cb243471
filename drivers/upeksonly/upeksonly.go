// Package upeksonly drives the UPEK TouchStrip sensor-only readers:
// swipe-mode streaming imagers that emit a continuous packet stream
// which the driver reassembles into rows until the finger leaves the
// sensor.
package upeksonly

import (
	"syscall"

	fprint "github.com/sandeepvignesh/libfprint"
	"github.com/sandeepvignesh/libfprint/internal/logging"
	"github.com/sandeepvignesh/libfprint/internal/regio"
	"github.com/sandeepvignesh/libfprint/internal/ssm"
	"github.com/sandeepvignesh/libfprint/internal/usb"
)

const driverName = "upeksonly"

const (
	imgWidth         = 288
	numBulkTransfers = 24
	maxRows          = 700

	epBulkData = 0x01 | usb.EndpointIn
	epIntr     = 0x03 | usb.EndpointIn

	bulkTransferSize = 4096
	packetSize       = 64
	packetDataSize   = 62
	seqnumMax        = 16383
)

// killAction is the deferred tear-down action that fires when the last
// in-flight bulk transfer completes after a cancellation request.
type killAction int

const (
	killNone killAction = iota
	killAbortSSM
	killImgSessionError
	killIterateSSM
	killExecCallback
)

// imgTransferData is the per-transfer flight record of the bulk pool.
type imgTransferData struct {
	idx        int
	flying     bool
	cancelling bool
}

// sonlyDev is the per-device driver state, touched only from reactor
// callbacks.
type sonlyDev struct {
	dev  *fprint.ImgDevice
	regs *regio.Client
	log  *logging.Logger

	capturing    bool
	deactivating bool
	readRegRes   byte

	loopsm       *ssm.Machine
	imgTransfers [numBulkTransfers]*usb.Transfer
	transferData [numBulkTransfers]*imgTransferData
	numFlying    int

	awaitIntr *usb.Transfer

	rows         [][]byte
	rowbuf       []byte
	rowbufOffset int

	wraparounds   int
	numBlank      int
	fingerRemoved bool
	lastSeqnum    int

	killing    killAction
	killStatus error
	killSSM    *ssm.Machine
	killCb     func()
}

// Driver implements the swipe-mode imaging driver.
type Driver struct{}

func init() {
	fprint.Register(&Driver{})
}

// Info implements fprint.ImgDriver.
func (*Driver) Info() fprint.DriverInfo {
	return fprint.DriverInfo{
		ID:       9,
		Name:     driverName,
		FullName: "UPEK TouchStrip Sensor-Only",
		IDTable: []fprint.USBID{
			{Vendor: 0x147e, Product: 0x2016},
		},
		ScanType:  fprint.ScanTypeSwipe,
		ImgWidth:  imgWidth,
		ImgHeight: -1,
	}
}

// Open selects configuration 1 and claims interface 0.
func (*Driver) Open(dev *fprint.ImgDevice, driverData uint32) error {
	log := logging.ForComponent(driverName)

	if err := dev.USB.SetConfiguration(1); err != nil {
		log.Error("could not set configuration 1")
		return fprint.WrapError(driverName, "OPEN", err)
	}
	if err := dev.USB.ClaimInterface(0); err != nil {
		log.Error("could not claim interface 0")
		return fprint.WrapError(driverName, "OPEN", err)
	}

	dev.Priv = &sonlyDev{
		dev:          dev,
		regs:         regio.New(dev.USB, regio.Swipe, driverName),
		log:          log,
		rowbufOffset: -1,
	}
	dev.OpenComplete(nil)
	return nil
}

// Close releases the claimed interface.
func (*Driver) Close(dev *fprint.ImgDevice) {
	dev.Priv = nil
	dev.USB.ReleaseInterface(0)
	dev.CloseComplete()
}

/***** register sequences *****/

var awfsmWritev1 = []regio.RegWrite{
	{Reg: 0x0a, Value: 0x00}, {Reg: 0x0a, Value: 0x00}, {Reg: 0x09, Value: 0x20}, {Reg: 0x03, Value: 0x3b},
	{Reg: 0x00, Value: 0x67}, {Reg: 0x00, Value: 0x67},
}

var awfsmWritev2 = []regio.RegWrite{
	{Reg: 0x01, Value: 0xc6}, {Reg: 0x0c, Value: 0x13}, {Reg: 0x0d, Value: 0x0d}, {Reg: 0x0e, Value: 0x0e},
	{Reg: 0x0f, Value: 0x0d}, {Reg: 0x0b, Value: 0x00},
}

var awfsmWritev3 = []regio.RegWrite{
	{Reg: 0x13, Value: 0x45}, {Reg: 0x30, Value: 0xe0}, {Reg: 0x12, Value: 0x01}, {Reg: 0x20, Value: 0x01},
	{Reg: 0x09, Value: 0x20}, {Reg: 0x0a, Value: 0x00}, {Reg: 0x30, Value: 0xe0}, {Reg: 0x20, Value: 0x01},
}

var awfsmWritev4 = []regio.RegWrite{
	{Reg: 0x08, Value: 0x00}, {Reg: 0x10, Value: 0x00}, {Reg: 0x12, Value: 0x01}, {Reg: 0x11, Value: 0xbf},
	{Reg: 0x12, Value: 0x01}, {Reg: 0x07, Value: 0x10}, {Reg: 0x07, Value: 0x10}, {Reg: 0x04, Value: 0x00},
	{Reg: 0x05, Value: 0x00}, {Reg: 0x0b, Value: 0x00},

	// enter finger detection mode
	{Reg: 0x15, Value: 0x20}, {Reg: 0x30, Value: 0xe1}, {Reg: 0x15, Value: 0x24}, {Reg: 0x15, Value: 0x04},
	{Reg: 0x15, Value: 0x84},
}

var capsmWritev = []regio.RegWrite{
	// enter capture mode
	{Reg: 0x09, Value: 0x28}, {Reg: 0x13, Value: 0x55}, {Reg: 0x0b, Value: 0x80}, {Reg: 0x04, Value: 0x00},
	{Reg: 0x05, Value: 0x00},
}

var deinitsmWritev = []regio.RegWrite{
	// reset + enter low power mode
	{Reg: 0x0b, Value: 0x00}, {Reg: 0x09, Value: 0x20}, {Reg: 0x13, Value: 0x45}, {Reg: 0x13, Value: 0x45},
}

var initsmWritev1 = []regio.RegWrite{
	{Reg: 0x49, Value: 0x00},

	// The vendor library writes a different value to register 0x3e on
	// every run. Replaying this sniffed sequence works every time.
	{Reg: 0x3e, Value: 0x83}, {Reg: 0x3e, Value: 0x4f}, {Reg: 0x3e, Value: 0x0f}, {Reg: 0x3e, Value: 0xbf},
	{Reg: 0x3e, Value: 0x45}, {Reg: 0x3e, Value: 0x35}, {Reg: 0x3e, Value: 0x1c}, {Reg: 0x3e, Value: 0xae},

	{Reg: 0x44, Value: 0x01}, {Reg: 0x43, Value: 0x06}, {Reg: 0x43, Value: 0x05}, {Reg: 0x43, Value: 0x04},
	{Reg: 0x44, Value: 0x00}, {Reg: 0x0b, Value: 0x00},
}

/***** await finger *****/

// smAwaitIntr parks on the sensor's finger-detect interrupt. The single
// 4-byte event both reports the finger and advances the loop.
func (s *sonlyDev) smAwaitIntr(m *ssm.Machine) {
	t := usb.NewInterrupt(epIntr, 4, 0, func(t *usb.Transfer) {
		s.awaitIntr = nil
		if t.Status == usb.StatusCancelled {
			s.dev.Metrics.TransfersCancelled.Add(1)
			if s.deactivating {
				m.Complete()
			} else {
				m.Abort(syscall.EIO)
			}
			return
		}
		if t.Status != usb.StatusCompleted {
			s.dev.Metrics.TransferErrors.Add(1)
			m.Abort(syscall.EIO)
			return
		}
		s.dev.Metrics.TransfersCompleted.Add(1)
		d := t.Data()
		s.log.Debugf("interrupt received: %02x %02x %02x %02x", d[0], d[1], d[2], d[3])
		s.dev.ReportFingerStatus(true)
		m.Next()
	})
	s.awaitIntr = t
	s.dev.Metrics.TransfersSubmitted.Add(1)
	if err := s.dev.USB.Submit(t); err != nil {
		s.awaitIntr = nil
		m.Abort(err)
	}
}

const (
	awfsmWritev1State = iota
	awfsmRead01
	awfsmWrite01
	awfsmWritev2State
	awfsmRead13
	awfsmWrite13
	awfsmWritev3State
	awfsmRead07
	awfsmWrite07
	awfsmWritev4State
	awfsmNumStates
)

func newAwfSM(s *sonlyDev) *ssm.Machine {
	return ssm.New("awfsm", awfsmNumStates, func(m *ssm.Machine) {
		switch m.State() {
		case awfsmWritev1State:
			s.regs.SMWriteSeq(m, awfsmWritev1)
		case awfsmRead01:
			s.regs.SMReadReg(m, 0x01, func(v byte) { s.readRegRes = v })
		case awfsmWrite01:
			if s.readRegRes != 0xc6 {
				s.regs.SMWriteReg(m, 0x01, 0x46)
			} else {
				s.regs.SMWriteReg(m, 0x01, 0xc6)
			}
		case awfsmWritev2State:
			s.regs.SMWriteSeq(m, awfsmWritev2)
		case awfsmRead13:
			s.regs.SMReadReg(m, 0x13, func(v byte) { s.readRegRes = v })
		case awfsmWrite13:
			if s.readRegRes != 0x45 {
				s.regs.SMWriteReg(m, 0x13, 0x05)
			} else {
				s.regs.SMWriteReg(m, 0x13, 0x45)
			}
		case awfsmWritev3State:
			s.regs.SMWriteSeq(m, awfsmWritev3)
		case awfsmRead07:
			s.regs.SMReadReg(m, 0x07, func(v byte) { s.readRegRes = v })
		case awfsmWrite07:
			if s.readRegRes != 0x10 && s.readRegRes != 0x90 {
				s.log.Warnf("odd reg7 value %x", s.readRegRes)
			}
			s.regs.SMWriteReg(m, 0x07, s.readRegRes)
		case awfsmWritev4State:
			s.regs.SMWriteSeq(m, awfsmWritev4)
		}
	})
}

/***** capture mode *****/

const (
	capsmInit = iota
	capsmWrite15
	capsmWrite30
	capsmFireBulk
	capsmWritevState
	capsmNumStates
)

func newCapSM(s *sonlyDev) *ssm.Machine {
	return ssm.New("capsm", capsmNumStates, func(m *ssm.Machine) {
		switch m.State() {
		case capsmInit:
			s.rowbufOffset = -1
			s.rowbuf = nil
			s.rows = nil
			s.wraparounds = -1
			s.numBlank = 0
			s.fingerRemoved = false
			s.lastSeqnum = seqnumMax
			s.killing = killNone
			s.killStatus = nil
			m.Next()
		case capsmWrite15:
			s.regs.SMWriteReg(m, 0x15, 0x20)
		case capsmWrite30:
			s.regs.SMWriteReg(m, 0x30, 0xe0)
		case capsmFireBulk:
			s.fireBulkTransfers(m)
		case capsmWritevState:
			s.regs.SMWriteSeq(m, capsmWritev)
		}
	})
}

/***** deinitialization *****/

const (
	deinitsmWritevState = iota
	deinitsmNumStates
)

func newDeinitSM(s *sonlyDev) *ssm.Machine {
	return ssm.New("deinitsm", deinitsmNumStates, func(m *ssm.Machine) {
		switch m.State() {
		case deinitsmWritevState:
			s.regs.SMWriteSeq(m, deinitsmWritev)
		}
	})
}

/***** initialization *****/

const (
	initsmWritev1State = iota
	initsmRead09
	initsmWrite09
	initsmRead13
	initsmWrite13
	initsmWrite04
	initsmWrite05
	initsmNumStates
)

func newInitSM(s *sonlyDev) *ssm.Machine {
	return ssm.New("initsm", initsmNumStates, func(m *ssm.Machine) {
		switch m.State() {
		case initsmWritev1State:
			s.regs.SMWriteSeq(m, initsmWritev1)
		case initsmRead09:
			s.regs.SMReadReg(m, 0x09, func(v byte) { s.readRegRes = v })
		case initsmWrite09:
			s.regs.SMWriteReg(m, 0x09, s.readRegRes&^0x08)
		case initsmRead13:
			s.regs.SMReadReg(m, 0x13, func(v byte) { s.readRegRes = v })
		case initsmWrite13:
			s.regs.SMWriteReg(m, 0x13, s.readRegRes&^0x10)
		case initsmWrite04:
			s.regs.SMWriteReg(m, 0x04, 0x00)
		case initsmWrite05:
			s.regs.SMWriteReg(m, 0x05, 0x00)
		}
	})
}

/***** capture loop *****/

const (
	loopsmRunAwfsm = iota
	loopsmAwaitFinger
	loopsmRunCapsm
	loopsmCapture
	loopsmRunDeinitsm
	loopsmFinal
	loopsmNumStates
)

func newLoopSM(s *sonlyDev) *ssm.Machine {
	return ssm.New("loopsm", loopsmNumStates, func(m *ssm.Machine) {
		switch m.State() {
		case loopsmRunAwfsm:
			if s.deactivating {
				m.Complete()
			} else {
				m.StartSub(newAwfSM(s), nil)
			}
		case loopsmAwaitFinger:
			if s.deactivating {
				m.Complete()
			} else {
				s.smAwaitIntr(m)
			}
		case loopsmRunCapsm:
			m.StartSub(newCapSM(s), nil)
		case loopsmCapture:
			// bulk transfers already flying; the handoff path advances
			// this state once it has cancelled them all
		case loopsmRunDeinitsm:
			s.capturing = false
			m.StartSub(newDeinitSM(s), nil)
		case loopsmFinal:
			m.JumpTo(loopsmRunAwfsm)
		}
	})
}

/***** driver entry points *****/

func (s *sonlyDev) deactivateDone() {
	s.log.Debug("deactivation done")
	for i := range s.imgTransfers {
		s.imgTransfers[i] = nil
		s.transferData[i] = nil
	}
	s.rowbuf = nil
	s.rowbufOffset = -1
	s.rows = nil
	s.dev.DeactivateComplete()
}

func (s *sonlyDev) loopsmComplete(m *ssm.Machine) {
	err := m.Err()
	s.loopsm = nil

	if s.deactivating {
		s.deactivateDone()
		return
	}
	if err != nil {
		s.dev.SessionError(fprint.WrapError(driverName, "CAPTURE_LOOP", err))
	}
}

func (s *sonlyDev) initsmComplete(m *ssm.Machine) {
	err := m.Err()
	if err != nil {
		s.dev.ActivateComplete(fprint.WrapError(driverName, "ACTIVATE", err))
		return
	}
	s.dev.ActivateComplete(nil)

	s.loopsm = newLoopSM(s)
	s.loopsm.Start(s.loopsmComplete)
}

// Activate allocates the bulk transfer pool and runs the register init
// sequence; the capture loop starts once init completes.
func (*Driver) Activate(dev *fprint.ImgDevice, state fprint.ImgDevState) error {
	s := dev.Priv.(*sonlyDev)

	s.deactivating = false
	s.capturing = false
	s.numFlying = 0
	for i := 0; i < numBulkTransfers; i++ {
		idata := &imgTransferData{idx: i}
		t := usb.NewBulk(epBulkData, bulkTransferSize, 0, s.imgDataCb)
		t.UserData = idata
		s.imgTransfers[i] = t
		s.transferData[i] = idata
	}

	m := newInitSM(s)
	m.Start(s.initsmComplete)
	return nil
}

// Deactivate tears the session down. A capture in progress is unwound
// through the transfer-kill discipline; an idle loop is nudged out of
// its finger wait.
func (*Driver) Deactivate(dev *fprint.ImgDevice) {
	s := dev.Priv.(*sonlyDev)

	if s.loopsm == nil {
		s.deactivateDone()
		return
	}

	s.deactivating = true
	if s.capturing {
		s.killing = killIterateSSM
		s.killSSM = s.loopsm
		s.cancelImgTransfers()
		return
	}
	if s.awaitIntr != nil {
		s.dev.USB.Cancel(s.awaitIntr)
	}
}
