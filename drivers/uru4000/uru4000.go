// Package uru4000 drives the Digital Persona U.are.U 4000 family and
// the Microsoft fingerprint readers built on it: press-mode imagers
// with a firmware encryption quirk and, on second-generation Microsoft
// hardware, an AES challenge/response handshake.
package uru4000

import (
	"crypto/aes"
	"crypto/cipher"

	fprint "github.com/sandeepvignesh/libfprint"
	"github.com/sandeepvignesh/libfprint/internal/logging"
	"github.com/sandeepvignesh/libfprint/internal/reactor"
	"github.com/sandeepvignesh/libfprint/internal/regio"
	"github.com/sandeepvignesh/libfprint/internal/ssm"
	"github.com/sandeepvignesh/libfprint/internal/usb"
)

const driverName = "uru4000"

const (
	epIntr = 0x01 | usb.EndpointIn
	epData = 0x02 | usb.EndpointIn

	datablkRqlen  = 0x1b340
	datablkExpect = 0x1b1c0
	captureHdrLen = 64
	irqLength     = 64
	crLength      = 16

	imgWidth  = 384
	imgHeight = 289
)

// Interrupt event types, big-endian on the wire.
const (
	irqScanpwrOn = 0x56aa
	irqFingerOn  = 0x0101
	irqFingerOff = 0x0200
	irqDeath     = 0x0800
)

// Device registers.
const (
	regHwstat = 0x07
	regMode   = 0x4e
	// firmware starts at 0x100
	regResponse  = 0x2000
	regChallenge = 0x2010
)

// Mode register values.
const (
	modeInit           = 0x00
	modeAwaitFingerOn  = 0x10
	modeAwaitFingerOff = 0x12
	modeCapture        = 0x20
)

// Profile indices carried as driver data in the ID table.
const (
	profMSKbd = iota
	profMSIntelliMouse
	profMSStandalone
	profMSStandaloneV2
	profDPURU4000
	profDPURU4000B
)

type profile struct {
	name   string
	authCR bool
}

var profiles = []profile{
	profMSKbd:          {name: "Microsoft Keyboard with Fingerprint Reader"},
	profMSIntelliMouse: {name: "Microsoft Wireless IntelliMouse with Fingerprint Reader"},
	profMSStandalone:   {name: "Microsoft Fingerprint Reader"},
	profMSStandaloneV2: {name: "Microsoft Fingerprint Reader v2", authCR: true},
	profDPURU4000:      {name: "Digital Persona U.are.U 4000"},
	profDPURU4000B:     {name: "Digital Persona U.are.U 4000B"},
}

// crKey is the fixed challenge/response key of 2nd generation MS
// devices. It is part of the protocol, not a secret.
var crKey = []byte{
	0x79, 0xac, 0x91, 0x79, 0x5c, 0xa1, 0x47, 0x8e,
	0x98, 0xe0, 0x0f, 0x3c, 0x59, 0x8f, 0x5f, 0x4b,
}

// uruDev is the per-device driver state, touched only from reactor
// callbacks.
type uruDev struct {
	dev  *fprint.ImgDevice
	regs *regio.Client
	log  *logging.Logger

	profile profile
	intf    int

	activateState fprint.ImgDevState
	lastRegRd     byte
	lastHwstat    byte

	irqTransfer *usb.Transfer
	imgTransfer *usb.Transfer

	irqCb         func(err error, typ uint16)
	irqsStoppedCb func()

	rebootCtr     int
	powerupCtr    int
	powerupHwstat byte

	scanpwrTimeouts int
	scanpwrTimeout  *reactor.Timeout

	fwfixerOffset int
	fwfixerValue  byte

	aes cipher.Block
}

// Driver implements the press-mode imaging driver.
type Driver struct{}

func init() {
	fprint.Register(&Driver{})
}

// Info implements fprint.ImgDriver.
func (*Driver) Info() fprint.DriverInfo {
	return fprint.DriverInfo{
		ID:       2,
		Name:     driverName,
		FullName: "Digital Persona U.are.U 4000/4000B",
		IDTable: []fprint.USBID{
			{Vendor: 0x045e, Product: 0x00bb, DriverData: profMSKbd},
			{Vendor: 0x045e, Product: 0x00bc, DriverData: profMSIntelliMouse},
			{Vendor: 0x045e, Product: 0x00bd, DriverData: profMSStandalone},
			{Vendor: 0x045e, Product: 0x00ca, DriverData: profMSStandaloneV2},
			{Vendor: 0x05ba, Product: 0x0007, DriverData: profDPURU4000},
			{Vendor: 0x05ba, Product: 0x0008, DriverData: profDPURU4000},
			{Vendor: 0x05ba, Product: 0x000a, DriverData: profDPURU4000B},
		},
		ScanType:  fprint.ScanTypePress,
		Flags:     fprint.FlagSupportsUnconditionalCapture,
		ImgWidth:  imgWidth,
		ImgHeight: imgHeight,
	}
}

// Open locates the fingerprint interface, claims it and prepares the
// challenge/response key schedule.
func (*Driver) Open(dev *fprint.ImgDevice, driverData uint32) error {
	log := logging.ForComponent(driverName)

	cfg, err := dev.USB.ActiveConfig()
	if err != nil {
		return fprint.WrapError(driverName, "OPEN", err)
	}

	// The fingerprint function hides behind a fully vendor-specific
	// interface with exactly the interrupt and bulk endpoints.
	var intf *usb.InterfaceDescriptor
	for i := range cfg.Interfaces {
		cur := &cfg.Interfaces[i]
		if cur.Class == 0xff && cur.SubClass == 0xff && cur.Protocol == 0xff {
			intf = cur
			break
		}
	}
	if intf == nil {
		log.Error("could not find fingerprint interface")
		return fprint.NewDriverError(driverName, "OPEN", fprint.ErrCodeNoDevice, "no vendor interface")
	}
	if len(intf.Endpoints) != 2 {
		log.Errorf("found %d endpoints!?", len(intf.Endpoints))
		return fprint.NewDriverError(driverName, "OPEN", fprint.ErrCodeNoDevice, "unexpected endpoint count")
	}
	ep := intf.Endpoints[0]
	if ep.Address != epIntr || ep.TransferType() != usb.EndpointTransferInterrupt {
		log.Error("unrecognised interrupt endpoint")
		return fprint.NewDriverError(driverName, "OPEN", fprint.ErrCodeNoDevice, "unrecognised interrupt endpoint")
	}
	ep = intf.Endpoints[1]
	if ep.Address != epData || ep.TransferType() != usb.EndpointTransferBulk {
		log.Error("unrecognised bulk endpoint")
		return fprint.NewDriverError(driverName, "OPEN", fprint.ErrCodeNoDevice, "unrecognised bulk endpoint")
	}

	if err := dev.USB.ClaimInterface(int(intf.Number)); err != nil {
		log.Error("interface claim failed", "err", err)
		return fprint.WrapError(driverName, "OPEN", err)
	}

	if int(driverData) >= len(profiles) {
		dev.USB.ReleaseInterface(int(intf.Number))
		return fprint.NewDriverError(driverName, "OPEN", fprint.ErrCodeInval, "unknown profile")
	}

	block, err := aes.NewCipher(crKey)
	if err != nil {
		dev.USB.ReleaseInterface(int(intf.Number))
		return fprint.WrapError(driverName, "OPEN", err)
	}

	u := &uruDev{
		dev:     dev,
		regs:    regio.New(dev.USB, regio.Press, driverName),
		log:     log,
		profile: profiles[driverData],
		intf:    int(intf.Number),
		aes:     block,
	}
	dev.Priv = u
	dev.OpenComplete(nil)
	return nil
}

// Close releases the claimed interface.
func (*Driver) Close(dev *fprint.ImgDevice) {
	if u, ok := dev.Priv.(*uruDev); ok {
		dev.USB.ReleaseInterface(u.intf)
	}
	dev.Priv = nil
	dev.CloseComplete()
}

// ChangeState implements fprint.StateChanger: it retargets the device
// mode register and the interrupt dispatch for the requested sub-state.
func (*Driver) ChangeState(dev *fprint.ImgDevice, state fprint.ImgDevState) error {
	u := dev.Priv.(*uruDev)
	return u.changeState(state)
}

func (u *uruDev) changeState(state fprint.ImgDevState) error {
	u.stopImagingLoop()

	switch state {
	case fprint.StateAwaitFingerOn:
		if u.irqTransfer == nil {
			return fprint.NewDriverError(driverName, "CHANGE_STATE", fprint.ErrCodeIO, "irq listener not running")
		}
		u.irqCb = u.fingerPresenceIrq
		u.writeModeChecked(modeAwaitFingerOn)
		return nil

	case fprint.StateCapture:
		u.irqCb = nil
		if err := u.startImagingLoop(); err != nil {
			return fprint.WrapError(driverName, "CHANGE_STATE", err)
		}
		u.writeModeChecked(modeCapture)
		return nil

	case fprint.StateAwaitFingerOff:
		if u.irqTransfer == nil {
			return fprint.NewDriverError(driverName, "CHANGE_STATE", fprint.ErrCodeIO, "irq listener not running")
		}
		u.irqCb = u.fingerPresenceIrq
		u.writeModeChecked(modeAwaitFingerOff)
		return nil

	default:
		u.log.Errorf("unrecognised state %d", state)
		return fprint.NewDriverError(driverName, "CHANGE_STATE", fprint.ErrCodeInval, "unrecognised state")
	}
}

// writeModeChecked writes the mode register; a failure surfaces as a
// session error since the session is already live.
func (u *uruDev) writeModeChecked(mode byte) {
	u.log.Debugf("mode %02x", mode)
	u.regs.WriteReg(regMode, mode, func(err error) {
		if err != nil {
			u.dev.SessionError(fprint.WrapError(driverName, "SET_MODE", err))
		}
	})
}

// fingerPresenceIrq maps finger on/off events to host finger status
// reports.
func (u *uruDev) fingerPresenceIrq(err error, typ uint16) {
	switch {
	case err != nil:
		u.dev.SessionError(fprint.WrapError(driverName, "IRQ", err))
	case typ == irqFingerOn:
		u.dev.ReportFingerStatus(true)
	case typ == irqFingerOff:
		u.dev.ReportFingerStatus(false)
	default:
		u.log.Warnf("ignoring unexpected interrupt %04x", typ)
	}
}

// Deactivate winds the sensor back to init mode, powers it down and
// stops the interrupt listener before reporting completion.
func (*Driver) Deactivate(dev *fprint.ImgDevice) {
	u := dev.Priv.(*uruDev)
	u.stopImagingLoop()
	u.irqCb = nil

	m := newDeinitSM(u)
	m.Start(func(m *ssm.Machine) {
		if err := m.Err(); err != nil {
			u.log.Warn("deinit failed", "err", err)
		}
		u.stopIrqHandler(func() {
			u.dev.DeactivateComplete()
		})
	})
}
