// Package usb provides the non-blocking transfer layer the drivers sit
// on: control/bulk/interrupt transfer construction, submission and
// cancellation against a Device, with completions delivered as callbacks
// on the owning reactor loop.
//
// A transfer owns its buffer (including the 8-byte setup prefix for
// control transfers) from submission until its callback has run. The
// callback always runs exactly once per submission, whatever the
// outcome.
package usb

import (
	"encoding/binary"
	"fmt"
	"syscall"
	"time"
)

// TransferType distinguishes the USB transfer kinds used by the drivers.
type TransferType uint8

const (
	TypeControl TransferType = iota
	TypeBulk
	TypeInterrupt
)

func (t TransferType) String() string {
	switch t {
	case TypeControl:
		return "control"
	case TypeBulk:
		return "bulk"
	case TypeInterrupt:
		return "interrupt"
	default:
		return fmt.Sprintf("type(%d)", uint8(t))
	}
}

// Status is the completion status of a transfer.
type Status uint8

const (
	StatusCompleted Status = iota
	StatusError
	StatusTimedOut
	StatusCancelled
	StatusStall
	StatusNoDevice
	StatusOverflow
)

func (s Status) String() string {
	switch s {
	case StatusCompleted:
		return "completed"
	case StatusError:
		return "error"
	case StatusTimedOut:
		return "timed out"
	case StatusCancelled:
		return "cancelled"
	case StatusStall:
		return "stall"
	case StatusNoDevice:
		return "no device"
	case StatusOverflow:
		return "overflow"
	default:
		return fmt.Sprintf("status(%d)", uint8(s))
	}
}

// Flags modify transfer handling.
type Flags uint8

const (
	// FlagShortNotOK makes a short read complete with StatusError.
	FlagShortNotOK Flags = 1 << 0
)

// Endpoint direction bits.
const (
	EndpointIn  = 0x80
	EndpointOut = 0x00
)

// Control request type bits.
const (
	RequestTypeVendor = 0x40
	CtrlIn            = RequestTypeVendor | EndpointIn
	CtrlOut           = RequestTypeVendor | EndpointOut
)

// SetupSize is the length of the control setup packet that prefixes a
// control transfer's buffer.
const SetupSize = 8

// Callback is invoked exactly once when a transfer leaves flight.
type Callback func(t *Transfer)

// Transfer is a single asynchronous USB transfer. Fields above Callback
// are set by the constructors; Status and Actual are valid only inside
// the callback.
type Transfer struct {
	Type     TransferType
	Endpoint uint8
	Buffer   []byte // control transfers: setup prefix + data stage
	Timeout  time.Duration
	Flags    Flags
	Callback Callback

	Status Status
	Actual int // data bytes transferred (excludes the setup prefix)

	// UserData is free for the submitter; the transfer layer never
	// touches it.
	UserData any
}

// Device is a transport that can fly transfers. Submit queues t and
// returns; the callback fires later on the reactor loop. Cancel is
// best-effort: the callback still runs, with StatusCancelled if the
// cancel won the race.
type Device interface {
	Submit(t *Transfer) error
	Cancel(t *Transfer) error
	SetConfiguration(cfg int) error
	ClaimInterface(intf int) error
	ReleaseInterface(intf int) error
	ActiveConfig() (*ConfigDescriptor, error)
	Close() error
}

// Setup is a decoded control setup packet.
type Setup struct {
	RequestType uint8
	Request     uint8
	Value       uint16
	Index       uint16
	Length      uint16
}

// fillSetup writes the 8-byte setup packet into buf.
func fillSetup(buf []byte, s Setup) {
	buf[0] = s.RequestType
	buf[1] = s.Request
	binary.LittleEndian.PutUint16(buf[2:], s.Value)
	binary.LittleEndian.PutUint16(buf[4:], s.Index)
	binary.LittleEndian.PutUint16(buf[6:], s.Length)
}

// ParseSetup decodes the setup prefix of a control transfer buffer.
func ParseSetup(buf []byte) Setup {
	return Setup{
		RequestType: buf[0],
		Request:     buf[1],
		Value:       binary.LittleEndian.Uint16(buf[2:]),
		Index:       binary.LittleEndian.Uint16(buf[4:]),
		Length:      binary.LittleEndian.Uint16(buf[6:]),
	}
}

// NewControl builds a control transfer. For OUT requests payload is
// copied into the data stage; for IN requests length reserves the data
// stage and payload must be nil. All control transfers carry
// FlagShortNotOK per the drivers' protocol discipline.
func NewControl(requestType, request uint8, value, index uint16, payload []byte, length int, timeout time.Duration, cb Callback) *Transfer {
	if payload != nil {
		length = len(payload)
	}
	buf := make([]byte, SetupSize+length)
	fillSetup(buf, Setup{
		RequestType: requestType,
		Request:     request,
		Value:       value,
		Index:       index,
		Length:      uint16(length),
	})
	copy(buf[SetupSize:], payload)
	return &Transfer{
		Type:     TypeControl,
		Buffer:   buf,
		Timeout:  timeout,
		Flags:    FlagShortNotOK,
		Callback: cb,
	}
}

// NewBulk builds a bulk-IN/OUT transfer of the given length. A zero
// timeout waits forever; image endpoints rely on this.
func NewBulk(endpoint uint8, length int, timeout time.Duration, cb Callback) *Transfer {
	return &Transfer{
		Type:     TypeBulk,
		Endpoint: endpoint,
		Buffer:   make([]byte, length),
		Timeout:  timeout,
		Callback: cb,
	}
}

// NewInterrupt builds an interrupt-IN transfer of the given length.
func NewInterrupt(endpoint uint8, length int, timeout time.Duration, cb Callback) *Transfer {
	return &Transfer{
		Type:     TypeInterrupt,
		Endpoint: endpoint,
		Buffer:   make([]byte, length),
		Timeout:  timeout,
		Callback: cb,
	}
}

// Setup returns the decoded setup prefix of a control transfer.
func (t *Transfer) Setup() Setup {
	return ParseSetup(t.Buffer)
}

// Data returns the transferred payload: the data stage for control
// transfers, the filled prefix of the buffer otherwise. Valid only
// inside the callback.
func (t *Transfer) Data() []byte {
	if t.Type == TypeControl {
		return t.Buffer[SetupSize : SetupSize+t.Actual]
	}
	return t.Buffer[:t.Actual]
}

// RequestedLength returns the data-stage length the transfer asked for.
func (t *Transfer) RequestedLength() int {
	if t.Type == TypeControl {
		return len(t.Buffer) - SetupSize
	}
	return len(t.Buffer)
}

// CheckComplete maps the completion outcome to the drivers' error
// discipline: nil for a full completion, EPROTO for a short one, EIO for
// everything else. Cancellation is surfaced as EIO too; callers that
// care about cancellation inspect Status first.
func (t *Transfer) CheckComplete() error {
	if t.Status != StatusCompleted {
		return syscall.EIO
	}
	if t.Actual != t.RequestedLength() {
		return syscall.EPROTO
	}
	return nil
}
