// Package regio provides typed register access over vendor control
// transfers. The two supported sensor families address registers
// differently on the wire; a Scheme captures the family's encoding and a
// Client applies it.
package regio

import (
	"time"

	"github.com/sandeepvignesh/libfprint/internal/logging"
	"github.com/sandeepvignesh/libfprint/internal/ssm"
	"github.com/sandeepvignesh/libfprint/internal/usb"
)

// Scheme describes how a sensor family encodes register access.
type Scheme struct {
	Request    uint8         // vendor request number
	RegInValue bool          // register address rides in wValue; otherwise wIndex
	ReadLen    int           // wire length of a single-register read
	Timeout    time.Duration // control transfer timeout
}

// Press is the register scheme of the press-mode imagers: request 0x04,
// register in wValue, one byte per register.
var Press = Scheme{
	Request:    0x04,
	RegInValue: true,
	ReadLen:    1,
	Timeout:    5 * time.Second,
}

// Swipe is the register scheme of the swipe-mode imagers: request 0x0c,
// register in wIndex, single-byte writes, 8-byte reads of which the
// first byte is the value.
var Swipe = Scheme{
	Request:    0x0c,
	RegInValue: false,
	ReadLen:    8,
	Timeout:    time.Second,
}

// RegWrite is one entry of a serialized register write sequence.
type RegWrite struct {
	Reg   uint16
	Value byte
}

// Client issues register transfers against one device.
type Client struct {
	dev    usb.Device
	scheme Scheme
	log    *logging.Logger
}

// New creates a register client for dev using scheme.
func New(dev usb.Device, scheme Scheme, component string) *Client {
	return &Client{
		dev:    dev,
		scheme: scheme,
		log:    logging.ForComponent(component),
	}
}

func (c *Client) addr(reg uint16) (value, index uint16) {
	if c.scheme.RegInValue {
		return reg, 0
	}
	return 0, reg
}

// WriteRegs writes values to consecutive registers starting at first in
// a single control transfer. cb runs exactly once, synchronously on
// submission failure or from the completion callback otherwise.
func (c *Client) WriteRegs(first uint16, values []byte, cb func(error)) {
	value, index := c.addr(first)
	t := usb.NewControl(usb.CtrlOut, c.scheme.Request, value, index,
		values, 0, c.scheme.Timeout, func(t *usb.Transfer) {
			cb(t.CheckComplete())
		})
	if err := c.dev.Submit(t); err != nil {
		cb(err)
	}
}

// WriteReg writes a single register.
func (c *Client) WriteReg(reg uint16, val byte, cb func(error)) {
	c.log.Debugf("set %02x=%02x", reg, val)
	c.WriteRegs(reg, []byte{val}, cb)
}

// ReadRegs reads n consecutive registers starting at first. On success
// cb receives exactly n bytes.
func (c *Client) ReadRegs(first uint16, n int, cb func(error, []byte)) {
	value, index := c.addr(first)
	t := usb.NewControl(usb.CtrlIn, c.scheme.Request, value, index,
		nil, n, c.scheme.Timeout, func(t *usb.Transfer) {
			if err := t.CheckComplete(); err != nil {
				cb(err, nil)
				return
			}
			cb(nil, t.Data())
		})
	if err := c.dev.Submit(t); err != nil {
		cb(err, nil)
	}
}

// ReadReg reads a single register, honoring the scheme's wire read
// length and returning the value byte.
func (c *Client) ReadReg(reg uint16, cb func(error, byte)) {
	c.ReadRegs(reg, c.scheme.ReadLen, func(err error, data []byte) {
		if err != nil {
			cb(err, 0)
			return
		}
		c.log.Debugf("read reg %02x = %02x", reg, data[0])
		cb(nil, data[0])
	})
}

// WriteSeq writes a sequence of register/value pairs one control
// transfer at a time, each submitted only after the previous completed.
func (c *Client) WriteSeq(seq []RegWrite, cb func(error)) {
	c.writeSeqFrom(seq, 0, cb)
}

func (c *Client) writeSeqFrom(seq []RegWrite, i int, cb func(error)) {
	if i >= len(seq) {
		cb(nil)
		return
	}
	c.WriteReg(seq[i].Reg, seq[i].Value, func(err error) {
		if err != nil {
			cb(err)
			return
		}
		c.writeSeqFrom(seq, i+1, cb)
	})
}

// SMWriteReg writes a register and advances m on success, aborting it
// otherwise.
func (c *Client) SMWriteReg(m *ssm.Machine, reg uint16, val byte) {
	c.WriteReg(reg, val, smStep(m))
}

// SMWriteRegs writes a contiguous register block, advancing or aborting m.
func (c *Client) SMWriteRegs(m *ssm.Machine, first uint16, values []byte) {
	c.WriteRegs(first, values, smStep(m))
}

// SMWriteSeq writes a serialized register sequence, advancing or
// aborting m.
func (c *Client) SMWriteSeq(m *ssm.Machine, seq []RegWrite) {
	c.WriteSeq(seq, smStep(m))
}

// SMReadReg reads a register into sink and advances m on success,
// aborting it otherwise.
func (c *Client) SMReadReg(m *ssm.Machine, reg uint16, sink func(byte)) {
	c.ReadReg(reg, func(err error, val byte) {
		if err != nil {
			m.Abort(err)
			return
		}
		sink(val)
		m.Next()
	})
}

func smStep(m *ssm.Machine) func(error) {
	return func(err error) {
		if err != nil {
			m.Abort(err)
			return
		}
		m.Next()
	}
}

