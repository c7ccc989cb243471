//go:build !linux

package usb

import (
	"fmt"

	"github.com/sandeepvignesh/libfprint/internal/reactor"
)

// Dev is only backed by usbfs on Linux. The mock device covers every
// other platform's test needs.
type Dev struct{}

// DeviceInfo identifies an attached USB device by usbfs path.
type DeviceInfo struct {
	Path      string
	VendorID  uint16
	ProductID uint16
}

// Open is unavailable off Linux.
func Open(path string, loop *reactor.Loop) (*Dev, error) {
	return nil, fmt.Errorf("usb: usbfs requires linux")
}

// Enumerate is unavailable off Linux.
func Enumerate() ([]DeviceInfo, error) {
	return nil, fmt.Errorf("usb: usbfs requires linux")
}

func (d *Dev) Submit(t *Transfer) error                { return fmt.Errorf("usb: usbfs requires linux") }
func (d *Dev) Cancel(t *Transfer) error                { return fmt.Errorf("usb: usbfs requires linux") }
func (d *Dev) SetConfiguration(cfg int) error          { return fmt.Errorf("usb: usbfs requires linux") }
func (d *Dev) ClaimInterface(intf int) error           { return fmt.Errorf("usb: usbfs requires linux") }
func (d *Dev) ReleaseInterface(intf int) error         { return fmt.Errorf("usb: usbfs requires linux") }
func (d *Dev) ActiveConfig() (*ConfigDescriptor, error) { return nil, fmt.Errorf("usb: usbfs requires linux") }
func (d *Dev) Descriptor() *DeviceDescriptor           { return nil }
func (d *Dev) Close() error                            { return nil }
