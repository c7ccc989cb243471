package usb

import (
	"encoding/binary"
	"fmt"
)

// Descriptor type codes.
const (
	descTypeDevice    = 0x01
	descTypeConfig    = 0x02
	descTypeInterface = 0x04
	descTypeEndpoint  = 0x05
)

// Endpoint attribute transfer types.
const (
	EndpointTransferControl   = 0x00
	EndpointTransferIso       = 0x01
	EndpointTransferBulk      = 0x02
	EndpointTransferInterrupt = 0x03
	EndpointTransferMask      = 0x03
)

// DeviceDescriptor carries the identity fields the registry matches on.
type DeviceDescriptor struct {
	USBVersion     uint16
	DeviceClass    uint8
	DeviceSubClass uint8
	VendorID       uint16
	ProductID      uint16
}

// EndpointDescriptor describes one endpoint of an interface.
type EndpointDescriptor struct {
	Address       uint8
	Attributes    uint8
	MaxPacketSize uint16
	Interval      uint8
}

// TransferType returns the endpoint's transfer type bits.
func (e EndpointDescriptor) TransferType() uint8 {
	return e.Attributes & EndpointTransferMask
}

// InterfaceDescriptor describes one interface alternate setting.
type InterfaceDescriptor struct {
	Number    uint8
	AltSet    uint8
	Class     uint8
	SubClass  uint8
	Protocol  uint8
	Endpoints []EndpointDescriptor
}

// ConfigDescriptor describes one device configuration with its
// interfaces' first alternate settings.
type ConfigDescriptor struct {
	Value      uint8
	Interfaces []InterfaceDescriptor
}

// parseDescriptors decodes the descriptor blob read from a usbfs fd: the
// 18-byte device descriptor followed by the raw config descriptor
// hierarchies.
func parseDescriptors(raw []byte) (*DeviceDescriptor, []ConfigDescriptor, error) {
	if len(raw) < 18 || raw[1] != descTypeDevice {
		return nil, nil, fmt.Errorf("usb: bad device descriptor")
	}
	dev := &DeviceDescriptor{
		USBVersion:     binary.LittleEndian.Uint16(raw[2:]),
		DeviceClass:    raw[4],
		DeviceSubClass: raw[5],
		VendorID:       binary.LittleEndian.Uint16(raw[8:]),
		ProductID:      binary.LittleEndian.Uint16(raw[10:]),
	}

	var configs []ConfigDescriptor
	skipAlt := false
	rest := raw[int(raw[0]):]
	for len(rest) >= 2 {
		dlen := int(rest[0])
		if dlen < 2 || dlen > len(rest) {
			return nil, nil, fmt.Errorf("usb: truncated descriptor")
		}
		switch rest[1] {
		case descTypeConfig:
			if dlen < 9 {
				return nil, nil, fmt.Errorf("usb: short config descriptor")
			}
			configs = append(configs, ConfigDescriptor{Value: rest[5]})
		case descTypeInterface:
			if dlen < 9 || len(configs) == 0 {
				return nil, nil, fmt.Errorf("usb: stray interface descriptor")
			}
			cfg := &configs[len(configs)-1]
			// Only the first alternate setting matters to the drivers.
			skipAlt = rest[3] != 0
			if !skipAlt {
				cfg.Interfaces = append(cfg.Interfaces, InterfaceDescriptor{
					Number:   rest[2],
					AltSet:   rest[3],
					Class:    rest[5],
					SubClass: rest[6],
					Protocol: rest[7],
				})
			}
		case descTypeEndpoint:
			if dlen < 7 || len(configs) == 0 {
				return nil, nil, fmt.Errorf("usb: stray endpoint descriptor")
			}
			cfg := &configs[len(configs)-1]
			if n := len(cfg.Interfaces); n > 0 && !skipAlt {
				intf := &cfg.Interfaces[n-1]
				intf.Endpoints = append(intf.Endpoints, EndpointDescriptor{
					Address:       rest[2],
					Attributes:    rest[3],
					MaxPacketSize: binary.LittleEndian.Uint16(rest[4:]),
					Interval:      rest[6],
				})
			}
		}
		rest = rest[dlen:]
	}
	return dev, configs, nil
}
