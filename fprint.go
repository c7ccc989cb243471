// Package fprint implements user-space drivers for USB fingerprint
// sensors: the host-facing driver table, the per-device context, and
// the image/session contracts the drivers report through. The drivers
// themselves live under drivers/ and register here.
package fprint

import (
	"sync"
)

var (
	registryMu sync.RWMutex
	registry   []ImgDriver
)

// Register adds a driver to the table. Drivers call this from their
// package init.
func Register(drv ImgDriver) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry = append(registry, drv)
}

// Drivers returns the registered driver table.
func Drivers() []ImgDriver {
	registryMu.RLock()
	defer registryMu.RUnlock()
	out := make([]ImgDriver, len(registry))
	copy(out, registry)
	return out
}

// Match finds the driver claiming the given vendor/product pair,
// returning its driver data for the matching table row.
func Match(vendor, product uint16) (ImgDriver, uint32, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	for _, drv := range registry {
		for _, id := range drv.Info().IDTable {
			if id.Vendor == vendor && id.Product == product {
				return drv, id.DriverData, true
			}
		}
	}
	return nil, 0, false
}
