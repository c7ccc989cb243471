package fprint

import (
	"sync/atomic"
)

// Metrics tracks per-device session statistics. All counters are safe
// from any goroutine; the drivers bump them from reactor callbacks.
type Metrics struct {
	// Transfer accounting
	TransfersSubmitted atomic.Uint64
	TransfersCompleted atomic.Uint64
	TransfersCancelled atomic.Uint64
	TransferErrors     atomic.Uint64

	// Interrupt events decoded by the listener
	IrqsSeen atomic.Uint64

	// Swipe capture accounting
	RowsAssembled atomic.Uint64
	RowsDeduped   atomic.Uint64
	BlankRows     atomic.Uint64

	// Session results
	ImagesCaptured atomic.Uint64
	SessionErrors  atomic.Uint64
}

// Snapshot is a point-in-time copy of the counters.
type Snapshot struct {
	TransfersSubmitted uint64
	TransfersCompleted uint64
	TransfersCancelled uint64
	TransferErrors     uint64
	IrqsSeen           uint64
	RowsAssembled      uint64
	RowsDeduped        uint64
	BlankRows          uint64
	ImagesCaptured     uint64
	SessionErrors      uint64
}

// Snapshot returns a consistent-enough copy for reporting.
func (m *Metrics) Snapshot() Snapshot {
	return Snapshot{
		TransfersSubmitted: m.TransfersSubmitted.Load(),
		TransfersCompleted: m.TransfersCompleted.Load(),
		TransfersCancelled: m.TransfersCancelled.Load(),
		TransferErrors:     m.TransferErrors.Load(),
		IrqsSeen:           m.IrqsSeen.Load(),
		RowsAssembled:      m.RowsAssembled.Load(),
		RowsDeduped:        m.RowsDeduped.Load(),
		BlankRows:          m.BlankRows.Load(),
		ImagesCaptured:     m.ImagesCaptured.Load(),
		SessionErrors:      m.SessionErrors.Load(),
	}
}

// Reset zeroes all counters.
func (m *Metrics) Reset() {
	m.TransfersSubmitted.Store(0)
	m.TransfersCompleted.Store(0)
	m.TransfersCancelled.Store(0)
	m.TransferErrors.Store(0)
	m.IrqsSeen.Store(0)
	m.RowsAssembled.Store(0)
	m.RowsDeduped.Store(0)
	m.BlankRows.Store(0)
	m.ImagesCaptured.Store(0)
	m.SessionErrors.Store(0)
}
