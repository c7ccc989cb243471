package fprint

import (
	"sync"
	"testing"
)

func TestMetricsSnapshot(t *testing.T) {
	m := &Metrics{}
	m.TransfersSubmitted.Add(24)
	m.TransfersCompleted.Add(20)
	m.TransfersCancelled.Add(4)
	m.RowsAssembled.Add(600)
	m.RowsDeduped.Add(37)
	m.ImagesCaptured.Add(1)

	s := m.Snapshot()
	if s.TransfersSubmitted != 24 {
		t.Errorf("TransfersSubmitted = %d, want 24", s.TransfersSubmitted)
	}
	if s.TransfersCompleted != 20 {
		t.Errorf("TransfersCompleted = %d, want 20", s.TransfersCompleted)
	}
	if s.TransfersCancelled != 4 {
		t.Errorf("TransfersCancelled = %d, want 4", s.TransfersCancelled)
	}
	if s.RowsAssembled != 600 || s.RowsDeduped != 37 {
		t.Errorf("rows = %d/%d, want 600/37", s.RowsAssembled, s.RowsDeduped)
	}
	if s.ImagesCaptured != 1 {
		t.Errorf("ImagesCaptured = %d, want 1", s.ImagesCaptured)
	}
}

func TestMetricsReset(t *testing.T) {
	m := &Metrics{}
	m.IrqsSeen.Add(7)
	m.SessionErrors.Add(2)
	m.Reset()

	s := m.Snapshot()
	if s.IrqsSeen != 0 || s.SessionErrors != 0 {
		t.Errorf("reset left counters: %+v", s)
	}
}

func TestMetricsConcurrentUpdates(t *testing.T) {
	m := &Metrics{}
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 1000; j++ {
				m.TransfersSubmitted.Add(1)
			}
		}()
	}
	wg.Wait()

	if got := m.TransfersSubmitted.Load(); got != 8000 {
		t.Errorf("TransfersSubmitted = %d, want 8000", got)
	}
}
