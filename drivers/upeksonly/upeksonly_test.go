package upeksonly

import (
	"context"
	"sync"
	"testing"
	"time"

	fprint "github.com/sandeepvignesh/libfprint"
	"github.com/sandeepvignesh/libfprint/internal/reactor"
	"github.com/sandeepvignesh/libfprint/internal/usb"
)

// sessionEnv runs the full driver against a register-echoing mock.
type sessionEnv struct {
	t       *testing.T
	loop    *reactor.Loop
	mock    *usb.MockDevice
	handler *fprint.MockHandler
	dev     *fprint.ImgDevice

	mu     sync.Mutex
	regs   map[uint16]byte
	writes []regWrite
}

type regWrite struct {
	reg uint16
	val byte
}

func newSessionEnv(t *testing.T) *sessionEnv {
	t.Helper()
	loop := reactor.New()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		loop.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	e := &sessionEnv{
		t:       t,
		loop:    loop,
		mock:    usb.NewMockDevice(loop),
		handler: fprint.NewMockHandler(),
		regs:    make(map[uint16]byte),
	}
	e.mock.ControlFn = func(s usb.Setup, out []byte) usb.ControlResult {
		e.mu.Lock()
		defer e.mu.Unlock()
		reg := s.Index // swipe scheme: register rides in wIndex
		if s.RequestType&usb.EndpointIn == 0 {
			e.regs[reg] = out[0]
			e.writes = append(e.writes, regWrite{reg, out[0]})
			return usb.ControlResult{Status: usb.StatusCompleted}
		}
		data := make([]byte, s.Length)
		data[0] = e.regs[reg]
		return usb.ControlResult{Status: usb.StatusCompleted, Data: data}
	}
	return e
}

func (e *sessionEnv) open() {
	e.t.Helper()
	e.dev = fprint.NewImgDevice(&Driver{}, e.mock, e.loop, e.handler, 0)
	errc := make(chan error, 1)
	e.loop.Post(func() { errc <- e.dev.Open() })
	if err := <-errc; err != nil {
		e.t.Fatalf("open failed: %v", err)
	}
	waitFor(e.t, e.handler, "open")
}

func (e *sessionEnv) activate() {
	e.t.Helper()
	errc := make(chan error, 1)
	e.loop.Post(func() { errc <- e.dev.Activate(fprint.StateAwaitFingerOn) })
	if err := <-errc; err != nil {
		e.t.Fatalf("activate failed synchronously: %v", err)
	}
	ev := waitFor(e.t, e.handler, "activate")
	if ev.Err != nil {
		e.t.Fatalf("activation failed: %v", ev.Err)
	}
}

// waitPending polls until endpoint ep has n parked transfers.
func (e *sessionEnv) waitPending(ep uint8, n int) {
	e.t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if e.mock.Pending(ep) == n {
			return
		}
		time.Sleep(time.Millisecond)
	}
	e.t.Fatalf("endpoint %02x never reached %d pending (now %d)", ep, n, e.mock.Pending(ep))
}

func (e *sessionEnv) tailWrites(n int) []regWrite {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.writes) < n {
		n = len(e.writes)
	}
	return append([]regWrite(nil), e.writes[len(e.writes)-n:]...)
}

// buildStream renders rows into sequenced 64-byte packets grouped into
// 4096-byte bulk buffers.
func buildStream(rows [][]byte) [][]byte {
	var stream []byte
	for _, r := range rows {
		stream = append(stream, r...)
	}

	var packets [][]byte
	for i := 0; i*packetDataSize < len(stream); i++ {
		pkt := make([]byte, packetSize)
		seq := i % (seqnumMax + 1)
		pkt[0] = byte(seq >> 8)
		pkt[1] = byte(seq)
		copy(pkt[2:], stream[i*packetDataSize:])
		packets = append(packets, pkt)
	}

	var buffers [][]byte
	for len(packets) > 0 {
		buf := make([]byte, 0, bulkTransferSize)
		for i := 0; i < bulkTransferSize/packetSize; i++ {
			if len(packets) > 0 {
				buf = append(buf, packets[0]...)
				packets = packets[1:]
			} else {
				buf = append(buf, make([]byte, packetSize)...)
			}
		}
		buffers = append(buffers, buf)
	}
	return buffers
}

func TestOpenSetsConfigurationAndClaims(t *testing.T) {
	e := newSessionEnv(t)
	e.open()

	if len(e.mock.Configured) != 1 || e.mock.Configured[0] != 1 {
		t.Errorf("configurations %v, want [1]", e.mock.Configured)
	}
	if len(e.mock.Claimed) != 1 || e.mock.Claimed[0] != 0 {
		t.Errorf("claimed %v, want [0]", e.mock.Claimed)
	}
}

// Full swipe session: init, await finger, capture a stream until the
// blank rows say the finger left, hand the image off, return to the
// finger wait.
func TestFullCapture(t *testing.T) {
	e := newSessionEnv(t)
	e.open()
	e.activate()

	// loop reaches the finger wait
	e.waitPending(epIntr, 1)
	e.mock.Push(epIntr, []byte{0x01, 0x00, 0x00, 0x00})
	if ev := waitFor(t, e.handler, "finger"); !ev.Finger {
		t.Fatal("expected finger-on report")
	}

	// capture machine launches the whole pool
	e.waitPending(epBulkData, numBulkTransfers)

	// three distinct rows, then enough blank rows to trip removal
	rows := [][]byte{
		fill(imgWidth, 10),
		fill(imgWidth, 40),
		fill(imgWidth, 80),
	}
	for i := 0; i < 1200; i++ {
		rows = append(rows, fill(imgWidth, 200))
	}

	buffers := buildStream(rows)
	stop := make(chan struct{})
	go func() {
		for _, buf := range buffers {
			select {
			case <-stop:
				return
			default:
			}
			for e.mock.Pending(epBulkData) == 0 {
				select {
				case <-stop:
					return
				case <-time.After(time.Millisecond):
				}
			}
			e.mock.Push(epBulkData, buf)
		}
	}()

	ev := waitFor(t, e.handler, "image")
	close(stop)

	img := ev.Img
	if img.Width != imgWidth {
		t.Errorf("image width %d, want %d", img.Width, imgWidth)
	}
	if img.Height < 2 {
		t.Errorf("image height %d, want at least the distinct rows", img.Height)
	}
	if len(img.Data) != img.Width*img.Height {
		t.Errorf("image size %d != %d*%d", len(img.Data), img.Width, img.Height)
	}
	// Each emitted row is dominated by one swiped value. The row-start
	// compensation leaves up to two unwritten bytes per row, so allow
	// that many outliers.
	rowValue := func(r int) byte {
		row := img.Data[r*imgWidth : (r+1)*imgWidth]
		counts := make(map[byte]int)
		for _, b := range row {
			counts[b]++
		}
		var best byte
		for v, n := range counts {
			if n > counts[best] {
				best = v
			}
		}
		if counts[best] < imgWidth-2 {
			t.Fatalf("row %d is not near-uniform: %d/%d bytes of %d", r, counts[best], imgWidth, best)
		}
		return best
	}
	if v := rowValue(0); v != 10 {
		t.Errorf("first emitted row value %d, want 10", v)
	}
	for r := 0; r < img.Height; r++ {
		v := rowValue(r)
		if v != 10 && v != 40 && v != 80 && v != 200 {
			t.Fatalf("row %d has unexpected value %d", r, v)
		}
	}

	if ev := waitFor(t, e.handler, "finger"); ev.Finger {
		t.Error("expected finger-off report after handoff")
	}

	// the loop returns to the finger wait
	e.waitPending(epIntr, 1)

	// and tears down cleanly
	e.loop.Post(func() { e.dev.Deactivate() })
	waitFor(t, e.handler, "deactivate")
}

// Deactivation during capture unwinds all flying transfers through the
// kill discipline, runs deinit and completes.
func TestDeactivateDuringCapture(t *testing.T) {
	e := newSessionEnv(t)
	e.open()
	e.activate()

	e.waitPending(epIntr, 1)
	e.mock.Push(epIntr, []byte{0x01, 0x00, 0x00, 0x00})
	waitFor(t, e.handler, "finger")
	e.waitPending(epBulkData, numBulkTransfers)

	e.loop.Post(func() { e.dev.Deactivate() })
	waitFor(t, e.handler, "deactivate")

	// deinit register burst ran after the teardown
	tail := e.tailWrites(4)
	want := []regWrite{{0x0b, 0x00}, {0x09, 0x20}, {0x13, 0x45}, {0x13, 0x45}}
	if len(tail) != 4 {
		t.Fatalf("tail writes %v", tail)
	}
	for i := range want {
		if tail[i] != want[i] {
			t.Fatalf("deinit writes %v, want %v", tail, want)
		}
	}

	// nothing left in flight
	state := make(chan int, 1)
	e.loop.Post(func() {
		s := e.dev.Priv
		if s == nil {
			state <- 0
			return
		}
		state <- s.(*sonlyDev).numFlying
	})
	if n := <-state; n != 0 {
		t.Errorf("numFlying = %d after deactivation", n)
	}

	for _, ev := range e.handler.Recorded() {
		if ev.Kind == "error" {
			t.Errorf("unexpected session error: %v", ev.Err)
		}
	}
}

// Deactivation while parked on the finger wait cancels the interrupt
// and completes without an error.
func TestDeactivateWhileAwaitingFinger(t *testing.T) {
	e := newSessionEnv(t)
	e.open()
	e.activate()

	e.waitPending(epIntr, 1)
	e.loop.Post(func() { e.dev.Deactivate() })
	waitFor(t, e.handler, "deactivate")

	for _, ev := range e.handler.Recorded() {
		if ev.Kind == "error" {
			t.Errorf("unexpected session error: %v", ev.Err)
		}
	}
}

// A bulk transfer failing mid-capture terminates the session with an
// error after the rest of the pool unwinds.
func TestBulkErrorTerminatesSession(t *testing.T) {
	e := newSessionEnv(t)
	e.open()
	e.activate()

	e.waitPending(epIntr, 1)
	e.mock.Push(epIntr, []byte{0x01, 0x00, 0x00, 0x00})
	waitFor(t, e.handler, "finger")
	e.waitPending(epBulkData, numBulkTransfers)

	e.mock.PushStatus(epBulkData, usb.StatusError, nil)

	ev := waitFor(t, e.handler, "error")
	if !fprint.IsCode(ev.Err, fprint.ErrCodeIO) {
		t.Errorf("expected IO error, got %v", ev.Err)
	}
}
