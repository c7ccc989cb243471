package usb

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sandeepvignesh/libfprint/internal/reactor"
)

func startLoop(t *testing.T) *reactor.Loop {
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
	return loop
}

func TestControlSetupRoundTrip(t *testing.T) {
	tr := NewControl(CtrlOut, 0x0c, 0, 0x15, []byte{0x20}, 0, time.Second, nil)

	require.Len(t, tr.Buffer, SetupSize+1)
	s := tr.Setup()
	assert.Equal(t, uint8(CtrlOut), s.RequestType)
	assert.Equal(t, uint8(0x0c), s.Request)
	assert.Equal(t, uint16(0), s.Value)
	assert.Equal(t, uint16(0x15), s.Index)
	assert.Equal(t, uint16(1), s.Length)
	assert.Equal(t, byte(0x20), tr.Buffer[SetupSize])
	assert.Equal(t, Flags(FlagShortNotOK), tr.Flags)
}

func TestControlInReservesDataStage(t *testing.T) {
	tr := NewControl(CtrlIn, 0x04, 0x2010, 0, nil, 16, 5*time.Second, nil)

	require.Len(t, tr.Buffer, SetupSize+16)
	s := tr.Setup()
	assert.Equal(t, uint16(16), s.Length)
	assert.Equal(t, uint16(0x2010), s.Value)
	assert.Equal(t, 16, tr.RequestedLength())
}

func TestCheckComplete(t *testing.T) {
	tr := NewControl(CtrlIn, 0x04, 0x07, 0, nil, 1, time.Second, nil)

	tr.Status = StatusCompleted
	tr.Actual = 1
	assert.NoError(t, tr.CheckComplete())

	tr.Actual = 0
	assert.Error(t, tr.CheckComplete(), "short read must be a protocol error")

	tr.Status = StatusError
	tr.Actual = 1
	assert.Error(t, tr.CheckComplete())
}

func TestMockControlDispatch(t *testing.T) {
	loop := startLoop(t)
	dev := NewMockDevice(loop)

	var seen Setup
	dev.ControlFn = func(s Setup, out []byte) ControlResult {
		seen = s
		return ControlResult{Status: StatusCompleted, Data: []byte{0xab}}
	}

	done := make(chan *Transfer, 1)
	tr := NewControl(CtrlIn, 0x0c, 0, 0x07, nil, 8, time.Second, func(t *Transfer) {
		done <- t
	})
	require.NoError(t, dev.Submit(tr))

	select {
	case got := <-done:
		assert.Equal(t, StatusCompleted, got.Status)
		assert.Equal(t, byte(0xab), got.Data()[0])
	case <-time.After(2 * time.Second):
		t.Fatal("no completion")
	}
	assert.Equal(t, uint16(0x07), seen.Index)
}

func TestMockBulkPushAndCancel(t *testing.T) {
	loop := startLoop(t)
	dev := NewMockDevice(loop)

	done := make(chan *Transfer, 2)
	cb := func(t *Transfer) { done <- t }

	t1 := NewBulk(0x81, 64, 0, cb)
	t2 := NewBulk(0x81, 64, 0, cb)
	require.NoError(t, dev.Submit(t1))
	require.NoError(t, dev.Submit(t2))
	assert.Equal(t, 2, dev.Pending(0x81))

	dev.Push(0x81, []byte{1, 2, 3})
	select {
	case got := <-done:
		assert.Same(t, t1, got, "completions must follow submission order")
		assert.Equal(t, StatusCompleted, got.Status)
		assert.Equal(t, []byte{1, 2, 3}, got.Data())
	case <-time.After(2 * time.Second):
		t.Fatal("no completion")
	}

	require.NoError(t, dev.Cancel(t2))
	select {
	case got := <-done:
		assert.Same(t, t2, got)
		assert.Equal(t, StatusCancelled, got.Status)
	case <-time.After(2 * time.Second):
		t.Fatal("no cancel completion")
	}
	assert.Equal(t, 0, dev.Pending(0x81))
}

func TestMockQueuedPushCompletesNextSubmit(t *testing.T) {
	loop := startLoop(t)
	dev := NewMockDevice(loop)

	dev.Push(0x83, []byte{0xde, 0xad})

	done := make(chan *Transfer, 1)
	tr := NewInterrupt(0x83, 4, 0, func(t *Transfer) { done <- t })
	require.NoError(t, dev.Submit(tr))

	select {
	case got := <-done:
		assert.Equal(t, StatusCompleted, got.Status)
		assert.Equal(t, 2, got.Actual)
	case <-time.After(2 * time.Second):
		t.Fatal("queued push not delivered")
	}
}

func TestParseDescriptors(t *testing.T) {
	raw := []byte{
		// device descriptor
		18, 0x01, 0x00, 0x02, 0, 0, 0, 64,
		0x5e, 0x04, // vendor 0x045e
		0xbd, 0x00, // product 0x00bd
		0x00, 0x01, 0, 0, 0, 1,
		// config descriptor
		9, 0x02, 32, 0, 1, 1, 0, 0x80, 50,
		// interface descriptor: class ff/ff/ff
		9, 0x04, 0, 0, 2, 0xff, 0xff, 0xff, 0,
		// endpoint 0x81 interrupt
		7, 0x05, 0x81, 0x03, 64, 0, 1,
		// endpoint 0x82 bulk
		7, 0x05, 0x82, 0x02, 64, 0, 0,
	}

	dev, configs, err := parseDescriptors(raw)
	require.NoError(t, err)
	assert.Equal(t, uint16(0x045e), dev.VendorID)
	assert.Equal(t, uint16(0x00bd), dev.ProductID)
	require.Len(t, configs, 1)
	require.Len(t, configs[0].Interfaces, 1)

	intf := configs[0].Interfaces[0]
	assert.Equal(t, uint8(0xff), intf.Class)
	require.Len(t, intf.Endpoints, 2)
	assert.Equal(t, uint8(0x81), intf.Endpoints[0].Address)
	assert.Equal(t, uint8(EndpointTransferInterrupt), intf.Endpoints[0].TransferType())
	assert.Equal(t, uint8(0x82), intf.Endpoints[1].Address)
	assert.Equal(t, uint8(EndpointTransferBulk), intf.Endpoints[1].TransferType())
}

func TestParseDescriptorsSkipsAltSettings(t *testing.T) {
	raw := []byte{
		18, 0x01, 0x00, 0x02, 0, 0, 0, 64,
		0x7e, 0x14, 0x16, 0x20, 0x00, 0x01, 0, 0, 0, 1,
		9, 0x02, 41, 0, 1, 1, 0, 0x80, 50,
		// alt 0 with one endpoint
		9, 0x04, 0, 0, 1, 0xff, 0x00, 0x00, 0,
		7, 0x05, 0x81, 0x02, 64, 0, 0,
		// alt 1 endpoint must not leak into alt 0
		9, 0x04, 0, 1, 1, 0xff, 0x00, 0x00, 0,
		7, 0x05, 0x83, 0x03, 4, 0, 1,
	}

	_, configs, err := parseDescriptors(raw)
	require.NoError(t, err)
	require.Len(t, configs[0].Interfaces, 1)
	assert.Len(t, configs[0].Interfaces[0].Endpoints, 1)
}
