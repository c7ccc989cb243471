package usb

import (
	"sync"
	"syscall"

	"github.com/sandeepvignesh/libfprint/internal/reactor"
)

// ControlResult is a scripted outcome for a mock control transfer.
type ControlResult struct {
	Status Status
	Data   []byte // IN data stage; ignored for OUT requests
	Short  bool   // complete with a truncated data stage
}

// MockDevice is a scripted Device for driver tests, in the spirit of the
// stub runners used elsewhere in this codebase. Control transfers are
// answered by ControlFn; bulk and interrupt transfers park until the
// test pushes data or a status at their endpoint. All completions are
// posted to the reactor loop, never delivered from Submit.
type MockDevice struct {
	loop *reactor.Loop

	mu      sync.Mutex
	pending map[uint8][]*Transfer
	queued  map[uint8][]push

	// ControlFn answers control transfers. A nil ControlFn completes
	// every control transfer successfully with a zeroed data stage.
	ControlFn func(s Setup, out []byte) ControlResult

	// SubmitErr, when non-nil, can veto a submission.
	SubmitErr func(t *Transfer) error

	Config *ConfigDescriptor

	Claimed    []int
	Released   []int
	Configured []int
	CloseCalls int
}

type push struct {
	status Status
	data   []byte
}

// NewMockDevice creates a mock delivering completions on loop.
func NewMockDevice(loop *reactor.Loop) *MockDevice {
	return &MockDevice{
		loop:    loop,
		pending: make(map[uint8][]*Transfer),
		queued:  make(map[uint8][]push),
	}
}

func (d *MockDevice) complete(t *Transfer, status Status, actual int) {
	t.Status = status
	t.Actual = actual
	d.loop.Post(func() { t.Callback(t) })
}

// Submit implements Device.
func (d *MockDevice) Submit(t *Transfer) error {
	if d.SubmitErr != nil {
		if err := d.SubmitErr(t); err != nil {
			return err
		}
	}

	if t.Type == TypeControl {
		setup := t.Setup()
		var out []byte
		if setup.RequestType&EndpointIn == 0 {
			out = append([]byte(nil), t.Buffer[SetupSize:]...)
		}
		res := ControlResult{Status: StatusCompleted}
		if d.ControlFn != nil {
			res = d.ControlFn(setup, out)
		}
		actual := int(setup.Length)
		if setup.RequestType&EndpointIn != 0 {
			n := copy(t.Buffer[SetupSize:], res.Data)
			if res.Data != nil {
				actual = n
			}
		}
		if res.Short && actual > 0 {
			actual--
		}
		if res.Status != StatusCompleted {
			actual = 0
		}
		d.complete(t, res.Status, actual)
		return nil
	}

	d.mu.Lock()
	if q := d.queued[t.Endpoint]; len(q) > 0 {
		p := q[0]
		d.queued[t.Endpoint] = q[1:]
		d.mu.Unlock()
		d.complete(t, p.status, copy(t.Buffer, p.data))
		return nil
	}
	d.pending[t.Endpoint] = append(d.pending[t.Endpoint], t)
	d.mu.Unlock()
	return nil
}

// Push completes the oldest pending transfer on endpoint ep with data,
// or queues the completion for the next submission.
func (d *MockDevice) Push(ep uint8, data []byte) {
	d.PushStatus(ep, StatusCompleted, data)
}

// PushStatus is Push with an explicit completion status.
func (d *MockDevice) PushStatus(ep uint8, status Status, data []byte) {
	d.mu.Lock()
	if p := d.pending[ep]; len(p) > 0 {
		t := p[0]
		d.pending[ep] = p[1:]
		d.mu.Unlock()
		d.complete(t, status, copy(t.Buffer, data))
		return
	}
	d.queued[ep] = append(d.queued[ep], push{status: status, data: data})
	d.mu.Unlock()
}

// Pending returns the number of parked transfers on ep.
func (d *MockDevice) Pending(ep uint8) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending[ep])
}

// Cancel implements Device: a parked transfer completes with
// StatusCancelled.
func (d *MockDevice) Cancel(t *Transfer) error {
	d.mu.Lock()
	for ep, list := range d.pending {
		for i, p := range list {
			if p == t {
				d.pending[ep] = append(list[:i:i], list[i+1:]...)
				d.mu.Unlock()
				d.complete(t, StatusCancelled, 0)
				return nil
			}
		}
	}
	d.mu.Unlock()
	return syscall.ENOENT
}

// SetConfiguration implements Device.
func (d *MockDevice) SetConfiguration(cfg int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.Configured = append(d.Configured, cfg)
	return nil
}

// ClaimInterface implements Device.
func (d *MockDevice) ClaimInterface(intf int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.Claimed = append(d.Claimed, intf)
	return nil
}

// ReleaseInterface implements Device.
func (d *MockDevice) ReleaseInterface(intf int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.Released = append(d.Released, intf)
	return nil
}

// ActiveConfig implements Device.
func (d *MockDevice) ActiveConfig() (*ConfigDescriptor, error) {
	if d.Config == nil {
		return nil, syscall.ENODEV
	}
	return d.Config, nil
}

// Close implements Device.
func (d *MockDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.CloseCalls++
	return nil
}
