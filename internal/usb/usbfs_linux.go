//go:build linux

package usb

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"unsafe"

	"github.com/sandeepvignesh/libfprint/internal/logging"
	"github.com/sandeepvignesh/libfprint/internal/reactor"
)

// usbfs ioctl numbers.
const (
	usbdevfsSetConfiguration = 0x80045505
	usbdevfsClaimInterface   = 0x8004550f
	usbdevfsReleaseInterface = 0x80045510
	usbdevfsSubmitURB        = 0x8038550a
	usbdevfsDiscardURB       = 0x0000550b
	usbdevfsReapURBNDelay    = 0x4008550d
)

// usbfs URB types.
const (
	urbTypeInterrupt = 1
	urbTypeControl   = 2
	urbTypeBulk      = 3
)

// usbfs URB flags.
const (
	urbFlagShortNotOK = 0x01
)

// urb mirrors struct usbdevfs_urb on 64-bit kernels.
type urb struct {
	Type            uint8
	Endpoint        uint8
	_               [2]byte
	Status          int32
	Flags           uint32
	_               [4]byte
	Buffer          unsafe.Pointer
	BufferLength    int32
	ActualLength    int32
	StartFrame      int32
	NumberOfPackets int32
	ErrorCount      int32
	SignalNumber    uint32
	UserContext     uintptr
}

// flight tracks one in-flight URB and its transfer.
type flight struct {
	transfer *Transfer
	u        *urb
	timeout  *reactor.Timeout
	timedOut bool
}

// Dev is a usbfs-backed Device. Completions are reaped by a poller
// goroutine and posted onto the reactor loop.
type Dev struct {
	fd   int
	loop *reactor.Loop
	log  *logging.Logger

	desc    *DeviceDescriptor
	configs []ConfigDescriptor

	mu       sync.Mutex
	inflight map[uintptr]*flight
	closed   bool

	waiter completionWaiter
	reapWG sync.WaitGroup
}

// Open opens the usbfs node at path and starts its completion poller.
// Completions are delivered on loop.
func Open(path string, loop *reactor.Loop) (*Dev, error) {
	fd, err := syscall.Open(path, syscall.O_RDWR|syscall.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("usb: open %s: %w", path, err)
	}

	raw := make([]byte, 4096)
	n, err := syscall.Read(fd, raw)
	if err != nil {
		syscall.Close(fd)
		return nil, fmt.Errorf("usb: read descriptors: %w", err)
	}
	desc, configs, err := parseDescriptors(raw[:n])
	if err != nil {
		syscall.Close(fd)
		return nil, err
	}

	waiter, err := newCompletionWaiter(fd)
	if err != nil {
		syscall.Close(fd)
		return nil, err
	}

	d := &Dev{
		fd:       fd,
		loop:     loop,
		log:      logging.ForComponent("usbfs"),
		desc:     desc,
		configs:  configs,
		inflight: make(map[uintptr]*flight),
		waiter:   waiter,
	}
	d.reapWG.Add(1)
	go d.reapLoop()
	return d, nil
}

// Descriptor returns the device descriptor read at open.
func (d *Dev) Descriptor() *DeviceDescriptor { return d.desc }

// ActiveConfig returns the first configuration descriptor.
func (d *Dev) ActiveConfig() (*ConfigDescriptor, error) {
	if len(d.configs) == 0 {
		return nil, syscall.ENODEV
	}
	return &d.configs[0], nil
}

func (d *Dev) ioctl(req uintptr, arg unsafe.Pointer) error {
	_, _, errno := syscall.Syscall(syscall.SYS_IOCTL, uintptr(d.fd), req, uintptr(arg))
	if errno != 0 {
		return errno
	}
	return nil
}

// SetConfiguration selects a device configuration.
func (d *Dev) SetConfiguration(cfg int) error {
	n := uint32(cfg)
	return d.ioctl(usbdevfsSetConfiguration, unsafe.Pointer(&n))
}

// ClaimInterface claims an interface for this fd.
func (d *Dev) ClaimInterface(intf int) error {
	n := uint32(intf)
	return d.ioctl(usbdevfsClaimInterface, unsafe.Pointer(&n))
}

// ReleaseInterface releases a claimed interface.
func (d *Dev) ReleaseInterface(intf int) error {
	n := uint32(intf)
	return d.ioctl(usbdevfsReleaseInterface, unsafe.Pointer(&n))
}

// Submit queues t to the kernel. On success the transfer's callback will
// fire exactly once from the reactor loop.
func (d *Dev) Submit(t *Transfer) error {
	u := &urb{}
	switch t.Type {
	case TypeControl:
		u.Type = urbTypeControl
	case TypeBulk:
		u.Type = urbTypeBulk
		u.Endpoint = t.Endpoint
	case TypeInterrupt:
		u.Type = urbTypeInterrupt
		u.Endpoint = t.Endpoint
	}
	if len(t.Buffer) > 0 {
		u.Buffer = unsafe.Pointer(&t.Buffer[0])
	}
	u.BufferLength = int32(len(t.Buffer))
	if t.Flags&FlagShortNotOK != 0 {
		u.Flags |= urbFlagShortNotOK
	}

	f := &flight{transfer: t, u: u}
	key := uintptr(unsafe.Pointer(u))
	u.UserContext = key

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return syscall.ENODEV
	}
	d.inflight[key] = f
	d.mu.Unlock()

	if err := d.ioctl(usbdevfsSubmitURB, unsafe.Pointer(u)); err != nil {
		d.mu.Lock()
		delete(d.inflight, key)
		d.mu.Unlock()
		return err
	}

	// usbfs has no URB timeout; bounded transfers get a reactor watchdog
	// that cancels the URB, mirroring how libusb implements timeouts.
	if t.Timeout > 0 {
		f.timeout = d.loop.AddTimeout(t.Timeout, func() {
			d.mu.Lock()
			_, live := d.inflight[key]
			if live {
				f.timedOut = true
			}
			d.mu.Unlock()
			if live {
				d.discard(u)
			}
		})
	}
	return nil
}

// Cancel requests cancellation of an in-flight transfer. The completion
// callback still runs, with StatusCancelled if the cancel won.
func (d *Dev) Cancel(t *Transfer) error {
	d.mu.Lock()
	var u *urb
	for _, f := range d.inflight {
		if f.transfer == t {
			u = f.u
			break
		}
	}
	d.mu.Unlock()
	if u == nil {
		return syscall.ENOENT
	}
	return d.discard(u)
}

func (d *Dev) discard(u *urb) error {
	return d.ioctl(usbdevfsDiscardURB, unsafe.Pointer(u))
}

// reapLoop waits for URB completion readiness and reaps until the fd
// dies. Each reaped URB's transfer callback is posted to the loop.
func (d *Dev) reapLoop() {
	defer d.reapWG.Done()
	for {
		if err := d.waiter.wait(); err != nil {
			d.mu.Lock()
			closed := d.closed
			d.mu.Unlock()
			if !closed {
				d.log.Warn("completion wait failed", "err", err)
			}
			return
		}
		for {
			var up uintptr
			_, _, errno := syscall.Syscall(syscall.SYS_IOCTL, uintptr(d.fd),
				usbdevfsReapURBNDelay, uintptr(unsafe.Pointer(&up)))
			if errno == syscall.EAGAIN {
				break
			}
			if errno != 0 {
				return
			}
			d.finish(up)
		}
	}
}

func (d *Dev) finish(key uintptr) {
	d.mu.Lock()
	f, ok := d.inflight[key]
	delete(d.inflight, key)
	d.mu.Unlock()
	if !ok {
		d.log.Warn("reaped unknown urb")
		return
	}

	t := f.transfer
	t.Actual = int(f.u.ActualLength)
	t.Status = translateURBStatus(f.u.Status, f.timedOut)
	timeout := f.timeout

	d.loop.Post(func() {
		if timeout != nil {
			timeout.Cancel()
		}
		t.Callback(t)
	})
}

func translateURBStatus(status int32, timedOut bool) Status {
	switch -status {
	case 0:
		return StatusCompleted
	case int32(syscall.ENOENT), int32(syscall.ECONNRESET):
		if timedOut {
			return StatusTimedOut
		}
		return StatusCancelled
	case int32(syscall.EPIPE):
		return StatusStall
	case int32(syscall.ENODEV), int32(syscall.ESHUTDOWN):
		return StatusNoDevice
	case int32(syscall.EOVERFLOW):
		return StatusOverflow
	default:
		return StatusError
	}
}

// Close tears down the poller and then the fd. Transfers still in flight
// at that point are not reaped and their callbacks do not run; callers
// stop their loops first.
func (d *Dev) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	d.mu.Unlock()

	d.waiter.close()
	d.reapWG.Wait()
	return syscall.Close(d.fd)
}

// DeviceInfo identifies an attached USB device by usbfs path.
type DeviceInfo struct {
	Path      string
	VendorID  uint16
	ProductID uint16
}

// Enumerate lists the devices under /dev/bus/usb. Nodes that cannot be
// opened or parsed are skipped.
func Enumerate() ([]DeviceInfo, error) {
	buses, err := filepath.Glob("/dev/bus/usb/*/*")
	if err != nil {
		return nil, err
	}
	var out []DeviceInfo
	for _, path := range buses {
		info, err := readInfo(path)
		if err != nil {
			continue
		}
		out = append(out, info)
	}
	return out, nil
}

func readInfo(path string) (DeviceInfo, error) {
	f, err := os.Open(path)
	if err != nil {
		return DeviceInfo{}, err
	}
	defer f.Close()
	raw := make([]byte, 18)
	n, err := f.Read(raw)
	if err != nil {
		return DeviceInfo{}, err
	}
	desc, _, err := parseDescriptors(raw[:n])
	if err != nil {
		return DeviceInfo{}, err
	}
	return DeviceInfo{
		Path:      path,
		VendorID:  desc.VendorID,
		ProductID: desc.ProductID,
	}, nil
}

// completionWaiter blocks until the usbfs fd has completed URBs ready to
// reap. The default implementation uses epoll; an io_uring variant is
// selected by the giouring build tag.
type completionWaiter interface {
	wait() error
	close() error
}
