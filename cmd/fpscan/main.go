// Command fpscan enumerates supported fingerprint readers, activates
// the first one found and writes its next capture to a PGM file.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	fprint "github.com/sandeepvignesh/libfprint"
	_ "github.com/sandeepvignesh/libfprint/drivers/upeksonly"
	_ "github.com/sandeepvignesh/libfprint/drivers/uru4000"
	"github.com/sandeepvignesh/libfprint/internal/logging"
	"github.com/sandeepvignesh/libfprint/internal/reactor"
	"github.com/sandeepvignesh/libfprint/internal/usb"
)

func main() {
	var (
		out     = flag.String("out", "finger.pgm", "Output image path")
		list    = flag.Bool("list", false, "List supported attached devices and exit")
		verbose = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	logConfig := logging.DefaultConfig()
	if *verbose {
		logConfig.Level = logging.LevelDebug
	}
	logging.SetDefault(logging.NewLogger(logConfig))
	logger := logging.Default()

	infos, err := usb.Enumerate()
	if err != nil {
		logger.Error("device enumeration failed", "err", err)
		os.Exit(1)
	}

	var (
		match      usb.DeviceInfo
		drv        fprint.ImgDriver
		driverData uint32
		found      bool
	)
	for _, info := range infos {
		d, data, ok := fprint.Match(info.VendorID, info.ProductID)
		if !ok {
			continue
		}
		if *list {
			fmt.Printf("%04x:%04x  %s (%s)\n", info.VendorID, info.ProductID,
				d.Info().FullName, info.Path)
			continue
		}
		match, drv, driverData, found = info, d, data, true
		break
	}
	if *list {
		return
	}
	if !found {
		logger.Error("no supported fingerprint reader attached")
		os.Exit(1)
	}
	logger.Info("using device", "name", drv.Info().FullName, "path", match.Path)

	loop := reactor.New()
	udev, err := usb.Open(match.Path, loop)
	if err != nil {
		logger.Error("open failed", "err", err)
		os.Exit(1)
	}
	defer udev.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	handler := &scanHandler{
		logger: logger,
		out:    *out,
		done:   cancel,
	}
	dev := fprint.NewImgDevice(drv, udev, loop, handler, driverData)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return loop.Run(gctx)
	})
	g.Go(func() error {
		select {
		case <-sig:
			logger.Info("interrupted, deactivating")
			loop.Post(func() { dev.Deactivate() })
			cancel()
		case <-gctx.Done():
		}
		return nil
	})

	loop.Post(func() {
		if err := dev.Open(); err != nil {
			logger.Error("driver open failed", "err", err)
			cancel()
		}
	})

	if err := g.Wait(); err != nil {
		logger.Error("loop failed", "err", err)
		os.Exit(1)
	}
	if !handler.captured {
		os.Exit(1)
	}
}

// scanHandler drives a single open→activate→capture→deactivate pass.
type scanHandler struct {
	logger   *logging.Logger
	out      string
	done     func()
	captured bool
}

func (h *scanHandler) OpenComplete(dev *fprint.ImgDevice, err error) {
	if err != nil {
		h.logger.Error("open failed", "err", err)
		h.done()
		return
	}
	if err := dev.Activate(fprint.StateCapture); err != nil {
		h.logger.Error("activate failed", "err", err)
		h.done()
	}
}

func (h *scanHandler) ActivateComplete(dev *fprint.ImgDevice, err error) {
	if err != nil {
		h.logger.Error("activation failed", "err", err)
		h.done()
		return
	}
	h.logger.Info("device active, swipe or press a finger")
}

func (h *scanHandler) ImageCaptured(dev *fprint.ImgDevice, img *fprint.Image) {
	h.logger.Info("captured image", "width", img.Width, "height", img.Height)
	if err := writePGM(h.out, img); err != nil {
		h.logger.Error("image write failed", "err", err)
	} else {
		h.logger.Info("image written", "path", h.out)
		h.captured = true
	}
	dev.Deactivate()
}

func (h *scanHandler) FingerStatus(dev *fprint.ImgDevice, present bool) {
	h.logger.Debug("finger status", "present", present)
}

func (h *scanHandler) SessionError(dev *fprint.ImgDevice, err error) {
	h.logger.Error("session error", "err", err)
	dev.Deactivate()
}

func (h *scanHandler) DeactivateComplete(dev *fprint.ImgDevice) {
	dev.Close()
}

func (h *scanHandler) CloseComplete(dev *fprint.ImgDevice) {
	h.done()
}

func writePGM(path string, img *fprint.Image) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := fmt.Fprintf(f, "P5\n%d %d\n255\n", img.Width, img.Height); err != nil {
		return err
	}
	_, err = f.Write(img.Data)
	return err
}
