package uru4000

import (
	"syscall"
	"time"

	fprint "github.com/sandeepvignesh/libfprint"
	"github.com/sandeepvignesh/libfprint/internal/ssm"
)

// HWSTAT drives the whole init flow. What we know about its bits:
// bit 7 is low-power mode (firmware pokes need it set, imaging needs it
// clear), bit 2 means the device wedged itself, bit 1 is an IRQ pending
// and bit 0 is ready. Writing the register does not read back the way
// you would expect, so the machines below keep re-reading it.

// The encryption control byte location changes with device revision. We
// search the three bytes at each candidate address for the pattern
// "ff X7 41"; the X7 byte is the one to patch.
var fwencOffsets = []uint16{
	0x510, 0x62d, 0x792, 0x7f4,
}

const (
	rebootpwrPause  = 10 * time.Millisecond
	powerupPause    = 10 * time.Millisecond
	scanpwrDeadline = 300 * time.Millisecond
)

func (u *uruDev) smSetHwstat(m *ssm.Machine, value byte) {
	u.log.Debugf("set hwstat %02x", value)
	u.regs.SMWriteReg(m, regHwstat, value)
}

func (u *uruDev) smReadHwstat(m *ssm.Machine) {
	u.regs.SMReadReg(m, regHwstat, func(v byte) { u.lastRegRd = v })
}

// challenge/response: second generation MS devices challenge the
// authenticity of the driver. Read the 16-byte challenge, encrypt it
// with the fixed AES key, write the ciphertext back.
func (u *uruDev) smDoChallengeResponse(m *ssm.Machine) {
	u.regs.ReadRegs(regChallenge, crLength, func(err error, data []byte) {
		if err != nil {
			m.Abort(err)
			return
		}
		resp := make([]byte, crLength)
		u.aes.Encrypt(resp, data)
		u.regs.WriteRegs(regResponse, resp, func(err error) {
			if err != nil {
				m.Abort(err)
				return
			}
			m.Next()
		})
	})
}

// fwfixer locates the firmware encryption byte and clears its enable
// bit.

const (
	fwfixerInit = iota
	fwfixerReadNext
	fwfixerWrite
	fwfixerNumStates
)

func newFwfixerSM(u *uruDev) *ssm.Machine {
	return ssm.New("fwfixer", fwfixerNumStates, func(m *ssm.Machine) {
		switch m.State() {
		case fwfixerInit:
			u.fwfixerOffset = -1
			m.Next()

		case fwfixerReadNext:
			u.fwfixerOffset++
			if u.fwfixerOffset == len(fwencOffsets) {
				u.log.Error("could not find encryption byte")
				m.Abort(syscall.ENODEV)
				return
			}
			tryAddr := fwencOffsets[u.fwfixerOffset]
			u.log.Debugf("looking for encryption byte at %x", tryAddr)
			u.regs.ReadRegs(tryAddr, 3, func(err error, data []byte) {
				if err != nil {
					m.Abort(err)
					return
				}
				u.log.Debugf("data: %02x %02x %02x", data[0], data[1], data[2])
				if data[0] == 0xff && data[1]&0x0f == 0x07 && data[2] == 0x41 {
					u.log.Debugf("using offset %x", fwencOffsets[u.fwfixerOffset])
					u.fwfixerValue = data[1]
					m.JumpTo(fwfixerWrite)
				} else {
					m.JumpTo(fwfixerReadNext)
				}
			})

		case fwfixerWrite:
			encAddr := fwencOffsets[u.fwfixerOffset] + 1
			cur := u.fwfixerValue
			patched := cur & 0xef
			if patched == cur {
				u.log.Debug("encryption is already disabled")
				m.Next()
			} else {
				u.log.Debugf("fixing encryption byte at %x to %02x", encAddr, patched)
				u.regs.SMWriteReg(m, encAddr, patched)
			}
		}
	})
}

// rebootpwr recovers a wedged device (hwstat bits 2 and 7 both set):
// mask off the high hwstat bits, then poll until bit 0 comes up,
// pausing between reads. Fails after 100 tries.

const (
	rebootpwrSetHwstat = iota
	rebootpwrGetHwstat
	rebootpwrCheckHwstat
	rebootpwrPauseState
	rebootpwrNumStates
)

func newRebootpwrSM(u *uruDev) *ssm.Machine {
	return ssm.New("rebootpwr", rebootpwrNumStates, func(m *ssm.Machine) {
		switch m.State() {
		case rebootpwrSetHwstat:
			u.rebootCtr = 100
			u.smSetHwstat(m, u.lastHwstat&0xf)

		case rebootpwrGetHwstat:
			u.smReadHwstat(m)

		case rebootpwrCheckHwstat:
			u.lastHwstat = u.lastRegRd
			if u.lastHwstat&0x1 != 0 {
				m.Complete()
			} else {
				m.Next()
			}

		case rebootpwrPauseState:
			u.dev.Loop.AddTimeout(rebootpwrPause, func() {
				u.rebootCtr--
				if u.rebootCtr == 0 {
					u.log.Error("could not reboot device power")
					m.Abort(syscall.EIO)
					return
				}
				m.JumpTo(rebootpwrGetHwstat)
			})
		}
	})
}

// powerup brings the sensor out of low-power mode: write the snapshot
// hwstat nibble, re-read, done when bit 7 clears. Devices that require
// challenge/response authenticate on every iteration until the sensor
// wakes up.

const (
	powerupInit = iota
	powerupSetHwstat
	powerupGetHwstat
	powerupCheckHwstat
	powerupPauseState
	powerupChallengeResponse
	powerupChallengeResponseSuccess
	powerupNumStates
)

func newPowerupSM(u *uruDev) *ssm.Machine {
	return ssm.New("powerup", powerupNumStates, func(m *ssm.Machine) {
		switch m.State() {
		case powerupInit:
			u.powerupCtr = 100
			u.powerupHwstat = u.lastHwstat & 0xf
			m.Next()

		case powerupSetHwstat:
			u.smSetHwstat(m, u.powerupHwstat)

		case powerupGetHwstat:
			u.smReadHwstat(m)

		case powerupCheckHwstat:
			u.lastHwstat = u.lastRegRd
			if u.lastRegRd&0x80 == 0 {
				m.Complete()
			} else {
				m.Next()
			}

		case powerupPauseState:
			u.dev.Loop.AddTimeout(powerupPause, func() {
				u.powerupCtr--
				if u.powerupCtr == 0 {
					u.log.Error("could not power device up")
					m.Abort(syscall.EIO)
					return
				}
				if !u.profile.authCR {
					m.JumpTo(powerupSetHwstat)
				} else {
					m.Next()
				}
			})

		case powerupChallengeResponse:
			u.smDoChallengeResponse(m)

		case powerupChallengeResponseSuccess:
			m.JumpTo(powerupSetHwstat)
		}
	})
}

// init is the top-level activation machine:
//
//	read hwstat
//	if (hwstat & 0x84) == 0x84: run rebootpwr
//	if bit 7 clear: write hwstat | 0x80 (power down)
//	run fwfixer
//	run powerup
//	await the scan-power interrupt, retrying the whole flow on timeout

const (
	initGetHwstat = iota
	initCheckHwstatReboot
	initRebootPower
	initCheckHwstatPowerdown
	initFixFirmware
	initPowerup
	initAwaitScanPower
	initDone
	initNumStates
)

func (u *uruDev) initScanpwrIrq(m *ssm.Machine, err error, typ uint16) {
	switch {
	case err != nil:
		m.Abort(err)
	case typ != irqScanpwrOn:
		u.log.Debug("ignoring interrupt")
	case m.State() != initAwaitScanPower:
		u.log.Errorf("ignoring scanpwr interrupt in wrong state %d", m.State())
	default:
		m.Next()
	}
}

func (u *uruDev) initScanpwrTimeout(m *ssm.Machine) {
	u.log.Warn("powerup timed out")
	u.irqCb = nil
	u.scanpwrTimeout = nil

	u.scanpwrTimeouts++
	if u.scanpwrTimeouts >= 3 {
		u.log.Error("powerup timed out 3 times, giving up")
		m.Abort(syscall.ETIMEDOUT)
		return
	}
	m.JumpTo(initGetHwstat)
}

func newInitSM(u *uruDev) *ssm.Machine {
	return ssm.New("init", initNumStates, func(m *ssm.Machine) {
		switch m.State() {
		case initGetHwstat:
			u.smReadHwstat(m)

		case initCheckHwstatReboot:
			u.lastHwstat = u.lastRegRd
			if u.lastHwstat&0x84 == 0x84 {
				m.Next()
			} else {
				m.JumpTo(initCheckHwstatPowerdown)
			}

		case initRebootPower:
			m.StartSub(newRebootpwrSM(u), nil)

		case initCheckHwstatPowerdown:
			if u.lastHwstat&0x80 == 0 {
				u.smSetHwstat(m, u.lastHwstat|0x80)
			} else {
				m.Next()
			}

		case initFixFirmware:
			m.StartSub(newFwfixerSM(u), nil)

		case initPowerup:
			m.StartSub(newPowerupSM(u), nil)

		case initAwaitScanPower:
			if !u.irqRunning() {
				m.Abort(syscall.EIO)
				return
			}

			// Sometimes the scan-power interrupt never arrives, so the
			// whole flow is retried on a deadline.
			u.scanpwrTimeout = u.dev.Loop.AddTimeout(scanpwrDeadline, func() {
				u.initScanpwrTimeout(m)
			})
			u.irqCb = func(err error, typ uint16) {
				u.initScanpwrIrq(m, err, typ)
			}

		case initDone:
			u.scanpwrTimeout.Cancel()
			u.scanpwrTimeout = nil
			u.irqCb = nil
			m.Complete()
		}
	})
}

// deinit returns the sensor to init mode and powers it down.

const (
	deinitSetModeInit = iota
	deinitPowerdown
	deinitNumStates
)

func newDeinitSM(u *uruDev) *ssm.Machine {
	return ssm.New("deinit", deinitNumStates, func(m *ssm.Machine) {
		switch m.State() {
		case deinitSetModeInit:
			u.log.Debugf("mode %02x", modeInit)
			u.regs.SMWriteReg(m, regMode, modeInit)
		case deinitPowerdown:
			u.smSetHwstat(m, 0x80)
		}
	})
}

// Activate starts the interrupt listener and runs the init pipeline;
// on success the device is switched into the requested sub-state before
// activation completes.
func (*Driver) Activate(dev *fprint.ImgDevice, state fprint.ImgDevState) error {
	u := dev.Priv.(*uruDev)

	if err := u.startIrqHandler(); err != nil {
		return fprint.WrapError(driverName, "ACTIVATE", err)
	}

	u.scanpwrTimeouts = 0
	u.activateState = state

	m := newInitSM(u)
	m.Start(func(m *ssm.Machine) {
		if err := m.Err(); err != nil {
			dev.ActivateComplete(fprint.WrapError(driverName, "ACTIVATE", err))
			return
		}
		// The requested sub-state is only honored now that init is
		// done; it cannot take effect any earlier.
		dev.ActivateComplete(u.changeState(u.activateState))
	})
	return nil
}
