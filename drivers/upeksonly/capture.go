package upeksonly

import (
	"syscall"

	fprint "github.com/sandeepvignesh/libfprint"
	"github.com/sandeepvignesh/libfprint/internal/ssm"
	"github.com/sandeepvignesh/libfprint/internal/usb"
)

// The capture engine operates a pool of continuously re-armed bulk-IN
// transfers. Each 4096-byte buffer carries 64 packets of 64 bytes: a
// 2-byte big-endian sequence number followed by 62 bytes of image data.
// The 14-bit sequence counter is extended to an absolute stream offset
// via wraparound counting, and rows of imgWidth bytes are carved out of
// the stream wherever a row boundary lands.

/***** tear-down discipline *****/

// lastTransferKilled runs the deferred action once no bulk transfer is
// in flight anymore.
func (s *sonlyDev) lastTransferKilled() {
	switch s.killing {
	case killAbortSSM:
		s.log.Debug("abort ssm", "err", s.killStatus)
		s.killSSM.Abort(s.killStatus)
	case killIterateSSM:
		s.log.Debug("iterate ssm")
		s.killSSM.Next()
	case killImgSessionError:
		s.log.Debug("session error", "err", s.killStatus)
		s.dev.SessionError(fprint.WrapError(driverName, "CAPTURE", s.killStatus))
	case killExecCallback:
		s.killCb()
	}
}

// cancelImgTransfers requests cancellation of every flying transfer.
// If none is in flight the deferred action runs immediately; otherwise
// the last completion triggers it.
func (s *sonlyDev) cancelImgTransfers() {
	if s.numFlying == 0 {
		s.lastTransferKilled()
		return
	}

	for i := 0; i < numBulkTransfers; i++ {
		idata := s.transferData[i]
		if !idata.flying || idata.cancelling {
			continue
		}
		s.log.Debugf("cancelling transfer %d", i)
		if err := s.dev.USB.Cancel(s.imgTransfers[i]); err != nil {
			s.log.Debugf("cancel failed: %v", err)
		}
		idata.cancelling = true
	}
}

func (s *sonlyDev) isCapturing() bool {
	return len(s.rows) < maxRows && !s.fingerRemoved
}

/***** row assembly *****/

// handoffImg finalizes a capture: the assembled rows become the output
// image, the host is notified, and the bulk pool is torn down with the
// loop machine as the deferred target.
func (s *sonlyDev) handoffImg() {
	if len(s.rows) == 0 {
		// A handoff with nothing assembled means the stream never
		// yielded a row; surface it instead of leaking the session.
		s.log.Error("no rows assembled")
		s.rowbuf = nil
		s.rowbufOffset = -1
		s.killing = killImgSessionError
		s.killStatus = syscall.EPROTO
		s.cancelImgTransfers()
		return
	}

	s.log.Debugf("%d rows", len(s.rows))
	img := fprint.NewImage(imgWidth * len(s.rows))
	img.Width = imgWidth
	img.Height = len(s.rows)
	for i, row := range s.rows {
		copy(img.Data[i*imgWidth:], row)
	}
	s.rows = nil

	s.dev.ImageCaptured(img)
	s.dev.ReportFingerStatus(false)

	s.killing = killIterateSSM
	s.killSSM = s.loopsm
	s.cancelImgTransfers()
}

// compareRows computes the absolute difference and the total intensity
// of the candidate row b against the previous row a.
func compareRows(a, b []byte) (diff, total int) {
	for i := 0; i < imgWidth; i++ {
		if a[i] > b[i] {
			diff += int(a[i] - b[i])
		} else {
			diff += int(b[i] - a[i])
		}
		total += int(b[i])
	}
	return diff, total
}

func (s *sonlyDev) rowComplete() {
	s.rowbufOffset = -1

	if len(s.rows) > 0 {
		lastrow := s.rows[len(s.rows)-1]
		diff, total := compareRows(lastrow, s.rowbuf)

		if total < 52000 {
			s.numBlank = 0
		} else {
			s.numBlank++
			s.dev.Metrics.BlankRows.Add(1)
			if s.numBlank > 500 {
				s.fingerRemoved = true
				s.log.Debug("detected finger removal")
				s.rowbuf = nil
				s.handoffImg()
				return
			}
		}
		if diff < 3000 {
			// near-identical to the previous row: drop it
			s.dev.Metrics.RowsDeduped.Add(1)
			s.rowbuf = nil
			return
		}
	}

	s.rows = append(s.rows, s.rowbuf)
	s.rowbuf = nil
	s.dev.Metrics.RowsAssembled.Add(1)

	if len(s.rows) >= maxRows {
		s.log.Debug("row limit met")
		s.handoffImg()
	}
}

// addToRowbuf appends packet data to the row in progress, completing
// the row when it fills.
func (s *sonlyDev) addToRowbuf(data []byte) {
	copy(s.rowbuf[s.rowbufOffset:], data)
	s.rowbufOffset += len(data)
	if s.rowbufOffset >= imgWidth {
		s.rowComplete()
	}
}

// startNewRow begins a fresh row from packet data. The sensor delivers
// the first two bytes of a row at its tail and the rest at its head;
// preserve that compensation exactly.
func (s *sonlyDev) startNewRow(data []byte) {
	if s.rowbuf == nil {
		s.rowbuf = make([]byte, imgWidth)
	}
	copy(s.rowbuf[imgWidth-2:], data[:2])
	copy(s.rowbuf, data[2:])
	s.rowbufOffset = len(data)
}

// rowbufRemaining returns how many bytes the row in progress still
// wants from the next packet (capped at the packet data size), or -1
// when no row is being assembled.
func (s *sonlyDev) rowbufRemaining() int {
	if s.rowbufOffset == -1 {
		return -1
	}
	r := imgWidth - s.rowbufOffset
	if r > packetDataSize {
		r = packetDataSize
	}
	return r
}

// handlePacket consumes one 64-byte packet from the stream.
func (s *sonlyDev) handlePacket(pkt []byte) {
	seqnum := int(pkt[0])<<8 | int(pkt[1])
	data := pkt[2:packetSize]

	if seqnum != s.lastSeqnum+1 {
		if seqnum != 0 && s.lastSeqnum != seqnumMax {
			s.log.Warn("lost some data")
		}
	}
	if seqnum <= s.lastSeqnum {
		s.log.Debug("detected wraparound")
		s.wraparounds++
	}
	s.lastSeqnum = seqnum

	absBaseAddr := (seqnum + s.wraparounds*(seqnumMax+1)) * packetDataSize

	// already assembling a row? append to it
	if forRowbuf := s.rowbufRemaining(); forRowbuf != -1 {
		s.addToRowbuf(data[:forRowbuf])
		// FIXME: we drop a row here
		return
	}

	// packet starts on a row boundary: take it whole
	if absBaseAddr%imgWidth == 0 {
		s.startNewRow(data)
		return
	}

	// a row boundary falls inside the packet: start the row there
	nextRowAddr := ((absBaseAddr / imgWidth) + 1) * imgWidth
	diff := nextRowAddr - absBaseAddr
	if diff < packetDataSize {
		s.startNewRow(data[diff:])
	}
}

/***** bulk pool *****/

// imgDataCb handles completion of one pool transfer: account the
// flight, run the tear-down bookkeeping if a kill is pending, otherwise
// consume the packets and re-arm.
func (s *sonlyDev) imgDataCb(t *usb.Transfer) {
	idata := t.UserData.(*imgTransferData)

	idata.flying = false
	idata.cancelling = false
	s.numFlying--

	if s.killing != killNone {
		// outcome is irrelevant while terminating
		if t.Status == usb.StatusCancelled {
			s.dev.Metrics.TransfersCancelled.Add(1)
		}
		if s.numFlying == 0 {
			s.lastTransferKilled()
		}
		return
	}

	if t.Status != usb.StatusCompleted {
		s.log.Warnf("bad status %v, terminating session", t.Status)
		s.dev.Metrics.TransferErrors.Add(1)
		s.killing = killImgSessionError
		s.killStatus = syscall.EIO
		s.cancelImgTransfers()
		return
	}
	s.dev.Metrics.TransfersCompleted.Add(1)

	for i := 0; i < bulkTransferSize; i += packetSize {
		if s.killing != killNone || !s.isCapturing() {
			return
		}
		s.handlePacket(t.Buffer[i : i+packetSize])
	}

	if s.killing == killNone && s.isCapturing() {
		if err := s.dev.USB.Submit(t); err != nil {
			s.log.Warnf("failed resubmit: %v", err)
			s.killing = killImgSessionError
			s.killStatus = err
			s.cancelImgTransfers()
			return
		}
		s.dev.Metrics.TransfersSubmitted.Add(1)
		s.numFlying++
		idata.flying = true
	}
}

// fireBulkTransfers launches the whole pool. A first-submission failure
// aborts directly; a later one unwinds the transfers already flying and
// defers the abort to the last completion.
func (s *sonlyDev) fireBulkTransfers(m *ssm.Machine) {
	for i := 0; i < numBulkTransfers; i++ {
		if err := s.dev.USB.Submit(s.imgTransfers[i]); err != nil {
			if i == 0 {
				// first one failed: nothing to unwind
				m.Abort(err)
				return
			}
			s.killing = killAbortSSM
			s.killSSM = m
			s.killStatus = err
			s.cancelImgTransfers()
			return
		}
		s.dev.Metrics.TransfersSubmitted.Add(1)
		s.transferData[i].flying = true
		s.numFlying++
	}
	s.capturing = true
	m.Next()
}
