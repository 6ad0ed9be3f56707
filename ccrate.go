package norm

import "time"

// updateReceiveRate folds in one inbound message of size bytes arriving at
// now, implementing §4.7's "Receive-rate update": it is the raw throughput
// sample the TFRC/CC feedback path reports back to the sender, independent
// of the loss-event rate from C1.
func (s *Sender) updateReceiveRate(sizeBytes int, now time.Time) {
	if sizeBytes <= 0 {
		return
	}
	if !s.haveRecvTime {
		s.prevUpdateTime = now
		s.haveRecvTime = true
		s.recvRate = 0
		s.nominalPktSize = float64(sizeBytes)
		return
	}

	interval := now.Sub(s.prevUpdateTime)
	s.bytesAccum += float64(sizeBytes)

	measurementInterval := s.rtt
	if !s.haveRTT {
		measurementInterval = s.grtt
	}
	if measurementInterval < s.cfg.NormTickMin {
		measurementInterval = s.cfg.NormTickMin
	}
	if s.recvRate > 0 {
		floor := time.Duration(4 * s.nominalPktSize / s.recvRate * float64(time.Second))
		if floor > measurementInterval {
			measurementInterval = floor
		}
	}

	switch {
	case interval >= measurementInterval:
		current := s.bytesAccum / interval.Seconds()
		s.recvRatePrev = s.recvRate
		s.recvRate = current
		s.bytesAccum = 0
		s.prevUpdateTime = now
	case s.recvRate == 0:
		if interval > 0 {
			s.recvRate = s.bytesAccum / interval.Seconds()
		}
	case s.slowStart:
		if interval > 0 {
			current := s.bytesAccum / interval.Seconds()
			delta := (interval.Seconds() / measurementInterval.Seconds()) * (current - s.recvRatePrev)
			if delta > 0 {
				slewed := s.recvRatePrev + delta
				if slewed > s.recvRate {
					s.recvRate = slewed
				}
			}
		}
	}

	const nominalAlpha = 0.05
	s.nominalPktSize += nominalAlpha * (float64(sizeBytes) - s.nominalPktSize)
}

// endSlowStart is called the first time a loss event is confirmed (C1
// reports non-zero EventRate after previously reporting zero), anchoring
// the TFRC estimate per the data model's slow-start note (§3 Glossary).
func (s *Sender) endSlowStart() {
	s.slowStart = false
}
