package norm

import "time"

// onActivityTimer is the Timer callback for a sender's activity timer
// (C8, §4.8). Each firing without an intervening touchActivity (called on
// every message received from this sender) consumes one robust_factor
// retry; exhausting all retries declares the sender inactive.
func onActivityTimer(ctx any) {
	s := ctx.(*Sender)
	if s.active {
		// A message arrived since the timer was armed; touchActivity
		// already rescheduled it, so this firing is stale. Nothing to do.
		s.active = false
		return
	}
	s.robustCount--
	if s.robustCount <= 0 {
		s.activityTimer.Deactivate()
		if s.sess != nil {
			s.sess.Notify(EventSenderInactive, s, nil)
		}
		s.Info("sender declared inactive", "sender", s.ID)
		return
	}
	// Intermediate expiry with work still pending: force a comprehensive
	// repair sweep, recovering from a lost end-of-transmission flush (§4.8).
	if !s.pending.Empty() {
		s.ArmFromActivity()
	}
	s.Trace("activity timer retry", "sender", s.ID, "remaining", s.robustCount)
}

// onAckTimer is the Timer callback for a sender's watermark-ACK timer
// (§4.8). It fires once the repair engine has confirmed (via
// PassiveRepairCheck) that the current CMD(FLUSH) watermark is satisfied,
// and its job is simply to emit the ACK(FLUSH) — any further backoff has
// already happened in the repair/ACK-suppression logic that armed it.
func onAckTimer(ctx any) {
	s := ctx.(*Sender)
	s.ackTimer.Deactivate()
	if s.sess == nil {
		return
	}
	m := s.sess.GetMessageFromPool()
	if m == nil {
		s.Warn("dropped watermark ack: message pool exhausted", "sender", s.ID)
		return
	}
	m.Kind = MsgAck
	m.Header = Header{SenderID: s.ID, InstanceID: s.InstanceID}
	m.AckingNodes = []uint16{s.sess.LocalNodeID()}
	// Echo the FLUSH watermark position this ACK confirms (§4.8).
	m.WatermarkObject = s.ackWatermarkObj
	m.WatermarkBlock = s.ackWatermarkBlk
	m.WatermarkSegment = s.ackWatermarkSeg
	if s.cc.enabled {
		ext := s.buildCCFeedback()
		m.CC = &ext
	}
	m.Unicast = !s.sess.IsMulticast()
	s.sess.SendMessage(m)
}

// ArmWatermarkAck schedules (or re-schedules) the watermark-ACK timer once
// the repair engine reports the watermark position is fully satisfied
// (§4.8). The controller passes a uniform random delay in [0, GRTT) for
// multicast, so that not every receiver answers a CMD(FLUSH) in lockstep,
// and 0 for unicast. obj/block/seg record
// the watermark position so onAckTimer can echo it on the outgoing ACK.
func (s *Sender) ArmWatermarkAck(delay time.Duration, obj ObjectID, block BlockID, seg SegmentID) {
	s.ackWatermarkObj = obj
	s.ackWatermarkBlk = block
	s.ackWatermarkSeg = seg
	s.ackTimer.Activate(PhaseBackoff, delay, 1)
	if s.sess != nil {
		s.sess.ActivateTimer(&s.ackTimer)
	}
}
