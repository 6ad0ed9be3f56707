package norm

import (
	"time"

	"github.com/soypat/norm/internal"
)

// ccState is the per-sender congestion-control feedback state (C7, §4.7).
// This engine only ever plays the receiver/feedback role: it measures what
// it observed from one remote sender and, when addressed by a CMD(CC),
// either answers immediately or backs off behind a randomized timer so
// that not every receiver in the group answers in lockstep, following the
// same "build always, send conditionally" shape the repair engine uses for
// silent receivers.
type ccState struct {
	timer Timer

	enabled  bool // set once a CMD(CC) has been seen from this sender (§3 "cc_enable").
	sequence uint8 // last CMD(CC) sequence number acted on, echoed in the response.
	rate     float64
	lossRate float64
	isCLR    bool
	isPLR    bool
}

func newCCState() ccState { return ccState{} }

// OnCommandCC processes an incoming CMD(CC) addressed to this sender's
// group (§4.7): cmd carries the sender's advertised send-rate (Rate), this
// receiver's resolved CLR/PLR status and RTT echo (if the sender requested
// a round-trip sample on this cycle), and the CC sequence number the
// response must carry back.
//
// A CLR (current limiting receiver), a PLR (potential limiting receiver),
// or any unicast session responds immediately, bypassing the backoff: CLR
// and PLR are the receivers whose feedback the sender actually needs, and
// a unicast session has no suppression to arrange with anyone else.
// Everyone else arms cc.timer with a randomized backoff so the sender
// isn't flooded with redundant feedback.
func (s *Sender) OnCommandCC(cmd *CCFeedbackExt) {
	if cmd == nil {
		return
	}
	s.cc.enabled = true
	s.cc.sequence = cmd.Sequence
	s.cc.isCLR = cmd.CLR
	s.cc.isPLR = cmd.PLR
	if cmd.RTTValid {
		s.UpdateRTT(UnquantizeGRTT(cmd.RTT))
	}

	p := s.loss.EventRate()
	rtt := s.rtt
	if !s.haveRTT {
		rtt = s.grtt
	}
	s.cc.rate = tfrcRate(s.segmentSize, rtt, p)
	s.cc.lossRate = p

	unicast := s.sess != nil && !s.sess.IsMulticast()
	if s.cc.isCLR || s.cc.isPLR || unicast {
		s.cc.timer.Deactivate()
		s.onCCTimeout(unicast)
		return
	}

	sendRate := UnquantizeRate(cmd.Rate)
	r := 0.9
	if sendRate > 0 {
		r = s.cc.rate / sendRate
	}
	if r < 0.5 {
		r = 0.5
	} else if r > 0.9 {
		r = 0.9
	}
	r = (r - 0.5) / 0.4 // normalize [0.5,0.9] onto [0,1].

	maxBackoff := s.backoffInterval()
	interval := time.Duration(0.25*r*float64(maxBackoff)) +
		time.Duration(0.75*float64(internal.ExponentialRand(maxBackoff, s.groupSize)))
	s.cc.timer.Activate(PhaseBackoff, interval, 1)
	if s.sess != nil {
		s.sess.ActivateTimer(&s.cc.timer)
	}
}

// onCCTimer is the Timer callback driving cc.timer's backoff/holdoff
// phases (§4.7's "CC timer two-phase: backoff -> emit ACK(CC) -> holdoff
// -> idle").
func onCCTimer(ctx any) {
	s := ctx.(*Sender)
	switch s.cc.timer.Phase() {
	case PhaseBackoff:
		unicast := s.sess != nil && !s.sess.IsMulticast()
		s.onCCTimeout(unicast)
	case PhaseHoldoff:
		s.cc.timer.Deactivate()
	}
}

// onCCTimeout emits the ACK(CC) response and, unless this is a CLR/PLR or
// unicast exchange (which skip straight back to idle), arms the holdoff
// phase for grtt*backoff_factor (§4.7).
func (s *Sender) onCCTimeout(unicast bool) {
	s.sendCCAck()
	if s.cc.isCLR || s.cc.isPLR || unicast {
		s.cc.timer.Deactivate()
		return
	}
	holdoff := time.Duration(float64(s.grtt) * s.backoffFactor)
	s.cc.timer.Activate(PhaseHoldoff, holdoff, 1)
	if s.sess != nil {
		s.sess.ActivateTimer(&s.cc.timer)
	}
}

func (s *Sender) sendCCAck() {
	if s.sess == nil {
		return
	}
	m := s.sess.GetMessageFromPool()
	if m == nil {
		s.Warn("dropped cc ack: message pool exhausted", "sender", s.ID)
		return
	}
	m.Kind = MsgAck
	m.Header = Header{SenderID: s.ID, InstanceID: s.InstanceID}
	ext := s.buildCCFeedback()
	m.CC = &ext
	m.Unicast = !s.sess.IsMulticast()
	s.sess.SendMessage(m)
}

// buildCCFeedback assembles the CC-feedback extension shared by the NACK
// path (§4.5 step 2) and the ACK(CC) response (§4.7): RTT, 32-bit
// quantized loss, the TFRC-calculated rate, and the CC sequence being
// acknowledged. A zero loss estimate (nothing lost yet, e.g. right after
// sync) reports START and doubles the last observed receive rate, letting
// the sender ramp up faster than the steady-state TFRC equation would
// otherwise allow.
func (s *Sender) buildCCFeedback() CCFeedbackExt {
	ext := CCFeedbackExt{
		Sequence: s.cc.sequence,
		Loss:     QuantizeLoss(s.cc.lossRate),
		Rate:     QuantizeRate(s.cc.rate),
		RTT:      QuantizeGRTT(s.rtt),
		RTTValid: s.haveRTT,
		CLR:      s.cc.isCLR,
		PLR:      s.cc.isPLR,
	}
	if s.cc.lossRate == 0 {
		ext.Start = true
		ext.Rate = QuantizeRate(2 * s.recvRate)
	}
	return ext
}

// HandleCCFeedback processes CC feedback overheard in another receiver's
// NACK, ACK, or REPAIR_ADV (§4.7's suppression rule). peer is the
// overheard extension; this sender's own last-computed rate/RTT are
// compared against it to decide whether this receiver's own pending CC
// response is now redundant.
//
//   - If this receiver's RTT is confirmed: suppressed iff its own rate is
//     more than 0.9x the peer's reported rate (i.e. the peer is already
//     reporting a meaningfully worse or equal rate, so answering too would
//     just be noise).
//   - If not confirmed: only feedback from a peer that also lacks a
//     confirmed RTT can suppress, and again only when this receiver's own
//     rate is above 0.9x the peer's — an RTT-confirmed peer's report says
//     nothing about whether this receiver's unanchored estimate is worth
//     hearing, so it never suppresses an unconfirmed one.
//
// On suppression, a pending cc.timer backoff is cut short into holdoff.
func (s *Sender) HandleCCFeedback(peer CCFeedbackExt) {
	if !s.cc.timer.Active() || s.cc.timer.Phase() != PhaseBackoff {
		return
	}
	peerRate := UnquantizeRate(peer.Rate)
	ownRate := s.cc.rate
	var suppressed bool
	if s.haveRTT {
		suppressed = ownRate > 0.9*peerRate
	} else {
		suppressed = !peer.RTTValid && ownRate > 0.9*peerRate
	}
	if !suppressed {
		return
	}
	holdoff := time.Duration(float64(s.grtt) * s.backoffFactor)
	s.cc.timer.Activate(PhaseHoldoff, holdoff, 1)
	if s.sess != nil {
		s.sess.ActivateTimer(&s.cc.timer)
	}
}

// UpdateRTT folds a fresh RTT sample (derived from a CMD(CC) timestamp
// round-trip, when the transport layer supplies one) into the sender's
// estimate and confirms rtt_confirmed (§3, §4.7).
func (s *Sender) UpdateRTT(sample time.Duration) {
	if sample <= 0 {
		return
	}
	if !s.haveRTT {
		s.rtt = sample
		s.haveRTT = true
		return
	}
	const alpha = 0.125 // RFC 6298-style EWMA weight.
	s.rtt = time.Duration((1-alpha)*float64(s.rtt) + alpha*float64(sample))
}
