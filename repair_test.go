package norm

import (
	"testing"
	"time"
)

func senderWithStream(t *testing.T, id uint16) (*fakeSession, *Controller, *Sender) {
	t.Helper()
	cfg := DefaultConfig()
	sess := newFakeSession(cfg, true)
	c := newTestController(sess)
	err := c.HandleMessage(&Message{
		Kind: MsgData, Header: Header{SenderID: id, InstanceID: 1},
		ObjectID: 5, ObjectType: ObjectStream, IsStream: true,
		Block: 0, Segment: 0, FTI: testFTI(),
	})
	if err != nil {
		t.Fatal(err)
	}
	s, ok := c.nodes.Find(id)
	if !ok {
		t.Fatal("sender not tracked")
	}
	return sess, c, s
}

// Applying the same overheard repair content twice must be a no-op the
// second time: suppression state is a set, not a counter.
func TestHandleRepairContentIdempotent(t *testing.T) {
	_, _, s := senderWithStream(t, 8)
	items := []RepairItem{
		{Level: RepairObject, Form: RepairRanges, Object: 6, ObjectTo: 9},
		{Level: RepairBlock, Form: RepairItems, Object: 5, Block: 0},
		{Level: RepairSegment, Object: 5, Block: 0, Segment: 1},
		{Level: RepairInfo, Object: 5},
	}
	s.HandleRepairContent(items)
	o := s.objects[5]
	check := func() {
		t.Helper()
		for id := ObjectID(6); id != 10; id = id.Add(1) {
			if !s.rxRepairMask.Test(id) {
				t.Errorf("object %d not marked suppressed", id)
			}
		}
		if !o.blockSuppressed(0) {
			t.Error("block 0 not marked suppressed")
		}
		if !o.segmentSuppressed(0, 1) {
			t.Error("segment 1 of block 0 not marked suppressed")
		}
		if !o.infoSuppressed {
			t.Error("info not marked suppressed")
		}
	}
	check()
	s.HandleRepairContent(items)
	check()
}

// A holdoff-phase sender rewind cancels the holdoff and re-arms backoff
// immediately.
func TestRepairHoldoffRewind(t *testing.T) {
	_, c, s := senderWithStream(t, 8)
	// Jump ahead: object 9 appears, objects 6-8 become missing.
	err := c.HandleMessage(&Message{
		Kind: MsgData, Header: Header{SenderID: 8, InstanceID: 1},
		ObjectID: 9, ObjectType: ObjectStream, IsStream: true,
		Block: 0, Segment: 0,
	})
	if err != nil {
		t.Fatal(err)
	}
	if s.repairTimer.Phase() != PhaseBackoff {
		t.Fatal("gap did not arm backoff")
	}
	s.repairTimer.Fire() // emits the NACK, enters holdoff.
	if s.repairTimer.Phase() != PhaseHoldoff {
		t.Fatal("NACK emission did not enter holdoff")
	}
	// The sender rewinds to object 6: re-arm immediately.
	s.RepairCheck(ThruSegment, 6, 0, 0)
	if s.repairTimer.Phase() != PhaseBackoff {
		t.Fatalf("rewind left timer in %v, want backoff", s.repairTimer.Phase())
	}
	if s.currentObjectID != 6 {
		t.Fatalf("currentObjectID = %d, want 6", s.currentObjectID)
	}
}

// A NACK_NONE receiver never arms the repair timer.
func TestNackingModeNone(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DefaultNackingMode = NackNone
	sess := newFakeSession(cfg, true)
	c := newTestController(sess)
	for _, obj := range []ObjectID{5, 9} { // gap 6-8.
		err := c.HandleMessage(&Message{
			Kind: MsgData, Header: Header{SenderID: 8, InstanceID: 1},
			ObjectID: obj, ObjectType: ObjectStream, IsStream: true,
			Block: 0, Segment: 0, FTI: testFTI(),
		})
		if err != nil {
			t.Fatal(err)
		}
	}
	s, _ := c.nodes.Find(8)
	if s.repairTimer.Active() {
		t.Fatal("NACK_NONE receiver armed the repair timer")
	}
	if len(sess.sent) != 0 {
		t.Fatal("NACK_NONE receiver transmitted")
	}
}

// A silent receiver runs the whole build (counters advance) but never
// transmits.
func TestSilentReceiverBuildsWithoutSending(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ReceiverSilent = true
	sess := newFakeSession(cfg, true)
	c := newTestController(sess)
	for _, obj := range []ObjectID{5, 9} {
		err := c.HandleMessage(&Message{
			Kind: MsgData, Header: Header{SenderID: 8, InstanceID: 1},
			ObjectID: obj, ObjectType: ObjectStream, IsStream: true,
			Block: 0, Segment: 0, FTI: testFTI(),
		})
		if err != nil {
			t.Fatal(err)
		}
	}
	s, _ := c.nodes.Find(8)
	if s.repairTimer.Phase() != PhaseBackoff {
		t.Fatal("silent receiver should still track repair state")
	}
	s.repairTimer.Fire()
	if s.NackCount() != 1 {
		t.Fatalf("nack count = %d, want 1 (built but unsent)", s.NackCount())
	}
	if len(sess.sent) != 0 {
		t.Fatal("silent receiver transmitted a NACK")
	}
}

func TestCCFeedbackSuppression(t *testing.T) {
	_, _, s := senderWithStream(t, 8)
	s.haveRTT = true
	s.cc.rate = 100_000
	s.cc.enabled = true
	s.cc.timer.Activate(PhaseBackoff, 100*time.Millisecond, 1)

	// Peer reports a much lower rate: this receiver's feedback is
	// redundant, so the pending backoff collapses into holdoff.
	s.HandleCCFeedback(CCFeedbackExt{Rate: QuantizeRate(50_000), RTTValid: true})
	if s.cc.timer.Phase() != PhaseHoldoff {
		t.Fatalf("cc timer phase = %v, want holdoff", s.cc.timer.Phase())
	}

	// A peer reporting a far higher rate does not suppress.
	s.cc.timer.Activate(PhaseBackoff, 100*time.Millisecond, 1)
	s.HandleCCFeedback(CCFeedbackExt{Rate: QuantizeRate(10_000_000), RTTValid: true})
	if s.cc.timer.Phase() != PhaseBackoff {
		t.Fatalf("cc timer phase = %v, want backoff kept", s.cc.timer.Phase())
	}
}

// With no confirmed RTT of its own, a receiver is only suppressed by a
// peer that also lacks one — an RTT-confirmed peer's report never makes an
// unanchored local estimate redundant.
func TestCCFeedbackSuppressionUnconfirmedRTT(t *testing.T) {
	_, _, s := senderWithStream(t, 8)
	s.haveRTT = false
	s.cc.rate = 100_000
	s.cc.enabled = true

	// RTT-confirmed peer, even with a lower rate: no suppression.
	s.cc.timer.Activate(PhaseBackoff, 100*time.Millisecond, 1)
	s.HandleCCFeedback(CCFeedbackExt{Rate: QuantizeRate(50_000), RTTValid: true})
	if s.cc.timer.Phase() != PhaseBackoff {
		t.Fatalf("cc timer phase = %v, want backoff kept against confirmed peer", s.cc.timer.Phase())
	}

	// Equally-unconfirmed peer with a lower rate: suppressed.
	s.HandleCCFeedback(CCFeedbackExt{Rate: QuantizeRate(50_000), RTTValid: false})
	if s.cc.timer.Phase() != PhaseHoldoff {
		t.Fatalf("cc timer phase = %v, want holdoff", s.cc.timer.Phase())
	}

	// Unconfirmed peer reporting a much higher rate: this receiver's lower
	// estimate is the interesting one, keep the backoff.
	s.cc.timer.Activate(PhaseBackoff, 100*time.Millisecond, 1)
	s.HandleCCFeedback(CCFeedbackExt{Rate: QuantizeRate(10_000_000), RTTValid: false})
	if s.cc.timer.Phase() != PhaseBackoff {
		t.Fatalf("cc timer phase = %v, want backoff kept for lower own rate", s.cc.timer.Phase())
	}
}
