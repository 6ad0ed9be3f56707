package norm

import (
	"net"
	"testing"
	"time"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
)

// TestScenarios runs the §8 end-to-end scenario suite via Ginkgo, the way
// ghjramos-aistore's fuse/fs package expresses its cache test suite
// (fuse/fs/cache_test.go): Describe/It blocks driving a real object under
// test end to end rather than asserting on isolated units.
func TestScenarios(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "norm receiver scenarios")
}

// fakeAddr is a minimal net.Addr for a fake multicast/unicast session.
type fakeAddr struct {
	s         string
	multicast bool
}

func (a fakeAddr) Network() string { return "udp" }
func (a fakeAddr) String() string  { return a.s }

// fakeSession is a minimal, single-threaded Session stand-in used to drive
// a Controller end to end in tests without any real transport, timer
// scheduler, or message pool (§6 external collaborators).
type fakeSession struct {
	local     uint16
	multicast bool
	cfg       Config

	sent    []*Message
	events  []fakeEvent
	timers  []*Timer
}

type fakeEvent struct {
	kind EventKind
	obj  *Object
}

func newFakeSession(cfg Config, multicast bool) *fakeSession {
	return &fakeSession{local: 1, multicast: multicast, cfg: cfg}
}

func (f *fakeSession) LocalNodeID() uint16 { return f.local }
func (f *fakeSession) Address() net.Addr   { return fakeAddr{s: "239.1.1.1:6003", multicast: f.multicast} }
func (f *fakeSession) IsMulticast() bool   { return f.multicast }

func (f *fakeSession) RemoteSenderBufferSize() uint64       { return f.cfg.SegmentBufferBytes }
func (f *fakeSession) RxCacheMax() uint32                   { return f.cfg.RxCacheMax }
func (f *fakeSession) TxRobustFactor() int                  { return f.cfg.TxRobustFactor }
func (f *fakeSession) RxRobustFactor() int                  { return f.cfg.RxRobustFactor }
func (f *fakeSession) DefaultRepairBoundary() RepairBoundary { return f.cfg.DefaultRepairBoundary }
func (f *fakeSession) DefaultSyncPolicy() SyncPolicy         { return f.cfg.DefaultSyncPolicy }
func (f *fakeSession) DefaultNackingMode() NackingMode       { return f.cfg.DefaultNackingMode }
func (f *fakeSession) UnicastNacksDefault() bool             { return f.cfg.UnicastNacks }
func (f *fakeSession) ECNIgnoreLoss() bool                   { return f.cfg.ECNIgnoreLoss }
func (f *fakeSession) CCTolerateLoss() bool                  { return f.cfg.CCTolerateLoss }
func (f *fakeSession) ReceiverIsSilent() bool                { return f.cfg.ReceiverSilent }
func (f *fakeSession) ReceiverIsRealtime() bool              { return f.cfg.ReceiverRealtime }
func (f *fakeSession) ReceiverIgnoreInfo() bool               { return f.cfg.ReceiverIgnoreInfo }

func (f *fakeSession) GetMessageFromPool() *Message { return &Message{} }
func (f *fakeSession) ReturnMessageToPool(m *Message) {}
func (f *fakeSession) SendMessage(m *Message)         { f.sent = append(f.sent, m) }
func (f *fakeSession) ActivateTimer(t *Timer)         { f.timers = append(f.timers, t) }
func (f *fakeSession) Notify(kind EventKind, sender *Sender, obj *Object) {
	f.events = append(f.events, fakeEvent{kind: kind, obj: obj})
}

func (f *fakeSession) hasEvent(kind EventKind) bool {
	for _, e := range f.events {
		if e.kind == kind {
			return true
		}
	}
	return false
}

func noopDecoder(FECParams, uint32, FECVariant) (FECDecoder, error) { return nil, nil }

func newTestController(sess *fakeSession) *Controller {
	return NewController(sess, sess.cfg, nil, noopDecoder)
}

// testFTI is the FEC transmission info attached to the first DATA message
// of each scenario; two source symbols per block keep block-completion
// arithmetic easy to follow.
func testFTI() *FTIParams {
	return &FTIParams{FEC: FECParams{ID: 2, M: 8}, NumData: 2, NumParity: 0, SegmentSize: 64}
}

var _ = Describe("sync engine", func() {
	It("establishes sync on a stream DATA block 0 (scenario 1)", func() {
		cfg := DefaultConfig()
		cfg.DefaultSyncPolicy = SyncCurrent
		sess := newFakeSession(cfg, true)
		c := newTestController(sess)

		m := &Message{
			Kind:     MsgData,
			Header:   Header{SenderID: 42, InstanceID: 1},
			ObjectID: 100,
			Block:    0,
			IsStream: true,
			FTI:      testFTI(),
		}
		Expect(c.HandleMessage(m)).To(Succeed())

		s, ok := c.nodes.Find(42)
		Expect(ok).To(BeTrue())
		Expect(s.synchronized).To(BeTrue())
		Expect(s.syncID).To(Equal(ObjectID(100)))
		Expect(s.nextID).To(Equal(ObjectID(100)))
		Expect(s.maxPendingObject).To(Equal(ObjectID(100)))
		Expect(s.pending.Test(100)).To(BeTrue())
		Expect(sess.hasEvent(EventObjectNew)).To(BeTrue())
	})

	It("rejects a mid-block DATA as the initial sync point (scenario 2)", func() {
		cfg := DefaultConfig()
		cfg.DefaultSyncPolicy = SyncCurrent
		sess := newFakeSession(cfg, true)
		c := newTestController(sess)

		m := &Message{
			Kind:     MsgData,
			Header:   Header{SenderID: 42, InstanceID: 1},
			ObjectID: 100,
			Block:    7,
			Segment:  3,
			FTI:      testFTI(),
		}
		Expect(c.HandleMessage(m)).To(Succeed())

		s, ok := c.nodes.Find(42)
		Expect(ok).To(BeTrue())
		Expect(s.synchronized).To(BeFalse())
		Expect(sess.hasEvent(EventObjectNew)).To(BeFalse())
	})

	It("purges objects and bumps resync_count on SQUELCH (scenario 3)", func() {
		cfg := DefaultConfig()
		cfg.DefaultSyncPolicy = SyncAll
		sess := newFakeSession(cfg, true)
		c := newTestController(sess)

		// Synchronize, then materialize objects 9,10,11,12 by actually
		// receiving an INFO for each (so Resync has live Object state to
		// abort); 14 is only known as a pending-bitmap gap, never
		// materialized, matching the scenario's "bit 14 cleared" (not
		// "object 14 aborted") wording.
		for _, id := range []ObjectID{9, 10, 11, 12} {
			Expect(c.HandleMessage(&Message{Kind: MsgInfo, Header: Header{SenderID: 7, InstanceID: 1}, ObjectID: id})).To(Succeed())
		}
		s, _ := c.nodes.Find(7)
		s.SetPending(14)
		Expect(s.pending.Test(14)).To(BeTrue())

		abandoned := s.Resync(13, []ObjectID{11, 14})
		Expect(abandoned).To(ContainElement(ObjectID(11)))
		Expect(abandoned).To(ContainElement(ObjectID(10)))
		Expect(abandoned).To(ContainElement(ObjectID(12)))
		Expect(abandoned).NotTo(ContainElement(ObjectID(14)))
		Expect(s.pending.Test(14)).To(BeFalse())
		Expect(s.syncID).To(Equal(ObjectID(13)))
		Expect(s.pending.Test(13)).To(BeTrue())
		Expect(s.resyncCount).To(Equal(1))
	})
})

var _ = Describe("in-order delivery", func() {
	It("completes each object exactly once with no NACKs and an empty bitmap", func() {
		cfg := DefaultConfig()
		cfg.DefaultSyncPolicy = SyncCurrent
		sess := newFakeSession(cfg, true)
		c := newTestController(sess)

		// One FILE object spanning two full blocks of two segments each,
		// delivered in order with no loss.
		fti := testFTI()
		size := uint64(2 * 2 * fti.SegmentSize)
		hdr := Header{SenderID: 11, InstanceID: 1}
		seq := uint16(0)
		for blk := BlockID(0); blk < 2; blk++ {
			for seg := SegmentID(0); seg < 2; seg++ {
				m := &Message{
					Kind: MsgData, Header: hdr, ObjectID: 30, ObjectType: ObjectFile,
					ObjectSize: size, Block: blk, Segment: seg,
				}
				if seq == 0 {
					m.FTI = fti
				}
				m.Header.Sequence = seq
				seq++
				Expect(c.HandleMessage(m)).To(Succeed())
			}
		}

		s, _ := c.nodes.Find(11)
		completed := 0
		for _, e := range sess.events {
			if e.kind == EventObjectCompleted {
				completed++
			}
		}
		Expect(completed).To(Equal(1))
		Expect(s.CompletionCount()).To(Equal(1))
		Expect(s.pending.Empty()).To(BeTrue())
		Expect(sess.sent).To(BeEmpty())
		Expect(s.NackCount()).To(BeZero())
	})
})

var _ = Describe("repair engine", func() {
	It("suppresses a backoff-pending NACK on an overheard repair request (scenario 4)", func() {
		cfg := DefaultConfig()
		cfg.DefaultSyncPolicy = SyncCurrent
		sess := newFakeSession(cfg, true)
		c := newTestController(sess)

		hdr := Header{SenderID: 5, InstanceID: 1, GRTT: QuantizeGRTT(100 * time.Millisecond), GroupSize: 10, BackoffFactor: 16}
		// Sync on block 0 of a stream object and complete it, then jump to
		// block 2: block 1 is now a wholly-missing gap and segment 1 of
		// block 2 is still outstanding.
		Expect(c.HandleMessage(&Message{
			Kind: MsgData, Header: hdr, ObjectID: 5, ObjectType: ObjectStream, IsStream: true,
			Block: 0, Segment: 0, FTI: testFTI(),
		})).To(Succeed())
		Expect(c.HandleMessage(&Message{
			Kind: MsgData, Header: hdr, ObjectID: 5, ObjectType: ObjectStream, IsStream: true,
			Block: 0, Segment: 1,
		})).To(Succeed())
		Expect(c.HandleMessage(&Message{
			Kind: MsgData, Header: hdr, ObjectID: 5, ObjectType: ObjectStream, IsStream: true,
			Block: 2, Segment: 0,
		})).To(Succeed())

		s, _ := c.nodes.Find(5)
		Expect(s.grtt).To(BeNumerically("~", 100*time.Millisecond, 5*time.Millisecond))
		Expect(s.groupSize).To(BeNumerically("==", 10))
		Expect(s.repairTimer.Phase()).To(Equal(PhaseBackoff))

		// A peer's NACK covering everything outstanding (blocks 1-2 of
		// object 5) arrives before the backoff expires.
		s.HandleRepairContent([]RepairItem{{Level: RepairBlock, Form: RepairRanges, Object: 5, Block: 1, BlockTo: 2}})

		preCount := s.suppressCount
		s.repairTimer.Fire()
		Expect(s.suppressCount).To(Equal(preCount + 1))
		Expect(s.repairTimer.Phase()).To(Equal(PhaseHoldoff))
		Expect(sess.sent).To(BeEmpty())
	})

	It("emits a NACK with compact object ranges when the backoff expires unsuppressed", func() {
		cfg := DefaultConfig()
		cfg.DefaultSyncPolicy = SyncCurrent
		sess := newFakeSession(cfg, true)
		c := newTestController(sess)

		hdr := Header{SenderID: 6, InstanceID: 1, GRTT: QuantizeGRTT(100 * time.Millisecond), GroupSize: 10, BackoffFactor: 16}
		// Sync on object 10, then hear object 15: objects 11-14 become a
		// run of four wholly-missing ids.
		Expect(c.HandleMessage(&Message{
			Kind: MsgData, Header: hdr, ObjectID: 10, ObjectType: ObjectStream, IsStream: true,
			Block: 0, Segment: 0, FTI: testFTI(),
		})).To(Succeed())
		Expect(c.HandleMessage(&Message{
			Kind: MsgData, Header: hdr, ObjectID: 15, ObjectType: ObjectStream, IsStream: true,
			Block: 0, Segment: 0,
		})).To(Succeed())

		s, _ := c.nodes.Find(6)
		Expect(s.repairTimer.Phase()).To(Equal(PhaseBackoff))
		s.repairTimer.Fire()

		Expect(s.nackCount).To(Equal(1))
		Expect(sess.sent).To(HaveLen(1))
		nack := sess.sent[0]
		Expect(nack.Kind).To(Equal(MsgNack))
		Expect(nack.RepairItems).To(ContainElement(RepairItem{
			Level: RepairObject, Form: RepairRanges, Object: 11, ObjectTo: 14,
		}))
		Expect(s.repairTimer.Phase()).To(Equal(PhaseHoldoff))
	})
})

var _ = Describe("congestion control feedback", func() {
	It("reports START with doubled receive rate on first CC feedback (scenario 5)", func() {
		cfg := DefaultConfig()
		sess := newFakeSession(cfg, false) // unicast: responds immediately.
		c := newTestController(sess)
		Expect(c.HandleMessage(&Message{Kind: MsgData, Header: Header{SenderID: 9, InstanceID: 1}, ObjectID: 1, FTI: testFTI()})).To(Succeed())
		s, _ := c.nodes.Find(9)
		s.slowStart = true
		s.recvRate = 50_000

		s.OnCommandCC(&CCFeedbackExt{Sequence: 7})

		Expect(sess.sent).NotTo(BeEmpty())
		ack := sess.sent[len(sess.sent)-1]
		Expect(ack.Kind).To(Equal(MsgAck))
		Expect(ack.CC.Start).To(BeTrue())
		Expect(ack.CC.Sequence).To(Equal(uint8(7)))
		Expect(UnquantizeRate(ack.CC.Rate)).To(BeNumerically("~", 100_000, 2_000))
	})
})

var _ = Describe("watermark ack", func() {
	It("defers to a repair check instead of acking when work is outstanding (scenario 6)", func() {
		cfg := DefaultConfig()
		cfg.DefaultSyncPolicy = SyncAll
		sess := newFakeSession(cfg, true)
		c := newTestController(sess)

		// DATA for block 0 arrives, but this object's INFO never has (an
		// object whose INFO is still outstanding always has repair work
		// pending, §4.5/§4.8).
		Expect(c.HandleMessage(&Message{
			Kind: MsgData, Header: Header{SenderID: 3, InstanceID: 1},
			ObjectID: 150, Block: 0, Segment: 0, HasInfo: true, FTI: testFTI(),
		})).To(Succeed())
		s, _ := c.nodes.Find(3)

		err := c.handleFlush(s, &Message{
			Kind:             MsgCmdFlush,
			Header:           Header{SenderID: 3, InstanceID: 1},
			WatermarkObject:  150,
			WatermarkBlock:   5,
			WatermarkSegment: 3,
			AckingNodes:      []uint16{1},
		})
		Expect(err).NotTo(HaveOccurred())
		Expect(s.ackTimer.Active()).To(BeFalse())
		Expect(s.repairTimer.Active()).To(BeTrue())
	})
})
