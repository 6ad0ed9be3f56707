package norm

import (
	"testing"
	"time"
)

func TestComputeBlockBudget(t *testing.T) {
	cases := []struct {
		name                            string
		budget, numData, numParity, seg int
		factor                          float64
		wantSegsPerBlock                int
	}{
		{name: "default factor favors parity count", budget: 64 << 10, numData: 16, numParity: 4, seg: 1024, factor: 0, wantSegsPerBlock: 4},
		{name: "factor 1 buffers full blocks", budget: 64 << 10, numData: 16, numParity: 4, seg: 1024, factor: 1, wantSegsPerBlock: 16},
		{name: "no parity means no segment buffering", budget: 64 << 10, numData: 16, numParity: 0, seg: 1024, factor: 0, wantSegsPerBlock: 0},
	}
	for _, c := range cases {
		got := computeBlockBudget(c.budget, c.numData, c.numParity, c.seg, c.factor)
		if got.SegsPerBlock != c.wantSegsPerBlock {
			t.Errorf("%s: SegsPerBlock = %d, want %d", c.name, got.SegsPerBlock, c.wantSegsPerBlock)
		}
		if got.NumBlocks < 2 {
			t.Errorf("%s: NumBlocks = %d, below the floor of 2", c.name, got.NumBlocks)
		}
		if got.NumSegments != got.NumBlocks*got.SegsPerBlock {
			t.Errorf("%s: NumSegments = %d, want NumBlocks*SegsPerBlock = %d", c.name, got.NumSegments, got.NumBlocks*got.SegsPerBlock)
		}
	}
}

// TestPoolConservationUnderStealing drives a sender past its block budget
// and checks that blocks and segments are stolen, never leaked: free +
// held always equals capacity.
func TestPoolConservationUnderStealing(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SegmentBufferBytes = 600 // deliberately tiny: forces stealing.
	sess := newFakeSession(cfg, true)
	c := newTestController(sess)

	fti := &FTIParams{FEC: FECParams{ID: 2, M: 8}, NumData: 2, NumParity: 1, SegmentSize: 32}
	hdr := Header{SenderID: 2, InstanceID: 1}
	for blk := 0; blk < 10; blk++ {
		m := &Message{
			Kind: MsgData, Header: hdr, ObjectID: 1, ObjectType: ObjectStream, IsStream: true,
			Block: BlockID(blk), Segment: 0,
		}
		if blk == 0 {
			m.FTI = fti
		}
		m.Header.Sequence = uint16(blk)
		if err := c.HandleMessage(m); err != nil {
			t.Fatalf("block %d: %v", blk, err)
		}
	}

	s, ok := c.nodes.Find(2)
	if !ok {
		t.Fatal("sender not tracked")
	}
	heldBlocks, heldSegs := 0, 0
	for _, o := range s.objects {
		for _, b := range o.blocks {
			heldBlocks++
			heldSegs += b.NumPresent()
		}
	}
	if got := heldBlocks + s.blockPool.Available(); got != s.blockPool.Capacity() {
		t.Errorf("block conservation: held %d + free %d = %d, want capacity %d",
			heldBlocks, s.blockPool.Available(), got, s.blockPool.Capacity())
	}
	if got := heldSegs + s.segPool.Available(); got != s.segPool.Capacity() {
		t.Errorf("segment conservation: held %d + free %d = %d, want capacity %d",
			heldSegs, s.segPool.Available(), got, s.segPool.Capacity())
	}
	if heldBlocks > s.blockPool.Capacity() {
		t.Errorf("held %d blocks, capacity is %d", heldBlocks, s.blockPool.Capacity())
	}
}

// stealFixture builds a sender tracking stream objects 5 (blocks 0,1),
// 10 (block 0) and 15 (blocks 0,1), with buffers comfortably inside the
// budget so nothing is stolen during setup.
func stealFixture(t *testing.T, silent bool) *Sender {
	t.Helper()
	cfg := DefaultConfig()
	cfg.ReceiverSilent = silent
	sess := newFakeSession(cfg, true)
	c := newTestController(sess)
	fti := &FTIParams{FEC: FECParams{ID: 2, M: 8}, NumData: 2, NumParity: 1, SegmentSize: 32}
	first := true
	for _, pos := range []struct {
		obj ObjectID
		blk BlockID
	}{{5, 0}, {5, 1}, {10, 0}, {15, 0}, {15, 1}} {
		m := &Message{
			Kind: MsgData, Header: Header{SenderID: 9, InstanceID: 1},
			ObjectID: pos.obj, ObjectType: ObjectStream, IsStream: true,
			Block: pos.blk, Segment: 0,
		}
		if first {
			m.FTI = fti
			first = false
		}
		if err := c.HandleMessage(m); err != nil {
			t.Fatalf("obj %d block %d: %v", pos.obj, pos.blk, err)
		}
	}
	s, ok := c.nodes.Find(9)
	if !ok {
		t.Fatal("sender not tracked")
	}
	return s
}

// A normal receiver steals the newest block from objects at or above the
// requester's id, never from older objects (§4.2).
func TestStealOrderingNormalReceiver(t *testing.T) {
	s := stealFixture(t, false)
	req := s.objects[10]
	b := s.StealBlock(req, 0) // req's only block is exempt: must go cross-object.
	if b == nil {
		t.Fatal("nothing stolen")
	}
	if _, ok := s.objects[15].blocks[1]; ok {
		t.Error("object 15's newest block should have been the victim")
	}
	if len(s.objects[5].blocks) != 2 {
		t.Error("objects below the requester's id must not be touched")
	}
	if len(s.objects[10].blocks) != 1 {
		t.Error("the requester's exempt block must survive")
	}
}

// A silent receiver steals the oldest block from objects at or below the
// requester's id, never from newer objects (§4.2).
func TestStealOrderingSilentReceiver(t *testing.T) {
	s := stealFixture(t, true)
	req := s.objects[10]
	b := s.StealBlock(req, 0)
	if b == nil {
		t.Fatal("nothing stolen")
	}
	if _, ok := s.objects[5].blocks[0]; ok {
		t.Error("object 5's oldest block should have been the victim")
	}
	if len(s.objects[15].blocks) != 2 {
		t.Error("objects above the requester's id must not be touched")
	}
}

func TestSenderCloseReleasesEverything(t *testing.T) {
	cfg := DefaultConfig()
	sess := newFakeSession(cfg, true)
	c := newTestController(sess)
	fti := &FTIParams{FEC: FECParams{ID: 2, M: 8}, NumData: 2, NumParity: 1, SegmentSize: 32}
	err := c.HandleMessage(&Message{
		Kind: MsgData, Header: Header{SenderID: 4, InstanceID: 1}, ObjectID: 1,
		ObjectType: ObjectStream, IsStream: true, Block: 0, Segment: 0, FTI: fti,
		RecvTime: time.Now(), WireSize: 96,
	})
	if err != nil {
		t.Fatal(err)
	}
	s, _ := c.nodes.Find(4)
	s.Close()
	if s.repairTimer.Active() || s.activityTimer.Active() || s.ackTimer.Active() || s.cc.timer.Active() {
		t.Error("Close must deactivate every timer")
	}
	if s.haveBuffers || s.segPool != nil || s.blockPool != nil {
		t.Error("Close must release the buffer pools")
	}
	if len(s.objects) != 0 {
		t.Error("Close must drop tracked objects")
	}
}
