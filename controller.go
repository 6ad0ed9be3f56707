package norm

import (
	"log/slog"

	"github.com/soypat/norm/internal"
)

// Controller is the top-level receiver-side entry point (C10, §6): one
// Controller is created per receiving application and fans inbound messages
// out to the right per-sender Sender state machine, creating one on first
// contact. A sender is torn down by CloseSender or when it reappears with a
// new instance id; REMOTE_SENDER_INACTIVE is only reported to the session.
type Controller struct {
	internal.Logger

	sess  Session
	cfg   Config
	nodes *NodeIndex

	newDecoder func(FECParams, uint32, FECVariant) (FECDecoder, error)
}

// NewController builds a Controller bound to sess. newDecoder is called
// once per sender to build its FEC decoder from the FEC params carried on
// its first object's FTI (§4.6); pass a function wrapping
// [SelectDecoder] with concrete RS8/RS16/MDP constructors (see package
// fecrs).
func NewController(sess Session, cfg Config, log *slog.Logger, newDecoder func(FECParams, uint32, FECVariant) (FECDecoder, error)) *Controller {
	return &Controller{
		Logger:     internal.Logger{Log: log},
		sess:       sess,
		cfg:        cfg,
		nodes:      NewNodeIndex(),
		newDecoder: newDecoder,
	}
}

// getOrCreateSender returns the Sender for the message's sender id,
// creating and registering one on first contact. A changed instance id
// means the remote sender restarted: the stale Sender is closed and
// replaced wholesale rather than resynced in place.
func (c *Controller) getOrCreateSender(m *Message) *Sender {
	if s, ok := c.nodes.Find(m.Header.SenderID); ok {
		if s.InstanceID == m.Header.InstanceID {
			return s
		}
		// Sender restarted: drop all state and start over (§3 "change
		// forces a full resync").
		s.Close()
		c.nodes.Remove(m.Header.SenderID)
	}
	s := newSender(m.Header.SenderID, m.Header.InstanceID, c.sess, c.cfg, c.Logger)
	c.nodes.Insert(s)
	if c.sess != nil {
		c.sess.Notify(EventSenderActive, s, nil)
	}
	return s
}

// FindSender returns the tracked Sender for id.
func (c *Controller) FindSender(id uint16) (*Sender, error) {
	s, ok := c.nodes.Find(id)
	if !ok {
		return nil, errUnknownSender
	}
	return s, nil
}

// CloseSender tears down the Sender for id, deactivating its timers and
// releasing its buffers (§5).
func (c *Controller) CloseSender(id uint16) {
	if s, ok := c.nodes.Find(id); ok {
		s.Close()
		c.nodes.Remove(id)
	}
}

// HandleMessage routes one inbound message to its sender's state machine
// (§6). This is the single point of entry the session multiplexer calls
// once it has demultiplexed a datagram down to a parsed Message.
func (c *Controller) HandleMessage(m *Message) error {
	if m == nil {
		return errMalformedRepair
	}
	s := c.getOrCreateSender(m)
	s.touchActivity()
	s.UpdateGRTTGroupSize(m.Header.GRTT, m.Header.BackoffFactor, m.Header.GroupSize)
	wasZero := s.loss.EventRate() == 0
	s.loss.OnReceive(m.Header.Sequence, m.RecvTime)
	if m.ECNMarked && !s.cfg.ECNIgnoreLoss {
		s.loss.OnLoss(m.Header.Sequence, m.RecvTime)
	}
	if s.slowStart && wasZero && s.loss.EventRate() > 0 {
		s.endSlowStart()
	}
	if !m.RecvTime.IsZero() {
		s.updateReceiveRate(m.WireSize, m.RecvTime)
	}

	switch m.Kind {
	case MsgInfo, MsgData:
		return c.handleObjectMessage(s, m)
	case MsgCmdSquelch:
		s.Resync(m.SquelchObject, m.SquelchInvalid)
	case MsgCmdFlush:
		return c.handleFlush(s, m)
	case MsgCmdAckReq:
		// An application-defined ACK request: no repair implication, just a
		// positive acknowledgment if this receiver is solicited (§4.10).
		if selfAcking(m.AckingNodes, c.sess) {
			delay := internal.UniformRand(s.grtt)
			if c.sess != nil && !c.sess.IsMulticast() {
				delay = 0
			}
			s.ArmWatermarkAck(delay, m.WatermarkObject, m.WatermarkBlock, m.WatermarkSegment)
		}
	case MsgCmdCC:
		s.OnCommandCC(m.CC)
	case MsgCmdRepairAdv:
		s.HandleRepairContent(m.RepairItems)
	case MsgCmdApplication:
		if m.CmdContent != nil {
			if err := s.EnqueueCommand(m.CmdContent); err != nil {
				c.Warn("rejected application command", "sender", s.ID, "len", len(m.CmdContent))
				return err
			}
			if c.sess != nil {
				c.sess.Notify(EventCmdNew, s, nil)
			}
		}
	case MsgNack:
		// An overheard NACK drives both repair suppression (§4.5) and, if
		// it carries a CC-feedback extension, CC suppression (§4.7) —
		// NACKs piggyback CC feedback per §4.5 step 2.
		s.HandleRepairContent(m.RepairItems)
		if m.CC != nil {
			s.HandleCCFeedback(*m.CC)
		}
	case MsgAck:
		// An overheard ACK(CC)/ACK(FLUSH) from another receiver only ever
		// carries CC suppression information for this engine; repair
		// suppression is driven by NACKs and REPAIR_ADVs, not ACKs (§4.10).
		if m.CC != nil {
			s.HandleCCFeedback(*m.CC)
		}
	}
	return nil
}

// handleObjectMessage materializes the addressed object/block/segment, runs
// FEC decode once a block becomes receivable, and kicks the repair engine
// for anything the message's position implies is still missing (§3, §4.5,
// §4.6).
func (c *Controller) handleObjectMessage(s *Sender, m *Message) error {
	if m.Kind == MsgData {
		if !s.haveBuffers {
			if m.FTI == nil {
				c.Error("data without FEC transmission info", "sender", s.ID, "object", m.ObjectID)
				return newProtoErr(ErrKindProtocol, errMissingFTI)
			}
			if err := s.allocateBuffers(*m.FTI, c.newDecoder); err != nil {
				// Allocation is retried on the next DATA message (§7).
				c.Error("buffer allocation failed", "sender", s.ID, "err", err.Error())
				return err
			}
		} else if m.FTI != nil && *m.FTI != s.fti {
			// FEC shape changed mid-session: all buffered state is sized
			// for the old shape and must go (§3 lifecycle).
			c.Warn("FEC parameters changed, reallocating", "sender", s.ID)
			s.freeBuffers()
			if err := s.allocateBuffers(*m.FTI, c.newDecoder); err != nil {
				c.Error("buffer reallocation failed", "sender", s.ID, "err", err.Error())
				return err
			}
		}
	}
	if !s.synchronized {
		if !s.InitialSync(m) {
			return nil // held until a synchronizable message arrives.
		}
	}
	s.SetPending(m.ObjectID)

	obj, ok := s.objects[m.ObjectID]
	if !ok {
		if s.GetObjectStatus(m.ObjectID) == ObjectOutOfRange {
			return errBitmapOutOfRange
		}
		obj = newObject(m.ObjectID, m.ObjectType, m.HasInfo && !s.ignoreInfo, s.numData, s.numParity, s.segmentSize)
		s.objects[m.ObjectID] = obj
		if c.sess != nil {
			c.sess.Notify(EventObjectNew, s, obj)
		}
	}

	if m.ObjectSize > 0 {
		obj.setSize(m.ObjectSize)
	}
	if m.Kind == MsgInfo {
		obj.infoReceived = true
	} else {
		blk, err := obj.attachBlock(m.Block, s.blockPool)
		if err != nil {
			return err
		}
		idx := int(m.Segment)
		if m.IsParity {
			idx += s.numData
		}
		if s.numParity > 0 {
			// The payload must be buffered: a later parity symbol may need
			// it (or it is parity itself) for FEC decode.
			seg := s.getSegment(obj, m.Block)
			if seg == nil {
				return errPoolExhausted
			}
			seg.SetBytes(m.Payload)
			blk.SetSegment(idx, seg)
		} else {
			// No parity, nothing ever decodes: the payload goes straight to
			// the object's storage collaborator and the block only tracks
			// arrival.
			blk.MarkArrived(idx)
		}

		// A short final block skips parity decode: its parity symbols were
		// computed over the full zero-padded width, which this engine does
		// not reconstruct; the block completes from its source symbols.
		if blk.IsReceivable() && !blk.HaveSource() && blk.srcLen == s.numData {
			if err := c.decodeBlock(s, blk); err != nil {
				s.Warn("fec decode failed", "sender", s.ID, "object", obj.id, "block", blk.id, "err", err.Error())
			}
		}
		if blk.HaveSource() {
			blk.MarkComplete()
			// Content is the storage collaborator's from here; the loaned
			// buffers go back to the pool (§3 "returned on completion or
			// reclamation").
			blk.reclaimSegments(s.segPool)
		}
	}

	if objectFullyComplete(obj) {
		obj.complete = true
		s.resolveObject(obj.id)
		s.completionCount++
		if c.sess != nil {
			c.sess.Notify(EventObjectCompleted, s, obj)
		}
	}

	s.RepairCheck(ThruSegment, m.ObjectID, m.Block, m.Segment)
	return nil
}

// objectFullyComplete reports whether every block of the object's known
// extent is complete. The extent comes from the FTI-carried object size;
// an object whose size was never learned cannot be declared complete, and
// streams never complete at all — they are delivered incrementally and only
// end via flush/squelch (§3).
func objectFullyComplete(o *Object) bool {
	if o.IsStream() || !o.haveSize || o.NeedsInfo() {
		return false
	}
	for id := BlockID(0); ; id = id.Add(1) {
		if !o.blockComplete(id) {
			return false
		}
		if id == o.finalBlock {
			break
		}
	}
	return true
}

// decodeBlock invokes the sender's FEC decoder on a receivable block.
// Erased source symbols are decoded into retrieval-pool scratch buffers and
// only then moved into real segment-pool segments, so a failed decode never
// leaves half-filled segments attached to the block (§4.2 retrieval pool,
// §4.6).
func (c *Controller) decodeBlock(s *Sender, b *Block) error {
	if s.decoder == nil {
		return errUnsupportedFEC
	}
	parityIdx, sourceIdx := b.PresentIdx()
	internal.SliceReuse(&s.decodeScratch, b.Width())
	symbols := s.decodeScratch[:b.Width()]
	for i, seg := range b.segs {
		if seg != nil {
			symbols[i] = seg.Bytes()
		} else {
			symbols[i] = nil
		}
	}
	// Erasure scratch must match the present symbols' length exactly; the
	// codec rejects mixed shard sizes.
	symLen := 0
	for _, sym := range symbols {
		if sym != nil {
			symLen = len(sym)
			break
		}
	}
	missing := b.MissingSourceIdx()
	scratch := make([]*Segment, len(missing))
	for j, i := range missing {
		sc := s.retrieval.Get()
		if sc == nil {
			for _, held := range scratch[:j] {
				s.retrieval.Put(held)
			}
			return errPoolExhausted
		}
		scratch[j] = sc
		symbols[i] = sc.buf[:symLen]
	}
	err := s.decoder.Decode(parityIdx, sourceIdx, symbols)
	if err == nil {
		for j, i := range missing {
			seg := s.getSegment(b.owner, b.id)
			if seg == nil {
				// Degrade: the block stays incomplete until buffers free up
				// (§4.2 "caller must degrade gracefully").
				s.Warn("segment pool exhausted during decode", "sender", s.ID, "block", b.id)
				break
			}
			seg.SetBytes(scratch[j].buf[:symLen])
			b.SetSegment(i, seg)
		}
	}
	for _, sc := range scratch {
		sc.Clear()
		s.retrieval.Put(sc)
	}
	return err
}

// handleFlush processes a CMD(FLUSH) watermark (§4.8): if the repair
// engine reports the watermark position is already satisfied, arm the
// watermark-ACK timer; otherwise run a THRU_SEGMENT repair check at the
// watermark position so the normal NACK machinery requests what's missing.
func (c *Controller) handleFlush(s *Sender, m *Message) error {
	if !selfAcking(m.AckingNodes, c.sess) {
		return nil
	}
	if !s.PassiveRepairCheck(m.WatermarkObject, m.WatermarkBlock, m.WatermarkSegment) {
		delay := internal.UniformRand(s.grtt)
		if c.sess != nil && !c.sess.IsMulticast() {
			delay = 0
		}
		s.ArmWatermarkAck(delay, m.WatermarkObject, m.WatermarkBlock, m.WatermarkSegment)
		return nil
	}
	s.RepairCheck(ThruSegment, m.WatermarkObject, m.WatermarkBlock, m.WatermarkSegment)
	return nil
}

// selfAcking reports whether this receiver is named in a CMD(FLUSH)'s
// acking-node list (§4.8). An empty list means "everyone," matching the
// original's convention that an unqualified FLUSH solicits an ACK from the
// whole group.
func selfAcking(nodes []uint16, sess Session) bool {
	if len(nodes) == 0 {
		return true
	}
	if sess == nil {
		return false
	}
	self := sess.LocalNodeID()
	for _, n := range nodes {
		if n == self {
			return true
		}
	}
	return false
}
