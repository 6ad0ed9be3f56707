package norm

import (
	"github.com/soypat/norm/internal"
)

// RepairCheck is the entry point the controller calls whenever an inbound
// message implies repair work might be needed: a new DATA/INFO segment
// arrived (revealing a gap before it), a CMD(FLUSH) watermark was not yet
// satisfied, or the activity timer fired with outstanding work. It runs the
// three-phase backoff/holdoff state machine described in the design notes
// (§4.5, §9):
//
//   - PhaseIdle: walk every pending object up to obj (THRU_OBJECT for the
//     earlier ones, level for the target); if anything is outstanding, arm
//     PhaseBackoff with a random draw in [0, GRTT*backoff_factor) so that
//     not every receiver in the group NACKs in lockstep, and clear the
//     overheard-suppression mask for a fresh round (§4.5 step 1).
//   - PhaseBackoff: trim scope — re-run the target's check with the timer
//     active so it can prune, and pull currentObjectID back if the sender
//     has rewound to an earlier object.
//   - PhaseHoldoff: a sender rewind (earlier object, or an in-object
//     rewind) cancels the holdoff and re-enters RepairCheck immediately.
//
// level/block/seg describe how far the check should look (§4.5's
// THRU_INFO/TO_BLOCK/THRU_BLOCK/THRU_SEGMENT/THRU_OBJECT levels).
func (s *Sender) RepairCheck(level CheckLevel, obj ObjectID, block BlockID, seg SegmentID) {
	if !s.synchronized || s.nackingMode == NackNone {
		return
	}
	s.SetPending(obj) // maxPendingObject = max(maxPendingObject, obj), §4.5.
	s.repairLevel = level
	s.repairAtBlock = block
	s.repairAtSeg = seg

	switch s.repairTimer.Phase() {
	case PhaseIdle:
		if obj.After(s.currentObjectID) {
			s.currentObjectID = obj
		}
		if !s.repairWalk(level, obj, block, seg, false, false) {
			return
		}
		d := internal.ExponentialRand(s.backoffInterval(), s.groupSize)
		if s.sess != nil && !s.sess.IsMulticast() {
			d = 0
		}
		s.rxRepairMask.ClearAll()
		s.repairTimer.Activate(PhaseBackoff, d, 1)
		if s.sess != nil {
			s.sess.ActivateTimer(&s.repairTimer)
		}
	case PhaseBackoff:
		// Trim scope to the sender's current position rather than widening
		// the pending request: the first-armed timer's schedule is kept,
		// favoring fewer total NACKs over repair latency.
		if o, ok := s.objects[obj]; ok {
			o.ReceiverRepairCheck(level, block, seg, true)
		}
		if obj.Precedes(s.currentObjectID) {
			s.currentObjectID = obj
		}
	case PhaseHoldoff:
		rewound := obj.Precedes(s.currentObjectID)
		if !rewound {
			if o, ok := s.objects[obj]; ok {
				rewound = o.ReceiverRewindCheck(block, seg)
			}
		}
		if rewound {
			s.repairTimer.Deactivate()
			s.currentObjectID = obj
			s.RepairCheck(level, obj, block, seg)
		}
	}
}

// onRepairTimer is the Timer callback driving the backoff/holdoff phases.
func onRepairTimer(ctx any) {
	s := ctx.(*Sender)
	switch s.repairTimer.Phase() {
	case PhaseBackoff:
		s.fireBackoffPhase()
	case PhaseHoldoff:
		s.repairTimer.Deactivate()
		s.RepairCheck(s.repairLevel, s.currentObjectID, s.repairAtBlock, s.repairAtSeg)
	}
}

func (s *Sender) fireBackoffPhase() {
	nack := s.buildNack()
	holdoff := s.holdoffInterval()
	if nack == nil {
		// §4.5 step 1 (P5): fully suppressed — still transition to holdoff
		// rather than idle, so a burst of late-arriving suppression doesn't
		// immediately re-arm a fresh backoff.
		s.suppressCount++
		s.repairTimer.Activate(PhaseHoldoff, holdoff, 1)
		if s.sess != nil {
			s.sess.ActivateTimer(&s.repairTimer)
		}
		return
	}
	// A silent receiver runs the full build so suppression/counter state
	// stays consistent, and only skips the transmission itself (§4.5
	// step 4).
	if s.silent {
		s.sess.ReturnMessageToPool(nack)
	} else {
		s.sess.SendMessage(nack)
	}
	s.nackCount++
	s.repairTimer.Activate(PhaseHoldoff, holdoff, 1)
	if s.sess != nil {
		s.sess.ActivateTimer(&s.repairTimer)
	}
}

// repairWalk walks every pending object id from the lowest pending up to
// lastObj and reports whether unsuppressed repair work remains (§4.5 "walk
// pending objects up to obj_id"). Earlier objects are checked THRU_OBJECT;
// the target object with level. Ids that are pending but never materialized
// count as entirely missing. skipSuppressed honors the overheard-NACK mask
// (used at backoff expiry); backoffActive is forwarded to the per-object
// check so it can prune during the backoff phase.
func (s *Sender) repairWalk(level CheckLevel, lastObj ObjectID, block BlockID, seg SegmentID, skipSuppressed, backoffActive bool) bool {
	first, ok := s.pending.FirstSet()
	if !ok {
		return false
	}
	for id := first; !id.After(lastObj); id = id.Add(1) {
		if !s.pending.Test(id) {
			continue
		}
		if skipSuppressed && s.rxRepairMask.Test(id) {
			continue
		}
		o, live := s.objects[id]
		if !live {
			return true // known to exist, nothing of it received.
		}
		lvl := level
		if id != lastObj {
			lvl = ThruObject
		}
		if o.ReceiverRepairCheck(lvl, block, seg, backoffActive) {
			return true
		}
	}
	return false
}

// PassiveRepairCheck reports whether anything is still outstanding at or
// before the (obj, block, seg) watermark, with no side effects — the
// sender-level counterpart of the per-object check, used by the
// CMD(FLUSH) watermark logic (§4.8). A pending id with no materialized
// object is outstanding by definition.
func (s *Sender) PassiveRepairCheck(obj ObjectID, block BlockID, seg SegmentID) bool {
	first, ok := s.pending.FirstSet()
	if !ok {
		return false
	}
	for id := first; !id.After(obj); id = id.Add(1) {
		if !s.pending.Test(id) {
			continue
		}
		o, live := s.objects[id]
		if !live {
			return true
		}
		if id == obj {
			if o.PassiveRepairCheck(block, seg) {
				return true
			}
		} else if o.IsRepairPending(false) {
			return true
		}
	}
	return false
}

// buildNack assembles a NACK covering every object with outstanding,
// unsuppressed repair work, walking pending ids up to currentObjectID
// (§4.5 steps 1-3). Runs of wholly-missing objects are encoded in the most
// compact form: three or more consecutive ids as one RANGES item, one or
// two as ITEMS. A materialized object appends its own fine-grained
// block/segment requests — in "flush" form for interior objects and
// "non-flush" form for the tail maxPendingObject, since more of the tail
// may still be in flight. Returns nil if nothing unsuppressed remains
// (the P5 suppression case).
func (s *Sender) buildNack() *Message {
	if s.sess == nil || s.nackingMode == NackNone {
		return nil
	}
	if !s.repairWalk(s.repairLevel, s.currentObjectID, s.repairAtBlock, s.repairAtSeg, true, false) {
		return nil
	}
	m := s.sess.GetMessageFromPool()
	if m == nil {
		s.Warn("dropped nack: message pool exhausted", "sender", s.ID)
		return nil
	}
	m.Kind = MsgNack
	m.Header = Header{SenderID: s.ID, InstanceID: s.InstanceID}
	m.Unicast = s.unicastNacks
	if s.cc.enabled {
		ext := s.buildCCFeedback()
		m.CC = &ext
	}

	appended := false
	first, _ := s.pending.FirstSet()
	var runStart ObjectID
	runLen := 0
	flushRun := func() {
		switch {
		case runLen >= 3:
			m.RepairItems = append(m.RepairItems, RepairItem{
				Level: s.missingObjectLevel(), Form: RepairRanges,
				Object: runStart, ObjectTo: runStart.Add(int32(runLen - 1)),
				InfoOnly: s.nackingMode == NackInfoOnly,
			})
			appended = true
		case runLen >= 1:
			for i := 0; i < runLen; i++ {
				m.RepairItems = append(m.RepairItems, RepairItem{
					Level: s.missingObjectLevel(), Form: RepairItems,
					Object:   runStart.Add(int32(i)),
					InfoOnly: s.nackingMode == NackInfoOnly,
				})
			}
			appended = true
		}
		runLen = 0
	}
	for id := first; !id.After(s.currentObjectID); id = id.Add(1) {
		missing := s.pending.Test(id) && !s.rxRepairMask.Test(id)
		if !missing {
			flushRun()
			continue
		}
		if o, live := s.objects[id]; live {
			flushRun()
			if !o.IsRepairPending(id == s.currentObjectID) {
				continue
			}
			if s.repairBoundary == ObjectBoundary {
				// Object-boundary repair policy requests whole objects
				// rather than descending to block/segment granularity.
				m.RepairItems = append(m.RepairItems, RepairItem{
					Level: RepairObject, Form: RepairItems, Object: id,
				})
				appended = true
				continue
			}
			if o.AppendRepairRequest(m, id != s.maxPendingObject) {
				appended = true
			}
			continue
		}
		if runLen == 0 {
			runStart = id
		}
		runLen++
	}
	flushRun()
	if !appended {
		s.sess.ReturnMessageToPool(m)
		return nil
	}
	return m
}

// missingObjectLevel maps the sender's nacking mode onto the repair level
// used for wholly-missing objects: NACK_INFO_ONLY receivers only ever ask
// for object INFO, never content (§4.5 step 3 "flag OBJECT (or INFO per
// nacking mode)").
func (s *Sender) missingObjectLevel() RepairLevel {
	if s.nackingMode == NackInfoOnly {
		return RepairInfo
	}
	return RepairObject
}

// HandleRepairContent processes an overheard NACK or CMD(REPAIR_ADV),
// marking every item it covers as suppressed so this receiver's own backoff
// phase (if one is pending) finds nothing left to do for that range (§4.5
// step 2, the suppression mechanism that keeps NACK volume from scaling
// with group size).
func (s *Sender) HandleRepairContent(items []RepairItem) {
	for _, item := range items {
		o, ok := s.objects[item.Object]
		switch item.Level {
		case RepairInfo:
			if ok {
				o.SetRepairInfo()
			}
		case RepairObject:
			hi := item.Object
			if item.Form == RepairRanges {
				hi = item.ObjectTo
			}
			for id := item.Object; ; id = id.Add(1) {
				s.rxRepairMask.Set(id)
				if id == hi {
					break
				}
			}
		case RepairBlock:
			if !ok {
				continue
			}
			hi := item.Block
			if item.Form == RepairRanges {
				hi = item.BlockTo
			}
			o.SetRepairs(item.Block, hi)
		case RepairSegment:
			if !ok {
				continue
			}
			o.setSegmentRepair(item.Block, item.Segment, item.Segment)
		}
	}
}

// ArmFromActivity is called by the activity timer when a sender has gone
// quiet but still has pending work, forcing a comprehensive THRU_OBJECT
// sweep up to maxPendingObject — the recovery path for a lost
// end-of-transmission flush (§4.8; preserved as in the original even though
// a full sweep can occasionally re-request content a finer-grained check
// would have skipped).
func (s *Sender) ArmFromActivity() {
	s.RepairCheck(ThruObject, s.maxPendingObject, 0, 0)
}
