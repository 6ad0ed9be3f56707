package norm

// InitialSync establishes the sender's sync point the first time a message
// is received from it, per the sender's configured SyncPolicy and §4.4's
// sync_test (the §9 open question resolved per the spec's stated intent:
// accept iff the message is stream-flagged, an INFO message, or a DATA
// message addressing FEC block 0, and reject anything repair-flagged;
// SYNC_ALL accepts unconditionally).
//
//   - SyncCurrent/SyncStream: on accept, sync_id = next_id =
//     max_pending_object = the message's object id.
//   - SyncAll: on accept, sync_id = next_id = object_id - max_pending_range
//     + 1 (wait for a window reaching back that far), max_pending_object =
//     the message's object id.
//
// Either way, the triggering object is then marked pending and
// Controller.HandleMessage reports RX_OBJECT_NEW for it. Returns true if m
// established synchronization.
func (s *Sender) InitialSync(m *Message) bool {
	if s.synchronized {
		return true
	}
	if !s.syncTest(m) {
		return false
	}
	s.synchronized = true
	switch s.syncPolicy {
	case SyncAll:
		s.syncID = m.ObjectID.Add(-(int32(s.cfg.RxCacheMax) - 1))
		s.nextID = s.syncID
		s.maxPendingObject = m.ObjectID
		s.pending.Rebase(s.syncID)
		s.rxRepairMask.Rebase(s.syncID)
		n := int(m.ObjectID.Delta(s.nextID)) + 1
		if n > 0 {
			s.pending.SetBits(s.nextID, n)
		}
		s.nextID = m.ObjectID.Add(1)
	default: // SyncCurrent, SyncStream
		s.syncID = m.ObjectID
		s.nextID = m.ObjectID
		s.maxPendingObject = m.ObjectID
		s.pending.Rebase(s.syncID)
		s.rxRepairMask.Rebase(s.syncID)
		s.pending.Set(m.ObjectID)
	}
	s.havePending = true
	s.currentObjectID = m.ObjectID
	s.Info("sender synchronized", "sender", s.ID, "object", m.ObjectID)
	return true
}

// syncTest implements §4.4's sync_test, per the resolved open question: a
// not-yet-synchronized receiver accepts the message that establishes its
// sync point iff it is stream-flagged, an INFO message, or a DATA message
// addressing FEC block 0 — and never accepts a repair-flagged message,
// since a repair retransmission of an object this receiver never saw the
// original of is not a safe place to anchor reliability state. SYNC_ALL
// bypasses the test entirely (§4.4: "accept any message").
func (s *Sender) syncTest(m *Message) bool {
	if s.syncPolicy == SyncAll {
		return true
	}
	if m.IsRepair {
		return false
	}
	return m.IsStream || m.Kind == MsgInfo || (m.Kind == MsgData && m.Block == 0)
}

// Resync handles a CMD(SQUELCH) or an otherwise-unsquelchable gap: the
// sender has moved its window forward past what this receiver can
// represent, or explicitly invalidated a range of objects (§4.4). It
// discards any local objects invalidated, rebases the pending/suppression
// bitmaps to the new sync point, and reports the objects it had to abandon
// without completing.
func (s *Sender) Resync(newSyncID ObjectID, invalid []ObjectID) (abandoned []ObjectID) {
	for _, id := range invalid {
		if obj, ok := s.objects[id]; ok {
			obj.abort(s.segPool)
			delete(s.objects, id)
			abandoned = append(abandoned, id)
			if s.sess != nil {
				s.sess.Notify(EventObjectAborted, s, obj)
			}
		}
		// Clear the bit even if id was never materialized into an Object:
		// an invalidated id the receiver only knew about as a pending-bitmap
		// gap must still disappear from the bitmap (§4.4).
		s.pending.Unset(id)
		s.rxRepairMask.Unset(id)
	}
	for id, obj := range s.objects {
		if id.Precedes(newSyncID) {
			obj.abort(s.segPool)
			delete(s.objects, id)
			abandoned = append(abandoned, id)
			if s.sess != nil {
				s.sess.Notify(EventObjectAborted, s, obj)
			}
		}
	}
	s.syncID = newSyncID
	if s.nextID.Precedes(newSyncID.Add(1)) {
		s.nextID = newSyncID.Add(1)
	}
	if s.maxPendingObject.Precedes(newSyncID) {
		s.maxPendingObject = newSyncID
	}
	s.pending.Rebase(newSyncID)
	s.rxRepairMask.Rebase(newSyncID)
	// The new sync point itself becomes pending (§4.4).
	s.pending.Set(newSyncID)
	s.havePending = true
	s.resyncCount++
	s.failureCount += len(abandoned)
	s.Warn("resynchronized", "sender", s.ID, "newSyncID", newSyncID, "abandoned", len(abandoned))
	return abandoned
}

// ObjectStatus names where an object id falls relative to the sender's
// known window, used by GetObjectStatus to decide whether an inbound
// message describes new work, a repair, stale history, or something
// outside the representable range entirely.
type ObjectStatus uint8

const (
	ObjectUnknown ObjectStatus = iota
	ObjectCurrent
	ObjectPending
	ObjectComplete
	ObjectOutOfRange
)

// GetObjectStatus classifies id relative to the sender's current state.
func (s *Sender) GetObjectStatus(id ObjectID) ObjectStatus {
	if !s.synchronized {
		return ObjectUnknown
	}
	if !s.pending.CanSet(id) {
		return ObjectOutOfRange
	}
	if obj, ok := s.objects[id]; ok {
		if obj.complete {
			return ObjectComplete
		}
		return ObjectCurrent
	}
	if s.pending.Test(id) {
		return ObjectPending
	}
	return ObjectUnknown
}

// SetPending marks id (and everything between the sender's current nextID
// and id) as known-to-exist-but-not-yet-resolved, advancing nextID and
// maxPendingObject, per §4.3/§4.4. This is how a receiver notices an
// object gap: a message naming object id 5 when nextID is 2 implies objects
// 2,3,4 exist and were missed.
func (s *Sender) SetPending(id ObjectID) {
	if !s.synchronized {
		return
	}
	if !s.pending.CanSet(id) {
		s.Resync(id, nil)
	}
	if id.After(s.maxPendingObject) || !s.havePending {
		n := int(id.Delta(s.nextID)) + 1
		if n > 0 {
			s.pending.SetBits(s.nextID, n)
		}
		s.maxPendingObject = id
		s.nextID = id.Add(1)
		s.havePending = true
	}
}

// resolveObject clears id from the pending set once fully delivered or
// explicitly invalidated.
func (s *Sender) resolveObject(id ObjectID) {
	s.pending.Unset(id)
	s.rxRepairMask.Unset(id)
}
