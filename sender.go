package norm

import (
	"sort"
	"time"

	"github.com/rs/xid"
	"github.com/soypat/norm/internal"
)

// Sender is the receiver-side state machine for one remote sender (§3). A
// Sender is created the first time a message from a new sender id arrives
// and lives until the session closes it (Controller.CloseSender) or the
// sender restarts with a new instance id. When the activity timeout's
// robust_factor retries are exhausted (§4.8) it raises
// REMOTE_SENDER_INACTIVE but stays tracked.
type Sender struct {
	internal.Logger

	ID         uint16
	InstanceID uint32

	// tag identifies this Sender instance across async timer callbacks and
	// restarts: the 16-bit wire id recurs every time the remote sender
	// comes back with a new instance id, the tag never does.
	tag xid.ID

	sess Session
	cfg  Config

	// --- Sync Engine state (C5, §4.4) ---
	synchronized     bool
	syncID           ObjectID
	nextID           ObjectID
	maxPendingObject ObjectID
	havePending      bool
	pending          PendingBitmap // windowed object-id set: "known to exist, not yet resolved".
	rxRepairMask     PendingBitmap // windowed object-id set: "already covered by an overheard repair request".
	objects          map[ObjectID]*Object
	syncPolicy       SyncPolicy
	repairBoundary   RepairBoundary
	nackingMode      NackingMode

	// --- FEC shape + buffer pools (C3, §4.2/§4.6) ---
	// Zero until the first DATA message carrying FTI arrives; buffers are
	// allocated lazily from it and freed again if a later FTI changes the
	// FEC shape (§3 lifecycle).
	fti         FTIParams
	haveBuffers bool
	numData     int
	numParity   int
	segmentSize int
	decoder     FECDecoder

	segPool   *SegmentPool
	blockPool *BlockPool
	retrieval *SegmentPool // decode scratch for erased source symbols (§4.2).

	// --- rate/RTT/group estimates (§4.10) ---
	grtt          time.Duration
	rtt           time.Duration
	haveRTT       bool
	groupSize     float64
	backoffFactor float64

	// --- Loss Estimator (C1, §4.9) ---
	loss lossEstimator

	// --- Congestion Control (C7, §4.7) ---
	cc ccState

	// --- Receive-rate estimate (§4.7 "Receive-rate update") ---
	recvRate       float64 // bytes/sec, last completed measurement.
	recvRatePrev   float64
	nominalPktSize float64
	bytesAccum     float64
	prevUpdateTime time.Time
	haveRecvTime   bool
	slowStart      bool // true until the first loss event anchors the TFRC estimate.

	// --- Repair/NACK engine (C6, §4.5) ---
	repairTimer     Timer
	repairLevel     CheckLevel
	currentObjectID ObjectID // the sender's observed transmit position (§3 sync state).
	repairAtBlock   BlockID
	repairAtSeg     SegmentID
	unicastNacks    bool

	// --- Activity timer & watermark ACK (C8, §4.8) ---
	activityTimer    Timer
	ackTimer         Timer
	robustCount      int
	active           bool
	ackWatermarkObj  ObjectID
	ackWatermarkBlk  BlockID
	ackWatermarkSeg  SegmentID

	// --- Command intake queue (C9, §4.9) ---
	cmds cmdQueue

	// --- Counters (§3 "counters: resync, nack, suppress, completion, failure") ---
	resyncCount     int
	nackCount       int
	suppressCount   int
	completionCount int
	failureCount    int

	// decodeScratch is reused across decodeBlock calls to avoid an
	// allocation per FEC decode attempt.
	decodeScratch [][]byte

	ignoreInfo bool
	silent     bool
	realtime   bool
}

// newSender constructs a Sender for id, wiring its timers but not yet
// allocating buffers or activating anything: the caller (Controller) arms
// the activity timer once the first message is classified, and buffer pools
// are sized lazily from the first DATA message's FTI (§3 lifecycle).
func newSender(id uint16, instanceID uint32, sess Session, cfg Config, log internal.Logger) *Sender {
	tag := xid.New()
	if log.Log != nil {
		// Every log line this sender emits carries the tag, so interleaved
		// timer callbacks from different sender incarnations stay apart.
		log.Log = log.Log.With("senderTag", tag.String())
	}
	s := &Sender{
		Logger:         log,
		ID:             id,
		InstanceID:     instanceID,
		tag:            tag,
		sess:           sess,
		cfg:            cfg,
		objects:        make(map[ObjectID]*Object),
		pending:        NewPendingBitmap(cfg.RxCacheMax),
		rxRepairMask:   NewPendingBitmap(cfg.RxCacheMax),
		syncPolicy:     cfg.DefaultSyncPolicy,
		repairBoundary: cfg.DefaultRepairBoundary,
		nackingMode:    cfg.DefaultNackingMode,
		unicastNacks:   cfg.UnicastNacks,
		backoffFactor:  cfg.BackoffFactor,
		ignoreInfo:     cfg.ReceiverIgnoreInfo,
		silent:         cfg.ReceiverSilent,
		realtime:       cfg.ReceiverRealtime,
		robustCount:    cfg.RxRobustFactor,
		cc:             newCCState(),
		loss:           newLossEstimator(),
		slowStart:      true,
		cmds:           newCmdQueue(defaultCmdQueueCap),
	}
	s.repairTimer = NewTimer(onRepairTimer, s)
	s.activityTimer = NewTimer(onActivityTimer, s)
	s.ackTimer = NewTimer(onAckTimer, s)
	s.cc.timer = NewTimer(onCCTimer, s)
	return s
}

// allocateBuffers sizes and builds the sender's block/segment/retrieval
// pools from fti and stands up its FEC decoder (§4.2, §4.6). Called on the
// first DATA message carrying FTI, and again (after freeBuffers) whenever a
// later FTI changes the FEC shape. newDecoder is the controller's decoder
// factory.
func (s *Sender) allocateBuffers(fti FTIParams, newDecoder func(FECParams, uint32, FECVariant) (FECDecoder, error)) error {
	decoder, err := newDecoder(fti.FEC, s.InstanceID, s.cfg.FECVariant)
	if err != nil {
		return wrapBoundary(ErrKindConfig, err, "select FEC decoder")
	}
	if decoder != nil {
		if err := decoder.Init(fti.NumData, fti.NumData+fti.NumParity, fti.SegmentSize+streamHeaderBytes); err != nil {
			return wrapBoundary(ErrKindFatal, err, "init FEC decoder")
		}
	}
	budget := computeBlockBudget(int(s.cfg.SegmentBufferBytes), fti.NumData, fti.NumParity, fti.SegmentSize, s.cfg.BufferFactor)
	s.fti = fti
	s.numData = fti.NumData
	s.numParity = fti.NumParity
	s.segmentSize = fti.SegmentSize
	s.decoder = decoder
	s.segPool = NewSegmentPool(budget.NumSegments, fti.SegmentSize+streamHeaderBytes)
	s.blockPool = NewBlockPool(budget.NumBlocks, fti.NumData, fti.NumParity, s.silent)
	s.blockPool.SetStealer(s)
	s.retrieval = NewSegmentPool(fti.NumData, fti.SegmentSize+streamHeaderBytes)
	s.haveBuffers = true
	for _, o := range s.objects {
		// Objects known only from INFO so far were created without a shape.
		o.setShape(fti.NumData, fti.NumParity, fti.SegmentSize)
	}
	s.Debug("buffers allocated", "sender", s.ID,
		"blocks", budget.NumBlocks, "segments", budget.NumSegments,
		"numData", fti.NumData, "numParity", fti.NumParity)
	return nil
}

// freeBuffers aborts every tracked object and releases the pools and
// decoder, returning the sender to its pre-FTI state (§3 lifecycle: buffers
// are "freed on FEC-parameter change or close").
func (s *Sender) freeBuffers() {
	for id, obj := range s.objects {
		obj.abort(s.segPool)
		delete(s.objects, id)
	}
	s.pending.ClearAll()
	s.rxRepairMask.ClearAll()
	if s.decoder != nil {
		s.decoder.Destroy()
		s.decoder = nil
	}
	s.segPool = nil
	s.blockPool = nil
	s.retrieval = nil
	s.haveBuffers = false
}

// Close deactivates every timer and then releases the sender's buffers, in
// that order, so no late callback can observe freed pools (§5 "Closing a
// sender deactivates all its timers before releasing buffers").
func (s *Sender) Close() {
	s.repairTimer.Deactivate()
	s.activityTimer.Deactivate()
	s.ackTimer.Deactivate()
	s.cc.timer.Deactivate()
	s.freeBuffers()
}

// Tag returns the unique id stamped on this Sender instance at
// construction, distinguishing incarnations that share a wire sender id
// in logs and metrics.
func (s *Sender) Tag() xid.ID { return s.tag }

// GRTT returns the current group round-trip-time estimate.
func (s *Sender) GRTT() time.Duration { return s.grtt }

// GroupSize returns the current estimated receiver group size.
func (s *Sender) GroupSize() float64 { return s.groupSize }

// BackoffFactor returns the currently effective backoff factor (§4.10).
func (s *Sender) BackoffFactor() float64 { return s.backoffFactor }

// Rate returns the last TFRC-estimated fair send rate in bytes/sec (§4.7).
func (s *Sender) Rate() float64 { return s.cc.rate }

// LossRate returns the loss-event rate estimate taken at the last CMD(CC)
// (§4.9).
func (s *Sender) LossRate() float64 { return s.cc.lossRate }

// ResyncCount returns the number of times this sender has been forced to
// resynchronize (§4.4, §7 "Sync loss").
func (s *Sender) ResyncCount() int { return s.resyncCount }

// NackCount returns the number of NACKs built at backoff expiry, including
// those a silent receiver built but did not transmit.
func (s *Sender) NackCount() int { return s.nackCount }

// SuppressCount returns the number of times the repair backoff timer found
// nothing left to NACK because an overheard NACK/ADV suppressed it first
// (§4.5 step 1, P5).
func (s *Sender) SuppressCount() int { return s.suppressCount }

// CompletionCount returns the number of objects this sender has fully
// delivered.
func (s *Sender) CompletionCount() int { return s.completionCount }

// FailureCount returns the number of objects aborted without completing.
func (s *Sender) FailureCount() int { return s.failureCount }

// UpdateGRTTGroupSize applies a GRTT/group-size/backoff-factor update seen
// on any incoming message (§4.10, applies regardless of message kind), then
// rescales any currently armed timer whose interval depends on these
// values, per §5's "timer rescale on update, never cancel/recreate"
// ordering guarantee.
func (s *Sender) UpdateGRTTGroupSize(wireGRTT, wireBackoff uint8, wireGroupSize uint8) {
	prevGRTT := s.grtt
	s.grtt = UnquantizeGRTT(wireGRTT)
	if s.grtt != prevGRTT && s.sess != nil {
		s.sess.Notify(EventGRTTUpdated, s, nil)
	}
	// The loss estimator's event window tracks the GRTT estimate: outages
	// within one group round trip of a confirmed loss event are the same
	// congestion episode (§4.9, P8).
	s.loss.eventWindow = s.grtt
	s.backoffFactor = float64(wireBackoff) / 4.0 // RFC 5740 encodes backoff factor in quarter-unit steps.

	newSize := float64(wireGroupSize)
	if newSize <= 0 {
		newSize = 1
	}
	w := s.cfg.GroupSizeSmoothing
	if w <= 0 || s.groupSize == 0 {
		s.groupSize = newSize
	} else {
		s.groupSize = w*newSize + (1-w)*s.groupSize
	}

	if s.repairTimer.Active() {
		s.repairTimer.Reschedule(s.backoffInterval())
	}
	if s.cc.timer.Phase() == PhaseHoldoff {
		s.cc.timer.Reschedule(time.Duration(float64(s.grtt) * s.backoffFactor))
	}
	if s.activityTimer.Active() {
		s.activityTimer.Reschedule(s.activityInterval())
	}
}

// backoffInterval computes the maximum NACK backoff window: GRTT scaled by
// the current backoff factor, floored by NormTickMin (§4.5, §9 supplemented
// NORM_TICK_MIN knob).
func (s *Sender) backoffInterval() time.Duration {
	d := time.Duration(float64(s.grtt) * s.backoffFactor)
	if d < s.cfg.NormTickMin {
		d = s.cfg.NormTickMin
	}
	return d
}

// holdoffInterval computes the repair timer's holdoff duration (§4.5): a
// multicast sender holds off grtt*(backoff_factor+2) to absorb its own NACK's
// round trip before re-checking; a unicast sender instead holds off just long
// enough to expect the targeted retransmission, estimated from the nominal
// packet size over the measured receive rate, floored by NormTickMin.
func (s *Sender) holdoffInterval() time.Duration {
	var d time.Duration
	if s.sess == nil || s.sess.IsMulticast() {
		d = time.Duration(float64(s.grtt) * (s.backoffFactor + 2))
	} else if s.recvRate > 0 {
		d = s.grtt + time.Duration(s.nominalPktSize/s.recvRate*float64(time.Second))
		if d > 2*s.grtt {
			d = 2 * s.grtt
		}
	} else {
		d = 2 * s.grtt
	}
	if d < s.cfg.NormTickMin {
		d = s.cfg.NormTickMin
	}
	return d
}

// StealBlock implements [BlockStealer], §4.2's acquisition contract: the
// requester first steals from its own blocks (oldest for silent/realtime
// receivers, newest otherwise, never blockID — the block being filled),
// then the object table is walked in sorted id order — forward over
// objects with id at or below the requester's (silent/realtime), reverse
// over objects with id at or above it (normal) — so the sacrifice always
// comes from the data least likely to still matter to this receiver.
func (s *Sender) StealBlock(requester *Object, blockID BlockID) *Block {
	oldest := s.silent || s.realtime
	var b *Block
	if requester != nil {
		if oldest {
			b = requester.StealOldestBlock(requester.id, blockID)
		} else {
			b = requester.StealNewestBlock(requester.id, blockID)
		}
		if b != nil {
			b.reclaimSegments(s.segPool)
			return b
		}
	}
	ids := make([]ObjectID, 0, len(s.objects))
	for id := range s.objects {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].Precedes(ids[j]) })
	tryObject := func(id ObjectID) *Block {
		obj := s.objects[id]
		if obj == requester {
			return nil
		}
		matchID := id
		if requester != nil {
			matchID = requester.id
		}
		if oldest {
			return obj.StealOldestBlock(matchID, blockID)
		}
		return obj.StealNewestBlock(matchID, blockID)
	}
	if oldest {
		for _, id := range ids {
			if requester != nil && id.After(requester.id) {
				break
			}
			if b = tryObject(id); b != nil {
				b.reclaimSegments(s.segPool)
				return b
			}
		}
		return nil
	}
	for i := len(ids) - 1; i >= 0; i-- {
		id := ids[i]
		if requester != nil && id.Precedes(requester.id) {
			break
		}
		if b = tryObject(id); b != nil {
			b.reclaimSegments(s.segPool)
			return b
		}
	}
	return nil
}

// getSegment returns a free segment, stealing a block back into the pool
// first if the free list is empty (§4.2's acquisition contract applies to
// segments as well as blocks: stealing a block returns all its loaned
// segments). blockID is the block the segment is destined for, exempt from
// the steal. Returns nil only when there is nothing left to steal.
func (s *Sender) getSegment(requester *Object, blockID BlockID) *Segment {
	if seg := s.segPool.Get(); seg != nil {
		return seg
	}
	if b := s.StealBlock(requester, blockID); b != nil {
		s.blockPool.Put(b)
		return s.segPool.Get()
	}
	return nil
}

// touchActivity resets the activity timer's repeat budget, marking the
// sender as having been heard from (§4.8).
func (s *Sender) touchActivity() {
	s.active = true
	s.robustCount = s.cfg.RxRobustFactor
	if !s.activityTimer.Active() {
		s.activityTimer.Activate(PhaseBackoff, s.activityInterval(), s.cfg.RxRobustFactor)
		if s.sess != nil {
			s.sess.ActivateTimer(&s.activityTimer)
		}
		return
	}
	s.activityTimer.Reschedule(s.activityInterval())
}

// activityInterval implements §4.8's "Interval = max(2 * tx_robust_factor *
// grtt, 1.0 s)". It is independent of the NACK backoff factor: unlike
// backoffInterval, this deadline tracks how long the sender can plausibly
// stay silent between transmissions, not how long receivers should wait
// before NACKing.
func (s *Sender) activityInterval() time.Duration {
	d := time.Duration(2*s.cfg.TxRobustFactor) * s.grtt
	if d < time.Second {
		d = time.Second
	}
	return d
}
