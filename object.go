package norm

// ObjectType distinguishes the three NORM transport object kinds (§3).
type ObjectType uint8

const (
	ObjectFile ObjectType = iota
	ObjectData
	ObjectStream
)

// Object is one in-flight (or recently finished) object tracked in a
// Sender's rx_table (§3). Block/segment slots are materialized lazily: a
// Block only exists (and only draws from the segment pool) once at least
// one of its segments has actually been received, matching the §3
// lifecycle note "Blocks/Segments cycle between object-attached and
// pool-resident." A block id referenced before any of its data has
// arrived — because the repair engine detected a gap ahead of it, or a
// later block/segment was addressed directly — exists only as a gap in the
// known block range until real data materializes it.
type Object struct {
	id  ObjectID
	typ ObjectType

	// FEC shape, fixed for the object's lifetime (copied from the sender's
	// buffer configuration at allocation time; §3 invariant 7).
	numData, numParity, segmentSize int

	blocks      map[BlockID]*Block
	blockOrder  []BlockID // insertion order, oldest first; used by steal*.
	lowestBlock BlockID
	highestBlock BlockID
	haveBlockRange bool

	// Total byte size, from the object's FTI. Zero until known (streams
	// never learn one); finalBlock/finalBlockLen are derived from it.
	size          uint64
	haveSize      bool
	finalBlock    BlockID
	finalBlockLen int // source symbols in the (possibly short) final block.

	hasInfo      bool
	infoReceived bool
	infoSuppressed bool // overheard INFO-level repair suppression (§4.5).

	blockRepairSuppress map[BlockID]bool
	segRepairSuppress   map[BlockID]*Bitset

	complete bool
	aborted  bool
}

func newObject(id ObjectID, typ ObjectType, hasInfo bool, numData, numParity, segmentSize int) *Object {
	return &Object{
		id:                  id,
		typ:                 typ,
		hasInfo:             hasInfo,
		numData:             numData,
		numParity:           numParity,
		segmentSize:         segmentSize,
		blocks:              make(map[BlockID]*Block),
		blockRepairSuppress: make(map[BlockID]bool),
		segRepairSuppress:   make(map[BlockID]*Bitset),
	}
}

func (o *Object) ID() ObjectID       { return o.id }
func (o *Object) Type() ObjectType   { return o.typ }
func (o *Object) IsStream() bool     { return o.typ == ObjectStream }
func (o *Object) Complete() bool     { return o.complete }
func (o *Object) NeedsInfo() bool    { return o.hasInfo && !o.infoReceived }

// SetRepairInfo marks the object's INFO as suppressed by an overheard
// repair request (§4.5, §6 Object collaborator).
func (o *Object) SetRepairInfo() { o.infoSuppressed = true }

// SetRepairs marks blocks [first,last] as suppressed by an overheard
// OBJECT- or BLOCK-level repair request (§4.5).
func (o *Object) SetRepairs(first, last BlockID) {
	for id := first; ; id = id.Add(1) {
		o.blockRepairSuppress[id] = true
		if id == last {
			break
		}
	}
}

// setSegmentRepair marks a range of segments within block as suppressed by
// an overheard SEGMENT-level repair request (§4.5).
func (o *Object) setSegmentRepair(block BlockID, first, last SegmentID) {
	bs, ok := o.segRepairSuppress[block]
	if !ok {
		width := o.numData + o.numParity
		nb := NewBitset(width)
		bs = &nb
		o.segRepairSuppress[block] = bs
	}
	for id := first; ; id = SegmentID(id + 1) {
		if int(id) < bs.Len() {
			bs.Set(int(id))
		}
		if id == last {
			break
		}
	}
}

// setSize records the object's total byte length and derives its block
// extent: how many FEC blocks the object spans and how many source symbols
// the final (possibly short) block holds. Streams never call this.
func (o *Object) setSize(size uint64) {
	if size == 0 || o.haveSize || o.numData == 0 || o.segmentSize == 0 {
		return
	}
	o.size = size
	blockBytes := uint64(o.numData) * uint64(o.segmentSize)
	nblocks := (size + blockBytes - 1) / blockBytes
	o.finalBlock = BlockID(nblocks - 1)
	o.finalBlockLen = o.numData
	if rem := size % blockBytes; rem != 0 {
		o.finalBlockLen = int((rem + uint64(o.segmentSize) - 1) / uint64(o.segmentSize))
	}
	o.haveSize = true
}

// srcCount returns the number of source symbols block id carries: numData
// for every block except a known-short final block.
func (o *Object) srcCount(id BlockID) int {
	if o.haveSize && id == o.finalBlock {
		return o.finalBlockLen
	}
	return o.numData
}

// setShape updates the object's FEC shape. Only valid while no blocks are
// materialized, i.e. for objects created from INFO messages before the
// sender's first DATA carried FTI.
func (o *Object) setShape(numData, numParity, segmentSize int) {
	if len(o.blocks) != 0 {
		return
	}
	o.numData = numData
	o.numParity = numParity
	o.segmentSize = segmentSize
}

// FindBlock returns the materialized block with the given id, if any.
func (o *Object) FindBlock(id BlockID) (*Block, bool) {
	b, ok := o.blocks[id]
	return b, ok
}

// touchBlockRange records that blocks up to id are now known to exist
// (extends the object's known block-id high-water mark), the block-level
// analogue of SetPending on the sender's pending bitmap.
func (o *Object) touchBlockRange(id BlockID) {
	if !o.haveBlockRange {
		o.lowestBlock = id
		o.highestBlock = id
		o.haveBlockRange = true
		return
	}
	if id.After(o.highestBlock) {
		o.highestBlock = id
	}
	if id.Precedes(o.lowestBlock) {
		o.lowestBlock = id
	}
}

// attachBlock materializes (or returns the existing) block at id, drawing
// one from the pool if necessary.
func (o *Object) attachBlock(id BlockID, pool *BlockPool) (*Block, error) {
	if b, ok := o.blocks[id]; ok {
		return b, nil
	}
	b, err := pool.Get(o, id)
	if err != nil {
		return nil, err
	}
	b.owner = o
	b.srcLen = o.srcCount(id)
	o.blocks[id] = b
	o.blockOrder = append(o.blockOrder, id)
	o.touchBlockRange(id)
	return b, nil
}

// blockComplete reports whether id is known to be fully resolved: either
// materialized-and-complete, or older than the object's lowest tracked
// block (already reclaimed after completion).
func (o *Object) blockComplete(id BlockID) bool {
	if b, ok := o.blocks[id]; ok {
		return b.Complete()
	}
	if o.haveBlockRange && id.Precedes(o.lowestBlock) {
		return true
	}
	return false
}

// blockSuppressed reports whether id has been marked as covered by an
// overheard repair request.
func (o *Object) blockSuppressed(id BlockID) bool {
	return o.blockRepairSuppress[id]
}

// segmentSuppressed reports whether segment seg of block is covered by an
// overheard repair request.
func (o *Object) segmentSuppressed(block BlockID, seg int) bool {
	bs, ok := o.segRepairSuppress[block]
	if !ok {
		return false
	}
	return bs.Test(seg)
}

// ReceiverRepairCheck walks the object's state up to (block,seg) at the
// given level and reports whether any unsuppressed repair work remains
// (§4.5/§6). When backoffActive is true (called from the backoff phase)
// it additionally prunes internal repair bookkeeping to the sender's
// current position, per the design note on trimming scope.
func (o *Object) ReceiverRepairCheck(level CheckLevel, block BlockID, seg SegmentID, backoffActive bool) bool {
	if o.complete || o.aborted {
		return false
	}
	hasWork := false
	if o.NeedsInfo() && !o.infoSuppressed {
		hasWork = true
	}
	if !o.haveBlockRange {
		return hasWork
	}
	last := block
	if level == ThruObject {
		last = o.highestBlock
	}
	for id := o.lowestBlock; ; id = id.Add(1) {
		if o.blockComplete(id) {
			if id == last {
				break
			}
			continue
		}
		if !o.blockSuppressed(id) {
			if id != last || level == ThruObject || level == ThruBlock || level == ToBlock {
				hasWork = true
			} else if b, ok := o.blocks[id]; ok {
				// ThruSegment/ThruInfo on the tail block: only segments up
				// to seg matter.
				if blockHasUnsuppressedSegment(o, b, seg) {
					hasWork = true
				}
			} else {
				hasWork = true // not yet materialized: entirely missing.
			}
		}
		if backoffActive && level != ThruObject && id.After(block) {
			// Backoff-phase trim: the sender's position moved back to
			// (block, seg); suppression bookkeeping beyond it is stale.
			delete(o.blockRepairSuppress, id)
			delete(o.segRepairSuppress, id)
		}
		if id == last {
			break
		}
	}
	return hasWork
}

func blockHasUnsuppressedSegment(o *Object, b *Block, upTo SegmentID) bool {
	limit := int(upTo) + 1
	if limit > b.Width() {
		limit = b.Width()
	}
	for i := 0; i < limit; i++ {
		if b.pending.Test(i) && !o.segmentSuppressed(b.id, i) {
			return true
		}
	}
	return false
}

// ReceiverRewindCheck reports whether the sender appears to have rewound
// within this object: i.e. it is addressing a block/segment earlier than
// one we had already considered current (§4.5 holdoff-phase rewind
// detection).
func (o *Object) ReceiverRewindCheck(block BlockID, seg SegmentID) bool {
	if !o.haveBlockRange {
		return false
	}
	return block.Precedes(o.highestBlock)
}

// PassiveRepairCheck reports whether anything is still outstanding at or
// before block, without side effects — used by the watermark-ACK logic
// (§4.8) to decide whether a FLUSH watermark is already satisfied. seg is
// not consulted: a block at or before block counts as outstanding until it
// is complete.
func (o *Object) PassiveRepairCheck(block BlockID, seg SegmentID) bool {
	if o.complete || o.aborted {
		return false
	}
	if o.NeedsInfo() {
		return true
	}
	if !o.haveBlockRange {
		return false
	}
	for id := o.lowestBlock; !id.After(block) && !id.After(o.highestBlock); id = id.Add(1) {
		if !o.blockComplete(id) {
			return true
		}
	}
	return false
}

// IsRepairPending reports whether the object still needs anything,
// ignoring overheard suppression — used by the NACK-building pass (§4.5
// step 1). isFinal does not affect the result.
func (o *Object) IsRepairPending(isFinal bool) bool {
	if o.complete || o.aborted {
		return false
	}
	if o.NeedsInfo() {
		return true
	}
	if !o.haveBlockRange {
		return false
	}
	for id := o.lowestBlock; ; id = id.Add(1) {
		if !o.blockComplete(id) {
			return true
		}
		if id == o.highestBlock {
			break
		}
	}
	return false
}

// PendingMaskIsSet reports whether the object currently has any
// materialized block with an outstanding segment.
func (o *Object) PendingMaskIsSet() bool {
	for _, b := range o.blocks {
		if b.PendingAny() {
			return true
		}
	}
	return false
}

// ReclaimSourceSegments empties every materialized block's loaned segments
// back to pool, e.g. on object abort/purge (§4.4 resync, §7). Returns the
// count of segments reclaimed.
func (o *Object) ReclaimSourceSegments(pool *SegmentPool) int {
	n := 0
	for _, b := range o.blocks {
		n += b.reclaimSegments(pool)
	}
	return n
}

// StealOldestBlock detaches and returns the object's lowest-id
// materialized block (§4.2). When this object is the requester
// (o.id == matchID), the block being filled — blockID — is exempt: an
// object never steals the block it is currently receiving into.
func (o *Object) StealOldestBlock(matchID ObjectID, blockID BlockID) *Block {
	return o.steal(true, o.id == matchID, blockID)
}

// StealNewestBlock detaches and returns the object's highest-id
// materialized block, with the same requester exemption (§4.2).
func (o *Object) StealNewestBlock(matchID ObjectID, blockID BlockID) *Block {
	return o.steal(false, o.id == matchID, blockID)
}

func (o *Object) steal(oldest, exclude bool, excludeID BlockID) *Block {
	bestIdx := -1
	for i, id := range o.blockOrder {
		if _, ok := o.blocks[id]; !ok {
			continue
		}
		if exclude && id == excludeID {
			continue
		}
		if bestIdx < 0 {
			bestIdx = i
			continue
		}
		best := o.blockOrder[bestIdx]
		if (oldest && id.Precedes(best)) || (!oldest && id.After(best)) {
			bestIdx = i
		}
	}
	if bestIdx < 0 {
		return nil
	}
	id := o.blockOrder[bestIdx]
	b := o.blocks[id]
	o.blockOrder = append(o.blockOrder[:bestIdx], o.blockOrder[bestIdx+1:]...)
	delete(o.blocks, id)
	return b
}

// AppendRepairRequest appends this object's own fine-grained block/segment
// repair items to nack, per §4.5 step 3. flush selects between the
// "flush" form (used for interior objects: request everything outstanding)
// and "non-flush" form (used for the tail max_pending_object: request only
// what is known outstanding so far, since more may still arrive). Returns
// whether anything was appended.
func (o *Object) AppendRepairRequest(nack *Message, flush bool) bool {
	appended := false
	if o.NeedsInfo() && !o.infoSuppressed {
		nack.RepairItems = append(nack.RepairItems, RepairItem{
			Level: RepairInfo, Object: o.id,
		})
		appended = true
	}
	if !o.haveBlockRange {
		return appended
	}
	runStart := BlockID(0)
	inRun := false
	flushRun := func(end BlockID) {
		if !inRun {
			return
		}
		nack.RepairItems = append(nack.RepairItems, RepairItem{
			Level: RepairBlock, Form: RepairRanges, Object: o.id, Block: runStart, BlockTo: end,
		})
		appended = true
		inRun = false
	}
	for id := o.lowestBlock; ; id = id.Add(1) {
		missing := !o.blockComplete(id) && !o.blockSuppressed(id)
		if missing {
			if b, ok := o.blocks[id]; ok && !flush && id == o.highestBlock {
				// Tail block, non-flush: descend to segment granularity
				// instead of requesting the whole block.
				flushRun(id.Add(-1))
				if appendSegmentItems(nack, o.id, b) {
					appended = true
				}
			} else if !inRun {
				runStart = id
				inRun = true
			}
		} else {
			flushRun(id.Add(-1))
		}
		if id == o.highestBlock {
			flushRun(id)
			break
		}
	}
	return appended
}

func appendSegmentItems(nack *Message, obj ObjectID, b *Block) bool {
	appended := false
	for i := 0; i < b.srcLen; i++ {
		if b.pending.Test(i) {
			nack.RepairItems = append(nack.RepairItems, RepairItem{
				Level: RepairSegment, Object: obj, Block: b.id, Segment: SegmentID(i),
			})
			appended = true
		}
	}
	return appended
}

// abort marks the object aborted and reclaims its resources; the caller
// (sync engine) is responsible for removing it from the sender's rx_table
// and notifying the application.
func (o *Object) abort(pool *SegmentPool) {
	o.ReclaimSourceSegments(pool)
	o.aborted = true
}
