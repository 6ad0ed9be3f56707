package norm

// Block is one FEC source block within an Object (§3). Its segment slots
// are pointers borrowed from the sender's segment pool for as long as the
// block holds data; Pending tracks which slots (source or parity) are
// still outstanding, Repair tracks which slots have been selected for (or,
// via overheard suppression, already covered by) a repair request.
type Block struct {
	id        BlockID
	numData   int
	numParity int
	// srcLen is the number of source symbols this block actually carries:
	// numData, except for an object's short final block. Set by the owning
	// object when the block is attached.
	srcLen int
	segs         []*Segment // len == numData+numParity; nil == slot empty.
	pending      Bitset     // width numData+numParity: bit set == slot still missing.
	repair       Bitset     // width numData+numParity: bit set == slot selected/suppressed for repair.
	complete     bool
	owner        *Object // back-pointer, nil while pool-resident.
}

func newBlock(id BlockID, numData, numParity int) *Block {
	width := numData + numParity
	b := &Block{
		id:        id,
		numData:   numData,
		numParity: numParity,
		srcLen:    numData,
		segs:      make([]*Segment, width),
		pending:   NewBitset(width),
		repair:    NewBitset(width),
	}
	b.pending.SetRange(0, width)
	return b
}

// reset clears a block for reuse from the pool. It drops any segment
// pointers without returning them to a pool, so the caller must have
// reclaimed loaned segments first.
func (b *Block) reset(id BlockID) {
	for i := range b.segs {
		b.segs[i] = nil
	}
	b.pending.ClearAll()
	b.repair.ClearAll()
	b.pending.SetRange(0, len(b.segs))
	b.complete = false
	b.owner = nil
	b.srcLen = b.numData
	b.id = id
}

// ID returns the block's id within its object.
func (b *Block) ID() BlockID { return b.id }

// Width returns numData+numParity, the number of segment slots.
func (b *Block) Width() int { return len(b.segs) }

// NumPresent returns the count of filled segment slots (source or parity).
func (b *Block) NumPresent() int {
	n := 0
	for _, s := range b.segs {
		if s != nil {
			n++
		}
	}
	return n
}

// IsReceivable reports whether enough symbols (source+parity) are present
// to attempt FEC decoding (§4.6: "reaches receivable state (>= num_data
// symbols across source + parity)").
func (b *Block) IsReceivable() bool {
	return !b.complete && b.NumPresent() >= b.srcLen
}

// SetSegment attaches seg at index i (a source index in [0,numData) or
// parity index in [numData,numData+numParity)), clearing its pending bit.
func (b *Block) SetSegment(i int, seg *Segment) {
	if i < 0 || i >= len(b.segs) {
		return
	}
	b.segs[i] = seg
	b.pending.Unset(i)
}

// MarkArrived clears slot i's pending bit without attaching a buffer: the
// payload went straight to the object's storage. This is the steady-state
// path for parity-less FEC configurations, whose segment pool is sized to
// zero (§4.2) because nothing ever needs decoding.
func (b *Block) MarkArrived(i int) {
	if i < 0 || i >= len(b.segs) {
		return
	}
	b.pending.Unset(i)
}

// Segment returns the segment at slot i, or nil if empty.
func (b *Block) Segment(i int) *Segment {
	if i < 0 || i >= len(b.segs) {
		return nil
	}
	return b.segs[i]
}

// HaveSource reports whether every source slot the block actually carries
// has arrived (buffered or already handed to storage), meaning the block is
// complete without needing FEC decode.
func (b *Block) HaveSource() bool {
	for i := 0; i < b.srcLen; i++ {
		if b.pending.Test(i) {
			return false
		}
	}
	return true
}

// MissingSourceIdx returns the indices of source slots still empty.
func (b *Block) MissingSourceIdx() []int {
	var out []int
	for i := 0; i < b.srcLen; i++ {
		if b.segs[i] == nil {
			out = append(out, i)
		}
	}
	return out
}

// PresentIdx returns (parityIdx, sourceIdx) lists of currently filled
// slots, in the shape [FECDecoder.Decode] expects.
func (b *Block) PresentIdx() (parityIdx, sourceIdx []int) {
	for i := 0; i < b.numData; i++ {
		if b.segs[i] != nil {
			sourceIdx = append(sourceIdx, i)
		}
	}
	for i := b.numData; i < len(b.segs); i++ {
		if b.segs[i] != nil {
			parityIdx = append(parityIdx, i-b.numData)
		}
	}
	return parityIdx, sourceIdx
}

// MarkComplete flags the block as fully resolved (every source segment
// present or decoded).
func (b *Block) MarkComplete() { b.complete = true; b.pending.ClearAll() }

// Complete reports whether the block has been fully resolved.
func (b *Block) Complete() bool { return b.complete }

// PendingAny reports whether any segment slot is still outstanding.
func (b *Block) PendingAny() bool { return !b.complete && b.pending.Any() }

// reclaimSegments empties every loaned segment back into pool's free list
// and clears the block's slots, per invariant 5 (a Segment is either
// tracked in-use or released). Returns the count reclaimed.
func (b *Block) reclaimSegments(pool *SegmentPool) int {
	n := 0
	for i, s := range b.segs {
		if s != nil {
			s.Clear()
			pool.Put(s)
			b.segs[i] = nil
			n++
		}
	}
	return n
}
