package norm

// ObjectID identifies an in-flight object within a sender's transmission.
// It wraps modulo 2^16; all comparisons between two ObjectIDs must use
// signed-delta arithmetic (Delta/Precedes/After), never raw integer comparison,
// since a larger numeric value does not necessarily mean "later" once the
// id space has wrapped.
type ObjectID uint16

// BlockID identifies an FEC source block within an object. Same wraparound
// discipline as ObjectID.
type BlockID uint16

// SegmentID identifies a segment (source or parity) within a block.
type SegmentID uint16

// Delta returns a-b as a signed 16-bit quantity, i.e. the number of steps
// from b to a going forward. This is the basis for every ordering
// comparison in the sync/pending/repair engines: ids are only ever
// compared this way, never by raw unsigned value, per spec invariant 1.
func (a ObjectID) Delta(b ObjectID) int32 {
	return int32(int16(a - b))
}

// Precedes reports whether a comes strictly before b in the wrapped id
// space (a < b using signed-delta comparison).
func (a ObjectID) Precedes(b ObjectID) bool { return a.Delta(b) < 0 }

// After reports whether a comes strictly after b.
func (a ObjectID) After(b ObjectID) bool { return a.Delta(b) > 0 }

// Add returns a+n, wrapping modulo 2^16.
func (a ObjectID) Add(n int32) ObjectID { return ObjectID(int32(a) + n) }

func (a BlockID) Delta(b BlockID) int32     { return int32(int16(a - b)) }
func (a BlockID) Precedes(b BlockID) bool   { return a.Delta(b) < 0 }
func (a BlockID) After(b BlockID) bool      { return a.Delta(b) > 0 }
func (a BlockID) Add(n int32) BlockID       { return BlockID(int32(a) + n) }

func (a SegmentID) Delta(b SegmentID) int32 { return int32(int16(a - b)) }
func (a SegmentID) Precedes(b SegmentID) bool { return a.Delta(b) < 0 }
