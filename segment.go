package norm

// streamHeaderBytes is the per-segment header reserved for NORM_OBJECT_STREAM
// payloads (a length-prefix used to delimit messages within the stream),
// per §3's "opaque byte buffer of capacity segment_size +
// stream_header_bytes".
const streamHeaderBytes = 2

// Segment is an opaque byte buffer owned by the segment pool and loaned to
// a Block while it holds data (§3). Its capacity is fixed at allocation
// time; Data is the portion currently holding a received (or, for parity,
// decoded) payload.
type Segment struct {
	buf  []byte
	data []byte // buf[:n], n = received length; nil when the segment is free/empty.
}

func newSegment(capacity int) *Segment {
	return &Segment{buf: make([]byte, capacity)}
}

// Cap returns the segment's fixed capacity.
func (s *Segment) Cap() int { return len(s.buf) }

// Bytes returns the currently held data, or nil if the segment is empty.
func (s *Segment) Bytes() []byte { return s.data }

// SetBytes copies p into the segment's buffer, truncating to capacity.
// Returns the number of bytes actually stored.
func (s *Segment) SetBytes(p []byte) int {
	n := copy(s.buf, p)
	s.data = s.buf[:n]
	return n
}

// Clear empties the segment so it reads as unused (invariant 5: a Segment
// is either tracked in-use by a Block or released back to the pool empty).
func (s *Segment) Clear() {
	s.data = nil
}

// Empty reports whether the segment currently holds no data.
func (s *Segment) Empty() bool { return s.data == nil }
