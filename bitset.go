package norm

import "math/bits"

// Bitset is a fixed-width bit vector backed by 64-bit words, shared by the
// pending-object bitmap (§4.3) and each Block's per-segment
// pending/repair masks (§3). It indexes by plain int position, not by
// protocol id; callers translate ids to positions.
type Bitset struct {
	words []uint64
	n     int // number of addressable bits.
}

// NewBitset allocates a Bitset with room for at least n bits.
func NewBitset(n int) Bitset {
	return Bitset{words: make([]uint64, (n+63)/64), n: n}
}

// Len returns the number of addressable bit positions.
func (b *Bitset) Len() int { return b.n }

func (b *Bitset) Set(i int) {
	if i < 0 || i >= b.n {
		return
	}
	b.words[i/64] |= 1 << uint(i%64)
}

func (b *Bitset) Unset(i int) {
	if i < 0 || i >= b.n {
		return
	}
	b.words[i/64] &^= 1 << uint(i%64)
}

func (b *Bitset) Test(i int) bool {
	if i < 0 || i >= b.n {
		return false
	}
	return b.words[i/64]&(1<<uint(i%64)) != 0
}

// SetRange sets the n bits starting at first (inclusive), clamped to the
// addressable range.
func (b *Bitset) SetRange(first, count int) {
	for i := first; i < first+count; i++ {
		b.Set(i)
	}
}

// UnsetRange clears the n bits starting at first.
func (b *Bitset) UnsetRange(first, count int) {
	for i := first; i < first+count; i++ {
		b.Unset(i)
	}
}

// FirstSet returns the lowest set bit position, or -1 if none set.
func (b *Bitset) FirstSet() int {
	for wi, w := range b.words {
		if w != 0 {
			return wi*64 + bits.TrailingZeros64(w)
		}
	}
	return -1
}

// LastSet returns the highest set bit position, or -1 if none set.
func (b *Bitset) LastSet() int {
	for wi := len(b.words) - 1; wi >= 0; wi-- {
		w := b.words[wi]
		if w != 0 {
			return wi*64 + 63 - bits.LeadingZeros64(w)
		}
	}
	return -1
}

// Any reports whether any bit is set.
func (b *Bitset) Any() bool { return b.FirstSet() >= 0 }

// ClearAll zeroes every bit.
func (b *Bitset) ClearAll() {
	for i := range b.words {
		b.words[i] = 0
	}
}

// Count returns the number of set bits.
func (b *Bitset) Count() int {
	n := 0
	for _, w := range b.words {
		n += bits.OnesCount64(w)
	}
	return n
}
