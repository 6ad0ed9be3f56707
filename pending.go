package norm

// PendingBitmap is the windowed set of object-ids a Sender is tracking as
// pending/repair, §4.3. It is indexed by ObjectID modulo a representable
// range of at least 2*maxPendingRange (spec §4.3), slid forward as the
// sync engine advances sync_id/next_id.
type PendingBitmap struct {
	bits Bitset
	base ObjectID // object id represented by bit position 0.
}

// NewPendingBitmap allocates a bitmap representing at least
// 2*maxPendingRange object ids, per §4.3.
func NewPendingBitmap(maxPendingRange uint32) PendingBitmap {
	width := int(maxPendingRange) * 2
	if width < 2 {
		width = 2
	}
	return PendingBitmap{bits: NewBitset(width)}
}

// position returns id's bit position relative to the window base, or
// (-1, false) if id is not representable under the current base.
func (p *PendingBitmap) position(id ObjectID) (int, bool) {
	delta := id.Delta(p.base)
	if delta < 0 || int(delta) >= p.bits.Len() {
		return 0, false
	}
	return int(delta), true
}

// CanSet reports whether id falls within the bitmap's representable window
// under the current base (§4.3). Callers interpret a false result as
// "needs resync".
func (p *PendingBitmap) CanSet(id ObjectID) bool {
	_, ok := p.position(id)
	return ok
}

// Rebase slides the window so base becomes the new bit-0 id, preserving any
// bits that remain representable and dropping ones that fall out of range.
// Used by the sync engine when sync_id advances past the current base.
func (p *PendingBitmap) Rebase(newBase ObjectID) {
	if newBase == p.base {
		return
	}
	shift := int(newBase.Delta(p.base))
	old := p.bits
	p.bits = NewBitset(old.Len())
	p.base = newBase
	if shift < 0 || shift >= old.Len() {
		return // entirely out of the old window: nothing to preserve.
	}
	for i := shift; i < old.Len(); i++ {
		if old.Test(i) {
			p.bits.Set(i - shift)
		}
	}
}

// Base returns the object id represented by bit position 0.
func (p *PendingBitmap) Base() ObjectID { return p.base }

func (p *PendingBitmap) Set(id ObjectID) {
	if pos, ok := p.position(id); ok {
		p.bits.Set(pos)
	}
}

func (p *PendingBitmap) Unset(id ObjectID) {
	if pos, ok := p.position(id); ok {
		p.bits.Unset(pos)
	}
}

func (p *PendingBitmap) Test(id ObjectID) bool {
	pos, ok := p.position(id)
	return ok && p.bits.Test(pos)
}

// SetBits sets n consecutive ids starting at first.
func (p *PendingBitmap) SetBits(first ObjectID, n int) {
	for i := 0; i < n; i++ {
		p.Set(first.Add(int32(i)))
	}
}

// UnsetBits clears n consecutive ids starting at first.
func (p *PendingBitmap) UnsetBits(first ObjectID, n int) {
	for i := 0; i < n; i++ {
		p.Unset(first.Add(int32(i)))
	}
}

// FirstSet returns the lowest pending object id and true, or (0, false) if
// the bitmap is empty.
func (p *PendingBitmap) FirstSet() (ObjectID, bool) {
	pos := p.bits.FirstSet()
	if pos < 0 {
		return 0, false
	}
	return p.base.Add(int32(pos)), true
}

// LastSet returns the highest pending object id and true, or (0, false) if
// the bitmap is empty.
func (p *PendingBitmap) LastSet() (ObjectID, bool) {
	pos := p.bits.LastSet()
	if pos < 0 {
		return 0, false
	}
	return p.base.Add(int32(pos)), true
}

// ClearAll empties the bitmap without changing its base.
func (p *PendingBitmap) ClearAll() { p.bits.ClearAll() }

// Empty reports whether no bits are set.
func (p *PendingBitmap) Empty() bool { return !p.bits.Any() }
