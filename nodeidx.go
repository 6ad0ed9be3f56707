package norm

import "sort"

// NodeIndex is the ordered sender-id -> Sender index a receiver uses to
// route inbound messages and to walk the group in id order for CC/ACK
// aggregation (§4.1's "Node Index (C2)"). Senders are rarely added or
// removed compared to how often they're looked up, so this keeps a sorted
// slice alongside the map rather than reaching for a balanced tree: no
// example repo in the corpus imports one, and the group sizes NORM targets
// (tens to low thousands of senders) make a sorted-slice insert (an
// O(log n) search plus an O(n) shift) cheap enough (see DESIGN.md for the
// full justification).
type NodeIndex struct {
	byID  map[uint16]*Sender
	order []uint16 // sorted ascending by raw id.
}

// NewNodeIndex returns an empty index.
func NewNodeIndex() *NodeIndex {
	return &NodeIndex{byID: make(map[uint16]*Sender)}
}

// Find returns the Sender for id, if tracked.
func (n *NodeIndex) Find(id uint16) (*Sender, bool) {
	s, ok := n.byID[id]
	return s, ok
}

// Insert adds s to the index, replacing any existing entry for its id.
func (n *NodeIndex) Insert(s *Sender) {
	id := s.ID
	if _, exists := n.byID[id]; !exists {
		i := sort.Search(len(n.order), func(i int) bool { return n.order[i] >= id })
		n.order = append(n.order, 0)
		copy(n.order[i+1:], n.order[i:])
		n.order[i] = id
	}
	n.byID[id] = s
}

// Remove drops the entry for id, if present.
func (n *NodeIndex) Remove(id uint16) {
	if _, ok := n.byID[id]; !ok {
		return
	}
	delete(n.byID, id)
	i := sort.Search(len(n.order), func(i int) bool { return n.order[i] >= id })
	if i < len(n.order) && n.order[i] == id {
		n.order = append(n.order[:i], n.order[i+1:]...)
	}
}

// Len returns the number of tracked senders.
func (n *NodeIndex) Len() int { return len(n.order) }

// Each calls fn for every tracked sender in ascending id order, stopping
// early if fn returns false.
func (n *NodeIndex) Each(fn func(*Sender) bool) {
	for _, id := range n.order {
		if s, ok := n.byID[id]; ok {
			if !fn(s) {
				return
			}
		}
	}
}

// EachReverse calls fn for every tracked sender in descending id order,
// stopping early if fn returns false.
func (n *NodeIndex) EachReverse(fn func(*Sender) bool) {
	for i := len(n.order) - 1; i >= 0; i-- {
		if s, ok := n.byID[n.order[i]]; ok {
			if !fn(s) {
				return
			}
		}
	}
}
