package norm

// cmdQueue is the fixed-capacity FIFO of CMD(APPLICATION) payloads a Sender
// has received but the application has not yet drained (C9). Entries are
// opaque byte payloads; the engine never interprets them, only stages and
// delivers them in order (§6 EventCmdNew).
type cmdQueue struct {
	items [][]byte
	head  int
	n     int
	cap   int
}

const defaultCmdQueueCap = 16

func newCmdQueue(capacity int) cmdQueue {
	if capacity <= 0 {
		capacity = defaultCmdQueueCap
	}
	return cmdQueue{items: make([][]byte, capacity), cap: capacity}
}

// Enqueue stages payload for delivery, dropping the oldest entry if the
// queue is full (matching the "most recent command wins" behavior the
// original favors for application commands over strict delivery of every
// one, since commands are typically idempotent state snapshots).
func (q *cmdQueue) Enqueue(payload []byte) (dropped bool) {
	if q.cap == 0 {
		q.items = make([][]byte, defaultCmdQueueCap)
		q.cap = defaultCmdQueueCap
	}
	if q.n == q.cap {
		q.head = (q.head + 1) % q.cap
		q.n--
		dropped = true
	}
	idx := (q.head + q.n) % q.cap
	q.items[idx] = payload
	q.n++
	return dropped
}

// Peek returns the oldest staged command without removing it.
func (q *cmdQueue) Peek() (payload []byte, ok bool) {
	if q.n == 0 {
		return nil, false
	}
	return q.items[q.head], true
}

// ReadNextCmd pops the oldest staged command, or returns ok=false if empty.
func (q *cmdQueue) ReadNextCmd() (payload []byte, ok bool) {
	if q.n == 0 {
		return nil, false
	}
	payload = q.items[q.head]
	q.items[q.head] = nil
	q.head = (q.head + 1) % q.cap
	q.n--
	return payload, true
}

// Len returns the number of staged commands.
func (q *cmdQueue) Len() int { return q.n }

// cmdSizeFallback bounds command content before the sender's first FTI has
// established a segment size (§4.9).
const cmdSizeFallback = 8192

// EnqueueCommand stages a received CMD(APPLICATION) payload for the
// application to drain via ReadNextCmd, copying it out of the transient
// message buffer. Content larger than the sender's segment size (or the
// 8 KiB fallback before FTI) is rejected (§4.9).
func (s *Sender) EnqueueCommand(content []byte) error {
	limit := s.segmentSize
	if limit == 0 {
		limit = cmdSizeFallback
	}
	if len(content) > limit {
		return errCmdTooLarge
	}
	buf := make([]byte, len(content))
	copy(buf, content)
	if s.cmds.Enqueue(buf) {
		s.Warn("application command dropped: queue full", "sender", s.ID)
	}
	return nil
}

// ReadNextCmd copies the oldest staged application command into buf and
// dequeues it, returning the number of bytes copied. A nil or undersized
// buf leaves the queue untouched and returns the required length alongside
// errBufferTooSmall, so callers can probe for size and retry (§4.9). An
// empty queue returns (0, nil).
func (s *Sender) ReadNextCmd(buf []byte) (int, error) {
	payload, ok := s.cmds.Peek()
	if !ok {
		return 0, nil
	}
	if len(buf) < len(payload) {
		return len(payload), errBufferTooSmall
	}
	copy(buf, payload)
	s.cmds.ReadNextCmd()
	return len(payload), nil
}
