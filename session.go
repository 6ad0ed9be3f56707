package norm

import "net"

// EventKind enumerates the notifications a Sender emits to the application
// through the session (§6).
type EventKind uint8

const (
	EventGRTTUpdated EventKind = iota
	EventObjectNew
	EventObjectCompleted
	EventObjectAborted
	EventCmdNew
	EventSenderActive
	EventSenderInactive
)

func (k EventKind) String() string {
	switch k {
	case EventGRTTUpdated:
		return "GRTT_UPDATED"
	case EventObjectNew:
		return "RX_OBJECT_NEW"
	case EventObjectCompleted:
		return "RX_OBJECT_COMPLETED"
	case EventObjectAborted:
		return "RX_OBJECT_ABORTED"
	case EventCmdNew:
		return "RX_CMD_NEW"
	case EventSenderActive:
		return "REMOTE_SENDER_ACTIVE"
	case EventSenderInactive:
		return "REMOTE_SENDER_INACTIVE"
	default:
		return "UNKNOWN_EVENT"
	}
}

// Session is the external collaborator this engine is built against (§6).
// It is implemented by the session multiplexer, which owns datagram I/O,
// the outbound message pool, the timer scheduler and the application
// callback surface — all explicitly out of scope for this module (§1).
type Session interface {
	// LocalNodeID returns this receiver's own node id, used to recognize
	// itself in a CMD(CC) node list or a CMD(FLUSH) acking-node list.
	LocalNodeID() uint16
	// Address returns the session's group address.
	Address() net.Addr
	// IsMulticast reports whether Address() is a multicast address; it
	// gates the unicast-vs-multicast branches throughout §4.5/§4.7/§4.8.
	IsMulticast() bool

	RemoteSenderBufferSize() uint64
	RxCacheMax() uint32
	TxRobustFactor() int
	RxRobustFactor() int
	DefaultRepairBoundary() RepairBoundary
	DefaultSyncPolicy() SyncPolicy
	DefaultNackingMode() NackingMode
	UnicastNacksDefault() bool
	ECNIgnoreLoss() bool
	CCTolerateLoss() bool
	ReceiverIsSilent() bool
	ReceiverIsRealtime() bool
	ReceiverIgnoreInfo() bool

	// GetMessageFromPool acquires an outbound message buffer, or nil if the
	// pool is exhausted (§5 "Shared resources"); callers must treat nil as
	// a resource-exhaustion condition to log and skip, not an error to
	// propagate.
	GetMessageFromPool() *Message
	// ReturnMessageToPool returns m on every code path that acquired it,
	// including drops.
	ReturnMessageToPool(m *Message)
	// SendMessage hands m to the (non-blocking, internally queuing) send
	// path. Once called, m is considered sent; there is no cancellation.
	SendMessage(m *Message)

	// ActivateTimer hands t to the real clock so its onExpire fires at the
	// configured interval/phase. The timer scheduler primitive itself is
	// an external collaborator (§1).
	ActivateTimer(t *Timer)

	Notify(kind EventKind, sender *Sender, obj *Object)
}

// FECDecoder is the pluggable FEC decoder capability (§4.6, §6). Concrete
// codecs (Reed-Solomon 8/16-bit, parity-MDP) are external collaborators;
// see package fecrs for a reedsolomon-backed implementation.
type FECDecoder interface {
	// Init configures the decoder for k data symbols, n total symbols
	// (k+parity) and symbolSize bytes per symbol.
	Init(k, n, symbolSize int) error
	// Decode reconstructs missing source symbols in place. sourceIdx lists
	// the present source slots (0..k-1); parityIdx lists the present parity
	// symbols by parity index (0..n-k-1, held at symbols[k+i]); symbols
	// holds all n symbol buffers, erased ones
	// present as their retrieval-pool scratch buffer to be filled in.
	Decode(parityIdx, sourceIdx []int, symbols [][]byte) error
	Destroy()
}

// FECParams names the decoder a Sender needs, derived from FTI (§4.6).
type FECParams struct {
	ID int // fec_id
	M  int // fec_m: symbol width in bits (8 or 16) for RS variants.
}

// SelectDecoder implements the §4.6 decoder-selection table. newRS8/newRS16
// construct the concrete decoders (wired from package fecrs by the
// application, since this package must not import a concrete codec: it only
// knows the plugin interface, per §1/§6).
func SelectDecoder(p FECParams, instanceID uint32, variant FECVariant, newRS8, newRS16, newMDP func() FECDecoder) (FECDecoder, error) {
	switch p.ID {
	case 2:
		switch p.M {
		case 8:
			if newRS8 == nil {
				return nil, errUnsupportedFEC
			}
			return newRS8(), nil
		case 16:
			if newRS16 == nil {
				return nil, errUnsupportedFEC
			}
			return newRS16(), nil
		default:
			return nil, errUnsupportedFEC
		}
	case 5:
		if newRS8 == nil {
			return nil, errUnsupportedFEC
		}
		return newRS8(), nil
	case 129:
		if instanceID == 0 {
			if newRS8 == nil {
				return nil, errUnsupportedFEC
			}
			return newRS8(), nil
		}
		if variant == FECForceMDP && newMDP != nil {
			return newMDP(), nil
		}
		return nil, errUnsupportedFEC
	default:
		return nil, errUnsupportedFEC
	}
}
