package norm

import "time"

// RepairBoundary selects whether the repair engine requests whole blocks or
// descends to individual segments when building a NACK (§3, §4.5).
type RepairBoundary uint8

const (
	BlockBoundary RepairBoundary = iota
	ObjectBoundary
)

// SyncPolicy controls which messages a not-yet-synchronized sender will
// accept as its initial sync point (§4.4).
type SyncPolicy uint8

const (
	SyncCurrent SyncPolicy = iota
	SyncStream
	SyncAll
)

// NackingMode is the default repair-request aggressiveness for a sender
// (§3, §4.5 step 3).
type NackingMode uint8

const (
	NackNone NackingMode = iota
	NackInfoOnly
	NackNormal
)

// FECVariant names a pluggable FEC decoder family (§4.6, §9 design note:
// build-flag variants become runtime configuration here instead of
// conditional compilation).
type FECVariant uint8

const (
	FECAuto FECVariant = iota // select RS8/RS16/MDP per fec_id/fec_m as §4.6 describes
	FECForceMDP
)

// Config mirrors the session-level configuration options of §6, inherited
// by every Sender the session creates. Defaults match the documented
// values. NormTickMin and BufferFactor are supplemented knobs (see
// SPEC_FULL.md) the original hard-codes as constants.
type Config struct {
	RxCacheMax          uint32 // rx_cache_max, → MaxPendingRange. Default 256.
	RxRobustFactor       int    // Default 20.
	TxRobustFactor       int    // Used by the activity timer interval (§4.8). Default 20.
	DefaultSyncPolicy    SyncPolicy
	DefaultRepairBoundary RepairBoundary
	DefaultNackingMode   NackingMode
	UnicastNacks         bool
	ECNIgnoreLoss        bool
	CCTolerateLoss       bool
	ReceiverSilent       bool
	ReceiverRealtime     bool
	ReceiverIgnoreInfo   bool

	// SegmentBufferBytes is the per-sender memory budget B (§4.2) used to
	// size the block/segment pools on first allocation.
	SegmentBufferBytes uint64

	// BufferFactor is the sizing weight f in §4.2's seg_per_block formula.
	// The original hard-codes this to 0.0; here it is a real knob (§9 open
	// question).
	BufferFactor float64

	// NormTickMin is the floor applied to the CC measurement interval
	// (§4.7). The original compiles this in as a constant of a few hundred
	// microseconds; exposed here per SPEC_FULL.md's supplemented features.
	NormTickMin time.Duration

	// BackoffFactor seeds a sender's backoff factor before the first
	// message updates it from the wire (§4.10).
	BackoffFactor float64

	// FECVariant selects how the FEC decoder is chosen (§4.6, §9).
	FECVariant FECVariant

	// GroupSizeSmoothing is the EWMA weight applied to group-size updates
	// from the wire (SPEC_FULL.md supplemented feature #3). 0 disables
	// smoothing (every update takes the wire value verbatim).
	GroupSizeSmoothing float64
}

// DefaultConfig returns the configuration defaults enumerated in §6.
func DefaultConfig() Config {
	return Config{
		RxCacheMax:            256,
		RxRobustFactor:        20,
		TxRobustFactor:        20,
		DefaultSyncPolicy:     SyncCurrent,
		DefaultRepairBoundary: BlockBoundary,
		DefaultNackingMode:    NackNormal,
		UnicastNacks:          false,
		ECNIgnoreLoss:         false,
		CCTolerateLoss:        false,
		ReceiverSilent:        false,
		ReceiverRealtime:      false,
		ReceiverIgnoreInfo:    false,
		SegmentBufferBytes:    1 << 20, // 1 MiB default per-sender budget.
		BufferFactor:          0.0,
		NormTickMin:           100 * time.Microsecond,
		BackoffFactor:         4.0,
		FECVariant:            FECAuto,
		GroupSizeSmoothing:    0.05,
	}
}
