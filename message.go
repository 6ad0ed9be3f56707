package norm

import "time"

// MessageKind enumerates the NORM message kinds this engine consumes or
// emits (§6). Wire parsing/packing of these into the actual NORM header
// formats is an external collaborator (§1); this package deals only in the
// parsed/to-be-packed representation below.
type MessageKind uint8

const (
	MsgInfo MessageKind = iota
	MsgData
	MsgCmdSquelch
	MsgCmdAckReq
	MsgCmdCC
	MsgCmdFlush
	MsgCmdRepairAdv
	MsgCmdApplication
	MsgNack
	MsgAck
)

// CheckLevel names how thorough a repair check should be (§4.5).
type CheckLevel uint8

const (
	ThruInfo CheckLevel = iota
	ToBlock
	ThruBlock
	ThruSegment
	ThruObject
)

// Header carries the fields common to every NORM message (§6).
type Header struct {
	SenderID      uint16
	InstanceID    uint32
	GRTT          uint8 // 8-bit log-quantized, see QuantizeGRTT/UnquantizeGRTT.
	GroupSize     uint8
	BackoffFactor uint8 // backoff factor in quarter-unit steps (wire value / 4), see UpdateGRTTGroupSize.

	// Sequence is the sender's transport-level packet sequence number,
	// distinct from any object/block/segment id: it increases by one per
	// packet transmitted regardless of which object it carries, and is the
	// basis for the loss-event estimator (C1, §4.9) detecting gaps across
	// object boundaries.
	Sequence uint16
	// ECNMarked reports whether this packet arrived with an ECN
	// congestion-experienced mark, folded into the loss estimator as an
	// event unless Config.ECNIgnoreLoss is set (§4.9, §6).
	ECNMarked bool
}

// RepairLevel names the granularity of one repair request item (§4.5,
// §4.11 "Object collaborator").
type RepairLevel uint8

const (
	RepairInfo RepairLevel = iota
	RepairObject
	RepairBlock
	RepairSegment
)

// RepairForm distinguishes the compact wire encodings for a run of repair
// requests (§4.5 step 3).
type RepairForm uint8

const (
	RepairItems RepairForm = iota
	RepairRanges
)

// RepairItem is one parsed repair-request entry, as found in a NACK or a
// sender REPAIR_ADV (consumed by HandleRepairContent, §4.5).
type RepairItem struct {
	Level    RepairLevel
	Form     RepairForm
	Object   ObjectID
	ObjectTo ObjectID // inclusive upper bound when Form==RepairRanges and Level==RepairObject.
	Block    BlockID
	BlockTo  BlockID // inclusive upper bound when Form==RepairRanges and Level==RepairBlock.
	Segment  SegmentID
	InfoOnly bool
}

// FTIParams is the parsed FEC Object Transmission Information a DATA
// message may carry (§4.6, glossary "FEC OTI / FTI"): the codec selector
// plus the (num_data, num_parity, segment_size) shape every buffer-pool
// sizing and decode decision derives from. A sender's first DATA message
// must carry one (§7 "missing FTI on first DATA").
type FTIParams struct {
	FEC         FECParams
	NumData     int
	NumParity   int
	SegmentSize int
}

// CCFeedbackExt is the congestion-control feedback extension attached to
// outgoing NACKs/ACKs and parsed from CMD(CC) and overheard feedback
// (§4.5 step 2, §4.7).
type CCFeedbackExt struct {
	RTT       uint8
	RTTValid  bool
	Loss      uint32 // 32-bit quantized fraction.
	Rate      uint16 // 16-bit log-quantized rate.
	Sequence  uint8
	CLR       bool
	PLR       bool
	Start     bool
}

// Message is the parsed/to-be-sent representation of one NORM message this
// engine handles. Only the fields relevant to the kind in question are
// populated; it intentionally does not attempt to model the wire layout,
// which is an external collaborator's responsibility (§1, §6).
type Message struct {
	Kind MessageKind
	Header

	// OBJECT (INFO/DATA) fields.
	ObjectID   ObjectID
	ObjectType ObjectType
	// ObjectSize is the object's total byte length, carried by the FTI for
	// FILE/DATA objects; zero for streams (unbounded). The receiver derives
	// the object's block count from it to recognize completion.
	ObjectSize uint64
	IsStream   bool
	IsRepair   bool
	HasInfo    bool
	Block      BlockID
	Segment    SegmentID
	IsParity   bool
	Payload    []byte
	// FTI carries the FEC transmission information when the sender attached
	// it to this DATA message. The engine requires it on the first DATA from
	// a sender (buffers are sized from it, §3 lifecycle) and treats a
	// changed FTI as a buffer-reallocation trigger thereafter.
	FTI *FTIParams

	// CMD(SQUELCH) fields.
	SquelchObject  ObjectID
	SquelchInvalid []ObjectID

	// CMD(FLUSH)/ACK(FLUSH) fields: watermark position and acking node list.
	WatermarkObject  ObjectID
	WatermarkBlock   BlockID
	WatermarkSegment SegmentID
	AckingNodes      []uint16

	// CMD(CC)/ACK(CC) fields.
	CC *CCFeedbackExt

	// NACK/REPAIR_ADV fields.
	RepairItems []RepairItem

	// CMD(APPLICATION) fields.
	CmdContent []byte

	// Unicast destination, if this outgoing message should not go to the
	// group address (§4.5 step 4: unicast_nacks, or a unicast ACK).
	Unicast bool

	// WireSize is the total received datagram size in bytes, used by the
	// §4.7 receive-rate update. Zero for outbound messages (the rate
	// update only runs over inbound traffic).
	WireSize int
	// RecvTime is the local wall-clock time this message was received,
	// stamped by the session before handing it to [Controller.HandleMessage].
	// It drives the §4.7 receive-rate measurement-interval math, which the
	// engine cannot derive on its own since components never read the
	// clock directly (§5).
	RecvTime time.Time
}
