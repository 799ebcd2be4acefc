package engine

import (
	"github.com/btcsuite/btcd/btcec/v2"
	sphinx "github.com/lightningnetwork/lightning-onion"
	"github.com/lightningnetwork/lnd/lntypes"
	"github.com/lightningnetwork/lnd/lnwire"

	"github.com/fiatjaf/immortan/engine/route"
)

// PaymentTagKind distinguishes the context a logical payment was sent
// under. Only LocallySent participates in the FSMs described here;
// TrampolineRouted is carried through so a host composing this engine with
// a trampoline-forwarding layer can key its own state off the same tag.
type PaymentTagKind uint8

const (
	LocallySent PaymentTagKind = iota
	TrampolineRouted
)

// FullPaymentTag uniquely identifies one logical (possibly multi-part)
// payment for the lifetime of this process.
type FullPaymentTag struct {
	PaymentHash   lntypes.Hash
	PaymentSecret [32]byte
	Tag           PaymentTagKind
}

// SplitInfo records the total size of a logical payment and the portion of
// it that this process is responsible for sending. MyPart is always <=
// TotalSum; the two differ when this process is one contributor among
// several in a larger multi-party payment (e.g. trampoline fan-out).
type SplitInfo struct {
	TotalSum lnwire.MilliSatoshi
	MyPart   lnwire.MilliSatoshi
}

// ChainExpiry is the final-hop CLTV expiry requested for a payment, given
// either as an absolute block height or as a delta from the current
// height at dispatch time.
type ChainExpiry struct {
	Absolute bool
	Value    uint32
}

// Resolve returns the final-hop CLTV expiry given the chain tip.
func (c ChainExpiry) Resolve(currentHeight uint32) uint32 {
	if c.Absolute {
		return c.Value
	}
	return currentHeight + c.Value
}

// RouterConf carries the path-finding tunables that accompany a single
// SendPayment command.
type RouterConf struct {
	InitRouteMaxLength int
	RouteMaxCltv       uint32
}

// ChannelDesc identifies a directed edge of the external routing graph.
type ChannelDesc struct {
	ShortChannelID lnwire.ShortChannelID
	From, To       route.Vertex
}

// DescAndCapacity pairs a directed edge with its capacity as known to the
// external graph.
type DescAndCapacity struct {
	Desc     ChannelDesc
	Capacity lnwire.MilliSatoshi
}

// Direction is an undirected-pair-agnostic directed pair of nodes, used by
// the failure ledger to track per-direction failure counters.
type Direction struct {
	From, To route.Vertex
}

// NewDirection builds a Direction from two vertices.
func NewDirection(from, to route.Vertex) Direction {
	return Direction{From: from, To: to}
}

// Reverse returns the opposite direction of the same pair.
func (d Direction) Reverse() Direction {
	return Direction{From: d.To, To: d.From}
}

// AssistedChannel is an externally-supplied graph hint (e.g. a route hint
// from an invoice) pushed into the path-finder ahead of a route request.
type AssistedChannel struct {
	Desc           ChannelDesc
	Capacity       lnwire.MilliSatoshi
	CltvExpiryDelta uint16
	FeeBaseMsat    lnwire.MilliSatoshi
	FeeProportionalMillionths uint32
}

// SendPayment is the immutable command that kicks off (or adds a part
// budget to) one logical payment.
type SendPayment struct {
	FullTag            FullPaymentTag
	Split              SplitInfo
	TargetNodeID       route.Vertex
	ChainExpiry        ChainExpiry
	RouterConf         RouterConf
	TotalFeeReserve    lnwire.MilliSatoshi
	AllowedChans       []ChanAndCommits
	OuterPaymentSecret [32]byte
	PayeeMetadata      []byte
	AssistedEdges      []AssistedChannel
	OnionTLVs          map[uint64][]byte
	UserCustomTLVs     map[uint64][]byte

	// ClearFailures requests that the master run a failure-ledger
	// restoration pass before this payment is assigned to channels.
	ClearFailures bool
}

// OutgoingHTLC is one outstanding HTLC a Channel is currently carrying,
// tagged with the logical payment it belongs to.
type OutgoingHTLC struct {
	Tag    FullPaymentTag
	Amount lnwire.MilliSatoshi
}

// AddHTLCCommand is the command dispatched to a Channel to place a new
// outgoing HTLC on its commitment.
type AddHTLCCommand struct {
	FullTag     FullPaymentTag
	FirstAmount lnwire.MilliSatoshi
	FirstExpiry uint32
	OnionPacket []byte
	PaymentHash lntypes.Hash
}

// ChanAndCommits is a point-in-time snapshot of a channel's send capacity,
// taken once per scheduling decision so that a multi-step allocation (e.g.
// assignToChans iterating channels) observes a consistent view even though
// the underlying Channel is externally mutable.
type ChanAndCommits struct {
	Chan              Channel
	AvailableForSend  lnwire.MilliSatoshi
	MaxSendInFlight   lnwire.MilliSatoshi
	MinSendable       lnwire.MilliSatoshi
	AllOutgoing       []OutgoingHTLC
	RemoteNodeID      route.Vertex
	ChannelID         lnwire.ShortChannelID
	IsOpen            bool
	IsSleeping        bool
}

// SnapshotChan takes a ChanAndCommits snapshot of a live Channel.
func SnapshotChan(c Channel) ChanAndCommits {
	return ChanAndCommits{
		Chan:             c,
		AvailableForSend: c.AvailableForSend(),
		MaxSendInFlight:  c.MaxSendInFlight(),
		MinSendable:      c.MinSendable(),
		AllOutgoing:      c.AllOutgoing(),
		RemoteNodeID:     c.RemoteNodeID(),
		ChannelID:        c.ChannelID(),
		IsOpen:           c.IsOperationalAndOpen(),
		IsSleeping:       c.IsOperationalAndSleeping(),
	}
}

// PartID identifies one part of a multi-part payment. It is always the
// public key derived from the part's current onion session key: changing
// the onion key (on a remote retry) changes the partId.
type PartID = route.Vertex

// PartIDFromKey derives the PartID for a given onion session key.
func PartIDFromKey(onionKey *btcec.PrivateKey) PartID {
	return route.NewVertex(onionKey.PubKey())
}

// Flight records a part that has been dispatched to a channel and is
// awaiting resolution.
type Flight struct {
	Cmd     AddHTLCCommand
	Route   *route.Route
	Circuit *sphinx.Circuit
}

// PartStatus is the closed sum type describing one part's lifecycle stage.
// WaitForChanOnline and WaitForRouteOrInFlight are the only
// implementations.
type PartStatus interface {
	OnionKey() *btcec.PrivateKey
	Amount() lnwire.MilliSatoshi

	sealedPartStatus()
}

// WaitForChanOnline is a part that could not be assigned to any currently
// operational channel; it is parked until a ChanGotOnline event or the
// sender's abort timer fires.
type WaitForChanOnline struct {
	key *btcec.PrivateKey
	amt lnwire.MilliSatoshi
}

// NewWaitForChanOnline constructs a parked part.
func NewWaitForChanOnline(onionKey *btcec.PrivateKey, amt lnwire.MilliSatoshi) *WaitForChanOnline {
	return &WaitForChanOnline{key: onionKey, amt: amt}
}

func (p *WaitForChanOnline) OnionKey() *btcec.PrivateKey   { return p.key }
func (p *WaitForChanOnline) Amount() lnwire.MilliSatoshi   { return p.amt }
func (*WaitForChanOnline) sealedPartStatus()               {}

// WaitForRouteOrInFlight is a part reserved against a channel. Flight is
// nil while awaiting a route from the path-finder, and set once the part
// has been dispatched as an HTLC.
type WaitForRouteOrInFlight struct {
	key    *btcec.PrivateKey
	amt    lnwire.MilliSatoshi
	Cnc    ChanAndCommits
	Flight *Flight

	// FeesTried accumulates the fee of every route attempted for this
	// part, win or lose, used only for diagnostics; the fee reserve
	// accounting itself is driven off parts currently in flight.
	FeesTried []lnwire.MilliSatoshi

	// LocalFailedChans is the set of channels this part has already
	// tried and been locally rejected by or found no route from,
	// excluded from the next NoRouteAvailable/LocalReject retry attempt.
	LocalFailedChans map[lnwire.ShortChannelID]struct{}

	// RemoteAttempts counts how many times this part has been dispatched
	// and come back with a remote failure (resolveRemoteFail retries).
	RemoteAttempts int
}

// NewWaitForRoute constructs a part reserved against cnc, awaiting a route.
func NewWaitForRoute(onionKey *btcec.PrivateKey, amt lnwire.MilliSatoshi,
	cnc ChanAndCommits) *WaitForRouteOrInFlight {

	return &WaitForRouteOrInFlight{
		key:              onionKey,
		amt:              amt,
		Cnc:              cnc,
		LocalFailedChans: make(map[lnwire.ShortChannelID]struct{}),
	}
}

func (p *WaitForRouteOrInFlight) OnionKey() *btcec.PrivateKey { return p.key }
func (p *WaitForRouteOrInFlight) Amount() lnwire.MilliSatoshi { return p.amt }
func (*WaitForRouteOrInFlight) sealedPartStatus()             {}

// InFlight reports whether this part has already been dispatched as an
// HTLC and is awaiting a remote resolution.
func (p *WaitForRouteOrInFlight) InFlight() bool {
	return p.Flight != nil
}

// SenderPhase is the Payment Sender FSM's coarse lifecycle stage.
type SenderPhase uint8

const (
	Init SenderPhase = iota
	Pending
	Aborted
	Succeeded
)

func (s SenderPhase) String() string {
	switch s {
	case Init:
		return "INIT"
	case Pending:
		return "PENDING"
	case Aborted:
		return "ABORTED"
	case Succeeded:
		return "SUCCEEDED"
	default:
		return "UNKNOWN"
	}
}

// MasterPhase is the Payment Master FSM's phase, used purely to serialise
// outstanding path-finder requests.
type MasterPhase uint8

const (
	ExpectingPayments MasterPhase = iota
	WaitingForRoute
)
