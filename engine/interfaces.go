package engine

import (
	"github.com/lightningnetwork/lnd/lntypes"
	"github.com/lightningnetwork/lnd/lnwire"

	"github.com/fiatjaf/immortan/engine/route"
)

// Channel is the subset of a locally controlled payment channel's surface
// that the payment engine needs: balance queries, the currently
// outstanding outgoing HTLC set, operational state, and the single command
// used to push a new HTLC onto the channel's commitment. Everything else
// about a channel (commitment signing, revocations, on-chain recovery) is
// owned by the channel state machine and is out of scope here.
type Channel interface {
	// ChannelID returns this channel's short channel ID.
	ChannelID() lnwire.ShortChannelID

	// RemoteNodeID returns the public key of the channel's remote peer.
	RemoteNodeID() route.Vertex

	// AvailableForSend is the amount this channel could send right now,
	// ignoring the max-in-flight cap and fee reserve.
	AvailableForSend() lnwire.MilliSatoshi

	// MaxSendInFlight is the maximum aggregate value this channel allows
	// to be in flight at once.
	MaxSendInFlight() lnwire.MilliSatoshi

	// MinSendable is the smallest HTLC value this channel will carry.
	MinSendable() lnwire.MilliSatoshi

	// AllOutgoing returns every outgoing HTLC currently on this
	// channel's commitment, tagged by logical payment.
	AllOutgoing() []OutgoingHTLC

	// IsOperationalAndOpen reports whether the channel is connected and
	// able to carry new HTLCs right now.
	IsOperationalAndOpen() bool

	// IsOperationalAndSleeping reports whether the channel is known but
	// currently offline (a candidate for WaitForChanOnline parking).
	IsOperationalAndSleeping() bool

	// ProcessAddHTLC submits a new outgoing HTLC to this channel. It
	// returns promptly; the result of the HTLC (fulfill/fail/malformed)
	// arrives later as a LocalReject, RemoteFulfill, or RemoteReject
	// event routed back through the Master.
	ProcessAddHTLC(cmd AddHTLCCommand) error
}

// RouteRequest is forwarded by the Master to the PathFinder, serialized so
// only one is outstanding at a time.
type RouteRequest struct {
	FullTag      FullPaymentTag
	PartID       PartID
	SourceNode   route.Vertex
	TargetNodeID route.Vertex
	Amount       lnwire.MilliSatoshi
	LocalEdge    AssistedChannel
	Conf         RouterConf
	FeeBudget    lnwire.MilliSatoshi

	// IgnoreChans, IgnoreNodes and IgnoreDirections are the ledger-derived
	// filters computed fresh for this request.
	IgnoreChans      map[ChannelDesc]struct{}
	IgnoreNodes      map[route.Vertex]struct{}
	IgnoreDirections map[Direction]struct{}
}

// PathFinder is the external Dijkstra-over-the-routing-graph collaborator.
// It is asynchronous: FindRoute returns immediately and the result is
// delivered later via the routeFound/noRouteAvailable events posted to
// replyTo.
type PathFinder interface {
	// FindRoute asks the path-finder to search for a route satisfying
	// req, with the result delivered to replyTo.
	FindRoute(replyTo EventSink, req RouteRequest)

	// LearnChannelUpdate informs the path-finder of a fresh, signature-
	// verified channel_update extracted from a failure packet.
	LearnChannelUpdate(desc ChannelDesc, update *lnwire.ChannelUpdate)

	// LearnAssistedEdges pushes payment-scoped graph hints (e.g. invoice
	// route hints) ahead of a route request for that payment.
	LearnAssistedEdges(tag FullPaymentTag, edges []AssistedChannel)
}

// channelUpdateDisabled reports whether a channel_update marks the edge as
// disabled (bit 1 of ChannelFlags, per BOLT-07).
func channelUpdateDisabled(u *lnwire.ChannelUpdate) bool {
	return u.ChannelFlags&(1<<1) != 0
}

// EventSink is anything that can receive engine events, i.e. the Master's
// event queue. PathFinder responses and Channel callbacks both post back
// through this interface.
type EventSink interface {
	Post(evt Event)
}

// Listeners are the callbacks a SendPayment caller registers when creating
// a sender via CreateSenderFSM.
type Listeners struct {
	// WholePaymentSucceeded fires exactly once, after the first preimage
	// has been seen AND the external in-flight bag reports no remaining
	// HTLC with this tag in any channel.
	WholePaymentSucceeded func(state PaymentSenderState)

	// WholePaymentFailed fires exactly once, when the sender aborts with
	// no local in-flight parts and no channel-side leftovers.
	WholePaymentFailed func(state PaymentSenderState)

	// GotFirstPreimage fires as soon as any part of the payment is
	// fulfilled, before the whole-payment bookkeeping above settles.
	GotFirstPreimage func(state PaymentSenderState, fulfill RemoteFulfill, preimage lntypes.Preimage)
}
