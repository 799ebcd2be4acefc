package engine

import (
	"github.com/lightningnetwork/lnd/lntypes"
	"github.com/lightningnetwork/lnd/lnwire"

	"github.com/fiatjaf/immortan/engine/route"
)

// Event is the closed set of inputs the master's single worker consumes.
// Commands arrive from the host (CreateSenderFSM, RemoveSenderFSM,
// SendPayment, ChanGotOnline, InFlightPayments, LocalReject, RemoteFulfill,
// RemoteReject) or from the path-finder (routeFound/noRouteAvailable), or
// are self-posted by the master to drive the next scheduling step
// (askForRoute, abortFired). The channel-/node-failure events are also
// accepted, although senders report failures to the ledger directly.
type Event interface {
	sealedEvent()
}

// CreateSenderFSM registers a new sender for fullTag with the given
// listeners. If fullTag is already registered, the request is logged and
// ignored; no error is returned.
type CreateSenderFSM struct {
	FullTag   FullPaymentTag
	Listeners Listeners
}

// RemoveSenderFSM deletes the sender for fullTag and stops its abort timer.
// No notification is fired; the removal is visible only through
// PaymentsSnapshot.
type RemoveSenderFSM struct {
	FullTag FullPaymentTag
}

// SendPaymentEvent carries a SendPayment command to the sender registered
// under cmd.FullTag.
type SendPaymentEvent struct {
	Cmd SendPayment
}

// ChanGotOnline is broadcast to every sender when a previously sleeping
// channel becomes operational again.
type ChanGotOnline struct {
	RemoteNodeID route.Vertex
}

// InFlightPayments reports, for a set of tags, whether any channel still
// carries an outgoing HTLC for that tag. Fanned to senders so a SUCCEEDED
// sender with no local in-flight parts can finally fire
// wholePaymentSucceeded once the channel-side leftovers are gone too.
type InFlightPayments struct {
	StillInFlight map[FullPaymentTag]bool
}

// LocalReject is posted when a channel's ProcessAddHTLC fails synchronously
// or the channel itself reports it cannot carry the HTLC.
type LocalReject struct {
	FullTag FullPaymentTag
	PartID  PartID
	Reason  LocalRejectReason
}

// LocalRejectReason is the closed set of reasons a channel can give for
// refusing an HTLC before it ever left this process.
type LocalRejectReason uint8

const (
	// InPrincipleNotSendable means the channel can never carry this
	// HTLC regardless of retry (e.g. amount exceeds channel capacity).
	InPrincipleNotSendable LocalRejectReason = iota

	// ChannelOffline means the channel was operational when reserved
	// but went to sleep before the HTLC could be placed.
	ChannelOffline

	// OtherLocalReject covers every other synchronous channel-side
	// refusal (e.g. a transient commitment-slot conflict).
	OtherLocalReject
)

// RemoteFulfill is posted when a dispatched HTLC is fulfilled by its
// destination.
type RemoteFulfill struct {
	FullTag  FullPaymentTag
	PartID   PartID
	Preimage lntypes.Preimage
}

// RemoteReject is posted when a dispatched HTLC comes back failed or
// malformed from somewhere along the route.
type RemoteReject struct {
	FullTag   FullPaymentTag
	PartID    PartID
	Malformed bool
	Reason    lnwire.OpaqueReason
}

// askForRoute is self-posted by the master after any event that might free
// up the single outstanding path-finder slot.
type askForRoute struct{}

// routeFound is the path-finder's positive response to a RouteRequest.
type routeFound struct {
	FullTag FullPaymentTag
	PartID  PartID
	Route   *route.Route
}

// noRouteAvailable is the path-finder's negative response to a
// RouteRequest.
type noRouteAvailable struct {
	FullTag FullPaymentTag
	PartID  PartID
}

// channelFailedAtAmount reports a channel that failed carrying req.amount,
// for the failure ledger.
type channelFailedAtAmount struct {
	Desc   ChannelDesc
	Amount lnwire.MilliSatoshi
}

// nodeFailed increments a node's opaque-failure counter by inc.
type nodeFailed struct {
	NodeID route.Vertex
	Inc    int
}

// channelNotRoutable marks a directed edge disabled for the remainder of
// this reduction cycle.
type channelNotRoutable struct {
	Desc ChannelDesc
}

func (CreateSenderFSM) sealedEvent()      {}
func (RemoveSenderFSM) sealedEvent()      {}
func (SendPaymentEvent) sealedEvent()     {}
func (ChanGotOnline) sealedEvent()        {}
func (InFlightPayments) sealedEvent()     {}
func (LocalReject) sealedEvent()          {}
func (RemoteFulfill) sealedEvent()        {}
func (RemoteReject) sealedEvent()         {}
func (askForRoute) sealedEvent()          {}
func (routeFound) sealedEvent()           {}
func (noRouteAvailable) sealedEvent()     {}
func (channelFailedAtAmount) sealedEvent() {}
func (nodeFailed) sealedEvent()           {}
func (channelNotRoutable) sealedEvent()   {}
