// Package route defines the path data structures used by the payment
// engine: directed graph vertices, per-hop payload placement, and the
// assembled route returned by the external path-finder.
package route

import (
	"encoding/hex"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/lightningnetwork/lnd/lnwire"
)

// Vertex is a simple alias for the serialized pubkey of a node on the
// network, used to identify the sender/receiver of funds.
type Vertex [33]byte

// NewVertex returns a new Vertex given a public key.
func NewVertex(pub *btcec.PublicKey) Vertex {
	var v Vertex
	copy(v[:], pub.SerializeCompressed())
	return v
}

// NewVertexFromBytes returns a new Vertex given a serialized compressed
// public key.
func NewVertexFromBytes(b []byte) (Vertex, error) {
	var v Vertex
	if len(b) != len(v) {
		return v, errInvalidVertexLength(len(b))
	}
	copy(v[:], b)
	return v, nil
}

func (v Vertex) String() string {
	return hex.EncodeToString(v[:])
}

// Hop represents an intermediate or final node of the payment's route.
// Each hop is the destination of the one before it: the HTLC amount and
// CLTV expiry carried to this hop are already net of this hop's own fee
// and delta, per BOLT-04's payload construction.
type Hop struct {
	// PubKeyBytes is the raw bytes of the public key of the target node.
	PubKeyBytes Vertex

	// ChannelID is the unique channel ID for the channel, as encoded on
	// chain, used to join this hop to the previous one.
	ChannelID uint64

	// AmtToForward is the amount that this hop will forward to the next
	// hop. This amount has already been adjusted for the fee this hop
	// charges.
	AmtToForward lnwire.MilliSatoshi

	// OutgoingTimeLock is the CLTV value that this hop will set for the
	// outgoing HTLC.
	OutgoingTimeLock uint32

	// MPP carries the multi-part payment TLVs for this hop, if it is the
	// final hop of a multi-part payment.
	MPP *MPP

	// CustomRecords stores any custom TLV records that were attached to
	// this hop's payload.
	CustomRecords map[uint64][]byte
}

// MPP holds the multi-part-payment extra data carried in the final hop's
// payload, binding this part to the rest of the logical payment.
type MPP struct {
	PaymentAddr  [32]byte
	TotalMsat    lnwire.MilliSatoshi
}

// Route represents a path through the channel graph which a payment
// attempt will traverse. It is returned by the external path-finder and
// is immutable once built: the amount and CLTV for every hop are already
// resolved.
type Route struct {
	// TotalTimeLock is the CLTV expiry of the first hop, i.e. the value
	// that must be handed to the first channel's add-HTLC command.
	TotalTimeLock uint32

	// TotalAmount is the total amount, in millisatoshis, that is sent
	// into the first hop of the route, i.e. including all fees paid to
	// intermediate hops.
	TotalAmount lnwire.MilliSatoshi

	// SourcePubKey is the node this route originates from, i.e. us.
	SourcePubKey Vertex

	// Hops contains details concerning the individual hops in the route,
	// ordered from the first hop after the source to the final
	// destination.
	Hops []*Hop
}

// TotalFees returns the sum of the fees paid to intermediate hops: the
// difference between what leaves the source and what arrives at the
// final hop.
func (r *Route) TotalFees() lnwire.MilliSatoshi {
	if len(r.Hops) == 0 {
		return 0
	}
	return r.TotalAmount - r.ReceiverAmt()
}

// ReceiverAmt is the amount that is to be received by the final hop of
// this route.
func (r *Route) ReceiverAmt() lnwire.MilliSatoshi {
	if len(r.Hops) == 0 {
		return 0
	}
	return r.Hops[len(r.Hops)-1].AmtToForward
}

// FirstHopWireAmount is the amount, in millisatoshis, that must be put
// into the add-HTLC command for the first channel of the route.
func (r *Route) FirstHopWireAmount() lnwire.MilliSatoshi {
	return r.TotalAmount
}

type errInvalidVertexLength int

func (e errInvalidVertexLength) Error() string {
	return "invalid vertex byte length"
}
