package engine

import (
	"bytes"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/davecgh/go-spew/spew"
	sphinx "github.com/lightningnetwork/lightning-onion"
	"github.com/lightningnetwork/lnd/lnwire"

	"github.com/fiatjaf/immortan/engine/route"
)

// generateSessionKey returns a fresh ephemeral private key for one onion
// construction. A local retry of a part reuses its existing key (no HTLC
// ever left this process); a remote retry always calls this again so the
// new attempt is unlinkable from the old one.
func generateSessionKey() (*btcec.PrivateKey, error) {
	return btcec.NewPrivateKey()
}

// finalHopPayload is the set of TLVs placed on the last hop of a part's
// route: the pieces the onion builder needs beyond what the route itself
// carries (which only has fees/CLTV per hop).
type finalHopPayload struct {
	totalSum           lnwire.MilliSatoshi
	outerPaymentSecret [32]byte
	payeeMetadata      []byte
	onionTLVs          map[uint64][]byte
	userCustomTLVs     map[uint64][]byte
}

// builtOnion is the pure output of the onion/HTLC command builder: the
// first-hop amount and expiry (what goes into the add-HTLC command sent to
// the first channel), the encrypted onion packet, and the sphinx circuit
// needed later to decrypt a remote failure for this specific attempt.
type builtOnion struct {
	firstHopAmount lnwire.MilliSatoshi
	firstHopExpiry uint32
	onionPacket    []byte
	circuit        *sphinx.Circuit
}

// buildOnionAndCommand folds the route right-to-left to assemble per-hop
// sphinx payloads, builds the onion packet from the part's session key, and
// returns the add-HTLC command ready to dispatch to the first channel.
//
// This mirrors the teacher's generateSphinxPacket, generalized so the
// final hop can carry the multipart-payment TLVs this engine's SendPayment
// command specifies.
func buildOnionAndCommand(fullTag FullPaymentTag, rt *route.Route,
	sessionKey *btcec.PrivateKey, final finalHopPayload) (
	*builtOnion, *AddHTLCCommand, error) {

	paymentHash := fullTag.PaymentHash

	sphinxPath, err := toSphinxPath(rt, final)
	if err != nil {
		return nil, nil, newErrf(ErrSenderNotFound,
			"building sphinx path: %v", err)
	}

	log.Tracef("Constructed per-hop payloads for payment_hash=%v: %v",
		paymentHash, newLogClosure(func() string {
			return spew.Sdump(rt.Hops)
		}))

	sphinxPacket, err := sphinx.NewOnionPacket(
		sphinxPath, sessionKey, paymentHash[:],
		sphinx.DeterministicPacketFiller,
	)
	if err != nil {
		return nil, nil, err
	}

	var onionBlob bytes.Buffer
	if err := sphinxPacket.Encode(&onionBlob); err != nil {
		return nil, nil, err
	}

	out := &builtOnion{
		firstHopAmount: rt.TotalAmount,
		firstHopExpiry: rt.TotalTimeLock,
		onionPacket:    onionBlob.Bytes(),
		circuit: &sphinx.Circuit{
			SessionKey:  sessionKey,
			PaymentPath: sphinxPath.NodeKeys(),
		},
	}

	cmd := &AddHTLCCommand{
		FullTag:     fullTag,
		FirstAmount: out.firstHopAmount,
		FirstExpiry: out.firstHopExpiry,
		OnionPacket: out.onionPacket,
		PaymentHash: paymentHash,
	}

	return out, cmd, nil
}

// toSphinxPath maps our route into a sphinx.PaymentPath, attaching the
// final-hop multipart-payment payload.
func toSphinxPath(rt *route.Route, final finalHopPayload) (
	*sphinx.PaymentPath, error) {

	var path sphinx.PaymentPath

	for i, hop := range rt.Hops {
		pub, err := btcec.ParsePubKey(hop.PubKeyBytes[:])
		if err != nil {
			return nil, err
		}

		var extra map[uint64][]byte
		switch {
		case i == len(rt.Hops)-1:
			extra = finalHopExtras(final)
		default:
			extra = intermediateExtras(rt.Hops[i+1].ChannelID)
		}

		path[i] = sphinx.OnionHop{
			NodePub: *pub,
			HopPayload: sphinx.HopPayload{
				Type:    sphinx.PayloadTLV,
				Payload: encodeHopPayload(hop, extra),
			},
		}
	}

	return &path, nil
}

// DecryptedFailure is the decoded shape of a remote failure packet once
// its sphinx layers have been peeled off: which hop the failure
// originated at (0 = our own outgoing channel) and the failure message it
// carried, if any could be parsed.
type DecryptedFailure struct {
	// SourceIdx is the index into Route.Hops (0-based; 0 means the
	// failure originated at the first hop) of the node that produced the
	// failure.
	SourceIdx int

	// Message is the decoded failure message, or nil if the payload
	// could not be parsed as a known failure type.
	Message lnwire.FailureMessage
}

// decryptFailure peels the sphinx failure packet for one part using the
// circuit captured when its onion was built, then decodes the cleartext
// payload into a concrete lnwire failure message.
//
// Grounded on the teacher's htlcswitch.FailureDeobfuscator.Deobfuscate:
// OnionDeobfuscator.Deobfuscate (here, the lower-level per-circuit
// NewOnionErrorDecrypter since this engine has no forwarding hops of its
// own to obfuscate for) followed by lnwire.DecodeFailure.
func decryptFailure(circuit *sphinx.Circuit,
	reason lnwire.OpaqueReason) (*DecryptedFailure, error) {

	decrypter := sphinx.NewOnionErrorDecrypter(circuit)

	sourceIdx, failureData, err := decrypter.DecryptError(reason)
	if err != nil {
		return nil, err
	}

	msg, err := lnwire.DecodeFailure(bytes.NewReader(failureData), 0)
	if err != nil {
		return &DecryptedFailure{SourceIdx: sourceIdx}, nil
	}

	return &DecryptedFailure{
		SourceIdx: sourceIdx,
		Message:   msg,
	}, nil
}

// channelUpdateFromFailure extracts the embedded channel_update carried by
// the subset of lnwire failure messages that report one. Returns nil for
// failure types that carry no update, including FailTemporaryChannelFailure's
// nil-Update case (a node that chose not to disclose the update).
func channelUpdateFromFailure(msg lnwire.FailureMessage) *lnwire.ChannelUpdate {
	switch m := msg.(type) {
	case *lnwire.FailAmountBelowMinimum:
		return &m.Update
	case *lnwire.FailFeeInsufficient:
		return &m.Update
	case *lnwire.FailIncorrectCltvExpiry:
		return &m.Update
	case *lnwire.FailExpiryTooSoon:
		return &m.Update
	case *lnwire.FailChannelDisabled:
		return &m.Update
	case *lnwire.FailTemporaryChannelFailure:
		return m.Update
	default:
		return nil
	}
}
