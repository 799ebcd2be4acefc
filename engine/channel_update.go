package engine

import (
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/lightningnetwork/lnd/lnwire"

	"github.com/fiatjaf/immortan/engine/route"
)

// verifyChannelUpdateSig checks that update carries a valid signature from
// nodeID, the node the spec's RemoteUpdateFail handler is attributing the
// update to.
//
// Mirrors the teacher's ValidateChannelUpdateAnn: the signed digest is the
// double-SHA256 of the message's signable fields, verified against the
// claimed signer's pubkey. This engine has no channel graph of its own to
// update on success, only a pass/fail gate before forwarding the update to
// the path-finder and before counting the failure against nodeID rather
// than an impostor.
func verifyChannelUpdateSig(update *lnwire.ChannelUpdate, nodeID route.Vertex) bool {
	pubKey, err := btcec.ParsePubKey(nodeID[:])
	if err != nil {
		return false
	}

	data, err := update.DataToSign()
	if err != nil {
		return false
	}
	dataHash := chainhash.DoubleHashB(data)

	nodeSig, err := update.Signature.ToSignature()
	if err != nil {
		return false
	}

	return nodeSig.Verify(dataHash, pubKey)
}
