package engine

import (
	"bytes"
	"sort"

	"github.com/lightningnetwork/lnd/tlv"

	"github.com/fiatjaf/immortan/engine/route"
)

// Onion payload TLV types, per BOLT-04.
const (
	tlvTypeAmtToForward    tlv.Type = 2
	tlvTypeOutgoingCLTV    tlv.Type = 4
	tlvTypeShortChannelID  tlv.Type = 6
	tlvTypeMetadata        tlv.Type = 16
	tlvTypeMPP             tlv.Type = 8
)

// encodeHopPayload builds the BOLT-04 TLV payload for one hop of the
// route. isFinal hops additionally carry the multipart-payment record and
// any payee metadata / extra TLVs supplied on the SendPayment command;
// intermediate hops carry the short_channel_id of the next hop instead.
//
// This follows the same Record-per-field shape as the teacher's
// record.NewAmtToFwdRecord/NewLockTimeRecord/NewNextHopIDRecord helpers,
// built directly against the tlv package here since those helpers live in
// a record package fork (retrieved alongside an unrelated asset-id
// extension) that this module does not otherwise depend on.
func encodeHopPayload(hop *route.Hop, extra map[uint64][]byte) []byte {
	amt := uint64(hop.AmtToForward)
	lockTime := hop.OutgoingTimeLock

	records := []tlv.Record{
		tlv.MakeDynamicRecord(
			tlvTypeAmtToForward, &amt,
			func() uint64 { return tlv.SizeTUint64(amt) },
			tlv.ETUint64, tlv.DTUint64,
		),
		tlv.MakeDynamicRecord(
			tlvTypeOutgoingCLTV, &lockTime,
			func() uint64 { return tlv.SizeTUint32(lockTime) },
			tlv.ETUint32, tlv.DTUint32,
		),
	}

	for typ, val := range extra {
		v := val
		records = append(records, tlv.MakeDynamicRecord(
			tlv.Type(typ), &v,
			func() uint64 { return uint64(len(v)) },
			tlv.EVarBytes, tlv.DVarBytes,
		))
	}

	sort.Slice(records, func(i, j int) bool {
		return records[i].Type() < records[j].Type()
	})

	stream, err := tlv.NewStream(records...)
	if err != nil {
		// Record construction above is entirely static; a failure here
		// would mean a real programming error, not a runtime condition
		// callers can act on.
		panic(err)
	}

	var buf bytes.Buffer
	if err := stream.Encode(&buf); err != nil {
		panic(err)
	}

	return buf.Bytes()
}

// intermediateExtras returns the next_hop TLV for a non-final hop.
func intermediateExtras(nextChannelID uint64) map[uint64][]byte {
	var scidBuf [8]byte
	encodeBigEndianU64(scidBuf[:], nextChannelID)

	return map[uint64][]byte{
		uint64(tlvTypeShortChannelID): scidBuf[:],
	}
}

// finalHopExtras returns the MPP and optional metadata/custom TLVs for the
// final hop of a route.
func finalHopExtras(final finalHopPayload) map[uint64][]byte {
	extras := make(map[uint64][]byte)

	var mppBuf bytes.Buffer
	mppBuf.Write(final.outerPaymentSecret[:])

	var scratch [8]byte
	if err := tlv.ETUint64T(&mppBuf, uint64(final.totalSum), &scratch); err != nil {
		panic(err)
	}

	extras[uint64(tlvTypeMPP)] = mppBuf.Bytes()

	if final.payeeMetadata != nil {
		extras[uint64(tlvTypeMetadata)] = final.payeeMetadata
	}
	for k, v := range final.onionTLVs {
		extras[k] = v
	}
	for k, v := range final.userCustomTLVs {
		extras[k] = v
	}

	return extras
}

func encodeBigEndianU64(b []byte, v uint64) {
	for i := 7; i >= 0; i-- {
		b[i] = byte(v)
		v >>= 8
	}
}
