package engine

import (
	"github.com/lightningnetwork/lnd/lnwire"

	"github.com/fiatjaf/immortan/engine/route"
)

// rightNowSendable computes, for every operational-and-open channel in
// chans, how much it could carry right now: its externally reported
// availableForSend capped by maxSendInFlight and reduced by maxFee and by
// whatever this sender has already locally reserved against it (parts
// still in WaitForRouteOrInFlight that the channel itself doesn't know
// about yet). Channels whose result falls below minSendable are omitted
// entirely rather than reported as a zero or negative entry.
//
// reserved is keyed by ChannelID and holds the sum of amounts this sender
// has assigned to that channel but which have not yet been reflected in
// the channel's own AllOutgoing set (i.e. everything from assignToChans
// through the moment ProcessAddHTLC's result is known).
func rightNowSendable(chans []ChanAndCommits, maxFee lnwire.MilliSatoshi,
	reserved map[lnwire.ShortChannelID]lnwire.MilliSatoshi) map[lnwire.ShortChannelID]lnwire.MilliSatoshi {

	out := make(map[lnwire.ShortChannelID]lnwire.MilliSatoshi, len(chans))

	for _, cnc := range chans {
		if !cnc.IsOpen {
			continue
		}

		sendable := cnc.AvailableForSend
		if cnc.MaxSendInFlight < sendable {
			sendable = cnc.MaxSendInFlight
		}

		if sendable < maxFee {
			continue
		}
		sendable -= maxFee

		if already := reserved[cnc.ChannelID]; already > 0 {
			if already >= sendable {
				continue
			}
			sendable -= already
		}

		if sendable < cnc.MinSendable {
			continue
		}

		out[cnc.ChannelID] = sendable
	}

	return out
}

// usedCapacities sums, per directed edge, the amount committed by every
// hop of every currently in-flight part across every live sender. This is
// the best-effort external-utilisation snapshot the failure ledger uses to
// decide which edges are already close to saturated before the channel's
// own view catches up.
func usedCapacities(inFlightRoutes []*route.Route) map[ChannelDesc]lnwire.MilliSatoshi {
	used := make(map[ChannelDesc]lnwire.MilliSatoshi)

	for _, rt := range inFlightRoutes {
		amt := rt.TotalAmount
		from := rt.SourcePubKey

		for _, hop := range rt.Hops {
			desc := ChannelDesc{
				ShortChannelID: lnwire.NewShortChanIDFromInt(hop.ChannelID),
				From:           from,
				To:             hop.PubKeyBytes,
			}
			used[desc] += amt

			amt = hop.AmtToForward
			from = hop.PubKeyBytes
		}
	}

	return used
}
