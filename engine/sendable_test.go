package engine

import (
	"testing"

	"github.com/lightningnetwork/lnd/lnwire"
	"github.com/stretchr/testify/require"

	"github.com/fiatjaf/immortan/engine/route"
)

func TestRightNowSendableCapsByMaxInFlightAndFee(t *testing.T) {
	chans := []ChanAndCommits{
		{
			ChannelID:        lnwire.NewShortChanIDFromInt(1),
			AvailableForSend: 100_000,
			MaxSendInFlight:  60_000,
			MinSendable:      1000,
			IsOpen:           true,
		},
		{
			ChannelID:        lnwire.NewShortChanIDFromInt(2),
			AvailableForSend: 5_000,
			MaxSendInFlight:  5_000,
			MinSendable:      1000,
			IsOpen:           true,
		},
		{
			// Closed channels never show up.
			ChannelID:        lnwire.NewShortChanIDFromInt(3),
			AvailableForSend: 100_000,
			MaxSendInFlight:  100_000,
			MinSendable:      1000,
			IsOpen:           false,
		},
	}

	out := rightNowSendable(chans, 1000, nil)

	require.Equal(t, lnwire.MilliSatoshi(59_000), out[lnwire.NewShortChanIDFromInt(1)])
	require.Equal(t, lnwire.MilliSatoshi(4_000), out[lnwire.NewShortChanIDFromInt(2)])
	_, ok := out[lnwire.NewShortChanIDFromInt(3)]
	require.False(t, ok)
}

func TestRightNowSendableOmitsBelowMinSendable(t *testing.T) {
	chans := []ChanAndCommits{
		{
			ChannelID:        lnwire.NewShortChanIDFromInt(1),
			AvailableForSend: 2_000,
			MaxSendInFlight:  2_000,
			MinSendable:      5_000,
			IsOpen:           true,
		},
	}

	out := rightNowSendable(chans, 0, nil)
	require.Empty(t, out)
}

func TestRightNowSendableSubtractsReserved(t *testing.T) {
	chans := []ChanAndCommits{
		{
			ChannelID:        lnwire.NewShortChanIDFromInt(1),
			AvailableForSend: 10_000,
			MaxSendInFlight:  10_000,
			MinSendable:      100,
			IsOpen:           true,
		},
	}

	reserved := map[lnwire.ShortChannelID]lnwire.MilliSatoshi{
		lnwire.NewShortChanIDFromInt(1): 9_500,
	}

	out := rightNowSendable(chans, 0, reserved)
	require.Equal(t, lnwire.MilliSatoshi(500), out[lnwire.NewShortChanIDFromInt(1)])
}

func TestUsedCapacitiesSumsAcrossRoutes(t *testing.T) {
	source := testVertex(1)
	mid := testVertex(2)
	dest := testVertex(3)

	rt := &route.Route{
		TotalAmount:  10_000,
		SourcePubKey: source,
		Hops: []*route.Hop{
			{PubKeyBytes: mid, ChannelID: 1, AmtToForward: 9_500},
			{PubKeyBytes: dest, ChannelID: 2, AmtToForward: 9_000},
		},
	}

	used := usedCapacities([]*route.Route{rt})

	require.Equal(t, lnwire.MilliSatoshi(10_000), used[ChannelDesc{
		ShortChannelID: lnwire.NewShortChanIDFromInt(1), From: source, To: mid,
	}])
	require.Equal(t, lnwire.MilliSatoshi(9_500), used[ChannelDesc{
		ShortChannelID: lnwire.NewShortChanIDFromInt(2), From: mid, To: dest,
	}])
}
