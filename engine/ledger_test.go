package engine

import (
	"testing"
	"time"

	"github.com/lightningnetwork/lnd/lnwire"
	"github.com/stretchr/testify/require"
)

func TestLedgerChannelFailedAtAmountRecoversOverTime(t *testing.T) {
	now := time.Unix(1000, 0)
	cfg := testConfig()
	cfg.FailedChanRecoveryMsec = int64(10 * time.Minute / time.Millisecond)
	cfg.Clock = func() time.Time { return now }

	l := NewLedger(cfg)

	desc := ChannelDesc{ShortChannelID: lnwire.NewShortChanIDFromInt(1), From: testVertex(1), To: testVertex(2)}
	dac := DescAndCapacity{Desc: desc, Capacity: 100_000}

	l.ChannelFailedAtAmount(dac, 50_000)

	snap := l.Snapshot()
	require.Equal(t, lnwire.MilliSatoshi(50_000), snap.ChanFailedAtAmount[dac])

	// Halfway through the recovery window, the failed amount should have
	// grown roughly halfway back towards capacity.
	now = now.Add(5 * time.Minute)
	l.Reduce()

	snap = l.Snapshot()
	restored, ok := snap.ChanFailedAtAmount[dac]
	require.True(t, ok)
	require.Greater(t, restored, lnwire.MilliSatoshi(50_000))
	require.Less(t, restored, lnwire.MilliSatoshi(100_000))

	// Past the full recovery window the entry is dropped entirely.
	now = now.Add(10 * time.Minute)
	l.Reduce()

	snap = l.Snapshot()
	_, ok = snap.ChanFailedAtAmount[dac]
	require.False(t, ok)
}

func TestLedgerNodeAndDirectionCountersHalveOnReduce(t *testing.T) {
	cfg := testConfig()
	l := NewLedger(cfg)

	node := testVertex(3)
	l.NodeFailed(node, 5)

	desc := ChannelDesc{ShortChannelID: lnwire.NewShortChanIDFromInt(2), From: testVertex(4), To: testVertex(5)}
	l.ChannelFailedAtAmount(DescAndCapacity{Desc: desc, Capacity: 1000}, 10)

	snap := l.Snapshot()
	require.Equal(t, 5, snap.NodeFailedUnknownUpdateTimes[node])
	require.Equal(t, 1, snap.DirectionFailedTimes[NewDirection(desc.From, desc.To)])

	l.Reduce()

	snap = l.Snapshot()
	require.Equal(t, 2, snap.NodeFailedUnknownUpdateTimes[node])
	require.Equal(t, 0, snap.DirectionFailedTimes[NewDirection(desc.From, desc.To)])
}

func TestLedgerIgnoreSetsExcludesSaturatedChannelsAndStrangeNodes(t *testing.T) {
	cfg := testConfig()
	cfg.MaxStrangeNodeFailures = 3
	cfg.MaxDirectionFailures = 3
	l := NewLedger(cfg)

	saturatedDesc := ChannelDesc{ShortChannelID: lnwire.NewShortChanIDFromInt(10), From: testVertex(1), To: testVertex(2)}
	healthyDesc := ChannelDesc{ShortChannelID: lnwire.NewShortChanIDFromInt(11), From: testVertex(1), To: testVertex(3)}

	candidates := []DescAndCapacity{
		{Desc: saturatedDesc, Capacity: 100_000},
		{Desc: healthyDesc, Capacity: 100_000},
	}

	used := map[ChannelDesc]lnwire.MilliSatoshi{
		saturatedDesc: 95_000,
	}

	ignoreChans, _, _ := l.IgnoreSets(candidates, 10_000, used)

	_, saturatedIgnored := ignoreChans[saturatedDesc]
	require.True(t, saturatedIgnored)
	_, healthyIgnored := ignoreChans[healthyDesc]
	require.False(t, healthyIgnored)

	// A strange node past the threshold is ignored.
	strangeNode := testVertex(9)
	l.NodeFailed(strangeNode, cfg.MaxStrangeNodeFailures)

	_, ignoreNodes, _ := l.IgnoreSets(nil, 10_000, nil)
	_, strangeIgnored := ignoreNodes[strangeNode]
	require.True(t, strangeIgnored)
}

func TestLedgerChannelNotRoutableClearsOnReduce(t *testing.T) {
	cfg := testConfig()
	l := NewLedger(cfg)

	desc := ChannelDesc{ShortChannelID: lnwire.NewShortChanIDFromInt(20), From: testVertex(1), To: testVertex(2)}
	l.ChannelNotRoutable(desc)

	ignoreChans, _, _ := l.IgnoreSets(nil, 0, nil)
	_, ignored := ignoreChans[desc]
	require.True(t, ignored)

	l.Reduce()

	ignoreChans, _, _ = l.IgnoreSets(nil, 0, nil)
	_, ignored = ignoreChans[desc]
	require.False(t, ignored)
}
