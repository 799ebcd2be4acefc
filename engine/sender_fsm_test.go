package engine

import (
	"testing"

	"github.com/lightningnetwork/lnd/lntypes"
	"github.com/lightningnetwork/lnd/lnwire"
	"github.com/stretchr/testify/require"

	"github.com/fiatjaf/immortan/engine/route"
)

func testSendPayment(tag FullPaymentTag, target route.Vertex, amt lnwire.MilliSatoshi,
	chans ...ChanAndCommits) SendPayment {

	return SendPayment{
		FullTag:         tag,
		Split:           SplitInfo{TotalSum: amt, MyPart: amt},
		TargetNodeID:    target,
		ChainExpiry:     ChainExpiry{Absolute: false, Value: 40},
		RouterConf:      RouterConf{InitRouteMaxLength: 20, RouteMaxCltv: 2016},
		TotalFeeReserve: 1000,
		AllowedChans:    chans,
	}
}

func TestAssignToChansSplitsAcrossTwoChannels(t *testing.T) {
	cfg := testConfig()
	target := testVertex(99)

	c1 := newMockChannel(1, target, 60_000)
	c2 := newMockChannel(2, target, 60_000)

	tag := FullPaymentTag{PaymentHash: lntypes.Hash{1}}
	s := NewSender(SendPayment{}, Listeners{})

	cmd := testSendPayment(tag, target, 100_000, SnapshotChan(c1), SnapshotChan(c2))
	result := s.HandleSendPayment(cfg, cmd)

	require.False(t, result.Failed)
	require.Len(t, result.State.Parts, 2)

	var total lnwire.MilliSatoshi
	for _, p := range result.State.Parts {
		total += p.Amount()
	}
	require.Equal(t, lnwire.MilliSatoshi(100_000), total)
}

func TestAssignToChansParksRemainderOnSleepingChannel(t *testing.T) {
	cfg := testConfig()
	target := testVertex(99)

	awake := newMockChannel(1, target, 30_000)
	sleeping := newMockChannel(2, target, 80_000)
	sleeping.setSleeping(true)

	tag := FullPaymentTag{PaymentHash: lntypes.Hash{2}}
	s := NewSender(SendPayment{}, Listeners{})

	cmd := testSendPayment(tag, target, 100_000, SnapshotChan(awake), SnapshotChan(sleeping))
	result := s.HandleSendPayment(cfg, cmd)

	require.False(t, result.Failed)

	var parked int
	for _, p := range result.State.Parts {
		if _, ok := p.(*WaitForChanOnline); ok {
			parked++
		}
	}
	require.Equal(t, 1, parked)
	require.True(t, s.HasWaitForChanOnlineParts())
}

func TestAssignToChansFailsWithNotEnoughFunds(t *testing.T) {
	cfg := testConfig()
	target := testVertex(99)

	c1 := newMockChannel(1, target, 10_000)

	tag := FullPaymentTag{PaymentHash: lntypes.Hash{3}}
	s := NewSender(SendPayment{}, Listeners{})

	cmd := testSendPayment(tag, target, 100_000, SnapshotChan(c1))
	result := s.HandleSendPayment(cfg, cmd)

	require.True(t, result.Failed)
	require.Len(t, result.State.Failures, 1)
	lf, ok := result.State.Failures[0].(LocalFailure)
	require.True(t, ok)
	require.Equal(t, NotEnoughFunds, lf.Code)
}

func TestHandleRouteFoundBuildsDispatchJob(t *testing.T) {
	cfg := testConfig()
	target := testVertex(99)
	self := cfg.SelfNodeID

	c1 := newMockChannel(1, target, 60_000)

	tag := FullPaymentTag{PaymentHash: lntypes.Hash{4}}
	s := NewSender(SendPayment{}, Listeners{})

	cmd := testSendPayment(tag, target, 50_000, SnapshotChan(c1))
	s.HandleSendPayment(cfg, cmd)

	req := s.HandleAskForRoute(cfg)
	require.NotNil(t, req)

	rt := directRoute(self, target, 50_000, 1)
	result := s.HandleRouteFound(req.PartID, rt)

	require.NotNil(t, result.Dispatch)
	require.Equal(t, req.PartID, result.Dispatch.PartID)
	require.Equal(t, c1, result.Dispatch.Chan)
	require.NotEmpty(t, result.Dispatch.Cmd.OnionPacket)

	// The part is now in flight and no longer offered to HandleAskForRoute.
	require.Nil(t, s.HandleAskForRoute(cfg))
}

func TestHandleNoRouteAvailableTriesAlternateChannel(t *testing.T) {
	cfg := testConfig()
	cfg.MaxInChannelHtlcs = 10
	target := testVertex(99)

	// Capacities large enough that the whole payment fits on either
	// channel alone, so assignToChans produces a single part.
	c1 := newMockChannel(1, target, 500_000)
	c2 := newMockChannel(2, target, 500_000)

	tag := FullPaymentTag{PaymentHash: lntypes.Hash{5}}
	s := NewSender(SendPayment{}, Listeners{})

	cmd := testSendPayment(tag, target, 50_000, SnapshotChan(c1), SnapshotChan(c2))
	s.HandleSendPayment(cfg, cmd)
	require.Len(t, s.parts, 1)

	req := s.HandleAskForRoute(cfg)
	require.NotNil(t, req)
	firstPartID := req.PartID

	result := s.HandleNoRouteAvailable(cfg, firstPartID)
	require.False(t, result.Failed)

	// The part should have moved to the alternate channel, still as one
	// part (since plenty of capacity was available elsewhere).
	require.Len(t, result.State.Parts, 1)
}

func TestHandleNoRouteAvailableGivesUpWithNoAlternates(t *testing.T) {
	cfg := testConfig()
	// One HTLC slot per channel leaves no room to split the single part.
	cfg.MaxInChannelHtlcs = 1
	target := testVertex(99)

	c1 := newMockChannel(1, target, 60_000)

	tag := FullPaymentTag{PaymentHash: lntypes.Hash{6}}
	s := NewSender(SendPayment{}, Listeners{})

	cmd := testSendPayment(tag, target, 50_000, SnapshotChan(c1))
	s.HandleSendPayment(cfg, cmd)
	require.Len(t, s.parts, 1)

	req := s.HandleAskForRoute(cfg)
	require.NotNil(t, req)

	result := s.HandleNoRouteAvailable(cfg, req.PartID)
	require.True(t, result.Failed)

	lf, ok := result.State.Failures[0].(LocalFailure)
	require.True(t, ok)
	require.Equal(t, NoRoutesFound, lf.Code)
}

func TestHandleRemoteFulfillRequiresMatchingPreimage(t *testing.T) {
	cfg := testConfig()
	target := testVertex(99)
	self := cfg.SelfNodeID

	c1 := newMockChannel(1, target, 60_000)

	var preimage lntypes.Preimage
	preimage[0] = 0xAB
	tag := FullPaymentTag{PaymentHash: preimage.Hash()}
	s := NewSender(SendPayment{}, Listeners{})

	cmd := testSendPayment(tag, target, 50_000, SnapshotChan(c1))
	s.HandleSendPayment(cfg, cmd)

	req := s.HandleAskForRoute(cfg)
	rt := directRoute(self, target, 50_000, 1)
	s.HandleRouteFound(req.PartID, rt)

	// A wrong preimage does not resolve the part.
	wrong := RemoteFulfill{FullTag: tag, PartID: req.PartID, Preimage: lntypes.Preimage{}}
	result := s.HandleRemoteFulfill(wrong)
	require.False(t, result.Succeeded)
	require.False(t, result.GotFirstPreimage)

	// The correct preimage resolves it and fires GotFirstPreimage.
	correct := RemoteFulfill{FullTag: tag, PartID: req.PartID, Preimage: preimage}
	result = s.HandleRemoteFulfill(correct)
	require.True(t, result.GotFirstPreimage)

	// stillInFlightExternally defaults to "unknown", which withholds the
	// terminal notification until an InFlightPayments report arrives.
	require.False(t, result.Succeeded)

	result = s.HandleInFlightReport(false)
	require.True(t, result.Succeeded)
}

func TestResolveRemoteFailRetryGetsFreshPartID(t *testing.T) {
	cfg := testConfig()
	cfg.MaxRemoteAttempts = 3
	target := testVertex(99)
	self := cfg.SelfNodeID

	c1 := newMockChannel(1, target, 500_000)
	c2 := newMockChannel(2, target, 500_000)

	tag := FullPaymentTag{PaymentHash: lntypes.Hash{7}}
	s := NewSender(SendPayment{}, Listeners{})

	cmd := testSendPayment(tag, target, 50_000, SnapshotChan(c1), SnapshotChan(c2))
	s.HandleSendPayment(cfg, cmd)

	req := s.HandleAskForRoute(cfg)
	originalPartID := req.PartID

	rt := directRoute(self, target, 50_000, c1.id.ToUint64())
	dispatchResult := s.HandleRouteFound(originalPartID, rt)
	require.NotNil(t, dispatchResult.Dispatch)

	part := s.parts[originalPartID].(*WaitForRouteOrInFlight)
	result := s.applyRemoteFail(cfg, NewLedger(cfg), newMockPathFinder(), originalPartID,
		LocalFailure{Code: NotRetryingNoDetails, Amount: part.Amount()}, false)

	require.False(t, result.Failed)

	// The original part is gone; a new one exists under a different key.
	_, stillThere := s.parts[originalPartID]
	require.False(t, stillThere)
	require.Len(t, s.parts, 1)

	for id, p := range s.parts {
		require.NotEqual(t, originalPartID, id)
		wr, ok := p.(*WaitForRouteOrInFlight)
		require.True(t, ok)
		require.Equal(t, 1, wr.RemoteAttempts)
		require.Nil(t, wr.Flight)
	}
}

func TestClassifyRemoteFailureFinalHopIsTerminal(t *testing.T) {
	source := testVertex(1)
	dest := testVertex(2)
	rt := &route.Route{
		SourcePubKey: source,
		Hops: []*route.Hop{
			{PubKeyBytes: dest, ChannelID: 1, AmtToForward: 1000},
		},
	}

	terminal, nodeID, desc, update := classifyRemoteFailure(rt, &DecryptedFailure{
		SourceIdx: 0,
		Message:   &lnwire.FailIncorrectPaymentAmount{},
	})

	require.True(t, terminal)
	require.Equal(t, dest, nodeID)
	require.Nil(t, desc)
	require.Nil(t, update)
}

func TestClassifyRemoteFailureIntermediateChannelDisabled(t *testing.T) {
	source := testVertex(1)
	mid := testVertex(2)
	dest := testVertex(3)
	rt := &route.Route{
		SourcePubKey: source,
		Hops: []*route.Hop{
			{PubKeyBytes: mid, ChannelID: 1, AmtToForward: 2000},
			{PubKeyBytes: dest, ChannelID: 2, AmtToForward: 1000},
		},
	}

	terminal, nodeID, desc, _ := classifyRemoteFailure(rt, &DecryptedFailure{
		SourceIdx: 0,
		Message:   &lnwire.FailChannelDisabled{},
	})

	require.False(t, terminal)
	require.Equal(t, mid, nodeID)
	require.NotNil(t, desc)
	require.Equal(t, source, desc.From)
	require.Equal(t, mid, desc.To)
}
