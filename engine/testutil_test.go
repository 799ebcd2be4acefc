package engine

import (
	"math/rand"
	"sync"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/lightningnetwork/lnd/lnwire"

	"github.com/fiatjaf/immortan/engine/route"
)

// mockChannel is a deterministic Channel test double, grounded on the
// teacher's mockPaymentAttemptDispatcher (routing/mock_test.go): a struct of
// overridable function fields plus a recorded call log, rather than a full
// channel state machine.
type mockChannel struct {
	mu sync.Mutex

	id           lnwire.ShortChannelID
	remoteNodeID route.Vertex

	availableForSend lnwire.MilliSatoshi
	maxSendInFlight  lnwire.MilliSatoshi
	minSendable      lnwire.MilliSatoshi
	outgoing         []OutgoingHTLC

	open     bool
	sleeping bool

	onProcessAddHTLC func(cmd AddHTLCCommand) error
	dispatched       []AddHTLCCommand
}

var _ Channel = (*mockChannel)(nil)

func newMockChannel(scid uint64, remote route.Vertex, avail lnwire.MilliSatoshi) *mockChannel {
	return &mockChannel{
		id:               lnwire.NewShortChanIDFromInt(scid),
		remoteNodeID:     remote,
		availableForSend: avail,
		maxSendInFlight:  avail,
		minSendable:      1000,
		open:             true,
	}
}

func (m *mockChannel) ChannelID() lnwire.ShortChannelID { return m.id }
func (m *mockChannel) RemoteNodeID() route.Vertex        { return m.remoteNodeID }

func (m *mockChannel) AvailableForSend() lnwire.MilliSatoshi {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.availableForSend
}

func (m *mockChannel) MaxSendInFlight() lnwire.MilliSatoshi {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.maxSendInFlight
}

func (m *mockChannel) MinSendable() lnwire.MilliSatoshi {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.minSendable
}

func (m *mockChannel) AllOutgoing() []OutgoingHTLC {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]OutgoingHTLC, len(m.outgoing))
	copy(out, m.outgoing)
	return out
}

func (m *mockChannel) IsOperationalAndOpen() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.open && !m.sleeping
}

func (m *mockChannel) IsOperationalAndSleeping() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sleeping
}

func (m *mockChannel) ProcessAddHTLC(cmd AddHTLCCommand) error {
	m.mu.Lock()
	m.dispatched = append(m.dispatched, cmd)
	fn := m.onProcessAddHTLC
	m.mu.Unlock()

	if fn != nil {
		return fn(cmd)
	}
	return nil
}

func (m *mockChannel) setSleeping(v bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sleeping = v
}

func (m *mockChannel) dispatchCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.dispatched)
}

// mockPathFinder is a PathFinder test double that records every request and
// replies synchronously (from the caller's own goroutine) via a supplied
// function, grounded on the same mock-with-function-field shape as
// mockChannel above.
type mockPathFinder struct {
	mu sync.Mutex

	onFindRoute func(req RouteRequest) (*route.Route, bool)

	requests       []RouteRequest
	learnedUpdates []ChannelDesc
	learnedAssists map[FullPaymentTag][]AssistedChannel
}

var _ PathFinder = (*mockPathFinder)(nil)

func newMockPathFinder() *mockPathFinder {
	return &mockPathFinder{
		learnedAssists: make(map[FullPaymentTag][]AssistedChannel),
	}
}

func (m *mockPathFinder) FindRoute(replyTo EventSink, req RouteRequest) {
	m.mu.Lock()
	m.requests = append(m.requests, req)
	fn := m.onFindRoute
	m.mu.Unlock()

	if fn == nil {
		replyTo.Post(noRouteAvailable{FullTag: req.FullTag, PartID: req.PartID})
		return
	}

	rt, ok := fn(req)
	if !ok {
		replyTo.Post(noRouteAvailable{FullTag: req.FullTag, PartID: req.PartID})
		return
	}
	replyTo.Post(routeFound{FullTag: req.FullTag, PartID: req.PartID, Route: rt})
}

func (m *mockPathFinder) LearnChannelUpdate(desc ChannelDesc, update *lnwire.ChannelUpdate) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.learnedUpdates = append(m.learnedUpdates, desc)
}

func (m *mockPathFinder) LearnAssistedEdges(tag FullPaymentTag, edges []AssistedChannel) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.learnedAssists[tag] = edges
}

func (m *mockPathFinder) requestCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.requests)
}

// testVertex derives a route.Vertex from a single distinguishing byte, for
// readable fixtures that don't need real secp256k1 keys.
func testVertex(b byte) route.Vertex {
	key, _ := btcec.PrivKeyFromBytes([]byte{
		b + 1, b + 2, b + 3, b + 4, b + 5, b + 6, b + 7, b + 8,
		b + 9, b + 10, b + 11, b + 12, b + 13, b + 14, b + 15, b + 16,
		b + 17, b + 18, b + 19, b + 20, b + 21, b + 22, b + 23, b + 24,
		b + 25, b + 26, b + 27, b + 28, b + 29, b + 30, b + 31, b + 32,
	})
	return route.NewVertex(key.PubKey())
}

// directRoute builds a single-hop route straight from source to target for
// amt, paying no fee.
func directRoute(source, target route.Vertex, amt lnwire.MilliSatoshi, chanID uint64) *route.Route {
	return &route.Route{
		TotalTimeLock: 144,
		TotalAmount:   amt,
		SourcePubKey:  source,
		Hops: []*route.Hop{
			{
				PubKeyBytes:      target,
				ChannelID:        chanID,
				AmtToForward:     amt,
				OutgoingTimeLock: 144,
			},
		},
	}
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Rand = rand.New(rand.NewSource(1))
	cfg.SelfNodeID = testVertex(0)
	return cfg
}
