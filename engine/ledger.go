package engine

import (
	"math"
	"sync"

	"github.com/lightningnetwork/lnd/lnwire"

	"github.com/fiatjaf/immortan/engine/route"
)

// chanFailure is one entry of the chanFailedAtAmount counter: the amount at
// which the edge most recently failed, and when.
type chanFailure struct {
	amount    lnwire.MilliSatoshi
	stampMsec int64
}

// Ledger is the process-wide failure memory described in the component
// design: three counters and one disabled-edge set, all guarded by a single
// mutex since both the master's worker and any read-only snapshot callers
// touch it. Grounded on the teacher's MissionControl, trimmed to the exact
// counters the spec names (no bbolt persistence: this memory is explicitly
// scoped to the process's lifetime).
type Ledger struct {
	cfg Config

	mu sync.Mutex

	chanFailedAtAmount           map[DescAndCapacity]chanFailure
	nodeFailedUnknownUpdateTimes map[route.Vertex]int
	directionFailedTimes         map[Direction]int
	chanNotRoutable              map[ChannelDesc]struct{}
}

// NewLedger constructs an empty failure ledger.
func NewLedger(cfg Config) *Ledger {
	return &Ledger{
		cfg:                          cfg,
		chanFailedAtAmount:           make(map[DescAndCapacity]chanFailure),
		nodeFailedUnknownUpdateTimes: make(map[route.Vertex]int),
		directionFailedTimes:         make(map[Direction]int),
		chanNotRoutable:              make(map[ChannelDesc]struct{}),
	}
}

// ChannelFailedAtAmount records that dac failed to carry amount, storing the
// minimum of any previously recorded failure amount and the edge's current
// best-effort utilisation, and bumps the failed direction's counter.
func (l *Ledger) ChannelFailedAtAmount(dac DescAndCapacity, usedNow lnwire.MilliSatoshi) {
	l.mu.Lock()
	defer l.mu.Unlock()

	amount := usedNow
	if prev, ok := l.chanFailedAtAmount[dac]; ok && prev.amount < amount {
		amount = prev.amount
	}

	l.chanFailedAtAmount[dac] = chanFailure{
		amount:    amount,
		stampMsec: l.cfg.nowMsec(),
	}

	l.directionFailedTimes[NewDirection(dac.Desc.From, dac.Desc.To)]++
}

// NodeFailed increments nodeID's opaque-failure counter by inc.
func (l *Ledger) NodeFailed(nodeID route.Vertex, inc int) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.nodeFailedUnknownUpdateTimes[nodeID] += inc
}

// ChannelNotRoutable adds desc to the disabled-edge set for the remainder
// of this reduction cycle.
func (l *Ledger) ChannelNotRoutable(desc ChannelDesc) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.chanNotRoutable[desc] = struct{}{}
}

// Reduce runs the restoration pass: linearly restores every
// chanFailedAtAmount entry towards its capacity, dropping it once fully
// restored, halves every node and direction counter, and clears the
// disabled-edge set entirely. Idempotent in the sense the spec requires:
// calling it twice with the same now produces the same result as calling
// it once, since a dropped entry cannot be restored again and integer
// division of an already-halved counter is a fixed point once it reaches
// 0 or 1.
func (l *Ledger) Reduce() {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.cfg.nowMsec()

	for dac, fail := range l.chanFailedAtAmount {
		restoredRatio := float64(now-fail.stampMsec) / float64(l.cfg.FailedChanRecoveryMsec)
		if restoredRatio < 0 {
			restoredRatio = 0
		}

		capacity := float64(dac.Capacity)
		restored := float64(fail.amount) + (capacity-float64(fail.amount))*restoredRatio

		if restored >= capacity || math.IsNaN(restored) {
			delete(l.chanFailedAtAmount, dac)
			continue
		}

		fail.amount = lnwire.MilliSatoshi(restored)
		l.chanFailedAtAmount[dac] = fail
	}

	for id, count := range l.nodeFailedUnknownUpdateTimes {
		l.nodeFailedUnknownUpdateTimes[id] = count / 2
	}
	for dir, count := range l.directionFailedTimes {
		l.directionFailedTimes[dir] = count / 2
	}

	l.chanNotRoutable = make(map[ChannelDesc]struct{})
}

// IgnoreSets computes the channels/nodes/directions a route request for
// amount against candidate channels should exclude, per the component
// design's route-request filtering rules. used is the usedCapacities
// snapshot taken just before the request.
func (l *Ledger) IgnoreSets(candidates []DescAndCapacity, amount lnwire.MilliSatoshi,
	used map[ChannelDesc]lnwire.MilliSatoshi) (
	map[ChannelDesc]struct{}, map[route.Vertex]struct{}, map[Direction]struct{}) {

	l.mu.Lock()
	defer l.mu.Unlock()

	ignoreChans := make(map[ChannelDesc]struct{})
	ignoreNodes := make(map[route.Vertex]struct{})
	ignoreDirections := make(map[Direction]struct{})

	for _, dac := range candidates {
		currentUsed := used[dac.Desc]

		if currentUsed+amount+amount/32 >= dac.Capacity {
			ignoreChans[dac.Desc] = struct{}{}
			continue
		}

		if fail, ok := l.chanFailedAtAmount[dac]; ok {
			if fail.amount <= currentUsed+amount/8+amount {
				ignoreChans[dac.Desc] = struct{}{}
				continue
			}
		}
	}

	for nodeID, count := range l.nodeFailedUnknownUpdateTimes {
		if count >= l.cfg.MaxStrangeNodeFailures {
			ignoreNodes[nodeID] = struct{}{}
		}
	}

	for dir, count := range l.directionFailedTimes {
		if count >= l.cfg.MaxDirectionFailures {
			ignoreDirections[dir] = struct{}{}
		}
	}

	for desc := range l.chanNotRoutable {
		ignoreChans[desc] = struct{}{}
	}

	return ignoreChans, ignoreNodes, ignoreDirections
}

// SuccessProbability is a softer signal than the hard ignore-sets above,
// supplementing rather than replacing them: callers that want to rank
// otherwise-eligible routes rather than just exclude the worst offenders
// can weigh a candidate edge by this estimate. Grounded on the teacher's
// MissionControl.getPairProbability/getProbAfterFail: an apriori
// probability that decays towards 1 as a past failure ages, modelled here
// off directionFailedTimes rather than a timestamped per-pair history
// (this ledger doesn't keep one) — a failed direction's probability is
// simply 1 divided by one plus its current strike count, which trends back
// to 1 across Reduce cycles as the corresponding counter halves.
func (l *Ledger) SuccessProbability(from, to route.Vertex, amt lnwire.MilliSatoshi) float64 {
	l.mu.Lock()
	defer l.mu.Unlock()

	count := l.directionFailedTimes[NewDirection(from, to)]
	return 1 / float64(1+count)
}

// LedgerSnapshot is a point-in-time, read-only dump of the ledger's
// counters for host-side diagnostics, mirroring
// MissionControl.GetHistorySnapshot.
type LedgerSnapshot struct {
	ChanFailedAtAmount           map[DescAndCapacity]lnwire.MilliSatoshi
	NodeFailedUnknownUpdateTimes map[route.Vertex]int
	DirectionFailedTimes         map[Direction]int
	ChanNotRoutable              map[ChannelDesc]struct{}
}

// Snapshot returns a copy of the ledger's current state.
func (l *Ledger) Snapshot() LedgerSnapshot {
	l.mu.Lock()
	defer l.mu.Unlock()

	snap := LedgerSnapshot{
		ChanFailedAtAmount:           make(map[DescAndCapacity]lnwire.MilliSatoshi, len(l.chanFailedAtAmount)),
		NodeFailedUnknownUpdateTimes: make(map[route.Vertex]int, len(l.nodeFailedUnknownUpdateTimes)),
		DirectionFailedTimes:         make(map[Direction]int, len(l.directionFailedTimes)),
		ChanNotRoutable:              make(map[ChannelDesc]struct{}, len(l.chanNotRoutable)),
	}

	for dac, fail := range l.chanFailedAtAmount {
		snap.ChanFailedAtAmount[dac] = fail.amount
	}
	for id, count := range l.nodeFailedUnknownUpdateTimes {
		snap.NodeFailedUnknownUpdateTimes[id] = count
	}
	for dir, count := range l.directionFailedTimes {
		snap.DirectionFailedTimes[dir] = count
	}
	for desc := range l.chanNotRoutable {
		snap.ChanNotRoutable[desc] = struct{}{}
	}

	return snap
}
