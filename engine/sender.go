package engine

import (
	"sync"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/lightningnetwork/lnd/lnwire"

	"github.com/fiatjaf/immortan/engine/route"
)

// Sender is one instance of the Payment Sender FSM: everything owned by a
// single logical payment, keyed by its FullPaymentTag in the master's
// registry. Handlers run on the master's worker goroutine; Sender guards its
// state with its own mutex so Snapshot can be called from host goroutines.
//
// Grounded on the shape of the teacher's paymentLifecycle (one struct per
// in-flight payment, holding the command plus a part/shard map), adapted
// from a single-goroutine-per-payment loop to an event-driven handler
// invoked by the master's worker.
type Sender struct {
	mu sync.Mutex

	cmd       SendPayment
	listeners Listeners

	phase SenderPhase
	parts map[PartID]PartStatus

	// failures accumulates every PaymentFailure reported for any part of
	// this payment, most recent first.
	failures []PaymentFailure

	// stillInFlightExternally is the latest view the master fanned in
	// via InFlightPayments: whether any channel still carries an
	// outgoing HTLC under this payment's tag. nil until the first report
	// arrives, in which case finishLocked treats it as "unknown" and
	// withholds WholePaymentSucceeded. WholePaymentFailed instead checks
	// the allowed channels' outgoing HTLCs directly, and is withheld only
	// if a report says the tag is still in flight.
	stillInFlightExternally *bool

	// gotFirstPreimage is set the first time a RemoteFulfill resolves
	// any part of this payment, so GotFirstPreimage only fires once.
	gotFirstPreimage bool

	notifiedSucceeded bool
	notifiedFailed    bool

	// abortGeneration is bumped by every assignToChans call and captured
	// by the abort timer armed alongside it (owned by the Master, see
	// master.go); a timer firing against a stale generation is a no-op,
	// which is how re-arming without cancelling the previous timer is
	// made safe.
	abortGeneration int
}

// NewSender constructs a sender in the INIT phase for cmd.
func NewSender(cmd SendPayment, listeners Listeners) *Sender {
	return &Sender{
		cmd:       cmd,
		listeners: listeners,
		phase:     Init,
		parts:     make(map[PartID]PartStatus),
	}
}

// PaymentSenderState is the read-only snapshot of a Sender's state exposed
// to listeners and to PaymentsSnapshot.
type PaymentSenderState struct {
	Cmd      SendPayment
	Phase    SenderPhase
	Parts    map[PartID]PartStatus
	Failures []PaymentFailure
}

// snapshot must be called with s.mu held.
func (s *Sender) snapshot() PaymentSenderState {
	parts := make(map[PartID]PartStatus, len(s.parts))
	for id, p := range s.parts {
		parts[id] = p
	}
	failures := make([]PaymentFailure, len(s.failures))
	copy(failures, s.failures)

	return PaymentSenderState{
		Cmd:      s.cmd,
		Phase:    s.phase,
		Parts:    parts,
		Failures: failures,
	}
}

// Snapshot returns a read-only copy of the sender's current state.
func (s *Sender) Snapshot() PaymentSenderState {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.snapshot()
}

// newPartID derives a PartID from an onion session key, enforcing the
// invariant that a part's identity always equals the pubkey of its current
// onion key.
func newPartID(key *btcec.PrivateKey) PartID {
	return PartIDFromKey(key)
}

// installWaitForChanOnline parks a fresh part, identified by a newly
// generated onion key, to await a ChanGotOnline event.
func (s *Sender) installWaitForChanOnline(amt lnwire.MilliSatoshi) error {
	key, err := generateSessionKey()
	if err != nil {
		return err
	}

	s.parts[newPartID(key)] = NewWaitForChanOnline(key, amt)
	return nil
}

// installWaitForRoute reserves a fresh part against cnc, identified by a
// newly generated onion key, awaiting a route.
func (s *Sender) installWaitForRoute(amt lnwire.MilliSatoshi, cnc ChanAndCommits) error {
	key, err := generateSessionKey()
	if err != nil {
		return err
	}

	s.parts[newPartID(key)] = NewWaitForRoute(key, amt, cnc)
	return nil
}

// outgoingHtlcSlotsLeft is |allowedChans| * maxInChannelHtlcs - |parts|, the
// cap preventing runaway splitting.
func (s *Sender) outgoingHtlcSlotsLeft(cfg Config) int {
	return len(s.cmd.AllowedChans)*cfg.MaxInChannelHtlcs - len(s.parts)
}

// usedFee sums route.TotalFees() over every part currently in flight.
func (s *Sender) usedFee() lnwire.MilliSatoshi {
	var total lnwire.MilliSatoshi
	for _, p := range s.parts {
		wr, ok := p.(*WaitForRouteOrInFlight)
		if !ok || wr.Flight == nil {
			continue
		}
		total += wr.Flight.Route.TotalFees()
	}
	return total
}

// feeLeftover is the fee reserve remaining for new route requests.
func (s *Sender) feeLeftover() lnwire.MilliSatoshi {
	used := s.usedFee()
	if used >= s.cmd.TotalFeeReserve {
		return 0
	}
	return s.cmd.TotalFeeReserve - used
}

// inFlightRoutes collects the route of every part currently dispatched,
// for usedCapacities.
func (s *Sender) inFlightRoutes() []*route.Route {
	var out []*route.Route
	for _, p := range s.parts {
		wr, ok := p.(*WaitForRouteOrInFlight)
		if !ok || wr.Flight == nil {
			continue
		}
		out = append(out, wr.Flight.Route)
	}
	return out
}

// hasInFlightParts reports whether any part is still dispatched and
// awaiting resolution.
func (s *Sender) hasInFlightParts() bool {
	for _, p := range s.parts {
		if wr, ok := p.(*WaitForRouteOrInFlight); ok && wr.Flight != nil {
			return true
		}
	}
	return false
}

// stillInFlightExternallyOrUnknown reports the external in-flight view for
// this payment, treating "never reported" as "yes, assume still in
// flight" so the terminal notifications never fire prematurely.
func (s *Sender) stillInFlightExternallyOrUnknown() bool {
	if s.stillInFlightExternally == nil {
		return true
	}
	return *s.stillInFlightExternally
}

// recordFailure prepends f to the failure history (most recent first, per
// the component design's "drop part; prepend failure" instruction).
func (s *Sender) recordFailure(f PaymentFailure) {
	s.failures = append([]PaymentFailure{f}, s.failures...)
}

// preimageMatches reports whether fulfill's preimage hashes to this
// payment's payment hash, the check the component design calls
// "RemoteFulfill with matching hash".
func (s *Sender) preimageMatches(fulfill RemoteFulfill) bool {
	preimage := fulfill.Preimage
	return preimage.Matches(s.cmd.FullTag.PaymentHash)
}
