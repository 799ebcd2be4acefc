package engine

import (
	"math/rand"

	"github.com/lightningnetwork/lnd/lnwire"

	"github.com/fiatjaf/immortan/engine/route"
)

// HandleResult is the uniform return value of every Sender event handler:
// the terminal-notification flags (checked once, under the same lock that
// made them true) plus whatever side effect the caller needs to carry out
// once the lock is released. Exactly one of RouteRequest/Dispatch is set on
// any given call, or neither.
type HandleResult struct {
	Succeeded bool
	Failed    bool
	State     PaymentSenderState

	GotFirstPreimage bool
	Fulfill          RemoteFulfill

	RouteRequest *RouteRequest
	Dispatch     *DispatchJob
}

// DispatchJob is a built HTLC ready to hand to a channel.
type DispatchJob struct {
	Chan   Channel
	Cmd    AddHTLCCommand
	PartID PartID
}

// finishLocked must be called with s.mu held, as the last step of every
// handler that might have moved the sender into a terminal phase. It is
// what makes WholePaymentSucceeded/WholePaymentFailed fire exactly once.
func (s *Sender) finishLocked() (succeeded, failed bool, state PaymentSenderState) {
	if s.phase == Succeeded && !s.notifiedSucceeded &&
		!s.hasInFlightParts() && !s.stillInFlightExternallyOrUnknown() {

		s.notifiedSucceeded = true
		succeeded = true
	}
	if s.phase == Aborted && !s.notifiedFailed && !s.hasInFlightParts() {
		leftovers := s.stillInFlightExternally != nil && *s.stillInFlightExternally
		for _, cnc := range s.cmd.AllowedChans {
			if cnc.Chan == nil {
				continue
			}
			for _, htlc := range cnc.Chan.AllOutgoing() {
				if htlc.Tag == s.cmd.FullTag {
					leftovers = true
				}
			}
		}
		if !leftovers {
			s.notifiedFailed = true
			failed = true
		}
	}
	return succeeded, failed, s.snapshot()
}

// failLocked aborts the whole sender with f, without touching s.parts: used
// only where the caller has already established that nothing was, or needs
// to be, installed (NOT_ENOUGH_FUNDS).
func (s *Sender) failLocked(f PaymentFailure) {
	s.recordFailure(f)
	s.phase = Aborted
}

// dropPartLocked removes partID from the live set, records why, and retires
// the sender to ABORTED once it was the last one standing.
func (s *Sender) dropPartLocked(partID PartID, f PaymentFailure) {
	delete(s.parts, partID)
	s.recordFailure(f)
	if len(s.parts) == 0 {
		s.phase = Aborted
	}
}

// liveChans takes a fresh ChanAndCommits snapshot of every channel allowed
// for this payment.
func (s *Sender) liveChans() []ChanAndCommits {
	out := make([]ChanAndCommits, 0, len(s.cmd.AllowedChans))
	for _, cnc := range s.cmd.AllowedChans {
		out = append(out, SnapshotChan(cnc.Chan))
	}
	return out
}

// reservedByChannel sums, per channel, the amount reserved by this sender's
// own not-yet-dispatched parts: the gap rightNowSendable needs so it isn't
// fooled by a channel that hasn't caught up with our own bookkeeping yet.
func (s *Sender) reservedByChannel() map[lnwire.ShortChannelID]lnwire.MilliSatoshi {
	out := make(map[lnwire.ShortChannelID]lnwire.MilliSatoshi)
	for _, p := range s.parts {
		wr, ok := p.(*WaitForRouteOrInFlight)
		if !ok || wr.Flight != nil {
			continue
		}
		out[wr.Cnc.ChannelID] += wr.Amount()
	}
	return out
}

// orderChannelsForAssign places channels directly connected to the payment
// target first (no reason to split what a single hop can carry), then the
// rest in a random order so repeated splits don't always hammer the same
// channel first.
func orderChannelsForAssign(chans []ChanAndCommits, target route.Vertex, rnd *rand.Rand) []ChanAndCommits {
	var direct, rest []ChanAndCommits
	for _, c := range chans {
		if c.RemoteNodeID == target {
			direct = append(direct, c)
		} else {
			rest = append(rest, c)
		}
	}
	rnd.Shuffle(len(rest), func(i, j int) { rest[i], rest[j] = rest[j], rest[i] })
	return append(direct, rest...)
}

// assignToChans must be called with s.mu held. It greedily spreads amount
// across the allowed channels (skipping those in exclude), and resolves to
// exactly one of: fully assigned (new WaitForRoute parts, PENDING), park
// the unassigned remainder behind a single WaitForChanOnline part if
// currently-sleeping channels could plausibly cover it once they wake, or
// abort the sender outright with NOT_ENOUGH_FUNDS.
func (s *Sender) assignToChans(cfg Config, amount lnwire.MilliSatoshi,
	exclude map[lnwire.ShortChannelID]struct{}) {

	s.abortGeneration++

	live := s.liveChans()

	candidates := make([]ChanAndCommits, 0, len(live))
	for _, c := range live {
		if _, skip := exclude[c.ChannelID]; skip {
			continue
		}
		candidates = append(candidates, c)
	}

	sendable := rightNowSendable(candidates, s.cmd.TotalFeeReserve, s.reservedByChannel())
	ordered := orderChannelsForAssign(candidates, s.cmd.TargetNodeID, cfg.Rand)

	type chunk struct {
		cnc ChanAndCommits
		amt lnwire.MilliSatoshi
	}
	var chunks []chunk
	leftover := amount

	for _, c := range ordered {
		if leftover == 0 {
			break
		}
		avail, ok := sendable[c.ChannelID]
		if !ok || avail == 0 {
			continue
		}
		take := leftover
		if avail < take {
			take = avail
		}
		chunks = append(chunks, chunk{cnc: c, amt: take})
		leftover -= take
	}

	install := func() {
		for _, ch := range chunks {
			if err := s.installWaitForRoute(ch.amt, ch.cnc); err != nil {
				s.recordFailure(LocalFailure{Code: OnionCreationFailure, Amount: ch.amt})
				continue
			}
		}
		s.phase = Pending
	}

	if leftover == 0 {
		install()
		return
	}

	var sleepingCapacity lnwire.MilliSatoshi
	for _, c := range live {
		if !c.IsSleeping {
			continue
		}
		avail := c.AvailableForSend
		if c.MaxSendInFlight < avail {
			avail = c.MaxSendInFlight
		}
		if avail <= s.cmd.TotalFeeReserve {
			continue
		}
		sleepingCapacity += avail - s.cmd.TotalFeeReserve
	}

	if sleepingCapacity >= leftover {
		install()
		if err := s.installWaitForChanOnline(leftover); err != nil {
			s.failLocked(LocalFailure{Code: NotEnoughFunds, Amount: leftover})
			return
		}
		s.phase = Pending
		return
	}

	s.failLocked(LocalFailure{Code: NotEnoughFunds, Amount: amount})
}

// HandleSendPayment accepts a fresh send (INIT) or a re-send of an
// already-exhausted attempt (ABORTED), replacing cmd and re-running the
// channel assignment from scratch.
func (s *Sender) HandleSendPayment(cfg Config, cmd SendPayment) HandleResult {
	s.mu.Lock()

	if s.phase != Init && s.phase != Aborted {
		succeeded, failed, state := s.finishLocked()
		s.mu.Unlock()
		return HandleResult{Succeeded: succeeded, Failed: failed, State: state}
	}

	s.cmd = cmd
	s.notifiedFailed = false
	s.assignToChans(cfg, cmd.Split.MyPart, nil)

	succeeded, failed, state := s.finishLocked()
	s.mu.Unlock()
	return HandleResult{Succeeded: succeeded, Failed: failed, State: state}
}

// HandleChanGotOnline re-tries every part parked on WaitForChanOnline,
// regardless of which channel actually came back (the part wasn't pinned
// to one in the first place).
func (s *Sender) HandleChanGotOnline(cfg Config) HandleResult {
	s.mu.Lock()

	var parked []PartID
	for id, p := range s.parts {
		if _, ok := p.(*WaitForChanOnline); ok {
			parked = append(parked, id)
		}
	}
	for _, id := range parked {
		amt := s.parts[id].Amount()
		delete(s.parts, id)
		s.assignToChans(cfg, amt, nil)
	}

	succeeded, failed, state := s.finishLocked()
	s.mu.Unlock()
	return HandleResult{Succeeded: succeeded, Failed: failed, State: state}
}

// HandleAbortTimer fails every still-parked WaitForChanOnline part with
// TIMED_OUT, if generation still matches the most recent assignToChans
// call (a stale timer firing after a later re-arm is a no-op).
func (s *Sender) HandleAbortTimer(generation int) HandleResult {
	s.mu.Lock()

	if generation != s.abortGeneration {
		succeeded, failed, state := s.finishLocked()
		s.mu.Unlock()
		return HandleResult{Succeeded: succeeded, Failed: failed, State: state}
	}

	var parked []PartID
	for id, p := range s.parts {
		if _, ok := p.(*WaitForChanOnline); ok {
			parked = append(parked, id)
		}
	}
	for _, id := range parked {
		amt := s.parts[id].Amount()
		s.dropPartLocked(id, LocalFailure{Code: TimedOut, Amount: amt})
	}

	succeeded, failed, state := s.finishLocked()
	s.mu.Unlock()
	return HandleResult{Succeeded: succeeded, Failed: failed, State: state}
}

// AbortGeneration reports the generation stamp the next abort timer should
// be armed with.
func (s *Sender) AbortGeneration() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.abortGeneration
}

// HasWaitForChanOnlineParts reports whether any part is currently parked
// awaiting a channel coming back online, i.e. whether an abort timer needs
// to be live for this sender at all.
func (s *Sender) HasWaitForChanOnlineParts() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.parts {
		if _, ok := p.(*WaitForChanOnline); ok {
			return true
		}
	}
	return false
}

// HandleAskForRoute picks the largest not-yet-routed part, if any, and
// returns a draft request for the master to fill in ledger-derived ignore
// sets and forward to the path-finder.
func (s *Sender) HandleAskForRoute(cfg Config) *RouteRequest {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.phase != Pending {
		return nil
	}

	var (
		bestID PartID
		best   *WaitForRouteOrInFlight
	)
	for id, p := range s.parts {
		wr, ok := p.(*WaitForRouteOrInFlight)
		if !ok || wr.Flight != nil {
			continue
		}
		if best == nil || wr.Amount() > best.Amount() {
			bestID, best = id, wr
		}
	}
	if best == nil {
		return nil
	}

	return &RouteRequest{
		FullTag:      s.cmd.FullTag,
		PartID:       bestID,
		TargetNodeID: s.cmd.TargetNodeID,
		Amount:       best.Amount(),
		LocalEdge: AssistedChannel{
			Desc: ChannelDesc{
				ShortChannelID: best.Cnc.ChannelID,
				From:           cfg.SelfNodeID,
				To:             best.Cnc.RemoteNodeID,
			},
			Capacity: best.Cnc.AvailableForSend,
		},
		Conf:      s.cmd.RouterConf,
		FeeBudget: s.feeLeftover(),
	}
}

// HandleRouteFound builds the onion and add-HTLC command for the route the
// path-finder returned, and hands back the dispatch job for the master to
// submit to the channel. An onion-build failure fails the part outright
// (ONION_CREATION_FAILURE): a different channel or route can't fix a
// payload the part's own inputs can't encode.
func (s *Sender) HandleRouteFound(partID PartID, rt *route.Route) HandleResult {
	s.mu.Lock()

	part, ok := s.parts[partID].(*WaitForRouteOrInFlight)
	if !ok || part.Flight != nil || s.phase != Pending {
		succeeded, failed, state := s.finishLocked()
		s.mu.Unlock()
		return HandleResult{Succeeded: succeeded, Failed: failed, State: state}
	}

	final := finalHopPayload{
		totalSum:           s.cmd.Split.TotalSum,
		outerPaymentSecret: s.cmd.OuterPaymentSecret,
		payeeMetadata:      s.cmd.PayeeMetadata,
		onionTLVs:          s.cmd.OnionTLVs,
		userCustomTLVs:     s.cmd.UserCustomTLVs,
	}

	built, cmd, err := buildOnionAndCommand(s.cmd.FullTag, rt, part.OnionKey(), final)
	if err != nil {
		s.dropPartLocked(partID, LocalFailure{Code: OnionCreationFailure, Amount: part.Amount()})
		succeeded, failed, state := s.finishLocked()
		s.mu.Unlock()
		return HandleResult{Succeeded: succeeded, Failed: failed, State: state}
	}

	part.Flight = &Flight{Cmd: *cmd, Route: rt, Circuit: built.circuit}
	part.FeesTried = append(part.FeesTried, rt.TotalFees())

	succeeded, failed, state := s.finishLocked()
	dispatchChan := part.Cnc.Chan
	s.mu.Unlock()

	return HandleResult{
		Succeeded: succeeded,
		Failed:    failed,
		State:     state,
		Dispatch:  &DispatchJob{Chan: dispatchChan, Cmd: *cmd, PartID: partID},
	}
}

// HandleNoRouteAvailable tries an alternate channel excluding everywhere
// this part has already failed; failing that, splits the part in two if
// there's room for more HTLCs, or gives up with NO_ROUTES_FOUND.
func (s *Sender) HandleNoRouteAvailable(cfg Config, partID PartID) HandleResult {
	s.mu.Lock()

	part, ok := s.parts[partID].(*WaitForRouteOrInFlight)
	if !ok || part.Flight != nil || s.phase != Pending {
		succeeded, failed, state := s.finishLocked()
		s.mu.Unlock()
		return HandleResult{Succeeded: succeeded, Failed: failed, State: state}
	}

	part.LocalFailedChans[part.Cnc.ChannelID] = struct{}{}

	alt, found := s.bestAlternateChan(part.LocalFailedChans)
	if found {
		part.Cnc = alt
		succeeded, failed, state := s.finishLocked()
		s.mu.Unlock()
		return HandleResult{Succeeded: succeeded, Failed: failed, State: state}
	}

	if s.outgoingHtlcSlotsLeft(cfg) >= 1 {
		amt := part.Amount()
		delete(s.parts, partID)
		s.cutIntoHalves(cfg, amt)
		succeeded, failed, state := s.finishLocked()
		s.mu.Unlock()
		return HandleResult{Succeeded: succeeded, Failed: failed, State: state}
	}

	s.dropPartLocked(partID, LocalFailure{Code: NoRoutesFound, Amount: part.Amount()})
	succeeded, failed, state := s.finishLocked()
	s.mu.Unlock()
	return HandleResult{Succeeded: succeeded, Failed: failed, State: state}
}

// bestAlternateChan returns the allowed channel, other than those in
// exclude, with the most sendable capacity right now for this sender.
func (s *Sender) bestAlternateChan(exclude map[lnwire.ShortChannelID]struct{}) (ChanAndCommits, bool) {
	live := s.liveChans()
	sendable := rightNowSendable(live, s.cmd.TotalFeeReserve, s.reservedByChannel())

	var (
		best    ChanAndCommits
		bestAmt lnwire.MilliSatoshi
		found   bool
	)
	for _, c := range live {
		if _, skip := exclude[c.ChannelID]; skip {
			continue
		}
		amt, ok := sendable[c.ChannelID]
		if !ok {
			continue
		}
		if !found || amt > bestAmt {
			best, bestAmt, found = c, amt, true
		}
	}
	return best, found
}

// cutIntoHalves must be called with s.mu held. It splits amount into two
// roughly equal parts and re-runs assignToChans for each in turn, so the
// second half observes whatever the first half just reserved.
func (s *Sender) cutIntoHalves(cfg Config, amount lnwire.MilliSatoshi) {
	first := amount / 2
	second := amount - first

	s.assignToChans(cfg, first, nil)
	s.assignToChans(cfg, second, nil)
}

// HandleLocalReject processes a synchronous refusal from a channel's own
// ProcessAddHTLC, for a part that was dispatched but never left this
// process.
func (s *Sender) HandleLocalReject(cfg Config, partID PartID, reason LocalRejectReason) HandleResult {
	s.mu.Lock()

	part, ok := s.parts[partID].(*WaitForRouteOrInFlight)
	if !ok || part.Flight == nil {
		succeeded, failed, state := s.finishLocked()
		s.mu.Unlock()
		return HandleResult{Succeeded: succeeded, Failed: failed, State: state}
	}

	if s.phase != Pending {
		delete(s.parts, partID)
		succeeded, failed, state := s.finishLocked()
		s.mu.Unlock()
		return HandleResult{Succeeded: succeeded, Failed: failed, State: state}
	}

	if reason == InPrincipleNotSendable {
		s.dropPartLocked(partID, LocalFailure{Code: PaymentNotSendable, Amount: part.Amount()})
		succeeded, failed, state := s.finishLocked()
		s.mu.Unlock()
		return HandleResult{Succeeded: succeeded, Failed: failed, State: state}
	}

	part.LocalFailedChans[part.Cnc.ChannelID] = struct{}{}

	alt, found := s.bestAlternateChan(part.LocalFailedChans)
	if found {
		part.Cnc = alt
		part.Flight = nil
		succeeded, failed, state := s.finishLocked()
		s.mu.Unlock()
		return HandleResult{Succeeded: succeeded, Failed: failed, State: state}
	}

	if reason == ChannelOffline {
		amt := part.Amount()
		delete(s.parts, partID)
		s.assignToChans(cfg, amt, nil)
		succeeded, failed, state := s.finishLocked()
		s.mu.Unlock()
		return HandleResult{Succeeded: succeeded, Failed: failed, State: state}
	}

	s.dropPartLocked(partID, LocalFailure{Code: RunOutOfCapableChannels, Amount: part.Amount()})
	succeeded, failed, state := s.finishLocked()
	s.mu.Unlock()
	return HandleResult{Succeeded: succeeded, Failed: failed, State: state}
}

// HandleRemoteUpdateMalform handles an UPDATE_FAIL_MALFORMED_HTLC: the
// payload wasn't even well-formed enough to decrypt. Per the teacher's
// processPaymentOutcomeSelf, we trust our own onion construction, so the
// penultimate hop (the last node we know for certain received a correct
// onion) is blamed.
func (s *Sender) HandleRemoteUpdateMalform(cfg Config, ledger *Ledger, partID PartID) HandleResult {
	s.mu.Lock()

	part, ok := s.parts[partID].(*WaitForRouteOrInFlight)
	if !ok || part.Flight == nil {
		succeeded, failed, state := s.finishLocked()
		s.mu.Unlock()
		return HandleResult{Succeeded: succeeded, Failed: failed, State: state}
	}

	rt := part.Flight.Route
	nodeID := blamedNodeForMalform(rt)
	s.mu.Unlock()

	ledger.NodeFailed(nodeID, cfg.MaxStrangeNodeFailures)

	s.mu.Lock()
	part, ok = s.parts[partID].(*WaitForRouteOrInFlight)
	if !ok || part.Flight == nil {
		succeeded, failed, state := s.finishLocked()
		s.mu.Unlock()
		return HandleResult{Succeeded: succeeded, Failed: failed, State: state}
	}
	return s.resolveRemoteFailLocked(cfg, partID, part,
		LocalFailure{Code: NodeCouldNotParseOnion, Amount: part.Amount()}, false)
}

// blamedNodeForMalform returns the node this engine trusts least after a
// malformed-htlc failure: the penultimate hop of the route if there is one,
// else our direct peer itself for a single-hop route.
func blamedNodeForMalform(rt *route.Route) route.Vertex {
	if len(rt.Hops) >= 2 {
		return rt.Hops[len(rt.Hops)-2].PubKeyBytes
	}
	return rt.Hops[0].PubKeyBytes
}

// HandleRemoteUpdateFail decrypts the sphinx failure packet for a
// dispatched part and routes the result into the failure ledger (for
// Update/Node failures) before handing off to resolveRemoteFail for the
// retry-or-give-up decision.
func (s *Sender) HandleRemoteUpdateFail(cfg Config, ledger *Ledger, pathFinder PathFinder,
	partID PartID, reason lnwire.OpaqueReason) HandleResult {

	s.mu.Lock()
	part, ok := s.parts[partID].(*WaitForRouteOrInFlight)
	if !ok || part.Flight == nil {
		succeeded, failed, state := s.finishLocked()
		s.mu.Unlock()
		return HandleResult{Succeeded: succeeded, Failed: failed, State: state}
	}
	flight := part.Flight
	s.mu.Unlock()

	decrypted, err := decryptFailure(flight.Circuit, reason)
	if err != nil {
		return s.applyRemoteFail(cfg, ledger, pathFinder, partID,
			UnreadableRemoteFailure{Route: flight.Route}, false)
	}

	terminal, nodeID, chanDesc, update := classifyRemoteFailure(flight.Route, decrypted)

	if nodeID != (route.Vertex{}) {
		inc := 1
		switch decrypted.Message.(type) {
		case *lnwire.FailTemporaryNodeFailure, *lnwire.FailPermanentNodeFailure,
			*lnwire.FailRequiredNodeFeatureMissing:
			if !terminal {
				inc = cfg.MaxStrangeNodeFailures
			}
		}
		ledger.NodeFailed(nodeID, inc)
	}
	if chanDesc != nil {
		if update != nil && verifyChannelUpdateSig(update, nodeID) {
			pathFinder.LearnChannelUpdate(*chanDesc, update)
			if channelUpdateDisabled(update) {
				ledger.ChannelNotRoutable(*chanDesc)
			}
		} else {
			if update != nil {
				ledger.NodeFailed(nodeID, cfg.MaxStrangeNodeFailures*32)
			}
			used := usedCapacities(s.inFlightRoutes())
			ledger.ChannelFailedAtAmount(
				DescAndCapacity{Desc: *chanDesc, Capacity: flight.Route.TotalAmount},
				used[*chanDesc],
			)
		}
	}

	failure := RemoteFailure{Packet: decrypted, Route: flight.Route}
	return s.applyRemoteFail(cfg, ledger, pathFinder, partID, failure, terminal)
}

// applyRemoteFail re-reads the part (it may have raced with a local
// timeout between decrypt and here) and dispatches to resolveRemoteFail.
func (s *Sender) applyRemoteFail(cfg Config, ledger *Ledger, pathFinder PathFinder,
	partID PartID, failure PaymentFailure, terminal bool) HandleResult {

	s.mu.Lock()
	part, ok := s.parts[partID].(*WaitForRouteOrInFlight)
	if !ok || part.Flight == nil {
		succeeded, failed, state := s.finishLocked()
		s.mu.Unlock()
		return HandleResult{Succeeded: succeeded, Failed: failed, State: state}
	}
	return s.resolveRemoteFailLocked(cfg, partID, part, failure, terminal)
}

// resolveRemoteFailLocked must be called with s.mu held. terminal failures
// (the final hop rejecting the payment itself) are recorded and the part
// is dropped without retry; everything else is retried on the allowed
// channel with the most sendable capacity (which may be the channel that
// just failed), then split, then given up.
func (s *Sender) resolveRemoteFailLocked(cfg Config, partID PartID, part *WaitForRouteOrInFlight,
	failure PaymentFailure, terminal bool) HandleResult {

	if s.phase != Pending {
		delete(s.parts, partID)
		succeeded, failed, state := s.finishLocked()
		s.mu.Unlock()
		return HandleResult{Succeeded: succeeded, Failed: failed, State: state}
	}

	if terminal {
		s.dropPartLocked(partID, failure)
		succeeded, failed, state := s.finishLocked()
		s.mu.Unlock()
		return HandleResult{Succeeded: succeeded, Failed: failed, State: state}
	}

	delete(s.parts, partID)
	s.recordFailure(failure)

	amt := part.Amount()
	alt, found := s.bestAlternateChan(nil)

	if found && part.RemoteAttempts < cfg.MaxRemoteAttempts {
		key, err := generateSessionKey()
		if err == nil {
			newPart := NewWaitForRoute(key, amt, alt)
			newPart.RemoteAttempts = part.RemoteAttempts + 1
			newPart.FeesTried = part.FeesTried
			s.parts[newPartID(key)] = newPart

			succeeded, failed, state := s.finishLocked()
			s.mu.Unlock()
			return HandleResult{Succeeded: succeeded, Failed: failed, State: state}
		}
	}

	if s.outgoingHtlcSlotsLeft(cfg) >= 2 {
		s.cutIntoHalves(cfg, amt)
		succeeded, failed, state := s.finishLocked()
		s.mu.Unlock()
		return HandleResult{Succeeded: succeeded, Failed: failed, State: state}
	}

	if len(s.parts) == 0 {
		s.phase = Aborted
	}
	s.recordFailure(LocalFailure{Code: RunOutOfRetryAttempts, Amount: amt})
	succeeded, failed, state := s.finishLocked()
	s.mu.Unlock()
	return HandleResult{Succeeded: succeeded, Failed: failed, State: state}
}

// classifyRemoteFailure inspects a decrypted failure packet and decides:
// whether it is terminal (no point retrying this payment at all), which
// node (if any) the failure should be blamed on for the opaque-failure
// counter, and which channel_update (if any) it carries for the ledger/
// path-finder to learn from. Grounded on the teacher's
// processPaymentOutcomeFinal/Intermediate switch, collapsed to the
// cruder signal this engine's simpler ledger needs.
func classifyRemoteFailure(rt *route.Route, d *DecryptedFailure) (
	terminal bool, nodeID route.Vertex, chanDesc *ChannelDesc, update *lnwire.ChannelUpdate) {

	if d.Message == nil {
		return false, route.Vertex{}, nil, nil
	}

	final := d.SourceIdx == len(rt.Hops)-1

	switch m := d.Message.(type) {
	case *lnwire.FailIncorrectPaymentAmount, *lnwire.FailUnknownPaymentHash,
		*lnwire.FailFinalExpiryTooSoon:
		return true, rt.Hops[len(rt.Hops)-1].PubKeyBytes, nil, nil

	case *lnwire.FailFinalIncorrectCltvExpiry, *lnwire.FailFinalIncorrectHtlcAmount,
		*lnwire.FailMPPTimeout:
		return false, rt.Hops[len(rt.Hops)-1].PubKeyBytes, nil, nil

	case *lnwire.FailAmountBelowMinimum, *lnwire.FailFeeInsufficient,
		*lnwire.FailIncorrectCltvExpiry, *lnwire.FailExpiryTooSoon,
		*lnwire.FailChannelDisabled, *lnwire.FailTemporaryChannelFailure:

		upstream, downstream := hopEndpoints(rt, d.SourceIdx)
		desc := ChannelDesc{From: upstream, To: downstream}
		u := channelUpdateFromFailure(m)
		return false, downstream, &desc, u

	case *lnwire.FailUnknownNextPeer, *lnwire.FailPermanentChannelFailure:
		upstream, downstream := hopEndpoints(rt, d.SourceIdx)
		desc := ChannelDesc{From: upstream, To: downstream}
		return false, downstream, &desc, nil

	default:
		if final {
			return true, rt.Hops[len(rt.Hops)-1].PubKeyBytes, nil, nil
		}
		return false, hopPubKey(rt, d.SourceIdx), nil, nil
	}
}

// hopEndpoints returns the from/to vertices of the edge the failure at
// sourceIdx (0-based into rt.Hops) is reporting on: its own incoming edge.
func hopEndpoints(rt *route.Route, sourceIdx int) (from, to route.Vertex) {
	to = hopPubKey(rt, sourceIdx)
	if sourceIdx == 0 {
		return rt.SourcePubKey, to
	}
	return rt.Hops[sourceIdx-1].PubKeyBytes, to
}

// hopPubKey returns the public key of the node at sourceIdx, clamped to a
// valid index.
func hopPubKey(rt *route.Route, sourceIdx int) route.Vertex {
	if sourceIdx < 0 {
		sourceIdx = 0
	}
	if sourceIdx >= len(rt.Hops) {
		sourceIdx = len(rt.Hops) - 1
	}
	return rt.Hops[sourceIdx].PubKeyBytes
}

// HandleRemoteFulfill resolves a part with the preimage the destination
// returned, firing GotFirstPreimage the first time this happens for the
// payment. A fulfill with a non-matching preimage, or addressed to an
// unknown part, is dropped silently: trusting it would let a malicious or
// buggy peer forge success.
func (s *Sender) HandleRemoteFulfill(fulfill RemoteFulfill) HandleResult {
	s.mu.Lock()

	if _, ok := s.parts[fulfill.PartID]; !ok {
		succeeded, failed, state := s.finishLocked()
		s.mu.Unlock()
		return HandleResult{Succeeded: succeeded, Failed: failed, State: state}
	}
	if !s.preimageMatches(fulfill) {
		succeeded, failed, state := s.finishLocked()
		s.mu.Unlock()
		return HandleResult{Succeeded: succeeded, Failed: failed, State: state}
	}

	delete(s.parts, fulfill.PartID)
	first := !s.gotFirstPreimage
	s.gotFirstPreimage = true
	s.phase = Succeeded

	succeeded, failed, state := s.finishLocked()
	s.mu.Unlock()

	return HandleResult{
		Succeeded:        succeeded,
		Failed:           failed,
		State:            state,
		GotFirstPreimage: first,
		Fulfill:          fulfill,
	}
}

// HandleInFlightReport updates the external in-flight view fanned in from
// InFlightPayments, possibly unblocking a terminal notification that was
// withheld only because a channel still carried an HTLC for this tag.
func (s *Sender) HandleInFlightReport(stillInFlight bool) HandleResult {
	s.mu.Lock()
	s.stillInFlightExternally = &stillInFlight
	succeeded, failed, state := s.finishLocked()
	s.mu.Unlock()
	return HandleResult{Succeeded: succeeded, Failed: failed, State: state}
}
