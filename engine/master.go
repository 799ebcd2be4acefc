package engine

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/lightningnetwork/lnd/lnwire"

	"github.com/fiatjaf/immortan/engine/route"
)

// Master is the Payment Master FSM: the process-wide registry of senders,
// the single outstanding path-finder slot, the failure ledger, and the
// metrics/abort-timer bookkeeping that spans every sender. Everything here
// runs on one worker goroutine except PaymentsSnapshot and Stop, which take
// mu directly since they're meant to be called from arbitrary host
// goroutines.
//
// Grounded on the shape of the teacher's ChannelRouter: one long-lived
// struct owning a mission-control-style ledger, a path-finding
// collaborator, and a registry of in-progress payment attempts, all driven
// off a single internal goroutine.
type Master struct {
	cfg        Config
	ledger     *Ledger
	pathFinder PathFinder
	metrics    *Metrics

	mu      sync.Mutex
	senders map[FullPaymentTag]*Sender
	phase   MasterPhase

	abortTimers map[FullPaymentTag]*time.Timer

	w *worker
}

// NewMaster wires a Master around pathFinder and cfg, registering its
// metrics with reg.
func NewMaster(cfg Config, pathFinder PathFinder, reg prometheus.Registerer) *Master {
	m := &Master{
		cfg:         cfg,
		ledger:      NewLedger(cfg),
		pathFinder:  pathFinder,
		senders:     make(map[FullPaymentTag]*Sender),
		abortTimers: make(map[FullPaymentTag]*time.Timer),
	}
	m.metrics = NewMetrics(reg, m.senderCountFloat, m.partCountFloat)
	m.w = newWorker(m.handle)
	return m
}

// Post enqueues evt for processing on the master's worker goroutine,
// implementing EventSink.
func (m *Master) Post(evt Event) {
	m.w.post(evt)
}

// Stop drains and stops the worker, cancelling every outstanding abort
// timer. It does not notify senders: a host calling Stop is expected to be
// shutting down entirely, not expecting terminal notifications to still
// fire.
func (m *Master) Stop() {
	m.w.stop()

	m.mu.Lock()
	for tag, t := range m.abortTimers {
		t.Stop()
		delete(m.abortTimers, tag)
	}
	m.mu.Unlock()
}

// PaymentsSnapshot returns the current state of every registered sender,
// for host-side introspection.
func (m *Master) PaymentsSnapshot() map[FullPaymentTag]PaymentSenderState {
	m.mu.Lock()
	senders := make([]*Sender, 0, len(m.senders))
	tags := make([]FullPaymentTag, 0, len(m.senders))
	for tag, s := range m.senders {
		senders = append(senders, s)
		tags = append(tags, tag)
	}
	m.mu.Unlock()

	out := make(map[FullPaymentTag]PaymentSenderState, len(senders))
	for i, s := range senders {
		out[tags[i]] = s.Snapshot()
	}
	return out
}

// LedgerSnapshot returns the current state of the failure ledger.
func (m *Master) LedgerSnapshot() LedgerSnapshot {
	return m.ledger.Snapshot()
}

// ReduceFailures runs the failure ledger's restoration pass. A host would
// typically call this on a timer (e.g. once a minute).
func (m *Master) ReduceFailures() {
	m.ledger.Reduce()
}

func (m *Master) senderCountFloat() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return float64(len(m.senders))
}

func (m *Master) partCountFloat() float64 {
	m.mu.Lock()
	senders := make([]*Sender, 0, len(m.senders))
	for _, s := range m.senders {
		senders = append(senders, s)
	}
	m.mu.Unlock()

	var total float64
	for _, s := range senders {
		total += float64(len(s.Snapshot().Parts))
	}
	return total
}

// handle is the worker's single entry point, dispatching every event type
// the master understands.
func (m *Master) handle(evt Event) {
	switch e := evt.(type) {
	case CreateSenderFSM:
		m.onCreateSenderFSM(e)
	case RemoveSenderFSM:
		m.onRemoveSenderFSM(e)
	case SendPaymentEvent:
		m.onSendPaymentEvent(e)
	case ChanGotOnline:
		m.onChanGotOnline(e)
	case InFlightPayments:
		m.onInFlightPayments(e)
	case LocalReject:
		m.onLocalReject(e)
	case RemoteFulfill:
		m.onRemoteFulfill(e)
	case RemoteReject:
		m.onRemoteReject(e)
	case askForRoute:
		m.onAskForRoute()
	case routeFound:
		m.onRouteFound(e)
	case noRouteAvailable:
		m.onNoRouteAvailable(e)
	case channelFailedAtAmount:
		m.onChannelFailedAtAmount(e)
	case nodeFailed:
		m.ledger.NodeFailed(e.NodeID, e.Inc)
	case channelNotRoutable:
		m.ledger.ChannelNotRoutable(e.Desc)
	case abortFired:
		m.onAbortFired(e)
	default:
		log.Warnf("unhandled event type %T", evt)
	}
}

// abortFired is self-posted by a sender's abort timer when it expires.
type abortFired struct {
	FullTag    FullPaymentTag
	Generation int
}

func (abortFired) sealedEvent() {}

func (m *Master) lookupSender(tag FullPaymentTag) *Sender {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.senders[tag]
}

func (m *Master) onCreateSenderFSM(e CreateSenderFSM) {
	m.mu.Lock()
	if _, exists := m.senders[e.FullTag]; exists {
		m.mu.Unlock()
		log.Errorf("CreateSenderFSM: sender already exists for %v", e.FullTag)
		return
	}
	m.senders[e.FullTag] = NewSender(SendPayment{FullTag: e.FullTag}, e.Listeners)
	m.mu.Unlock()
}

func (m *Master) onRemoveSenderFSM(e RemoveSenderFSM) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if t, ok := m.abortTimers[e.FullTag]; ok {
		t.Stop()
		delete(m.abortTimers, e.FullTag)
	}
	delete(m.senders, e.FullTag)
}

func (m *Master) onSendPaymentEvent(e SendPaymentEvent) {
	sender := m.lookupSender(e.Cmd.FullTag)
	if sender == nil {
		log.Errorf("SendPaymentEvent: no sender registered for %v", e.Cmd.FullTag)
		return
	}

	if e.Cmd.ClearFailures {
		m.ledger.Reduce()
	}

	if len(e.Cmd.AssistedEdges) > 0 {
		m.pathFinder.LearnAssistedEdges(e.Cmd.FullTag, e.Cmd.AssistedEdges)
	}

	result := sender.HandleSendPayment(m.cfg, e.Cmd)
	m.applyResult(e.Cmd.FullTag, sender, result)
	m.Post(askForRoute{})
}

func (m *Master) onChanGotOnline(e ChanGotOnline) {
	m.forEachSender(func(tag FullPaymentTag, sender *Sender) {
		result := sender.HandleChanGotOnline(m.cfg)
		m.applyResult(tag, sender, result)
	})
	m.Post(askForRoute{})
}

func (m *Master) onInFlightPayments(e InFlightPayments) {
	m.forEachSender(func(tag FullPaymentTag, sender *Sender) {
		stillInFlight, known := e.StillInFlight[tag]
		if !known {
			return
		}
		result := sender.HandleInFlightReport(stillInFlight)
		m.applyResult(tag, sender, result)
	})
}

func (m *Master) onLocalReject(e LocalReject) {
	sender := m.lookupSender(e.FullTag)
	if sender == nil {
		return
	}
	result := sender.HandleLocalReject(m.cfg, e.PartID, e.Reason)
	m.applyResult(e.FullTag, sender, result)
	m.Post(askForRoute{})
}

func (m *Master) onRemoteFulfill(e RemoteFulfill) {
	sender := m.lookupSender(e.FullTag)
	if sender == nil {
		return
	}
	result := sender.HandleRemoteFulfill(e)
	m.metrics.PartsSucceeded.Inc()
	m.applyResult(e.FullTag, sender, result)
	m.Post(askForRoute{})
}

func (m *Master) onRemoteReject(e RemoteReject) {
	sender := m.lookupSender(e.FullTag)
	if sender == nil {
		return
	}

	var result HandleResult
	if e.Malformed {
		result = sender.HandleRemoteUpdateMalform(m.cfg, m.ledger, e.PartID)
	} else {
		result = sender.HandleRemoteUpdateFail(m.cfg, m.ledger, m.pathFinder, e.PartID, e.Reason)
	}
	m.metrics.PartsFailed.WithLabelValues(remoteRejectMetricLabel(e)).Inc()
	m.applyResult(e.FullTag, sender, result)
	m.Post(askForRoute{})
}

func remoteRejectMetricLabel(e RemoteReject) string {
	if e.Malformed {
		return "malformed"
	}
	return "remote"
}

func (m *Master) onChannelFailedAtAmount(e channelFailedAtAmount) {
	capacity := m.capacityForDesc(e.Desc)
	if capacity < e.Amount {
		capacity = e.Amount
	}
	m.ledger.ChannelFailedAtAmount(DescAndCapacity{Desc: e.Desc, Capacity: capacity}, e.Amount)
}

// capacityForDesc best-effort resolves desc's capacity from any registered
// sender's allowed-channel list, since the master has no routing-graph
// view of channels beyond the ones it has been asked to send through.
func (m *Master) capacityForDesc(desc ChannelDesc) lnwire.MilliSatoshi {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, s := range m.senders {
		for _, cnc := range s.cmd.AllowedChans {
			if cnc.ChannelID == desc.ShortChannelID {
				return cnc.AvailableForSend
			}
		}
	}
	return 0
}

func (m *Master) forEachSender(fn func(tag FullPaymentTag, sender *Sender)) {
	m.mu.Lock()
	tags := make([]FullPaymentTag, 0, len(m.senders))
	senders := make([]*Sender, 0, len(m.senders))
	for tag, s := range m.senders {
		tags = append(tags, tag)
		senders = append(senders, s)
	}
	m.mu.Unlock()

	for i, s := range senders {
		fn(tags[i], s)
	}
}

// onAskForRoute services the single outstanding path-finder slot: if one
// is already in flight, do nothing; otherwise ask every sender in turn for
// its largest unrouted part and forward the first request found.
func (m *Master) onAskForRoute() {
	m.mu.Lock()
	if m.phase == WaitingForRoute {
		m.mu.Unlock()
		return
	}

	senders := make([]*Sender, 0, len(m.senders))
	for _, s := range m.senders {
		senders = append(senders, s)
	}
	m.mu.Unlock()

	for _, s := range senders {
		req := s.HandleAskForRoute(m.cfg)
		if req == nil {
			continue
		}

		m.fillIgnoreSets(s, req)

		m.mu.Lock()
		m.phase = WaitingForRoute
		m.mu.Unlock()

		m.metrics.RouteRequests.Inc()
		m.pathFinder.FindRoute(m, *req)
		return
	}
}

// fillIgnoreSets computes the ledger-derived exclusion sets for req using
// the requesting sender's own allowed channels as the capacity-known
// candidate set, and every sender's in-flight routes as the current
// external-utilisation snapshot.
func (m *Master) fillIgnoreSets(s *Sender, req *RouteRequest) {
	candidates := make([]DescAndCapacity, 0, len(s.cmd.AllowedChans))
	for _, cnc := range s.cmd.AllowedChans {
		candidates = append(candidates, DescAndCapacity{
			Desc: ChannelDesc{
				ShortChannelID: cnc.ChannelID,
				From:           m.cfg.SelfNodeID,
				To:             cnc.RemoteNodeID,
			},
			Capacity: cnc.AvailableForSend,
		})
	}

	used := usedCapacities(m.allInFlightRoutes())

	ignoreChans, ignoreNodes, ignoreDirections := m.ledger.IgnoreSets(candidates, req.Amount, used)
	req.IgnoreChans = ignoreChans
	req.IgnoreNodes = ignoreNodes
	req.IgnoreDirections = ignoreDirections
}

func (m *Master) allInFlightRoutes() []*route.Route {
	var out []*route.Route
	m.forEachSender(func(_ FullPaymentTag, s *Sender) {
		out = append(out, s.inFlightRoutes()...)
	})
	return out
}

func (m *Master) onRouteFound(e routeFound) {
	m.freeRouteSlot()

	sender := m.lookupSender(e.FullTag)
	if sender == nil {
		m.Post(askForRoute{})
		return
	}

	result := sender.HandleRouteFound(e.PartID, e.Route)
	m.applyResult(e.FullTag, sender, result)
	m.Post(askForRoute{})
}

func (m *Master) onNoRouteAvailable(e noRouteAvailable) {
	m.freeRouteSlot()

	sender := m.lookupSender(e.FullTag)
	if sender == nil {
		m.Post(askForRoute{})
		return
	}

	result := sender.HandleNoRouteAvailable(m.cfg, e.PartID)
	m.applyResult(e.FullTag, sender, result)
	m.Post(askForRoute{})
}

func (m *Master) freeRouteSlot() {
	m.mu.Lock()
	m.phase = ExpectingPayments
	m.mu.Unlock()
}

func (m *Master) onAbortFired(e abortFired) {
	sender := m.lookupSender(e.FullTag)
	if sender == nil {
		return
	}

	result := sender.HandleAbortTimer(e.Generation)
	m.applyResult(e.FullTag, sender, result)
	m.Post(askForRoute{})
}

// applyResult carries out whatever a Sender handler asked for: dispatching
// a built HTLC, forwarding a route request, firing the listener
// notifications a state transition earned, and re-arming or clearing the
// sender's abort timer.
func (m *Master) applyResult(tag FullPaymentTag, sender *Sender, result HandleResult) {
	if result.Dispatch != nil {
		if err := result.Dispatch.Chan.ProcessAddHTLC(result.Dispatch.Cmd); err != nil {
			log.Debugf("ProcessAddHTLC for %v failed synchronously: %v", tag, err)
			rejected := sender.HandleLocalReject(m.cfg, result.Dispatch.PartID, OtherLocalReject)
			m.applyResult(tag, sender, rejected)
		} else {
			m.metrics.PartsDispatched.Inc()
		}
	}

	if result.GotFirstPreimage && sender.listeners.GotFirstPreimage != nil {
		sender.listeners.GotFirstPreimage(result.State, result.Fulfill, result.Fulfill.Preimage)
	}

	if result.Succeeded {
		m.metrics.PaymentsSucceeded.Inc()
		if sender.listeners.WholePaymentSucceeded != nil {
			sender.listeners.WholePaymentSucceeded(result.State)
		}
	}

	if result.Failed {
		m.metrics.PaymentsFailed.Inc()
		if sender.listeners.WholePaymentFailed != nil {
			sender.listeners.WholePaymentFailed(result.State)
		}
	}

	m.rearmAbortTimer(tag, sender)
}

// rearmAbortTimer replaces any outstanding abort timer for tag with a
// fresh one, or clears it, based on whether the sender still has parts
// parked on WaitForChanOnline.
func (m *Master) rearmAbortTimer(tag FullPaymentTag, sender *Sender) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if t, ok := m.abortTimers[tag]; ok {
		t.Stop()
		delete(m.abortTimers, tag)
	}

	if !sender.HasWaitForChanOnlineParts() {
		return
	}

	generation := sender.AbortGeneration()
	m.abortTimers[tag] = time.AfterFunc(m.cfg.AbortTimeout, func() {
		m.Post(abortFired{FullTag: tag, Generation: generation})
	})
}
