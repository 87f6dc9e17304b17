package routing

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/krobus00/basket-gateway/internal/entity"
	"github.com/krobus00/basket-gateway/internal/util"
	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"
)

type Options struct {
	Generator          entity.TransactionIDGenerator
	Securities         entity.AdapterResolver
	Portfolios         entity.AdapterResolver
	ShareSubscriptions bool
	TombstoneCapacity  int
	PendingLimit       int
}

type AdapterMessage struct {
	AdapterID entity.AdapterID
	Message   entity.Message
}

// Routed is the result of processing one message. ToAdapters must be
// dispatched before CompleteFanOut is called for each id in FanOuts.
type Routed struct {
	ToAdapters []AdapterMessage
	ToClient   []entity.Message
	FanOuts    []int64
}

func (r *Routed) Empty() bool {
	return r == nil || (len(r.ToAdapters) == 0 && len(r.ToClient) == 0 && len(r.FanOuts) == 0)
}

func (r *Routed) merge(other *Routed) {
	if other == nil {
		return
	}
	r.ToAdapters = append(r.ToAdapters, other.ToAdapters...)
	r.ToClient = append(r.ToClient, other.ToClient...)
	r.FanOuts = append(r.FanOuts, other.FanOuts...)
}

type sessionState struct {
	connecting      bool
	connectErrs     []error
	disconnecting   map[entity.AdapterID]struct{}
	disconnectTotal int
	disconnectErrs  []error
}

// Manager is the basket routing orchestrator. It turns client requests into
// per-adapter child requests and folds adapter output back into one stream
// keyed by client transaction ids. It performs no I/O.
type Manager struct {
	gen           entity.TransactionIDGenerator
	securities    entity.AdapterResolver
	portfolios    entity.AdapterResolver
	connections   *AdapterConnectionManager
	children      *ParentChildMap
	subscriptions *SubscriptionRoutingState
	pending       *PendingMessageState
	orders        *OrderRoutingState
	shares        *ShareState
	locks         *keyedMutex
	metrics       *routingMetrics

	sessionMu sync.Mutex
	session   sessionState
}

func NewManager(opts Options, adapters ...entity.AdapterID) *Manager {
	gen := opts.Generator
	if gen == nil {
		gen = util.NewTransactionIDGenerator(time.Now().UnixMilli())
	}

	children := NewParentChildMap(gen, opts.TombstoneCapacity)
	m := &Manager{
		gen:           gen,
		securities:    opts.Securities,
		portfolios:    opts.Portfolios,
		connections:   NewAdapterConnectionManager(NewAdapterConnectionState()),
		children:      children,
		subscriptions: NewSubscriptionRoutingState(children),
		pending:       NewPendingMessageState(opts.PendingLimit),
		orders:        NewOrderRoutingState(),
		locks:         newKeyedMutex(),
		metrics:       newRoutingMetrics(),
	}
	if opts.ShareSubscriptions {
		m.shares = NewShareState()
	}
	m.connections.RegisterAdapters(adapters...)
	return m
}

func (m *Manager) Connections() *AdapterConnectionManager {
	return m.connections
}

// ProcessInMessage routes one client request. Errors are contract
// violations; every adapter-level failure comes back as a message in
// Routed.ToClient instead.
func (m *Manager) ProcessInMessage(msg entity.Message) (*Routed, error) {
	routed := &Routed{}

	var err error
	switch in := msg.(type) {
	case nil:
		return nil, ErrNilMessage
	case *entity.ConnectMessage:
		err = m.processConnect(routed)
	case *entity.DisconnectMessage:
		err = m.processDisconnect(routed)
	case *entity.ResetMessage:
		m.processReset(routed)
	case *entity.SubscriptionRequest:
		if in.IsSubscribe {
			err = m.processSubscribe(routed, in)
		} else {
			err = m.processUnsubscribe(routed, in)
		}
	case *entity.OrderRegister:
		err = m.processOrderRegister(routed, in)
	case *entity.OrderCancel:
		err = m.processOrderCancel(routed, in)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedMessage, msg.Type())
	}
	if err != nil {
		return nil, err
	}
	return routed, nil
}

// CompleteFanOut ends the dispatch burst of parentID and replays, in arrival
// order, the adapter messages that raced ahead of it.
func (m *Manager) CompleteFanOut(parentID int64) *Routed {
	m.locks.Lock(parentID)
	defer m.locks.Unlock(parentID)

	routed := &Routed{}
	legs := m.children.GetChildren(parentID)
	m.applyOutcome(routed, m.subscriptions.CommitFanOut(parentID))

	var buffered []PendingMessage
	seen := make(map[entity.AdapterID]struct{}, len(legs))
	for _, leg := range legs {
		if _, ok := seen[leg.AdapterID]; ok {
			continue
		}
		seen[leg.AdapterID] = struct{}{}
		buffered = append(buffered, m.pending.DrainFor(leg.AdapterID, func(p PendingMessage) bool {
			return p.ParentID == parentID
		})...)
	}
	sort.Slice(buffered, func(i, j int) bool { return buffered[i].Seq < buffered[j].Seq })

	for _, item := range buffered {
		switch item.Message.(type) {
		case *entity.SubscriptionResponse, *entity.SubscriptionOnline, *entity.SubscriptionFinished:
			m.applyChildMessage(routed, item.Message)
		default:
			if data, ok := item.Message.(entity.SubscriptionDataMessage); ok {
				m.remapData(routed, data)
			}
		}
	}
	return routed
}

func (m *Manager) processConnect(routed *Routed) error {
	m.sessionMu.Lock()
	defer m.sessionMu.Unlock()

	if m.session.connecting || len(m.session.disconnecting) > 0 {
		return ErrSessionChangeInFlight
	}

	adapters := m.connections.Registered()
	if len(adapters) == 0 {
		routed.ToClient = append(routed.ToClient, &entity.ConnectResponse{Error: ErrNoEligibleAdapters})
		return nil
	}

	m.session.connecting = true
	m.session.connectErrs = nil
	for _, id := range adapters {
		if err := m.connections.OnConnectDispatched(id); err != nil {
			return err
		}
		routed.ToAdapters = append(routed.ToAdapters, AdapterMessage{AdapterID: id, Message: &entity.ConnectMessage{}})
	}
	return nil
}

// finishConnectLocked emits the aggregate ConnectResponse once no adapter is
// still connecting. It reports whether deferred requests may be replayed.
func (m *Manager) finishConnectLocked(routed *Routed) bool {
	if !m.session.connecting || m.connections.HasPendingAdapters() {
		return false
	}
	m.session.connecting = false

	resp := &entity.ConnectResponse{}
	if m.connections.ConnectedCount() == 0 {
		resp.Error = multierr.Combine(m.session.connectErrs...)
		if resp.Error == nil {
			resp.Error = ErrNoEligibleAdapters
		}
	}
	m.session.connectErrs = nil
	routed.ToClient = append(routed.ToClient, resp)
	return true
}

func (m *Manager) processDisconnect(routed *Routed) error {
	m.sessionMu.Lock()
	defer m.sessionMu.Unlock()

	if m.session.connecting || len(m.session.disconnecting) > 0 {
		return ErrSessionChangeInFlight
	}

	for _, msg := range m.pending.DrainDeferred() {
		m.reject(routed, msg, ErrSessionClosed)
	}

	var targets []entity.AdapterID
	for _, id := range m.connections.Registered() {
		state, ok := m.connections.TryGetAdapterState(id)
		if ok && state != entity.ConnectionStateDisconnected {
			targets = append(targets, id)
		}
	}
	if len(targets) == 0 {
		routed.ToClient = append(routed.ToClient, &entity.DisconnectResponse{})
		return nil
	}

	m.session.disconnecting = make(map[entity.AdapterID]struct{}, len(targets))
	m.session.disconnectTotal = len(targets)
	m.session.disconnectErrs = nil
	for _, id := range targets {
		m.session.disconnecting[id] = struct{}{}
		routed.ToAdapters = append(routed.ToAdapters, AdapterMessage{AdapterID: id, Message: &entity.DisconnectMessage{}})
	}
	return nil
}

func (m *Manager) processReset(routed *Routed) {
	m.sessionMu.Lock()
	m.session = sessionState{}
	m.sessionMu.Unlock()

	for _, id := range m.connections.Registered() {
		routed.ToAdapters = append(routed.ToAdapters, AdapterMessage{AdapterID: id, Message: &entity.ResetMessage{}})
	}
	m.clearRouting()
	m.connections.Reset()
}

func (m *Manager) clearRouting() {
	m.subscriptions.Reset()
	m.pending.Clear()
	m.orders.Clear()
	if m.shares != nil {
		m.shares.Clear()
	}
}

func (m *Manager) processSubscribe(routed *Routed, req *entity.SubscriptionRequest) error {
	if err := m.claimTransaction(req.TransactionID); err != nil {
		return err
	}

	resolver, key := m.affinity(req.SecurityID, req.PortfolioName)
	targets, deferred, err := m.resolveTargets(resolver, key)
	switch {
	case deferred:
		m.deferRequest(routed, req)
		return nil
	case err != nil:
		m.respond(routed, req.TransactionID, err)
		return nil
	}

	if m.joinShare(routed, req, targets) {
		return nil
	}

	m.locks.Lock(req.TransactionID)
	legs, err := m.subscriptions.BeginFanOut(req.TransactionID, req, targets)
	m.locks.Unlock(req.TransactionID)
	if err != nil {
		return err
	}

	for _, leg := range legs {
		child := req.Clone()
		child.TransactionID = leg.ChildID
		routed.ToAdapters = append(routed.ToAdapters, AdapterMessage{AdapterID: leg.AdapterID, Message: child})
	}
	routed.FanOuts = append(routed.FanOuts, req.TransactionID)
	m.metrics.recordFanOut(SubscriptionKindSubscribe, len(legs))

	logrus.WithFields(logrus.Fields{
		"transaction_id": req.TransactionID,
		"security_id":    req.SecurityID,
		"data_type":      req.DataType,
		"children":       len(legs),
	}).Debug("subscription fanned out")
	return nil
}

func (m *Manager) processUnsubscribe(routed *Routed, req *entity.SubscriptionRequest) error {
	if err := m.claimTransaction(req.TransactionID); err != nil {
		return err
	}

	target := req.OriginalTransactionID
	if m.shares != nil {
		if m.shares.Owns(target) && !m.shares.HasMember(target) {
			return ErrAlreadyUnsubscribing
		}
		if owner, last, ok := m.shares.Leave(target); ok {
			if !last {
				m.respond(routed, req.TransactionID, nil)
				return nil
			}
			target = owner
		}
	}

	m.locks.Lock(target)
	original, _, _ := m.subscriptions.Describe(target)
	legs, err := m.subscriptions.Unsubscribe(req.TransactionID, target)
	m.locks.Unlock(target)
	if err != nil {
		return err
	}
	if len(legs) == 0 {
		m.respond(routed, req.TransactionID, nil)
		return nil
	}

	for _, leg := range legs {
		child := original.Clone()
		child.IsSubscribe = false
		child.TransactionID = leg.ChildID
		child.OriginalTransactionID = leg.TargetChildID
		routed.ToAdapters = append(routed.ToAdapters, AdapterMessage{AdapterID: leg.AdapterID, Message: child})
	}
	routed.FanOuts = append(routed.FanOuts, req.TransactionID)
	m.metrics.recordFanOut(SubscriptionKindUnsubscribe, len(legs))
	return nil
}

func (m *Manager) joinShare(routed *Routed, req *entity.SubscriptionRequest, targets []entity.AdapterID) bool {
	if m.shares == nil {
		return false
	}
	key, ok := shareKey(req, targets)
	if !ok {
		return false
	}
	owner, ok := m.shares.Owner(key)
	if !ok {
		return false
	}

	m.locks.Lock(owner)
	joined := m.shares.Join(key, owner, req.TransactionID)
	m.locks.Unlock(owner)
	if !joined {
		return false
	}

	m.respond(routed, req.TransactionID, nil)
	routed.ToClient = append(routed.ToClient, &entity.SubscriptionOnline{OriginalTransactionID: req.TransactionID})
	logrus.WithFields(logrus.Fields{
		"transaction_id": req.TransactionID,
		"parent_id":      owner,
	}).Debug("subscription joined shared stream")
	return true
}

func (m *Manager) processOrderRegister(routed *Routed, order *entity.OrderRegister) error {
	if err := m.claimTransaction(order.TransactionID); err != nil {
		return err
	}

	adapterID, deferred, err := m.resolveOrderAdapter(order.SecurityID, order.PortfolioName)
	switch {
	case deferred:
		m.deferRequest(routed, order)
		return nil
	case err != nil:
		routed.ToClient = append(routed.ToClient, failedExecution(order.TransactionID, order.SecurityID, order.PortfolioName, err))
		return nil
	}

	if err := m.orders.RouteOrder(order.TransactionID, adapterID, OrderRouteKindRegister); err != nil {
		return err
	}
	routed.ToAdapters = append(routed.ToAdapters, AdapterMessage{AdapterID: adapterID, Message: order})
	return nil
}

func (m *Manager) processOrderCancel(routed *Routed, cancel *entity.OrderCancel) error {
	if err := m.claimTransaction(cancel.TransactionID); err != nil {
		return err
	}

	var (
		adapterID entity.AdapterID
		deferred  bool
		err       error
	)
	if route, ok := m.orders.Get(cancel.OriginalTransactionID); ok {
		adapterID, deferred, err = m.checkAdapter(route.AdapterID)
	} else {
		adapterID, deferred, err = m.resolveOrderAdapter(cancel.SecurityID, cancel.PortfolioName)
	}
	switch {
	case deferred:
		m.deferRequest(routed, cancel)
		return nil
	case err != nil:
		routed.ToClient = append(routed.ToClient, failedExecution(cancel.TransactionID, cancel.SecurityID, cancel.PortfolioName, err))
		return nil
	}

	if err := m.orders.RouteOrder(cancel.TransactionID, adapterID, OrderRouteKindCancel); err != nil {
		return err
	}
	routed.ToAdapters = append(routed.ToAdapters, AdapterMessage{AdapterID: adapterID, Message: cancel})
	return nil
}

func (m *Manager) claimTransaction(id int64) error {
	if id == 0 {
		return ErrMissingTransactionID
	}
	m.gen.Observe(id)
	if m.isKnownTransaction(id) {
		return fmt.Errorf("%w: %d", ErrDuplicateTransaction, id)
	}
	return nil
}

func (m *Manager) isKnownTransaction(id int64) bool {
	if m.subscriptions.Has(id) || m.children.Has(id) || m.pending.HasDeferred(id) {
		return true
	}
	if _, ok := m.orders.Get(id); ok {
		return true
	}
	return m.shares != nil && m.shares.HasMember(id)
}

func (m *Manager) affinity(securityID, portfolioName string) (entity.AdapterResolver, string) {
	switch {
	case securityID != "":
		return m.securities, securityID
	case portfolioName != "":
		return m.portfolios, portfolioName
	default:
		return nil, ""
	}
}

// resolveTargets returns the associated adapter when the key resolves and all
// eligible adapters otherwise. deferred is set when nothing can be decided
// until pending connects resolve.
func (m *Manager) resolveTargets(resolver entity.AdapterResolver, key string) ([]entity.AdapterID, bool, error) {
	if resolver != nil && key != "" {
		if id, ok := resolver.Resolve(key); ok {
			adapterID, deferred, err := m.checkAdapter(id)
			if deferred || err != nil {
				return nil, deferred, err
			}
			return []entity.AdapterID{adapterID}, false, nil
		}
	}

	eligible := m.connections.EligibleAdapters()
	if len(eligible) > 0 {
		return eligible, false, nil
	}
	if m.connections.HasPendingAdapters() {
		return nil, true, nil
	}
	return nil, false, ErrNoEligibleAdapters
}

func (m *Manager) resolveOrderAdapter(securityID, portfolioName string) (entity.AdapterID, bool, error) {
	lookups := []struct {
		resolver entity.AdapterResolver
		key      string
	}{
		{m.securities, securityID},
		{m.portfolios, portfolioName},
	}
	for _, lookup := range lookups {
		if lookup.resolver == nil || lookup.key == "" {
			continue
		}
		if id, ok := lookup.resolver.Resolve(lookup.key); ok {
			return m.checkAdapter(id)
		}
	}

	eligible := m.connections.EligibleAdapters()
	switch {
	case len(eligible) == 1:
		return eligible[0], false, nil
	case len(eligible) == 0 && m.connections.HasPendingAdapters():
		return entity.AdapterID{}, true, nil
	case len(eligible) == 0:
		return entity.AdapterID{}, false, ErrNoEligibleAdapters
	default:
		return entity.AdapterID{}, false, ErrNoOrderRoute
	}
}

func (m *Manager) checkAdapter(id entity.AdapterID) (entity.AdapterID, bool, error) {
	state, _ := m.connections.TryGetAdapterState(id)
	switch state {
	case entity.ConnectionStateConnected:
		return id, false, nil
	case entity.ConnectionStateConnecting:
		return id, true, nil
	default:
		return id, false, fmt.Errorf("%w: %s", ErrAdapterUnavailable, id)
	}
}

func (m *Manager) deferRequest(routed *Routed, msg entity.Message) {
	if err := m.pending.Defer(msg); err != nil {
		m.reject(routed, msg, err)
	}
}

func (m *Manager) replayDeferred(routed *Routed) {
	for _, msg := range m.pending.DrainDeferred() {
		next, err := m.ProcessInMessage(msg)
		if err != nil {
			logrus.WithError(err).WithField("type", msg.Type()).Warn("dropping deferred request")
			continue
		}
		routed.merge(next)
	}
}

// reject answers a client request with err without routing it.
func (m *Manager) reject(routed *Routed, msg entity.Message, err error) {
	switch req := msg.(type) {
	case *entity.SubscriptionRequest:
		m.respond(routed, req.TransactionID, err)
	case *entity.OrderRegister:
		routed.ToClient = append(routed.ToClient, failedExecution(req.TransactionID, req.SecurityID, req.PortfolioName, err))
	case *entity.OrderCancel:
		routed.ToClient = append(routed.ToClient, failedExecution(req.TransactionID, req.SecurityID, req.PortfolioName, err))
	}
}

func (m *Manager) respond(routed *Routed, transactionID int64, err error) {
	routed.ToClient = append(routed.ToClient, &entity.SubscriptionResponse{
		OriginalTransactionID: transactionID,
		Error:                 err,
	})
	m.metrics.recordResponse(err)
}

func failedExecution(transactionID int64, securityID, portfolioName string, err error) *entity.ExecutionReport {
	return &entity.ExecutionReport{
		DataHeader:    entity.DataHeader{OriginalTransactionID: transactionID},
		SecurityID:    securityID,
		PortfolioName: portfolioName,
		State:         entity.OrderStateFailed,
		Error:         err,
		ServerTime:    time.Now(),
	}
}
