package routing

import (
	"fmt"
	"slices"

	"github.com/krobus00/basket-gateway/internal/entity"
	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"
)

// ProcessOutMessage folds one message emitted by adapterID back into the
// client stream. Messages that belong to no tracked transaction pass through.
func (m *Manager) ProcessOutMessage(adapterID entity.AdapterID, msg entity.Message) (*Routed, error) {
	if msg == nil {
		return nil, ErrNilMessage
	}

	routed := &Routed{}
	var err error
	switch out := msg.(type) {
	case *entity.ConnectResponse:
		m.processConnectAck(routed, adapterID, out.Error)
	case *entity.DisconnectResponse:
		m.processDisconnectAck(routed, adapterID, out.Error)
	case *entity.ConnectionLostMessage:
		m.processConnectionLost(routed, adapterID, out.Error)
	case *entity.ConnectionRestoredMessage:
		if m.connections.OnConnectionRestored(adapterID) {
			logrus.WithField("adapter_id", adapterID).Info("adapter connection restored")
		}
	case *entity.SubscriptionResponse:
		err = m.routeChildMessage(routed, adapterID, out.OriginalTransactionID, out)
	case *entity.SubscriptionOnline:
		err = m.routeChildMessage(routed, adapterID, out.OriginalTransactionID, out)
	case *entity.SubscriptionFinished:
		err = m.routeChildMessage(routed, adapterID, out.OriginalTransactionID, out)
	case *entity.ExecutionReport:
		err = m.processExecution(routed, adapterID, out)
	case entity.SubscriptionDataMessage:
		err = m.processData(routed, adapterID, out)
	default:
		routed.ToClient = append(routed.ToClient, msg)
	}
	if err != nil {
		return nil, err
	}
	return routed, nil
}

func (m *Manager) processConnectAck(routed *Routed, adapterID entity.AdapterID, ackErr error) {
	m.sessionMu.Lock()
	if !m.connections.OnConnectAcknowledged(adapterID, ackErr) {
		m.sessionMu.Unlock()
		return
	}
	if ackErr != nil {
		m.session.connectErrs = append(m.session.connectErrs, fmt.Errorf("adapter %s: %w", adapterID, ackErr))
		logrus.WithError(ackErr).WithField("adapter_id", adapterID).Warn("adapter failed to connect")
	}
	replay := m.finishConnectLocked(routed)
	m.sessionMu.Unlock()

	if replay {
		m.replayDeferred(routed)
	}
}

func (m *Manager) processDisconnectAck(routed *Routed, adapterID entity.AdapterID, ackErr error) {
	m.sessionMu.Lock()
	if _, ok := m.session.disconnecting[adapterID]; !ok {
		m.sessionMu.Unlock()
		m.processUnrequestedDisconnect(routed, adapterID, ackErr)
		return
	}
	defer m.sessionMu.Unlock()

	m.connections.OnDisconnected(adapterID)
	delete(m.session.disconnecting, adapterID)
	if ackErr != nil {
		m.session.disconnectErrs = append(m.session.disconnectErrs, fmt.Errorf("adapter %s: %w", adapterID, ackErr))
	}
	if len(m.session.disconnecting) > 0 {
		return
	}

	resp := &entity.DisconnectResponse{}
	if len(m.session.disconnectErrs) == m.session.disconnectTotal {
		resp.Error = multierr.Combine(m.session.disconnectErrs...)
	}
	m.session = sessionState{}
	m.clearRouting()
	routed.ToClient = append(routed.ToClient, resp)
}

// processUnrequestedDisconnect handles an adapter that went away on its own.
// Its children and orders fail the same way as on a lost connection.
func (m *Manager) processUnrequestedDisconnect(routed *Routed, adapterID entity.AdapterID, cause error) {
	prev, changed := m.connections.OnDisconnected(adapterID)
	if !changed {
		return
	}
	logrus.WithError(cause).WithField("adapter_id", adapterID).Warn("adapter disconnected without request")

	failure := ErrAdapterDisconnected
	if cause != nil {
		failure = fmt.Errorf("%w: %v", ErrAdapterDisconnected, cause)
	}
	m.failAdapter(routed, adapterID, prev, failure)
}

// processConnectionLost fails every child and order routed to adapterID as
// if the adapter had answered each of them with an error.
func (m *Manager) processConnectionLost(routed *Routed, adapterID entity.AdapterID, cause error) {
	prev, changed := m.connections.OnConnectionLost(adapterID)
	if !changed {
		return
	}
	logrus.WithError(cause).WithField("adapter_id", adapterID).Warn("adapter connection lost")

	failure := ErrConnectionLost
	if cause != nil {
		failure = fmt.Errorf("%w: %v", ErrConnectionLost, cause)
	}
	m.failAdapter(routed, adapterID, prev, failure)
}

// failAdapter turns every leg and order still routed to adapterID into an
// error answer. prev is the state the adapter left.
func (m *Manager) failAdapter(routed *Routed, adapterID entity.AdapterID, prev entity.ConnectionState, failure error) {
	if prev == entity.ConnectionStateConnecting {
		m.sessionMu.Lock()
		m.session.connectErrs = append(m.session.connectErrs, fmt.Errorf("adapter %s: %w", adapterID, failure))
		replay := m.finishConnectLocked(routed)
		m.sessionMu.Unlock()
		if replay {
			m.replayDeferred(routed)
		}
	}

	for _, leg := range m.children.LegsForAdapter(adapterID) {
		answer := &entity.SubscriptionResponse{OriginalTransactionID: leg.ChildID, Error: failure}

		m.locks.Lock(leg.ParentID)
		if m.subscriptions.IsFanningOut(leg.ParentID) {
			if err := m.buffer(adapterID, leg.ParentID, answer); err != nil {
				logrus.WithError(err).WithField("parent_id", leg.ParentID).Error("failed to buffer implicit child error")
			}
		} else {
			m.applyChildMessage(routed, answer)
		}
		m.locks.Unlock(leg.ParentID)
	}

	for _, route := range m.orders.RoutesForAdapter(adapterID) {
		if m.orders.Complete(route.TransactionID) {
			routed.ToClient = append(routed.ToClient, failedExecution(route.TransactionID, "", "", failure))
		}
	}
}

func (m *Manager) routeChildMessage(routed *Routed, adapterID entity.AdapterID, childID int64, msg entity.Message) error {
	parentID, ok := m.children.TryGetParent(childID)
	if !ok {
		if m.children.IsTombstoned(childID) {
			logrus.WithFields(logrus.Fields{
				"adapter_id": adapterID,
				"child_id":   childID,
				"type":       msg.Type(),
			}).Debug("dropping message for torn down subscription")
			return nil
		}
		routed.ToClient = append(routed.ToClient, msg)
		return nil
	}

	m.locks.Lock(parentID)
	defer m.locks.Unlock(parentID)

	if m.subscriptions.IsFanningOut(parentID) {
		return m.buffer(adapterID, parentID, msg)
	}
	m.applyChildMessage(routed, msg)
	return nil
}

func (m *Manager) applyChildMessage(routed *Routed, msg entity.Message) {
	var (
		out Outcome
		ok  bool
	)
	switch child := msg.(type) {
	case *entity.SubscriptionResponse:
		out, ok = m.subscriptions.OnChildResponse(child.OriginalTransactionID, child.Error)
	case *entity.SubscriptionOnline:
		out, ok = m.subscriptions.OnChildOnline(child.OriginalTransactionID)
	case *entity.SubscriptionFinished:
		out, ok = m.subscriptions.OnChildFinished(child.OriginalTransactionID)
	}
	if !ok {
		logrus.WithField("type", msg.Type()).Debug("dropping late child message")
		return
	}
	m.applyOutcome(routed, out)
}

func (m *Manager) applyOutcome(routed *Routed, out Outcome) {
	if out.Responded {
		m.respond(routed, out.ParentID, out.Error)
		logrus.WithFields(logrus.Fields{
			"parent_id": out.ParentID,
			"kind":      out.Kind,
			"failed":    out.Error != nil,
		}).Debug("aggregate response")
	}

	if out.Online {
		m.registerShare(out.ParentID)
		routed.ToClient = append(routed.ToClient, &entity.SubscriptionOnline{OriginalTransactionID: out.ParentID})
	}

	if out.Finished {
		members := []int64{out.ParentID}
		if m.shares != nil {
			if group, ok := m.shares.Finish(out.ParentID); ok {
				members = group
			}
		}
		for _, id := range members {
			routed.ToClient = append(routed.ToClient, &entity.SubscriptionFinished{OriginalTransactionID: id})
		}
	}

	if out.Unsubscribed != 0 && m.shares != nil {
		m.shares.Drop(out.Unsubscribed)
	}
}

func (m *Manager) registerShare(parentID int64) {
	if m.shares == nil {
		return
	}
	req, targets, ok := m.subscriptions.Describe(parentID)
	if !ok {
		return
	}
	if key, ok := shareKey(req, targets); ok {
		m.shares.Register(key, parentID)
	}
}

func (m *Manager) processExecution(routed *Routed, adapterID entity.AdapterID, report *entity.ExecutionReport) error {
	route, ok := m.orders.Get(report.OriginalTransactionID)
	if !ok {
		return m.processData(routed, adapterID, report)
	}

	if route.Kind == OrderRouteKindCancel || report.State.IsTerminal() {
		m.orders.Complete(route.TransactionID)
	}
	if ids := report.GetSubscriptionIDs(); len(ids) > 0 {
		report.SetSubscriptionIDs(m.expandShares(m.subscriptions.RemapDataSubscriptionIDs(ids)))
	}
	routed.ToClient = append(routed.ToClient, report)
	return nil
}

func (m *Manager) processData(routed *Routed, adapterID entity.AdapterID, msg entity.SubscriptionDataMessage) error {
	ids := msg.GetSubscriptionIDs()
	candidates := make([]int64, 0, len(ids)+1)
	if orig := msg.GetOriginalTransactionID(); orig != 0 {
		candidates = append(candidates, orig)
	}
	candidates = append(candidates, ids...)

	for _, id := range candidates {
		parentID, ok := m.children.TryGetParent(id)
		if !ok {
			continue
		}
		m.locks.Lock(parentID)
		if m.subscriptions.IsFanningOut(parentID) {
			err := m.buffer(adapterID, parentID, msg)
			m.locks.Unlock(parentID)
			return err
		}
		m.locks.Unlock(parentID)
	}

	m.remapData(routed, msg)
	return nil
}

// remapData rewrites child ids to parent ids. A message whose every
// correlation id belongs to a torn down subscription is dropped. Data of a
// shared subscription is tagged with every current member id, and the owner
// id is cleared once the owner has left its group.
func (m *Manager) remapData(routed *Routed, msg entity.SubscriptionDataMessage) {
	carried, kept := 0, 0
	var members []int64

	if orig := msg.GetOriginalTransactionID(); orig != 0 {
		carried++
		if parentID, ok := m.children.TryGetParent(orig); ok {
			msg.SetOriginalTransactionID(parentID)
			kept++
			if group, shared := m.shareMembers(parentID); shared {
				members = group
				if !slices.Contains(group, parentID) {
					msg.SetOriginalTransactionID(0)
				}
			}
		} else if m.children.IsTombstoned(orig) {
			msg.SetOriginalTransactionID(0)
		} else {
			kept++
		}
	}

	ids := msg.GetSubscriptionIDs()
	if len(ids) > 0 || len(members) > 0 {
		if len(ids) > 0 {
			carried++
		}
		remapped := m.expandShares(m.subscriptions.RemapDataSubscriptionIDs(ids))
		for _, id := range members {
			if !slices.Contains(remapped, id) {
				remapped = append(remapped, id)
			}
		}
		if len(remapped) > 0 {
			kept++
		}
		msg.SetSubscriptionIDs(remapped)
	}

	if carried > 0 && kept == 0 {
		logrus.WithField("type", msg.Type()).Debug("dropping data for torn down subscription")
		return
	}
	routed.ToClient = append(routed.ToClient, msg)
}

func (m *Manager) shareMembers(ownerID int64) ([]int64, bool) {
	if m.shares == nil {
		return nil, false
	}
	return m.shares.Members(ownerID)
}

func (m *Manager) expandShares(ids []int64) []int64 {
	if m.shares == nil {
		return ids
	}
	return m.shares.Expand(ids)
}

func (m *Manager) buffer(adapterID entity.AdapterID, parentID int64, msg entity.Message) error {
	if err := m.pending.Buffer(adapterID, parentID, msg); err != nil {
		return fmt.Errorf("buffer message for parent %d: %w", parentID, err)
	}
	m.metrics.recordBuffered()
	return nil
}
