package routing

import (
	"github.com/krobus00/basket-gateway/internal/entity"
	"github.com/sirupsen/logrus"
)

// AdapterConnectionManager owns the connect/disconnect state machine of every
// inner adapter and decides which adapters may receive new fan-out.
type AdapterConnectionManager struct {
	state   *AdapterConnectionState
	metrics *routingMetrics
}

func NewAdapterConnectionManager(state *AdapterConnectionState) *AdapterConnectionManager {
	return &AdapterConnectionManager{
		state:   state,
		metrics: newRoutingMetrics(),
	}
}

func (m *AdapterConnectionManager) RegisterAdapters(ids ...entity.AdapterID) {
	m.state.Register(ids...)
}

func (m *AdapterConnectionManager) Registered() []entity.AdapterID {
	return m.state.Registered()
}

func (m *AdapterConnectionManager) OnConnectDispatched(id entity.AdapterID) error {
	if !m.state.IsRegistered(id) {
		return ErrUnknownAdapter
	}
	m.transition(id, func(entity.ConnectionState, bool) (entity.ConnectionState, bool) {
		return entity.ConnectionStateConnecting, true
	})
	return nil
}

// OnConnectAcknowledged resolves a Connecting adapter. It reports false and
// leaves the state untouched for redelivered or unexpected acknowledgements.
func (m *AdapterConnectionManager) OnConnectAcknowledged(id entity.AdapterID, err error) bool {
	prev, applied := m.transition(id, func(current entity.ConnectionState, _ bool) (entity.ConnectionState, bool) {
		if current != entity.ConnectionStateConnecting {
			return current, false
		}
		if err != nil {
			return entity.ConnectionStateFailed, true
		}
		return entity.ConnectionStateConnected, true
	})
	if !applied {
		logrus.WithFields(logrus.Fields{
			"adapter_id": id,
			"state":      prev,
		}).Debug("ignoring connect acknowledgement for resolved adapter")
	}
	return applied
}

// OnDisconnected moves a known adapter to Disconnected and returns the state
// it left.
func (m *AdapterConnectionManager) OnDisconnected(id entity.AdapterID) (entity.ConnectionState, bool) {
	return m.transition(id, func(current entity.ConnectionState, found bool) (entity.ConnectionState, bool) {
		if !found || current == entity.ConnectionStateDisconnected {
			return current, false
		}
		return entity.ConnectionStateDisconnected, true
	})
}

// OnConnectionLost moves a Connecting or Connected adapter to Failed and
// returns the state it left.
func (m *AdapterConnectionManager) OnConnectionLost(id entity.AdapterID) (entity.ConnectionState, bool) {
	return m.transition(id, func(current entity.ConnectionState, _ bool) (entity.ConnectionState, bool) {
		if current != entity.ConnectionStateConnected && current != entity.ConnectionStateConnecting {
			return current, false
		}
		return entity.ConnectionStateFailed, true
	})
}

func (m *AdapterConnectionManager) OnConnectionRestored(id entity.AdapterID) bool {
	_, applied := m.transition(id, func(current entity.ConnectionState, _ bool) (entity.ConnectionState, bool) {
		if current != entity.ConnectionStateFailed {
			return current, false
		}
		return entity.ConnectionStateConnected, true
	})
	return applied
}

func (m *AdapterConnectionManager) TryGetAdapterState(id entity.AdapterID) (entity.ConnectionState, bool) {
	return m.state.Get(id)
}

func (m *AdapterConnectionManager) ConnectedCount() int {
	return m.state.Count(entity.ConnectionStateConnected)
}

func (m *AdapterConnectionManager) HasPendingAdapters() bool {
	return m.state.Count(entity.ConnectionStateConnecting) > 0
}

// EligibleAdapters is read fresh on every call; callers must not cache it
// across fan-outs.
func (m *AdapterConnectionManager) EligibleAdapters() []entity.AdapterID {
	return m.state.InState(entity.ConnectionStateConnected)
}

func (m *AdapterConnectionManager) IsEligible(id entity.AdapterID) bool {
	state, ok := m.state.Get(id)
	return ok && state == entity.ConnectionStateConnected
}

func (m *AdapterConnectionManager) Reset() {
	m.state.ResetAll()
}

func (m *AdapterConnectionManager) Snapshot() []AdapterStateSnapshot {
	return m.state.Snapshot()
}

func (m *AdapterConnectionManager) transition(id entity.AdapterID, fn func(entity.ConnectionState, bool) (entity.ConnectionState, bool)) (entity.ConnectionState, bool) {
	var next entity.ConnectionState
	prev, applied := m.state.Update(id, func(current entity.ConnectionState, found bool) (entity.ConnectionState, bool) {
		var ok bool
		next, ok = fn(current, found)
		return next, ok
	})
	if applied {
		m.metrics.recordStateChange(string(next))
		logrus.WithFields(logrus.Fields{
			"adapter_id": id,
			"from":       prev,
			"to":         next,
		}).Debug("adapter state changed")
	}
	return prev, applied
}
