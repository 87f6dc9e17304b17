package routing

import "sort"

// Snapshot is a copy of the routing tables safe to hand out for diagnostics.
type Snapshot struct {
	Adapters         []AdapterStateSnapshot `json:"adapters"`
	Subscriptions    []SubscriptionSnapshot `json:"subscriptions"`
	Orders           []OrderRoute           `json:"orders"`
	Shares           []ShareSnapshot        `json:"shares,omitempty"`
	PendingMessages  int                    `json:"pending_messages"`
	DeferredRequests int                    `json:"deferred_requests"`
}

func (m *Manager) Snapshot() Snapshot {
	subscriptions := m.subscriptions.Snapshot()
	sort.Slice(subscriptions, func(i, j int) bool { return subscriptions[i].ParentID < subscriptions[j].ParentID })

	snapshot := Snapshot{
		Adapters:         m.connections.Snapshot(),
		Subscriptions:    subscriptions,
		Orders:           m.orders.Snapshot(),
		PendingMessages:  m.pending.Count(),
		DeferredRequests: m.pending.DeferredCount(),
	}
	if m.shares != nil {
		snapshot.Shares = m.shares.Snapshot()
	}
	return snapshot
}
