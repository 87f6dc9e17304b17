package routing

import (
	"sort"
	"sync"
	"time"

	"github.com/krobus00/basket-gateway/internal/entity"
)

type OrderRouteKind string

const (
	OrderRouteKindRegister OrderRouteKind = "register"
	OrderRouteKindCancel   OrderRouteKind = "cancel"
)

type OrderRoute struct {
	TransactionID int64            `json:"transaction_id"`
	AdapterID     entity.AdapterID `json:"adapter_id"`
	Kind          OrderRouteKind   `json:"kind"`
	CreatedAt     time.Time        `json:"created_at"`
}

// OrderRoutingState maps an order transaction to the one adapter it was sent
// to. Orders are never fanned out.
type OrderRoutingState struct {
	mu     sync.RWMutex
	routes map[int64]OrderRoute
}

func NewOrderRoutingState() *OrderRoutingState {
	return &OrderRoutingState{routes: make(map[int64]OrderRoute)}
}

func (o *OrderRoutingState) RouteOrder(transactionID int64, adapterID entity.AdapterID, kind OrderRouteKind) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if _, ok := o.routes[transactionID]; ok {
		return ErrDuplicateTransaction
	}
	o.routes[transactionID] = OrderRoute{
		TransactionID: transactionID,
		AdapterID:     adapterID,
		Kind:          kind,
		CreatedAt:     time.Now(),
	}
	return nil
}

func (o *OrderRoutingState) TryGetAdapter(transactionID int64) (entity.AdapterID, bool) {
	route, ok := o.Get(transactionID)
	return route.AdapterID, ok
}

func (o *OrderRoutingState) Get(transactionID int64) (OrderRoute, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()

	route, ok := o.routes[transactionID]
	return route, ok
}

func (o *OrderRoutingState) Complete(transactionID int64) bool {
	o.mu.Lock()
	defer o.mu.Unlock()

	if _, ok := o.routes[transactionID]; !ok {
		return false
	}
	delete(o.routes, transactionID)
	return true
}

func (o *OrderRoutingState) RoutesForAdapter(adapterID entity.AdapterID) []OrderRoute {
	o.mu.RLock()
	defer o.mu.RUnlock()

	var routes []OrderRoute
	for _, route := range o.routes {
		if route.AdapterID == adapterID {
			routes = append(routes, route)
		}
	}
	sort.Slice(routes, func(i, j int) bool { return routes[i].TransactionID < routes[j].TransactionID })
	return routes
}

func (o *OrderRoutingState) Len() int {
	o.mu.RLock()
	defer o.mu.RUnlock()

	return len(o.routes)
}

func (o *OrderRoutingState) Snapshot() []OrderRoute {
	o.mu.RLock()
	defer o.mu.RUnlock()

	snapshot := make([]OrderRoute, 0, len(o.routes))
	for _, route := range o.routes {
		snapshot = append(snapshot, route)
	}
	sort.Slice(snapshot, func(i, j int) bool { return snapshot[i].TransactionID < snapshot[j].TransactionID })
	return snapshot
}

func (o *OrderRoutingState) Clear() {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.routes = make(map[int64]OrderRoute)
}
