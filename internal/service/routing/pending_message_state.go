package routing

import (
	"sync"

	"github.com/krobus00/basket-gateway/internal/entity"
)

// PendingMessage is an adapter message held back while the fan-out of its
// parent is still being dispatched.
type PendingMessage struct {
	Seq       uint64
	AdapterID entity.AdapterID
	ParentID  int64
	Message   entity.Message
}

// PendingMessageState closes the race between child dispatch and the
// adapter's first answer. It also holds client requests that arrived while
// every adapter was still connecting.
type PendingMessageState struct {
	mu       sync.Mutex
	limit    int
	seq      uint64
	queues   map[entity.AdapterID][]PendingMessage
	count    int
	deferred []entity.Message
	// deferredIDs holds the transaction ids of deferred requests.
	deferredIDs map[int64]struct{}
}

// NewPendingMessageState bounds both the buffer and the deferred queue by
// limit. A limit of zero or less disables the bound.
func NewPendingMessageState(limit int) *PendingMessageState {
	return &PendingMessageState{
		limit:       limit,
		queues:      make(map[entity.AdapterID][]PendingMessage),
		deferredIDs: make(map[int64]struct{}),
	}
}

// Buffer queues msg until the fan-out of parentID is committed. The limit
// only applies to data messages: child responses, online and finished
// notifications are always kept since the parent cannot resolve without them.
func (p *PendingMessageState) Buffer(adapterID entity.AdapterID, parentID int64, msg entity.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.limit > 0 && p.count >= p.limit && !isLifecycleMessage(msg) {
		return ErrPendingLimitExceeded
	}
	p.seq++
	p.queues[adapterID] = append(p.queues[adapterID], PendingMessage{
		Seq:       p.seq,
		AdapterID: adapterID,
		ParentID:  parentID,
		Message:   msg,
	})
	p.count++
	return nil
}

func isLifecycleMessage(msg entity.Message) bool {
	switch msg.(type) {
	case *entity.SubscriptionResponse, *entity.SubscriptionOnline, *entity.SubscriptionFinished:
		return true
	default:
		return false
	}
}

// DrainFor removes and returns, in arrival order, every buffered message of
// adapterID accepted by resolvable. The rest stay queued in order.
func (p *PendingMessageState) DrainFor(adapterID entity.AdapterID, resolvable func(PendingMessage) bool) []PendingMessage {
	p.mu.Lock()
	defer p.mu.Unlock()

	queue := p.queues[adapterID]
	if len(queue) == 0 {
		return nil
	}

	var drained, kept []PendingMessage
	for _, item := range queue {
		if resolvable(item) {
			drained = append(drained, item)
			continue
		}
		kept = append(kept, item)
	}

	p.count -= len(drained)
	if len(kept) == 0 {
		delete(p.queues, adapterID)
	} else {
		p.queues[adapterID] = kept
	}
	return drained
}

func (p *PendingMessageState) Defer(msg entity.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.limit > 0 && len(p.deferred) >= p.limit {
		return ErrPendingLimitExceeded
	}
	p.deferred = append(p.deferred, msg)
	if req, ok := msg.(entity.TransactionMessage); ok {
		p.deferredIDs[req.GetTransactionID()] = struct{}{}
	}
	return nil
}

func (p *PendingMessageState) HasDeferred(transactionID int64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	_, ok := p.deferredIDs[transactionID]
	return ok
}

func (p *PendingMessageState) DrainDeferred() []entity.Message {
	p.mu.Lock()
	defer p.mu.Unlock()

	deferred := p.deferred
	p.deferred = nil
	p.deferredIDs = make(map[int64]struct{})
	return deferred
}

// Count is the number of buffered adapter messages across all adapters.
func (p *PendingMessageState) Count() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.count
}

func (p *PendingMessageState) DeferredCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	return len(p.deferred)
}

func (p *PendingMessageState) Clear() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.queues = make(map[entity.AdapterID][]PendingMessage)
	p.count = 0
	p.deferred = nil
	p.deferredIDs = make(map[int64]struct{})
}
