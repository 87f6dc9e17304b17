package basket

import (
	"context"
	"sync"
	"time"

	"github.com/krobus00/basket-gateway/internal/entity"
	"github.com/krobus00/basket-gateway/internal/service/routing"
	"github.com/sirupsen/logrus"
	"github.com/sourcegraph/conc"
)

// BasketMessageAdapter presents a set of inner adapters as one adapter. Client
// requests go through SendInMessage. Aggregated output reaches the handlers
// registered with SetOutMessageHandler / AddOutMessageHandler.
type BasketMessageAdapter struct {
	manager  *routing.Manager
	adapters map[entity.AdapterID]entity.InnerAdapter
	order    []entity.AdapterID

	handlersMu sync.RWMutex
	handlers   []func(msg entity.Message)

	// emitMu keeps client output serialized. Handlers must not call back
	// into SendInMessage synchronously.
	emitMu sync.Mutex
}

func NewBasketMessageAdapter(manager *routing.Manager, adapters ...entity.InnerAdapter) *BasketMessageAdapter {
	b := &BasketMessageAdapter{
		manager:  manager,
		adapters: make(map[entity.AdapterID]entity.InnerAdapter, len(adapters)),
	}

	for _, adapter := range adapters {
		id := adapter.ID()
		b.adapters[id] = adapter
		b.order = append(b.order, id)
		adapter.SetOutMessageHandler(func(msg entity.Message) {
			b.onAdapterMessage(id, msg)
		})
	}
	manager.Connections().RegisterAdapters(b.order...)

	return b
}

func (b *BasketMessageAdapter) SetOutMessageHandler(handler func(msg entity.Message)) {
	b.handlersMu.Lock()
	defer b.handlersMu.Unlock()

	b.handlers = []func(entity.Message){handler}
}

func (b *BasketMessageAdapter) AddOutMessageHandler(handler func(msg entity.Message)) {
	b.handlersMu.Lock()
	defer b.handlersMu.Unlock()

	b.handlers = append(b.handlers, handler)
}

// SendInMessage routes one client request. The returned error is always a
// routing contract violation; adapter failures arrive as output messages.
func (b *BasketMessageAdapter) SendInMessage(ctx context.Context, msg entity.Message) error {
	routed, err := b.manager.ProcessInMessage(msg)
	if err != nil {
		return err
	}
	b.deliver(ctx, routed)
	return nil
}

func (b *BasketMessageAdapter) Adapter(id entity.AdapterID) (entity.InnerAdapter, bool) {
	adapter, ok := b.adapters[id]
	return adapter, ok
}

func (b *BasketMessageAdapter) Adapters() []entity.InnerAdapter {
	adapters := make([]entity.InnerAdapter, 0, len(b.order))
	for _, id := range b.order {
		adapters = append(adapters, b.adapters[id])
	}
	return adapters
}

func (b *BasketMessageAdapter) Snapshot() routing.Snapshot {
	return b.manager.Snapshot()
}

func (b *BasketMessageAdapter) ConnectedCount() int {
	return b.manager.Connections().ConnectedCount()
}

func (b *BasketMessageAdapter) onAdapterMessage(adapterID entity.AdapterID, msg entity.Message) {
	routed, err := b.manager.ProcessOutMessage(adapterID, msg)
	if err != nil {
		logrus.WithError(err).WithFields(logrus.Fields{
			"adapter_id": adapterID,
			"type":       msg.Type(),
		}).Error("failed to route adapter message")
		return
	}
	b.deliver(context.Background(), routed)
}

func (b *BasketMessageAdapter) deliver(ctx context.Context, routed *routing.Routed) {
	if routed.Empty() {
		return
	}

	b.emit(routed.ToClient)
	b.dispatch(ctx, routed.ToAdapters)
	for _, parentID := range routed.FanOuts {
		b.deliver(ctx, b.manager.CompleteFanOut(parentID))
	}
}

// dispatch sends subscription and order legs as one sequential burst. Session
// messages go to every adapter in parallel.
func (b *BasketMessageAdapter) dispatch(ctx context.Context, msgs []routing.AdapterMessage) {
	var wg conc.WaitGroup
	for _, out := range msgs {
		switch out.Message.(type) {
		case *entity.ConnectMessage, *entity.DisconnectMessage, *entity.ResetMessage:
			wg.Go(func() {
				b.send(ctx, out)
			})
		default:
			b.send(ctx, out)
		}
	}
	wg.Wait()
}

func (b *BasketMessageAdapter) send(ctx context.Context, out routing.AdapterMessage) {
	adapter, ok := b.adapters[out.AdapterID]
	err := routing.ErrUnknownAdapter
	if ok {
		err = adapter.SendInMessage(ctx, out.Message)
	}
	if err == nil {
		return
	}

	logrus.WithError(err).WithFields(logrus.Fields{
		"adapter_id": out.AdapterID,
		"type":       out.Message.Type(),
	}).Warn("failed to send message to adapter")

	if failure := sendFailure(out.Message, err); failure != nil {
		b.onAdapterMessage(out.AdapterID, failure)
	}
}

// sendFailure is the answer an adapter would have given had it rejected msg.
func sendFailure(msg entity.Message, err error) entity.Message {
	switch req := msg.(type) {
	case *entity.ConnectMessage:
		return &entity.ConnectResponse{Error: err}
	case *entity.DisconnectMessage:
		return &entity.DisconnectResponse{Error: err}
	case *entity.SubscriptionRequest:
		return &entity.SubscriptionResponse{OriginalTransactionID: req.TransactionID, Error: err}
	case *entity.OrderRegister:
		return &entity.ExecutionReport{
			DataHeader: entity.DataHeader{OriginalTransactionID: req.TransactionID},
			SecurityID: req.SecurityID,
			State:      entity.OrderStateFailed,
			Error:      err,
			ServerTime: time.Now(),
		}
	case *entity.OrderCancel:
		return &entity.ExecutionReport{
			DataHeader: entity.DataHeader{OriginalTransactionID: req.TransactionID},
			SecurityID: req.SecurityID,
			State:      entity.OrderStateFailed,
			Error:      err,
			ServerTime: time.Now(),
		}
	default:
		return nil
	}
}

func (b *BasketMessageAdapter) emit(msgs []entity.Message) {
	if len(msgs) == 0 {
		return
	}

	b.handlersMu.RLock()
	handlers := b.handlers
	b.handlersMu.RUnlock()

	b.emitMu.Lock()
	defer b.emitMu.Unlock()

	for _, msg := range msgs {
		for _, handler := range handlers {
			handler(msg)
		}
	}
}
