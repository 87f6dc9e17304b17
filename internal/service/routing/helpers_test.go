package routing

import (
	"testing"

	"github.com/google/uuid"
	"github.com/krobus00/basket-gateway/internal/entity"
	"github.com/krobus00/basket-gateway/internal/util"
	"github.com/stretchr/testify/require"
)

var (
	adapterA = uuid.MustParse("6f1c5f0e-5a0e-4a59-9a53-6a0f8f4c0a01")
	adapterB = uuid.MustParse("6f1c5f0e-5a0e-4a59-9a53-6a0f8f4c0a02")
	adapterC = uuid.MustParse("6f1c5f0e-5a0e-4a59-9a53-6a0f8f4c0a03")
)

type mapResolver map[string]entity.AdapterID

func (r mapResolver) Resolve(key string) (entity.AdapterID, bool) {
	id, ok := r[key]
	return id, ok
}

// newTestManager returns a manager whose child ids start at 1001.
func newTestManager(opts Options, adapters ...entity.AdapterID) *Manager {
	opts.Generator = util.NewTransactionIDGenerator(1000)
	if opts.TombstoneCapacity == 0 {
		opts.TombstoneCapacity = 64
	}
	return NewManager(opts, adapters...)
}

func connectAll(t *testing.T, m *Manager) {
	t.Helper()

	routed, err := m.ProcessInMessage(&entity.ConnectMessage{})
	require.NoError(t, err)
	var client []entity.Message
	for _, out := range routed.ToAdapters {
		client = append(client, send(t, m, out.AdapterID, &entity.ConnectResponse{})...)
	}
	require.Len(t, client, 1)
	require.NoError(t, client[0].(*entity.ConnectResponse).Error)
}

func send(t *testing.T, m *Manager, adapterID entity.AdapterID, msg entity.Message) []entity.Message {
	t.Helper()

	routed, err := m.ProcessOutMessage(adapterID, msg)
	require.NoError(t, err)
	return routed.ToClient
}

// subscribe routes req and commits its fan-out. It returns the child id sent
// to each adapter.
func subscribe(t *testing.T, m *Manager, req *entity.SubscriptionRequest) (map[entity.AdapterID]int64, []entity.Message) {
	t.Helper()

	routed, err := m.ProcessInMessage(req)
	require.NoError(t, err)

	children := make(map[entity.AdapterID]int64, len(routed.ToAdapters))
	for _, out := range routed.ToAdapters {
		child, ok := out.Message.(*entity.SubscriptionRequest)
		require.True(t, ok)
		require.NotEqual(t, req.TransactionID, child.TransactionID)
		children[out.AdapterID] = child.TransactionID
	}

	client := routed.ToClient
	for _, parentID := range routed.FanOuts {
		client = append(client, m.CompleteFanOut(parentID).ToClient...)
	}
	return children, client
}

func ticks(id int64, security string) *entity.SubscriptionRequest {
	return &entity.SubscriptionRequest{
		TransactionID: id,
		IsSubscribe:   true,
		SecurityID:    security,
		DataType:      entity.DataTypeTicks,
	}
}

func responses(msgs []entity.Message) []*entity.SubscriptionResponse {
	var out []*entity.SubscriptionResponse
	for _, msg := range msgs {
		if resp, ok := msg.(*entity.SubscriptionResponse); ok {
			out = append(out, resp)
		}
	}
	return out
}

func onlines(msgs []entity.Message) []*entity.SubscriptionOnline {
	var out []*entity.SubscriptionOnline
	for _, msg := range msgs {
		if online, ok := msg.(*entity.SubscriptionOnline); ok {
			out = append(out, online)
		}
	}
	return out
}

func finishes(msgs []entity.Message) []*entity.SubscriptionFinished {
	var out []*entity.SubscriptionFinished
	for _, msg := range msgs {
		if finished, ok := msg.(*entity.SubscriptionFinished); ok {
			out = append(out, finished)
		}
	}
	return out
}
