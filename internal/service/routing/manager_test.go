package routing

import (
	"errors"
	"testing"

	"github.com/krobus00/basket-gateway/internal/entity"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/multierr"
)

func TestManager_SecuritySubscriptionTargetsAssociatedAdapter(t *testing.T) {
	m := newTestManager(Options{Securities: mapResolver{"S": adapterA}}, adapterA, adapterB)
	connectAll(t, m)

	children, client := subscribe(t, m, ticks(1, "S"))
	require.Empty(t, client)
	require.Len(t, children, 1)
	child, ok := children[adapterA]
	require.True(t, ok)

	client = send(t, m, adapterA, &entity.SubscriptionResponse{OriginalTransactionID: child})
	require.Len(t, client, 1)
	require.Equal(t, int64(1), client[0].(*entity.SubscriptionResponse).OriginalTransactionID)
	require.NoError(t, client[0].(*entity.SubscriptionResponse).Error)

	client = send(t, m, adapterA, &entity.SubscriptionOnline{OriginalTransactionID: child})
	require.Equal(t, []*entity.SubscriptionOnline{{OriginalTransactionID: 1}}, onlines(client))

	client = send(t, m, adapterA, &entity.TickMessage{
		DataHeader: entity.DataHeader{SubscriptionIDs: []int64{child}},
		SecurityID: "S",
		Price:      decimal.NewFromInt(10),
	})
	require.Len(t, client, 1)
	require.Equal(t, []int64{1}, client[0].(*entity.TickMessage).SubscriptionIDs)
}

func TestManager_BroadcastPartialFailure(t *testing.T) {
	m := newTestManager(Options{}, adapterA, adapterB)
	connectAll(t, m)

	children, _ := subscribe(t, m, ticks(1, ""))
	require.Len(t, children, 2)
	require.NotEqual(t, children[adapterA], children[adapterB])

	client := send(t, m, adapterA, &entity.SubscriptionResponse{OriginalTransactionID: children[adapterA], Error: errors.New("not supported")})
	require.Empty(t, client)

	client = send(t, m, adapterB, &entity.SubscriptionResponse{OriginalTransactionID: children[adapterB]})
	resp := responses(client)
	require.Len(t, resp, 1)
	require.Equal(t, int64(1), resp[0].OriginalTransactionID)
	require.NoError(t, resp[0].Error)

	client = send(t, m, adapterB, &entity.SubscriptionOnline{OriginalTransactionID: children[adapterB]})
	require.Len(t, onlines(client), 1)

	client = send(t, m, adapterB, &entity.SubscriptionFinished{OriginalTransactionID: children[adapterB]})
	require.Equal(t, []*entity.SubscriptionFinished{{OriginalTransactionID: 1}}, finishes(client))
	require.Empty(t, m.Snapshot().Subscriptions)
}

func TestManager_BroadcastAllFailed(t *testing.T) {
	m := newTestManager(Options{}, adapterA, adapterB)
	connectAll(t, m)

	children, _ := subscribe(t, m, ticks(1, ""))
	send(t, m, adapterA, &entity.SubscriptionResponse{OriginalTransactionID: children[adapterA], Error: errors.New("a")})
	client := send(t, m, adapterB, &entity.SubscriptionResponse{OriginalTransactionID: children[adapterB], Error: errors.New("b")})

	resp := responses(client)
	require.Len(t, resp, 1)
	require.Equal(t, int64(1), resp[0].OriginalTransactionID)
	require.Len(t, multierr.Errors(resp[0].Error), 2)
	require.Empty(t, m.Snapshot().Subscriptions)
}

func TestManager_LookupFinishedGatedOnSurvivor(t *testing.T) {
	m := newTestManager(Options{}, adapterA, adapterB, adapterC)
	connectAll(t, m)

	children, _ := subscribe(t, m, &entity.SubscriptionRequest{
		TransactionID: 1,
		IsSubscribe:   true,
		DataType:      entity.DataTypeSecurities,
	})
	require.Len(t, children, 3)

	var client []entity.Message
	client = append(client, send(t, m, adapterA, &entity.SubscriptionResponse{OriginalTransactionID: children[adapterA], Error: errors.New("a")})...)
	client = append(client, send(t, m, adapterC, &entity.SubscriptionResponse{OriginalTransactionID: children[adapterC]})...)
	client = append(client, send(t, m, adapterB, &entity.SubscriptionResponse{OriginalTransactionID: children[adapterB], Error: errors.New("b")})...)
	client = append(client, send(t, m, adapterC, &entity.SecurityMessage{
		DataHeader: entity.DataHeader{OriginalTransactionID: children[adapterC]},
		SecurityID: "BTCUSDT",
	})...)
	client = append(client, send(t, m, adapterC, &entity.SubscriptionFinished{OriginalTransactionID: children[adapterC]})...)

	resp := responses(client)
	require.Len(t, resp, 1)
	require.NoError(t, resp[0].Error)
	require.Len(t, finishes(client), 1)

	var security *entity.SecurityMessage
	for _, msg := range client {
		if s, ok := msg.(*entity.SecurityMessage); ok {
			security = s
		}
	}
	require.NotNil(t, security)
	require.Equal(t, int64(1), security.OriginalTransactionID)
}

func TestManager_ResubscribeCyclesAreIndependent(t *testing.T) {
	m := newTestManager(Options{Securities: mapResolver{"S": adapterA}}, adapterA)
	connectAll(t, m)

	first, _ := subscribe(t, m, ticks(1, "S"))
	send(t, m, adapterA, &entity.SubscriptionResponse{OriginalTransactionID: first[adapterA]})

	routed, err := m.ProcessInMessage(&entity.SubscriptionRequest{TransactionID: 2, OriginalTransactionID: 1})
	require.NoError(t, err)
	require.Len(t, routed.ToAdapters, 1)
	unsub := routed.ToAdapters[0].Message.(*entity.SubscriptionRequest)
	require.False(t, unsub.IsSubscribe)
	require.Equal(t, first[adapterA], unsub.OriginalTransactionID)
	require.Equal(t, "S", unsub.SecurityID)
	require.Empty(t, m.CompleteFanOut(2).ToClient)

	client := send(t, m, adapterA, &entity.SubscriptionResponse{OriginalTransactionID: unsub.TransactionID})
	require.Equal(t, []*entity.SubscriptionResponse{{OriginalTransactionID: 2}}, responses(client))

	second, _ := subscribe(t, m, ticks(3, "S"))
	require.NotEqual(t, first[adapterA], second[adapterA])
	client = send(t, m, adapterA, &entity.SubscriptionResponse{OriginalTransactionID: second[adapterA]})
	require.Equal(t, []*entity.SubscriptionResponse{{OriginalTransactionID: 3}}, responses(client))

	client = send(t, m, adapterA, &entity.TickMessage{DataHeader: entity.DataHeader{SubscriptionIDs: []int64{first[adapterA]}}})
	require.Empty(t, client)
	client = send(t, m, adapterA, &entity.SubscriptionOnline{OriginalTransactionID: first[adapterA]})
	require.Empty(t, client)

	client = send(t, m, adapterA, &entity.TickMessage{DataHeader: entity.DataHeader{SubscriptionIDs: []int64{second[adapterA]}}})
	require.Equal(t, []int64{3}, client[0].(*entity.TickMessage).SubscriptionIDs)
}

func TestManager_UnsubscribeBroadcastAggregates(t *testing.T) {
	m := newTestManager(Options{}, adapterA, adapterB)
	connectAll(t, m)

	children, _ := subscribe(t, m, ticks(1, ""))
	send(t, m, adapterA, &entity.SubscriptionResponse{OriginalTransactionID: children[adapterA]})
	send(t, m, adapterB, &entity.SubscriptionResponse{OriginalTransactionID: children[adapterB]})

	routed, err := m.ProcessInMessage(&entity.SubscriptionRequest{TransactionID: 2, OriginalTransactionID: 1})
	require.NoError(t, err)
	require.Len(t, routed.ToAdapters, 2)
	m.CompleteFanOut(2)

	var client []entity.Message
	for _, out := range routed.ToAdapters {
		req := out.Message.(*entity.SubscriptionRequest)
		assert.NotEqual(t, int64(1), req.TransactionID)
		assert.NotEqual(t, int64(2), req.TransactionID)
		client = append(client, send(t, m, out.AdapterID, &entity.SubscriptionResponse{OriginalTransactionID: req.TransactionID})...)
	}
	require.Equal(t, []entity.Message{&entity.SubscriptionResponse{OriginalTransactionID: 2}}, client)
	require.Empty(t, m.Snapshot().Subscriptions)
}

func TestManager_OnlineBeforeResponseIsDeferred(t *testing.T) {
	m := newTestManager(Options{}, adapterA, adapterB)
	connectAll(t, m)

	children, _ := subscribe(t, m, ticks(1, ""))
	client := send(t, m, adapterA, &entity.SubscriptionOnline{OriginalTransactionID: children[adapterA]})
	require.Empty(t, client)

	client = send(t, m, adapterB, &entity.SubscriptionResponse{OriginalTransactionID: children[adapterB]})
	require.Len(t, client, 2)
	require.IsType(t, &entity.SubscriptionResponse{}, client[0])
	require.IsType(t, &entity.SubscriptionOnline{}, client[1])

	client = send(t, m, adapterB, &entity.SubscriptionOnline{OriginalTransactionID: children[adapterB]})
	require.Empty(t, client)
}

func TestManager_MessagesRacingFanOutAreBuffered(t *testing.T) {
	m := newTestManager(Options{}, adapterA, adapterB)
	connectAll(t, m)

	routed, err := m.ProcessInMessage(ticks(1, ""))
	require.NoError(t, err)
	children := map[entity.AdapterID]int64{}
	for _, out := range routed.ToAdapters {
		children[out.AdapterID] = out.Message.(*entity.SubscriptionRequest).TransactionID
	}

	require.Empty(t, send(t, m, adapterA, &entity.SubscriptionResponse{OriginalTransactionID: children[adapterA]}))
	require.Empty(t, send(t, m, adapterA, &entity.SubscriptionOnline{OriginalTransactionID: children[adapterA]}))
	require.Empty(t, send(t, m, adapterA, &entity.TickMessage{DataHeader: entity.DataHeader{SubscriptionIDs: []int64{children[adapterA]}}}))
	require.Empty(t, send(t, m, adapterB, &entity.SubscriptionResponse{OriginalTransactionID: children[adapterB]}))
	require.Equal(t, 4, m.Snapshot().PendingMessages)

	client := m.CompleteFanOut(1).ToClient
	require.Len(t, responses(client), 1)
	require.Len(t, onlines(client), 1)
	var tick *entity.TickMessage
	for _, msg := range client {
		if tm, ok := msg.(*entity.TickMessage); ok {
			tick = tm
		}
	}
	require.NotNil(t, tick)
	require.Equal(t, []int64{1}, tick.SubscriptionIDs)
	require.Zero(t, m.Snapshot().PendingMessages)
}

func TestManager_NoEligibleAdapters(t *testing.T) {
	m := newTestManager(Options{}, adapterA)

	routed, err := m.ProcessInMessage(ticks(1, ""))
	require.NoError(t, err)
	require.Empty(t, routed.ToAdapters)
	resp := responses(routed.ToClient)
	require.Len(t, resp, 1)
	require.ErrorIs(t, resp[0].Error, ErrNoEligibleAdapters)
}

func TestManager_AssociatedAdapterUnavailable(t *testing.T) {
	m := newTestManager(Options{Securities: mapResolver{"S": adapterB}}, adapterA, adapterB)

	routed, err := m.ProcessInMessage(&entity.ConnectMessage{})
	require.NoError(t, err)
	require.Len(t, routed.ToAdapters, 2)
	send(t, m, adapterA, &entity.ConnectResponse{})
	client := send(t, m, adapterB, &entity.ConnectResponse{Error: errors.New("refused")})
	require.NoError(t, client[0].(*entity.ConnectResponse).Error)

	routed, err = m.ProcessInMessage(ticks(1, "S"))
	require.NoError(t, err)
	require.Empty(t, routed.ToAdapters)
	require.ErrorIs(t, responses(routed.ToClient)[0].Error, ErrAdapterUnavailable)
}

func TestManager_ContractViolations(t *testing.T) {
	m := newTestManager(Options{}, adapterA)
	connectAll(t, m)

	_, err := m.ProcessInMessage(&entity.SubscriptionRequest{TransactionID: 9, OriginalTransactionID: 1})
	require.ErrorIs(t, err, ErrUnknownSubscription)

	subscribe(t, m, ticks(1, ""))
	_, err = m.ProcessInMessage(ticks(1, ""))
	require.ErrorIs(t, err, ErrDuplicateTransaction)

	_, err = m.ProcessInMessage(ticks(1001, ""))
	require.ErrorIs(t, err, ErrDuplicateTransaction)

	_, err = m.ProcessInMessage(ticks(0, ""))
	require.ErrorIs(t, err, ErrMissingTransactionID)

	_, err = m.ProcessInMessage(&entity.TickMessage{})
	require.ErrorIs(t, err, ErrUnsupportedMessage)

	_, err = m.ProcessInMessage(nil)
	require.ErrorIs(t, err, ErrContractViolation)
}

func TestManager_UnrelatedMessagesPassThrough(t *testing.T) {
	m := newTestManager(Options{}, adapterA)
	connectAll(t, m)

	online := &entity.SubscriptionOnline{OriginalTransactionID: 777}
	require.Equal(t, []entity.Message{online}, send(t, m, adapterA, online))

	tick := &entity.TickMessage{DataHeader: entity.DataHeader{SubscriptionIDs: []int64{777}}}
	client := send(t, m, adapterA, tick)
	require.Equal(t, []int64{777}, client[0].(*entity.TickMessage).SubscriptionIDs)
}

func TestManager_ConnectAggregation(t *testing.T) {
	m := newTestManager(Options{}, adapterA, adapterB)

	routed, err := m.ProcessInMessage(&entity.ConnectMessage{})
	require.NoError(t, err)
	require.Len(t, routed.ToAdapters, 2)

	_, err = m.ProcessInMessage(&entity.ConnectMessage{})
	require.ErrorIs(t, err, ErrSessionChangeInFlight)

	require.Empty(t, send(t, m, adapterA, &entity.ConnectResponse{Error: errors.New("a down")}))
	require.Empty(t, send(t, m, adapterA, &entity.ConnectResponse{}))
	client := send(t, m, adapterB, &entity.ConnectResponse{Error: errors.New("b down")})

	require.Len(t, client, 1)
	connectErr := client[0].(*entity.ConnectResponse).Error
	require.Len(t, multierr.Errors(connectErr), 2)
	require.Zero(t, m.Connections().ConnectedCount())
}

func TestManager_DeferredUntilAdaptersResolve(t *testing.T) {
	m := newTestManager(Options{}, adapterA, adapterB)

	_, err := m.ProcessInMessage(&entity.ConnectMessage{})
	require.NoError(t, err)

	routed, err := m.ProcessInMessage(ticks(1, ""))
	require.NoError(t, err)
	require.True(t, routed.Empty())
	require.Equal(t, 1, m.Snapshot().DeferredRequests)

	routed, err = m.ProcessOutMessage(adapterA, &entity.ConnectResponse{})
	require.NoError(t, err)
	require.True(t, routed.Empty())

	routed, err = m.ProcessOutMessage(adapterB, &entity.ConnectResponse{})
	require.NoError(t, err)
	require.Len(t, routed.ToClient, 1)
	require.IsType(t, &entity.ConnectResponse{}, routed.ToClient[0])
	require.Len(t, routed.ToAdapters, 2)
	require.Equal(t, []int64{1}, routed.FanOuts)
	require.Zero(t, m.Snapshot().DeferredRequests)
}

func TestManager_ConnectionLostFailsLiveChildren(t *testing.T) {
	m := newTestManager(Options{Securities: mapResolver{"S": adapterA}}, adapterA, adapterB)
	connectAll(t, m)

	children, _ := subscribe(t, m, ticks(1, ""))
	send(t, m, adapterB, &entity.SubscriptionResponse{OriginalTransactionID: children[adapterB]})

	routed, err := m.ProcessInMessage(&entity.OrderRegister{TransactionID: 5, SecurityID: "S"})
	require.NoError(t, err)
	require.Equal(t, adapterA, routed.ToAdapters[0].AdapterID)

	client := send(t, m, adapterA, &entity.ConnectionLostMessage{Error: errors.New("socket closed")})
	resp := responses(client)
	require.Len(t, resp, 1)
	require.NoError(t, resp[0].Error)

	var report *entity.ExecutionReport
	for _, msg := range client {
		if r, ok := msg.(*entity.ExecutionReport); ok {
			report = r
		}
	}
	require.NotNil(t, report)
	require.Equal(t, int64(5), report.OriginalTransactionID)
	require.Equal(t, entity.OrderStateFailed, report.State)
	require.ErrorIs(t, report.Error, ErrConnectionLost)

	client = send(t, m, adapterB, &entity.SubscriptionFinished{OriginalTransactionID: children[adapterB]})
	require.Len(t, finishes(client), 1)

	state, _ := m.Connections().TryGetAdapterState(adapterA)
	require.Equal(t, entity.ConnectionStateFailed, state)
	require.Empty(t, send(t, m, adapterA, &entity.ConnectionRestoredMessage{}))
	require.True(t, m.Connections().IsEligible(adapterA))
}

func TestManager_OrderRouting(t *testing.T) {
	m := newTestManager(Options{
		Securities: mapResolver{"S": adapterA},
		Portfolios: mapResolver{"P": adapterB},
	}, adapterA, adapterB)
	connectAll(t, m)

	routed, err := m.ProcessInMessage(&entity.OrderRegister{TransactionID: 5, SecurityID: "S"})
	require.NoError(t, err)
	require.Equal(t, adapterA, routed.ToAdapters[0].AdapterID)

	routed, err = m.ProcessInMessage(&entity.OrderRegister{TransactionID: 6, SecurityID: "X", PortfolioName: "P"})
	require.NoError(t, err)
	require.Equal(t, adapterB, routed.ToAdapters[0].AdapterID)

	routed, err = m.ProcessInMessage(&entity.OrderRegister{TransactionID: 7, SecurityID: "X"})
	require.NoError(t, err)
	require.Empty(t, routed.ToAdapters)
	require.ErrorIs(t, routed.ToClient[0].(*entity.ExecutionReport).Error, ErrNoOrderRoute)

	routed, err = m.ProcessInMessage(&entity.OrderCancel{TransactionID: 8, OriginalTransactionID: 6})
	require.NoError(t, err)
	require.Equal(t, adapterB, routed.ToAdapters[0].AdapterID)

	active := &entity.ExecutionReport{DataHeader: entity.DataHeader{OriginalTransactionID: 5}, State: entity.OrderStateActive}
	require.Equal(t, []entity.Message{active}, send(t, m, adapterA, active))
	require.Len(t, m.Snapshot().Orders, 3)

	send(t, m, adapterA, &entity.ExecutionReport{DataHeader: entity.DataHeader{OriginalTransactionID: 5}, State: entity.OrderStateDone})
	send(t, m, adapterB, &entity.ExecutionReport{DataHeader: entity.DataHeader{OriginalTransactionID: 8}, State: entity.OrderStateActive})
	require.Len(t, m.Snapshot().Orders, 1)
}

func TestManager_SharedSubscriptions(t *testing.T) {
	m := newTestManager(Options{
		Securities:         mapResolver{"S": adapterA},
		ShareSubscriptions: true,
	}, adapterA)
	connectAll(t, m)

	owner, _ := subscribe(t, m, ticks(1, "S"))
	send(t, m, adapterA, &entity.SubscriptionResponse{OriginalTransactionID: owner[adapterA]})
	send(t, m, adapterA, &entity.SubscriptionOnline{OriginalTransactionID: owner[adapterA]})

	routed, err := m.ProcessInMessage(ticks(2, "S"))
	require.NoError(t, err)
	require.Empty(t, routed.ToAdapters)
	require.Equal(t, []entity.Message{
		&entity.SubscriptionResponse{OriginalTransactionID: 2},
		&entity.SubscriptionOnline{OriginalTransactionID: 2},
	}, routed.ToClient)

	tick := func() []int64 {
		client := send(t, m, adapterA, &entity.TickMessage{DataHeader: entity.DataHeader{SubscriptionIDs: []int64{owner[adapterA]}}})
		require.Len(t, client, 1)
		return client[0].(*entity.TickMessage).SubscriptionIDs
	}
	require.Equal(t, []int64{1, 2}, tick())

	routed, err = m.ProcessInMessage(&entity.SubscriptionRequest{TransactionID: 3, OriginalTransactionID: 1})
	require.NoError(t, err)
	require.Empty(t, routed.ToAdapters)
	require.Equal(t, []entity.Message{&entity.SubscriptionResponse{OriginalTransactionID: 3}}, routed.ToClient)
	require.Equal(t, []int64{2}, tick())

	_, err = m.ProcessInMessage(&entity.SubscriptionRequest{TransactionID: 4, OriginalTransactionID: 1})
	require.ErrorIs(t, err, ErrAlreadyUnsubscribing)

	routed, err = m.ProcessInMessage(&entity.SubscriptionRequest{TransactionID: 5, OriginalTransactionID: 2})
	require.NoError(t, err)
	require.Len(t, routed.ToAdapters, 1)
	unsub := routed.ToAdapters[0].Message.(*entity.SubscriptionRequest)
	require.Equal(t, owner[adapterA], unsub.OriginalTransactionID)
	m.CompleteFanOut(5)

	client := send(t, m, adapterA, &entity.SubscriptionResponse{OriginalTransactionID: unsub.TransactionID})
	require.Equal(t, []*entity.SubscriptionResponse{{OriginalTransactionID: 5}}, responses(client))
	snapshot := m.Snapshot()
	require.Empty(t, snapshot.Subscriptions)
	require.Empty(t, snapshot.Shares)
}

func TestManager_SharedFinishedReachesEveryMember(t *testing.T) {
	m := newTestManager(Options{ShareSubscriptions: true}, adapterA)
	connectAll(t, m)

	owner, _ := subscribe(t, m, ticks(1, "S"))
	send(t, m, adapterA, &entity.SubscriptionOnline{OriginalTransactionID: owner[adapterA]})
	_, err := m.ProcessInMessage(ticks(2, "S"))
	require.NoError(t, err)

	client := send(t, m, adapterA, &entity.SubscriptionFinished{OriginalTransactionID: owner[adapterA]})
	require.Equal(t, []*entity.SubscriptionFinished{{OriginalTransactionID: 1}, {OriginalTransactionID: 2}}, finishes(client))
}

func TestManager_DisconnectAndReset(t *testing.T) {
	m := newTestManager(Options{}, adapterA, adapterB)
	connectAll(t, m)
	subscribe(t, m, ticks(1, ""))

	routed, err := m.ProcessInMessage(&entity.DisconnectMessage{})
	require.NoError(t, err)
	require.Len(t, routed.ToAdapters, 2)
	require.Empty(t, send(t, m, adapterA, &entity.DisconnectResponse{}))
	client := send(t, m, adapterB, &entity.DisconnectResponse{})
	require.Len(t, client, 1)
	require.NoError(t, client[0].(*entity.DisconnectResponse).Error)
	require.Empty(t, m.Snapshot().Subscriptions)

	connectAll(t, m)
	subscribe(t, m, ticks(2, ""))

	routed, err = m.ProcessInMessage(&entity.ResetMessage{})
	require.NoError(t, err)
	require.Len(t, routed.ToAdapters, 2)
	require.Empty(t, routed.ToClient)

	snapshot := m.Snapshot()
	require.Empty(t, snapshot.Subscriptions)
	for _, adapter := range snapshot.Adapters {
		require.Equal(t, entity.ConnectionStateDisconnected, adapter.State)
	}
}

func TestManager_UnrequestedDisconnectFailsLiveChildren(t *testing.T) {
	m := newTestManager(Options{Securities: mapResolver{"S": adapterB}}, adapterA, adapterB)
	connectAll(t, m)

	children, _ := subscribe(t, m, ticks(1, ""))
	require.Empty(t, send(t, m, adapterA, &entity.SubscriptionResponse{OriginalTransactionID: children[adapterA]}))

	routed, err := m.ProcessInMessage(&entity.OrderRegister{TransactionID: 5, SecurityID: "S"})
	require.NoError(t, err)
	require.Equal(t, adapterB, routed.ToAdapters[0].AdapterID)

	client := send(t, m, adapterB, &entity.DisconnectResponse{})
	require.Equal(t, []*entity.SubscriptionResponse{{OriginalTransactionID: 1}}, responses(client))

	var report *entity.ExecutionReport
	for _, msg := range client {
		if r, ok := msg.(*entity.ExecutionReport); ok {
			report = r
		}
	}
	require.NotNil(t, report)
	require.Equal(t, int64(5), report.OriginalTransactionID)
	require.ErrorIs(t, report.Error, ErrAdapterDisconnected)

	state, _ := m.Connections().TryGetAdapterState(adapterB)
	require.Equal(t, entity.ConnectionStateDisconnected, state)
	require.Equal(t, []entity.AdapterID{adapterA}, m.Connections().EligibleAdapters())

	require.Empty(t, send(t, m, adapterB, &entity.DisconnectResponse{}))

	client = send(t, m, adapterA, &entity.SubscriptionFinished{OriginalTransactionID: children[adapterA]})
	require.Len(t, finishes(client), 1)
}

func TestManager_UnrequestedDisconnectFailsSoleChild(t *testing.T) {
	m := newTestManager(Options{Securities: mapResolver{"S": adapterA}}, adapterA, adapterB)
	connectAll(t, m)

	subscribe(t, m, ticks(1, "S"))
	client := send(t, m, adapterA, &entity.DisconnectResponse{Error: errors.New("venue maintenance")})

	resp := responses(client)
	require.Len(t, resp, 1)
	require.Equal(t, int64(1), resp[0].OriginalTransactionID)
	require.ErrorIs(t, resp[0].Error, ErrAdapterDisconnected)
	require.Len(t, multierr.Errors(resp[0].Error), 1)
	require.Empty(t, m.Snapshot().Subscriptions)
}

func TestManager_PendingLimitKeepsChildAnswers(t *testing.T) {
	m := newTestManager(Options{PendingLimit: 1}, adapterA, adapterB)
	connectAll(t, m)

	routed, err := m.ProcessInMessage(ticks(1, ""))
	require.NoError(t, err)
	require.Len(t, routed.ToAdapters, 2)
	children := make(map[entity.AdapterID]int64)
	for _, out := range routed.ToAdapters {
		children[out.AdapterID] = out.Message.(*entity.SubscriptionRequest).TransactionID
	}

	require.Empty(t, send(t, m, adapterA, &entity.SubscriptionResponse{OriginalTransactionID: children[adapterA]}))
	require.Empty(t, send(t, m, adapterB, &entity.SubscriptionResponse{OriginalTransactionID: children[adapterB]}))
	require.Empty(t, send(t, m, adapterB, &entity.SubscriptionOnline{OriginalTransactionID: children[adapterB]}))
	require.Equal(t, 3, m.Snapshot().PendingMessages)

	_, err = m.ProcessOutMessage(adapterA, &entity.TickMessage{DataHeader: entity.DataHeader{OriginalTransactionID: children[adapterA]}})
	require.ErrorIs(t, err, ErrPendingLimitExceeded)

	client := m.CompleteFanOut(1).ToClient
	require.Equal(t, []*entity.SubscriptionResponse{{OriginalTransactionID: 1}}, responses(client))
	require.Equal(t, []*entity.SubscriptionOnline{{OriginalTransactionID: 1}}, onlines(client))
	require.Zero(t, m.Snapshot().PendingMessages)
}

func TestManager_DeferredDuplicateTransactionRejected(t *testing.T) {
	m := newTestManager(Options{}, adapterA, adapterB)
	_, err := m.ProcessInMessage(&entity.ConnectMessage{})
	require.NoError(t, err)

	routed, err := m.ProcessInMessage(ticks(1, ""))
	require.NoError(t, err)
	require.True(t, routed.Empty())

	_, err = m.ProcessInMessage(ticks(1, ""))
	require.ErrorIs(t, err, ErrDuplicateTransaction)
	_, err = m.ProcessInMessage(&entity.OrderRegister{TransactionID: 1, SecurityID: "S"})
	require.ErrorIs(t, err, ErrDuplicateTransaction)
	require.Equal(t, 1, m.Snapshot().DeferredRequests)

	send(t, m, adapterA, &entity.ConnectResponse{})
	routed, err = m.ProcessOutMessage(adapterB, &entity.ConnectResponse{})
	require.NoError(t, err)
	require.Len(t, routed.ToAdapters, 2)
	require.Equal(t, []int64{1}, routed.FanOuts)
	require.Zero(t, m.Snapshot().DeferredRequests)
}

func TestManager_SharedDataTaggedByOriginalID(t *testing.T) {
	m := newTestManager(Options{
		Securities:         mapResolver{"S": adapterA},
		ShareSubscriptions: true,
	}, adapterA)
	connectAll(t, m)

	owner, _ := subscribe(t, m, ticks(1, "S"))
	send(t, m, adapterA, &entity.SubscriptionResponse{OriginalTransactionID: owner[adapterA]})
	send(t, m, adapterA, &entity.SubscriptionOnline{OriginalTransactionID: owner[adapterA]})
	_, err := m.ProcessInMessage(ticks(2, "S"))
	require.NoError(t, err)

	tick := func() *entity.TickMessage {
		client := send(t, m, adapterA, &entity.TickMessage{DataHeader: entity.DataHeader{OriginalTransactionID: owner[adapterA]}})
		require.Len(t, client, 1)
		return client[0].(*entity.TickMessage)
	}

	got := tick()
	require.Equal(t, int64(1), got.OriginalTransactionID)
	require.Equal(t, []int64{1, 2}, got.SubscriptionIDs)

	_, err = m.ProcessInMessage(&entity.SubscriptionRequest{TransactionID: 3, OriginalTransactionID: 1})
	require.NoError(t, err)

	got = tick()
	require.Zero(t, got.OriginalTransactionID)
	require.Equal(t, []int64{2}, got.SubscriptionIDs)
}
