package entity

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func TestDecodeMessage_SubscriptionRequest(t *testing.T) {
	data := []byte(`{"type":"subscription","payload":{"transaction_id":7,"is_subscribe":true,"security_id":"BTCUSDT@BINANCE","data_type":"ticks"}}`)

	msg, err := DecodeMessage(data)
	require.NoError(t, err)

	req, ok := msg.(*SubscriptionRequest)
	require.True(t, ok)
	require.Equal(t, int64(7), req.TransactionID)
	require.True(t, req.IsSubscribe)
	require.Equal(t, "BTCUSDT@BINANCE", req.SecurityID)
	require.Equal(t, DataTypeTicks, req.DataType)
	require.False(t, req.IsBroadcast())
}

func TestDecodeMessage_UnknownType(t *testing.T) {
	_, err := DecodeMessage([]byte(`{"type":"nope"}`))
	require.ErrorIs(t, err, ErrUnknownMessageType)
}

func TestEncodeMessage_ErrorField(t *testing.T) {
	data, err := EncodeMessage(&SubscriptionResponse{OriginalTransactionID: 3, Error: ErrUnknownMessageType})
	require.NoError(t, err)
	require.Contains(t, string(data), `"error":"unknown message type"`)

	msg, err := DecodeMessage(data)
	require.NoError(t, err)
	resp := msg.(*SubscriptionResponse)
	require.Equal(t, int64(3), resp.OriginalTransactionID)
	require.EqualError(t, resp.Error, "unknown message type")
}

func TestEncodeMessage_NilErrorIsNull(t *testing.T) {
	data, err := EncodeMessage(&ConnectResponse{})
	require.NoError(t, err)
	require.Contains(t, string(data), `"error":null`)

	msg, err := DecodeMessage(data)
	require.NoError(t, err)
	require.NoError(t, msg.(*ConnectResponse).Error)
}

func TestEncodeMessage_DataHeader(t *testing.T) {
	data, err := EncodeMessage(&TickMessage{
		DataHeader: DataHeader{SubscriptionIDs: []int64{11, 12}},
		SecurityID: "ETHUSDT",
		Price:      decimal.RequireFromString("1850.25"),
		Volume:     decimal.RequireFromString("0.5"),
	})
	require.NoError(t, err)

	msg, err := DecodeMessage(data)
	require.NoError(t, err)
	tick := msg.(*TickMessage)
	require.Equal(t, []int64{11, 12}, tick.GetSubscriptionIDs())
	require.True(t, tick.Price.Equal(decimal.RequireFromString("1850.25")))
}

func TestSubscriptionRequest_CloneIsIndependent(t *testing.T) {
	req := &SubscriptionRequest{TransactionID: 1, SecurityID: "X", IsSubscribe: true}
	clone := req.Clone()
	clone.TransactionID = 2
	require.Equal(t, int64(1), req.TransactionID)
	require.Equal(t, "X", clone.SecurityID)
}

func TestEnvelope_ErrorBearingMessagesRoundTrip(t *testing.T) {
	cause := errors.New("venue rejected")

	tests := []struct {
		name string
		msg  Message
		err  func(Message) error
	}{
		{name: "connect response", msg: &ConnectResponse{Error: cause}, err: func(m Message) error { return m.(*ConnectResponse).Error }},
		{name: "disconnect response", msg: &DisconnectResponse{Error: cause}, err: func(m Message) error { return m.(*DisconnectResponse).Error }},
		{name: "connection lost", msg: &ConnectionLostMessage{Error: cause}, err: func(m Message) error { return m.(*ConnectionLostMessage).Error }},
		{name: "subscription response", msg: &SubscriptionResponse{OriginalTransactionID: 9, Error: cause}, err: func(m Message) error { return m.(*SubscriptionResponse).Error }},
		{name: "execution report", msg: &ExecutionReport{
			DataHeader: DataHeader{OriginalTransactionID: 9, SubscriptionIDs: []int64{4}},
			SecurityID: "BTCUSDT",
			State:      OrderStateFailed,
			Error:      cause,
		}, err: func(m Message) error { return m.(*ExecutionReport).Error }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := EncodeMessage(tt.msg)
			require.NoError(t, err)

			decoded, err := DecodeMessage(data)
			require.NoError(t, err)
			require.Equal(t, tt.msg.Type(), decoded.Type())
			require.EqualError(t, tt.err(decoded), "venue rejected")
		})
	}
}

func TestEnvelope_ExecutionReportKeepsFields(t *testing.T) {
	data, err := EncodeMessage(&ExecutionReport{
		DataHeader:  DataHeader{OriginalTransactionID: 21, SubscriptionIDs: []int64{5, 6}},
		SecurityID:  "ETHUSDT",
		OrderID:     "ord-1",
		State:       OrderStateDone,
		TradePrice:  decimal.RequireFromString("1850.25"),
		TradeVolume: decimal.RequireFromString("2"),
	})
	require.NoError(t, err)

	msg, err := DecodeMessage(data)
	require.NoError(t, err)
	report := msg.(*ExecutionReport)
	require.Equal(t, int64(21), report.OriginalTransactionID)
	require.Equal(t, []int64{5, 6}, report.SubscriptionIDs)
	require.Equal(t, "ord-1", report.OrderID)
	require.Equal(t, OrderStateDone, report.State)
	require.True(t, report.TradePrice.Equal(decimal.RequireFromString("1850.25")))
	require.NoError(t, report.Error)
}
