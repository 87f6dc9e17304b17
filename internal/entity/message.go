package entity

import "time"

type MessageType string

const (
	MessageTypeConnect              MessageType = "connect"
	MessageTypeConnectResponse      MessageType = "connect_response"
	MessageTypeDisconnect           MessageType = "disconnect"
	MessageTypeDisconnectResponse   MessageType = "disconnect_response"
	MessageTypeReset                MessageType = "reset"
	MessageTypeConnectionLost       MessageType = "connection_lost"
	MessageTypeConnectionRestored   MessageType = "connection_restored"
	MessageTypeSubscription         MessageType = "subscription"
	MessageTypeSubscriptionResponse MessageType = "subscription_response"
	MessageTypeSubscriptionOnline   MessageType = "subscription_online"
	MessageTypeSubscriptionFinished MessageType = "subscription_finished"
	MessageTypeOrderRegister        MessageType = "order_register"
	MessageTypeOrderCancel          MessageType = "order_cancel"
	MessageTypeExecution            MessageType = "execution"
	MessageTypeTick                 MessageType = "tick"
	MessageTypeOrderBook            MessageType = "order_book"
	MessageTypeCandle               MessageType = "candle"
	MessageTypeSecurity             MessageType = "security"
	MessageTypePortfolio            MessageType = "portfolio"
)

type Message interface {
	Type() MessageType
}

// TransactionMessage is a request that opens a new transaction.
type TransactionMessage interface {
	Message
	GetTransactionID() int64
}

// OriginalTransactionMessage is correlated with an earlier request.
type OriginalTransactionMessage interface {
	Message
	GetOriginalTransactionID() int64
	SetOriginalTransactionID(id int64)
}

// SubscriptionDataMessage is market or account data tagged with the ids of
// the subscriptions it belongs to.
type SubscriptionDataMessage interface {
	OriginalTransactionMessage
	GetSubscriptionIDs() []int64
	SetSubscriptionIDs(ids []int64)
}

type DataType string

const (
	DataTypeTicks       DataType = "ticks"
	DataTypeOrderBook   DataType = "order_book"
	DataTypeCandles     DataType = "candles"
	DataTypeSecurities  DataType = "securities"
	DataTypePortfolios  DataType = "portfolios"
	DataTypeOrderStatus DataType = "order_status"
)

type ConnectMessage struct{}

func (m *ConnectMessage) Type() MessageType { return MessageTypeConnect }

type ConnectResponse struct {
	Error error `json:"-"`
}

func (m *ConnectResponse) Type() MessageType { return MessageTypeConnectResponse }

type DisconnectMessage struct{}

func (m *DisconnectMessage) Type() MessageType { return MessageTypeDisconnect }

type DisconnectResponse struct {
	Error error `json:"-"`
}

func (m *DisconnectResponse) Type() MessageType { return MessageTypeDisconnectResponse }

type ResetMessage struct{}

func (m *ResetMessage) Type() MessageType { return MessageTypeReset }

type ConnectionLostMessage struct {
	Error error `json:"-"`
}

func (m *ConnectionLostMessage) Type() MessageType { return MessageTypeConnectionLost }

type ConnectionRestoredMessage struct{}

func (m *ConnectionRestoredMessage) Type() MessageType { return MessageTypeConnectionRestored }

// SubscriptionRequest subscribes (IsSubscribe) or unsubscribes
// (OriginalTransactionID names the subscription). An empty SecurityID makes
// the request a broadcast.
type SubscriptionRequest struct {
	TransactionID         int64      `json:"transaction_id"`
	OriginalTransactionID int64      `json:"original_transaction_id,omitempty"`
	IsSubscribe           bool       `json:"is_subscribe"`
	SecurityID            string     `json:"security_id,omitempty"`
	PortfolioName         string     `json:"portfolio_name,omitempty"`
	DataType              DataType   `json:"data_type"`
	CandleInterval        string     `json:"candle_interval,omitempty"`
	From                  *time.Time `json:"from,omitempty"`
	To                    *time.Time `json:"to,omitempty"`
	Count                 int64      `json:"count,omitempty"`
}

func (m *SubscriptionRequest) Type() MessageType { return MessageTypeSubscription }

func (m *SubscriptionRequest) GetTransactionID() int64 { return m.TransactionID }

func (m *SubscriptionRequest) IsBroadcast() bool { return m.SecurityID == "" }

func (m *SubscriptionRequest) Clone() *SubscriptionRequest {
	clone := *m
	if m.From != nil {
		from := *m.From
		clone.From = &from
	}
	if m.To != nil {
		to := *m.To
		clone.To = &to
	}
	return &clone
}

type SubscriptionResponse struct {
	OriginalTransactionID int64 `json:"original_transaction_id"`
	Error                 error `json:"-"`
}

func (m *SubscriptionResponse) Type() MessageType { return MessageTypeSubscriptionResponse }

func (m *SubscriptionResponse) GetOriginalTransactionID() int64 { return m.OriginalTransactionID }

func (m *SubscriptionResponse) SetOriginalTransactionID(id int64) { m.OriginalTransactionID = id }

type SubscriptionOnline struct {
	OriginalTransactionID int64 `json:"original_transaction_id"`
}

func (m *SubscriptionOnline) Type() MessageType { return MessageTypeSubscriptionOnline }

func (m *SubscriptionOnline) GetOriginalTransactionID() int64 { return m.OriginalTransactionID }

func (m *SubscriptionOnline) SetOriginalTransactionID(id int64) { m.OriginalTransactionID = id }

type SubscriptionFinished struct {
	OriginalTransactionID int64 `json:"original_transaction_id"`
}

func (m *SubscriptionFinished) Type() MessageType { return MessageTypeSubscriptionFinished }

func (m *SubscriptionFinished) GetOriginalTransactionID() int64 { return m.OriginalTransactionID }

func (m *SubscriptionFinished) SetOriginalTransactionID(id int64) { m.OriginalTransactionID = id }
