package entity

import (
	"time"

	"github.com/shopspring/decimal"
)

type OrderSide string

const (
	OrderSideBuy  OrderSide = "buy"
	OrderSideSell OrderSide = "sell"
)

type OrderType string

const (
	OrderTypeLimit  OrderType = "limit"
	OrderTypeMarket OrderType = "market"
)

type OrderState string

const (
	OrderStatePending OrderState = "pending"
	OrderStateActive  OrderState = "active"
	OrderStateDone    OrderState = "done"
	OrderStateFailed  OrderState = "failed"
)

func (s OrderState) IsTerminal() bool {
	return s == OrderStateDone || s == OrderStateFailed
}

type OrderRegister struct {
	TransactionID int64           `json:"transaction_id"`
	SecurityID    string          `json:"security_id"`
	PortfolioName string          `json:"portfolio_name"`
	Side          OrderSide       `json:"side"`
	OrderType     OrderType       `json:"order_type"`
	Price         decimal.Decimal `json:"price"`
	Volume        decimal.Decimal `json:"volume"`
}

func (m *OrderRegister) Type() MessageType { return MessageTypeOrderRegister }

func (m *OrderRegister) GetTransactionID() int64 { return m.TransactionID }

type OrderCancel struct {
	TransactionID         int64  `json:"transaction_id"`
	OriginalTransactionID int64  `json:"original_transaction_id"`
	SecurityID            string `json:"security_id"`
	PortfolioName         string `json:"portfolio_name"`
	OrderID               string `json:"order_id,omitempty"`
}

func (m *OrderCancel) Type() MessageType { return MessageTypeOrderCancel }

func (m *OrderCancel) GetTransactionID() int64 { return m.TransactionID }

// ExecutionReport reports an order state change. OriginalTransactionID is the
// register or cancel transaction it answers.
type ExecutionReport struct {
	DataHeader
	SecurityID    string          `json:"security_id"`
	PortfolioName string          `json:"portfolio_name,omitempty"`
	OrderID       string          `json:"order_id,omitempty"`
	State         OrderState      `json:"state"`
	Balance       decimal.Decimal `json:"balance"`
	TradePrice    decimal.Decimal `json:"trade_price"`
	TradeVolume   decimal.Decimal `json:"trade_volume"`
	Error         error           `json:"-"`
	ServerTime    time.Time       `json:"server_time"`
}

func (m *ExecutionReport) Type() MessageType { return MessageTypeExecution }
