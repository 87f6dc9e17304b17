package entity

import (
	"time"

	"github.com/shopspring/decimal"
)

// DataHeader carries the correlation fields shared by every data message.
type DataHeader struct {
	OriginalTransactionID int64   `json:"original_transaction_id,omitempty"`
	SubscriptionIDs       []int64 `json:"subscription_ids,omitempty"`
}

func (h *DataHeader) GetOriginalTransactionID() int64 { return h.OriginalTransactionID }

func (h *DataHeader) SetOriginalTransactionID(id int64) { h.OriginalTransactionID = id }

func (h *DataHeader) GetSubscriptionIDs() []int64 { return h.SubscriptionIDs }

func (h *DataHeader) SetSubscriptionIDs(ids []int64) { h.SubscriptionIDs = ids }

type TickMessage struct {
	DataHeader
	SecurityID string          `json:"security_id"`
	TradeID    string          `json:"trade_id,omitempty"`
	Price      decimal.Decimal `json:"price"`
	Volume     decimal.Decimal `json:"volume"`
	ServerTime time.Time       `json:"server_time"`
}

func (m *TickMessage) Type() MessageType { return MessageTypeTick }

type PriceLevel struct {
	Price  decimal.Decimal `json:"price"`
	Volume decimal.Decimal `json:"volume"`
}

type OrderBookMessage struct {
	DataHeader
	SecurityID string       `json:"security_id"`
	Bids       []PriceLevel `json:"bids"`
	Asks       []PriceLevel `json:"asks"`
	ServerTime time.Time    `json:"server_time"`
}

func (m *OrderBookMessage) Type() MessageType { return MessageTypeOrderBook }

type CandleMessage struct {
	DataHeader
	SecurityID string          `json:"security_id"`
	Interval   string          `json:"interval"`
	OpenTime   time.Time       `json:"open_time"`
	CloseTime  time.Time       `json:"close_time"`
	Open       decimal.Decimal `json:"open"`
	High       decimal.Decimal `json:"high"`
	Low        decimal.Decimal `json:"low"`
	Close      decimal.Decimal `json:"close"`
	Volume     decimal.Decimal `json:"volume"`
	IsClosed   bool            `json:"is_closed"`
}

func (m *CandleMessage) Type() MessageType { return MessageTypeCandle }

type SecurityMessage struct {
	DataHeader
	SecurityID string          `json:"security_id"`
	Board      string          `json:"board,omitempty"`
	PriceStep  decimal.Decimal `json:"price_step"`
	VolumeStep decimal.Decimal `json:"volume_step"`
}

func (m *SecurityMessage) Type() MessageType { return MessageTypeSecurity }

type PortfolioMessage struct {
	DataHeader
	PortfolioName string          `json:"portfolio_name"`
	Currency      string          `json:"currency,omitempty"`
	Balance       decimal.Decimal `json:"balance"`
	Blocked       decimal.Decimal `json:"blocked"`
}

func (m *PortfolioMessage) Type() MessageType { return MessageTypePortfolio }
