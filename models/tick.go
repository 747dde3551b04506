package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type MarketTick struct {
	Timestamp     time.Time       `ch:"timestamp"`
	Exchange      string          `ch:"exchange"`
	Token         string          `ch:"token"`
	TradingSymbol string          `ch:"trading_symbol"`
	LastPrice     decimal.Decimal `ch:"last_price"`
	ChangePercent decimal.Decimal `ch:"change_percent"`
	Volume        int64           `ch:"volume"`
	BidPrice      decimal.Decimal `ch:"bid_price"`
	AskPrice      decimal.Decimal `ch:"ask_price"`
	BidQty        int64           `ch:"bid_qty"`
	AskQty        int64           `ch:"ask_qty"`
	OpenPrice     decimal.Decimal `ch:"open_price"`
	HighPrice     decimal.Decimal `ch:"high_price"`
	LowPrice      decimal.Decimal `ch:"low_price"`
	ClosePrice    decimal.Decimal `ch:"close_price"`
	AvgPrice      decimal.Decimal `ch:"avg_price"`
}

func (t MarketTick) Key() SymbolKey {
	return NewSymbolKey(t.Exchange, t.Token)
}

// DepthLevel is one price level of a depth snapshot. Level is 1 for the best
// price; levels absent from a delta leave gaps, so Level need not match the
// slice index.
type DepthLevel struct {
	Level  int
	Price  decimal.Decimal
	Qty    int64
	Orders int64
}

type MarketDepth struct {
	Timestamp time.Time
	Exchange  string
	Token     string
	LastPrice decimal.NullDecimal
	Bids      []DepthLevel
	Asks      []DepthLevel
}

type OrderUpdate struct {
	Timestamp     time.Time       `ch:"timestamp"`
	OrderID       string          `ch:"order_id"`
	AccountID     string          `ch:"account_id"`
	Exchange      string          `ch:"exchange"`
	TradingSymbol string          `ch:"trading_symbol"`
	Token         string          `ch:"token"`
	Side          string          `ch:"side"`
	Status        string          `ch:"status"`
	ReportType    string          `ch:"report_type"`
	Quantity      int64           `ch:"quantity"`
	FilledQty     int64           `ch:"filled_qty"`
	Price         decimal.Decimal `ch:"price"`
	AvgPrice      decimal.Decimal `ch:"avg_price"`
	RejectReason  string          `ch:"reject_reason"`
}
