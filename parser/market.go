package parser

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"integrate_clickhouse/models"

	"github.com/shopspring/decimal"
)

// Touchline is a decoded "tf"/"tk" frame. Feed updates are deltas, so every
// numeric field records whether it was present.
type Touchline struct {
	Exchange      string
	Token         string
	TradingSymbol string
	FeedTime      time.Time

	LastPrice     decimal.NullDecimal
	ChangePercent decimal.NullDecimal
	Volume        decimal.NullDecimal
	Open          decimal.NullDecimal
	High          decimal.NullDecimal
	Low           decimal.NullDecimal
	Close         decimal.NullDecimal
	AvgPrice      decimal.NullDecimal
	BidPrice      decimal.NullDecimal
	AskPrice      decimal.NullDecimal
	BidQty        decimal.NullDecimal
	AskQty        decimal.NullDecimal
}

func (t Touchline) Key() models.SymbolKey {
	return models.NewSymbolKey(t.Exchange, t.Token)
}

// Apply overlays the fields present in t onto base.
func (t Touchline) Apply(base models.MarketTick) models.MarketTick {
	base.Exchange = t.Exchange
	base.Token = t.Token
	if t.TradingSymbol != "" {
		base.TradingSymbol = t.TradingSymbol
	}
	if !t.FeedTime.IsZero() {
		base.Timestamp = t.FeedTime
	}
	overlay := func(dst *decimal.Decimal, src decimal.NullDecimal) {
		if src.Valid {
			*dst = src.Decimal
		}
	}
	overlayInt := func(dst *int64, src decimal.NullDecimal) {
		if src.Valid {
			*dst = src.Decimal.IntPart()
		}
	}
	overlay(&base.LastPrice, t.LastPrice)
	overlay(&base.ChangePercent, t.ChangePercent)
	overlay(&base.OpenPrice, t.Open)
	overlay(&base.HighPrice, t.High)
	overlay(&base.LowPrice, t.Low)
	overlay(&base.ClosePrice, t.Close)
	overlay(&base.AvgPrice, t.AvgPrice)
	overlay(&base.BidPrice, t.BidPrice)
	overlay(&base.AskPrice, t.AskPrice)
	overlayInt(&base.Volume, t.Volume)
	overlayInt(&base.BidQty, t.BidQty)
	overlayInt(&base.AskQty, t.AskQty)
	return base
}

// ParseTouchline decodes a touchline payload. Exchange and token are required.
func ParseTouchline(p Payload) (Touchline, error) {
	t := Touchline{
		Exchange:      p.String("e"),
		Token:         p.String("tk"),
		TradingSymbol: p.String("ts"),
	}
	if t.Exchange == "" || t.Token == "" {
		return Touchline{}, fmt.Errorf("touchline: missing exchange or token")
	}
	var err error
	if t.FeedTime, err = epochField(p, "ft"); err != nil {
		return Touchline{}, fmt.Errorf("touchline %s: %w", t.Key(), err)
	}
	fields := []struct {
		key string
		dst *decimal.NullDecimal
	}{
		{"lp", &t.LastPrice},
		{"pc", &t.ChangePercent},
		{"v", &t.Volume},
		{"o", &t.Open},
		{"h", &t.High},
		{"l", &t.Low},
		{"c", &t.Close},
		{"ap", &t.AvgPrice},
		{"bp1", &t.BidPrice},
		{"sp1", &t.AskPrice},
		{"bq1", &t.BidQty},
		{"sq1", &t.AskQty},
	}
	for _, f := range fields {
		if *f.dst, err = decimalField(p, f.key); err != nil {
			return Touchline{}, fmt.Errorf("touchline %s: %w", t.Key(), err)
		}
	}
	return t, nil
}

const depthLevels = 5

// ParseDepth decodes a depth payload. Levels missing from a delta are skipped;
// each DepthLevel keeps its level number.
func ParseDepth(p Payload) (models.MarketDepth, error) {
	d := models.MarketDepth{
		Exchange: p.String("e"),
		Token:    p.String("tk"),
	}
	if d.Exchange == "" || d.Token == "" {
		return models.MarketDepth{}, fmt.Errorf("depth: missing exchange or token")
	}
	var err error
	if d.Timestamp, err = epochField(p, "ft"); err != nil {
		return models.MarketDepth{}, fmt.Errorf("depth: %w", err)
	}
	if d.LastPrice, err = decimalField(p, "lp"); err != nil {
		return models.MarketDepth{}, fmt.Errorf("depth: %w", err)
	}
	side := func(price, qty, orders string) ([]models.DepthLevel, error) {
		var levels []models.DepthLevel
		for i := 1; i <= depthLevels; i++ {
			n := strconv.Itoa(i)
			px, err := decimalField(p, price+n)
			if err != nil {
				return nil, err
			}
			if !px.Valid {
				continue
			}
			q, err := decimalField(p, qty+n)
			if err != nil {
				return nil, err
			}
			o, err := decimalField(p, orders+n)
			if err != nil {
				return nil, err
			}
			levels = append(levels, models.DepthLevel{
				Level:  i,
				Price:  px.Decimal,
				Qty:    q.Decimal.IntPart(),
				Orders: o.Decimal.IntPart(),
			})
		}
		return levels, nil
	}
	if d.Bids, err = side("bp", "bq", "bo"); err != nil {
		return models.MarketDepth{}, fmt.Errorf("depth bids: %w", err)
	}
	if d.Asks, err = side("sp", "sq", "so"); err != nil {
		return models.MarketDepth{}, fmt.Errorf("depth asks: %w", err)
	}
	return d, nil
}

// ParseOrderUpdate decodes an "om" payload.
func ParseOrderUpdate(p Payload) (models.OrderUpdate, error) {
	o := models.OrderUpdate{
		OrderID:       p.String("norenordno"),
		AccountID:     p.String("actid"),
		Exchange:      p.String("exch"),
		TradingSymbol: p.String("tsym"),
		Token:         p.String("tk"),
		Side:          strings.ToUpper(p.String("trantype")),
		Status:        p.String("status"),
		ReportType:    p.String("reporttype"),
		RejectReason:  p.String("rejreason"),
		Timestamp:     time.Now().UTC(),
	}
	if o.OrderID == "" {
		return models.OrderUpdate{}, fmt.Errorf("order update: missing order number")
	}
	ints := []struct {
		key string
		dst *int64
	}{
		{"qty", &o.Quantity},
		{"fillshares", &o.FilledQty},
	}
	for _, f := range ints {
		v, err := decimalField(p, f.key)
		if err != nil {
			return models.OrderUpdate{}, fmt.Errorf("order update %s: %w", o.OrderID, err)
		}
		*f.dst = v.Decimal.IntPart()
	}
	prices := []struct {
		key string
		dst *decimal.Decimal
	}{
		{"prc", &o.Price},
		{"avgprc", &o.AvgPrice},
	}
	for _, f := range prices {
		v, err := decimalField(p, f.key)
		if err != nil {
			return models.OrderUpdate{}, fmt.Errorf("order update %s: %w", o.OrderID, err)
		}
		*f.dst = v.Decimal
	}
	return o, nil
}

func decimalField(p Payload, key string) (decimal.NullDecimal, error) {
	raw := p.String(key)
	if raw == "" {
		return decimal.NullDecimal{}, nil
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.NullDecimal{}, fmt.Errorf("field %s=%q: %w", key, raw, err)
	}
	return decimal.NewNullDecimal(d), nil
}

func epochField(p Payload, key string) (time.Time, error) {
	raw := p.String(key)
	if raw == "" {
		return time.Time{}, nil
	}
	secs, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("field %s=%q: %w", key, raw, err)
	}
	return time.Unix(secs, 0).UTC(), nil
}
