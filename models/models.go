package models

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// SubscribeRequest is the subscription message sent after the push
// connection is established.
type SubscribeRequest struct {
	Op   string         `json:"op"`
	Args []SubscribeArg `json:"args"`
}

type SubscribeArg struct {
	Channel  string `json:"channel"`
	InstType string `json:"instType"`
}

// TickerMessage is an inbound push message. Messages carrying an Event
// field are control/acknowledgement frames and carry no data.
type TickerMessage struct {
	Event string `json:"event,omitempty"`
	Arg   struct {
		Channel string `json:"channel"`
	} `json:"arg"`
	Data []TickerRow `json:"data"`
}

// TickerRow is a single instrument delta as delivered on the wire. All
// numeric fields are strings; absent fields decode to "".
type TickerRow struct {
	InstID    string `json:"instId"`
	Last      string `json:"last"`
	Open24h   string `json:"open24h"`
	VolCcy24h string `json:"volCcy24h"`
	Ts        string `json:"ts"`
}

// Ticker is the live per-instrument price state. Owned by the feed; fields
// missing from an incoming delta keep their previous values.
type Ticker struct {
	InstID      string    `json:"instId"`
	LastPrice   float64   `json:"lastPrice"`
	Open24h     *float64  `json:"open24h,omitempty"`
	VolQuote24h *float64  `json:"volQuote24h,omitempty"`
	ObservedAt  time.Time `json:"observedAt"`
}

// TickerUpdate is a partial update parsed from one TickerRow. Nil fields
// were absent from the message and must not overwrite known state.
type TickerUpdate struct {
	InstID      string
	LastPrice   *float64
	Open24h     *float64
	VolQuote24h *float64
	ObservedAt  time.Time
}

// Update parses a wire row into a partial update. The row timestamp is
// used when present, otherwise now.
func (r TickerRow) Update(now time.Time) (TickerUpdate, error) {
	if r.InstID == "" {
		return TickerUpdate{}, fmt.Errorf("ticker row missing instId")
	}
	u := TickerUpdate{InstID: r.InstID, ObservedAt: now}
	if r.Ts != "" {
		if ms, err := strconv.ParseInt(r.Ts, 10, 64); err == nil {
			u.ObservedAt = time.UnixMilli(ms).UTC()
		}
	}
	var err error
	if u.LastPrice, err = optionalFloat(r.Last); err != nil {
		return TickerUpdate{}, fmt.Errorf("ticker row %s: bad last %q", r.InstID, r.Last)
	}
	if u.Open24h, err = optionalFloat(r.Open24h); err != nil {
		return TickerUpdate{}, fmt.Errorf("ticker row %s: bad open24h %q", r.InstID, r.Open24h)
	}
	if u.VolQuote24h, err = optionalFloat(r.VolCcy24h); err != nil {
		return TickerUpdate{}, fmt.Errorf("ticker row %s: bad volCcy24h %q", r.InstID, r.VolCcy24h)
	}
	return u, nil
}

func optionalFloat(s string) (*float64, error) {
	if s == "" {
		return nil, nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return nil, fmt.Errorf("invalid number %q", s)
	}
	return &v, nil
}

// Candle is one OHLCV bar in chronological context.
type Candle struct {
	Timestamp time.Time
	Open      float64
	High      float64
	Low       float64
	Close     float64
	Volume    float64
}

// CandleResponse is the envelope of the candle REST endpoint. Rows are
// delivered newest-first as string arrays:
// [ts, open, high, low, close, volume, volumeCcy, ...].
type CandleResponse struct {
	Code string     `json:"code"`
	Msg  string     `json:"msg"`
	Data [][]string `json:"data"`
}

// ParseCandleRow converts one wire row. Rows with fewer than six columns
// or unparsable numbers are rejected.
func ParseCandleRow(row []string) (Candle, error) {
	if len(row) < 6 {
		return Candle{}, fmt.Errorf("candle row has %d columns, need 6", len(row))
	}
	ms, err := strconv.ParseInt(row[0], 10, 64)
	if err != nil {
		return Candle{}, fmt.Errorf("candle row: bad timestamp %q", row[0])
	}
	vals := make([]float64, 5)
	for i := 0; i < 5; i++ {
		v, err := strconv.ParseFloat(row[i+1], 64)
		if err != nil {
			return Candle{}, fmt.Errorf("candle row: bad column %d %q", i+1, row[i+1])
		}
		vals[i] = v
	}
	return Candle{
		Timestamp: time.UnixMilli(ms).UTC(),
		Open:      vals[0],
		High:      vals[1],
		Low:       vals[2],
		Close:     vals[3],
		Volume:    vals[4],
	}, nil
}

// IndicatorRecord holds the computed indicators for one instrument.
// Written only by the scheduler at the end of a successful computation.
type IndicatorRecord struct {
	InstID      string    `json:"instId"`
	RSI14       *float64  `json:"rsi14,omitempty"`
	Change4hPct *float64  `json:"change4hPct,omitempty"`
	Change7dPct *float64  `json:"change7dPct,omitempty"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// CacheEntry wraps an IndicatorRecord with its storage timestamp.
type CacheEntry struct {
	Record   IndicatorRecord `json:"record"`
	StoredAt time.Time       `json:"storedAt"`
}

// Fresh reports whether the entry is still within its time-to-live.
func (e CacheEntry) Fresh(now time.Time, ttl time.Duration) bool {
	return now.Sub(e.StoredAt) < ttl
}

// Fundamentals is externally supplied reference data keyed by base symbol.
type Fundamentals struct {
	BaseSymbol string    `json:"baseSymbol"`
	Rank       int       `json:"rank"`
	MarketCap  float64   `json:"marketCap"`
	LogoURL    string    `json:"logoUrl,omitempty"`
	Sparkline  []float64 `json:"sparkline,omitempty"`
}

// FundingRate is externally supplied funding data keyed by instrument.
type FundingRate struct {
	InstID      string    `json:"instId"`
	Rate        float64   `json:"rate"`
	NextFunding time.Time `json:"nextFunding"`
}

// CompositeRecord is the fused per-instrument view handed to consumers.
// Derived on every read and never persisted; optional inputs stay nil.
type CompositeRecord struct {
	InstID      string    `json:"instId"`
	BaseSymbol  string    `json:"baseSymbol"`
	LastPrice   float64   `json:"lastPrice"`
	Change24h   *float64  `json:"change24hPct,omitempty"`
	VolQuote24h *float64  `json:"volQuote24h,omitempty"`
	RSI14       *float64  `json:"rsi14,omitempty"`
	Change4hPct *float64  `json:"change4hPct,omitempty"`
	Change7dPct *float64  `json:"change7dPct,omitempty"`
	Rank        *int      `json:"rank,omitempty"`
	MarketCap   *float64  `json:"marketCap,omitempty"`
	LogoURL     string    `json:"logoUrl,omitempty"`
	Sparkline   []float64 `json:"sparkline,omitempty"`
	FundingRate *float64  `json:"fundingRate,omitempty"`
	ObservedAt  time.Time `json:"observedAt"`
}

// BaseSymbol extracts the base currency from an instrument ID such as
// "BTC-USDT-SWAP".
func BaseSymbol(instID string) string {
	if i := strings.IndexByte(instID, '-'); i > 0 {
		return instID[:i]
	}
	return instID
}
