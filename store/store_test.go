package store

import (
	"context"
	"testing"
	"time"

	"perpflow/internal/channel"
	"perpflow/models"
)

func f64(v float64) *float64 { return &v }

func seedTicker(s *UnifiedStore, instID string, last float64, open, vol *float64) {
	s.Apply(models.TickerUpdate{
		InstID:      instID,
		LastPrice:   &last,
		Open24h:     open,
		VolQuote24h: vol,
		ObservedAt:  time.Now().UTC(),
	})
}

func TestApplyPartialUpdateKeepsKnownFields(t *testing.T) {
	s := New()
	seedTicker(s, "BTC-USDT-SWAP", 64000, f64(63000), f64(1e9))

	// Later delta carries only the last price.
	s.Apply(models.TickerUpdate{InstID: "BTC-USDT-SWAP", LastPrice: f64(65000)})

	rec, ok := s.Composite("BTC-USDT-SWAP")
	if !ok {
		t.Fatal("instrument missing")
	}
	if rec.LastPrice != 65000 {
		t.Fatalf("last = %v", rec.LastPrice)
	}
	if rec.VolQuote24h == nil || *rec.VolQuote24h != 1e9 {
		t.Fatalf("volume nulled out: %v", rec.VolQuote24h)
	}
	if rec.Change24h == nil {
		t.Fatal("change24h nulled out")
	}
	want := (65000.0 - 63000.0) / 63000.0 * 100
	if diff := *rec.Change24h - want; diff > 1e-9 || diff < -1e-9 {
		t.Fatalf("change24h = %v, want %v", *rec.Change24h, want)
	}
}

func TestCompositeToleratesAbsentInputs(t *testing.T) {
	s := New()
	seedTicker(s, "NEW-USDT-SWAP", 1.5, nil, nil)

	rec, ok := s.Composite("NEW-USDT-SWAP")
	if !ok {
		t.Fatal("instrument missing")
	}
	if rec.Change24h != nil || rec.RSI14 != nil || rec.Rank != nil || rec.FundingRate != nil {
		t.Fatalf("absent inputs produced values: %+v", rec)
	}
	if rec.BaseSymbol != "NEW" {
		t.Fatalf("base = %q", rec.BaseSymbol)
	}

	if _, ok := s.Composite("NEVER-SEEN"); ok {
		t.Fatal("unknown instrument reported present")
	}
}

func TestCompositeFusesAllSources(t *testing.T) {
	s := New()
	seedTicker(s, "BTC-USDT-SWAP", 64000, f64(63000), f64(1e9))
	s.SetIndicator(models.IndicatorRecord{
		InstID: "BTC-USDT-SWAP", RSI14: f64(57.92), Change4hPct: f64(1.2), Change7dPct: f64(-3.4),
		UpdatedAt: time.Now().UTC(),
	})
	s.SetFundamentals([]models.Fundamentals{
		{BaseSymbol: "BTC", Rank: 1, MarketCap: 1.2e12, LogoURL: "https://img/btc.png"},
	})
	s.SetFundingRates([]models.FundingRate{{InstID: "BTC-USDT-SWAP", Rate: 0.0001}})

	rec, _ := s.Composite("BTC-USDT-SWAP")
	if rec.RSI14 == nil || *rec.RSI14 != 57.92 {
		t.Fatalf("rsi = %v", rec.RSI14)
	}
	if rec.Rank == nil || *rec.Rank != 1 || rec.MarketCap == nil {
		t.Fatalf("fundamentals not fused: %+v", rec)
	}
	if rec.FundingRate == nil || *rec.FundingRate != 0.0001 {
		t.Fatalf("funding = %v", rec.FundingRate)
	}
	if rec.LogoURL != "https://img/btc.png" {
		t.Fatalf("logo = %q", rec.LogoURL)
	}
}

func TestDropIndicators(t *testing.T) {
	s := New()
	seedTicker(s, "BTC-USDT-SWAP", 64000, nil, nil)
	s.SetIndicator(models.IndicatorRecord{InstID: "BTC-USDT-SWAP", RSI14: f64(50)})

	s.DropIndicators([]string{"BTC-USDT-SWAP"})
	rec, _ := s.Composite("BTC-USDT-SWAP")
	if rec.RSI14 != nil {
		t.Fatal("indicator survived drop")
	}
}

func TestTopGainers4h(t *testing.T) {
	s := New()
	seedTicker(s, "A-USDT-SWAP", 1, nil, nil)
	seedTicker(s, "B-USDT-SWAP", 1, nil, nil)
	seedTicker(s, "C-USDT-SWAP", 1, nil, nil)
	s.SetIndicator(models.IndicatorRecord{InstID: "A-USDT-SWAP", Change4hPct: f64(2.5)})
	s.SetIndicator(models.IndicatorRecord{InstID: "B-USDT-SWAP", Change4hPct: f64(7.1)})
	// C has no computed change and must not appear.

	got := s.TopGainers4h(5)
	if len(got) != 2 {
		t.Fatalf("got %d records", len(got))
	}
	if got[0].InstID != "B-USDT-SWAP" || got[1].InstID != "A-USDT-SWAP" {
		t.Fatalf("order = %s, %s", got[0].InstID, got[1].InstID)
	}

	if got := s.TopGainers4h(1); len(got) != 1 || got[0].InstID != "B-USDT-SWAP" {
		t.Fatalf("truncated list = %+v", got)
	}
}

func TestTierAveragesExcludeAbsentValues(t *testing.T) {
	s := New()
	seedTicker(s, "BTC-USDT-SWAP", 1, nil, nil)
	seedTicker(s, "ETH-USDT-SWAP", 1, nil, nil)
	seedTicker(s, "SOL-USDT-SWAP", 1, nil, nil)
	s.SetFundamentals([]models.Fundamentals{
		{BaseSymbol: "BTC", Rank: 1, MarketCap: 1e12},
		{BaseSymbol: "ETH", Rank: 2, MarketCap: 4e11},
		{BaseSymbol: "SOL", Rank: 3, MarketCap: 8e10},
	})
	s.SetIndicator(models.IndicatorRecord{InstID: "BTC-USDT-SWAP", RSI14: f64(60)})
	// ETH has no RSI; the tier average must be 60, not 30.

	tiers := s.TierAverages(2)
	if len(tiers) != 2 {
		t.Fatalf("got %d tiers", len(tiers))
	}
	first := tiers[0]
	if first.FromRank != 1 || first.ToRank != 2 || first.Count != 2 {
		t.Fatalf("tier bounds = %+v", first)
	}
	if first.AvgRSI14 == nil || *first.AvgRSI14 != 60 {
		t.Fatalf("avg rsi = %v", first.AvgRSI14)
	}
	if first.AvgChange4hPct != nil {
		t.Fatalf("average over zero samples should be nil, got %v", *first.AvgChange4hPct)
	}
	if second := tiers[1]; second.Count != 1 || second.FromRank != 3 {
		t.Fatalf("second tier = %+v", second)
	}
}

func TestPriorityListByMarketCap(t *testing.T) {
	s := New()
	seedTicker(s, "BTC-USDT-SWAP", 1, nil, nil)
	seedTicker(s, "ETH-USDT-SWAP", 1, nil, nil)
	seedTicker(s, "ZZZ-USDT-SWAP", 1, nil, nil) // unranked
	s.SetFundamentals([]models.Fundamentals{
		{BaseSymbol: "ETH", Rank: 2, MarketCap: 4e11},
		{BaseSymbol: "BTC", Rank: 1, MarketCap: 1e12},
	})

	got := s.PriorityList(10, ByMarketCap)
	want := []string{"BTC-USDT-SWAP", "ETH-USDT-SWAP", "ZZZ-USDT-SWAP"}
	if len(got) != len(want) {
		t.Fatalf("got %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}

	if got := s.PriorityList(2, ByMarketCap); len(got) != 2 || got[1] != "ETH-USDT-SWAP" {
		t.Fatalf("cutoff list = %v", got)
	}
}

func TestPriorityListByVolume(t *testing.T) {
	s := New()
	seedTicker(s, "A-USDT-SWAP", 1, nil, f64(100))
	seedTicker(s, "B-USDT-SWAP", 1, nil, f64(900))
	seedTicker(s, "C-USDT-SWAP", 1, nil, nil)

	got := s.PriorityList(10, ByVolume)
	want := []string{"B-USDT-SWAP", "A-USDT-SWAP", "C-USDT-SWAP"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}

func TestRunConsumesChannel(t *testing.T) {
	s := New()
	ch := channel.NewChannels(4)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx, ch)
		close(done)
	}()

	last := 42.0
	ch.SendTicker(ctx, models.TickerUpdate{InstID: "BTC-USDT-SWAP", LastPrice: &last})

	deadline := time.After(2 * time.Second)
	for {
		if rec, ok := s.Composite("BTC-USDT-SWAP"); ok && rec.LastPrice == 42 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("update never applied")
		case <-time.After(5 * time.Millisecond):
		}
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("consumer did not stop")
	}
}
