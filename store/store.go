// Package store fuses the live ticker state, computed indicators and
// externally supplied reference data into per-instrument composite
// records. Each field family has exactly one writer; reads recompute the
// composite view instead of storing it.
package store

import (
	"context"
	"sort"
	"sync"

	"perpflow/indicator"
	"perpflow/internal/channel"
	"perpflow/logger"
	"perpflow/models"
)

// Criterion selects how PriorityList ranks instruments.
type Criterion string

const (
	ByMarketCap Criterion = "market_cap"
	ByVolume    Criterion = "volume"
)

// UnifiedStore is the in-memory read model for the dashboard.
type UnifiedStore struct {
	mu           sync.RWMutex
	tickers      map[string]models.Ticker
	indicators   map[string]models.IndicatorRecord
	fundamentals map[string]models.Fundamentals // keyed by base symbol
	funding      map[string]models.FundingRate

	log *logger.Log
}

func New() *UnifiedStore {
	return &UnifiedStore{
		tickers:      make(map[string]models.Ticker),
		indicators:   make(map[string]models.IndicatorRecord),
		fundamentals: make(map[string]models.Fundamentals),
		funding:      make(map[string]models.FundingRate),
		log:          logger.GetLogger(),
	}
}

// Run consumes ticker updates until the context ends or the channel
// closes. It is the only goroutine that writes ticker state.
func (s *UnifiedStore) Run(ctx context.Context, ch *channel.Channels) {
	log := s.log.WithComponent("unified_store")
	log.Info("store consumer started")
	for {
		select {
		case <-ctx.Done():
			log.Info("store consumer stopped")
			return
		case update, ok := <-ch.Tickers:
			if !ok {
				log.Info("ticker channel closed")
				return
			}
			s.Apply(update)
		}
	}
}

// Apply merges one partial ticker update. Nil fields were absent from the
// wire message and keep the previously known values.
func (s *UnifiedStore) Apply(update models.TickerUpdate) {
	if update.InstID == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tickers[update.InstID]
	if !ok {
		t = models.Ticker{InstID: update.InstID}
	}
	if update.LastPrice != nil {
		t.LastPrice = *update.LastPrice
	}
	if update.Open24h != nil {
		t.Open24h = update.Open24h
	}
	if update.VolQuote24h != nil {
		t.VolQuote24h = update.VolQuote24h
	}
	if !update.ObservedAt.IsZero() {
		t.ObservedAt = update.ObservedAt
	}
	s.tickers[update.InstID] = t
}

// SetIndicator records the indicator results for one instrument.
func (s *UnifiedStore) SetIndicator(record models.IndicatorRecord) {
	if record.InstID == "" {
		return
	}
	s.mu.Lock()
	s.indicators[record.InstID] = record
	s.mu.Unlock()
}

// DropIndicators removes indicator state for the given instruments, used
// alongside cache invalidation.
func (s *UnifiedStore) DropIndicators(instIDs []string) {
	s.mu.Lock()
	for _, id := range instIDs {
		delete(s.indicators, id)
	}
	s.mu.Unlock()
}

// SetFundamentals replaces the reference data set, keyed by base symbol.
func (s *UnifiedStore) SetFundamentals(rows []models.Fundamentals) {
	next := make(map[string]models.Fundamentals, len(rows))
	for _, r := range rows {
		if r.BaseSymbol != "" {
			next[r.BaseSymbol] = r
		}
	}
	s.mu.Lock()
	s.fundamentals = next
	s.mu.Unlock()
	s.log.WithComponent("unified_store").WithFields(logger.Fields{"count": len(next)}).Info("fundamentals refreshed")
}

// SetFundingRates replaces the funding data set, keyed by instrument.
func (s *UnifiedStore) SetFundingRates(rows []models.FundingRate) {
	next := make(map[string]models.FundingRate, len(rows))
	for _, r := range rows {
		if r.InstID != "" {
			next[r.InstID] = r
		}
	}
	s.mu.Lock()
	s.funding = next
	s.mu.Unlock()
}

// Composite returns the fused view of one instrument. False when the
// instrument has never been seen on the feed.
func (s *UnifiedStore) Composite(instID string) (models.CompositeRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tickers[instID]
	if !ok {
		return models.CompositeRecord{}, false
	}
	return s.compose(t), true
}

// Snapshot returns the composite view of every known instrument, sorted
// by instrument ID for stable output.
func (s *UnifiedStore) Snapshot() []models.CompositeRecord {
	s.mu.RLock()
	records := make([]models.CompositeRecord, 0, len(s.tickers))
	for _, t := range s.tickers {
		records = append(records, s.compose(t))
	}
	s.mu.RUnlock()

	sort.Slice(records, func(i, j int) bool { return records[i].InstID < records[j].InstID })
	return records
}

// compose builds one record. Caller holds at least the read lock.
func (s *UnifiedStore) compose(t models.Ticker) models.CompositeRecord {
	rec := models.CompositeRecord{
		InstID:      t.InstID,
		BaseSymbol:  models.BaseSymbol(t.InstID),
		LastPrice:   t.LastPrice,
		VolQuote24h: t.VolQuote24h,
		ObservedAt:  t.ObservedAt,
	}
	if t.Open24h != nil {
		if change, ok := indicator.PeriodChange(*t.Open24h, t.LastPrice); ok {
			pct := change * 100
			rec.Change24h = &pct
		}
	}
	if ind, ok := s.indicators[t.InstID]; ok {
		rec.RSI14 = ind.RSI14
		rec.Change4hPct = ind.Change4hPct
		rec.Change7dPct = ind.Change7dPct
	}
	if f, ok := s.fundamentals[rec.BaseSymbol]; ok {
		rank := f.Rank
		mc := f.MarketCap
		rec.Rank = &rank
		rec.MarketCap = &mc
		rec.LogoURL = f.LogoURL
		rec.Sparkline = f.Sparkline
	}
	if fr, ok := s.funding[t.InstID]; ok {
		rate := fr.Rate
		rec.FundingRate = &rate
	}
	return rec
}

// TopGainers4h returns up to n instruments with the highest 4h change.
// Instruments without a computed change are not ranked.
func (s *UnifiedStore) TopGainers4h(n int) []models.CompositeRecord {
	all := s.Snapshot()
	ranked := all[:0]
	for _, r := range all {
		if r.Change4hPct != nil {
			ranked = append(ranked, r)
		}
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		return *ranked[i].Change4hPct > *ranked[j].Change4hPct
	})
	if n > 0 && len(ranked) > n {
		ranked = ranked[:n]
	}
	return ranked
}

// TierAverages groups ranked instruments into consecutive tiers of the
// given size and averages their indicator values. Absent values are
// excluded from the average, never counted as zero. Instruments without a
// market-cap rank fall outside every tier.
func (s *UnifiedStore) TierAverages(size int) []TierStat {
	if size <= 0 {
		return nil
	}
	ranked := s.rankedByMarketCap()

	var tiers []TierStat
	for start := 0; start < len(ranked); start += size {
		end := start + size
		if end > len(ranked) {
			end = len(ranked)
		}
		tier := TierStat{
			Tier:     len(tiers) + 1,
			FromRank: *ranked[start].Rank,
			ToRank:   *ranked[end-1].Rank,
			Count:    end - start,
		}
		var rsi, ch24, ch4, ch7 meanAcc
		for _, r := range ranked[start:end] {
			rsi.add(r.RSI14)
			ch24.add(r.Change24h)
			ch4.add(r.Change4hPct)
			ch7.add(r.Change7dPct)
		}
		tier.AvgRSI14 = rsi.mean()
		tier.AvgChange24h = ch24.mean()
		tier.AvgChange4hPct = ch4.mean()
		tier.AvgChange7dPct = ch7.mean()
		tiers = append(tiers, tier)
	}
	return tiers
}

// TierStat is the aggregated view of one market-cap tier. Nil averages
// mean no instrument in the tier had the value.
type TierStat struct {
	Tier           int      `json:"tier"`
	FromRank       int      `json:"fromRank"`
	ToRank         int      `json:"toRank"`
	Count          int      `json:"count"`
	AvgRSI14       *float64 `json:"avgRsi14,omitempty"`
	AvgChange24h   *float64 `json:"avgChange24hPct,omitempty"`
	AvgChange4hPct *float64 `json:"avgChange4hPct,omitempty"`
	AvgChange7dPct *float64 `json:"avgChange7dPct,omitempty"`
}

type meanAcc struct {
	sum   float64
	count int
}

func (m *meanAcc) add(v *float64) {
	if v != nil {
		m.sum += *v
		m.count++
	}
}

func (m *meanAcc) mean() *float64 {
	if m.count == 0 {
		return nil
	}
	v := m.sum / float64(m.count)
	return &v
}

// PriorityList returns up to n instrument IDs ordered by the given
// criterion. Market-cap ordering uses the fundamentals rank (ascending);
// volume ordering uses 24h quote volume (descending). Instruments missing
// the criterion value sort last, tie-broken by ID for stability.
func (s *UnifiedStore) PriorityList(n int, criterion Criterion) []string {
	var records []models.CompositeRecord
	if criterion == ByVolume {
		records = s.rankedByVolume()
	} else {
		records = s.rankedAll()
	}

	ids := make([]string, 0, len(records))
	for _, r := range records {
		ids = append(ids, r.InstID)
	}
	if n > 0 && len(ids) > n {
		ids = ids[:n]
	}
	return ids
}

// rankedByMarketCap keeps only instruments with a rank, ascending.
func (s *UnifiedStore) rankedByMarketCap() []models.CompositeRecord {
	all := s.Snapshot()
	ranked := all[:0]
	for _, r := range all {
		if r.Rank != nil {
			ranked = append(ranked, r)
		}
	}
	sort.SliceStable(ranked, func(i, j int) bool { return *ranked[i].Rank < *ranked[j].Rank })
	return ranked
}

// rankedAll orders every instrument by rank, the unranked last.
func (s *UnifiedStore) rankedAll() []models.CompositeRecord {
	all := s.Snapshot()
	sort.SliceStable(all, func(i, j int) bool {
		ri, rj := all[i].Rank, all[j].Rank
		switch {
		case ri != nil && rj != nil:
			return *ri < *rj
		case ri != nil:
			return true
		case rj != nil:
			return false
		default:
			return all[i].InstID < all[j].InstID
		}
	})
	return all
}

func (s *UnifiedStore) rankedByVolume() []models.CompositeRecord {
	all := s.Snapshot()
	sort.SliceStable(all, func(i, j int) bool {
		vi, vj := all[i].VolQuote24h, all[j].VolQuote24h
		switch {
		case vi != nil && vj != nil:
			return *vi > *vj
		case vi != nil:
			return true
		case vj != nil:
			return false
		default:
			return all[i].InstID < all[j].InstID
		}
	})
	return all
}
