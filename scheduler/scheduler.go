// Package scheduler drives the periodic indicator computation pass over
// the priority instruments. Passes never overlap, fresh cache entries are
// never recomputed, and a failing instrument costs a cooldown, not the
// pass.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-co-op/gocron"
	"github.com/google/uuid"

	"perpflow/cache"
	"perpflow/config"
	"perpflow/indicator"
	"perpflow/logger"
	"perpflow/metrics"
	"perpflow/models"
	"perpflow/store"
)

// ErrPassInFlight is returned when a pass is requested while another one
// still holds the flight.
var ErrPassInFlight = errors.New("computation pass already in flight")

// maxPriorityN bounds the runtime-adjustable priority cutoff.
const maxPriorityN = 500

// CandleSource provides recent bars for one instrument.
type CandleSource interface {
	Recent(ctx context.Context, instID, bar string, limit int) ([]models.Candle, error)
}

// PassResult summarizes one computation pass.
type PassResult struct {
	ID       string
	Total    int
	Computed int
	Skipped  int
	Failed   int
	Elapsed  time.Duration
}

// Scheduler owns the computation pass lifecycle.
type Scheduler struct {
	cfg     config.SchedulerConfig
	candles CandleSource
	cache   *cache.IndicatorCache
	store   *store.UnifiedStore
	log     *logger.Log

	flight    Flight
	priorityN atomic.Int64

	mu      sync.Mutex
	running bool
	cron    *gocron.Scheduler
	cancel  context.CancelFunc

	// sleep is swapped in tests to keep delays observable and instant.
	sleep func(ctx context.Context, d time.Duration) error
}

func New(cfg config.SchedulerConfig, candles CandleSource, c *cache.IndicatorCache, s *store.UnifiedStore) *Scheduler {
	sched := &Scheduler{
		cfg:     cfg,
		candles: candles,
		cache:   c,
		store:   s,
		log:     logger.GetLogger(),
		sleep:   sleepCtx,
	}
	sched.priorityN.Store(int64(cfg.PriorityN))
	return sched
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// PriorityN returns the current priority cutoff.
func (s *Scheduler) PriorityN() int {
	return int(s.priorityN.Load())
}

// SetPriorityN adjusts how many ranked instruments each pass covers. The
// new cutoff applies from the next pass; the running pass keeps its
// snapshot.
func (s *Scheduler) SetPriorityN(n int) error {
	if n < 1 || n > maxPriorityN {
		return fmt.Errorf("priority cutoff %d out of range [1, %d]", n, maxPriorityN)
	}
	s.priorityN.Store(int64(n))
	s.log.WithComponent("scheduler").WithFields(logger.Fields{"priority_n": n}).Info("priority cutoff updated")
	return nil
}

// Status reports "running" while a pass holds the flight, "idle"
// otherwise.
func (s *Scheduler) Status() string {
	if s.flight.Active() {
		return "running"
	}
	return "idle"
}

// Start schedules the recurring pass: first run after the initial delay,
// then at the fixed interval. Overlapping triggers are no-ops.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return fmt.Errorf("scheduler already running")
	}

	passCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.cron = gocron.NewScheduler(time.UTC)
	_, err := s.cron.Every(s.cfg.Interval.D()).
		StartAt(time.Now().Add(s.cfg.InitialDelay.D())).
		Do(func() {
			if _, err := s.RunPass(passCtx, time.Now().UTC()); err != nil && !errors.Is(err, ErrPassInFlight) && !errors.Is(err, context.Canceled) {
				s.log.WithComponent("scheduler").WithError(err).Error("computation pass failed")
			}
		})
	if err != nil {
		cancel()
		return fmt.Errorf("schedule pass: %w", err)
	}
	s.cron.StartAsync()
	s.running = true

	s.log.WithComponent("scheduler").WithFields(logger.Fields{
		"interval":      s.cfg.Interval.D().String(),
		"initial_delay": s.cfg.InitialDelay.D().String(),
		"priority_n":    s.PriorityN(),
		"ranking":       s.cfg.Ranking,
	}).Info("scheduler started")
	return nil
}

// Stop cancels the running pass cooperatively and stops the trigger.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	s.cancel()
	s.cron.Stop()
	s.running = false
	s.log.WithComponent("scheduler").Info("scheduler stopped")
}

// RunPass executes one computation pass over the current priority list.
// The flight is claimed before the first blocking operation; a concurrent
// caller gets ErrPassInFlight and no side effects.
func (s *Scheduler) RunPass(ctx context.Context, now time.Time) (PassResult, error) {
	if !s.flight.TryAcquire() {
		return PassResult{}, ErrPassInFlight
	}
	defer s.flight.Release()

	started := time.Now()
	result := PassResult{ID: uuid.NewString()}
	log := s.log.WithComponent("scheduler").WithFields(logger.Fields{"pass_id": result.ID})

	// One snapshot per pass; list changes apply next time around.
	priority := s.store.PriorityList(s.PriorityN(), store.Criterion(s.cfg.Ranking))
	result.Total = len(priority)
	log.WithFields(logger.Fields{"instruments": len(priority)}).Info("computation pass started")

	for _, instID := range priority {
		if ctx.Err() != nil {
			log.WithFields(logger.Fields{"computed": result.Computed}).Warn("pass aborted")
			return result, ctx.Err()
		}

		if _, fresh := s.cache.Get(instID, now); fresh {
			result.Skipped++
			continue
		}

		record, err := s.computeOne(ctx, instID, now)
		if err != nil {
			result.Failed++
			log.WithError(err).WithFields(logger.Fields{"inst_id": instID}).Warn("instrument computation failed")
			if serr := s.sleep(ctx, s.cfg.FailureCooldown.D()); serr != nil {
				return result, serr
			}
			continue
		}

		// Teardown between compute and write must not dirty the cache.
		if ctx.Err() != nil {
			return result, ctx.Err()
		}
		if err := s.cache.Put(record); err != nil {
			result.Failed++
			log.WithError(err).WithFields(logger.Fields{"inst_id": instID}).Warn("cache write failed")
			continue
		}
		s.store.SetIndicator(record)
		result.Computed++

		if err := s.sleep(ctx, s.cfg.ItemDelay.D()); err != nil {
			return result, err
		}
	}

	result.Elapsed = time.Since(started)
	metrics.PassFinished(result.Computed, result.Skipped, result.Failed, result.Elapsed)
	if result.Computed > 0 {
		logger.LogDataFlowEntry(log, "scheduler", "cache", result.Computed, "indicator_records")
	}
	log.WithFields(logger.Fields{
		"computed":   result.Computed,
		"skipped":    result.Skipped,
		"failed":     result.Failed,
		"elapsed_ms": result.Elapsed.Milliseconds(),
	}).Info("computation pass finished")
	return result, nil
}

// computeOne fetches both candle windows and derives the indicator record.
func (s *Scheduler) computeOne(ctx context.Context, instID string, now time.Time) (models.IndicatorRecord, error) {
	daily, err := s.candles.Recent(ctx, instID, "1D", s.cfg.DailyBars)
	if err != nil {
		return models.IndicatorRecord{}, fmt.Errorf("daily candles: %w", err)
	}
	intraday, err := s.candles.Recent(ctx, instID, s.cfg.IntradayBar, s.cfg.IntradayBars)
	if err != nil {
		return models.IndicatorRecord{}, fmt.Errorf("intraday candles: %w", err)
	}

	record := models.IndicatorRecord{InstID: instID, UpdatedAt: now}

	closes := make([]float64, len(daily))
	for i, c := range daily {
		closes[i] = c.Close
	}
	if rsi, ok := indicator.RSI14(closes); ok {
		record.RSI14 = &rsi
	}
	// 7d change compares today's close to the close seven daily bars back.
	if len(closes) >= 8 {
		if change, ok := indicator.PeriodChange(closes[len(closes)-8], closes[len(closes)-1]); ok {
			pct := change * 100
			record.Change7dPct = &pct
		}
	}
	// 4h change compares the latest intraday close to the previous bar's.
	if len(intraday) >= 2 {
		older := intraday[len(intraday)-2].Close
		newer := intraday[len(intraday)-1].Close
		if change, ok := indicator.PeriodChange(older, newer); ok {
			pct := change * 100
			record.Change4hPct = &pct
		}
	}
	return record, nil
}
