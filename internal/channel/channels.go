// Package channel carries parsed ticker updates from the feed to the
// unified store through a bounded buffer. A full buffer drops the delta;
// a fresher one follows on the next push message.
package channel

import (
	"context"
	"sync"

	"perpflow/logger"
	"perpflow/models"
)

type Stats struct {
	Sent    int64
	Dropped int64
}

type Channels struct {
	Tickers chan models.TickerUpdate

	stats      Stats
	statsMutex sync.RWMutex
	log        *logger.Log
}

func NewChannels(tickerBufferSize int) *Channels {
	log := logger.GetLogger()
	c := &Channels{
		Tickers: make(chan models.TickerUpdate, tickerBufferSize),
		log:     log,
	}

	log.WithComponent("ticker_channels").WithFields(logger.Fields{
		"ticker_buffer_size": tickerBufferSize,
	}).Info("ticker channels initialized")

	return c
}

func (c *Channels) Close() {
	close(c.Tickers)
	c.log.WithComponent("ticker_channels").Info("ticker channels closed")
}

// SendTicker forwards an update without blocking. Returns false when the
// update was dropped or the context is done.
func (c *Channels) SendTicker(ctx context.Context, update models.TickerUpdate) bool {
	select {
	case c.Tickers <- update:
		c.incrementSent()
		return true
	case <-ctx.Done():
		return false
	default:
		c.incrementDropped()
		return false
	}
}

func (c *Channels) incrementSent() {
	c.statsMutex.Lock()
	c.stats.Sent++
	c.statsMutex.Unlock()
}

func (c *Channels) incrementDropped() {
	c.statsMutex.Lock()
	c.stats.Dropped++
	c.statsMutex.Unlock()
}

func (c *Channels) GetStats() Stats {
	c.statsMutex.RLock()
	defer c.statsMutex.RUnlock()
	return c.stats
}
