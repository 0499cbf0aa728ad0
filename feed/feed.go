// Package feed maintains the push connection for instrument tickers. It
// subscribes to all instruments of one market type, forwards parsed
// deltas to the ticker channel and reconnects after a fixed delay until
// explicitly stopped.
package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"perpflow/config"
	"perpflow/internal/channel"
	"perpflow/logger"
	"perpflow/metrics"
	"perpflow/models"
)

// ConnState is the observable connection state.
type ConnState int32

const (
	StateConnecting ConnState = iota
	StateOpen
	StateClosed
	StateError
)

func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	case StateError:
		return "error"
	}
	return "unknown"
}

// Feed owns the live push connection. It is the only writer of ticker
// updates; consumers read them from the channel package.
type Feed struct {
	cfg      config.FeedConfig
	channels *channel.Channels
	log      *logger.Log

	ctx     context.Context
	cancel  context.CancelFunc
	wg      *sync.WaitGroup
	mu      sync.RWMutex
	running bool

	state   atomic.Int32
	stateCh chan ConnState
}

func New(cfg config.FeedConfig, ch *channel.Channels) *Feed {
	f := &Feed{
		cfg:      cfg,
		channels: ch,
		log:      logger.GetLogger(),
		wg:       &sync.WaitGroup{},
		stateCh:  make(chan ConnState, 16),
	}
	f.state.Store(int32(StateConnecting))
	return f
}

// State returns the current connection state.
func (f *Feed) State() ConnState {
	return ConnState(f.state.Load())
}

// StateChanges exposes connection state transitions. The channel is
// buffered; slow readers miss intermediate transitions, never block the
// feed.
func (f *Feed) StateChanges() <-chan ConnState {
	return f.stateCh
}

func (f *Feed) setState(s ConnState) {
	f.state.Store(int32(s))
	select {
	case f.stateCh <- s:
	default:
	}
}

// Start connects and keeps the subscription alive until Stop or context
// cancellation.
func (f *Feed) Start(ctx context.Context) error {
	f.mu.Lock()
	if f.running {
		f.mu.Unlock()
		return fmt.Errorf("feed already running")
	}
	f.running = true
	f.ctx, f.cancel = context.WithCancel(ctx)
	f.mu.Unlock()

	log := f.log.WithComponent("ticker_feed").WithFields(logger.Fields{"url": f.cfg.URL, "inst_type": f.cfg.InstType})
	log.Info("starting ticker feed")
	f.wg.Add(1)
	go f.stream()
	return nil
}

// Stop tears the connection down and suppresses further reconnects.
func (f *Feed) Stop() {
	f.mu.Lock()
	if !f.running {
		f.mu.Unlock()
		return
	}
	f.running = false
	cancel := f.cancel
	f.mu.Unlock()

	f.log.WithComponent("ticker_feed").Info("stopping ticker feed")
	cancel()
	f.wg.Wait()
	f.setState(StateClosed)
	f.log.WithComponent("ticker_feed").Info("ticker feed stopped")
}

// stream handles the websocket lifecycle: dial, subscribe, read, and
// reconnect after the fixed delay. There is no permanent failure state;
// only Stop ends the loop.
func (f *Feed) stream() {
	defer f.wg.Done()
	log := f.log.WithComponent("ticker_feed").WithFields(logger.Fields{"worker": "ticker_stream"})

	for {
		if f.ctx.Err() != nil {
			return
		}
		f.setState(StateConnecting)

		dialer := websocket.Dialer{HandshakeTimeout: f.cfg.HandshakeTimeout.D()}
		conn, _, err := dialer.DialContext(f.ctx, f.cfg.URL, nil)
		if err != nil {
			f.setState(StateError)
			log.WithError(err).Warn("failed to connect, retrying")
			logger.IncrementReconnect()
			metrics.FeedReconnect()
			if !f.pause() {
				return
			}
			continue
		}

		sub := models.SubscribeRequest{
			Op:   "subscribe",
			Args: []models.SubscribeArg{{Channel: "tickers", InstType: f.cfg.InstType}},
		}
		if err := conn.WriteJSON(sub); err != nil {
			log.WithError(err).Warn("failed to subscribe")
			conn.Close()
			f.setState(StateError)
			if !f.pause() {
				return
			}
			continue
		}
		f.setState(StateOpen)
		log.Info("subscribed to ticker channel")

		// The keepalive goroutine doubles as the unblocker: closing the
		// connection on teardown is what breaks ReadMessage out.
		pingTicker := time.NewTicker(f.cfg.PingInterval.D())
		done := make(chan struct{})
		go func() {
			defer pingTicker.Stop()
			for {
				select {
				case <-done:
					return
				case <-f.ctx.Done():
					conn.Close()
					return
				case <-pingTicker.C:
					conn.WriteMessage(websocket.TextMessage, []byte("ping"))
				}
			}
		}()

		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				close(done)
				conn.Close()
				f.setState(StateClosed)
				if f.ctx.Err() != nil {
					return
				}
				log.WithError(err).Warn("read error, reconnecting")
				logger.IncrementReconnect()
				metrics.FeedReconnect()
				break
			}
			f.handleMessage(msg)
		}

		// Exactly one reconnect is scheduled per drop.
		if !f.pause() {
			return
		}
	}
}

// pause waits the reconnect delay; false means teardown was requested.
func (f *Feed) pause() bool {
	select {
	case <-time.After(f.cfg.ReconnectDelay.D()):
		return true
	case <-f.ctx.Done():
		return false
	}
}

// handleMessage merges one inbound frame. Control/ack frames and
// malformed payloads are dropped without propagating errors.
func (f *Feed) handleMessage(msg []byte) {
	if len(msg) == 0 || string(msg) == "pong" {
		return
	}
	var parsed models.TickerMessage
	if err := json.Unmarshal(msg, &parsed); err != nil {
		f.log.WithComponent("ticker_feed").WithError(err).Debug("dropping malformed message")
		return
	}
	if parsed.Event != "" {
		// subscribe acks and error notices carry no data
		return
	}
	if len(parsed.Data) == 0 {
		return
	}

	now := time.Now().UTC()
	forwarded := 0
	for _, row := range parsed.Data {
		update, err := row.Update(now)
		if err != nil {
			f.log.WithComponent("ticker_feed").WithError(err).Debug("dropping malformed ticker row")
			continue
		}
		if f.channels.SendTicker(f.ctx, update) {
			forwarded++
		}
	}
	if forwarded > 0 {
		logger.IncrementTickerRead(len(msg))
		metrics.FeedMessage()
	}
}
