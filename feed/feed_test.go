package feed

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"perpflow/config"
	"perpflow/internal/channel"
	"perpflow/models"
)

var upgrader = websocket.Upgrader{}

func testFeedConfig(url string) config.FeedConfig {
	return config.FeedConfig{
		URL:              url,
		InstType:         "SWAP",
		ReconnectDelay:   config.Duration(50 * time.Millisecond),
		PingInterval:     config.Duration(time.Minute),
		HandshakeTimeout: config.Duration(time.Second),
	}
}

// fakePushServer upgrades every request, records the subscription it
// receives and hands the connection to the per-connection script.
type fakePushServer struct {
	srv       *httptest.Server
	conns     atomic.Int64
	subscribe chan models.SubscribeRequest
}

func newFakePushServer(t *testing.T, script func(connNum int64, conn *websocket.Conn)) *fakePushServer {
	t.Helper()
	f := &fakePushServer{subscribe: make(chan models.SubscribeRequest, 8)}
	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		n := f.conns.Add(1)

		_, msg, err := conn.ReadMessage()
		if err != nil {
			conn.Close()
			return
		}
		var sub models.SubscribeRequest
		if err := json.Unmarshal(msg, &sub); err != nil {
			t.Errorf("bad subscribe frame %q: %v", msg, err)
		}
		f.subscribe <- sub

		script(n, conn)
		conn.Close()
	}))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakePushServer) wsURL() string {
	return "ws" + strings.TrimPrefix(f.srv.URL, "http")
}

func waitTicker(t *testing.T, ch *channel.Channels) models.TickerUpdate {
	t.Helper()
	select {
	case u := <-ch.Tickers:
		return u
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for ticker update")
		return models.TickerUpdate{}
	}
}

func TestFeedSubscribesAndDeliversUpdates(t *testing.T) {
	hold := make(chan struct{})
	server := newFakePushServer(t, func(_ int64, conn *websocket.Conn) {
		conn.WriteMessage(websocket.TextMessage, []byte(`{"event":"subscribe","arg":{"channel":"tickers"}}`))
		conn.WriteMessage(websocket.TextMessage, []byte(
			`{"arg":{"channel":"tickers"},"data":[{"instId":"BTC-USDT-SWAP","last":"65000.5","open24h":"64000","volCcy24h":"1200000"}]}`))
		conn.WriteMessage(websocket.TextMessage, []byte(
			`{"arg":{"channel":"tickers"},"data":[{"instId":"ETH-USDT-SWAP","last":"3100.25"}]}`))
		<-hold
	})
	defer close(hold)

	ch := channel.NewChannels(16)
	defer ch.Close()
	f := New(testFeedConfig(server.wsURL()), ch)
	if err := f.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer f.Stop()

	select {
	case sub := <-server.subscribe:
		if sub.Op != "subscribe" {
			t.Fatalf("op = %q", sub.Op)
		}
		if len(sub.Args) != 1 || sub.Args[0].Channel != "tickers" || sub.Args[0].InstType != "SWAP" {
			t.Fatalf("args = %+v", sub.Args)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no subscription received")
	}

	first := waitTicker(t, ch)
	if first.InstID != "BTC-USDT-SWAP" {
		t.Fatalf("inst = %q", first.InstID)
	}
	if first.LastPrice == nil || *first.LastPrice != 65000.5 {
		t.Fatalf("last = %v", first.LastPrice)
	}
	if first.Open24h == nil || *first.Open24h != 64000 {
		t.Fatalf("open24h = %v", first.Open24h)
	}

	second := waitTicker(t, ch)
	if second.InstID != "ETH-USDT-SWAP" {
		t.Fatalf("inst = %q", second.InstID)
	}
	// Absent fields stay nil so downstream merges keep prior values.
	if second.Open24h != nil || second.VolQuote24h != nil {
		t.Fatalf("partial update carried values: %+v", second)
	}
	if f.State() != StateOpen {
		t.Fatalf("state = %v", f.State())
	}
}

func TestFeedIgnoresControlAndMalformedFrames(t *testing.T) {
	hold := make(chan struct{})
	server := newFakePushServer(t, func(_ int64, conn *websocket.Conn) {
		conn.WriteMessage(websocket.TextMessage, []byte(`{"event":"error","code":"60012","msg":"invalid request"}`))
		conn.WriteMessage(websocket.TextMessage, []byte(`pong`))
		conn.WriteMessage(websocket.TextMessage, []byte(`{broken`))
		conn.WriteMessage(websocket.TextMessage, []byte(
			`{"data":[{"instId":"BAD","last":"not-a-number"},{"instId":"SOL-USDT-SWAP","last":"150"}]}`))
		<-hold
	})
	defer close(hold)

	ch := channel.NewChannels(16)
	defer ch.Close()
	f := New(testFeedConfig(server.wsURL()), ch)
	if err := f.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer f.Stop()

	got := waitTicker(t, ch)
	if got.InstID != "SOL-USDT-SWAP" {
		t.Fatalf("expected only the valid row, got %q", got.InstID)
	}
	select {
	case extra := <-ch.Tickers:
		t.Fatalf("unexpected extra update: %+v", extra)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestFeedReconnectsAfterDrop(t *testing.T) {
	hold := make(chan struct{})
	server := newFakePushServer(t, func(connNum int64, conn *websocket.Conn) {
		if connNum == 1 {
			// Drop the first connection right after the ack.
			conn.WriteMessage(websocket.TextMessage, []byte(`{"event":"subscribe"}`))
			return
		}
		conn.WriteMessage(websocket.TextMessage, []byte(
			`{"data":[{"instId":"BTC-USDT-SWAP","last":"65000"}]}`))
		<-hold
	})
	defer close(hold)

	ch := channel.NewChannels(16)
	defer ch.Close()
	f := New(testFeedConfig(server.wsURL()), ch)
	if err := f.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer f.Stop()

	got := waitTicker(t, ch)
	if got.InstID != "BTC-USDT-SWAP" {
		t.Fatalf("inst = %q", got.InstID)
	}
	if n := server.conns.Load(); n != 2 {
		t.Fatalf("expected exactly one reconnect, saw %d connections", n)
	}
	if f.State() != StateOpen {
		t.Fatalf("state = %v", f.State())
	}
}

func TestFeedStopSuppressesReconnect(t *testing.T) {
	server := newFakePushServer(t, func(_ int64, conn *websocket.Conn) {
		conn.WriteMessage(websocket.TextMessage, []byte(`{"event":"subscribe"}`))
		// Keep the connection open until the client goes away.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	ch := channel.NewChannels(16)
	defer ch.Close()
	f := New(testFeedConfig(server.wsURL()), ch)
	if err := f.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	<-server.subscribe
	f.Stop()

	if f.State() != StateClosed {
		t.Fatalf("state after stop = %v", f.State())
	}
	before := server.conns.Load()
	time.Sleep(200 * time.Millisecond)
	if after := server.conns.Load(); after != before {
		t.Fatalf("feed reconnected after stop: %d -> %d", before, after)
	}

	if err := f.Start(context.Background()); err != nil {
		t.Fatalf("restart: %v", err)
	}
	<-server.subscribe
	f.Stop()
}

func TestFeedStartTwice(t *testing.T) {
	hold := make(chan struct{})
	server := newFakePushServer(t, func(_ int64, conn *websocket.Conn) { <-hold })
	defer close(hold)

	ch := channel.NewChannels(16)
	defer ch.Close()
	f := New(testFeedConfig(server.wsURL()), ch)
	if err := f.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer f.Stop()
	if err := f.Start(context.Background()); err == nil {
		t.Fatal("second start should fail")
	}
}
