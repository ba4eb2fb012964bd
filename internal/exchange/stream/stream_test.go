package stream

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeFeed 进程内的假行情源：记录订阅，按需推送行情帧
type fakeFeed struct {
	t   *testing.T
	srv *httptest.Server

	mu   sync.Mutex
	ws   *websocket.Conn
	subs [][]string
}

func newFakeFeed(t *testing.T) *fakeFeed {
	ff := &fakeFeed{t: t}
	upgrader := websocket.Upgrader{}
	ff.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		ff.mu.Lock()
		ff.ws = ws
		ff.mu.Unlock()
		defer ws.Close()
		for {
			var frame subscribeFrame
			if err := ws.ReadJSON(&frame); err != nil {
				return
			}
			if frame.Method == "SUBSCRIBE" {
				ff.mu.Lock()
				ff.subs = append(ff.subs, frame.Params)
				ff.mu.Unlock()
			}
		}
	}))
	t.Cleanup(ff.srv.Close)
	return ff
}

func (ff *fakeFeed) url() string {
	return "ws" + strings.TrimPrefix(ff.srv.URL, "http")
}

func (ff *fakeFeed) pushTick(symbol, price string, eventTime int64) {
	ff.mu.Lock()
	ws := ff.ws
	ff.mu.Unlock()
	require.NotNil(ff.t, ws)
	require.NoError(ff.t, ws.WriteJSON(&tickFrame{
		Event: "markPriceUpdate", EventTime: eventTime, Symbol: symbol, MarkPrice: price,
	}))
}

func (ff *fakeFeed) closeConn() {
	ff.mu.Lock()
	ws := ff.ws
	ff.ws = nil
	ff.mu.Unlock()
	if ws != nil {
		_ = ws.Close()
	}
}

func (ff *fakeFeed) subCount() int {
	ff.mu.Lock()
	defer ff.mu.Unlock()
	return len(ff.subs)
}

func testStreamConfig() *Config {
	cfg := DefaultConfig()
	cfg.ConnectTimeout = 2 * time.Second
	cfg.PingInterval = time.Hour
	cfg.PongTimeout = time.Hour
	cfg.ReconnectMinDelay = 10 * time.Millisecond
	cfg.ReconnectMaxDelay = 50 * time.Millisecond
	return cfg
}

func TestClient_SubscribeAndTick(t *testing.T) {
	ff := newFakeFeed(t)
	c := NewClient(context.Background(), ff.url(), testStreamConfig())
	t.Cleanup(func() { _ = c.Close() })

	ticks := make(chan *Tick, 4)
	c.OnTick(func(tick *Tick) { ticks <- tick })

	require.NoError(t, c.Connect(context.Background()))
	require.NoError(t, c.Subscribe("BTCUSDT"))
	require.Eventually(t, func() bool { return ff.subCount() == 1 }, time.Second, 5*time.Millisecond)

	ff.pushTick("BTCUSDT", "45000.00", time.Now().UnixMilli())
	select {
	case tick := <-ticks:
		assert.Equal(t, "BTCUSDT", tick.Symbol)
		assert.Equal(t, "45000", tick.MarkPrice.String())
	case <-time.After(time.Second):
		t.Fatal("未收到行情回调")
	}
}

func TestClient_MalformedTickIgnored(t *testing.T) {
	ff := newFakeFeed(t)
	c := NewClient(context.Background(), ff.url(), testStreamConfig())
	t.Cleanup(func() { _ = c.Close() })

	ticks := make(chan *Tick, 4)
	c.OnTick(func(tick *Tick) { ticks <- tick })
	require.NoError(t, c.Connect(context.Background()))

	// 非法价格的帧被丢弃，后续正常帧不受影响
	ff.pushTick("BTCUSDT", "not-a-number", time.Now().UnixMilli())
	ff.pushTick("BTCUSDT", "45100.5", time.Now().UnixMilli())

	select {
	case tick := <-ticks:
		assert.Equal(t, "45100.5", tick.MarkPrice.String())
	case <-time.After(time.Second):
		t.Fatal("未收到行情回调")
	}
}

// 断线后自动重连并恢复订阅
func TestClient_ReconnectRestoresSubscriptions(t *testing.T) {
	ff := newFakeFeed(t)
	c := NewClient(context.Background(), ff.url(), testStreamConfig())
	t.Cleanup(func() { _ = c.Close() })

	ticks := make(chan *Tick, 4)
	c.OnTick(func(tick *Tick) { ticks <- tick })

	require.NoError(t, c.Connect(context.Background()))
	require.NoError(t, c.Subscribe("BTCUSDT", "ETHUSDT"))
	require.Eventually(t, func() bool { return ff.subCount() == 1 }, time.Second, 5*time.Millisecond)

	ff.closeConn()

	// 重连完成的标志：假行情源收到第二份（重放的）订阅
	require.Eventually(t, func() bool { return ff.subCount() == 2 }, 3*time.Second, 10*time.Millisecond)
	ff.mu.Lock()
	replayed := ff.subs[1]
	ff.mu.Unlock()
	assert.ElementsMatch(t, []string{"btcusdt@markPrice", "ethusdt@markPrice"}, replayed)

	ff.pushTick("ETHUSDT", "3100.25", time.Now().UnixMilli())
	select {
	case tick := <-ticks:
		assert.Equal(t, "ETHUSDT", tick.Symbol)
	case <-time.After(time.Second):
		t.Fatal("重连后未收到行情回调")
	}
}

func TestClient_SubscribeBeforeConnect(t *testing.T) {
	ff := newFakeFeed(t)
	c := NewClient(context.Background(), ff.url(), testStreamConfig())
	t.Cleanup(func() { _ = c.Close() })

	// 未连接时订阅只登记，建连时统一重放
	require.NoError(t, c.Subscribe("BTCUSDT"))
	require.NoError(t, c.Connect(context.Background()))
	require.Eventually(t, func() bool { return ff.subCount() == 1 }, time.Second, 5*time.Millisecond)
}
