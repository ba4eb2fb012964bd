// Package stream 实现行情通道：免认证 WebSocket，标记价格推送，断线重连后自动恢复订阅。
package stream

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jpillora/backoff"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/betbot/futbot/internal/exchange"
	"github.com/betbot/futbot/internal/metrics"
	"github.com/betbot/futbot/pkg/sigchan"
	"github.com/betbot/futbot/pkg/syncgroup"
)

// Tick 一条标记价格更新
type Tick struct {
	Symbol    string
	MarkPrice decimal.Decimal
	EventTime time.Time
}

// TickHandler 行情回调（直接回调，不走事件总线）
type TickHandler func(tick *Tick)

// Config 行情通道配置
type Config struct {
	ConnectTimeout    time.Duration
	PingInterval      time.Duration // 控制帧 ping 间隔
	PongTimeout       time.Duration // 超过该时长没有 pong 视为连接不健康
	ReconnectMinDelay time.Duration
	ReconnectMaxDelay time.Duration
}

// DefaultConfig 返回默认行情通道配置
func DefaultConfig() *Config {
	return &Config{
		ConnectTimeout:    15 * time.Second,
		PingInterval:      15 * time.Second,
		PongTimeout:       45 * time.Second,
		ReconnectMinDelay: 1 * time.Second,
		ReconnectMaxDelay: 60 * time.Second,
	}
}

// 入站行情帧（markPriceUpdate）
type tickFrame struct {
	Event     string `json:"e"`
	EventTime int64  `json:"E"`
	Symbol    string `json:"s"`
	MarkPrice string `json:"p"`
}

// 出站订阅帧
type subscribeFrame struct {
	Method string   `json:"method"`
	Params []string `json:"params"`
	ID     int64    `json:"id"`
}

// Client 行情 WebSocket 客户端。
// 订阅集合保存在客户端侧，重连成功后全量重放，调用方无需感知断线。
type Client struct {
	url string
	cfg *Config
	log *logrus.Entry

	mu         sync.Mutex // 保护 conn/closed/connCancel/subs/nextID
	conn       *websocket.Conn
	closed     bool
	connCancel context.CancelFunc
	subs       map[string]struct{}
	nextID     int64

	writeMu sync.Mutex

	handlerMu sync.RWMutex
	handlers  []TickHandler

	reconnectC *sigchan.Chan
	bo         *backoff.Backoff
	loopOnce   sync.Once

	rootCtx    context.Context
	rootCancel context.CancelFunc
	sg         *syncgroup.SyncGroup
}

// NewClient 创建行情客户端。ctx 是会话级生命周期。
func NewClient(ctx context.Context, url string, cfg *Config) *Client {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	rootCtx, rootCancel := context.WithCancel(ctx)
	return &Client{
		url:        url,
		cfg:        cfg,
		log:        logrus.WithField("component", "market_stream"),
		subs:       make(map[string]struct{}),
		reconnectC: sigchan.New(1),
		bo: &backoff.Backoff{
			Min:    cfg.ReconnectMinDelay,
			Max:    cfg.ReconnectMaxDelay,
			Factor: 2,
			Jitter: true,
		},
		rootCtx:    rootCtx,
		rootCancel: rootCancel,
		sg:         syncgroup.NewSyncGroup(),
	}
}

// OnTick 注册行情回调
func (c *Client) OnTick(h TickHandler) {
	c.handlerMu.Lock()
	defer c.handlerMu.Unlock()
	c.handlers = append(c.handlers, h)
}

// Connect 建立行情连接并重放已有订阅
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return errors.Wrap(exchange.ErrConnection, "行情通道已被关闭")
	}
	if c.conn != nil {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	c.loopOnce.Do(func() {
		c.sg.Go(c.reconnectLoop)
	})

	dialer := websocket.Dialer{HandshakeTimeout: c.cfg.ConnectTimeout}
	ws, _, err := dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return errors.Wrapf(exchange.ErrConnection, "行情通道拨号失败: %v", err)
	}

	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(c.cfg.PongTimeout))
	})
	_ = ws.SetReadDeadline(time.Now().Add(c.cfg.PongTimeout))

	connCtx, connCancel := context.WithCancel(c.rootCtx)
	c.mu.Lock()
	c.conn = ws
	c.connCancel = connCancel
	resub := make([]string, 0, len(c.subs))
	for sym := range c.subs {
		resub = append(resub, sym)
	}
	c.mu.Unlock()

	c.sg.Go(func() { c.readLoop(connCtx, ws) })
	c.sg.Go(func() { c.pingLoop(connCtx, ws) })

	if len(resub) > 0 {
		if err := c.sendSubscribe(ws, resub); err != nil {
			c.scheduleReconnect(ws, err)
			return errors.Wrapf(exchange.ErrConnection, "重放订阅失败: %v", err)
		}
		c.log.Infof("重连后恢复 %d 个行情订阅", len(resub))
	}

	c.bo.Reset()
	c.log.Infof("✅ 行情通道已连接: %s", c.url)
	return nil
}

// Subscribe 订阅一批合约的标记价格。订阅集合会在重连后自动恢复。
func (c *Client) Subscribe(symbols ...string) error {
	c.mu.Lock()
	fresh := make([]string, 0, len(symbols))
	for _, sym := range symbols {
		sym = strings.ToUpper(sym)
		if _, ok := c.subs[sym]; !ok {
			c.subs[sym] = struct{}{}
			fresh = append(fresh, sym)
		}
	}
	ws := c.conn
	c.mu.Unlock()

	if len(fresh) == 0 {
		return nil
	}
	if ws == nil {
		// 未连接时只登记，连接建立时统一重放
		return nil
	}
	return c.sendSubscribe(ws, fresh)
}

func (c *Client) sendSubscribe(ws *websocket.Conn, symbols []string) error {
	params := make([]string, 0, len(symbols))
	for _, sym := range symbols {
		params = append(params, strings.ToLower(sym)+"@markPrice")
	}
	c.mu.Lock()
	c.nextID++
	id := c.nextID
	c.mu.Unlock()

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return ws.WriteJSON(&subscribeFrame{Method: "SUBSCRIBE", Params: params, ID: id})
}

func (c *Client) readLoop(connCtx context.Context, ws *websocket.Conn) {
	for {
		_, raw, err := ws.ReadMessage()
		if err != nil {
			select {
			case <-connCtx.Done():
				return
			default:
			}
			c.log.Warnf("行情通道读取错误: %v，将重连", err)
			c.scheduleReconnect(ws, err)
			return
		}

		var frame tickFrame
		if err := json.Unmarshal(raw, &frame); err != nil || frame.Event != "markPriceUpdate" {
			// 订阅确认等非行情帧直接忽略
			continue
		}
		price, err := decimal.NewFromString(frame.MarkPrice)
		if err != nil {
			c.log.Warnf("丢弃无法解析的标记价格: symbol=%s p=%q", frame.Symbol, frame.MarkPrice)
			continue
		}
		c.dispatch(&Tick{
			Symbol:    frame.Symbol,
			MarkPrice: price,
			EventTime: time.UnixMilli(frame.EventTime),
		})
	}
}

func (c *Client) dispatch(tick *Tick) {
	c.handlerMu.RLock()
	handlers := c.handlers
	c.handlerMu.RUnlock()
	for _, h := range handlers {
		if h != nil {
			h(tick)
		}
	}
}

func (c *Client) pingLoop(connCtx context.Context, ws *websocket.Conn) {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-connCtx.Done():
			return
		case <-ticker.C:
			c.writeMu.Lock()
			err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
			c.writeMu.Unlock()
			if err != nil {
				c.log.Warnf("行情通道 ping 发送失败: %v", err)
				c.scheduleReconnect(ws, err)
				return
			}
		}
	}
}

func (c *Client) teardown(ws *websocket.Conn) bool {
	c.mu.Lock()
	if c.conn != ws || ws == nil {
		c.mu.Unlock()
		return false
	}
	c.conn = nil
	cancel := c.connCancel
	c.connCancel = nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	_ = ws.Close()
	return true
}

func (c *Client) scheduleReconnect(ws *websocket.Conn, cause error) {
	if !c.teardown(ws) {
		return
	}
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return
	}
	c.log.Warnf("行情通道断开: %v", cause)
	c.reconnectC.Emit()
}

func (c *Client) reconnectLoop() {
	for {
		select {
		case <-c.rootCtx.Done():
			return
		case <-c.reconnectC.C():
		}

		delay := c.bo.Duration()
		metrics.Reconnects.WithLabelValues("-", "market").Inc()
		c.log.Infof("%v 后尝试重连行情通道", delay)

		select {
		case <-c.rootCtx.Done():
			return
		case <-time.After(delay):
		}

		if err := c.Connect(c.rootCtx); err != nil {
			c.log.Warnf("行情通道重连失败: %v", err)
			c.reconnectC.Emit()
		}
	}
}

// Close 关闭行情通道，不再重连
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	ws := c.conn
	c.mu.Unlock()

	c.rootCancel()
	if ws != nil {
		c.teardown(ws)
	}
	if !c.sg.WaitTimeout(3 * time.Second) {
		c.log.Warnf("等待行情通道 goroutine 退出超时（3秒），继续关闭")
	}
	return nil
}
