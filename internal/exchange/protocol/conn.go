// Package protocol 实现交易协议通道：签名请求、关联 ID 分发、keepalive 与重连。
//
// 每个账户会话持有一条 Conn。并发模型：
//   - 每条连接一个读循环 + 一个 keepalive 循环
//   - 关联表只有三个互斥的操作方：发起路径 insert、分发路径 remove-on-match、
//     超时定时器 remove-on-expiry；先摘除者胜出
//   - 任何一次关闭（错误/空闲/主动）都会让全部在途请求立刻以连接错误失败，
//     不存在跨越重连还自以为在途的调用
package protocol

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jpillora/backoff"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/betbot/futbot/internal/exchange"
	"github.com/betbot/futbot/internal/exchange/signing"
	"github.com/betbot/futbot/internal/metrics"
	"github.com/betbot/futbot/pkg/sigchan"
	"github.com/betbot/futbot/pkg/syncgroup"
)

// State 通道状态
type State string

const (
	StateClosed         State = "CLOSED"
	StateConnecting     State = "CONNECTING"
	StateOpen           State = "OPEN"
	StateAuthenticating State = "AUTHENTICATING"
	StateAuthenticated  State = "AUTHENTICATED"
)

// Config 通道配置
type Config struct {
	ConnectTimeout time.Duration // 建连超时（含握手）
	CallTimeout    time.Duration // 默认调用超时
	PingInterval   time.Duration // keepalive 探测间隔
	PingTimeout    time.Duration // 单次探测超时
	MaxMissedPings int           // 连续未应答多少次后强制断开

	ReconnectEnabled  bool
	ReconnectMinDelay time.Duration
	ReconnectMaxDelay time.Duration
}

// DefaultConfig 返回默认通道配置
func DefaultConfig() *Config {
	return &Config{
		ConnectTimeout:    15 * time.Second,
		CallTimeout:       10 * time.Second,
		PingInterval:      20 * time.Second,
		PingTimeout:       5 * time.Second,
		MaxMissedPings:    3,
		ReconnectEnabled:  true,
		ReconnectMinDelay: 1 * time.Second,
		ReconnectMaxDelay: 60 * time.Second,
	}
}

// PushHandler 服务端推送处理器（账户事件、成交回报等）
type PushHandler func(ctx context.Context, event string, data json.RawMessage)

// Conn 交易协议通道（按账户一条）
type Conn struct {
	cfg   *Config
	creds *exchange.Credentials
	log   *logrus.Entry

	connectMu sync.Mutex // 串行化 Connect，防止并发建连

	mu         sync.Mutex // 保护 conn/state/connCancel/closed/authFailed
	conn       *websocket.Conn
	state      State
	connCancel context.CancelFunc
	closed     bool
	authFailed bool // 凭证被拒后禁止自动重连（必须重新加载凭证）

	writeMu sync.Mutex // 发送按调用顺序串行
	pending *pendingTable

	handlerMu           sync.RWMutex
	pushHandlers        []PushHandler
	authFailureHandlers []func(*exchange.AuthError)

	reconnectC *sigchan.Chan
	bo         *backoff.Backoff
	loopOnce   sync.Once

	rootCtx    context.Context
	rootCancel context.CancelFunc
	sg         *syncgroup.SyncGroup
}

// NewConn 创建交易协议通道。ctx 是会话级生命周期（取消即永久停止重连）。
func NewConn(ctx context.Context, creds *exchange.Credentials, cfg *Config) *Conn {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	rootCtx, rootCancel := context.WithCancel(ctx)
	return &Conn{
		cfg:        cfg,
		creds:      creds,
		log:        logrus.WithField("component", "proto_conn").WithField("account", creds.AccountID),
		state:      StateClosed,
		pending:    newPendingTable(),
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

// State 返回当前通道状态
func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Conn) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// OnPush 注册服务端推送处理器
func (c *Conn) OnPush(h PushHandler) {
	c.handlerMu.Lock()
	defer c.handlerMu.Unlock()
	c.pushHandlers = append(c.pushHandlers, h)
}

// OnAuthFailure 注册认证失败处理器（会话据此作废凭证）
func (c *Conn) OnAuthFailure(fn func(*exchange.AuthError)) {
	c.handlerMu.Lock()
	defer c.handlerMu.Unlock()
	c.authFailureHandlers = append(c.authFailureHandlers, fn)
}

// EnsureConnected 懒连接入口：已认证直接返回，否则走完整建连+登录
func (c *Conn) EnsureConnected(ctx context.Context) error {
	if c.State() == StateAuthenticated {
		return nil
	}
	return c.Connect(ctx)
}

// Connect 建立连接并完成登录认证。
// 认证被拒绝时返回 AuthError 且不会用同一份凭证自动重试。
func (c *Conn) Connect(ctx context.Context) error {
	c.connectMu.Lock()
	defer c.connectMu.Unlock()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return errors.Wrap(exchange.ErrConnection, "通道已被关闭")
	}
	if c.state == StateAuthenticated {
		c.mu.Unlock()
		return nil
	}
	c.state = StateConnecting
	c.mu.Unlock()

	c.loopOnce.Do(func() {
		c.sg.Go(c.reconnectLoop)
	})

	dialer := websocket.Dialer{HandshakeTimeout: c.cfg.ConnectTimeout}
	ws, _, err := dialer.DialContext(ctx, c.creds.ProtoURL, nil)
	if err != nil {
		c.setState(StateClosed)
		return errors.Wrapf(exchange.ErrConnection, "拨号失败: %v", err)
	}

	connCtx, connCancel := context.WithCancel(c.rootCtx)
	c.mu.Lock()
	c.conn = ws
	c.connCancel = connCancel
	c.state = StateOpen
	c.mu.Unlock()

	c.sg.Go(func() { c.readLoop(connCtx, ws) })

	c.setState(StateAuthenticating)
	if err := c.authenticate(ctx); err != nil {
		var authErr *exchange.AuthError
		if errors.As(err, &authErr) {
			c.mu.Lock()
			c.authFailed = true
			c.mu.Unlock()
			c.teardown(ws, err)
			metrics.AuthFailures.WithLabelValues(c.creds.AccountID).Inc()
			c.log.Errorf("❌ 登录被交易所拒绝: %v", authErr)
			c.emitAuthFailure(authErr)
			return err
		}
		c.teardown(ws, err)
		return err
	}

	c.setState(StateAuthenticated)
	c.bo.Reset()
	c.sg.Go(func() { c.keepaliveLoop(connCtx) })

	c.log.Infof("✅ 交易协议通道已认证: env=%s", c.creds.Environment)
	return nil
}

// authenticate 发送登录请求：当前时间戳 + 协议 key，Ed25519 签名
func (c *Conn) authenticate(ctx context.Context) error {
	params := map[string]string{
		"apiKey":    c.creds.ProtoKey,
		"timestamp": strconv.FormatInt(time.Now().UnixMilli(), 10),
	}
	_, err := c.call(ctx, "session.logon", params, c.cfg.CallTimeout, false)
	if err != nil {
		var xe *exchange.ExchangeError
		if errors.As(err, &xe) {
			// 业务层拒绝登录 == 签名/凭证被拒
			return &exchange.AuthError{AccountID: c.creds.AccountID, Reason: xe.Msg}
		}
		return err
	}
	return nil
}

// Call 发起一次签名调用并挂起等待关联响应。
// 失败语义：ErrTimeout / ErrConnection 不代表请求没有到达交易所；
// 改变状态的调用必须由调用方用 queryStatus 自行核实后再决定重试。
func (c *Conn) Call(ctx context.Context, method string, params map[string]string, timeout time.Duration) (json.RawMessage, error) {
	if timeout <= 0 {
		timeout = c.cfg.CallTimeout
	}
	return c.call(ctx, method, params, timeout, true)
}

func (c *Conn) call(ctx context.Context, method string, params map[string]string, timeout time.Duration, requireAuth bool) (json.RawMessage, error) {
	if requireAuth && c.State() != StateAuthenticated {
		return nil, exchange.ErrNotConnected
	}

	merged := make(map[string]string, len(params)+3)
	for k, v := range params {
		merged[k] = v
	}
	if _, ok := merged["apiKey"]; !ok {
		merged["apiKey"] = c.creds.ProtoKey
	}
	if _, ok := merged["timestamp"]; !ok {
		merged["timestamp"] = strconv.FormatInt(time.Now().UnixMilli(), 10)
	}
	sig, err := signing.SignEd25519(c.creds.ProtoPrivateKey, merged)
	if err != nil {
		return nil, &exchange.ConfigError{AccountID: c.creds.AccountID, Reason: err.Error()}
	}
	merged["signature"] = sig

	id := uuid.NewString()
	pc := &pendingCall{
		id:     id,
		method: method,
		done:   make(chan callResult, 1),
	}
	if !c.pending.add(pc, timeout, func() {
		c.pending.complete(id, nil, exchange.ErrTimeout)
	}) {
		return nil, &exchange.ProtocolError{Reason: fmt.Sprintf("correlation id collision: %s", id)}
	}
	metrics.PendingCalls.WithLabelValues(c.creds.AccountID).Set(float64(c.pending.size()))
	defer func() {
		metrics.PendingCalls.WithLabelValues(c.creds.AccountID).Set(float64(c.pending.size()))
	}()

	if err := c.send(&Request{ID: id, Method: method, Params: merged}); err != nil {
		if got := c.pending.take(id); got != nil {
			if got.timer != nil {
				got.timer.Stop()
			}
			metrics.Calls.WithLabelValues(c.creds.AccountID, method, "conn").Inc()
			return nil, errors.Wrapf(exchange.ErrConnection, "发送失败: %v", err)
		}
		// 发送失败的同时已被别的完成者摘走（例如 failAll），取它的结果
		res := <-pc.done
		c.countCall(method, res.err)
		return res.result, res.err
	}

	select {
	case res := <-pc.done:
		c.countCall(method, res.err)
		return res.result, res.err
	case <-ctx.Done():
		if got := c.pending.take(id); got != nil {
			if got.timer != nil {
				got.timer.Stop()
			}
			c.countCall(method, ctx.Err())
			return nil, ctx.Err()
		}
		res := <-pc.done
		c.countCall(method, res.err)
		return res.result, res.err
	}
}

func (c *Conn) countCall(method string, err error) {
	outcome := "ok"
	switch {
	case err == nil:
	case errors.Is(err, exchange.ErrTimeout):
		outcome = "timeout"
	case errors.Is(err, exchange.ErrConnection):
		outcome = "conn"
	default:
		var xe *exchange.ExchangeError
		if errors.As(err, &xe) {
			outcome = "exchange"
		} else {
			outcome = "error"
		}
	}
	metrics.Calls.WithLabelValues(c.creds.AccountID, method, outcome).Inc()
}

// PendingCalls 当前在途请求数（测试与诊断用）
func (c *Conn) PendingCalls() int {
	return c.pending.size()
}

func (c *Conn) send(req *Request) error {
	c.mu.Lock()
	ws := c.conn
	c.mu.Unlock()
	if ws == nil {
		return exchange.ErrConnection
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return ws.WriteJSON(req)
}

func (c *Conn) readLoop(connCtx context.Context, ws *websocket.Conn) {
	for {
		_, raw, err := ws.ReadMessage()
		if err != nil {
			select {
			case <-connCtx.Done():
				return
			default:
			}
			c.log.Warnf("读取错误: %v，通道将关闭并重连", err)
			c.scheduleReconnect(ws, err)
			return
		}
		c.handleMessage(raw)
	}
}

func (c *Conn) handleMessage(raw []byte) {
	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		// 协议层损坏：记录并丢弃，不影响在途请求
		c.log.Warnf("丢弃无法解析的消息: %v", &exchange.ProtocolError{Reason: err.Error()})
		return
	}

	switch {
	case msg.IsServerPing():
		// 服务端心跳带内应答，绝不进入关联表
		if err := c.send(&Request{Method: "pong"}); err != nil {
			c.log.Debugf("应答服务端心跳失败: %v", err)
		}
	case msg.IsResponse():
		var callErr error
		if msg.Error != nil {
			callErr = &exchange.ExchangeError{Code: msg.Error.Code, Msg: msg.Error.Msg}
		}
		if !c.pending.complete(msg.ID, msg.Result, callErr) {
			// 未知或迟到（已超时摘除）的关联 ID：直接丢弃
			c.log.Debugf("丢弃未知或迟到的响应: id=%s", msg.ID)
		}
	case msg.IsPush():
		metrics.PushEvents.WithLabelValues(c.creds.AccountID, msg.Event).Inc()
		c.dispatchPush(msg.Event, msg.Data)
	default:
		c.log.Debugf("丢弃无法识别的消息: %s", string(raw))
	}
}

func (c *Conn) dispatchPush(event string, data json.RawMessage) {
	c.handlerMu.RLock()
	handlers := c.pushHandlers
	c.handlerMu.RUnlock()

	// 串行分发，保证单会话内事件顺序
	for _, h := range handlers {
		if h == nil {
			continue
		}
		func(handler PushHandler) {
			defer func() {
				if r := recover(); r != nil {
					c.log.Errorf("推送处理器 panic: event=%s error=%v", event, r)
				}
			}()
			handler(c.rootCtx, event, data)
		}(h)
	}
}

func (c *Conn) emitAuthFailure(err *exchange.AuthError) {
	c.handlerMu.RLock()
	handlers := c.authFailureHandlers
	c.handlerMu.RUnlock()
	for _, fn := range handlers {
		if fn != nil {
			fn(err)
		}
	}
}

func (c *Conn) keepaliveLoop(connCtx context.Context) {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()

	missed := 0
	for {
		select {
		case <-connCtx.Done():
			return
		case <-ticker.C:
			if _, err := c.call(connCtx, "ping", nil, c.cfg.PingTimeout, false); err != nil {
				if connCtx.Err() != nil {
					return
				}
				missed++
				c.log.Warnf("keepalive 探测失败 (%d/%d): %v", missed, c.cfg.MaxMissedPings, err)
				if missed >= c.cfg.MaxMissedPings {
					c.mu.Lock()
					ws := c.conn
					c.mu.Unlock()
					c.scheduleReconnect(ws, fmt.Errorf("连续 %d 次 keepalive 未应答", missed))
					return
				}
			} else {
				missed = 0
			}
		}
	}
}

// teardown 关闭一条具体连接：失败所有在途请求并清空关联表。
// 返回 false 表示该连接已被替换/清理（旧 goroutine 的迟到错误，忽略）。
func (c *Conn) teardown(ws *websocket.Conn, cause error) bool {
	if ws == nil {
		return false
	}
	c.mu.Lock()
	if c.conn != ws {
		c.mu.Unlock()
		return false
	}
	c.conn = nil
	c.state = StateClosed
	cancel := c.connCancel
	c.connCancel = nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	_ = ws.Close()

	if n := c.pending.failAll(exchange.ErrConnection); n > 0 {
		c.log.Warnf("通道关闭，%d 个在途请求已按连接错误失败: cause=%v", n, cause)
	}
	return true
}

func (c *Conn) scheduleReconnect(ws *websocket.Conn, cause error) {
	if !c.teardown(ws, cause) {
		return
	}
	c.mu.Lock()
	closed, authFailed := c.closed, c.authFailed
	c.mu.Unlock()
	if closed || authFailed || !c.cfg.ReconnectEnabled {
		return
	}
	c.reconnectC.Emit()
}

// reconnectLoop 单 goroutine 消费重连信号（sigchan 合并重复触发），指数退避。
// 不同账户的会话各自持有独立的 Conn，互不阻塞。
func (c *Conn) reconnectLoop() {
	for {
		select {
		case <-c.rootCtx.Done():
			return
		case <-c.reconnectC.C():
		}

		delay := c.bo.Duration()
		metrics.Reconnects.WithLabelValues(c.creds.AccountID, "trading").Inc()
		c.log.Infof("%v 后尝试重连交易协议通道", delay)

		select {
		case <-c.rootCtx.Done():
			return
		case <-time.After(delay):
		}

		if err := c.Connect(c.rootCtx); err != nil {
			var authErr *exchange.AuthError
			if errors.As(err, &authErr) {
				// 凭证已被作废，等会话重新加载后重建 Conn，这里不再重试
				c.log.Errorf("重连时认证被拒，停止自动重连: %v", err)
				return
			}
			c.log.Warnf("重连失败: %v", err)
			c.reconnectC.Emit()
		} else {
			c.log.Infof("🔌 交易协议通道重连成功")
		}
	}
}

// Close 主动关闭通道：所有在途请求立即以连接错误失败，不再重连
func (c *Conn) Close() error {
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
		c.teardown(ws, errors.New("client closed"))
	} else {
		// 防御：无连接时关联表也应为空，这里兜底清空
		c.pending.failAll(exchange.ErrConnection)
	}
	c.setState(StateClosed)

	if !c.sg.WaitTimeout(3 * time.Second) {
		c.log.Warnf("等待通道 goroutine 退出超时（3秒），继续关闭")
	}
	return nil
}
