// Package services 对上游提供按账户的交易执行门面：
// 下单/撤单走交易协议通道，状态核实在通道不可用时退回 REST，
// 成交回报推送直接进暂存区，由对账器统一落库。
package services

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/betbot/futbot/internal/domain"
	"github.com/betbot/futbot/internal/exchange"
	"github.com/betbot/futbot/internal/exchange/protocol"
	"github.com/betbot/futbot/internal/exchange/rest"
	"github.com/betbot/futbot/internal/reconcile"
	"github.com/betbot/futbot/internal/session"
)

// Executor 交易执行门面
type Executor struct {
	registry *session.Registry
	rec      *reconcile.Reconciler
	log      *logrus.Entry

	callTimeout time.Duration

	mu    sync.Mutex
	wired map[string]*session.Session // 已挂推送处理器的会话（按账户）
}

// NewExecutor 创建执行门面
func NewExecutor(registry *session.Registry, rec *reconcile.Reconciler, callTimeout time.Duration) *Executor {
	if callTimeout <= 0 {
		callTimeout = 10 * time.Second
	}
	return &Executor{
		registry:    registry,
		rec:         rec,
		log:         logrus.WithField("component", "executor"),
		callTimeout: callTimeout,
		wired:       make(map[string]*session.Session),
	}
}

// getSession 取会话并保证成交回报推送已接到暂存区。
// 会话作废重建后是新实例，这里按指针识别并重新挂接。
func (e *Executor) getSession(ctx context.Context, accountID string) (*session.Session, error) {
	sess, err := e.registry.GetOrCreate(ctx, accountID)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	if e.wired[accountID] != sess {
		sess.Conn.OnPush(func(ctx context.Context, event string, data json.RawMessage) {
			e.handlePush(accountID, event, data)
		})
		e.wired[accountID] = sess
	}
	e.mu.Unlock()
	return sess, nil
}

// PlaceOrderRequest 下单请求
type PlaceOrderRequest struct {
	AccountID string
	SignalID  int64
	Symbol    string
	Side      domain.Side
	Type      domain.OrderType
	Quantity  decimal.Decimal
	Price     decimal.Decimal // 市价单忽略
}

// 订单在交易所侧的应答体（协议通道与 REST 共用同一形态）
type orderResult struct {
	OrderID       int64  `json:"orderId"`
	ClientOrderID string `json:"clientOrderId"`
	Symbol        string `json:"symbol"`
	Side          string `json:"side"`
	Type          string `json:"type"`
	Status        string `json:"status"`
	Price         string `json:"price"`
	OrigQty       string `json:"origQty"`
	ExecutedQty   string `json:"executedQty"`
	AvgPrice      string `json:"avgPrice"`
}

// newClientOrderID 把信号 ID 编进客户端订单号，成交回报凭它归属信号
func newClientOrderID(signalID int64) string {
	return fmt.Sprintf("sig-%d-%s", signalID, uuid.NewString()[:8])
}

// signalFromClientOrderID 从客户端订单号还原信号 ID，识别不出返回 0
func signalFromClientOrderID(clientOrderID string) int64 {
	if !strings.HasPrefix(clientOrderID, "sig-") {
		return 0
	}
	tail := strings.TrimPrefix(clientOrderID, "sig-")
	idx := strings.IndexByte(tail, '-')
	if idx <= 0 {
		return 0
	}
	id, err := strconv.ParseInt(tail[:idx], 10, 64)
	if err != nil {
		return 0
	}
	return id
}

// PlaceOrder 下单。
// 超时/连接错误不代表订单没有落到交易所：调用方必须先 QueryStatus
// 核实，再决定是否重下，绝不能直接盲重试。
func (e *Executor) PlaceOrder(ctx context.Context, req *PlaceOrderRequest) (*domain.Order, error) {
	sess, err := e.getSession(ctx, req.AccountID)
	if err != nil {
		return nil, err
	}
	if err := sess.Conn.EnsureConnected(ctx); err != nil {
		return nil, err
	}

	clientOrderID := newClientOrderID(req.SignalID)
	params := map[string]string{
		"symbol":           req.Symbol,
		"side":             string(req.Side),
		"type":             string(req.Type),
		"quantity":         req.Quantity.String(),
		"newClientOrderId": clientOrderID,
	}
	if req.Type == domain.OrderTypeLimit {
		params["price"] = req.Price.String()
		params["timeInForce"] = "GTC"
	}

	raw, err := sess.Conn.Call(ctx, "order.place", params, e.callTimeout)
	if err != nil {
		return nil, errors.Wrapf(err, "账户 %s 下单", req.AccountID)
	}

	var res orderResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, &exchange.ProtocolError{Reason: "下单应答无法解析: " + err.Error()}
	}
	order := e.toDomainOrder(req.AccountID, &res)
	if order.SignalID == 0 {
		order.SignalID = req.SignalID
	}
	e.rec.Buffer().StageOrder(order)
	e.stagePosition(req)
	e.log.Infof("账户 %s 下单成功: signal=%d order=%s %s %s %s@%s",
		req.AccountID, req.SignalID, order.ExchangeOrderID, order.Symbol, order.Side, order.Quantity, order.Price)
	return order, nil
}

// stagePosition 信号的第一笔订单落地时暂存持仓意图，订单没有持仓归属
// 就无法落库。已有暂存持仓（可能已被成交回报修正过）时不覆盖。
func (e *Executor) stagePosition(req *PlaceOrderRequest) {
	if req.SignalID == 0 {
		return
	}
	if pos, _ := e.rec.Buffer().Snapshot(req.SignalID); pos != nil {
		return
	}
	now := time.Now()
	e.rec.Buffer().StagePosition(&domain.Position{
		SignalID:   req.SignalID,
		AccountID:  req.AccountID,
		Symbol:     req.Symbol,
		Side:       req.Side,
		Quantity:   req.Quantity,
		EntryPrice: req.Price, // 市价单此处为零，成交回报到达后用均价修正
		Status:     domain.PositionStatusOpen,
		OpenedAt:   now,
		UpdatedAt:  now,
	})
}

// CancelOrder 撤单
func (e *Executor) CancelOrder(ctx context.Context, accountID, symbol, exchangeOrderID string) (*domain.Order, error) {
	sess, err := e.getSession(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if err := sess.Conn.EnsureConnected(ctx); err != nil {
		return nil, err
	}

	raw, err := sess.Conn.Call(ctx, "order.cancel", map[string]string{
		"symbol":  symbol,
		"orderId": exchangeOrderID,
	}, e.callTimeout)
	if err != nil {
		return nil, errors.Wrapf(err, "账户 %s 撤单 %s", accountID, exchangeOrderID)
	}

	var res orderResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, &exchange.ProtocolError{Reason: "撤单应答无法解析: " + err.Error()}
	}
	order := e.toDomainOrder(accountID, &res)
	e.rec.Buffer().StageOrder(order)
	return order, nil
}

// QueryStatus 查询订单状态。
// 协议通道不可用（未连接/断开/超时）时退回 REST 通道，保证
// 下单超时后的核实路径始终可走。
func (e *Executor) QueryStatus(ctx context.Context, accountID, symbol, exchangeOrderID string) (*domain.Order, error) {
	sess, err := e.getSession(ctx, accountID)
	if err != nil {
		return nil, err
	}

	// 交易通道没就绪就直接走 REST，不做试错式降级
	if sess.Conn.State() != protocol.StateAuthenticated {
		return e.queryStatusREST(ctx, sess, accountID, symbol, exchangeOrderID)
	}

	raw, callErr := sess.Conn.Call(ctx, "order.status", map[string]string{
		"symbol":  symbol,
		"orderId": exchangeOrderID,
	}, e.callTimeout)
	if callErr == nil {
		var res orderResult
		if err := json.Unmarshal(raw, &res); err != nil {
			return nil, &exchange.ProtocolError{Reason: "查单应答无法解析: " + err.Error()}
		}
		return e.toDomainOrder(accountID, &res), nil
	}
	if !errors.Is(callErr, exchange.ErrNotConnected) &&
		!errors.Is(callErr, exchange.ErrConnection) &&
		!errors.Is(callErr, exchange.ErrTimeout) {
		return nil, errors.Wrapf(callErr, "账户 %s 查单 %s", accountID, exchangeOrderID)
	}

	e.log.Warnf("账户 %s 协议通道查单失败，退回 REST: %v", accountID, callErr)
	return e.queryStatusREST(ctx, sess, accountID, symbol, exchangeOrderID)
}

func (e *Executor) queryStatusREST(ctx context.Context, sess *session.Session, accountID, symbol, exchangeOrderID string) (*domain.Order, error) {
	st, err := sess.REST.QueryOrder(ctx, symbol, exchangeOrderID)
	if err != nil {
		return nil, errors.Wrapf(err, "账户 %s REST 查单 %s", accountID, exchangeOrderID)
	}
	return e.toDomainOrder(accountID, &orderResult{
		OrderID:       st.OrderID,
		ClientOrderID: st.ClientOrderID,
		Symbol:        st.Symbol,
		Side:          st.Side,
		Type:          st.Type,
		Status:        st.Status,
		Price:         st.Price,
		OrigQty:       st.OrigQty,
		ExecutedQty:   st.ExecutedQty,
		AvgPrice:      st.AvgPrice,
	}), nil
}

// SyncBalance 同步账户余额（REST 通道）
func (e *Executor) SyncBalance(ctx context.Context, accountID string) ([]rest.AssetBalance, error) {
	sess, err := e.getSession(ctx, accountID)
	if err != nil {
		return nil, err
	}
	balances, err := sess.REST.Balance(ctx)
	if err != nil {
		return nil, errors.Wrapf(err, "账户 %s 同步余额", accountID)
	}
	e.log.Infof("账户 %s 余额已同步: %d 项资产", accountID, len(balances))
	return balances, nil
}

// FlushSignal 把一个信号的暂存记录落库
func (e *Executor) FlushSignal(ctx context.Context, signalID int64) error {
	return e.rec.Flush(ctx, signalID)
}

// handlePush 处理服务端推送：成交回报进暂存区，其余记日志
func (e *Executor) handlePush(accountID, event string, data json.RawMessage) {
	switch event {
	case "executionReport":
		var res orderResult
		if err := json.Unmarshal(data, &res); err != nil {
			e.log.Warnf("账户 %s 成交回报无法解析: %v", accountID, err)
			return
		}
		order := e.toDomainOrder(accountID, &res)
		if order.SignalID == 0 {
			// 无法归属信号的回报只记日志，不进暂存区
			e.log.Warnf("账户 %s 成交回报无法归属信号: order=%s client=%s",
				accountID, order.ExchangeOrderID, order.ClientOrderID)
			return
		}
		e.rec.Buffer().StageOrder(order)
		e.refreshPositionFromFill(order)
		e.log.Debugf("账户 %s 成交回报已暂存: signal=%d order=%s status=%s",
			accountID, order.SignalID, order.ExchangeOrderID, order.Status)
	default:
		e.log.Debugf("账户 %s 收到推送: event=%s", accountID, event)
	}
}

// refreshPositionFromFill 用成交均价修正暂存持仓的开仓价（市价单下单时拿不到价格）。
// 暂存的结构体一经入区不再原地改动，这里取快照、改副本、重新暂存。
func (e *Executor) refreshPositionFromFill(order *domain.Order) {
	if !order.IsFilled() || order.AvgFillPrice.IsZero() {
		return
	}
	pos, _ := e.rec.Buffer().Snapshot(order.SignalID)
	if pos == nil || pos.EntryPrice.Equal(order.AvgFillPrice) {
		return
	}
	updated := *pos
	updated.EntryPrice = order.AvgFillPrice
	updated.UpdatedAt = time.Now()
	e.rec.Buffer().StagePosition(&updated)
}

func (e *Executor) toDomainOrder(accountID string, res *orderResult) *domain.Order {
	now := time.Now()
	return &domain.Order{
		ExchangeOrderID: strconv.FormatInt(res.OrderID, 10),
		ClientOrderID:   res.ClientOrderID,
		SignalID:        signalFromClientOrderID(res.ClientOrderID),
		AccountID:       accountID,
		Symbol:          res.Symbol,
		Side:            domain.Side(res.Side),
		Type:            domain.OrderType(res.Type),
		Status:          domain.OrderStatus(res.Status),
		Quantity:        parseDecimal(res.OrigQty),
		Price:           parseDecimal(res.Price),
		FilledQuantity:  parseDecimal(res.ExecutedQty),
		AvgFillPrice:    parseDecimal(res.AvgPrice),
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

func parseDecimal(s string) decimal.Decimal {
	if s == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}
