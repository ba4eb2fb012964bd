package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side 订单/持仓方向
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// OrderType 订单类型
type OrderType string

const (
	OrderTypeLimit  OrderType = "LIMIT"
	OrderTypeMarket OrderType = "MARKET"
)

// OrderStatus 订单状态
type OrderStatus string

const (
	OrderStatusNew             OrderStatus = "NEW"              // 已挂单
	OrderStatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED" // 部分成交
	OrderStatusFilled          OrderStatus = "FILLED"           // 全部成交
	OrderStatusCanceled        OrderStatus = "CANCELED"         // 已取消
	OrderStatusRejected        OrderStatus = "REJECTED"         // 被拒绝
	OrderStatusExpired         OrderStatus = "EXPIRED"          // 已过期
)

// Order 订单暂存记录（按交易所订单 ID 键控）
// 一笔订单总是归属于某个信号；落库时通过 SignalID 关联到已持久化的持仓行。
type Order struct {
	ExchangeOrderID string          // 交易所订单 ID（暂存键，落库时唯一约束）
	ClientOrderID   string          // 客户端订单 ID（下单时生成）
	SignalID        int64           // 来源信号 ID
	AccountID       string          // 所属账户
	Symbol          string          // 交易对
	Side            Side            // 方向
	Type            OrderType       // 类型
	Quantity        decimal.Decimal // 委托数量
	Price           decimal.Decimal // 委托价格（市价单为 0）
	FilledQuantity  decimal.Decimal // 已成交数量
	AvgFillPrice    decimal.Decimal // 成交均价
	Status          OrderStatus     // 状态
	CreatedAt       time.Time       // 下单时间
	UpdatedAt       time.Time       // 最近一次更新（成交/撤单回报）时间
}

// IsFinal 检查订单是否处于终态（不会再被回报覆盖）
func (o *Order) IsFinal() bool {
	switch o.Status {
	case OrderStatusFilled, OrderStatusCanceled, OrderStatusRejected, OrderStatusExpired:
		return true
	}
	return false
}

// IsFilled 检查订单是否全部成交
func (o *Order) IsFilled() bool {
	return o.Status == OrderStatusFilled
}

// ExecutedQuantity 返回已成交数量（未收到成交回报时按 0 计）
func (o *Order) ExecutedQuantity() decimal.Decimal {
	if o == nil {
		return decimal.Zero
	}
	return o.FilledQuantity
}
