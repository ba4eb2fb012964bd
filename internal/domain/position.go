package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// PositionStatus 持仓状态
type PositionStatus string

const (
	PositionStatusOpen   PositionStatus = "open"   // 持仓中
	PositionStatusClosed PositionStatus = "closed" // 已平仓
)

// Position 持仓暂存记录（按信号 ID 键控）
// 执行一个信号期间在内存中累积，由 Reconciler 一次性落库。
// 字段与最终持久化的行一致，落库前可被后续成交覆盖更新（latest-wins）。
type Position struct {
	SignalID   int64           // 来源信号 ID（暂存键）
	AccountID  string          // 所属账户
	Symbol     string          // 交易对，例如 BTCUSDT
	Side       Side            // 持仓方向
	Quantity   decimal.Decimal // 持仓数量
	EntryPrice decimal.Decimal // 开仓均价
	MarkPrice  decimal.Decimal // 最近标记价格（可选）
	Leverage   int             // 杠杆倍数
	Status     PositionStatus  // 持仓状态
	OpenedAt   time.Time       // 开仓时间
	UpdatedAt  time.Time       // 最近一次更新时间
}

// Notional 返回名义价值（数量 * 开仓均价）
func (p *Position) Notional() decimal.Decimal {
	return p.Quantity.Mul(p.EntryPrice)
}

// IsOpen 检查持仓是否仍然打开
func (p *Position) IsOpen() bool {
	return p.Status == PositionStatusOpen
}
