// Package reconcile 实现交易暂存与落库对账：
// 执行期间持仓/订单先进内存暂存（latest-wins），信号收尾时一次性写入持久层。
package reconcile

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/betbot/futbot/internal/domain"
)

// Buffer 内存暂存区。
// 持仓按信号 ID 键控，订单按交易所订单 ID 键控；同键重复暂存后写覆盖先写，
// 这样乱序到达的成交回报最终只留最新状态。
type Buffer struct {
	mu        sync.Mutex
	positions map[int64]*domain.Position
	orders    map[string]*domain.Order
	bySignal  map[int64]map[string]struct{} // 信号 → 归属订单 ID 集合
}

// NewBuffer 创建暂存区
func NewBuffer() *Buffer {
	return &Buffer{
		positions: make(map[int64]*domain.Position),
		orders:    make(map[string]*domain.Order),
		bySignal:  make(map[int64]map[string]struct{}),
	}
}

// StagePosition 暂存持仓，latest-wins
func (b *Buffer) StagePosition(p *domain.Position) {
	if p == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.positions[p.SignalID] = p
}

// StageOrder 暂存订单，latest-wins。
// 已是终态的暂存记录不会被非终态回报倒退覆盖（乱序回报防护）。
func (b *Buffer) StageOrder(o *domain.Order) {
	if o == nil || o.ExchangeOrderID == "" {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if prev, ok := b.orders[o.ExchangeOrderID]; ok && prev.IsFinal() && !o.IsFinal() {
		return
	}
	b.orders[o.ExchangeOrderID] = o
	ids, ok := b.bySignal[o.SignalID]
	if !ok {
		ids = make(map[string]struct{})
		b.bySignal[o.SignalID] = ids
	}
	ids[o.ExchangeOrderID] = struct{}{}
}

// Snapshot 返回一个信号当前暂存的持仓与订单（不移除，落库成功后再 Evict）
func (b *Buffer) Snapshot(signalID int64) (*domain.Position, []*domain.Order) {
	b.mu.Lock()
	defer b.mu.Unlock()
	pos := b.positions[signalID]
	var orders []*domain.Order
	for id := range b.bySignal[signalID] {
		if o, ok := b.orders[id]; ok {
			orders = append(orders, o)
		}
	}
	return pos, orders
}

// Evict 移除一个信号已落库的暂存记录。
// keepOrders 里列出的订单保留在暂存区等待单独重试（部分失败路径）。
func (b *Buffer) Evict(signalID int64, keepOrders map[string]struct{}) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ids := b.bySignal[signalID]
	remaining := make(map[string]struct{})
	for id := range ids {
		if _, keep := keepOrders[id]; keep {
			remaining[id] = struct{}{}
			continue
		}
		delete(b.orders, id)
	}

	if len(remaining) == 0 {
		delete(b.positions, signalID)
		delete(b.bySignal, signalID)
		return
	}
	b.bySignal[signalID] = remaining
}

// UpdateMarkPrice 刷新暂存持仓的标记价格（行情推送驱动）。
// 返回被更新的持仓数。
func (b *Buffer) UpdateMarkPrice(symbol string, price decimal.Decimal, at time.Time) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, p := range b.positions {
		if p.Symbol == symbol && p.IsOpen() {
			p.MarkPrice = price
			p.UpdatedAt = at
			n++
		}
	}
	return n
}

// PendingSignals 返回仍有暂存记录的信号 ID 列表
func (b *Buffer) PendingSignals() []int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	seen := make(map[int64]struct{}, len(b.positions)+len(b.bySignal))
	for id := range b.positions {
		seen[id] = struct{}{}
	}
	for id := range b.bySignal {
		seen[id] = struct{}{}
	}
	out := make([]int64, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	return out
}

// Size 当前暂存的订单条数（指标用）
func (b *Buffer) Size() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.orders)
}
