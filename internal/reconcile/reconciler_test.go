package reconcile

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/betbot/futbot/internal/domain"
	"github.com/betbot/futbot/internal/exchange"
	"github.com/betbot/futbot/internal/storage"
)

func newTestReconciler(t *testing.T) (*Reconciler, *storage.Store) {
	store, err := storage.Open(filepath.Join(t.TempDir(), "trades.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return NewReconciler(store, NewBuffer()), store
}

// 完整链路：信号 555 开仓 BTCUSDT 0.50@45000，订单 1001 LIMIT 全部成交
func TestReconciler_FlushSignal(t *testing.T) {
	r, store := newTestReconciler(t)
	ctx := context.Background()

	r.Buffer().StagePosition(stagePos(555, "0.50"))
	filled := stageOrd(555, "1001", domain.OrderStatusFilled)
	filled.FilledQuantity = decimal.RequireFromString("0.50")
	filled.AvgFillPrice = decimal.RequireFromString("45000")
	r.Buffer().StageOrder(filled)

	require.NoError(t, r.Flush(ctx, 555))

	pos, err := store.GetPosition(ctx, 555)
	require.NoError(t, err)
	require.NotNil(t, pos)
	assert.Equal(t, "BTCUSDT", pos.Symbol)
	assert.True(t, pos.Quantity.Equal(decimal.RequireFromString("0.5")))
	assert.True(t, pos.EntryPrice.Equal(decimal.RequireFromString("45000")))

	ord, err := store.GetOrder(ctx, "1001")
	require.NoError(t, err)
	require.NotNil(t, ord)
	assert.Equal(t, domain.OrderTypeLimit, ord.Type)
	assert.Equal(t, domain.OrderStatusFilled, ord.Status)

	consumed, err := store.SignalConsumed(ctx, 555)
	require.NoError(t, err)
	assert.True(t, consumed)

	// 落库成功后暂存区应当清空
	p, orders := r.Buffer().Snapshot(555)
	assert.Nil(t, p)
	assert.Empty(t, orders)
}

// 重复 Flush 同一信号是 no-op（崩溃恢复后安全重放）
func TestReconciler_FlushIdempotent(t *testing.T) {
	r, store := newTestReconciler(t)
	ctx := context.Background()

	r.Buffer().StagePosition(stagePos(555, "0.50"))
	r.Buffer().StageOrder(stageOrd(555, "1001", domain.OrderStatusFilled))
	require.NoError(t, r.Flush(ctx, 555))

	// 重放：即便有人又把同样的记录塞回暂存区
	r.Buffer().StagePosition(stagePos(555, "0.50"))
	require.NoError(t, r.Flush(ctx, 555))

	orders, err := store.ListOrdersBySignal(ctx, 555)
	require.NoError(t, err)
	assert.Len(t, orders, 1)
}

func TestReconciler_FlushNothingStaged(t *testing.T) {
	r, _ := newTestReconciler(t)
	assert.NoError(t, r.Flush(context.Background(), 999))
}

// 部分失败：坏订单留在暂存区，好订单与持仓照常落库，信号保持未消费
// 只有订单没有持仓（暂存和库里都没有）时不落库
func TestReconciler_OrderWithoutPosition(t *testing.T) {
	r, store := newTestReconciler(t)
	ctx := context.Background()

	r.Buffer().StageOrder(stageOrd(777, "2001", domain.OrderStatusFilled))

	err := r.Flush(ctx, 777)
	var rerr *exchange.ReconcileError
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, []string{"2001"}, rerr.FailedOrders)

	ord, err := store.GetOrder(ctx, "2001")
	require.NoError(t, err)
	assert.Nil(t, ord)

	// 订单留在暂存区，补上持仓后重试成功
	r.Buffer().StagePosition(stagePos(777, "1.00"))
	require.NoError(t, r.Flush(ctx, 777))

	ord, err = store.GetOrder(ctx, "2001")
	require.NoError(t, err)
	require.NotNil(t, ord)
}

func TestReconciler_PartialFailure(t *testing.T) {
	r, store := newTestReconciler(t)
	ctx := context.Background()

	r.Buffer().StagePosition(stagePos(555, "0.50"))
	r.Buffer().StageOrder(stageOrd(555, "1001", domain.OrderStatusFilled))
	bad := stageOrd(555, "1002", domain.OrderStatusNew)
	bad.Quantity = decimal.Zero // 非法数量，校验不过
	r.Buffer().StageOrder(bad)

	err := r.Flush(ctx, 555)
	var rerr *exchange.ReconcileError
	require.True(t, errors.As(err, &rerr))
	assert.Equal(t, int64(555), rerr.SignalID)
	assert.Equal(t, []string{"1002"}, rerr.FailedOrders)

	// 好订单已落库
	ord, err2 := store.GetOrder(ctx, "1001")
	require.NoError(t, err2)
	require.NotNil(t, ord)

	// 坏订单还在暂存区，信号未消费
	_, staged := r.Buffer().Snapshot(555)
	require.Len(t, staged, 1)
	assert.Equal(t, "1002", staged[0].ExchangeOrderID)
	consumed, err2 := store.SignalConsumed(ctx, 555)
	require.NoError(t, err2)
	assert.False(t, consumed)

	// 修复后重试只补写剩下的订单
	fixed := stageOrd(555, "1002", domain.OrderStatusFilled)
	r.Buffer().StageOrder(fixed)
	require.NoError(t, r.Flush(ctx, 555))

	orders, err2 := store.ListOrdersBySignal(ctx, 555)
	require.NoError(t, err2)
	assert.Len(t, orders, 2)
	consumed, err2 = store.SignalConsumed(ctx, 555)
	require.NoError(t, err2)
	assert.True(t, consumed)
}

// 同一信号并发 Flush 串行执行，不产生重复行
func TestReconciler_ConcurrentFlushSerialized(t *testing.T) {
	r, store := newTestReconciler(t)
	ctx := context.Background()

	r.Buffer().StagePosition(stagePos(555, "0.50"))
	r.Buffer().StageOrder(stageOrd(555, "1001", domain.OrderStatusFilled))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, r.Flush(ctx, 555))
		}()
	}
	wg.Wait()

	orders, err := store.ListOrdersBySignal(ctx, 555)
	require.NoError(t, err)
	assert.Len(t, orders, 1)
}

func TestReconciler_FlushAll(t *testing.T) {
	r, store := newTestReconciler(t)
	ctx := context.Background()

	r.Buffer().StagePosition(stagePos(555, "0.50"))
	r.Buffer().StagePosition(stagePos(556, "1.00"))
	r.Buffer().StageOrder(stageOrd(556, "2001", domain.OrderStatusNew))

	require.NoError(t, r.FlushAll(ctx))

	for _, id := range []int64{555, 556} {
		consumed, err := store.SignalConsumed(ctx, id)
		require.NoError(t, err)
		assert.True(t, consumed, "signal %d", id)
	}
	assert.Empty(t, r.Buffer().PendingSignals())
}
