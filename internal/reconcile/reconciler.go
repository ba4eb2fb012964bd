package reconcile

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/betbot/futbot/internal/domain"
	"github.com/betbot/futbot/internal/exchange"
	"github.com/betbot/futbot/internal/metrics"
	"github.com/betbot/futbot/internal/storage"
)

// Reconciler 把暂存区按信号落库。
// 不变量：
//   - 同一信号的 Flush 串行执行（并发调用排队，不交错写）
//   - 一次 Flush 的全部写入在同一个事务里，要么整体可见要么整体不可见
//   - 已消费过的信号重复 Flush 是 no-op（崩溃恢复后安全重放）
type Reconciler struct {
	store *storage.Store
	buf   *Buffer
	log   *logrus.Entry

	mu    sync.Mutex
	locks map[int64]*sync.Mutex // 按信号的串行锁
}

// NewReconciler 创建对账器
func NewReconciler(store *storage.Store, buf *Buffer) *Reconciler {
	return &Reconciler{
		store: store,
		buf:   buf,
		log:   logrus.WithField("component", "reconciler"),
		locks: make(map[int64]*sync.Mutex),
	}
}

// Buffer 返回底层暂存区
func (r *Reconciler) Buffer() *Buffer {
	return r.buf
}

func (r *Reconciler) signalLock(signalID int64) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.locks[signalID]
	if !ok {
		l = &sync.Mutex{}
		r.locks[signalID] = l
	}
	return l
}

// validateOrder 落库前的完整性检查。不合格的订单留在暂存区等待修复后重试，
// 不能因为一条坏订单拖垮整笔落库。
func validateOrder(signalID int64, o *domain.Order) error {
	switch {
	case o.ExchangeOrderID == "":
		return errors.New("缺少交易所订单 ID")
	case o.SignalID != signalID:
		return fmt.Errorf("订单归属信号 %d 与落库信号 %d 不一致", o.SignalID, signalID)
	case o.Symbol == "":
		return errors.New("缺少交易对")
	case o.Status == "":
		return errors.New("缺少订单状态")
	case o.Quantity.Sign() <= 0:
		return fmt.Errorf("委托数量非法: %s", o.Quantity)
	}
	return nil
}

// Flush 把一个信号的暂存记录写入持久层。
// 部分失败返回 ReconcileError：已成功的记录出暂存，FailedOrders 留在暂存区，
// 信号不标记消费，修复后再次 Flush 只会补写剩下的订单。
func (r *Reconciler) Flush(ctx context.Context, signalID int64) error {
	l := r.signalLock(signalID)
	l.Lock()
	defer l.Unlock()

	consumed, err := r.store.SignalConsumed(ctx, signalID)
	if err != nil {
		return &exchange.ReconcileError{SignalID: signalID, Cause: err}
	}
	if consumed {
		// 幂等：已消费的信号把残留暂存清掉即可
		r.buf.Evict(signalID, nil)
		metrics.ReconcileFlushes.WithLabelValues("noop").Inc()
		return nil
	}

	pos, staged := r.buf.Snapshot(signalID)
	if pos == nil && len(staged) == 0 {
		metrics.ReconcileFlushes.WithLabelValues("noop").Inc()
		return nil
	}
	// 只有订单没有持仓：必须先有暂存或已落库的持仓，订单才有归属
	if pos == nil && len(staged) > 0 {
		persisted, perr := r.store.GetPosition(ctx, signalID)
		if perr != nil {
			metrics.ReconcileFlushes.WithLabelValues("failed").Inc()
			return &exchange.ReconcileError{SignalID: signalID, Cause: perr}
		}
		if persisted == nil {
			ids := make([]string, 0, len(staged))
			for _, o := range staged {
				ids = append(ids, o.ExchangeOrderID)
			}
			sort.Strings(ids)
			metrics.ReconcileFlushes.WithLabelValues("failed").Inc()
			return &exchange.ReconcileError{
				SignalID:     signalID,
				FailedOrders: ids,
				Cause:        errors.Errorf("信号 %d 没有可归属的持仓", signalID),
			}
		}
	}
	// 固定写入顺序，方便排查
	sort.Slice(staged, func(i, j int) bool { return staged[i].ExchangeOrderID < staged[j].ExchangeOrderID })

	failed := make(map[string]struct{})
	var failedIDs []string
	var firstCause error
	writable := make([]*domain.Order, 0, len(staged))
	for _, o := range staged {
		if verr := validateOrder(signalID, o); verr != nil {
			r.log.Warnf("信号 %d 订单 %s 校验失败，留在暂存区: %v", signalID, o.ExchangeOrderID, verr)
			failed[o.ExchangeOrderID] = struct{}{}
			failedIDs = append(failedIDs, o.ExchangeOrderID)
			if firstCause == nil {
				firstCause = verr
			}
			continue
		}
		writable = append(writable, o)
	}

	// 逐单失败在进事务前的校验阶段就被拦下来了；进到这里的写入全部是
	// 主键 upsert，不存在重复单号这类单条冲突。事务层面再失败只会是
	// 整库问题，整体回滚、暂存区原样保留等重放。
	txErr := r.store.WithTx(ctx, func(tx *sql.Tx) error {
		if pos != nil {
			if err := storage.UpsertPositionTx(ctx, tx, pos); err != nil {
				return err
			}
		}
		for _, o := range writable {
			if err := storage.UpsertOrderTx(ctx, tx, o); err != nil {
				return err
			}
		}
		// 全部写成才算消费；有校验失败的订单时信号保持未消费，等补写
		if len(failed) == 0 {
			accountID := ""
			if pos != nil {
				accountID = pos.AccountID
			} else if len(writable) > 0 {
				accountID = writable[0].AccountID
			}
			return storage.MarkSignalConsumedTx(ctx, tx, signalID, accountID)
		}
		return nil
	})
	if txErr != nil {
		// 事务整体回滚，暂存区原样保留
		metrics.ReconcileFlushes.WithLabelValues("failed").Inc()
		return &exchange.ReconcileError{SignalID: signalID, Cause: txErr}
	}

	r.buf.Evict(signalID, failed)

	if len(failed) > 0 {
		metrics.ReconcileFlushes.WithLabelValues("partial").Inc()
		return &exchange.ReconcileError{SignalID: signalID, FailedOrders: failedIDs, Cause: firstCause}
	}

	metrics.ReconcileFlushes.WithLabelValues("ok").Inc()
	r.log.Infof("信号 %d 已落库: 持仓=%v 订单=%d", signalID, pos != nil, len(writable))
	return nil
}

// FlushAll 落库所有仍有暂存记录的信号（退出前或恢复后调用）
func (r *Reconciler) FlushAll(ctx context.Context) error {
	var firstErr error
	for _, id := range r.buf.PendingSignals() {
		if err := r.Flush(ctx, id); err != nil {
			r.log.Errorf("信号 %d 落库失败: %v", id, err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}
