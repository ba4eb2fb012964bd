package protocol

import (
	"encoding/json"
	"sync"
	"time"
)

// callResult 一次调用的最终结果（成功 result 或错误，二选一）
type callResult struct {
	result json.RawMessage
	err    error
}

// pendingCall 一条在途请求。
// 不变量：每个关联 ID 至多对应一条记录；有且只有一个完成者——
// 匹配响应、截止时间到期、连接关闭三者互斥，先摘除者胜出，后来者是 no-op。
type pendingCall struct {
	id     string
	method string
	done   chan callResult // 容量 1，完成者写入后即退出
	timer  *time.Timer
}

// pendingTable 按会话维护的关联表。
// 只有三个使用方：发起路径（insert）、消息分发路径（remove-on-match）、
// 超时定时器（remove-on-expiry），全部在同一把锁下互斥。
type pendingTable struct {
	mu    sync.Mutex
	calls map[string]*pendingCall
}

func newPendingTable() *pendingTable {
	return &pendingTable{calls: make(map[string]*pendingCall)}
}

// add 登记一条在途请求，并在同一把锁下武装超时定时器。
// 先登记后武装：到期回调要摘除记录必须先拿这把锁，所以它看到的
// 一定是登记完整的记录，极短超时也不会打在未登记的 ID 上悬空。
// 同一 ID 重复登记返回 false（调用方视为内部错误）。
func (t *pendingTable) add(pc *pendingCall, timeout time.Duration, onExpire func()) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.calls[pc.id]; exists {
		return false
	}
	t.calls[pc.id] = pc
	if timeout > 0 && onExpire != nil {
		pc.timer = time.AfterFunc(timeout, onExpire)
	}
	return true
}

// take 摘除一条在途请求。返回 nil 表示该 ID 已被别的完成者摘走（或从未登记）。
func (t *pendingTable) take(id string) *pendingCall {
	t.mu.Lock()
	defer t.mu.Unlock()
	pc, ok := t.calls[id]
	if !ok {
		return nil
	}
	delete(t.calls, id)
	return pc
}

// complete 用响应完成调用。未知/迟到的 ID 返回 false（直接丢弃，不影响其它在途请求）。
func (t *pendingTable) complete(id string, result json.RawMessage, err error) bool {
	pc := t.take(id)
	if pc == nil {
		return false
	}
	if pc.timer != nil {
		pc.timer.Stop()
	}
	pc.done <- callResult{result: result, err: err}
	return true
}

// failAll 原子地让所有在途请求失败（强制断开/主动关闭时调用），并清空关联表。
// 这是核心一致性保证：重连之后不存在仍然自以为在途的调用。
func (t *pendingTable) failAll(err error) int {
	t.mu.Lock()
	drained := make([]*pendingCall, 0, len(t.calls))
	for _, pc := range t.calls {
		drained = append(drained, pc)
	}
	t.calls = make(map[string]*pendingCall)
	t.mu.Unlock()

	for _, pc := range drained {
		if pc.timer != nil {
			pc.timer.Stop()
		}
		pc.done <- callResult{err: err}
	}
	return len(drained)
}

// size 当前在途请求数（测试与指标用）
func (t *pendingTable) size() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.calls)
}
