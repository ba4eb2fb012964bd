package protocol

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/betbot/futbot/internal/exchange"
)

func TestPendingTable_AddAndComplete(t *testing.T) {
	tbl := newPendingTable()

	pc := &pendingCall{id: "req-1", method: "order.place", done: make(chan callResult, 1)}
	require.True(t, tbl.add(pc, 0, nil))
	assert.Equal(t, 1, tbl.size())

	// 同一 ID 重复登记必须被拒绝
	dup := &pendingCall{id: "req-1", done: make(chan callResult, 1)}
	assert.False(t, tbl.add(dup, 0, nil))

	require.True(t, tbl.complete("req-1", json.RawMessage(`{"ok":true}`), nil))
	res := <-pc.done
	assert.NoError(t, res.err)
	assert.JSONEq(t, `{"ok":true}`, string(res.result))
	assert.Equal(t, 0, tbl.size())
}

func TestPendingTable_UnknownIDDropped(t *testing.T) {
	tbl := newPendingTable()
	// 未知 ID 的完成是 no-op，不得影响表内其它请求
	assert.False(t, tbl.complete("ghost", nil, nil))

	pc := &pendingCall{id: "req-2", done: make(chan callResult, 1)}
	require.True(t, tbl.add(pc, 0, nil))
	assert.False(t, tbl.complete("ghost", nil, nil))
	assert.Equal(t, 1, tbl.size())
}

func TestPendingTable_FailAll(t *testing.T) {
	tbl := newPendingTable()
	calls := make([]*pendingCall, 5)
	for i := range calls {
		calls[i] = &pendingCall{id: "req-" + string(rune('a'+i)), done: make(chan callResult, 1)}
		require.True(t, tbl.add(calls[i], 0, nil))
	}

	assert.Equal(t, 5, tbl.failAll(exchange.ErrConnection))
	assert.Equal(t, 0, tbl.size())
	for _, pc := range calls {
		res := <-pc.done
		assert.ErrorIs(t, res.err, exchange.ErrConnection)
	}

	// 表已清空，再次 failAll 无事发生
	assert.Equal(t, 0, tbl.failAll(exchange.ErrConnection))
}

// 极短超时：定时器在登记的同一把锁下武装，到期必须命中已登记的记录，
// 调用以 ErrTimeout 收场而不是悬空等待
func TestPendingTable_ImmediateExpiry(t *testing.T) {
	tbl := newPendingTable()
	pc := &pendingCall{id: "req-fast", method: "order.place", done: make(chan callResult, 1)}
	require.True(t, tbl.add(pc, time.Nanosecond, func() {
		tbl.complete("req-fast", nil, exchange.ErrTimeout)
	}))

	select {
	case res := <-pc.done:
		assert.ErrorIs(t, res.err, exchange.ErrTimeout)
	case <-time.After(time.Second):
		t.Fatal("到期回调未完成调用")
	}
	assert.Equal(t, 0, tbl.size())
}

// 先摘除者胜出：响应、超时、关闭并发竞争同一条请求，有且只有一个完成者。
func TestPendingTable_SingleCompletion(t *testing.T) {
	for i := 0; i < 100; i++ {
		tbl := newPendingTable()
		pc := &pendingCall{id: "req-x", done: make(chan callResult, 1)}
		require.True(t, tbl.add(pc, 0, nil))

		var wins int32
		var wg sync.WaitGroup
		wg.Add(3)
		go func() {
			defer wg.Done()
			if tbl.complete("req-x", json.RawMessage(`{}`), nil) {
				atomic.AddInt32(&wins, 1)
			}
		}()
		go func() {
			defer wg.Done()
			if tbl.complete("req-x", nil, exchange.ErrTimeout) {
				atomic.AddInt32(&wins, 1)
			}
		}()
		go func() {
			defer wg.Done()
			if tbl.failAll(exchange.ErrConnection) > 0 {
				atomic.AddInt32(&wins, 1)
			}
		}()
		wg.Wait()

		assert.Equal(t, int32(1), wins)
		// 容量 1 的 done 上恰好有一个结果
		<-pc.done
		select {
		case res := <-pc.done:
			t.Fatalf("不应有第二个结果: %+v", res)
		default:
		}
	}
}
