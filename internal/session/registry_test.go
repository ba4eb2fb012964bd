package session

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/betbot/futbot/internal/exchange"
)

// stubLoader 可编程的凭证加载器，统计加载次数
type stubLoader struct {
	loads atomic.Int32
	fail  error
}

func (s *stubLoader) LoadCredentials(ctx context.Context, accountID string) (*exchange.Credentials, error) {
	s.loads.Add(1)
	if s.fail != nil {
		return nil, s.fail
	}
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	return &exchange.Credentials{
		AccountID:       accountID,
		RestKey:         "k",
		RestSecret:      "s",
		RestURL:         "https://fapi.example.com",
		ProtoKey:        "pk",
		ProtoPrivateKey: priv,
		ProtoURL:        "wss://ws-fapi.example.com",
		MarketURL:       "wss://fstream.example.com",
		Environment:     "testnet",
	}, nil
}

func TestRegistry_GetOrCreate(t *testing.T) {
	loader := &stubLoader{}
	r := NewRegistry(context.Background(), loader, nil)
	t.Cleanup(r.CloseAll)

	s1, err := r.GetOrCreate(context.Background(), "acct-1")
	require.NoError(t, err)
	s2, err := r.GetOrCreate(context.Background(), "acct-1")
	require.NoError(t, err)
	assert.Same(t, s1, s2)
	assert.Equal(t, int32(1), loader.loads.Load())

	// 不同账户各自独立
	s3, err := r.GetOrCreate(context.Background(), "acct-2")
	require.NoError(t, err)
	assert.NotSame(t, s1, s3)
}

// 同一账户并发 GetOrCreate 只产生一个会话实例、只加载一次凭证
func TestRegistry_ConcurrentGetOrCreate(t *testing.T) {
	loader := &stubLoader{}
	r := NewRegistry(context.Background(), loader, nil)
	t.Cleanup(r.CloseAll)

	const n = 32
	sessions := make([]*Session, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s, err := r.GetOrCreate(context.Background(), "acct-1")
			require.NoError(t, err)
			sessions[i] = s
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), loader.loads.Load())
	for i := 1; i < n; i++ {
		assert.Same(t, sessions[0], sessions[i])
	}
}

// 首次创建与 Get/Invalidate 并发交错：读到的要么是 nil 要么是完整会话
func TestRegistry_ConcurrentCreateAndInvalidate(t *testing.T) {
	loader := &stubLoader{}
	r := NewRegistry(context.Background(), loader, nil)
	t.Cleanup(r.CloseAll)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(3)
		go func() {
			defer wg.Done()
			_, _ = r.GetOrCreate(context.Background(), "acct-1")
		}()
		go func() {
			defer wg.Done()
			if s, ok := r.Get("acct-1"); ok {
				assert.NotNil(t, s.Conn)
			}
		}()
		go func() {
			defer wg.Done()
			r.Invalidate("acct-1")
		}()
	}
	wg.Wait()

	// 尘埃落定后仍可正常取会话
	s, err := r.GetOrCreate(context.Background(), "acct-1")
	require.NoError(t, err)
	assert.NotNil(t, s)
}

func TestRegistry_InvalidateThenRecreate(t *testing.T) {
	loader := &stubLoader{}
	r := NewRegistry(context.Background(), loader, nil)
	t.Cleanup(r.CloseAll)

	s1, err := r.GetOrCreate(context.Background(), "acct-1")
	require.NoError(t, err)

	r.Invalidate("acct-1")
	_, ok := r.Get("acct-1")
	assert.False(t, ok)

	// 作废后重新创建会重新加载凭证（可能已轮换）
	s2, err := r.GetOrCreate(context.Background(), "acct-1")
	require.NoError(t, err)
	assert.NotSame(t, s1, s2)
	assert.Equal(t, int32(2), loader.loads.Load())

	// 对不存在的账户作废是 no-op
	r.Invalidate("acct-ghost")
}

func TestRegistry_LoadFailureNotCached(t *testing.T) {
	loader := &stubLoader{fail: exchange.ErrAccountNotFound}
	r := NewRegistry(context.Background(), loader, nil)
	t.Cleanup(r.CloseAll)

	_, err := r.GetOrCreate(context.Background(), "acct-1")
	assert.ErrorIs(t, err, exchange.ErrAccountNotFound)

	// 失败不留占位：账户开通后下一次创建应当成功
	loader.fail = nil
	s, err := r.GetOrCreate(context.Background(), "acct-1")
	require.NoError(t, err)
	assert.NotNil(t, s)
	assert.Equal(t, int32(2), loader.loads.Load())
}
