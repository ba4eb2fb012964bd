// Package session 管理按账户的交易所会话：每个账户至多一个活动会话，
// 会话内持有交易协议通道与 REST 备用通道。
package session

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/betbot/futbot/internal/exchange"
	"github.com/betbot/futbot/internal/exchange/protocol"
	"github.com/betbot/futbot/internal/exchange/rest"
)

// Session 一个账户的活动会话
type Session struct {
	AccountID string
	Creds     *exchange.Credentials
	Conn      *protocol.Conn
	REST      *rest.Client
}

// Close 关闭会话持有的所有连接
func (s *Session) Close() error {
	if s.Conn != nil {
		return s.Conn.Close()
	}
	return nil
}

// Registry 会话注册表。
// 不变量：同一账户并发 GetOrCreate 只产生一个会话实例；
// 认证被拒后会话被作废，下一次 GetOrCreate 重新加载凭证（可能已轮换）。
type Registry struct {
	loader   exchange.CredentialLoader
	connCfg  *protocol.Config
	log      *logrus.Entry
	rootCtx  context.Context
	mu       sync.Mutex
	sessions map[string]*entry
}

// entry 用 once 保证并发创建只有一个赢家，其余调用方等同一份结果
type entry struct {
	once sync.Once
	sess *Session
	err  error
}

// NewRegistry 创建会话注册表。ctx 是进程级生命周期，所有会话的连接都挂在它下面。
func NewRegistry(ctx context.Context, loader exchange.CredentialLoader, connCfg *protocol.Config) *Registry {
	return &Registry{
		loader:   loader,
		connCfg:  connCfg,
		log:      logrus.WithField("component", "session_registry"),
		rootCtx:  ctx,
		sessions: make(map[string]*entry),
	}
}

// GetOrCreate 返回账户的会话，不存在则创建。
// 创建只加载凭证并组装通道，真正拨号由第一次调用按需触发。
func (r *Registry) GetOrCreate(ctx context.Context, accountID string) (*Session, error) {
	r.mu.Lock()
	e, ok := r.sessions[accountID]
	if !ok {
		e = &entry{}
		r.sessions[accountID] = e
	}
	r.mu.Unlock()

	e.once.Do(func() {
		sess, err := r.create(ctx, accountID)
		// 在表锁下发布结果：Get/Invalidate/CloseAll 都是隔着表锁读 e.sess，
		// 不能依赖 once 自带的同步
		r.mu.Lock()
		e.sess, e.err = sess, err
		r.mu.Unlock()
	})
	if e.err != nil {
		// 失败的占位不留在表里，下一次重新尝试创建
		r.mu.Lock()
		if r.sessions[accountID] == e {
			delete(r.sessions, accountID)
		}
		r.mu.Unlock()
		return nil, e.err
	}
	return e.sess, nil
}

func (r *Registry) create(ctx context.Context, accountID string) (*Session, error) {
	creds, err := r.loader.LoadCredentials(ctx, accountID)
	if err != nil {
		return nil, err
	}

	conn := protocol.NewConn(r.rootCtx, creds, r.connCfg)
	// 认证被拒：作废整个会话，同一份凭证绝不自动重试
	conn.OnAuthFailure(func(authErr *exchange.AuthError) {
		r.log.Errorf("账户 %s 认证被拒，作废会话: %v", accountID, authErr)
		r.Invalidate(accountID)
	})

	sess := &Session{
		AccountID: accountID,
		Creds:     creds,
		Conn:      conn,
		REST:      rest.NewClient(creds.RestURL, creds.RestKey, creds.RestSecret),
	}
	r.log.Infof("账户 %s 会话已创建: env=%s", accountID, creds.Environment)
	return sess, nil
}

// Get 返回已存在的会话，不触发创建
func (r *Registry) Get(accountID string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.sessions[accountID]
	if !ok || e.sess == nil {
		return nil, false
	}
	return e.sess, true
}

// Invalidate 作废账户会话：关闭连接并从表中移除。
// 对不存在的账户是 no-op。
func (r *Registry) Invalidate(accountID string) {
	r.mu.Lock()
	var sess *Session
	if e, ok := r.sessions[accountID]; ok {
		sess = e.sess
		delete(r.sessions, accountID)
	}
	r.mu.Unlock()

	if sess != nil {
		if err := sess.Close(); err != nil {
			r.log.Warnf("关闭账户 %s 会话失败: %v", accountID, err)
		}
		r.log.Infof("账户 %s 会话已作废", accountID)
	}
}

// CloseAll 关闭全部会话（进程退出时调用）
func (r *Registry) CloseAll() {
	r.mu.Lock()
	open := make([]*Session, 0, len(r.sessions))
	for _, e := range r.sessions {
		if e.sess != nil {
			open = append(open, e.sess)
		}
	}
	r.sessions = make(map[string]*entry)
	r.mu.Unlock()

	for _, s := range open {
		_ = s.Close()
	}
}
