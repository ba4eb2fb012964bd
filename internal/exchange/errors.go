package exchange

import (
	"fmt"

	"github.com/pkg/errors"
)

// 错误分类：
// - 凭证/配置类错误在重新加载凭证前对会话是致命的
// - 连接/超时类错误不代表请求没有到达交易所（结果不可知），
//   对改变状态的调用（下单/撤单）永远不要据此自动重试
var (
	// ErrConnection 传输层关闭或不可达，由生命周期管理触发退避重连
	ErrConnection = errors.New("exchange: connection closed")
	// ErrTimeout 截止时间内没有收到对应关联 ID 的响应（结果不可知）
	ErrTimeout = errors.New("exchange: request timed out")
	// ErrInvalidCredential 密钥材料格式错误（长度/编码非法）
	ErrInvalidCredential = errors.New("exchange: invalid credential material")
	// ErrAccountNotFound 凭证加载器中不存在该账户
	ErrAccountNotFound = errors.New("exchange: account not found")
	// ErrAccountInactive 账户已被停用
	ErrAccountInactive = errors.New("exchange: account inactive")
	// ErrNotConnected 通道尚未建立（调用方应先走连接路径）
	ErrNotConnected = errors.New("exchange: channel not connected")
)

// AuthError 交易所拒绝了签名/凭证（坏签名、过期 key）。
// 出现后会话凭证被作废，不允许用同一份凭证自动重试。
type AuthError struct {
	AccountID string
	Reason    string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("exchange: authentication rejected for account %s: %s", e.AccountID, e.Reason)
}

// ConfigError 凭证缺失或不完整，重新加载前该会话不可用
type ConfigError struct {
	AccountID string
	Reason    string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("exchange: configuration error for account %s: %s", e.AccountID, e.Reason)
}

// ProtocolError 收到无法解析/不符合协议的消息（记录并丢弃，向上层透出）
type ProtocolError struct {
	Reason string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("exchange: protocol error: %s", e.Reason)
}

// ExchangeError 交易所业务层拒绝（例如数量非法），不自动重试
type ExchangeError struct {
	Code int
	Msg  string
}

func (e *ExchangeError) Error() string {
	return fmt.Sprintf("exchange: error %d: %s", e.Code, e.Msg)
}

// ReconcileError 落库失败；暂存记录原样保留等待重试。
// FailedOrders 非空表示部分失败（持仓已写入，列出的订单需单独重试）。
type ReconcileError struct {
	SignalID     int64
	FailedOrders []string
	Cause        error
}

func (e *ReconcileError) Error() string {
	if len(e.FailedOrders) > 0 {
		return fmt.Sprintf("exchange: reconcile signal %d partially failed, %d orders pending retry: %v",
			e.SignalID, len(e.FailedOrders), e.Cause)
	}
	return fmt.Sprintf("exchange: reconcile signal %d failed: %v", e.SignalID, e.Cause)
}

func (e *ReconcileError) Unwrap() error { return e.Cause }
