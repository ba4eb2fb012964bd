package exchange

import (
	"context"
	"crypto/ed25519"
	"strings"
)

// Credentials 单个账户的完整凭证与接入点。
// 不变量：要么全部字段就绪，要么整体缺失——不允许半初始化的凭证进入会话。
type Credentials struct {
	AccountID string

	// REST 通道（HMAC 签名）
	RestKey    string
	RestSecret string
	RestURL    string

	// 交易协议通道（Ed25519 签名）
	ProtoKey        string
	ProtoPrivateKey ed25519.PrivateKey
	ProtoURL        string

	// 行情通道（无认证）
	MarketURL string

	// 环境标记：prod / testnet
	Environment string
}

// Complete 检查凭证是否完整可用
func (c *Credentials) Complete() bool {
	if c == nil {
		return false
	}
	return c.RestKey != "" && c.RestSecret != "" &&
		c.ProtoKey != "" && len(c.ProtoPrivateKey) == ed25519.PrivateKeySize &&
		strings.TrimSpace(c.RestURL) != "" &&
		strings.TrimSpace(c.ProtoURL) != "" &&
		strings.TrimSpace(c.MarketURL) != ""
}

// CredentialLoader 按账户加载凭证（外部协作方边界）。
// 实现必须容忍多个会话并发调用。
// 失败语义：ErrAccountNotFound / ErrAccountInactive。
type CredentialLoader interface {
	LoadCredentials(ctx context.Context, accountID string) (*Credentials, error)
}
