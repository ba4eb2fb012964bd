// Package signing 提供交易所请求签名的纯函数实现。
// 两种方案共用同一参数规范化：key=value 按 key 字典序排序后用 & 连接。
// 相同输入永远产生相同输出（可用固定向量校验）。
package signing

import (
	"crypto/ed25519"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"sort"
	"strings"

	"github.com/betbot/futbot/internal/exchange"
)

// Scheme 签名方案
type Scheme string

const (
	// SchemeHMAC 对称方案：HMAC-SHA256，十六进制输出（REST 通道）
	SchemeHMAC Scheme = "hmac-sha256"
	// SchemeEd25519 非对称方案：Ed25519，base64 输出（交易协议通道登录）
	SchemeEd25519 Scheme = "ed25519"
)

// Canonicalize 将参数规范化为待签名串：
// key=value 按 key 字典序排序，& 连接。
func Canonicalize(params map[string]string) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	pairs := make([]string, 0, len(keys))
	for _, k := range keys {
		pairs = append(pairs, k+"="+params[k])
	}
	return strings.Join(pairs, "&")
}

// SignHMAC 用账户 secret 对规范化参数做 HMAC-SHA256，十六进制编码
func SignHMAC(secret string, params map[string]string) (string, error) {
	if strings.TrimSpace(secret) == "" {
		return "", exchange.ErrInvalidCredential
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(Canonicalize(params)))
	return hex.EncodeToString(mac.Sum(nil)), nil
}

// SignEd25519 用账户私钥对规范化参数做 Ed25519 签名，base64 编码
func SignEd25519(priv ed25519.PrivateKey, params map[string]string) (string, error) {
	if len(priv) != ed25519.PrivateKeySize {
		return "", exchange.ErrInvalidCredential
	}
	sig := ed25519.Sign(priv, []byte(Canonicalize(params)))
	return base64.StdEncoding.EncodeToString(sig), nil
}

// ParseEd25519PrivateKey 解析 base64 编码的私钥材料。
// 接受 32 字节 seed 或 64 字节完整私钥；其余一律视为凭证非法。
func ParseEd25519PrivateKey(raw string) (ed25519.PrivateKey, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, exchange.ErrInvalidCredential
	}
	b, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		return nil, exchange.ErrInvalidCredential
	}
	switch len(b) {
	case ed25519.SeedSize:
		return ed25519.NewKeyFromSeed(b), nil
	case ed25519.PrivateKeySize:
		return ed25519.PrivateKey(b), nil
	default:
		return nil, exchange.ErrInvalidCredential
	}
}
