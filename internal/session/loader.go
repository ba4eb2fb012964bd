package session

import (
	"context"

	"github.com/pkg/errors"

	"github.com/betbot/futbot/internal/exchange"
	"github.com/betbot/futbot/internal/exchange/signing"
	"github.com/betbot/futbot/pkg/secretstore"
)

// Record 凭证仓库里的账户记录（静态加密由 secretstore 负责）
type Record struct {
	AccountID       string `json:"account_id"`
	Active          bool   `json:"active"`
	RestKey         string `json:"rest_key"`
	RestSecret      string `json:"rest_secret"`
	RestURL         string `json:"rest_url"`
	ProtoKey        string `json:"proto_key"`
	ProtoPrivateKey string `json:"proto_private_key"` // base64 的 Ed25519 私钥
	ProtoURL        string `json:"proto_url"`
	MarketURL       string `json:"market_url"`
	Environment     string `json:"environment"`
}

func recordKey(accountID string) string {
	return "account/" + accountID
}

// StoreLoader 基于 secretstore 的凭证加载器。
// 加载永远走仓库，不在这里做缓存：会话失效后重新加载必须拿到最新（可能已轮换）的凭证。
type StoreLoader struct {
	store *secretstore.Store
}

// NewStoreLoader 创建凭证加载器
func NewStoreLoader(store *secretstore.Store) *StoreLoader {
	return &StoreLoader{store: store}
}

// LoadCredentials 按账户加载凭证。
// 账户不存在返回 ErrAccountNotFound，被停用返回 ErrAccountInactive，
// 凭证材料不完整或无法解析按配置/凭证错误处理。
func (l *StoreLoader) LoadCredentials(ctx context.Context, accountID string) (*exchange.Credentials, error) {
	if accountID == "" {
		return nil, &exchange.ConfigError{Reason: "账户 ID 为空"}
	}
	var rec Record
	if err := l.store.GetJSON(recordKey(accountID), &rec); err != nil {
		if errors.Is(err, secretstore.ErrNotFound) {
			return nil, errors.Wrapf(exchange.ErrAccountNotFound, "账户 %s", accountID)
		}
		return nil, errors.Wrapf(err, "加载账户 %s 凭证", accountID)
	}
	if !rec.Active {
		return nil, errors.Wrapf(exchange.ErrAccountInactive, "账户 %s", accountID)
	}

	priv, err := signing.ParseEd25519PrivateKey(rec.ProtoPrivateKey)
	if err != nil {
		return nil, errors.Wrapf(err, "账户 %s 协议私钥", accountID)
	}

	creds := &exchange.Credentials{
		AccountID:       accountID,
		RestKey:         rec.RestKey,
		RestSecret:      rec.RestSecret,
		RestURL:         rec.RestURL,
		ProtoKey:        rec.ProtoKey,
		ProtoPrivateKey: priv,
		ProtoURL:        rec.ProtoURL,
		MarketURL:       rec.MarketURL,
		Environment:     rec.Environment,
	}
	// 凭证材料要么齐全要么报错，不允许半套凭证进入会话
	if !creds.Complete() {
		return nil, &exchange.ConfigError{AccountID: accountID, Reason: "凭证材料不完整"}
	}
	return creds, nil
}

// Save 写入（或覆盖）账户记录，供开通与轮换流程使用
func (l *StoreLoader) Save(rec *Record) error {
	if rec == nil || rec.AccountID == "" {
		return &exchange.ConfigError{Reason: "账户记录缺少 ID"}
	}
	return l.store.SetJSON(recordKey(rec.AccountID), rec)
}

// Deactivate 停用账户：之后的加载返回 ErrAccountInactive
func (l *StoreLoader) Deactivate(accountID string) error {
	var rec Record
	if err := l.store.GetJSON(recordKey(accountID), &rec); err != nil {
		if errors.Is(err, secretstore.ErrNotFound) {
			return errors.Wrapf(exchange.ErrAccountNotFound, "账户 %s", accountID)
		}
		return err
	}
	rec.Active = false
	return l.store.SetJSON(recordKey(accountID), &rec)
}
