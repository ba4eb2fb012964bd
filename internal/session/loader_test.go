package session

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/betbot/futbot/internal/exchange"
	"github.com/betbot/futbot/pkg/secretstore"
)

func newTestLoader(t *testing.T) *StoreLoader {
	store, err := secretstore.Open(secretstore.OpenOptions{Path: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return NewStoreLoader(store)
}

func testRecord(t *testing.T, accountID string) *Record {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	return &Record{
		AccountID:       accountID,
		Active:          true,
		RestKey:         "rest-key",
		RestSecret:      "rest-secret",
		RestURL:         "https://fapi.example.com",
		ProtoKey:        "proto-key",
		ProtoPrivateKey: base64.StdEncoding.EncodeToString(priv.Seed()),
		ProtoURL:        "wss://ws-fapi.example.com",
		MarketURL:       "wss://fstream.example.com",
		Environment:     "testnet",
	}
}

func TestStoreLoader_Roundtrip(t *testing.T) {
	l := newTestLoader(t)
	require.NoError(t, l.Save(testRecord(t, "acct-7001")))

	creds, err := l.LoadCredentials(context.Background(), "acct-7001")
	require.NoError(t, err)
	assert.Equal(t, "acct-7001", creds.AccountID)
	assert.Equal(t, "proto-key", creds.ProtoKey)
	assert.Len(t, creds.ProtoPrivateKey, ed25519.PrivateKeySize)
	assert.True(t, creds.Complete())
}

func TestStoreLoader_AccountNotFound(t *testing.T) {
	l := newTestLoader(t)
	_, err := l.LoadCredentials(context.Background(), "acct-missing")
	assert.ErrorIs(t, err, exchange.ErrAccountNotFound)
}

func TestStoreLoader_AccountInactive(t *testing.T) {
	l := newTestLoader(t)
	rec := testRecord(t, "acct-7001")
	rec.Active = false
	require.NoError(t, l.Save(rec))

	_, err := l.LoadCredentials(context.Background(), "acct-7001")
	assert.ErrorIs(t, err, exchange.ErrAccountInactive)
}

func TestStoreLoader_Deactivate(t *testing.T) {
	l := newTestLoader(t)
	require.NoError(t, l.Save(testRecord(t, "acct-7001")))
	require.NoError(t, l.Deactivate("acct-7001"))

	_, err := l.LoadCredentials(context.Background(), "acct-7001")
	assert.ErrorIs(t, err, exchange.ErrAccountInactive)

	assert.ErrorIs(t, l.Deactivate("acct-ghost"), exchange.ErrAccountNotFound)
}

func TestStoreLoader_BadPrivateKey(t *testing.T) {
	l := newTestLoader(t)
	rec := testRecord(t, "acct-7001")
	rec.ProtoPrivateKey = "not-base64!!"
	require.NoError(t, l.Save(rec))

	_, err := l.LoadCredentials(context.Background(), "acct-7001")
	assert.ErrorIs(t, err, exchange.ErrInvalidCredential)
}

func TestStoreLoader_IncompleteMaterial(t *testing.T) {
	l := newTestLoader(t)
	rec := testRecord(t, "acct-7001")
	rec.RestSecret = ""
	require.NoError(t, l.Save(rec))

	// 半套凭证不允许进入会话
	_, err := l.LoadCredentials(context.Background(), "acct-7001")
	var cfgErr *exchange.ConfigError
	assert.ErrorAs(t, err, &cfgErr)
}
