package main

import (
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"

	"github.com/betbot/futbot/internal/session"
	"github.com/betbot/futbot/pkg/secretstore"
)

// accountctl 账户凭证管理工具：把账户凭证写入（或停用）badger 凭证仓库。
// 凭证从 .env 或环境变量读取，仓库静态加密。
func main() {
	var (
		envPath    = flag.String("env", ".env", ".env 文件路径（可选，缺失则只读环境变量）")
		dbPath     = flag.String("store", getenv("FUTBOT_SECRET_PATH", "data/secrets"), "badger 凭证仓库路径")
		secretKey  = flag.String("secret-key", getenv("FUTBOT_SECRET_KEY", ""), "仓库加密密钥（32 字节 base64/hex）")
		accountID  = flag.String("account", "", "账户 ID（必填）")
		deactivate = flag.Bool("deactivate", false, "停用账户而不是写入凭证")
	)
	flag.Parse()

	if *accountID == "" {
		fatal(fmt.Errorf("必须指定 -account"))
	}

	keyBytes, err := secretstore.ParseKey(*secretKey)
	if err != nil {
		fatal(err)
	}
	if keyBytes == nil {
		fatal(fmt.Errorf("必须提供加密密钥：设置 FUTBOT_SECRET_KEY 或传 -secret-key"))
	}

	ss, err := secretstore.Open(secretstore.OpenOptions{
		Path:          *dbPath,
		EncryptionKey: keyBytes,
		ReadOnly:      false,
	})
	if err != nil {
		fatal(err)
	}
	defer ss.Close()

	loader := session.NewStoreLoader(ss)

	if *deactivate {
		if err := loader.Deactivate(*accountID); err != nil {
			fatal(err)
		}
		fmt.Fprintf(os.Stderr, "已停用账户 %s\n", *accountID)
		return
	}

	// .env 可选：文件不存在时静默跳过，直接用环境变量
	_ = godotenv.Load(*envPath)

	rec := &session.Record{
		AccountID:       *accountID,
		Active:          true,
		RestKey:         mustenv("FUTBOT_REST_KEY"),
		RestSecret:      mustenv("FUTBOT_REST_SECRET"),
		RestURL:         getenv("FUTBOT_REST_URL", "https://fapi.binance.com"),
		ProtoKey:        mustenv("FUTBOT_PROTO_KEY"),
		ProtoPrivateKey: mustenv("FUTBOT_PROTO_PRIVATE_KEY"),
		ProtoURL:        getenv("FUTBOT_PROTO_URL", "wss://ws-fapi.binance.com/ws-fapi/v1"),
		MarketURL:       getenv("FUTBOT_MARKET_URL", "wss://fstream.binance.com/ws"),
		Environment:     getenv("FUTBOT_ENV", "prod"),
	}

	if err := loader.Save(rec); err != nil {
		fatal(err)
	}
	fmt.Fprintf(os.Stderr, "已写入账户 %s 凭证到 %s\n", *accountID, *dbPath)
}

func getenv(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func mustenv(key string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		fatal(fmt.Errorf("缺少环境变量 %s", key))
	}
	return v
}

func fatal(err error) {
	fmt.Fprintln(os.Stderr, "error:", err.Error())
	os.Exit(1)
}
