// Package config 加载机器人配置：YAML 配置文件 + .env 环境变量覆盖。
// 密钥材料永远不进配置文件，只从环境变量读（凭证仓库的加密 key）。
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// ConnectionConfig 交易协议通道配置
type ConnectionConfig struct {
	ConnectTimeout    time.Duration
	CallTimeout       time.Duration
	PingInterval      time.Duration
	PingTimeout       time.Duration
	MaxMissedPings    int
	ReconnectMinDelay time.Duration
	ReconnectMaxDelay time.Duration
}

// Config 应用配置
type Config struct {
	Accounts []string // 本进程服务的账户 ID 列表

	MarketURL string // 行情通道地址（各账户共用）

	Connection ConnectionConfig

	DatabasePath    string // 交易库（SQLite）路径
	SecretStorePath string // 凭证仓库（Badger）路径
	SecretStoreKey  string // 凭证仓库加密 key（仅环境变量 FUTBOT_SECRET_KEY）

	MetricsAddr string // /metrics + pprof 监听地址，空则不启动

	LogLevel string
	LogFile  string
}

// configFile YAML 配置文件结构
type configFile struct {
	Accounts  []string `yaml:"accounts"`
	MarketURL string   `yaml:"market_url"`

	Connection struct {
		ConnectTimeoutSec  int `yaml:"connect_timeout_sec"`
		CallTimeoutSec     int `yaml:"call_timeout_sec"`
		PingIntervalSec    int `yaml:"ping_interval_sec"`
		PingTimeoutSec     int `yaml:"ping_timeout_sec"`
		MaxMissedPings     int `yaml:"max_missed_pings"`
		ReconnectMinMillis int `yaml:"reconnect_min_ms"`
		ReconnectMaxMillis int `yaml:"reconnect_max_ms"`
	} `yaml:"connection"`

	DatabasePath    string `yaml:"database_path"`
	SecretStorePath string `yaml:"secret_store_path"`
	MetricsAddr     string `yaml:"metrics_addr"`
	LogLevel        string `yaml:"log_level"`
	LogFile         string `yaml:"log_file"`
}

// Load 加载配置（优先级：环境变量 > 配置文件 > 默认值）
func Load(path string) (*Config, error) {
	// .env 不存在不算错误
	_ = godotenv.Load()

	var cf configFile
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("读取配置文件失败 %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, &cf); err != nil {
			return nil, fmt.Errorf("解析配置文件失败 %s: %w", path, err)
		}
	}

	cfg := &Config{
		Accounts:  cf.Accounts,
		MarketURL: firstNonEmpty(os.Getenv("FUTBOT_MARKET_URL"), cf.MarketURL, "wss://fstream.binance.com/ws"),
		Connection: ConnectionConfig{
			ConnectTimeout:    secondsOr(cf.Connection.ConnectTimeoutSec, 15*time.Second),
			CallTimeout:       secondsOr(cf.Connection.CallTimeoutSec, 10*time.Second),
			PingInterval:      secondsOr(cf.Connection.PingIntervalSec, 20*time.Second),
			PingTimeout:       secondsOr(cf.Connection.PingTimeoutSec, 5*time.Second),
			MaxMissedPings:    intOr(cf.Connection.MaxMissedPings, 3),
			ReconnectMinDelay: millisOr(cf.Connection.ReconnectMinMillis, time.Second),
			ReconnectMaxDelay: millisOr(cf.Connection.ReconnectMaxMillis, time.Minute),
		},
		DatabasePath:    firstNonEmpty(os.Getenv("FUTBOT_DB_PATH"), cf.DatabasePath, "data/trades.db"),
		SecretStorePath: firstNonEmpty(os.Getenv("FUTBOT_SECRET_PATH"), cf.SecretStorePath, "data/secrets"),
		SecretStoreKey:  os.Getenv("FUTBOT_SECRET_KEY"),
		MetricsAddr:     firstNonEmpty(os.Getenv("FUTBOT_METRICS_ADDR"), cf.MetricsAddr),
		LogLevel:        firstNonEmpty(os.Getenv("FUTBOT_LOG_LEVEL"), cf.LogLevel, "info"),
		LogFile:         firstNonEmpty(os.Getenv("FUTBOT_LOG_FILE"), cf.LogFile),
	}

	if env := os.Getenv("FUTBOT_ACCOUNTS"); env != "" {
		cfg.Accounts = splitCSV(env)
	}
	if len(cfg.Accounts) == 0 {
		return nil, fmt.Errorf("没有配置任何账户（accounts 或 FUTBOT_ACCOUNTS）")
	}
	return cfg, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func secondsOr(sec int, def time.Duration) time.Duration {
	if sec > 0 {
		return time.Duration(sec) * time.Second
	}
	return def
}

func millisOr(ms int, def time.Duration) time.Duration {
	if ms > 0 {
		return time.Duration(ms) * time.Millisecond
	}
	return def
}

func intOr(v, def int) int {
	if v > 0 {
		return v
	}
	return def
}

func splitCSV(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
