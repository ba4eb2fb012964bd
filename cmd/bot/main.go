package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/betbot/futbot/internal/exchange/protocol"
	"github.com/betbot/futbot/internal/exchange/stream"
	"github.com/betbot/futbot/internal/metrics"
	"github.com/betbot/futbot/internal/reconcile"
	"github.com/betbot/futbot/internal/services"
	"github.com/betbot/futbot/internal/session"
	"github.com/betbot/futbot/internal/storage"
	"github.com/betbot/futbot/pkg/config"
	"github.com/betbot/futbot/pkg/logger"
	"github.com/betbot/futbot/pkg/secretstore"
	"github.com/betbot/futbot/pkg/shutdown"
)

func main() {
	configPath := flag.String("config", "yml/config.yaml", "配置文件路径")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.InitDefault()
		logger.Errorf("加载配置失败: %v", err)
		os.Exit(1)
	}

	if err := logger.Init(logger.Config{
		Level:      cfg.LogLevel,
		OutputFile: cfg.LogFile,
		MaxSize:    100,
		MaxBackups: 3,
		MaxAge:     7,
		Compress:   true,
	}); err != nil {
		logger.InitDefault()
		logger.Warnf("初始化日志失败，使用默认配置: %v", err)
	}

	logger.Infof("🚀 futbot 启动: accounts=%d market=%s", len(cfg.Accounts), cfg.MarketURL)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	mgr := shutdown.NewManager()

	// 指标与 pprof
	if cfg.MetricsAddr != "" {
		if _, err := metrics.StartAsync(ctx, cfg.MetricsAddr); err != nil {
			logger.Warnf("指标服务启动失败: %v", err)
		}
	}

	// 凭证仓库
	encKey, err := secretstore.ParseKey(cfg.SecretStoreKey)
	if err != nil {
		logger.Errorf("解析凭证仓库加密 key 失败: %v", err)
		os.Exit(1)
	}
	if encKey == nil {
		logger.Warn("凭证仓库未配置加密 key（FUTBOT_SECRET_KEY），以明文模式打开")
	}
	secrets, err := secretstore.Open(secretstore.OpenOptions{
		Path:          cfg.SecretStorePath,
		EncryptionKey: encKey,
	})
	if err != nil {
		logger.Errorf("打开凭证仓库失败: %v", err)
		os.Exit(1)
	}
	mgr.OnShutdown(func(ctx context.Context) { _ = secrets.Close() })

	// 交易库
	if dir := filepath.Dir(cfg.DatabasePath); dir != "." {
		_ = os.MkdirAll(dir, 0755)
	}
	store, err := storage.Open(cfg.DatabasePath)
	if err != nil {
		logger.Errorf("打开交易库失败: %v", err)
		os.Exit(1)
	}
	mgr.OnShutdown(func(ctx context.Context) { _ = store.Close() })

	// 会话注册表 + 执行门面
	connCfg := &protocol.Config{
		ConnectTimeout:    cfg.Connection.ConnectTimeout,
		CallTimeout:       cfg.Connection.CallTimeout,
		PingInterval:      cfg.Connection.PingInterval,
		PingTimeout:       cfg.Connection.PingTimeout,
		MaxMissedPings:    cfg.Connection.MaxMissedPings,
		ReconnectEnabled:  true,
		ReconnectMinDelay: cfg.Connection.ReconnectMinDelay,
		ReconnectMaxDelay: cfg.Connection.ReconnectMaxDelay,
	}
	registry := session.NewRegistry(ctx, session.NewStoreLoader(secrets), connCfg)
	rec := reconcile.NewReconciler(store, reconcile.NewBuffer())
	executor := services.NewExecutor(registry, rec, cfg.Connection.CallTimeout)

	// 行情通道（各账户共用），推送直接刷新暂存持仓的标记价格
	market := stream.NewClient(ctx, cfg.MarketURL, nil)
	market.OnTick(func(tick *stream.Tick) {
		rec.Buffer().UpdateMarkPrice(tick.Symbol, tick.MarkPrice, tick.EventTime)
	})
	if err := market.Connect(ctx); err != nil {
		logger.Warnf("行情通道初次连接失败，将在后台重试: %v", err)
	}
	mgr.OnShutdown(func(ctx context.Context) { _ = market.Close() })

	// 预建各账户会话：凭证问题要在启动期暴露，而不是第一笔信号时
	for _, accountID := range cfg.Accounts {
		if _, err := registry.GetOrCreate(ctx, accountID); err != nil {
			logger.Errorf("账户 %s 会话创建失败: %v", accountID, err)
		}
	}
	mgr.OnShutdown(func(ctx context.Context) { registry.CloseAll() })

	// 退出前把暂存区落库
	mgr.OnShutdown(func(ctx context.Context) {
		if err := rec.FlushAll(ctx); err != nil {
			logger.Errorf("退出前落库失败: %v", err)
		}
	})

	// 周期性余额同步
	go func() {
		ticker := time.NewTicker(5 * time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				for _, accountID := range cfg.Accounts {
					if _, err := executor.SyncBalance(ctx, accountID); err != nil {
						logger.Warnf("账户 %s 余额同步失败: %v", accountID, err)
					}
				}
			}
		}
	}()

	// 等待退出信号
	sigC := make(chan os.Signal, 1)
	signal.Notify(sigC, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigC
	logger.Infof("收到信号 %v，开始关闭", sig)

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	mgr.Shutdown(shutdownCtx)
	logger.Info("👋 futbot 已退出")
}
