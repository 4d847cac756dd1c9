package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/xiaopang/keyrelay/internal/api"
	"github.com/xiaopang/keyrelay/internal/config"
	"github.com/xiaopang/keyrelay/internal/core"
	"github.com/xiaopang/keyrelay/internal/logger"
	"github.com/xiaopang/keyrelay/internal/metrics"
	"github.com/xiaopang/keyrelay/internal/secret"
	"github.com/xiaopang/keyrelay/internal/store"
)

func main() {
	// 命令行参数
	configPath := flag.String("config", "config.yaml", "配置文件路径")
	flag.Parse()

	// 加载配置
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	logger.Init(cfg.Logging.Level, cfg.Logging.Format)
	defer logger.Sync()
	log := logger.Zap()
	logger.Info("config loaded", "path", *configPath)

	if err := run(cfg, *configPath); err != nil {
		logger.Error("server exited", "error", err)
		_ = log.Sync()
		os.Exit(1)
	}
}

func run(cfg *config.Config, configPath string) error {
	log := logger.Zap()

	// 初始化存储（请求日志固定使用 SQLite）
	db, err := store.New(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("init database: %w", err)
	}
	defer db.Close()
	logger.Info("database initialized", "path", cfg.Database.Path)

	// 凭据槽位后端
	var kv core.KVStore = db
	if cfg.Storage.Backend == "redis" {
		client := goredis.NewClient(&goredis.Options{
			Addr:     cfg.Storage.Redis.Addr,
			Password: cfg.Storage.Redis.Password,
			DB:       cfg.Storage.Redis.DB,
		})
		defer client.Close()
		rkv := store.NewRedisKV(client, store.WithKeyPrefix(cfg.Storage.Redis.KeyPrefix))
		pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := rkv.Ping(pingCtx)
		cancel()
		if err != nil {
			return fmt.Errorf("connect redis %s: %w", cfg.Storage.Redis.Addr, err)
		}
		kv = rkv
		logger.Info("credential store on redis", "addr", cfg.Storage.Redis.Addr)
	}

	cipher, err := secret.New(cfg.Crypto.Passphrase)
	if err != nil {
		return fmt.Errorf("init cipher: %w", err)
	}
	if !cipher.Enabled() {
		logger.Warn("crypto.passphrase not set, credentials are stored in plaintext")
	}

	// key 池
	format := core.KeyFormat{Prefix: cfg.Pool.KeyPrefix, MinLength: cfg.Pool.MinKeyLength}
	keyStore := core.NewKeyStore(kv, cipher, format, log)
	clock := core.SystemClock()
	pool := core.NewKeyPool(keyStore, core.NewUsageTracker(clock), clock, core.PoolOptions{
		PlainRotationCooldown: config.Seconds(cfg.Pool.PlainRotationCooldown),
		BatchRotationCooldown: config.Seconds(cfg.Pool.BatchRotationCooldown),
	}, log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if res := pool.Load(ctx); res.Err != nil {
		logger.Warn("credential load reported errors", "source", res.Source, "error", res.Err)
	}
	// 配置文件中的 key 合并进池
	if len(cfg.Keys) > 0 {
		merged := append(pool.Keys(), cfg.Keys...)
		if saved, err := pool.SetKeys(ctx, merged); err != nil {
			logger.Warn("failed to import keys from config", "error", err)
		} else {
			logger.Info("keys imported from config", "count", len(saved))
		}
	}
	if pool.Size() == 0 {
		logger.Warn("no API keys configured; dispatch returns api_key_required until keys are set")
	}

	// 指标
	var m *metrics.Collector
	if cfg.Metrics.Enabled {
		m = metrics.NewCollector("keyrelay")
		m.SetPoolKeys(pool.Size())
	}

	// 可用性探测 + 后台检查
	health := core.NewHealthChecker(cfg.Dispatch.UpstreamURL, &cfg.HealthCheck,
		config.Seconds(cfg.Dispatch.ProbeTTL), pool.Keys, clock, log)
	health.Start()
	defer health.Stop()
	if cfg.HealthCheck.Enabled {
		logger.Info("health checker started", "interval", cfg.HealthCheck.Interval)
	}

	// 上游通道
	direct := core.NewDirectTransport(cfg.Dispatch.UpstreamURL, nil)
	limiter := core.NewKeyLimiter(cfg.Pool.RequestsPerMinute)
	opts := []core.Option{
		core.WithProber(health),
		core.WithLimiter(limiter),
		core.WithTokenCounter(core.NewTiktokenCounter("")),
		core.WithShaper(core.NewShaper(core.DefaultPolicyTable(), cfg.Dispatch.FastResponseCap,
			cfg.Dispatch.LightModel, cfg.Dispatch.HeavyModel)),
		core.WithClock(clock),
		core.WithMetrics(m),
		core.WithLogSink(db),
		core.WithLogger(log),
		core.WithCallTimeout(config.Seconds(cfg.Dispatch.CallTimeout)),
		core.WithBreakerOptions(core.BreakerOptions{
			Threshold: cfg.Dispatch.BreakerThreshold,
			Window:    config.Seconds(cfg.Dispatch.BreakerWindow),
			Cooldown:  config.Seconds(cfg.Dispatch.BreakerCooldown),
		}),
	}
	if proxy := core.NewProxyTransport(cfg.Dispatch.ProxyURL, cfg.Dispatch.ProxyAuthKey, nil); proxy != nil {
		opts = append(opts, core.WithProxy(proxy))
		logger.Info("proxy transport enabled", "url", cfg.Dispatch.ProxyURL)
	}
	dispatcher := core.NewDispatcher(pool, direct, opts...)

	// 设置路由
	r := api.SetupRouter(cfg, api.Handlers{
		Proxy:    api.NewProxyHandler(direct, format, cfg, log),
		Dispatch: api.NewDispatchHandler(dispatcher, core.NewTranslator(clock, cfg.Dispatch.HeavyModel), log),
		Admin: api.NewAdminHandler(api.AdminDeps{
			Pool:       pool,
			Dispatcher: dispatcher,
			Health:     health,
			Limiter:    limiter,
			Logs:       db,
			Metrics:    m,
			Config:     cfg,
			ConfigPath: configPath,
		}),
	}, m, log)

	// 日志清理
	go cleanLogs(ctx, db, cfg.Logging.RetentionDays)

	// 使用 http.Server 以支持 Graceful Shutdown
	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	srvErr := make(chan error, 1)
	go func() {
		logger.Info("keyrelay starting", "addr", addr, "keys", pool.Size())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			srvErr <- err
		}
		close(srvErr)
	}()

	// 等待信号或服务器错误
	select {
	case err := <-srvErr:
		if err != nil {
			return fmt.Errorf("start server: %w", err)
		}
	case <-ctx.Done():
		logger.Info("shutdown signal received, draining connections")
	}

	// 给在途请求 15 秒的时间完成
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http server shutdown error", "error", err)
	}

	logger.Info("server stopped gracefully")
	return nil
}

// cleanLogs 每小时删除超过保留期的请求日志
func cleanLogs(ctx context.Context, db *store.Store, retentionDays int) {
	if retentionDays <= 0 {
		return
	}
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()

	for {
		if n, err := db.CleanOldLogs(retentionDays); err != nil {
			logger.Warn("clean old logs failed", "error", err)
		} else if n > 0 {
			logger.Info("old logs cleaned", "count", n)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
