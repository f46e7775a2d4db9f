package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/uplift-tools/deskd/internal/activity"
	"github.com/uplift-tools/deskd/internal/api"
	"github.com/uplift-tools/deskd/internal/api/middleware"
	"github.com/uplift-tools/deskd/internal/app"
	"github.com/uplift-tools/deskd/internal/ble"
	cfgpkg "github.com/uplift-tools/deskd/internal/config"
	"github.com/uplift-tools/deskd/internal/discovery"
	"github.com/uplift-tools/deskd/internal/health"
	"github.com/uplift-tools/deskd/internal/httpserver"
	"github.com/uplift-tools/deskd/internal/logging"
	"github.com/uplift-tools/deskd/internal/metrics"
	"github.com/uplift-tools/deskd/internal/migrate"
	"github.com/uplift-tools/deskd/internal/storage/gormrepo"
	"github.com/uplift-tools/deskd/internal/storage/pg"
	redisstorage "github.com/uplift-tools/deskd/internal/storage/redis"
	"github.com/uplift-tools/deskd/internal/variant"
)

func main() {
	configPath := flag.String("config", "", "配置文件路径（缺省使用 configs/example.yaml 与环境变量）")
	flag.Parse()

	// 1) 加载配置
	cfg, err := cfgpkg.Load(*configPath)
	if err != nil {
		panic(err)
	}

	// 2) 初始化日志
	logger, err := logging.InitLogger(cfg.Logging)
	if err != nil {
		panic(err)
	}
	defer func() { _ = logger.Sync() }()
	zap.ReplaceGlobals(logger)
	log := zap.L()

	rootCtx, rootCancel := context.WithCancel(context.Background())
	defer rootCancel()

	// 3) 指标注册与处理器
	reg := metrics.NewRegistry()
	appMetrics := metrics.NewAppMetrics(reg)
	var metricsHandler http.Handler
	if cfg.Metrics.Enable {
		metricsHandler = metrics.Handler(reg)
	}

	// 4) 硬件系列注册表与蓝牙适配器
	registry := variant.NewRegistry(cfg.BLE.DeskID)
	adapter, err := ble.NewAdapter(registry.KnownServiceUUIDs(), log)
	if err != nil {
		log.Fatal("bluetooth adapter init error", zap.Error(err))
	}
	scanner := discovery.NewScanner(adapter, registry, log)

	agg := health.NewAggregator()

	// 5) 缓存后端
	var cache discovery.Store
	if cfg.Cache.Backend == "redis" {
		redisClient, rerr := redisstorage.NewClient(cfg.Redis)
		if rerr != nil {
			log.Fatal("redis init error", zap.Error(rerr))
		}
		defer func() { _ = redisClient.Close() }()
		cache = discovery.NewRedisStore(redisClient.Client, cfg.Cache.RedisKey, 0)
		agg.AddChecker(health.NewRedisChecker(redisClient))
	} else {
		cache = discovery.NewFileStore(cfg.Cache.File)
	}

	// 6) 活动事件日志与可选持久化
	trackerOpts := []activity.Option{
		activity.WithObserver(activity.ObserverFunc(func(op, status string) {
			appMetrics.ActivityEvents.WithLabelValues(op, status).Inc()
		})),
	}
	engineOpts := []app.Option{
		app.WithMetrics(appMetrics),
		app.WithLogger(log),
	}

	var eventRepo *pg.EventRepo
	if cfg.Database.Enable {
		pool, perr := pg.NewPool(rootCtx, cfg.Database.DSN,
			cfg.Database.MaxOpenConns, cfg.Database.MaxIdleConns, cfg.Database.ConnMaxLifetime, log)
		if perr != nil {
			log.Fatal("database init error", zap.Error(perr))
		}
		defer pool.Close()

		runner := migrate.Runner{Dir: cfg.Database.MigrationsDir, Log: log}
		if merr := runner.Up(rootCtx, pool); merr != nil {
			log.Fatal("database migrate error", zap.Error(merr))
		}

		eventRepo = pg.NewEventRepo(pool)
		trackerOpts = append(trackerOpts, activity.WithStore(eventRepo))
		agg.AddChecker(health.NewDatabaseChecker(pool))

		gdb, gerr := gorm.Open(postgres.Open(cfg.Database.DSN), &gorm.Config{})
		if gerr != nil {
			log.Fatal("gorm init error", zap.Error(gerr))
		}
		engineOpts = append(engineOpts, app.WithCoreRepo(gormrepo.New(gdb)))
	}

	tracker := activity.NewTracker(trackerOpts...)
	if eventRepo != nil {
		// 启动回放：恢复当天事件，保证重启后统计连续
		if events, serr := eventRepo.ListByDay(rootCtx, time.Now()); serr != nil {
			log.Warn("event replay failed", zap.Error(serr))
		} else if len(events) > 0 {
			tracker.Seed(events)
			log.Info("events replayed", zap.Int("count", len(events)))
		}
	}

	// 7) 应用引擎
	engine := app.New(cfg, adapter, registry, scanner, cache, tracker, engineOpts...)
	agg.AddChecker(health.NewDeskChecker(engine))

	// 8) HTTP 服务：健康检查、指标与控制API
	authCfg := middleware.AuthConfig{
		Enabled: cfg.HTTP.Auth.Enabled,
		APIKeys: cfg.HTTP.Auth.APIKeys,
	}
	readyFn := func() bool {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		return agg.Ready(ctx)
	}
	httpSrv := httpserver.New(cfg.HTTP, cfg.Metrics.Path, metricsHandler, readyFn, func(r *gin.Engine) {
		api.RegisterRoutes(r, engine, authCfg, log)
		health.RegisterHTTPRoutes(r, agg)
	})

	go func() {
		if err := httpSrv.Start(); err != nil && err != http.ErrServerClosed {
			log.Error("http server error", zap.Error(err))
		}
	}()
	log.Info("deskd started", zap.String("addr", cfg.HTTP.Addr))

	// 启动时尽力连接一次：失败只记日志，操作员可随时通过API重试
	go func() {
		if err := engine.Connect(rootCtx); err != nil {
			log.Warn("initial connect failed", zap.Error(err))
		}
	}()

	// 9) 每小时落一次日报快照（读模型，可重建），并按保留期清理过期事件
	go func() {
		ticker := time.NewTicker(time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-rootCtx.Done():
				return
			case <-ticker.C:
				if err := engine.SnapshotDaily(rootCtx, time.Now()); err != nil {
					log.Warn("daily snapshot failed", zap.Error(err))
				}
				if eventRepo != nil && cfg.Database.RetentionDays > 0 {
					cutoff := time.Now().AddDate(0, 0, -cfg.Database.RetentionDays)
					if n, perr := eventRepo.PurgeBefore(rootCtx, cutoff); perr != nil {
						log.Warn("event purge failed", zap.Error(perr))
					} else if n > 0 {
						log.Info("expired events purged",
							zap.Int64("count", n),
							zap.Time("cutoff", cutoff))
					}
				}
			}
		}
	}()

	// 信号处理，优雅关闭
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	rootCancel()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = httpSrv.Shutdown(ctx)
	_ = engine.Disconnect()
}
