package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"coupon/internal/admission"
	"coupon/internal/config"
	"coupon/internal/consumer"
	"coupon/internal/database"
	"coupon/internal/eventlog"
	"coupon/internal/handler"
	"coupon/internal/middleware"
	"coupon/internal/monitor"
	"coupon/internal/outbox"
	"coupon/internal/redis"
	"coupon/internal/repository"
	"coupon/internal/service/catalog"
	"coupon/internal/service/issuance"
	"coupon/internal/status"
	internalutils "coupon/internal/utils"
	"coupon/internal/worker"
	"coupon/pkg/clock"
	"coupon/pkg/limiter"
	"coupon/pkg/lock"
	"coupon/pkg/log"
	"coupon/pkg/snowflake"
	"coupon/pkg/utils"
)

func main() {
	os.Exit(run())
}

// run returns the process exit code once every deferred close has run.
func run() int {
	cfg, err := config.LoadConfig("")
	if err != nil {
		log.WithFields(map[string]interface{}{
			"error": err.Error(),
		}).Error("Failed to load config")
		return 1
	}

	if err := log.Init(log.Config{
		Level:      cfg.Log.Level,
		Format:     cfg.Log.Format,
		Output:     cfg.Log.Output,
		Filename:   cfg.Log.Filename,
		MaxSize:    cfg.Log.MaxSize,
		MaxAge:     cfg.Log.MaxAge,
		MaxBackups: cfg.Log.MaxBackups,
		Compress:   cfg.Log.Compress,
	}); err != nil {
		log.WithFields(map[string]interface{}{
			"error": err.Error(),
		}).Error("Failed to initialize logger")
		return 1
	}

	// only the log level is applied live; everything else needs a restart
	config.WatchConfig(func(next *config.Config) {
		if level, err := logrus.ParseLevel(next.Log.Level); err == nil {
			log.GetLogger().SetLevel(level)
		}
		log.WithFields(map[string]interface{}{
			"level": next.Log.Level,
		}).Info("Configuration reloaded")
	}, func(err error) {
		log.WithError(err).Warn("Ignoring invalid configuration change")
	})

	tracer, err := monitor.NewTracer(cfg.Tracing, config.Env())
	if err != nil {
		log.WithFields(map[string]interface{}{
			"error": err.Error(),
		}).Error("Failed to initialize tracer")
		return 1
	}

	metrics := monitor.NewMetricsCollector()

	// database
	if err := database.Init(cfg); err != nil {
		log.WithFields(map[string]interface{}{
			"error": err.Error(),
		}).Error("Failed to initialize database")
		return 1
	}
	defer database.Close()

	// redis
	if err := redis.Init(cfg); err != nil {
		log.WithFields(map[string]interface{}{
			"error": err.Error(),
		}).Error("Failed to initialize redis")
		return 1
	}
	defer redis.Close()

	eventLog, err := eventlog.Open(cfg.Kafka)
	if err != nil {
		log.WithFields(map[string]interface{}{
			"error":  err.Error(),
			"driver": cfg.Kafka.Driver,
		}).Error("Failed to open event log")
		return 1
	}
	defer eventLog.Close()

	if cfg.Server.Mode == "release" || config.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}
	utils.RegisterJSONFieldNames()

	db := database.DB
	redisClient := redis.Client
	systemClock := clock.NewSystem()

	couponRepo := repository.NewCouponRepository(db)
	userCouponRepo := repository.NewUserCouponRepository(db)
	outboxRepo := repository.NewOutboxRepository(db)

	idGenerator, err := snowflake.New(cfg.Server.NodeID)
	if err != nil {
		log.WithFields(map[string]interface{}{
			"error":   err.Error(),
			"node_id": cfg.Server.NodeID,
		}).Error("Failed to create ID generator")
		return 1
	}

	soldOut, err := issuance.NewSoldOutCache(cfg.Issuance.SoldOutCacheTTL)
	if err != nil {
		log.WithFields(map[string]interface{}{
			"error": err.Error(),
		}).Error("Failed to create sold-out cache")
		return 1
	}
	defer soldOut.Close()

	queue := admission.NewQueue(redisClient, systemClock)

	issuanceService := issuance.NewService(issuance.Deps{
		Coupons:     couponRepo,
		UserCoupons: userCouponRepo,
		Locker:      lock.NewManager(redisClient),
		Queue:       queue,
		Status:      status.NewStore(redisClient, cfg.Issuance.StatusTTL, systemClock),
		Producer:    eventLog,
		IDs:         idGenerator,
		SoldOut:     soldOut,
		Metrics:     metrics,
		Tracer:      tracer,
		Clock:       systemClock,
	}, issuance.OptionsFromConfig(cfg))

	catalogService := catalog.NewCatalogService(couponRepo, userCouponRepo, systemClock, cfg.Outbox.Topic)

	jwtManager := internalutils.NewJWTManager(
		cfg.Security.JWT.Secret,
		cfg.Security.JWT.Issuer,
		cfg.Security.JWT.Expire,
	)
	issueLimiter := limiter.NewSlidingWindowLimiter(
		redisClient,
		middleware.IssueRateLimitPrefix,
		cfg.RateLimit.Issue.Limit,
		cfg.RateLimit.Issue.Window,
		systemClock,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	if cfg.Metrics.Enabled {
		go metrics.StartSystemMetricsCollection(gctx)
	}

	switch cfg.Issuance.AsyncMode {
	case config.AsyncModeLog:
		g.Go(func() error {
			return consumer.NewIssueConsumer(eventLog, issuanceService, cfg.Kafka).Start(gctx)
		})
		g.Go(func() error {
			return consumer.NewDLTConsumer(eventLog, issuanceService, metrics, cfg.Kafka).Start(gctx)
		})
	default:
		g.Go(func() error {
			return worker.NewQueueWorker(queue, issuanceService, metrics, cfg.Issuance).Start(gctx)
		})
		g.Go(func() error {
			return worker.NewHealthMonitor(queue, metrics, cfg.Issuance).Start(gctx)
		})
	}

	g.Go(func() error {
		return outbox.NewDispatcher(outboxRepo, eventLog, cfg.Outbox, outbox.WithMetrics(metrics)).Start(gctx)
	})

	router := setupRouter(cfg, metrics, tracer, jwtManager, issueLimiter,
		handler.NewIssueHandler(issuanceService),
		handler.NewCouponHandler(catalogService),
	)

	server := &http.Server{
		Addr:           cfg.Server.GetAddr(),
		Handler:        router,
		ReadTimeout:    cfg.Server.ReadTimeout,
		WriteTimeout:   cfg.Server.WriteTimeout,
		IdleTimeout:    cfg.Server.IdleTimeout,
		MaxHeaderBytes: 1 << 20, // 1MB
	}

	g.Go(func() error {
		log.WithFields(map[string]interface{}{
			"addr":       server.Addr,
			"mode":       cfg.Server.Mode,
			"async_mode": cfg.Issuance.AsyncMode,
		}).Info("Starting HTTP server")

		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		log.Info("Shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			log.WithFields(map[string]interface{}{
				"error": err.Error(),
			}).Error("Server forced to shutdown")
		}
		if err := tracer.Shutdown(shutdownCtx); err != nil {
			log.WithError(err).Warn("Failed to flush traces")
		}
		return nil
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.WithFields(map[string]interface{}{
			"error": err.Error(),
		}).Error("Service stopped with error")
		return 1
	}

	log.Info("Server exited")
	return 0
}

func setupRouter(
	cfg *config.Config,
	metrics *monitor.MetricsCollector,
	tracer *monitor.Tracer,
	jwtManager *internalutils.JWTManager,
	issueLimiter limiter.RateLimiter,
	issueHandler *handler.IssueHandler,
	couponHandler *handler.CouponHandler,
) *gin.Engine {
	router := gin.New()

	router.Use(middleware.Recovery())
	router.Use(middleware.Logger(metrics))
	router.Use(tracer.GinMiddleware())
	router.Use(middleware.CORS(
		cfg.Security.CORS.AllowOrigins,
		cfg.Security.CORS.AllowCredentials,
		cfg.Security.CORS.MaxAge,
	))
	if cfg.RateLimit.Enabled {
		router.Use(middleware.IPRateLimit(cfg.RateLimit.PerIP.RPS, cfg.RateLimit.PerIP.Burst))
	}
	router.Use(middleware.Timeout(cfg.Server.RequestTimeout))

	router.GET("/health", healthCheck)
	router.GET("/ping", ping)
	if cfg.Metrics.Enabled {
		router.GET(cfg.Metrics.Path, gin.WrapH(metrics.Handler()))
	}

	issueLimit := func(c *gin.Context) { c.Next() }
	if cfg.RateLimit.Enabled {
		issueLimit = middleware.IssueRateLimit(issueLimiter)
	}

	api := router.Group("/api")
	{
		v1 := api.Group("/v1")
		{
			v1.GET("/health", healthCheck)
			v1.GET("/ping", ping)

			coupons := v1.Group("/coupons")
			{
				coupons.POST("/:id/issue", issueLimit, issueHandler.IssueSync)
				coupons.GET("/available", couponHandler.ListAvailable)
				coupons.GET("/:id", couponHandler.GetCoupon)

				async := coupons.Group("/async")
				async.POST("/issue", issueLimit, issueHandler.IssueAsync)
				async.GET("/status/:requestId", issueHandler.GetStatus)
				async.GET("/system/status", issueHandler.SystemStatus)
			}

			users := v1.Group("/users")
			{
				users.GET("/:userId/coupons", couponHandler.ListUserCoupons)
				users.GET("/:userId/coupons/available", couponHandler.ListAvailableUserCoupons)
			}

			admin := v1.Group("/admin")
			admin.Use(middleware.AdminAuth(jwtManager))
			{
				admin.POST("/coupons", couponHandler.CreateCoupon)
				admin.POST("/coupons/bulk", couponHandler.BulkCreate)
			}
		}
	}

	return router
}

func healthCheck(c *gin.Context) {
	dbHealth := checkDependency(c.Request.Context(), database.Health)
	redisHealth := checkDependency(c.Request.Context(), redis.Health)

	health := map[string]interface{}{
		"status":    "ok",
		"timestamp": time.Now().Unix(),
		"version":   "1.0.0",
		"services": map[string]interface{}{
			"database": dbHealth,
			"redis":    redisHealth,
		},
	}

	if !dbHealth["healthy"].(bool) || !redisHealth["healthy"].(bool) {
		health["status"] = "error"
		c.JSON(http.StatusServiceUnavailable, health)
		return
	}

	c.JSON(http.StatusOK, health)
}

func ping(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"message":   "pong",
		"timestamp": time.Now().Unix(),
	})
}

func checkDependency(ctx context.Context, check func(context.Context) error) map[string]interface{} {
	if err := check(ctx); err != nil {
		return map[string]interface{}{
			"healthy": false,
			"error":   err.Error(),
		}
	}
	return map[string]interface{}{
		"healthy": true,
		"status":  "connected",
	}
}
