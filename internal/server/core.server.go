package server

import (
	"context"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"notification-service/internal/analytics"
	"notification-service/internal/config"
	"notification-service/internal/dispatch"
	"notification-service/internal/gateway"
	httphandler "notification-service/internal/handler/http"
	wshandler "notification-service/internal/handler/ws"
	"notification-service/internal/preference"
	"notification-service/internal/queue"
	"notification-service/internal/repository"
	"notification-service/internal/router"
	"notification-service/internal/template"
	"notification-service/internal/usecase"
	"notification-service/pkg/cache"
)

// Server bundles the HTTP listener with the background pipeline so main can
// start and stop everything in one place.
type Server struct {
	cfg    config.AppConfig
	logger *zap.Logger

	httpSrv *http.Server
	worker  *dispatch.Worker
	monitor *dispatch.Monitor
	gw      *gateway.Gateway
	relay   *gateway.Relay

	pool *pgxpool.Pool
	rdb  *redis.Client
}

func New(cfg config.AppConfig, logger *zap.Logger) *Server {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// --- Stores ---
	// Postgres when reachable, otherwise the in-memory stores so a single
	// binary still runs on a laptop without infra.
	var (
		pool       *pgxpool.Pool
		notifStore repository.NotificationStore
		prefStore  repository.PreferenceStore
		tmplStore  repository.TemplateStore
	)
	if p, err := pgxpool.New(ctx, cfg.PostgresDSN); err == nil {
		if err := p.Ping(ctx); err == nil {
			pool = p
			notifStore = repository.NewNotificationRepository(p, logger)
			prefStore = repository.NewPreferenceRepository(p, logger)
			tmplStore = repository.NewTemplateRepository(p, logger)
		} else {
			p.Close()
			logger.Warn("postgres unreachable, using in-memory stores", zap.Error(err))
		}
	} else {
		logger.Warn("invalid postgres config, using in-memory stores", zap.Error(err))
	}
	if pool == nil {
		notifStore = repository.NewMemNotificationStore()
		prefStore = repository.NewMemPreferenceStore()
		tmplStore = repository.NewMemTemplateStore()
	}

	// --- Redis: queue backend, caches, relay ---
	var (
		rdb *redis.Client
		q   queue.Queue
		c   *cache.Cache
	)
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPass,
		DB:       cfg.RedisDB,
	})
	if err := client.Ping(ctx).Err(); err == nil {
		rdb = client
		q = queue.NewRedisQueue(rdb, cfg.Queue, logger)
		c = cache.New(rdb)
	} else {
		client.Close()
		logger.Warn("redis unreachable, using in-memory queue", zap.Error(err))
		q = queue.NewMemQueue(cfg.Queue)
	}

	// --- Templates & preferences ---
	engine := template.NewEngine(logger)
	resolver := template.NewResolver(engine, tmplStore, c, cfg.Template, logger)
	filter := preference.NewFilter(c, logger)

	// --- Gateway ---
	gw := gateway.New(cfg.Gateway, gateway.NewLocalRegistry(), notifStore, logger)
	var relay *gateway.Relay
	if cfg.Gateway.EnableRelay && rdb != nil {
		relay = gateway.NewRelay(rdb, cfg.Gateway.RelayChannel, gw, logger)
		gw.SetRelay(relay)
	}

	// --- Pipeline ---
	disp := dispatch.NewDispatcher(q, cfg.Queue, logger)
	worker := dispatch.NewWorker(q, notifStore, prefStore, resolver, filter, gw, cfg.Worker, cfg.Queue, logger)
	monitor := dispatch.NewMonitor(q, notifStore, c, cfg.Monitor, cfg.Worker, logger)

	// --- Usecases ---
	agg := analytics.NewAggregator(notifStore, logger)
	notifUC := usecase.NewNotificationUsecase(notifStore, prefStore, agg, gw, logger)
	tmplUC := usecase.NewTemplateUsecase(tmplStore, engine, resolver, logger)
	adminUC := usecase.NewQueueAdminUsecase(q, monitor, cfg.Monitor, logger)

	// --- Handlers ---
	nh := httphandler.NewNotificationHandler(notifUC, logger)
	dh := httphandler.NewDispatchHandler(disp, logger)
	ah := httphandler.NewAdminHandler(adminUC, tmplUC, logger)
	ws := wshandler.NewWSHandler(gw, notifUC, cfg.JWTSecret, logger)

	handler := router.SetupRoutes(nh, dh, ah, ws, cfg, logger)

	return &Server{
		cfg:    cfg,
		logger: logger,
		httpSrv: &http.Server{
			Addr:    cfg.HTTPAddr,
			Handler: handler,
		},
		worker:  worker,
		monitor: monitor,
		gw:      gw,
		relay:   relay,
		pool:    pool,
		rdb:     rdb,
	}
}

// Start launches the background pipeline and blocks on the HTTP listener.
func (s *Server) Start() error {
	ctx := context.Background()

	if s.relay != nil {
		if err := s.relay.Start(ctx); err != nil {
			s.logger.Warn("relay failed to start, continuing without fan-out", zap.Error(err))
		}
	}
	s.worker.Start(ctx)
	s.monitor.Start(ctx)

	s.logger.Info("notification service listening", zap.String("addr", s.cfg.HTTPAddr))
	return s.httpSrv.ListenAndServe()
}

// Shutdown stops intake first so in-flight jobs drain, then tears down the
// realtime side and the connection pools.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.httpSrv.Shutdown(ctx)

	s.worker.Stop()
	s.monitor.Stop()
	if s.relay != nil {
		s.relay.Stop()
	}
	s.gw.Shutdown()

	if s.rdb != nil {
		s.rdb.Close()
	}
	if s.pool != nil {
		s.pool.Close()
	}
	return err
}
