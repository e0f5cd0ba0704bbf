package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	grpc_health "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/codesense/codesense/internal/api"
	"github.com/codesense/codesense/internal/auth"
	"github.com/codesense/codesense/internal/cache"
	"github.com/codesense/codesense/internal/campaign"
	"github.com/codesense/codesense/internal/celery"
	"github.com/codesense/codesense/internal/config"
	"github.com/codesense/codesense/internal/db"
	"github.com/codesense/codesense/internal/health"
	"github.com/codesense/codesense/internal/logging"
	"github.com/codesense/codesense/internal/metrics"
	"github.com/codesense/codesense/internal/notify"
	"github.com/codesense/codesense/internal/templates"
	"github.com/codesense/codesense/internal/tracing"
	"github.com/codesense/codesense/internal/users"
)

const shutdownTimeout = 15 * time.Second

type connections struct {
	pool    *pgxpool.Pool
	broker  *redis.Client
	results *redis.Client
}

func (c connections) Close() {
	if c.broker != nil {
		_ = c.broker.Close()
	}
	if c.results != nil {
		_ = c.results.Close()
	}
	if c.pool != nil {
		c.pool.Close()
	}
}

// connect opens Postgres, the broker DB and the result backend DB in
// parallel. The broker and result backend are separate logical databases.
func connect(ctx context.Context, cfg config.Config) (connections, error) {
	var c connections
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		pool, err := db.Connect(gctx, cfg.DSN())
		c.pool = pool
		return err
	})
	g.Go(func() error {
		client, err := db.ConnectRedis(gctx, db.RedisOptions{
			Addr: cfg.Redis.Addr(), Password: cfg.Redis.Password, DB: cfg.Celery.BrokerDB,
		})
		c.broker = client
		return err
	})
	g.Go(func() error {
		client, err := db.ConnectRedis(gctx, db.RedisOptions{
			Addr: cfg.Redis.Addr(), Password: cfg.Redis.Password, DB: cfg.Celery.ResultDB,
		})
		c.results = client
		return err
	})
	if err := g.Wait(); err != nil {
		c.Close()
		return connections{}, err
	}
	return c, nil
}

func checker(c connections) health.Checker {
	return health.Checker{
		Database: c.pool.Ping,
		Broker:   health.RedisPing(c.broker),
		Backend:  health.RedisPing(c.results),
	}
}

// httpMux serves health and metrics beside the API router.
func httpMux(router http.Handler, hc health.Checker, reg *prometheus.Registry) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", health.HTTPHandler(hc))
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.Handle("/", router)
	return mux
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.Plain().WithError(err).Fatal("config load failed")
	}
	service := cfg.AppName + "-api"
	logging.SetDefaultService(service)
	logger := logging.New(service)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	shutdownTracing, err := tracing.InitTracing(ctx, service)
	if err != nil {
		logger.Plain().WithError(err).Fatal("Failed to initialize tracing")
	}
	defer shutdownTracing()

	conns, err := connect(ctx, cfg)
	if err != nil {
		logger.Plain().WithError(err).Fatal("connect dependencies")
	}
	defer conns.Close()

	if err := db.Migrate(ctx, conns.pool); err != nil {
		logger.Plain().WithError(err).Fatal("migrate")
	}

	publisher, err := notify.NewPublisher(cfg.NSQ.NsqdTCPAddr, cfg.NSQ.CampaignTopic, logger)
	if err != nil {
		logger.Plain().WithError(err).Fatal("nsq publisher")
	}
	defer publisher.Close()
	if err := publisher.Ping(); err != nil {
		logger.Plain().WithError(err).Warn("nsqd unreachable, campaign events will be dropped until it recovers")
	}

	producer := celery.NewProducer(conns.broker, celery.ProducerOptions{
		DefaultQueue: cfg.Celery.DefaultQueue,
		Origin:       cfg.Celery.Origin,
	}, logger)
	backend := celery.NewBackend(conns.results, cfg.Celery.ResultPrefix, logger)

	userStore := users.NewStore(conns.pool)
	campaigns := campaign.NewService(campaign.NewStore(conns.pool), userStore, producer, backend, publisher, logger)
	tracker := campaign.NewTracker(ctx, campaigns.TaskStatus, cfg.Poll.Interval, cfg.Poll.MaxPolls, logger)
	campaigns.OnSubmit(func(sub campaign.Submitted) { tracker.Track(sub.TaskID) })

	issuer, err := auth.NewIssuer(cfg.Auth.JWTSecret, cfg.Auth.Issuer, cfg.Auth.TokenTTL)
	if err != nil {
		logger.Plain().WithError(err).Fatal("jwt issuer")
	}
	validator, err := auth.NewValidator(cfg.Auth.JWTSecret, cfg.Auth.Issuer)
	if err != nil {
		logger.Plain().WithError(err).Fatal("jwt validator")
	}

	// sessions and rate limit counters share the broker DB, queue lists are
	// the only other keys there
	sessions := cache.New(conns.broker, logger)
	authHandlers := auth.NewHandlers(userStore, sessions,
		cache.NewRateLimiter(conns.broker, "login", logger), producer, issuer, validator,
		auth.HandlerOptions{
			SessionTTL:  cfg.Cache.SessionTTL,
			UserDataTTL: cfg.Cache.UserDataTTL,
			LoginLimit:  cfg.RateLimit.LoginLimit,
			LoginWindow: cfg.RateLimit.LoginWindow,
		}, logger)

	catalog, err := templates.Default()
	if err != nil {
		logger.Plain().WithError(err).Fatal("template catalog")
	}

	router, err := api.NewRouter(api.Deps{
		Campaigns: campaigns,
		Templates: catalog,
		Validator: validator,
		Auth:      authHandlers,
		Limiter:   cache.NewRateLimiter(conns.broker, "bulk", logger),
		BulkLimit: api.BulkLimit{Limit: cfg.RateLimit.BulkLimit, Window: cfg.RateLimit.BulkWindow},
		Log:       logger,
	})
	if err != nil {
		logger.Plain().WithError(err).Fatal("router")
	}

	reg := prometheus.NewRegistry()
	metrics.MustRegister(reg)
	hc := checker(conns)

	// gRPC serves only the unauthenticated health service
	grpcSrv := grpc.NewServer(grpc.StatsHandler(otelgrpc.NewServerHandler()))
	hs := grpc_health.NewServer()
	healthpb.RegisterHealthServer(grpcSrv, hs)
	go health.Watch(ctx, hc, hs, "", 10*time.Second, logger)

	lis, err := net.Listen("tcp", cfg.GRPCPort)
	if err != nil {
		logger.Plain().WithError(err).Fatal("gRPC listen")
	}
	go func() {
		logger.Plain().WithField("addr", cfg.GRPCPort).Info("gRPC health listening")
		if err := grpcSrv.Serve(lis); err != nil {
			logger.Plain().WithError(err).Error("gRPC serve")
		}
	}()

	httpSrv := &http.Server{
		Addr:              cfg.HTTPPort,
		Handler:           httpMux(router, hc, reg),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Plain().WithField("addr", cfg.HTTPPort).Info("HTTP listening")
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Plain().WithError(err).Error("HTTP serve")
			stop()
		}
	}()

	<-ctx.Done()
	logger.Plain().Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	_ = httpSrv.Shutdown(shutdownCtx)
	grpcSrv.GracefulStop()
	// flush welcome e-mails still being pushed
	producer.Wait()
	tracker.Wait()

	logger.Plain().Info("api stopped")
}
