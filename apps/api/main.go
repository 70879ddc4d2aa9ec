package main

import (
	"context"
	"crypto/tls"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	authhandler "github.com/edumesh/edumesh-server/domains/auth/be/handler"
	authrepo "github.com/edumesh/edumesh-server/domains/auth/be/repo"
	authservice "github.com/edumesh/edumesh-server/domains/auth/be/service"
	feeshandler "github.com/edumesh/edumesh-server/domains/fees/be/handler"
	feesrepo "github.com/edumesh/edumesh-server/domains/fees/be/repo"
	feesservice "github.com/edumesh/edumesh-server/domains/fees/be/service"
	golivehandler "github.com/edumesh/edumesh-server/domains/golive/be/handler"
	goliveservice "github.com/edumesh/edumesh-server/domains/golive/be/service"
	rbacguard "github.com/edumesh/edumesh-server/domains/rbac/be/guard"
	rbachandler "github.com/edumesh/edumesh-server/domains/rbac/be/handler"
	rbacrepo "github.com/edumesh/edumesh-server/domains/rbac/be/repo"
	rbacservice "github.com/edumesh/edumesh-server/domains/rbac/be/service"
	tenantshandler "github.com/edumesh/edumesh-server/domains/tenants/be/handler"
	tenantsprov "github.com/edumesh/edumesh-server/domains/tenants/be/provisioning"
	tenantsrepo "github.com/edumesh/edumesh-server/domains/tenants/be/repo"
	tenantsservice "github.com/edumesh/edumesh-server/domains/tenants/be/service"
	usershandler "github.com/edumesh/edumesh-server/domains/users/be/handler"
	usersrepo "github.com/edumesh/edumesh-server/domains/users/be/repo"
	usersservice "github.com/edumesh/edumesh-server/domains/users/be/service"
	platformauth "github.com/edumesh/edumesh-server/platform/go/auth"
	platformlogging "github.com/edumesh/edumesh-server/platform/go/logging"
	"github.com/edumesh/edumesh-server/platform/go/metrics"
	platformmiddleware "github.com/edumesh/edumesh-server/platform/go/middleware"
	"github.com/edumesh/edumesh-server/platform/go/persistence"
	"github.com/edumesh/edumesh-server/platform/go/queue"
	"github.com/edumesh/edumesh-server/platform/go/redflag"
	tenantmiddleware "github.com/edumesh/edumesh-server/platform/go/tenant/middleware"
)

type config struct {
	Port            string        `env:"PORT" envDefault:"3000"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"10s"`
	RequestTimeout  time.Duration `env:"REQUEST_TIMEOUT" envDefault:"15s"`
	LogLevel        string        `env:"LOG_LEVEL" envDefault:"info"`
	ServiceName     string        `env:"SERVICE_NAME" envDefault:"edumesh-api"`
	Environment     string        `env:"APP_ENV" envDefault:"development"`

	DatabaseURL string `env:"DATABASE_URL,required"`

	RedisHost     string `env:"REDIS_HOST" envDefault:"localhost"`
	RedisPort     string `env:"REDIS_PORT" envDefault:"6379"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	RedisTLS      bool   `env:"REDIS_TLS" envDefault:"false"`

	JWTSecret  string `env:"JWT_SECRET,required"`
	CORSOrigin string `env:"CORS_ORIGIN"`
	RootDomain string `env:"ROOT_DOMAIN" envDefault:"edumesh.in"`
	// TrustSchemaHeader permits x-schema-name tenant resolution; test
	// harness deployments only.
	TrustSchemaHeader bool `env:"TRUST_SCHEMA_HEADER" envDefault:"false"`

	PilotMode          bool `env:"PILOT_MODE" envDefault:"false"`
	MaxSchools         int  `env:"MAX_SCHOOLS" envDefault:"10"`
	PilotMaxImportRows int  `env:"PILOT_MAX_IMPORT_ROWS" envDefault:"2000"`
	RBACStrictLog      bool `env:"RBAC_STRICT_LOG" envDefault:"false"`
}

func main() {
	ctx := context.Background()

	var cfg config
	if err := env.Parse(&cfg); err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger, err := platformlogging.NewLogger(platformlogging.Config{
		Service: cfg.ServiceName,
		Level:   cfg.LogLevel,
	})
	if err != nil {
		log.Fatalf("init zap logger: %v", err)
	}
	defer func() {
		_ = logger.Sync()
	}()

	// Wildcard CORS in production aborts startup, before any listener opens.
	corsMiddleware, err := platformmiddleware.CORS(cfg.CORSOrigin, cfg.Environment)
	if err != nil {
		logger.Fatal("invalid CORS configuration", zap.Error(err))
	}

	reg := metrics.NewRegistry()
	flags := redflag.NewRegistry(redflag.DefaultTTL)

	pool, err := persistence.NewPool(ctx, persistence.DefaultPoolConfig(cfg.DatabaseURL))
	if err != nil {
		logger.Fatal("init postgres pool", zap.Error(err))
	}
	defer persistence.ClosePool(pool)

	rdb := redis.NewClient(redisOptions(cfg))
	defer func() {
		_ = rdb.Close()
	}()
	if err := rdb.Ping(ctx).Err(); err != nil {
		// Redis being down degrades (no cache, no queue) but must not stop
		// the API from serving.
		logger.Warn("redis unreachable at startup", zap.Error(err))
	}

	tenantDB := persistence.NewTenantDB(persistence.TenantDBConfig{Pool: pool, Metrics: reg})
	db := persistence.NewAuditedRunner(tenantDB, &persistence.LogSink{Logger: logger})

	// Queue subsystem.
	queues := queue.NewManager(rdb, logger, reg, queue.DefaultConfigs())
	queueStats := queues.Stats()
	evaluator := redflag.NewEvaluator(reg, flags, redflag.DefaultThresholds(), queueStats)

	worker := queue.NewWorker(queues, logger)
	registerJobHandlers(worker, logger)
	workerCtx, stopWorker := context.WithCancel(ctx)
	worker.Start(workerCtx)
	defer stopWorker()

	// Tenant registry and provisioning.
	tenantRepo := tenantsrepo.NewPostgresRepository(db)
	provisioner := tenantsprov.NewProvisioner(pool, logger)
	// The registry table and the receipt counter live in the global catalog;
	// make sure it exists before any request touches it.
	if err := provisioner.EnsurePlatform(ctx); err != nil {
		logger.Fatal("apply platform catalog", zap.Error(err))
	}
	tenantService := tenantsservice.NewService(tenantRepo, provisioner, logger)
	tenantHandler := tenantshandler.New(tenantService)

	// RBAC.
	rbacRepo := rbacrepo.NewPostgresRepository(db)
	rbacStrict := cfg.RBACStrictLog || cfg.PilotMode // pilot forces shadow mode
	rbacService := rbacservice.NewService(rbacRepo, rbacservice.NewRedisCache(rdb), reg, logger)
	guard := rbacguard.New(rbacService, reg, rbacStrict)
	rbacHandler := rbachandler.New(rbacService)

	// Auth.
	tokens := platformauth.NewManager(platformauth.TokenConfig{
		Secret: cfg.JWTSecret,
		Issuer: cfg.ServiceName,
	})
	authService := authservice.NewService(
		authrepo.NewUserRepository(db),
		authrepo.NewSessionRepository(db),
		tokens, reg, logger,
	)
	authHandler := authhandler.New(authService)

	// Tenant account administration.
	usersService := usersservice.NewService(usersrepo.NewPostgresRepository(db), rbacService, logger)
	usersHandler := usershandler.New(usersService)

	// Fees.
	feesService := feesservice.NewService(feesrepo.NewPostgresRepository(db), logger)
	feesHandler := feeshandler.New(feesService)

	// Go-live gate and health surface.
	gate := goliveservice.NewGate(goliveservice.GateConfig{
		DB:      poolPinger{pool: pool},
		Redis:   redisPinger{rdb: rdb},
		Queue:   queues,
		Flags:   flags,
		Verify:  goliveservice.ProvisionerVerifier{Provisioner: provisioner},
		Schools: tenantRepo,
		Pilot: goliveservice.PilotConfig{
			Enabled:       cfg.PilotMode,
			MaxSchools:    cfg.MaxSchools,
			MaxImportRows: cfg.PilotMaxImportRows,
			RBACStrictLog: rbacStrict,
			Environment:   cfg.Environment,
		},
		Logger: logger,
	})
	healthHandler := golivehandler.New(golivehandler.Config{
		Gate:      gate,
		Metrics:   reg,
		Flags:     flags,
		Evaluator: evaluator,
		DB:        poolPinger{pool: pool},
		Redis:     redisPinger{rdb: rdb},
		Queues:    queueStats,
	})

	limiter := platformmiddleware.NewRateLimiter(rdb)
	authenticator := platformauth.Authenticator(tokens, reg)
	resolver := tenantmiddleware.Resolver(tenantRepo, tenantmiddleware.Config{
		RootDomain:        cfg.RootDomain,
		TrustSchemaHeader: cfg.TrustSchemaHeader,
		CacheTTL:          time.Minute,
	})
	isolation := tenantmiddleware.IsolationGuard(evaluator)

	root := chi.NewRouter()
	root.Use(
		chimw.RequestID,
		chimw.RealIP,
		chimw.Recoverer,
		chimw.Timeout(cfg.RequestTimeout),
		platformlogging.RequestLogger(logger),
		platformmiddleware.SecurityHeaders,
		corsMiddleware,
		platformmiddleware.BodyLimit(1<<20),
		platformmiddleware.Sanitize,
		platformmiddleware.Instrument(reg),
	)

	// Probes stay open; the dashboard and metrics surface require a valid
	// platform token.
	root.Mount("/health", healthHandler.Routes(authenticator, platformauth.RequireAuth))

	// Platform routes live outside tenant resolution; managing institutions
	// happens before a tenant schema exists.
	root.Route("/api/v1/platform", func(r chi.Router) {
		r.Use(authenticator, platformauth.RequireAuth)
		r.Use(limiter.Limit(platformmiddleware.TierGlobal))
		r.Mount("/tenants", tenantHandler.Routes())
	})

	// Tenant-scoped routes: authenticator attaches the principal first so
	// the resolver can honor bearer-claim resolution, then the isolation
	// guard cross-checks token tenant against resolved tenant.
	root.Route("/api/v1/tenant", func(r chi.Router) {
		r.Use(authenticator, resolver, isolation)

		r.Group(func(r chi.Router) {
			r.Use(limiter.Limit(platformmiddleware.TierAuth))
			r.Mount("/auth", authHandler.Routes(platformauth.RequireAuth))
		})

		r.Group(func(r chi.Router) {
			r.Use(platformauth.RequireAuth)
			r.Use(limiter.Limit(platformmiddleware.TierGlobal))
			r.With(guard.RequireAny("rbac.manage")).Mount("/rbac", rbacHandler.Routes())
			r.Mount("/users", usersHandler.Routes(guard.RequireAny("users.manage")))
		})
	})

	root.Route("/api/v2/school", func(r chi.Router) {
		r.Use(authenticator, resolver, isolation, platformauth.RequireAuth)
		r.Use(limiter.Limit(platformmiddleware.TierGlobal))
		r.Mount("/fees", feesHandler.Routes(
			guard.RequireAny("fees.collect"),
			guard.RequireAny("fees.view", "fees.collect"),
			guard.RequireAny("fees.refund"),
		))
	})

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      root,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  2 * time.Minute,
	}

	go func() {
		logger.Info("starting api server",
			zap.String("port", cfg.Port),
			zap.String("environment", cfg.Environment),
			zap.Bool("pilot_mode", cfg.PilotMode),
		)
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server listen failed", zap.Error(err))
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", zap.Error(err))
	}
	stopWorker()
	worker.Stop()
}

func redisOptions(cfg config) *redis.Options {
	opts := &redis.Options{
		Addr:     cfg.RedisHost + ":" + cfg.RedisPort,
		Password: cfg.RedisPassword,
	}
	if cfg.RedisTLS {
		opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	return opts
}

// registerJobHandlers attaches the default processors. Real delivery
// (mail, SMS, report rendering) is carried out by downstream services; the
// core's responsibility ends at reliable, idempotent dispatch.
func registerJobHandlers(w *queue.Worker, logger *zap.Logger) {
	for name := range queue.DefaultConfigs() {
		queueName := name
		w.Register(queueName, "*", func(ctx context.Context, job *queue.Job) error {
			logger.Info("job dispatched",
				zap.String("queue", queueName),
				zap.String("job", job.Name),
				zap.String("job_id", job.ID),
				zap.Int("attempt", job.AttemptsMade+1),
			)
			return nil
		})
	}
}

type poolPinger struct {
	pool interface{ Ping(context.Context) error }
}

func (p poolPinger) Ping(ctx context.Context) error { return p.pool.Ping(ctx) }

type redisPinger struct{ rdb *redis.Client }

func (p redisPinger) Ping(ctx context.Context) error { return p.rdb.Ping(ctx).Err() }
