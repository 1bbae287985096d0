package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Gobusters/ectoinject"
	"github.com/Gobusters/ectologger"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/jmoiron/sqlx"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/labstack/echo/otelecho"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	sdkresource "go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	"github.com/Ramsey-B/fern/config"
	"github.com/Ramsey-B/fern/internal/repositories/auditlog"
	"github.com/Ramsey-B/fern/internal/repositories/catalogentity"
	importjobrepo "github.com/Ramsey-B/fern/internal/repositories/importjob"
	"github.com/Ramsey-B/fern/internal/repositories/lookup"
	mappingprofilerepo "github.com/Ramsey-B/fern/internal/repositories/mappingprofile"
	"github.com/Ramsey-B/fern/internal/repositories/mergeevent"
	"github.com/Ramsey-B/fern/internal/repositories/stagerow"
	"github.com/Ramsey-B/fern/internal/repositories/vendorentity"
	"github.com/Ramsey-B/fern/pkg/apply"
	"github.com/Ramsey-B/fern/pkg/database"
	"github.com/Ramsey-B/fern/pkg/decision"
	"github.com/Ramsey-B/fern/pkg/events"
	"github.com/Ramsey-B/fern/pkg/governance"
	"github.com/Ramsey-B/fern/pkg/kafka"
	"github.com/Ramsey-B/fern/pkg/logging"
	"github.com/Ramsey-B/fern/pkg/mergecenter"
	"github.com/Ramsey-B/fern/pkg/middleware"
	"github.com/Ramsey-B/fern/pkg/redis"
	"github.com/Ramsey-B/fern/pkg/routes/health"
	importjobroutes "github.com/Ramsey-B/fern/pkg/routes/importjob"
	lookupcandidateroutes "github.com/Ramsey-B/fern/pkg/routes/lookupcandidate"
	mappingprofileroutes "github.com/Ramsey-B/fern/pkg/routes/mappingprofile"
	mergecenterroutes "github.com/Ramsey-B/fern/pkg/routes/mergecenter"
	vendorroutes "github.com/Ramsey-B/fern/pkg/routes/vendor"
	"github.com/Ramsey-B/fern/pkg/staging"
	"github.com/Ramsey-B/fern/pkg/startup"
	"github.com/Ramsey-B/fern/pkg/tracing"
	"github.com/Ramsey-B/fern/pkg/tracing/exporters"
)

// Version is set at build time via ldflags
var Version = "dev"

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger, flushLogs, err := logging.New(cfg.AppName, cfg.LogLevel, cfg.PrettyLogs)
	if err != nil {
		log.Fatalf("Failed to build logger: %v", err)
	}
	defer flushLogs()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.TracingEnabled {
		shutdownTracing, err := initTracing(ctx, cfg)
		if err != nil {
			fatal(logger, err, "Failed to initialize tracing")
		}
		defer shutdownTracing()
	}

	dsn := fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		cfg.DatabaseHost, cfg.DatabasePort, cfg.DatabaseUserName,
		cfg.DatabasePassword, cfg.DatabaseName, cfg.DatabaseSSLMode,
	)
	sqlxDB, err := sqlx.Open("postgres", dsn)
	if err != nil {
		fatal(logger, err, "Failed to open database connection")
	}
	sqlxDB.SetMaxOpenConns(cfg.DatabaseMaxOpenConns)
	sqlxDB.SetMaxIdleConns(cfg.DatabaseMaxIdleConns)
	sqlxDB.SetConnMaxLifetime(cfg.DatabaseConnMaxLifetime)

	db := database.NewDatabaseInstance(sqlxDB, logger)

	redisClient, err := redis.NewClient(redis.Config{
		Host:     cfg.RedisHost,
		Port:     cfg.RedisPort,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}, logger)
	if err != nil {
		fatal(logger, err, "Failed to create redis client")
	}
	locker := redis.NewLocker(redisClient, cfg.AppName+":merge")

	var producer *kafka.Producer
	emitter := events.NewEmitter(nil, logger)
	if cfg.KafkaProducerEnabled {
		producer = kafka.NewProducer(kafka.ProducerConfig{
			Brokers:      cfg.KafkaBrokers,
			Topic:        cfg.KafkaOutputTopic,
			BatchSize:    cfg.KafkaBatchSize,
			BatchTimeout: time.Duration(cfg.KafkaBatchTimeout) * time.Millisecond,
			RequiredAcks: cfg.KafkaRequiredAcks,
			Compression:  cfg.KafkaCompression,
		}, logger)
		emitter = events.NewEmitter(producer, logger)
	}

	jobRepo := importjobrepo.NewRepository(db, logger)
	rowRepo := stagerow.NewRepository(db, logger)
	profileRepo := mappingprofilerepo.NewRepository(db, logger)
	lookupRepo := lookup.NewRepository(db, logger)
	vendorRepo := vendorentity.NewRepository(db, logger)
	catalogRepo := catalogentity.NewRepository(db, logger)
	mergeRepo := mergeevent.NewRepository(db, logger)
	auditRepo := auditlog.NewRepository(db, logger)

	stagingEngine := staging.NewEngine(jobRepo, rowRepo, profileRepo, logger, cfg.StageBatchSize)
	governanceEngine := governance.NewEngine(rowRepo, lookupRepo, emitter, logger)
	decisionEngine := decision.NewEngine(jobRepo, rowRepo, vendorRepo, catalogRepo, logger)
	applyEngine := apply.NewEngine(db, jobRepo, rowRepo, governanceEngine, vendorRepo, catalogRepo, auditRepo, emitter, logger, cfg.ApplyMaxRowErrors)
	mergeEngine := mergecenter.NewEngine(db, vendorRepo, catalogRepo, mergeRepo, auditRepo, locker, emitter, logger, cfg.MergeLockTTL)

	container, err := ectoinject.NewDIDefaultContainer()
	if err != nil {
		fatal(logger, err, "Failed to create dependency container")
	}
	for name, register := range map[string]func() error{
		"import job repository":      func() error { return ectoinject.RegisterInstance[*importjobrepo.Repository](container, jobRepo) },
		"stage row repository":       func() error { return ectoinject.RegisterInstance[*stagerow.Repository](container, rowRepo) },
		"mapping profile repository": func() error { return ectoinject.RegisterInstance[*mappingprofilerepo.Repository](container, profileRepo) },
		"lookup repository":          func() error { return ectoinject.RegisterInstance[*lookup.Repository](container, lookupRepo) },
		"vendor repository":          func() error { return ectoinject.RegisterInstance[*vendorentity.Repository](container, vendorRepo) },
		"catalog repository":         func() error { return ectoinject.RegisterInstance[*catalogentity.Repository](container, catalogRepo) },
		"merge event repository":     func() error { return ectoinject.RegisterInstance[*mergeevent.Repository](container, mergeRepo) },
		"audit log repository":       func() error { return ectoinject.RegisterInstance[*auditlog.Repository](container, auditRepo) },
		"staging engine":             func() error { return ectoinject.RegisterInstance[*staging.Engine](container, stagingEngine) },
		"governance engine":          func() error { return ectoinject.RegisterInstance[*governance.Engine](container, governanceEngine) },
		"decision engine":            func() error { return ectoinject.RegisterInstance[*decision.Engine](container, decisionEngine) },
		"apply engine":               func() error { return ectoinject.RegisterInstance[*apply.Engine](container, applyEngine) },
		"merge engine":               func() error { return ectoinject.RegisterInstance[*mergecenter.Engine](container, mergeEngine) },
	} {
		if err := register(); err != nil {
			fatal(logger, err, "Failed to register "+name)
		}
	}

	checker := health.NewChecker(db, redisClient, Version)

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = middleware.Error(logger)
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.AllowOrigins,
		AllowMethods: cfg.AllowMethods,
	}))
	if cfg.TracingEnabled {
		e.Use(otelecho.Middleware(cfg.AppName))
	}
	e.Use(middleware.Context())
	e.Use(middleware.Logger(logger))

	api := e.Group("/api/v1")
	importjobroutes.Register(api.Group("/import-jobs"))
	mappingprofileroutes.Register(api.Group("/mapping-profiles"))
	lookupcandidateroutes.Register(api.Group("/lookup-candidates"))
	mergecenterroutes.Register(api.Group("/vendor-merges"))
	vendorroutes.Register(api.Group("/vendors"))
	checker.RegisterRoutes(e)
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	services := startup.NewStartup(logger, cfg.StartupMaxAttempts)
	services.AddDependency(&postgresDependency{db: db, sqlxDB: sqlxDB, cfg: cfg, logger: logger})
	services.AddDependency(&redisDependency{client: redisClient})
	if producer != nil {
		services.AddDependency(&kafkaDependency{producer: producer})
	}
	if err := services.Start(ctx); err != nil {
		fatal(logger, err, "Failed to start service dependencies")
	}
	checker.SetReady(true)

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		ReadTimeout:       time.Duration(cfg.HttpServerReadTimeoutSeconds) * time.Second,
		WriteTimeout:      time.Duration(cfg.HttpServerWriteTimeoutSeconds) * time.Second,
		IdleTimeout:       time.Duration(cfg.HttpServerIdleTimeoutSeconds) * time.Second,
		ReadHeaderTimeout: time.Duration(cfg.ReadHeaderTimeoutSeconds) * time.Second,
		MaxHeaderBytes:    cfg.MaxHeaderBytes,
	}

	go func() {
		logger.Infof("%s listening on port %d (version: %s)", cfg.AppName, cfg.Port, Version)
		if err := e.StartServer(server); err != nil && err != http.ErrServerClosed {
			fatal(logger, err, "Server failed")
		}
	}()

	<-ctx.Done()
	logger.Info("Shutdown signal received")
	checker.SetReady(false)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("Failed to shut down http server cleanly")
	}
	if err := services.Stop(shutdownCtx); err != nil {
		logger.WithError(err).Error("Failed to stop service dependencies cleanly")
	}
}

func initTracing(ctx context.Context, cfg *config.Config) (func(), error) {
	var exporter sdktrace.SpanExporter
	if cfg.TracingOTLPProtocol == "console" {
		exporter = exporters.NewConsoleExporter()
	} else {
		otlp, err := exporters.NewOTLPExporter(ctx, exporters.OTLPConfig{
			Endpoint: cfg.TracingOTLPEndpoint,
			Protocol: cfg.TracingOTLPProtocol,
			Insecure: true,
			Timeout:  10 * time.Second,
		})
		if err != nil {
			return nil, err
		}
		exporter = otlp
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(sdkresource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(cfg.AppName),
			semconv.ServiceVersion(Version),
		)),
	)
	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	tracing.SetTracer(provider.Tracer(cfg.AppName))

	return func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = provider.Shutdown(shutdownCtx)
	}, nil
}

// fatal logs the failure and exits. Startup failures have nothing to clean
// up yet, so exiting directly is fine.
func fatal(logger ectologger.Logger, err error, msg string) {
	logger.WithError(err).Error(msg)
	os.Exit(1)
}

// postgresDependency pings the database and applies migrations on startup.
type postgresDependency struct {
	db     database.DB
	sqlxDB *sqlx.DB
	cfg    *config.Config
	logger ectologger.Logger
}

func (d *postgresDependency) GetName() string     { return "postgres" }
func (d *postgresDependency) DependsOn() []string { return nil }

func (d *postgresDependency) Start(ctx context.Context) error {
	if err := d.db.PingContext(ctx); err != nil {
		return err
	}

	driver, err := postgres.WithInstance(d.sqlxDB.DB, &postgres.Config{})
	if err != nil {
		return err
	}

	migrations := database.NewMigrationService(d.logger, &database.MigrationConfig{
		MigrationFolderPath: d.cfg.DatabaseMigrationFolderPath,
		Version:             uint(d.cfg.DatabaseMigrationVersion),
		Force:               d.cfg.DatabaseMigrationForce,
	})
	return migrations.Migrate(d.cfg.DatabaseName, driver)
}

func (d *postgresDependency) Stop(ctx context.Context) error {
	return d.db.Close()
}

type redisDependency struct {
	client *redis.Client
}

func (d *redisDependency) GetName() string     { return "redis" }
func (d *redisDependency) DependsOn() []string { return nil }

func (d *redisDependency) Start(ctx context.Context) error {
	return d.client.Ping(ctx)
}

func (d *redisDependency) Stop(ctx context.Context) error {
	return d.client.Close()
}

type kafkaDependency struct {
	producer *kafka.Producer
}

func (d *kafkaDependency) GetName() string     { return "kafka" }
func (d *kafkaDependency) DependsOn() []string { return nil }

func (d *kafkaDependency) Start(ctx context.Context) error { return nil }

func (d *kafkaDependency) Stop(ctx context.Context) error {
	return d.producer.Close()
}