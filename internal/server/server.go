// Package server assembles the dedup service from configuration.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/jmoiron/sqlx"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/labstack/echo/otelecho"

	"github.com/Ramsey-B/thistle/config"
	"github.com/Ramsey-B/thistle/internal/repositories/candidate"
	"github.com/Ramsey-B/thistle/internal/repositories/mergehistory"
	"github.com/Ramsey-B/thistle/internal/repositories/scanrun"
	"github.com/Ramsey-B/thistle/pkg/auth"
	"github.com/Ramsey-B/thistle/pkg/database"
	"github.com/Ramsey-B/thistle/pkg/dedup"
	"github.com/Ramsey-B/thistle/pkg/httpclient"
	"github.com/Ramsey-B/thistle/pkg/intel"
	"github.com/Ramsey-B/thistle/pkg/kafka"
	"github.com/Ramsey-B/thistle/pkg/middleware"
	"github.com/Ramsey-B/thistle/pkg/redis"
	dedupRoutes "github.com/Ramsey-B/thistle/pkg/routes/dedup"
	"github.com/Ramsey-B/thistle/pkg/routes/health"
	"github.com/Ramsey-B/thistle/pkg/scanner"
	"github.com/Ramsey-B/thistle/pkg/startup"
	"github.com/Ramsey-B/thistle/pkg/tracing"
	"github.com/Ramsey-B/thistle/pkg/tracing/exporters"
)

const (
	DependencyTracing  = "tracing"
	DependencyDatabase = "database"
	DependencyRedis    = "redis"
	DependencyKafka    = "kafka"
	DependencyService  = "dedup"
	DependencyAuth     = "auth"
	DependencyHTTP     = "http"
)

// Server owns every long-lived dependency of the process.
type Server struct {
	cfg    *config.Config
	logger ectologger.Logger

	tracer   *tracing.Provider
	sqlDB    *sqlx.DB
	db       database.DB
	redis    *redis.Client
	producer *kafka.Producer
	verifier auth.TokenVerifier
	service  *dedup.Service
	echo     *echo.Echo
	health   *health.Checker
}

func New(cfg *config.Config, logger ectologger.Logger) *Server {
	return &Server{cfg: cfg, logger: logger}
}

// Service is available once the dedup dependency has started.
func (s *Server) Service() *dedup.Service {
	return s.service
}

// Core registers what every command needs: tracing, database, optional redis
// and kafka, and the dedup service.
func (s *Server) Core() *startup.Startup {
	st := startup.NewStartup(s.logger, s.cfg.StartupMaxAttempts)

	st.AddDependency(&startup.Func{
		Name:    DependencyTracing,
		OnStart: s.startTracing,
		OnStop:  func(ctx context.Context) error { return s.tracer.Shutdown(ctx) },
	})
	st.AddDependency(&startup.Func{
		Name:    DependencyDatabase,
		OnStart: s.startDatabase,
		OnStop: func(context.Context) error {
			if s.sqlDB == nil {
				return nil
			}
			return s.sqlDB.Close()
		},
	})

	requires := []string{DependencyDatabase}
	if s.cfg.ScanLockEnabled {
		st.AddDependency(&startup.Func{
			Name:    DependencyRedis,
			OnStart: s.startRedis,
			OnStop:  func(context.Context) error { return s.redis.Close() },
		})
		requires = append(requires, DependencyRedis)
	}
	if s.cfg.KafkaEnabled {
		st.AddDependency(&startup.Func{
			Name:    DependencyKafka,
			OnStart: s.startKafka,
			OnStop:  func(context.Context) error { return s.producer.Close() },
		})
		requires = append(requires, DependencyKafka)
	}

	st.AddDependency(&startup.Func{
		Name:     DependencyService,
		Requires: requires,
		OnStart:  s.startService,
	})
	return st
}

// Serve adds authentication and the HTTP server on top of Core.
func (s *Server) Serve() *startup.Startup {
	st := s.Core()
	st.AddDependency(&startup.Func{
		Name:    DependencyAuth,
		OnStart: s.startAuth,
	})
	st.AddDependency(&startup.Func{
		Name:     DependencyHTTP,
		Requires: []string{DependencyService, DependencyAuth},
		OnStart:  s.startHTTP,
		OnStop:   s.stopHTTP,
	})
	return st
}

// Run serves until ctx is cancelled, then shuts everything down.
func (s *Server) Run(ctx context.Context) error {
	if err := s.cfg.ValidateAuth(); err != nil {
		return err
	}

	st := s.Serve()
	if err := st.Start(ctx); err != nil {
		return err
	}
	s.health.SetReady(true)

	<-ctx.Done()
	s.health.SetReady(false)
	s.logger.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	return st.Stop(shutdownCtx)
}

func (s *Server) startTracing(ctx context.Context) error {
	provider, err := tracing.NewProvider(ctx, tracing.ProviderConfig{
		ServiceName: s.cfg.AppName,
		Exporter:    s.cfg.TraceExporter,
		Logger:      s.logger,
		OTLP: exporters.OTLPConfig{
			Endpoint: s.cfg.OTLPEndpoint,
			Protocol: s.cfg.OTLPProtocol,
			Insecure: s.cfg.OTLPInsecure,
			Headers:  exporters.ParseHeaders(s.cfg.OTLPHeaders),
		},
	})
	if err != nil {
		return err
	}
	s.tracer = provider
	return nil
}

func (s *Server) connectionConfig() database.ConnectionConfig {
	return database.ConnectionConfig{
		Host:            s.cfg.DatabaseHost,
		Port:            s.cfg.DatabasePort,
		User:            s.cfg.DatabaseUserName,
		Password:        s.cfg.DatabasePassword,
		Name:            s.cfg.DatabaseName,
		SSLMode:         s.cfg.DatabaseSSLMode,
		MaxOpenConns:    s.cfg.DatabaseMaxOpenConns,
		MaxIdleConns:    s.cfg.DatabaseMaxIdleConns,
		ConnMaxLifetime: s.cfg.DatabaseConnMaxLifetime,
	}
}

func (s *Server) startDatabase(ctx context.Context) error {
	db, err := database.Connect(ctx, s.connectionConfig(), s.logger)
	if err != nil {
		return err
	}
	s.sqlDB = db
	s.db = database.NewDatabaseInstance(db, s.logger)

	if s.cfg.DatabaseMigrateOnStart {
		return s.Migrate()
	}
	return nil
}

// Migrate applies db/pg to the connected database.
func (s *Server) Migrate() error {
	if s.sqlDB == nil {
		return errors.New("database is not connected")
	}
	migrations := database.NewMigrationService(s.logger, &database.MigrationConfig{
		MigrationFolderPath: s.cfg.DatabaseMigrationFolderPath,
		Version:             s.cfg.DatabaseMigrationVersion,
		Force:               s.cfg.DatabaseMigrationForce,
		AutoRollback:        s.cfg.DatabaseMigrationAutoRollback,
	})
	return migrations.MigratePostgres(s.cfg.DatabaseName, s.sqlDB)
}

// Database starts only the database, for the migrate command.
func (s *Server) Database() *startup.Startup {
	st := startup.NewStartup(s.logger, s.cfg.StartupMaxAttempts)
	st.AddDependency(&startup.Func{
		Name: DependencyDatabase,
		OnStart: func(ctx context.Context) error {
			db, err := database.Connect(ctx, s.connectionConfig(), s.logger)
			if err != nil {
				return err
			}
			s.sqlDB = db
			return nil
		},
		OnStop: func(context.Context) error { return s.sqlDB.Close() },
	})
	return st
}

func (s *Server) startRedis(ctx context.Context) error {
	client, err := redis.NewClient(ctx, redis.Config{
		Addr:     s.cfg.RedisAddr,
		Password: s.cfg.RedisPassword,
		DB:       s.cfg.RedisDB,
	}, s.logger)
	if err != nil {
		return err
	}
	s.redis = client
	return nil
}

func (s *Server) startKafka(context.Context) error {
	s.producer = kafka.NewProducer(kafka.ProducerConfig{
		Brokers:      s.cfg.KafkaBrokers,
		Topic:        s.cfg.KafkaTopic,
		BatchSize:    s.cfg.KafkaBatchSize,
		BatchTimeout: time.Duration(s.cfg.KafkaBatchTimeout) * time.Millisecond,
		RequiredAcks: s.cfg.KafkaRequiredAcks,
		Compression:  s.cfg.KafkaCompression,
	}, s.logger)
	return nil
}

func (s *Server) startService(context.Context) error {
	httpClient := httpclient.NewClient(httpclient.Config{Timeout: s.cfg.IntelTimeout}, s.logger)
	source, err := intel.NewClient(intel.Config{
		URL:         s.cfg.IntelAPIURL,
		Token:       s.cfg.IntelAPIToken,
		PageSize:    s.cfg.IntelPageSize,
		MaxEntities: s.cfg.IntelMaxEntities,
		Fields: intel.FieldPaths{
			Name:              s.cfg.IntelNamePath,
			Description:       s.cfg.IntelDescriptionPath,
			Aliases:           s.cfg.IntelAliasesPath,
			RelationshipCount: s.cfg.IntelRelationshipCountPath,
			Created:           s.cfg.IntelCreatedPath,
			Modified:          s.cfg.IntelModifiedPath,
			Embedding:         s.cfg.IntelEmbeddingPath,
		},
	}, httpClient, s.logger)
	if err != nil {
		return err
	}

	var scorers []scanner.PairScorer
	if s.cfg.EmbeddingEnabled {
		scorers = append(scorers, scanner.NewEmbeddingScorer(s.cfg.EmbeddingThreshold))
	}

	deps := dedup.Dependencies{
		Candidates: candidate.NewRepository(s.db, s.logger),
		ScanRuns:   scanrun.NewRepository(s.db, s.logger),
		History:    mergehistory.NewRepository(s.db, s.logger),
		Source:     source,
		Tx:         s.db,
		Scanner: scanner.NewScanner(scanner.Config{
			SimilarityThreshold: s.cfg.ScanSimilarityThreshold,
			MaxCandidates:       s.cfg.ScanMaxCandidates,
		}, scorers...),
	}
	if s.producer != nil {
		deps.Events = s.producer
	}
	if s.redis != nil {
		deps.Locker = redis.NewLocker(s.redis, "thistle:lock:")
	}

	s.service = dedup.NewService(deps, dedup.Config{
		ScanLockTTL:        s.cfg.ScanLockTTL,
		MergeLeaseDuration: s.cfg.MergeLeaseDuration,
	}, s.logger)
	return nil
}

func (s *Server) startAuth(ctx context.Context) error {
	if !s.cfg.AuthEnabled {
		s.logger.Warn("AUTH_ENABLED is false, accepting AUTH_DEV_TOKEN as the only admin credential")
		s.verifier = auth.NewStaticVerifier(map[string]auth.Identity{
			s.cfg.AuthDevToken: {Subject: s.cfg.AuthDevUser, Roles: []string{s.cfg.AuthAdminRole}},
		})
		return nil
	}

	verifier, err := auth.NewOIDCVerifier(ctx, s.cfg.AuthIssuerURL, s.cfg.AuthClientID)
	if err != nil {
		return err
	}
	s.verifier = verifier
	return nil
}

// Routes builds the echo instance. Health and metrics are public; every dedup
// route requires the admin role.
func (s *Server) Routes() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = middleware.Error(s.logger)

	e.Use(echomw.Recover())
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{AllowOrigins: s.cfg.AllowOrigins}))
	e.Use(otelecho.Middleware(s.cfg.AppName))
	e.Use(middleware.Context())
	e.Use(middleware.Logger(s.logger))

	s.health = health.NewChecker(s.db, s.cfg.AppName)
	if s.redis != nil {
		s.health.AddCheck("redis", health.PingFunc(s.redis.Ping))
	}
	s.health.RegisterRoutes(e)

	if s.cfg.MetricsEnabled {
		e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
	}

	api := e.Group("/api/v1/dedup", middleware.Authentication(s.logger, s.verifier, s.cfg.AuthAdminRole))
	dedupRoutes.NewHandler(s.service, s.logger).RegisterRoutes(api)

	return e
}

func (s *Server) startHTTP(context.Context) error {
	s.echo = s.Routes()
	s.echo.Server.ReadTimeout = time.Duration(s.cfg.HttpServerReadTimeoutSeconds) * time.Second
	s.echo.Server.WriteTimeout = time.Duration(s.cfg.HttpServerWriteTimeoutSeconds) * time.Second
	s.echo.Server.IdleTimeout = time.Duration(s.cfg.HttpServerIdleTimeoutSeconds) * time.Second
	s.echo.Server.ReadHeaderTimeout = time.Duration(s.cfg.ReadHeaderTimeoutSeconds) * time.Second

	addr := fmt.Sprintf(":%d", s.cfg.Port)
	go func() {
		if err := s.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.WithError(err).Error("HTTP server stopped")
		}
	}()
	s.logger.Infof("Listening on %s", addr)
	return nil
}

func (s *Server) stopHTTP(ctx context.Context) error {
	if s.echo == nil {
		return nil
	}
	return s.echo.Shutdown(ctx)
}
