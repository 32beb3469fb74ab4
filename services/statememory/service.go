// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package statememory assembles the state memory service: storage backend,
// policy, slice engine, metrics, tracing and the HTTP router.
//
// # Usage
//
//	svc, err := statememory.New(statememory.Config{
//	    Port:    12310,
//	    Backend: statememory.BackendBadger,
//	    BadgerPath: "/var/lib/statememory",
//	}, nil)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := svc.Run(); err != nil {
//	    log.Fatal(err)
//	}
package statememory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/AleutianAI/statememory/pkg/extensions"
	"github.com/AleutianAI/statememory/services/statememory/observability"
	"github.com/AleutianAI/statememory/services/statememory/policy"
	"github.com/AleutianAI/statememory/services/statememory/routes"
	"github.com/AleutianAI/statememory/services/statememory/slicequery"
	"github.com/AleutianAI/statememory/services/statememory/state"
	"github.com/AleutianAI/statememory/services/statememory/storage"
	badgerstore "github.com/AleutianAI/statememory/services/statememory/storage/badger"
	"github.com/AleutianAI/statememory/services/statememory/storage/redisstore"
)

// Storage backends.
const (
	BackendMemory = "memory"
	BackendBadger = "badger"
	BackendRedis  = "redis"
)

// Trace exporters.
const (
	TraceExporterOTLP   = "otlp"
	TraceExporterStdout = "stdout"
	TraceExporterNone   = "none"
)

const serviceName = "statememory"

// Service is the runnable state memory server.
type Service interface {
	// Run starts the HTTP server and blocks until Shutdown or a listen
	// error. Resources are released on return.
	Run() error

	// Shutdown stops accepting requests and waits for in-flight ones.
	Shutdown(ctx context.Context) error

	// Router returns the configured gin engine, for tests.
	Router() *gin.Engine

	// Manager returns the state manager, for embedding.
	Manager() *state.Manager
}

// Config configures the service. Zero values take the defaults noted on
// each field.
type Config struct {
	// Port is the HTTP port. Default: 12310
	Port int

	// Backend selects the store: "memory", "badger" or "redis".
	// Default: "memory"
	Backend string

	// BadgerPath is the Badger data directory. Required for "badger".
	BadgerPath string

	// RedisAddr is host:port of the Redis server. Required for "redis".
	RedisAddr string

	// RedisPrefix namespaces Redis keys. Default: "statememory"
	RedisPrefix string

	// PolicyFile is a YAML policy. Empty uses the embedded default.
	PolicyFile string

	// MaxSummaryChars bounds slice summaries. Default: 2000
	MaxSummaryChars int

	// MaxSummaryTokens additionally bounds summaries in tokens. Zero
	// disables the token budget.
	MaxSummaryTokens int

	// TokenEncoding is a tiktoken encoding or model name.
	// Default: "cl100k_base"
	TokenEncoding string

	// EnableGlobPatterns allows "path:<glob>" slice patterns.
	EnableGlobPatterns bool

	// TraceExporter is "otlp", "stdout" or "none". Default: "none"
	TraceExporter string

	// OTelEndpoint is the OTLP gRPC collector. Default: "localhost:4317"
	OTelEndpoint string

	// AuditToLog writes audit events through the logger when no
	// AuditLogger is supplied in ServiceOptions.
	AuditToLog bool

	// GinMode is "debug", "release" or "test". Empty leaves gin's mode
	// (GIN_MODE) alone.
	GinMode string

	// ShutdownTimeout bounds graceful shutdown in Run. Default: 10s
	ShutdownTimeout time.Duration

	// Logger is used by every component. Default: slog.Default()
	Logger *slog.Logger
}

type service struct {
	config        Config
	opts          extensions.ServiceOptions
	logger        *slog.Logger
	router        *gin.Engine
	server        *http.Server
	store         storage.Store
	manager       *state.Manager
	registry      *prometheus.Registry
	tracerCleanup func(context.Context)
}

// New builds the service.
//
// # Inputs
//
//   - cfg: See Config.
//   - opts: Auth, authz and audit providers. Nil uses the open-source
//     defaults.
//
// # Outputs
//
//   - Service: Ready to Run.
//   - error: Non-nil if the tracer, policy or store cannot be set up.
//     Nothing is left open on error.
func New(cfg Config, opts *extensions.ServiceOptions) (Service, error) {
	s := &service{config: applyConfigDefaults(cfg)}
	s.logger = s.config.Logger

	if opts != nil {
		s.opts = opts.WithDefaults()
	} else {
		s.opts = extensions.DefaultOptions()
	}
	if s.config.AuditToLog {
		if _, isNop := s.opts.AuditLogger.(*extensions.NopAuditLogger); isNop {
			s.opts.AuditLogger = extensions.NewSlogAuditLogger(s.logger)
		}
	}

	cleanup, err := s.initTracer()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize tracer: %w", err)
	}
	s.tracerCleanup = cleanup

	if err := s.initManager(); err != nil {
		s.cleanup()
		return nil, err
	}

	s.initRouter()
	return s, nil
}

// Run starts the HTTP server.
func (s *service) Run() error {
	defer s.cleanup()

	s.logger.Info("Starting state memory server",
		"port", s.config.Port, "backend", s.config.Backend, "trace_exporter", s.config.TraceExporter)
	err := s.server.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests. Commits already inside a critical
// section complete regardless.
func (s *service) Shutdown(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.config.ShutdownTimeout)
	defer cancel()
	return s.server.Shutdown(ctx)
}

// Router returns the gin engine.
func (s *service) Router() *gin.Engine {
	return s.router
}

// Manager returns the state manager.
func (s *service) Manager() *state.Manager {
	return s.manager
}

// =============================================================================
// Private Initialization Methods
// =============================================================================

func applyConfigDefaults(cfg Config) Config {
	if cfg.Port == 0 {
		cfg.Port = 12310
	}
	if cfg.Backend == "" {
		cfg.Backend = BackendMemory
	}
	if cfg.RedisPrefix == "" {
		cfg.RedisPrefix = redisstore.DefaultPrefix
	}
	if cfg.MaxSummaryChars <= 0 {
		cfg.MaxSummaryChars = slicequery.DefaultMaxSummaryChars
	}
	if cfg.TokenEncoding == "" {
		cfg.TokenEncoding = slicequery.DefaultEncoding
	}
	if cfg.TraceExporter == "" {
		cfg.TraceExporter = TraceExporterNone
	}
	if cfg.OTelEndpoint == "" {
		cfg.OTelEndpoint = "localhost:4317"
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return cfg
}

// initTracer installs the global tracer provider for the configured
// exporter. "none" leaves the no-op provider in place.
func (s *service) initTracer() (func(context.Context), error) {
	ctx := context.Background()

	var exporter sdktrace.SpanExporter
	switch s.config.TraceExporter {
	case TraceExporterNone:
		return func(context.Context) {}, nil
	case TraceExporterOTLP:
		conn, err := grpc.NewClient(s.config.OTelEndpoint,
			grpc.WithTransportCredentials(insecure.NewCredentials()))
		if err != nil {
			return nil, fmt.Errorf("failed to create gRPC connection: %w", err)
		}
		exporter, err = otlptracegrpc.New(ctx, otlptracegrpc.WithGRPCConn(conn))
		if err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("failed to create trace exporter: %w", err)
		}
	case TraceExporterStdout:
		var err error
		exporter, err = stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return nil, fmt.Errorf("failed to create stdout exporter: %w", err)
		}
	default:
		return nil, fmt.Errorf("unknown trace exporter %q", s.config.TraceExporter)
	}

	res := resource.NewWithAttributes("",
		attribute.String("service.name", serviceName),
	)
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(exporter))

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{}))

	return func(ctx context.Context) {
		ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(ctx); err != nil {
			s.logger.Error("failed to shutdown tracer provider", "error", err)
		}
	}, nil
}

func (s *service) initManager() error {
	validator, err := s.loadValidator()
	if err != nil {
		return err
	}

	s.store, err = s.openStore()
	if err != nil {
		return err
	}

	sliceCfg := slicequery.Config{
		MaxSummaryChars:    s.config.MaxSummaryChars,
		EnableGlobPatterns: s.config.EnableGlobPatterns,
	}
	if s.config.MaxSummaryTokens > 0 {
		counter, err := slicequery.NewTiktokenCounter(s.config.TokenEncoding)
		if err != nil {
			s.logger.Warn("Token budget disabled, encoding unavailable",
				"encoding", s.config.TokenEncoding, "error", err)
		} else {
			sliceCfg.MaxSummaryTokens = s.config.MaxSummaryTokens
			sliceCfg.Tokens = counter
		}
	}

	s.registry = prometheus.NewRegistry()
	s.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := observability.NewStateMetrics(s.registry)

	s.manager, err = state.NewManager(state.Config{
		Store:     s.store,
		Validator: validator,
		Slices:    slicequery.New(sliceCfg),
		Metrics:   metrics,
		Audit:     s.opts.AuditLogger,
		Logger:    s.logger,
	})
	if err != nil {
		return fmt.Errorf("failed to create state manager: %w", err)
	}
	observability.RegisterActiveKeys(s.registry, s.manager.Coordinator().Len)

	s.logger.Info("State manager ready",
		"backend", s.config.Backend,
		"rules", validator.RuleNames(),
		"max_summary_chars", sliceCfg.MaxSummaryChars,
		"max_summary_tokens", sliceCfg.MaxSummaryTokens,
		"glob_patterns", sliceCfg.EnableGlobPatterns)
	return nil
}

func (s *service) loadValidator() (*policy.Validator, error) {
	if s.config.PolicyFile == "" {
		v, err := policy.NewDefaultValidator()
		if err != nil {
			return nil, fmt.Errorf("failed to load default policy: %w", err)
		}
		return v, nil
	}
	f, err := policy.LoadFile(s.config.PolicyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load policy %s: %w", s.config.PolicyFile, err)
	}
	v, err := policy.NewValidator(f)
	if err != nil {
		return nil, fmt.Errorf("failed to compile policy %s: %w", s.config.PolicyFile, err)
	}
	s.logger.Info("Loaded policy file", "path", s.config.PolicyFile)
	return v, nil
}

func (s *service) openStore() (storage.Store, error) {
	switch s.config.Backend {
	case BackendMemory:
		s.logger.Warn("Using in-memory store, state is lost on restart")
		return storage.NewMemoryStore(), nil
	case BackendBadger:
		if s.config.BadgerPath == "" {
			return nil, errors.New("badger backend requires a data path")
		}
		bcfg := badgerstore.DefaultConfig(s.config.BadgerPath)
		bcfg.Logger = s.logger.With("component", "badger")
		st, err := badgerstore.NewStore(bcfg)
		if err != nil {
			return nil, fmt.Errorf("failed to open badger store: %w", err)
		}
		return st, nil
	case BackendRedis:
		if s.config.RedisAddr == "" {
			return nil, errors.New("redis backend requires an address")
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		st, err := redisstore.Dial(ctx, s.config.RedisAddr, redisstore.WithPrefix(s.config.RedisPrefix))
		if err != nil {
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		return st, nil
	default:
		return nil, fmt.Errorf("unknown storage backend %q", s.config.Backend)
	}
}

func (s *service) initRouter() {
	if s.config.GinMode != "" {
		gin.SetMode(s.config.GinMode)
	}
	s.router = gin.New()
	s.router.Use(gin.Recovery())
	if gin.Mode() != gin.TestMode {
		s.router.Use(gin.Logger())
	}
	s.router.Use(otelgin.Middleware(serviceName + "-service"))

	metricsHandler := promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{Registry: s.registry})
	routes.SetupRoutes(s.router, s.manager, metricsHandler, s.opts)

	s.server = &http.Server{
		Addr:              ":" + strconv.Itoa(s.config.Port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
}

func (s *service) cleanup() {
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			s.logger.Warn("store close error", "error", err)
		}
	}
	if err := s.opts.AuditLogger.Flush(context.Background()); err != nil {
		s.logger.Warn("audit flush error", "error", err)
	}
	if s.tracerCleanup != nil {
		s.tracerCleanup(context.Background())
	}
}
