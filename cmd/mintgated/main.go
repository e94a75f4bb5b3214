package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"mintgate/config"
	"mintgate/observability/logging"
	telemetry "mintgate/observability/otel"
	"mintgate/observer"
	"mintgate/reserve"
	"mintgate/rpcpool"
	"mintgate/server"
	"mintgate/storage"
)

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "config.yaml", "path to mintgate configuration file")
	flag.Parse()

	env := strings.TrimSpace(os.Getenv("MINTGATE_ENV"))
	logger := logging.Setup("mintgated", env)

	otlpEndpoint := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"))
	otlpHeaders := telemetry.ParseHeaders(os.Getenv("OTEL_EXPORTER_OTLP_HEADERS"))
	insecure := true
	if value := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_INSECURE")); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			insecure = parsed
		}
	}
	shutdownTelemetry, err := telemetry.Init(context.Background(), telemetry.Config{
		ServiceName: "mintgated",
		Environment: env,
		Endpoint:    otlpEndpoint,
		Insecure:    insecure,
		Headers:     otlpHeaders,
		Metrics:     true,
		Traces:      true,
	})
	if err != nil {
		log.Fatalf("init telemetry: %v", err)
	}
	defer func() {
		if shutdownTelemetry != nil {
			_ = shutdownTelemetry(context.Background())
		}
	}()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("mintgated: load config: %v", err)
	}

	priceUnits, err := reserve.ParseAmount(cfg.PricePerItem)
	if err != nil {
		log.Fatalf("mintgated: parse price_per_item: %v", err)
	}

	dsn, err := storage.FileDSN(cfg.DatabasePath)
	if err != nil {
		log.Fatalf("mintgated: resolve storage DSN: %v", err)
	}
	store, err := storage.Open(dsn)
	if err != nil {
		log.Fatalf("mintgated: open storage: %v", err)
	}
	defer store.Close()

	endpoints := make([]rpcpool.Endpoint, 0, len(cfg.Endpoints))
	for _, ep := range cfg.Endpoints {
		endpoints = append(endpoints, rpcpool.Endpoint{
			Name:       ep.Name,
			URL:        ep.URL,
			DailyLimit: ep.DailyLimit,
		})
	}
	pool, err := rpcpool.New(endpoints)
	if err != nil {
		log.Fatalf("mintgated: rpc pool: %v", err)
	}
	pool.WithLogger(logger)

	engine, err := reserve.NewEngine(store, reserve.Config{
		PaymentAddress:        cfg.PaymentAddress,
		PriceUnits:            priceUnits,
		MaxSupply:             cfg.MaxSupply,
		MaxQuantity:           cfg.MaxQuantity,
		SessionTimeout:        cfg.SessionTimeout.Duration,
		PaymentPendingTimeout: cfg.PaymentPendingTimeout.Duration,
	})
	if err != nil {
		log.Fatalf("mintgated: reservation engine: %v", err)
	}
	engine.WithLogger(logger)

	blockScanner := observer.NewBlockScanner(pool, engine, store, cfg.PaymentAddress, cfg.Observer.BlockInterval.Duration)
	blockScanner.WithLogger(logger)

	mempoolScanner, err := observer.NewMempoolScanner(pool, engine, pool, cfg.PaymentAddress)
	if err != nil {
		log.Fatalf("mintgated: mempool scanner: %v", err)
	}
	mempoolScanner.WithLogger(logger)

	sweeper := reserve.NewSweeper(engine, cfg.Observer.SweepInterval.Duration, logger)

	srv, err := server.New(server.Config{
		ListenAddress: cfg.ListenAddress,
		CORSOrigins:   cfg.CORS.AllowedOrigins,
		RateLimit: server.RateLimit{
			RequestsPerMinute: cfg.RateLimit.RequestsPerMinute,
			Burst:             cfg.RateLimit.Burst,
		},
	}, engine, store, pool, logger)
	if err != nil {
		log.Fatalf("mintgated: server: %v", err)
	}

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go blockScanner.Run(rootCtx)
	go mempoolScanner.Run(rootCtx)
	go sweeper.Run(rootCtx)

	if err := srv.Run(rootCtx); err != nil && !errors.Is(err, context.Canceled) {
		log.Printf("mintgated: http server error: %v", err)
		os.Exit(1)
	}
}
