package main

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/uhyunpark/tradeledger/params"
	"github.com/uhyunpark/tradeledger/pkg/api"
	"github.com/uhyunpark/tradeledger/pkg/app/ledger"
	"github.com/uhyunpark/tradeledger/pkg/broker"
	"github.com/uhyunpark/tradeledger/pkg/exchange"
	"github.com/uhyunpark/tradeledger/pkg/money"
	"github.com/uhyunpark/tradeledger/pkg/storage"
	"github.com/uhyunpark/tradeledger/pkg/util"
)

func main() {
	// Load config from .env file, CONFIG_FILE and environment variables
	cfg, err := params.LoadFromEnv("")
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("config: %v", err)
	}

	// Setup logging (console, plus a rotated file when LOG_FILE is set)
	var logger *zap.Logger
	if cfg.Log.File != "" {
		rot := util.DefaultRotation()
		rot.MaxSizeMB = cfg.Log.MaxSizeMB
		rot.MaxBackups = cfg.Log.MaxBackups
		logger, err = util.NewLoggerWithFile(cfg.Log.File, rot)
	} else {
		logger, err = util.NewLogger()
	}
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()
	sugar := logger.Sugar()

	clock := util.RealClock{}

	// ---- Storage ----
	backend, err := storage.Open(cfg.Store.Backend, cfg.Store.PebblePath, cfg.Store.SQLitePath, clock)
	if err != nil {
		sugar.Fatalw("store_open_failed", "backend", cfg.Store.Backend, "err", err)
	}
	defer backend.Close()
	sugar.Infow("store_opened", "backend", cfg.Store.Backend)

	// ---- Venue: raw gateway -> breaker -> submit timeout ----
	raw, err := newVenue(cfg.Venue, clock, sugar)
	if err != nil {
		sugar.Fatalw("venue_init_failed", "venue", cfg.Venue.Kind, "err", err)
	}
	breaker := exchange.NewBreaker(raw, exchange.BreakerConfig{
		Name:             cfg.Venue.Kind,
		FailureThreshold: cfg.Breaker.Failures,
		SuccessThreshold: cfg.Breaker.Successes,
		Cooldown:         cfg.Breaker.Cooldown,
	}, clock)
	breaker.Logger = sugar
	venue := exchange.WithTimeout(breaker, cfg.Venue.SubmitTimeout)
	venue.Logger = sugar

	// ---- Ledger ----
	svc := ledger.NewService(backend.Store, venue, backend.Journal, clock)
	svc.Logger = sugar
	venue.OnLateResult = svc.HandleLateResult

	if len(cfg.Kafka.Brokers) > 0 {
		alerter := broker.NewKafkaAlerter(cfg.Kafka.Brokers, cfg.Kafka.Topic)
		defer alerter.Close()
		svc.Alerter = alerter
		sugar.Infow("kafka_alerts_enabled", "brokers", cfg.Kafka.Brokers, "topic", cfg.Kafka.Topic)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reconciler := ledger.NewReconciler(svc, cfg.Reconcile.Interval)
	reconciler.Logger = sugar
	go reconciler.Run(ctx)

	// ---- API Server ----
	identity := api.HeaderIdentity{Header: cfg.API.IdentityHeader, Required: cfg.API.RequireIdentity}
	server := api.NewServer(svc, identity, api.Config{
		CORSOrigins:    cfg.API.CORSOrigins,
		HistoryLimit:   cfg.API.HistoryLimit,
		IdentityHeader: cfg.API.IdentityHeader,
		OperatorKey:    cfg.API.OperatorKey,
	}, sugar)
	svc.OnEvent = server.PublishEvent

	sugar.Infow("ledger_starting",
		"api_addr", cfg.API.Addr,
		"venue", cfg.Venue.Kind,
		"submit_timeout", cfg.Venue.SubmitTimeout,
		"reconcile_interval", cfg.Reconcile.Interval)

	if err := server.Start(ctx, cfg.API.Addr); err != nil && !errors.Is(err, context.Canceled) {
		sugar.Errorw("api_server_failed", "err", err)
	}

	// trades already handed to the venue settle before the store closes
	stop()
	svc.Wait()
	sugar.Infow("ledger_stopped")
}

func newVenue(cfg params.Venue, clock util.Clock, log *zap.SugaredLogger) (exchange.Gateway, error) {
	switch cfg.Kind {
	case "http":
		g := exchange.NewHTTPGateway(exchange.HTTPConfig{
			BaseURL:    cfg.BaseURL,
			APIKey:     cfg.APIKey,
			APISecret:  cfg.APISecret,
			QuoteAsset: cfg.QuoteAsset,
		}, clock)
		g.Logger = log
		return g, nil
	case "paper":
		instruments := exchange.NewInstruments()
		for _, in := range cfg.Instruments {
			price, err := decimal.NewFromString(in.Price)
			if err != nil {
				return nil, err
			}
			var lot money.Quantity
			if in.LotSize != "" {
				if lot, err = money.ParseQuantity(in.LotSize); err != nil {
					return nil, err
				}
			}
			if err := instruments.Register(exchange.Instrument{Symbol: in.Symbol, Price: price, LotSize: lot}); err != nil {
				return nil, err
			}
		}
		paper := exchange.NewPaperGateway(instruments, cfg.FeeBps)
		paper.Logger = log
		log.Infow("paper_venue_ready", "instruments", instruments.Count(), "fee_bps", cfg.FeeBps)
		return paper, nil
	default:
		return nil, errors.New("unknown venue " + cfg.Kind)
	}
}
