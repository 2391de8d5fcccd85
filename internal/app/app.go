// Package app assembles the engine from configuration.
package app

import (
	"context"
	"fmt"
	"time"

	"QuickCashEngine/internal/config"
	"QuickCashEngine/internal/currency"
	"QuickCashEngine/internal/db"
	"QuickCashEngine/internal/events"
	"QuickCashEngine/internal/geo"
	"QuickCashEngine/internal/kv"
	"QuickCashEngine/internal/matching"
	"QuickCashEngine/internal/payments"
	"QuickCashEngine/internal/registry"
	"QuickCashEngine/internal/services"
	"QuickCashEngine/internal/store"
	"QuickCashEngine/internal/transactions"
	"QuickCashEngine/internal/worker"

	"go.uber.org/zap"
)

type App struct {
	Store store.Store
	KV    *kv.DB
	// Outbox and Relay are nil unless kafka.brokers is set; without a relay
	// to drain it nothing is written to the outbox.
	Outbox *events.Outbox
	Relay  *events.Relay
	Bus    *events.Bus
	Engine *services.Engine
	Worker *worker.Worker
}

// OpenStore opens the document store selected by db.driver.
func OpenStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	switch cfg.DB.Driver {
	case "sqlite":
		conn, err := db.OpenSQLite(cfg.DB.DSN)
		if err != nil {
			return nil, err
		}
		return store.NewSQLite(conn)
	default:
		pool, err := db.Connect(ctx, cfg.DB.DSN)
		if err != nil {
			return nil, err
		}
		return store.NewPostgres(pool), nil
	}
}

// New wires every engine component and reloads persisted state.
func New(ctx context.Context, cfg *config.Config, log *zap.SugaredLogger) (*App, error) {
	st, err := OpenStore(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	kvdb, err := kv.Open(cfg.KV.Dir)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("open kv: %w", err)
	}
	outbox, relay, err := openRelay(cfg, kvdb, log)
	if err != nil {
		kvdb.Close()
		st.Close()
		return nil, err
	}
	bus := events.NewBus(outbox, log.Named("events"))

	currencies := currency.NewTable(cfg.Currencies)
	processor, err := payments.NewMultiClient(
		cfg.Gateway.Endpoints,
		cfg.Gateway.APIKey,
		currencies,
		time.Duration(cfg.Gateway.TimeoutSeconds)*time.Second,
		cfg.Gateway.FailoverThreshold,
	)
	if err != nil {
		closeRelay(relay, log)
		kvdb.Close()
		st.Close()
		return nil, err
	}
	log.Infow("payment gateway ready", "endpoint", processor.BaseURL(), "endpoints", len(cfg.Gateway.Endpoints))
	gateway := payments.NewRecorder(processor, kvdb, st, log.Named("gateway"))

	reg := registry.New(st, bus, log.Named("registry"))
	index := geo.NewIndex()
	machine := transactions.NewMachine(st, reg, gateway, bus, log.Named("transactions"), transactions.Options{
		Retry: transactions.RetryPolicy{
			MaxAttempts:    cfg.Gateway.MaxAttempts,
			InitialBackoff: time.Duration(cfg.Gateway.InitialBackoffMS) * time.Millisecond,
			MaxBackoff:     time.Duration(cfg.Gateway.MaxBackoffMS) * time.Millisecond,
		},
		Timeout:     cfg.TxTimeout(),
		AutoCapture: cfg.Transactions.AutoCapture,
	})
	matcher := matching.NewEngine(reg, index, machine, log.Named("matching"), matching.Options{
		RadiusTiersM:    cfg.Matching.RadiusTiersM,
		AmountTolerance: cfg.Matching.AmountTolerance,
		CandidateLimit:  cfg.Matching.CandidateLimit,
	})

	engine := &services.Engine{
		Store:        st,
		Registry:     reg,
		Geo:          index,
		Transactions: machine,
		Matcher:      matcher,
		Currencies:   currencies,
		RequestTTL:   cfg.RequestTTL(),
		Log:          log.Named("engine"),
	}
	if err := engine.Recover(ctx); err != nil {
		closeRelay(relay, log)
		kvdb.Close()
		st.Close()
		return nil, err
	}

	return &App{
		Store:  st,
		KV:     kvdb,
		Outbox: outbox,
		Relay:  relay,
		Bus:    bus,
		Engine: engine,
		Worker: &worker.Worker{
			Registry:     reg,
			Transactions: machine,
			Matcher:      matcher,
			Interval:     cfg.MatchInterval(),
			Log:          log.Named("worker"),
		},
	}, nil
}

// openRelay attaches the durable outbox and its Kafka relay when brokers are
// configured.
func openRelay(cfg *config.Config, kvdb *kv.DB, log *zap.SugaredLogger) (*events.Outbox, *events.Relay, error) {
	if len(cfg.Kafka.Brokers) == 0 {
		log.Infow("event relay disabled: kafka.brokers is empty")
		return nil, nil, nil
	}
	outbox, err := events.OpenOutbox(kvdb)
	if err != nil {
		return nil, nil, fmt.Errorf("open outbox: %w", err)
	}
	producer, err := events.NewProducer(cfg.Kafka.Brokers)
	if err != nil {
		return nil, nil, fmt.Errorf("kafka producer: %w", err)
	}
	return outbox, events.NewRelay(outbox, producer, cfg.Kafka.Topic, log.Named("relay")), nil
}

func closeRelay(relay *events.Relay, log *zap.SugaredLogger) {
	if relay == nil {
		return
	}
	if err := relay.Close(); err != nil {
		log.Warnw("kafka producer close failed", "err", err)
	}
}

// RunRelay drains the outbox until ctx ends. It returns at once when no
// relay is configured.
func (a *App) RunRelay(ctx context.Context) {
	if a.Relay == nil {
		return
	}
	a.Relay.Run(ctx)
}

func (a *App) Close() {
	closeRelay(a.Relay, a.Engine.Log)
	if err := a.KV.Close(); err != nil {
		a.Engine.Log.Warnw("kv close failed", "err", err)
	}
	a.Store.Close()
}
