package main

import (
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/newsroomhq/publishing"
	"github.com/newsroomhq/publishing/es"
	"github.com/newsroomhq/publishing/es/codec"
	"github.com/newsroomhq/publishing/es/outbox"
	"github.com/newsroomhq/publishing/es/projection"
	"github.com/newsroomhq/publishing/es/projection/runner"
	"github.com/newsroomhq/publishing/es/readmodel"
	"github.com/newsroomhq/publishing/integration"
	"github.com/newsroomhq/publishing/publication"
	"github.com/newsroomhq/publishing/video"

	pgadapter "github.com/newsroomhq/publishing/es/adapters/postgres"
	sqliteadapter "github.com/newsroomhq/publishing/es/adapters/sqlite"
)

// adapterStore is the full storage surface both SQL adapters provide.
type adapterStore interface {
	publishing.Store
	projection.Source
}

// runtime holds the wired components shared by the subcommands.
type runtime struct {
	cfg      Config
	db       *sql.DB
	store    adapterStore
	registry *codec.Registry
	docs     *readmodel.Store
	logger   es.Logger

	service *publishing.Service
	details *publication.DetailsProjection

	bus        *outbox.ChannelBus
	dispatcher *outbox.Dispatcher
	runner     *runner.Runner
	consumer   *integration.VideoIngestedConsumer
}

func buildRuntime(cfg Config, logger es.Logger) (*runtime, error) {
	db, err := sql.Open(driverName(cfg.DatabaseDriver), cfg.DatabaseDSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	var (
		store   adapterStore
		dialect readmodel.Dialect
	)
	switch cfg.DatabaseDriver {
	case "postgres":
		config := pgadapter.DefaultStoreConfig()
		config.Logger = logger
		store = pgadapter.NewStore(config)
		dialect = readmodel.Postgres
	default:
		store = sqliteadapter.NewStore(sqliteadapter.NewStoreConfig(sqliteadapter.WithLogger(logger)))
		dialect = readmodel.SQLite
		// SQLite allows one writer at a time; a single connection serializes
		// the processors' batch transactions instead of failing with
		// SQLITE_BUSY under concurrent commits.
		db.SetMaxOpenConns(1)
	}

	registry := publishing.NewRegistry()
	docs := readmodel.NewStore(readmodel.DefaultStoreConfig(dialect))

	details := publication.NewDetailsProjection(registry, docs)
	service := publishing.NewService(db, store, registry,
		publishing.WithInlineProjections(details),
		publishing.WithLogger(logger))

	bus := outbox.NewChannelBus(cfg.BusBuffer)
	dispatcher := outbox.NewDispatcher(bus, outbox.Policy(cfg.OutboxPolicy))

	processorConfig := projection.DefaultProcessorConfig()
	processorConfig.Logger = logger
	processorConfig.BatchSize = cfg.BatchSize
	processorConfig.PollInterval = cfg.PollInterval

	newProcessor := func() *projection.Processor {
		return projection.NewProcessor(db, store, dispatcher, processorConfig)
	}

	videos := publication.NewVideosProjection(registry, docs)
	history := publication.NewHistoryProjection(registry, docs)
	videoDetails := video.NewDetailsProjection(registry, docs, details)

	projectionRunner := runner.New(
		runner.ProjectionRunner{Projection: videos, Processor: newProcessor()},
		runner.ProjectionRunner{Projection: history, Processor: newProcessor()},
		runner.ProjectionRunner{Projection: videoDetails, Processor: newProcessor()},
	)

	return &runtime{
		cfg:        cfg,
		db:         db,
		store:      store,
		registry:   registry,
		docs:       docs,
		logger:     logger,
		service:    service,
		details:    details,
		bus:        bus,
		dispatcher: dispatcher,
		runner:     projectionRunner,
		consumer:   integration.NewVideoIngestedConsumer(service, logger),
	}, nil
}

func (r *runtime) Close() error {
	r.bus.Close()
	return r.db.Close()
}

func driverName(configured string) string {
	if configured == "postgres" {
		return "postgres"
	}
	return "sqlite"
}
