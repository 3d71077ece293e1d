// Command pipeline runs the Babylon feature pipeline: it pulls records from
// the MongoDB data lake, embeds them, and upserts the vectors into Qdrant.
// One-shot by default, daemon mode rescans the lake on a minimum interval.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/BabylonML/babylon-pipeline/config"
	"github.com/BabylonML/babylon-pipeline/engine/domain"
	"github.com/BabylonML/babylon-pipeline/engine/embed"
	"github.com/BabylonML/babylon-pipeline/engine/lake"
	"github.com/BabylonML/babylon-pipeline/engine/pipeline"
	"github.com/BabylonML/babylon-pipeline/engine/store"
	"github.com/BabylonML/babylon-pipeline/pkg/events"
	"github.com/BabylonML/babylon-pipeline/pkg/metrics"
)

var met = metrics.New()

var (
	mBatchesTotal  = met.Counter("babylon_pipeline_batches_total", "Batches reaching done")
	mBatchesFailed = met.Counter("babylon_pipeline_batches_failed_total", "Batches reaching failed")
	mIndexedTotal  = met.Counter("babylon_pipeline_records_indexed_total", "Records upserted into the vector store")
	mSkippedTotal  = met.Counter("babylon_pipeline_records_skipped_total", "Records skipped (corrupt, oversize, exhausted upserts)")
	mRunDur        = met.Histogram("babylon_pipeline_run_duration_seconds", "Per-collection run time", nil)
	mCollections   = met.Counter("babylon_pipeline_collections_total", "Collections processed")
	mLastRun       = met.Gauge("babylon_pipeline_last_run_timestamp", "Epoch of last completed scan")
	mErrorsTotal   = func(stage string) *metrics.Counter {
		return met.Counter(metrics.WithLabels("babylon_pipeline_errors_total", "stage", stage), "Errors by stage")
	}
)

func main() {
	var (
		envSource   = flag.String("env-source", "", "optional .env file loaded before reading configuration")
		collection  = flag.String("collection", "", "single data lake collection to process (default: all with the configured prefix)")
		cursor      = flag.String("cursor", "", "resume cursor for a single-collection run")
		daemon      = flag.Bool("daemon", false, "rescan the lake on an interval instead of exiting")
		interval    = flag.Duration("interval", 5*time.Minute, "minimum daemon loop duration, including processing time")
		metricsPort = flag.Int("metrics-port", 9091, "port serving /metrics")
	)
	flag.Parse()

	log := slog.Default()

	if err := validateCursorScope(*collection, *cursor); err != nil {
		log.Error("invalid flags", "error", err)
		os.Exit(1)
	}

	if *envSource != "" {
		if err := config.LoadEnvFile(*envSource); err != nil {
			log.Error("env file load failed", "error", err)
			os.Exit(1)
		}
		log.Info("loaded env file", "path", *envSource)
	}

	cfg, err := config.Load(nil)
	if err != nil {
		log.Error("configuration invalid", "error", err)
		os.Exit(1)
	}

	met.ServeAsync(*metricsPort)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	app, err := newApp(ctx, cfg, log)
	if err != nil {
		log.Error("startup failed", "error", err)
		os.Exit(1)
	}
	defer app.close(ctx)

	run := func() error {
		names := []string{*collection}
		if *collection == "" {
			var err error
			names, err = app.mongo.ListCollections(ctx, cfg.CollectionPrefix, "", "")
			if err != nil {
				return err
			}
			log.Info("discovered collections", "prefix", cfg.CollectionPrefix, "count", len(names))
		}
		for _, name := range names {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if err := app.processCollection(ctx, name, *cursor); err != nil {
				if domain.Fatal(err) {
					return err
				}
				// A failed batch keeps its cursor; the next scan retries it.
				log.Error("collection run failed, will retry on next scan", "collection", name, "error", err)
			}
		}
		mLastRun.Set(time.Now().Unix())
		return nil
	}

	if !*daemon {
		if err := run(); err != nil && !errors.Is(err, context.Canceled) {
			log.Error("run failed", "error", err)
			os.Exit(1)
		}
		return
	}

	// Daemon loop: each iteration, including processing, takes at least
	// the configured interval.
	for {
		start := time.Now()
		if err := run(); err != nil {
			if errors.Is(err, context.Canceled) {
				log.Info("shutting down")
				return
			}
			if domain.Fatal(err) {
				log.Error("fatal error, halting", "error", err)
				os.Exit(1)
			}
			log.Error("scan failed", "error", err)
		}

		sleep := *interval - time.Since(start)
		if sleep < 0 {
			sleep = 0
		}
		select {
		case <-ctx.Done():
			log.Info("shutting down")
			return
		case <-time.After(sleep):
		}
	}
}

// validateCursorScope rejects a resume cursor without a single target
// collection: a discovery run processes many collections and one cursor
// cannot apply to all of them.
func validateCursorScope(collection, cursor string) error {
	if collection == "" && cursor != "" {
		return errors.New("--cursor requires --collection")
	}
	return nil
}

// app holds the wired service instances for the process lifetime.
type app struct {
	cfg      config.Config
	mongo    *lake.Mongo
	vectors  *store.Qdrant
	embedSvc *embed.Service
	cache    *embed.Cache
	nc       *nats.Conn
	pub      events.Publisher
	log      *slog.Logger
}

func newApp(ctx context.Context, cfg config.Config, log *slog.Logger) (*app, error) {
	a := &app{cfg: cfg, log: log, pub: events.Nop{}}

	mongo, err := lake.NewMongo(ctx, lake.MongoOpts{
		URI:            cfg.MongoURI,
		Database:       cfg.DatalakeName,
		TextField:      cfg.TextField,
		ConnectTimeout: cfg.ConnectTimeout,
	}, log)
	if err != nil {
		return nil, err
	}
	a.mongo = mongo
	log.Info("connected to data lake", "database", cfg.DatalakeName)

	vectors, err := store.NewQdrant(cfg.QdrantAddr, cfg.VectorCollection, cfg.EmbedDims, log)
	if err != nil {
		return nil, err
	}
	a.vectors = vectors
	if err := vectors.EnsureCollection(ctx); err != nil {
		return nil, err
	}
	log.Info("connected to vector store", "collection", cfg.VectorCollection, "dims", cfg.EmbedDims)

	embedder, err := newEmbedder(cfg)
	if err != nil {
		return nil, err
	}
	log.Info("using embedder", "provider", cfg.EmbedProvider, "model", cfg.EmbedModel, "dims", cfg.EmbedDims)

	if cfg.CacheDir != "" {
		cache, err := embed.OpenCache(cfg.CacheDir)
		if err != nil {
			return nil, err
		}
		a.cache = cache
		log.Info("embedding cache enabled", "dir", cfg.CacheDir)
	}

	svc, err := embed.NewService(embedder, a.cache, embed.ServiceOpts{
		BatchSize:    cfg.EmbedBatchSize,
		MaxTextBytes: cfg.MaxTextBytes,
		Workers:      cfg.EmbedWorkers,
		RatePerSec:   cfg.EmbedRate,
	}, log)
	if err != nil {
		return nil, err
	}
	a.embedSvc = svc

	if cfg.NATSURL != "" {
		nc, err := nats.Connect(cfg.NATSURL)
		if err != nil {
			return nil, fmt.Errorf("nats connect: %w", err)
		}
		a.nc = nc
		a.pub = events.NewNATS(nc)
		log.Info("publishing batch events", "url", cfg.NATSURL, "subject", events.BatchSubject)
	}

	return a, nil
}

func newEmbedder(cfg config.Config) (embed.Embedder, error) {
	switch cfg.EmbedProvider {
	case config.ProviderOllama:
		return embed.NewOllama(cfg.OllamaURL, cfg.EmbedModel, cfg.EmbedDims), nil
	case config.ProviderOpenAI:
		return embed.NewOpenAI(cfg.OpenAIBaseURL, cfg.OpenAIToken, cfg.EmbedModel, cfg.EmbedDims)
	case config.ProviderHash:
		return embed.NewHash(cfg.EmbedModel, cfg.EmbedDims), nil
	default:
		return nil, fmt.Errorf("unknown embed provider %q: %w", cfg.EmbedProvider, domain.ErrConfig)
	}
}

func (a *app) processCollection(ctx context.Context, name, cursor string) error {
	a.log.Info("processing collection", "collection", name)
	start := time.Now()

	orch := pipeline.New(a.mongo.WithCollection(name), a.embedSvc, a.vectors, a.pub, pipeline.Config{
		Collection:  name,
		BatchSize:   a.cfg.BatchSize,
		MaxAttempts: a.cfg.MaxAttempts,
		RetryWait:   a.cfg.RetryWait,
		CallTimeout: a.cfg.CallTimeout,
	}, a.log)

	stats, err := orch.Run(ctx, cursor)
	mRunDur.Since(start)
	mIndexedTotal.Add(int64(stats.Indexed))
	mSkippedTotal.Add(int64(stats.Skipped + len(stats.PermanentlyFailed)))
	if err != nil {
		mBatchesFailed.Inc()
		mErrorsTotal("run").Inc()
		return err
	}
	mBatchesTotal.Add(int64(stats.Batches))
	mCollections.Inc()
	a.log.Info("finished collection",
		"collection", name, "batches", stats.Batches,
		"indexed", stats.Indexed, "skipped", stats.Skipped,
		"duration", time.Since(start))
	return nil
}

func (a *app) close(ctx context.Context) {
	a.embedSvc.Close()
	if a.cache != nil {
		_ = a.cache.Close()
	}
	if a.nc != nil {
		a.nc.Close()
	}
	_ = a.vectors.Close()
	_ = a.mongo.Close(ctx)
}
