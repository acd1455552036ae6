package main

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/biotech-recon/internal/db"
	"github.com/sells-group/biotech-recon/internal/extract"
	"github.com/sells-group/biotech-recon/internal/fetcher"
	"github.com/sells-group/biotech-recon/internal/merge"
	"github.com/sells-group/biotech-recon/internal/model"
	"github.com/sells-group/biotech-recon/internal/persist"
	"github.com/sells-group/biotech-recon/internal/pipeline"
	"github.com/sells-group/biotech-recon/internal/resolve"
	"github.com/sells-group/biotech-recon/internal/review"
	"github.com/sells-group/biotech-recon/internal/source"
	"github.com/sells-group/biotech-recon/internal/store"
	anthropicpkg "github.com/sells-group/biotech-recon/pkg/anthropic"
	"github.com/sells-group/biotech-recon/pkg/jina"
	"github.com/sells-group/biotech-recon/pkg/notion"
)

// reconEnv holds the store and the pipeline built from cfg for the run,
// serve and worker commands.
type reconEnv struct {
	Store    store.Store
	Schema   *model.Schema
	Pipeline *pipeline.Pipeline
	Registry *prometheus.Registry
}

// Close releases the store.
func (e *reconEnv) Close() {
	if e.Store != nil {
		_ = e.Store.Close()
	}
}

func initStore(ctx context.Context, schema *model.Schema) (store.Store, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		return store.NewSQLite(cfg.Store.DatabaseURL, schema)
	case "postgres":
		return store.NewPostgres(ctx, cfg.Store.DatabaseURL, db.PoolConfig{MaxConns: cfg.Store.MaxConns}, schema)
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}

// openStore loads the schema and opens a migrated store.
func openStore(ctx context.Context) (store.Store, *model.Schema, error) {
	schema, err := cfg.Schema.Load()
	if err != nil {
		return nil, nil, err
	}
	st, err := initStore(ctx, schema)
	if err != nil {
		return nil, nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, nil, eris.Wrap(err, "migrate store")
	}
	return st, schema, nil
}

// initPipeline opens the store and builds the pipeline. Callers should
// defer env.Close().
func initPipeline(ctx context.Context) (*reconEnv, error) {
	st, schema, err := openStore(ctx)
	if err != nil {
		return nil, err
	}
	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewGoCollector(), prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	return &reconEnv{
		Store:    st,
		Schema:   schema,
		Pipeline: buildPipeline(st, schema, reg),
		Registry: reg,
	}, nil
}

func buildPipeline(st store.Store, schema *model.Schema, reg prometheus.Registerer) *pipeline.Pipeline {
	var jinaOpts []jina.Option
	if cfg.Jina.BaseURL != "" {
		jinaOpts = append(jinaOpts, jina.WithBaseURL(cfg.Jina.BaseURL))
	}
	if cfg.Jina.SearchBaseURL != "" {
		jinaOpts = append(jinaOpts, jina.WithSearchBaseURL(cfg.Jina.SearchBaseURL))
	}
	jinaClient := jina.NewClient(cfg.Jina.Key, jinaOpts...)

	fetchTimeout := time.Duration(cfg.Fetch.TimeoutSecs) * time.Second
	downloads := fetcher.NewMulti(
		fetcher.NewHTTPFetcher(fetcher.HTTPOptions{
			Timeout:           fetchTimeout,
			UserAgent:         cfg.Fetch.UserAgent,
			RequestsPerSecond: cfg.Fetch.RequestsPerSecond,
		}),
		fetcher.NewFTPFetcher(fetchTimeout),
	)
	sources := source.Registry{
		model.SourceRegistry: source.NewRegistryAdapter(downloads),
		model.SourceWebsite:  source.NewWebAdapter(jinaClient),
		model.SourceNews:     source.NewNewsAdapter(jinaClient),
	}

	// Registry rows are already structured; everything else goes to Claude.
	router := &extract.Router{
		ByType: map[model.SourceType]extract.Capability{
			model.SourceRegistry: extract.KeyValueCapability{},
		},
	}
	if cfg.Anthropic.Key != "" {
		router.Default = extract.NewAnthropicCapability(
			anthropicpkg.NewClient(cfg.Anthropic.Key),
			cfg.Anthropic.Model,
			cfg.Anthropic.MaxTokens,
			cfg.Pipeline.MaxInputChars,
		)
	} else {
		zap.L().Warn("BIOTECH_ANTHROPIC_KEY not set, only registry sources can be extracted")
	}
	extractor := extract.New(router, schema, extract.Options{
		Timeout:           cfg.Pipeline.ExtractTimeout(),
		RequestsPerSecond: cfg.Pipeline.RequestsPerSecond,
		Weights:           cfg.Pipeline.SourceWeights,
	})

	var sink review.Sink = review.LogSink{}
	if cfg.Notion.Token != "" {
		sink = review.Multi{sink, review.NewNotionSink(notion.NewClient(cfg.Notion.Token), cfg.Notion.ReviewDB)}
		zap.L().Info("notion review queue enabled")
	}

	return pipeline.New(pipeline.Config{
		Workers:    cfg.Pipeline.Workers,
		RunTimeout: cfg.Pipeline.RunTimeout(),
	}, pipeline.Deps{
		Sources:   sources,
		Extractor: extractor,
		Resolver:  resolve.New(cfg.Resolve),
		Merger:    merge.New(schema, cfg.Merge.MinConfidence),
		Persist:   persist.New(st, cfg.Persist),
		Review:    sink,
		Metrics:   pipeline.NewMetrics(reg),
	})
}
