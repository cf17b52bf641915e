// analysis-be is the profile analysis backend: it serves the analyze API,
// runs the card scheduler, and maintains the caches.
package main

import (
	"context"
	"flag"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v4/pgxpool"

	"github.com/elonfeng/dinq-analyze-sub001/analysis/go/cache"
	"github.com/elonfeng/dinq-analyze-sub001/analysis/go/cache/sqlcache"
	"github.com/elonfeng/dinq-analyze-sub001/analysis/go/db"
	"github.com/elonfeng/dinq-analyze-sub001/analysis/go/db/sqldb"
	"github.com/elonfeng/dinq-analyze-sub001/analysis/go/executor"
	"github.com/elonfeng/dinq-analyze-sub001/analysis/go/executor/githubexec"
	"github.com/elonfeng/dinq-analyze-sub001/analysis/go/executor/llm"
	"github.com/elonfeng/dinq-analyze-sub001/analysis/go/fastpath"
	"github.com/elonfeng/dinq-analyze-sub001/analysis/go/localcache"
	"github.com/elonfeng/dinq-analyze-sub001/analysis/go/planner"
	"github.com/elonfeng/dinq-analyze-sub001/analysis/go/quality"
	"github.com/elonfeng/dinq-analyze-sub001/analysis/go/refresh"
	"github.com/elonfeng/dinq-analyze-sub001/analysis/go/rpc"
	"github.com/elonfeng/dinq-analyze-sub001/analysis/go/scheduling"
	"github.com/elonfeng/dinq-analyze-sub001/go/dlog"
)

var (
	port            = flag.String("port", ":8080", "HTTP service address, e.g. ':8080'")
	logLevel        = flag.String("log_level", "info", "Log level: debug, info, warning, error")
	dbConn          = flag.String("db_conn", "", "Database connection string; empty selects the in-memory stores")
	localCachePath  = flag.String("local_cache", "", "Path of the local cache file; empty disables the local tier")
	pipelineVersion = flag.String("pipeline_version", "v1", "Pipeline version partitioning the cache")
	maxWorkers      = flag.Int("max_workers", scheduling.DefaultMaxWorkers, "Maximum concurrently-running cards")
	githubToken     = flag.String("github_token", "", "GitHub API token; empty uses unauthenticated access")
	llmBaseURL      = flag.String("llm_base_url", "", "OpenAI-compatible API endpoint for AI cards")
	llmAPIKey       = flag.String("llm_api_key", "", "API key for the AI card endpoint")
	llmModel        = flag.String("llm_model", "", "Model for AI cards; empty selects the default")
)

func main() {
	flag.Parse()
	dlog.SetLevel(*logLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var d db.DB
	var c cache.Cache
	if *dbConn != "" {
		pool, err := pgxpool.Connect(ctx, *dbConn)
		if err != nil {
			dlog.Fatalf("Failed to connect to database: %s", err)
		}
		defer pool.Close()
		d, err = sqldb.New(ctx, pool)
		if err != nil {
			dlog.Fatalf("Failed to initialize job store: %s", err)
		}
		c, err = sqlcache.New(ctx, pool)
		if err != nil {
			dlog.Fatalf("Failed to initialize cache store: %s", err)
		}
	} else {
		dlog.Warningf("No --db_conn given; using in-memory stores")
		d = db.NewInMemoryDB()
		c = cache.NewInMemoryCache()
	}

	var local *localcache.Cache
	if *localCachePath != "" {
		var err error
		local, err = localcache.New(ctx, *localCachePath, 0)
		if err != nil {
			dlog.Fatalf("Failed to open local cache: %s", err)
		}
		defer func() {
			if err := local.Close(); err != nil {
				dlog.Errorf("Failed to close local cache: %s", err)
			}
		}()
	}

	reg := executor.NewRegistry()
	if *llmAPIKey != "" && *llmBaseURL != "" {
		producer := llm.New(d, llm.Config{
			BaseURL: *llmBaseURL,
			APIKey:  *llmAPIKey,
			Model:   *llmModel,
		})
		for _, source := range planner.Sources() {
			producer.Register(reg, source)
		}
	} else {
		dlog.Warningf("No LLM endpoint configured; AI cards will fail")
	}
	// Deterministic github executors override the LLM for their card types.
	githubexec.New(d, *githubToken).Register(reg)

	gate := quality.NewDefaultGate()
	policies := cache.DefaultPolicies()

	schedCfg := scheduling.DefaultConfig()
	schedCfg.MaxWorkers = *maxWorkers
	sched := scheduling.New(d, reg, gate, schedCfg)

	refresher, err := refresh.New(d, c, local, sched, policies, refresh.Config{
		PipelineVersion: *pipelineVersion,
	})
	if err != nil {
		dlog.Fatalf("Failed to create refresher: %s", err)
	}
	sched.OnJobFinished(refresher.JobFinished)

	fp := fastpath.New(d, c, local, gate, policies, refresher, *pipelineVersion)
	handlers := rpc.NewHandlers(d, sched, fp, nil)

	if err := sched.Start(ctx); err != nil {
		dlog.Fatalf("Failed to start scheduler: %s", err)
	}
	refresher.Start(ctx)

	srv := &http.Server{
		Addr:    *port,
		Handler: handlers.Router(),
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			dlog.Errorf("HTTP shutdown: %s", err)
		}
	}()

	dlog.Infof("analysis-be serving on %s", *port)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		dlog.Fatalf("HTTP server failed: %s", err)
	}
	sched.Stop()
	refresher.Stop()
}
