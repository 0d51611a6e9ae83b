package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/dcshock/topicpipe/config"
	"github.com/dcshock/topicpipe/httptrigger"
	"github.com/dcshock/topicpipe/observer"
	"github.com/dcshock/topicpipe/pipeline"
	"github.com/dcshock/topicpipe/topicstore"
)

type serveFlags struct {
	definitions string
	addr        string
}

func newServeCmd(root *rootFlags) *cobra.Command {
	f := &serveFlags{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP trigger API",
		Long: `Serve topic writes over HTTP and run their pipelines.

Records and run statuses are kept in Postgres when DATABASE_URL is set and
in memory otherwise. Run statuses are archived to MinIO when MINIO_ENDPOINT
is set. SIGHUP reloads the definitions file.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			settings, err := config.SettingsFromEnv()
			if err != nil {
				return &validationError{err}
			}
			if f.definitions != "" {
				settings.Definitions = f.definitions
			}
			if f.addr != "" {
				settings.HTTPAddr = f.addr
			}
			logger := root.logger(cmd.ErrOrStderr(), settings.LogLevel, settings.LogFormat)
			slog.SetDefault(logger)

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, settings, logger)
		},
	}
	cmd.Flags().StringVar(&f.definitions, "definitions", "", "Definitions file (default from TOPICPIPE_DEFINITIONS)")
	cmd.Flags().StringVar(&f.addr, "addr", "", "Listen address (default from TOPICPIPE_HTTP_ADDR)")
	return cmd
}

func serve(ctx context.Context, s config.Settings, logger *slog.Logger) error {
	def, err := config.LoadFile(s.Definitions)
	if err != nil {
		return &validationError{err}
	}
	cat, err := config.Build(def)
	if err != nil {
		return &validationError{err}
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := observer.NewMetrics(reg)

	var (
		store     httptrigger.Store
		recorders = observer.MultiRecorder{observer.NewLogRecorder(logger)}
		pgRec     *observer.PostgresRecorder
	)
	if s.DatabaseURL != "" {
		pool, err := pgxpool.New(ctx, s.DatabaseURL)
		if err != nil {
			return fmt.Errorf("connect database: %w", err)
		}
		defer pool.Close()
		pg := topicstore.NewPostgres(pool)
		if err := pg.Migrate(ctx); err != nil {
			return err
		}
		if err := observer.Migrate(ctx, pool); err != nil {
			return err
		}
		pgRec = observer.NewPostgresRecorder(pool)
		store = pg
		recorders = append(recorders, pgRec)
		logger.Info("using postgres store")
	} else {
		store = topicstore.NewMemory()
		logger.Warn("DATABASE_URL not set, records are kept in memory")
	}
	if s.MinIOEndpoint != "" {
		client, err := observer.NewMinIOClient(observer.MinIOConfig{
			Endpoint:  s.MinIOEndpoint,
			AccessKey: s.MinIOAccessKey,
			SecretKey: s.MinIOSecretKey,
			UseSSL:    s.MinIOUseSSL,
		})
		if err != nil {
			return err
		}
		var opts []observer.ArchiveOption
		if s.Production {
			opts = append(opts, observer.OnlyFailures())
		}
		recorders = append(recorders, observer.NewArchiveRecorder(client, s.MinIOBucket, opts...))
		logger.Info("archiving run statuses", "endpoint", s.MinIOEndpoint, "bucket", s.MinIOBucket)
	}

	var (
		topics pipeline.TopicLoader = cat
		cache  *pipeline.TTLTopicCache
	)
	if s.TopicCacheTTL > 0 {
		cache = pipeline.NewTTLTopicCache(cat, s.TopicCacheTTL)
		topics = cache
	}
	opts := pipeline.Options{
		Topics:     topics,
		Pipelines:  cat,
		Store:      store,
		Recorder:   recorders,
		Observer:   metrics,
		Logger:     logger,
		Production: s.Production,
	}
	def.Engine.Apply(&opts)
	if s.MaxDepth > 0 {
		opts.MaxDepth = s.MaxDepth
	}
	eng, err := pipeline.NewEngine(opts)
	if err != nil {
		return err
	}

	go reloadOnHangup(ctx, s.Definitions, cat, cache, logger)
	if pgRec != nil && s.ReplayEvery > 0 {
		claimID := s.ClaimID
		if claimID == "" {
			claimID = uuid.NewString()
		}
		replayer := observer.NewReplayer(pgRec.Queries(), cat.PipelineByID, eng, logger)
		go replayLoop(ctx, replayer, claimID, s.ReplayEvery, logger)
	}

	h := httptrigger.New(eng, store, topics, httptrigger.Options{
		Retry:  opts.Retry,
		Logger: logger,
		Mount: func(r chi.Router) {
			r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
		},
	})
	srv := &http.Server{
		Addr:              s.HTTPAddr,
		Handler:           h.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", s.HTTPAddr, "topics", len(cat.Topics()), "pipelines", len(cat.PipelineIDs()))
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errc; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// reloadOnHangup rebuilds the catalog from path on every SIGHUP. A file that
// fails to build leaves the running definitions in place.
func reloadOnHangup(ctx context.Context, path string, cat *config.Catalog, cache *pipeline.TTLTopicCache, logger *slog.Logger) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
		}
		if err := reload(ctx, path, cat); err != nil {
			logger.Error("reload definitions", "path", path, "error", err)
			continue
		}
		if cache != nil {
			cache.Invalidate()
		}
		logger.Info("definitions reloaded", "path", path, "pipelines", len(cat.PipelineIDs()))
	}
}

func reload(ctx context.Context, path string, cat *config.Catalog) error {
	next, err := loadCatalog(path)
	if err != nil {
		return err
	}
	var pipelines []*pipeline.Pipeline
	for _, t := range next.Topics() {
		ps, err := next.PipelinesByTopicID(ctx, t.ID)
		if err != nil {
			return err
		}
		pipelines = append(pipelines, ps...)
	}
	return cat.Replace(next.Topics(), pipelines)
}

func replayLoop(ctx context.Context, r *observer.Replayer, claimID string, every time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		n, err := r.ReplayFailed(ctx, claimID, 0)
		if err != nil {
			logger.Error("replay failed runs", "claim_id", claimID, "error", err)
		}
		if n > 0 {
			logger.Info("replayed failed runs", "claim_id", claimID, "count", n)
		}
	}
}
