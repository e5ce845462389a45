// Command vivid is the main entry point for the Vivid voice capture backend.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"golang.org/x/sync/errgroup"

	"github.com/vivilabs/vivid/internal/config"
	"github.com/vivilabs/vivid/internal/detect"
	"github.com/vivilabs/vivid/internal/enrich"
	"github.com/vivilabs/vivid/internal/fabric"
	"github.com/vivilabs/vivid/internal/gateway"
	"github.com/vivilabs/vivid/internal/health"
	"github.com/vivilabs/vivid/internal/jobs"
	"github.com/vivilabs/vivid/internal/monitor"
	"github.com/vivilabs/vivid/internal/observe"
	"github.com/vivilabs/vivid/internal/persist"
	"github.com/vivilabs/vivid/internal/pipeline"
	"github.com/vivilabs/vivid/internal/plugins"
	"github.com/vivilabs/vivid/internal/post"
	"github.com/vivilabs/vivid/internal/session"
	"github.com/vivilabs/vivid/internal/store"
	"github.com/vivilabs/vivid/internal/streaming"
	"github.com/vivilabs/vivid/pkg/provider/speaker"
	"github.com/vivilabs/vivid/pkg/provider/stt"
	"github.com/vivilabs/vivid/pkg/provider/stt/deepgram"
)

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "vivid: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "vivid: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logger := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)

	slog.Info("vivid starting",
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "vivid",
		ServiceVersion: version,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(shutdownCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	metrics, err := observe.NewMetrics(otel.GetMeterProvider())
	if err != nil {
		slog.Error("failed to create metrics", "err", err)
		return 1
	}

	// ── Provider registry ─────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	providers, err := buildProviders(cfg, reg)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}

	// ── Redis: sessions, stream fabric, job queue ─────────────────────────────
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		slog.Error("redis unreachable", "addr", cfg.Redis.Addr, "err", err)
		return 1
	}

	sessions := session.NewStore(rdb)
	audioStream := fabric.NewAudioStream(rdb)
	results := fabric.NewResultStream(rdb)
	interim := fabric.NewInterim(rdb)
	agg := fabric.NewAggregator(results)
	queue := jobs.NewClient(rdb)

	// ── PostgreSQL: conversation storage ──────────────────────────────────────
	pg, err := store.New(ctx, cfg.Postgres.DSN)
	if err != nil {
		slog.Error("postgres unreachable", "err", err)
		return 1
	}
	defer pg.Close()

	// ── Plugins ───────────────────────────────────────────────────────────────
	var dispatcher plugins.Dispatcher
	if cfg.Plugins.Path != "" {
		regs, err := plugins.LoadRegistrations(cfg.Plugins.Path)
		if err != nil {
			slog.Error("failed to load plugin registrations", "path", cfg.Plugins.Path, "err", err)
			return 1
		}
		services := plugins.NewServices(sessions, pg, logger)
		dispatcher = plugins.NewRouter(regs, services,
			plugins.WithRouterLogger(logger),
			plugins.WithRouterMetrics(metrics),
		)
		slog.Info("plugins loaded", "count", len(regs), "path", cfg.Plugins.Path)
	}

	// ── Pipeline stages ───────────────────────────────────────────────────────
	detectOpts := []detect.DetectorOption{
		detect.WithThresholds(cfg.Pipeline.MinWordsOrDefault(), cfg.Pipeline.MinSpeechSecondsOrDefault()),
		detect.WithLogger(logger),
	}
	if providers.Speaker != nil {
		detectOpts = append(detectOpts, detect.WithEnrollmentCheck(providers.Speaker, cfg.Pipeline.RequireEnrolledSpeaker))
	}
	detector := detect.NewDetector(sessions, agg, queue, detectOpts...)

	mon := monitor.New(sessions, agg, results, pg, queue,
		monitor.WithInactivitySeconds(float64(cfg.Pipeline.InactivitySecondsOrDefault())),
		monitor.WithAlwaysBatch(cfg.Pipeline.AlwaysBatchRetranscribe),
		monitor.WithDispatcher(dispatcher),
		monitor.WithMetrics(metrics),
		monitor.WithLogger(logger),
	)

	persister := persist.NewWorker(sessions, audioStream, pg, queue, metrics,
		persist.WithChunkSeconds(cfg.Pipeline.ChunkSecondsOrDefault()),
		persist.WithLogger(logger),
	)

	chainOpts := []post.Option{
		post.WithDispatcher(dispatcher),
		post.WithLogger(logger),
	}
	if providers.Speaker != nil {
		chainOpts = append(chainOpts, post.WithIdentifier(providers.Speaker))
	}
	if providers.Enricher != nil {
		chainOpts = append(chainOpts, post.WithEnrichment(providers.Enricher, providers.Enricher))
	}
	chain := post.NewChain(sessions, pg, audioStream, queue, providers.Batch, chainOpts...)

	// ── Job worker ────────────────────────────────────────────────────────────
	handlers := jobs.NewRegistry()
	handlers.Register(persist.HandlerName, persister.Handle)
	handlers.Register(pipeline.HandlerSpeechDetect, detector.Handle)
	handlers.Register(pipeline.HandlerMonitor, mon.Handle)
	handlers.Register(pipeline.HandlerBatch, chain.HandleBatch)
	handlers.Register(pipeline.HandlerSpeaker, chain.HandleSpeaker)
	handlers.Register(pipeline.HandlerMemory, chain.HandleMemory)
	handlers.Register(pipeline.HandlerTitleSummary, chain.HandleTitleSummary)
	handlers.Register(pipeline.HandlerEventDispatch, chain.HandleDispatch)
	handlers.Register(pipeline.HandlerFallback, chain.HandleFallback)

	streamingOK := providers.Streaming != nil && providers.Streaming.Capabilities().Streaming
	if streamingOK {
		consumer := streaming.NewConsumer(sessions, audioStream, results, interim, providers.Streaming, queue, metrics,
			streaming.WithLogger(logger))
		handlers.Register(streaming.HandlerName, consumer.Handle)
	}

	worker := jobs.NewWorker(queue, handlers,
		[]string{jobs.QueueTranscription, jobs.QueueMemory, jobs.QueueAudio, jobs.QueueDefault},
		jobs.WithWorkerLogger(logger),
	)

	// ── Gateway ───────────────────────────────────────────────────────────────
	gw := gateway.NewServer(sessions, audioStream, interim, queue, pg,
		gateway.NewHMACAuthenticator(cfg.Server.AuthSecret),
		gateway.WithProvider(cfg.Providers.STT.Name, streamingOK),
		gateway.WithDispatcher(dispatcher),
		gateway.WithMetrics(metrics),
		gateway.WithLogger(logger),
		gateway.WithBatchFlush(time.Duration(cfg.Pipeline.BatchFlushMinutesOrDefault())*time.Minute),
		gateway.WithChunkSeconds(cfg.Pipeline.ChunkSecondsOrDefault()),
	)

	mux := http.NewServeMux()
	mux.Handle("/ws", gw)
	mux.Handle("/metrics", promhttp.Handler())
	health.New(version).
		Depend("redis", func(ctx context.Context) error { return rdb.Ping(ctx).Err() }).
		Depend("postgres", pg.Ping).
		Register(mux)

	listenAddr := cfg.Server.ListenAddr
	if listenAddr == "" {
		listenAddr = ":8080"
	}
	srv := &http.Server{
		Addr:              listenAddr,
		Handler:           observe.Middleware(metrics)(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// ── Startup summary ───────────────────────────────────────────────────────
	printStartupSummary(cfg, streamingOK, providers)

	slog.Info("server ready — press Ctrl+C to shut down")

	// ── Run ───────────────────────────────────────────────────────────────────
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return worker.Run(gctx)
	})
	g.Go(func() error {
		var err error
		if cfg.Server.TLS != nil {
			err = srv.ListenAndServeTLS(cfg.Server.TLS.CertFile, cfg.Server.TLS.KeyFile)
		} else {
			err = srv.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutdown signal received, stopping…")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// version is stamped at build time via -ldflags.
var version = "dev"

// ── Provider wiring ───────────────────────────────────────────────────────────

// providerSet holds the external collaborators the pipeline runs with. Any of
// them may be nil; the stages degrade gracefully except for Batch, which the
// post-conversation chain requires.
type providerSet struct {
	Streaming stt.StreamingProvider
	Batch     stt.BatchProvider
	Speaker   *speaker.Client
	Enricher  *enrich.OpenAI
}

// registerBuiltinProviders wires the STT provider factories that ship with
// Vivid into reg. Deepgram serves both the streaming and the batch pass from
// one configuration entry.
func registerBuiltinProviders(reg *config.Registry) {
	reg.RegisterSTT("deepgram", func(entry config.ProviderEntry) (stt.StreamingProvider, error) {
		return newDeepgram(entry)
	})
	reg.RegisterBatchSTT("deepgram", func(entry config.ProviderEntry) (stt.BatchProvider, error) {
		return newDeepgram(entry)
	})
}

func newDeepgram(entry config.ProviderEntry) (*deepgram.Provider, error) {
	var opts []deepgram.Option
	if entry.Model != "" {
		opts = append(opts, deepgram.WithModel(entry.Model))
	}
	if entry.BaseURL != "" {
		opts = append(opts, deepgram.WithBaseURL(entry.BaseURL))
	}
	if lang := optString(entry.Options, "language"); lang != "" {
		opts = append(opts, deepgram.WithLanguage(lang))
	}
	return deepgram.New(entry.APIKey, opts...)
}

// buildProviders instantiates the providers named in cfg. The batch
// transcription provider is mandatory: without it, closed conversations could
// never be cropped or re-transcribed. The streaming provider is optional;
// when absent, the gateway downgrades wearables to batch mode and refuses
// browser streaming requests.
func buildProviders(cfg *config.Config, reg *config.Registry) (*providerSet, error) {
	ps := &providerSet{}

	name := cfg.Providers.STT.Name
	if name == "" {
		return nil, errors.New("providers.stt.name is required")
	}

	batch, err := reg.CreateBatchSTT(cfg.Providers.STT)
	if err != nil {
		return nil, fmt.Errorf("create batch stt provider %q: %w", name, err)
	}
	ps.Batch = batch
	slog.Info("provider created", "kind", "batch-stt", "name", name)

	p, err := reg.CreateSTT(cfg.Providers.STT)
	if errors.Is(err, config.ErrProviderNotRegistered) {
		slog.Debug("no streaming support — batch mode only", "kind", "stt", "name", name)
	} else if err != nil {
		return nil, fmt.Errorf("create stt provider %q: %w", name, err)
	} else {
		ps.Streaming = p
		slog.Info("provider created", "kind", "stt", "name", name)
	}

	if base := cfg.Providers.Speaker.BaseURL; base != "" {
		var opts []speaker.Option
		if secs := cfg.Providers.Speaker.TimeoutSeconds; secs > 0 {
			opts = append(opts, speaker.WithTimeout(time.Duration(secs)*time.Second))
		}
		spk, err := speaker.New(base, cfg.Providers.Speaker.APIKey, opts...)
		if err != nil {
			return nil, fmt.Errorf("create speaker client: %w", err)
		}
		ps.Speaker = spk
		slog.Info("provider created", "kind", "speaker", "base_url", base)
	}

	if key := cfg.Providers.Enrich.APIKey; key != "" {
		var opts []enrich.OpenAIOption
		if cfg.Providers.Enrich.Model != "" {
			opts = append(opts, enrich.WithModel(cfg.Providers.Enrich.Model))
		}
		ps.Enricher = enrich.NewOpenAI(key, cfg.Providers.Enrich.BaseURL, opts...)
		slog.Info("provider created", "kind", "enrich", "model", cfg.Providers.Enrich.Model)
	}

	return ps, nil
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config, streamingOK bool, ps *providerSet) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║          Vivid — startup summary      ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printProvider("STT", cfg.Providers.STT.Name, cfg.Providers.STT.Model)
	if streamingOK {
		printRow("Streaming", "enabled")
	} else {
		printRow("Streaming", "batch only")
	}
	if ps.Speaker != nil {
		printRow("Speaker rec", "enabled")
	} else {
		printRow("Speaker rec", "(disabled)")
	}
	if ps.Enricher != nil {
		printProvider("Enrich", "openai", cfg.Providers.Enrich.Model)
	} else {
		printRow("Enrich", "(disabled)")
	}
	if cfg.Plugins.Path != "" {
		printRow("Plugins", cfg.Plugins.Path)
	} else {
		printRow("Plugins", "(disabled)")
	}
	if cfg.Server.ListenAddr != "" {
		printRow("Listen addr", cfg.Server.ListenAddr)
	}
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printProvider(kind, name, model string) {
	value := name
	if value == "" {
		value = "(not configured)"
	} else if model != "" {
		value = name + " / " + model
	}
	printRow(kind, value)
}

func printRow(kind, value string) {
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Printf("║  %-12s   : %-19s ║\n", kind, value)
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func newLogger(level config.LogLevel) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogDebug:
		lvl = slog.LevelDebug
	case config.LogWarn:
		lvl = slog.LevelWarn
	case config.LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

// ── Helpers ───────────────────────────────────────────────────────────────────

// optString extracts a string value from a provider Options map[string]any.
// Returns "" if the map is nil, the key is absent, or the value is not a string.
func optString(opts map[string]any, key string) string {
	if opts == nil {
		return ""
	}
	v, ok := opts[key]
	if !ok {
		return ""
	}
	s, ok := v.(string)
	if !ok {
		return ""
	}
	return s
}
