package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/afero"
	"golang.org/x/sync/errgroup"

	grpcapi "serial-voice-ingress/internal/api/grpc"
	"serial-voice-ingress/internal/config"
	"serial-voice-ingress/internal/events"
	httpapi "serial-voice-ingress/internal/http"
	"serial-voice-ingress/internal/observability"
	"serial-voice-ingress/internal/observability/logging"
	"serial-voice-ingress/internal/observability/metrics"
	"serial-voice-ingress/internal/protocol"
	"serial-voice-ingress/internal/service/keyword"
	"serial-voice-ingress/internal/service/pipeline"
	"serial-voice-ingress/internal/service/recorder"
	"serial-voice-ingress/internal/service/ring"
	"serial-voice-ingress/internal/service/segment"
	"serial-voice-ingress/internal/service/stt"
	"serial-voice-ingress/internal/service/stt/google"
	"serial-voice-ingress/internal/service/stt/mock"
)

// Application holds process-wide state for the service.
type Application struct {
	StartupTime time.Time
	Logger      zerolog.Logger
	Cfg         *config.Configuration
	Metrics     *metrics.Metrics

	Publisher  *events.Publisher
	Pipeline   *pipeline.Pipeline
	Dispatcher *stt.Dispatcher
	GRPC       *grpcapi.Server

	source     protocol.Source
	httpServer *http.Server
	obs        *observability.Server
	watcher    *config.Watcher
	closers    []func() error
}

// New wires every component around src. The application owns src from
// here on.
func New(ctx context.Context, cfg *config.Configuration, src protocol.Source) (*Application, error) {
	logging.Init(logging.Config{
		Level:      cfg.Observability.LogLevel,
		Format:     cfg.Observability.LogFormat,
		TimeFormat: time.RFC3339,
		Service:    "serial-voice-ingress",
	})

	a := &Application{
		Cfg:     cfg,
		Logger:  logging.WithComponent("application"),
		Metrics: metrics.DefaultMetrics,
		source:  src,
	}

	a.Publisher = events.New(&events.Config{
		Enabled:          cfg.Kafka.Enabled,
		Brokers:          cfg.Kafka.Brokers,
		TopicSegments:    cfg.Kafka.TopicSegments,
		TopicTranscripts: cfg.Kafka.TopicTranscripts,
		TopicStats:       cfg.Kafka.TopicStats,
		Principal:        cfg.Kafka.Principal,
		Metrics:          a.Metrics,
	})
	a.closers = append(a.closers, a.Publisher.Close)

	deps := pipeline.Deps{
		Decoder: protocol.NewDecoder(src, protocol.Config{
			MaxSamples:      cfg.Decoder.MaxSamples,
			ExpectedSamples: cfg.Decoder.ExpectedSamples,
		}),
		Ring:       ring.New(cfg.Ring.Capacity),
		Engine:     segment.NewEngine(pipeline.SegmentConfig(cfg.Segmentation), segment.NewGenerator(cfg.Service.SessionID)),
		Classifier: keyword.New(pipeline.ClassifierConfig(cfg.Classifier, cfg.STT.SampleRateHz)),
		Publisher:  a.Publisher,
	}

	if cfg.Recorder.Enabled {
		rec, err := recorder.New(afero.NewOsFs(), recorder.Config{
			Dir:          cfg.Recorder.Dir,
			SampleRateHz: cfg.Recorder.SampleRateHz,
			Metrics:      a.Metrics,
		})
		if err != nil {
			src.Close()
			a.Shutdown()
			return nil, err
		}
		deps.Recorder = rec
	}

	if cfg.STT.Enabled {
		factory, err := a.sttFactory(ctx)
		if err != nil {
			src.Close()
			a.Shutdown()
			return nil, err
		}
		a.Dispatcher = stt.NewDispatcher(stt.DispatcherConfig{
			Provider:     cfg.STT.Provider,
			SessionID:    cfg.Service.SessionID,
			SampleRateHz: cfg.STT.SampleRateHz,
			Metrics:      a.Metrics,
		}, factory, a.Publisher)
		deps.Recognizer = a.Dispatcher
	}

	a.Pipeline = pipeline.New(pipeline.Config{
		SessionID:     cfg.Service.SessionID,
		SampleRateHz:  cfg.STT.SampleRateHz,
		StatsInterval: cfg.Observability.StatsInterval,
		Metrics:       a.Metrics,
	}, deps)

	a.GRPC = grpcapi.NewServer(a.Metrics)
	a.httpServer = &http.Server{
		Addr:              ":" + cfg.Service.HTTPPort,
		Handler:           httpapi.NewRouter(a.Pipeline),
		ReadHeaderTimeout: 5 * time.Second,
	}
	a.obs = observability.NewServer(":"+cfg.Service.MetricsPort, nil, a.Pipeline.Running)

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		a.watcher = config.NewWatcher(path, cfg, a.Metrics.RecordConfigReload)
	}

	a.Logger.Info().
		Str("sessionId", cfg.Service.SessionID).
		Bool("kafka", cfg.Kafka.Enabled).
		Bool("stt", cfg.STT.Enabled).
		Bool("recorder", cfg.Recorder.Enabled).
		Msg("Serial voice ingress application created")
	return a, nil
}

func (a *Application) sttFactory(ctx context.Context) (stt.Factory, error) {
	switch a.Cfg.STT.Provider {
	case "google":
		c, err := google.NewClient(ctx, google.Config{
			LanguageCode:   a.Cfg.STT.LanguageCode,
			SampleRateHz:   a.Cfg.STT.SampleRateHz,
			InterimResults: a.Cfg.STT.InterimResults,
			AudioEncoding:  a.Cfg.STT.AudioEncoding,
		})
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, c.Close)
		return c.NewAdapter, nil
	case "mock":
		return mock.Factory(50 * time.Millisecond), nil
	default:
		return nil, fmt.Errorf("unknown stt provider %q", a.Cfg.STT.Provider)
	}
}

// Run serves until ctx is cancelled or the pipeline ends. The pipeline's
// error is returned; listener failures are returned when nothing else
// failed first.
func (a *Application) Run(ctx context.Context) error {
	a.StartupTime = time.Now().UTC()
	a.Logger.Info().
		Time("startupTime", a.StartupTime).
		Msg("Serial voice ingress service starting")

	lis, err := net.Listen("tcp", ":"+a.Cfg.Service.GRPCPort)
	if err != nil {
		a.source.Close()
		return fmt.Errorf("listen grpc: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.GRPC.SetServing(true)
		defer a.GRPC.SetServing(false)
		return a.Pipeline.Run(gctx)
	})

	g.Go(func() error {
		return a.GRPC.Serve(lis)
	})

	g.Go(func() error {
		a.Logger.Info().Str("addr", a.httpServer.Addr).Msg("HTTP API started")
		if err := a.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http api: %w", err)
		}
		return nil
	})

	a.obs.Start()

	if a.watcher != nil {
		g.Go(func() error { return a.watcher.Run(gctx) })
		g.Go(func() error {
			for {
				select {
				case t := <-a.watcher.Updates():
					a.Pipeline.UpdateTuning(t)
				case <-gctx.Done():
					return nil
				}
			}
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		a.GRPC.Stop()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := a.httpServer.Shutdown(shutdownCtx); err != nil {
			a.Logger.Warn().Err(err).Msg("HTTP API shutdown error")
		}
		if err := a.obs.Shutdown(shutdownCtx); err != nil {
			a.Logger.Warn().Err(err).Msg("Observability server shutdown error")
		}
		return nil
	})

	return g.Wait()
}

// Shutdown waits for in-flight recognitions and releases resources.
func (a *Application) Shutdown() {
	a.Logger.Info().Msg("Serial voice ingress service shutting down")
	if a.Dispatcher != nil {
		a.Dispatcher.Wait()
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.Logger.Warn().Err(err).Msg("Error releasing resource")
		}
	}
}
