package callbot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/harunnryd/callbot/pkg/amd"
	"github.com/harunnryd/callbot/pkg/ari"
	"github.com/harunnryd/callbot/pkg/assembly"
	"github.com/harunnryd/callbot/pkg/intent"
	"github.com/harunnryd/callbot/pkg/logging"
	"github.com/harunnryd/callbot/pkg/metrics"
	"github.com/harunnryd/callbot/pkg/observers"
	"github.com/harunnryd/callbot/pkg/provenance"
	"github.com/harunnryd/callbot/pkg/queue"
	"github.com/harunnryd/callbot/pkg/redact"
	"github.com/harunnryd/callbot/pkg/runner"
	"github.com/harunnryd/callbot/pkg/scenario"
	"github.com/harunnryd/callbot/pkg/sentiment"
	"github.com/harunnryd/callbot/pkg/store"
	"github.com/harunnryd/callbot/pkg/streaming"
	"github.com/harunnryd/callbot/pkg/supervisor"
	"github.com/harunnryd/callbot/pkg/transports/twilio"
)

// Engine owns every service of a running bot. Nothing is global; each
// collaborator is built here and injected where it is used.
type Engine struct {
	cfg Config
	log *slog.Logger

	ari        *ari.Client
	events     *ari.EventClient
	store      store.Store
	tracker    *provenance.Tracker
	intents    *intent.Engine
	detector   *amd.Detector
	handler    *CallHandler
	supervisor *supervisor.Supervisor
	streaming  *streaming.Server
	launcher   queue.Launcher
	voice      *twilio.VoiceHandler

	observer   metrics.Observer
	asyncObs   *metrics.AsyncObserver
	timeline   *observers.TimelineObserver
	eventsFile *os.File
	closeOnce  sync.Once
}

type EngineOptions struct {
	Config    Config
	Providers *ProviderRegistry
	// Store overrides the configured persistence driver.
	Store      store.Store
	HTTPClient *http.Client
	// Launcher overrides the configured launcher provider.
	Launcher queue.Launcher
}

func NewEngine(ctx context.Context, opts EngineOptions) (*Engine, error) {
	cfg := opts.Config
	base := logging.Setup(cfg.LogLevel, cfg.LogFormat)
	redact.SetEnabled(cfg.Privacy.RedactPII)

	base.Info("callbot_init",
		"transcriber", cfg.Vendors.Transcriber.Provider,
		"intent", cfg.Vendors.Intent.Provider,
		"streaming", cfg.Streaming.Enabled,
		"launcher", cfg.Launcher.Provider,
		"persistence", cfg.Persistence.Driver,
	)

	e := &Engine{cfg: cfg, log: logging.NewComponentLogger(base, "engine")}
	if err := e.buildObservers(base); err != nil {
		return nil, err
	}

	providers := opts.Providers
	if providers == nil {
		providers = DefaultProviders()
	}
	transcriber, err := providers.BuildTranscriber(cfg.Vendors.Transcriber)
	if err != nil {
		e.Close()
		return nil, err
	}
	classifier, err := providers.BuildIntent(cfg.Vendors.Intent)
	if err != nil {
		e.Close()
		return nil, err
	}

	library := scenario.NewLibrary(cfg.Scenarios.Default)
	if err := library.Load(cfg.Scenarios.Files...); err != nil {
		e.Close()
		return nil, fmt.Errorf("load scenarios: %w", err)
	}

	e.store = opts.Store
	if e.store == nil {
		st, err := store.Open(ctx, cfg.Persistence)
		if err != nil {
			e.Close()
			return nil, fmt.Errorf("open store: %w", err)
		}
		e.store = st
	}

	e.ari = ari.NewClient(cfg.ARI, opts.HTTPClient)
	e.tracker = provenance.NewTracker()
	e.intents = intent.NewEngine(classifier, cfg.Intent)
	e.detector = amd.NewDetector(cfg.AMD, transcriber, e.observer, base)
	classifierSentiment := sentiment.NewKeywordClassifier()

	if cfg.Streaming.Enabled {
		recognizers, err := providers.BuildRecognizer(cfg.Vendors.Recognizer)
		if err != nil {
			e.Close()
			return nil, err
		}
		e.streaming = streaming.NewServer(cfg.Streaming.Config, recognizers, streaming.SessionDeps{
			Stopper:  e.ari,
			Engine:   e.intents,
			Observer: e.observer,
			Logger:   base,
		})
	}

	e.handler = NewCallHandler(cfg.Audio, HandlerDeps{
		Commands:    e.ari,
		Store:       e.store,
		Tracker:     e.tracker,
		Transcriber: transcriber,
		Sentiment:   classifierSentiment,
		Intents:     e.intents,
		AMD:         e.detector,
		Scenarios:   library,
		Streaming:   e.streaming,
		Observer:    e.observer,
		Logger:      base,
	})

	supCfg := cfg.Supervisor
	if supCfg.DefaultScenario == "" {
		supCfg.DefaultScenario = library.Default()
	}
	e.supervisor = supervisor.New(supCfg, supervisor.Deps{
		Handler:     e.handler,
		Hangup:      e.ari,
		Store:       e.store,
		Tracker:     e.tracker,
		Assembler:   assembly.NewSoxAssembler(cfg.Assembly),
		Transcripts: assembly.NewFileTranscripts(cfg.Assembly.TranscriptsDir, cfg.Audio.PromptTexts, cfg.Audio.PromptDurations),
		Observer:    e.observer,
		Logger:      base,
	})
	e.events = ari.NewEventClient(cfg.ARI, e.supervisor)

	e.launcher = opts.Launcher
	if e.launcher == nil {
		switch strings.ToLower(strings.TrimSpace(cfg.Launcher.Provider)) {
		case LauncherTwilio:
			e.launcher = twilio.NewDialer(cfg.Launcher.Twilio)
			e.voice = twilio.NewVoiceHandler(cfg.Launcher.Twilio)
		default:
			e.launcher = queue.NewARILauncher(cfg.Launcher.ARI, e.ari)
		}
	}
	return e, nil
}

func (e *Engine) buildObservers(base *slog.Logger) error {
	obs := e.cfg.Observability
	list := []metrics.Observer{
		observers.NewLatencyObserver(base, observers.DefaultTargets()),
		observers.NewLoggerObserver(base),
	}
	if dir := strings.TrimSpace(obs.ArtifactsDir); dir != "" {
		if obs.RetentionDays > 0 {
			n, err := observers.PurgeArtifacts(dir, time.Duration(obs.RetentionDays)*24*time.Hour, "*.jsonl", "*.wav")
			if err != nil {
				e.log.Warn("artifact_purge_failed", "dir", dir, "error", err.Error())
			} else if n > 0 {
				e.log.Info("artifacts_purged", "dir", dir, "removed", n)
			}
		}
		e.timeline = observers.NewTimelineObserver(dir)
		list = append(list, e.timeline)
	}
	if path := strings.TrimSpace(obs.EventsFile); path != "" {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return fmt.Errorf("open events file: %w", err)
		}
		e.eventsFile = f
		list = append(list, metrics.NewJSONLObserver(f))
	}
	var inner metrics.Observer = observers.NewMultiObserver(list...)
	if obs.SampleRate > 0 && obs.SampleRate < 1 {
		inner = metrics.NewSamplingObserver(inner, obs.SampleRate)
	}
	buffer := obs.BufferSize
	if buffer <= 0 {
		buffer = 2048
	}
	e.asyncObs = metrics.NewAsyncObserver(inner, buffer)
	e.observer = e.asyncObs
	return nil
}

func (e *Engine) Config() Config                     { return e.cfg }
func (e *Engine) Store() store.Store                 { return e.store }
func (e *Engine) Supervisor() *supervisor.Supervisor { return e.supervisor }
func (e *Engine) Handler() *CallHandler              { return e.handler }
func (e *Engine) Launcher() queue.Launcher           { return e.launcher }

// Serve runs the event client, the audio stream server and, for Twilio
// launches, the voice webhook until ctx is canceled. In-flight calls are
// drained before it returns.
func (e *Engine) Serve(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		wg          sync.WaitGroup
		voiceServer *http.Server
	)
	hooks := runner.Hooks{
		Mode: "serve",
		OnStart: func() {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if err := e.events.Run(runCtx); err != nil {
					e.log.Error("ari_events_stopped", "error", err.Error())
				}
			}()
			if e.streaming != nil {
				if err := e.streaming.Start(runCtx); err != nil {
					e.log.Error("streaming_start_failed", "error", err.Error())
				}
			}
			if e.voice != nil {
				voiceServer = e.startVoiceServer()
			}
			e.log.Info("engine_ready",
				"message", "Callbot Engine Ready",
				"ari_app", e.cfg.ARI.App,
				"streaming", e.streaming != nil,
				"launcher", e.cfg.Launcher.Provider,
			)
		},
		OnStop: func() {
			e.Close()
			e.log.Info("shutdown", "goroutines", runtime.NumGoroutine(), "active_calls", e.supervisor.Count())
		},
	}
	stages := []runner.Stage{
		{Name: "ingress", Drain: func(context.Context) error {
			e.events.Stop()
			cancel()
			wg.Wait()
			return nil
		}},
		runner.DrainStage("calls", e.supervisor),
		{Name: "servers", Drain: func(context.Context) error {
			var err error
			if e.streaming != nil {
				err = e.streaming.Stop()
			}
			if voiceServer != nil {
				err = errors.Join(err, voiceServer.Close())
			}
			return err
		}},
	}
	lr := runner.NewLifecycleRunner(stages, hooks, e.drainTimeout())
	return lr.Run(ctx)
}

// RunBatch feeds the call queue through the throttler until ctx is canceled.
func (e *Engine) RunBatch(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	throttler := queue.NewThrottler(e.cfg.Queue, e.store, e.launcher, e.observer)
	done := make(chan struct{})
	hooks := runner.Hooks{
		Mode: "batch",
		OnStart: func() {
			go func() {
				defer close(done)
				if err := throttler.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
					e.log.Error("throttler_stopped", "error", err.Error())
				}
			}()
			e.log.Info("engine_ready", "message", "Callbot Batch Ready", "max_concurrent", e.cfg.Queue.MaxConcurrent)
		},
		OnStop: func() {
			e.Close()
		},
	}
	stages := []runner.Stage{
		{Name: "queue", Drain: func(ctx context.Context) error {
			cancel()
			select {
			case <-done:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		}},
	}
	lr := runner.NewLifecycleRunner(stages, hooks, e.drainTimeout())
	return lr.Run(ctx)
}

// Launch places a single outbound call outside the queue.
func (e *Engine) Launch(ctx context.Context, phone, scenarioName, campaignID string) (string, error) {
	return e.launcher.Launch(ctx, queue.LaunchRequest{Phone: phone, Scenario: scenarioName, CampaignID: campaignID})
}

func (e *Engine) startVoiceServer() *http.Server {
	mux := http.NewServeMux()
	mux.Handle(e.voice.Path(), e.voice)
	srv := &http.Server{
		Addr:              e.cfg.Launcher.Twilio.ServerAddr,
		ReadHeaderTimeout: 5 * time.Second,
		Handler:           mux,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			e.log.Error("voice_server_error", "error", err.Error())
		}
	}()
	e.log.Info("voice_server_started", "addr", srv.Addr, "path", e.voice.Path())
	return srv
}

func (e *Engine) drainTimeout() time.Duration {
	timeout := time.Duration(e.cfg.Supervisor.FinalizeTimeoutMS)*time.Millisecond + 30*time.Second
	if timeout < 30*time.Second {
		timeout = 30 * time.Second
	}
	return timeout
}

// Close flushes observers and releases the store. It is safe to call twice.
func (e *Engine) Close() {
	e.closeOnce.Do(func() {
		if e.asyncObs != nil {
			e.asyncObs.Close()
		}
		if e.timeline != nil {
			_ = e.timeline.Close()
		}
		if e.eventsFile != nil {
			_ = e.eventsFile.Close()
		}
		if e.store != nil {
			if err := e.store.Close(); err != nil {
				e.log.Warn("store_close_failed", "error", err.Error())
			}
		}
	})
}
