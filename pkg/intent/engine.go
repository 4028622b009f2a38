package intent

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/harunnryd/callbot/pkg/errorsx"
	"github.com/harunnryd/callbot/pkg/logging"
	"github.com/harunnryd/callbot/pkg/resilience"
)

type EngineConfig struct {
	TimeoutMS        int `mapstructure:"timeout_ms"`
	TargetLatencyMS  int `mapstructure:"target_latency_ms"`
	BreakerThreshold int `mapstructure:"breaker_threshold"`
	BreakerCooldownS int `mapstructure:"breaker_cooldown_s"`
}

func (c EngineConfig) withDefaults() EngineConfig {
	if c.TimeoutMS <= 0 {
		c.TimeoutMS = 10000
	}
	if c.TargetLatencyMS <= 0 {
		c.TargetLatencyMS = 600
	}
	if c.BreakerThreshold <= 0 {
		c.BreakerThreshold = 3
	}
	if c.BreakerCooldownS <= 0 {
		c.BreakerCooldownS = 30
	}
	return c
}

// Stats summarizes engine usage.
type Stats struct {
	Total          int64
	PrimarySuccess int64
	FallbackUsed   int64
	AvgLatencyMS   float64
	PrimaryName    string
}

// Engine tries the primary classifier and falls back to keywords when it is
// missing, failing or behind an open breaker. It never returns an error.
type Engine struct {
	cfg      EngineConfig
	primary  Classifier
	fallback *KeywordClassifier
	breaker  *resilience.CircuitBreaker
	logger   *slog.Logger

	mu    sync.Mutex
	stats Stats
}

func NewEngine(primary Classifier, cfg EngineConfig) *Engine {
	cfg = cfg.withDefaults()
	e := &Engine{
		cfg:      cfg,
		primary:  primary,
		fallback: NewKeywordClassifier(),
		breaker:  resilience.NewCircuitBreaker(cfg.BreakerThreshold, time.Duration(cfg.BreakerCooldownS)*time.Second).WithTrip(resilience.AnyError),
		logger:   logging.NewComponentLogger(slog.Default(), "intent_engine"),
	}
	if primary != nil {
		e.stats.PrimaryName = primary.Name()
	}
	return e
}

func (e *Engine) Classify(ctx context.Context, text string, c Context) Result {
	start := time.Now()
	e.mu.Lock()
	e.stats.Total++
	e.mu.Unlock()

	clean := CleanText(text)
	if clean == "" {
		return Result{Intent: Unsure, Confidence: 0, Method: "empty_text"}
	}

	if e.primary != nil && e.breaker.Allow() {
		res, err := e.callPrimary(ctx, clean, c)
		if err == nil {
			res.Latency = time.Since(start)
			if res.Method == "" {
				res.Method = e.primary.Name()
			}
			if res.Metadata == nil {
				res.Metadata = map[string]any{}
			}
			res.Metadata["meets_target"] = res.Latency < time.Duration(e.cfg.TargetLatencyMS)*time.Millisecond
			e.breaker.OnSuccess()
			e.recordPrimary(res.Latency)
			return res
		}
		if e.breaker.OnError(err) {
			e.logger.Warn("intent_breaker_open", "classifier", e.primary.Name(), "cooldown_s", e.cfg.BreakerCooldownS)
		}
		e.logger.Warn("intent_primary_failed", "classifier", e.primary.Name(), "error", errorsx.Wrap(err, errorsx.ReasonIntent).Error())
	} else if e.primary != nil {
		e.logger.Debug("intent_primary_skipped", "reason", string(errorsx.ReasonIntentCircuitOpen))
	}

	res := e.fallback.Match(clean)
	res.Latency = time.Since(start)
	e.mu.Lock()
	e.stats.FallbackUsed++
	e.mu.Unlock()
	return res
}

func (e *Engine) callPrimary(ctx context.Context, text string, c Context) (Result, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, time.Duration(e.cfg.TimeoutMS)*time.Millisecond)
	defer cancel()
	return e.primary.Classify(ctx, text, c)
}

func (e *Engine) recordPrimary(latency time.Duration) {
	ms := float64(latency) / float64(time.Millisecond)
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stats.PrimarySuccess++
	if e.stats.PrimarySuccess == 1 {
		e.stats.AvgLatencyMS = ms
	} else {
		e.stats.AvgLatencyMS = e.stats.AvgLatencyMS*0.9 + ms*0.1
	}
}

func (e *Engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stats
}
