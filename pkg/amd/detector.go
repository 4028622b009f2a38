package amd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/harunnryd/callbot/pkg/adapters/stt"
	"github.com/harunnryd/callbot/pkg/configutil"
	"github.com/harunnryd/callbot/pkg/errorsx"
	"github.com/harunnryd/callbot/pkg/metrics"
	"github.com/harunnryd/callbot/pkg/vad"
	"github.com/harunnryd/callbot/pkg/wav"
)

type Config struct {
	Hybrid                bool       `mapstructure:"hybrid"`
	CaptureMaxSeconds     float64    `mapstructure:"capture_max_seconds"`
	CaptureSilenceSeconds float64    `mapstructure:"capture_silence_seconds"`
	MinCaptureBytes       int64      `mapstructure:"min_capture_bytes"`
	SilenceThreshold      float64    `mapstructure:"silence_threshold"`
	Language              string     `mapstructure:"language"`
	Thresholds            Thresholds `mapstructure:"thresholds"`
	VAD                   vad.Config `mapstructure:"vad"`
}

func (c Config) withDefaults() Config {
	if c.CaptureMaxSeconds <= 0 {
		c.CaptureMaxSeconds = 10
	}
	if c.CaptureSilenceSeconds <= 0 {
		c.CaptureSilenceSeconds = 0.6
	}
	if c.MinCaptureBytes <= 0 {
		c.MinCaptureBytes = 1000
	}
	if c.SilenceThreshold <= 0 {
		c.SilenceThreshold = 0.9
	}
	if c.Language == "" {
		c.Language = "fr"
	}
	c.Thresholds = c.Thresholds.withDefaults()
	return c
}

// Recorder captures the callee's greeting and returns the file path.
type Recorder interface {
	RecordWithSilenceDetection(ctx context.Context, channel, name string, maxDuration, silence time.Duration) (string, error)
}

// Stats counts decisions per result and per method.
type Stats struct {
	Total             int            `json:"total"`
	ByResult          map[Result]int `json:"by_result"`
	ByMethod          map[string]int `json:"by_method"`
	BeepDetections    int            `json:"beep_detections"`
	KeywordDetections int            `json:"keyword_detections"`
	AvgAnalysisMS     float64        `json:"avg_analysis_ms"`
}

type Detector struct {
	cfg         Config
	transcriber stt.Transcriber
	observer    metrics.Observer
	log         *slog.Logger

	mu    sync.Mutex
	stats Stats
}

func NewDetector(cfg Config, transcriber stt.Transcriber, observer metrics.Observer, log *slog.Logger) *Detector {
	if log == nil {
		log = slog.Default()
	}
	return &Detector{
		cfg:         cfg.withDefaults(),
		transcriber: transcriber,
		observer:    observer,
		log:         log,
		stats:       Stats{ByResult: map[Result]int{}, ByMethod: map[string]int{}},
	}
}

func (d *Detector) Config() Config { return d.cfg }

// FrameSource yields a frame-level pass over audio captured outside the
// detector, such as the live call stream.
type FrameSource interface {
	GreetingFrames(th Thresholds) (Decision, bool)
}

// Decide interprets the native hint and, in hybrid mode, captures the
// greeting and combines both sides. frames may be nil. It runs once per call.
func (d *Detector) Decide(ctx context.Context, callID, channel, hint string, rec Recorder, frames FrameSource) Decision {
	native := FromNativeHint(hint)
	var acoustic *Decision
	if d.cfg.Hybrid && rec != nil {
		a := d.AnalyzeCapture(ctx, channel, rec)
		acoustic = &a
	}
	if frames != nil {
		if fd, ok := frames.GreetingFrames(d.cfg.Thresholds); ok {
			if acoustic == nil {
				acoustic = &fd
			} else {
				merged := mergeFrames(*acoustic, fd)
				acoustic = &merged
			}
		}
	}
	decision := Combine(native, acoustic)
	d.record(callID, decision)
	return decision
}

// AnalyzeCapture records a short greeting and classifies it from its
// frames and transcript. Any failure inside the pipeline yields HUMAN.
func (d *Detector) AnalyzeCapture(ctx context.Context, channel string, rec Recorder) (decision Decision) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			d.log.Error("amd_capture_panic", "channel", channel, "panic", r)
			decision = Decision{Result: Human, Confidence: 0.5, Method: MethodFallback, Evidence: Evidence{Error: fmt.Sprint(r)}}
		}
		d.observeLatency(time.Since(start))
	}()

	name := "amd_" + channel + "_" + uuid.NewString()[:8]
	path, err := rec.RecordWithSilenceDetection(ctx, channel, name,
		configutil.Seconds(d.cfg.CaptureMaxSeconds), configutil.Seconds(d.cfg.CaptureSilenceSeconds))
	if err != nil {
		err = errorsx.Wrap(err, errorsx.ReasonAMD)
		d.log.Warn("amd_capture_failed", "channel", channel, "error", err)
		return Decision{Result: Human, Confidence: 0.5, Method: MethodFallback, Evidence: Evidence{Error: err.Error()}}
	}
	info, err := os.Stat(path)
	if err != nil || info.Size() < d.cfg.MinCaptureBytes {
		return Decision{Result: NoAnswer, Confidence: 0.5, Method: MethodCapture}
	}

	text := ""
	if d.transcriber != nil {
		tr, err := d.transcriber.Transcribe(ctx, path, d.cfg.Language)
		if err != nil {
			d.log.Warn("amd_transcribe_failed", "channel", channel, "error", errorsx.Wrap(err, errorsx.ReasonTranscribe))
		} else {
			text = tr.Text
		}
	}

	var frames *Decision
	if format, pcm, err := wav.ReadFile(path); err == nil {
		cfg := d.cfg.VAD
		cfg.SampleRate = format.SampleRate
		fd, _ := AnalyzeFrames(vad.New(cfg), pcm, text, d.cfg.Thresholds)
		frames = &fd
	} else {
		d.log.Debug("amd_frames_skipped", "path", path, "error", err)
	}

	if text == "" {
		// Without words only a machine verdict from the frames is trusted.
		if frames != nil && frames.Result == Machine {
			frames.Method = MethodCapture
			return *frames
		}
		return Decision{Result: NoAnswer, Confidence: 0.5, Method: MethodCapture}
	}

	decision = ClassifyTranscript(text)
	if frames != nil {
		decision = mergeFrames(decision, *frames)
	}
	decision.Method = MethodCapture
	return decision
}

// Stats returns a snapshot of the counters.
func (d *Detector) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := d.stats
	out.ByResult = make(map[Result]int, len(d.stats.ByResult))
	for k, v := range d.stats.ByResult {
		out.ByResult[k] = v
	}
	out.ByMethod = make(map[string]int, len(d.stats.ByMethod))
	for k, v := range d.stats.ByMethod {
		out.ByMethod[k] = v
	}
	return out
}

func (d *Detector) record(callID string, dec Decision) {
	d.mu.Lock()
	d.stats.Total++
	d.stats.ByResult[dec.Result]++
	d.stats.ByMethod[dec.Method]++
	if dec.Evidence.Beep {
		d.stats.BeepDetections++
	}
	if len(dec.Evidence.Phrases) > 0 {
		d.stats.KeywordDetections++
	}
	d.mu.Unlock()

	d.log.Info("amd_decision", "call_id", callID, "result", dec.Result, "confidence", dec.Confidence, "method", dec.Method)
	metrics.Record(d.observer, metrics.NewEvent(metrics.EventAMDDecision, callID, dec.Confidence, map[string]any{
		"result": string(dec.Result),
		"method": dec.Method,
		"hint":   dec.Evidence.NativeHint,
	}))
}

func (d *Detector) observeLatency(elapsed time.Duration) {
	ms := float64(elapsed.Microseconds()) / 1000
	d.mu.Lock()
	if d.stats.AvgAnalysisMS == 0 {
		d.stats.AvgAnalysisMS = ms
	} else {
		d.stats.AvgAnalysisMS = d.stats.AvgAnalysisMS*0.9 + ms*0.1
	}
	d.mu.Unlock()
}
