// Package assembly rebuilds the full conversation audio and transcript of a
// call from its provenance ledger.
package assembly

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"time"

	"github.com/harunnryd/callbot/pkg/errorsx"
	"github.com/harunnryd/callbot/pkg/logging"
	"github.com/harunnryd/callbot/pkg/provenance"
	"github.com/harunnryd/callbot/pkg/wav"
)

type Config struct {
	SoundsDir      string  `mapstructure:"sounds_dir"`
	RecordingsDir  string  `mapstructure:"recordings_dir"`
	OutputDir      string  `mapstructure:"output_dir"`
	TranscriptsDir string  `mapstructure:"transcripts_dir"`
	SoxPath        string  `mapstructure:"sox_path"`
	ClientGainDB   float64 `mapstructure:"client_gain_db"`
	GapSeconds     float64 `mapstructure:"gap_seconds"`
	SampleRate     int     `mapstructure:"sample_rate"`
	TimeoutS       int     `mapstructure:"timeout_s"`
}

func (c Config) withDefaults() Config {
	if c.SoundsDir == "" {
		c.SoundsDir = "/var/lib/asterisk/sounds/minibot"
	}
	if c.RecordingsDir == "" {
		c.RecordingsDir = "/var/spool/asterisk/recording"
	}
	if c.OutputDir == "" {
		c.OutputDir = "assembled_audio"
	}
	if c.TranscriptsDir == "" {
		c.TranscriptsDir = "transcripts"
	}
	if c.SoxPath == "" {
		c.SoxPath = "sox"
	}
	if c.ClientGainDB == 0 {
		c.ClientGainDB = 12
	}
	if c.GapSeconds <= 0 {
		c.GapSeconds = 0.4
	}
	if c.SampleRate <= 0 {
		c.SampleRate = 8000
	}
	if c.TimeoutS <= 0 {
		c.TimeoutS = 120
	}
	return c
}

// Assembler joins a call's segments into one file and returns its path.
type Assembler interface {
	Assemble(ctx context.Context, callID string, segs []provenance.Segment) (string, error)
}

// ErrNoAudio is returned when none of the segments resolved to a file.
var ErrNoAudio = errors.New("assembly: no audio segments found")

type commandRunner func(ctx context.Context, name string, args ...string) ([]byte, error)

func execRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

// SoxAssembler amplifies client answers, separates segments with a short
// pause and concatenates everything with sox. Without a sox binary it
// falls back to joining the PCM16 files itself.
type SoxAssembler struct {
	cfg  Config
	run  commandRunner
	look func(string) (string, error)
	log  *slog.Logger
}

func NewSoxAssembler(cfg Config) *SoxAssembler {
	return &SoxAssembler{
		cfg:  cfg.withDefaults(),
		run:  execRunner,
		look: exec.LookPath,
		log:  logging.NewComponentLogger(slog.Default(), "assembly"),
	}
}

// OutputPath is where the assembled file for callID is written.
func (a *SoxAssembler) OutputPath(callID string) string {
	return filepath.Join(a.cfg.OutputDir, "full_call_assembled_"+callID+".wav")
}

type source struct {
	path   string
	client bool
}

func (a *SoxAssembler) Assemble(ctx context.Context, callID string, segs []provenance.Segment) (string, error) {
	srcs := a.resolve(segs)
	if len(srcs) == 0 {
		return "", errorsx.Wrap(ErrNoAudio, errorsx.ReasonAssembly)
	}
	if err := os.MkdirAll(a.cfg.OutputDir, 0o755); err != nil {
		return "", errorsx.Wrap(fmt.Errorf("create output dir: %w", err), errorsx.ReasonAssembly)
	}
	ctx, cancel := context.WithTimeout(ctx, time.Duration(a.cfg.TimeoutS)*time.Second)
	defer cancel()

	out := a.OutputPath(callID)
	var err error
	if _, lookErr := a.look(a.cfg.SoxPath); lookErr != nil {
		a.log.Info("sox_unavailable_native_join", "call_id", callID, "error", lookErr.Error())
		err = a.joinNative(srcs, out)
	} else {
		err = a.joinSox(ctx, callID, srcs, out)
	}
	if err != nil {
		return "", errorsx.Wrap(err, errorsx.ReasonAssembly)
	}
	a.log.Info("call_audio_assembled", "call_id", callID, "segments", len(srcs), "path", out)
	return out, nil
}

func (a *SoxAssembler) resolve(segs []provenance.Segment) []source {
	out := make([]source, 0, len(segs))
	for _, seg := range segs {
		var path string
		switch seg.Role {
		case provenance.RoleBot:
			path = filepath.Join(a.cfg.SoundsDir, seg.File)
		case provenance.RoleClient:
			path = filepath.Join(a.cfg.RecordingsDir, seg.File)
		default:
			continue
		}
		if _, err := os.Stat(path); err != nil {
			a.log.Warn("segment_missing", "role", string(seg.Role), "path", path)
			continue
		}
		out = append(out, source{path: path, client: seg.Role == provenance.RoleClient})
	}
	return out
}

func (a *SoxAssembler) joinSox(ctx context.Context, callID string, srcs []source, out string) error {
	var temps []string
	defer func() {
		for _, p := range temps {
			_ = os.Remove(p)
		}
	}()
	gain := strconv.FormatFloat(a.cfg.ClientGainDB, 'f', -1, 64) + "dB"
	files := make([]string, 0, len(srcs))
	for i, src := range srcs {
		if !src.client {
			files = append(files, src.path)
			continue
		}
		amplified := filepath.Join(a.cfg.OutputDir, fmt.Sprintf("temp_amplified_%d_%s", i, filepath.Base(src.path)))
		if output, err := a.run(ctx, a.cfg.SoxPath, src.path, amplified, "vol", gain); err != nil {
			a.log.Warn("client_amplify_failed", "call_id", callID, "path", src.path, "error", err.Error(), "output", string(output))
			files = append(files, src.path)
			continue
		}
		temps = append(temps, amplified)
		files = append(files, amplified)
	}

	silence := filepath.Join(a.cfg.OutputDir, "temp_silence_"+callID+".wav")
	gap := strconv.FormatFloat(a.cfg.GapSeconds, 'f', -1, 64)
	if output, err := a.run(ctx, a.cfg.SoxPath, "-n", "-r", strconv.Itoa(a.cfg.SampleRate), "-c", "1", silence, "trim", "0.0", gap); err != nil {
		return fmt.Errorf("sox silence: %w: %s", err, output)
	}
	temps = append(temps, silence)

	args := make([]string, 0, 2*len(files))
	for i, f := range files {
		if i > 0 {
			args = append(args, silence)
		}
		args = append(args, f)
	}
	args = append(args, out)
	if output, err := a.run(ctx, a.cfg.SoxPath, args...); err != nil {
		return fmt.Errorf("sox concat: %w: %s", err, output)
	}
	return nil
}

// joinNative concatenates PCM16 mono files of one sample rate, applying the
// client gain with clipping. Files in another format are skipped.
func (a *SoxAssembler) joinNative(srcs []source, out string) error {
	format := wav.Mono16(a.cfg.SampleRate)
	gain := math.Pow(10, a.cfg.ClientGainDB/20)
	gap := wav.Silence(format, time.Duration(a.cfg.GapSeconds*float64(time.Second)))
	var pcm []byte
	joined := 0
	for _, src := range srcs {
		f, data, err := wav.ReadFile(src.path)
		if err != nil {
			a.log.Warn("segment_unreadable", "path", src.path, "error", err.Error())
			continue
		}
		if f != format {
			a.log.Warn("segment_format_mismatch", "path", src.path, "rate", f.SampleRate, "channels", f.Channels, "bits", f.BitsPerSample)
			continue
		}
		if src.client {
			data = amplify(data, gain)
		}
		if joined > 0 {
			pcm = append(pcm, gap...)
		}
		pcm = append(pcm, data...)
		joined++
	}
	if joined == 0 {
		return ErrNoAudio
	}
	return wav.WriteFile(out, format, pcm)
}

func amplify(pcm []byte, gain float64) []byte {
	samples := wav.Samples(pcm)
	for i, s := range samples {
		v := float64(s) * gain
		switch {
		case v > math.MaxInt16:
			v = math.MaxInt16
		case v < math.MinInt16:
			v = math.MinInt16
		}
		samples[i] = int16(v)
	}
	return wav.PCM(samples)
}

var _ Assembler = (*SoxAssembler)(nil)
