package amd

import (
	"context"
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harunnryd/callbot/pkg/metrics"
	"github.com/harunnryd/callbot/pkg/providers/mock"
	"github.com/harunnryd/callbot/pkg/vad"
	"github.com/harunnryd/callbot/pkg/wav"
)

const rate = 16000

func tone(freq float64, d time.Duration) []int16 {
	n := int(d.Seconds() * rate)
	out := make([]int16, n)
	for i := range out {
		out[i] = int16(10000 * math.Sin(2*math.Pi*freq*float64(i)/rate))
	}
	return out
}

func quiet(d time.Duration) []int16 {
	return make([]int16, int(d.Seconds()*rate))
}

func pcmOf(parts ...[]int16) []byte {
	var all []int16
	for _, p := range parts {
		all = append(all, p...)
	}
	return wav.PCM(all)
}

func TestFromNativeHint(t *testing.T) {
	cases := []struct {
		hint   string
		result Result
		conf   float64
		method string
	}{
		{"HUMAN", Human, 0.8, MethodNative},
		{"MACHINE", Machine, 0.9, MethodNative},
		{"NOTSURE", NotSure, 0.5, MethodNative},
		{"UNKNOWN", NotSure, 0, MethodNativeUnknown},
		{"", NotSure, 0, MethodNativeUnknown},
	}
	for _, tc := range cases {
		d := FromNativeHint(tc.hint)
		assert.Equal(t, tc.result, d.Result, tc.hint)
		assert.InDelta(t, tc.conf, d.Confidence, 1e-9, tc.hint)
		assert.Equal(t, tc.method, d.Method, tc.hint)
		assert.Equal(t, d, FromNativeHint(tc.hint), "native mapping must be deterministic")
	}
}

func TestClassifyTranscript(t *testing.T) {
	vm := ClassifyTranscript("Bonjour, vous êtes bien sur la messagerie de Paul, laissez un message après le bip")
	require.Equal(t, Machine, vm.Result)
	assert.GreaterOrEqual(t, vm.Confidence, 0.85)
	assert.LessOrEqual(t, vm.Confidence, 0.95)
	assert.NotEmpty(t, vm.Evidence.Phrases)

	one := ClassifyTranscript("répondeur")
	assert.Equal(t, Machine, one.Result)
	assert.InDelta(t, 0.85, one.Confidence, 1e-9)

	cases := []struct {
		text   string
		result Result
		conf   float64
	}{
		{"Allô ?", Human, 0.8},
		{"oui bonjour", Human, 0.8},
		{"bonjour madame", Human, 0.75},
		{"nous sommes fermés le dimanche, revenez demain.", Machine, 0.7},
		{"je cherche mon chien dans le jardin maintenant", Human, 0.55},
		{"je suis en train de préparer le dîner pour toute la famille ce soir avec mes enfants", Machine, 0.8},
	}
	for _, tc := range cases {
		d := ClassifyTranscript(tc.text)
		assert.Equal(t, tc.result, d.Result, tc.text)
		assert.InDelta(t, tc.conf, d.Confidence, 1e-9, tc.text)
	}
}

func TestAnalyzeFrames(t *testing.T) {
	det := vad.New(vad.Config{SampleRate: rate})
	th := DefaultThresholds()

	beep, stats := AnalyzeFrames(det, pcmOf(tone(1000, 200*time.Millisecond)), "", th)
	assert.True(t, stats.Beep)
	assert.Equal(t, Machine, beep.Result)
	assert.InDelta(t, 0.95, beep.Confidence, 1e-9)

	long, _ := AnalyzeFrames(det, pcmOf(tone(300, 3500*time.Millisecond)), "", th)
	assert.Equal(t, Machine, long.Result)
	assert.InDelta(t, 0.87, long.Confidence, 1e-6)

	short, stats := AnalyzeFrames(det, pcmOf(
		tone(300, 600*time.Millisecond), quiet(600*time.Millisecond), tone(300, 600*time.Millisecond),
	), "", th)
	assert.Equal(t, Human, short.Result)
	assert.InDelta(t, 0.81, short.Confidence, 1e-6)
	assert.Len(t, stats.Segments, 2)

	silent, _ := AnalyzeFrames(det, pcmOf(quiet(time.Second)), "", th)
	assert.Equal(t, NotSure, silent.Result)
	assert.InDelta(t, 0.3, silent.Confidence, 1e-9)

	kw, _ := AnalyzeFrames(det, pcmOf(quiet(time.Second)), "Laissez un message", th)
	assert.Equal(t, Machine, kw.Result)
	assert.InDelta(t, 0.9, kw.Confidence, 1e-9)
}

func TestCombine(t *testing.T) {
	human := FromNativeHint("HUMAN")
	machine := FromNativeHint("MACHINE")

	assert.Equal(t, human, Combine(human, nil))

	cases := []struct {
		name     string
		native   Decision
		acoustic Decision
		want     Result
		conf     float64
	}{
		{"agreement keeps max", human, Decision{Result: Human, Confidence: 0.81}, Human, 0.81},
		{"confident acoustic wins", human, Decision{Result: Machine, Confidence: 0.95}, Machine, 0.95},
		{"native machine over acoustic human", machine, Decision{Result: Human, Confidence: 0.75}, Machine, 0.9},
		{"acoustic machine over native human", human, Decision{Result: Machine, Confidence: 0.75}, Machine, 0.75},
		{"higher confidence", human, Decision{Result: NotSure, Confidence: 0.3}, Human, 0.8},
	}
	for _, tc := range cases {
		got := Combine(tc.native, &tc.acoustic)
		assert.Equal(t, tc.want, got.Result, tc.name)
		assert.InDelta(t, tc.conf, got.Confidence, 1e-9, tc.name)
		assert.Equal(t, MethodHybrid, got.Method, tc.name)
	}
}

type stubRecorder struct {
	dir   string
	pcm   []byte
	raw   []byte
	err   error
	panic bool
}

func (s *stubRecorder) RecordWithSilenceDetection(ctx context.Context, channel, name string, maxDuration, silence time.Duration) (string, error) {
	if s.panic {
		panic("recorder exploded")
	}
	if s.err != nil {
		return "", s.err
	}
	path := filepath.Join(s.dir, name+".wav")
	if s.raw != nil {
		return path, os.WriteFile(path, s.raw, 0o644)
	}
	return path, wav.WriteFile(path, wav.Mono16(rate), s.pcm)
}

func TestAnalyzeCapture(t *testing.T) {
	dir := t.TempDir()
	speech := pcmOf(tone(300, 800*time.Millisecond), quiet(400*time.Millisecond))

	tr := mock.NewTranscriber(nil)
	tr.Default = "Vous êtes bien sur le répondeur, laissez un message"
	det := NewDetector(Config{Hybrid: true}, tr, nil, nil)

	got := det.AnalyzeCapture(context.Background(), "chan-1", &stubRecorder{dir: dir, pcm: speech})
	assert.Equal(t, Machine, got.Result)
	assert.Equal(t, MethodCapture, got.Method)

	small := det.AnalyzeCapture(context.Background(), "chan-1", &stubRecorder{dir: dir, raw: make([]byte, 100)})
	assert.Equal(t, NoAnswer, small.Result)

	tr.Default = ""
	empty := det.AnalyzeCapture(context.Background(), "chan-1", &stubRecorder{dir: dir, pcm: speech})
	assert.Equal(t, NoAnswer, empty.Result)

	tr.Err = errors.New("asr down")
	beep := det.AnalyzeCapture(context.Background(), "chan-1", &stubRecorder{dir: dir, pcm: pcmOf(tone(1000, 300*time.Millisecond))})
	assert.Equal(t, Machine, beep.Result)
	assert.InDelta(t, 0.95, beep.Confidence, 1e-9)

	failed := det.AnalyzeCapture(context.Background(), "chan-1", &stubRecorder{err: errors.New("record refused")})
	assert.Equal(t, Human, failed.Result)
	assert.Equal(t, MethodFallback, failed.Method)

	panicked := det.AnalyzeCapture(context.Background(), "chan-1", &stubRecorder{panic: true})
	assert.Equal(t, Human, panicked.Result)
}

func TestAnalyzeCaptureWeighsFrames(t *testing.T) {
	dir := t.TempDir()
	tr := mock.NewTranscriber(nil)
	det := NewDetector(Config{Hybrid: true}, tr, nil, nil)

	tr.Default = "allô"
	long := det.AnalyzeCapture(context.Background(), "chan-1", &stubRecorder{dir: dir, pcm: pcmOf(tone(300, 6*time.Second))})
	assert.Equal(t, Machine, long.Result)
	assert.InDelta(t, 0.95, long.Confidence, 1e-9)
	assert.Equal(t, MethodCapture, long.Method)
	assert.InDelta(t, 6.0, long.Evidence.LongestSeconds, 0.05)
	assert.Equal(t, "allô", long.Evidence.Transcript)

	tr.Default = "vous avez joint le cabinet, merci d'avoir appelé"
	short := det.AnalyzeCapture(context.Background(), "chan-1", &stubRecorder{dir: dir, pcm: pcmOf(tone(300, 600*time.Millisecond), quiet(400*time.Millisecond))})
	assert.Equal(t, Machine, short.Result)
	assert.NotEmpty(t, short.Evidence.Phrases)

	tr.Default = ""
	tr.Err = errors.New("asr down")
	silentASR := det.AnalyzeCapture(context.Background(), "chan-1", &stubRecorder{dir: dir, pcm: pcmOf(tone(300, 4*time.Second))})
	assert.Equal(t, Machine, silentASR.Result)
}

type staticFrames struct {
	d  Decision
	ok bool
}

func (s staticFrames) GreetingFrames(Thresholds) (Decision, bool) { return s.d, s.ok }

func TestDecideUsesStreamFrames(t *testing.T) {
	det := NewDetector(Config{}, nil, nil, nil)

	stream := staticFrames{d: Decision{Result: Machine, Confidence: 0.95, Method: MethodFrames}, ok: true}
	got := det.Decide(context.Background(), "call-1", "chan-1", "HUMAN", nil, stream)
	assert.Equal(t, Machine, got.Result)
	assert.Equal(t, MethodHybrid, got.Method)
	assert.Equal(t, "HUMAN", got.Evidence.NativeHint)

	got = det.Decide(context.Background(), "call-2", "chan-2", "HUMAN", nil, staticFrames{})
	assert.Equal(t, Human, got.Result)
	assert.Equal(t, MethodNative, got.Method)
}

func TestDecideRecordsStats(t *testing.T) {
	obs := metrics.NewMemoryObserver()
	det := NewDetector(Config{}, nil, obs, nil)

	d := det.Decide(context.Background(), "call-1", "chan-1", "MACHINE", nil, nil)
	assert.Equal(t, Machine, d.Result)
	det.Decide(context.Background(), "call-2", "chan-2", "HUMAN", nil, nil)

	stats := det.Stats()
	assert.Equal(t, 2, stats.Total)
	assert.Equal(t, 1, stats.ByResult[Machine])
	assert.Equal(t, 2, stats.ByMethod[MethodNative])
	events := obs.Named(metrics.EventAMDDecision)
	require.Len(t, events, 2)
	assert.Equal(t, "call-1", events[0].Tags[metrics.TagCallID])
}
