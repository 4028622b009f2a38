package audio

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/harunnryd/callbot/pkg/ari"
	"github.com/harunnryd/callbot/pkg/provenance"
	"github.com/harunnryd/callbot/pkg/providers/mock"
	"github.com/harunnryd/callbot/pkg/sentiment"
	"github.com/harunnryd/callbot/pkg/wav"
)

type fakeARI struct {
	mu       sync.Mutex
	dir      string
	playDur  time.Duration
	endAfter time.Duration
	pcm      []byte

	media      []string
	playAt     map[string]time.Time
	recAt      map[string]time.Time
	stopped    map[string]bool
	stopCalled int
}

func newFakeARI(dir string) *fakeARI {
	return &fakeARI{
		dir:     dir,
		pcm:     wav.Silence(wav.Mono16(16000), time.Second),
		playAt:  map[string]time.Time{},
		recAt:   map[string]time.Time{},
		stopped: map[string]bool{},
	}
}

func (f *fakeARI) Play(ctx context.Context, channelID, media, playbackID string) (ari.Playback, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.media = append(f.media, media)
	f.playAt[playbackID] = time.Now()
	return ari.Playback{ID: playbackID, MediaURI: media}, nil
}

func (f *fakeARI) PlaybackExists(ctx context.Context, playbackID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return time.Since(f.playAt[playbackID]) < f.playDur, nil
}

func (f *fakeARI) Record(ctx context.Context, channelID string, opts ari.RecordOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.recAt[opts.Name] = time.Now()
	return wav.WriteFile(filepath.Join(f.dir, opts.Name+".wav"), wav.Mono16(16000), f.pcm)
}

func (f *fakeARI) LiveRecordingExists(ctx context.Context, name string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.stopped[name] {
		return false, nil
	}
	return f.endAfter == 0 || time.Since(f.recAt[name]) < f.endAfter, nil
}

func (f *fakeARI) StopRecording(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped[name] = true
	f.stopCalled++
	return nil
}

func (f *fakeARI) firstPlay() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, at := range f.playAt {
		return at
	}
	return time.Time{}
}

func fastConfig(dir string) Config {
	return Config{
		RecordingsDir: dir,
		Listen: ListenConfig{
			PlaybackPollMS:    5,
			PlaybackMaxWaitMS: 2000,
			PlaybackSettleMS:  1,
			RecordPollMS:      5,
			GraceMS:           20,
			StopSettleMS:      1,
		},
	}
}

func TestPlayWaitsForCompletion(t *testing.T) {
	dir := t.TempDir()
	fake := newFakeARI(dir)
	fake.playDur = 30 * time.Millisecond
	tracker := provenance.NewTracker()
	io := New("call-1", fastConfig(dir), Deps{Commands: fake, Tracker: tracker})

	start := time.Now()
	if err := io.Play(context.Background(), "chan-1", "hello.wav"); err != nil {
		t.Fatalf("play: %v", err)
	}
	if time.Since(start) < 30*time.Millisecond {
		t.Fatalf("play returned before playback finished")
	}
	if fake.media[0] != "sound:minibot/hello" {
		t.Fatalf("unexpected media %q", fake.media[0])
	}
	seq := tracker.Sequence("call-1")
	if len(seq) != 1 || seq[0].Role != provenance.RoleBot || seq[0].File != "hello.wav" {
		t.Fatalf("unexpected segments %+v", seq)
	}
}

func TestPlayHonorsCancel(t *testing.T) {
	dir := t.TempDir()
	fake := newFakeARI(dir)
	fake.playDur = time.Hour
	io := New("call-1", fastConfig(dir), Deps{Commands: fake})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := io.Play(ctx, "chan-1", "hello"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline error, got %v", err)
	}
}

func TestRecordStopsAfterSilence(t *testing.T) {
	dir := t.TempDir()
	fake := newFakeARI(dir)
	io := New("call-1", fastConfig(dir), Deps{Commands: fake})

	start := time.Now()
	path, err := io.RecordWithSilenceDetection(context.Background(), "chan-1", "q1_chan-1", 2*time.Second, 30*time.Millisecond)
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	elapsed := time.Since(start)
	if path != filepath.Join(dir, "q1_chan-1.wav") {
		t.Fatalf("unexpected path %s", path)
	}
	if fake.stopCalled != 1 {
		t.Fatalf("expected one stop, got %d", fake.stopCalled)
	}
	if elapsed < 50*time.Millisecond || elapsed > time.Second {
		t.Fatalf("unexpected recording time %v", elapsed)
	}
}

func TestRecordEndsOnTerminator(t *testing.T) {
	dir := t.TempDir()
	fake := newFakeARI(dir)
	fake.endAfter = 10 * time.Millisecond
	io := New("call-1", fastConfig(dir), Deps{Commands: fake})
	if _, err := io.RecordWithSilenceDetection(context.Background(), "chan-1", "r", time.Second, time.Second); err != nil {
		t.Fatalf("record: %v", err)
	}
	if fake.stopCalled != 0 {
		t.Fatalf("ended recording must not be stopped")
	}
}

func TestRecordMaxDuration(t *testing.T) {
	dir := t.TempDir()
	fake := newFakeARI(dir)
	cfg := fastConfig(dir)
	cfg.Listen.GraceMS = 10000
	io := New("call-1", cfg, Deps{Commands: fake})
	start := time.Now()
	if _, err := io.RecordWithSilenceDetection(context.Background(), "chan-1", "r", 40*time.Millisecond, time.Second); err != nil {
		t.Fatalf("record: %v", err)
	}
	if fake.stopCalled != 1 || time.Since(start) > time.Second {
		t.Fatalf("expected a stop at max duration")
	}
}

func TestPlayAndRecordOverlap(t *testing.T) {
	dir := t.TempDir()
	fake := newFakeARI(dir)
	fake.playDur = 150 * time.Millisecond
	tracker := provenance.NewTracker()
	tr := mock.NewTranscriber(nil)
	tr.Default = "oui d'accord"
	cfg := fastConfig(dir)
	cfg.Listen.OverlapWindowMS = 60
	io := New("call-1", cfg, Deps{Commands: fake, Tracker: tracker, Transcriber: tr})

	ans, err := io.PlayAndRecordOverlap(context.Background(), "chan-1", "q1", "q1_chan-1", 150*time.Millisecond,
		ListenOptions{MaxDuration: 2 * time.Second, MaxSilence: 20 * time.Millisecond})
	if err != nil {
		t.Fatalf("overlap: %v", err)
	}
	lead := fake.recAt["q1_chan-1"].Sub(fake.firstPlay())
	if lead < 80*time.Millisecond || lead >= 150*time.Millisecond {
		t.Fatalf("recording should start one window before playback end, started after %v", lead)
	}
	if !strings.HasSuffix(ans.File, "q1_chan-1_trimmed.wav") || ans.Text != "oui d'accord" {
		t.Fatalf("unexpected answer %+v", ans)
	}
	d, err := wav.FileDuration(ans.File)
	if err != nil {
		t.Fatalf("trimmed duration: %v", err)
	}
	if d != time.Second-60*time.Millisecond {
		t.Fatalf("trim should remove the window, got %v", d)
	}
	seq := tracker.Sequence("call-1")
	if len(seq) != 2 || seq[0].Role != provenance.RoleBot || seq[1].Role != provenance.RoleClient {
		t.Fatalf("unexpected sequence %+v", seq)
	}
	if seq[1].File != "q1_chan-1_trimmed.wav" || seq[1].Transcription != "oui d'accord" {
		t.Fatalf("unexpected client segment %+v", seq[1])
	}
}

func TestProcessRecordingFallbacks(t *testing.T) {
	dir := t.TempDir()
	tr := mock.NewTranscriber(nil)
	io := New("call-1", fastConfig(dir), Deps{Transcriber: tr})
	ctx := context.Background()

	missing := io.ProcessRecording(ctx, filepath.Join(dir, "nope.wav"), 0)
	if missing.Text != TextSilence || missing.Sentiment.Label != sentiment.Neutral {
		t.Fatalf("missing file: %+v", missing)
	}

	small := filepath.Join(dir, "small.wav")
	if err := os.WriteFile(small, make([]byte, 200), 0o644); err != nil {
		t.Fatal(err)
	}
	if got := io.ProcessRecording(ctx, small, 0); got.Text != TextSilence {
		t.Fatalf("small file: %+v", got)
	}

	full := filepath.Join(dir, "full.wav")
	if err := wav.WriteFile(full, wav.Mono16(16000), wav.Silence(wav.Mono16(16000), 500*time.Millisecond)); err != nil {
		t.Fatal(err)
	}
	if got := io.ProcessRecording(ctx, full, 0); got.Text != TextSilence || !got.Silent() {
		t.Fatalf("empty transcript: %+v", got)
	}
	if got := io.ProcessRecording(ctx, full, time.Second); got.Text != TextSilence {
		t.Fatalf("trim past the end must be silence: %+v", got)
	}

	tr.Err = errors.New("whisper down")
	got := io.ProcessRecording(ctx, full, 0)
	if got.Text != TextError || got.Sentiment.Label != sentiment.Unclear {
		t.Fatalf("transcription error: %+v", got)
	}
}

func TestPromptDuration(t *testing.T) {
	dir := t.TempDir()
	if err := wav.WriteFile(filepath.Join(dir, "q2.wav"), wav.Mono16(8000), wav.Silence(wav.Mono16(8000), 1500*time.Millisecond)); err != nil {
		t.Fatal(err)
	}
	cfg := Config{SoundsDir: dir, PromptDurations: map[string]float64{"hello": 4.5}}
	io := New("call-1", cfg, Deps{})
	if d := io.PromptDuration("hello.wav"); d != 4500*time.Millisecond {
		t.Fatalf("configured duration: %v", d)
	}
	if d := io.PromptDuration("q2"); d != 1500*time.Millisecond {
		t.Fatalf("header duration: %v", d)
	}
	if d := io.PromptDuration("missing"); d != 0 {
		t.Fatalf("missing prompt: %v", d)
	}
}
