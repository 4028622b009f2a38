package observers

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/harunnryd/callbot/pkg/metrics"
	"github.com/harunnryd/callbot/pkg/redact"
)

func TestTimelineObserverWritesJSONL(t *testing.T) {
	dir := t.TempDir()
	obs := NewTimelineObserver(dir)

	ev := metrics.NewEvent(metrics.EventAMDDecision, "call-1", 0.95, map[string]any{"result": "MACHINE"})
	ev.Tags[metrics.TagStep] = "amd"
	obs.RecordEvent(ev)
	obs.RecordEvent(metrics.MetricsEvent{Name: "orphan", Time: time.Now()})
	_ = obs.Close()

	b, err := os.ReadFile(filepath.Join(dir, "call-1.jsonl"))
	if err != nil {
		t.Fatalf("read file: %v", err)
	}
	line := string(b)
	if !strings.Contains(line, `"event":"amd_decision"`) || !strings.Contains(line, `"step":"amd"`) {
		t.Fatalf("unexpected timeline %s", line)
	}
	if strings.Count(line, "\n") != 1 {
		t.Fatalf("events without call_id must be skipped")
	}
}

func TestTimelineObserverClosesEndedCalls(t *testing.T) {
	redact.SetEnabled(true)
	defer redact.SetEnabled(false)
	dir := t.TempDir()
	obs := NewTimelineObserver(dir)
	obs.RecordEvent(metrics.NewEvent(metrics.EventCallStarted, "chan/1", 1, map[string]any{"phone": "+33611223344"}))
	obs.RecordEvent(metrics.NewEvent(metrics.EventCallStarted, "chan-2", 1, nil))
	if obs.Open() != 2 {
		t.Fatalf("expected two open timelines, got %d", obs.Open())
	}
	obs.RecordEvent(metrics.NewEvent(metrics.EventCallEnded, "chan/1", 30, nil))
	if obs.Open() != 1 {
		t.Fatalf("ended call must release its file, open=%d", obs.Open())
	}
	if err := obs.Close(); err != nil || obs.Open() != 0 {
		t.Fatalf("close: %v open=%d", err, obs.Open())
	}

	b, err := os.ReadFile(filepath.Join(dir, "chan_1.jsonl"))
	if err != nil {
		t.Fatalf("read file: %v", err)
	}
	if strings.Count(string(b), "\n") != 2 || strings.Contains(string(b), "+33611223344") {
		t.Fatalf("unexpected timeline %s", b)
	}
}

func TestLoggerObserverLevels(t *testing.T) {
	var buf bytes.Buffer
	obs := NewLoggerObserver(slog.New(slog.NewTextHandler(&buf, nil)))
	obs.RecordEvent(metrics.NewEvent(metrics.EventASRPartial, "c1", 0, nil))
	obs.RecordEvent(metrics.NewEvent(metrics.EventCallEnded, "c1", 12, nil))
	out := buf.String()
	if strings.Contains(out, "asr_partial") {
		t.Fatalf("chatty events belong at debug: %s", out)
	}
	if !strings.Contains(out, "msg=call_ended") || !strings.Contains(out, "call_id=c1") {
		t.Fatalf("expected call_ended line, got %s", out)
	}
}

func TestLatencyObserverTurn(t *testing.T) {
	var buf bytes.Buffer
	obs := NewLatencyObserver(slog.New(slog.NewTextHandler(&buf, nil)), Targets{})
	start := time.Now()

	end := metrics.NewEvent(metrics.EventSpeechEnd, "c1", 0, nil)
	end.Time = start
	obs.RecordEvent(end)
	obs.RecordEvent(metrics.NewEvent(metrics.EventASRFinal, "c1", 300, nil))
	resolved := metrics.NewEvent(metrics.EventIntentResolved, "c1", 200, nil)
	resolved.Time = start.Add(700 * time.Millisecond)
	obs.RecordEvent(resolved)

	slow := metrics.NewEvent(metrics.EventBargeIn, "c1", 400, nil)
	obs.RecordEvent(slow)

	sum := obs.Summary("c1")
	if sum.Turns != 1 || sum.BargeIns != 1 || sum.Misses != 1 {
		t.Fatalf("unexpected summary %+v", sum)
	}
	if sum.MaxTotalMS != 700 {
		t.Fatalf("expected 700ms total, got %d", sum.MaxTotalMS)
	}
	if !strings.Contains(buf.String(), "within_target=true") {
		t.Fatalf("expected turn within target, log=%s", buf.String())
	}
	if got := obs.Summary("c1"); got.Turns != 0 {
		t.Fatalf("summary should reset")
	}
}

func TestPurgeArtifactsPattern(t *testing.T) {
	dir := t.TempDir()
	old := time.Now().Add(-48 * time.Hour)
	for _, name := range []string{"a.wav", "b.json"} {
		p := filepath.Join(dir, name)
		if err := os.WriteFile(p, []byte("x"), 0o644); err != nil {
			t.Fatal(err)
		}
		if err := os.Chtimes(p, old, old); err != nil {
			t.Fatal(err)
		}
	}
	n, err := PurgeArtifacts(dir, time.Hour, "*.wav")
	if err != nil || n != 1 {
		t.Fatalf("expected 1 removal, got %d err=%v", n, err)
	}
	if _, err := os.Stat(filepath.Join(dir, "b.json")); err != nil {
		t.Fatalf("json should remain: %v", err)
	}
}
