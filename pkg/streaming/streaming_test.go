package streaming

import (
	"context"
	"encoding/binary"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/harunnryd/callbot/pkg/adapters/stt"
	"github.com/harunnryd/callbot/pkg/amd"
	"github.com/harunnryd/callbot/pkg/audio"
	"github.com/harunnryd/callbot/pkg/intent"
	"github.com/harunnryd/callbot/pkg/metrics"
	"github.com/harunnryd/callbot/pkg/providers/mock"
	"github.com/harunnryd/callbot/pkg/scenario"
	"github.com/harunnryd/callbot/pkg/sentiment"
	"github.com/harunnryd/callbot/pkg/turn"
)

type opLog struct {
	mu  sync.Mutex
	ops []string
}

func (l *opLog) add(op string) {
	l.mu.Lock()
	l.ops = append(l.ops, op)
	l.mu.Unlock()
}

func (l *opLog) index(op string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i, o := range l.ops {
		if o == op {
			return i
		}
	}
	return -1
}

type fakeAudio struct {
	log        *opLog
	autoFinish bool
	started    chan struct{}
	done       chan struct{}
	once       sync.Once
}

func newFakeAudio(log *opLog) *fakeAudio {
	return &fakeAudio{log: log, started: make(chan struct{}, 1), done: make(chan struct{})}
}

func (f *fakeAudio) finish() { f.once.Do(func() { close(f.done) }) }

func (f *fakeAudio) StartPlayback(ctx context.Context, channel, prompt string) (string, error) {
	f.log.add("play")
	if f.autoFinish {
		f.finish()
	}
	f.started <- struct{}{}
	return "pb-1", nil
}

func (f *fakeAudio) WaitPlayback(ctx context.Context, playbackID string) error {
	select {
	case <-f.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (f *fakeAudio) Play(ctx context.Context, channel, prompt string) error {
	f.log.add("play_final")
	return nil
}

func (f *fakeAudio) StartCapture(ctx context.Context, channel, name string) error {
	f.log.add("record")
	return nil
}

func (f *fakeAudio) StopCapture(name, text string, s sentiment.Result) string {
	f.log.add("stop_record")
	return "/rec/" + name + ".wav"
}

type fakeStopper struct {
	log   *opLog
	audio *fakeAudio
}

func (s *fakeStopper) StopChannelPlaybacks(ctx context.Context, channelID string) (int, error) {
	s.log.add("stop")
	s.audio.finish()
	return 1, nil
}

type stepOutcome struct {
	turn scenario.Turn
	err  error
}

func runStep(r *Runner, step *scenario.Step) chan stepOutcome {
	out := make(chan stepOutcome, 1)
	go func() {
		t, err := r.RunStep(context.Background(), step)
		out <- stepOutcome{turn: t, err: err}
	}()
	return out
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func recv(t *testing.T, ch chan stepOutcome) stepOutcome {
	t.Helper()
	select {
	case o := <-ch:
		return o
	case <-time.After(3 * time.Second):
		t.Fatalf("step did not finish")
	}
	return stepOutcome{}
}

func TestBargeInStopsPlaybackDuringCapture(t *testing.T) {
	log := &opLog{}
	fa := newFakeAudio(log)
	obs := metrics.NewMemoryObserver()
	sess := NewSession("chan-1", Config{}, SessionDeps{Stopper: &fakeStopper{log: log, audio: fa}, Observer: obs})
	r := NewRunner("chan-1", fa, sess, nil, nil)
	step := &scenario.Step{Name: "hello", Prompt: "hello", BargeIn: true, MaxWait: 2 * time.Second, Context: intent.ContextGreeting}

	out := runStep(r, step)
	<-fa.started
	if sess.Turns().State() != turn.StatePlaying {
		t.Fatalf("expected playing, got %s", sess.Turns().State())
	}
	if !sess.OnSpeechStart() {
		t.Fatalf("expected barge-in while playing")
	}
	waitFor(t, "recording start", func() bool { return log.index("record") >= 0 })
	sess.OnResult(context.Background(), stt.Result{Kind: stt.ResultFinal, Text: "oui", Latency: 40 * time.Millisecond})

	o := recv(t, out)
	if o.err != nil {
		t.Fatalf("run step: %v", o.err)
	}
	if o.turn.Intent != intent.Affirm {
		t.Fatalf("expected affirm, got %s", o.turn.Intent)
	}
	if !o.turn.BargeIn {
		t.Fatalf("expected barge-in flag on turn")
	}
	if o.turn.Latency.ASR != 40*time.Millisecond {
		t.Fatalf("expected asr latency carried, got %s", o.turn.Latency.ASR)
	}
	play, rec, stop, end := log.index("play"), log.index("record"), log.index("stop"), log.index("stop_record")
	if !(play < rec && rec < stop && stop < end) {
		t.Fatalf("expected capture to span the interrupted prompt, got %v", log.ops)
	}
	if got := sess.State().BargeIns; got != 1 {
		t.Fatalf("expected 1 barge-in, got %d", got)
	}
	if len(obs.Named(metrics.EventBargeIn)) != 1 {
		t.Fatalf("expected barge_in event")
	}
}

func TestNoStopWithoutBargeIn(t *testing.T) {
	log := &opLog{}
	fa := newFakeAudio(log)
	sess := NewSession("chan-2", Config{}, SessionDeps{Stopper: &fakeStopper{log: log, audio: fa}})
	r := NewRunner("chan-2", fa, sess, nil, nil)
	step := &scenario.Step{Name: "q1", Prompt: "q1", BargeIn: false, MaxWait: 2 * time.Second, Context: intent.ContextQualification}

	out := runStep(r, step)
	<-fa.started
	if sess.OnSpeechStart() {
		t.Fatalf("barge-in must be ignored when disabled")
	}
	fa.finish()
	waitFor(t, "recording start", func() bool { return log.index("record") >= 0 })
	sess.OnResult(context.Background(), stt.Result{Kind: stt.ResultFinal, Text: "non merci"})

	o := recv(t, out)
	if o.err != nil {
		t.Fatalf("run step: %v", o.err)
	}
	if o.turn.BargeIn {
		t.Fatalf("unexpected barge-in flag")
	}
	if log.index("stop") >= 0 {
		t.Fatalf("stop must not be issued, got %v", log.ops)
	}
}

func TestStepTimesOutAsUnsure(t *testing.T) {
	log := &opLog{}
	fa := newFakeAudio(log)
	fa.autoFinish = true
	sess := NewSession("chan-3", Config{}, SessionDeps{})
	r := NewRunner("chan-3", fa, sess, nil, nil)
	step := &scenario.Step{Name: "retry", Prompt: "retry", MaxWait: 30 * time.Millisecond}

	o := recv(t, runStep(r, step))
	if o.err != nil {
		t.Fatalf("run step: %v", o.err)
	}
	if o.turn.Intent != intent.Unsure || o.turn.Confidence != 0 {
		t.Fatalf("expected unsure/0, got %s/%v", o.turn.Intent, o.turn.Confidence)
	}
	if o.turn.Text != audio.TextSilence || o.turn.Method != MethodTimeout {
		t.Fatalf("unexpected timeout turn: %+v", o.turn)
	}
	if log.index("stop_record") < 0 {
		t.Fatalf("capture not stopped: %v", log.ops)
	}
	if sess.Turns().State() != turn.StateIdle {
		t.Fatalf("expected idle after resolution, got %s", sess.Turns().State())
	}
}

func TestMailboxLatestWins(t *testing.T) {
	m := NewMailbox()
	m.Put(Transition{Intent: intent.Deny, Text: "non"})
	m.Put(Transition{Intent: intent.Affirm, Text: "oui"})
	if m.Overwrites() != 1 {
		t.Fatalf("expected 1 overwrite, got %d", m.Overwrites())
	}
	got, err := m.Wait(context.Background(), time.Second)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if got.Intent != intent.Affirm {
		t.Fatalf("expected latest transition, got %s", got.Intent)
	}
	if _, ok := m.Take(); ok {
		t.Fatalf("slot should be empty after read")
	}
}

func TestMailboxWaitWakesOnPut(t *testing.T) {
	m := NewMailbox()
	go func() {
		time.Sleep(20 * time.Millisecond)
		m.Put(Transition{Intent: intent.Callback})
	}()
	got, err := m.Wait(context.Background(), 2*time.Second)
	if err != nil || got.Intent != intent.Callback {
		t.Fatalf("expected callback, got %s (%v)", got.Intent, err)
	}
}

func TestMailboxTimeoutAndCancel(t *testing.T) {
	m := NewMailbox()
	got, err := m.Wait(context.Background(), 10*time.Millisecond)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if got.Intent != intent.Unsure || got.Confidence != 0 || !got.TimedOut() {
		t.Fatalf("expected unsure timeout, got %+v", got)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := m.Wait(ctx, time.Second); err == nil {
		t.Fatalf("expected context error")
	}
}

func TestMailboxResetDropsStale(t *testing.T) {
	m := NewMailbox()
	m.Put(Transition{Intent: intent.Affirm})
	m.Reset()
	got, _ := m.Wait(context.Background(), 10*time.Millisecond)
	if !got.TimedOut() {
		t.Fatalf("stale transition leaked: %+v", got)
	}
}

func loudPCM(frames, frameBytes int) []byte {
	out := make([]byte, frames*frameBytes)
	for i := 0; i+1 < len(out); i += 2 {
		v := int16(6000)
		if (i/2)%16 < 8 {
			v = -6000
		}
		binary.LittleEndian.PutUint16(out[i:], uint16(v))
	}
	return out
}

func TestServerStreamsAudioToSession(t *testing.T) {
	obs := metrics.NewMemoryObserver()
	factory := func(cfg stt.Config) stt.StreamingRecognizer {
		return mock.NewRecognizer(mock.RecognizerConfig{SessionID: cfg.SessionID, Transcript: "oui", AfterBytes: 6400})
	}
	srv := NewServer(Config{}, factory, SessionDeps{Observer: obs})
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	sess := srv.Session("chan-9")
	sess.BeginStep("hello", intent.ContextGreeting)

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/stream/chan-9"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	// 10 frames of 20ms at 16kHz, sent in uneven chunks.
	pcm := loudPCM(10, 640)
	for off := 0; off < len(pcm); off += 1000 {
		end := off + 1000
		if end > len(pcm) {
			end = len(pcm)
		}
		if err := conn.WriteMessage(websocket.BinaryMessage, pcm[off:end]); err != nil {
			t.Fatalf("write: %v", err)
		}
	}

	got, err := sess.WaitForTransition(context.Background(), 2*time.Second)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if got.Intent != intent.Affirm || got.Method != MethodStreaming {
		t.Fatalf("expected streamed affirm, got %+v", got)
	}
	if len(obs.Named(metrics.EventSpeechStart)) != 1 {
		t.Fatalf("expected one speech_start")
	}
	if srv.Session("chan-9") != sess {
		t.Fatalf("session must be shared by channel id")
	}
}

func TestServerRejectsMissingID(t *testing.T) {
	srv := NewServer(Config{}, nil, SessionDeps{})
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/stream/")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}

	_ = srv.Stop()
	resp, err = http.Get(ts.URL + "/stream/abc")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 while draining, got %d", resp.StatusCode)
	}
}

func TestCaptureStartsWithPrompt(t *testing.T) {
	log := &opLog{}
	fa := newFakeAudio(log)
	sess := NewSession("chan-4", Config{}, SessionDeps{})
	r := NewRunner("chan-4", fa, sess, nil, nil)
	step := &scenario.Step{Name: "q2", Prompt: "q2", MaxWait: 2 * time.Second}

	out := runStep(r, step)
	<-fa.started
	waitFor(t, "recording start", func() bool { return log.index("record") >= 0 })
	if sess.Turns().State() != turn.StatePlaying {
		t.Fatalf("capture must start while the prompt plays, got %s", sess.Turns().State())
	}
	fa.finish()
	sess.OnResult(context.Background(), stt.Result{Kind: stt.ResultFinal, Text: "oui"})
	if o := recv(t, out); o.err != nil || o.turn.File == "" {
		t.Fatalf("unexpected outcome %+v", o)
	}
}

func TestGreetingFramesNeedAudio(t *testing.T) {
	sess := NewSession("chan-5", Config{}, SessionDeps{})
	if _, ok := sess.GreetingFrames(amd.DefaultThresholds()); ok {
		t.Fatalf("no audio must not yield a decision")
	}
	pcm := loudPCM(250, 640)
	for off := 0; off < len(pcm); off += 640 {
		sess.FeedGreeting(pcm[off : off+640])
	}
	d, ok := sess.GreetingFrames(amd.DefaultThresholds())
	if !ok {
		t.Fatalf("expected a frame decision")
	}
	window := Config{}.withDefaults().greetingBytes()
	if got := len(sess.greeting); got != window {
		t.Fatalf("greeting should stop at the AMD window, got %d bytes", got)
	}
	if d.Method != amd.MethodFrames {
		t.Fatalf("unexpected method %q", d.Method)
	}
}

func TestServerDropsUnclaimedSessions(t *testing.T) {
	var mu sync.Mutex
	streams := 0
	factory := func(stt.Config) stt.StreamingRecognizer {
		mu.Lock()
		streams++
		mu.Unlock()
		return nil
	}
	srv := NewServer(Config{}, factory, SessionDeps{})
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()
	base := "ws" + strings.TrimPrefix(ts.URL, "http") + "/stream/"

	claimed := srv.Claim("live")
	for _, id := range []string{"stray-1", "stray-2", "live"} {
		conn, _, err := websocket.DefaultDialer.Dial(base+id, nil)
		if err != nil {
			t.Fatalf("dial %s: %v", id, err)
		}
		if err := conn.WriteMessage(websocket.BinaryMessage, loudPCM(2, 640)); err != nil {
			t.Fatalf("write: %v", err)
		}
		conn.Close()
	}
	waitFor(t, "all streams served", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return streams == 3
	})
	waitFor(t, "stray sessions dropped", func() bool { return srv.Sessions() == 1 })
	if srv.Session("live") != claimed {
		t.Fatalf("claimed session must survive its stream")
	}
	srv.Release("live")
	if srv.Sessions() != 0 {
		t.Fatalf("expected no sessions after release, got %d", srv.Sessions())
	}
}
