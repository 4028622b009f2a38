package mock

import (
	"context"
	"testing"

	"github.com/harunnryd/callbot/pkg/adapters/stt"
	"github.com/harunnryd/callbot/pkg/intent"
)

func TestRecognizerEmitsOnce(t *testing.T) {
	r := NewRecognizer(RecognizerConfig{Transcript: "oui", Partial: "ou", AfterBytes: 640})
	if err := r.SendAudio(make([]byte, 10)); err == nil {
		t.Fatalf("expected not started error")
	}
	_ = r.Start(context.Background())
	_ = r.SendAudio(make([]byte, 320))
	_ = r.SendAudio(make([]byte, 320))
	_ = r.SendAudio(make([]byte, 320))
	_ = r.Close()

	var got []stt.Result
	for res := range r.Results() {
		got = append(got, res)
	}
	if len(got) != 2 || got[0].Kind != stt.ResultPartial || got[1].Kind != stt.ResultFinal || got[1].Text != "oui" {
		t.Fatalf("unexpected results %+v", got)
	}
}

func TestTranscriberTable(t *testing.T) {
	tr := NewTranscriber(map[string]string{"a.wav": "bonjour"})
	tr.Default = "silence"
	res, _ := tr.Transcribe(context.Background(), "/rec/a.wav", "fr")
	if res.Text != "bonjour" {
		t.Fatalf("unexpected text %q", res.Text)
	}
	res, _ = tr.Transcribe(context.Background(), "/rec/b.wav", "fr")
	if res.Text != "silence" || len(tr.Calls()) != 2 {
		t.Fatalf("unexpected default handling %+v %v", res, tr.Calls())
	}
}

func TestIntentClassifierScript(t *testing.T) {
	c := NewIntentClassifier(IntentConfig{Responses: map[string]intent.Result{
		"oui": {Intent: intent.Affirm, Confidence: 0.95},
	}})
	res, err := c.Classify(context.Background(), " Oui ", intent.ContextGreeting)
	if err != nil || res.Intent != intent.Affirm || res.Method != "mock_intent" {
		t.Fatalf("unexpected scripted result %+v %v", res, err)
	}
	res, _ = c.Classify(context.Background(), "bof", intent.ContextGreeting)
	if res.Intent != intent.Unsure {
		t.Fatalf("expected default unsure, got %s", res.Intent)
	}
}
