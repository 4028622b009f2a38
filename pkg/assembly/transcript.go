package assembly

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/harunnryd/callbot/pkg/provenance"
)

const (
	SpeakerBot    = "BOT"
	SpeakerClient = "CLIENT"
)

// CallMeta is the call-level header of a transcript.
type CallMeta struct {
	CallID         string
	Phone          string
	CampaignID     string
	AMDResult      string
	Duration       int
	StartedAt      time.Time
	EndedAt        time.Time
	FinalSentiment string
	Interested     bool
	AssembledAudio string
}

type Entry struct {
	Turn          int       `json:"turn"`
	Speaker       string    `json:"speaker"`
	AudioFile     string    `json:"audio_file"`
	Text          string    `json:"text,omitempty"`
	Duration      float64   `json:"duration,omitempty"`
	Transcription string    `json:"transcription,omitempty"`
	Sentiment     string    `json:"sentiment,omitempty"`
	Confidence    float64   `json:"confidence,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

type Transcript struct {
	CallID         string     `json:"call_id"`
	Phone          string     `json:"phone_number"`
	CampaignID     string     `json:"campaign_id,omitempty"`
	AMDResult      string     `json:"amd_result,omitempty"`
	Duration       int        `json:"duration_seconds"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	EndedAt        *time.Time `json:"ended_at,omitempty"`
	FinalSentiment string     `json:"final_sentiment,omitempty"`
	Interested     bool       `json:"interested"`
	AssembledAudio string     `json:"assembled_audio,omitempty"`
	Conversation   []Entry    `json:"conversation"`
}

// TranscriptGenerator turns a provenance ledger into a transcript.
type TranscriptGenerator interface {
	Generate(meta CallMeta, segs []provenance.Segment) (*Transcript, error)
}

// FileTranscripts resolves bot text from the prompt table and writes
// transcript_<id>.json and transcript_<id>.txt to its directory.
type FileTranscripts struct {
	dir       string
	texts     map[string]string
	durations map[string]float64
}

func NewFileTranscripts(dir string, texts map[string]string, durations map[string]float64) *FileTranscripts {
	return &FileTranscripts{dir: dir, texts: texts, durations: durations}
}

// Build assembles the transcript without touching the filesystem.
func (g *FileTranscripts) Build(meta CallMeta, segs []provenance.Segment) *Transcript {
	tr := &Transcript{
		CallID:         meta.CallID,
		Phone:          meta.Phone,
		CampaignID:     meta.CampaignID,
		AMDResult:      meta.AMDResult,
		Duration:       meta.Duration,
		FinalSentiment: meta.FinalSentiment,
		Interested:     meta.Interested,
		AssembledAudio: meta.AssembledAudio,
		Conversation:   make([]Entry, 0, len(segs)),
	}
	if !meta.StartedAt.IsZero() {
		t := meta.StartedAt
		tr.StartedAt = &t
	}
	if !meta.EndedAt.IsZero() {
		t := meta.EndedAt
		tr.EndedAt = &t
	}
	for i, seg := range segs {
		e := Entry{Turn: i + 1, AudioFile: seg.File, Timestamp: seg.Timestamp}
		if seg.Role == provenance.RoleBot {
			key := strings.TrimSuffix(seg.File, ".wav")
			e.Speaker = SpeakerBot
			e.Text = g.texts[key]
			if e.Text == "" {
				e.Text = "[Audio: " + key + "]"
			}
			e.Duration = g.durations[key]
		} else {
			e.Speaker = SpeakerClient
			e.Transcription = seg.Transcription
			e.Sentiment = seg.Sentiment
			if e.Sentiment == "" {
				e.Sentiment = "unclear"
			}
			e.Confidence = seg.Confidence
		}
		tr.Conversation = append(tr.Conversation, e)
	}
	return tr
}

func (g *FileTranscripts) Generate(meta CallMeta, segs []provenance.Segment) (*Transcript, error) {
	tr := g.Build(meta, segs)
	if g.dir == "" {
		return tr, nil
	}
	if err := os.MkdirAll(g.dir, 0o755); err != nil {
		return nil, fmt.Errorf("create transcript dir: %w", err)
	}
	data, err := json.MarshalIndent(tr, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode transcript: %w", err)
	}
	base := filepath.Join(g.dir, "transcript_"+meta.CallID)
	if err := os.WriteFile(base+".json", data, 0o644); err != nil {
		return nil, fmt.Errorf("write transcript: %w", err)
	}
	if err := os.WriteFile(base+".txt", []byte(tr.Text()), 0o644); err != nil {
		return nil, fmt.Errorf("write transcript text: %w", err)
	}
	return tr, nil
}

// Text renders the human-readable version.
func (t *Transcript) Text() string {
	rule := strings.Repeat("=", 80)
	var b strings.Builder
	fmt.Fprintln(&b, rule)
	fmt.Fprintln(&b, "FULL CALL TRANSCRIPT")
	fmt.Fprintln(&b, rule)
	fmt.Fprintf(&b, "Call ID: %s\n", t.CallID)
	fmt.Fprintf(&b, "Phone: %s\n", t.Phone)
	fmt.Fprintf(&b, "Duration: %ds\n", t.Duration)
	fmt.Fprintf(&b, "AMD: %s\n", t.AMDResult)
	fmt.Fprintf(&b, "Final sentiment: %s\n", t.FinalSentiment)
	interested := "no"
	if t.Interested {
		interested = "yes"
	}
	fmt.Fprintf(&b, "Interested: %s\n", interested)
	if t.StartedAt != nil {
		fmt.Fprintf(&b, "Date: %s\n", t.StartedAt.Format(time.RFC3339))
	}
	fmt.Fprintln(&b, rule)
	fmt.Fprintln(&b)
	for _, e := range t.Conversation {
		fmt.Fprintf(&b, "%s (turn %d):\n", e.Speaker, e.Turn)
		fmt.Fprintf(&b, "   Audio: %s\n", e.AudioFile)
		if e.Speaker == SpeakerBot {
			fmt.Fprintf(&b, "   Text: %s\n", e.Text)
		} else {
			fmt.Fprintf(&b, "   Transcription: %s\n", e.Transcription)
			fmt.Fprintf(&b, "   Sentiment: %s\n", e.Sentiment)
		}
		fmt.Fprintln(&b)
	}
	fmt.Fprintln(&b, rule)
	assembled := t.AssembledAudio
	if assembled == "" {
		assembled = "N/A"
	}
	fmt.Fprintf(&b, "Assembled audio: %s\n", assembled)
	fmt.Fprintln(&b, rule)
	return b.String()
}

var _ TranscriptGenerator = (*FileTranscripts)(nil)
