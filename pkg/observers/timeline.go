package observers

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/harunnryd/callbot/pkg/metrics"
	"github.com/harunnryd/callbot/pkg/redact"
)

// TimelineObserver appends every event of a call to <dir>/<call_id>.jsonl.
// The file is closed when the call_ended event is written.
type TimelineObserver struct {
	dir   string
	mu    sync.Mutex
	files map[string]*os.File
}

func NewTimelineObserver(dir string) *TimelineObserver {
	return &TimelineObserver{dir: strings.TrimSpace(dir), files: make(map[string]*os.File)}
}

type timelineEntry struct {
	Time   time.Time         `json:"time"`
	Event  string            `json:"event"`
	CallID string            `json:"call_id"`
	Step   string            `json:"step,omitempty"`
	Value  float64           `json:"value,omitempty"`
	Tags   map[string]string `json:"tags,omitempty"`
	Fields map[string]any    `json:"fields,omitempty"`
}

func (o *TimelineObserver) RecordEvent(ev metrics.MetricsEvent) {
	id := sanitizeID(ev.CallID())
	if id == "" || o.dir == "" {
		return
	}
	line, err := json.Marshal(timelineEntry{
		Time:   ev.Time.UTC(),
		Event:  ev.Name,
		CallID: ev.CallID(),
		Step:   ev.Tags[metrics.TagStep],
		Value:  ev.Value,
		Tags:   extraTags(ev.Tags),
		Fields: sanitizeFields(ev.Fields),
	})
	if err != nil {
		return
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	f := o.open(id)
	if f == nil {
		return
	}
	_, _ = f.Write(append(line, '\n'))
	if ev.Name == metrics.EventCallEnded {
		_ = f.Close()
		delete(o.files, id)
	}
}

// Open returns the number of calls with an open timeline file.
func (o *TimelineObserver) Open() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.files)
}

// Close closes the files of calls that never ended.
func (o *TimelineObserver) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	var err error
	for id, f := range o.files {
		err = errors.Join(err, f.Close())
		delete(o.files, id)
	}
	return err
}

// open must be called with o.mu held.
func (o *TimelineObserver) open(id string) *os.File {
	if f := o.files[id]; f != nil {
		return f
	}
	if err := os.MkdirAll(o.dir, 0o755); err != nil {
		return nil
	}
	f, err := os.OpenFile(filepath.Join(o.dir, id+".jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil
	}
	o.files[id] = f
	return f
}

// sanitizeID maps a channel id onto a safe file name.
func sanitizeID(id string) string {
	id = strings.TrimSpace(id)
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '-' || r == '_' || r == '.':
			return r
		}
		return '_'
	}, id)
}

// extraTags drops the tags already promoted to their own keys.
func extraTags(in map[string]string) map[string]string {
	var out map[string]string
	for k, v := range in {
		if k == metrics.TagCallID || k == metrics.TagStep {
			continue
		}
		if out == nil {
			out = make(map[string]string, len(in))
		}
		out[k] = v
	}
	return out
}

// sanitizeFields masks phone numbers and free text; *_file paths pass.
func sanitizeFields(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		s, ok := v.(string)
		switch {
		case !ok, strings.HasSuffix(k, "_file"):
			out[k] = v
		case k == "phone":
			out[k] = redact.Phone(s)
		default:
			out[k] = redact.Text(s)
		}
	}
	return out
}

var _ metrics.Observer = (*TimelineObserver)(nil)
