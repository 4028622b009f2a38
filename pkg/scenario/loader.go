package scenario

import (
	"fmt"
	"os"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/harunnryd/callbot/pkg/intent"
)

type fileScenario struct {
	Name       string     `yaml:"name"`
	Start      string     `yaml:"start"`
	MaxRetries *int       `yaml:"max_retries"`
	RetryStep  *string    `yaml:"retry_step"`
	FailedStep string     `yaml:"failed_step"`
	Steps      []fileStep `yaml:"steps"`
}

type fileStep struct {
	Name              string            `yaml:"name"`
	Prompt            string            `yaml:"prompt"`
	BargeIn           bool              `yaml:"barge_in"`
	MaxWaitSeconds    float64           `yaml:"max_wait_seconds"`
	MaxSilenceSeconds float64           `yaml:"max_silence_seconds"`
	Intents           map[string]string `yaml:"intents"`
	Fallback          string            `yaml:"fallback"`
	Qualifying        bool              `yaml:"qualifying"`
	Positive          []string          `yaml:"positive"`
	Terminal          bool              `yaml:"terminal"`
	Outcome           string            `yaml:"outcome"`
	Context           string            `yaml:"context"`
	Question          int               `yaml:"question"`
}

// Parse decodes and validates a YAML scenario.
func Parse(data []byte) (*Scenario, error) {
	var f fileScenario
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("decode scenario: %w", err)
	}
	sc := &Scenario{
		Name:       f.Name,
		Start:      f.Start,
		MaxRetries: 1,
		RetryStep:  "retry",
		FailedStep: f.FailedStep,
		Steps:      make(map[string]*Step, len(f.Steps)),
	}
	if f.MaxRetries != nil {
		sc.MaxRetries = *f.MaxRetries
	}
	if f.RetryStep != nil {
		sc.RetryStep = *f.RetryStep
	}
	if sc.FailedStep == "" {
		sc.FailedStep = "bye_failed"
	}
	for _, fs := range f.Steps {
		if _, dup := sc.Steps[fs.Name]; dup {
			return nil, fmt.Errorf("scenario %q: duplicate step %q", f.Name, fs.Name)
		}
		step := &Step{
			Name:       fs.Name,
			Prompt:     fs.Prompt,
			BargeIn:    fs.BargeIn,
			MaxWait:    seconds(fs.MaxWaitSeconds, 10),
			MaxSilence: seconds(fs.MaxSilenceSeconds, 2),
			Fallback:   fs.Fallback,
			Qualifying: fs.Qualifying,
			Terminal:   fs.Terminal,
			Outcome:    Outcome(fs.Outcome),
			Context:    intent.Context(fs.Context),
			Question:   fs.Question,
		}
		if step.Context == "" {
			step.Context = intent.ContextGeneral
		}
		if len(fs.Intents) > 0 {
			step.Intents = make(map[intent.Intent]string, len(fs.Intents))
			for k, v := range fs.Intents {
				step.Intents[intent.Intent(k)] = v
			}
		}
		for _, p := range fs.Positive {
			step.Positive = append(step.Positive, intent.Intent(p))
		}
		sc.Steps[step.Name] = step
	}
	if err := sc.Validate(); err != nil {
		return nil, fmt.Errorf("scenario %q: %w", sc.Name, err)
	}
	return sc, nil
}

func LoadFile(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read scenario %s: %w", path, err)
	}
	return Parse(data)
}

func seconds(v, def float64) time.Duration {
	if v <= 0 {
		v = def
	}
	return time.Duration(v * float64(time.Second))
}

// Library resolves scenarios by name: loaded files first, then built-ins.
type Library struct {
	mu       sync.RWMutex
	loaded   map[string]*Scenario
	fallback string
}

func NewLibrary(fallback string) *Library {
	if fallback == "" {
		fallback = Production
	}
	return &Library{loaded: make(map[string]*Scenario), fallback: fallback}
}

// Load reads each file and registers the scenario under its name.
func (l *Library) Load(paths ...string) error {
	for _, p := range paths {
		sc, err := LoadFile(p)
		if err != nil {
			return err
		}
		l.Register(sc)
	}
	return nil
}

func (l *Library) Register(sc *Scenario) {
	l.mu.Lock()
	l.loaded[sc.Name] = sc
	l.mu.Unlock()
}

// Get returns the named scenario, or the default when name is unknown.
func (l *Library) Get(name string) *Scenario {
	l.mu.RLock()
	sc, ok := l.loaded[name]
	fb := l.loaded[l.fallback]
	l.mu.RUnlock()
	if ok {
		return sc
	}
	if b, ok := Builtin(name); ok {
		return b
	}
	if fb != nil {
		return fb
	}
	if b, ok := Builtin(l.fallback); ok {
		return b
	}
	b, _ := Builtin(Production)
	return b
}

func (l *Library) Default() string { return l.fallback }
