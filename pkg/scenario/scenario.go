// Package scenario holds the scripted call dialogues and the state machine
// that walks them.
package scenario

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/harunnryd/callbot/pkg/intent"
)

type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailed  Outcome = "failed"
)

// Step is one state of the dialogue.
type Step struct {
	Name       string
	Prompt     string
	BargeIn    bool
	MaxWait    time.Duration
	MaxSilence time.Duration
	Intents    map[intent.Intent]string
	Fallback   string
	Qualifying bool
	Positive   []intent.Intent
	Terminal   bool
	Outcome    Outcome
	Context    intent.Context
	Question   int
}

// Next resolves the target state for an intent.
func (s *Step) Next(in intent.Intent) string {
	if target, ok := s.Intents[in]; ok {
		return target
	}
	return s.Fallback
}

// IsPositive reports whether in counts as a positive answer here.
func (s *Step) IsPositive(in intent.Intent) bool {
	positive := s.Positive
	if len(positive) == 0 {
		positive = []intent.Intent{intent.Affirm, intent.Interested}
	}
	for _, p := range positive {
		if p == in {
			return true
		}
	}
	return false
}

// IsNegative reports an explicit refusal.
func IsNegative(in intent.Intent) bool {
	return in == intent.Deny || in == intent.NotInterested
}

type Scenario struct {
	Name       string
	Start      string
	MaxRetries int
	RetryStep  string
	FailedStep string
	Steps      map[string]*Step
}

func (sc *Scenario) Step(name string) (*Step, bool) {
	s, ok := sc.Steps[name]
	return s, ok
}

// QuestionNumber is the interaction index stored for a step.
func (sc *Scenario) QuestionNumber(step string) int {
	if s, ok := sc.Steps[step]; ok {
		return s.Question
	}
	return 0
}

// Validate checks that the table is closed and reachable targets exist.
func (sc *Scenario) Validate() error {
	var errs []error
	if sc.Name == "" {
		errs = append(errs, errors.New("scenario name is required"))
	}
	if _, ok := sc.Steps[sc.Start]; !ok {
		errs = append(errs, fmt.Errorf("start step %q does not exist", sc.Start))
	}
	if sc.RetryStep != "" {
		if _, ok := sc.Steps[sc.RetryStep]; !ok {
			errs = append(errs, fmt.Errorf("retry step %q does not exist", sc.RetryStep))
		}
	}
	if failed, ok := sc.Steps[sc.FailedStep]; !ok {
		errs = append(errs, fmt.Errorf("failed step %q does not exist", sc.FailedStep))
	} else if !failed.Terminal {
		errs = append(errs, fmt.Errorf("failed step %q must be terminal", sc.FailedStep))
	}
	if sc.MaxRetries < 0 {
		errs = append(errs, errors.New("max_retries must be >= 0"))
	}

	known := make(map[intent.Intent]struct{})
	for _, in := range intent.All() {
		known[in] = struct{}{}
	}
	for _, name := range sortedNames(sc.Steps) {
		s := sc.Steps[name]
		if s.Name != name {
			errs = append(errs, fmt.Errorf("step %q is registered as %q", s.Name, name))
		}
		if s.Terminal {
			if s.Outcome != OutcomeSuccess && s.Outcome != OutcomeFailed {
				errs = append(errs, fmt.Errorf("terminal step %q needs an outcome", name))
			}
			continue
		}
		for in, target := range s.Intents {
			if _, ok := known[in]; !ok {
				errs = append(errs, fmt.Errorf("step %q maps unknown intent %q", name, in))
			}
			if _, ok := sc.Steps[target]; !ok {
				errs = append(errs, fmt.Errorf("step %q intent %q targets missing step %q", name, in, target))
			}
		}
		if s.Fallback != "" {
			if _, ok := sc.Steps[s.Fallback]; !ok {
				errs = append(errs, fmt.Errorf("step %q fallback targets missing step %q", name, s.Fallback))
			}
		}
		for _, in := range intent.All() {
			if s.Next(in) == "" {
				errs = append(errs, fmt.Errorf("step %q does not handle intent %q", name, in))
			}
		}
		for _, in := range s.Positive {
			if _, ok := known[in]; !ok {
				errs = append(errs, fmt.Errorf("step %q lists unknown positive intent %q", name, in))
			}
		}
	}
	return errors.Join(errs...)
}

func sortedNames(steps map[string]*Step) []string {
	names := make([]string, 0, len(steps))
	for name := range steps {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
