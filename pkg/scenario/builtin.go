package scenario

import (
	"time"

	"github.com/harunnryd/callbot/pkg/intent"
)

const (
	Production = "production"
	Test       = "test"
)

// Builtin returns a fresh copy of a compiled-in scenario.
func Builtin(name string) (*Scenario, bool) {
	switch name {
	case Production:
		return production(), true
	case Test:
		return testScenario(), true
	}
	return nil, false
}

func production() *Scenario {
	positive := func(target string) map[intent.Intent]string {
		return map[intent.Intent]string{intent.Affirm: target, intent.Interested: target}
	}
	question := func(name, next string, n int) *Step {
		return &Step{
			Name: name, Prompt: name + ".wav", BargeIn: true,
			MaxWait: 12 * time.Second, MaxSilence: 2 * time.Second,
			Fallback: next, Context: intent.ContextQualification, Question: n,
		}
	}
	steps := []*Step{
		{
			Name: "hello", Prompt: "hello.wav", BargeIn: true,
			MaxWait: 15 * time.Second, MaxSilence: 2 * time.Second,
			Intents: positive("q1"), Fallback: "retry",
			Context: intent.ContextGreeting, Question: 1,
		},
		{
			Name: "retry", Prompt: "retry.wav", BargeIn: true,
			MaxWait: 15 * time.Second, MaxSilence: 2 * time.Second,
			Intents: positive("q1"), Fallback: "bye_failed",
			Context: intent.ContextGreeting, Question: 2,
		},
		question("q1", "q2", 3),
		question("q2", "q3", 4),
		question("q3", "is_leads", 5),
		{
			Name: "is_leads", Prompt: "is_leads.wav", BargeIn: true,
			MaxWait: 15 * time.Second, MaxSilence: 2 * time.Second,
			Intents: map[intent.Intent]string{
				intent.Affirm:        "confirm",
				intent.Interested:    "confirm",
				intent.Deny:          "bye_failed",
				intent.NotInterested: "bye_failed",
				intent.Unsure:        "retry",
			},
			Fallback: "bye_failed", Qualifying: true,
			Context: intent.ContextFinalOffer, Question: 6,
		},
		{
			Name: "confirm", Prompt: "confirm.wav", BargeIn: true,
			MaxWait: 10 * time.Second, MaxSilence: 2 * time.Second,
			Fallback: "bye_success", Context: intent.ContextGeneral, Question: 7,
		},
		{Name: "bye_success", Prompt: "bye_success.wav", Terminal: true, Outcome: OutcomeSuccess},
		{Name: "bye_failed", Prompt: "bye_failed.wav", Terminal: true, Outcome: OutcomeFailed},
	}
	return build(Production, "hello", steps)
}

func testScenario() *Scenario {
	steps := []*Step{
		{
			Name: "test", Prompt: "test_audio.wav", BargeIn: true,
			MaxWait: 10 * time.Second, MaxSilence: 2 * time.Second,
			Fallback: "done", Context: intent.ContextGeneral, Question: 1,
		},
		{Name: "done", Terminal: true, Outcome: OutcomeSuccess},
		{Name: "bye_failed", Terminal: true, Outcome: OutcomeFailed},
	}
	sc := build(Test, "test", steps)
	sc.RetryStep = ""
	sc.MaxRetries = 0
	return sc
}

func build(name, start string, steps []*Step) *Scenario {
	sc := &Scenario{
		Name:       name,
		Start:      start,
		MaxRetries: 1,
		RetryStep:  "retry",
		FailedStep: "bye_failed",
		Steps:      make(map[string]*Step, len(steps)),
	}
	for _, s := range steps {
		sc.Steps[s.Name] = s
	}
	return sc
}
