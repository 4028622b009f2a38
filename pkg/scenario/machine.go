package scenario

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/harunnryd/callbot/pkg/intent"
	"github.com/harunnryd/callbot/pkg/sentiment"
)

type Latencies struct {
	ASR    time.Duration
	Intent time.Duration
	Total  time.Duration
}

// Turn is the caller's resolved answer to one step.
type Turn struct {
	Intent     intent.Intent
	Confidence float64
	Text       string
	Sentiment  sentiment.Result
	BargeIn    bool
	Method     string
	File       string
	Latency    Latencies
}

// StepRunner performs the audio side of each state.
type StepRunner interface {
	// RunStep plays the step prompt and returns the caller's answer.
	RunStep(ctx context.Context, step *Step) (Turn, error)
	// PlayFinal plays a terminal prompt.
	PlayFinal(ctx context.Context, step *Step) error
}

type StepTurn struct {
	Step     string
	Question int
	Turn
}

type Result struct {
	Outcome        Outcome
	Lead           bool
	FinalSentiment sentiment.Result
	Path           []string
	Turns          []StepTurn
	Retries        int
}

// TurnHook observes every resolved turn, in order.
type TurnHook func(step *Step, turn Turn)

type Machine struct {
	sc       *Scenario
	log      *slog.Logger
	onTurn   TurnHook
	maxSteps int
}

func NewMachine(sc *Scenario, log *slog.Logger) *Machine {
	if log == nil {
		log = slog.Default()
	}
	return &Machine{sc: sc, log: log, maxSteps: 4 * (len(sc.Steps) + 1)}
}

// OnTurn installs a hook called after each non-terminal step.
func (m *Machine) OnTurn(h TurnHook) *Machine {
	m.onTurn = h
	return m
}

func (m *Machine) Scenario() *Scenario { return m.sc }

// Run walks the table from the start state until a terminal state.
func (m *Machine) Run(ctx context.Context, runner StepRunner) (Result, error) {
	var res Result
	qualified := make(map[string]bool)
	current := m.sc.Start

	for i := 0; ; i++ {
		if i >= m.maxSteps {
			return res, fmt.Errorf("scenario %s: step budget exhausted at %q", m.sc.Name, current)
		}
		step, ok := m.sc.Steps[current]
		if !ok {
			return res, fmt.Errorf("scenario %s: unknown step %q", m.sc.Name, current)
		}
		res.Path = append(res.Path, step.Name)

		if step.Terminal {
			if step.Prompt != "" {
				if err := runner.PlayFinal(ctx, step); err != nil {
					if ctx.Err() != nil {
						return res, ctx.Err()
					}
					m.log.Warn("final_prompt_failed", "step", step.Name, "error", err)
				}
			}
			res.Outcome = step.Outcome
			res.Lead = step.Outcome == OutcomeSuccess && allTrue(qualified)
			m.log.Info("scenario_finished", "scenario", m.sc.Name, "outcome", res.Outcome, "lead", res.Lead, "path", res.Path)
			return res, nil
		}

		if step.Name == m.sc.RetryStep {
			res.Retries++
		}
		turn, err := runner.RunStep(ctx, step)
		if err != nil {
			return res, fmt.Errorf("step %s: %w", step.Name, err)
		}
		if _, ok := intentSet[turn.Intent]; !ok {
			turn.Intent = intent.Unsure
		}
		res.Turns = append(res.Turns, StepTurn{Step: step.Name, Question: step.Question, Turn: turn})
		if turn.Sentiment.Label != "" {
			res.FinalSentiment = turn.Sentiment
		}
		if m.onTurn != nil {
			m.onTurn(step, turn)
		}

		next := step.Next(turn.Intent)
		if step.Qualifying {
			switch {
			case step.IsPositive(turn.Intent):
				qualified[step.Name] = true
			case IsNegative(turn.Intent):
				qualified[step.Name] = false
				next = m.sc.FailedStep
			default:
				qualified[step.Name] = false
			}
		}
		if next == m.sc.RetryStep && m.sc.RetryStep != "" && res.Retries >= m.sc.MaxRetries {
			retry := m.sc.Steps[m.sc.RetryStep]
			next = retry.Next(turn.Intent)
			if next == m.sc.RetryStep {
				next = m.sc.FailedStep
			}
		}
		m.log.Debug("scenario_transition", "from", step.Name, "intent", turn.Intent, "confidence", turn.Confidence, "to", next)
		current = next
	}
}

var intentSet = func() map[intent.Intent]struct{} {
	out := make(map[intent.Intent]struct{})
	for _, in := range intent.All() {
		out[in] = struct{}{}
	}
	return out
}()

func allTrue(m map[string]bool) bool {
	for _, v := range m {
		if !v {
			return false
		}
	}
	return true
}
