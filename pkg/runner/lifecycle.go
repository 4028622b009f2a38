package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/harunnryd/callbot/pkg/logging"
)

// ErrDrainTimeout is returned when the shutdown sequence outlives the
// runner timeout.
var ErrDrainTimeout = errors.New("drain timeout")

// Stage is one named step of the shutdown sequence. Stages run in order
// and share a single deadline.
type Stage struct {
	Name  string
	Drain func(ctx context.Context) error
}

// DrainStage wraps a Drainer that does not watch the deadline itself.
func DrainStage(name string, d Drainer) Stage {
	return Stage{Name: name, Drain: func(context.Context) error { return d.Drain() }}
}

// LifecycleRunner prints the banner, starts the robot, blocks until its
// context ends, then walks the drain stages before stopping.
type LifecycleRunner struct {
	state    int32
	ctx      context.Context
	cancel   context.CancelFunc
	onceStop sync.Once
	hooks    Hooks
	stages   []Stage
	stopErr  error
	timeout  time.Duration
	log      *slog.Logger
}

func NewLifecycleRunner(stages []Stage, hooks Hooks, timeout time.Duration) *LifecycleRunner {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &LifecycleRunner{
		state:   int32(StateNew),
		ctx:     ctx,
		cancel:  cancel,
		hooks:   hooks,
		stages:  stages,
		timeout: timeout,
		log:     logging.NewComponentLogger(slog.Default(), "lifecycle"),
	}
}

func (r *LifecycleRunner) Run(ctx context.Context) error {
	if !r.casState(StateNew, StateStarting) {
		return fmt.Errorf("run from state %s", r.State())
	}
	PrintBanner(r.hooks.Mode, r.stageNames())
	if ctx != nil {
		r.ctx, r.cancel = context.WithCancel(ctx)
	}
	if r.hooks.OnStart != nil {
		r.hooks.OnStart()
	}
	r.setState(StateRunning)
	r.log.Info("robot_running", "mode", r.hooks.Mode)
	<-r.ctx.Done()
	return r.stop()
}

func (r *LifecycleRunner) Stop() error {
	r.cancel()
	return r.stop()
}

func (r *LifecycleRunner) State() State {
	return State(atomic.LoadInt32(&r.state))
}

func (r *LifecycleRunner) stop() error {
	r.onceStop.Do(func() {
		r.setState(StateDraining)
		r.stopErr = r.drain()
		if r.hooks.OnStop != nil {
			r.hooks.OnStop()
		}
		r.setState(StateStopped)
		r.log.Info("robot_stopped", "mode", r.hooks.Mode)
	})
	return r.stopErr
}

// drain runs every stage in order. A failed stage does not stop the
// sequence; the deadline does.
func (r *LifecycleRunner) drain() error {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()

	var errs []error
	for i, st := range r.stages {
		start := time.Now()
		done := make(chan error, 1)
		go func(st Stage) {
			done <- st.Drain(ctx)
		}(st)
		select {
		case err := <-done:
			if err != nil {
				r.log.Warn("drain_stage_failed", "stage", st.Name, "error", err.Error())
				errs = append(errs, fmt.Errorf("drain %s: %w", st.Name, err))
				continue
			}
			r.log.Info("drain_stage_done", "stage", st.Name, "elapsed_ms", time.Since(start).Milliseconds())
		case <-ctx.Done():
			skipped := make([]string, 0, len(r.stages)-i-1)
			for _, rest := range r.stages[i+1:] {
				skipped = append(skipped, rest.Name)
			}
			r.log.Error("drain_timeout", "stage", st.Name, "skipped", skipped, "timeout", r.timeout.String())
			errs = append(errs, fmt.Errorf("%w: stage %s", ErrDrainTimeout, st.Name))
			return errors.Join(errs...)
		}
	}
	return errors.Join(errs...)
}

func (r *LifecycleRunner) stageNames() string {
	names := make([]string, len(r.stages))
	for i, st := range r.stages {
		names[i] = st.Name
	}
	return strings.Join(names, " > ")
}

func (r *LifecycleRunner) casState(from, to State) bool {
	return atomic.CompareAndSwapInt32(&r.state, int32(from), int32(to))
}

func (r *LifecycleRunner) setState(s State) {
	atomic.StoreInt32(&r.state, int32(s))
}
