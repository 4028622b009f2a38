package runner

import (
	"bytes"
	"context"
	"io"
	"os"

	"github.com/dimiro1/banner"
)

type State int

const (
	StateNew State = iota
	StateStarting
	StateRunning
	StateDraining
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateDraining:
		return "draining"
	case StateStopped:
		return "stopped"
	}
	return "unknown"
}

type Runner interface {
	Run(ctx context.Context) error
	Stop() error
	State() State
}

// Hooks run around the lifecycle. Mode is printed under the banner
// ("serve", "batch").
type Hooks struct {
	Mode    string
	OnStart func()
	OnStop  func()
}

type Drainer interface {
	Drain() error
}


const EngineVersion = "dev"

// BannerOutput receives the startup banner. Set to io.Discard to silence it.
var BannerOutput io.Writer = os.Stdout

// PrintBanner shows the robot name, version, mode and drain sequence.
func PrintBanner(mode, drain string) {
	tpl := "{{ .Title \"CALLBOT\" \"\" 0 }}\nOutbound call robot " + EngineVersion + "\n"
	if mode != "" {
		tpl += "Mode: " + mode + "\n"
	}
	if drain != "" {
		tpl += "Drain: " + drain + "\n"
	}
	banner.Init(BannerOutput, true, false, bytes.NewBufferString(tpl))
}
