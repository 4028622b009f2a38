package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/jessevdk/go-flags"

	"github.com/harunnryd/callbot/pkg/callbot"
)

type options struct {
	Config   string `short:"f" long:"config" default:"examples/robot/config.yaml" description:"config YAML path"`
	To       string `long:"to" required:"true" description:"number to call"`
	Scenario string `long:"scenario" description:"scenario name, defaults to scenarios.default"`
	Campaign string `long:"campaign" description:"campaign id"`
	Timeout  int    `long:"timeout" default:"30" description:"launch timeout in seconds"`
}

func main() {
	var opts options
	if _, err := flags.Parse(&opts); err != nil {
		if fe, ok := err.(*flags.Error); ok && fe.Type == flags.ErrHelp {
			os.Exit(0)
		}
		os.Exit(1)
	}
	cfg, err := callbot.LoadConfig(opts.Config)
	if err != nil {
		fmt.Println("config error:", err)
		os.Exit(1)
	}
	// A single launch does not need a database.
	cfg.Persistence.Driver = "memory"

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(opts.Timeout)*time.Second)
	defer cancel()
	engine, err := callbot.NewEngine(ctx, callbot.EngineOptions{Config: cfg})
	if err != nil {
		fmt.Println("engine error:", err)
		os.Exit(1)
	}
	defer engine.Close()

	id, err := engine.Launch(ctx, opts.To, opts.Scenario, opts.Campaign)
	if err != nil {
		fmt.Println("call error:", err)
		os.Exit(1)
	}
	fmt.Println("call_id:", id)
}
