package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kong"

	"github.com/sjvermaak/clawgate/internal/config"
	"github.com/sjvermaak/clawgate/internal/gateway"
	. "github.com/sjvermaak/clawgate/internal/logging"
)

var cli struct {
	Serve   ServeCmd   `cmd:"" default:"1" help:"Run the gateway."`
	Version VersionCmd `cmd:"" help:"Print the version."`
}

type ServeCmd struct {
	Config   string `short:"c" default:"clawgate.yaml" help:"Config file path."`
	LogLevel string `default:"" help:"Override log level (trace|debug|info|warn|error)."`
}

type VersionCmd struct{}

func (v *VersionCmd) Run() error {
	fmt.Printf("clawgate %s\n", gateway.Version)
	return nil
}

func (s *ServeCmd) Run() error {
	cfgm, err := config.Load(s.Config)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	cfg := cfgm.Current()

	level := cfg.Logging.Level
	if s.LogLevel != "" {
		level = s.LogLevel
	}
	Init(&Config{
		Level:      ParseLevel(level),
		ShowCaller: cfg.Logging.ShowCaller,
	})

	L_info("clawgate %s starting", gateway.Version)

	gw, err := gateway.New(cfgm)
	if err != nil {
		return fmt.Errorf("failed to construct gateway: %w", err)
	}

	// Built-in tools.
	if err := gw.RegisterBuiltinTools(); err != nil {
		return fmt.Errorf("failed to register tools: %w", err)
	}

	if err := cfgm.Watch(); err != nil {
		L_warn("config: hot reload unavailable", "error", err)
	}
	defer cfgm.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := gw.Start(ctx); err != nil {
		return fmt.Errorf("failed to start gateway: %w", err)
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	L_info("clawgate shutting down")
	cancel()
	gw.Stop()
	return nil
}

func main() {
	ctx := kong.Parse(&cli,
		kong.Name("clawgate"),
		kong.Description("Local-first AI assistant gateway."),
		kong.UsageOnError(),
	)
	if err := ctx.Run(); err != nil {
		L_fatal("%v", err)
	}
}
