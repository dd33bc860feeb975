// Tetherd - one worker of a tether reference-counting cluster
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/tliron/commonlog"
	_ "github.com/tliron/commonlog/simple"

	"github.com/chazu/tether/config"
	"github.com/chazu/tether/node"
)

func main() {
	configDir := flag.String("c", "", "Directory containing tether.toml (default: walk up from cwd)")
	verbosity := flag.Int("v", 0, "Log verbosity (0=errors and warnings, higher is chattier)")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: tetherd [options]\n\n")
		fmt.Fprintf(os.Stderr, "Runs one worker. The worker's id, name, listen address and peers\n")
		fmt.Fprintf(os.Stderr, "come from tether.toml.\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  tetherd                # Find tether.toml upward from cwd\n")
		fmt.Fprintf(os.Stderr, "  tetherd -c ./deploy/a  # Load deploy/a/tether.toml\n")
	}
	flag.Parse()

	commonlog.Configure(*verbosity, nil)

	cfg, err := loadConfig(*configDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	n, err := node.New(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if err := n.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := n.Stop(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error during shutdown: %v\n", err)
		os.Exit(1)
	}
}

func loadConfig(dir string) (*config.Config, error) {
	if dir != "" {
		return config.Load(dir)
	}
	cwd, err := os.Getwd()
	if err != nil {
		return nil, err
	}
	cfg, err := config.FindAndLoad(cwd)
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		return nil, fmt.Errorf("no %s found from %s upward", config.FileName, cwd)
	}
	return cfg, nil
}
