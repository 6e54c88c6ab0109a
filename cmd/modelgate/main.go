// Command modelgate starts the gateway control plane: it loads
// configuration, discovers providers from the environment when none
// are configured, and runs until interrupted.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	modelgate "github.com/convergelabs/modelgate"
	"github.com/convergelabs/modelgate/config"
	"github.com/convergelabs/modelgate/providers"

	// Provider factories register themselves at import time
	_ "github.com/convergelabs/modelgate/providers/anthropic"
	_ "github.com/convergelabs/modelgate/providers/bedrock"
	_ "github.com/convergelabs/modelgate/providers/openai"
)

func main() {
	configPath := flag.String("config", "", "path to the YAML configuration file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "modelgate: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	// With no configured providers, fall back to environment detection
	// so a bare `OPENAI_API_KEY=... modelgate` works out of the box
	if len(cfg.Providers) == 0 {
		for _, f := range providers.DetectAvailable() {
			settings, _ := f.DetectEnvironment()
			cfg.Providers[f.Name()] = config.ProviderEntry{
				Type:     f.Name(),
				Enabled:  true,
				Settings: settings,
			}
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	gw, err := modelgate.New(ctx, cfg)
	if err != nil {
		return err
	}

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return gw.Shutdown(shutdownCtx)
}
