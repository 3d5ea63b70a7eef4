// Command mdnsd advertises services over multicast DNS, optionally browses
// for others, and exports Prometheus metrics.
//
//	mdnsd -config /etc/mdnsd.toml
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/joshuafuller/mdnscore/internal/config"
	"github.com/joshuafuller/mdnscore/internal/logger"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, os.Args[1:], os.Stderr); err != nil {
		fmt.Fprintf(os.Stderr, "mdnsd: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, stderr io.Writer) error {
	fs := flag.NewFlagSet("mdnsd", flag.ContinueOnError)
	fs.SetOutput(stderr)
	path := fs.String("config", "", "path to a TOML configuration file")
	check := fs.Bool("check", false, "validate the configuration and exit")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := loadConfig(*path)
	if err != nil {
		return err
	}
	if *check {
		fmt.Fprintf(stderr, "%s: ok, %d services, %d browse types\n", displayPath(*path), len(cfg.Services), len(cfg.Browse))
		return nil
	}

	logger.Configure(logger.ParseConfig(cfg.LogLevel, cfg.LogFormat))
	d, err := newDaemon(cfg, deps{})
	if err != nil {
		return err
	}
	return d.run(ctx)
}

func loadConfig(path string) (config.Config, error) {
	if path == "" {
		cfg := config.Default()
		return cfg, cfg.Validate()
	}
	return config.Load(path)
}

func displayPath(path string) string {
	if path == "" {
		return "defaults"
	}
	return path
}
