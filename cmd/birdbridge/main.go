package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/chaz8081/birdbridge/internal/ble"
	"github.com/chaz8081/birdbridge/internal/bridge"
	"github.com/chaz8081/birdbridge/internal/config"
)

func main() {
	// CLI flags
	configPath := flag.String("config", "", "path to config file (default: ~/.config/birdbridge/config.yaml)")
	writeConfig := flag.Bool("write-config", false, "write a default config file and exit")
	flag.Parse()

	if *writeConfig {
		path, err := config.WriteDefault()
		if err != nil {
			log.Fatalf("write config: %v", err)
		}
		if path == "" {
			log.Printf("Config already exists at %s, not overwriting", config.DefaultConfigPath())
			return
		}
		log.Printf("Default config written to %s; set peripheral.address before starting", path)
		return
	}

	// Load configuration
	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	if err := cfg.Validate(); err != nil {
		log.Fatalf("config validation: %v", err)
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: config.ParseLogLevel(cfg.LogLevel),
	})))

	printBanner(cfg)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	b, err := bridge.New(cfg, ble.NewTinyGoAdapter(), reg)
	if err != nil {
		log.Fatalf("Failed to initialize bridge: %v", err)
	}

	// Signal handling for graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Printf("Ready! Control surface on %s. Ctrl+C to quit.", cfg.HTTP.Addr)
	if err := b.Run(ctx); err != nil {
		log.Fatalf("bridge: %v", err)
	}
	log.Println("Goodbye!")
}

// loadConfig loads the config from the specified path, or falls back to
// the default config path, or uses built-in defaults.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.Load(path)
	}

	// Try default config path
	defaultPath := config.DefaultConfigPath()
	if _, err := os.Stat(defaultPath); err == nil {
		cfg, err := config.Load(defaultPath)
		if err != nil {
			return nil, fmt.Errorf("loading %s: %w", defaultPath, err)
		}
		log.Printf("Config loaded from %s", defaultPath)
		return cfg, nil
	}

	// No config file, use defaults
	log.Println("No config file found, using defaults (run with -write-config to create one)")
	return config.Default(), nil
}

// printBanner displays the startup configuration summary.
func printBanner(cfg *config.Config) {
	fmt.Println("=== birdbridge ===")
	fmt.Printf("  Peripheral: %s\n", cfg.Peripheral.Address)
	fmt.Printf("  Poll:       %s every %s (backoff %s)\n", cfg.Poll.Mode, cfg.Poll.Interval, cfg.Poll.Backoff)
	fmt.Printf("  Clock:      epoch %s, offset %s\n", cfg.Clock.Epoch, cfg.Clock.UTCOffset)
	fmt.Printf("  HTTP:       %s\n", cfg.HTTP.Addr)
	fmt.Printf("  Log:        %s\n", cfg.LogLevel)
	fmt.Println("==================")
}
