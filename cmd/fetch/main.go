package main

import (
	"context"
	"encoding/json"
	"flag"
	"log"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"tokenfeed/internal/app"
	"tokenfeed/internal/config"
	"tokenfeed/internal/instruments"
	"tokenfeed/internal/logging"
)

func main() {
	_ = godotenv.Load()

	var (
		symbolsCSV string
		configPath string
		timeout    time.Duration
		distinct   bool
	)
	flag.StringVar(&symbolsCSV, "symbols", "", "comma-separated symbols to aggregate (default: all configured)")
	flag.StringVar(&configPath, "config", os.Getenv("CONFIG_FILE"), "path to config.yaml or config.json (optional)")
	flag.DurationVar(&timeout, "timeout", 30*time.Second, "overall timeout")
	flag.BoolVar(&distinct, "distinct-synthetic", false, "report synthetic rows with source \"synthetic\"")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if distinct {
		cfg.Aggregate.DistinctSyntheticTag = true
	}
	// Logs go to stderr so stdout stays valid JSON.
	logger, err := logging.NewWithWriter(cfg.Log, os.Stderr)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	a, err := app.New(ctx, cfg, logger, nil)
	if err != nil {
		logger.Fatal("wiring", zap.Error(err))
	}
	defer func() { _ = a.Close() }()

	list := a.Instruments
	if symbols := splitCSV(symbolsCSV); len(symbols) > 0 {
		list, err = instruments.Select(a.Instruments, symbols)
		if err != nil {
			logger.Fatal("symbols", zap.Error(err))
		}
	}

	env, err := a.Aggregator.Aggregate(ctx, list)
	if err != nil {
		logger.Fatal("aggregate", zap.Error(err))
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	enc.SetEscapeHTML(false)
	if err := enc.Encode(env); err != nil {
		logger.Fatal("encode", zap.Error(err))
	}
}

func splitCSV(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
