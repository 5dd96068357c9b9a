// Command probe queries each upstream directly for every configured
// instrument, without fallback, and prints what came back.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"tokenfeed/internal/app"
	"tokenfeed/internal/config"
	"tokenfeed/internal/instruments"
	"tokenfeed/internal/logging"
	"tokenfeed/internal/provider"
)

type result struct {
	symbol   string
	provider string
	quote    provider.RawQuote
	elapsed  time.Duration
	err      error
}

func main() {
	_ = godotenv.Load()

	var (
		symbolsCSV string
		configPath string
		timeout    time.Duration
	)
	flag.StringVar(&symbolsCSV, "symbols", "", "comma-separated symbols to probe (default: all configured)")
	flag.StringVar(&configPath, "config", os.Getenv("CONFIG_FILE"), "path to config.yaml or config.json (optional)")
	flag.DurationVar(&timeout, "timeout", time.Minute, "overall timeout")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	logger, err := logging.NewWithWriter(cfg.Log, os.Stderr)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	a, err := app.New(ctx, cfg, logger, nil)
	if err != nil {
		log.Fatalf("wiring: %v", err)
	}
	defer func() { _ = a.Close() }()

	list := a.Instruments
	if symbolsCSV != "" {
		list, err = instruments.Select(a.Instruments, strings.Split(symbolsCSV, ","))
		if err != nil {
			log.Fatalf("symbols: %v", err)
		}
	}

	fetchers := []provider.Fetcher{a.Primary, a.Secondary}
	results := make([]result, len(list)*len(fetchers))
	g, gctx := errgroup.WithContext(ctx)
	for i, inst := range list {
		for j, f := range fetchers {
			g.Go(func() error {
				start := time.Now()
				q, err := f.Fetch(gctx, inst)
				results[i*len(fetchers)+j] = result{
					symbol:   inst.Symbol,
					provider: f.Name(),
					quote:    q,
					elapsed:  time.Since(start),
					err:      err,
				}
				return nil
			})
		}
	}
	_ = g.Wait()

	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SYMBOL\tPROVIDER\tPRICE USD\tCHANGE 24H %\tVOLUME 24H USD\tLATENCY\tERROR")
	failures := 0
	for _, r := range results {
		if r.err != nil {
			failures++
			fmt.Fprintf(tw, "%s\t%s\t-\t-\t-\t%s\t%v\n", r.symbol, r.provider, r.elapsed.Round(time.Millisecond), r.err)
			continue
		}
		fmt.Fprintf(tw, "%s\t%s\t%.4f\t%.2f\t%.0f\t%s\t\n",
			r.symbol, r.provider, r.quote.PriceUSD, r.quote.Change24hPct, r.quote.Volume24hUSD, r.elapsed.Round(time.Millisecond))
	}
	_ = tw.Flush()

	if failures == len(results) {
		os.Exit(1)
	}
}
