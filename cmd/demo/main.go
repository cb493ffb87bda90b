package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/ChuLiYu/gridwork/internal/logging"
	"github.com/ChuLiYu/gridwork/internal/metrics"
	"github.com/ChuLiYu/gridwork/internal/sim"
	"github.com/prometheus/client_golang/prometheus"
)

func main() {
	cfg := sim.DefaultConfig()
	flag.IntVar(&cfg.Workunits, "workunits", cfg.Workunits, "workunits to create")
	flag.IntVar(&cfg.Hosts, "hosts", cfg.Hosts, "simulated hosts")
	flag.IntVar(&cfg.UnreliableEvery, "unreliable_every", cfg.UnreliableEvery, "every Nth host returns wrong output (0 = none)")
	flag.IntVar(&cfg.ErrorEvery, "error_every", cfg.ErrorEvery, "every Nth report is a client error (0 = none)")
	flag.IntVar(&cfg.MinQuorum, "min_quorum", cfg.MinQuorum, "agreeing results per canonical result")
	flag.IntVar(&cfg.CacheSize, "cache_size", cfg.CacheSize, "work cache slots")
	flag.IntVar(&cfg.MaxRounds, "max_rounds", cfg.MaxRounds, "give up after this many rounds")
	flag.Int64Var(&cfg.Seed, "seed", cfg.Seed, "random seed")
	debugLevel := flag.Int("d", 1, "log level 1-4")
	flag.Parse()

	logger, err := logging.Setup(os.Stderr, *debugLevel, "text")
	if err != nil {
		log.Fatalf("Failed to set up logging: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	s, err := sim.New(ctx, cfg, metrics.NewCollector(reg), logger)
	if err != nil {
		log.Fatalf("Failed to build simulation: %v", err)
	}

	fmt.Printf("Simulating %d workunits on %d hosts (quorum %d, cache %d slots)\n",
		cfg.Workunits, cfg.Hosts, cfg.MinQuorum, cfg.CacheSize)

	st, runErr := s.Run(ctx)

	fmt.Printf("\nResults after %d rounds:\n", st.Rounds)
	fmt.Printf("  Dispatched:      %d\n", st.Dispatched)
	fmt.Printf("  Client errors:   %d\n", st.ClientErrors)
	fmt.Printf("  Canonical:       %d\n", st.Canonical)
	fmt.Printf("  Errored:         %d\n", st.Errored)
	fmt.Printf("  Assimilated:     %d\n", st.Assimilated)
	fmt.Printf("  Files deletable: %d\n", st.FilesDeleted)
	fmt.Printf("  Valid results:   %d\n", st.ValidResults)
	fmt.Printf("  Invalid results: %d\n", st.InvalidResults)
	fmt.Printf("  Credit granted:  %.2f\n", st.CreditGranted)

	if runErr != nil {
		fmt.Fprintf(os.Stderr, "demo: %v\n", runErr)
		os.Exit(1)
	}
}
