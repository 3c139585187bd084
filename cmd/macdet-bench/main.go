package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"sort"
	"time"

	"github.com/macdet/macdet/internal/config"
	"github.com/macdet/macdet/internal/detection"
	"github.com/macdet/macdet/internal/ensemble"
	"github.com/macdet/macdet/internal/mockengine"
	"github.com/macdet/macdet/internal/server"
)

func main() {
	cfgPath := flag.String("config", "", "path to config yaml (ignored with -mock)")
	mock := flag.Bool("mock", false, "start local mock engines and a mock language detector")
	delay := flag.Duration("mock-delay", -1, "mock engine delay (negative reads MOCK_DELAY_MS)")
	n := flag.Int("n", 200, "number of iterations")
	text := flag.String("text", "The quarterly report shows steady growth across all regions.", "text to classify")
	mode := flag.String("mode", "", "fusion mode override: linear_pool or decision_tree")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if *mock {
		stop, err := startMocks(cfg, *delay, logger)
		if err != nil {
			log.Fatalf("start mock engines: %v", err)
		}
		defer stop()
	} else if *cfgPath == "" {
		log.Fatalf("config flag is required without -mock")
	}
	if err := config.Validate(cfg); err != nil {
		log.Fatalf("invalid config: %v", err)
	}

	comp, err := server.Build(cfg, nil, logger)
	if err != nil {
		log.Fatalf("build ensemble: %v", err)
	}
	defer func() { _ = comp.Close(context.Background()) }()

	fuseMode := comp.Ensemble.Mode()
	if *mode != "" {
		if fuseMode, err = ensemble.ParseMode(*mode); err != nil {
			log.Fatalf("%v", err)
		}
	}

	ctx := context.Background()
	// Warmup
	for i := 0; i < 5; i++ {
		if _, err := comp.Ensemble.FuseWithMode(ctx, *text, fuseMode); err != nil {
			log.Fatalf("warmup fusion failed: %v", err)
		}
	}

	if *n <= 0 {
		*n = 1
	}

	var last *ensemble.FusedVerdict
	durations := make([]time.Duration, 0, *n)
	perEngine := map[string][]time.Duration{}
	for i := 0; i < *n; i++ {
		start := time.Now()
		out, err := comp.Ensemble.FuseWithMode(ctx, *text, fuseMode)
		if err != nil {
			log.Fatalf("fusion failed: %v", err)
		}
		durations = append(durations, time.Since(start))
		for _, rep := range out.PerEngine {
			perEngine[rep.Name] = append(perEngine[rep.Name], time.Duration(rep.LatencyMs*float64(time.Millisecond)))
		}
		last = out
	}

	sort.Slice(durations, func(i, j int) bool { return durations[i] < durations[j] })

	var total time.Duration
	for _, d := range durations {
		total += d
	}

	avg := float64(total.Microseconds()) / 1000.0 / float64(len(durations))
	fmt.Printf("bench: n=%d mode=%s avg_ms=%.2f p50_ms=%.2f p95_ms=%.2f p99_ms=%.2f label=%s confidence=%.4f engines=%d\n",
		len(durations),
		fuseMode,
		avg,
		percentile(durations, 0.50),
		percentile(durations, 0.95),
		percentile(durations, 0.99),
		last.Label,
		last.Confidence,
		len(last.PerEngine),
	)
	for _, rep := range last.PerEngine {
		lat := perEngine[rep.Name]
		sort.Slice(lat, func(i, j int) bool { return lat[i] < lat[j] })
		fmt.Printf("  engine=%s kind=%s available=%t p50_ms=%.2f p95_ms=%.2f p99_ms=%.2f\n",
			rep.Name, rep.Kind, rep.Available,
			percentile(lat, 0.50), percentile(lat, 0.95), percentile(lat, 0.99))
	}
}

func percentile(sorted []time.Duration, q float64) float64 {
	i := int(float64(len(sorted)) * q)
	if i >= len(sorted) {
		i = len(sorted) - 1
	}
	return float64(sorted[i].Microseconds()) / 1000.0
}

// startMocks replaces the configured members with one local mock engine per
// kind and points language detection at a mock detector.
func startMocks(cfg *config.Config, delay time.Duration, logger *slog.Logger) (func(), error) {
	var stops []func(context.Context) error
	stopAll := func() {
		for _, s := range stops {
			_ = s(context.Background())
		}
	}

	kinds := []struct {
		name   string
		kind   detection.Kind
		weight float64
	}{
		{"primary", detection.KindPrimary, 0.5},
		{"watermark", detection.KindWatermark, 0.3},
		{"secondary", detection.KindSecondaryLanguage, 0.2},
	}
	cfg.Ensemble.Members = cfg.Ensemble.Members[:0]
	for _, k := range kinds {
		stop, url, err := mockengine.Start("127.0.0.1:0", mockengine.Options{Kind: k.kind, Delay: delay, Logger: logger})
		if err != nil {
			stopAll()
			return nil, err
		}
		stops = append(stops, stop)
		cfg.Ensemble.Members = append(cfg.Ensemble.Members, config.MemberConfig{
			Name: k.name, Kind: string(k.kind), BaseURL: url, BaseWeight: k.weight,
		})
	}

	stop, url, err := mockengine.Start("127.0.0.1:0", mockengine.Options{Delay: 0, Logger: logger})
	if err != nil {
		stopAll()
		return nil, err
	}
	stops = append(stops, stop)
	cfg.Language.DetectorURL = url + "/detect"
	return stopAll, nil
}
