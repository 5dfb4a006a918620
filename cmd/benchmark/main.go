// Benchmark tool replaying consumptions against an in-process engine.
//
// Usage:
//   go run cmd/benchmark/main.go -rules 500 -events 100000 -workers 8
//   go run cmd/benchmark/main.go -csv consumptions.csv
//
// This tool:
//   1. Seeds a temporary SQLite database with generated rules
//   2. Replays consumptions (generated, or read from a CSV) through CalculateSubsidy
//   3. Keeps changing rule priorities and refreshing the snapshot meanwhile
//   4. Reports latency percentiles, match rate and snapshot versions observed
//
// CSV columns (header required): user_id,subsidy_type,amount,consume_time,meal_type,device_id
package main

import (
	"context"
	"encoding/csv"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/opensource-finance/subsidy/internal/domain"
	"github.com/opensource-finance/subsidy/internal/engine"
	"github.com/opensource-finance/subsidy/internal/repository"
)

var (
	subsidyTypes = []string{"MEAL", "SHOP", "TRAVEL", "GYM"}
	meals        = []domain.MealType{domain.MealBreakfast, domain.MealLunch, domain.MealDinner, domain.MealSupper}
)

// Metrics tracks benchmark results
type Metrics struct {
	TotalProcessed int64
	TotalMatched   int64
	TotalErrors    int64
	Refreshes      int64

	MinVersion uint64
	MaxVersion uint64

	latencies []time.Duration
	mu        sync.Mutex
}

func (m *Metrics) observe(d time.Duration, res *domain.CalculationResult) {
	atomic.AddInt64(&m.TotalProcessed, 1)
	switch {
	case !res.Success:
		atomic.AddInt64(&m.TotalErrors, 1)
	case res.Matched:
		atomic.AddInt64(&m.TotalMatched, 1)
	}

	m.mu.Lock()
	m.latencies = append(m.latencies, d)
	if m.MinVersion == 0 || res.SnapshotVersion < m.MinVersion {
		m.MinVersion = res.SnapshotVersion
	}
	if res.SnapshotVersion > m.MaxVersion {
		m.MaxVersion = res.SnapshotVersion
	}
	m.mu.Unlock()
}

func main() {
	numRules := flag.Int("rules", 200, "Number of generated rules")
	numEvents := flag.Int("events", 50000, "Number of generated consumptions (ignored with -csv)")
	csvPath := flag.String("csv", "", "Replay consumptions from a CSV file instead of generating them")
	workers := flag.Int("workers", 8, "Number of concurrent callers")
	refreshEvery := flag.Duration("refresh", 50*time.Millisecond, "Interval between rule changes (0 disables)")
	threshold := flag.Int("parallel-threshold", 64, "Bucket size at which matching fans out")
	seed := flag.Int64("seed", 1, "Random seed")
	verbose := flag.Bool("verbose", false, "Print each result")
	flag.Parse()

	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	rng := rand.New(rand.NewSource(*seed))

	dir, err := os.MkdirTemp("", "subsidy-bench-*")
	if err != nil {
		fmt.Printf("ERROR: %v\n", err)
		os.Exit(1)
	}
	defer os.RemoveAll(dir)

	repo, err := repository.New(domain.RepositoryConfig{
		Driver:     "sqlite",
		SQLitePath: filepath.Join(dir, "bench.db"),
	})
	if err != nil {
		fmt.Printf("ERROR: failed to open repository: %v\n", err)
		os.Exit(1)
	}
	defer repo.Close()

	ctx := context.Background()
	ids, err := seedRules(ctx, repo, *numRules, rng)
	if err != nil {
		fmt.Printf("ERROR: failed to seed rules: %v\n", err)
		os.Exit(1)
	}

	eng, err := engine.New(domain.EngineConfig{
		RefreshInterval:   time.Hour,
		RefreshTimeout:    10 * time.Second,
		ParallelThreshold: *threshold,
		MaxWorkers:        4,
		TimeZone:          "UTC",
	}, engine.Deps{Rules: repo, NodeID: "benchmark"}, log)
	if err != nil {
		fmt.Printf("ERROR: %v\n", err)
		os.Exit(1)
	}
	if err := eng.Refresh(ctx); err != nil {
		fmt.Printf("ERROR: failed to load rules: %v\n", err)
		os.Exit(1)
	}

	var events []*domain.CalculationRequest
	if *csvPath != "" {
		events, err = readConsumptionCSV(*csvPath)
		if err != nil {
			fmt.Printf("ERROR: Failed to read CSV: %v\n", err)
			os.Exit(1)
		}
	} else {
		events = generateEvents(*numEvents, rng)
	}

	fmt.Println("SUBSIDY ENGINE BENCHMARK")
	fmt.Printf("\nRules:       %d\n", len(ids))
	fmt.Printf("Events:      %d\n", len(events))
	fmt.Printf("Workers:     %d\n", *workers)
	fmt.Printf("Refresh:     %v\n", *refreshEvery)
	fmt.Printf("Threshold:   %d\n", *threshold)
	fmt.Println()

	metrics := &Metrics{latencies: make([]time.Duration, 0, len(events))}

	stopChurn := make(chan struct{})
	churnDone := make(chan struct{})
	go func() {
		defer close(churnDone)
		if *refreshEvery <= 0 {
			return
		}
		churn(ctx, eng, ids, *refreshEvery, rand.New(rand.NewSource(*seed+1)), metrics, stopChurn, log)
	}()

	startTime := time.Now()
	runBenchmark(ctx, eng, events, *workers, metrics, *verbose)
	duration := time.Since(startTime)

	close(stopChurn)
	<-churnDone

	printResults(metrics, duration)
}

// seedRules writes n enabled rules spread over the subsidy types and all
// four calculation strategies.
func seedRules(ctx context.Context, repo *repository.SQLRepository, n int, rng *rand.Rand) ([]int64, error) {
	from := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	ids := make([]int64, 0, n)

	for i := 0; i < n; i++ {
		rule := &domain.Rule{
			Code:          fmt.Sprintf("BENCH-%05d", i),
			Name:          fmt.Sprintf("benchmark rule %d", i),
			SubsidyType:   subsidyTypes[i%len(subsidyTypes)],
			Priority:      rng.Intn(100),
			Status:        domain.StatusEnabled,
			EffectiveFrom: from,
			ApplyTimeType: domain.ApplyAll,
		}

		switch i % 4 {
		case 0:
			rule.RuleType = domain.RuleTypeFixed
			rule.FixedAmount = decimal.NewNullDecimal(decimal.NewFromInt(int64(1 + rng.Intn(10))))
		case 1:
			rule.RuleType = domain.RuleTypeRate
			rule.Rate = decimal.NewNullDecimal(decimal.New(int64(5+rng.Intn(45)), -2))
			rule.MaxSubsidyAmount = decimal.NewNullDecimal(decimal.NewFromInt(20))
		case 2:
			rule.RuleType = domain.RuleTypeTier
			rule.TierConfig = `[{"minAmount":"0","rate":"0.05"},{"minAmount":"50","rate":"0.1"},{"minAmount":"200","rate":"0.2"}]`
		case 3:
			rule.RuleType = domain.RuleTypeTimeLimited
			rule.FixedAmount = decimal.NewNullDecimal(decimal.NewFromInt(3))
			rule.PayoutStartTime = "11:00"
			rule.PayoutEndTime = "14:00"
		}
		if rng.Intn(3) == 0 {
			rule.MealTypes = string(meals[rng.Intn(len(meals))])
		}

		if err := repo.SaveRule(ctx, rule); err != nil {
			return nil, err
		}
		ids = append(ids, rule.ID)
	}
	return ids, nil
}

func generateEvents(n int, rng *rand.Rand) []*domain.CalculationRequest {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	events := make([]*domain.CalculationRequest, n)
	for i := range events {
		events[i] = &domain.CalculationRequest{
			UserID:        fmt.Sprintf("user-%d", rng.Intn(10000)),
			SubsidyType:   subsidyTypes[rng.Intn(len(subsidyTypes))],
			ConsumeAmount: decimal.New(int64(100+rng.Intn(50000)), -2),
			ConsumeTime:   base.Add(time.Duration(rng.Int63n(int64(30 * 24 * time.Hour)))),
			MealType:      meals[rng.Intn(len(meals))],
			DeviceID:      fmt.Sprintf("pos-%d", rng.Intn(50)),
			TransactionID: uuid.NewString(),
		}
	}
	return events
}

func readConsumptionCSV(path string) ([]*domain.CalculationRequest, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	reader := csv.NewReader(file)

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}
	colIndex := make(map[string]int)
	for i, col := range header {
		colIndex[strings.ToLower(strings.TrimSpace(col))] = i
	}
	for _, col := range []string{"subsidy_type", "amount"} {
		if _, ok := colIndex[col]; !ok {
			return nil, fmt.Errorf("missing column %q", col)
		}
	}
	field := func(record []string, col string) string {
		i, ok := colIndex[col]
		if !ok || i >= len(record) {
			return ""
		}
		return strings.TrimSpace(record[i])
	}

	var events []*domain.CalculationRequest
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			continue // Skip malformed rows
		}

		amount, err := decimal.NewFromString(field(record, "amount"))
		if err != nil {
			continue
		}
		req := &domain.CalculationRequest{
			UserID:        field(record, "user_id"),
			SubsidyType:   field(record, "subsidy_type"),
			ConsumeAmount: amount,
			MealType:      domain.MealType(strings.ToUpper(field(record, "meal_type"))),
			DeviceID:      field(record, "device_id"),
			TransactionID: uuid.NewString(),
		}
		if ts := field(record, "consume_time"); ts != "" {
			if at, err := time.Parse(time.RFC3339, ts); err == nil {
				req.ConsumeTime = at
			}
		}
		events = append(events, req)
	}
	return events, nil
}

// churn flips rule priorities and forces snapshot rebuilds until stop closes.
func churn(ctx context.Context, eng *engine.Engine, ids []int64, every time.Duration, rng *rand.Rand, m *Metrics, stop <-chan struct{}, log *slog.Logger) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			var err error
			if len(ids) > 0 {
				err = eng.AdjustPriority(ctx, ids[rng.Intn(len(ids))], rng.Intn(100))
			} else {
				err = eng.Refresh(ctx)
			}
			if err != nil {
				log.Warn("rule change failed", "error", err)
				continue
			}
			atomic.AddInt64(&m.Refreshes, 1)
		}
	}
}

func runBenchmark(ctx context.Context, eng *engine.Engine, events []*domain.CalculationRequest, numWorkers int, metrics *Metrics, verbose bool) {
	work := make(chan *domain.CalculationRequest, 100)
	var wg sync.WaitGroup

	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for req := range work {
				start := time.Now()
				res := eng.CalculateSubsidy(ctx, req)
				metrics.observe(time.Since(start), res)

				if verbose {
					fmt.Printf("%-10s | %-6s | %10s | matched: %-5v | rule: %-12s | subsidy: %8s | v%d\n",
						req.UserID, req.SubsidyType, req.ConsumeAmount.StringFixed(2),
						res.Matched, res.RuleCode, res.SubsidyAmount.StringFixed(2), res.SnapshotVersion)
				}
			}
		}()
	}

	for _, req := range events {
		work <- req
	}
	close(work)
	wg.Wait()
}

func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	i := int(float64(len(sorted)-1) * p)
	return sorted[i]
}

func printResults(m *Metrics, duration time.Duration) {
	fmt.Println("\nBENCHMARK RESULTS")

	fmt.Printf("\nEVALUATIONS\n")
	fmt.Printf("   Total Processed:  %d\n", m.TotalProcessed)
	fmt.Printf("   Matched:          %d\n", m.TotalMatched)
	fmt.Printf("   Errors:           %d\n", m.TotalErrors)
	if m.TotalProcessed > 0 {
		fmt.Printf("   Match Rate:       %.2f%%\n", 100*float64(m.TotalMatched)/float64(m.TotalProcessed))
	}

	fmt.Printf("\nSNAPSHOTS\n")
	fmt.Printf("   Rule Changes:     %d\n", m.Refreshes)
	fmt.Printf("   Versions Seen:    %d .. %d\n", m.MinVersion, m.MaxVersion)

	sort.Slice(m.latencies, func(i, j int) bool { return m.latencies[i] < m.latencies[j] })

	fmt.Printf("\nPERFORMANCE\n")
	fmt.Printf("   Total Duration:   %v\n", duration.Round(time.Millisecond))
	if m.TotalProcessed > 0 {
		fmt.Printf("   Throughput:       %.2f calc/sec\n", float64(m.TotalProcessed)/duration.Seconds())
		fmt.Printf("   p50 Latency:      %v\n", percentile(m.latencies, 0.50))
		fmt.Printf("   p95 Latency:      %v\n", percentile(m.latencies, 0.95))
		fmt.Printf("   p99 Latency:      %v\n", percentile(m.latencies, 0.99))
		fmt.Printf("   Max Latency:      %v\n", m.latencies[len(m.latencies)-1])
	}

	fmt.Println()
}
