// TrialGuard - Real-time trial abuse and ROI decisions for SaaS.
// Copyright (c) 2025 opensource.finance
// Licensed under the Apache License 2.0

// Simulate drives TrialGuard with synthetic trial traffic.
//
// Usage:
//
//	go run ./cmd/simulate -url http://localhost:8080 -events 5000
//	go run ./cmd/simulate -inprocess -events 20000 -seed 7
//
// Events come from the built-in behavior profiles (normal, abusive and
// high-value trial users). Each decision is tallied against the profile that
// produced it, so the report shows how well the engine separates them.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/opensource-finance/trialguard/internal/api"
	"github.com/opensource-finance/trialguard/internal/config"
	"github.com/opensource-finance/trialguard/internal/domain"
	"github.com/opensource-finance/trialguard/internal/engine"
	"github.com/opensource-finance/trialguard/internal/feed"
	"github.com/opensource-finance/trialguard/internal/rules"
	"github.com/opensource-finance/trialguard/internal/simulation"
	"github.com/opensource-finance/trialguard/internal/summary"
	"github.com/opensource-finance/trialguard/internal/syncutil"
	"github.com/opensource-finance/trialguard/internal/tenantcfg"
)

// outcome is one evaluated event, or the reason it was not evaluated.
type outcome struct {
	rec *domain.DecisionRecord
	err error
}

// evaluator sends one single-tenant batch and returns outcomes in input order.
type evaluator interface {
	evaluate(ctx context.Context, tenantID string, events []domain.Event) ([]outcome, error)
}

// Stats collects results across workers.
type Stats struct {
	Submitted atomic.Int64
	Decided   atomic.Int64
	Rejected  atomic.Int64
	Failed    atomic.Int64
	LatencyNs atomic.Int64
	Requests  atomic.Int64

	mu       sync.Mutex
	tally    map[string]map[domain.Disposition]int
	roiSum   map[string]float64
	roiCount map[string]int
	reasons  map[string]int
}

func newStats() *Stats {
	return &Stats{
		tally:    make(map[string]map[domain.Disposition]int),
		roiSum:   make(map[string]float64),
		roiCount: make(map[string]int),
		reasons:  make(map[string]int),
	}
}

func (s *Stats) record(profile string, rec *domain.DecisionRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.tally[profile]
	if !ok {
		row = make(map[domain.Disposition]int)
		s.tally[profile] = row
	}
	row[rec.Disposition]++
	s.roiSum[profile] += rec.ROI
	s.roiCount[profile]++
	for _, r := range rec.Reasons {
		s.reasons[r]++
	}
}

type job struct {
	gen simulation.Generated
}

func main() {
	serverURL := flag.String("url", "http://localhost:8080", "TrialGuard server URL")
	inProcess := flag.Bool("inprocess", false, "evaluate with an embedded engine instead of a server")
	events := flag.Int("events", 5000, "number of events to generate")
	seed := flag.Uint64("seed", 42, "random seed")
	workers := flag.Int("workers", 8, "number of concurrent workers")
	batch := flag.Int("batch", 1, "events per request (1 posts to /events, more to /events/batch)")
	pool := flag.Int("pool", 5, "accounts per tenant and profile")
	tenants := flag.String("tenants", strings.Join(simulation.DefaultTenants, ","), "comma-separated tenant ids")
	verbose := flag.Bool("verbose", false, "print every decision")
	flag.Parse()

	logger := config.NewLogger(domain.LoggingConfig{Level: "warn", Format: "text"}, os.Stderr)
	slog.SetDefault(logger)

	if *workers < 1 {
		*workers = 1
	}
	if *batch < 1 {
		*batch = 1
	}
	tenantIDs := splitList(*tenants)

	gen, err := simulation.NewGenerator(simulation.Options{
		Seed:     *seed,
		Tenants:  tenantIDs,
		PoolSize: *pool,
		Events:   *events,
		Start:    time.Now().UTC(),
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid simulation options: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var (
		eval evaluator
		agg  *summary.Aggregator
	)
	if *inProcess {
		local, err := newLocalEvaluator(ctx, tenantIDs, *workers, logger)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to build engine: %v\n", err)
			os.Exit(1)
		}
		eval, agg = local, local.summary
		fmt.Println("Mode: in-process engine")
	} else {
		client := &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				MaxIdleConns:        *workers * 2,
				MaxIdleConnsPerHost: *workers * 2,
				IdleConnTimeout:     90 * time.Second,
			},
		}
		fmt.Printf("Checking TrialGuard at %s...\n", *serverURL)
		if err := checkHealth(ctx, client, *serverURL); err != nil {
			fmt.Fprintf(os.Stderr, "TrialGuard not available: %v\n", err)
			os.Exit(1)
		}
		eval = &httpEvaluator{client: client, baseURL: strings.TrimRight(*serverURL, "/")}
		fmt.Println("Mode: HTTP")
	}

	fmt.Printf("Simulating %d events across %v with %d workers (batch %d, seed %d)\n\n",
		*events, tenantIDs, *workers, *batch, *seed)

	stats := newStats()
	start := time.Now()

	// Accounts are sharded onto workers so each one sees its events in order.
	queues := make([]chan job, *workers)
	var wg sync.WaitGroup
	for i := range queues {
		queues[i] = make(chan job, *batch*4)
		wg.Add(1)
		go func(in <-chan job) {
			defer wg.Done()
			runWorker(ctx, in, eval, *batch, stats, *verbose)
		}(queues[i])
	}

	for {
		g, ok := gen.NextGenerated(ctx)
		if !ok {
			break
		}
		stats.Submitted.Add(1)
		queues[syncutil.Shard(g.Event.Key().String(), len(queues))] <- job{gen: g}

		if n := stats.Submitted.Load(); n%1000 == 0 {
			fmt.Printf("\rSubmitted %d events...", n)
		}
	}
	for _, q := range queues {
		close(q)
	}
	wg.Wait()
	duration := time.Since(start)

	fmt.Printf("\rSubmitted %d events    \n", stats.Submitted.Load())
	printResults(stats, duration)
	if agg != nil {
		printSummaries(agg, tenantIDs)
	}
}

// runWorker groups a worker's jobs into per-tenant batches and evaluates them.
func runWorker(ctx context.Context, in <-chan job, eval evaluator, size int, stats *Stats, verbose bool) {
	pending := make(map[string][]simulation.Generated)

	flush := func(tenantID string) {
		items := pending[tenantID]
		if len(items) == 0 {
			return
		}
		delete(pending, tenantID)

		events := make([]domain.Event, len(items))
		for i, it := range items {
			events[i] = it.Event
		}

		began := time.Now()
		results, err := eval.evaluate(ctx, tenantID, events)
		stats.LatencyNs.Add(int64(time.Since(began)))
		stats.Requests.Add(1)
		if err != nil {
			stats.Failed.Add(int64(len(items)))
			if verbose {
				fmt.Printf("[%s] request failed: %v\n", tenantID, err)
			}
			return
		}

		for i, res := range results {
			if i >= len(items) {
				break
			}
			if res.err != nil {
				stats.Rejected.Add(1)
				if verbose {
					fmt.Printf("[%s] %s rejected: %v\n", tenantID, items[i].Event.AccountID, res.err)
				}
				continue
			}
			if res.rec == nil {
				// Accepted for asynchronous evaluation.
				stats.Decided.Add(1)
				continue
			}
			stats.Decided.Add(1)
			stats.record(items[i].Profile, res.rec)
			if verbose {
				printDecision(items[i], res.rec)
			}
		}
	}

	for j := range in {
		tenantID := j.gen.Event.TenantID
		pending[tenantID] = append(pending[tenantID], j.gen)
		if len(pending[tenantID]) >= size {
			flush(tenantID)
		}
	}
	for tenantID := range pending {
		flush(tenantID)
	}
}

// httpEvaluator posts events to a running server.
type httpEvaluator struct {
	client  *http.Client
	baseURL string
}

func (h *httpEvaluator) evaluate(ctx context.Context, tenantID string, events []domain.Event) ([]outcome, error) {
	if len(events) == 1 {
		rec, status, err := h.post(ctx, tenantID, "/events", events[0])
		if err != nil {
			return nil, err
		}
		if status == http.StatusAccepted {
			return []outcome{{}}, nil
		}
		var out outcome
		if status != http.StatusOK {
			out.err = fmt.Errorf("status %d: %s", status, strings.TrimSpace(string(rec)))
		} else {
			out.rec = new(domain.DecisionRecord)
			if err := json.Unmarshal(rec, out.rec); err != nil {
				return nil, fmt.Errorf("decode decision: %w", err)
			}
		}
		return []outcome{out}, nil
	}

	body, status, err := h.post(ctx, tenantID, "/events/batch", events)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK && status != http.StatusAccepted {
		return nil, fmt.Errorf("status %d: %s", status, strings.TrimSpace(string(body)))
	}
	var resp api.BatchResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decode batch response: %w", err)
	}
	outs := make([]outcome, len(resp.Results))
	for i, item := range resp.Results {
		switch {
		case item.Error != "":
			outs[i].err = errors.New(item.Error)
		default:
			outs[i].rec = item.Decision
		}
	}
	return outs, nil
}

func (h *httpEvaluator) post(ctx context.Context, tenantID, path string, payload any) ([]byte, int, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, 0, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(api.TenantIDHeader, tenantID)

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, err
	}
	return body, resp.StatusCode, nil
}

// localEvaluator runs an embedded engine seeded with default tenant configs.
type localEvaluator struct {
	engine  *engine.Engine
	feed    *feed.Feed
	summary *summary.Aggregator
}

func newLocalEvaluator(ctx context.Context, tenantIDs []string, workers int, logger *slog.Logger) (*localEvaluator, error) {
	ruleEngine, err := rules.NewEngine()
	if err != nil {
		return nil, err
	}
	store := tenantcfg.NewStore(ruleEngine, tenantcfg.WithLogger(logger))
	for _, id := range tenantIDs {
		if _, err := store.Seed(ctx, domain.DefaultTenantConfig(id)); err != nil {
			return nil, fmt.Errorf("seed tenant %q: %w", id, err)
		}
	}
	decisions := feed.New(1024, 0)
	return &localEvaluator{
		engine:  engine.New(store, decisions, engine.Options{BatchWorkers: workers, Logger: logger}),
		feed:    decisions,
		summary: summary.New(),
	}, nil
}

func (l *localEvaluator) evaluate(ctx context.Context, _ string, events []domain.Event) ([]outcome, error) {
	results := l.engine.EvaluateBatch(ctx, events)
	outs := make([]outcome, len(results))
	for i, res := range results {
		outs[i] = outcome{rec: res.Record, err: res.Err}
		if res.Record != nil {
			l.summary.Observe(res.Record)
		}
	}
	return outs, nil
}

func checkHealth(ctx context.Context, client *http.Client, baseURL string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(baseURL, "/")+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	var health map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		return err
	}
	fmt.Printf("TrialGuard status: %v (version %v)\n", health["status"], health["version"])
	return nil
}

func printDecision(g simulation.Generated, rec *domain.DecisionRecord) {
	target := ""
	if rec.Resource != "" {
		target = " on " + rec.Resource
	}
	fmt.Printf("[%s] %s (%s) %s%s -> %s roi=%.1f %v\n",
		rec.TenantID, rec.AccountID, g.Profile, rec.EventKind, target,
		rec.Disposition, rec.ROI, rec.Reasons)
}

var dispositions = []domain.Disposition{
	domain.DispositionAllow,
	domain.DispositionThrottle,
	domain.DispositionFlag,
	domain.DispositionBlock,
}

func printResults(s *Stats, duration time.Duration) {
	fmt.Println()
	fmt.Println("============================================================")
	fmt.Println("                 TRIALGUARD SIMULATION RESULTS")
	fmt.Println("============================================================")

	fmt.Printf("\nEVENTS\n")
	fmt.Printf("   Submitted:  %d\n", s.Submitted.Load())
	fmt.Printf("   Decided:    %d\n", s.Decided.Load())
	fmt.Printf("   Rejected:   %d\n", s.Rejected.Load())
	fmt.Printf("   Failed:     %d\n", s.Failed.Load())

	s.mu.Lock()
	defer s.mu.Unlock()

	profiles := make([]string, 0, len(s.tally))
	for p := range s.tally {
		profiles = append(profiles, p)
	}
	sort.Strings(profiles)

	fmt.Printf("\nDISPOSITIONS BY PROFILE\n")
	fmt.Printf("   %-12s", "profile")
	for _, d := range dispositions {
		fmt.Printf(" %9s", d)
	}
	fmt.Printf(" %9s\n", "avg roi")
	for _, p := range profiles {
		fmt.Printf("   %-12s", p)
		total := 0
		for _, d := range dispositions {
			total += s.tally[p][d]
		}
		for _, d := range dispositions {
			pct := 0.0
			if total > 0 {
				pct = float64(s.tally[p][d]) / float64(total) * 100
			}
			fmt.Printf(" %8.1f%%", pct)
		}
		avg := 0.0
		if n := s.roiCount[p]; n > 0 {
			avg = s.roiSum[p] / float64(n)
		}
		fmt.Printf(" %9.1f\n", avg)
	}

	if len(s.reasons) > 0 {
		type reasonCount struct {
			code string
			n    int
		}
		counts := make([]reasonCount, 0, len(s.reasons))
		for code, n := range s.reasons {
			counts = append(counts, reasonCount{code, n})
		}
		sort.Slice(counts, func(i, j int) bool {
			if counts[i].n != counts[j].n {
				return counts[i].n > counts[j].n
			}
			return counts[i].code < counts[j].code
		})
		fmt.Printf("\nREASONS\n")
		for _, c := range counts {
			fmt.Printf("   %-32s %d\n", c.code, c.n)
		}
	}

	fmt.Printf("\nPERFORMANCE\n")
	fmt.Printf("   Total Duration:   %v\n", duration.Round(time.Millisecond))
	if n := s.Requests.Load(); n > 0 {
		avgMs := float64(s.LatencyNs.Load()) / float64(n) / float64(time.Millisecond)
		fmt.Printf("   Requests:         %d\n", n)
		fmt.Printf("   Avg Latency:      %.2f ms\n", avgMs)
	}
	if secs := duration.Seconds(); secs > 0 {
		fmt.Printf("   Throughput:       %.2f events/sec\n", float64(s.Decided.Load())/secs)
	}
	fmt.Println()
}

func printSummaries(agg *summary.Aggregator, tenantIDs []string) {
	now := time.Now().UTC()
	fmt.Printf("TENANT SUMMARIES\n")
	for _, id := range tenantIDs {
		sum := agg.Summary(id, now)
		fmt.Printf("   %s: events=%d blocked=%d (%.1f%%) active=%d cost_saved=%.2f revenue_opportunity=%.2f\n",
			id, sum.TotalEvents, sum.BlockedEvents, sum.BlockRate*100,
			sum.ActiveTrials, sum.CostSaved, sum.RevenueOpportunity)
	}
	fmt.Println()
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
