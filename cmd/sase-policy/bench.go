package main

import (
	"context"
	"fmt"
	"math/rand/v2"
	"net/netip"
	"runtime"
	"slices"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/spf13/cobra"

	"opensase/sase-policy/pkg/cli"
	"opensase/sase-policy/pkg/policy"
	"opensase/sase-policy/pkg/policy/engine"
	"opensase/sase-policy/pkg/telemetry/logging"
)

var benchFlags struct {
	rules       string
	synthetic   int
	lookups     int64
	pool        int
	concurrency int
	seed        uint64
	quiet       bool
	format      string
}

var benchCmd = &cobra.Command{
	Use:   "bench",
	Short: "Measure lookup throughput and latency",
	Long: `Run concurrent lookups against a local engine and report throughput,
latency percentiles and how lookups were answered (cache, prefilter, rule
scan).

Rules come from a file or are generated. Flows are drawn at random from a
fixed pool, so a pool smaller than the cache measures the cached path and
a larger pool measures the prefilter and rule scan.

Examples:
  # 10,000 generated rules, 1M lookups over a 100k-flow pool
  sase-policy bench --synthetic 10000 --lookups 1000000 --pool 100000

  # Real rules, 8 workers
  sase-policy bench --rules rules.yaml --concurrency 8`,
	RunE: runBench,
}

func init() {
	rootCmd.AddCommand(benchCmd)

	f := benchCmd.Flags()
	f.StringVarP(&benchFlags.rules, "rules", "r", "", "rule file or directory")
	f.IntVar(&benchFlags.synthetic, "synthetic", 0, "generate this many rules instead of reading --rules")
	f.Int64Var(&benchFlags.lookups, "lookups", 1_000_000, "total lookups")
	f.IntVar(&benchFlags.pool, "pool", 100_000, "distinct flows")
	f.IntVar(&benchFlags.concurrency, "concurrency", runtime.GOMAXPROCS(0), "concurrent workers")
	f.Uint64Var(&benchFlags.seed, "seed", 1, "random seed for rules and flows")
	f.BoolVarP(&benchFlags.quiet, "quiet", "q", false, "no progress output")
	f.StringVar(&benchFlags.format, "format", "text", "output format: text, json, yaml, csv")
}

// BenchReport summarizes a benchmark run.
type BenchReport struct {
	Rules       int                `json:"rules" yaml:"rules"`
	Lookups     int64              `json:"lookups" yaml:"lookups"`
	Concurrency int                `json:"concurrency" yaml:"concurrency"`
	Elapsed     time.Duration      `json:"elapsed_ns" yaml:"elapsed"`
	PerSecond   float64            `json:"lookups_per_second" yaml:"lookups_per_second"`
	P50         time.Duration      `json:"p50_ns" yaml:"p50"`
	P99         time.Duration      `json:"p99_ns" yaml:"p99"`
	Max         time.Duration      `json:"max_ns" yaml:"max"`
	Actions     map[string]int64   `json:"actions" yaml:"actions"`
	Stats       engine.EngineStats `json:"engine" yaml:"engine"`
}

// Header implements cli.Table.
func (r *BenchReport) Header() []string { return []string{"METRIC", "VALUE"} }

// Rows implements cli.Table.
func (r *BenchReport) Rows() [][]string {
	rows := [][]string{
		{"rules", strconv.Itoa(r.Rules)},
		{"lookups", strconv.FormatInt(r.Lookups, 10)},
		{"concurrency", strconv.Itoa(r.Concurrency)},
		{"elapsed", r.Elapsed.Round(time.Millisecond).String()},
		{"lookups/s", strconv.FormatFloat(r.PerSecond, 'f', 0, 64)},
		{"p50", r.P50.String()},
		{"p99", r.P99.String()},
		{"max", r.Max.String()},
		{"cache hit rate", strconv.FormatFloat(r.Stats.CacheHitRate*100, 'f', 1, 64) + "%"},
		{"prefilter rejects", strconv.FormatUint(r.Stats.BloomHits, 10)},
		{"rule scans", strconv.FormatUint(r.Stats.StoreLookups, 10)},
		{"prefilter saturated", strconv.FormatBool(r.Stats.PrefilterSaturated)},
	}
	for _, name := range sortedKeys(r.Actions) {
		rows = append(rows, []string{"action " + name, strconv.FormatInt(r.Actions[name], 10)})
	}
	return rows
}

func runBench(cmd *cobra.Command, args []string) error {
	format, err := cli.ParseFormat(benchFlags.format)
	if err != nil {
		return err
	}
	if benchFlags.lookups <= 0 || benchFlags.pool <= 0 || benchFlags.concurrency <= 0 {
		return fmt.Errorf("--lookups, --pool and --concurrency must be positive")
	}
	if (benchFlags.rules == "") == (benchFlags.synthetic <= 0) {
		return fmt.Errorf("exactly one of --rules and --synthetic must be set")
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	engCfg, err := cfg.Engine.EngineOptions()
	if err != nil {
		return cli.NewConfigError("engine", err.Error())
	}

	rng := rand.New(rand.NewPCG(benchFlags.seed, benchFlags.seed^0x9e3779b97f4a7c15))
	var eng *engine.Engine
	if benchFlags.synthetic > 0 {
		if benchFlags.synthetic > engCfg.MaxRules {
			engCfg.MaxRules = benchFlags.synthetic
		}
		eng, err = engine.NewWithRules(engCfg, logging.Discard(), syntheticRules(rng, benchFlags.synthetic))
	} else {
		eng, err = loadEngine(cmd.Context(), engCfg, benchFlags.rules)
	}
	if err != nil {
		return cli.NewCommandError("bench", err)
	}

	var progress cli.ProgressReporter
	if !benchFlags.quiet {
		p := cli.NewProgressReporter(cmd.ErrOrStderr())
		p.Unit = "lookups"
		p.Interval = 100 * time.Millisecond
		progress = p
	}

	report := bench(cmd.Context(), eng, syntheticFlows(rng, benchFlags.pool), benchFlags.lookups, benchFlags.concurrency, progress)
	return cli.NewFormatter(format).FormatTo(cmd.OutOrStdout(), report)
}

const (
	benchBatch = 1024
	// One in sampleEvery lookups is timed.
	sampleEvery = 64
)

// bench performs total lookups over flows with workers goroutines.
func bench(ctx context.Context, eng *engine.Engine, flows []policy.PolicyKey, total int64, workers int, progress cli.ProgressReporter) *BenchReport {
	if ctx == nil {
		ctx = context.Background()
	}
	var (
		claimed atomic.Int64
		done    atomic.Int64
		mu      sync.Mutex
		samples []time.Duration
		actions = make(map[string]int64)
		wg      sync.WaitGroup
	)

	if progress != nil {
		progress.Start(total)
	}
	stopProgress := make(chan struct{})
	var progressDone sync.WaitGroup
	if progress != nil {
		progressDone.Add(1)
		go func() {
			defer progressDone.Done()
			t := time.NewTicker(100 * time.Millisecond)
			defer t.Stop()
			for {
				select {
				case <-stopProgress:
					return
				case <-t.C:
					progress.Update(done.Load())
				}
			}
		}()
	}

	start := time.Now()
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			var local []time.Duration
			counts := make(map[policy.Action]int64)
			i := w * 7919
			for ctx.Err() == nil {
				from := claimed.Add(benchBatch) - benchBatch
				if from >= total {
					break
				}
				n := min(int64(benchBatch), total-from)
				for j := int64(0); j < n; j++ {
					k := flows[i%len(flows)]
					i++
					if (from+j)%sampleEvery == 0 {
						d, elapsed := eng.LookupTimed(k)
						local = append(local, elapsed)
						counts[d.Action]++
						continue
					}
					counts[eng.Lookup(k).Action]++
				}
				done.Add(n)
			}
			mu.Lock()
			samples = append(samples, local...)
			for a, c := range counts {
				actions[a.String()] += c
			}
			mu.Unlock()
		}(w)
	}
	wg.Wait()
	elapsed := time.Since(start)
	close(stopProgress)
	progressDone.Wait()
	if progress != nil {
		progress.Finish()
	}

	slices.Sort(samples)
	lookups := done.Load()
	report := &BenchReport{
		Rules:       len(eng.Snapshot().Rules),
		Lookups:     lookups,
		Concurrency: workers,
		Elapsed:     elapsed,
		Actions:     actions,
		Stats:       eng.Stats(),
		P50:         percentile(samples, 0.50),
		P99:         percentile(samples, 0.99),
	}
	if len(samples) > 0 {
		report.Max = samples[len(samples)-1]
	}
	if elapsed > 0 {
		report.PerSecond = float64(lookups) / elapsed.Seconds()
	}
	return report
}

func percentile(sorted []time.Duration, q float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(q * float64(len(sorted)-1))
	return sorted[idx]
}

var benchPorts = []uint16{22, 25, 53, 80, 123, 443, 445, 3306, 3389, 5432, 6443, 8080, 8443}

// syntheticRules generates n rules shaped like an edge policy: narrow
// destination ports over /24 destinations, a few wider ranges, sorted by
// id-derived priority.
func syntheticRules(rng *rand.Rand, n int) []policy.PolicyRule {
	out := make([]policy.PolicyRule, 0, n)
	for i := 0; i < n; i++ {
		id := uint32(i + 1)
		dst := netip.AddrFrom4([4]byte{10, byte(rng.IntN(256)), byte(rng.IntN(256)), 0})
		r := policy.PolicyRule{ID: id}.
			WithDstCIDR(policy.PrefixFrom(netip.PrefixFrom(dst, 24))).
			WithPriority(uint16(1 + i%1000))

		if i%10 == 0 {
			lo := uint16(1024 + rng.IntN(60000))
			r = r.WithDstPorts(lo, lo+uint16(rng.IntN(64)))
		} else {
			r = r.WithDstPort(benchPorts[rng.IntN(len(benchPorts))])
		}
		if rng.IntN(2) == 0 {
			r = r.WithProtocol(policy.ProtoTCP)
		} else {
			r = r.WithProtocol(policy.ProtoUDP)
		}

		d := policy.DefaultDecision()
		switch rng.IntN(4) {
		case 0:
			d.Action = policy.ActionDeny
		case 1:
			d.Action = policy.ActionInspect
			d.Inspection = policy.InspectMetadata
		}
		d.Priority = r.Decision.Priority
		out = append(out, r.WithDecision(d))
	}
	return out
}

// syntheticFlows generates n flows inside 10.0.0.0/8 on mostly common
// ports.
func syntheticFlows(rng *rand.Rand, n int) []policy.PolicyKey {
	out := make([]policy.PolicyKey, n)
	for i := range out {
		src := netip.AddrFrom4([4]byte{172, 16, byte(rng.IntN(256)), byte(rng.IntN(256))})
		dst := netip.AddrFrom4([4]byte{10, byte(rng.IntN(256)), byte(rng.IntN(256)), byte(rng.IntN(256))})
		port := benchPorts[rng.IntN(len(benchPorts))]
		if rng.IntN(4) == 0 {
			port = uint16(1024 + rng.IntN(64000))
		}
		proto := policy.ProtoTCP
		if rng.IntN(3) == 0 {
			proto = policy.ProtoUDP
		}
		out[i] = policy.KeyFromAddrs(src, dst, uint16(32768+rng.IntN(28000)), port, proto)
	}
	return out
}

func sortedKeys(m map[string]int64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
