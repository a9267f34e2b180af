package perf

import (
	"encoding/csv"
	"errors"
	"fmt"
	"github.com/ValentinKolb/bKV/cmd/util"
	"github.com/ValentinKolb/bKV/lib/db"
	"github.com/ValentinKolb/bKV/lib/db/engines/bptree"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/rcrowley/go-metrics"
	"github.com/sourcegraph/conc/pool"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"math/rand"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"
)

var (
	// PerfCmd runs a concurrent load against a local tree
	PerfCmd = &cobra.Command{
		Use:     "perf",
		Short:   "Performance testing tool for bKV",
		PreRunE: processPerfConfig,
		RunE:    run,
	}
	perfKeyPrefix        = "__test"
	perfLargeValueSizeKB = 64
	perfNumThreads       = 10
	perfKeySpread        = 10000
	perfOps              = 100000
	perfSkip             = make([]string, 0)
)

// percentiles reported for every test
var percentiles = []float64{0.5, 0.9, 0.99}

func init() {
	// add flags
	key := "skip"
	PerfCmd.Flags().String(key, "", util.WrapString("Tests to skip (comma separated - e.g. set,get)"))
	key = "threads"
	PerfCmd.Flags().Int(key, 10, util.WrapString("Number of goroutines issuing operations"))
	key = "ops"
	PerfCmd.Flags().Int(key, 100000, util.WrapString("Number of operations per test"))
	key = "large-value-size"
	PerfCmd.Flags().Int(key, 64, util.WrapString("How large the value for the set-large test should be (in KB)"))
	key = "keys"
	PerfCmd.Flags().Int(key, 10000, util.WrapString("How many different keys to use for the tests"))
	key = "storage"
	PerfCmd.Flags().String(key, "memory", util.WrapString("Where the tree lives during the test (memory, disk)"))
	key = "csv"
	PerfCmd.Flags().String(key, "", util.WrapString("Optional path to save the results as CSV"))
}

func processPerfConfig(cmd *cobra.Command, _ []string) error {
	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		return err
	}

	// Read the configuration from the command line flags and environment variables
	perfLargeValueSizeKB = viper.GetInt("large-value-size")
	perfKeySpread = max(viper.GetInt("keys"), 1)
	perfNumThreads = max(viper.GetInt("threads"), 1)
	perfOps = max(viper.GetInt("ops"), 1)
	perfSkip = strings.Split(viper.GetString("skip"), ",")

	return nil
}

// test is one measured workload. op issues operation i.
type test struct {
	name    string
	prepare func(tree *bptree.Tree[string, []byte]) error
	op      func(tree *bptree.Tree[string, []byte], i int) error
}

func tests() []test {
	small := []byte("test")
	large := make([]byte, perfLargeValueSizeKB*1024)
	fill := func(tree *bptree.Tree[string, []byte]) error {
		for i := 0; i < perfKeySpread; i++ {
			if err := tree.Set(getKey(i), small); err != nil {
				return err
			}
		}
		return nil
	}
	ignoreMissing := func(err error) error {
		if errors.Is(err, db.ErrKeyNotFound) {
			return nil
		}
		return err
	}

	return []test{
		{name: "set", op: func(tree *bptree.Tree[string, []byte], i int) error {
			return tree.Set(getKey(i), small)
		}},
		{name: "set-large", op: func(tree *bptree.Tree[string, []byte], i int) error {
			return tree.Set(getKey(i), large)
		}},
		{name: "get", prepare: fill, op: func(tree *bptree.Tree[string, []byte], i int) error {
			_, err := tree.Lookup(getKey(i))
			return err
		}},
		{name: "has", prepare: fill, op: func(tree *bptree.Tree[string, []byte], i int) error {
			_, err := tree.Has(getKey(i))
			return err
		}},
		{name: "update", prepare: fill, op: func(tree *bptree.Tree[string, []byte], i int) error {
			_, err := tree.Update(getKey(i), func(old []byte) []byte { return old })
			return ignoreMissing(err)
		}},
		{name: "scan-100", prepare: fill, op: func(tree *bptree.Tree[string, []byte], i int) error {
			start := getKey(i)
			it := tree.Enumerate(db.RangeOptions[string]{Start: &start})
			defer it.Close()
			for n := 0; n < 100 && it.Next(); n++ {
			}
			return it.Err()
		}},
		{name: "mixed", prepare: fill, op: func(tree *bptree.Tree[string, []byte], i int) error {
			k := getKey(rand.Intn(perfKeySpread))
			switch r := rand.Intn(10); {
			case r < 6:
				_, err := tree.Lookup(k)
				return ignoreMissing(err)
			case r < 9:
				return tree.Set(k, small)
			default:
				return ignoreMissing(tree.Delete(k))
			}
		}},
		{name: "delete", prepare: fill, op: func(tree *bptree.Tree[string, []byte], i int) error {
			return ignoreMissing(tree.Delete(getKey(i)))
		}},
	}
}

func run(_ *cobra.Command, _ []string) error {
	opts, err := util.GetOptions()
	if err != nil {
		return err
	}
	if opts.StorageType, err = bptree.ParseStorageType(viper.GetString("storage")); err != nil {
		return err
	}
	tree, err := bptree.Open(opts)
	if err != nil {
		return err
	}
	defer tree.Close()

	fmt.Println("Performance testing tool for bKV")

	// Print configuration
	fmt.Println()
	fmt.Println("Configuration:")
	fmt.Println(opts.String())
	fmt.Printf("Threads: %d, operations per test: %d, keys: %d\n", perfNumThreads, perfOps, perfKeySpread)
	fmt.Println()

	registry := metrics.NewRegistry()
	var names []string
	for _, tt := range tests() {
		if shouldSkip(tt.name) {
			printSkipped(tt.name)
			continue
		}
		if tt.prepare != nil {
			if err := tt.prepare(tree); err != nil {
				return fmt.Errorf("(%s) - failed to prepare: %w", tt.name, err)
			}
		}
		if err := measure(registry, tree, tt); err != nil {
			return err
		}
		names = append(names, tt.name)
		printResult(tt.name, registry)
	}

	if csvPath := viper.GetString("csv"); csvPath != "" {
		if err := writeResultsToCSV(csvPath, names, registry); err != nil {
			return err
		}
		fmt.Printf("\nresults written to %s\n", csvPath)
	}
	return nil
}

// measure runs perfOps operations of tt on perfNumThreads goroutines
func measure(registry metrics.Registry, tree *bptree.Tree[string, []byte], tt test) error {
	timer := metrics.GetOrRegisterTimer(tt.name, registry)
	failures := metrics.GetOrRegisterCounter(tt.name+".errors", registry)
	elapsed := metrics.GetOrRegisterGauge(tt.name+".elapsed", registry)

	log := logger.GetLogger("cli")
	begin := time.Now()
	p := pool.New().WithErrors().WithMaxGoroutines(perfNumThreads)
	for w := 0; w < perfNumThreads; w++ {
		p.Go(func() error {
			for i := w; i < perfOps; i += perfNumThreads {
				start := time.Now()
				err := tt.op(tree, i)
				timer.UpdateSince(start)
				if err != nil {
					failures.Inc(1)
					log.Warningf("(%s) - operation %d failed: %v", tt.name, i, err)
				}
			}
			return nil
		})
	}
	err := p.Wait()
	elapsed.Update(int64(time.Since(begin)))
	return err
}

// --------------------------------------------------------------------------
// Helper
// --------------------------------------------------------------------------

func shouldSkip(test string) bool {
	return slices.Contains(perfSkip, test)
}

// getKey maps an operation to one of perfKeySpread keys
func getKey(i int) string {
	return fmt.Sprintf("%s-%08d", perfKeyPrefix, i%perfKeySpread)
}

func printSkipped(test string) {
	fmt.Printf("%-12sskipped\n", test)
}

// printResult prints the result of a test in a formatted way
func printResult(test string, registry metrics.Registry) {
	timer := metrics.GetOrRegisterTimer(test, registry)
	elapsed := time.Duration(metrics.GetOrRegisterGauge(test+".elapsed", registry).Value())
	failures := metrics.GetOrRegisterCounter(test+".errors", registry).Count()
	ps := timer.Percentiles(percentiles)

	opsPerSec := float64(timer.Count()) / max(elapsed.Seconds(), 1e-9)
	fmt.Printf("%-12s%10.0f ops/sec  mean %-10s p50 %-10s p90 %-10s p99 %-10s errors %d\n",
		test, opsPerSec,
		time.Duration(timer.Mean()), time.Duration(ps[0]), time.Duration(ps[1]), time.Duration(ps[2]),
		failures)
}

// writeResultsToCSV writes the results of all tests that ran to a CSV file
func writeResultsToCSV(csvPath string, tests []string, registry metrics.Registry) error {
	file, err := os.Create(csvPath)
	if err != nil {
		return fmt.Errorf("failed to create CSV file: %v", err)
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	header := []string{
		"Test", "Ops", "Errors", "OpsPerSec", "MeanNs", "P50Ns", "P90Ns", "P99Ns", "MaxNs",
		"Threads", "LargeValueSizeKB", "Keys",
	}
	if err := writer.Write(header); err != nil {
		return fmt.Errorf("failed to write CSV header: %v", err)
	}

	for _, test := range tests {
		timer := metrics.GetOrRegisterTimer(test, registry)
		elapsed := time.Duration(metrics.GetOrRegisterGauge(test+".elapsed", registry).Value())
		ps := timer.Percentiles(percentiles)
		row := []string{
			test,
			strconv.FormatInt(timer.Count(), 10),
			strconv.FormatInt(metrics.GetOrRegisterCounter(test+".errors", registry).Count(), 10),
			fmt.Sprintf("%.0f", float64(timer.Count())/max(elapsed.Seconds(), 1e-9)),
			fmt.Sprintf("%.0f", timer.Mean()),
			fmt.Sprintf("%.0f", ps[0]),
			fmt.Sprintf("%.0f", ps[1]),
			fmt.Sprintf("%.0f", ps[2]),
			strconv.FormatInt(timer.Max(), 10),
			strconv.Itoa(perfNumThreads),
			strconv.Itoa(perfLargeValueSizeKB),
			strconv.Itoa(perfKeySpread),
		}
		if err := writer.Write(row); err != nil {
			return fmt.Errorf("failed to write row for test %s: %v", test, err)
		}
	}
	return nil
}
