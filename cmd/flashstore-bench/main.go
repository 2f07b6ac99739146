package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"runtime/pprof"
	"strings"
	"time"

	"github.com/KevoDB/flashstore/pkg/common/log"
	"github.com/KevoDB/flashstore/pkg/flash"
	"github.com/KevoDB/flashstore/pkg/hashlog"
	"github.com/KevoDB/flashstore/pkg/iomux"
	"github.com/KevoDB/flashstore/pkg/ipc"
	"github.com/KevoDB/flashstore/pkg/stats"
	"github.com/KevoDB/flashstore/pkg/storage"
	"github.com/KevoDB/flashstore/pkg/text"
)

const (
	defaultValueSize = 64
	defaultRegions   = 16
)

var (
	// Command line flags
	benchmarkType = flag.String("type", "all", "Type of benchmark to run (append, read, churn, or all)")
	duration      = flag.Duration("duration", 5*time.Second, "Duration to run each benchmark")
	regions       = flag.Int("regions", defaultRegions, "Number of 4KB regions in the storage partition")
	valueSize     = flag.Int("value-size", defaultValueSize, "Size of values in bytes")
	cpuProfile    = flag.String("cpu-profile", "", "Write CPU profile to file")
	resultsFile   = flag.String("results", "", "CSV file to write results to (in addition to stdout)")
)

// bench is one storage loop on a fresh in-memory part
type bench struct {
	client    *storage.Client
	collector *stats.AtomicCollector
	cancel    context.CancelFunc
}

func newBench(regions int) (*bench, error) {
	ctx, cancel := context.WithCancel(context.Background())

	muxCaller, muxResponder := ipc.NewChannel[iomux.Request, iomux.Response]()
	go iomux.NewService(iomux.DefaultPinMap, log.Discard()).Serve(ctx, muxResponder)

	dev, err := flash.NewMemoryDevice(uint32(regions * flash.SectorSize))
	if err != nil {
		cancel()
		return nil, err
	}

	collector := stats.NewAtomicCollector()
	p := storage.NewPlatform(muxCaller, dev, 0, regions)
	p.Logger = log.Discard()
	p.Stats = collector

	svc, err := storage.Start(ctx, p)
	if err != nil {
		cancel()
		return nil, err
	}
	caller, responder := storage.NewChannel()
	go svc.Serve(ctx, responder)

	return &bench{client: storage.NewClient(caller), collector: collector, cancel: cancel}, nil
}

func (b *bench) close() {
	b.cancel()
}

func benchKey(i int) text.Key {
	return text.MustKey(fmt.Sprintf("key-%08d", i))
}

func benchValue(size int) text.Value {
	return text.MustValue(strings.Repeat("v", size))
}

// fill appends keys until the partition is full and returns how many fit
func (b *bench) fill(ctx context.Context, value text.Value) (int, error) {
	for i := 0; ; i++ {
		_, err := b.client.AppendKey(ctx, benchKey(i), value)
		if errors.Is(err, hashlog.ErrRegionFull) {
			return i, nil
		}
		if err != nil {
			return i, err
		}
	}
}

// runAppendBenchmark appends until the partition is full, then invalidates
// everything and collects, over and over
func runAppendBenchmark(ctx context.Context) (BenchmarkResult, error) {
	fmt.Println("Running Append Benchmark...")
	b, err := newBench(*regions)
	if err != nil {
		return BenchmarkResult{}, err
	}
	defer b.close()

	value := benchValue(*valueSize)
	ops := 0
	start := time.Now()
	for time.Since(start) < *duration {
		n, err := b.fill(ctx, value)
		if err != nil {
			return BenchmarkResult{}, err
		}
		ops += n
		for i := 0; i < n; i++ {
			if _, err := b.client.InvalidateKey(ctx, benchKey(i)); err != nil {
				return BenchmarkResult{}, err
			}
		}
		if _, err := b.client.GarbageCollect(ctx); err != nil {
			return BenchmarkResult{}, err
		}
	}

	return newResult("append", ops, time.Since(start), b.collector), nil
}

// runReadBenchmark fills the partition once and reads random keys
func runReadBenchmark(ctx context.Context) (BenchmarkResult, error) {
	fmt.Println("Running Read Benchmark...")
	b, err := newBench(*regions)
	if err != nil {
		return BenchmarkResult{}, err
	}
	defer b.close()

	n, err := b.fill(ctx, benchValue(*valueSize))
	if err != nil {
		return BenchmarkResult{}, err
	}

	ops, hits := 0, 0
	start := time.Now()
	for time.Since(start) < *duration {
		// one key in ten is absent
		_, err := b.client.Get(ctx, benchKey(rand.Intn(n+n/10+1)))
		switch {
		case err == nil:
			hits++
		case !errors.Is(err, hashlog.ErrKeyNotFound):
			return BenchmarkResult{}, err
		}
		ops++
	}

	result := newResult("read", ops, time.Since(start), b.collector)
	result.HitRate = float64(hits) / float64(ops) * 100
	return result, nil
}

// runChurnBenchmark keeps the partition half full while replacing keys,
// collecting whenever an append finds no room
func runChurnBenchmark(ctx context.Context) (BenchmarkResult, error) {
	fmt.Println("Running Churn Benchmark...")
	b, err := newBench(*regions)
	if err != nil {
		return BenchmarkResult{}, err
	}
	defer b.close()

	value := benchValue(*valueSize)
	capacity, err := b.fill(ctx, value)
	if err != nil {
		return BenchmarkResult{}, err
	}
	for i := capacity / 2; i < capacity; i++ {
		if _, err := b.client.InvalidateKey(ctx, benchKey(i)); err != nil {
			return BenchmarkResult{}, err
		}
	}

	// keys [oldest, next) are live
	oldest, next := 0, capacity
	ops := 0
	start := time.Now()
	for time.Since(start) < *duration {
		_, err := b.client.AppendKey(ctx, benchKey(next), value)
		if errors.Is(err, hashlog.ErrRegionFull) {
			if _, err := b.client.GarbageCollect(ctx); err != nil {
				return BenchmarkResult{}, err
			}
			continue
		}
		if err != nil {
			return BenchmarkResult{}, err
		}
		next++

		if _, err := b.client.InvalidateKey(ctx, benchKey(oldest)); err != nil && !errors.Is(err, hashlog.ErrKeyNotFound) {
			return BenchmarkResult{}, err
		}
		oldest++
		ops += 2
	}

	return newResult("churn", ops, time.Since(start), b.collector), nil
}

func main() {
	flag.Parse()

	// Set up CPU profiling if requested
	if *cpuProfile != "" {
		f, err := os.Create(*cpuProfile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Could not create CPU profile: %v\n", err)
			os.Exit(1)
		}
		defer f.Close()
		if err := pprof.StartCPUProfile(f); err != nil {
			fmt.Fprintf(os.Stderr, "Could not start CPU profile: %v\n", err)
			os.Exit(1)
		}
		defer pprof.StopCPUProfile()
	}

	if *valueSize < 0 || *valueSize > text.MaxValueSize {
		fmt.Fprintf(os.Stderr, "Value size must be between 0 and %d bytes\n", text.MaxValueSize)
		os.Exit(1)
	}

	runners := map[string]func(context.Context) (BenchmarkResult, error){
		"append": runAppendBenchmark,
		"read":   runReadBenchmark,
		"churn":  runChurnBenchmark,
	}

	var types []string
	for _, typ := range strings.Split(*benchmarkType, ",") {
		typ = strings.ToLower(strings.TrimSpace(typ))
		if typ == "all" {
			types = append(types, "append", "read", "churn")
			continue
		}
		if _, ok := runners[typ]; !ok {
			fmt.Fprintf(os.Stderr, "Unknown benchmark type: %s\n", typ)
			os.Exit(1)
		}
		types = append(types, typ)
	}

	fmt.Printf("Benchmark Report (%s)\n", time.Now().Format(time.RFC3339))
	fmt.Printf("Regions: %d, Value Size: %d bytes, Duration: %s\n", *regions, *valueSize, *duration)

	ctx := context.Background()
	var results []BenchmarkResult
	for _, typ := range types {
		result, err := runners[typ](ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "%s benchmark failed: %v\n", typ, err)
			os.Exit(1)
		}
		fmt.Println(result)
		results = append(results, result)
	}

	if *resultsFile != "" {
		if err := SaveResultCSV(results, *resultsFile); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to write results to file: %v\n", err)
		}
	}
}
