package main

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/KevoDB/flashstore/pkg/stats"
)

// BenchmarkResult stores the results of a benchmark
type BenchmarkResult struct {
	BenchmarkType   string
	Regions         int
	ValueSize       int
	Operations      int
	Duration        float64 // seconds
	Throughput      float64 // operations per second
	Latency         float64 // microseconds per operation
	HitRate         float64 // percent, read benchmarks only
	PagePrograms    uint64
	ReadModifyWrite uint64
	SectorErases    uint64
	Timestamp       time.Time
}

func counter(m map[string]interface{}, key string) uint64 {
	v, _ := m[key].(uint64)
	return v
}

func newResult(typ string, ops int, elapsed time.Duration, collector stats.Provider) BenchmarkResult {
	flashStats := collector.GetStatsFiltered("flash_")
	r := BenchmarkResult{
		BenchmarkType:   typ,
		Regions:         *regions,
		ValueSize:       *valueSize,
		Operations:      ops,
		Duration:        elapsed.Seconds(),
		PagePrograms:    counter(flashStats, "flash_page_programs"),
		ReadModifyWrite: counter(flashStats, "flash_read_modify_writes"),
		SectorErases:    counter(flashStats, "flash_sector_erases"),
		Timestamp:       time.Now(),
	}
	if ops > 0 {
		r.Throughput = float64(ops) / elapsed.Seconds()
		r.Latency = float64(elapsed.Microseconds()) / float64(ops)
	}
	return r
}

// String formats the result for the terminal
func (r BenchmarkResult) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "\n%s Benchmark Results:\n", strings.ToUpper(r.BenchmarkType[:1])+r.BenchmarkType[1:])
	fmt.Fprintf(&b, "  Operations: %d\n", r.Operations)
	fmt.Fprintf(&b, "  Time: %.2f seconds\n", r.Duration)
	fmt.Fprintf(&b, "  Throughput: %.2f ops/sec\n", r.Throughput)
	fmt.Fprintf(&b, "  Latency: %.3f µs/op\n", r.Latency)
	if r.BenchmarkType == "read" {
		fmt.Fprintf(&b, "  Hit Rate: %.2f%%\n", r.HitRate)
	}
	fmt.Fprintf(&b, "  Page Programs: %d (read-modify-write: %d)\n", r.PagePrograms, r.ReadModifyWrite)
	fmt.Fprintf(&b, "  Sector Erases: %d", r.SectorErases)
	return b.String()
}

// SaveResultCSV saves benchmark results to a CSV file
func SaveResultCSV(results []BenchmarkResult, filename string) error {
	// Create directory if it doesn't exist
	dir := filepath.Dir(filename)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	file, err := os.Create(filename)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	header := []string{
		"Timestamp", "BenchmarkType", "Regions", "ValueSize", "Operations",
		"Duration", "Throughput", "Latency", "HitRate",
		"PagePrograms", "ReadModifyWrite", "SectorErases",
	}
	if err := writer.Write(header); err != nil {
		return err
	}

	for _, r := range results {
		record := []string{
			r.Timestamp.Format(time.RFC3339),
			r.BenchmarkType,
			strconv.Itoa(r.Regions),
			strconv.Itoa(r.ValueSize),
			strconv.Itoa(r.Operations),
			fmt.Sprintf("%.2f", r.Duration),
			fmt.Sprintf("%.2f", r.Throughput),
			fmt.Sprintf("%.3f", r.Latency),
			fmt.Sprintf("%.2f", r.HitRate),
			strconv.FormatUint(r.PagePrograms, 10),
			strconv.FormatUint(r.ReadModifyWrite, 10),
			strconv.FormatUint(r.SectorErases, 10),
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}

	return nil
}
