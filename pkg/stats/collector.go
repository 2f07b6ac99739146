package stats

import (
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// OperationType names a storage request kind
type OperationType string

// Storage request kinds
const (
	OpAppend         OperationType = "append"
	OpGet            OperationType = "get"
	OpInvalidate     OperationType = "invalidate"
	OpGarbageCollect OperationType = "gc"
)

// AtomicCollector collects statistics with atomic counters. Counters may be
// read from any goroutine while the storage loop updates them.
type AtomicCollector struct {
	counts   map[OperationType]*atomic.Uint64
	countsMu sync.RWMutex

	lastOpTime   map[OperationType]time.Time
	lastOpTimeMu sync.RWMutex

	errors   map[string]*atomic.Uint64
	errorsMu sync.RWMutex

	latencies   map[OperationType]*LatencyTracker
	latenciesMu sync.RWMutex

	// Flash activity
	totalBytesRead    atomic.Uint64
	totalBytesWritten atomic.Uint64
	pagePrograms      atomic.Uint64
	readModifyWrites  atomic.Uint64
	sectorErases      atomic.Uint64
	bytesReclaimed    atomic.Uint64

	startTime time.Time
}

// LatencyTracker maintains running statistics about operation latencies
type LatencyTracker struct {
	count atomic.Uint64
	sum   atomic.Uint64 // sum in nanoseconds
	max   atomic.Uint64 // max in nanoseconds
	min   atomic.Uint64 // min in nanoseconds, 0 until the first sample
}

// NewAtomicCollector creates a new atomic statistics collector
func NewAtomicCollector() *AtomicCollector {
	return &AtomicCollector{
		counts:     make(map[OperationType]*atomic.Uint64),
		lastOpTime: make(map[OperationType]time.Time),
		errors:     make(map[string]*atomic.Uint64),
		latencies:  make(map[OperationType]*LatencyTracker),
		startTime:  time.Now(),
	}
}

// TrackOperation increments the counter for the specified operation type
func (c *AtomicCollector) TrackOperation(op OperationType) {
	c.getOrCreateCounter(op).Add(1)

	c.lastOpTimeMu.Lock()
	c.lastOpTime[op] = time.Now()
	c.lastOpTimeMu.Unlock()
}

// TrackOperationWithLatency tracks an operation and its latency
func (c *AtomicCollector) TrackOperationWithLatency(op OperationType, latencyNs uint64) {
	c.TrackOperation(op)

	tracker := c.getOrCreateLatencyTracker(op)
	tracker.count.Add(1)
	tracker.sum.Add(latencyNs)

	for {
		current := tracker.max.Load()
		if latencyNs <= current || tracker.max.CompareAndSwap(current, latencyNs) {
			break
		}
	}

	for {
		current := tracker.min.Load()
		if current != 0 && latencyNs >= current {
			break
		}
		if tracker.min.CompareAndSwap(current, latencyNs) {
			break
		}
	}
}

// TrackError increments the counter for the specified error type
func (c *AtomicCollector) TrackError(errorType string) {
	c.errorsMu.RLock()
	counter, exists := c.errors[errorType]
	c.errorsMu.RUnlock()

	if !exists {
		c.errorsMu.Lock()
		if counter, exists = c.errors[errorType]; !exists {
			counter = &atomic.Uint64{}
			c.errors[errorType] = counter
		}
		c.errorsMu.Unlock()
	}

	counter.Add(1)
}

// TrackBytes adds the specified number of bytes to the read or write counter
func (c *AtomicCollector) TrackBytes(isWrite bool, bytes uint64) {
	if isWrite {
		c.totalBytesWritten.Add(bytes)
	} else {
		c.totalBytesRead.Add(bytes)
	}
}

// TrackPageProgram records one page program
func (c *AtomicCollector) TrackPageProgram(readModifyWrite bool) {
	c.pagePrograms.Add(1)
	if readModifyWrite {
		c.readModifyWrites.Add(1)
	}
}

// TrackErase increments the sector erase counter
func (c *AtomicCollector) TrackErase() {
	c.sectorErases.Add(1)
}

// TrackReclaimed adds bytes reclaimed by garbage collection
func (c *AtomicCollector) TrackReclaimed(bytes uint64) {
	c.bytesReclaimed.Add(bytes)
}

// GetStats returns all statistics as a map
func (c *AtomicCollector) GetStats() map[string]interface{} {
	stats := make(map[string]interface{})

	c.countsMu.RLock()
	for op, counter := range c.counts {
		stats[string(op)+"_ops"] = counter.Load()
	}
	c.countsMu.RUnlock()

	c.lastOpTimeMu.RLock()
	for op, timestamp := range c.lastOpTime {
		stats["last_"+string(op)+"_time"] = timestamp.UnixNano()
	}
	c.lastOpTimeMu.RUnlock()

	stats["flash_bytes_read"] = c.totalBytesRead.Load()
	stats["flash_bytes_written"] = c.totalBytesWritten.Load()
	stats["flash_page_programs"] = c.pagePrograms.Load()
	stats["flash_read_modify_writes"] = c.readModifyWrites.Load()
	stats["flash_sector_erases"] = c.sectorErases.Load()
	stats["gc_bytes_reclaimed"] = c.bytesReclaimed.Load()
	stats["uptime_seconds"] = int64(time.Since(c.startTime).Seconds())

	c.errorsMu.RLock()
	errorStats := make(map[string]uint64, len(c.errors))
	for errType, counter := range c.errors {
		errorStats[errType] = counter.Load()
	}
	c.errorsMu.RUnlock()
	stats["errors"] = errorStats

	c.latenciesMu.RLock()
	for op, tracker := range c.latencies {
		count := tracker.count.Load()
		if count == 0 {
			continue
		}

		latencyStats := map[string]interface{}{
			"count":  count,
			"avg_ns": tracker.sum.Load() / count,
		}
		if min := tracker.min.Load(); min != 0 {
			latencyStats["min_ns"] = min
		}
		if max := tracker.max.Load(); max != 0 {
			latencyStats["max_ns"] = max
		}

		stats[string(op)+"_latency"] = latencyStats
	}
	c.latenciesMu.RUnlock()

	return stats
}

// GetStatsFiltered returns statistics filtered by prefix
func (c *AtomicCollector) GetStatsFiltered(prefix string) map[string]interface{} {
	filtered := make(map[string]interface{})
	for key, value := range c.GetStats() {
		if strings.HasPrefix(key, prefix) {
			filtered[key] = value
		}
	}
	return filtered
}

func (c *AtomicCollector) getOrCreateCounter(op OperationType) *atomic.Uint64 {
	c.countsMu.RLock()
	counter, exists := c.counts[op]
	c.countsMu.RUnlock()

	if !exists {
		c.countsMu.Lock()
		if counter, exists = c.counts[op]; !exists {
			counter = &atomic.Uint64{}
			c.counts[op] = counter
		}
		c.countsMu.Unlock()
	}

	return counter
}

func (c *AtomicCollector) getOrCreateLatencyTracker(op OperationType) *LatencyTracker {
	c.latenciesMu.RLock()
	tracker, exists := c.latencies[op]
	c.latenciesMu.RUnlock()

	if !exists {
		c.latenciesMu.Lock()
		if tracker, exists = c.latencies[op]; !exists {
			tracker = &LatencyTracker{}
			c.latencies[op] = tracker
		}
		c.latenciesMu.Unlock()
	}

	return tracker
}
