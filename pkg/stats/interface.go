package stats

// Provider defines the interface for components that provide statistics
type Provider interface {
	// GetStats returns all statistics
	GetStats() map[string]interface{}

	// GetStatsFiltered returns statistics filtered by prefix
	GetStatsFiltered(prefix string) map[string]interface{}
}

// Collector interface defines methods for collecting statistics
type Collector interface {
	Provider

	// TrackOperation records a single storage request
	TrackOperation(op OperationType)

	// TrackOperationWithLatency records a storage request with its latency
	TrackOperationWithLatency(op OperationType, latencyNs uint64)

	// TrackError increments the counter for the specified error code name
	TrackError(errorType string)

	// TrackBytes adds the specified number of bytes to the flash read or write counter
	TrackBytes(isWrite bool, bytes uint64)

	// TrackPageProgram records one page program, noting whether it needed a read-modify-write
	TrackPageProgram(readModifyWrite bool)

	// TrackErase increments the sector erase counter
	TrackErase()

	// TrackReclaimed adds bytes reclaimed by garbage collection
	TrackReclaimed(bytes uint64)
}

// Ensure AtomicCollector implements the Collector interface
var _ Collector = (*AtomicCollector)(nil)
