package service

import "github.com/KevoDB/flashstore/pkg/hashlog"

// AppendKeyRequest stores Value under Key
type AppendKeyRequest struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// AppendKeyResponse carries the success code, or the engine error in Error
type AppendKeyResponse struct {
	Code  hashlog.SuccessCode `json:"code,omitempty"`
	Error hashlog.ErrorCode   `json:"error,omitempty"`
}

// GetRequest reads the value stored under Key
type GetRequest struct {
	Key string `json:"key"`
}

// GetResponse carries the stored value, or the engine error in Error
type GetResponse struct {
	Value string            `json:"value"`
	Error hashlog.ErrorCode `json:"error,omitempty"`
}

// InvalidateKeyRequest soft-deletes Key
type InvalidateKeyRequest struct {
	Key string `json:"key"`
}

// InvalidateKeyResponse carries the success code, or the engine error in Error
type InvalidateKeyResponse struct {
	Code  hashlog.SuccessCode `json:"code,omitempty"`
	Error hashlog.ErrorCode   `json:"error,omitempty"`
}

// GarbageCollectRequest compacts the log
type GarbageCollectRequest struct{}

// GarbageCollectResponse carries the bytes reclaimed, or the engine error in Error
type GarbageCollectResponse struct {
	Reclaimed uint64            `json:"reclaimed"`
	Error     hashlog.ErrorCode `json:"error,omitempty"`
}

// StatsRequest asks for the service statistics
type StatsRequest struct{}

// StatsResponse holds the statistics snapshot
type StatsResponse struct {
	Stats map[string]interface{} `json:"stats"`
}
