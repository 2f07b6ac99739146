package storage

import (
	"fmt"

	"github.com/KevoDB/flashstore/pkg/hashlog"
	"github.com/KevoDB/flashstore/pkg/ipc"
	"github.com/KevoDB/flashstore/pkg/stats"
	"github.com/KevoDB/flashstore/pkg/text"
)

// Request is one of AppendKey, Get, InvalidateKey or GarbageCollect
type Request interface {
	// Op names the request kind for logs and statistics
	Op() stats.OperationType
	isRequest()
}

// AppendKey stores Value under Key
type AppendKey struct {
	Key   text.Key
	Value text.Value
}

// Get reads the value stored under Key
type Get struct {
	Key text.Key
}

// InvalidateKey soft-deletes Key; its space is reclaimed by GarbageCollect
type InvalidateKey struct {
	Key text.Key
}

// GarbageCollect compacts space held by invalidated keys
type GarbageCollect struct{}

func (AppendKey) Op() stats.OperationType      { return stats.OpAppend }
func (Get) Op() stats.OperationType            { return stats.OpGet }
func (InvalidateKey) Op() stats.OperationType  { return stats.OpInvalidate }
func (GarbageCollect) Op() stats.OperationType { return stats.OpGarbageCollect }

func (AppendKey) isRequest()      {}
func (Get) isRequest()            {}
func (InvalidateKey) isRequest()  {}
func (GarbageCollect) isRequest() {}

func (r AppendKey) String() string     { return fmt.Sprintf("AppendKey(%q, %d bytes)", r.Key, r.Value.Len()) }
func (r Get) String() string           { return fmt.Sprintf("Get(%q)", r.Key) }
func (r InvalidateKey) String() string { return fmt.Sprintf("InvalidateKey(%q)", r.Key) }
func (GarbageCollect) String() string  { return "GarbageCollect" }

// Response is one of KeyAppended, Value, KeyInvalidated or GarbageCollected
type Response interface {
	isResponse()
}

// KeyAppended answers AppendKey
type KeyAppended struct {
	Code hashlog.SuccessCode
}

// Value answers Get
type Value struct {
	Value text.Value
}

// KeyInvalidated answers InvalidateKey
type KeyInvalidated struct {
	Code hashlog.SuccessCode
}

// GarbageCollected answers GarbageCollect with the number of bytes reclaimed
type GarbageCollected struct {
	Reclaimed uint64
}

func (KeyAppended) isResponse()      {}
func (Value) isResponse()            {}
func (KeyInvalidated) isResponse()   {}
func (GarbageCollected) isResponse() {}

// Reply carries either a Response or, when Err is non-zero, an error code
type Reply struct {
	Response Response
	Err      hashlog.ErrorCode
}

// OK reports whether the request succeeded
func (r Reply) OK() bool {
	return r.Err == 0
}

func (r Reply) String() string {
	if !r.OK() {
		return "Err(" + r.Err.String() + ")"
	}
	return fmt.Sprintf("Ok(%+v)", r.Response)
}

func failed(code hashlog.ErrorCode) Reply {
	return Reply{Err: code}
}

// Caller is the client end of the storage channel
type Caller = ipc.Caller[Request, Reply]

// Responder is the service end of the storage channel
type Responder = ipc.Responder[Request, Reply]

// NewChannel creates a connected storage Caller and Responder
func NewChannel() (*Caller, *Responder) {
	return ipc.NewChannel[Request, Reply]()
}
