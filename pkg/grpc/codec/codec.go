// Package codec registers a JSON codec with gRPC so services can be
// declared with plain Go structs instead of generated protobuf messages.
// Clients select it with grpc.CallContentSubtype(Name).
package codec

import (
	"encoding/json"
	"fmt"

	"google.golang.org/grpc/encoding"
)

// Name is the content-subtype of the codec
const Name = "json"

// Codec marshals gRPC messages as JSON
type Codec struct{}

// Marshal implements encoding.Codec
func (Codec) Marshal(v interface{}) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("json codec: marshal %T: %w", v, err)
	}
	return data, nil
}

// Unmarshal implements encoding.Codec
func (Codec) Unmarshal(data []byte, v interface{}) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("json codec: unmarshal %T: %w", v, err)
	}
	return nil
}

// Name implements encoding.Codec
func (Codec) Name() string {
	return Name
}

func init() {
	encoding.RegisterCodec(Codec{})
}
