package transport

import (
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
)

// DialOptions configures a client connection
type DialOptions struct {
	TLSEnabled bool
	TLS        TLSConfig

	// Extra options appended after the defaults, e.g. a context dialer in tests
	Extra []grpc.DialOption
}

// Dial creates a client connection to endpoint. The connection is
// established lazily by the first call.
func Dial(endpoint string, options DialOptions) (*grpc.ClientConn, error) {
	dialOptions := []grpc.DialOption{
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                15 * time.Second,
			Timeout:             5 * time.Second,
			PermitWithoutStream: true,
		}),
	}

	if options.TLSEnabled {
		tlsConfig, err := LoadClientTLSConfigFromStruct(&options.TLS)
		if err != nil {
			return nil, err
		}
		dialOptions = append(dialOptions, grpc.WithTransportCredentials(credentials.NewTLS(tlsConfig)))
	} else {
		dialOptions = append(dialOptions, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}
	dialOptions = append(dialOptions, options.Extra...)

	conn, err := grpc.NewClient(endpoint, dialOptions...)
	if err != nil {
		return nil, fmt.Errorf("failed to create client for %s: %w", endpoint, err)
	}
	return conn, nil
}
