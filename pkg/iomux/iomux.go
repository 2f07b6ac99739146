// Package iomux is the pin multiplexing service. Drivers ask it once, at
// boot, to route a peripheral's signals to its pins.
package iomux

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/KevoDB/flashstore/pkg/common/log"
	"github.com/KevoDB/flashstore/pkg/ipc"
)

// ErrUnknownPeripheral is returned for peripherals without a pin assignment
var ErrUnknownPeripheral = errors.New("unknown peripheral")

// Peripheral identifies a hardware block whose pins can be routed
type Peripheral uint8

const (
	// SPI0 is the first SPI controller, wired to the NOR flash
	SPI0 Peripheral = iota
	// SPI1 is the second SPI controller
	SPI1
)

func (p Peripheral) String() string {
	switch p {
	case SPI0:
		return "SPI0"
	case SPI1:
		return "SPI1"
	default:
		return fmt.Sprintf("Peripheral(%d)", uint8(p))
	}
}

// Pin is one pad routed to a peripheral signal
type Pin struct {
	Number   uint8
	Function string
}

// Request asks the service to configure the pins of a peripheral
type Request struct {
	Peripheral Peripheral
}

// Response acknowledges a Request. Err is nil on success.
type Response struct {
	Err error
}

// Caller is the client end of the IO-mux channel
type Caller = ipc.Caller[Request, Response]

// DefaultPinMap is the board wiring: SPI0 drives the storage flash
var DefaultPinMap = map[Peripheral][]Pin{
	SPI0: {{2, "SCK"}, {3, "MOSI"}, {4, "MISO"}, {5, "CS0"}},
	SPI1: {{10, "SCK"}, {11, "MOSI"}, {12, "MISO"}, {13, "CS0"}},
}

// Service owns the pad configuration
type Service struct {
	mu         sync.Mutex
	pins       map[Peripheral][]Pin
	configured map[Peripheral]bool
	logger     log.Logger
}

// NewService creates a service routing pins according to pinMap
func NewService(pinMap map[Peripheral][]Pin, logger log.Logger) *Service {
	if logger == nil {
		logger = log.GetDefaultLogger()
	}
	return &Service{
		pins:       pinMap,
		configured: make(map[Peripheral]bool),
		logger:     logger.WithField("component", "iomux"),
	}
}

// Serve answers requests on responder until ctx is done or the channel closes
func (s *Service) Serve(ctx context.Context, responder *ipc.Responder[Request, Response]) error {
	return responder.ReplyRecv(ctx, s.Handle)
}

// Handle configures the pins named by req
func (s *Service) Handle(_ context.Context, req Request) Response {
	pins, ok := s.pins[req.Peripheral]
	if !ok {
		return Response{Err: fmt.Errorf("%w: %s", ErrUnknownPeripheral, req.Peripheral)}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, pin := range pins {
		s.logger.Debug("pin %d -> %s.%s", pin.Number, req.Peripheral, pin.Function)
	}
	s.configured[req.Peripheral] = true
	s.logger.Info("configured %d pins for %s", len(pins), req.Peripheral)
	return Response{}
}

// Configured reports whether p has been configured
func (s *Service) Configured(p Peripheral) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.configured[p]
}

// Configure asks the service behind caller to configure p and waits for the
// acknowledgement
func Configure(ctx context.Context, caller *Caller, p Peripheral) error {
	resp, err := caller.Call(ctx, Request{Peripheral: p})
	if err != nil {
		return fmt.Errorf("iomux call failed: %w", err)
	}
	return resp.Err
}
