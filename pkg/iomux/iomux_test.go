package iomux

import (
	"context"
	"errors"
	"testing"

	"github.com/KevoDB/flashstore/pkg/common/log"
	"github.com/KevoDB/flashstore/pkg/ipc"
)

func startService(t *testing.T, pinMap map[Peripheral][]Pin) (*Service, *Caller) {
	t.Helper()
	caller, responder := ipc.NewChannel[Request, Response]()
	svc := NewService(pinMap, log.Discard())

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go svc.Serve(ctx, responder)

	return svc, caller
}

func TestConfigure(t *testing.T) {
	svc, caller := startService(t, DefaultPinMap)

	if svc.Configured(SPI0) {
		t.Fatal("SPI0 configured before any request")
	}
	if err := Configure(context.Background(), caller, SPI0); err != nil {
		t.Fatalf("configure SPI0 failed: %v", err)
	}
	if !svc.Configured(SPI0) {
		t.Error("SPI0 not marked configured")
	}
	if svc.Configured(SPI1) {
		t.Error("SPI1 should not be configured")
	}
}

func TestConfigureUnknownPeripheral(t *testing.T) {
	_, caller := startService(t, map[Peripheral][]Pin{SPI0: DefaultPinMap[SPI0]})

	err := Configure(context.Background(), caller, SPI1)
	if !errors.Is(err, ErrUnknownPeripheral) {
		t.Fatalf("expected ErrUnknownPeripheral, got %v", err)
	}
}

func TestConfigureClosedChannel(t *testing.T) {
	caller, _ := ipc.NewChannel[Request, Response]()
	caller.Close()

	if err := Configure(context.Background(), caller, SPI0); !errors.Is(err, ipc.ErrClosed) {
		t.Fatalf("expected ipc.ErrClosed, got %v", err)
	}
}
