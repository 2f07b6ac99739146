package flash

import (
	"bytes"
	"errors"
	"path/filepath"
	"testing"
)

// deviceFactories returns a fresh device of each implementation
func deviceFactories(t *testing.T) map[string]func(size uint32) Device {
	return map[string]func(size uint32) Device{
		"memory": func(size uint32) Device {
			dev, err := NewMemoryDevice(size)
			if err != nil {
				t.Fatalf("failed to create memory device: %v", err)
			}
			return dev
		},
		"file": func(size uint32) Device {
			dev, err := OpenFileDevice(filepath.Join(t.TempDir(), "flash.img"), size)
			if err != nil {
				t.Fatalf("failed to create file device: %v", err)
			}
			t.Cleanup(func() { dev.Close() })
			return dev
		},
	}
}

func TestGeometry(t *testing.T) {
	if SectorSize%PageSize != 0 {
		t.Fatalf("page size %d does not divide sector size %d", PageSize, SectorSize)
	}
	if SectorSize < PageSize {
		t.Fatalf("sector size %d is smaller than page size %d", SectorSize, PageSize)
	}
}

func TestDeviceStartsErased(t *testing.T) {
	for name, newDevice := range deviceFactories(t) {
		t.Run(name, func(t *testing.T) {
			dev := newDevice(2 * SectorSize)
			buf := make([]byte, dev.Size())
			if err := dev.Read(0, buf); err != nil {
				t.Fatalf("read failed: %v", err)
			}
			if !bytes.Equal(buf, bytes.Repeat([]byte{ErasedByte}, len(buf))) {
				t.Error("new device is not fully erased")
			}
		})
	}
}

func TestProgramOnlyClearsBits(t *testing.T) {
	for name, newDevice := range deviceFactories(t) {
		t.Run(name, func(t *testing.T) {
			dev := newDevice(SectorSize)

			if err := dev.WritePage(0, []byte{0xF0, 0x0F}); err != nil {
				t.Fatalf("program failed: %v", err)
			}
			if err := dev.WritePage(0, []byte{0x3C, 0xFF}); err != nil {
				t.Fatalf("program failed: %v", err)
			}

			got := make([]byte, 3)
			if err := dev.Read(0, got); err != nil {
				t.Fatalf("read failed: %v", err)
			}
			want := []byte{0x30, 0x0F, 0xFF}
			if !bytes.Equal(got, want) {
				t.Errorf("expected % X, got % X", want, got)
			}
		})
	}
}

func TestEraseSector(t *testing.T) {
	for name, newDevice := range deviceFactories(t) {
		t.Run(name, func(t *testing.T) {
			dev := newDevice(2 * SectorSize)
			page := bytes.Repeat([]byte{0x00}, PageSize)
			for _, addr := range []uint32{0, SectorSize} {
				if err := dev.WritePage(addr, page); err != nil {
					t.Fatalf("program failed: %v", err)
				}
			}

			if err := dev.EraseSector(1); err != nil {
				t.Fatalf("erase failed: %v", err)
			}

			buf := make([]byte, PageSize)
			dev.Read(SectorSize, buf)
			if !bytes.Equal(buf, bytes.Repeat([]byte{ErasedByte}, PageSize)) {
				t.Error("sector 1 not erased")
			}
			dev.Read(0, buf)
			if !bytes.Equal(buf, page) {
				t.Error("erasing sector 1 touched sector 0")
			}
		})
	}
}

func TestDeviceBounds(t *testing.T) {
	for name, newDevice := range deviceFactories(t) {
		t.Run(name, func(t *testing.T) {
			dev := newDevice(SectorSize)

			if err := dev.Read(SectorSize-1, make([]byte, 2)); !errors.Is(err, ErrOutOfRange) {
				t.Errorf("expected ErrOutOfRange for read past end, got %v", err)
			}
			if err := dev.WritePage(PageSize-1, []byte{0, 0}); !errors.Is(err, ErrPageBoundary) {
				t.Errorf("expected ErrPageBoundary, got %v", err)
			}
			if err := dev.WritePage(0, make([]byte, PageSize+1)); !errors.Is(err, ErrPageBoundary) {
				t.Errorf("expected ErrPageBoundary for oversized page, got %v", err)
			}
			if err := dev.EraseSector(1); !errors.Is(err, ErrOutOfRange) {
				t.Errorf("expected ErrOutOfRange for missing sector, got %v", err)
			}
		})
	}
}

func TestInvalidDeviceSize(t *testing.T) {
	if _, err := NewMemoryDevice(SectorSize + 1); err == nil {
		t.Error("expected error for size not a multiple of the sector size")
	}
	if _, err := NewMemoryDevice(0); err == nil {
		t.Error("expected error for zero size")
	}
}

func TestFileDevicePersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "flash.img")

	dev, err := OpenFileDevice(path, SectorSize)
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	if err := dev.WritePage(PageSize, []byte("persisted")); err != nil {
		t.Fatalf("program failed: %v", err)
	}
	if err := dev.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}
	if err := dev.Read(0, make([]byte, 1)); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed after close, got %v", err)
	}

	dev, err = OpenFileDevice(path, SectorSize)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer dev.Close()

	buf := make([]byte, len("persisted"))
	if err := dev.Read(PageSize, buf); err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if string(buf) != "persisted" {
		t.Errorf("expected persisted data, got %q", buf)
	}

	if _, err := OpenFileDevice(path, 2*SectorSize); err == nil {
		t.Error("expected error reopening an image with a different size")
	}
}

func TestFaultyDevice(t *testing.T) {
	mem, _ := NewMemoryDevice(SectorSize)
	dev := &FaultyDevice{
		Device:    mem,
		FailWrite: func(addr uint32, n int) bool { return addr >= PageSize },
	}

	if err := dev.WritePage(0, []byte{1}); err != nil {
		t.Errorf("unexpected failure: %v", err)
	}
	if err := dev.WritePage(PageSize, []byte{1}); !errors.Is(err, ErrInjected) {
		t.Errorf("expected ErrInjected, got %v", err)
	}
	if err := dev.EraseSector(0); err != nil {
		t.Errorf("nil hook should not fail: %v", err)
	}
}
