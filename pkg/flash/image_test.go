package flash

import (
	"bytes"
	"errors"
	"testing"
)

func TestImageRoundTrip(t *testing.T) {
	src, _ := NewMemoryDevice(2 * SectorSize)
	src.WritePage(0, []byte("hello"))
	src.WritePage(SectorSize+3*PageSize, bytes.Repeat([]byte{0x42}, PageSize))

	var image bytes.Buffer
	if err := DumpImage(&image, src); err != nil {
		t.Fatalf("dump failed: %v", err)
	}

	dst, _ := NewMemoryDevice(2 * SectorSize)
	// Stale data on the destination must be erased by the restore
	dst.WritePage(PageSize, []byte("stale"))

	if err := RestoreImage(bytes.NewReader(image.Bytes()), dst); err != nil {
		t.Fatalf("restore failed: %v", err)
	}

	want := make([]byte, src.Size())
	got := make([]byte, dst.Size())
	src.Read(0, want)
	dst.Read(0, got)
	if !bytes.Equal(want, got) {
		t.Error("restored device differs from source")
	}
}

func TestRestoreRejectsMismatchedGeometry(t *testing.T) {
	src, _ := NewMemoryDevice(SectorSize)
	var image bytes.Buffer
	if err := DumpImage(&image, src); err != nil {
		t.Fatalf("dump failed: %v", err)
	}

	dst, _ := NewMemoryDevice(2 * SectorSize)
	if err := RestoreImage(&image, dst); !errors.Is(err, ErrInvalidImage) {
		t.Errorf("expected ErrInvalidImage, got %v", err)
	}
}

func TestRestoreRejectsGarbage(t *testing.T) {
	dst, _ := NewMemoryDevice(SectorSize)
	if err := RestoreImage(bytes.NewReader([]byte("definitely not zstd")), dst); err == nil {
		t.Error("expected error restoring garbage")
	}
}
