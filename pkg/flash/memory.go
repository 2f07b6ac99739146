package flash

import "fmt"

// MemoryDevice is a RAM-backed NOR flash simulation. It is not safe for
// concurrent use; the storage service is its only user.
type MemoryDevice struct {
	data []byte
}

// NewMemoryDevice creates a fully erased device of the given size, which
// must be a multiple of SectorSize.
func NewMemoryDevice(size uint32) (*MemoryDevice, error) {
	if size == 0 || size%SectorSize != 0 {
		return nil, fmt.Errorf("device size %d is not a positive multiple of %d", size, SectorSize)
	}
	data := make([]byte, size)
	for i := range data {
		data[i] = ErasedByte
	}
	return &MemoryDevice{data: data}, nil
}

// Read implements Device
func (m *MemoryDevice) Read(addr uint32, buf []byte) error {
	if err := checkRange(m.Size(), addr, len(buf)); err != nil {
		return err
	}
	copy(buf, m.data[addr:])
	return nil
}

// WritePage implements Device
func (m *MemoryDevice) WritePage(addr uint32, buf []byte) error {
	if err := checkPage(m.Size(), addr, len(buf)); err != nil {
		return err
	}
	dst := m.data[addr : int(addr)+len(buf)]
	for i, b := range buf {
		dst[i] &= b
	}
	return nil
}

// EraseSector implements Device
func (m *MemoryDevice) EraseSector(index uint32) error {
	if err := checkSector(m.Size(), index); err != nil {
		return err
	}
	sector := m.data[index*SectorSize : (index+1)*SectorSize]
	for i := range sector {
		sector[i] = ErasedByte
	}
	return nil
}

// Size implements Device
func (m *MemoryDevice) Size() uint32 {
	return uint32(len(m.data))
}
