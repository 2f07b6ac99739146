package flash

import "errors"

// ErrInjected is returned by FaultyDevice for operations it was told to fail
var ErrInjected = errors.New("injected flash fault")

// FaultyDevice wraps a Device and fails selected operations. A nil hook
// never fails. Used to exercise hardware failure paths.
type FaultyDevice struct {
	Device

	FailRead  func(addr uint32, n int) bool
	FailWrite func(addr uint32, n int) bool
	FailErase func(index uint32) bool
}

// Read implements Device
func (f *FaultyDevice) Read(addr uint32, buf []byte) error {
	if f.FailRead != nil && f.FailRead(addr, len(buf)) {
		return ErrInjected
	}
	return f.Device.Read(addr, buf)
}

// WritePage implements Device
func (f *FaultyDevice) WritePage(addr uint32, buf []byte) error {
	if f.FailWrite != nil && f.FailWrite(addr, len(buf)) {
		return ErrInjected
	}
	return f.Device.WritePage(addr, buf)
}

// EraseSector implements Device
func (f *FaultyDevice) EraseSector(index uint32) error {
	if f.FailErase != nil && f.FailErase(index) {
		return ErrInjected
	}
	return f.Device.EraseSector(index)
}
