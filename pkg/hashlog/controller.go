package hashlog

// FlashController is the storage backend of the log. Addresses are byte
// offsets from the start of the log's flash partition; region r spans
// [r*RegionSize, (r+1)*RegionSize).
//
// Implementations report failures as ErrorCode values (ErrReadFail,
// ErrWriteFail, ErrEraseFail), optionally wrapped.
type FlashController interface {
	// ReadRegion fills buf, which is exactly one region long, with the
	// contents of region regionNumber starting at offset.
	ReadRegion(regionNumber int, offset int, buf []byte) error
	// Write programs buf at address. Bytes outside [address, address+len(buf))
	// are preserved.
	Write(address int, buf []byte) error
	// EraseRegion erases region regionNumber
	EraseRegion(regionNumber int) error
}
