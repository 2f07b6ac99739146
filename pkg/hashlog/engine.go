// Package hashlog implements an append-only key/value log addressed by
// 64-bit key hashes, stored on erase-region oriented flash.
//
// Each region holds a sequence of objects written back to back from offset
// zero; the first erased byte ends the sequence. An object is never modified
// after it is written except for clearing its valid bit, which only turns a
// 1 bit into a 0 bit and so needs no erase. Space held by invalidated objects
// is reclaimed by GarbageCollect.
package hashlog

import (
	"encoding/binary"
	"fmt"

	"github.com/cespare/xxhash/v2"

	"github.com/KevoDB/flashstore/pkg/common/log"
)

const (
	// ObjectVersion is the only object header version understood
	ObjectVersion = 1

	// Header layout
	// - version (1 byte)
	// - flags and value length (2 bytes, big endian; bit 15 = valid)
	// - key hash (8 bytes, little endian)
	HeaderSize = 11

	// ChecksumSize is the size of the xxhash64 trailer after the value
	ChecksumSize = 8

	// MaxValueLength is the largest value length the header can describe
	MaxValueLength = 0x0FFF

	erasedByte = 0xFF
	flagValid  = 0x8000
	lenMask    = 0x0FFF

	// byte within the header holding the valid flag
	flagsOffset = 1
	flagsValid  = 0x80
)

// Engine is a hashed log over a FlashController. It is not safe for
// concurrent use: callers issue one operation at a time.
type Engine struct {
	ctl        FlashController
	buf        []byte
	regionSize int
	regions    int
	logger     log.Logger

	// main key hash set by Initialise; it can never be invalidated
	mainHash    uint64
	initialised bool
}

// Option configures an Engine
type Option func(*Engine)

// WithLogger sets the engine logger
func WithLogger(logger log.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
	}
}

// New creates an engine over flashSize bytes of flash. readBuffer is the
// engine's working copy of one region; its length is the region size and
// must evenly divide flashSize.
func New(ctl FlashController, readBuffer []byte, flashSize int, opts ...Option) (*Engine, error) {
	if ctl == nil {
		return nil, fmt.Errorf("flash controller cannot be nil")
	}
	regionSize := len(readBuffer)
	if regionSize < HeaderSize+ChecksumSize {
		return nil, fmt.Errorf("%w: read buffer is %d bytes", ErrBufferTooSmall, regionSize)
	}
	if flashSize <= 0 || flashSize%regionSize != 0 {
		return nil, fmt.Errorf("flash size %d is not a positive multiple of region size %d", flashSize, regionSize)
	}

	e := &Engine{
		ctl:        ctl,
		buf:        readBuffer,
		regionSize: regionSize,
		regions:    flashSize / regionSize,
		logger:     log.GetDefaultLogger().WithField("component", "hashlog"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Regions returns the number of regions managed by the engine
func (e *Engine) Regions() int {
	return e.regions
}

// RegionSize returns the size of one region in bytes
func (e *Engine) RegionSize() int {
	return e.regionSize
}

// object describes one object found while scanning a region
type object struct {
	offset int
	hash   uint64
	valid  bool
	length int
}

func (o object) size() int {
	return HeaderSize + o.length + ChecksumSize
}

// ObjectSize returns the number of flash bytes used by an object holding
// a value of the given length
func ObjectSize(valueLen int) int {
	return HeaderSize + valueLen + ChecksumSize
}

// loadRegion reads a region into the read buffer and parses its objects.
// It returns the objects and the offset of the first free byte.
func (e *Engine) loadRegion(region int) ([]object, int, error) {
	if err := e.ctl.ReadRegion(region, 0, e.buf); err != nil {
		return nil, 0, err
	}

	var objects []object
	off := 0
	for off+HeaderSize <= e.regionSize {
		version := e.buf[off]
		if version == erasedByte {
			break
		}
		if version != ObjectVersion {
			return nil, 0, fmt.Errorf("%w: region %d offset %d version %d",
				ErrUnsupportedVersion, region, off, version)
		}

		flagsLen := binary.BigEndian.Uint16(e.buf[off+1 : off+3])
		obj := object{
			offset: off,
			hash:   binary.LittleEndian.Uint64(e.buf[off+3 : off+HeaderSize]),
			valid:  flagsLen&flagValid != 0,
			length: int(flagsLen & lenMask),
		}
		if off+obj.size() > e.regionSize {
			return nil, 0, fmt.Errorf("%w: region %d object at %d overruns region",
				ErrCorruptData, region, off)
		}

		objects = append(objects, obj)
		off += obj.size()
	}

	return objects, off, nil
}

// homeRegion returns the first region probed for a hash
func (e *Engine) homeRegion(hash uint64) int {
	return int(hash&0xFFFF) % e.regions
}

// probe calls fn for every region in probe order for hash until fn returns
// true or an error.
func (e *Engine) probe(hash uint64, fn func(region int, objects []object, end int) (bool, error)) error {
	home := e.homeRegion(hash)
	for i := 0; i < e.regions; i++ {
		region := (home + i) % e.regions
		objects, end, err := e.loadRegion(region)
		if err != nil {
			return err
		}
		done, err := fn(region, objects, end)
		if err != nil || done {
			return err
		}
	}
	return nil
}

// find locates the valid object for hash. On success the region holding it
// is left in the read buffer.
func (e *Engine) find(hash uint64) (int, object, error) {
	var (
		foundRegion = -1
		found       object
	)
	err := e.probe(hash, func(region int, objects []object, _ int) (bool, error) {
		for _, obj := range objects {
			if obj.valid && obj.hash == hash {
				foundRegion, found = region, obj
				return true, nil
			}
		}
		return false, nil
	})
	if err != nil {
		return 0, object{}, err
	}
	if foundRegion < 0 {
		return 0, object{}, ErrKeyNotFound
	}
	return foundRegion, found, nil
}

func checksum(hash uint64, value []byte) uint64 {
	var prefix [HeaderSize]byte
	prefix[0] = ObjectVersion
	binary.BigEndian.PutUint16(prefix[1:3], uint16(len(value)))
	binary.LittleEndian.PutUint64(prefix[3:], hash)

	d := xxhash.New()
	d.Write(prefix[:])
	d.Write(value)
	return d.Sum64()
}

func encodeObject(hash uint64, value []byte) []byte {
	obj := make([]byte, ObjectSize(len(value)))
	obj[0] = ObjectVersion
	binary.BigEndian.PutUint16(obj[1:3], flagValid|uint16(len(value)))
	binary.LittleEndian.PutUint64(obj[3:HeaderSize], hash)
	copy(obj[HeaderSize:], value)
	binary.LittleEndian.PutUint64(obj[HeaderSize+len(value):], checksum(hash, value))
	return obj
}

// Initialise prepares the flash for use. If the main key is already present
// the flash holds a log and is left alone; otherwise every region is erased
// and the main key is appended with an empty value.
func (e *Engine) Initialise(mainKeyHash uint64) (SuccessCode, error) {
	_, _, err := e.find(mainKeyHash)
	if err == nil {
		e.logger.Debug("main key present, flash already initialised")
		e.mainHash, e.initialised = mainKeyHash, true
		return SuccessComplete, nil
	}

	code, _ := CodeOf(err)
	switch code {
	case ErrKeyNotFound, ErrCorruptData, ErrUnsupportedVersion:
	default:
		return 0, err
	}

	e.logger.Info("formatting %d regions (%v)", e.regions, err)
	for region := 0; region < e.regions; region++ {
		if err := e.ctl.EraseRegion(region); err != nil {
			return 0, err
		}
	}

	written, err := e.AppendKey(mainKeyHash, nil)
	if err != nil {
		return 0, err
	}
	e.mainHash, e.initialised = mainKeyHash, true
	return written, nil
}

// AppendKey appends value under hash. A hash that already has a valid
// object is rejected with ErrKeyAlreadyExists.
func (e *Engine) AppendKey(hash uint64, value []byte) (SuccessCode, error) {
	size := ObjectSize(len(value))
	if len(value) > MaxValueLength || size > e.regionSize {
		return 0, ErrObjectTooLarge
	}

	target, targetEnd := -1, 0
	err := e.probe(hash, func(region int, objects []object, end int) (bool, error) {
		for _, obj := range objects {
			if obj.valid && obj.hash == hash {
				return true, ErrKeyAlreadyExists
			}
		}
		if target < 0 && end+size <= e.regionSize {
			target, targetEnd = region, end
		}
		return false, nil
	})
	if err != nil {
		return 0, err
	}
	if target < 0 {
		return 0, ErrRegionFull
	}

	addr := target*e.regionSize + targetEnd
	e.logger.Debug("append hash=%016x region=%d offset=%d size=%d", hash, target, targetEnd, size)
	if err := e.ctl.Write(addr, encodeObject(hash, value)); err != nil {
		return 0, err
	}
	return SuccessWritten, nil
}

// GetKey copies the value stored under hash into buf and returns its length
func (e *Engine) GetKey(hash uint64, buf []byte) (SuccessCode, int, error) {
	_, obj, err := e.find(hash)
	if err != nil {
		return 0, 0, err
	}

	start := obj.offset + HeaderSize
	value := e.buf[start : start+obj.length]
	stored := binary.LittleEndian.Uint64(e.buf[start+obj.length : start+obj.length+ChecksumSize])
	if stored != checksum(hash, value) {
		return 0, 0, ErrInvalidChecksum
	}
	if len(buf) < obj.length {
		return 0, 0, fmt.Errorf("%w: value is %d bytes, buffer %d", ErrBufferTooSmall, obj.length, len(buf))
	}

	return SuccessComplete, copy(buf, value), nil
}

// InvalidateKey marks the object stored under hash as invalid. Its space is
// reclaimed by the next GarbageCollect. The main key is reported as
// ErrKeyNotFound: losing it would make the next Initialise format the flash.
func (e *Engine) InvalidateKey(hash uint64) (SuccessCode, error) {
	if e.initialised && hash == e.mainHash {
		e.logger.Warn("refusing to invalidate the main key")
		return 0, ErrKeyNotFound
	}

	region, obj, err := e.find(hash)
	if err != nil {
		return 0, err
	}

	pos := obj.offset + flagsOffset
	flags := e.buf[pos] &^ flagsValid
	e.logger.Debug("invalidate hash=%016x region=%d offset=%d", hash, region, obj.offset)
	if err := e.ctl.Write(region*e.regionSize+pos, []byte{flags}); err != nil {
		return 0, err
	}
	return SuccessWritten, nil
}

// GarbageCollect compacts every region holding invalidated objects: live
// objects are packed to the front of the region, the region is erased and
// the packed objects are written back. It returns the number of bytes
// reclaimed.
func (e *Engine) GarbageCollect() (int, error) {
	reclaimed := 0
	for region := 0; region < e.regions; region++ {
		objects, end, err := e.loadRegion(region)
		if err != nil {
			return reclaimed, err
		}

		live := 0
		dirty := false
		for _, obj := range objects {
			if !obj.valid {
				dirty = true
				continue
			}
			copy(e.buf[live:], e.buf[obj.offset:obj.offset+obj.size()])
			live += obj.size()
		}
		if !dirty {
			continue
		}

		e.logger.Debug("compacting region=%d used=%d live=%d", region, end, live)
		if err := e.ctl.EraseRegion(region); err != nil {
			return reclaimed, err
		}
		if live > 0 {
			if err := e.ctl.Write(region*e.regionSize, e.buf[:live]); err != nil {
				return reclaimed, err
			}
		}
		reclaimed += end - live
	}

	return reclaimed, nil
}

// Usage summarises how the flash is used
type Usage struct {
	Regions     int `json:"regions"`
	LiveObjects int `json:"live_objects"`
	LiveBytes   int `json:"live_bytes"`
	DeadObjects int `json:"dead_objects"`
	DeadBytes   int `json:"dead_bytes"`
	FreeBytes   int `json:"free_bytes"`
}

// Usage scans every region and reports object counts and space
func (e *Engine) Usage() (Usage, error) {
	u := Usage{Regions: e.regions}
	for region := 0; region < e.regions; region++ {
		objects, end, err := e.loadRegion(region)
		if err != nil {
			return u, err
		}
		for _, obj := range objects {
			if obj.valid {
				u.LiveObjects++
				u.LiveBytes += obj.size()
			} else {
				u.DeadObjects++
				u.DeadBytes += obj.size()
			}
		}
		u.FreeBytes += e.regionSize - end
	}
	return u, nil
}
