// Package blockdev provides the sector addressed disks the filesystem is
// mounted on: a RAM disk and a file backed floppy image.
package blockdev

import (
	"errors"
	"fmt"
	"math/bits"
)

// BlockSize is the size of every block handled by this package.
const BlockSize = 512

var (
	errUnaligned   = errors.New("blockdev: buffer not multiple of block size")
	errNegative    = errors.New("blockdev: invalid start block")
	errEraseParams = errors.New("blockdev: invalid erase parameters")
	errClosed      = errors.New("blockdev: device closed")
)

// blkIdxer is a helper for calculating block indexes and offsets.
type blkIdxer struct {
	blockshift int64
	blockmask  int64
}

func makeBlockIndexer(blockSize int) (blkIdxer, error) {
	if blockSize <= 0 {
		return blkIdxer{}, errors.New("blockSize must be positive and non-zero")
	}
	tz := bits.TrailingZeros(uint(blockSize))
	if blockSize>>tz != 1 {
		return blkIdxer{}, errors.New("blockSize must be a power of 2")
	}
	return blkIdxer{blockshift: int64(tz), blockmask: (1 << tz) - 1}, nil
}

// size returns the size of a block in bytes.
func (blk *blkIdxer) size() int64 { return 1 << blk.blockshift }

// off gets the offset of the byte at byteIdx from the start of its block.
func (blk *blkIdxer) off(byteIdx int64) int64 { return byteIdx & blk.blockmask }

// span validates a transfer of n bytes starting at startBlock on a device of
// devSize bytes and returns its byte range.
func (blk *blkIdxer) span(n int, startBlock, devSize int64) (off, end int64, err error) {
	if blk.off(int64(n)) != 0 {
		return 0, 0, errUnaligned
	} else if startBlock < 0 {
		return 0, 0, errNegative
	}
	off = startBlock << blk.blockshift
	end = off + int64(n)
	if end > devSize {
		return 0, 0, fmt.Errorf("blockdev: access past end of device: %d > %d", end, devSize)
	}
	return off, end, nil
}

// Memory is a RAM disk. The zero value is an empty device; use NewMemory.
type Memory struct {
	blk blkIdxer
	buf []byte
}

// NewMemory returns a zeroed RAM disk of numBlocks 512 byte blocks.
func NewMemory(numBlocks int) *Memory {
	blk, _ := makeBlockIndexer(BlockSize)
	return &Memory{blk: blk, buf: make([]byte, numBlocks*BlockSize)}
}

// NewMemoryFrom wraps an existing image. len(image) must be a multiple of 512.
func NewMemoryFrom(image []byte) (*Memory, error) {
	blk, _ := makeBlockIndexer(BlockSize)
	if blk.off(int64(len(image))) != 0 {
		return nil, errUnaligned
	}
	return &Memory{blk: blk, buf: image}, nil
}

func (m *Memory) ReadBlocks(dst []byte, startBlock int64) (int, error) {
	off, end, err := m.blk.span(len(dst), startBlock, m.Size())
	if err != nil {
		return 0, err
	}
	return copy(dst, m.buf[off:end]), nil
}

func (m *Memory) WriteBlocks(data []byte, startBlock int64) (int, error) {
	off, end, err := m.blk.span(len(data), startBlock, m.Size())
	if err != nil {
		return 0, err
	}
	return copy(m.buf[off:end], data), nil
}

func (m *Memory) EraseBlocks(startBlock, numBlocks int64) error {
	if startBlock < 0 || numBlocks <= 0 {
		return errEraseParams
	}
	start := startBlock * m.blk.size()
	end := start + numBlocks*m.blk.size()
	if end > m.Size() {
		return errors.New("blockdev: erase past end of device")
	}
	clear(m.buf[start:end])
	return nil
}

// Size returns the device size in bytes.
func (m *Memory) Size() int64 { return int64(len(m.buf)) }

// Bytes returns the device's backing buffer.
func (m *Memory) Bytes() []byte { return m.buf }
