package blockdev

import (
	"errors"
	"fmt"
	"io"
	"os"

	"golang.org/x/sys/unix"
)

// ErrLocked is returned by OpenImage when another process holds the image.
var ErrLocked = errors.New("blockdev: image locked by another process")

// Image is a disk image file. The file is held under an exclusive advisory
// lock for the lifetime of the Image.
type Image struct {
	blk  blkIdxer
	f    *os.File
	size int64
}

// CreateImage creates (or truncates) the image at path with numBlocks zeroed blocks.
func CreateImage(path string, numBlocks int64) (*Image, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, err
	}
	img, err := newImage(f)
	if err != nil {
		return nil, err
	}
	if err := f.Truncate(0); err != nil {
		img.Close()
		return nil, err
	}
	if err := f.Truncate(numBlocks * BlockSize); err != nil {
		img.Close()
		return nil, err
	}
	img.size = numBlocks * BlockSize
	return img, nil
}

// OpenImage opens an existing image for reading and writing.
func OpenImage(path string) (*Image, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, err
	}
	img, err := newImage(f)
	if err != nil {
		return nil, err
	}
	st, err := f.Stat()
	if err != nil {
		img.Close()
		return nil, err
	}
	if img.blk.off(st.Size()) != 0 {
		img.Close()
		return nil, fmt.Errorf("%w: %s is %d bytes", errUnaligned, path, st.Size())
	}
	img.size = st.Size()
	return img, nil
}

func newImage(f *os.File) (*Image, error) {
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			return nil, fmt.Errorf("%w: %s", ErrLocked, f.Name())
		}
		return nil, fmt.Errorf("blockdev: lock %s: %w", f.Name(), err)
	}
	blk, _ := makeBlockIndexer(BlockSize)
	return &Image{blk: blk, f: f}, nil
}

func (img *Image) ReadBlocks(dst []byte, startBlock int64) (int, error) {
	if img.f == nil {
		return 0, errClosed
	}
	off, _, err := img.blk.span(len(dst), startBlock, img.size)
	if err != nil {
		return 0, err
	}
	n, err := img.f.ReadAt(dst, off)
	if err == io.EOF && n == len(dst) {
		err = nil
	}
	return n, err
}

func (img *Image) WriteBlocks(data []byte, startBlock int64) (int, error) {
	if img.f == nil {
		return 0, errClosed
	}
	off, _, err := img.blk.span(len(data), startBlock, img.size)
	if err != nil {
		return 0, err
	}
	return img.f.WriteAt(data, off)
}

func (img *Image) EraseBlocks(startBlock, numBlocks int64) error {
	if img.f == nil {
		return errClosed
	} else if startBlock < 0 || numBlocks <= 0 {
		return errEraseParams
	}
	var zero [BlockSize]byte
	for i := int64(0); i < numBlocks; i++ {
		if _, err := img.WriteBlocks(zero[:], startBlock+i); err != nil {
			return err
		}
	}
	return nil
}

// Size returns the image size in bytes.
func (img *Image) Size() int64 { return img.size }

// Sync flushes written blocks to stable storage.
func (img *Image) Sync() error {
	if img.f == nil {
		return errClosed
	}
	return img.f.Sync()
}

// Close releases the lock and closes the image file. It is safe to call twice.
func (img *Image) Close() error {
	if img.f == nil {
		return nil
	}
	f := img.f
	img.f = nil
	unlockErr := unix.Flock(int(f.Fd()), unix.LOCK_UN)
	return errors.Join(f.Close(), unlockErr)
}
