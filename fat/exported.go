package fat

import (
	"io"
	"log/slog"
	"time"
)

// MaxFileSize is the largest file the allocation table can address.
const MaxFileSize = (fatEntries - clusterFirst) * sectorSize

type objid struct {
	fs *FS
	id uint16 // Corresponds to FS.id.
}

// validate reports whether the object belongs to the current mount.
func (obj *objid) validate() error {
	if obj.fs == nil || obj.fs.dev == nil || obj.fs.id != obj.id {
		return ErrInvalidHandle
	}
	return nil
}

// DirEntry is the metadata record of one file or directory.
type DirEntry struct {
	name   [8]byte
	ext    [3]byte
	attr   fileattr
	crt    datetime
	acc    uint16 // Last access date.
	mod    datetime
	sclust uint16
	size   uint32
}

func (e DirEntry) isZero() bool { return e == DirEntry{} }

// Name returns the file name without padding.
func (e DirEntry) Name() string { return str(e.name[:]) }

// Ext returns the file extension without padding.
func (e DirEntry) Ext() string { return str(e.ext[:]) }

// String returns the name in NAME.EXT form.
func (e DirEntry) String() string {
	if ext := e.Ext(); ext != "" {
		return e.Name() + "." + ext
	}
	return e.Name()
}

// Size returns the size of the file in bytes. Directories report zero.
func (e DirEntry) Size() int64 { return int64(e.size) }

// Cluster returns the starting cluster of the entry's chain.
func (e DirEntry) Cluster() uint16 { return e.sclust }

// IsDir reports whether the entry describes a directory.
func (e DirEntry) IsDir() bool { return e.attr.IsSubdirectory() }

// Attributes returns the raw attribute byte.
func (e DirEntry) Attributes() byte { return byte(e.attr) }

// ModTime returns the last write time of the entry.
func (e DirEntry) ModTime() time.Time { return e.mod.Time() }

// CreationTime returns the creation time of the entry.
func (e DirEntry) CreationTime() time.Time { return e.crt.Time() }

// AccessDate returns the last access date of the entry.
func (e DirEntry) AccessDate() time.Time { return datetime{date: e.acc}.Time() }

// handle is the state shared by open files and directories.
type handle struct {
	obj      objid
	parent   *Dir
	slot     int // Index of entry in the parent's entry region.
	entry    DirEntry
	buf      []byte
	isOpened bool
	dirty    bool // Buffer written since open.
	bound    bool
	isRoot   bool // Backed by the fixed root directory region.
}

func (h *handle) reset() {
	h.parent = nil
	h.slot = -1
	h.entry = DirEntry{}
	h.buf = nil
	h.isOpened = false
	h.dirty = false
	h.bound = false
}

// Entry returns a copy of the handle's directory entry.
func (h *handle) Entry() DirEntry { return h.entry }

// IsOpen reports whether the handle's content is loaded.
func (h *handle) IsOpen() bool { return h.isOpened }

// File is a handle to a FAT file. Its content is held in memory while open
// and written back cluster by cluster on CloseFile.
type File struct {
	handle
}

// SetName sets the pending name of an unbound handle, used by CreateFile.
func (fp *File) SetName(name, ext string) error {
	return fp.handle.setName(name, ext)
}

func (h *handle) setName(name, ext string) error {
	if h.bound {
		return ErrInvalidHandle
	}
	sfn, err := makeSFN(name, ext)
	if err != nil {
		return err
	}
	h.entry = DirEntry{}
	copy(h.entry.name[:], sfn[:8])
	copy(h.entry.ext[:], sfn[8:])
	return nil
}

// OpenFile loads the file's full content by walking its cluster chain.
// The handle must be bound to an entry with Lookup or CreateFile.
func (fsys *FS) OpenFile(fp *File) error {
	if fp == nil || !fp.bound {
		return ErrInvalidHandle
	} else if err := fp.obj.validate(); err != nil {
		return err
	} else if fp.entry.IsDir() {
		return ErrIsDir
	}
	if err := fsys.load(&fp.handle); err != nil {
		return err
	}
	fp.isOpened = true
	fsys.debug("open", slog.String("name", fp.entry.String()), slog.Uint64("size", uint64(fp.entry.size)))
	return nil
}

// ReadByteAt returns the byte at off. It returns 0xFF and ErrInvalidHandle when
// the file is not open and 0xFF and io.EOF at or past the end of the file.
func (fsys *FS) ReadByteAt(fp *File, off uint32) (byte, error) {
	if fp == nil || !fp.isOpened || fp.obj.validate() != nil {
		return 0xFF, ErrInvalidHandle
	} else if off >= fp.entry.size {
		return 0xFF, io.EOF
	}
	return fp.buf[off], nil
}

// WriteByteAt writes b at off, growing the file when writing past its end.
// The file size becomes the high-water mark of written offsets.
func (fsys *FS) WriteByteAt(fp *File, b byte, off uint32) error {
	if fp == nil || !fp.isOpened || fp.obj.validate() != nil {
		return ErrInvalidHandle
	} else if off >= MaxFileSize {
		return ErrFileTooLarge
	}
	fp.grow(off + 1)
	if off > fp.entry.size {
		clear(fp.buf[fp.entry.size:off]) // Sector tails may hold stale data.
	}
	fp.buf[off] = b
	fp.dirty = true
	if off+1 > fp.entry.size {
		fp.entry.size = off + 1
	}
	return nil
}

// grow extends the buffer to hold n bytes, rounded up to whole sectors.
func (h *handle) grow(n uint32) {
	if int(n) <= len(h.buf) {
		return
	}
	need := int(ceilDiv(n, sectorSize)) * sectorSize
	if need <= cap(h.buf) {
		h.buf = h.buf[:need]
		return
	}
	buf := make([]byte, need)
	copy(buf, h.buf)
	h.buf = buf
}

// CloseFile writes the buffer back along the file's chain, extending the chain
// when the file outgrew it. All clusters are allocated before any disk write;
// if the table runs out the handle stays open and ErrFull is returned.
// A handle not written since OpenFile is closed without disk access.
// Closing an unopened handle is a no-op.
func (fsys *FS) CloseFile(fp *File) error {
	if fp == nil || !fp.isOpened {
		return nil
	} else if err := fp.obj.validate(); err != nil {
		return err
	}
	if fp.dirty {
		if err := fsys.verifySlot(&fp.handle); err != nil {
			return err
		}
		fp.entry.mod = newDatetime(fsys.timestamp())
		fp.entry.acc = fp.entry.mod.date
		if err := fsys.store(&fp.handle, fp.entry.size); err != nil {
			return err
		}
	}
	fp.isOpened = false
	fp.dirty = false
	fp.buf = nil
	return nil
}

// CreateFile creates a new zero length file entry named after fp's pending
// name inside parent and binds fp to it. The file is persisted closed. If
// persisting fails the cluster is released and fp is left unbound.
func (fsys *FS) CreateFile(fp *File, parent *Dir) error {
	if fp == nil || fp.bound || fp.isOpened {
		return ErrInvalidHandle
	}
	if err := fsys.create(&fp.handle, parent, amARC); err != nil {
		return err
	}
	if err := fsys.store(&fp.handle, 0); err != nil {
		fsys.abandon(&fp.handle)
		return err
	}
	fp.buf = nil
	return nil
}

// DeleteFile returns the file's clusters to the free pool and zeroes its entry in parent.
func (fsys *FS) DeleteFile(fp *File, parent *Dir) error {
	if fp == nil || parent == nil || !fp.bound || fp.parent != parent {
		return ErrInvalidHandle
	} else if fp.entry.IsDir() {
		return ErrIsDir
	}
	return fsys.remove(&fp.handle)
}

// Lookup binds fp to the file named name.ext inside dir without opening it.
func (fsys *FS) Lookup(fp *File, dir *Dir, name, ext string) error {
	if fp == nil || fp.isOpened {
		return ErrInvalidHandle
	}
	slot, err := fsys.findSlot(dir, name, ext)
	if err != nil {
		return err
	}
	entry := dir.entryAt(slot)
	if entry.IsDir() {
		return ErrIsDir
	}
	fp.bind(dir, slot, entry)
	return nil
}

func (h *handle) bind(parent *Dir, slot int, entry DirEntry) {
	h.obj = parent.obj
	h.parent = parent
	h.slot = slot
	h.entry = entry
	h.bound = true
}

// ReadAt implements [io.ReaderAt] over the open file's buffer.
func (fp *File) ReadAt(p []byte, off int64) (int, error) {
	if !fp.isOpened || fp.obj.validate() != nil {
		return 0, ErrInvalidHandle
	} else if off < 0 {
		return 0, ErrInvalidHandle
	} else if off >= int64(fp.entry.size) {
		return 0, io.EOF
	}
	n := copy(p, fp.buf[off:fp.entry.size])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// WriteAt implements [io.WriterAt] over the open file's buffer.
func (fp *File) WriteAt(p []byte, off int64) (int, error) {
	if !fp.isOpened || fp.obj.validate() != nil || off < 0 {
		return 0, ErrInvalidHandle
	}
	end := off + int64(len(p))
	if end > MaxFileSize {
		return 0, ErrFileTooLarge
	} else if len(p) == 0 {
		return 0, nil
	}
	fp.grow(uint32(end))
	if uint32(off) > fp.entry.size {
		clear(fp.buf[fp.entry.size:off])
	}
	n := copy(fp.buf[off:end], p)
	fp.dirty = true
	if uint32(end) > fp.entry.size {
		fp.entry.size = uint32(end)
	}
	return n, nil
}

// Size returns the current size of the file in bytes.
func (fp *File) Size() int64 { return int64(fp.entry.size) }
