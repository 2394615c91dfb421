package fat

import (
	"log/slog"
)

// Dir is a handle to a FAT directory. While open its buffer holds the
// directory's 32 byte entries.
type Dir struct {
	handle
}

// SetName sets the pending name of an unbound directory handle, used by CreateDirectory.
func (d *Dir) SetName(name string) error {
	return d.handle.setName(name, "")
}

// OpenDirectory loads the directory's entries. Opening the root directory rereads it from disk.
func (fsys *FS) OpenDirectory(d *Dir) error {
	if d == nil || (!d.bound && !d.isRoot) {
		return ErrInvalidHandle
	} else if err := d.obj.validate(); err != nil {
		return err
	} else if !d.entry.IsDir() {
		return ErrNotDir
	}
	if err := fsys.load(&d.handle); err != nil {
		return err
	}
	d.isOpened = true
	return nil
}

// CloseDirectory stamps the directory's entry in its parent and drops its
// buffer. Child entries are already on disk: every create and delete writes
// its entry through. The root directory stays open.
func (fsys *FS) CloseDirectory(d *Dir) error {
	if d == nil || !d.isOpened {
		return nil
	} else if err := d.obj.validate(); err != nil {
		return err
	} else if d.isRoot {
		return nil
	}
	if err := fsys.verifySlot(&d.handle); err != nil {
		return err
	}
	d.entry.mod = newDatetime(fsys.timestamp())
	d.entry.acc = d.entry.mod.date
	if err := fsys.put_entry(d.parent, d.slot, &d.entry); err != nil {
		return err
	}
	d.isOpened = false
	d.buf = nil
	return nil
}

// CreateDirectory creates an empty directory named after d's pending name inside parent.
func (fsys *FS) CreateDirectory(d *Dir, parent *Dir) error {
	if d == nil || d.bound || d.isOpened || d.isRoot {
		return ErrInvalidHandle
	}
	if err := fsys.create(&d.handle, parent, amDIR); err != nil {
		return err
	}
	d.buf = make([]byte, sectorSize) // Zeroed cluster: no entries.
	if err := fsys.store(&d.handle, sectorSize); err != nil {
		fsys.abandon(&d.handle)
		return err
	}
	d.buf = nil
	return nil
}

// DeleteDirectory frees an empty directory's chain and zeroes its entry in parent.
func (fsys *FS) DeleteDirectory(d *Dir, parent *Dir) error {
	if d == nil || parent == nil || !d.bound || d.parent != parent {
		return ErrInvalidHandle
	} else if !d.entry.IsDir() {
		return ErrNotDir
	} else if err := d.obj.validate(); err != nil {
		return err
	}
	entries := d.buf
	if !d.isOpened {
		var tmp handle
		tmp.entry = d.entry
		if err := fsys.load(&tmp); err != nil {
			return err
		}
		entries = tmp.buf
	}
	for off := 0; off+sizeDirEntry <= len(entries); off += sizeDirEntry {
		ds := dirSector{data: entries[off:]}
		if !ds.isFree() {
			return ErrDirNotEmpty
		}
	}
	return fsys.remove(&d.handle)
}

// LookupDir binds d to the directory named name inside parent without opening it.
func (fsys *FS) LookupDir(d *Dir, parent *Dir, name string) error {
	if d == nil || d.isOpened || d.isRoot {
		return ErrInvalidHandle
	}
	slot, err := fsys.findSlot(parent, name, "")
	if err != nil {
		return err
	}
	entry := parent.entryAt(slot)
	if !entry.IsDir() {
		return ErrNotDir
	}
	d.bind(parent, slot, entry)
	return nil
}

// FindFile scans the open directory for an exact name+extension match and
// copies the entry into out. It returns ErrNotFound on a miss.
func (fsys *FS) FindFile(name, ext string, dir *Dir, out *DirEntry) error {
	slot, err := fsys.findSlot(dir, name, ext)
	if err != nil {
		return err
	}
	if out != nil {
		*out = dir.entryAt(slot)
	}
	return nil
}

// ForEachEntry calls the callback function for each entry in the open directory.
func (fsys *FS) ForEachEntry(dir *Dir, callback func(*DirEntry) error) error {
	if dir == nil || !dir.isOpened {
		return ErrInvalidHandle
	} else if err := dir.obj.validate(); err != nil {
		return err
	}
	for slot := 0; slot < dir.nslots(); slot++ {
		ds := dir.dirent(slot)
		if ds.isFree() {
			continue
		}
		entry := ds.entry()
		if err := callback(&entry); err != nil {
			return err
		}
	}
	return nil
}

func (d *Dir) nslots() int { return len(d.buf) / sizeDirEntry }

func (d *Dir) dirent(i int) dirSector {
	return dirSector{data: d.buf[i*sizeDirEntry : (i+1)*sizeDirEntry]}
}

func (d *Dir) entryAt(i int) DirEntry {
	ds := d.dirent(i)
	return ds.entry()
}

func (fsys *FS) findSlot(dir *Dir, name, ext string) (int, error) {
	if dir == nil || !dir.isOpened {
		return -1, ErrInvalidHandle
	} else if err := dir.obj.validate(); err != nil {
		return -1, err
	}
	sfn, err := makeSFN(name, ext)
	if err != nil {
		return -1, err
	}
	return dir.findSFN(sfn)
}

func (d *Dir) findSFN(sfn [11]byte) (int, error) {
	if sfn[0] == 0xE5 {
		sfn[0] = 0x05 // Stored escaped.
	}
	for i := 0; i < d.nslots(); i++ {
		ds := d.dirent(i)
		if !ds.isFree() && ds.sfn() == sfn {
			return i, nil
		}
	}
	return -1, ErrNotFound
}

// create allocates the starting cluster and a parent slot for a new entry
// carrying h's pending name, and binds h to it.
func (fsys *FS) create(h *handle, parent *Dir, attr fileattr) error {
	if parent == nil || !parent.isOpened || !parent.entry.IsDir() {
		return ErrInvalidHandle
	} else if err := parent.obj.validate(); err != nil {
		return err
	} else if h.entry.name[0] == 0 || h.entry.name[0] == ' ' {
		return ErrInvalidName // No pending name.
	}
	var sfn [11]byte
	copy(sfn[:8], h.entry.name[:])
	copy(sfn[8:], h.entry.ext[:])
	if _, err := parent.findSFN(sfn); err == nil {
		return ErrExist
	}
	clst, err := fsys.FindFreeCluster()
	if err != nil {
		return err
	}
	fsys.put_clusterstat(clst, clstEOC)
	slot, err := fsys.freeSlot(parent)
	if err != nil {
		fsys.put_clusterstat(clst, clstFree)
		return err
	}
	now := newDatetime(fsys.timestamp())
	entry := DirEntry{
		name:   h.entry.name,
		ext:    h.entry.ext,
		attr:   attr,
		crt:    now,
		acc:    now.date,
		mod:    now,
		sclust: clst,
	}
	h.bind(parent, slot, entry)
	h.buf = nil
	fsys.debug("create", slog.String("name", entry.String()), slog.Int("slot", slot), slog.Uint64("clst", uint64(clst)))
	return nil
}

// freeSlot returns the first free slot of dir. Cluster backed directories
// grow by one zeroed cluster when full; the root region cannot grow.
func (fsys *FS) freeSlot(dir *Dir) (int, error) {
	n := dir.nslots()
	for i := 0; i < n; i++ {
		ds := dir.dirent(i)
		if ds.isFree() {
			return i, nil
		}
	}
	if dir.isRoot {
		return -1, ErrCapacityExceeded
	}
	clusters, err := fsys.chain(nil, dir.entry.sclust)
	if err != nil {
		return -1, err
	} else if len(clusters) == 0 {
		return -1, ErrCorrupt
	}
	clst, err := fsys.FindFreeCluster()
	if err != nil {
		return -1, err
	}
	clear(fsys.win[:])
	if err := fsys.disk_write(fsys.win[:], fsys.clst2sect(clst)); err != nil {
		return -1, err
	}
	fsys.put_clusterstat(clusters[len(clusters)-1], clst)
	fsys.put_clusterstat(clst, clstEOC)
	if err := fsys.sync_fat(); err != nil {
		return -1, err
	}
	dir.buf = append(dir.buf, make([]byte, sectorSize)...)
	fsys.debug("dir:grow", slog.String("dir", dir.entry.String()), slog.Uint64("clst", uint64(clst)))
	return n, nil
}

// remove zeroes h's entry in its parent, then frees its chain.
func (fsys *FS) remove(h *handle) error {
	if err := h.obj.validate(); err != nil {
		return err
	} else if err := fsys.verifySlot(h); err != nil {
		return err
	}
	clusters, chainErr := fsys.chain(nil, h.entry.sclust)
	if err := fsys.put_entry(h.parent, h.slot, &DirEntry{}); err != nil {
		return err
	}
	for _, clst := range clusters {
		fsys.put_clusterstat(clst, clstFree)
	}
	if err := fsys.sync_fat(); err != nil {
		return err
	}
	fsys.debug("remove", slog.String("name", h.entry.String()), slog.Int("freed", len(clusters)))
	obj := h.obj
	h.reset()
	h.obj = obj
	return chainErr
}

// abandon releases the starting cluster create allocated for h after its
// entry failed to persist, and unbinds h.
func (fsys *FS) abandon(h *handle) {
	if fsys.validCluster(h.entry.sclust) {
		fsys.put_clusterstat(h.entry.sclust, clstFree)
	}
	fsys.warn("create:abandon", slog.String("name", h.entry.String()), slog.Uint64("clst", uint64(h.entry.sclust)))
	h.reset()
}

// verifySlot checks on disk that h's slot in its parent still holds h's
// entry. A slot freed or reused through another handle fails with
// ErrInvalidHandle.
func (fsys *FS) verifySlot(h *handle) error {
	if h.parent == nil {
		return ErrInvalidHandle
	}
	sect, err := fsys.slotSector(h.parent, h.slot)
	if err != nil {
		return err
	}
	if err := fsys.disk_read(fsys.win[:], sect); err != nil {
		return err
	}
	off := (h.slot % entriesPerSector) * sizeDirEntry
	ds := dirSector{data: fsys.win[off : off+sizeDirEntry]}
	if ds.isFree() {
		return ErrInvalidHandle
	}
	e := ds.entry()
	if e.name != h.entry.name || e.ext != h.entry.ext || e.sclust != h.entry.sclust {
		return ErrInvalidHandle
	}
	return nil
}

// load reads h's content into a fresh buffer: the fixed root region for the
// root directory, otherwise one sector per cluster of its chain.
func (fsys *FS) load(h *handle) error {
	if h.isRoot {
		n := int(fsys.nrootdir) / entriesPerSector
		buf := make([]byte, n*sectorSize)
		for i := 0; i < n; i++ {
			if err := fsys.disk_read(buf[i*sectorSize : (i+1)*sectorSize], fsys.dirbase+lba(i)); err != nil {
				return err
			}
		}
		h.buf = buf
		return nil
	}
	clusters, err := fsys.chain(nil, h.entry.sclust)
	if err != nil {
		return err
	}
	buf := make([]byte, len(clusters)*sectorSize)
	for i, clst := range clusters {
		if err := fsys.disk_read(buf[i*sectorSize : (i+1)*sectorSize], fsys.clst2sect(clst)); err != nil {
			return err
		}
	}
	h.buf = buf
	return nil
}

// store writes the first size bytes of h's buffer along its chain and updates
// its entry in the parent. Missing clusters are allocated up front and
// released again if the table runs out, leaving the disk untouched.
func (fsys *FS) store(h *handle, size uint32) error {
	if h.isRoot {
		for i := 0; i < int(fsys.nrootdir)/entriesPerSector; i++ {
			if err := fsys.disk_write(h.buf[i*sectorSize : (i+1)*sectorSize], fsys.dirbase+lba(i)); err != nil {
				return err
			}
		}
		return nil
	}
	clusters, err := fsys.chain(nil, h.entry.sclust)
	if err != nil {
		return err
	}
	need := max(int(ceilDiv(size, sectorSize)), 1) // A file always keeps its starting cluster.
	nold := len(clusters)
	for len(clusters) < need {
		clst, err := fsys.FindFreeCluster()
		if err != nil {
			fsys.release(h, clusters, nold)
			fsys.warn("store:full", slog.String("name", h.entry.String()), slog.Int("need", need), slog.Int("have", nold))
			return err
		}
		if len(clusters) == 0 {
			h.entry.sclust = clst
		} else {
			fsys.put_clusterstat(clusters[len(clusters)-1], clst)
		}
		fsys.put_clusterstat(clst, clstEOC)
		clusters = append(clusters, clst)
	}

	h.grow(uint32(need * sectorSize))
	clear(h.buf[size : need*sectorSize])
	for i := 0; i < need; i++ {
		if err := fsys.disk_write(h.buf[i*sectorSize : (i+1)*sectorSize], fsys.clst2sect(clusters[i])); err != nil {
			return err
		}
	}
	if err := fsys.sync_fat(); err != nil {
		return err
	}
	if h.parent == nil {
		return nil
	}
	return fsys.put_entry(h.parent, h.slot, &h.entry)
}

// release undoes the cluster allocations store made past the first nold clusters.
func (fsys *FS) release(h *handle, clusters []uint16, nold int) {
	for _, clst := range clusters[nold:] {
		fsys.put_clusterstat(clst, clstFree)
	}
	if nold > 0 {
		fsys.put_clusterstat(clusters[nold-1], clstEOC)
	} else {
		h.entry.sclust = clstFree
	}
}

// put_entry writes e into slot of dir on disk and in dir's buffer when loaded.
func (fsys *FS) put_entry(dir *Dir, slot int, e *DirEntry) error {
	if dir == nil || slot < 0 {
		return ErrInvalidHandle
	}
	sect, err := fsys.slotSector(dir, slot)
	if err != nil {
		return err
	}
	if err := fsys.disk_read(fsys.win[:], sect); err != nil {
		return err
	}
	off := (slot % entriesPerSector) * sizeDirEntry
	ds := dirSector{data: fsys.win[off : off+sizeDirEntry]}
	ds.putEntry(e)
	if err := fsys.disk_write(fsys.win[:], sect); err != nil {
		return err
	}
	if (slot+1)*sizeDirEntry <= len(dir.buf) {
		ds := dir.dirent(slot)
		ds.putEntry(e)
	}
	return nil
}

// slotSector returns the sector holding the given entry slot of dir.
func (fsys *FS) slotSector(dir *Dir, slot int) (lba, error) {
	idx := slot / entriesPerSector
	if dir.isRoot {
		if slot >= int(fsys.nrootdir) {
			return 0, ErrCorrupt
		}
		return fsys.dirbase + lba(idx), nil
	}
	clusters, err := fsys.chain(nil, dir.entry.sclust)
	if err != nil {
		return 0, err
	} else if idx >= len(clusters) {
		return 0, ErrCorrupt
	}
	return fsys.clst2sect(clusters[idx]), nil
}
