package fat

import (
	"fmt"
	"log/slog"
)

// Stats holds cluster usage counts of a mounted volume.
type Stats struct {
	Clusters int // Usable clusters.
	Free     int
	Used     int
}

// FreeBytes returns the space left in free clusters.
func (s Stats) FreeBytes() int64 { return int64(s.Free) * sectorSize }

// UsedBytes returns the space held by allocated clusters.
func (s Stats) UsedBytes() int64 { return int64(s.Used) * sectorSize }

// Stats counts free and allocated clusters in the in-memory table.
func (fsys *FS) Stats() Stats {
	var st Stats
	for c := uint32(clusterFirst); c < fsys.n_fatent; c++ {
		st.Clusters++
		if fsys.fat[c] == clstFree {
			st.Free++
		} else {
			st.Used++
		}
	}
	return st
}

// Check verifies the allocation table against the directory tree. Every
// entry's chain must end at the end-of-chain marker within bounds, no cluster
// may belong to two chains and no allocated cluster may be unreachable.
// The first violation found is returned wrapping ErrCorrupt. A directory
// loop shows up as a cluster claimed twice, which bounds the walk.
func (fsys *FS) Check() error {
	if fsys.dev == nil {
		return ErrNoFilesystem
	}
	owner := make([]string, fsys.n_fatent)
	var walk func(dir *handle, path string) error
	walk = func(dir *handle, path string) error {
		for off := 0; off+sizeDirEntry <= len(dir.buf); off += sizeDirEntry {
			ds := dirSector{data: dir.buf[off : off+sizeDirEntry]}
			if ds.isFree() {
				continue
			}
			e := ds.entry()
			name := path + e.String()
			if err := fsys.claim(owner, name, e.sclust); err != nil {
				return err
			}
			if !e.IsDir() {
				continue
			}
			var sub handle
			sub.entry = e
			if err := fsys.load(&sub); err != nil {
				return err
			}
			if err := walk(&sub, name+"/"); err != nil {
				return err
			}
		}
		return nil
	}
	var root handle
	root.isRoot = true
	if err := fsys.load(&root); err != nil {
		return err
	}
	if err := walk(&root, "/"); err != nil {
		return err
	}
	for c := uint32(clusterFirst); c < fsys.n_fatent; c++ {
		if fsys.fat[c] != clstFree && owner[c] == "" {
			fsys.logerror("check:orphan", slog.Uint64("clst", uint64(c)))
			return fmt.Errorf("%w: cluster %d allocated but unreachable", ErrCorrupt, c)
		}
	}
	return nil
}

// claim walks the chain starting at sclust and records name as the owner of
// each cluster on it.
func (fsys *FS) claim(owner []string, name string, sclust uint16) error {
	if sclust == clstFree {
		return nil
	}
	for clst := sclust; clst != clstEOC; clst = fsys.fat[clst] {
		if !fsys.validCluster(clst) {
			return fmt.Errorf("%w: %s: chain leaves table at %#04x", ErrCorrupt, name, clst)
		} else if owner[clst] == name {
			return fmt.Errorf("%w: %s: cycle at cluster %d", ErrCorrupt, name, clst)
		} else if owner[clst] != "" {
			return fmt.Errorf("%w: cluster %d shared by %s and %s", ErrCorrupt, clst, owner[clst], name)
		}
		owner[clst] = name
	}
	return nil
}
