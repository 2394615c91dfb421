package fat

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"strconv"
	"time"
)

// BlockDevice is the synchronous, sector addressed disk collaborator.
// Blocks are always 512 bytes long.
type BlockDevice interface {
	ReadBlocks(dst []byte, startBlock int64) (int, error)
	WriteBlocks(data []byte, startBlock int64) (int, error)
	EraseBlocks(startBlock, numBlocks int64) error
}

// sector index type.
type lba uint32

const (
	sectorSize       = 512
	sizeDirEntry     = 32
	entriesPerSector = sectorSize / sizeDirEntry

	// fatEntries is the size of the in-memory File Allocation Table.
	// Clusters 0 and 1 are reserved so 2302 clusters are usable.
	fatEntries   = 2304
	clusterFirst = 2

	clstFree uint16 = 0x0000
	clstEOC  uint16 = 0xFFFF

	fatSectors = fatEntries * 2 / sectorSize
)

// FS is a mounted FAT volume. The zero value is ready to Mount.
// FS is not safe for concurrent use.
type FS struct {
	dev BlockDevice
	log *slog.Logger
	now func() time.Time

	nFATs    uint8
	fsize    uint16 // Sectors per FAT.
	nrootdir uint16 // Number of root directory entries.
	n_fatent uint32 // Number of usable FAT entries (= number of clusters + 2).

	fatbase  lba // FAT base sector.
	dirbase  lba // Root directory base sector.
	database lba // Data base sector.

	fat      [fatEntries]uint16
	fatdirty uint16 // One bit per FAT sector holding unsynced entries.

	win  [sectorSize]byte // Disk access window for boot sector/FAT/directory.
	root Dir
	id   uint16 // Filesystem mount ID. Serves to invalidate open handles after mount.
}

// fileResult is the result code of filesystem operations.
type fileResult int

const (
	frOK            fileResult = iota // succeeded
	frDiskErr                         // a hard error occurred in the low level disk I/O layer
	frIntErr                          // chain or table corrupted
	frNoFile                          // could not find the file
	frInvalidName                     // the name format is invalid
	frDenied                          // directory region or process table is full
	frExist                           // an entry with the same name exists
	frInvalidObject                   // the file/directory handle is invalid or not open
	frNoFilesystem                    // there is no valid FAT volume
	frFull                            // no free cluster left
	frTooLarge                        // offset exceeds what the FAT can address
	frNotEmpty                        // directory still holds entries
	frIsDir                           // entry is a directory
	frNotDir                          // entry is not a directory
)

var frMessages = [...]string{
	frOK:            "ok",
	frDiskErr:       "disk error",
	frIntErr:        "corrupted allocation table",
	frNoFile:        "not found",
	frInvalidName:   "invalid name",
	frDenied:        "capacity exceeded",
	frExist:         "entry exists",
	frInvalidObject: "invalid handle",
	frNoFilesystem:  "no FAT filesystem",
	frFull:          "no free cluster",
	frTooLarge:      "file too large",
	frNotEmpty:      "directory not empty",
	frIsDir:         "is a directory",
	frNotDir:        "not a directory",
}

func (fr fileResult) Error() string {
	if fr < 0 || int(fr) >= len(frMessages) {
		return "fat.fr:" + strconv.Itoa(int(fr))
	}
	return "fat: " + frMessages[fr]
}

// Errors returned by filesystem operations. Compare with errors.Is.
var (
	ErrCapacityExceeded error = frDenied
	ErrInvalidHandle    error = frInvalidObject
	ErrNotFound         error = frNoFile
	ErrFull             error = frFull
	ErrExist            error = frExist
	ErrDirNotEmpty      error = frNotEmpty
	ErrFileTooLarge     error = frTooLarge
	ErrNoFilesystem     error = frNoFilesystem
	ErrInvalidName      error = frInvalidName
	ErrCorrupt          error = frIntErr
	ErrDisk             error = frDiskErr
	ErrIsDir            error = frIsDir
	ErrNotDir           error = frNotDir
)

// SetLogger sets the logger used for filesystem diagnostics. A nil logger disables logging.
func (fsys *FS) SetLogger(l *slog.Logger) { fsys.log = l }

// SetClock sets the time source used for directory entry timestamps.
func (fsys *FS) SetClock(now func() time.Time) { fsys.now = now }

// Mount mounts the FAT volume on the given block device.
// It immediately invalidates previously open handles pointing to the same FS.
func (fsys *FS) Mount(bd BlockDevice) error {
	if bd == nil {
		return ErrInvalidHandle
	}
	fsys.id++ // Invalidate any previous mount.
	fsys.dev = bd
	fsys.n_fatent = 0
	fsys.fatdirty = 0
	if err := fsys.init_fat(); err != nil {
		fsys.dev = nil
		return err
	}
	fsys.root = Dir{}
	fsys.root.obj = objid{fs: fsys, id: fsys.id}
	fsys.root.isRoot = true
	fsys.root.slot = -1
	fsys.root.entry.attr = amDIR
	if err := fsys.load(&fsys.root.handle); err != nil {
		fsys.dev = nil
		return err
	}
	fsys.root.isOpened = true
	fsys.info("mount", slog.Uint64("clusters", uint64(fsys.n_fatent-clusterFirst)),
		slog.Uint64("database", uint64(fsys.database)))
	return nil
}

// Root returns the always open root directory of the mounted volume.
func (fsys *FS) Root() *Dir {
	return &fsys.root
}

func (fsys *FS) init_fat() error { // Part of Mount.
	if err := fsys.disk_read(fsys.win[:], 0); err != nil {
		return err
	}
	bs := biosParamBlock{data: fsys.win[:]}
	switch {
	case bs.BootSignature() != bootSignature:
		return fmt.Errorf("%w: bad boot signature %#04x", ErrNoFilesystem, bs.BootSignature())
	case bs.SectorSize() != sectorSize:
		return fmt.Errorf("%w: sector size %d", ErrNoFilesystem, bs.SectorSize())
	case bs.SectorsPerCluster() != 1:
		return fmt.Errorf("%w: %d sectors per cluster", ErrNoFilesystem, bs.SectorsPerCluster())
	case bs.ReservedSectors() == 0:
		return fmt.Errorf("%w: no reserved sectors", ErrNoFilesystem)
	case bs.NumberOfFATs() != 1 && bs.NumberOfFATs() != 2:
		return fmt.Errorf("%w: %d FATs", ErrNoFilesystem, bs.NumberOfFATs())
	case bs.RootDirEntries() == 0 || bs.RootDirEntries()%entriesPerSector != 0:
		return fmt.Errorf("%w: root entries %d not sector aligned", ErrNoFilesystem, bs.RootDirEntries())
	case bs.SectorsPerFAT() == 0:
		return fmt.Errorf("%w: empty FAT", ErrNoFilesystem)
	}
	fsys.nFATs = bs.NumberOfFATs()
	fsys.fsize = bs.SectorsPerFAT()
	fsys.nrootdir = bs.RootDirEntries()

	// Boundaries and limits. RSV+FAT+DIR
	sysect := uint32(bs.ReservedSectors()) + uint32(fsys.nFATs)*uint32(fsys.fsize) +
		uint32(fsys.nrootdir)/entriesPerSector
	totalSectors := bs.TotalSectors()
	if totalSectors <= sysect {
		return fmt.Errorf("%w: no data region", ErrNoFilesystem)
	}
	fsys.fatbase = lba(bs.ReservedSectors())
	fsys.dirbase = fsys.fatbase + lba(fsys.nFATs)*lba(fsys.fsize)
	fsys.database = lba(sysect)
	fsys.n_fatent = min(fatEntries, uint32(fsys.fsize)*sectorSize/2, totalSectors-sysect+clusterFirst)
	if fsys.n_fatent <= clusterFirst {
		return fmt.Errorf("%w: no clusters", ErrNoFilesystem)
	}

	// Load the first FAT. Entries past n_fatent stay reserved.
	nsect := min(int(fsys.fsize), fatSectors)
	for i := 0; i < nsect; i++ {
		if err := fsys.disk_read(fsys.win[:], fsys.fatbase+lba(i)); err != nil {
			return err
		}
		for j := 0; j < sectorSize/2; j++ {
			fsys.fat[i*sectorSize/2+j] = binary.LittleEndian.Uint16(fsys.win[2*j:])
		}
	}
	for c := fsys.n_fatent; c < fatEntries; c++ {
		fsys.fat[c] = clstEOC
	}
	fsys.debug("init_fat", slog.Uint64("fatbase", uint64(fsys.fatbase)),
		slog.Uint64("dirbase", uint64(fsys.dirbase)), slog.Int("nfats", int(fsys.nFATs)))
	return nil
}

// FindFreeCluster returns the lowest numbered free cluster or ErrFull.
func (fsys *FS) FindFreeCluster() (uint16, error) {
	for c := uint32(clusterFirst); c < fsys.n_fatent; c++ {
		if fsys.fat[c] == clstFree {
			return uint16(c), nil
		}
	}
	return clstEOC, ErrFull
}

// clusterstat returns the FAT entry of clst.
func (fsys *FS) clusterstat(clst uint16) uint16 {
	return fsys.fat[clst]
}

func (fsys *FS) put_clusterstat(clst, value uint16) {
	fsys.fat[clst] = value
	fsys.fatdirty |= 1 << (uint(clst) * 2 / sectorSize)
}

func (fsys *FS) validCluster(clst uint16) bool {
	return clst >= clusterFirst && uint32(clst) < fsys.n_fatent
}

// chain appends the clusters of the chain starting at sclust to dst.
// A starting cluster of 0 is an empty chain.
func (fsys *FS) chain(dst []uint16, sclust uint16) ([]uint16, error) {
	if sclust == clstFree {
		return dst, nil
	}
	start := len(dst)
	for clst := sclust; clst != clstEOC; clst = fsys.clusterstat(clst) {
		if !fsys.validCluster(clst) || uint32(len(dst)-start) >= fsys.n_fatent {
			fsys.logerror("chain:broken", slog.Uint64("sclust", uint64(sclust)), slog.Uint64("at", uint64(clst)))
			return dst, fmt.Errorf("%w: chain from cluster %d broken at %d", ErrCorrupt, sclust, clst)
		}
		dst = append(dst, clst)
	}
	return dst, nil
}

// clst2sect returns the physical sector number from a cluster number.
func (fsys *FS) clst2sect(clst uint16) lba {
	return fsys.database + lba(clst-clusterFirst)
}

// sync_fat writes dirty FAT sectors to the first FAT.
func (fsys *FS) sync_fat() error {
	for i := 0; i < fatSectors && fsys.fatdirty != 0; i++ {
		if fsys.fatdirty&(1<<i) == 0 {
			continue
		}
		for j := 0; j < sectorSize/2; j++ {
			binary.LittleEndian.PutUint16(fsys.win[2*j:], fsys.fat[i*sectorSize/2+j])
		}
		if err := fsys.disk_write(fsys.win[:], fsys.fatbase+lba(i)); err != nil {
			return err
		}
		fsys.fatdirty &^= 1 << i
	}
	return nil
}

func (fsys *FS) disk_read(dst []byte, sector lba) error {
	if fsys.dev == nil {
		return ErrNoFilesystem
	}
	_, err := fsys.dev.ReadBlocks(dst, int64(sector))
	if err != nil {
		fsys.logerror("disk_read", slog.Uint64("sect", uint64(sector)), slog.String("err", err.Error()))
		return fmt.Errorf("%w: read sector %d: %w", ErrDisk, sector, err)
	}
	return nil
}

func (fsys *FS) disk_write(data []byte, sector lba) error {
	if fsys.dev == nil {
		return ErrNoFilesystem
	}
	_, err := fsys.dev.WriteBlocks(data, int64(sector))
	if err != nil {
		fsys.logerror("disk_write", slog.Uint64("sect", uint64(sector)), slog.String("err", err.Error()))
		return fmt.Errorf("%w: write sector %d: %w", ErrDisk, sector, err)
	}
	return nil
}

func (fsys *FS) timestamp() time.Time {
	if fsys.now != nil {
		return fsys.now()
	}
	return time.Now()
}

func (fsys *FS) logattrs(level slog.Level, msg string, attrs ...slog.Attr) {
	if fsys.log != nil {
		fsys.log.LogAttrs(context.Background(), level, msg, attrs...)
	}
}

func (fsys *FS) debug(msg string, attrs ...slog.Attr) {
	fsys.logattrs(slog.LevelDebug, msg, attrs...)
}
func (fsys *FS) info(msg string, attrs ...slog.Attr) {
	fsys.logattrs(slog.LevelInfo, msg, attrs...)
}
func (fsys *FS) warn(msg string, attrs ...slog.Attr) {
	fsys.logattrs(slog.LevelWarn, msg, attrs...)
}
func (fsys *FS) logerror(msg string, attrs ...slog.Attr) {
	fsys.logattrs(slog.LevelError, msg, attrs...)
}

type _integer interface {
	~uint8 | ~uint16 | ~uint32 | ~int | ~uint
}

// ceilDiv returns a/b rounded up.
func ceilDiv[T _integer](a, b T) T {
	return (a + b - 1) / b
}
