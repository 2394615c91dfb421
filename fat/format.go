package fat

import (
	"encoding/binary"
	"errors"

	"github.com/google/uuid"
)

// Floppy geometry written by Format. With 2 FATs of 9 sectors and 224 root
// entries the data region starts at sector 33.
const (
	floppySectors      = 2880
	floppyReserved     = 1
	floppyFATs         = 2
	floppyFATSectors   = fatSectors
	floppyRootEntries  = 224
	floppyMedia        = 0xF0
	floppyTrackSectors = 18
	floppyHeads        = 2
)

type FormatConfig struct {
	Label string
	// OEM name stored in the boot sector. Defaults to "MINIKERN".
	OEM string
	// VolumeID is the volume serial number. A random one is generated when zero.
	VolumeID uint32
}

// Formatter writes an empty 1.44MB floppy layout onto a block device.
type Formatter struct {
	window [sectorSize]byte
	// block device is temporarily used by the formatter to write blocks.
	bd BlockDevice
}

// Format writes the boot sector, empty FATs and an empty root directory.
// Data sectors are left untouched.
func (f *Formatter) Format(bd BlockDevice, cfg FormatConfig) error {
	if bd == nil {
		return errors.New("invalid Format argument")
	}
	if cfg.Label == "" {
		cfg.Label = "NO NAME"
	}
	if cfg.OEM == "" {
		cfg.OEM = "MINIKERN"
	}
	if cfg.VolumeID == 0 {
		cfg.VolumeID = uuid.New().ID()
	}
	f.bd = bd
	defer func() { f.bd = nil }()

	// Boot sector.
	clear(f.window[:])
	bs := biosParamBlock{data: f.window[:]}
	copy(f.window[bsJmpBoot:], []byte{0xEB, 0x3C, 0x90})
	bs.SetOEMName(cfg.OEM)
	bs.SetSectorSize(sectorSize)
	bs.SetSectorsPerCluster(1)
	bs.SetReservedSectors(floppyReserved)
	bs.SetNumberOfFATs(floppyFATs)
	bs.SetRootDirEntries(floppyRootEntries)
	bs.SetTotalSectors(floppySectors)
	bs.SetMediaDescriptor(floppyMedia)
	bs.SetSectorsPerFAT(floppyFATSectors)
	bs.SetGeometry(floppyTrackSectors, floppyHeads)
	f.window[bsDrvNum] = 0
	f.window[bsBootSig] = extBootSig
	binary.LittleEndian.PutUint32(f.window[bsVolID:], cfg.VolumeID)
	bs.SetVolumeLabel(cfg.Label)
	copy(f.window[bsFilSysType : bsFilSysType+fsTypeLen], "FAT16   ")
	binary.LittleEndian.PutUint16(f.window[bs55AA:], bootSignature)
	if err := f.write(0); err != nil {
		return err
	}

	// FATs. Entries 0 and 1 are reserved.
	for n := 0; n < floppyFATs; n++ {
		base := lba(floppyReserved + n*floppyFATSectors)
		for i := 0; i < floppyFATSectors; i++ {
			clear(f.window[:])
			if i == 0 {
				binary.LittleEndian.PutUint16(f.window[0:], 0xFF00|floppyMedia)
				binary.LittleEndian.PutUint16(f.window[2:], clstEOC)
			}
			if err := f.write(base + lba(i)); err != nil {
				return err
			}
		}
	}

	// Root directory region.
	clear(f.window[:])
	dirbase := lba(floppyReserved + floppyFATs*floppyFATSectors)
	for i := 0; i < floppyRootEntries/entriesPerSector; i++ {
		if err := f.write(dirbase + lba(i)); err != nil {
			return err
		}
	}
	return nil
}

func (f *Formatter) write(addr lba) error {
	if _, err := f.bd.WriteBlocks(f.window[:], int64(addr)); err != nil {
		return err
	}
	return nil
}

// BootSector returns a printable summary of the mounted volume's boot sector.
func (fsys *FS) BootSector() (string, error) {
	var buf [sectorSize]byte
	if err := fsys.disk_read(buf[:], 0); err != nil {
		return "", err
	}
	bs := biosParamBlock{data: buf[:]}
	return bs.String(), nil
}

// FloppySectors is the number of 512 byte sectors of a formatted volume.
const FloppySectors = floppySectors
