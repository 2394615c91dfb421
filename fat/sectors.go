package fat

import (
	"encoding/binary"
	"strconv"
	"time"
)

// Boot sector and BIOS Parameter Block offsets for FAT12/FAT16 volumes.
const (
	bsJmpBoot      = 0
	bsOEMName      = 3
	bpbBytsPerSec  = 11
	bpbSecPerClus  = 13
	bpbRsvdSecCnt  = 14
	bpbNumFATs     = 16
	bpbRootEntCnt  = 17
	bpbTotSec16    = 19
	bpbMedia       = 21
	bpbFATSz16     = 22
	bpbSecPerTrk   = 24
	bpbNumHeads    = 26
	bpbHiddSec     = 28
	bpbTotSec32    = 32
	bsDrvNum       = 36
	bsBootSig      = 38
	bsVolID        = 39
	bsVolLab       = 43
	bsFilSysType   = 54
	bsBootCode     = 62
	bs55AA         = 510
	bootSignature  = 0xAA55
	extBootSig     = 0x29
	volumeLabelLen = 11
	fsTypeLen      = 8
)

// Directory entry offsets.
const (
	dirNameOff       = 0
	dirExtOff        = 8
	dirAttrOff       = 11
	dirCrtTimeOff    = 14
	dirCrtDateOff    = 16
	dirLstAccDateOff = 18
	dirModTimeOff    = 22
	dirModDateOff    = 24
	dirFstClusOff    = 26
	dirFileSizeOff   = 28

	dirFreeMark    = 0x00
	dirDeletedMark = 0xE5
)

// biosParamBlock a.k.a BPB is the BIOS Parameter Block of the boot sector.
// It provides details on sectors per cluster, total sectors, FAT size and more,
// which are essential for understanding the filesystem layout and capacity.
type biosParamBlock struct {
	data []byte
}

// SectorSize returns the size of a sector in bytes.
func (bs *biosParamBlock) SectorSize() uint16 {
	return binary.LittleEndian.Uint16(bs.data[bpbBytsPerSec:])
}

// SetSectorSize sets the size of a sector in bytes.
func (bs *biosParamBlock) SetSectorSize(size uint16) {
	binary.LittleEndian.PutUint16(bs.data[bpbBytsPerSec:], size)
}

// SectorsPerFAT returns the number of sectors per File Allocation Table.
func (bs *biosParamBlock) SectorsPerFAT() uint16 {
	return binary.LittleEndian.Uint16(bs.data[bpbFATSz16:])
}

// SetSectorsPerFAT sets the number of sectors per File Allocation Table.
func (bs *biosParamBlock) SetSectorsPerFAT(fatsz uint16) {
	binary.LittleEndian.PutUint16(bs.data[bpbFATSz16:], fatsz)
}

// NumberOfFATs returns the number of File Allocation Tables. Should be 1 or 2.
func (bs *biosParamBlock) NumberOfFATs() uint8 {
	return bs.data[bpbNumFATs]
}

// SetNumberOfFATs sets the number of FATs.
func (bs *biosParamBlock) SetNumberOfFATs(nfats uint8) {
	bs.data[bpbNumFATs] = nfats
}

// SectorsPerCluster returns the number of sectors per cluster.
func (bs *biosParamBlock) SectorsPerCluster() uint16 {
	return uint16(bs.data[bpbSecPerClus])
}

// SetSectorsPerCluster sets the number of sectors per cluster. Should be power of 2.
func (bs *biosParamBlock) SetSectorsPerCluster(spclus uint16) {
	bs.data[bpbSecPerClus] = byte(spclus)
}

// ReservedSectors returns the number of reserved sectors at the beginning of the volume.
// Should be at least 1 since the boot sector is reserved.
func (bs *biosParamBlock) ReservedSectors() uint16 {
	return binary.LittleEndian.Uint16(bs.data[bpbRsvdSecCnt:])
}

// SetReservedSectors sets the number of reserved sectors at the beginning of the volume.
func (bs *biosParamBlock) SetReservedSectors(rsvd uint16) {
	binary.LittleEndian.PutUint16(bs.data[bpbRsvdSecCnt:], rsvd)
}

// TotalSectors returns the total number of sectors in the volume.
func (bs *biosParamBlock) TotalSectors() uint32 {
	totsec := uint32(binary.LittleEndian.Uint16(bs.data[bpbTotSec16:]))
	if totsec == 0 {
		totsec = binary.LittleEndian.Uint32(bs.data[bpbTotSec32:])
	}
	return totsec
}

// SetTotalSectors sets the total number of sectors in the volume.
func (bs *biosParamBlock) SetTotalSectors(totsec uint32) {
	if totsec <= 0xFFFF {
		binary.LittleEndian.PutUint16(bs.data[bpbTotSec16:], uint16(totsec))
		binary.LittleEndian.PutUint32(bs.data[bpbTotSec32:], 0)
		return
	}
	binary.LittleEndian.PutUint16(bs.data[bpbTotSec16:], 0)
	binary.LittleEndian.PutUint32(bs.data[bpbTotSec32:], totsec)
}

// RootDirEntries returns the number of entries in the fixed root directory region.
// Should be divisible by SectorSize/32.
func (bs *biosParamBlock) RootDirEntries() uint16 {
	return binary.LittleEndian.Uint16(bs.data[bpbRootEntCnt:])
}

// SetRootDirEntries sets the number of entries in the root directory region.
func (bs *biosParamBlock) SetRootDirEntries(entries uint16) {
	binary.LittleEndian.PutUint16(bs.data[bpbRootEntCnt:], entries)
}

// MediaDescriptor returns the media descriptor byte, 0xF0 for 1.44MB floppies.
func (bs *biosParamBlock) MediaDescriptor() uint8 {
	return bs.data[bpbMedia]
}

func (bs *biosParamBlock) SetMediaDescriptor(media uint8) {
	bs.data[bpbMedia] = media
}

// Geometry returns the CHS geometry hints of the volume.
func (bs *biosParamBlock) Geometry() (sectorsPerTrack, heads uint16) {
	return binary.LittleEndian.Uint16(bs.data[bpbSecPerTrk:]), binary.LittleEndian.Uint16(bs.data[bpbNumHeads:])
}

func (bs *biosParamBlock) SetGeometry(sectorsPerTrack, heads uint16) {
	binary.LittleEndian.PutUint16(bs.data[bpbSecPerTrk:], sectorsPerTrack)
	binary.LittleEndian.PutUint16(bs.data[bpbNumHeads:], heads)
}

func (bs *biosParamBlock) ExtendedBootSignature() uint8 {
	return bs.data[bsBootSig]
}

// BootSignature returns the boot signature at offset 510 which should be 0xAA55.
func (bs *biosParamBlock) BootSignature() uint16 {
	return binary.LittleEndian.Uint16(bs.data[bs55AA:])
}

// DriveNumber returns the drive number.
func (bs *biosParamBlock) DriveNumber() uint8 {
	return bs.data[bsDrvNum]
}

// VolumeSerialNumber returns the volume serial number.
func (bs *biosParamBlock) VolumeSerialNumber() uint32 {
	return binary.LittleEndian.Uint32(bs.data[bsVolID:])
}

// VolumeLabel returns the volume label string.
func (bs *biosParamBlock) VolumeLabel() [volumeLabelLen]byte {
	var label [volumeLabelLen]byte
	copy(label[:], bs.data[bsVolLab:])
	return label
}

func (bs *biosParamBlock) SetVolumeLabel(label string) {
	n := copy(bs.data[bsVolLab : bsVolLab+volumeLabelLen], label)
	for i := n; i < volumeLabelLen; i++ {
		bs.data[bsVolLab+i] = ' '
	}
}

// FilesystemType returns the filesystem type string, "FAT16   " for volumes we format.
func (bs *biosParamBlock) FilesystemType() [fsTypeLen]byte {
	var label [fsTypeLen]byte
	copy(label[:], bs.data[bsFilSysType:])
	return label
}

// OEMName returns the Original Equipment Manufacturer name at the start of the bootsector.
func (bs *biosParamBlock) OEMName() [8]byte {
	var oemname [8]byte
	copy(oemname[:], bs.data[bsOEMName:])
	return oemname
}

// SetOEMName sets the Original Equipment Manufacturer name at the start of the bootsector.
// Will clip off any characters beyond the 8th.
func (bs *biosParamBlock) SetOEMName(name string) {
	n := copy(bs.data[bsOEMName : bsOEMName+8], name)
	for i := n; i < 8; i++ {
		bs.data[bsOEMName+i] = ' '
	}
}

func (bs *biosParamBlock) String() string {
	return string(bs.Appendf(nil, '\n'))
}

func labelAppend(dst []byte, label string, data []byte, sep byte) []byte {
	if len(data) == 0 {
		return dst
	}
	dst = append(dst, label...)
	dst = append(dst, ':')
	dst = append(dst, data...)
	dst = append(dst, sep)
	return dst
}

func labelAppendUint(label string, dst []byte, data uint64, sep byte) []byte {
	dst = append(dst, label...)
	dst = append(dst, ':')
	dst = strconv.AppendUint(dst, data, 10)
	dst = append(dst, sep)
	return dst
}

func (bs *biosParamBlock) Appendf(dst []byte, separator byte) []byte {
	appendData := func(name string, data []byte) {
		dst = labelAppend(dst, name, data, separator)
	}
	appendInt := func(name string, data uint32) {
		dst = labelAppendUint(name, dst, uint64(data), separator)
	}
	oem := bs.OEMName()
	appendData("OEM", clipname(oem[:]))
	fstype := bs.FilesystemType()
	appendData("FSType", clipname(fstype[:]))
	volLabel := bs.VolumeLabel()
	appendData("VolumeLabel", clipname(volLabel[:]))
	appendInt("VolumeSerialNumber", bs.VolumeSerialNumber())
	appendInt("SectorSize", uint32(bs.SectorSize()))
	appendInt("SectorsPerCluster", uint32(bs.SectorsPerCluster()))
	appendInt("ReservedSectors", uint32(bs.ReservedSectors()))
	appendInt("NumberOfFATs", uint32(bs.NumberOfFATs()))
	appendInt("RootDirEntries", uint32(bs.RootDirEntries()))
	appendInt("TotalSectors", bs.TotalSectors())
	appendInt("MediaDescriptor", uint32(bs.MediaDescriptor()))
	appendInt("SectorsPerFAT", uint32(bs.SectorsPerFAT()))
	appendInt("DriveNumber", uint32(bs.DriveNumber()))
	return dst
}

// datetime is a packed FAT date/time pair.
type datetime struct {
	time uint16
	date uint16
}

func newDatetime(t time.Time) datetime {
	if t.Year() < 1980 {
		return datetime{date: 1<<5 | 1} // 1980-01-01, the FAT epoch.
	}
	hour, min, sec := t.Clock()
	return datetime{
		time: uint16(hour<<11 | min<<5 | sec/2),
		date: uint16(t.Year()-1980)<<9 | uint16(t.Month())<<5 | uint16(t.Day()),
	}
}

func (dt datetime) Date() (year int, month time.Month, day int) {
	yearSince1980 := int(dt.date >> 9)
	month = time.Month((dt.date >> 5) & 0xf)
	day = int(dt.date & 0x1f)
	return 1980 + yearSince1980, month, day
}

func (dt datetime) Clock() (hour, min, sec int) {
	hour = int(dt.time >> 11)
	min = int((dt.time >> 5) & 0x3f)
	sec = 2 * int(dt.time&0x1f)
	return hour, min, sec
}

func (dt datetime) Time() time.Time {
	// https://www.win.tue.nl/~aeb/linux/fs/fat/fat-1.html
	hour, min, sec := dt.Clock()
	year, month, day := dt.Date()
	return time.Date(year, month, day, hour, min, sec, 0, time.UTC)
}

type fileattr byte

const (
	amRDO fileattr = 1 << iota // Read only
	amHID                      // Hidden
	amSYS                      // System
	amVOL                      // Volume label
	amDIR                      // Directory
	amARC                      // Archive
)

// IsReadonly indicates that the file is read-only and must not be written to.
func (attr fileattr) IsReadonly() bool { return attr&amRDO != 0 }

// IsHidden indicates that the file is hidden and should not be shown in directory listings.
func (attr fileattr) IsHidden() bool { return attr&amHID != 0 }

// IsVolumeLabel indicates an optional directory volume label.
func (attr fileattr) IsVolumeLabel() bool { return attr&amVOL != 0 }

// IsSubdirectory indicates that the cluster-chain associated with this entry gets
// interpreted as subdirectory instead of as a file. Subdirectories have a filesize entry of zero.
func (attr fileattr) IsSubdirectory() bool { return attr&amDIR != 0 }

// IsArchive returns bit used to indicate whether or not the file has been backed up (archived).
func (attr fileattr) IsArchive() bool { return attr&amARC != 0 }

// dirSector is a 32 byte view of one directory entry.
type dirSector struct {
	data []byte
}

// isFree checks if the slot holds no entry.
func (ds *dirSector) isFree() bool {
	return ds.data[dirNameOff] == dirFreeMark || ds.data[dirNameOff] == dirDeletedMark
}

func (ds *dirSector) sfn() (sfn [11]byte) {
	copy(sfn[:], ds.data[dirNameOff : dirNameOff+11])
	return sfn
}

func (ds *dirSector) entry() (e DirEntry) {
	copy(e.name[:], ds.data[dirNameOff:])
	copy(e.ext[:], ds.data[dirExtOff:])
	if e.name[0] == 0x05 {
		e.name[0] = 0xE5 // Escaped lead byte.
	}
	e.attr = fileattr(ds.data[dirAttrOff])
	e.crt = datetime{
		time: binary.LittleEndian.Uint16(ds.data[dirCrtTimeOff:]),
		date: binary.LittleEndian.Uint16(ds.data[dirCrtDateOff:]),
	}
	e.acc = binary.LittleEndian.Uint16(ds.data[dirLstAccDateOff:])
	e.mod = datetime{
		time: binary.LittleEndian.Uint16(ds.data[dirModTimeOff:]),
		date: binary.LittleEndian.Uint16(ds.data[dirModDateOff:]),
	}
	e.sclust = binary.LittleEndian.Uint16(ds.data[dirFstClusOff:])
	e.size = binary.LittleEndian.Uint32(ds.data[dirFileSizeOff:])
	return e
}

func (ds *dirSector) putEntry(e *DirEntry) {
	clear(ds.data[:sizeDirEntry])
	if e.isZero() {
		return
	}
	copy(ds.data[dirNameOff:], e.name[:])
	copy(ds.data[dirExtOff:], e.ext[:])
	if ds.data[dirNameOff] == 0xE5 {
		ds.data[dirNameOff] = 0x05
	}
	ds.data[dirAttrOff] = byte(e.attr)
	binary.LittleEndian.PutUint16(ds.data[dirCrtTimeOff:], e.crt.time)
	binary.LittleEndian.PutUint16(ds.data[dirCrtDateOff:], e.crt.date)
	binary.LittleEndian.PutUint16(ds.data[dirLstAccDateOff:], e.acc)
	binary.LittleEndian.PutUint16(ds.data[dirModTimeOff:], e.mod.time)
	binary.LittleEndian.PutUint16(ds.data[dirModDateOff:], e.mod.date)
	binary.LittleEndian.PutUint16(ds.data[dirFstClusOff:], e.sclust)
	binary.LittleEndian.PutUint32(ds.data[dirFileSizeOff:], e.size)
}
