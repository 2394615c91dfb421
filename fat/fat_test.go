package fat

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/soypat/minikernel/internal/blockdev"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zeebo/blake3"
)

var testTime = time.Date(2024, 5, 17, 13, 45, 30, 0, time.UTC)

func newTestFS(t testing.TB) (*FS, *blockdev.Memory) {
	t.Helper()
	dev := blockdev.NewMemory(FloppySectors)
	var f Formatter
	require.NoError(t, f.Format(dev, FormatConfig{Label: "TESTVOL", VolumeID: 0xCAFE}))
	fsys := &FS{}
	fsys.SetClock(func() time.Time { return testTime })
	require.NoError(t, fsys.Mount(dev))
	return fsys, dev
}

// createFile creates name.ext in dir and writes data into it.
func createFile(t testing.TB, fsys *FS, dir *Dir, name, ext string, data []byte) *File {
	t.Helper()
	var fp File
	require.NoError(t, fp.SetName(name, ext))
	require.NoError(t, fsys.CreateFile(&fp, dir))
	require.NoError(t, fsys.OpenFile(&fp))
	for i, b := range data {
		require.NoError(t, fsys.WriteByteAt(&fp, b, uint32(i)))
	}
	require.NoError(t, fsys.CloseFile(&fp))
	return &fp
}

func readAll(t testing.TB, fsys *FS, fp *File) []byte {
	t.Helper()
	require.NoError(t, fsys.OpenFile(fp))
	defer fsys.CloseFile(fp)
	got := []byte{}
	for off := uint32(0); ; off++ {
		b, err := fsys.ReadByteAt(fp, off)
		if errors.Is(err, io.EOF) {
			return got
		}
		require.NoError(t, err)
		got = append(got, b)
	}
}

func pattern(n int) []byte {
	data := make([]byte, n)
	for i := range data {
		data[i] = byte(i*7 + i>>9)
	}
	return data
}

func chainOf(t testing.TB, fsys *FS, sclust uint16) []uint16 {
	t.Helper()
	c, err := fsys.chain(nil, sclust)
	require.NoError(t, err)
	return c
}

func TestFormat_Mount(t *testing.T) {
	fsys, dev := newTestFS(t)

	assert.EqualValues(t, 1, fsys.fatbase)
	assert.EqualValues(t, 19, fsys.dirbase)
	assert.EqualValues(t, 33, fsys.database)
	assert.EqualValues(t, fatEntries, fsys.n_fatent)
	assert.Equal(t, uint16(0xFFF0), fsys.fat[0])
	assert.Equal(t, clstEOC, fsys.fat[1])
	assert.EqualValues(t, 33+5-2, fsys.clst2sect(5))

	st := fsys.Stats()
	assert.Equal(t, Stats{Clusters: 2302, Free: 2302}, st)
	assert.EqualValues(t, 2302*512, st.FreeBytes())

	boot := dev.Bytes()[:sectorSize]
	assert.Equal(t, []byte{0xEB, 0x3C, 0x90}, boot[:3])
	assert.Equal(t, []byte{0x55, 0xAA}, boot[510:])
	assert.Equal(t, "FAT16   ", string(boot[bsFilSysType : bsFilSysType+fsTypeLen]))

	s, err := fsys.BootSector()
	require.NoError(t, err)
	assert.Contains(t, s, "VolumeLabel:TESTVOL")
	assert.Contains(t, s, "VolumeSerialNumber:51966")
	assert.Contains(t, s, "TotalSectors:2880")
	assert.Contains(t, s, "MediaDescriptor:240")
	require.NoError(t, fsys.Check())
}

func TestFormat_RandomVolumeID(t *testing.T) {
	dev := blockdev.NewMemory(FloppySectors)
	var f Formatter
	require.NoError(t, f.Format(dev, FormatConfig{}))
	bs := biosParamBlock{data: dev.Bytes()[:sectorSize]}
	assert.NotZero(t, bs.VolumeSerialNumber())
	label := bs.VolumeLabel()
	assert.Equal(t, "NO NAME    ", string(label[:]))
	oem := bs.OEMName()
	assert.Equal(t, "MINIKERN", string(oem[:]))
}

func TestFormat_SmallDevice(t *testing.T) {
	var f Formatter
	err := f.Format(blockdev.NewMemory(10), FormatConfig{})
	assert.Error(t, err)
	assert.Error(t, f.Format(nil, FormatConfig{}))
}

func TestMount_Invalid_Table(t *testing.T) {
	testCases := []struct {
		name   string
		mutate func(boot []byte)
	}{
		{"Error_Blank", func(boot []byte) { clear(boot) }},
		{"Error_SectorSize", func(boot []byte) { boot[bpbBytsPerSec+1] = 4 }},
		{"Error_ClusterSize", func(boot []byte) { boot[bpbSecPerClus] = 2 }},
		{"Error_NoReserved", func(boot []byte) { boot[bpbRsvdSecCnt] = 0 }},
		{"Error_ThreeFATs", func(boot []byte) { boot[bpbNumFATs] = 3 }},
		{"Error_RootEntries", func(boot []byte) { boot[bpbRootEntCnt] = 7 }},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, dev := newTestFS(t)
			tc.mutate(dev.Bytes()[:sectorSize])
			var fsys FS
			err := fsys.Mount(dev)
			require.ErrorIs(t, err, ErrNoFilesystem)
			assert.ErrorIs(t, fsys.Check(), ErrNoFilesystem)
		})
	}
}

func TestMount_DiskError(t *testing.T) {
	var fsys FS
	err := fsys.Mount(&failingDevice{})
	require.ErrorIs(t, err, ErrDisk)
	assert.ErrorIs(t, err, errDeviceFailure)
	assert.ErrorIs(t, fsys.Mount(nil), ErrInvalidHandle)
}

func TestRoundTrip_Table(t *testing.T) {
	testCases := []struct {
		name     string
		size     int
		clusters int
	}{
		{"Empty", 0, 1},
		{"OneByte", 1, 1},
		{"OneSector", sectorSize, 1},
		{"SectorPlusOne", sectorSize + 1, 2},
		{"SeveralSectors", 5*sectorSize + 7, 6},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			fsys, dev := newTestFS(t)
			data := pattern(tc.size)
			fp := createFile(t, fsys, fsys.Root(), "data", "bin", data)
			assert.EqualValues(t, tc.size, fp.Size())
			assert.Len(t, chainOf(t, fsys, fp.Entry().Cluster()), tc.clusters)
			assert.Equal(t, data, readAll(t, fsys, fp), "same mount")

			// Remount and read through a fresh handle.
			var fsys2 FS
			require.NoError(t, fsys2.Mount(dev))
			var fp2 File
			require.NoError(t, fsys2.Lookup(&fp2, fsys2.Root(), "DATA", "BIN"))
			got := readAll(t, &fsys2, &fp2)
			assert.Equal(t, blake3.Sum256(data), blake3.Sum256(got), "remounted content digest")
			assert.Equal(t, 2302-tc.clusters, fsys2.Stats().Free)
			require.NoError(t, fsys2.Check())
		})
	}
}

func TestWriteByteAt_HighWaterMark(t *testing.T) {
	fsys, _ := newTestFS(t)
	fp := createFile(t, fsys, fsys.Root(), "hw", "", nil)
	require.NoError(t, fsys.OpenFile(fp))

	require.NoError(t, fsys.WriteByteAt(fp, 'a', 0))
	require.NoError(t, fsys.WriteByteAt(fp, 'b', 0))
	assert.EqualValues(t, 1, fp.Size(), "rewriting an offset must not grow the file")

	require.NoError(t, fsys.WriteByteAt(fp, 'z', 10))
	assert.EqualValues(t, 11, fp.Size())
	require.NoError(t, fsys.WriteByteAt(fp, 'c', 3))
	assert.EqualValues(t, 11, fp.Size())

	b, err := fsys.ReadByteAt(fp, 5)
	require.NoError(t, err)
	assert.Zero(t, b, "gap reads as zero")
	b, err = fsys.ReadByteAt(fp, 11)
	assert.ErrorIs(t, err, io.EOF)
	assert.Equal(t, byte(0xFF), b)

	assert.ErrorIs(t, fsys.WriteByteAt(fp, 0, MaxFileSize), ErrFileTooLarge)
	require.NoError(t, fsys.CloseFile(fp))
	assert.Equal(t, []byte("b\x00\x00c\x00\x00\x00\x00\x00\x00z"), readAll(t, fsys, fp))
}

func TestUnopenedHandle_NoMutation(t *testing.T) {
	fsys, dev := newTestFS(t)
	closed := createFile(t, fsys, fsys.Root(), "closed", "txt", []byte("abc"))
	before := bytes.Clone(dev.Bytes())
	fatBefore := fsys.fat

	for name, fp := range map[string]*File{"zero": {}, "closed": closed, "nil": nil} {
		t.Run(name, func(t *testing.T) {
			b, err := fsys.ReadByteAt(fp, 0)
			assert.Equal(t, byte(0xFF), b)
			assert.ErrorIs(t, err, ErrInvalidHandle)
			assert.ErrorIs(t, fsys.WriteByteAt(fp, 1, 0), ErrInvalidHandle)
			assert.NoError(t, fsys.CloseFile(fp), "closing an unopened handle is a no-op")
		})
	}
	var unbound File
	assert.ErrorIs(t, fsys.OpenFile(&unbound), ErrInvalidHandle)
	assert.ErrorIs(t, fsys.OpenFile(nil), ErrInvalidHandle)
	assert.ErrorIs(t, fsys.DeleteFile(&unbound, fsys.Root()), ErrInvalidHandle)
	assert.ErrorIs(t, fsys.DeleteFile(closed, nil), ErrInvalidHandle)
	var other Dir
	assert.ErrorIs(t, fsys.DeleteFile(closed, &other), ErrInvalidHandle)
	_, err := closed.ReadAt(make([]byte, 1), 0)
	assert.ErrorIs(t, err, ErrInvalidHandle)

	assert.Equal(t, before, dev.Bytes(), "disk mutated")
	assert.Equal(t, fatBefore, fsys.fat, "table mutated")
	assert.EqualValues(t, 3, closed.Size())
}

func TestStaleHandleAfterRemount(t *testing.T) {
	fsys, dev := newTestFS(t)
	fp := createFile(t, fsys, fsys.Root(), "stale", "", []byte("x"))
	require.NoError(t, fsys.OpenFile(fp))
	require.NoError(t, fsys.Mount(dev))

	_, err := fsys.ReadByteAt(fp, 0)
	assert.ErrorIs(t, err, ErrInvalidHandle)
	assert.ErrorIs(t, fsys.CloseFile(fp), ErrInvalidHandle)
}

func TestFindFreeCluster(t *testing.T) {
	fsys, _ := newTestFS(t)
	clst, err := fsys.FindFreeCluster()
	require.NoError(t, err)
	assert.EqualValues(t, 2, clst)

	for c := clusterFirst; c < fatEntries; c++ {
		fsys.fat[c] = clstEOC
	}
	clst, err = fsys.FindFreeCluster()
	assert.ErrorIs(t, err, ErrFull)
	assert.Equal(t, clstEOC, clst)
	assert.Zero(t, fsys.Stats().Free)

	fsys.fat[fatEntries-1] = clstFree
	clst, err = fsys.FindFreeCluster()
	require.NoError(t, err)
	assert.EqualValues(t, fatEntries-1, clst)
}

func TestCreateFile_Errors(t *testing.T) {
	fsys, _ := newTestFS(t)
	createFile(t, fsys, fsys.Root(), "dup", "txt", nil)
	free := fsys.Stats().Free

	var fp File
	require.NoError(t, fp.SetName("Dup", "Txt"))
	assert.ErrorIs(t, fsys.CreateFile(&fp, fsys.Root()), ErrExist)

	var noname File
	assert.ErrorIs(t, fsys.CreateFile(&noname, fsys.Root()), ErrInvalidName)
	var noparent File
	require.NoError(t, noparent.SetName("x", ""))
	assert.ErrorIs(t, fsys.CreateFile(&noparent, nil), ErrInvalidHandle)
	assert.ErrorIs(t, fsys.CreateFile(&noparent, &Dir{}), ErrInvalidHandle)
	assert.Equal(t, free, fsys.Stats().Free, "failed creates must not leak clusters")
	require.NoError(t, fsys.Check())
}

func TestCreateFile_RootFull(t *testing.T) {
	fsys, _ := newTestFS(t)
	for i := 0; i < floppyRootEntries; i++ {
		createFile(t, fsys, fsys.Root(), fmt.Sprintf("F%d", i), "", nil)
	}
	free := fsys.Stats().Free
	assert.Equal(t, 2302-floppyRootEntries, free)

	var fp File
	require.NoError(t, fp.SetName("extra", ""))
	assert.ErrorIs(t, fsys.CreateFile(&fp, fsys.Root()), ErrCapacityExceeded)
	assert.Equal(t, free, fsys.Stats().Free)
	require.NoError(t, fsys.Check())
}

func TestCreateFile_NoCluster(t *testing.T) {
	fsys, _ := newTestFS(t)
	for c := clusterFirst; c < fatEntries; c++ {
		fsys.fat[c] = clstEOC
	}
	var fp File
	require.NoError(t, fp.SetName("full", ""))
	assert.ErrorIs(t, fsys.CreateFile(&fp, fsys.Root()), ErrFull)
	assert.False(t, fp.IsOpen())
}

func TestCloseFile_FullRollsBack(t *testing.T) {
	fsys, dev := newTestFS(t)
	fp := createFile(t, fsys, fsys.Root(), "big", "", []byte("seed"))
	sclust := fp.Entry().Cluster()

	// Leave two free clusters, the file needs three more.
	var hogged []uint16
	for c := uint16(clusterFirst); c < fatEntries; c++ {
		if fsys.fat[c] == clstFree {
			hogged = append(hogged, c)
		}
	}
	hogged = hogged[:len(hogged)-2]
	for _, c := range hogged {
		fsys.fat[c] = clstEOC
	}
	fatBefore := fsys.fat
	diskBefore := bytes.Clone(dev.Bytes())

	require.NoError(t, fsys.OpenFile(fp))
	require.NoError(t, fsys.WriteByteAt(fp, 'x', 4*sectorSize-1))
	assert.ErrorIs(t, fsys.CloseFile(fp), ErrFull)
	assert.True(t, fp.IsOpen(), "handle stays open on failure")
	assert.Equal(t, fatBefore, fsys.fat, "allocations rolled back")
	assert.Equal(t, diskBefore, dev.Bytes(), "nothing written on failure")
	assert.Equal(t, sclust, fp.Entry().Cluster())

	// Free space and retry.
	for _, c := range hogged {
		fsys.fat[c] = clstFree
	}
	require.NoError(t, fsys.CloseFile(fp))
	assert.False(t, fp.IsOpen())
	assert.Len(t, chainOf(t, fsys, sclust), 4)
	require.NoError(t, fsys.Check())
}

func TestDeleteFile_FreesOnlyOwnClusters(t *testing.T) {
	fsys, _ := newTestFS(t)
	a := createFile(t, fsys, fsys.Root(), "a", "dat", pattern(3*sectorSize))
	b := createFile(t, fsys, fsys.Root(), "b", "dat", pattern(2*sectorSize))
	// Grow a after b so the two chains interleave.
	require.NoError(t, fsys.OpenFile(a))
	require.NoError(t, fsys.WriteByteAt(a, 1, 4*sectorSize))
	require.NoError(t, fsys.CloseFile(a))

	achain := chainOf(t, fsys, a.Entry().Cluster())
	bchain := chainOf(t, fsys, b.Entry().Cluster())
	require.Len(t, achain, 5)
	require.Len(t, bchain, 2)
	free := fsys.Stats().Free

	require.NoError(t, fsys.DeleteFile(a, fsys.Root()))
	for _, c := range achain {
		assert.Equal(t, clstFree, fsys.fat[c], "cluster %d not freed", c)
	}
	assert.Equal(t, bchain, chainOf(t, fsys, b.Entry().Cluster()))
	assert.Equal(t, free+len(achain), fsys.Stats().Free)
	assert.False(t, a.IsOpen())

	var out DirEntry
	assert.ErrorIs(t, fsys.FindFile("A", "DAT", fsys.Root(), &out), ErrNotFound)
	require.NoError(t, fsys.FindFile("b", "dat", fsys.Root(), &out))
	assert.Equal(t, b.Entry(), out)
	assert.Equal(t, pattern(2*sectorSize), readAll(t, fsys, b))
	require.NoError(t, fsys.Check())

	assert.ErrorIs(t, fsys.DeleteFile(a, fsys.Root()), ErrInvalidHandle, "double delete")
}

func TestDeleteFile_SlotReuse(t *testing.T) {
	fsys, _ := newTestFS(t)
	a := createFile(t, fsys, fsys.Root(), "a", "", nil)
	createFile(t, fsys, fsys.Root(), "b", "", nil)
	require.NoError(t, fsys.DeleteFile(a, fsys.Root()))
	c := createFile(t, fsys, fsys.Root(), "c", "", nil)
	assert.Equal(t, 0, c.slot, "freed slot is reused")

	var names []string
	require.NoError(t, fsys.ForEachEntry(fsys.Root(), func(e *DirEntry) error {
		names = append(names, e.String())
		return nil
	}))
	assert.Equal(t, []string{"C", "B"}, names)
}

func TestDirectory_Lifecycle(t *testing.T) {
	fsys, dev := newTestFS(t)
	var d Dir
	require.NoError(t, d.SetName("docs"))
	require.NoError(t, fsys.CreateDirectory(&d, fsys.Root()))
	assert.False(t, d.IsOpen())
	assert.True(t, d.Entry().IsDir())
	assert.Zero(t, d.Entry().Size())

	require.NoError(t, fsys.OpenDirectory(&d))
	const nfiles = entriesPerSector + 3 // Forces the directory to grow a cluster.
	files := make([]*File, nfiles)
	for i := range files {
		files[i] = createFile(t, fsys, &d, fmt.Sprintf("n%d", i), "txt", []byte{byte(i)})
	}
	assert.Len(t, chainOf(t, fsys, d.Entry().Cluster()), 2)
	require.NoError(t, fsys.CloseDirectory(&d))
	require.NoError(t, fsys.Check())

	// Remount and find everything again.
	var fsys2 FS
	require.NoError(t, fsys2.Mount(dev))
	var d2 Dir
	require.NoError(t, fsys2.LookupDir(&d2, fsys2.Root(), "DOCS"))
	require.NoError(t, fsys2.OpenDirectory(&d2))
	count := 0
	require.NoError(t, fsys2.ForEachEntry(&d2, func(e *DirEntry) error {
		count++
		assert.False(t, e.IsDir())
		assert.Equal(t, testTime, e.ModTime())
		return nil
	}))
	assert.Equal(t, nfiles, count)

	var fp File
	require.NoError(t, fsys2.Lookup(&fp, &d2, "n17", "txt"))
	assert.Equal(t, []byte{17}, readAll(t, &fsys2, &fp))

	assert.ErrorIs(t, fsys2.DeleteDirectory(&d2, fsys2.Root()), ErrDirNotEmpty)
	for i := 0; i < nfiles; i++ {
		var f File
		require.NoError(t, fsys2.Lookup(&f, &d2, fmt.Sprintf("n%d", i), "txt"))
		require.NoError(t, fsys2.DeleteFile(&f, &d2))
	}
	require.NoError(t, fsys2.CloseDirectory(&d2))
	require.NoError(t, fsys2.DeleteDirectory(&d2, fsys2.Root()))
	assert.Equal(t, 2302, fsys2.Stats().Free)
	assert.ErrorIs(t, fsys2.LookupDir(&d2, fsys2.Root(), "DOCS"), ErrNotFound)
	require.NoError(t, fsys2.Check())
}

func TestDirectory_KindMismatch(t *testing.T) {
	fsys, _ := newTestFS(t)
	f := createFile(t, fsys, fsys.Root(), "plain", "", nil)
	var d Dir
	require.NoError(t, d.SetName("sub"))
	require.NoError(t, fsys.CreateDirectory(&d, fsys.Root()))

	var fp File
	assert.ErrorIs(t, fsys.Lookup(&fp, fsys.Root(), "sub", ""), ErrIsDir)
	var dd Dir
	assert.ErrorIs(t, fsys.LookupDir(&dd, fsys.Root(), "plain"), ErrNotDir)
	assert.ErrorIs(t, fsys.DeleteDirectory(&dd, fsys.Root()), ErrInvalidHandle)
	assert.ErrorIs(t, fsys.DeleteDirectory(&d, nil), ErrInvalidHandle)
	assert.ErrorIs(t, fsys.FindFile("x", "", &d, nil), ErrInvalidHandle, "directory not open")
	require.NoError(t, fsys.DeleteFile(f, fsys.Root()))
	require.NoError(t, fsys.DeleteDirectory(&d, fsys.Root()))
	require.NoError(t, fsys.Check())
}

func TestRootDirectory(t *testing.T) {
	fsys, _ := newTestFS(t)
	root := fsys.Root()
	assert.True(t, root.IsOpen())
	require.NoError(t, fsys.CloseDirectory(root))
	assert.True(t, root.IsOpen(), "root stays open")
	require.NoError(t, fsys.OpenDirectory(root))
	assert.ErrorIs(t, fsys.DeleteDirectory(root, root), ErrInvalidHandle)
	assert.ErrorIs(t, fsys.CreateDirectory(root, root), ErrInvalidHandle)
}

func TestFileReaderWriterAt(t *testing.T) {
	fsys, _ := newTestFS(t)
	fp := createFile(t, fsys, fsys.Root(), "io", "", nil)
	require.NoError(t, fsys.OpenFile(fp))
	n, err := fp.WriteAt([]byte("hello, world"), 600)
	require.NoError(t, err)
	assert.Equal(t, 12, n)
	assert.EqualValues(t, 612, fp.Size())

	got := make([]byte, 5)
	n, err = fp.ReadAt(got, 607)
	require.NoError(t, err)
	assert.Equal(t, "world", string(got[:n]))
	n, err = fp.ReadAt(got, 610)
	assert.ErrorIs(t, err, io.EOF)
	assert.Equal(t, "ld", string(got[:n]))

	_, err = fp.WriteAt([]byte{1}, MaxFileSize)
	assert.ErrorIs(t, err, ErrFileTooLarge)
	require.NoError(t, fsys.CloseFile(fp))
	assert.Len(t, chainOf(t, fsys, fp.Entry().Cluster()), 2)
}

func TestMakeSFN_Table(t *testing.T) {
	testCases := []struct {
		name, base, ext string
		want            string
		wantErr         bool
	}{
		{"Success_Lower", "hello", "txt", "HELLO   TXT", false},
		{"Success_NoExt", "kernel", "", "KERNEL     ", false},
		{"Success_Full", "ABCDEFGH", "IJK", "ABCDEFGHIJK", false},
		{"Success_TrailingSpace", "ab  ", "c ", "AB      C  ", false},
		{"Success_CP437", "café", "", "CAF\x90    " + "   ", false},
		{"Error_Empty", "", "txt", "", true},
		{"Error_LongName", "ABCDEFGHI", "", "", true},
		{"Error_LongExt", "a", "TEXT", "", true},
		{"Error_Illegal", "a*b", "", "", true},
		{"Error_Dot", "a.b", "", "", true},
		{"Error_Control", "a\x01", "", "", true},
		{"Error_NotCP437", "日本", "", "", true},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			sfn, err := makeSFN(tc.base, tc.ext)
			if tc.wantErr {
				assert.ErrorIs(t, err, ErrInvalidName)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, string(sfn[:]))
		})
	}
}

func TestSplitName(t *testing.T) {
	for in, want := range map[string][2]string{
		"a.txt":     {"a", "txt"},
		"noext":     {"noext", ""},
		"a.tar.gz":  {"a.tar", "gz"},
		".hidden":   {".hidden", ""},
		"trailing.": {"trailing", ""},
	} {
		name, ext := splitName(in)
		assert.Equal(t, want, [2]string{name, ext}, in)
	}
}

func TestDirSector_Escape(t *testing.T) {
	var raw [sizeDirEntry]byte
	ds := dirSector{data: raw[:]}
	e := DirEntry{attr: amARC, sclust: 7, size: 3, mod: newDatetime(testTime)}
	copy(e.name[:], "\xE5ABC    ")
	copy(e.ext[:], "TXT")
	ds.putEntry(&e)
	assert.Equal(t, byte(0x05), raw[0])
	assert.False(t, ds.isFree())
	assert.Equal(t, e, ds.entry())

	ds.putEntry(&DirEntry{})
	assert.Equal(t, [sizeDirEntry]byte{}, raw)
	assert.True(t, ds.isFree())
}

func TestDatetime(t *testing.T) {
	dt := newDatetime(testTime)
	assert.Equal(t, testTime, dt.Time())
	old := newDatetime(time.Date(1970, 1, 1, 0, 0, 0, 0, time.UTC))
	assert.Equal(t, time.Date(1980, 1, 1, 0, 0, 0, 0, time.UTC), old.Time())
}

func TestCheck_Corruption_Table(t *testing.T) {
	testCases := []struct {
		name   string
		mutate func(fsys *FS, a, b []uint16)
	}{
		{"Shared", func(fsys *FS, a, b []uint16) { fsys.fat[a[len(a)-1]] = b[0] }},
		{"Cycle", func(fsys *FS, a, b []uint16) { fsys.fat[a[len(a)-1]] = a[0] }},
		{"Dangling", func(fsys *FS, a, b []uint16) { fsys.fat[a[0]] = clstFree }},
		{"OutOfRange", func(fsys *FS, a, b []uint16) { fsys.fat[b[0]] = 0x9000 }},
		{"Orphan", func(fsys *FS, a, b []uint16) {
			c, _ := fsys.FindFreeCluster()
			fsys.fat[c] = clstEOC
		}},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			fsys, _ := newTestFS(t)
			a := createFile(t, fsys, fsys.Root(), "a", "", pattern(2*sectorSize))
			b := createFile(t, fsys, fsys.Root(), "b", "", pattern(sectorSize))
			require.NoError(t, fsys.Check())
			tc.mutate(fsys, chainOf(t, fsys, a.Entry().Cluster()), chainOf(t, fsys, b.Entry().Cluster()))
			assert.ErrorIs(t, fsys.Check(), ErrCorrupt)
		})
	}
}

func TestOpenFile_BrokenChain(t *testing.T) {
	fsys, _ := newTestFS(t)
	fp := createFile(t, fsys, fsys.Root(), "a", "", pattern(2*sectorSize))
	fsys.fat[fp.Entry().Cluster()] = fp.Entry().Cluster() // Self loop.
	assert.ErrorIs(t, fsys.OpenFile(fp), ErrCorrupt)
	assert.False(t, fp.IsOpen())
}

var errDeviceFailure = errors.New("device failure")

type failingDevice struct{}

func (failingDevice) ReadBlocks(dst []byte, startBlock int64) (int, error) {
	return 0, errDeviceFailure
}

func (failingDevice) WriteBlocks(data []byte, startBlock int64) (int, error) {
	return 0, errDeviceFailure
}

func (failingDevice) EraseBlocks(startBlock, numBlocks int64) error { return errDeviceFailure }

// flakyDevice is a RAM disk whose writes fail while failWrites is set.
type flakyDevice struct {
	*blockdev.Memory
	failWrites bool
}

func (d *flakyDevice) WriteBlocks(data []byte, startBlock int64) (int, error) {
	if d.failWrites {
		return 0, errDeviceFailure
	}
	return d.Memory.WriteBlocks(data, startBlock)
}

func TestCreate_DiskErrorReleasesCluster(t *testing.T) {
	dev := &flakyDevice{Memory: blockdev.NewMemory(FloppySectors)}
	var f Formatter
	require.NoError(t, f.Format(dev, FormatConfig{}))
	var fsys FS
	require.NoError(t, fsys.Mount(dev))
	free := fsys.Stats().Free

	dev.failWrites = true
	var fp File
	require.NoError(t, fp.SetName("a", "b"))
	err := fsys.CreateFile(&fp, fsys.Root())
	assert.ErrorIs(t, err, ErrDisk)
	assert.ErrorIs(t, err, errDeviceFailure)
	assert.False(t, fp.IsOpen())
	assert.Equal(t, free, fsys.Stats().Free, "cluster leaked")

	var d Dir
	require.NoError(t, d.SetName("sub"))
	assert.ErrorIs(t, fsys.CreateDirectory(&d, fsys.Root()), errDeviceFailure)
	assert.False(t, d.IsOpen())
	assert.Equal(t, free, fsys.Stats().Free, "cluster leaked")

	dev.failWrites = false
	createFile(t, &fsys, fsys.Root(), "c", "", []byte("ok"))
	assert.Equal(t, 1, fsys.Stats().Used)
	require.NoError(t, fsys.Check())
	var lost File
	assert.ErrorIs(t, fsys.Lookup(&lost, fsys.Root(), "a", "b"), ErrNotFound)

	var fsys2 FS
	require.NoError(t, fsys2.Mount(dev))
	assert.Equal(t, 1, fsys2.Stats().Used)
	require.NoError(t, fsys2.Check())
}

func TestCloseDirectory_SecondHandle(t *testing.T) {
	fsys, dev := newTestFS(t)
	var sub Dir
	require.NoError(t, sub.SetName("sub"))
	require.NoError(t, fsys.CreateDirectory(&sub, fsys.Root()))

	var a, b Dir
	for _, d := range []*Dir{&a, &b} {
		require.NoError(t, fsys.LookupDir(d, fsys.Root(), "sub"))
		require.NoError(t, fsys.OpenDirectory(d))
	}
	data := pattern(700)
	createFile(t, fsys, &a, "x", "txt", data)
	require.NoError(t, fsys.CloseDirectory(&b))
	require.NoError(t, fsys.Check())
	require.NoError(t, fsys.CloseDirectory(&a))
	require.NoError(t, fsys.Check())

	var fsys2 FS
	require.NoError(t, fsys2.Mount(dev))
	var d Dir
	require.NoError(t, fsys2.LookupDir(&d, fsys2.Root(), "sub"))
	require.NoError(t, fsys2.OpenDirectory(&d))
	var fp File
	require.NoError(t, fsys2.Lookup(&fp, &d, "x", "txt"))
	assert.Equal(t, data, readAll(t, &fsys2, &fp))
	require.NoError(t, fsys2.Check())
}

func TestCloseFile_UnwrittenLeavesDisk(t *testing.T) {
	fsys, dev := newTestFS(t)
	fp := createFile(t, fsys, fsys.Root(), "ro", "txt", []byte("read only"))
	later := testTime.Add(48 * time.Hour)
	fsys.SetClock(func() time.Time { return later })
	before := bytes.Clone(dev.Bytes())

	assert.Equal(t, []byte("read only"), readAll(t, fsys, fp))
	assert.Equal(t, before, dev.Bytes(), "read-only close wrote to disk")
	assert.Equal(t, testTime, fp.Entry().ModTime())

	require.NoError(t, fsys.OpenFile(fp))
	require.NoError(t, fsys.WriteByteAt(fp, 'R', 0))
	require.NoError(t, fsys.CloseFile(fp))
	assert.Equal(t, later, fp.Entry().ModTime())
	assert.Equal(t, []byte("Read only"), readAll(t, fsys, fp))
}

func TestStaleHandle_SlotReused(t *testing.T) {
	fsys, _ := newTestFS(t)
	a := createFile(t, fsys, fsys.Root(), "a", "", []byte("first"))
	var stale, staleOpen File
	require.NoError(t, fsys.Lookup(&stale, fsys.Root(), "a", ""))
	require.NoError(t, fsys.Lookup(&staleOpen, fsys.Root(), "a", ""))
	require.NoError(t, fsys.OpenFile(&staleOpen))
	require.NoError(t, fsys.WriteByteAt(&staleOpen, 'F', 0))

	require.NoError(t, fsys.DeleteFile(a, fsys.Root()))
	c := createFile(t, fsys, fsys.Root(), "c", "", pattern(3*sectorSize))
	require.Equal(t, stale.slot, c.slot, "slot must be reused for this test")

	assert.ErrorIs(t, fsys.DeleteFile(&stale, fsys.Root()), ErrInvalidHandle)
	assert.ErrorIs(t, fsys.CloseFile(&staleOpen), ErrInvalidHandle)
	assert.Equal(t, pattern(3*sectorSize), readAll(t, fsys, c))
	assert.Len(t, chainOf(t, fsys, c.Entry().Cluster()), 3)
	require.NoError(t, fsys.Check())
}
