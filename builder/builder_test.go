package builder_test

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	diskfs "github.com/diskfs/go-diskfs"
	diskfsmbr "github.com/diskfs/go-diskfs/partition/mbr"
	"github.com/google/go-cmp/cmp"

	"github.com/mkdiskimg/mkdisk/builder"
	"github.com/mkdiskimg/mkdisk/disk"
	"github.com/mkdiskimg/mkdisk/mbr"
)

// sourceTree creates the host tree from the end-to-end scenario:
// dir1/file1.bin with three bytes and an empty dir2.
func sourceTree(t *testing.T) string {
	t.Helper()
	src := t.TempDir()
	if err := os.Mkdir(filepath.Join(src, "dir1"), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(src, "dir1", "file1.bin"), []byte{1, 2, 3}, 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.Mkdir(filepath.Join(src, "dir2"), 0755); err != nil {
		t.Fatal(err)
	}
	return src
}

// bootloaderFile writes n patterned bytes to a temp file.
func bootloaderFile(t *testing.T, n int) string {
	t.Helper()
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i)
	}
	path := filepath.Join(t.TempDir(), "boot.bin")
	if err := os.WriteFile(path, b, 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestBuildEndToEnd(t *testing.T) {
	t.Parallel()

	boot := bootloaderFile(t, disk.SectorSize)
	d, err := builder.Build(builder.Config{
		SizeBytes:      64 * 1024,
		SourceDir:      sourceTree(t),
		BootloaderPath: boot,
	})
	if err != nil {
		t.Fatal(err)
	}

	if got := d.NumSectors(); got != 128 {
		t.Fatalf("image sectors: got %d, want 128", got)
	}

	p, err := mbr.GetPartition(d, 0)
	if err != nil {
		t.Fatal(err)
	}
	want := mbr.PartitionInfo{Format: mbr.Fat32, Start: 64, Size: 64, Bootable: true}
	if diff := cmp.Diff(want, p.Info()); diff != "" {
		t.Fatalf("slot 0 descriptor: diff (-want +got):\n%s", diff)
	}

	// The bootloader survives in sector 0 up to the partition table.
	sector := make([]byte, disk.SectorSize)
	if err := d.ReadSector(0, sector); err != nil {
		t.Fatal(err)
	}
	wantBoot, err := os.ReadFile(boot)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(sector[:446], wantBoot[:446]) {
		t.Fatal("bootloader bytes clobbered before partition table offset")
	}
	if sector[510] != 0x55 || sector[511] != 0xAA {
		t.Fatal("MBR signature missing")
	}

	// Sector 64 carries a FAT32 boot sector.
	if err := d.ReadSector(64, sector); err != nil {
		t.Fatal(err)
	}
	if sector[510] != 0x55 || sector[511] != 0xAA {
		t.Fatal("partition boot sector signature missing")
	}
	if got := string(sector[82:90]); got != "FAT32   " {
		t.Fatalf("partition filesystem type: got %q", got)
	}
	if got := binary.LittleEndian.Uint32(sector[32:36]); got != 64 {
		t.Fatalf("partition total sectors: got %d, want 64", got)
	}

	out := filepath.Join(t.TempDir(), "out.disk")
	if err := builder.WriteImage(d, out); err != nil {
		t.Fatal(err)
	}
	info, err := os.Stat(out)
	if err != nil {
		t.Fatal(err)
	}
	if info.Size() != 64*1024 {
		t.Fatalf("image file size: got %d, want %d", info.Size(), 64*1024)
	}
}

func TestBuildMultiSectorBootloader(t *testing.T) {
	t.Parallel()

	// 2.5 sectors: the tail sector must be zero-padded.
	boot := bootloaderFile(t, 2*disk.SectorSize+256)
	d, err := builder.Build(builder.Config{
		SizeBytes:      64 * 1024,
		SourceDir:      sourceTree(t),
		BootloaderPath: boot,
	})
	if err != nil {
		t.Fatal(err)
	}

	wantBoot, err := os.ReadFile(boot)
	if err != nil {
		t.Fatal(err)
	}
	sector := make([]byte, disk.SectorSize)
	if err := d.ReadSector(1, sector); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(sector, wantBoot[disk.SectorSize:2*disk.SectorSize]) {
		t.Fatal("bootloader sector 1 not copied intact")
	}
	if err := d.ReadSector(2, sector); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(sector[:256], wantBoot[2*disk.SectorSize:]) {
		t.Fatal("bootloader tail not copied")
	}
	if !bytes.Equal(sector[256:], make([]byte, disk.SectorSize-256)) {
		t.Fatal("bootloader tail sector not zero-padded")
	}
}

func TestBuildErrors(t *testing.T) {
	t.Parallel()

	boot := bootloaderFile(t, disk.SectorSize)

	t.Run("too small", func(t *testing.T) {
		t.Parallel()
		_, err := builder.Build(builder.Config{
			SizeBytes:      127 * disk.SectorSize,
			SourceDir:      sourceTree(t),
			BootloaderPath: boot,
		})
		if !errors.Is(err, builder.ErrDiskTooSmall) {
			t.Fatalf("got %v, want ErrDiskTooSmall", err)
		}
	})

	t.Run("source is a file", func(t *testing.T) {
		t.Parallel()
		file := filepath.Join(t.TempDir(), "f")
		if err := os.WriteFile(file, nil, 0644); err != nil {
			t.Fatal(err)
		}
		_, err := builder.Build(builder.Config{
			SizeBytes:      4 << 20,
			SourceDir:      file,
			BootloaderPath: boot,
		})
		if !errors.Is(err, builder.ErrNotDirectory) {
			t.Fatalf("got %v, want ErrNotDirectory", err)
		}
	})

	t.Run("missing bootloader", func(t *testing.T) {
		t.Parallel()
		_, err := builder.Build(builder.Config{
			SizeBytes:      4 << 20,
			SourceDir:      sourceTree(t),
			BootloaderPath: filepath.Join(t.TempDir(), "nope.bin"),
		})
		if !errors.Is(err, os.ErrNotExist) {
			t.Fatalf("got %v, want wrapped os.ErrNotExist", err)
		}
	})

	t.Run("bootloader overlaps partition", func(t *testing.T) {
		t.Parallel()
		_, err := builder.Build(builder.Config{
			SizeBytes:      4 << 20,
			SourceDir:      sourceTree(t),
			BootloaderPath: bootloaderFile(t, 64*disk.SectorSize+1),
		})
		if !errors.Is(err, builder.ErrBootloaderTooBig) {
			t.Fatalf("got %v, want ErrBootloaderTooBig", err)
		}
	})
}

func TestBuildDeterministic(t *testing.T) {
	t.Parallel()

	src := sourceTree(t)
	boot := bootloaderFile(t, disk.SectorSize)
	cfg := builder.Config{SizeBytes: 64 * 1024, SourceDir: src, BootloaderPath: boot}

	serialize := func() []byte {
		d, err := builder.Build(cfg)
		if err != nil {
			t.Fatal(err)
		}
		var buf bytes.Buffer
		if _, err := d.WriteTo(&buf); err != nil {
			t.Fatal(err)
		}
		return buf.Bytes()
	}

	if !bytes.Equal(serialize(), serialize()) {
		t.Fatal("two builds from the same tree produced different images")
	}
}

func TestDefaultOutputPath(t *testing.T) {
	t.Parallel()

	for _, tc := range []struct {
		in, want string
	}{
		{"bin/fs", "bin/fs.disk"},
		{"bin/fs/", "bin/fs.disk"},
		{"tree.d", "tree.disk"},
		{"fs", "fs.disk"},
	} {
		if got := builder.DefaultOutputPath(tc.in); got != tc.want {
			t.Fatalf("DefaultOutputPath(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

// TestImageReadableByDiskfs verifies the produced image with an
// independent FAT32/MBR implementation.
func TestImageReadableByDiskfs(t *testing.T) {
	t.Parallel()

	src := sourceTree(t)
	if err := os.MkdirAll(filepath.Join(src, "efi", "boot"), 0755); err != nil {
		t.Fatal(err)
	}
	payload := bytes.Repeat([]byte("mkdisk"), 1000)
	if err := os.WriteFile(filepath.Join(src, "efi", "boot", "loader.bin"), payload, 0644); err != nil {
		t.Fatal(err)
	}

	d, err := builder.Build(builder.Config{
		SizeBytes:      4 << 20,
		SourceDir:      src,
		BootloaderPath: bootloaderFile(t, disk.SectorSize),
	})
	if err != nil {
		t.Fatal(err)
	}
	out := filepath.Join(t.TempDir(), "out.disk")
	if err := builder.WriteImage(d, out); err != nil {
		t.Fatal(err)
	}

	img, err := diskfs.Open(out)
	if err != nil {
		t.Fatal(err)
	}
	defer img.Close()

	pt, err := img.GetPartitionTable()
	if err != nil {
		t.Fatal(err)
	}
	table, ok := pt.(*diskfsmbr.Table)
	if !ok {
		t.Fatalf("partition table type: got %T, want *mbr.Table", pt)
	}
	if len(table.Partitions) == 0 {
		t.Fatal("no partitions decoded")
	}
	part := table.Partitions[0]
	if part.Start != 64 || part.Size != (4<<20)/disk.SectorSize-64 {
		t.Fatalf("partition 0: start %d size %d", part.Start, part.Size)
	}
	if !part.Bootable {
		t.Fatal("partition 0 not bootable")
	}

	fs, err := img.GetFilesystem(1)
	if err != nil {
		t.Fatal(err)
	}

	f, err := fs.OpenFile("/DIR1/FILE1.BIN", os.O_RDONLY)
	if err != nil {
		t.Fatal(err)
	}
	got, err := io.ReadAll(f)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]byte{1, 2, 3}, got); diff != "" {
		t.Fatalf("file1.bin via diskfs: diff (-want +got):\n%s", diff)
	}

	f, err = fs.OpenFile("/EFI/BOOT/LOADER.BIN", os.O_RDONLY)
	if err != nil {
		t.Fatal(err)
	}
	got, err = io.ReadAll(f)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("loader.bin via diskfs: %d bytes, want %d", len(got), len(payload))
	}

	// The empty directory exists and holds no files.
	entries, err := fs.ReadDir("/DIR2")
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range entries {
		if !e.IsDir() {
			t.Fatalf("unexpected entry %q in empty directory", e.Name())
		}
	}
}
