// Package builder assembles bootable disk images: a bootloader in the
// leading sectors, an MBR partition table, and a FAT32 partition
// mirroring a host directory tree.
package builder

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/mkdiskimg/mkdisk/disk"
	"github.com/mkdiskimg/mkdisk/fat32"
	"github.com/mkdiskimg/mkdisk/humanize"
	"github.com/mkdiskimg/mkdisk/logger"
	"github.com/mkdiskimg/mkdisk/mbr"
)

const (
	// PartitionStartSector is where the FAT32 partition begins.
	// Historically partitions are aligned to cylinder boundaries, so the
	// bootloader gets the first 64 sectors to itself.
	PartitionStartSector = 64

	// MinDiskSectors is the smallest supported image: 64 KiB, half for
	// the bootloader preamble and half for the filesystem.
	MinDiskSectors = 128
)

var (
	// ErrDiskTooSmall is returned for sizes below MinDiskSectors sectors.
	ErrDiskTooSmall = errors.New("disk size below minimum of 64 KiB")

	// ErrBootloaderTooBig is returned when the bootloader would overlap
	// the partition.
	ErrBootloaderTooBig = errors.New("bootloader exceeds the preamble region")

	// ErrNotDirectory is returned when the source path is not a directory.
	ErrNotDirectory = errors.New("source path is not a directory")
)

// Config carries the validated settings for one image build.
type Config struct {
	// SizeBytes is the fixed size of the image; it must be a multiple of
	// the sector size and at least MinDiskSectors sectors.
	SizeBytes int64

	// SourceDir is the host directory tree to mirror into the image.
	SourceDir string

	// BootloaderPath names the file copied into the leading sectors.
	BootloaderPath string
}

// Build assembles the image in memory. The caller serializes the
// returned disk, typically via WriteImage.
func Build(cfg Config) (*disk.RAMDisk, error) {
	log := logger.Logger()

	info, err := os.Stat(cfg.SourceDir)
	if err != nil {
		return nil, fmt.Errorf("builder: source %q: %w", cfg.SourceDir, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("builder: %q: %w", cfg.SourceDir, ErrNotDirectory)
	}

	sectors := cfg.SizeBytes / disk.SectorSize
	if sectors < MinDiskSectors {
		return nil, fmt.Errorf("builder: %s: %w", humanize.Bytes(uint64(cfg.SizeBytes)), ErrDiskTooSmall)
	}

	d, err := disk.NewRAMDisk(sectors)
	if err != nil {
		return nil, err
	}

	if err := injectBootloader(d, cfg.BootloaderPath); err != nil {
		return nil, err
	}

	if err := mbr.SetPartition(d, 0, mbr.PartitionInfo{
		Format:   mbr.Fat32,
		Start:    PartitionStartSector,
		Size:     sectors - PartitionStartSector,
		Bootable: true,
	}); err != nil {
		return nil, err
	}

	part, err := mbr.GetPartition(d, 0)
	if err != nil {
		return nil, err
	}
	if err := fat32.Format(part); err != nil {
		return nil, err
	}

	fs, err := fat32.Mount(d, 0)
	if err != nil {
		return nil, err
	}
	if err := mirrorTree(fs, cfg.SourceDir, log); err != nil {
		return nil, err
	}

	log.Debugf("assembled %s image (%d sectors)", humanize.Bytes(uint64(cfg.SizeBytes)), sectors)
	return d, nil
}

// WriteImage serializes the disk to the named file.
func WriteImage(d *disk.RAMDisk, out string) error {
	f, err := os.Create(out)
	if err != nil {
		return fmt.Errorf("builder: %w", err)
	}
	if _, err := d.WriteTo(f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// injectBootloader copies the bootloader file sector by sector into the
// preamble, zero-padding the final partial sector. The bootloader must
// fit before PartitionStartSector.
func injectBootloader(d *disk.RAMDisk, bootloader string) error {
	f, err := os.Open(bootloader)
	if err != nil {
		return fmt.Errorf("builder: bootloader: %w", err)
	}
	defer f.Close()

	var sector [disk.SectorSize]byte
	for i := int64(0); ; i++ {
		n, err := io.ReadFull(f, sector[:])
		if err == io.EOF {
			return nil
		}
		if err != nil && err != io.ErrUnexpectedEOF {
			return fmt.Errorf("builder: reading bootloader %q: %w", bootloader, err)
		}
		if i >= PartitionStartSector {
			return fmt.Errorf("builder: bootloader %q: %w", bootloader, ErrBootloaderTooBig)
		}
		for j := n; j < disk.SectorSize; j++ {
			sector[j] = 0
		}
		if err := d.WriteSector(i, sector[:]); err != nil {
			return err
		}
		if n < disk.SectorSize {
			return nil
		}
	}
}

// mirrorTree recreates the host directory tree inside the filesystem.
// Traversal uses an explicit queue rather than recursion, so the depth
// of the host tree does not grow the stack. os.ReadDir sorts entries,
// which keeps the visit order, and with it the image bytes, stable.
func mirrorTree(fs *fat32.FileSystem, src string, log *zap.SugaredLogger) error {
	queue := []string{""}
	for len(queue) > 0 {
		rel := queue[0]
		queue = queue[1:]

		entries, err := os.ReadDir(filepath.Join(src, filepath.FromSlash(rel)))
		if err != nil {
			return fmt.Errorf("builder: %w", err)
		}
		for _, entry := range entries {
			vpath := path.Join(rel, entry.Name())
			switch {
			case entry.IsDir():
				log.Debugf("mkdir %s", vpath)
				if err := fs.Mkdir(vpath); err != nil {
					return err
				}
				queue = append(queue, vpath)
			case entry.Type().IsRegular():
				data, err := os.ReadFile(filepath.Join(src, filepath.FromSlash(vpath)))
				if err != nil {
					return fmt.Errorf("builder: %w", err)
				}
				log.Debugf("write %s (%d bytes)", vpath, len(data))
				if err := fs.WriteFile(vpath, data); err != nil {
					return err
				}
			default:
				log.Warnf("skipping %s: neither file nor directory", vpath)
			}
		}
	}
	return nil
}

// DefaultOutputPath derives the output file name from the source
// directory: `bin/fs/` becomes `bin/fs.disk`.
func DefaultOutputPath(src string) string {
	src = strings.TrimRight(src, string(os.PathSeparator))
	return strings.TrimSuffix(src, filepath.Ext(src)) + ".disk"
}
