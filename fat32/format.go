package fat32

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/mkdiskimg/mkdisk/disk"
)

// ErrTooSmall is returned by Format when the partition cannot hold the
// reserved region, the FATs, and a one-cluster root directory.
var ErrTooSmall = errors.New("partition too small for FAT32 structures")

// sectorsPerClusterFor picks the cluster size for a partition of the
// given sector count. The table is monotonic: larger partitions get
// larger clusters, following FAT32 convention.
func sectorsPerClusterFor(sectors int64) uint8 {
	const sectorsPerMiB = (1 << 20) / disk.SectorSize
	switch {
	case sectors <= 260*sectorsPerMiB:
		return 1
	case sectors <= 8*1024*sectorsPerMiB:
		return 8
	case sectors <= 16*1024*sectorsPerMiB:
		return 16
	case sectors <= 32*1024*sectorsPerMiB:
		return 32
	default:
		return 64
	}
}

// fatSectorsFor returns the per-FAT length in sectors. The cluster count
// is bounded from above as if the FATs took no space at all, so the
// resulting FAT can always address every data cluster.
func fatSectorsFor(sectors int64, sectorsPerCluster uint8) uint32 {
	maxClusters := (sectors-reservedSectors)/int64(sectorsPerCluster) + rootCluster
	fatBytes := maxClusters * 4
	return uint32((fatBytes + disk.SectorSize - 1) / disk.SectorSize)
}

// Format writes an empty FAT32 volume onto dev: boot sector, backup boot
// sector, FSInfo, zeroed FATs with the reserved entries set, and a
// one-cluster root directory. Any prior content in those regions is
// overwritten; formatting the same device twice produces the same bytes.
func Format(dev disk.Device) error {
	total := dev.NumSectors()
	if total > 0xFFFFFFFF {
		return fmt.Errorf("fat32: %d sectors exceed the 32-bit sector count", total)
	}
	if total <= reservedSectors {
		return fmt.Errorf("fat32: %d-sector partition: %w", total, ErrTooSmall)
	}

	p := &params{
		sectorsPerCluster: sectorsPerClusterFor(total),
		reserved:          reservedSectors,
		fats:              numFATs,
		totalSectors:      uint32(total),
	}
	p.sectorsPerFAT = fatSectorsFor(total, p.sectorsPerCluster)

	// The volume must hold at least the root directory cluster.
	dataSectors := total - p.dataStart()
	if dataSectors < int64(p.sectorsPerCluster) {
		return fmt.Errorf("fat32: %d-sector partition: %w", total, ErrTooSmall)
	}
	p.clusterCount = uint32(dataSectors / int64(p.sectorsPerCluster))

	bootSector, err := p.encodeBootSector()
	if err != nil {
		return err
	}
	if err := dev.WriteSector(0, bootSector); err != nil {
		return err
	}
	if err := dev.WriteSector(backupBootSector, bootSector); err != nil {
		return err
	}

	// All clusters but the root's are free; the first free one is 3.
	fsInfo := encodeFSInfo(p.clusterCount-1, rootCluster+1)
	if err := dev.WriteSector(fsInfoSector, fsInfo); err != nil {
		return err
	}
	if err := dev.WriteSector(backupInfoSector, fsInfo); err != nil {
		return err
	}

	if err := writeEmptyFATs(dev, p); err != nil {
		return err
	}

	// Zero the root directory cluster.
	zero := make([]byte, disk.SectorSize)
	rootSector := p.clusterSector(rootCluster)
	for i := int64(0); i < int64(p.sectorsPerCluster); i++ {
		if err := dev.WriteSector(rootSector+i, zero); err != nil {
			return err
		}
	}

	return nil
}

// writeEmptyFATs zeroes every FAT copy and sets the three non-free
// entries: the media descriptor, the reserved entry 1, and the root
// directory's single-cluster chain.
func writeEmptyFATs(dev disk.Device, p *params) error {
	first := make([]byte, disk.SectorSize)
	putFATEntry(first, 0, 0x0FFFFF00|uint32(hardDisk))
	putFATEntry(first, 1, endOfChain)
	putFATEntry(first, rootCluster, endOfChain)

	zero := make([]byte, disk.SectorSize)
	for copyIdx := int64(0); copyIdx < int64(p.fats); copyIdx++ {
		base := int64(p.reserved) + copyIdx*int64(p.sectorsPerFAT)
		if err := dev.WriteSector(base, first); err != nil {
			return err
		}
		for i := int64(1); i < int64(p.sectorsPerFAT); i++ {
			if err := dev.WriteSector(base+i, zero); err != nil {
				return err
			}
		}
	}
	return nil
}

// putFATEntry stores a 32-bit FAT entry inside a sector buffer; idx is
// the entry index relative to the start of the buffer.
func putFATEntry(sector []byte, idx int, val uint32) {
	binary.LittleEndian.PutUint32(sector[idx*4:], val)
}
