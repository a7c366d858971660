package fat32

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/mkdiskimg/mkdisk/disk"
)

const (
	// reservedSectors is the size of the reserved region at the start of
	// the volume, holding the boot sector, FSInfo, and their backups.
	reservedSectors = 32

	// numFATs is the number of FAT copies.
	numFATs = 2

	// rootCluster is the first cluster of the root directory. Clusters 0
	// and 1 carry the media descriptor and dirty flags instead of data.
	rootCluster = 2

	fsInfoSector     = 1
	backupBootSector = 6
	backupInfoSector = 7

	// endOfChain is the value written to terminate a cluster chain. FAT32
	// entries are 28 bits wide; masked values >= 0x0FFFFFF8 all read as
	// end-of-chain.
	endOfChain = uint32(0x0FFFFFFF)
	eocMin     = uint32(0x0FFFFFF8)
	entryMask  = uint32(0x0FFFFFFF)

	// hardDisk is the media descriptor for a hard disk (as opposed to floppy).
	hardDisk = uint8(0xF8)

	// volumeID is fixed so that identical input trees produce identical
	// image bytes.
	volumeID = uint32(0x6D6B6431)
)

var (
	oemName        = [8]byte{'m', 'k', 'd', 'i', 's', 'k', ' ', ' '}
	volumeLabel    = [11]byte{'M', 'K', 'D', 'I', 'S', 'K', ' ', ' ', ' ', ' ', ' '}
	fileSystemType = [8]byte{'F', 'A', 'T', '3', '2', ' ', ' ', ' '}
)

// ErrNotFAT32 is returned by Mount when the partition does not carry a
// boot sector written by Format (or another FAT32 formatter).
var ErrNotFAT32 = errors.New("no valid FAT32 boot sector")

// params is the volume geometry recorded in the BIOS parameter block.
type params struct {
	sectorsPerCluster uint8
	reserved          uint16
	fats              uint8
	sectorsPerFAT     uint32
	totalSectors      uint32
	clusterCount      uint32
}

func (p *params) clusterBytes() int {
	return int(p.sectorsPerCluster) * disk.SectorSize
}

// dataStart returns the partition-relative sector at which cluster 2 begins.
func (p *params) dataStart() int64 {
	return int64(p.reserved) + int64(p.fats)*int64(p.sectorsPerFAT)
}

// clusterSector returns the partition-relative first sector of cluster n.
func (p *params) clusterSector(n uint32) int64 {
	return p.dataStart() + int64(n-rootCluster)*int64(p.sectorsPerCluster)
}

// encodeBootSector serializes the boot sector with its BIOS parameter
// block. All multi-byte fields are little-endian.
func (p *params) encodeBootSector() ([]byte, error) {
	buf := bytes.NewBuffer(make([]byte, 0, disk.SectorSize))
	for _, v := range []interface{}{
		[3]byte{0xEB, 0x58, 0x90},       // jump code: intel 80x86 jump instruction
		oemName,                         // OEM
		uint16(disk.SectorSize),         // bytes per sector
		p.sectorsPerCluster,             // i.e. each FAT entry covers sectorsPerCluster*512 bytes
		p.reserved,                      // reserved sectors
		p.fats,                          // FAT copies
		uint16(0),                       // root entries: 0, the FAT32 root lives in the data area
		uint16(0),                       // 0 = use uint32 number of sectors following later
		hardDisk,                        // media descriptor
		uint16(0),                       // sectors per FAT: 0, see 32-bit field below
		uint16(32),                      // (only for bootcode) number of sectors per track
		uint16(4),                       // (only for bootcode) number of heads
		uint32(0),                       // hidden sectors
		p.totalSectors,                  // total number of sectors
		p.sectorsPerFAT,                 // sectors per FAT, 32-bit
		uint16(0),                       // mirroring flags: FAT copies kept in sync
		uint16(0),                       // filesystem version
		uint32(rootCluster),             // first cluster of the root directory
		uint16(fsInfoSector),            // FSInfo location
		uint16(backupBootSector),        // backup boot sector location
		[12]byte{},                      // reserved
		uint8(0x80),                     // (only for bootcode) drive number
		uint8(0),                        // reserved
		uint8(0x29),                     // magic value: extended boot signature
		volumeID,                        // volume serial number
		volumeLabel,                     //
		fileSystemType,                  //
		[420]byte{},                     // boot code
		[2]byte{0x55, 0xAA},             // boot sector signature
	} {
		if err := binary.Write(buf, binary.LittleEndian, v); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

// encodeFSInfo serializes the FSInfo sector, recording the free cluster
// count and the hint for the next free cluster.
func encodeFSInfo(freeClusters, nextFree uint32) []byte {
	sector := make([]byte, disk.SectorSize)
	binary.LittleEndian.PutUint32(sector[0:4], 0x41615252)     // lead signature
	binary.LittleEndian.PutUint32(sector[484:488], 0x61417272) // structure signature
	binary.LittleEndian.PutUint32(sector[488:492], freeClusters)
	binary.LittleEndian.PutUint32(sector[492:496], nextFree)
	binary.LittleEndian.PutUint32(sector[508:512], 0xAA550000) // trail signature
	return sector
}

// decodeBootSector validates the boot sector written by Format and
// recovers the volume geometry.
func decodeBootSector(sector []byte) (*params, error) {
	if sector[510] != 0x55 || sector[511] != 0xAA {
		return nil, fmt.Errorf("fat32: missing 0x55AA signature: %w", ErrNotFAT32)
	}
	if got := binary.LittleEndian.Uint16(sector[11:13]); got != disk.SectorSize {
		return nil, fmt.Errorf("fat32: %d bytes per sector: %w", got, ErrNotFAT32)
	}
	rootEntries := binary.LittleEndian.Uint16(sector[17:19])
	fatSize16 := binary.LittleEndian.Uint16(sector[22:24])
	fatSize32 := binary.LittleEndian.Uint32(sector[36:40])
	// RootEntCnt and FATSz16 are zero on FAT32 volumes only.
	if rootEntries != 0 || fatSize16 != 0 || fatSize32 == 0 {
		return nil, fmt.Errorf("fat32: FAT12/FAT16 layout: %w", ErrNotFAT32)
	}
	if !bytes.Equal(sector[82:90], fileSystemType[:]) {
		return nil, fmt.Errorf("fat32: filesystem type %q: %w", sector[82:90], ErrNotFAT32)
	}

	p := &params{
		sectorsPerCluster: sector[13],
		reserved:          binary.LittleEndian.Uint16(sector[14:16]),
		fats:              sector[16],
		sectorsPerFAT:     fatSize32,
		totalSectors:      binary.LittleEndian.Uint32(sector[32:36]),
	}
	if p.sectorsPerCluster == 0 || p.reserved == 0 || p.fats == 0 || p.totalSectors == 0 {
		return nil, fmt.Errorf("fat32: zero geometry field: %w", ErrNotFAT32)
	}
	dataSectors := p.totalSectors - uint32(p.reserved) - uint32(p.fats)*p.sectorsPerFAT
	p.clusterCount = dataSectors / uint32(p.sectorsPerCluster)
	return p, nil
}
