// Package mbr encodes and decodes legacy Master Boot Record partition
// tables: four fixed-offset descriptor slots in the first sector of a
// disk, each naming a partition's type, location, and bootable flag.
//
// Decoded descriptors are handed out as bounded Partition views which
// translate partition-relative sector indices to absolute ones.
package mbr

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/mkdiskimg/mkdisk/disk"
)

const (
	// entryOffset is the byte offset of the first partition table entry
	// inside sector 0, directly after the bootstrap code area and the
	// disk ID/reserved bytes.
	entryOffset = 446
	entryLen    = 16

	signatureOffset = 510

	// NumSlots is the number of descriptor slots in an MBR.
	NumSlots = 4
)

var (
	// ErrBadSlot is returned for slot indices outside [0, NumSlots).
	ErrBadSlot = errors.New("partition slot out of range")

	// ErrEmptySlot is returned when decoding a slot whose type code is
	// unused or unrecognized.
	ErrEmptySlot = errors.New("no recognized partition in slot")

	// ErrBounds is returned when a descriptor does not fit the disk.
	ErrBounds = errors.New("partition exceeds disk bounds")
)

// Format identifies the filesystem a partition is expected to carry.
type Format uint8

const (
	// Fat32 is stored with type code 0x0B (FAT32 with CHS addressing;
	// LBA-capable loaders accept it as well).
	Fat32 Format = 0x0B
)

// PartitionInfo describes one partition table entry. Start and Size are
// measured in sectors.
type PartitionInfo struct {
	Format   Format
	Start    int64
	Size     int64
	Bootable bool
}

// SetPartition encodes info into the given descriptor slot of the
// device's first sector. The rest of the sector, including any
// bootstrap code already present, is left untouched, except that the
// 0x55AA boot signature is stamped so that the table is recognizable
// even under a short bootloader.
func SetPartition(dev disk.Device, slot int, info PartitionInfo) error {
	if slot < 0 || slot >= NumSlots {
		return fmt.Errorf("mbr: slot %d: %w", slot, ErrBadSlot)
	}
	if info.Start < 0 || info.Size <= 0 || info.Start+info.Size > dev.NumSectors() {
		return fmt.Errorf("mbr: partition [%d, %d) on %d-sector disk: %w",
			info.Start, info.Start+info.Size, dev.NumSectors(), ErrBounds)
	}

	var sector [disk.SectorSize]byte
	if err := dev.ReadSector(0, sector[:]); err != nil {
		return err
	}

	entry := sector[entryOffset+slot*entryLen : entryOffset+(slot+1)*entryLen]
	if info.Bootable {
		entry[0] = 0x80
	} else {
		entry[0] = 0x00
	}
	// CHS start/end fields (bytes 1-3 and 5-7) are obsolete; 0xFE 0xFF
	// 0xFF marks them as unusable, directing readers to the LBA fields.
	entry[1], entry[2], entry[3] = 0xFE, 0xFF, 0xFF
	entry[4] = uint8(info.Format)
	entry[5], entry[6], entry[7] = 0xFE, 0xFF, 0xFF
	binary.LittleEndian.PutUint32(entry[8:12], uint32(info.Start))
	binary.LittleEndian.PutUint32(entry[12:16], uint32(info.Size))

	sector[signatureOffset] = 0x55
	sector[signatureOffset+1] = 0xAA

	return dev.WriteSector(0, sector[:])
}

// GetPartition decodes the descriptor in the given slot and returns a
// bounded view over the sectors it covers.
func GetPartition(dev disk.Device, slot int) (*Partition, error) {
	if slot < 0 || slot >= NumSlots {
		return nil, fmt.Errorf("mbr: slot %d: %w", slot, ErrBadSlot)
	}

	var sector [disk.SectorSize]byte
	if err := dev.ReadSector(0, sector[:]); err != nil {
		return nil, err
	}

	entry := sector[entryOffset+slot*entryLen : entryOffset+(slot+1)*entryLen]
	if Format(entry[4]) != Fat32 {
		return nil, fmt.Errorf("mbr: slot %d has type code %#02x: %w", slot, entry[4], ErrEmptySlot)
	}
	info := PartitionInfo{
		Format:   Format(entry[4]),
		Start:    int64(binary.LittleEndian.Uint32(entry[8:12])),
		Size:     int64(binary.LittleEndian.Uint32(entry[12:16])),
		Bootable: entry[0]&0x80 != 0,
	}
	if info.Size == 0 || info.Start+info.Size > dev.NumSectors() {
		return nil, fmt.Errorf("mbr: slot %d covers [%d, %d) on %d-sector disk: %w",
			slot, info.Start, info.Start+info.Size, dev.NumSectors(), ErrBounds)
	}

	return &Partition{dev: dev, info: info}, nil
}

// A Partition is a window over a region of an underlying device. It
// owns no storage; sector index i maps to absolute index Start+i.
type Partition struct {
	dev  disk.Device
	info PartitionInfo
}

// Info returns the decoded descriptor backing this view.
func (p *Partition) Info() PartitionInfo { return p.info }

func (p *Partition) NumSectors() int64 { return p.info.Size }

func (p *Partition) ReadSector(i int64, buf []byte) error {
	if i < 0 || i >= p.info.Size {
		return fmt.Errorf("mbr: read partition sector %d of %d: %w", i, p.info.Size, disk.ErrOutOfRange)
	}
	return p.dev.ReadSector(p.info.Start+i, buf)
}

func (p *Partition) WriteSector(i int64, data []byte) error {
	if i < 0 || i >= p.info.Size {
		return fmt.Errorf("mbr: write partition sector %d of %d: %w", i, p.info.Size, disk.ErrOutOfRange)
	}
	return p.dev.WriteSector(p.info.Start+i, data)
}
