// Package disk provides a fixed-capacity, sector-addressable block store
// held entirely in memory, which is useful when assembling disk images
// that are written out in one pass at the end.
//
// All addressing uses 512-byte sectors. The capacity of a RAMDisk is fixed
// at construction; there is no resize operation.
package disk

import (
	"errors"
	"fmt"
	"io"
)

// SectorSize is the size of one sector in bytes. All devices in this
// module use 512-byte sectors.
const SectorSize = 512

// ErrOutOfRange is returned when a sector index lies outside the device.
var ErrOutOfRange = errors.New("sector index out of range")

// A Device is a sector-addressable block store. Sector indices are
// relative to the device, i.e. a bounded view over a larger device
// presents its first sector as index 0.
type Device interface {
	// NumSectors returns the capacity of the device in sectors.
	NumSectors() int64

	// ReadSector reads sector i into buf, which must hold SectorSize bytes.
	ReadSector(i int64, buf []byte) error

	// WriteSector overwrites sector i with data. If data is shorter than
	// SectorSize, the remainder of the sector is zeroed.
	WriteSector(i int64, data []byte) error
}

// A RAMDisk is a memory-backed Device, initially zero-filled.
type RAMDisk struct {
	buf        []byte
	numSectors int64
}

// NewRAMDisk returns a zero-filled disk with the given number of sectors.
func NewRAMDisk(numSectors int64) (*RAMDisk, error) {
	if numSectors <= 0 {
		return nil, fmt.Errorf("disk: %d sectors: %w", numSectors, ErrOutOfRange)
	}
	return &RAMDisk{
		buf:        make([]byte, numSectors*SectorSize),
		numSectors: numSectors,
	}, nil
}

// NumSectors returns the capacity of the disk in sectors.
func (d *RAMDisk) NumSectors() int64 { return d.numSectors }

func (d *RAMDisk) ReadSector(i int64, buf []byte) error {
	if i < 0 || i >= d.numSectors {
		return fmt.Errorf("disk: read sector %d of %d: %w", i, d.numSectors, ErrOutOfRange)
	}
	if len(buf) < SectorSize {
		return fmt.Errorf("disk: read buffer holds %d bytes, need %d", len(buf), SectorSize)
	}
	copy(buf[:SectorSize], d.buf[i*SectorSize:])
	return nil
}

func (d *RAMDisk) WriteSector(i int64, data []byte) error {
	if i < 0 || i >= d.numSectors {
		return fmt.Errorf("disk: write sector %d of %d: %w", i, d.numSectors, ErrOutOfRange)
	}
	if len(data) > SectorSize {
		return fmt.Errorf("disk: write of %d bytes exceeds sector size %d", len(data), SectorSize)
	}
	sector := d.buf[i*SectorSize : (i+1)*SectorSize]
	n := copy(sector, data)
	for j := n; j < SectorSize; j++ {
		sector[j] = 0
	}
	return nil
}

// WriteTo serializes all sectors in order to w. It carries no state
// between calls, so it can be invoked again after a failed write.
func (d *RAMDisk) WriteTo(w io.Writer) (int64, error) {
	var written int64
	for i := int64(0); i < d.numSectors; i++ {
		n, err := w.Write(d.buf[i*SectorSize : (i+1)*SectorSize])
		written += int64(n)
		if err != nil {
			return written, fmt.Errorf("disk: serializing sector %d: %w", i, err)
		}
	}
	return written, nil
}
