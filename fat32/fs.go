package fat32

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strings"

	"github.com/mkdiskimg/mkdisk/disk"
	"github.com/mkdiskimg/mkdisk/mbr"
)

var (
	// ErrDiskFull is returned when not enough free clusters remain.
	ErrDiskFull = errors.New("no free cluster available")

	// ErrExists is returned when a directory entry with the same name
	// already exists in the parent directory.
	ErrExists = errors.New("name already exists")

	// ErrNotFound is returned when a parent path component is missing.
	ErrNotFound = errors.New("no such directory")

	// ErrNotDir is returned when a path component names a file.
	ErrNotDir = errors.New("path component is not a directory")

	// ErrInvalidName is returned for names that do not fit 8.3 form.
	ErrInvalidName = errors.New("name does not fit 8.3 form")
)

const (
	attrReadOnly  = uint8(0x01)
	attrDirectory = uint8(0x10)
	attrArchive   = uint8(0x20)

	dirEntrySize = 32

	// deletedMarker in an entry's first name byte means the slot is free;
	// a zero first byte additionally means all following slots are free.
	deletedMarker = 0xE5

	// epochDate is 1980-01-01 in FAT date encoding, used for every
	// timestamp field so that image bytes depend only on the input tree.
	epochDate = uint16(0x0021)
)

// A FileSystem is a mounted FAT32 volume. It is the sole mutator of the
// FAT and directory structures of its partition and must not be used
// concurrently.
type FileSystem struct {
	dev disk.Device
	p   *params

	// nextFree is the first-fit scan cursor: allocation resumes after
	// the most recently allocated cluster.
	nextFree uint32
}

// Mount decodes the partition in the given slot and validates the boot
// sector written by Format. The returned FileSystem accepts any sequence
// of Mkdir and WriteFile calls; there is no close operation, persistence
// happens by serializing the underlying disk afterwards.
func Mount(dev disk.Device, slot int) (*FileSystem, error) {
	part, err := mbr.GetPartition(dev, slot)
	if err != nil {
		return nil, err
	}
	var sector [disk.SectorSize]byte
	if err := part.ReadSector(0, sector[:]); err != nil {
		return nil, err
	}
	p, err := decodeBootSector(sector[:])
	if err != nil {
		return nil, err
	}
	if p.clusterCount < 1 {
		return nil, fmt.Errorf("fat32: volume has no data clusters: %w", ErrNotFAT32)
	}
	return &FileSystem{
		dev:      part,
		p:        p,
		nextFree: rootCluster + 1,
	}, nil
}

// ClusterSize returns the allocation unit of the volume in bytes.
func (fs *FileSystem) ClusterSize() int { return fs.p.clusterBytes() }

// FreeClusters counts the unallocated clusters remaining on the volume.
func (fs *FileSystem) FreeClusters() (uint32, error) {
	var free uint32
	for n := uint32(rootCluster); n <= fs.maxCluster(); n++ {
		val, err := fs.fatEntry(n)
		if err != nil {
			return 0, err
		}
		if val == 0 {
			free++
		}
	}
	return free, nil
}

// Mkdir creates a directory with the given full path, e.g.
// Mkdir("usr/share/lib"). Missing intermediate directories are created
// along the way; an entry already occupying the final component is a
// collision, even when it is itself a directory.
func (fs *FileSystem) Mkdir(path string) error {
	var components []string
	for _, c := range strings.Split(path, "/") {
		if c != "" {
			components = append(components, c)
		}
	}
	if len(components) == 0 {
		return fmt.Errorf("fat32: mkdir %q: %w", path, ErrInvalidName)
	}

	cur := uint32(rootCluster)
	for i, component := range components {
		name, err := encodeName(component)
		if err != nil {
			return fmt.Errorf("fat32: mkdir %q: %w", path, err)
		}
		e, found, err := fs.lookup(cur, name)
		if err != nil {
			return err
		}
		if found {
			if i == len(components)-1 {
				return fmt.Errorf("fat32: mkdir %q: %w", path, ErrExists)
			}
			if e.attr&attrDirectory == 0 {
				return fmt.Errorf("fat32: mkdir %q: component %q: %w", path, component, ErrNotDir)
			}
			cur = e.first
			continue
		}
		cur, err = fs.createDir(cur, name)
		if err != nil {
			return fmt.Errorf("fat32: mkdir %q: %w", path, err)
		}
	}
	return nil
}

// WriteFile creates a file with the given full path and contents. The
// parent directory must already exist. On failure, any clusters
// allocated for the file are released again, leaving previously written
// entries intact.
func (fs *FileSystem) WriteFile(path string, data []byte) error {
	dir, base, err := fs.resolveParent(path)
	if err != nil {
		return fmt.Errorf("fat32: write %q: %w", path, err)
	}
	name, err := encodeName(base)
	if err != nil {
		return fmt.Errorf("fat32: write %q: %w", path, err)
	}
	if _, found, err := fs.lookup(dir, name); err != nil {
		return err
	} else if found {
		return fmt.Errorf("fat32: write %q: %w", path, ErrExists)
	}

	cb := fs.p.clusterBytes()
	needed := (len(data) + cb - 1) / cb

	// A zero-length file owns no chain; its entry records cluster 0.
	var first uint32
	if needed > 0 {
		clusters, err := fs.allocate(needed)
		if err != nil {
			return fmt.Errorf("fat32: write %q: %w", path, err)
		}
		for i, cl := range clusters {
			next := endOfChain
			if i+1 < len(clusters) {
				next = clusters[i+1]
			}
			if err := fs.setFATEntry(cl, next); err != nil {
				return err
			}
			end := (i + 1) * cb
			if end > len(data) {
				end = len(data)
			}
			if err := fs.writeCluster(cl, data[i*cb:end]); err != nil {
				return err
			}
		}
		first = clusters[0]

		e := dirEntry{name: name, attr: attrArchive, first: first, size: uint32(len(data))}
		if err := fs.addEntry(dir, e.encode()); err != nil {
			fs.release(clusters)
			return fmt.Errorf("fat32: write %q: %w", path, err)
		}
		return nil
	}

	e := dirEntry{name: name, attr: attrArchive}
	if err := fs.addEntry(dir, e.encode()); err != nil {
		return fmt.Errorf("fat32: write %q: %w", path, err)
	}
	return nil
}

// resolveParent resolves all but the last component of path to a
// directory cluster and returns it together with the final component.
func (fs *FileSystem) resolveParent(path string) (uint32, string, error) {
	var components []string
	for _, c := range strings.Split(path, "/") {
		if c != "" {
			components = append(components, c)
		}
	}
	if len(components) == 0 {
		return 0, "", ErrInvalidName
	}

	cur := uint32(rootCluster)
	for _, component := range components[:len(components)-1] {
		name, err := encodeName(component)
		if err != nil {
			return 0, "", err
		}
		e, found, err := fs.lookup(cur, name)
		if err != nil {
			return 0, "", err
		}
		if !found {
			return 0, "", fmt.Errorf("component %q: %w", component, ErrNotFound)
		}
		if e.attr&attrDirectory == 0 {
			return 0, "", fmt.Errorf("component %q: %w", component, ErrNotDir)
		}
		cur = e.first
	}
	return cur, components[len(components)-1], nil
}

// createDir allocates a one-cluster directory containing its dot
// entries and links it into the parent. On failure the cluster is
// released again.
func (fs *FileSystem) createDir(parent uint32, name [11]byte) (uint32, error) {
	clusters, err := fs.allocate(1)
	if err != nil {
		return 0, err
	}
	cl := clusters[0]
	if err := fs.setFATEntry(cl, endOfChain); err != nil {
		return 0, err
	}

	// "." refers to the new directory itself, ".." to the parent, with
	// the root directory conventionally recorded as cluster 0. Both are
	// plain cluster numbers, not references.
	dotdot := parent
	if dotdot == rootCluster {
		dotdot = 0
	}
	dot := dirEntry{name: dotName, attr: attrDirectory, first: cl}
	up := dirEntry{name: dotdotName, attr: attrDirectory, first: dotdot}

	buf := make([]byte, fs.p.clusterBytes())
	de := dot.encode()
	copy(buf[0:], de[:])
	de = up.encode()
	copy(buf[dirEntrySize:], de[:])
	if err := fs.writeCluster(cl, buf); err != nil {
		return 0, err
	}

	e := dirEntry{name: name, attr: attrDirectory, first: cl}
	if err := fs.addEntry(parent, e.encode()); err != nil {
		fs.release(clusters)
		return 0, err
	}
	return cl, nil
}

var (
	dotName    = [11]byte{'.', ' ', ' ', ' ', ' ', ' ', ' ', ' ', ' ', ' ', ' '}
	dotdotName = [11]byte{'.', '.', ' ', ' ', ' ', ' ', ' ', ' ', ' ', ' ', ' '}
)

// maxCluster returns the highest valid cluster number on the volume.
func (fs *FileSystem) maxCluster() uint32 {
	return fs.p.clusterCount + rootCluster - 1
}

// allocate returns n free clusters found by a first-fit scan starting
// at the cursor, wrapping around once. The FAT itself is not modified;
// on ErrDiskFull no allocation state changes at all.
func (fs *FileSystem) allocate(n int) ([]uint32, error) {
	clusters := make([]uint32, 0, n)
	start := fs.nextFree
	if start < rootCluster || start > fs.maxCluster() {
		start = rootCluster
	}
	for i := uint32(0); i < fs.p.clusterCount && len(clusters) < n; i++ {
		candidate := start + i
		if candidate > fs.maxCluster() {
			candidate -= fs.p.clusterCount
		}
		val, err := fs.fatEntry(candidate)
		if err != nil {
			return nil, err
		}
		if val == 0 {
			clusters = append(clusters, candidate)
		}
	}
	if len(clusters) < n {
		return nil, fmt.Errorf("%d clusters needed: %w", n, ErrDiskFull)
	}
	fs.nextFree = clusters[len(clusters)-1] + 1
	return clusters, nil
}

// release marks the given clusters free again after a failed operation.
func (fs *FileSystem) release(clusters []uint32) {
	for _, cl := range clusters {
		// The FAT sectors were writable moments ago; nothing to do about
		// an error here beyond leaving the clusters leaked.
		_ = fs.setFATEntry(cl, 0)
	}
}

// fatEntry reads the 28-bit FAT entry for cluster n from the first FAT.
func (fs *FileSystem) fatEntry(n uint32) (uint32, error) {
	var sector [disk.SectorSize]byte
	idx := int64(fs.p.reserved) + int64(n)*4/disk.SectorSize
	if err := fs.dev.ReadSector(idx, sector[:]); err != nil {
		return 0, err
	}
	off := int(n) * 4 % disk.SectorSize
	return binary.LittleEndian.Uint32(sector[off:]) & entryMask, nil
}

// setFATEntry writes the FAT entry for cluster n to every FAT copy.
func (fs *FileSystem) setFATEntry(n, val uint32) error {
	relative := int64(n) * 4 / disk.SectorSize
	off := int(n) * 4 % disk.SectorSize
	var sector [disk.SectorSize]byte
	for c := int64(0); c < int64(fs.p.fats); c++ {
		idx := int64(fs.p.reserved) + c*int64(fs.p.sectorsPerFAT) + relative
		if err := fs.dev.ReadSector(idx, sector[:]); err != nil {
			return err
		}
		binary.LittleEndian.PutUint32(sector[off:], val&entryMask)
		if err := fs.dev.WriteSector(idx, sector[:]); err != nil {
			return err
		}
	}
	return nil
}

// chain follows a cluster chain from start to its end-of-chain marker.
func (fs *FileSystem) chain(start uint32) ([]uint32, error) {
	var clusters []uint32
	n := start
	for {
		clusters = append(clusters, n)
		next, err := fs.fatEntry(n)
		if err != nil {
			return nil, err
		}
		if next >= eocMin {
			return clusters, nil
		}
		if next < rootCluster || next > fs.maxCluster() || uint32(len(clusters)) > fs.p.clusterCount {
			return nil, fmt.Errorf("fat32: corrupt cluster chain at cluster %d (next %#x)", n, next)
		}
		n = next
	}
}

// readCluster reads cluster n into buf, which must hold ClusterSize bytes.
func (fs *FileSystem) readCluster(n uint32, buf []byte) error {
	base := fs.p.clusterSector(n)
	for i := int64(0); i < int64(fs.p.sectorsPerCluster); i++ {
		if err := fs.dev.ReadSector(base+i, buf[i*disk.SectorSize:(i+1)*disk.SectorSize]); err != nil {
			return err
		}
	}
	return nil
}

// writeCluster writes data into cluster n, zero-padding the tail.
func (fs *FileSystem) writeCluster(n uint32, data []byte) error {
	base := fs.p.clusterSector(n)
	for i := int64(0); i < int64(fs.p.sectorsPerCluster); i++ {
		var chunk []byte
		lo := int(i) * disk.SectorSize
		if lo < len(data) {
			hi := lo + disk.SectorSize
			if hi > len(data) {
				hi = len(data)
			}
			chunk = data[lo:hi]
		}
		// WriteSector zeroes the remainder of a short sector.
		if err := fs.dev.WriteSector(base+i, chunk); err != nil {
			return err
		}
	}
	return nil
}

// lookup scans the directory chain starting at dir for an entry with
// the given encoded name.
func (fs *FileSystem) lookup(dir uint32, name [11]byte) (dirEntry, bool, error) {
	clusters, err := fs.chain(dir)
	if err != nil {
		return dirEntry{}, false, err
	}
	buf := make([]byte, fs.p.clusterBytes())
	for _, cl := range clusters {
		if err := fs.readCluster(cl, buf); err != nil {
			return dirEntry{}, false, err
		}
		for off := 0; off < len(buf); off += dirEntrySize {
			slot := buf[off : off+dirEntrySize]
			if slot[0] == 0 {
				return dirEntry{}, false, nil
			}
			if slot[0] == deletedMarker {
				continue
			}
			e := decodeDirEntry(slot)
			if e.name == name {
				return e, true, nil
			}
		}
	}
	return dirEntry{}, false, nil
}

// addEntry appends a directory entry to the chain starting at dir,
// extending the directory by one cluster when no free slot remains.
func (fs *FileSystem) addEntry(dir uint32, raw [dirEntrySize]byte) error {
	clusters, err := fs.chain(dir)
	if err != nil {
		return err
	}
	buf := make([]byte, fs.p.clusterBytes())
	for _, cl := range clusters {
		if err := fs.readCluster(cl, buf); err != nil {
			return err
		}
		for off := 0; off < len(buf); off += dirEntrySize {
			if buf[off] != 0 && buf[off] != deletedMarker {
				continue
			}
			copy(buf[off:], raw[:])
			return fs.writeCluster(cl, buf)
		}
	}

	// Directory is full: grow the chain by one zeroed cluster.
	grown, err := fs.allocate(1)
	if err != nil {
		return err
	}
	cl := grown[0]
	if err := fs.setFATEntry(cl, endOfChain); err != nil {
		return err
	}
	for i := range buf {
		buf[i] = 0
	}
	copy(buf[0:], raw[:])
	if err := fs.writeCluster(cl, buf); err != nil {
		return err
	}
	return fs.setFATEntry(clusters[len(clusters)-1], cl)
}

// A dirEntry is the in-memory form of one 32-byte directory record.
type dirEntry struct {
	name  [11]byte
	attr  uint8
	first uint32
	size  uint32
}

func (e *dirEntry) encode() [dirEntrySize]byte {
	var b [dirEntrySize]byte
	copy(b[:11], e.name[:])
	b[11] = e.attr
	binary.LittleEndian.PutUint16(b[16:], epochDate) // creation date
	binary.LittleEndian.PutUint16(b[18:], epochDate) // access date
	binary.LittleEndian.PutUint16(b[20:], uint16(e.first>>16))
	binary.LittleEndian.PutUint16(b[24:], epochDate) // write date
	binary.LittleEndian.PutUint16(b[26:], uint16(e.first))
	binary.LittleEndian.PutUint32(b[28:], e.size)
	return b
}

func decodeDirEntry(b []byte) dirEntry {
	var e dirEntry
	copy(e.name[:], b[:11])
	e.attr = b[11]
	e.first = uint32(binary.LittleEndian.Uint16(b[20:]))<<16 |
		uint32(binary.LittleEndian.Uint16(b[26:]))
	e.size = binary.LittleEndian.Uint32(b[28:])
	return e
}

// encodeName converts a path component into upper-case 8.3 form.
func encodeName(component string) ([11]byte, error) {
	name := [11]byte{' ', ' ', ' ', ' ', ' ', ' ', ' ', ' ', ' ', ' ', ' '}
	base, ext := component, ""
	if idx := strings.LastIndexByte(component, '.'); idx > 0 {
		base, ext = component[:idx], component[idx+1:]
	}
	if base == "" || base[0] == '.' || len(base) > 8 || len(ext) > 3 {
		return name, fmt.Errorf("%q: %w", component, ErrInvalidName)
	}
	for i := 0; i < len(base); i++ {
		name[i] = upper(base[i])
	}
	for i := 0; i < len(ext); i++ {
		name[8+i] = upper(ext[i])
	}
	return name, nil
}

func upper(c byte) byte {
	if c >= 'a' && c <= 'z' {
		return c - 'a' + 'A'
	}
	return c
}
