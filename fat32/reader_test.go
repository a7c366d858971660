package fat32

import (
	"encoding/binary"
	"fmt"
	"strings"
	"testing"

	"github.com/mkdiskimg/mkdisk/disk"
)

// testVolume re-reads a FAT32 volume using nothing but raw sector reads
// and its own offset arithmetic, so that writer bugs cannot cancel out
// against reader bugs.
type testVolume struct {
	t *testing.T

	dev disk.Device

	sectorsPerCluster int64
	reserved          int64
	fats              int64
	sectorsPerFAT     int64
	rootCluster       uint32
}

type testEntry struct {
	name  string
	dir   bool
	first uint32
	size  uint32
}

func parseVolume(t *testing.T, dev disk.Device) *testVolume {
	t.Helper()

	bs := make([]byte, disk.SectorSize)
	if err := dev.ReadSector(0, bs); err != nil {
		t.Fatal(err)
	}
	if bs[510] != 0x55 || bs[511] != 0xAA {
		t.Fatal("boot sector signature missing")
	}
	if got := binary.LittleEndian.Uint16(bs[11:13]); got != 512 {
		t.Fatalf("bytes per sector: got %d, want 512", got)
	}
	v := &testVolume{
		t:                 t,
		dev:               dev,
		sectorsPerCluster: int64(bs[13]),
		reserved:          int64(binary.LittleEndian.Uint16(bs[14:16])),
		fats:              int64(bs[16]),
		sectorsPerFAT:     int64(binary.LittleEndian.Uint32(bs[36:40])),
		rootCluster:       binary.LittleEndian.Uint32(bs[44:48]),
	}
	if v.sectorsPerCluster == 0 || v.reserved == 0 || v.fats == 0 || v.sectorsPerFAT == 0 {
		t.Fatalf("implausible geometry: %+v", v)
	}
	return v
}

func (v *testVolume) fat(n uint32) uint32 {
	buf := make([]byte, disk.SectorSize)
	if err := v.dev.ReadSector(v.reserved+int64(n)*4/disk.SectorSize, buf); err != nil {
		v.t.Fatal(err)
	}
	return binary.LittleEndian.Uint32(buf[int(n)*4%disk.SectorSize:]) & 0x0FFFFFFF
}

func (v *testVolume) readClusterRaw(n uint32) []byte {
	base := v.reserved + v.fats*v.sectorsPerFAT + int64(n-2)*v.sectorsPerCluster
	buf := make([]byte, v.sectorsPerCluster*disk.SectorSize)
	for i := int64(0); i < v.sectorsPerCluster; i++ {
		if err := v.dev.ReadSector(base+i, buf[i*disk.SectorSize:(i+1)*disk.SectorSize]); err != nil {
			v.t.Fatal(err)
		}
	}
	return buf
}

// chainData concatenates the clusters of the chain starting at first,
// failing the test on cycles.
func (v *testVolume) chainData(first uint32) []byte {
	var data []byte
	seen := make(map[uint32]bool)
	for n := first; ; {
		if seen[n] {
			v.t.Fatalf("cluster chain cycles at %d", n)
		}
		seen[n] = true
		data = append(data, v.readClusterRaw(n)...)
		next := v.fat(n)
		if next >= 0x0FFFFFF8 {
			return data
		}
		if next < 2 {
			v.t.Fatalf("chain broken at cluster %d: next %#x", n, next)
		}
		n = next
	}
}

// listDir decodes the 8.3 entries of the directory chain at cluster n.
func (v *testVolume) listDir(n uint32) map[string]testEntry {
	entries := make(map[string]testEntry)
	for _, raw := range splitEntries(v.chainData(n)) {
		if raw[0] == 0x00 {
			break
		}
		if raw[0] == 0xE5 || raw[11]&0x08 != 0 { // freed or volume label
			continue
		}
		base := strings.TrimRight(string(raw[0:8]), " ")
		ext := strings.TrimRight(string(raw[8:11]), " ")
		name := base
		if ext != "" {
			name = base + "." + ext
		}
		entries[name] = testEntry{
			name:  name,
			dir:   raw[11]&0x10 != 0,
			first: uint32(binary.LittleEndian.Uint16(raw[20:]))<<16 | uint32(binary.LittleEndian.Uint16(raw[26:])),
			size:  binary.LittleEndian.Uint32(raw[28:]),
		}
	}
	return entries
}

func splitEntries(data []byte) [][]byte {
	var out [][]byte
	for off := 0; off+32 <= len(data); off += 32 {
		out = append(out, data[off:off+32])
	}
	return out
}

// lookupPath resolves an upper-case path like "A/B/HELLO.TXT".
func (v *testVolume) lookupPath(path string) (testEntry, error) {
	cur := v.rootCluster
	components := strings.Split(path, "/")
	for i, component := range components {
		e, ok := v.listDir(cur)[component]
		if !ok {
			return testEntry{}, fmt.Errorf("%q not found in cluster %d", component, cur)
		}
		if i == len(components)-1 {
			return e, nil
		}
		if !e.dir {
			return testEntry{}, fmt.Errorf("%q is not a directory", component)
		}
		cur = e.first
	}
	return testEntry{}, fmt.Errorf("empty path")
}

// readFile returns the contents of the file at path.
func (v *testVolume) readFile(path string) ([]byte, error) {
	e, err := v.lookupPath(path)
	if err != nil {
		return nil, err
	}
	if e.dir {
		return nil, fmt.Errorf("%q is a directory", path)
	}
	if e.size == 0 {
		if e.first != 0 {
			return nil, fmt.Errorf("empty file %q has first cluster %d", path, e.first)
		}
		return nil, nil
	}
	data := v.chainData(e.first)
	if int(e.size) > len(data) {
		return nil, fmt.Errorf("%q records %d bytes but chain holds %d", path, e.size, len(data))
	}
	return data[:e.size], nil
}
