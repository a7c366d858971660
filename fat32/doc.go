// Package fat32 implements formatting and populating FAT32 file systems
// on a sector-addressable device, which is useful when generating
// bootable disk images.
//
// Format lays down the boot sector, FSInfo, the file allocation tables
// and an empty root directory. Mount returns a FileSystem whose Mkdir
// and WriteFile operations allocate clusters and maintain directory
// entries in place.
//
// Filenames are restricted to 8 characters + 3 characters for the file
// extension; long (VFAT) names are not supported. Cluster allocation is
// a first-fit linear scan from the previous allocation point, so a fixed
// sequence of operations always produces identical image bytes.
package fat32
