// mkdisk creates a bootable disk image from a directory tree: the
// bootloader fills the first sectors, and the tree is mirrored into a
// FAT32 partition starting at sector 64.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/pflag"

	"github.com/mkdiskimg/mkdisk/builder"
	"github.com/mkdiskimg/mkdisk/humanize"
	"github.com/mkdiskimg/mkdisk/logger"
)

const version = "0.1.0"

func main() {
	var (
		size       = pflag.StringP("size", "s", "4MiB", "fixed size of the disk image (suffix kb, kib, mb, or mib)")
		out        = pflag.StringP("out", "o", "", "output disk image file (default: <dir> with extension replaced by .disk)")
		bootloader = pflag.StringP("bootloader", "b", "", "bootloader to place in the first few sectors (required)")
		verbose    = pflag.Bool("verbose", false, "enable debug logging")
		help       = pflag.BoolP("help", "h", false, "print this help message")
		printVer   = pflag.BoolP("version", "v", false, "print the version of mkdisk")
	)
	pflag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: mkdisk [options] <dir>\n\nCreates a bootable disk image.\n\nOptions:\n")
		pflag.PrintDefaults()
	}
	pflag.Parse()

	if *help {
		pflag.Usage()
		return
	}
	if *printVer {
		fmt.Println(version)
		return
	}

	logger.SetVerbose(*verbose)
	log := logger.Logger()

	if pflag.NArg() != 1 {
		pflag.Usage()
		os.Exit(2)
	}
	src := pflag.Arg(0)

	if *bootloader == "" {
		log.Fatal("bootloader unspecified: use -b or --bootloader")
	}
	sizeBytes, err := humanize.ParseBytes(*size)
	if err != nil {
		log.Fatalf("invalid --size: %v", err)
	}
	outPath := *out
	if outPath == "" {
		outPath = builder.DefaultOutputPath(src)
	}

	log.Infof("building %s image from %s", humanize.Bytes(uint64(sizeBytes)), src)
	d, err := builder.Build(builder.Config{
		SizeBytes:      sizeBytes,
		SourceDir:      src,
		BootloaderPath: *bootloader,
	})
	if err != nil {
		log.Fatalf("building image: %v", err)
	}
	if err := builder.WriteImage(d, outPath); err != nil {
		log.Fatalf("writing image: %v", err)
	}
	log.Infof("wrote %s", outPath)
}
