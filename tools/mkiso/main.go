// Command mkiso packs the kernel image and the GRUB El Torito loader into a
// bootable ISO9660 image.
package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path"

	diskfs "github.com/diskfs/go-diskfs"
	"github.com/diskfs/go-diskfs/disk"
	"github.com/diskfs/go-diskfs/filesystem"
	"github.com/diskfs/go-diskfs/filesystem/iso9660"
)

const (
	blockSize = diskfs.SectorSize(2048)

	// extraSpace is added to the size of the copied files to leave room
	// for the volume descriptors, directory records and boot catalog.
	extraSpace = 1 << 20

	kernelDst   = "/boot/kernel.bin"
	grubCfgDst  = "/boot/grub/grub.cfg"
	bootImgDst  = "/boot/grub/i386-pc/eltorito.img"
	bootCatalog = "boot.cat"
)

var errMissingFlag = errors.New("the -kernel, -grub-cfg and -boot-image flags are required")

type isoConfig struct {
	kernel    string
	grubCfg   string
	bootImage string
	out       string
	volume    string
}

type isoFile struct {
	src, dst string
}

func (cfg isoConfig) files() []isoFile {
	return []isoFile{
		{cfg.kernel, kernelDst},
		{cfg.grubCfg, grubCfgDst},
		{cfg.bootImage, bootImgDst},
	}
}

// imageSize returns the size of the disk image required to hold files,
// rounded up to a whole number of blocks.
func imageSize(files []isoFile) (int64, error) {
	size := int64(extraSpace)
	for _, f := range files {
		info, err := os.Stat(f.src)
		if err != nil {
			return 0, err
		}

		size += info.Size()
	}

	bs := int64(blockSize)
	return (size + bs - 1) / bs * bs, nil
}

func copyFile(fs filesystem.FileSystem, f isoFile) error {
	if err := fs.Mkdir(path.Dir(f.dst)); err != nil {
		return err
	}

	src, err := os.Open(f.src)
	if err != nil {
		return err
	}
	defer src.Close()

	dst, err := fs.OpenFile(f.dst, os.O_CREATE|os.O_RDWR)
	if err != nil {
		return err
	}
	defer dst.Close()

	_, err = io.Copy(dst, src)
	return err
}

func buildISO(cfg isoConfig) error {
	if cfg.kernel == "" || cfg.grubCfg == "" || cfg.bootImage == "" {
		return errMissingFlag
	}

	files := cfg.files()
	size, err := imageSize(files)
	if err != nil {
		return err
	}

	if err = os.Remove(cfg.out); err != nil && !os.IsNotExist(err) {
		return err
	}

	img, err := diskfs.Create(cfg.out, size, diskfs.Raw, blockSize)
	if err != nil {
		return err
	}

	fs, err := img.CreateFilesystem(disk.FilesystemSpec{
		Partition:   0,
		FSType:      filesystem.TypeISO9660,
		VolumeLabel: cfg.volume,
	})
	if err != nil {
		return err
	}

	for _, f := range files {
		if err = copyFile(fs, f); err != nil {
			return fmt.Errorf("copying %s: %w", f.src, err)
		}
	}

	iso, ok := fs.(*iso9660.FileSystem)
	if !ok {
		return fmt.Errorf("unexpected filesystem type %T", fs)
	}

	return iso.Finalize(iso9660.FinalizeOptions{
		VolumeIdentifier: cfg.volume,
		RockRidge:        true,
		ElTorito: &iso9660.ElTorito{
			BootCatalog: bootCatalog,
			Entries: []*iso9660.ElToritoEntry{
				{
					Platform:  iso9660.BIOS,
					Emulation: iso9660.NoEmulation,
					BootFile:  bootImgDst,
					BootTable: true,
					LoadSize:  4,
				},
			},
		},
	})
}

func exit(err error) {
	fmt.Fprintf(os.Stderr, "[mkiso] error: %s\n", err.Error())
	os.Exit(1)
}

func main() {
	var cfg isoConfig
	flag.StringVar(&cfg.kernel, "kernel", "", "the kernel ELF image to boot")
	flag.StringVar(&cfg.grubCfg, "grub-cfg", "", "the GRUB configuration file")
	flag.StringVar(&cfg.bootImage, "boot-image", "", "the GRUB El Torito boot image (eltorito.img)")
	flag.StringVar(&cfg.out, "out", "kernel.iso", "the ISO image to create")
	flag.StringVar(&cfg.volume, "volume", "GOKERN", "the ISO volume identifier")
	flag.Parse()

	if err := buildISO(cfg); err != nil {
		exit(err)
	}
}
