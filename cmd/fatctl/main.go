// Command fatctl is a thin smoke-test harness around the fatfs module: it
// formats, mounts, lists, reads, and writes FAT volumes stored in a plain
// disk image file. It is not part of the engine itself.
package main

import (
	"fmt"
	"log"
	"os"
	"strconv"

	"github.com/kesari/fatfs"
	"github.com/kesari/fatfs/blockdev/cache"
	"github.com/kesari/fatfs/fat"
	"github.com/kesari/fatfs/memblock"
	"github.com/urfave/cli/v2"
)

const defaultSectorSize = 512

func main() {
	app := cli.App{
		Name:  "fatctl",
		Usage: "Inspect and manipulate FAT12/16/32 disk images",
		Commands: []*cli.Command{
			{
				Name:      "format",
				Usage:     "Create or wipe a disk image",
				Action:    formatImage,
				ArgsUsage: "IMAGE_FILE SIZE_MIB VARIANT [LABEL]",
			},
			{
				Name:      "ls",
				Usage:     "List a directory",
				Action:    listDirectory,
				ArgsUsage: "IMAGE_FILE [PATH]",
			},
			{
				Name:      "cat",
				Usage:     "Print a file's contents to stdout",
				Action:    catFile,
				ArgsUsage: "IMAGE_FILE PATH",
			},
			{
				Name:      "put",
				Usage:     "Copy a host file into the image",
				Action:    putFile,
				ArgsUsage: "IMAGE_FILE HOST_FILE DEST_PATH",
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatalf("fatal error: %s", err.Error())
	}
}

func openImageDevice(path string) (*os.File, *memblock.Device, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		return nil, nil, err
	}
	stat, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, nil, err
	}
	totalSectors := uint64(stat.Size()) / defaultSectorSize
	dev := memblock.New(path, f, defaultSectorSize, totalSectors, 1)
	return f, dev, nil
}

func formatImage(c *cli.Context) error {
	if c.Args().Len() < 3 {
		return fmt.Errorf("usage: fatctl format IMAGE_FILE SIZE_MIB VARIANT [LABEL]")
	}
	path := c.Args().Get(0)
	sizeMiB, err := strconv.ParseInt(c.Args().Get(1), 10, 64)
	if err != nil {
		return fmt.Errorf("invalid size: %w", err)
	}
	variant, err := parseVariant(c.Args().Get(2))
	if err != nil {
		return err
	}
	label := ""
	if c.Args().Len() > 3 {
		label = c.Args().Get(3)
	}

	totalBytes := sizeMiB * 1024 * 1024
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	if err := f.Truncate(totalBytes); err != nil {
		return err
	}

	dev := memblock.New(path, f, defaultSectorSize, uint64(totalBytes)/defaultSectorSize, 1)
	return fat.Format(dev, fat.FormatOptions{Variant: variant, Label: label})
}

func parseVariant(s string) (fatfs.Variant, error) {
	switch s {
	case "FAT12", "fat12", "12":
		return fatfs.FAT12, nil
	case "FAT16", "fat16", "16":
		return fatfs.FAT16, nil
	case "FAT32", "fat32", "32":
		return fatfs.FAT32, nil
	default:
		return 0, fmt.Errorf("unknown variant %q", s)
	}
}

func listDirectory(c *cli.Context) error {
	if c.Args().Len() < 1 {
		return fmt.Errorf("usage: fatctl ls IMAGE_FILE [PATH]")
	}
	f, dev, err := openImageDevice(c.Args().Get(0))
	if err != nil {
		return err
	}
	defer f.Close()

	vol, err := fat.Mount(dev, fatfs.DefaultOptions())
	if err != nil {
		return err
	}

	path := ""
	if c.Args().Len() > 1 {
		path = c.Args().Get(1)
	}

	q, err := vol.FindFirst(path, 0)
	if err != nil {
		return err
	}
	defer q.FindClose()

	for {
		entry, ok, err := q.FindNext()
		if err != nil {
			return err
		}
		if !ok {
			break
		}
		kind := "F"
		if entry.IsDirectory() {
			kind = "D"
		}
		fmt.Printf("%s %8d %s\n", kind, entry.Size, entry.Name())
	}
	return vol.Dismount()
}

func catFile(c *cli.Context) error {
	if c.Args().Len() < 2 {
		return fmt.Errorf("usage: fatctl cat IMAGE_FILE PATH")
	}
	f, dev, err := openImageDevice(c.Args().Get(0))
	if err != nil {
		return err
	}
	defer f.Close()

	cached := cache.New(dev)
	vol, err := fat.Mount(cached, fatfs.DefaultOptions())
	if err != nil {
		return err
	}

	handle, err := vol.Open(c.Args().Get(1), fatfs.Read)
	if err != nil {
		return err
	}

	buf := make([]byte, defaultSectorSize)
	for {
		n, err := handle.Read(buf)
		if n > 0 {
			os.Stdout.Write(buf[:n])
		}
		if err != nil || n == 0 {
			break
		}
	}
	if err := handle.Close(); err != nil {
		return err
	}
	if err := vol.Dismount(); err != nil {
		return err
	}
	return nil
}

func putFile(c *cli.Context) error {
	if c.Args().Len() < 3 {
		return fmt.Errorf("usage: fatctl put IMAGE_FILE HOST_FILE DEST_PATH")
	}
	f, dev, err := openImageDevice(c.Args().Get(0))
	if err != nil {
		return err
	}
	defer f.Close()

	cached := cache.New(dev)
	vol, err := fat.Mount(cached, fatfs.DefaultOptions())
	if err != nil {
		return err
	}

	src, err := os.Open(c.Args().Get(1))
	if err != nil {
		return err
	}
	defer src.Close()

	handle, err := vol.Open(c.Args().Get(2), fatfs.Create|fatfs.Overwrite|fatfs.Write)
	if err != nil {
		return err
	}

	buf := make([]byte, defaultSectorSize)
	for {
		n, readErr := src.Read(buf)
		if n > 0 {
			if _, err := handle.Write(buf[:n]); err != nil {
				return err
			}
		}
		if readErr != nil {
			break
		}
	}

	if err := handle.Close(); err != nil {
		return err
	}
	if err := vol.Dismount(); err != nil {
		return err
	}
	return cached.Flush()
}
