// Package fatfs implements a portable FAT12/FAT16/FAT32 filesystem engine for
// block-addressable storage on resource-constrained systems.
//
// The package is split so that each concern can be swapped out independently:
//
//   - fatfs (this package) carries the error vocabulary, access flags, build
//     options, and the FAT date/time codec shared by everything else.
//   - fatfs/blockdev defines the block device interface (BDI) the engine is
//     built on top of.
//   - fatfs/memblock and fatfs/sdspi are two BDI implementations: an
//     in-memory one for tests and tools, and a real SD-over-SPI driver.
//   - fatfs/fat is the filesystem engine itself: volumes, cluster chains,
//     directories, and files.
//   - fatfs/sched is the cooperative tick-driven scheduler that lets async
//     I/O make progress without an OS or goroutines.
//   - fatfs/volmgr is a thin label-to-device registry.
package fatfs
