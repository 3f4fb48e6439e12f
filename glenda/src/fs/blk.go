// Package fs implements the on-disk filesystem substrate named in
// spec.md's component table: block device transport, buffer cache,
// bitmap allocators, inodes, directories, and path resolution.
package fs

import (
	"glenda/src/defs"
	"glenda/src/mem"
)

// / BSIZE is the size of a disk block in bytes (spec.md §6: "Directory
// / entry size 64 bytes"; BSIZE is the cache/device unit every other
// / on-disk size is expressed in multiples of).
const BSIZE = 4096

// / RootDev is the Buf_t.Dev value every root-filesystem block carries,
// / reusing defs.D_RAWDISK rather than an unlabelled literal 0 (spec.md
// / §2 names exactly one block device: the root disk).
const RootDev = defs.D_RAWDISK

// / Bdevcmd_t enumerates disk request types.
type Bdevcmd_t uint

const (
	BDEV_WRITE Bdevcmd_t = 1 /// write a block
	BDEV_READ  Bdevcmd_t = 2 /// read a block
)

// / Bdev_req_t describes one outstanding block device request. Disk_i
// / implementations service exactly one at a time (spec.md §2's "one
// / outstanding request, polled"), signalling completion on Done.
type Bdev_req_t struct {
	Cmd   Bdevcmd_t
	Block int
	Data  *mem.Bytepg_t
	Done  chan bool
}

// / MkRequest allocates a block request for the given command.
func MkRequest(block int, data *mem.Bytepg_t, cmd Bdevcmd_t) *Bdev_req_t {
	return &Bdev_req_t{Cmd: cmd, Block: block, Data: data, Done: make(chan bool, 1)}
}

// / Disk_i is the block device transport's kernel-facing contract: start
// / a request, block until it completes. A real driver polls its MMIO
// / registers inside Start rather than handling a completion interrupt,
// / matching spec.md §2's "minimal MMIO block transport".
type Disk_i interface {
	Start(*Bdev_req_t)
}
