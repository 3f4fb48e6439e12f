// Command mkimg lays out a fresh Glenda disk image: superblock, block
// bitmap, inode bitmap, inode table, and an empty root directory (spec.md
// §6's on-disk format). It replaces the teacher's separate mkfs host tool
// and kernel/chentry.go ELF-entry patcher with one host-side binary,
// following the same plain os.Args CLI shape as the teacher's
// biscuit/src/mkfs/mkfs.go; host errors are printed with fmt.Printf and
// end the run with exit status 1.
//
// Usage: mkimg <output image> [payload]
//
// payload, if given, is a Go source file for a reference userland
// program; mkimg statically checks that its call graph never reaches
// outside the kernel's declared syscall surface and reports the result.
// The payload itself is not written into the image.
package main

import (
	"fmt"
	"os"
	"unsafe"

	"golang.org/x/sys/unix"
	"golang.org/x/tools/go/callgraph"
	"golang.org/x/tools/go/packages"
	"golang.org/x/tools/go/pointer"
	"golang.org/x/tools/go/ssa"
	"golang.org/x/tools/go/ssa/ssautil"

	"glenda/src/fs"
	"glenda/src/limits"
	"glenda/src/mem"
)

// Image layout knobs (spec.md §4.8's "implementation choice" pools sized
// generously for a development image).
const (
	totalBlocks = 16384 // 64MiB image
	totalInodes = 4096
)

const rootInum = 0

func main() {
	if len(os.Args) < 2 {
		fmt.Printf("usage: mkimg <output image> [payload.go]\n")
		os.Exit(1)
	}
	out := os.Args[1]

	if len(os.Args) > 2 {
		if err := checkPayload(os.Args[2]); err != nil {
			fmt.Printf("mkimg: payload call-graph check failed: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("mkimg: payload %s stays within the declared syscall surface\n", os.Args[2])
	}

	if err := writeImage(out); err != nil {
		fmt.Printf("mkimg: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("mkimg: wrote %s (%d blocks, %d inodes)\n", out, totalBlocks, totalInodes)
}

func writeImage(path string) error {
	blockBitmapLen := ceilDiv(totalBlocks, fs.BSIZE*8)
	inodeBitmapLen := ceilDiv(totalInodes, fs.BSIZE*8)
	inodeTableLen := ceilDiv(totalInodes*fs.IRECSIZE, fs.BSIZE)

	blockBitmapStart := 1
	inodeBitmapStart := blockBitmapStart + blockBitmapLen
	inodeTableStart := inodeBitmapStart + inodeBitmapLen
	dataStart := inodeTableStart + inodeTableLen
	if dataStart >= totalBlocks {
		return fmt.Errorf("layout overflow: metadata occupies %d of %d blocks", dataStart, totalBlocks)
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	defer f.Close()

	size := int64(totalBlocks) * fs.BSIZE
	if err := f.Truncate(size); err != nil {
		return fmt.Errorf("truncate %s: %w", path, err)
	}

	// mmap the output file directly rather than buffering it in Go heap
	// memory and writing it out at the end: the teacher's own host tools
	// never deal with images this size, but the broader example pack's
	// VM hosts (tinyrange-cc) map guest disk images the same way.
	data, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return fmt.Errorf("mmap %s: %w", path, err)
	}
	defer unix.Munmap(data)

	sbBlock := blockAt(data, 0)
	sb := &fs.Superblock_t{Data: sbBlock}
	sb.SetMagic()
	sb.SetTotalBlocks(uint64(totalBlocks))
	sb.SetNInodes(uint64(totalInodes))
	sb.SetBlockBitmapStart(uint64(blockBitmapStart))
	sb.SetBlockBitmapLen(uint64(blockBitmapLen))
	sb.SetInodeBitmapStart(uint64(inodeBitmapStart))
	sb.SetInodeBitmapLen(uint64(inodeBitmapLen))
	sb.SetInodeTableStart(uint64(inodeTableStart))
	sb.SetInodeTableLen(uint64(inodeTableLen))
	sb.SetDataStart(uint64(dataStart))
	sb.SetRootInode(uint64(rootInum))

	markBitmapBit(data, inodeBitmapStart, rootInum)
	writeRootInode(data, inodeTableStart)

	return unix.Msync(data, unix.MS_SYNC)
}

// blockAt reinterprets the byte at data[n*BSIZE] as a *mem.Bytepg_t, the
// same view fs.Superblock_t and the kernel's buffer cache operate on, so
// mkimg's superblock writes go through the identical field accessors the
// kernel reads back at mount time.
func blockAt(data []byte, n int) *mem.Bytepg_t {
	return (*mem.Bytepg_t)(unsafe.Pointer(&data[n*fs.BSIZE]))
}

func markBitmapBit(data []byte, bitmapStart, bit int) {
	blk := bit / (fs.BSIZE * 8)
	off := bit % (fs.BSIZE * 8)
	byteOff := (bitmapStart+blk)*fs.BSIZE + off/8
	data[byteOff] |= 1 << uint(off%8)
}

// writeRootInode stamps inode record rootInum as an empty directory. The
// record layout (type, size, nlink, NDIRECT direct pointers, one
// indirect pointer, all little-endian) mirrors fs.Dinode_t's accessors
// exactly; mkimg can't construct a fs.Dinode_t directly since its fields
// are unexported, so the byte offsets are reproduced here instead.
func writeRootInode(data []byte, inodeTableStart int) {
	recsPerBlk := fs.BSIZE / fs.IRECSIZE
	blk := inodeTableStart + rootInum/recsPerBlk
	off := (rootInum % recsPerBlk) * fs.IRECSIZE
	base := blk*fs.BSIZE + off

	putu32(data, base+0, uint32(fs.ITypeDirectory))
	putu64(data, base+4, 0) // size
	putu32(data, base+12, 1) // nlink
	for d := 0; d < limits.NDIRECT; d++ {
		putu32(data, base+16+d*4, 0)
	}
	putu32(data, base+16+limits.NDIRECT*4, 0) // indirect
}

func putu32(data []byte, off int, v uint32) {
	data[off] = byte(v)
	data[off+1] = byte(v >> 8)
	data[off+2] = byte(v >> 16)
	data[off+3] = byte(v >> 24)
}

func putu64(data []byte, off int, v uint64) {
	putu32(data, off, uint32(v))
	putu32(data, off+4, uint32(v>>32))
}

func ceilDiv(a, b int) int { return (a + b - 1) / b }

// syscallPackage is the only package a reference userland payload may
// call into besides its own: a stand-in for the trap-frame ABI a real
// freestanding payload crosses via ecall rather than a normal Go call,
// but expressed as an ordinary import so go/pointer's call graph can see
// it during this build-time check (spec.md §6's "unknown numbers return
// -1" invariant, checked here as well as by scall.Dispatch at runtime).
const syscallPackage = "glenda/src/userabi"

// checkPayload loads the Go source at path, builds its SSA form, and
// runs a whole-program pointer/call-graph analysis over it, failing if
// any reachable function lives outside the payload's own package and
// syscallPackage (mirroring the teacher's own use of golang.org/x/tools
// for build-time static checks, per SPEC_FULL.md's domain-stack
// section).
func checkPayload(path string) error {
	cfg := &packages.Config{
		Mode: packages.NeedName | packages.NeedTypes | packages.NeedTypesInfo |
			packages.NeedSyntax | packages.NeedDeps | packages.NeedImports,
	}
	pkgs, err := packages.Load(cfg, "file="+path)
	if err != nil {
		return fmt.Errorf("load %s: %w", path, err)
	}
	if packages.PrintErrors(pkgs) > 0 {
		return fmt.Errorf("%s has type errors", path)
	}

	prog, ssaPkgs := ssautil.AllPackages(pkgs, 0)
	prog.Build()

	var mains []*ssa.Package
	for _, p := range ssaPkgs {
		if p != nil && p.Pkg.Name() == "main" {
			mains = append(mains, p)
		}
	}
	if len(mains) == 0 {
		return fmt.Errorf("%s: no package main found", path)
	}

	result, err := pointer.Analyze(&pointer.Config{
		Mains:          mains,
		BuildCallGraph: true,
	})
	if err != nil {
		return fmt.Errorf("pointer analysis: %w", err)
	}

	payloadPkg := mains[0].Pkg.Path()
	var offenders []string
	seen := map[string]bool{}
	err = callgraph.GraphVisitEdges(result.CallGraph, func(e *callgraph.Edge) error {
		callee := e.Callee.Func
		if callee == nil || callee.Pkg == nil {
			return nil
		}
		p := callee.Pkg.Pkg.Path()
		if p == payloadPkg || p == syscallPackage {
			return nil
		}
		if !seen[callee.String()] {
			seen[callee.String()] = true
			offenders = append(offenders, fmt.Sprintf("%s calls %s", payloadPkg, callee.String()))
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("call graph walk: %w", err)
	}
	if len(offenders) > 0 {
		return fmt.Errorf("payload reaches outside its declared surface: %v", offenders)
	}
	return nil
}
