package fs

import (
	"runtime"
	"testing"
	"unsafe"

	"glenda/src/limits"
	"glenda/src/mem"
)

// fakeDisk is an in-memory Disk_i backing a small test filesystem image;
// Start loops back synchronously instead of polling real MMIO registers,
// but otherwise honours the same one-request-at-a-time contract virtio.go's
// VirtioBlk_t does.
type fakeDisk struct {
	blocks [][]byte
}

func newFakeDisk(nblocks int) *fakeDisk {
	d := &fakeDisk{blocks: make([][]byte, nblocks)}
	for i := range d.blocks {
		d.blocks[i] = make([]byte, BSIZE)
	}
	return d
}

func (d *fakeDisk) Start(req *Bdev_req_t) {
	switch req.Cmd {
	case BDEV_READ:
		copy(req.Data[:], d.blocks[req.Block])
	case BDEV_WRITE:
		copy(d.blocks[req.Block], req.Data[:])
	}
	req.Done <- true
}

// physFixture gives the buffer cache's frame allocator real, page-aligned
// host memory to back its pages with (mem.Physmem_t.frame dereferences
// physical addresses directly; see mem/mem_test.go for the same fixture).
func physFixture(t *testing.T, npages int) []byte {
	t.Helper()
	buf := make([]byte, (npages+1)*mem.PGSIZE)
	base := uintptr(unsafe.Pointer(&buf[0]))
	aligned := (base + uintptr(mem.PGSIZE) - 1) &^ (uintptr(mem.PGSIZE) - 1)
	start := mem.Pa_t(aligned)
	mem.Phys_init(start, start+mem.Pa_t(npages*mem.PGSIZE))
	return buf
}

const (
	testTotalBlocks = 40
	testTotalInodes = 16
)

// formatTestImage lays out a minimal valid image on d, following the same
// layout cmd/mkimg writes: superblock, block bitmap, inode bitmap, inode
// table, data, with inode 0 pre-allocated as an empty root directory.
func formatTestImage(d *fakeDisk) {
	blockBitmapLen := 1
	inodeBitmapLen := 1
	inodeTableLen := 1
	blockBitmapStart := 1
	inodeBitmapStart := blockBitmapStart + blockBitmapLen
	inodeTableStart := inodeBitmapStart + inodeBitmapLen
	dataStart := inodeTableStart + inodeTableLen

	var sbPage mem.Bytepg_t
	sb := &Superblock_t{Data: &sbPage}
	sb.SetMagic()
	sb.SetTotalBlocks(testTotalBlocks)
	sb.SetNInodes(testTotalInodes)
	sb.SetBlockBitmapStart(uint64(blockBitmapStart))
	sb.SetBlockBitmapLen(uint64(blockBitmapLen))
	sb.SetInodeBitmapStart(uint64(inodeBitmapStart))
	sb.SetInodeBitmapLen(uint64(inodeBitmapLen))
	sb.SetInodeTableStart(uint64(inodeTableStart))
	sb.SetInodeTableLen(uint64(inodeTableLen))
	sb.SetDataStart(uint64(dataStart))
	sb.SetRootInode(0)
	copy(d.blocks[0], sbPage[:])

	d.blocks[inodeBitmapStart][0] |= 1 // inode 0 allocated

	recBase := 0 // inode 0, record 0 of the inode table's first block
	rec := d.blocks[inodeTableStart]
	putLE32(rec[recBase:], uint32(ITypeDirectory))
	putLE64(rec[recBase+4:], 0) // size
	putLE32(rec[recBase+12:], 1) // nlink
	for i := 0; i < limits.NDIRECT; i++ {
		putLE32(rec[recBase+16+i*4:], 0)
	}
	putLE32(rec[recBase+16+limits.NDIRECT*4:], 0) // indirect
}

func putLE32(b []byte, v uint32) {
	b[0], b[1], b[2], b[3] = byte(v), byte(v>>8), byte(v>>16), byte(v>>24)
}

func putLE64(b []byte, v uint64) {
	putLE32(b, uint32(v))
	putLE32(b[4:], uint32(v>>32))
}

func mountTestFs(t *testing.T) (*Fs_t, func()) {
	t.Helper()
	hostBuf := physFixture(t, limits.NBUF+4)
	d := newFakeDisk(testTotalBlocks)
	formatTestImage(d)
	fs := MkFs(d)
	return fs, func() { runtime.KeepAlive(hostBuf) }
}

func TestPrepareRootSeedsDotAndDotDot(t *testing.T) {
	fs, done := mountTestFs(t)
	defer done()

	if err := fs.Prepare_root(); err != 0 {
		t.Fatalf("Prepare_root() = %d, want 0", err)
	}
	if inum, err := fs.Dentry_search(fs.Root(), "."); err != 0 || inum != fs.Root() {
		t.Fatalf(`Dentry_search(root, ".") = (%d, %d), want (%d, 0)`, inum, err, fs.Root())
	}
	if inum, err := fs.Dentry_search(fs.Root(), ".."); err != 0 || inum != fs.Root() {
		t.Fatalf(`Dentry_search(root, "..") = (%d, %d), want (%d, 0)`, inum, err, fs.Root())
	}

	// Re-running Prepare_root on an already-seeded root must be a no-op,
	// not a duplicate-entry error.
	if err := fs.Prepare_root(); err != 0 {
		t.Fatalf("second Prepare_root() = %d, want 0 (idempotent)", err)
	}
}

func TestCreateWriteReadRoundTrip(t *testing.T) {
	fs, done := mountTestFs(t)
	defer done()
	if err := fs.Prepare_root(); err != 0 {
		t.Fatalf("Prepare_root() = %d", err)
	}

	inum, err := fs.Inode_create(ITypeData)
	if err != 0 {
		t.Fatalf("Inode_create() = %d", err)
	}
	if err := fs.Dentry_create(fs.Root(), inum, "hello"); err != 0 {
		t.Fatalf("Dentry_create() = %d", err)
	}

	want := []byte("hello, glenda")
	if n, err := fs.Inode_write_data(inum, 0, want); err != 0 || n != len(want) {
		t.Fatalf("Inode_write_data() = (%d, %d), want (%d, 0)", n, err, len(want))
	}

	got := make([]byte, len(want))
	if n, err := fs.Inode_read_data(inum, 0, got); err != 0 || n != len(want) {
		t.Fatalf("Inode_read_data() = (%d, %d), want (%d, 0)", n, err, len(want))
	}
	if string(got) != string(want) {
		t.Fatalf("read back %q, want %q", got, want)
	}

	if found, err := fs.Path_to_inode("/hello"); err != 0 || found != inum {
		t.Fatalf("Path_to_inode(/hello) = (%d, %d), want (%d, 0)", found, err, inum)
	}
}

func TestDentryCreateRejectsDuplicateName(t *testing.T) {
	fs, done := mountTestFs(t)
	defer done()
	fs.Prepare_root()

	a, _ := fs.Inode_create(ITypeData)
	if err := fs.Dentry_create(fs.Root(), a, "dup"); err != 0 {
		t.Fatalf("first Dentry_create() = %d, want 0", err)
	}
	b, _ := fs.Inode_create(ITypeData)
	if err := fs.Dentry_create(fs.Root(), b, "dup"); err == 0 {
		t.Fatal("second Dentry_create() with the same name should fail, got 0")
	}
}

func TestDentryDeleteThenSearchMisses(t *testing.T) {
	fs, done := mountTestFs(t)
	defer done()
	fs.Prepare_root()

	inum, _ := fs.Inode_create(ITypeData)
	fs.Dentry_create(fs.Root(), inum, "gone")

	deleted, err := fs.Dentry_delete(fs.Root(), "gone")
	if err != 0 || deleted != inum {
		t.Fatalf("Dentry_delete() = (%d, %d), want (%d, 0)", deleted, err, inum)
	}
	if _, err := fs.Dentry_search(fs.Root(), "gone"); err == 0 {
		t.Fatal("Dentry_search() after delete should miss, got 0")
	}
}

// TestBufferCacheFlushIsWriteThrough is spec.md §8 scenario 6: a write to
// a cached block is invisible to the backing store until flush_buffer
// forces it out, and a fresh get_block afterwards observes exactly those
// bytes.
func TestBufferCacheFlushIsWriteThrough(t *testing.T) {
	fs, done := mountTestFs(t)
	defer done()

	blkno := testTotalBlocks - 1 // a data block formatTestImage never touches
	want := make([]byte, BSIZE)
	copy(want, []byte("glenda-write-through"))

	b := fs.Get_block(RootDev, blkno)
	copy(b.Data[:], want)
	fs.Write_block(b)
	fs.Put_block(b)

	if string(fs.cache.disk.(*fakeDisk).blocks[blkno]) == string(want) {
		t.Fatal("write_block reached the backing store before flush_buffer ran")
	}

	fs.Flush_buffer(8)
	if string(fs.cache.disk.(*fakeDisk).blocks[blkno]) != string(want) {
		t.Fatal("flush_buffer did not write the dirty block through to the backing store")
	}

	b2 := fs.Get_block(RootDev, blkno)
	defer fs.Put_block(b2)
	if string(b2.Data[:]) != string(want) {
		t.Fatalf("get_block after flush returned %q, want %q", b2.Data[:20], want[:20])
	}
}

func TestAllocBlockDoesNotReuseAnAllocatedBlock(t *testing.T) {
	fs, done := mountTestFs(t)
	defer done()

	seen := map[int]bool{}
	for i := 0; i < 5; i++ {
		b, err := fs.Alloc_block()
		if err != 0 {
			t.Fatalf("Alloc_block() #%d = %d", i, err)
		}
		if seen[b] {
			t.Fatalf("Alloc_block() returned block %d twice", b)
		}
		seen[b] = true
	}
}
