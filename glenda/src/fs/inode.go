package fs

import (
	"sync"

	"glenda/src/defs"
	"glenda/src/limits"
)

// Itype_t is an inode's on-disk type tag (spec.md §3: "type
// (Free|Directory|Data)").
type Itype_t uint32

const (
	ITypeFree      Itype_t = 0
	ITypeDirectory Itype_t = 1
	ITypeData      Itype_t = 2
)

// IRECSIZE is one on-disk inode record's size in bytes: type(4) +
// size(8) + nlink(4) + NDIRECT direct pointers(4 each) + one indirect
// pointer(4), rounded up to an 8-byte-aligned slot.
const IRECSIZE = 4 + 8 + 4 + limits.NDIRECT*4 + 4 + 4

// Dinode_t is a view of one on-disk inode record within a cached block's
// bytes, in the field-accessor style of Superblock_t.
type Dinode_t struct {
	d   []byte
	off int
}

func (di Dinode_t) u32(n int) uint32 {
	o := di.off + n
	return uint32(di.d[o]) | uint32(di.d[o+1])<<8 | uint32(di.d[o+2])<<16 | uint32(di.d[o+3])<<24
}

func (di Dinode_t) setu32(n int, v uint32) {
	o := di.off + n
	di.d[o] = byte(v)
	di.d[o+1] = byte(v >> 8)
	di.d[o+2] = byte(v >> 16)
	di.d[o+3] = byte(v >> 24)
}

func (di Dinode_t) u64(n int) uint64 {
	lo := uint64(di.u32(n))
	hi := uint64(di.u32(n + 4))
	return lo | hi<<32
}

func (di Dinode_t) setu64(n int, v uint64) {
	di.setu32(n, uint32(v))
	di.setu32(n+4, uint32(v>>32))
}

func (di Dinode_t) Type() Itype_t        { return Itype_t(di.u32(0)) }
func (di Dinode_t) SetType(t Itype_t)    { di.setu32(0, uint32(t)) }
func (di Dinode_t) Size() uint64         { return di.u64(4) }
func (di Dinode_t) SetSize(n uint64)     { di.setu64(4, n) }
func (di Dinode_t) Nlink() uint32        { return di.u32(12) }
func (di Dinode_t) SetNlink(n uint32)    { di.setu32(12, n) }
func (di Dinode_t) Direct(i int) uint32  { return di.u32(16 + i*4) }
func (di Dinode_t) SetDirect(i int, v uint32) { di.setu32(16+i*4, v) }
func (di Dinode_t) Indirect() uint32     { return di.u32(16 + limits.NDIRECT*4) }
func (di Dinode_t) SetIndirect(v uint32) { di.setu32(16+limits.NDIRECT*4, v) }

func (fs *Fs_t) diskInodeBlock(i defs.Inum_t) *Buf_t {
	recsPerBlk := BSIZE / IRECSIZE
	blkno := int(fs.super.InodeTableStart()) + int(i)/recsPerBlk
	return fs.cache.Get_block(RootDev, blkno)
}

func (fs *Fs_t) diskInodeAt(b *Buf_t, i defs.Inum_t) Dinode_t {
	recsPerBlk := BSIZE / IRECSIZE
	off := (int(i) % recsPerBlk) * IRECSIZE
	return Dinode_t{d: b.Data[:], off: off}
}

// / Inode_t is the in-memory inode handle: inum, refcount, and a
// / per-inode lock. It holds no copy of the on-disk record and has no
// / loaded flag. Handles live in Fs_t's fixed-size
// / table; dup/put manage Refcnt, and the zero-refcount/zero-nlink case
// / triggers truncation and bitmap release.
type Inode_t struct {
	sync.Mutex
	Inum   defs.Inum_t
	Refcnt int
}

// / Fs_t is the mounted filesystem: the buffer cache, the loaded
// / superblock, and the in-memory inode table (spec.md §4.9's "small
// / fixed pool").
type Fs_t struct {
	cache *Cache_t
	super *Superblock_t

	itbl   sync.Mutex
	itable map[defs.Inum_t]*Inode_t

	rootLk sync.Mutex
	root   defs.Inum_t
}

// / MkFs mounts the filesystem described by the superblock at block 0 of
// / disk d.
func MkFs(d Disk_i) *Fs_t {
	c := MkCache(d)
	sbbuf := c.Get_block(RootDev, 0)
	sb := &Superblock_t{Data: sbbuf.Data}
	c.Put_block(sbbuf)
	if sb.Magic() != SBMagic {
		panic("fs: bad superblock magic")
	}
	return &Fs_t{cache: c, super: sb, itable: map[defs.Inum_t]*Inode_t{}, root: defs.Inum_t(sb.RootInode())}
}

// / Inode_create implements spec.md §4.9's inode_create: allocates an
// / inode, sets its type and link count to 1. It takes only the type;
// / major/minor device numbers are not accepted, here or by the
// / SYS_INODE_CREATE handler.
func (fs *Fs_t) Inode_create(t Itype_t) (defs.Inum_t, defs.Err_t) {
	i, err := fs.Alloc_inode()
	if err != 0 {
		return 0, err
	}
	b := fs.diskInodeBlock(i)
	di := fs.diskInodeAt(b, i)
	di.SetType(t)
	di.SetSize(0)
	di.SetNlink(1)
	for d := 0; d < limits.NDIRECT; d++ {
		di.SetDirect(d, 0)
	}
	di.SetIndirect(0)
	fs.cache.Write_block(b)
	fs.cache.Put_block(b)
	return i, 0
}

// / Inode_dup implements spec.md §4.9's inode_dup: increments i's
// / in-memory refcount. On a cache miss it adds a table entry with
// / refcount 1; the on-disk inode record is not read. Returns ENOMEM if
// / the in-memory table is full.
func (fs *Fs_t) Inode_dup(i defs.Inum_t) defs.Err_t {
	fs.itbl.Lock()
	defer fs.itbl.Unlock()
	if h, ok := fs.itable[i]; ok {
		h.Refcnt++
		return 0
	}
	if len(fs.itable) >= limits.NINODE {
		return -defs.ENOMEM
	}
	fs.itable[i] = &Inode_t{Inum: i, Refcnt: 1}
	return 0
}

// / Inode_get_refcnt implements spec.md §6's inode_get_refcnt, returning
// / i's current in-memory refcount, or 0 if it is not resident.
func (fs *Fs_t) Inode_get_refcnt(i defs.Inum_t) int {
	fs.itbl.Lock()
	defer fs.itbl.Unlock()
	if h, ok := fs.itable[i]; ok {
		return h.Refcnt
	}
	return 0
}

// / Inode_set_nlink implements spec.md §4.9's inode_set_nlink(i, n).
func (fs *Fs_t) Inode_set_nlink(i defs.Inum_t, n uint32) defs.Err_t {
	b := fs.diskInodeBlock(i)
	di := fs.diskInodeAt(b, i)
	di.SetNlink(n)
	fs.cache.Write_block(b)
	fs.cache.Put_block(b)
	return 0
}

// / Inode_put implements spec.md §4.9's inode_put: decrements i's
// / in-memory refcount; when it reaches 0 and the on-disk nlink is also
// / 0, the inode's data blocks are freed and its bitmap bit cleared.
func (fs *Fs_t) Inode_put(i defs.Inum_t) defs.Err_t {
	fs.itbl.Lock()
	h, ok := fs.itable[i]
	if !ok {
		fs.itbl.Unlock()
		return -defs.EINVAL
	}
	h.Refcnt--
	zero := h.Refcnt == 0
	if zero {
		delete(fs.itable, i)
	}
	fs.itbl.Unlock()
	if !zero {
		return 0
	}

	b := fs.diskInodeBlock(i)
	di := fs.diskInodeAt(b, i)
	nlink := di.Nlink()
	fs.cache.Put_block(b)
	if nlink != 0 {
		return 0
	}
	fs.truncate(i)
	return fs.Free_inode(i)
}

// truncate frees every data block (direct and single-indirect) an inode
// owns and zeroes its size, readying it for Free_inode.
func (fs *Fs_t) truncate(i defs.Inum_t) {
	b := fs.diskInodeBlock(i)
	di := fs.diskInodeAt(b, i)
	for d := 0; d < limits.NDIRECT; d++ {
		if bn := di.Direct(d); bn != 0 {
			fs.Free_block(int(bn))
			di.SetDirect(d, 0)
		}
	}
	if ind := di.Indirect(); ind != 0 {
		ib := fs.cache.Get_block(RootDev, int(ind))
		for n := 0; n < limits.NINDIRECT; n++ {
			bn := le32(ib.Data[n*4 : n*4+4])
			if bn != 0 {
				fs.Free_block(int(bn))
			}
		}
		fs.cache.Put_block(ib)
		fs.Free_block(int(ind))
		di.SetIndirect(0)
	}
	di.SetSize(0)
	fs.cache.Write_block(b)
	fs.cache.Put_block(b)
}

func le32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

func setle32(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}

// blockno returns (and, for write, allocates) the n'th data block of
// inode i, following direct pointers then the single indirect block.
func (fs *Fs_t) blockno(di Dinode_t, n int, write bool) (int, defs.Err_t) {
	if n < limits.NDIRECT {
		bn := di.Direct(n)
		if bn == 0 && write {
			nb, err := fs.Alloc_block()
			if err != 0 {
				return 0, err
			}
			di.SetDirect(n, uint32(nb))
			bn = uint32(nb)
		}
		return int(bn), 0
	}
	n -= limits.NDIRECT
	if n >= limits.NINDIRECT {
		return 0, -defs.EINVAL
	}
	ind := di.Indirect()
	if ind == 0 {
		if !write {
			return 0, 0
		}
		nb, err := fs.Alloc_block()
		if err != 0 {
			return 0, err
		}
		di.SetIndirect(uint32(nb))
		ind = uint32(nb)
	}
	ib := fs.cache.Get_block(RootDev, int(ind))
	defer fs.cache.Put_block(ib)
	bn := le32(ib.Data[n*4 : n*4+4])
	if bn == 0 && write {
		nb, err := fs.Alloc_block()
		if err != 0 {
			return 0, err
		}
		setle32(ib.Data[n*4:n*4+4], uint32(nb))
		fs.cache.Write_block(ib)
		bn = uint32(nb)
	}
	return int(bn), 0
}

// / Inode_read_data implements spec.md §4.9's inode_read_data(inum, off,
// / buf, n): reads up to n bytes starting at off, returning a short read
// / past EOF.
func (fs *Fs_t) Inode_read_data(i defs.Inum_t, off int, buf []byte) (int, defs.Err_t) {
	b := fs.diskInodeBlock(i)
	di := fs.diskInodeAt(b, i)
	size := int(di.Size())
	fs.cache.Put_block(b)
	if off >= size {
		return 0, 0
	}
	n := len(buf)
	if off+n > size {
		n = size - off
	}
	got := 0
	for got < n {
		blkidx := (off + got) / BSIZE
		blkoff := (off + got) % BSIZE
		b := fs.diskInodeBlock(i)
		di := fs.diskInodeAt(b, i)
		bn, err := fs.blockno(di, blkidx, false)
		fs.cache.Put_block(b)
		if err != 0 {
			return got, err
		}
		want := n - got
		if want > BSIZE-blkoff {
			want = BSIZE - blkoff
		}
		if bn == 0 {
			for k := 0; k < want; k++ {
				buf[got+k] = 0
			}
		} else {
			db := fs.cache.Get_block(RootDev, bn)
			copy(buf[got:got+want], db.Data[blkoff:blkoff+want])
			fs.cache.Put_block(db)
		}
		got += want
	}
	return got, 0
}

// / Inode_write_data implements spec.md §4.9's inode_write_data(inum,
// / off, buf, n): allocates missing blocks as needed, persists through
// / the buffer cache, and extends the inode's size field.
func (fs *Fs_t) Inode_write_data(i defs.Inum_t, off int, buf []byte) (int, defs.Err_t) {
	n := len(buf)
	wrote := 0
	for wrote < n {
		blkidx := (off + wrote) / BSIZE
		blkoff := (off + wrote) % BSIZE
		b := fs.diskInodeBlock(i)
		di := fs.diskInodeAt(b, i)
		bn, err := fs.blockno(di, blkidx, true)
		fs.cache.Write_block(b)
		fs.cache.Put_block(b)
		if err != 0 {
			return wrote, err
		}
		want := n - wrote
		if want > BSIZE-blkoff {
			want = BSIZE - blkoff
		}
		db := fs.cache.Get_block(RootDev, bn)
		copy(db.Data[blkoff:blkoff+want], buf[wrote:wrote+want])
		fs.cache.Write_block(db)
		fs.cache.Put_block(db)
		wrote += want
	}
	newend := off + wrote
	b := fs.diskInodeBlock(i)
	di := fs.diskInodeAt(b, i)
	if newend > int(di.Size()) {
		di.SetSize(uint64(newend))
		fs.cache.Write_block(b)
	}
	fs.cache.Put_block(b)
	return wrote, 0
}
