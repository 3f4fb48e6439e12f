package fs

import "glenda/src/defs"

// allocBit scans the bitmap region [startBlk, startBlk+lenBlks) for the
// lowest clear bit, sets it, marks the owning buffer dirty, and returns
// the bit's global index (spec.md §4.8: "scans for the lowest clear bit,
// sets it, marks the buffer dirty"). 0, false if the region is full.
func allocBit(c *Cache_t, startBlk, lenBlks uint64) (int, bool) {
	for i := uint64(0); i < lenBlks; i++ {
		b := c.Get_block(RootDev, int(startBlk+i))
		for byteoff := 0; byteoff < BSIZE; byteoff++ {
			v := b.Data[byteoff]
			if v == 0xff {
				continue
			}
			for bit := 0; bit < 8; bit++ {
				if v&(1<<uint(bit)) != 0 {
					continue
				}
				b.Data[byteoff] = v | (1 << uint(bit))
				c.Write_block(b)
				c.Put_block(b)
				return int(i)*BSIZE*8 + byteoff*8 + bit, true
			}
		}
		c.Put_block(b)
	}
	return 0, false
}

// freeBit clears bit n within the bitmap region starting at startBlk.
func freeBit(c *Cache_t, startBlk uint64, n int) {
	blk := n / (BSIZE * 8)
	off := n % (BSIZE * 8)
	b := c.Get_block(RootDev, int(startBlk)+blk)
	b.Data[off/8] &^= 1 << uint(off%8)
	c.Write_block(b)
	c.Put_block(b)
}

// / Alloc_block implements spec.md §4.8's alloc_block(): allocates the
// / lowest-numbered free data block, zero-fills it through the cache, and
// / returns its absolute block number.
func (fs *Fs_t) Alloc_block() (int, defs.Err_t) {
	bit, ok := allocBit(fs.cache, fs.super.BlockBitmapStart(), fs.super.BlockBitmapLen())
	if !ok {
		return 0, -defs.ENOSPC
	}
	blkno := int(fs.super.DataStart()) + bit
	b := fs.cache.Get_block(RootDev, blkno)
	for i := range b.Data {
		b.Data[i] = 0
	}
	fs.cache.Write_block(b)
	fs.cache.Put_block(b)
	return blkno, 0
}

// / Free_block implements spec.md §4.8's free_block(b): clears b's bit in
// / the block bitmap.
func (fs *Fs_t) Free_block(blkno int) defs.Err_t {
	bit := blkno - int(fs.super.DataStart())
	if bit < 0 {
		return -defs.EINVAL
	}
	freeBit(fs.cache, fs.super.BlockBitmapStart(), bit)
	return 0
}

// / Alloc_inode implements spec.md §4.8's inode-allocator mirror of
// / alloc_block: sets the lowest clear bit in the inode bitmap. The
// / on-disk record's type/nlink are left to Inode_create.
func (fs *Fs_t) Alloc_inode() (defs.Inum_t, defs.Err_t) {
	bit, ok := allocBit(fs.cache, fs.super.InodeBitmapStart(), fs.super.InodeBitmapLen())
	if !ok {
		return 0, -defs.ENOSPC
	}
	return defs.Inum_t(bit), 0
}

// / Free_inode implements spec.md §4.8's free_inode(i): clears i's bitmap
// / bit and resets its on-disk record to type Free.
func (fs *Fs_t) Free_inode(i defs.Inum_t) defs.Err_t {
	freeBit(fs.cache, fs.super.InodeBitmapStart(), int(i))
	b := fs.diskInodeBlock(i)
	ir := fs.diskInodeAt(b, i)
	ir.SetType(ITypeFree)
	fs.cache.Write_block(b)
	fs.cache.Put_block(b)
	return 0
}
