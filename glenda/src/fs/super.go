package fs

import "glenda/src/mem"

// Superblock_t is block 0 of the disk: magic, sizing, and the starting
// block of every fixed-layout region that follows it (spec.md §6's
// on-disk format: "superblock at block 0; then block bitmap ... then
// inode bitmap; then inode table; then data"). Field accessors mirror
// the teacher's fieldr/fieldw convention of addressing 8-byte slots
// within the block's raw bytes.
type Superblock_t struct {
	Data *mem.Bytepg_t
}

// / SBMagic is the format tag every valid superblock carries ("glenda" in
// / ASCII, truncated to 8 bytes). Exported so cmd/mkimg can stamp it
// / without reaching into fs package internals.
const SBMagic = 0x676c656e6461

// / Magic returns the superblock's format tag.
func (sb *Superblock_t) Magic() uint64 { return fieldr(sb.Data, 0) }

// / SetMagic stamps the format tag.
func (sb *Superblock_t) SetMagic() { fieldw(sb.Data, 0, SBMagic) }

// / TotalBlocks returns the disk's total block count, data included.
func (sb *Superblock_t) TotalBlocks() uint64 { return fieldr(sb.Data, 1) }

// / SetTotalBlocks records the disk's total block count.
func (sb *Superblock_t) SetTotalBlocks(n uint64) { fieldw(sb.Data, 1, n) }

// / NInodes returns the number of inode records the inode table holds.
func (sb *Superblock_t) NInodes() uint64 { return fieldr(sb.Data, 2) }

// / SetNInodes records the inode table's record count.
func (sb *Superblock_t) SetNInodes(n uint64) { fieldw(sb.Data, 2, n) }

// / BlockBitmapStart returns the first block of the block bitmap.
func (sb *Superblock_t) BlockBitmapStart() uint64 { return fieldr(sb.Data, 3) }

// / SetBlockBitmapStart records the block bitmap's starting block.
func (sb *Superblock_t) SetBlockBitmapStart(n uint64) { fieldw(sb.Data, 3, n) }

// / BlockBitmapLen returns the block bitmap's length in blocks.
func (sb *Superblock_t) BlockBitmapLen() uint64 { return fieldr(sb.Data, 4) }

// / SetBlockBitmapLen records the block bitmap's length.
func (sb *Superblock_t) SetBlockBitmapLen(n uint64) { fieldw(sb.Data, 4, n) }

// / InodeBitmapStart returns the first block of the inode bitmap.
func (sb *Superblock_t) InodeBitmapStart() uint64 { return fieldr(sb.Data, 5) }

// / SetInodeBitmapStart records the inode bitmap's starting block.
func (sb *Superblock_t) SetInodeBitmapStart(n uint64) { fieldw(sb.Data, 5, n) }

// / InodeBitmapLen returns the inode bitmap's length in blocks.
func (sb *Superblock_t) InodeBitmapLen() uint64 { return fieldr(sb.Data, 6) }

// / SetInodeBitmapLen records the inode bitmap's length.
func (sb *Superblock_t) SetInodeBitmapLen(n uint64) { fieldw(sb.Data, 6, n) }

// / InodeTableStart returns the inode table's first block.
func (sb *Superblock_t) InodeTableStart() uint64 { return fieldr(sb.Data, 7) }

// / SetInodeTableStart records the inode table's starting block.
func (sb *Superblock_t) SetInodeTableStart(n uint64) { fieldw(sb.Data, 7, n) }

// / InodeTableLen returns the inode table's length in blocks.
func (sb *Superblock_t) InodeTableLen() uint64 { return fieldr(sb.Data, 8) }

// / SetInodeTableLen records the inode table's length.
func (sb *Superblock_t) SetInodeTableLen(n uint64) { fieldw(sb.Data, 8, n) }

// / DataStart returns the first data block.
func (sb *Superblock_t) DataStart() uint64 { return fieldr(sb.Data, 9) }

// / SetDataStart records the first data block.
func (sb *Superblock_t) SetDataStart(n uint64) { fieldw(sb.Data, 9, n) }

// / RootInode returns the inum of the filesystem's root directory.
func (sb *Superblock_t) RootInode() uint64 { return fieldr(sb.Data, 10) }

// / SetRootInode records the root directory's inum.
func (sb *Superblock_t) SetRootInode(n uint64) { fieldw(sb.Data, 10, n) }

func fieldr(d *mem.Bytepg_t, n int) uint64 {
	off := n * 8
	var v uint64
	for i := 0; i < 8; i++ {
		v |= uint64(d[off+i]) << (8 * uint(i))
	}
	return v
}

func fieldw(d *mem.Bytepg_t, n int, v uint64) {
	off := n * 8
	for i := 0; i < 8; i++ {
		d[off+i] = uint8(v >> (8 * uint(i)))
	}
}
