package fs

import (
	"fmt"

	"glenda/src/defs"
)

// DENTSIZE is one directory entry's on-disk size (spec.md §6: "Directory
// entry size 64 bytes: 4-byte inum, 60-byte NUL-padded name").
const DENTSIZE = 64
const maxNameLen = DENTSIZE - 4

func packDent(inum defs.Inum_t, name string) []byte {
	b := make([]byte, DENTSIZE)
	setle32(b[:4], uint32(inum))
	copy(b[4:], name)
	return b
}

func unpackDent(b []byte) (defs.Inum_t, string) {
	inum := defs.Inum_t(le32(b[:4]))
	n := 0
	for n < maxNameLen && b[4+n] != 0 {
		n++
	}
	return inum, string(b[4 : 4+n])
}

func (fs *Fs_t) dirSize(dir defs.Inum_t) int {
	b := fs.diskInodeBlock(dir)
	di := fs.diskInodeAt(b, dir)
	sz := int(di.Size())
	fs.cache.Put_block(b)
	return sz
}

// / Dentry_search implements spec.md §4.9's dentry_search: returns the
// / target inum of name within directory dir, or ENOENT if absent. The
// / syscall layer converts that to the ABI's -1 (spec.md §7).
func (fs *Fs_t) Dentry_search(dir defs.Inum_t, name string) (defs.Inum_t, defs.Err_t) {
	sz := fs.dirSize(dir)
	buf := make([]byte, DENTSIZE)
	for off := 0; off+DENTSIZE <= sz; off += DENTSIZE {
		fs.Inode_read_data(dir, off, buf)
		inum, n := unpackDent(buf)
		if inum != 0 && n == name {
			return inum, 0
		}
	}
	return 0, -defs.ENOENT
}

// / Dentry_create implements spec.md §4.9's dentry_create(dir, target,
// / name): fails with EEXIST if name already exists, ENAMETOOLONG if name
// / exceeds 60 bytes, otherwise writes into the first free slot, growing
// / the directory by one entry if none is free.
func (fs *Fs_t) Dentry_create(dir, target defs.Inum_t, name string) defs.Err_t {
	if len(name) > maxNameLen {
		return -defs.ENAMETOOLONG
	}
	sz := fs.dirSize(dir)
	buf := make([]byte, DENTSIZE)
	freeOff := -1
	for off := 0; off+DENTSIZE <= sz; off += DENTSIZE {
		fs.Inode_read_data(dir, off, buf)
		inum, n := unpackDent(buf)
		if inum == 0 {
			if freeOff < 0 {
				freeOff = off
			}
			continue
		}
		if n == name {
			return -defs.EEXIST
		}
	}
	if freeOff < 0 {
		freeOff = sz
	}
	fs.Inode_write_data(dir, freeOff, packDent(target, name))
	return 0
}

// / Dentry_delete implements spec.md §4.9's dentry_delete: zeroes name's
// / slot and returns the former target inum, or ENOENT if name was absent.
func (fs *Fs_t) Dentry_delete(dir defs.Inum_t, name string) (defs.Inum_t, defs.Err_t) {
	sz := fs.dirSize(dir)
	buf := make([]byte, DENTSIZE)
	for off := 0; off+DENTSIZE <= sz; off += DENTSIZE {
		fs.Inode_read_data(dir, off, buf)
		inum, n := unpackDent(buf)
		if inum != 0 && n == name {
			fs.Inode_write_data(dir, off, packDent(0, ""))
			return inum, 0
		}
	}
	return 0, -defs.ENOENT
}

// / Dentry_print implements spec.md §6's dentry_print: a human-readable
// / dump of every occupied slot in directory dir.
func (fs *Fs_t) Dentry_print(dir defs.Inum_t) {
	sz := fs.dirSize(dir)
	buf := make([]byte, DENTSIZE)
	for off := 0; off+DENTSIZE <= sz; off += DENTSIZE {
		fs.Inode_read_data(dir, off, buf)
		inum, n := unpackDent(buf)
		if inum != 0 {
			fmt.Printf("  %-60s inum %d\n", n, inum)
		}
	}
}
