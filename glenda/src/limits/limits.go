// Package limits holds the fixed-size pool knobs spec.md names as
// implementation choices: "Fixed pool of N slots (implementation choice;
// spec assumes N>=16)" for the buffer cache, and "a small fixed pool" for
// the in-memory inode table.
package limits

// NBUF is the buffer cache's slot count (spec.md §4.7: N>=16).
const NBUF = 64

// NINODE is the in-memory inode table's slot count (spec.md §4.9/§3:
// "a small fixed pool; cache miss reads the disk inode, cache full is an
// error").
const NINODE = 128

// NDIRECT is the number of direct block pointers an inode record carries
// before falling back to the single indirect block (spec.md §3).
const NDIRECT = 10

// NINDIRECT is the number of block numbers one indirect block holds
// (fs.BSIZE / 4 bytes per uint32 entry).
const NINDIRECT = 4096 / 4

// NPROC bounds the process table (spec.md's PCB component has no stated
// bound; this is the kernel's admission-control knob for fork/Init).
const NPROC = 64
