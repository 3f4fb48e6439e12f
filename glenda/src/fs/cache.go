package fs

import (
	"container/list"
	"sync"

	"glenda/src/defs"
	"glenda/src/hashtable"
	"glenda/src/limits"
	"glenda/src/mem"
	"glenda/src/proc"
	"glenda/src/spinlock"
)

// / Buf_t is one buffer cache slot (spec.md §3: "device, block number,
// / 4096 bytes, dirty flag, refcount, valid flag"). The embedded Mutex is
// / the per-buffer lock every concurrent reader/writer of Data serializes
// / on; Refcnt and list membership are instead protected by Cache_t.lk.
type Buf_t struct {
	sync.Mutex
	Dev    int
	Blkno  int
	Data   *mem.Bytepg_t
	Dirty  bool
	Valid  bool
	Refcnt int
}

const noSlot = -1

func bufkey(dev, blkno int) int { return dev<<32 | blkno }

const poolChan = defs.Chan_t(^uintptr(0) - 1)

// / Cache_t is the fixed-size LRU buffer cache of spec.md §4.7: a
// / lookup index by (dev, blkno) plus a doubly linked LRU chain ordered
// / most-recently-used (or most-recently-freed) first, so eviction always
// / scans from the back. The index reuses the kernel's hashtable
// / (hashtable.Hashtable_t); every lookup and update of it happens under
// / c.lk, so a get_block hit waits for any other cache operation in
// / progress.
type Cache_t struct {
	lk    spinlock.Spinlock_t
	disk  Disk_i
	lru   *list.List
	index *hashtable.Hashtable_t
}

// / MkCache allocates the fixed pool of NBUF buffers, each backed by a
// / physical frame, and wires them to disk d.
func MkCache(d Disk_i) *Cache_t {
	c := &Cache_t{disk: d, lru: list.New(), index: hashtable.MkHash(limits.NBUF)}
	for i := 0; i < limits.NBUF; i++ {
		_, data, ok := mem.Physmem.Alloc()
		if !ok {
			panic("fs: out of frames initialising buffer cache")
		}
		b := &Buf_t{Dev: noSlot, Blkno: noSlot, Data: data}
		c.lru.PushFront(b)
	}
	return c
}

// evictVictim finds and unlinks a refcount-0 buffer from the back of the
// LRU chain, flushing it first if dirty. Returns nil if every buffer is
// pinned (spec.md §4.7: "If no evictable buffer exists, sleep on the
// pool"). Caller holds c.lk.
func (c *Cache_t) evictVictim() *Buf_t {
	for e := c.lru.Back(); e != nil; e = e.Prev() {
		b := e.Value.(*Buf_t)
		if b.Refcnt != 0 {
			continue
		}
		if b.Dirty {
			c.writeback(b)
		}
		if b.Dev != noSlot {
			c.index.Del(bufkey(b.Dev, b.Blkno))
		}
		c.lru.Remove(e)
		return b
	}
	return nil
}

func (c *Cache_t) writeback(b *Buf_t) {
	req := MkRequest(b.Blkno, b.Data, BDEV_WRITE)
	c.disk.Start(req)
	<-req.Done
	b.Dirty = false
}

// / Get_block implements spec.md §4.7's get_block(dev, blkno): returns
// / the cache slot for (dev, blkno), reading it from disk on a cache
// / miss. The returned buffer is refcounted and locked; callers must
// / Put_block it when done.
func (c *Cache_t) Get_block(dev, blkno int) *Buf_t {
	for {
		c.lk.Lock()
		if v, ok := c.index.Get(bufkey(dev, blkno)); ok {
			e := v.(*list.Element)
			b := e.Value.(*Buf_t)
			b.Refcnt++
			c.lru.MoveToFront(e)
			c.lk.Unlock()
			b.Lock()
			return b
		}

		b := c.evictVictim()
		if b == nil {
			proc.Sleep(poolChan, &c.lk)
			c.lk.Unlock()
			continue
		}
		b.Dev, b.Blkno = dev, blkno
		b.Valid = false
		b.Refcnt = 1
		e := c.lru.PushFront(b)
		c.index.Set(bufkey(dev, blkno), e)
		c.lk.Unlock()

		b.Lock()
		req := MkRequest(blkno, b.Data, BDEV_READ)
		c.disk.Start(req)
		<-req.Done
		b.Valid = true
		return b
	}
}

// / Put_block implements spec.md §4.7's put_block: releases the
// / per-buffer lock and decrements refcount; once a buffer becomes free it
// / moves to the front of the LRU chain and any get_block sleeper is woken.
func (c *Cache_t) Put_block(b *Buf_t) {
	b.Unlock()
	c.lk.Lock()
	b.Refcnt--
	woke := b.Refcnt == 0
	if woke {
		if v, ok := c.index.Get(bufkey(b.Dev, b.Blkno)); ok {
			c.lru.MoveToFront(v.(*list.Element))
		}
	}
	c.lk.Unlock()
	if woke {
		proc.Wakeup(poolChan)
	}
}

// / Write_block implements spec.md §4.7's write_block: marks b dirty.
// / Writes are lazy; the block reaches disk on eviction or Flush_buffer.
func (c *Cache_t) Write_block(b *Buf_t) {
	b.Dirty = true
}

// / Flush_buffer implements spec.md §4.7's flush_buffer(n): forces the
// / first n dirty buffers in MRU order to disk and clears their dirty
// / bits (spec.md §5: "after flush_buffer(n) returns, all affected
// / buffers are durable on disk before any subsequent cache read returns
// / stale data").
func (c *Cache_t) Flush_buffer(n int) {
	c.lk.Lock()
	defer c.lk.Unlock()
	done := 0
	for e := c.lru.Front(); e != nil && done < n; e = e.Next() {
		b := e.Value.(*Buf_t)
		if !b.Dirty {
			continue
		}
		b.Lock()
		c.writeback(b)
		b.Unlock()
		done++
	}
}

// Get_block, Put_block, Write_block, and Flush_buffer forward to the
// mounted cache, giving scall a path to the get_block/put_block/
// write_block/flush_buffer syscalls (spec.md §4.7) through the one
// *Fs_t handle the kernel hands it.
func (fs *Fs_t) Root() defs.Inum_t                { return fs.root }
func (fs *Fs_t) Get_block(dev, blkno int) *Buf_t { return fs.cache.Get_block(dev, blkno) }
func (fs *Fs_t) Put_block(b *Buf_t)               { fs.cache.Put_block(b) }
func (fs *Fs_t) Write_block(b *Buf_t)             { fs.cache.Write_block(b) }
func (fs *Fs_t) Flush_buffer(n int)               { fs.cache.Flush_buffer(n) }
