// Package mem implements the physical frame allocator named in spec.md's
// component table: "owns physical RAM above the kernel image; page-granular
// allocation," backed by a singly linked free list embedded in the frames
// themselves (spec.md §4.4).
package mem

import (
	"fmt"
	"unsafe"

	"glenda/src/spinlock"
)

/// PGSHIFT is the base-2 exponent for the page size.
const PGSHIFT uint = 12

/// PGSIZE is the size of a single page in bytes.
const PGSIZE int = 1 << PGSHIFT

/// PGOFFSET masks offsets within a page.
const PGOFFSET Pa_t = 0xfff

/// PGMASK masks the page number of an address.
const PGMASK Pa_t = ^(PGOFFSET)

// Sv39 PTE bits (RISC-V privileged spec).
const (
	PTE_V Pa_t = 1 << 0 /// valid
	PTE_R Pa_t = 1 << 1 /// readable
	PTE_W Pa_t = 1 << 2 /// writable
	PTE_X Pa_t = 1 << 3 /// executable
	PTE_U Pa_t = 1 << 4 /// user-accessible
	PTE_G Pa_t = 1 << 5 /// global
	PTE_A Pa_t = 1 << 6 /// accessed
	PTE_D Pa_t = 1 << 7 /// dirty
)

/// PTE_PPN_SHIFT is the bit offset of the physical page number in a Sv39 PTE.
const PTE_PPN_SHIFT = 10

/// Pa_t represents a physical address.
type Pa_t uintptr

/// Bytepg_t is a byte-addressed page.
type Bytepg_t [PGSIZE]uint8

/// Pg_t is a page addressed as 64-bit words (matches Pmap_t's element size).
type Pg_t [512]uint64

/// Pmap_t is a Sv39 page-table page: 512 eight-byte PTEs.
type Pmap_t [512]Pa_t

/// Page_i abstracts physical page allocation for packages (circbuf, fs)
/// that need pages but must not import mem's full allocator surface.
type Page_i interface {
	Refpg_new() (*Pg_t, Pa_t, bool)
	Refpg_new_nozero() (*Pg_t, Pa_t, bool)
	Refcnt(Pa_t) int
	Refup(Pa_t)
	Refdown(Pa_t) bool
}

/// Pg2bytes reinterprets a page of words as a page of bytes.
func Pg2bytes(pg *Pg_t) *Bytepg_t {
	return (*Bytepg_t)(unsafe.Pointer(pg))
}

/// Bytepg2pg reinterprets a byte page as a page of words.
func Bytepg2pg(pg *Bytepg_t) *Pg_t {
	return (*Pg_t)(unsafe.Pointer(pg))
}

func pg2pmap(pg *Pg_t) *Pmap_t {
	return (*Pmap_t)(unsafe.Pointer(pg))
}

func pg2pgn(p_pg Pa_t) uint32 {
	return uint32(p_pg >> PGSHIFT)
}

/// Physpg_t describes one physical page: its reference count and, while
/// free, the index of the next free page (the free list lives inside the
/// frames themselves, per spec.md §4.4).
type Physpg_t struct {
	Refcnt int32
	nexti  uint32
}

/// Physmem_t owns every physical frame above the kernel image.
type Physmem_t struct {
	spinlock.Spinlock_t
	Pgs      []Physpg_t
	startn   uint32
	freei    uint32
	freelen  int32
	Dmapinit bool
}

/// Refaddr returns the refcount pointer and pgs-array index for p_pg.
func (phys *Physmem_t) Refaddr(p_pg Pa_t) (*int32, uint32) {
	idx := pg2pgn(p_pg) - phys.startn
	return &phys.Pgs[idx].Refcnt, idx
}

/// Refcnt returns the current reference count of a page.
func (phys *Physmem_t) Refcnt(p_pg Pa_t) int {
	ref, _ := phys.Refaddr(p_pg)
	return int(*ref)
}

/// Refup increments the reference count of a page. Used when a frame
/// gains an additional owner, e.g. the trampoline page mapped identically
/// in every address space (spec.md §3).
func (phys *Physmem_t) Refup(p_pg Pa_t) {
	ref, _ := phys.Refaddr(p_pg)
	*ref++
	if *ref <= 0 {
		panic("mem: refup overflow")
	}
}

/// Refdown decrements the reference count of a page and returns true when
/// the page's count reaches zero and it was returned to the free list.
func (phys *Physmem_t) Refdown(p_pg Pa_t) bool {
	phys.Lock()
	defer phys.Unlock()
	return phys._refdown(p_pg)
}

func (phys *Physmem_t) _refdown(p_pg Pa_t) bool {
	ref, idx := phys.Refaddr(p_pg)
	*ref--
	if *ref < 0 {
		panic("mem: refcount underflow")
	}
	if *ref != 0 {
		return false
	}
	phys.Pgs[idx].nexti = phys.freei
	phys.freei = idx
	phys.freelen++
	return true
}

/// Refpg_new allocates a zeroed page. The returned page's refcount starts
/// at zero; the caller must Refup it once it records an owner.
func (phys *Physmem_t) Refpg_new() (*Pg_t, Pa_t, bool) {
	pg, p_pg, ok := phys.Refpg_new_nozero()
	if !ok {
		return nil, 0, false
	}
	for i := range pg {
		pg[i] = 0
	}
	return pg, p_pg, true
}

/// Refpg_new_nozero allocates an uninitialised page.
func (phys *Physmem_t) Refpg_new_nozero() (*Pg_t, Pa_t, bool) {
	phys.Lock()
	defer phys.Unlock()
	if phys.freelen == 0 {
		return nil, 0, false
	}
	idx := phys.freei
	phys.freei = phys.Pgs[idx].nexti
	phys.freelen--
	phys.Pgs[idx].Refcnt = 0
	p_pg := Pa_t(idx+phys.startn) << PGSHIFT
	return phys.frame(p_pg), p_pg, true
}

/// Pmap_new allocates a new, zeroed page-table page.
func (phys *Physmem_t) Pmap_new() (*Pmap_t, Pa_t, bool) {
	pg, p_pg, ok := phys.Refpg_new()
	if !ok {
		return nil, 0, false
	}
	return pg2pmap(pg), p_pg, true
}

/// Free returns a formerly-allocated frame immediately to the free list,
/// ignoring refcounting. Used by the frame allocator's direct callers
/// (buffer cache pages, brk/mmap teardown) that never shared the frame.
func (phys *Physmem_t) Free(p_pg Pa_t) {
	phys.Lock()
	defer phys.Unlock()
	idx := pg2pgn(p_pg) - phys.startn
	phys.Pgs[idx].Refcnt = 0
	phys.Pgs[idx].nexti = phys.freei
	phys.freei = idx
	phys.freelen++
}

/// Alloc allocates a zeroed frame without tracking a reference count,
/// satisfying the Blockmem_i-shaped interface the buffer cache uses.
func (phys *Physmem_t) Alloc() (Pa_t, *Bytepg_t, bool) {
	pg, p_pg, ok := phys.Refpg_new()
	if !ok {
		return 0, nil, false
	}
	return p_pg, Pg2bytes(pg), true
}

/// FrameFor exposes frame() to other kernel packages (vm) that translate
/// a physical address found in a PTE to its backing Go memory.
func (phys *Physmem_t) FrameFor(p_pg Pa_t) *Pg_t {
	return phys.frame(p_pg)
}

// freeTableLevel frees every page-table page reachable from pm at the
// given Sv39 level (2 = root's children, 0 = leaf tables), bottom-up.
// Leaf PTEs (level 0 entries) are assumed already cleared by the caller
// via Unmap, so level 0 never examines entries.
func (phys *Physmem_t) freeTableLevel(pm *Pmap_t, level int) {
	if level == 0 {
		return
	}
	for i := range pm {
		if pm[i]&PTE_V == 0 {
			continue
		}
		childPa := (pm[i] >> PTE_PPN_SHIFT) << PGSHIFT
		childTbl := pg2pmap(phys.frame(childPa))
		phys.freeTableLevel(childTbl, level-1)
		phys.Free(childPa)
	}
}

/// FreePgtbl releases every page-table page of an address space whose
/// leaf mappings have already been torn down, then the root table
/// itself. Page-table pages are never shared, so they return to the
/// free list directly rather than through refcounting.
func (phys *Physmem_t) FreePgtbl(root *Pmap_t, p_root Pa_t) {
	phys.freeTableLevel(root, 2)
	phys.Free(p_root)
}

// frame maps a physical frame address to its backing Go memory. The
// kernel image is identity-mapped and all physical RAM above it is kept
// identity-mapped too (Sv39's satp points at a root table built entirely
// from frames allocated through this allocator), so physical addresses
// and kernel virtual addresses coincide once paging is enabled.
func (phys *Physmem_t) frame(p_pg Pa_t) *Pg_t {
	return (*Pg_t)(unsafe.Pointer(uintptr(p_pg)))
}

/// FreeCount reports the number of free frames, used by the frame
/// conservation invariant in spec.md §8 and by diagnostic syscalls.
func (phys *Physmem_t) FreeCount() int {
	phys.Lock()
	defer phys.Unlock()
	return int(phys.freelen)
}

/// TotalCount reports the total number of frames this allocator owns.
func (phys *Physmem_t) TotalCount() int {
	return len(phys.Pgs)
}

/// Physmem is the global physical memory allocator instance.
var Physmem = &Physmem_t{}

/// Phys_init initialises the global physical memory allocator over the
/// RAM range [start, end), both page-aligned, which the caller has
/// already determined lies above the loaded kernel image (spec.md §4.1,
/// §4.4). It panics if no frames are available, per spec.md §7
/// ("resource exhaustion during init ⇒ panic").
func Phys_init(start, end Pa_t) *Physmem_t {
	if start%Pa_t(PGSIZE) != 0 || end%Pa_t(PGSIZE) != 0 || end <= start {
		panic("mem: bad physical range")
	}
	npg := int((end - start) >> PGSHIFT)
	if npg == 0 {
		panic("mem: no usable RAM above kernel image")
	}
	phys := Physmem
	phys.Pgs = make([]Physpg_t, npg)
	phys.startn = pg2pgn(start)
	phys.freei = 0
	phys.freelen = int32(npg)
	for i := 0; i < npg; i++ {
		if i == npg-1 {
			phys.Pgs[i].nexti = ^uint32(0)
		} else {
			phys.Pgs[i].nexti = uint32(i + 1)
		}
	}
	phys.Dmapinit = true

	fmt.Printf("mem: %d frames (%d MiB) available above kernel image\n",
		npg, npg>>8)
	return phys
}
