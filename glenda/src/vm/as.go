package vm

import (
	"glenda/src/defs"
	"glenda/src/mem"
	"glenda/src/spinlock"
	"glenda/src/ustr"
	"glenda/src/util"
)

/// Vm_t represents one process address space: a root Sv39 table, the
/// dynamic mmap region list, and the brk heap bound. The lock protects
/// Pmap, Vmregion, and Heapend against concurrent syscalls on the same
/// process (spec.md §9: "mmap-list" guarded per-process).
type Vm_t struct {
	spinlock.Spinlock_t

	Pmap   *mem.Pmap_t
	P_pmap mem.Pa_t

	Vmregion Vmregion_t

	// Heapstart/Heapend bound the brk-managed heap; both page-aligned.
	Heapstart mem.Pa_t
	Heapend   mem.Pa_t
}

/// Mkas allocates a fresh, empty address space: a zeroed root table and
/// the trampoline page mapped identically to every other address space
/// (spec.md §3: "a pinned trampoline page mapped identically across all
/// address spaces at a fixed high address").
func Mkas(trampolinePg mem.Pa_t) (*Vm_t, defs.Err_t) {
	pmap, p_pmap, ok := mem.Physmem.Pmap_new()
	if !ok {
		return nil, -defs.ENOMEM
	}
	as := &Vm_t{Pmap: pmap, P_pmap: p_pmap}
	if err := Map(as.Pmap, TRAMPOLINE, trampolinePg, mem.PTE_U|mem.PTE_R|mem.PTE_X); err != 0 {
		return nil, err
	}
	mem.Physmem.Refup(trampolinePg)
	return as, 0
}

/// MapTrapframe installs the per-process trap-frame page at its fixed
/// address, replacing any previous mapping (used once per process at
/// creation and again on every exec, per spec.md §3's trap-frame
/// invariant).
func (as *Vm_t) MapTrapframe(p_pg mem.Pa_t) defs.Err_t {
	if pa, ok := Unmap(as.Pmap, TRAPFRAME); ok {
		mem.Physmem.Refdown(pa)
	}
	if err := Map(as.Pmap, TRAPFRAME, p_pg, mem.PTE_U|mem.PTE_R|mem.PTE_W); err != 0 {
		return err
	}
	mem.Physmem.Refup(p_pg)
	return 0
}

/// Brk implements spec.md §4.4's brk(addr): addr == 0 returns the current
/// heap top; otherwise the heap top moves to addr (rounded to a page
/// boundary), allocating or freeing frames for the delta. A rounded top
/// outside [Heapstart, MMAP_BEGIN) is rejected with EINVAL; it is not
/// clamped into that window.
func (as *Vm_t) Brk(addr mem.Pa_t) (mem.Pa_t, defs.Err_t) {
	as.Lock()
	defer as.Unlock()
	if addr == 0 {
		return as.Heapend, 0
	}
	newend := mem.Pa_t(util.Roundup(int(addr), mem.PGSIZE))
	if newend < as.Heapstart || newend >= MMAP_BEGIN {
		return 0, -defs.EINVAL
	}
	cur := as.Heapend
	if newend > cur {
		for va := cur; va < newend; va += mem.Pa_t(mem.PGSIZE) {
			_, p_pg, ok := mem.Physmem.Refpg_new()
			if !ok {
				as.unmapRange(cur, va)
				return 0, -defs.ENOMEM
			}
			if err := Map(as.Pmap, va, p_pg, mem.PTE_U|mem.PTE_R|mem.PTE_W); err != 0 {
				mem.Physmem.Free(p_pg)
				as.unmapRange(cur, va)
				return 0, err
			}
			mem.Physmem.Refup(p_pg)
		}
	} else if newend < cur {
		as.unmapRange(newend, cur)
	}
	as.Heapend = newend
	return newend, 0
}

func (as *Vm_t) unmapRange(begin, end mem.Pa_t) {
	for va := begin; va < end; va += mem.Pa_t(mem.PGSIZE) {
		if pa, ok := Unmap(as.Pmap, va); ok {
			mem.Physmem.Refdown(pa)
		}
	}
}

/// Mmap implements spec.md §4.4's mmap(hint, length): length must be a
/// positive multiple of PGSIZE. A non-zero hint must be page-aligned,
/// lie entirely within the mmap arena, and not overlap an existing
/// region; otherwise mmap fails. A zero hint is placed by first-fit
/// starting at MMAP_BEGIN. On success the chosen region is eagerly
/// backed by zeroed frames (spec.md's VM component performs "copy-on-map"
/// rather than demand paging) and merged with abutting neighbours.
func (as *Vm_t) Mmap(hint mem.Pa_t, length mem.Pa_t, perms mem.Pa_t) (mem.Pa_t, defs.Err_t) {
	as.Lock()
	defer as.Unlock()
	if length <= 0 || length%mem.Pa_t(mem.PGSIZE) != 0 {
		return 0, -defs.EINVAL
	}
	var begin mem.Pa_t
	if hint != 0 {
		if hint%mem.Pa_t(mem.PGSIZE) != 0 {
			return 0, -defs.EINVAL
		}
		end := hint + length
		if hint < MMAP_BEGIN || end > MMAP_END {
			return 0, -defs.EINVAL
		}
		if as.Vmregion.Overlaps(hint, end) {
			return 0, -defs.EINVAL
		}
		begin = hint
	} else {
		begin = as.Vmregion.Empty(MMAP_BEGIN, length)
		if begin+length > MMAP_END {
			return 0, -defs.ENOMEM
		}
	}
	end := begin + length
	for va := begin; va < end; va += mem.Pa_t(mem.PGSIZE) {
		_, p_pg, ok := mem.Physmem.Refpg_new()
		if !ok {
			as.unmapRange(begin, va)
			return 0, -defs.ENOMEM
		}
		if err := Map(as.Pmap, va, p_pg, perms|mem.PTE_U); err != 0 {
			mem.Physmem.Free(p_pg)
			as.unmapRange(begin, va)
			return 0, err
		}
		mem.Physmem.Refup(p_pg)
	}
	as.Vmregion.Insert(begin, end, perms)
	return begin, 0
}

/// Munmap implements spec.md §4.4's munmap(begin, length): trims, splits,
/// or removes every region intersecting [begin, begin+length), freeing
/// the backing frames of the unmapped portion. Unmapping territory that
/// was never mapped is a no-op, never an error.
func (as *Vm_t) Munmap(begin, length mem.Pa_t) defs.Err_t {
	as.Lock()
	defer as.Unlock()
	if length <= 0 || length%mem.Pa_t(mem.PGSIZE) != 0 {
		return -defs.EINVAL
	}
	end := begin + length
	removed := as.Vmregion.Remove(begin, end)
	for _, r := range removed {
		as.unmapRange(r.Begin, r.End)
	}
	return 0
}

/// Userdmap8 maps the user virtual address va for access and returns the
/// backing kernel slice truncated to the remainder of its page, or
/// EFAULT if va is not mapped in this address space. Mirrors the
/// teacher's Userdmap8_inner without the page-fault/COW path, since this
/// address space has no demand-paged or shared mappings.
func (as *Vm_t) Userdmap8(va mem.Pa_t) ([]uint8, defs.Err_t) {
	voff := va & mem.PGOFFSET
	pa, _, ok := Lookup(as.Pmap, va)
	if !ok {
		return nil, -defs.EFAULT
	}
	bpg := mem.Pg2bytes(mem.Physmem.FrameFor(pa))
	return bpg[voff:], 0
}

/// K2user copies src into the user address space starting at uva,
/// spanning as many pages as necessary (spec.md's VM component: "user
/// range copy").
func (as *Vm_t) K2user(src []uint8, uva mem.Pa_t) defs.Err_t {
	as.Lock()
	defer as.Unlock()
	for len(src) > 0 {
		dst, err := as.Userdmap8(uva)
		if err != 0 {
			return err
		}
		n := copy(dst, src)
		src = src[n:]
		uva += mem.Pa_t(n)
	}
	return 0
}

/// User2k copies len(dst) bytes from the user address space starting at
/// uva into dst.
func (as *Vm_t) User2k(dst []uint8, uva mem.Pa_t) defs.Err_t {
	as.Lock()
	defer as.Unlock()
	for len(dst) > 0 {
		src, err := as.Userdmap8(uva)
		if err != 0 {
			return err
		}
		n := copy(dst, src)
		dst = dst[n:]
		uva += mem.Pa_t(n)
	}
	return 0
}

/// Userstr copies a NUL-terminated string from user space, failing with
/// ENAMETOOLONG if it exceeds lenmax bytes before a NUL is found.
func (as *Vm_t) Userstr(uva mem.Pa_t, lenmax int) (ustr.Ustr, defs.Err_t) {
	as.Lock()
	defer as.Unlock()
	s := ustr.MkUstr()
	for {
		chunk, err := as.Userdmap8(uva)
		if err != 0 {
			return nil, err
		}
		for i, c := range chunk {
			if c == 0 {
				s = append(s, chunk[:i]...)
				if len(s) > lenmax {
					return nil, -defs.ENAMETOOLONG
				}
				return s, 0
			}
		}
		s = append(s, chunk...)
		uva += mem.Pa_t(len(chunk))
		if len(s) > lenmax {
			return nil, -defs.ENAMETOOLONG
		}
	}
}

/// Fork duplicates this address space for a child process: a fresh root
/// table, the same trampoline mapping, and an eager, private copy of
/// every mapped page (spec.md's fork memory isolation scenario: a write
/// in the child must never be visible to the parent). This kernel never
/// implements copy-on-write, so Fork's cost is linear in resident pages.
func (as *Vm_t) Fork(trampolinePg mem.Pa_t) (*Vm_t, defs.Err_t) {
	as.Lock()
	defer as.Unlock()
	child, err := Mkas(trampolinePg)
	if err != 0 {
		return nil, err
	}
	copyRange := func(begin, end, perms mem.Pa_t) defs.Err_t {
		for va := begin; va < end; va += mem.Pa_t(mem.PGSIZE) {
			pa, _, ok := Lookup(as.Pmap, va)
			if !ok {
				continue
			}
			_, p_new, ok := mem.Physmem.Refpg_new_nozero()
			if !ok {
				return -defs.ENOMEM
			}
			copy(mem.Pg2bytes(mem.Physmem.FrameFor(p_new))[:],
				mem.Pg2bytes(mem.Physmem.FrameFor(pa))[:])
			if err := Map(child.Pmap, va, p_new, perms|mem.PTE_U); err != 0 {
				mem.Physmem.Free(p_new)
				return err
			}
			mem.Physmem.Refup(p_new)
		}
		return 0
	}
	if err := copyRange(as.Heapstart, as.Heapend, mem.PTE_R|mem.PTE_W); err != 0 {
		return nil, err
	}
	for _, r := range as.Vmregion.Regions() {
		if err := copyRange(r.Begin, r.End, r.Perms); err != 0 {
			return nil, err
		}
		child.Vmregion.Insert(r.Begin, r.End, r.Perms)
	}
	child.Heapstart = as.Heapstart
	child.Heapend = as.Heapend
	return child, 0
}

/// Free tears down every user mapping, the page tables themselves, and
/// drops this address space's reference on the trampoline page, called
/// once when a process's last reference (a reaped Zombie) is released.
func (as *Vm_t) Free() {
	as.unmapRange(as.Heapstart, as.Heapend)
	for _, r := range as.Vmregion.Regions() {
		as.unmapRange(r.Begin, r.End)
	}
	if pa, ok := Unmap(as.Pmap, TRAPFRAME); ok {
		mem.Physmem.Refdown(pa)
	}
	if pa, ok := Unmap(as.Pmap, TRAMPOLINE); ok {
		mem.Physmem.Refdown(pa)
	}
	mem.Physmem.FreePgtbl(as.Pmap, as.P_pmap)
}
