// Package vm implements Sv39 page tables and per-process address spaces,
// named in spec.md's component table as "Page table / VM: Sv39 walk/map/
// unmap, copy-on-map, user range copy, address-space construction."
// Walk/Map/Unmap here replace the teacher's x86-64 four-level pmap_walk
// (biscuit/src/vm/as.go) with the three-level Sv39 equivalent; the
// Vm_t method surface (Userdmap8, Userstr, K2user/User2k) keeps the
// teacher's naming style.
package vm

import (
	"unsafe"

	"glenda/src/defs"
	"glenda/src/mem"
)

const levelBits = 9
const levelMask = mem.Pa_t(1<<levelBits) - 1

// vpn extracts the 9-bit virtual page number field for the given Sv39
// table level (2 = root, 1 = middle, 0 = leaf).
func vpn(va mem.Pa_t, level int) mem.Pa_t {
	shift := mem.PGSHIFT + uint(level)*levelBits
	return (va >> shift) & levelMask
}

func pteAddr(pte mem.Pa_t) mem.Pa_t {
	return (pte >> mem.PTE_PPN_SHIFT) << mem.PGSHIFT
}

func mkpte(pa, flags mem.Pa_t) mem.Pa_t {
	return (pa>>mem.PGSHIFT)<<mem.PTE_PPN_SHIFT | flags
}

func pmapOf(pa mem.Pa_t) *mem.Pmap_t {
	return (*mem.Pmap_t)(unsafe.Pointer(uintptr(pa)))
}

/// Walk returns the leaf PTE slot for va within root, descending through
/// the two intermediate Sv39 levels. When create is true, missing
/// intermediate tables are allocated from the frame allocator; otherwise
/// a missing intermediate table yields EFAULT.
func Walk(root *mem.Pmap_t, va mem.Pa_t, create bool) (*mem.Pa_t, defs.Err_t) {
	pm := root
	for level := 2; level > 0; level-- {
		pte := &pm[vpn(va, level)]
		if *pte&mem.PTE_V == 0 {
			if !create {
				return nil, -defs.EFAULT
			}
			_, p_child, ok := mem.Physmem.Pmap_new()
			if !ok {
				return nil, -defs.ENOMEM
			}
			*pte = mkpte(p_child, mem.PTE_V)
		}
		pm = pmapOf(pteAddr(*pte))
	}
	return &pm[vpn(va, 0)], 0
}

/// Map installs a leaf mapping va -> pa with perms, allocating
/// intermediate page-table pages as needed. It panics on remap of an
/// already-valid PTE; callers must Unmap first (spec.md's VM component
/// performs "copy-on-map": a frame is assigned exactly once per mapping).
func Map(root *mem.Pmap_t, va mem.Pa_t, pa mem.Pa_t, perms mem.Pa_t) defs.Err_t {
	pte, err := Walk(root, va, true)
	if err != 0 {
		return err
	}
	if *pte&mem.PTE_V != 0 {
		panic("vm: remap of valid pte")
	}
	*pte = mkpte(pa, perms|mem.PTE_V)
	return 0
}

/// Unmap clears the leaf mapping at va, if any, and returns the physical
/// page it referenced. ok is false if va was not mapped.
func Unmap(root *mem.Pmap_t, va mem.Pa_t) (pa mem.Pa_t, ok bool) {
	pte, err := Walk(root, va, false)
	if err != 0 || *pte&mem.PTE_V == 0 {
		return 0, false
	}
	pa = pteAddr(*pte)
	*pte = 0
	return pa, true
}

/// Lookup returns the physical address and permission bits mapped at va,
/// without allocating anything.
func Lookup(root *mem.Pmap_t, va mem.Pa_t) (pa mem.Pa_t, perms mem.Pa_t, ok bool) {
	pte, err := Walk(root, va, false)
	if err != 0 || *pte&mem.PTE_V == 0 {
		return 0, 0, false
	}
	return pteAddr(*pte), *pte & mem.Pa_t(1<<mem.PTE_PPN_SHIFT-1), true
}
