package proc

import (
	"glenda/src/defs"
	"glenda/src/mem"
	"glenda/src/trap"
	"glenda/src/util"
	"glenda/src/vm"
)

// / Image_t is the in-memory form of spec.md §4.5's "ELF-like in-memory
// / payload": a flat code+rodata+data image loaded at vm.USERMIN, a bss
// / length to zero-extend it by, and the entry point. The embedded user
// / image blob spec.md §6 names ("the core only consumes the embedded
// / user image at a known symbol") is decoded into this shape by the
// / kernel's boot sequence before Exec ever runs.
type Image_t struct {
	Entry  uint64
	Text   []byte
	Bsslen int
}

const stackPages = 1

// / Exec implements spec.md §4.5's exec(image): tears down nothing of
// / the caller's address space until the new one is fully built (its
// / failure path leaves p unchanged), then swaps it in and frees the
// / previous address space, if any. The new one has the image copied in
// / with bss zeroed, a region list holding only the text and stack
// / regions, zero heap size, and sepc at the entry with a fresh stack.
func (p *Proc_t) Exec(img *Image_t) defs.Err_t {
	newas, err := vm.Mkas(trampolinePg)
	if err != 0 {
		return err
	}

	npages := util.Roundup(len(img.Text)+img.Bsslen, mem.PGSIZE) / mem.PGSIZE
	for i := 0; i < npages; i++ {
		_, pa, ok := mem.Physmem.Refpg_new()
		if !ok {
			newas.Free()
			return -defs.ENOMEM
		}
		chunk := mem.Pg2bytes(mem.Physmem.FrameFor(pa))
		lo := i * mem.PGSIZE
		hi := lo + mem.PGSIZE
		if lo < len(img.Text) {
			end := hi
			if end > len(img.Text) {
				end = len(img.Text)
			}
			copy(chunk[:], img.Text[lo:end])
		}
		va := vm.USERMIN + mem.Pa_t(lo)
		if err := vm.Map(newas.Pmap, va, pa, mem.PTE_U|mem.PTE_R|mem.PTE_W|mem.PTE_X); err != 0 {
			mem.Physmem.Free(pa)
			newas.Free()
			return err
		}
		mem.Physmem.Refup(pa)
	}
	newas.Heapstart = vm.USERMIN + mem.Pa_t(npages*mem.PGSIZE)
	newas.Heapend = newas.Heapstart
	// Track the text/rodata/data/bss segment as an ordinary mmap region so
	// Fork and Free walk it along with everything else in Vmregion instead
	// of forgetting it exists.
	newas.Vmregion.Insert(vm.USERMIN, newas.Heapstart, mem.PTE_U|mem.PTE_R|mem.PTE_W|mem.PTE_X)

	stackbase := vm.MMAP_BEGIN - mem.Pa_t(stackPages*mem.PGSIZE)
	var stacktop mem.Pa_t
	for i := 0; i < stackPages; i++ {
		_, pa, ok := mem.Physmem.Refpg_new()
		if !ok {
			newas.Free()
			return -defs.ENOMEM
		}
		va := stackbase + mem.Pa_t(i*mem.PGSIZE)
		if err := vm.Map(newas.Pmap, va, pa, mem.PTE_U|mem.PTE_R|mem.PTE_W); err != 0 {
			mem.Physmem.Free(pa)
			newas.Free()
			return err
		}
		mem.Physmem.Refup(pa)
		stacktop = va + mem.Pa_t(mem.PGSIZE)
	}
	// Same reasoning for the stack: record it so it survives fork/exit.
	newas.Vmregion.Insert(stackbase, stacktop, mem.PTE_U|mem.PTE_R|mem.PTE_W)

	_, tfpa, ok := mem.Physmem.Refpg_new()
	if !ok {
		newas.Free()
		return -defs.ENOMEM
	}
	if err := newas.MapTrapframe(tfpa); err != 0 {
		mem.Physmem.Free(tfpa)
		newas.Free()
		return err
	}

	tf := &trap.Frame_t{Sepc: img.Entry}
	tf.Regs[trap.RegSP] = uint64(stacktop)

	old := p.As
	p.As = newas
	p.Tf = tf
	if old != nil {
		old.Free()
	}
	return 0
}
