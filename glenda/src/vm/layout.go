package vm

import "glenda/src/mem"

// User address-space layout, low to high (spec.md §4.4):
//   [0, USERMIN)                    unmapped guard page
//   [USERMIN, heap top)             code, rodata, data, bss, then brk heap
//   [MMAP_BEGIN, MMAP_END)          dynamic mmap arena
//   [MMAP_END, TRAPFRAME)           reserved (per-hart bookkeeping headroom)
//   [TRAPFRAME, TRAPFRAME+PGSIZE)   current trap frame page
//   [TRAMPOLINE, TRAMPOLINE+PGSIZE) trampoline page, identical in every AS
const (
	USERMIN = mem.Pa_t(mem.PGSIZE)

	// 2^38 is the size of the Sv39 user half of the address space.
	userSpan = mem.Pa_t(1) << 38

	// MMAP_END reserves (16*256+2) pages above the mmap arena for the
	// trap-frame and trampoline pages plus per-hart headroom.
	MMAP_END = userSpan - mem.Pa_t(16*256+2)*mem.Pa_t(mem.PGSIZE)

	MMAP_BEGIN = MMAP_END - mem.Pa_t(64*256)*mem.Pa_t(mem.PGSIZE)

	TRAPFRAME  = userSpan - 2*mem.Pa_t(mem.PGSIZE)
	TRAMPOLINE = userSpan - mem.Pa_t(mem.PGSIZE)
)
