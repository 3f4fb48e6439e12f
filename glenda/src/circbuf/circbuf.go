// Package circbuf implements the bounded ring buffer the console package
// uses to hold bytes produced by the UART RX interrupt handler until a
// console_read syscall (or, on boot, the line-editing echo path) drains
// them, per spec.md §9 ("the UART uses a bounded ring buffer written by
// the RX handler and read by the console_read syscall").
package circbuf

import (
	"glenda/src/defs"
	"glenda/src/mem"
)

/// Circbuf_t is a single-producer/single-consumer byte ring. It is not
/// safe for concurrent use by itself; callers serialize access with their
/// own lock (the console package uses its print spinlock).
type Circbuf_t struct {
	mm    mem.Page_i /// page allocator backing the buffer
	Buf   []uint8    /// underlying buffer backing memory
	bufsz int        /// buffer capacity in bytes
	head  int        /// write position
	tail  int        /// read position
	p_pg  mem.Pa_t   /// physical page backing the buffer
}

/// Bufsz returns the configured buffer size.
func (cb *Circbuf_t) Bufsz() int {
	return cb.bufsz
}

/// Cb_init lazily allocates a backing page when required.
func (cb *Circbuf_t) Cb_init(sz int, m mem.Page_i) defs.Err_t {
	bufmax := int(mem.PGSIZE)
	if sz <= 0 || sz > bufmax {
		panic("bad circbuf size")
	}
	cb.mm = m
	cb.bufsz = sz
	cb.head, cb.tail = 0, 0
	// lazily allocated: simpler to surface ENOMEM at first use than at
	// construction time.
	return 0
}

/// Cb_ensure guarantees that the buffer is allocated, returning ENOMEM on
/// allocation failure.
func (cb *Circbuf_t) Cb_ensure() defs.Err_t {
	if cb.Buf != nil {
		return 0
	}
	if cb.bufsz == 0 {
		panic("not initted")
	}
	pg, p_pg, ok := cb.mm.Refpg_new_nozero()
	if !ok {
		return -defs.ENOMEM
	}
	cb.mm.Refup(p_pg)
	cb.p_pg = p_pg
	bpg := mem.Pg2bytes(pg)[:]
	cb.Buf = bpg[:cb.bufsz]
	return 0
}

/// Full returns true when the buffer cannot accept more bytes.
func (cb *Circbuf_t) Full() bool {
	return cb.head-cb.tail == cb.bufsz
}

/// Empty reports whether the buffer contains any data.
func (cb *Circbuf_t) Empty() bool {
	return cb.head == cb.tail
}

/// Used returns the current number of bytes in the buffer.
func (cb *Circbuf_t) Used() int {
	return cb.head - cb.tail
}

/// PutByte appends a single byte, dropping it silently if the buffer is
/// full (the RX interrupt handler cannot block).
func (cb *Circbuf_t) PutByte(c uint8) defs.Err_t {
	if err := cb.Cb_ensure(); err != 0 {
		return err
	}
	if cb.Full() {
		return 0
	}
	cb.Buf[cb.head%cb.bufsz] = c
	cb.head++
	return 0
}

/// GetByte removes and returns the oldest byte. ok is false if the buffer
/// was empty.
func (cb *Circbuf_t) GetByte() (c uint8, ok bool) {
	if cb.Buf == nil || cb.Empty() {
		return 0, false
	}
	c = cb.Buf[cb.tail%cb.bufsz]
	cb.tail++
	return c, true
}
