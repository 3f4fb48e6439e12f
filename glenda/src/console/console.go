// Package console implements the early UART console named in spec.md §4.2:
// a polled transmit path used before interrupts are live and for panic
// output, plus an interrupt-driven receive path with line editing, fed by
// the PLIC's UART IRQ (spec.md §4.3). The receive path is grounded on the
// polled mmio UART driver shape the broader corpus uses for bare-metal
// serial consoles (compare mazarin's uartPutc/uartGetc), adapted here to
// SBI console_putchar for TX and a ring buffer for RX instead of raw mmio.
package console

import (
	"fmt"

	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/transform"

	"glenda/src/circbuf"
	"glenda/src/defs"
	"glenda/src/mem"
	"glenda/src/sbi"
	"glenda/src/spinlock"
)

// Erase-in-place echo sequence for 0x08 (backspace) and 0x7f (delete),
// per spec.md §4.2.
var eraseSeq = []byte{0x08, ' ', 0x08}

/// Cons_t is the single console instance: a polled TX path and an
/// interrupt-fed RX ring, serialised by a test-and-set print lock so
/// concurrent Printf calls from different harts never interleave. Waiting
/// harts acquire it in no defined order; the lock is not fair.
type Cons_t struct {
	lk  spinlock.Spinlock_t
	rx  circbuf.Circbuf_t
	dec transform.Transformer
}

/// Cons is the global console instance, initialised by Init during boot.
var Cons Cons_t

/// Init prepares the RX ring buffer (backed by a page from m) and the
/// CP437 byte-to-rune decoder used on the RX path, per SPEC_FULL.md's
/// console component: "decodes raw serial bytes through a
/// transform.Transformer pipeline before line-editing."
func Init(m mem.Page_i) defs.Err_t {
	Cons.dec = charmap.CodePage437.NewDecoder()
	return Cons.rx.Cb_init(mem.PGSIZE, m)
}

/// Putb writes a single raw byte to the firmware console. Callable with
/// interrupts on or off; used directly by panic output so it never blocks
/// on the print lock (a wedged lock must never silence a panic).
func Putb(c byte) {
	if c == '\n' {
		sbi.ConsolePutchar('\r')
	}
	sbi.ConsolePutchar(c)
}

func puts(s string) {
	for i := 0; i < len(s); i++ {
		Putb(s[i])
	}
}

/// Printf formats and writes to the console under the print lock, so
/// output from concurrent harts is never interleaved mid-line.
func Printf(format string, args ...interface{}) {
	Cons.lk.Lock()
	defer Cons.lk.Unlock()
	puts(fmt.Sprintf(format, args...))
}

// decode runs a single raw serial byte through the CP437 decoder and
// returns the bytes to echo and feed to the line editor. Most bytes
// round-trip unchanged; this only matters for a terminal attached to the
// UART that is actually sending extended CP437 codepoints.
func (c *Cons_t) decode(raw byte) []byte {
	var out [8]byte
	nDst, _, err := c.dec.Transform(out[:], []byte{raw}, true)
	if err != nil || nDst == 0 {
		return []byte{raw}
	}
	return out[:nDst]
}

/// IRQ is the UART receive-data-available interrupt handler: it drains the
/// receive FIFO byte by byte via rd, echoing each byte per spec.md §4.2's
/// line-editing rules and pushing the raw byte into the RX ring for a
/// future console_read syscall to consume.
func (c *Cons_t) IRQ(rd func() (byte, bool)) {
	c.lk.Lock()
	defer c.lk.Unlock()
	for {
		raw, ok := rd()
		if !ok {
			break
		}
		for _, b := range c.decode(raw) {
			switch b {
			case '\r', '\n':
				puts("\n")
			case 0x08, 0x7f:
				puts(string(eraseSeq))
			default:
				Putb(b)
			}
		}
		c.rx.PutByte(raw)
	}
}

/// ReadByte removes and returns the oldest byte the RX interrupt handler
/// has queued, for the console_read syscall. ok is false if none is
/// queued yet.
func (c *Cons_t) ReadByte() (byte, bool) {
	c.lk.Lock()
	defer c.lk.Unlock()
	return c.rx.GetByte()
}
