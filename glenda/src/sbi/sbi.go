// Package sbi binds the three SBI calls spec.md §6 names as consumed by
// the kernel core: console_putchar (legacy extension), hart_start (HSM
// extension), and set_timer (legacy and Sstc-style TIME extension). Each
// is a single `ecall` from S-mode to M-mode firmware; the asm trampolines
// that perform the ecall are not shipped in this module and are declared
// here with go:linkname, the same boundary the teacher's arch-specific packages use
// to cross from Go into hand-written assembly.
package sbi

import _ "unsafe"

const (
	extConsolePutchar = 0x01
	extHSM            = 0x48534D
	extTIME           = 0x54494D45

	fnHartStart = 0
	fnSetTimer  = 0
)

//go:linkname sbiCall sbi_call
//go:noescape
func sbiCall(ext, fid, a0, a1, a2 uintptr) (uintptr, uintptr)

/// ConsolePutchar writes a single byte to the firmware console using the
/// legacy console_putchar SBI call. Used by the polled TX path before
/// interrupts are enabled and by kernel panic output (spec.md §4.2).
func ConsolePutchar(c byte) {
	sbiCall(extConsolePutchar, 0, uintptr(c), 0, 0)
}

/// HartStart requests that firmware start the given hart at startAddr
/// with opaque handed to it in a1, per the HSM extension's hart_start
/// call (spec.md §4.1: hart 0 wakes every other hart discovered in the
/// DTB). Returns the SBI error code (0 on success).
func HartStart(hartid uint64, startAddr uintptr, opaque uintptr) int {
	_, errv := sbiCall(extHSM, fnHartStart, uintptr(hartid), startAddr, opaque)
	return int(int64(errv))
}

/// SetTimer arms the next supervisor timer interrupt to fire at absolute
/// time nextTime (in platform timebase ticks), per spec.md §4.3's
/// "arm the next tick via SBI set_timer(now + INTERVAL)".
func SetTimer(nextTime uint64) {
	sbiCall(extTIME, fnSetTimer, uintptr(nextTime), 0, 0)
}
