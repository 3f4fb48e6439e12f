package kernel

// initPayload is the kernel's built-in first-process image: the core
// "consumes the embedded user image at a known symbol" (spec.md §6)
// rather than reading pid 1 off disk, since bringing up the root
// filesystem doesn't by itself produce a process to run. It is
// hand-encoded RV64I (no assembler runs as part of this module, per the
// toolchain-free build constraint), six 32-bit little-endian
// instructions:
//
//	addi a7, zero, 1    ; SYS_HELLOWORLD
//	ecall
//	addi a0, zero, 0
//	addi a7, zero, 24   ; SYS_EXIT
//	ecall
//	jal  zero, 0         ; spin in place if exit ever returned
//
// cmd/mkimg writes no programs into the disk image, and SYS_EXEC has no
// general loader wired to it (see scall.call), so this payload is the
// only image Exec is ever asked to run, directly from kernel-side Go.
var initPayload = []byte{
	0x93, 0x08, 0x10, 0x00, // addi a7, zero, 1
	0x73, 0x00, 0x00, 0x00, // ecall
	0x13, 0x05, 0x00, 0x00, // addi a0, zero, 0
	0x93, 0x08, 0x80, 0x01, // addi a7, zero, 24
	0x73, 0x00, 0x00, 0x00, // ecall
	0x6f, 0x00, 0x00, 0x00, // jal zero, 0
}
