// Package kernel implements spec.md §4.1's hart bring-up: global,
// hart-0-only initialisation (device tree parse, frame allocator, trap
// plane, console, root filesystem, process 1) followed by a per-hart
// bring-up fanned out with errgroup, then each hart's idle/scheduler
// loop. The boot assembly stub (outside this Go module's scope, like
// every other asm trampoline this kernel references via go:linkname)
// sets up an initial stack and identity-mapped satp on each hart before
// calling Main; everything after that point is ordinary Go.
package kernel

import (
	"context"
	"fmt"
	"unsafe"

	"golang.org/x/sync/errgroup"

	"glenda/src/console"
	"glenda/src/dtb"
	"glenda/src/fs"
	"glenda/src/mem"
	"glenda/src/proc"
	"glenda/src/sbi"
	"glenda/src/scall"
	"glenda/src/trap"
	"glenda/src/vm"
)

// reservedForKernel is the span of the first memory region this kernel
// assumes is occupied by its own image, boot stacks, and the device
// tree blob itself; the frame allocator owns everything above it
// (spec.md §4.1/§4.4). A real boot loader would report the kernel's
// actual end address via a linker symbol; lacking one in this module,
// a fixed conservative reservation stands in for it.
const reservedForKernel = 16 << 20

var globalReady = make(chan struct{})

var (
	platform *dtb.Platform_t
	disk     fs.Disk_i
	rootFS   *fs.Fs_t
)

// / Main is the Go-level entry point every hart's boot stub calls once
// / its stack and page tables are live. Hart 0 performs the one-time
// / global bring-up spec.md §9 requires happen "before any other hart
// / runs user code"; every other hart waits for it to finish, then all
// / harts run their own per-hart init and fall into the scheduler.
func Main(dtbBlob []byte, hart int) {
	if hart == 0 {
		bringupGlobal(dtbBlob)
		close(globalReady)
	} else {
		<-globalReady
	}

	if err := hartInit(hart); err != nil {
		panic(fmt.Sprintf("kernel: hart %d bring-up failed: %v", hart, err))
	}

	idle(hart)
}

func bringupGlobal(dtbBlob []byte) {
	p, err := dtb.Parse(dtbBlob)
	if err != nil {
		panic("kernel: " + err.Error())
	}
	platform = p
	if len(platform.Mem) == 0 {
		panic("kernel: no /memory node in device tree")
	}

	region := platform.Mem[0]
	start := mem.Pa_t(region.Base + reservedForKernel)
	end := mem.Pa_t(region.Base + region.Size)
	mem.Phys_init(start, end)

	trap.Init(platform, hartID)
	if errc := console.Init(mem.Physmem); errc != 0 {
		panic("kernel: console init failed")
	}
	trap.ConsoleIRQ = func() { console.Cons.IRQ(readUARTByte) }

	disk = ProbeVirtioBlk(platform.VirtioBase, 8)
	rootFS = fs.MkFs(disk)
	scall.Init(rootFS)
	if errp := rootFS.Prepare_root(); errp != 0 {
		panic("kernel: prepare_root failed")
	}

	spawnInit()

	if platform.NCpus > 1 {
		if err := startSecondaryHarts(platform.NCpus); err != nil {
			panic("kernel: " + err.Error())
		}
	}
}

// secondaryEntry is the physical address secondary harts resume
// execution at via SBI HartStart: the boot assembly stub's secondary-
// hart entry symbol. No assembly ships in this Go module (see the
// package doc), so this stands in for that linker-provided address.
const secondaryEntry = 0

// startSecondaryHarts fans out the SBI hart_start call for every
// secondary hart concurrently (spec.md §4.1's per-hart bring-up),
// collecting the first failure via errgroup rather than aborting boot
// the instant one hart fails to start.
func startSecondaryHarts(ncpus int) error {
	g, _ := errgroup.WithContext(context.Background())
	for h := 1; h < ncpus; h++ {
		hart := h
		g.Go(func() error {
			if rc := sbi.HartStart(uint64(hart), secondaryEntry, 0); rc != 0 {
				return fmt.Errorf("hart %d: sbi hart_start returned %d", hart, rc)
			}
			return nil
		})
	}
	return g.Wait()
}

// spawnInit builds process 1 from the kernel's built-in init payload and
// places it on hart 0's run queue (spec.md §4.1: "the first process,
// pid 1, begins executing the embedded init image").
func spawnInit() {
	_, trampolinePa, ok := mem.Physmem.Refpg_new()
	if !ok {
		panic("kernel: out of frames allocating trampoline page")
	}
	mem.Physmem.Refup(trampolinePa)
	proc.SetTrampolinePage(trampolinePa)

	p := proc.Init()
	if err := p.Exec(&proc.Image_t{
		Entry:  uint64(vm.USERMIN),
		Text:   initPayload,
		Bsslen: 0,
	}); err != 0 {
		panic("kernel: failed to exec init image")
	}
	p.Cwd = rootFS.Root()
	proc.Enqueue(0, p.Pid)
}

// hartInit brings up this hart's local state. trap.Init already armed
// hart 0's timer; the SBI TIME extension's set_timer is per-hart state,
// so every secondary hart arms its own before ever taking a trap.
func hartInit(hart int) error {
	if hart != 0 {
		sbi.SetTimer(trap.Tickinterval)
	}
	return nil
}

// UART register offsets (ns16550a), polled from the console RX
// interrupt handler (spec.md §4.2/§4.3).
const (
	uartRBR = 0
	uartLSR = 5
	lsrDR   = 1 // data ready
)

// readUARTByte implements the rd callback console.Cons.IRQ expects:
// drain one byte from the UART's receive FIFO if one is waiting.
func readUARTByte() (byte, bool) {
	lsr := mmioByte(platform.UartBase + uartLSR)
	if lsr&lsrDR == 0 {
		return 0, false
	}
	return mmioByte(platform.UartBase + uartRBR), true
}

func mmioByte(addr uint64) byte {
	return *(*byte)(unsafe.Pointer(uintptr(addr)))
}

// idle is the loop spec.md §5 names: "the idle loop executes wfi with
// interrupts enabled." Reschedule returns whenever this hart's run
// queue has nothing Runnable; idle then waits for the next interrupt
// (timer tick or, on hart 0, the console) and tries again.
func idle(hart int) {
	for {
		proc.Reschedule()
		wfi()
	}
}

//go:linkname wfi kernel_wfi
//go:noescape
func wfi()

// hartID reads the calling hart's id, conventionally kept in tp by the
// boot assembly stub (mirroring trap.intrOffAsm/intrOnAsm and proc's
// swtchAsm, the other go:linkname crossings into code this Go module
// doesn't ship).
//
//go:linkname hartID kernel_hart_id
//go:noescape
func hartID() int
