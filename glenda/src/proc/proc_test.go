package proc

import (
	"runtime"
	"testing"
	"unsafe"

	"glenda/src/defs"
	"glenda/src/mem"
	"glenda/src/trap"
	"glenda/src/vm"
)

// execTestProc builds a process via Exec instead of an empty Mkas, so its
// address space actually has a text segment and a stack mapped (newTestProc
// alone leaves both unmapped, which is what let the old Fork/Free region
// bug go unnoticed). Returns the free-frame count right before Exec ran,
// so callers can check Exec's allocations are fully released later.
func execTestProc(t *testing.T, text []byte) (*Proc_t, int) {
	t.Helper()
	_, trampolinePa, ok := mem.Physmem.Refpg_new()
	if !ok {
		t.Fatal("out of frames allocating trampoline page")
	}
	mem.Physmem.Refup(trampolinePa)
	SetTrampolinePage(trampolinePa)

	p := Init()
	base := mem.Physmem.FreeCount()
	img := &Image_t{Entry: 0x1000, Text: text, Bsslen: 0}
	if err := p.Exec(img); err != 0 {
		t.Fatalf("Exec() = %d", err)
	}
	return p, base
}

// physFixture hands the frame allocator real, page-aligned host memory,
// same trick as mem/mem_test.go and fs/fs_test.go — Physmem_t.frame
// dereferences physical addresses directly.
func physFixture(t *testing.T, npages int) []byte {
	t.Helper()
	buf := make([]byte, (npages+1)*mem.PGSIZE)
	base := uintptr(unsafe.Pointer(&buf[0]))
	aligned := (base + uintptr(mem.PGSIZE) - 1) &^ (uintptr(mem.PGSIZE) - 1)
	start := mem.Pa_t(aligned)
	mem.Phys_init(start, start+mem.Pa_t(npages*mem.PGSIZE))
	return buf
}

func newTestProc(t *testing.T) *Proc_t {
	t.Helper()
	_, trampolinePa, ok := mem.Physmem.Refpg_new()
	if !ok {
		t.Fatal("out of frames allocating trampoline page")
	}
	mem.Physmem.Refup(trampolinePa)
	SetTrampolinePage(trampolinePa)

	p := Init()
	as, err := vm.Mkas(trampolinePa)
	if err != 0 {
		t.Fatalf("vm.Mkas() = %d", err)
	}
	p.As = as
	p.Tf = &trap.Frame_t{}
	return p
}

func TestForkAssignsDistinctPidAndParent(t *testing.T) {
	keep := physFixture(t, 32)
	defer runtime.KeepAlive(keep)
	parent := newTestProc(t)

	childPid, err := Fork(parent)
	if err != 0 {
		t.Fatalf("Fork() = %d", err)
	}
	if childPid == parent.Pid {
		t.Fatalf("child pid %d must differ from parent pid %d", childPid, parent.Pid)
	}
	child, ok := Find(childPid)
	if !ok {
		t.Fatalf("Find(%d) after Fork did not find the child", childPid)
	}
	if child.Parent != parent.Pid {
		t.Fatalf("child.Parent = %d, want %d", child.Parent, parent.Pid)
	}
	if child.State != Runnable {
		t.Fatalf("child.State = %v, want Runnable", child.State)
	}
	found := false
	for _, c := range parent.Children {
		if c == childPid {
			found = true
		}
	}
	if !found {
		t.Fatalf("parent.Children = %v, want to contain %d", parent.Children, childPid)
	}
}

func TestForkChildReturnsZeroFromA0(t *testing.T) {
	keep := physFixture(t, 32)
	defer runtime.KeepAlive(keep)
	parent := newTestProc(t)
	parent.Tf.SetA0(0xdead)

	childPid, err := Fork(parent)
	if err != 0 {
		t.Fatalf("Fork() = %d", err)
	}
	child, _ := Find(childPid)
	if got := child.Tf.A0(); got != 0 {
		t.Fatalf("child.Tf.A0() = %#x, want 0 (fork's child sees a 0 return value)", got)
	}
	if got := parent.Tf.A0(); got != 0xdead {
		t.Fatalf("Fork must not mutate the parent's trap frame, got a0=%#x", got)
	}
}

func TestExitThenWaitReapsZombie(t *testing.T) {
	keep := physFixture(t, 32)
	defer runtime.KeepAlive(keep)
	parent := newTestProc(t)
	childPid, err := Fork(parent)
	if err != 0 {
		t.Fatalf("Fork() = %d", err)
	}
	child, _ := Find(childPid)

	Exit(child, 7)
	if child.State != Zombie {
		t.Fatalf("child.State after Exit = %v, want Zombie", child.State)
	}

	pid, status, werr := Wait(parent)
	if werr != 0 {
		t.Fatalf("Wait() = %d", werr)
	}
	if pid != childPid || status != 7 {
		t.Fatalf("Wait() = (%d, %d), want (%d, 7)", pid, status, childPid)
	}
	if _, ok := Find(childPid); ok {
		t.Fatalf("Find(%d) after Wait should report the pid gone, reaping removes the PCB", childPid)
	}
}

func TestWaitWithNoChildrenFailsECHILD(t *testing.T) {
	keep := physFixture(t, 32)
	defer runtime.KeepAlive(keep)
	p := newTestProc(t)
	if _, _, err := Wait(p); err != -defs.ECHILD {
		t.Fatalf("Wait() on a childless process = %d, want -ECHILD", err)
	}
}

// TestForkCopiesTextAndStackRegions guards against the bug where Exec
// mapped the text segment and stack straight into the Pmap without
// recording them in Vmregion: Fork only ever copied Heapstart/Heapend and
// Vmregion's entries, so an un-tracked text/stack left the child with no
// code and no stack to run on.
func TestForkCopiesTextAndStackRegions(t *testing.T) {
	keep := physFixture(t, 64)
	defer runtime.KeepAlive(keep)
	text := []byte{0xde, 0xad, 0xbe, 0xef}
	parent, _ := execTestProc(t, text)

	childPid, err := Fork(parent)
	if err != 0 {
		t.Fatalf("Fork() = %d", err)
	}
	child, _ := Find(childPid)

	cbuf, err := child.As.Userdmap8(vm.USERMIN)
	if err != 0 {
		t.Fatalf("child has no text mapping at USERMIN: %d (fork did not carry the text segment)", err)
	}
	if string(cbuf[:len(text)]) != string(text) {
		t.Fatalf("child text = %v, want %v", cbuf[:len(text)], text)
	}

	pbuf, err := parent.As.Userdmap8(vm.USERMIN)
	if err != 0 {
		t.Fatalf("parent lost its own text mapping: %d", err)
	}
	cbuf[0] = 0xff
	if pbuf[0] == 0xff {
		t.Fatal("fork aliased the text page instead of copying it")
	}

	stackbase := vm.MMAP_BEGIN - mem.Pa_t(stackPages*mem.PGSIZE)
	if _, err := child.As.Userdmap8(stackbase); err != 0 {
		t.Fatalf("child has no stack mapping: %d (fork did not carry the stack)", err)
	}
}

// TestFreeReleasesTextAndStackFrames guards the Free-side mirror of the
// same bug: un-tracked text/stack leaf frames were never unmapped, so
// they were never Refdown'd and leaked rather than returning to
// mem.Physmem's free list on exit (spec.md §8's frame conservation
// invariant).
func TestFreeReleasesTextAndStackFrames(t *testing.T) {
	keep := physFixture(t, 64)
	defer runtime.KeepAlive(keep)
	p, base := execTestProc(t, []byte{0x01, 0x02, 0x03, 0x04})

	if got := mem.Physmem.FreeCount(); got >= base {
		t.Fatalf("Exec() should have consumed frames for text/stack/trapframe: before=%d after=%d", base, got)
	}

	p.As.Free()
	if got := mem.Physmem.FreeCount(); got != base {
		t.Fatalf("Free() leaked frames: want %d free, got %d (text/stack not released)", base, got)
	}
}

// TestForkMemoryIsolationScenario is spec.md §8 scenario 5: a parent
// writes to its heap, forks, the child overwrites its own copy and exits
// with a distinct status, and the parent's wait() both reports that exact
// status and still sees its own unmodified heap bytes.
func TestForkMemoryIsolationScenario(t *testing.T) {
	keep := physFixture(t, 64)
	defer runtime.KeepAlive(keep)
	parent, _ := execTestProc(t, []byte{0x13, 0, 0, 0})

	if _, err := parent.As.Brk(parent.As.Heapend + mem.Pa_t(mem.PGSIZE)); err != 0 {
		t.Fatalf("Brk() = %d", err)
	}
	want := []byte("HEAP_REGION")
	pbuf, err := parent.As.Userdmap8(parent.As.Heapstart)
	if err != 0 {
		t.Fatalf("Userdmap8(heap) = %d", err)
	}
	copy(pbuf, want)

	childPid, err := Fork(parent)
	if err != 0 {
		t.Fatalf("Fork() = %d", err)
	}
	child, _ := Find(childPid)

	cbuf, err := child.As.Userdmap8(child.As.Heapstart)
	if err != 0 {
		t.Fatalf("child missing heap mapping: %d", err)
	}
	copy(cbuf, "X")

	Exit(child, 1234)
	pid, status, werr := Wait(parent)
	if werr != 0 {
		t.Fatalf("Wait() = %d", werr)
	}
	if pid != childPid || status != 1234 {
		t.Fatalf("Wait() = (%d, %d), want (%d, 1234)", pid, status, childPid)
	}

	pbuf2, err := parent.As.Userdmap8(parent.As.Heapstart)
	if err != 0 {
		t.Fatalf("Userdmap8(heap) after wait = %d", err)
	}
	if string(pbuf2[:len(want)]) != string(want) {
		t.Fatalf("parent heap = %q, want %q (child's write leaked into parent)", pbuf2[:len(want)], want)
	}
}

// TestSleepOrderingAdvancesTicksBeforeWait is spec.md §8 scenario 7: a
// child sleeps for 5 ticks before exiting, and by the time its parent's
// wait() reaps it the global tick counter has advanced by at least 5
// since the child started sleeping.
//
// hartCurrent[0] is poked directly (this file is package proc) to stand
// in for the child being "current" on hart 0, since nothing here ever
// runs a real context switch through Reschedule/swtchAsm.
func TestSleepOrderingAdvancesTicksBeforeWait(t *testing.T) {
	keep := physFixture(t, 32)
	defer runtime.KeepAlive(keep)
	parent := newTestProc(t)
	childPid, err := Fork(parent)
	if err != 0 {
		t.Fatalf("Fork() = %d", err)
	}

	schedLk.Lock()
	hartCurrent[0] = childPid
	schedLk.Unlock()
	defer func() {
		schedLk.Lock()
		delete(hartCurrent, 0)
		schedLk.Unlock()
	}()

	start := trap.Ticks()
	done := make(chan struct{})
	go func() {
		SleepTicks(5)
		child, _ := Find(childPid)
		Exit(child, 0)
		close(done)
	}()

	for i := 0; i < 5; i++ {
		trap.Tick()
	}
	<-done

	if got := trap.Ticks(); got < start+5 {
		t.Fatalf("tick counter advanced to %d, want at least %d", got, start+5)
	}

	pid, _, werr := Wait(parent)
	if werr != 0 {
		t.Fatalf("Wait() = %d", werr)
	}
	if pid != childPid {
		t.Fatalf("Wait() = %d, want %d", pid, childPid)
	}
}

func TestExitReparentsChildrenToInit(t *testing.T) {
	keep := physFixture(t, 32)
	defer runtime.KeepAlive(keep)
	grandparent := newTestProc(t)
	parentPid, err := Fork(grandparent)
	if err != 0 {
		t.Fatalf("Fork() = %d", err)
	}
	parent, _ := Find(parentPid)
	childPid, err := Fork(parent)
	if err != 0 {
		t.Fatalf("Fork() = %d", err)
	}

	Exit(parent, 0)

	child, ok := Find(childPid)
	if !ok {
		t.Fatalf("Find(%d) should still find the orphaned child", childPid)
	}
	if child.Parent != 1 {
		t.Fatalf("orphaned child.Parent = %d, want 1 (reparented to init)", child.Parent)
	}
}
