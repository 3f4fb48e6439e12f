// Package proc implements the process control blocks and per-hart
// scheduler loop named in spec.md's component table: "PCB table, fork/
// exec/wait/exit/sleep, per-hart scheduler loop, context switch." The
// PCB field list and lifecycle (spec.md §3) are authoritative; the
// table/lock shape follows the teacher's convention of one global
// spinlock-guarded slice plus a free list (compare mem.Physmem_t's
// singly linked free list for physical frames).
package proc

import (
	"fmt"

	"glenda/src/defs"
	"glenda/src/mem"
	"glenda/src/spinlock"
	"glenda/src/trap"
	"glenda/src/vm"
)

/// State_t is the PCB's lifecycle state (spec.md §3).
type State_t int

const (
	Unused State_t = iota
	Embryo
	Runnable
	Running
	Sleeping
	Zombie
)

/// Proc_t is one process control block. Context_t, the trap frame, and
/// the address space are each protected by their own lock; Table's lock
/// guards Pid/State/Parent/Children/ExitStatus, matching the lock order
/// spec.md §5 requires: "proc-table -> per-process -> mmap-list."
type Proc_t struct {
	Pid    defs.Pid_t
	State  State_t
	Parent defs.Pid_t
	Children []defs.Pid_t

	As *vm.Vm_t
	Tf *trap.Frame_t

	Kstack []byte
	Ctx    Context_t

	Chan       defs.Chan_t
	ExitStatus int

	Cwd defs.Inum_t
}

const kstackSize = 4096 * 4

var (
	tableLk spinlock.Spinlock_t
	table   = map[defs.Pid_t]*Proc_t{}
	nextpid defs.Pid_t = 1

	trampolinePg mem.Pa_t
)

/// SetTrampolinePage records the physical address of the shared
/// trampoline page, constructed once during boot before any process
/// exists (spec.md §3: "a pinned trampoline page mapped identically
/// across all address spaces").
func SetTrampolinePage(pa mem.Pa_t) {
	trampolinePg = pa
}

/// Init seeds the process table with the first process (pid 1, the init
/// process every reparented orphan attaches to), registers proc's
/// Reschedule and OnTick hooks with trap, and registers the current-pid
/// hook. The Syscall hook is registered by scall.Init.
func Init() *Proc_t {
	tableLk.Lock()
	defer tableLk.Unlock()
	p := &Proc_t{Pid: nextpid, State: Embryo, Parent: 0}
	nextpid++
	table[p.Pid] = p
	trap.Reschedule = Reschedule
	trap.OnTick = func() { Wakeup(TickChan) }
	currentPidFn = func() defs.Pid_t {
		schedLk.Lock()
		defer schedLk.Unlock()
		return hartCurrent[spinlock.CurrentHart()]
	}
	return p
}

/// Current returns the PCB of the process executing on the calling
/// hart, as reported by the current-pid hook (set by Init, or replaced
/// via SetCurrentPid).
func Current() *Proc_t {
	p, _ := Find(currentPid())
	return p
}

/// Find looks up a process by pid under the table lock.
func Find(pid defs.Pid_t) (*Proc_t, bool) {
	tableLk.Lock()
	defer tableLk.Unlock()
	p, ok := table[pid]
	return p, ok
}

/// Fork implements spec.md §4.5/§3's fork: allocates a new PCB in
/// Embryo, duplicates the caller's address space and trap frame, records
/// the parent/child relationship, and transitions the child to Runnable.
func Fork(parent *Proc_t) (defs.Pid_t, defs.Err_t) {
	childAs, err := parent.As.Fork(trampolinePg)
	if err != 0 {
		return 0, err
	}

	tableLk.Lock()
	child := &Proc_t{
		Pid:    nextpid,
		State:  Embryo,
		Parent: parent.Pid,
		As:     childAs,
		Cwd:    parent.Cwd,
	}
	nextpid++
	table[child.Pid] = child
	if p, ok := table[parent.Pid]; ok {
		p.Children = append(p.Children, child.Pid)
	}
	tableLk.Unlock()

	tf := *parent.Tf
	tf.SetA0(0)
	child.Tf = &tf

	tableLk.Lock()
	child.State = Runnable
	tableLk.Unlock()
	return child.Pid, 0
}

/// Exit implements spec.md §3's exit: marks this process Zombie with the
/// given code, reparents every child onto pid 1 (init), and wakes any
/// parent sleeping in wait(). Frames, page table, and PCB slot are
/// released only when a later wait() reaps this Zombie.
func Exit(p *Proc_t, code int) {
	tableLk.Lock()
	for _, cpid := range p.Children {
		if c, ok := table[cpid]; ok {
			c.Parent = 1
		}
	}
	p.State = Zombie
	p.ExitStatus = code
	tableLk.Unlock()
	Wakeup(defs.Chan_t(uintptr(p.Parent)))
}

/// Wait implements spec.md §3/§9's wait: blocks until some child of p is
/// a Zombie, reaps exactly one, returns its pid and exit code, and
/// releases its address space and PCB slot. ECHILD if p has no children
/// at all.
func Wait(p *Proc_t) (defs.Pid_t, int, defs.Err_t) {
	for {
		tableLk.Lock()
		if len(p.Children) == 0 {
			tableLk.Unlock()
			return 0, 0, -defs.ECHILD
		}
		for i, cpid := range p.Children {
			c, ok := table[cpid]
			if !ok || c.State != Zombie {
				continue
			}
			p.Children = append(p.Children[:i], p.Children[i+1:]...)
			delete(table, cpid)
			tableLk.Unlock()
			if c.As != nil {
				c.As.Free()
			}
			return c.Pid, c.ExitStatus, 0
		}
		// tableLk is held here; Sleep releases it while blocked and
		// re-acquires it before returning (spec.md §5: "it is released
		// while sleeping and re-acquired on wake").
		Sleep(defs.Chan_t(uintptr(p.Pid)), &tableLk)
		tableLk.Unlock()
	}
}

/// Print writes a one-line human-readable summary of every live process,
/// the diagnostic shape spec.md §9 asks for ("human-readable only").
func Print() {
	tableLk.Lock()
	defer tableLk.Unlock()
	for _, p := range table {
		fmt.Printf("pid %d state %d parent %d\n", p.Pid, p.State, p.Parent)
	}
}
