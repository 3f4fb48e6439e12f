package proc

import (
	_ "unsafe"

	"glenda/src/defs"
	"glenda/src/spinlock"
	"glenda/src/trap"
)

/// TickChan is the sleep channel every SleepTicks waiter blocks on;
/// woken once per global tick so each waiter can recheck its deadline.
const TickChan = defs.Chan_t(^uintptr(0))

/// Context_t holds the callee-saved registers a kernel-to-kernel context
/// switch must preserve: ra, sp, and s0-s11 (spec.md §3: "saved kernel
/// context (callee-saved registers + sp + ra)"). The asm Swtch
/// trampoline reads and writes this layout directly.
type Context_t struct {
	Ra uint64
	Sp uint64
	S  [12]uint64
}

//go:linkname swtchAsm proc_swtch
//go:noescape
func swtchAsm(old, new *Context_t)

// Per-hart scheduler state. One runq per hart, matching spec.md §5's "no
// cross-hart process migration": a process, once placed on a hart's
// runq, only ever runs on that hart.
var (
	schedLk     spinlock.Spinlock_t
	runqs       = map[int][]defs.Pid_t{}
	hartCurrent = map[int]defs.Pid_t{}
)

/// Enqueue places p on hart h's run queue.
func Enqueue(hart int, pid defs.Pid_t) {
	schedLk.Lock()
	runqs[hart] = append(runqs[hart], pid)
	schedLk.Unlock()
}

/// Reschedule is hart h's scheduling decision point, invoked by the trap
/// plane at every timer interrupt (spec.md §4.3's "pre-emption point")
/// and voluntarily from Sleep. It picks the next Runnable process from
/// this hart's queue, context-switches into it, and returns here once
/// that process yields or blocks.
func Reschedule() {
	// A concrete hart parameter would thread through every trap-plane
	// call site; the scheduler instead reads spinlock's registered
	// CurrentHart hook, the same per-hart identity every spinlock
	// acquisition already relies on.
	hart := spinlock.CurrentHart()
	for {
		schedLk.Lock()
		q := runqs[hart]
		var next *Proc_t
		idx := -1
		for i, pid := range q {
			tableLk.Lock()
			p, ok := table[pid]
			tableLk.Unlock()
			if ok && p.State == Runnable {
				next = p
				idx = i
				break
			}
		}
		if next == nil {
			schedLk.Unlock()
			return
		}
		runqs[hart] = append(q[:idx:idx], q[idx+1:]...)
		runqs[hart] = append(runqs[hart], next.Pid)
		schedLk.Unlock()

		tableLk.Lock()
		next.State = Running
		tableLk.Unlock()

		schedLk.Lock()
		hartCurrent[hart] = next.Pid
		schedLk.Unlock()

		var idle Context_t
		swtchAsm(&idle, &next.Ctx)

		tableLk.Lock()
		if next.State == Running {
			next.State = Runnable
		}
		tableLk.Unlock()
	}
}

// sleepers maps a sleep channel to every pid currently sleeping on it.
var (
	sleepLk  spinlock.Spinlock_t
	sleepers = map[defs.Chan_t][]defs.Pid_t{}
)

/// Sleep implements spec.md §5's sleep(chan, lock): the caller must hold
/// lock; Sleep releases it, blocks until a matching Wakeup, then
/// re-acquires lock before returning. lock is released and re-acquired
/// via its exported Lock/Unlock, so any spinlock-embedding type works.
func Sleep(ch defs.Chan_t, lock interface{ Lock(); Unlock() }) {
	pid := currentPid()
	tableLk.Lock()
	p := table[pid]
	p.State = Sleeping
	p.Chan = ch
	tableLk.Unlock()

	sleepLk.Lock()
	sleepers[ch] = append(sleepers[ch], pid)
	sleepLk.Unlock()

	lock.Unlock()
	Reschedule()
	lock.Lock()
}

/// SleepTicks implements spec.md §6's sys_sleep(ticks): blocks until at
/// least ticks global ticks have elapsed, per spec.md §5's
/// "sleep(ticks) wakes no earlier than ticks global ticks elapse."
func SleepTicks(ticks uint64) {
	var tickLock spinlock.Spinlock_t
	deadline := trap.Ticks() + ticks
	for trap.Ticks() < deadline {
		tickLock.Lock()
		Sleep(TickChan, &tickLock)
		tickLock.Unlock()
	}
}

/// Wakeup implements spec.md §3's sleep-channel invariant: every process
/// in state Sleeping(ch) becomes Runnable; no other state is touched.
func Wakeup(ch defs.Chan_t) {
	sleepLk.Lock()
	pids := sleepers[ch]
	delete(sleepers, ch)
	sleepLk.Unlock()

	tableLk.Lock()
	for _, pid := range pids {
		if p, ok := table[pid]; ok && p.State == Sleeping {
			p.State = Runnable
		}
	}
	tableLk.Unlock()
}

// currentPid identifies the process whose kernel stack the calling hart
// is presently executing on. The hook Init registers reads hartCurrent,
// the per-hart slot Reschedule sets when it switches to a process.
var currentPidFn func() defs.Pid_t

/// SetCurrentPid registers the per-hart "which process is this" hook.
func SetCurrentPid(f func() defs.Pid_t) {
	currentPidFn = f
}

func currentPid() defs.Pid_t {
	if currentPidFn == nil {
		panic("proc: current pid hook not registered")
	}
	return currentPidFn()
}
