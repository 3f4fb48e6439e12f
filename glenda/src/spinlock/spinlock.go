// Package spinlock implements the mutual-exclusion primitive used by every
// global kernel data structure named in spec.md §9 ("each is a single
// process-wide object protected by one spinlock").
package spinlock

import (
	"runtime"
	"sync/atomic"
)

/// Spinlock_t is a test-and-set lock. Acquisition disables interrupts on
/// the local hart; release restores them iff this acquisition was the
/// outermost one. A hart that tries to re-acquire a lock it already holds
/// panics (deadlock-detect, spec.md §5).
type Spinlock_t struct {
	taken   uint32
	holder  int32 // hartid + 1 of the current holder, 0 if unlocked
	nest    int32 // outermost-acquisition interrupt state, valid while held
}

/// CurrentHart, IntrOff, and IntrRestore are supplied by the trap package
/// at boot: spinlock cannot import trap (trap depends on spinlock), so
/// trap.Init registers these hooks before secondary harts are started.
/// Until registered, every caller is treated as hart 0 running with
/// interrupts already off (true for all of early boot): Lock never
/// changes interrupt state, and a Lock from any caller while the lock is
/// held panics as a recursive acquisition.
var (
	CurrentHart func() int           = func() int { return 0 }
	IntrOff     func() bool          = func() bool { return false }
	IntrRestore func(wasEnabled bool) = func(bool) {}
)

/// Lock acquires the lock, spinning with a pause-equivalent in the spin
/// body, and disables interrupts on the calling hart.
func (sl *Spinlock_t) Lock() {
	h := int32(CurrentHart()) + 1
	if atomic.LoadInt32(&sl.holder) == h {
		panic("spinlock: recursive acquisition by same hart")
	}
	wasEnabled := IntrOff()
	for !atomic.CompareAndSwapUint32(&sl.taken, 0, 1) {
		runtime.Gosched()
	}
	atomic.StoreInt32(&sl.holder, h)
	if wasEnabled {
		sl.nest = 1
	} else {
		sl.nest = 0
	}
}

/// Unlock releases the lock and, if this was the outermost acquisition,
/// restores interrupts on the calling hart.
func (sl *Spinlock_t) Unlock() {
	h := int32(CurrentHart()) + 1
	if atomic.LoadInt32(&sl.holder) != h {
		panic("spinlock: unlock by non-holder")
	}
	wasOutermost := sl.nest == 1
	atomic.StoreInt32(&sl.holder, 0)
	atomic.StoreUint32(&sl.taken, 0)
	IntrRestore(wasOutermost)
}

/// Held reports whether the calling hart currently holds the lock. Used by
/// Lockassert-style invariant checks in other packages.
func (sl *Spinlock_t) Held() bool {
	return atomic.LoadInt32(&sl.holder) == int32(CurrentHart())+1
}
