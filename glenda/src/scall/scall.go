// Package scall implements spec.md §4.6's syscall layer: argument
// marshalling from the trap frame and per-number handler routing into
// the vm/proc/fs packages, with copyin/copyout/copyinstr as the sole
// user<->kernel crossing points (spec.md §4.6: "any fault returns −1").
package scall

import (
	"sync"

	"glenda/src/console"
	"glenda/src/defs"
	"glenda/src/fs"
	"glenda/src/mem"
	"glenda/src/proc"
	"glenda/src/trap"
)

// FS is the mounted root filesystem, wired by the kernel boot sequence
// before any process can run.
var FS *fs.Fs_t

// scratch is the kernel-side staging buffer copyin/copyout and the data
// syscalls (read/write_block, inode read/write_data) stage through; one
// disk block is the largest single crossing this syscall surface makes.
var scratch [fs.BSIZE]byte

// / Init wires Dispatch into the trap plane's syscall hook and records
// / the mounted filesystem every fs.* syscall operates on.
func Init(f *fs.Fs_t) {
	FS = f
	trap.Syscall = Dispatch
}

const failRet = ^uint64(0) // the ABI's -1 (spec.md §6)

// / Dispatch implements the ecall entry point: reads a7/a0..a5 from tf,
// / routes to the numbered handler, and writes the result (or -1 on any
// / failure) into tf's a0.
func Dispatch(tf *trap.Frame_t) {
	p := proc.Current()
	ret, err := call(p, tf)
	if err != 0 {
		tf.SetA0(failRet)
		return
	}
	tf.SetA0(ret)
}

func call(p *proc.Proc_t, tf *trap.Frame_t) (uint64, defs.Err_t) {
	switch tf.Syscallno() {
	case defs.SYS_HELLOWORLD:
		console.Printf("hello world\n")
		return 0, 0

	case defs.SYS_COPYIN:
		n := clampScratch(int(tf.Arg(1)))
		return 0, p.As.User2k(scratch[:n], mem.Pa_t(tf.Arg(0)))
	case defs.SYS_COPYOUT:
		n := clampScratch(int(tf.Arg(1)))
		return 0, p.As.K2user(scratch[:n], mem.Pa_t(tf.Arg(0)))
	case defs.SYS_COPYINSTR:
		s, err := p.As.Userstr(mem.Pa_t(tf.Arg(0)), clampScratch(int(tf.Arg(1))))
		if err != 0 {
			return 0, err
		}
		copy(scratch[:], s)
		return uint64(len(s)), 0

	case defs.SYS_BRK:
		addr, err := p.As.Brk(mem.Pa_t(tf.Arg(0)))
		return uint64(addr), err
	case defs.SYS_MMAP:
		begin, err := p.As.Mmap(mem.Pa_t(tf.Arg(0)), mem.Pa_t(tf.Arg(1)), mem.Pa_t(tf.Arg(2)))
		return uint64(begin), err
	case defs.SYS_MUNMAP:
		return 0, p.As.Munmap(mem.Pa_t(tf.Arg(0)), mem.Pa_t(tf.Arg(1)))

	case defs.SYS_PRINT_STR:
		s, err := p.As.Userstr(mem.Pa_t(tf.Arg(0)), clampScratch(int(tf.Arg(1))))
		if err != 0 {
			return 0, err
		}
		console.Printf("%s", string(s))
		return 0, 0
	case defs.SYS_PRINT_INT:
		console.Printf("%d", int64(tf.Arg(0)))
		return 0, 0
	case defs.SYS_GETPID:
		return uint64(p.Pid), 0

	case defs.SYS_ALLOC_BLOCK:
		b, err := FS.Alloc_block()
		return uint64(b), err
	case defs.SYS_FREE_BLOCK:
		return 0, FS.Free_block(int(tf.Arg(0)))
	case defs.SYS_ALLOC_INODE:
		i, err := FS.Alloc_inode()
		return uint64(i), err
	case defs.SYS_FREE_INODE:
		return 0, FS.Free_inode(defs.Inum_t(tf.Arg(0)))
	case defs.SYS_SHOW_BITMAP:
		return copyStrOut(p, FS.Show_bitmap(), mem.Pa_t(tf.Arg(0)), int(tf.Arg(1)))

	case defs.SYS_GET_BLOCK:
		b := FS.Get_block(fs.RootDev, int(tf.Arg(0)))
		return uint64(addHandle(b)), 0
	case defs.SYS_READ_BLOCK:
		b, ok := handleFor(int(tf.Arg(0)))
		if !ok {
			return 0, -defs.EINVAL
		}
		n := clampBlock(int(tf.Arg(2)))
		return 0, p.As.K2user(b.Data[:n], mem.Pa_t(tf.Arg(1)))
	case defs.SYS_WRITE_BLOCK:
		b, ok := handleFor(int(tf.Arg(0)))
		if !ok {
			return 0, -defs.EINVAL
		}
		n := clampBlock(int(tf.Arg(2)))
		if err := p.As.User2k(b.Data[:n], mem.Pa_t(tf.Arg(1))); err != 0 {
			return 0, err
		}
		FS.Write_block(b)
		return 0, 0
	case defs.SYS_PUT_BLOCK:
		b, ok := delHandle(int(tf.Arg(0)))
		if !ok {
			return 0, -defs.EINVAL
		}
		FS.Put_block(b)
		return 0, 0
	case defs.SYS_SHOW_BUFFER:
		return copyStrOut(p, FS.Show_buffer(), mem.Pa_t(tf.Arg(0)), int(tf.Arg(1)))
	case defs.SYS_FLUSH_BUFFER:
		FS.Flush_buffer(int(tf.Arg(0)))
		return 0, 0

	case defs.SYS_FORK:
		pid, err := proc.Fork(p)
		return uint64(pid), err
	case defs.SYS_WAIT:
		pid, code, err := proc.Wait(p)
		if err != 0 {
			return 0, err
		}
		if tf.Arg(0) != 0 {
			var buf [4]byte
			setle32(buf[:], uint32(code))
			if err := p.As.K2user(buf[:], mem.Pa_t(tf.Arg(0))); err != 0 {
				return 0, err
			}
		}
		return uint64(pid), 0
	case defs.SYS_EXIT:
		proc.Exit(p, int(tf.Arg(0)))
		proc.Reschedule()
		panic("scall: exited process resumed")
	case defs.SYS_SLEEP:
		proc.SleepTicks(tf.Arg(0))
		return 0, 0

	case defs.SYS_INODE_CREATE:
		i, err := FS.Inode_create(fs.Itype_t(tf.Arg(0)))
		return uint64(i), err
	case defs.SYS_INODE_DUP:
		return 0, FS.Inode_dup(defs.Inum_t(tf.Arg(0)))
	case defs.SYS_INODE_PUT:
		return 0, FS.Inode_put(defs.Inum_t(tf.Arg(0)))
	case defs.SYS_INODE_SET_NLINK:
		return 0, FS.Inode_set_nlink(defs.Inum_t(tf.Arg(0)), uint32(tf.Arg(1)))
	case defs.SYS_INODE_GET_REFCNT:
		return uint64(FS.Inode_get_refcnt(defs.Inum_t(tf.Arg(0)))), 0
	case defs.SYS_INODE_PRINT:
		return copyStrOut(p, FS.Inode_print(defs.Inum_t(tf.Arg(0))), mem.Pa_t(tf.Arg(1)), int(tf.Arg(2)))
	case defs.SYS_INODE_WRITE_DATA:
		n := clampScratch(int(tf.Arg(3)))
		if err := p.As.User2k(scratch[:n], mem.Pa_t(tf.Arg(2))); err != 0 {
			return 0, err
		}
		wrote, err := FS.Inode_write_data(defs.Inum_t(tf.Arg(0)), int(tf.Arg(1)), scratch[:n])
		return uint64(wrote), err
	case defs.SYS_INODE_READ_DATA:
		n := clampScratch(int(tf.Arg(3)))
		got, err := FS.Inode_read_data(defs.Inum_t(tf.Arg(0)), int(tf.Arg(1)), scratch[:n])
		if err != 0 {
			return 0, err
		}
		if err := p.As.K2user(scratch[:got], mem.Pa_t(tf.Arg(2))); err != 0 {
			return 0, err
		}
		return uint64(got), 0

	case defs.SYS_DENTRY_CREATE:
		name, err := p.As.Userstr(mem.Pa_t(tf.Arg(2)), clampScratch(int(tf.Arg(3))))
		if err != 0 {
			return 0, err
		}
		return 0, FS.Dentry_create(defs.Inum_t(tf.Arg(0)), defs.Inum_t(tf.Arg(1)), string(name))
	case defs.SYS_DENTRY_SEARCH:
		name, err := p.As.Userstr(mem.Pa_t(tf.Arg(1)), clampScratch(int(tf.Arg(2))))
		if err != 0 {
			return 0, err
		}
		inum, serr := FS.Dentry_search(defs.Inum_t(tf.Arg(0)), string(name))
		return uint64(inum), serr
	case defs.SYS_DENTRY_DELETE:
		name, err := p.As.Userstr(mem.Pa_t(tf.Arg(1)), clampScratch(int(tf.Arg(2))))
		if err != 0 {
			return 0, err
		}
		inum, derr := FS.Dentry_delete(defs.Inum_t(tf.Arg(0)), string(name))
		return uint64(inum), derr
	case defs.SYS_DENTRY_PRINT:
		FS.Dentry_print(defs.Inum_t(tf.Arg(0)))
		return 0, 0

	case defs.SYS_PATH_TO_INODE:
		path, err := p.As.Userstr(mem.Pa_t(tf.Arg(0)), clampScratch(int(tf.Arg(1))))
		if err != 0 {
			return 0, err
		}
		inum, perr := FS.Path_to_inode(string(path))
		return uint64(inum), perr
	case defs.SYS_PATH_TO_PARENT:
		path, err := p.As.Userstr(mem.Pa_t(tf.Arg(0)), clampScratch(int(tf.Arg(1))))
		if err != 0 {
			return 0, err
		}
		parent, tail, perr := FS.Path_to_parent(string(path))
		if perr != 0 {
			return 0, perr
		}
		out := append([]byte(tail), 0)
		if err := p.As.K2user(out, mem.Pa_t(tf.Arg(2))); err != 0 {
			return 0, err
		}
		return uint64(parent), 0
	case defs.SYS_PREPARE_ROOT:
		return 0, FS.Prepare_root()

	case defs.SYS_EXEC:
		// No general-purpose image loader is reachable from a running
		// user process: the only Image_t this kernel builds today comes
		// from the boot-embedded payload (see kernel.boot), consumed
		// once via Proc_t.Exec before any process can issue a syscall.
		return 0, -defs.EINVAL

	default:
		return 0, -defs.ENOENT_SYS
	}
}

func clampScratch(n int) int {
	if n > len(scratch) {
		return len(scratch)
	}
	return n
}

func clampBlock(n int) int {
	if n > fs.BSIZE {
		return fs.BSIZE
	}
	return n
}

func copyStrOut(p *proc.Proc_t, s string, uva mem.Pa_t, lenmax int) (uint64, defs.Err_t) {
	n := len(s)
	if n > lenmax {
		n = lenmax
	}
	if err := p.As.K2user([]byte(s)[:n], uva); err != 0 {
		return 0, err
	}
	return uint64(n), 0
}

func setle32(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}

// Block handles give the syscall ABI's integer registers a way to name
// the *fs.Buf_t a prior get_block returned, mirroring a file descriptor
// table's role for plain pointers.
var (
	blkLk    sync.Mutex
	blkTable = map[int]*fs.Buf_t{}
	nextBlk  = 1
)

func addHandle(b *fs.Buf_t) int {
	blkLk.Lock()
	defer blkLk.Unlock()
	h := nextBlk
	nextBlk++
	blkTable[h] = b
	return h
}

func handleFor(h int) (*fs.Buf_t, bool) {
	blkLk.Lock()
	defer blkLk.Unlock()
	b, ok := blkTable[h]
	return b, ok
}

func delHandle(h int) (*fs.Buf_t, bool) {
	blkLk.Lock()
	defer blkLk.Unlock()
	b, ok := blkTable[h]
	delete(blkTable, h)
	return b, ok
}
