package kernel

import (
	"fmt"
	"unsafe"

	"glenda/src/fs"
	"glenda/src/mem"
)

// virtio-mmio register offsets (virtio spec v1.1 §4.2.2). Only the
// subset a polled, single-outstanding-request block driver touches.
const (
	vioMagic          = 0x000
	vioVersion        = 0x004
	vioDeviceID       = 0x008
	vioDeviceFeatures = 0x010
	vioDriverFeatures = 0x020
	vioQueueSel       = 0x030
	vioQueueNumMax    = 0x034
	vioQueueNum       = 0x038
	vioQueueReady     = 0x044
	vioQueueNotify    = 0x050
	vioInterruptStat  = 0x060
	vioInterruptAck   = 0x064
	vioStatus         = 0x070
	vioQueueDescLow   = 0x080
	vioQueueDescHigh  = 0x084
	vioQueueDriverLow = 0x090
	vioQueueDriverHigh = 0x094
	vioQueueDeviceLow = 0x0a0
	vioQueueDeviceHigh = 0x0a4

	vioMagicValue  = 0x74726976
	vioBlkDeviceID = 2
)

const (
	statusAcknowledge = 1
	statusDriver      = 2
	statusFeaturesOK  = 8
	statusDriverOK    = 4
)

const (
	descFNext  = 1
	descFWrite = 2
)

const qsize = 4 // one request in flight needs 3 chained descriptors

type vqDesc struct {
	Addr  uint64
	Len   uint32
	Flags uint16
	Next  uint16
}

// VirtioBlk_t is a minimal polled virtio-mmio block device driver,
// implementing fs.Disk_i's "one outstanding request, polled" transport
// (spec.md §2). Unlike a production virtio driver it never enables used-
// buffer interrupts: Start spins on the used ring until the device
// publishes the descriptor chain it just submitted, matching spec.md
// §2's explicitly minimal scope.
type VirtioBlk_t struct {
	base uintptr

	desc      *[qsize]vqDesc
	availFlags, availIdx *uint16
	availRing *[qsize]uint16
	usedFlags, usedIdx   *uint16
	usedRing  *[qsize]struct{ ID, Len uint32 }

	hdr    *[16]byte
	status *byte

	lastUsed uint16
}

func (v *VirtioBlk_t) reg(off uintptr) *uint32 {
	return (*uint32)(unsafe.Pointer(v.base + off))
}

// ProbeVirtioBlk scans the virtio-mmio slots QEMU's virt machine exposes
// starting at base (dtb.Platform_t.VirtioBase, spaced 0x1000 apart) for
// the first one reporting DeviceID 2 (block), and brings it up. Panics
// if none is found, per spec.md §7's "resource exhaustion/missing
// hardware during init ⇒ panic".
func ProbeVirtioBlk(base uint64, slots int) *VirtioBlk_t {
	for i := 0; i < slots; i++ {
		addr := uintptr(base) + uintptr(i)*0x1000
		magic := *(*uint32)(unsafe.Pointer(addr + vioMagic))
		if magic != vioMagicValue {
			continue
		}
		devid := *(*uint32)(unsafe.Pointer(addr + vioDeviceID))
		if devid != vioBlkDeviceID {
			continue
		}
		return initVirtioBlk(addr)
	}
	panic("kernel: no virtio-blk device found")
}

func initVirtioBlk(base uintptr) *VirtioBlk_t {
	v := &VirtioBlk_t{base: base}

	*v.reg(vioStatus) = 0
	*v.reg(vioStatus) = statusAcknowledge
	*v.reg(vioStatus) = statusAcknowledge | statusDriver
	*v.reg(vioDriverFeatures) = 0 // negotiate no optional features
	*v.reg(vioStatus) = statusAcknowledge | statusDriver | statusFeaturesOK
	if *v.reg(vioStatus)&statusFeaturesOK == 0 {
		panic("kernel: virtio-blk rejected feature negotiation")
	}

	_, ctrlPg, ok := mem.Physmem.Alloc()
	if !ok {
		panic("kernel: out of frames bringing up virtio-blk")
	}
	ctrl := uintptr(unsafe.Pointer(ctrlPg))

	*v.reg(vioQueueSel) = 0
	if *v.reg(vioQueueNumMax) < qsize {
		panic("kernel: virtio-blk queue too small")
	}
	*v.reg(vioQueueNum) = qsize

	// Queue addresses are written as 32-bit low/high halves (virtio-mmio
	// v2 legacy-compatible registers); QEMU's virt machine keeps all of
	// guest RAM below 4GiB by default, so the high half is always zero.
	descOff, availOff, usedOff := uintptr(0), uintptr(256), uintptr(1024)
	*v.reg(vioQueueDescLow) = uint32(ctrl + descOff)
	*v.reg(vioQueueDescHigh) = 0
	*v.reg(vioQueueDriverLow) = uint32(ctrl + availOff)
	*v.reg(vioQueueDriverHigh) = 0
	*v.reg(vioQueueDeviceLow) = uint32(ctrl + usedOff)
	*v.reg(vioQueueDeviceHigh) = 0
	*v.reg(vioQueueReady) = 1

	v.desc = (*[qsize]vqDesc)(unsafe.Pointer(ctrl + descOff))
	v.availFlags = (*uint16)(unsafe.Pointer(ctrl + availOff))
	v.availIdx = (*uint16)(unsafe.Pointer(ctrl + availOff + 2))
	v.availRing = (*[qsize]uint16)(unsafe.Pointer(ctrl + availOff + 4))
	v.usedFlags = (*uint16)(unsafe.Pointer(ctrl + usedOff))
	v.usedIdx = (*uint16)(unsafe.Pointer(ctrl + usedOff + 2))
	v.usedRing = (*[qsize]struct{ ID, Len uint32 })(unsafe.Pointer(ctrl + usedOff + 4))

	v.hdr = (*[16]byte)(unsafe.Pointer(ctrl + 2048))
	v.status = (*byte)(unsafe.Pointer(ctrl + 2064))

	*v.reg(vioStatus) = statusAcknowledge | statusDriver | statusFeaturesOK | statusDriverOK
	fmt.Printf("kernel: virtio-blk ready at %#x\n", base)
	return v
}

const sectorsPerBlock = fs.BSIZE / 512

// Start implements fs.Disk_i: submits req as a 3-descriptor chain
// (header, data, status byte) and spins on the used ring until the
// device returns it (spec.md §2). Any reported I/O failure panics,
// per spec.md §7's "disk I/O failure ⇒ panic, no recovery path in
// scope".
func (v *VirtioBlk_t) Start(req *fs.Bdev_req_t) {
	reqType := uint32(0) // VIRTIO_BLK_T_IN (read)
	dataFlags := uint16(descFNext | descFWrite)
	if req.Cmd == fs.BDEV_WRITE {
		reqType = 1 // VIRTIO_BLK_T_OUT
		dataFlags = descFNext
	}
	le32(v.hdr[0:4], reqType)
	le32(v.hdr[4:8], 0)
	le64(v.hdr[8:16], uint64(req.Block)*uint64(sectorsPerBlock))
	*v.status = 0xff

	dataAddr := uintptr(unsafe.Pointer(req.Data))
	v.desc[0] = vqDesc{Addr: uint64(uintptr(unsafe.Pointer(v.hdr))), Len: 16, Flags: descFNext, Next: 1}
	v.desc[1] = vqDesc{Addr: uint64(dataAddr), Len: fs.BSIZE, Flags: dataFlags, Next: 2}
	v.desc[2] = vqDesc{Addr: uint64(uintptr(unsafe.Pointer(v.status))), Len: 1, Flags: descFWrite, Next: 0}

	slot := *v.availIdx % qsize
	v.availRing[slot] = 0
	*v.availIdx++
	*v.reg(vioQueueNotify) = 0

	for *v.usedIdx == v.lastUsed {
	}
	v.lastUsed = *v.usedIdx
	*v.reg(vioInterruptAck) = *v.reg(vioInterruptStat)

	if *v.status != 0 {
		panic("kernel: virtio-blk request failed")
	}
	req.Done <- true
}

func le32(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}

func le64(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * i))
	}
}
