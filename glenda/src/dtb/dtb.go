// Package dtb parses the firmware-provided flattened device tree blob and
// extracts the handful of facts the kernel core needs to bring itself up:
// CPU count, memory ranges, and the UART/PLIC/CLINT node addresses
// (spec.md §4.1, §6). The flattened-devicetree token layout mirrored here
// (FDT_BEGIN_NODE/FDT_END_NODE/FDT_PROP/FDT_END, big-endian struct/strings
// blocks) is the same wire format the companion fdt-building tooling in
// this corpus serializes.
package dtb

import (
	"encoding/binary"
	"errors"
	"strings"
)

const (
	magic = 0xd00dfeed

	tokenBeginNode = 0x1
	tokenEndNode   = 0x2
	tokenProp      = 0x3
	tokenNop       = 0x4
	tokenEnd       = 0x9
)

type header struct {
	Magic           uint32
	TotalSize       uint32
	OffDtStruct     uint32
	OffDtStrings    uint32
	OffMemRsvmap    uint32
	Version         uint32
	LastCompVersion uint32
	BootCpuidPhys   uint32
	SizeDtStrings   uint32
	SizeDtStruct    uint32
}

/// MemRange describes one /memory reg entry: [Base, Base+Size).
type MemRange struct {
	Base uint64
	Size uint64
}

/// Platform_t is the subset of the device tree the kernel core consults.
/// Populated once by hart 0 in Parse and never mutated afterward, so no
/// lock protects it (spec.md §9: "Initialised exactly once by hart 0
/// before any other hart runs user code").
type Platform_t struct {
	NCpus    int
	Mem      []MemRange
	UartBase uint64
	UartIRQ  uint32
	PlicBase uint64
	ClintBase uint64
	VirtioBase uint64
}

/// Parse walks the flattened device tree at blob and extracts the facts
/// named in spec.md §6: /cpus (count), /memory (ranges), /soc/uart@... with
/// compatible "ns16550a" (base, IRQ), /soc/plic@... (base), /soc/clint@...
/// (base). It returns an error if the blob's magic or version is wrong.
func Parse(blob []byte) (*Platform_t, error) {
	if len(blob) < 40 {
		return nil, errors.New("dtb: blob too short")
	}
	be := binary.BigEndian
	var h header
	h.Magic = be.Uint32(blob[0:4])
	h.TotalSize = be.Uint32(blob[4:8])
	h.OffDtStruct = be.Uint32(blob[8:12])
	h.OffDtStrings = be.Uint32(blob[12:16])
	h.OffMemRsvmap = be.Uint32(blob[16:20])
	h.Version = be.Uint32(blob[20:24])
	h.LastCompVersion = be.Uint32(blob[24:28])
	h.BootCpuidPhys = be.Uint32(blob[28:32])
	h.SizeDtStrings = be.Uint32(blob[32:36])
	h.SizeDtStruct = be.Uint32(blob[36:40])
	if h.Magic != magic {
		return nil, errors.New("dtb: bad magic")
	}
	if h.LastCompVersion > 17 {
		return nil, errors.New("dtb: unsupported version")
	}

	strs := blob[h.OffDtStrings : h.OffDtStrings+h.SizeDtStrings]
	structBlk := blob[h.OffDtStruct : h.OffDtStruct+h.SizeDtStruct]

	p := &Platform_t{}
	r := &reader{buf: structBlk, strs: strs}
	if err := r.walk(p); err != nil {
		return nil, err
	}
	return p, nil
}

type reader struct {
	buf  []byte
	strs []byte
	off  int
}

func (r *reader) u32() uint32 {
	v := binary.BigEndian.Uint32(r.buf[r.off:])
	r.off += 4
	return v
}

func (r *reader) align4() {
	if m := r.off % 4; m != 0 {
		r.off += 4 - m
	}
}

func (r *reader) cstr(off uint32) string {
	i := int(off)
	j := i
	for j < len(r.strs) && r.strs[j] != 0 {
		j++
	}
	return string(r.strs[i:j])
}

func nodeBaseName(name string) string {
	if i := strings.IndexByte(name, '@'); i >= 0 {
		return name[:i]
	}
	return name
}

// walk traverses the structure block, accumulating the facts named in
// spec.md §6 as it descends into /cpus, /memory, and /soc/{uart,plic,clint}.
func (r *reader) walk(p *Platform_t) error {
	var path []string
	var curCompatible string
	var curReg []byte

	flushNode := func() {
		joined := strings.Join(path, "/")
		base := nodeBaseName(path[len(path)-1])
		switch {
		case base == "cpu" && strings.HasPrefix(joined, "/cpus"):
			p.NCpus++
		case base == "memory" && len(curReg) >= 16:
			p.Mem = append(p.Mem, MemRange{
				Base: binary.BigEndian.Uint64(curReg[0:8]),
				Size: binary.BigEndian.Uint64(curReg[8:16]),
			})
		case strings.Contains(curCompatible, "ns16550a") && len(curReg) >= 8:
			p.UartBase = binary.BigEndian.Uint64(curReg[0:8])
		case base == "plic" && len(curReg) >= 8:
			p.PlicBase = binary.BigEndian.Uint64(curReg[0:8])
		case base == "clint" && len(curReg) >= 8:
			p.ClintBase = binary.BigEndian.Uint64(curReg[0:8])
		case strings.Contains(curCompatible, "virtio,mmio") && len(curReg) >= 8:
			// QEMU's virt machine instantiates several virtio-mmio slots;
			// the root disk is wired to whichever one probes as a block
			// device in kernel.ProbeVirtioBlk, so the first match here is
			// only a starting point to probe from.
			if p.VirtioBase == 0 {
				p.VirtioBase = binary.BigEndian.Uint64(curReg[0:8])
			}
		}
	}

	for r.off < len(r.buf) {
		tok := r.u32()
		switch tok {
		case tokenNop:
		case tokenBeginNode:
			start := r.off
			for r.buf[r.off] != 0 {
				r.off++
			}
			name := string(r.buf[start:r.off])
			r.off++
			r.align4()
			path = append(path, name)
			curCompatible = ""
			curReg = nil
		case tokenProp:
			length := r.u32()
			nameoff := r.u32()
			val := r.buf[r.off : r.off+int(length)]
			r.off += int(length)
			r.align4()
			switch r.cstr(nameoff) {
			case "compatible":
				curCompatible = string(val)
			case "reg":
				curReg = val
			case "interrupts":
				if len(val) >= 4 && strings.Contains(curCompatible, "ns16550a") {
					p.UartIRQ = binary.BigEndian.Uint32(val[0:4])
				}
			}
		case tokenEndNode:
			if len(path) > 0 {
				flushNode()
				path = path[:len(path)-1]
			}
		case tokenEnd:
			return nil
		default:
			return errors.New("dtb: malformed structure block")
		}
	}
	return nil
}
