package vm

import "glenda/src/mem"

/// Vmi_t describes one mapped region of a process address space:
/// [Begin, End) page-aligned, disjoint from every other region in the
/// same Vmregion_t (spec.md §3, "Mmap region list").
type Vmi_t struct {
	Begin mem.Pa_t
	End   mem.Pa_t
	Perms mem.Pa_t
}

/// Vmregion_t holds a process's region list: ordered, disjoint, merged.
/// It holds the mmap regions plus the text and stack regions Exec
/// records. brk's heap and the trap-frame/trampoline pages are tracked
/// separately in Vm_t and never appear here.
type Vmregion_t struct {
	regions []Vmi_t
}

/// Lookup returns the region containing va, if any.
func (vr *Vmregion_t) Lookup(va mem.Pa_t) (Vmi_t, bool) {
	for _, r := range vr.regions {
		if va >= r.Begin && va < r.End {
			return r, true
		}
	}
	return Vmi_t{}, false
}

// overlaps reports whether [begin, end) intersects any existing region.
func (vr *Vmregion_t) overlaps(begin, end mem.Pa_t) bool {
	for _, r := range vr.regions {
		if begin < r.End && end > r.Begin {
			return true
		}
	}
	return false
}

/// Empty finds the first gap of at least length bytes at or after start,
/// scanning the sorted region list left to right (spec.md §4.4: "first-fit
/// in the region list, starting at MMAP_BEGIN").
func (vr *Vmregion_t) Empty(start, length mem.Pa_t) mem.Pa_t {
	cur := start
	for _, r := range vr.regions {
		if r.Begin >= cur+length {
			break
		}
		if r.End > cur {
			cur = r.End
		}
	}
	return cur
}

/// Insert adds [begin, end) with perms to the list in sorted position,
/// merging with any abutting or overlapping neighbour so the invariant
/// "adjacent or abutting intervals are always merged" (spec.md §3) holds
/// after every call. Overlap with a non-abutting, differently-permissioned
/// region is the caller's responsibility to rule out beforehand via
/// Overlaps; Insert itself never rejects.
func (vr *Vmregion_t) Insert(begin, end, perms mem.Pa_t) {
	nr := Vmi_t{Begin: begin, End: end, Perms: perms}
	merged := make([]Vmi_t, 0, len(vr.regions)+1)
	i := 0
	for i < len(vr.regions) && vr.regions[i].End < nr.Begin {
		merged = append(merged, vr.regions[i])
		i++
	}
	for i < len(vr.regions) && vr.regions[i].Begin <= nr.End {
		if vr.regions[i].Begin < nr.Begin {
			nr.Begin = vr.regions[i].Begin
		}
		if vr.regions[i].End > nr.End {
			nr.End = vr.regions[i].End
		}
		i++
	}
	merged = append(merged, nr)
	merged = append(merged, vr.regions[i:]...)
	vr.regions = merged
}

/// Overlaps reports whether [begin, end) intersects any existing region,
/// used by mmap's hint path to reject an overlapping fixed placement
/// (spec.md §4.4).
func (vr *Vmregion_t) Overlaps(begin, end mem.Pa_t) bool {
	return vr.overlaps(begin, end)
}

/// Remove trims, splits, or deletes every region intersecting
/// [begin, end), returning the sub-intervals of those regions that fell
/// inside [begin, end) (for the caller to free the backing frames of).
/// Munmapping an unmapped range is a no-op (spec.md §4.4).
func (vr *Vmregion_t) Remove(begin, end mem.Pa_t) []Vmi_t {
	var removed []Vmi_t
	kept := make([]Vmi_t, 0, len(vr.regions))
	for _, r := range vr.regions {
		if end <= r.Begin || begin >= r.End {
			kept = append(kept, r)
			continue
		}
		if r.Begin < begin {
			kept = append(kept, Vmi_t{Begin: r.Begin, End: begin, Perms: r.Perms})
		}
		lo := r.Begin
		if begin > lo {
			lo = begin
		}
		hi := r.End
		if end < hi {
			hi = end
		}
		removed = append(removed, Vmi_t{Begin: lo, End: hi, Perms: r.Perms})
		if r.End > end {
			kept = append(kept, Vmi_t{Begin: end, End: r.End, Perms: r.Perms})
		}
	}
	vr.regions = kept
	return removed
}

/// Clear empties the region list, used when tearing down an address
/// space on exit/exec.
func (vr *Vmregion_t) Clear() {
	vr.regions = nil
}

/// Regions returns the current sorted, disjoint region list. Callers must
/// not mutate the returned slice.
func (vr *Vmregion_t) Regions() []Vmi_t {
	return vr.regions
}
