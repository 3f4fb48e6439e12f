package vm

import (
	"testing"

	"glenda/src/mem"
)

func TestVmregionInsertMergesAbutting(t *testing.T) {
	var vr Vmregion_t
	vr.Insert(0x1000, 0x2000, mem.PTE_R)
	vr.Insert(0x2000, 0x3000, mem.PTE_R)
	got := vr.Regions()
	if len(got) != 1 {
		t.Fatalf("expected abutting regions to merge into one, got %v", got)
	}
	if got[0].Begin != 0x1000 || got[0].End != 0x3000 {
		t.Fatalf("merged region = [%#x,%#x), want [0x1000,0x3000)", got[0].Begin, got[0].End)
	}
}

func TestVmregionInsertKeepsDisjointRegionsSeparate(t *testing.T) {
	var vr Vmregion_t
	vr.Insert(0x1000, 0x2000, mem.PTE_R)
	vr.Insert(0x4000, 0x5000, mem.PTE_R)
	if len(vr.Regions()) != 2 {
		t.Fatalf("disjoint regions should not merge, got %v", vr.Regions())
	}
}

func TestVmregionOverlaps(t *testing.T) {
	var vr Vmregion_t
	vr.Insert(0x1000, 0x3000, mem.PTE_R)
	cases := []struct {
		begin, end mem.Pa_t
		want       bool
	}{
		{0x1000, 0x2000, true},
		{0x0, 0x1000, false},
		{0x2000, 0x4000, true},
		{0x3000, 0x4000, false},
	}
	for _, c := range cases {
		if got := vr.Overlaps(c.begin, c.end); got != c.want {
			t.Errorf("Overlaps(%#x,%#x) = %v, want %v", c.begin, c.end, got, c.want)
		}
	}
}

func TestVmregionEmptyFirstFit(t *testing.T) {
	var vr Vmregion_t
	vr.Insert(0x1000, 0x2000, mem.PTE_R)
	vr.Insert(0x3000, 0x4000, mem.PTE_R)
	// A request that fits in the [0x2000,0x3000) gap should land there.
	if got := vr.Empty(0x1000, 0x1000); got != 0x2000 {
		t.Fatalf("Empty(0x1000,0x1000) = %#x, want 0x2000", got)
	}
	// A request too large for that gap should skip past both regions.
	if got := vr.Empty(0x1000, 0x1800); got != 0x4000 {
		t.Fatalf("Empty(0x1000,0x1800) = %#x, want 0x4000", got)
	}
}

func TestVmregionRemoveSplitsAndTrims(t *testing.T) {
	var vr Vmregion_t
	vr.Insert(0x1000, 0x4000, mem.PTE_R)

	removed := vr.Remove(0x2000, 0x3000)
	if len(removed) != 1 || removed[0].Begin != 0x2000 || removed[0].End != 0x3000 {
		t.Fatalf("Remove returned %v, want one [0x2000,0x3000) interval", removed)
	}
	kept := vr.Regions()
	if len(kept) != 2 {
		t.Fatalf("expected a split into two regions, got %v", kept)
	}
	if kept[0].Begin != 0x1000 || kept[0].End != 0x2000 {
		t.Errorf("left remainder = [%#x,%#x), want [0x1000,0x2000)", kept[0].Begin, kept[0].End)
	}
	if kept[1].Begin != 0x3000 || kept[1].End != 0x4000 {
		t.Errorf("right remainder = [%#x,%#x), want [0x3000,0x4000)", kept[1].Begin, kept[1].End)
	}
}

func TestVmregionRemoveUnmappedRangeIsNoop(t *testing.T) {
	var vr Vmregion_t
	vr.Insert(0x1000, 0x2000, mem.PTE_R)
	removed := vr.Remove(0x5000, 0x6000)
	if len(removed) != 0 {
		t.Fatalf("Remove of an unmapped range returned %v, want none", removed)
	}
	if len(vr.Regions()) != 1 {
		t.Fatalf("unrelated remove must not disturb existing regions, got %v", vr.Regions())
	}
}
