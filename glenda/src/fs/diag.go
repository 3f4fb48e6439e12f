package fs

import (
	"fmt"

	"github.com/google/pprof/profile"

	"glenda/src/defs"
)

// sampleProfile builds a one-value-per-sample profile.Profile, the
// structured diagnostic shape SPEC_FULL.md's §4.10 asks for in place of
// ad hoc text: one sample per live resource, labelled with whatever the
// caller hands in.
func sampleProfile(valueType, unit string, samples []*profile.Sample) *profile.Profile {
	return &profile.Profile{
		SampleType: []*profile.ValueType{{Type: valueType, Unit: unit}},
		Sample:     samples,
	}
}

// / Show_buffer implements spec.md §6's show_buffer: one profile sample
// / per live buffer-cache slot, labelled with block number and carrying
// / refcount/dirty as numeric labels.
func (fs *Fs_t) Show_buffer() string {
	fs.cache.lk.Lock()
	var samples []*profile.Sample
	for e := fs.cache.lru.Front(); e != nil; e = e.Next() {
		b := e.Value.(*Buf_t)
		if b.Dev == noSlot {
			continue
		}
		dirty := int64(0)
		if b.Dirty {
			dirty = 1
		}
		samples = append(samples, &profile.Sample{
			Value:    []int64{1},
			Label:    map[string][]string{"dev": {fmt.Sprint(b.Dev)}},
			NumLabel: map[string][]int64{"blkno": {int64(b.Blkno)}, "refcnt": {int64(b.Refcnt)}, "dirty": {dirty}},
		})
	}
	fs.cache.lk.Unlock()
	return sampleProfile("buffers", "slot", samples).String()
}

// / Show_bitmap implements spec.md §6's show_bitmap: one profile sample
// / per set bit in the block bitmap, labelled with its data block number.
func (fs *Fs_t) Show_bitmap() string {
	var samples []*profile.Sample
	lenBlks := fs.super.BlockBitmapLen()
	startBlk := fs.super.BlockBitmapStart()
	dataStart := int64(fs.super.DataStart())
	for i := uint64(0); i < lenBlks; i++ {
		b := fs.cache.Get_block(RootDev, int(startBlk+i))
		for byteoff := 0; byteoff < BSIZE; byteoff++ {
			v := b.Data[byteoff]
			if v == 0 {
				continue
			}
			for bit := 0; bit < 8; bit++ {
				if v&(1<<uint(bit)) == 0 {
					continue
				}
				n := int64(i)*BSIZE*8 + int64(byteoff)*8 + int64(bit)
				samples = append(samples, &profile.Sample{
					Value:    []int64{1},
					NumLabel: map[string][]int64{"block": {dataStart + n}},
				})
			}
		}
		fs.cache.Put_block(b)
	}
	return sampleProfile("blocks", "block", samples).String()
}

// / Inode_print implements spec.md §4.9's inode_print as a single-sample
// / profile dump of one inode's on-disk fields.
func (fs *Fs_t) Inode_print(i defs.Inum_t) string {
	b := fs.diskInodeBlock(i)
	di := fs.diskInodeAt(b, i)
	defer fs.cache.Put_block(b)
	sample := &profile.Sample{
		Value: []int64{1},
		NumLabel: map[string][]int64{
			"inum":  {int64(i)},
			"type":  {int64(di.Type())},
			"size":  {int64(di.Size())},
			"nlink": {int64(di.Nlink())},
		},
	}
	return sampleProfile("inode", "inode", []*profile.Sample{sample}).String()
}
