// Package tlb implements a fully-associative virtual-page lookup,
// thread-tagged and with one-hot victim selection.
//
// It reuses the same akita cache-directory primitive cacheline wraps,
// configured as a single set so FindVictim's LRU discipline reduces to
// plain fully-associative evict-the-oldest selection.
package tlb

import (
	akitacache "github.com/sarchlab/akita/v4/mem/cache"
)

// The synthesized 40-bit lookup key is a 36-bit virtual page number
// plus a 4-bit thread id in the low bits.
const threadIDBits = 4
const threadIDMask = (1 << threadIDBits) - 1

// Config parameterizes a TLB instance.
type Config struct {
	// Entries is the number of fully-associative slots.
	Entries int
}

// TLB is a fully-associative (virtual page, thread id) -> slot array.
type TLB struct {
	dir *akitacache.DirectoryImpl
}

// New creates a TLB with the given number of entries.
func New(cfg Config) *TLB {
	return &TLB{
		dir: akitacache.NewDirectory(
			1,
			cfg.Entries,
			1,
			akitacache.NewLRUVictimFinder(),
		),
	}
}

func tag(virt uint64, tid int) uint64 {
	return (virt << threadIDBits) | uint64(tid&threadIDMask)
}

// Probe reports whether (virt, tid) is currently resident.
func (t *TLB) Probe(virt uint64, tid int) bool {
	block := t.dir.Lookup(0, tag(virt, tid))
	return block != nil && block.IsValid
}

// Insert installs (virt, tid), selecting a victim slot if necessary
// (preferring an empty slot; otherwise the LRU-oldest occupied one). It
// reports whether this evicted a different tag.
func (t *TLB) Insert(virt uint64, tid int) (evictedOther bool) {
	key := tag(virt, tid)

	if existing := t.dir.Lookup(0, key); existing != nil && existing.IsValid {
		t.dir.Visit(existing)
		return false
	}

	victim := t.dir.FindVictim(key)
	wasValid := victim.IsValid
	oldTag := victim.Tag

	victim.Tag = key
	victim.IsValid = true
	t.dir.Visit(victim)

	return wasValid && oldTag != key
}

// FlushThread invalidates every slot tagged with tid.
func (t *TLB) FlushThread(tid int) {
	for _, set := range t.dir.GetSets() {
		for _, block := range set.Blocks {
			if block.IsValid && int(block.Tag&threadIDMask) == (tid&threadIDMask) {
				block.IsValid = false
			}
		}
	}
}

// FlushVirt invalidates the single slot for (virt, tid), if present.
func (t *TLB) FlushVirt(virt uint64, tid int) {
	block := t.dir.Lookup(0, tag(virt, tid))
	if block != nil {
		block.IsValid = false
	}
}

// Reset invalidates every slot.
func (t *TLB) Reset() {
	t.dir.Reset()
}
