// Package cacheline implements a fixed set-associative tag/state
// array: LRU replacement, an opaque coherence state byte, and
// per-cycle read/write port metering.
//
// Tag and LRU bookkeeping are delegated to akita's cache directory
// (github.com/sarchlab/akita/v4/mem/cache); coherence state, which
// akita's generic Block has no field for, rides alongside in a
// parallel array indexed by SetID*ways+WayID.
package cacheline

import (
	akitacache "github.com/sarchlab/akita/v4/mem/cache"
)

// State is an opaque per-line coherence state byte. Zero always means
// Invalid; every other value is defined and interpreted only by the
// active coherence protocol.
type State byte

// Invalid is the universal zero state shared by every coherence protocol.
const Invalid State = 0

// Config parameterizes one set-associative cache-line array.
type Config struct {
	Sets          int
	Ways          int
	LineSize      int
	AccessLatency uint64
	ReadPorts     int
	WritePorts    int
}

// Line is a handle to one slot in the array: a tag plus a mutable
// coherence state, shared by reference so coherence logic can read and
// rewrite the state in place.
type Line struct {
	block *akitacache.Block
	arr   *Array
}

// Tag returns the line's current block-aligned tag.
func (l *Line) Tag() uint64 {
	return l.block.Tag
}

// State returns the line's current coherence state.
func (l *Line) State() State {
	return l.arr.states[l.arr.index(l.block)]
}

// SetState overwrites the line's coherence state. Setting Invalid also
// clears the underlying directory's valid flag so a later Probe of the
// same tag reports a miss.
func (l *Line) SetState(s State) {
	l.arr.states[l.arr.index(l.block)] = s
	l.block.IsValid = s != Invalid
}

// Array is a fixed set-associative array of cache lines.
type Array struct {
	cfg      Config
	lineBits uint
	dir      *akitacache.DirectoryImpl
	states   []State

	lastPortCycle uint64
	readCount     int
	writeCount    int
}

// New creates a cache-line array for the given configuration.
func New(cfg Config) *Array {
	bits := uint(0)
	for (1 << bits) < cfg.LineSize {
		bits++
	}

	totalBlocks := cfg.Sets * cfg.Ways
	return &Array{
		cfg:      cfg,
		lineBits: bits,
		dir: akitacache.NewDirectory(
			cfg.Sets,
			cfg.Ways,
			cfg.LineSize,
			akitacache.NewLRUVictimFinder(),
		),
		states: make([]State, totalBlocks),
	}
}

// Config returns the array's configuration.
func (a *Array) Config() Config {
	return a.cfg
}

func (a *Array) index(b *akitacache.Block) int {
	return b.SetID*a.cfg.Ways + b.WayID
}

func (a *Array) blockAddr(addr uint64) uint64 {
	return (addr >> a.lineBits) << a.lineBits
}

// Probe locates the line containing addr, updating LRU on a hit, and
// reports whether it is present and valid (State != Invalid).
func (a *Array) Probe(addr uint64) (*Line, bool) {
	blockAddr := a.blockAddr(addr)
	block := a.dir.Lookup(0, blockAddr)
	if block == nil || !block.IsValid {
		return nil, false
	}
	a.dir.Visit(block)
	return &Line{block: block, arr: a}, true
}

// Select locates the slot that should hold addr: the existing line if
// its tag already matches, or the LRU victim of its set otherwise. It
// reports the victim's previous tag and state, or (0, Invalid, false)
// if the slot was already invalid (nothing to evict). The returned
// Line's tag and state are reset to addr's block address and Invalid;
// the caller is responsible for installing the new state.
func (a *Array) Select(addr uint64) (line *Line, oldTag uint64, oldState State, evicted bool) {
	blockAddr := a.blockAddr(addr)

	if existing := a.dir.Lookup(0, blockAddr); existing != nil && existing.IsValid {
		a.dir.Visit(existing)
		return &Line{block: existing, arr: a}, 0, Invalid, false
	}

	victim := a.dir.FindVictim(blockAddr)
	wasValid := victim.IsValid
	prevTag := victim.Tag
	prevState := a.states[a.index(victim)]
	if !wasValid {
		prevTag, prevState = 0, Invalid
	}

	victim.Tag = blockAddr
	victim.IsValid = false
	a.states[a.index(victim)] = Invalid
	a.dir.Visit(victim)

	return &Line{block: victim, arr: a}, prevTag, prevState, wasValid
}

// Invalidate clears the line containing addr, if present. It returns 1
// on a hit (something was invalidated) or 0 on a miss.
func (a *Array) Invalidate(addr uint64) int {
	blockAddr := a.blockAddr(addr)
	block := a.dir.Lookup(0, blockAddr)
	if block == nil || !block.IsValid {
		return 0
	}
	block.IsValid = false
	a.states[a.index(block)] = Invalid
	return 1
}

// GetPort meters the per-cycle read/write port budget: counters reset
// whenever now advances past the last-touched cycle, and an access is
// admitted iff its class (read, or write/update/evict) hasn't yet hit
// its configured port count this cycle.
func (a *Array) GetPort(now uint64, isWrite bool) bool {
	if now != a.lastPortCycle {
		a.lastPortCycle = now
		a.readCount = 0
		a.writeCount = 0
	}

	if isWrite {
		if a.writeCount >= a.cfg.WritePorts {
			return false
		}
		a.writeCount++
		return true
	}

	if a.readCount >= a.cfg.ReadPorts {
		return false
	}
	a.readCount++
	return true
}

// VisitLines calls fn for every valid line. Used for coherence
// invariant scans and state dumps; fn must not mutate the array.
func (a *Array) VisitLines(fn func(tag uint64, state State)) {
	for _, set := range a.dir.GetSets() {
		for _, block := range set.Blocks {
			if block.IsValid {
				fn(block.Tag, a.states[a.index(block)])
			}
		}
	}
}

// RewriteStates applies fn to every valid line's state. A line rewritten
// to Invalid is also invalidated in the underlying directory, so later
// probes of its tag miss.
func (a *Array) RewriteStates(fn func(state State) State) {
	for _, set := range a.dir.GetSets() {
		for _, block := range set.Blocks {
			if !block.IsValid {
				continue
			}
			s := fn(a.states[a.index(block)])
			a.states[a.index(block)] = s
			block.IsValid = s != Invalid
		}
	}
}

// AccessLatency returns the configured per-access latency in cycles.
func (a *Array) AccessLatency() uint64 {
	return a.cfg.AccessLatency
}

// Reset invalidates every line in the array.
func (a *Array) Reset() {
	a.dir.Reset()
	for i := range a.states {
		a.states[i] = Invalid
	}
	a.readCount = 0
	a.writeCount = 0
	a.lastPortCycle = 0
}
