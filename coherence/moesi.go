package coherence

import "github.com/sarchlab/memhier/cacheline"

// MOESI adds the Owner state to MESI: a shared,
// readable line whose holder still owes a write-back on eviction and
// is the unique supplier of clean data to other sharers. Local write
// upgrades from E/S/O are expected to be mediated by a directory (the
// cache controller asks the directory to evict other sharers before
// granting Modified); MOESI itself only encodes the line-state table.
type MOESI struct {
	MESI
}

func (p MOESI) Name() string { return "moesi" }

func (p MOESI) HandleLocalHit(op Op, state cacheline.State, lowestPrivate bool) (Decision, bool) {
	if BaseState(state) == Owner {
		switch op {
		case OpRead:
			return Decision{NewState: Owner, RespondUp: true, RespondData: true}, true
		case OpWrite:
			if lowestPrivate {
				return Decision{NewState: Modified, RespondUp: true, RespondData: true}, true
			}
			return Decision{NewState: Invalid}, false
		case OpEvict:
			return Decision{NewState: Invalid, SendDown: true}, true
		case OpUpdate:
			return Decision{NewState: Owner, SendDown: true}, true
		}
	}
	return p.MESI.HandleLocalHit(op, state, lowestPrivate)
}

func (p MOESI) HandleInterconnHit(op Op, state cacheline.State, lowestPrivate bool) (Decision, bool) {
	switch BaseState(state) {
	case Owner:
		switch op {
		case OpRead:
			return Decision{NewState: Owner, RespondUp: true, RespondData: true, IsShared: true}, true
		case OpWrite:
			return Decision{NewState: Invalid, SendDown: true, RespondUp: true}, true
		}
	case Modified:
		switch op {
		case OpRead:
			// Keep supplying data as the new Owner, which still owes the
			// write-back on eviction, rather than MESI's write-back and
			// demotion to Shared.
			return Decision{NewState: Owner, RespondUp: true, RespondData: true, IsShared: true}, true
		case OpWrite:
			return Decision{NewState: Invalid, SendDown: true, RespondUp: true}, true
		}
	}
	return p.MESI.HandleInterconnHit(op, state, lowestPrivate)
}
