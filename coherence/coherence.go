// Package coherence implements the pluggable line-state transition
// rules: MESI, MOESI, and a MESI+TSX overlay. A Protocol is a
// stateless strategy object the cache controller consults on every
// hit/miss/fill/evict decision; cacheline.State stays an opaque byte
// to the controller, interpreted only here.
package coherence

import "github.com/sarchlab/memhier/cacheline"

// MESI/MOESI line states.
const (
	Invalid   cacheline.State = 0
	Shared    cacheline.State = 1
	Exclusive cacheline.State = 2
	Modified  cacheline.State = 3
	Owner     cacheline.State = 4 // MOESI only
)

// TSX membership bits, overlaid on the low MESI/MOESI state bits.
const (
	TMRead  cacheline.State = 1 << 3
	TMWrite cacheline.State = 1 << 4
)

const baseStateMask cacheline.State = 0x7

// BaseState strips any TSX membership bits, returning the underlying
// MESI/MOESI state.
func BaseState(s cacheline.State) cacheline.State { return s & baseStateMask }

// Op mirrors the request ops a coherence decision needs to distinguish.
// It deliberately does not import package request, keeping coherence
// decoupled from the request arena's lifetime concerns.
type Op int

const (
	OpRead Op = iota
	OpWrite
	OpUpdate
	OpEvict
)

// Decision is what a Protocol hands back to the cache controller for
// one hit/miss classification: the resulting line state and what, if
// anything, must be sent where.
type Decision struct {
	NewState    cacheline.State
	RespondUp   bool
	RespondData bool
	SendDown    bool
	IsShared    bool
	Abort       bool
}

// Protocol is the per-variant strategy: transition tables for local
// and interconnect hits and misses, plus fill completion and
// line-validity queries.
type Protocol interface {
	Name() string

	// HandleLocalHit classifies a producer-side access against state,
	// given whether this cache is the lowest private level for the
	// line. The second return value is false when the table demotes
	// the access to a miss (e.g. a write hitting a shared-but-not-
	// lowest-private line); callers should then invoke HandleLocalMiss.
	HandleLocalHit(op Op, state cacheline.State, lowestPrivate bool) (Decision, bool)

	// HandleLocalMiss classifies a producer-side access when the line
	// is not resident.
	HandleLocalMiss(op Op, lowestPrivate bool) Decision

	// HandleInterconnHit classifies a peer/lower-level query (snoop or
	// write-back request) against a resident line. Same demotion
	// convention as HandleLocalHit.
	HandleInterconnHit(op Op, state cacheline.State, lowestPrivate bool) (Decision, bool)

	// HandleInterconnMiss classifies a peer/lower-level query against a
	// line this cache does not hold.
	HandleInterconnMiss(op Op) Decision

	// CompleteRequest computes the post-fill state once a miss's
	// response has arrived, given the op that missed and whether the
	// response indicated the line is shared elsewhere.
	CompleteRequest(op Op, responseShared bool) cacheline.State

	// IsLineValid reports whether state represents cached, readable data.
	IsLineValid(state cacheline.State) bool

	// OnEvict is consulted before a line is replaced. It reports
	// whether the eviction must abort an in-flight transaction (TSX
	// only; MESI/MOESI always return false).
	OnEvict(state cacheline.State) (abort bool)

	// OnSnoopWrite is consulted when a peer's write snoops a resident
	// line. It reports whether this must abort an in-flight
	// transaction (TSX only).
	OnSnoopWrite(state cacheline.State) (abort bool)
}
