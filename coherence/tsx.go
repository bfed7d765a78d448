package coherence

import "github.com/sarchlab/memhier/cacheline"

// TSXTracker tracks per-core transactional nesting depth and abort
// context for the MESI+TSX overlay. A thread's transaction is
// nestable; only the outermost xend commits, and only the outermost
// xbegin's backup is the one an abort rolls back to.
type TSXTracker struct {
	depth   map[int]int
	backup  map[int]any
	abortPC map[int]uint64

	// AbortHandler, if set, is invoked by XAbort with the rolled-back
	// core's backup context and abort address. The hierarchy facade uses
	// it to clear transactional membership bits on the core's caches and
	// to redirect the producer's next fetch.
	AbortHandler func(coreID int, backup any, abortPC uint64)
}

// NewTSXTracker creates an empty tracker.
func NewTSXTracker() *TSXTracker {
	return &TSXTracker{
		depth:   make(map[int]int),
		backup:  make(map[int]any),
		abortPC: make(map[int]uint64),
	}
}

// XBegin enters a (possibly nested) transaction for coreID. backup and
// abortPC are recorded only on the outermost xbegin.
func (t *TSXTracker) XBegin(coreID int, backup any, abortPC uint64) {
	if t.depth[coreID] == 0 {
		t.backup[coreID] = backup
		t.abortPC[coreID] = abortPC
	}
	t.depth[coreID]++
}

// XEnd decrements nesting depth, reporting whether this was the
// outermost xend (the transaction actually committed).
func (t *TSXTracker) XEnd(coreID int) (committed bool) {
	if t.depth[coreID] == 0 {
		return false
	}
	t.depth[coreID]--
	if t.depth[coreID] == 0 {
		delete(t.backup, coreID)
		delete(t.abortPC, coreID)
		return true
	}
	return false
}

// XAbort rolls back coreID's transaction unconditionally, returning
// the backup context and abort address recorded at the outermost
// xbegin. ok is false if coreID was not in a transaction.
func (t *TSXTracker) XAbort(coreID int) (backup any, abortPC uint64, ok bool) {
	if t.depth[coreID] == 0 {
		return nil, 0, false
	}
	backup, abortPC = t.backup[coreID], t.abortPC[coreID]
	delete(t.depth, coreID)
	delete(t.backup, coreID)
	delete(t.abortPC, coreID)
	if t.AbortHandler != nil {
		t.AbortHandler(coreID, backup, abortPC)
	}
	return backup, abortPC, true
}

// InTSX reports whether coreID currently has an open transaction.
func (t *TSXTracker) InTSX(coreID int) bool { return t.depth[coreID] > 0 }

// TSXAware is implemented by protocols that mark cache lines with
// transactional read/write-set membership bits. The cache controller
// type-asserts for it after a local hit/miss decision and, if the
// requesting core is transactional, folds the membership bit into the
// resulting line state; it calls Abort when an eviction or snoop-write
// conflict hits a transactional line.
type TSXAware interface {
	ApplyMembership(state cacheline.State, coreID int, isWrite bool) cacheline.State
	// Abort rolls back coreID's transaction, if one is open.
	Abort(coreID int)
}

// MESITSX overlays MESI's state table with TSX read/write-set
// membership bits and abort detection.
type MESITSX struct {
	MESI
	Tracker *TSXTracker
}

// NewMESITSX creates a MESI+TSX protocol sharing tracker with the
// cache controller(s) that drive xbegin/xend/xabort.
func NewMESITSX(tracker *TSXTracker) *MESITSX {
	return &MESITSX{Tracker: tracker}
}

func (t *MESITSX) Name() string { return "mesi+tsx" }

// ApplyMembership sets TMRead (and, for a write, TMWrite) on state if
// coreID is currently transactional; otherwise state is returned
// unchanged.
func (t *MESITSX) ApplyMembership(state cacheline.State, coreID int, isWrite bool) cacheline.State {
	if !t.Tracker.InTSX(coreID) {
		return state
	}
	state |= TMRead
	if isWrite {
		state |= TMWrite
	}
	return state
}

// Abort rolls back coreID's transaction through the shared tracker.
func (t *MESITSX) Abort(coreID int) {
	t.Tracker.XAbort(coreID)
}

// OnEvict reports an abort: evicting any line still marked with either
// TSX membership bit conflicts with its owning transaction.
func (t *MESITSX) OnEvict(state cacheline.State) bool {
	return state&(TMRead|TMWrite) != 0
}

// OnSnoopWrite reports an abort: a peer's write to a line this core
// has touched transactionally conflicts with that transaction.
func (t *MESITSX) OnSnoopWrite(state cacheline.State) bool {
	return state&(TMRead|TMWrite) != 0
}
