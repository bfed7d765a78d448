package hierarchy

// The TSX front door: producers drive xbegin/xend/xabort/xtest through
// the facade; conflict-triggered aborts arrive through the shared
// tracker's abort handler wired up at construction.

// XBegin enters a (possibly nested) transaction for coreID, capturing
// the backup context and abort address at the outermost level only.
func (h *Hierarchy) XBegin(coreID int, backup any, abortPC uint64) {
	if h.tsx == nil {
		return
	}
	h.tsx.XBegin(coreID, backup, abortPC)
}

// XEnd leaves one nesting level. Only the outermost XEnd commits; on
// commit the transactional membership bits are cleared from the core's
// private caches.
func (h *Hierarchy) XEnd(coreID int) (committed bool) {
	if h.tsx == nil {
		return false
	}
	if h.tsx.XEnd(coreID) {
		h.clearTransactionalState(coreID)
		return true
	}
	return false
}

// XAbort rolls back coreID's transaction unconditionally. The abort
// handler (membership-bit sweep plus the producer's context restore)
// runs before XAbort returns.
func (h *Hierarchy) XAbort(coreID int) bool {
	if h.tsx == nil {
		return false
	}
	_, _, ok := h.tsx.XAbort(coreID)
	return ok
}

// XTest reports whether coreID is currently inside a transaction; the
// producer maps this onto ZF.
func (h *Hierarchy) XTest(coreID int) bool {
	return h.tsx != nil && h.tsx.InTSX(coreID)
}

// clearTransactionalState strips the transactional membership bits from
// every line in the core's private caches.
func (h *Hierarchy) clearTransactionalState(coreID int) {
	for _, c := range h.coreCaches[coreID] {
		c.Lines().RewriteStates(stripMembership)
	}
}
