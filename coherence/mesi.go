package coherence

import "github.com/sarchlab/memhier/cacheline"

// MESI implements the Invalid/Shared/Exclusive/Modified protocol.
type MESI struct{}

func (MESI) Name() string { return "mesi" }

func (MESI) HandleLocalHit(op Op, state cacheline.State, lowestPrivate bool) (Decision, bool) {
	switch BaseState(state) {
	case Exclusive:
		switch op {
		case OpRead:
			return Decision{NewState: Exclusive, RespondUp: true, RespondData: true}, true
		case OpWrite:
			if lowestPrivate {
				return Decision{NewState: Modified, RespondUp: true, RespondData: true}, true
			}
			return Decision{NewState: Invalid}, false
		case OpEvict:
			return Decision{NewState: Invalid}, true
		case OpUpdate:
			return Decision{NewState: Exclusive, SendDown: true}, true
		}
	case Shared:
		switch op {
		case OpRead:
			return Decision{NewState: Shared, RespondUp: true, RespondData: true}, true
		case OpWrite:
			if lowestPrivate {
				return Decision{NewState: Modified, SendDown: true, RespondUp: true, RespondData: true}, true
			}
			return Decision{NewState: Invalid}, false
		case OpEvict:
			return Decision{NewState: Invalid}, true
		case OpUpdate:
			return Decision{NewState: Shared, SendDown: true}, true
		}
	case Modified:
		switch op {
		case OpRead, OpWrite:
			return Decision{NewState: Modified, RespondUp: true, RespondData: true}, true
		case OpEvict:
			return Decision{NewState: Invalid, SendDown: true}, true
		case OpUpdate:
			return Decision{NewState: Modified, RespondUp: true}, true
		}
	}
	return Decision{}, false
}

func (MESI) HandleLocalMiss(op Op, lowestPrivate bool) Decision {
	return Decision{SendDown: true}
}

func (MESI) HandleInterconnHit(op Op, state cacheline.State, lowestPrivate bool) (Decision, bool) {
	switch BaseState(state) {
	case Invalid:
		return Decision{RespondUp: true}, true
	case Exclusive:
		switch op {
		case OpRead:
			return Decision{NewState: Shared, RespondUp: true, RespondData: true, IsShared: true}, true
		case OpWrite:
			return Decision{NewState: Invalid, RespondUp: true}, true
		case OpUpdate:
			return Decision{NewState: state, SendDown: false}, true
		}
	case Shared:
		switch op {
		case OpRead:
			return Decision{NewState: Shared, RespondUp: true, RespondData: true, IsShared: true}, true
		case OpWrite:
			return Decision{NewState: Invalid, RespondUp: true}, true
		case OpUpdate:
			return Decision{NewState: state, SendDown: false}, true
		}
	case Modified:
		switch op {
		case OpRead:
			return Decision{NewState: Shared, SendDown: true, RespondUp: true, RespondData: true, IsShared: true}, true
		case OpWrite:
			return Decision{NewState: Invalid, SendDown: true, RespondUp: true}, true
		}
	}
	return Decision{RespondUp: true}, true
}

func (MESI) HandleInterconnMiss(op Op) Decision {
	return Decision{RespondUp: true}
}

func (MESI) CompleteRequest(op Op, responseShared bool) cacheline.State {
	switch op {
	case OpWrite:
		return Modified
	case OpRead:
		if responseShared {
			return Shared
		}
		return Exclusive
	default:
		return Shared
	}
}

func (MESI) IsLineValid(state cacheline.State) bool { return BaseState(state) != Invalid }

func (MESI) OnEvict(state cacheline.State) bool      { return false }
func (MESI) OnSnoopWrite(state cacheline.State) bool { return false }
