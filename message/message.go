// Package message implements Message, the short-lived token that flows
// between controllers over an interconnect, and a pool of reusable
// message slots borrowed for the duration of one emit.
package message

import (
	"github.com/sarchlab/memhier/request"
)

// ControllerID identifies a controller attached to an interconnect. The
// hierarchy facade assigns these; interconnects and controllers only
// ever compare them for equality or use them to index into their own
// per-attached-controller tables.
type ControllerID int

// Message is a short-lived token carrying a request reference between
// controllers. Arg is a protocol-opaque field; no current coherence
// transition sets or reads it.
type Message struct {
	Sender    ControllerID
	Request   request.Handle
	Dest      ControllerID
	HasDest   bool
	Origin    ControllerID
	HasOrigin bool
	HasData   bool
	IsShared  bool
	Arg       any
}

// Pool is a fixed-capacity free list of Message slots. A caller borrows
// a slot with Get, fills it in, hands it to every receiver's signal
// callback, and calls Put once all receivers have returned.
type Pool struct {
	slots []Message
	free  []int
}

// NewPool creates a Pool with the given fixed capacity.
func NewPool(capacity int) *Pool {
	p := &Pool{
		slots: make([]Message, capacity),
		free:  make([]int, capacity),
	}
	for i := range p.free {
		p.free[i] = capacity - 1 - i
	}
	return p
}

// Token identifies a borrowed Message slot.
type Token int

// Get borrows a zeroed Message slot and returns it along with a Token
// to release it later.
func (p *Pool) Get() (*Message, Token) {
	if len(p.free) == 0 {
		panic("message: pool exhausted")
	}
	idx := p.free[len(p.free)-1]
	p.free = p.free[:len(p.free)-1]
	p.slots[idx] = Message{}
	return &p.slots[idx], Token(idx)
}

// Put returns a borrowed slot to the free list. The caller must not
// retain the *Message after calling Put.
func (p *Pool) Put(t Token) {
	p.slots[t] = Message{}
	p.free = append(p.free, int(t))
}

// InUse returns the number of currently-borrowed slots.
func (p *Pool) InUse() int {
	return len(p.slots) - len(p.free)
}
