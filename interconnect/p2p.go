package interconnect

import (
	"github.com/sarchlab/memhier/message"
	"github.com/sarchlab/memhier/request"
)

// P2P is a zero-latency point-to-point link between exactly two
// controllers. It never queues: Send forwards synchronously to the
// other endpoint.
type P2P struct {
	name        string
	controllers [2]Controller
	registered  int
}

// NewP2P creates a point-to-point link. Exactly two controllers must be
// Register'd before use.
func NewP2P(name string) *P2P {
	return &P2P{name: name}
}

func (p *P2P) Name() string { return p.name }

// Register attaches a controller. Panics if more than two are attached,
// since a point-to-point link has no routing to perform.
func (p *P2P) Register(c Controller) {
	if p.registered >= 2 {
		panic("interconnect: P2P accepts at most two controllers")
	}
	p.controllers[p.registered] = c
	p.registered++
}

func (p *P2P) other(sender message.ControllerID) Controller {
	if p.controllers[0] != nil && p.controllers[0].ID() == sender {
		return p.controllers[1]
	}
	return p.controllers[0]
}

// Send forwards msg to whichever endpoint did not send it.
func (p *P2P) Send(sender message.ControllerID, msg message.Message) bool {
	dst := p.other(sender)
	if dst == nil {
		return false
	}
	return dst.Receive(p, msg)
}

// Delay is always zero: a point-to-point link has no queueing latency.
func (p *P2P) Delay() uint64 { return 0 }

// IsFull is always false: nothing is ever queued on a point-to-point link.
func (p *P2P) IsFull() bool { return false }

// AnnulRequest is a no-op: nothing in flight to cancel.
func (p *P2P) AnnulRequest(h request.Handle) {}

// Reset is a no-op: a point-to-point link holds no state.
func (p *P2P) Reset() {}
