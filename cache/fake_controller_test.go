package cache_test

import (
	"github.com/sarchlab/memhier/interconnect"
	"github.com/sarchlab/memhier/message"
	"github.com/sarchlab/memhier/request"
)

// fakeEndpoint is a minimal interconnect.Controller test double standing
// in for a producer above the cache, or memory below it.
type fakeEndpoint struct {
	id       message.ControllerID
	received []message.Message
	reply    func(ic interconnect.Interconnect, msg message.Message) message.Message // optional auto-responder
}

func newFakeEndpoint(id message.ControllerID) *fakeEndpoint {
	return &fakeEndpoint{id: id}
}

func (f *fakeEndpoint) ID() message.ControllerID { return f.id }

func (f *fakeEndpoint) Receive(ic interconnect.Interconnect, msg message.Message) bool {
	f.received = append(f.received, msg)
	if f.reply != nil {
		resp := f.reply(ic, msg)
		ic.Send(f.id, resp)
	}
	return true
}

func (f *fakeEndpoint) IsFull(fromInterconnect bool) bool { return false }

func (f *fakeEndpoint) AnnulRequest(h request.Handle) {}
