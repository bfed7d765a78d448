package interconnect_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/memhier/interconnect"
	"github.com/sarchlab/memhier/message"
)

var _ = Describe("P2P", func() {
	It("forwards a message to the other endpoint immediately", func() {
		p := interconnect.NewP2P("core0-l1")
		a := newFakeController(1)
		b := newFakeController(2)
		p.Register(a)
		p.Register(b)

		ok := p.Send(1, message.Message{Sender: 1})
		Expect(ok).To(BeTrue())
		Expect(b.received).To(HaveLen(1))
		Expect(a.received).To(BeEmpty())
	})

	It("refuses a third registration", func() {
		p := interconnect.NewP2P("x")
		p.Register(newFakeController(1))
		p.Register(newFakeController(2))
		Expect(func() { p.Register(newFakeController(3)) }).To(Panic())
	})

	It("is never full and has zero delay", func() {
		p := interconnect.NewP2P("x")
		Expect(p.IsFull()).To(BeFalse())
		Expect(p.Delay()).To(BeEquivalentTo(0))
	})
})
