package message_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/memhier/message"
)

var _ = Describe("Pool", func() {
	It("hands out zeroed slots and recycles them on Put", func() {
		pool := message.NewPool(2)

		m1, t1 := pool.Get()
		m1.HasData = true
		m1.IsShared = true
		Expect(pool.InUse()).To(Equal(1))

		pool.Put(t1)
		Expect(pool.InUse()).To(Equal(0))

		m2, _ := pool.Get()
		Expect(m2.HasData).To(BeFalse())
		Expect(m2.IsShared).To(BeFalse())
	})

	It("panics when exhausted", func() {
		pool := message.NewPool(1)
		pool.Get()
		Expect(func() { pool.Get() }).To(Panic())
	})
})
