package tlb_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/memhier/tlb"
)

var _ = Describe("TLB", func() {
	var t *tlb.TLB

	BeforeEach(func() {
		t = tlb.New(tlb.Config{Entries: 4})
	})

	It("round-trips insert then probe", func() {
		Expect(t.Probe(0x123, 2)).To(BeFalse())
		t.Insert(0x123, 2)
		Expect(t.Probe(0x123, 2)).To(BeTrue())
	})

	It("keeps entries for distinct threads independent", func() {
		t.Insert(0x123, 2)
		t.Insert(0x123, 3)
		Expect(t.Probe(0x123, 2)).To(BeTrue())
		Expect(t.Probe(0x123, 3)).To(BeTrue())
	})

	It("FlushThread invalidates only that thread's entries", func() {
		t.Insert(0x123, 2)
		t.Insert(0x456, 3)

		t.FlushThread(2)

		Expect(t.Probe(0x123, 2)).To(BeFalse())
		Expect(t.Probe(0x456, 3)).To(BeTrue())
	})

	It("FlushVirt invalidates only the one matching slot", func() {
		t.Insert(0x123, 2)
		t.Insert(0x123, 3)

		t.FlushVirt(0x123, 2)

		Expect(t.Probe(0x123, 2)).To(BeFalse())
		Expect(t.Probe(0x123, 3)).To(BeTrue())
	})

	It("reports eviction of a different tag once entries are full", func() {
		t.Insert(0x1, 0)
		t.Insert(0x2, 0)
		t.Insert(0x3, 0)
		t.Insert(0x4, 0)
		evicted := t.Insert(0x5, 0)
		Expect(evicted).To(BeTrue())
	})

	It("Reset invalidates everything", func() {
		t.Insert(0x123, 2)
		t.Reset()
		Expect(t.Probe(0x123, 2)).To(BeFalse())
	})
})
