package cacheline_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/memhier/cacheline"
)

const testState cacheline.State = 3

var _ = Describe("Array", func() {
	var arr *cacheline.Array

	BeforeEach(func() {
		arr = cacheline.New(cacheline.Config{
			Sets:          4,
			Ways:          2,
			LineSize:      64,
			AccessLatency: 2,
			ReadPorts:     1,
			WritePorts:    1,
		})
	})

	It("misses on an empty array", func() {
		_, ok := arr.Probe(0x1000)
		Expect(ok).To(BeFalse())
	})

	It("hits after Select + SetState installs a line", func() {
		line, _, _, evicted := arr.Select(0x1000)
		Expect(evicted).To(BeFalse())
		line.SetState(testState)

		got, ok := arr.Probe(0x1000)
		Expect(ok).To(BeTrue())
		Expect(got.State()).To(Equal(testState))
		Expect(got.Tag()).To(Equal(uint64(0x1000)))
	})

	It("reports a miss again after Invalidate", func() {
		line, _, _, _ := arr.Select(0x2000)
		line.SetState(testState)

		Expect(arr.Invalidate(0x2000)).To(Equal(1))
		_, ok := arr.Probe(0x2000)
		Expect(ok).To(BeFalse())
	})

	It("reports 0 from Invalidate on an address never installed", func() {
		Expect(arr.Invalidate(0x9000)).To(Equal(0))
	})

	It("evicts the LRU victim once a set is full and reports its old tag", func() {
		// Two ways per set; addresses that alias to the same set (same
		// set index bits, distinct tags) force an eviction on the third.
		base := uint64(0x1000)
		lineSize := uint64(64)
		setStride := lineSize * 4 // 4 sets

		l0, _, _, _ := arr.Select(base)
		l0.SetState(testState)
		l1, _, _, _ := arr.Select(base + setStride)
		l1.SetState(testState)

		l2, oldTag, _, evicted := arr.Select(base + 2*setStride)
		Expect(evicted).To(BeTrue())
		Expect(oldTag == base || oldTag == base+setStride).To(BeTrue())
		l2.SetState(testState)

		// exactly one of the first two lines was evicted
		_, hit0 := arr.Probe(base)
		_, hit1 := arr.Probe(base + setStride)
		Expect(hit0 != hit1).To(BeTrue())
	})

	It("meters read and write ports separately per cycle", func() {
		Expect(arr.GetPort(10, false)).To(BeTrue())
		Expect(arr.GetPort(10, false)).To(BeFalse()) // 1 read port, second denied

		Expect(arr.GetPort(10, true)).To(BeTrue())
		Expect(arr.GetPort(10, true)).To(BeFalse()) // 1 write port, second denied

		// a new cycle resets both counters
		Expect(arr.GetPort(11, false)).To(BeTrue())
		Expect(arr.GetPort(11, true)).To(BeTrue())
	})

	It("invalidates everything on Reset", func() {
		line, _, _, _ := arr.Select(0x3000)
		line.SetState(testState)
		arr.Reset()
		_, ok := arr.Probe(0x3000)
		Expect(ok).To(BeFalse())
	})
})
