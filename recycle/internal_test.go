package recycle

import (
	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
)

var _ = Describe("Pool create", func() {
	var p *Pool
	var chunkSizes []int

	Context("nil chunkSizes", func() {
		BeforeEach(func() {
			p = NewPoolSizes(nil)
			chunkSizes = nil
		})
		It("use defaults", func() {
			Expect(p.chunkSizes).To(Equal(DefaultChunkSizes))
		})
	})

	Context("invalid configuration", func() {
		JustBeforeEach(func() {
			Expect(func() {
				NewPoolSizes(chunkSizes)
			}).Should(Panic())
		})
		Context("when chunk sizes are unsorted", func() {
			BeforeEach(func() {
				chunkSizes = []int{1 << 10, 1 << 8}
			})
			It("creation panics", func() {})
		})

		Context("when chunk sizes have duplicates", func() {
			BeforeEach(func() {
				chunkSizes = []int{1 << 8, 1 << 10, 1 << 10}
			})
			It("creation panics", func() {})
		})
	})
})

var _ = Describe("chunk requested", func() {
	var p *Pool
	BeforeEach(func() {
		p = NewPool()
	})

	var chunkSize int
	var chunk, chunkCopy []byte
	JustBeforeEach(func() {
		chunk = p.chunk(chunkSize)
		chunkCopy = make([]byte, len(chunk))
		Rand.Read(chunkCopy)
		copy(chunk, chunkCopy)
	})

	AssertSizeEqualRequested := func() {
		It("size equal requested", func() {
			Expect(chunk).To(HaveLen(chunkSize))
		})
	}
	AssertChunkReturnsAfterRecycle := func() {
		It("it returns after recycle", func() {
			if RaceEnabled {
				Skip("no pooling happens when race detector is on")
			}
			p.recycleChunk(chunk)
			Expect(p.chunk(chunkSize)).To(Equal(chunk))
			Expect(chunk).To(Equal(chunkCopy))
		})
	}

	Context("size is few less than max", func() {
		BeforeEach(func() {
			chunkSize = p.MaxChunkSize() - 4
		})
		AssertSizeEqualRequested()
		AssertChunkReturnsAfterRecycle()
	})

	Context("size is greater than max", func() {
		BeforeEach(func() {
			chunkSize = p.MaxChunkSize() + 4
		})
		It("size equal max", func() {
			Expect(chunk).To(HaveLen(p.MaxChunkSize()))
		})
		AssertChunkReturnsAfterRecycle()
	})

	Context("size is little greater than half of min", func() {
		BeforeEach(func() {
			chunkSize = p.MinChunkSize()/2 + 1
		})
		AssertSizeEqualRequested()
		AssertChunkReturnsAfterRecycle()
	})

	Context("size is half of min", func() {
		BeforeEach(func() {
			chunkSize = p.MinChunkSize() / 2
		})
		AssertSizeEqualRequested()
		It("do not returns after recycle", func() {
			p.recycleChunk(chunk)
			Expect(p.chunk(chunkSize)).NotTo(Equal(chunk))
		})
	})
})
