package wire_test

import (
	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"pegasuskv/wire"
)

func buildFrame(h wire.Header) []byte {
	frame := make([]byte, wire.HeaderSize+len(h.Key))
	wire.Encode(frame, h)
	return frame
}

var _ = Describe("Header", func() {
	var frame []byte
	var orig wire.Header

	BeforeEach(func() {
		orig = wire.Header{
			OpType:   wire.Write,
			KeyHash:  0xdeadbeef,
			ClientID: 3,
			ServerID: 1,
			Load:     42,
			Ver:      7,
			Key:      []byte("some-key"),
		}
		frame = buildFrame(orig)
	})

	It("round-trips through Encode/Parse", func() {
		got, err := wire.Parse(frame)
		Expect(err).NotTo(HaveOccurred())
		Expect(got.OpType).To(Equal(orig.OpType))
		Expect(got.KeyHash).To(Equal(orig.KeyHash))
		Expect(got.ClientID).To(Equal(orig.ClientID))
		Expect(got.ServerID).To(Equal(orig.ServerID))
		Expect(got.Load).To(Equal(orig.Load))
		Expect(got.Ver).To(Equal(orig.Ver))
		Expect(got.Key).To(Equal(orig.Key))
	})

	It("borrows the key slice without copying", func() {
		got, err := wire.Parse(frame)
		Expect(err).NotTo(HaveOccurred())
		frame[wire.HeaderSize] = 'X'
		Expect(got.Key[0]).To(Equal(byte('X')))
	})

	It("fails with ErrMalformed when the frame is shorter than the header", func() {
		_, err := wire.Parse(frame[:wire.HeaderSize-1])
		Expect(err).To(HaveOccurred())
	})

	It("fails with ErrMalformed when key_len overruns the frame", func() {
		_, err := wire.Parse(frame[:len(frame)-1])
		Expect(err).To(HaveOccurred())
	})

	It("fails with ErrMalformed on an unrecognized op_type", func() {
		frame[0] = 0xFF
		_, err := wire.Parse(frame)
		Expect(err).To(HaveOccurred())
	})

	Describe("Rewrite", func() {
		It("updates only the targeted fields and keeps the checksum valid", func() {
			checksum := wire.Checksum(frame)
			newServer := uint8(9)
			newVer := uint32(8)
			newChecksum := wire.Rewrite(frame, checksum, wire.Delta{
				ServerID: &newServer,
				Ver:      &newVer,
			})

			got, err := wire.Parse(frame)
			Expect(err).NotTo(HaveOccurred())
			Expect(got.ServerID).To(Equal(newServer))
			Expect(got.Ver).To(Equal(newVer))
			Expect(got.Load).To(Equal(orig.Load)) // untouched field unchanged
			Expect(got.Key).To(Equal(orig.Key))

			Expect(newChecksum).To(Equal(wire.Checksum(frame)))
		})

		It("is invertible: parse(rewrite(parse(p), delta)) matches delta applied to parse(p)", func() {
			checksum := wire.Checksum(frame)
			before, err := wire.Parse(frame)
			Expect(err).NotTo(HaveOccurred())

			newLoad := uint16(123)
			newChecksum := wire.Rewrite(frame, checksum, wire.Delta{Load: &newLoad})

			after, err := wire.Parse(frame)
			Expect(err).NotTo(HaveOccurred())

			want := before
			want.Load = newLoad
			Expect(after.OpType).To(Equal(want.OpType))
			Expect(after.KeyHash).To(Equal(want.KeyHash))
			Expect(after.ClientID).To(Equal(want.ClientID))
			Expect(after.ServerID).To(Equal(want.ServerID))
			Expect(after.Load).To(Equal(want.Load))
			Expect(after.Ver).To(Equal(want.Ver))
			Expect(newChecksum).To(Equal(wire.Checksum(frame)))
		})
	})
})

var _ = Describe("Checksum", func() {
	It("matches a from-scratch recompute after an incremental update", func() {
		frame := buildFrame(wire.Header{OpType: wire.Read, KeyHash: 1, ServerID: 0, Ver: 1})
		checksum := wire.Checksum(frame)
		for serverID := uint8(1); serverID < 5; serverID++ {
			id := serverID
			checksum = wire.Rewrite(frame, checksum, wire.Delta{ServerID: &id})
			Expect(checksum).To(Equal(wire.Checksum(frame)))
		}
	})
})
