package kvserver_test

import (
	"time"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"pegasuskv/kvserver"
	"pegasuskv/log"
)

type fakeFetcher struct {
	value []byte
	ver   uint32
	ok    bool
}

func (f fakeFetcher) Fetch(key []byte) ([]byte, uint32, bool) { return f.value, f.ver, f.ok }

func newLog() log.Logger { return log.NewLogger(log.ErrorLevel, GinkgoWriter) }

var _ = Describe("Kernel", func() {
	It("returns ver 0 for an absent key", func() {
		k := kvserver.New(newLog(), 0, nil, time.Second)
		_, ver := k.Read([]byte("x"))
		Expect(ver).To(BeEquivalentTo(0))
	})

	It("applies a write and serves it back", func() {
		k := kvserver.New(newLog(), 0, nil, time.Second)
		installed := k.Write([]byte("x"), []byte("a"), 1)
		Expect(installed).To(BeEquivalentTo(1))
		value, ver := k.Read([]byte("x"))
		Expect(value).To(Equal([]byte("a")))
		Expect(ver).To(BeEquivalentTo(1))
	})

	It("discards a stale write but still acks the installed version", func() {
		k := kvserver.New(newLog(), 0, nil, time.Second)
		k.Write([]byte("x"), []byte("a"), 5)
		installed := k.Write([]byte("x"), []byte("stale"), 2)
		Expect(installed).To(BeEquivalentTo(5))
		value, _ := k.Read([]byte("x"))
		Expect(value).To(Equal([]byte("a")))
	})

	It("fetches a migrated key's value from the authoritative owner", func() {
		k := kvserver.New(newLog(), 1, fakeFetcher{value: []byte("a"), ver: 7, ok: true}, time.Second)
		installed := k.ProcessMigrationRequest([]byte("x"), 7)
		Expect(installed).To(BeEquivalentTo(7))
		value, ver := k.Read([]byte("x"))
		Expect(value).To(Equal([]byte("a")))
		Expect(ver).To(BeEquivalentTo(7))
	})

	It("reports rolling load and resets the counter", func() {
		k := kvserver.New(newLog(), 0, nil, time.Second)
		k.Read([]byte("x"))
		k.Read([]byte("y"))
		Expect(k.Load()).To(BeEquivalentTo(2))
		Expect(k.Load()).To(BeEquivalentTo(0))
	})

	It("Reset clears the store", func() {
		k := kvserver.New(newLog(), 0, nil, time.Second)
		k.Write([]byte("x"), []byte("a"), 1)
		k.Reset()
		_, ver := k.Read([]byte("x"))
		Expect(ver).To(BeEquivalentTo(0))
	})
})
