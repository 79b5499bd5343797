package hotkey_test

import (
	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"pegasuskv/hotkey"
	"pegasuskv/log"
)

func newDetector(cfg hotkey.Config) *hotkey.Detector {
	return hotkey.New(log.NewLogger(log.ErrorLevel, GinkgoWriter), cfg)
}

var _ = Describe("Detector", func() {
	// HK_THRESHOLD=5, STATS_SAMPLE_RATE=1 per spec §8 scenario S1.
	cfg := hotkey.Config{SampleRate: 1, Threshold: 5, MaxRKeys: 2, Margin: 1}

	It("promotes an unreplicated key after threshold accesses (property 6, scenario S1)", func() {
		d := newDetector(cfg)
		for i := 0; i < 5; i++ {
			d.RecordUnreplicated(42, []byte("x"))
		}
		proposals := d.Epoch(0)
		Expect(proposals).To(HaveLen(1))
		Expect(proposals[0].Kind).To(Equal(hotkey.Promote))
		Expect(proposals[0].Keyhash).To(BeEquivalentTo(42))
		Expect(proposals[0].Key).To(Equal([]byte("x")))
	})

	It("does not promote a key that falls short of the threshold", func() {
		d := newDetector(cfg)
		for i := 0; i < 4; i++ {
			d.RecordUnreplicated(42, []byte("x"))
		}
		Expect(d.Epoch(0)).To(BeEmpty())
	})

	It("samples 1-in-N unreplicated accesses", func() {
		d := newDetector(hotkey.Config{SampleRate: 10, Threshold: 2, MaxRKeys: 2, Margin: 1})
		for i := 0; i < 19; i++ {
			d.RecordUnreplicated(7, []byte("y"))
		}
		Expect(d.Epoch(0)).To(BeEmpty()) // only 1 sampled tick (19/10)

		d2 := newDetector(hotkey.Config{SampleRate: 10, Threshold: 2, MaxRKeys: 2, Margin: 1})
		for i := 0; i < 20; i++ {
			d2.RecordUnreplicated(7, []byte("y"))
		}
		Expect(d2.Epoch(0)).To(HaveLen(1)) // 2 sampled ticks (20/10)
	})

	It("fills a free slot before considering replacement", func() {
		d := newDetector(cfg)
		for i := 0; i < 5; i++ {
			d.RecordUnreplicated(1, []byte("a"))
		}
		proposals := d.Epoch(1) // one slot free out of MaxRKeys=2
		Expect(proposals).To(HaveLen(1))
		Expect(proposals[0].Kind).To(Equal(hotkey.Promote))
	})

	Describe("eviction under load shift (scenario S4)", func() {
		It("replaces the coldest rkey when a hotter candidate exceeds it by the margin", func() {
			d := newDetector(cfg)
			d.AddRKey(100, []byte("p"))
			d.AddRKey(101, []byte("q-old"))
			d.RecordReplicated(100)
			d.RecordReplicated(100) // rkey_access_count("p") = 2
			// candidate "q" sampled 6 times this epoch.
			for i := 0; i < 6; i++ {
				d.RecordUnreplicated(55, []byte("q"))
			}
			proposals := d.Epoch(2) // both slots full
			Expect(proposals).To(HaveLen(1))
			Expect(proposals[0].Kind).To(Equal(hotkey.Replace))
			Expect(proposals[0].Keyhash).To(BeEquivalentTo(55))
		})

		It("refuses replacement when the margin is not cleared", func() {
			d := newDetector(hotkey.Config{SampleRate: 1, Threshold: 5, MaxRKeys: 1, Margin: 10})
			d.AddRKey(100, []byte("p"))
			d.RecordReplicated(100)
			for i := 0; i < 5; i++ {
				d.RecordUnreplicated(55, []byte("q"))
			}
			Expect(d.Epoch(1)).To(BeEmpty())
		})
	})

	It("clears counters and candidates at epoch end", func() {
		d := newDetector(cfg)
		for i := 0; i < 5; i++ {
			d.RecordUnreplicated(1, []byte("a"))
		}
		Expect(d.Epoch(0)).To(HaveLen(1))
		// Same key needs a fresh 5 accesses next epoch, not just 1 more.
		d.RecordUnreplicated(1, []byte("a"))
		Expect(d.Epoch(1)).To(BeEmpty())
	})
})
