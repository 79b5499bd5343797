package integration

import (
	"fmt"
	"math/rand"
	"os/exec"
	"runtime"
	"strconv"
	"sync"
	"time"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
	. "github.com/onsi/gomega/gexec"

	"pegasuskv/client"
	"pegasuskv/log"
	"pegasuskv/recycle"
	"pegasuskv/workload"
)

// LoadTest drives clientsNum concurrent clients against a freshly started
// lb+numNodes cluster for the given duration, mirroring the teacher's
// integration_test/load_test.go shape (warmup, concurrent workers racing
// on a shared request budget, a logging goroutine, final metrics dump) but
// speaking the Pegasus wire protocol via the client harness instead of the
// memcached text protocol.
func LoadTest(numNodes, clientsNum int, duration time.Duration) {
	prevMaxProcs := runtime.GOMAXPROCS(runtime.NumCPU())
	defer runtime.GOMAXPROCS(prevMaxProcs)

	topoPath, top := writeTopology(numNodes)

	var sessions []*Session
	lbCmd := exec.Command(PegasusCLI, "-config", topoPath, "-role", "lb")
	lbSession, err := Start(lbCmd, GinkgoWriter, GinkgoWriter)
	Expect(err).NotTo(HaveOccurred())
	sessions = append(sessions, lbSession)
	for i := 0; i < numNodes; i++ {
		cmd := exec.Command(PegasusCLI, "-config", topoPath, "-role", "server", "-node-id", strconv.Itoa(i))
		s, err := Start(cmd, GinkgoWriter, GinkgoWriter)
		Expect(err).NotTo(HaveOccurred())
		sessions = append(sessions, s)
	}
	defer func() {
		for _, s := range sessions {
			s.Kill()
		}
	}()
	time.Sleep(startupWait)

	const itemsNum = 1024
	keys := make([][]byte, itemsNum)
	for i := range keys {
		keys[i] = []byte(fmt.Sprintf("load_key_%d", i))
	}

	l := log.NewLogger(log.ErrorLevel, GinkgoWriter)
	pool := recycle.NewPool()

	start := &sync.WaitGroup{}
	start.Add(clientsNum)
	finish := &sync.WaitGroup{}
	finish.Add(clientsNum)

	allStats := make([]*client.Stats, clientsNum)
	for i := 0; i < clientsNum; i++ {
		id := i
		stats := client.NewStats()
		allStats[id] = stats
		gen := workload.New(workload.Config{
			Keys:         keys,
			ValueLen:     64,
			GetRatio:     0.9,
			PutRatio:     0.1,
			KeyDist:      "zipf",
			Alpha:        0.99,
			MeanInterval: time.Millisecond,
		}, rand.New(rand.NewSource(int64(id)+1)))

		c, err := client.New(l, pool, top.LBAddr, uint8(id), time.Second, gen, stats)
		Expect(err).NotTo(HaveOccurred())

		go func() {
			defer GinkgoRecover()
			start.Done()
			start.Wait()
			defer func() {
				c.Close()
				finish.Done()
			}()
			c.Run(duration)
		}()
	}

	finish.Wait()
	By("load test finished")

	var totalReplies, totalTimeouts int64
	for _, s := range allStats {
		totalReplies += s.Replies.Count()
		totalTimeouts += s.Timeouts.Count()
	}
	fmt.Fprintf(GinkgoWriter, "%d replies, %d timeouts across %d clients.\n", totalReplies, totalTimeouts, clientsNum)
}

var _ = Describe("Load", func() {
	It("sustains concurrent clients against a multi-node cluster without hard errors", func() {
		LoadTest(3, 4, 500*time.Millisecond)
	})
})
