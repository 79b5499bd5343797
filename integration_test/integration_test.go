package integration

import (
	"math/rand"
	"os/exec"
	"strconv"
	"time"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
	. "github.com/onsi/gomega/gexec"

	"pegasuskv/client"
	"pegasuskv/config"
	"pegasuskv/controller"
	"pegasuskv/log"
	"pegasuskv/recycle"
	"pegasuskv/workload"
)

const startupWait = 150 * time.Millisecond

var _ = Describe("Integration", func() {
	var sessions []*Session

	startCluster := func(numNodes int) config.Topology {
		topoPath, top := writeTopology(numNodes)

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
		time.Sleep(startupWait)
		return top
	}

	AfterEach(func() {
		for _, s := range sessions {
			s.Kill()
		}
		sessions = nil
	})

	It("round-trips a PUT then GET through the load balancer to a backend node", func() {
		top := startCluster(2)

		l := log.NewLogger(log.ErrorLevel, GinkgoWriter)
		pool := recycle.NewPool()

		putGen := workload.New(workload.Config{
			Keys:     [][]byte{[]byte("integration-key")},
			ValueLen: 16,
			PutRatio: 1.0,
		}, rand.New(rand.NewSource(1)))
		putClient, err := client.New(l, pool, top.LBAddr, 1, 2*time.Second, putGen, client.NewStats())
		Expect(err).NotTo(HaveOccurred())
		defer putClient.Close()

		putReply, err := putClient.Do()
		Expect(err).NotTo(HaveOccurred())
		Expect(putReply).NotTo(BeNil())

		getGen := workload.New(workload.Config{
			Keys:     [][]byte{[]byte("integration-key")},
			GetRatio: 1.0,
		}, rand.New(rand.NewSource(2)))
		getClient, err := client.New(l, pool, top.LBAddr, 2, 2*time.Second, getGen, client.NewStats())
		Expect(err).NotTo(HaveOccurred())
		defer getClient.Close()

		getReply, err := getClient.Do()
		Expect(err).NotTo(HaveOccurred())
		Expect(getReply).NotTo(BeNil())
	})

	It("accepts a RESET from the controller and acknowledges it", func() {
		top := startCluster(1)

		l := log.NewLogger(log.ErrorLevel, GinkgoWriter)
		pool := recycle.NewPool()

		ctl, err := controller.Dial(l, pool, top.LBAddr, 2*time.Second)
		Expect(err).NotTo(HaveOccurred())
		defer ctl.Close()

		Expect(ctl.Reset()).To(Succeed())
	})
})
