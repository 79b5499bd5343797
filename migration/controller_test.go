package migration_test

import (
	"time"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
	"github.com/stretchr/testify/mock"

	"pegasuskv/hotkey"
	"pegasuskv/log"
	"pegasuskv/migration"
	"pegasuskv/rset"
	"pegasuskv/wire"
)

// mockSender lets tests assert exactly which MGR_REQ's were sent, the same
// way the teacher's cache/mock_callback_test.go mocks an eviction callback.
type mockSender struct {
	mock.Mock
}

func (m *mockSender) SendMgrReq(node uint8, keyhash uint32, key []byte, ver uint32) error {
	args := m.Called(node, keyhash, key, ver)
	return args.Error(0)
}

func newLog() log.Logger { return log.NewLogger(log.ErrorLevel, GinkgoWriter) }

func home(keyhash uint32) uint8 { return uint8(keyhash % 4) }

var _ = Describe("Controller", func() {
	var (
		detector *hotkey.Detector
		table    *rset.Table
		sender   *mockSender
		verNext  uint32
		ctrl     *migration.Controller
	)

	BeforeEach(func() {
		detector = hotkey.New(newLog(), hotkey.Config{SampleRate: 1, Threshold: 5, MaxRKeys: 2, Margin: 1})
		table = rset.NewTable(newLog())
		sender = &mockSender{}
		verNext = 0
		ctrl = migration.NewController(newLog(), detector, table, sender, &verNext, home, 4, 2, time.Hour)
	})

	It("promotes a hot unreplicated key (scenario S1)", func() {
		for i := 0; i < 5; i++ {
			detector.RecordUnreplicated(42, []byte("x"))
		}
		sender.On("SendMgrReq", mock.Anything, uint32(42), []byte("x"), mock.Anything).Return(nil)

		ctrl.RunEpoch()

		pending := ctrl.Pending()
		Expect(pending).To(HaveKey(uint32(42)))
		Expect(pending[42].State).To(Equal(migration.Requested))
		sender.AssertExpectations(GinkgoT())
	})

	It("installs the replica into the RSet table on MGR_ACK", func() {
		for i := 0; i < 5; i++ {
			detector.RecordUnreplicated(42, []byte("x"))
		}
		sender.On("SendMgrReq", mock.Anything, uint32(42), []byte("x"), mock.Anything).Return(nil)
		ctrl.RunEpoch()

		pending := ctrl.Pending()
		p := pending[42]
		Expect(p).NotTo(BeNil())

		ctrl.HandleMgrAck(wire.Header{KeyHash: 42, ServerID: p.Node, Ver: p.Ver})

		r := table.Lookup(42)
		Expect(r).NotTo(BeNil())
		Expect(r.VerCompleted()).To(BeEquivalentTo(p.Ver))
		Expect(r.Replicas()).To(ConsistOf(p.Node))
		Expect(ctrl.Pending()).NotTo(HaveKey(uint32(42)))
	})

	It("ignores a MGR_ACK that does not match the pending entry", func() {
		for i := 0; i < 5; i++ {
			detector.RecordUnreplicated(42, []byte("x"))
		}
		sender.On("SendMgrReq", mock.Anything, uint32(42), []byte("x"), mock.Anything).Return(nil)
		ctrl.RunEpoch()

		ctrl.HandleMgrAck(wire.Header{KeyHash: 42, ServerID: 99, Ver: 999})
		Expect(table.Lookup(42)).To(BeNil())
		Expect(ctrl.Pending()).To(HaveKey(uint32(42)))
	})

	It("discards a migration that never acks within the timeout", func() {
		for i := 0; i < 5; i++ {
			detector.RecordUnreplicated(42, []byte("x"))
		}
		sender.On("SendMgrReq", mock.Anything, uint32(42), []byte("x"), mock.Anything).Return(nil)
		ctrl = migration.NewController(newLog(), detector, table, sender, &verNext, home, 4, 2, time.Millisecond)
		ctrl.RunEpoch()

		Eventually(func() map[uint32]*migration.Pending {
			return ctrl.Pending()
		}).ShouldNot(HaveKey(uint32(42)))
	})
})
