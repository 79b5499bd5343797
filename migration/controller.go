// Package migration implements the promotion/eviction handshake that
// installs or retires a replicated key on a specific backend node (spec
// §4.5): it runs the epoch tick against the hot-key detector, drives
// pending MGR_REQ/MGR_ACK exchanges to completion or timeout, and commits
// the outcome into the RSet table.
package migration

import (
	"sync"
	"sync/atomic"
	"time"

	"pegasuskv/hotkey"
	"pegasuskv/log"
	"pegasuskv/rset"
	"pegasuskv/wire"
)

// State is where a single pending migration sits in its handshake.
type State int

const (
	Proposed State = iota
	Requested
	Installed
	TimedOut
)

func (s State) String() string {
	switch s {
	case Proposed:
		return "PROPOSED"
	case Requested:
		return "REQUESTED"
	case Installed:
		return "INSTALLED"
	case TimedOut:
		return "TIMED_OUT"
	default:
		return "UNKNOWN"
	}
}

// Pending is one in-flight promotion: key K onto replica node, at version
// ver. The evict fields are set only for a Replace proposal.
type Pending struct {
	Keyhash uint32
	Key     []byte
	Node    uint8
	Ver     uint32
	State   State

	// evict and evictedHash are set for a Replace proposal: evictedHash's
	// entire RSet is retired to free the rkey slot the new candidate needs
	// (spec §4.3 "promote candidate, evict coldest").
	evict       bool
	evictedHash uint32
}

// Sender abstracts the transport so the controller can be unit tested
// without a real socket: it emits one MGR_REQ per pending migration.
type Sender interface {
	SendMgrReq(node uint8, keyhash uint32, key []byte, ver uint32) error
}

// Controller runs the epoch tick and owns the table of pending migrations.
// Epoch ticks, MGR_ACKs and timeouts arrive on different goroutines (the
// epoch ticker, the LB's server-facing read loop and time.AfterFunc
// callbacks); pending and each entry's State are guarded by one plain mutex.
type Controller struct {
	log      log.Logger
	detector *hotkey.Detector
	table    *rset.Table
	sender   Sender
	nextVer  *uint32Alloc
	home     func(keyhash uint32) uint8

	numNodes int
	maxRKeys int
	timeout  time.Duration

	mu      sync.Mutex
	pending map[uint32]*Pending // keyhash -> pending migration
}

// uint32Alloc is the single atomic ver_next counter (spec §3), shared with
// the LB pipeline so migrations and writes draw from the same version
// space and can never collide.
type uint32Alloc struct {
	next *uint32
}

func allocVer(next *uint32) uint32 {
	return atomic.AddUint32(next, 1)
}

func NewController(l log.Logger, d *hotkey.Detector, table *rset.Table, sender Sender, verNext *uint32, home func(uint32) uint8, numNodes, maxRKeys int, timeout time.Duration) *Controller {
	return &Controller{
		log:      l,
		detector: d,
		table:    table,
		sender:   sender,
		nextVer:  &uint32Alloc{next: verNext},
		home:     home,
		numNodes: numNodes,
		maxRKeys: maxRKeys,
		timeout:  timeout,
		pending:  make(map[uint32]*Pending),
	}
}

func (c *Controller) allocVer() uint32 {
	return allocVer(c.nextVer.next)
}

// RunEpoch consumes the detector's counters and proposes migrations for
// every candidate the detector ranked (spec §4.3 step 3 / §4.5 step 1).
// A candidate the detector does not propose (no free slot and no rkey cold
// enough to replace) is not carried over: Epoch clears hot_ukeys and the
// counters, so the key must re-cross the threshold in a later epoch.
func (c *Controller) RunEpoch() {
	proposals := c.detector.Epoch(c.table.Len())
	for _, p := range proposals {
		ver := c.allocVer()
		pending := &Pending{Keyhash: p.Keyhash, Key: p.Key, Ver: ver, State: Proposed}
		if p.Kind == hotkey.Replace {
			pending.evict = true
			pending.evictedHash = p.EvictKeyhash
		}
		node, ok := c.pickReplicaNode(p)
		if !ok {
			c.log.Warnf("migration: no eligible node for keyhash %v; dropping proposal", p.Keyhash)
			continue
		}
		pending.Node = node

		c.mu.Lock()
		c.pending[p.Keyhash] = pending
		pending.State = Requested
		c.mu.Unlock()

		if err := c.sender.SendMgrReq(node, p.Keyhash, p.Key, ver); err != nil {
			c.log.Errorf("migration: send MGR_REQ for keyhash %v failed: %v", p.Keyhash, err)
			c.discard(p.Keyhash)
			continue
		}
		time.AfterFunc(c.timeout, func() { c.timeoutIfStillPending(p.Keyhash, ver) })
	}
}

// pickReplicaNode chooses a node to host the new replica: any node not
// already in the RSet, preferring the home node's "next" neighbor so
// replicas spread out. Kept simple and deterministic; spec leaves node
// selection unspecified beyond "LB allocates a replica slot". Candidates
// are taken modulo numNodes so the search only ever considers valid node
// ids, even when home is the last node in the cluster.
func (c *Controller) pickReplicaNode(p hotkey.Proposal) (uint8, bool) {
	existing := map[uint8]bool{}
	if r := c.table.Lookup(p.Keyhash); r != nil {
		for _, n := range r.Replicas() {
			existing[n] = true
		}
	} else {
		existing[c.home(p.Keyhash)] = true
	}
	if c.numNodes <= 0 {
		return 0, false
	}
	start := int(c.home(p.Keyhash))
	for i := 1; i < c.numNodes; i++ {
		candidate := uint8((start + i) % c.numNodes)
		if !existing[candidate] {
			return candidate, true
		}
	}
	return 0, false
}

// HandleMgrAck commits a completed migration into the RSet table (spec
// §4.5 step 3): creating the RSet if this is the key's first replica, or
// inserting the new replica into an existing one; and evicts the
// displaced replica if this was a Replace proposal.
func (c *Controller) HandleMgrAck(h wire.Header) {
	c.mu.Lock()
	p, ok := c.pending[h.KeyHash]
	if !ok || p.State != Requested || p.Ver != h.Ver || p.Node != h.ServerID {
		c.mu.Unlock()
		if ok {
			c.log.Warnf("migration: MGR_ACK for keyhash %v does not match pending entry; ignoring", h.KeyHash)
		}
		return
	}
	delete(c.pending, h.KeyHash)
	c.mu.Unlock()

	p.State = Installed
	r := c.table.GetOrCreate(h.KeyHash)
	if r.Size() == 0 {
		r.Reset(p.Ver, p.Node)
	} else if err := r.Insert(p.Node); err != nil {
		c.log.Warnf("migration: insert replica %v for keyhash %v failed: %v", p.Node, h.KeyHash, err)
	}
	c.detector.AddRKey(h.KeyHash, p.Key)

	if p.evict {
		c.evict(p.evictedHash)
	}
}

// evict retires the entire RSet for keyhash (spec §4.5 "eviction ... LB
// may delete the RSet entry entirely"): a Replace proposal frees a whole
// rkey slot, not one replica position, so every node holding the coldest
// key loses it at once.
func (c *Controller) evict(keyhash uint32) {
	c.table.Delete(keyhash)
	c.detector.RemoveRKey(keyhash)
}

func (c *Controller) discard(keyhash uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.pending, keyhash)
}

// timeoutIfStillPending discards a pending migration that never saw its
// ack within the timeout (spec §4.5 "TIMED_OUT"), freeing the slot for
// reuse next epoch (spec §7).
func (c *Controller) timeoutIfStillPending(keyhash uint32, ver uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.pending[keyhash]
	if !ok || p.Ver != ver || p.State == Installed {
		return
	}
	p.State = TimedOut
	delete(c.pending, keyhash)
	c.log.Warnf("migration: MGR_REQ for keyhash %v timed out", keyhash)
}

// Pending returns a snapshot of the pending table, for tests/observability.
func (c *Controller) Pending() map[uint32]*Pending {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[uint32]*Pending, len(c.pending))
	for k, v := range c.pending {
		cp := *v
		out[k] = &cp
	}
	return out
}
