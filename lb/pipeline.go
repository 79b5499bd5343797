// Package lb implements the load balancer's per-packet pipeline (spec
// §4.4): classify each packet, consult/update the RSet table and hot-key
// detector, rewrite the header toward its destination(s), and emit.
package lb

import (
	"sync"
	"sync/atomic"

	"pegasuskv/hotkey"
	"pegasuskv/log"
	"pegasuskv/rset"
	"pegasuskv/wire"
)

// Direction distinguishes traffic arriving from a client versus from a
// backend server, since READ/WRITE/DEL and REPLY are handled asymmetrically
// (spec §4.4 step 2).
type Direction int

const (
	FromClient Direction = iota
	FromServer
)

// Egress is one outbound copy of a packet: the fully rewritten frame bytes
// and the node they're destined for. A WRITE/DEL fanned out to a k-replica
// RSet produces exactly k Egresses (spec §8 property 4).
type Egress struct {
	Node uint8
	Data []byte
}

// Result is what HandlePacket decided to do with one ingress packet.
type Result struct {
	// Forwards are data-path packets to emit toward backend nodes.
	Forwards []Egress
	// ToClient is a REPLY to forward to the client, or nil if this is a
	// suppressed duplicate (spec §4.4.3) or there is nothing to send yet.
	ToClient []byte
	// Malformed is set when Parse failed; the caller should count it and
	// may forward the original frame unmodified per spec §7. This
	// implementation has no passive bridge for non-Pegasus traffic over
	// plain UDP sockets (see DESIGN.md); it only counts and drops.
	Malformed bool
	// Control is set when the frame is a control op (MGR_REQ/MGR_ACK/
	// RESET/RESET_REPLY); the caller routes these to the migration
	// controller or reset handler instead of the data path.
	Control *wire.Header
}

// Stats are the per-packet counters the pipeline maintains (spec §7:
// "Never dropped silently without counting").
type Stats struct {
	Malformed    uint64
	Reads        uint64
	Writes       uint64
	Replies      uint64
	Duplicates   uint64
	EmptySelects uint64
}

// Pipeline ties C1 (wire), C2 (rset), and C3 (hotkey) together into the
// per-packet data path described by spec §4.4.
type Pipeline struct {
	log      log.Logger
	table    *rset.Table
	detector *hotkey.Detector
	clients  *ClientTable
	verNext  *uint32
	numNodes int

	// fanoutMu/fanout track (keyhash, ver) pairs belonging to a WRITE/DEL
	// still being acked by a multi-replica fan-out (spec §4.4.3): only
	// those replies need deduplicating. A READ's reply echoes the key's
	// already-installed version, which is not a freshly allocated id and
	// gets reused by every subsequent READ of the same key until the next
	// write, so it must never be run through the dedup path. An entry is
	// removed once the RSet reports every replica has acked (RecordAck's
	// completed return), which relies on the RSet's own per-node ackBitmap
	// rather than a raw reply count: a duplicate retransmit of one
	// replica's reply must not be mistaken for a distinct replica's ack.
	fanoutMu sync.Mutex
	fanout   map[dedupKey]struct{}

	malformed    uint64
	reads        uint64
	writes       uint64
	replies      uint64
	duplicates   uint64
	emptySelects uint64
}

func NewPipeline(l log.Logger, table *rset.Table, detector *hotkey.Detector, clients *ClientTable, verNext *uint32, numNodes int) *Pipeline {
	return &Pipeline{
		log:      l,
		table:    table,
		detector: detector,
		clients:  clients,
		verNext:  verNext,
		numNodes: numNodes,
		fanout:   make(map[dedupKey]struct{}),
	}
}

// HandlePacket runs one ingress frame through classify/route/rewrite (spec
// §4.4 steps 1-3); the caller is responsible for step 4 (emit) using the
// Forwards/ToClient it returns, and step 5 (stats) is folded into this
// call's atomic counters.
func (p *Pipeline) HandlePacket(dir Direction, frame []byte) Result {
	h, err := wire.Parse(frame)
	if err != nil {
		atomic.AddUint64(&p.malformed, 1)
		return Result{Malformed: true}
	}

	switch h.OpType {
	case wire.MgrReq, wire.MgrAck, wire.Reset, wire.ResetReply:
		return Result{Control: &h}
	case wire.Read:
		atomic.AddUint64(&p.reads, 1)
		return p.handleRead(frame, h)
	case wire.Write, wire.Del:
		atomic.AddUint64(&p.writes, 1)
		return p.handleWrite(frame, h)
	case wire.Reply:
		atomic.AddUint64(&p.replies, 1)
		return p.handleReply(frame, h)
	default:
		atomic.AddUint64(&p.malformed, 1)
		return Result{Malformed: true}
	}
}

// handleRead implements spec §4.4.1.
func (p *Pipeline) handleRead(frame []byte, h wire.Header) Result {
	r := p.table.Lookup(h.KeyHash)
	if r != nil {
		node, err := r.Select()
		if err == nil {
			p.detector.RecordReplicated(h.KeyHash)
			ver := r.VerCompleted()
			checksum := wire.Checksum(frame)
			wire.Rewrite(frame, checksum, wire.Delta{ServerID: &node, Ver: &ver})
			return Result{Forwards: []Egress{{Node: node, Data: frame}}}
		}
		// RSet raced with a concurrent eviction down to empty (spec §7):
		// fall back to home, same as an unreplicated key.
		atomic.AddUint64(&p.emptySelects, 1)
	}
	p.detector.RecordUnreplicated(h.KeyHash, h.Key)
	dst := Home(h.KeyHash, p.numNodes)
	checksum := wire.Checksum(frame)
	wire.Rewrite(frame, checksum, wire.Delta{ServerID: &dst})
	return Result{Forwards: []Egress{{Node: dst, Data: frame}}}
}

// handleWrite implements spec §4.4.2. It allocates a fresh version and
// either fans the packet out to every current replica or sends a single
// copy to home(keyhash).
func (p *Pipeline) handleWrite(frame []byte, h wire.Header) Result {
	ver := atomic.AddUint32(p.verNext, 1)

	r := p.table.Lookup(h.KeyHash)
	if r == nil {
		p.detector.RecordUnreplicated(h.KeyHash, h.Key)
		dst := Home(h.KeyHash, p.numNodes)
		checksum := wire.Checksum(frame)
		wire.Rewrite(frame, checksum, wire.Delta{ServerID: &dst, Ver: &ver})
		return Result{Forwards: []Egress{{Node: dst, Data: frame}}}
	}

	p.detector.RecordReplicated(h.KeyHash)
	replicas := r.BeginWrite(ver)
	forwards := make([]Egress, 0, len(replicas))
	for _, node := range replicas {
		node := node
		copyFrame := make([]byte, len(frame))
		copy(copyFrame, frame)
		checksum := wire.Checksum(copyFrame)
		wire.Rewrite(copyFrame, checksum, wire.Delta{ServerID: &node, Ver: &ver})
		forwards = append(forwards, Egress{Node: node, Data: copyFrame})
	}
	if len(forwards) > 1 {
		p.registerFanout(h.KeyHash, ver)
	}
	return Result{Forwards: forwards}
}

// registerFanout marks (keyhash, ver) as a write fanned out to more than one
// replica, so the matching REPLYs get deduped down to one. The entry is
// removed once the RSet reports the whole fan-out acked (handleReply), so a
// later READ reply that happens to echo the same ver (spec §3: ver_completed
// is reused by every READ until the next write) never collides with it.
func (p *Pipeline) registerFanout(keyhash uint32, ver uint32) {
	p.fanoutMu.Lock()
	p.fanout[dedupKey{keyhash: keyhash, ver: ver}] = struct{}{}
	p.fanoutMu.Unlock()
}

func (p *Pipeline) isFanout(key dedupKey) bool {
	p.fanoutMu.Lock()
	_, ok := p.fanout[key]
	p.fanoutMu.Unlock()
	return ok
}

func (p *Pipeline) clearFanout(key dedupKey) {
	p.fanoutMu.Lock()
	delete(p.fanout, key)
	p.fanoutMu.Unlock()
}

// handleReply implements spec §4.4.3: record the ack against the RSet if
// this reply carries a version for a replicated key, then forward only the
// first reply for each (client_id, keyhash, ver) to the client. Dedup only
// ever applies to a reply that belongs to a tracked WRITE/DEL fan-out
// (registered by handleWrite): READ replies are never fanned out (a read
// always targets exactly one replica), so they bypass dedup entirely and
// are forwarded as-is, however many times the same key is read.
//
// The fan-out entry is cleared only once RecordAck reports every replica
// has acked, and only after this reply's own dedup check runs against it,
// so the completing ack is still deduped correctly. A reply that arrives
// after that point (a stray retransmit of an already-completed write, or a
// genuine READ of the same now-installed version) is indistinguishable at
// the wire level and is forwarded rather than suppressed; the wire format
// carries no field that would let a REPLY identify the request that
// produced it, so this is the one case dedup cannot close.
func (p *Pipeline) handleReply(frame []byte, h wire.Header) Result {
	completed := false
	if h.Ver != 0 {
		if r := p.table.Lookup(h.KeyHash); r != nil {
			completed = r.RecordAck(h.Ver, h.ServerID)
		}
	}
	key := dedupKey{keyhash: h.KeyHash, ver: h.Ver}
	duplicate := p.isFanout(key) && p.clients.Seen(h.ClientID, h.KeyHash, h.Ver)
	if completed {
		p.clearFanout(key)
	}
	if duplicate {
		atomic.AddUint64(&p.duplicates, 1)
		return Result{}
	}
	return Result{ToClient: frame}
}

// Reset forgets every pending write fan-out, used alongside the RSet
// table's, detector's, and client table's own Reset on a controller RESET
// (spec §8 scenario S6).
func (p *Pipeline) Reset() {
	p.fanoutMu.Lock()
	p.fanout = make(map[dedupKey]struct{})
	p.fanoutMu.Unlock()
}

// StatsSnapshot returns the current counters (spec §7).
func (p *Pipeline) StatsSnapshot() Stats {
	return Stats{
		Malformed:    atomic.LoadUint64(&p.malformed),
		Reads:        atomic.LoadUint64(&p.reads),
		Writes:       atomic.LoadUint64(&p.writes),
		Replies:      atomic.LoadUint64(&p.replies),
		Duplicates:   atomic.LoadUint64(&p.duplicates),
		EmptySelects: atomic.LoadUint64(&p.emptySelects),
	}
}
