// Package rset implements the per-key replica set: the structure tracking
// which backend nodes hold a replicated key, the version every replica has
// acknowledged, and the round-robin read selection over that set.
package rset

import (
	"sync"

	"github.com/pkg/errors"

	"pegasuskv/log"
)

// MaxReplicas bounds the size of a single replica set, matching the
// fixed-size replica array of the original design.
const MaxReplicas = 32

var (
	// ErrEmpty is returned by Select when the set currently has no replicas,
	// which can happen briefly while an eviction races a concurrent read.
	ErrEmpty = errors.New("EMPTY")
	// ErrFull is returned by Insert once size has reached MaxReplicas.
	ErrFull = errors.New("FULL")
	// ErrDuplicate is returned by Insert when node is already a member.
	ErrDuplicate = errors.New("already a replica")
)

// RSet is safe for concurrent use. Select and VerCompleted take a shared
// lock; Insert, Remove, Reset and RecordAck take the exclusive lock,
// matching invariant I3.
type RSet struct {
	mu sync.RWMutex

	verCompleted uint32
	replicas     []uint8 // ordered, len <= MaxReplicas, no duplicates (I1)

	// pendingVer/ackBitmap track the single outstanding write, pipeline
	// depth 1 (I4): a write superseding an in-flight one resets both.
	pendingVer uint32
	ackBitmap  uint32

	log log.Logger
}

// New returns an empty replica set.
func New(l log.Logger) *RSet {
	return &RSet{log: l}
}

// NewWithReplica returns a set seeded with a single replica already caught
// up to ver, as produced by a fresh promotion (§4.5 step 3) or a RESET.
func NewWithReplica(l log.Logger, ver uint32, node uint8) *RSet {
	r := New(l)
	r.Reset(ver, node)
	return r
}

// Select returns the replica chosen by round-robin rotation over
// ver_completed. The rotation is deterministic and write-ordered: once
// ver_completed advances past a write, every replica position has observed
// it, so any replica selected afterward satisfies read-after-write (I1).
func (r *RSet) Select() (node uint8, err error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.replicas) == 0 {
		return 0, errors.WithStack(ErrEmpty)
	}
	return r.replicas[r.verCompleted%uint32(len(r.replicas))], nil
}

// VerCompleted returns the largest version every current replica has
// acknowledged (I2: never decreases).
func (r *RSet) VerCompleted() uint32 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.verCompleted
}

// Size returns the current replica count.
func (r *RSet) Size() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.replicas)
}

// Replicas returns a snapshot copy of the current replica list.
func (r *RSet) Replicas() []uint8 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]uint8, len(r.replicas))
	copy(out, r.replicas)
	return out
}

// Insert adds node to the replica list if absent. It does not change
// ver_completed: the new replica is assumed caught up by the migration
// handshake (§4.5) before Insert is called.
func (r *RSet) Insert(node uint8) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	defer r.checkInvariants()
	if r.indexOf(node) >= 0 {
		return errors.WithStack(ErrDuplicate)
	}
	if len(r.replicas) == MaxReplicas {
		return errors.WithStack(ErrFull)
	}
	r.replicas = append(r.replicas, node)
	return nil
}

// Remove drops node from the replica list (used by eviction, §4.5). It
// reports whether the set is now empty.
func (r *RSet) Remove(node uint8) (empty bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	defer r.checkInvariants()
	idx := r.indexOf(node)
	if idx < 0 {
		return len(r.replicas) == 0
	}
	r.replicas = append(r.replicas[:idx], r.replicas[idx+1:]...)
	return len(r.replicas) == 0
}

// Reset replaces the replica list with {node}, sets ver_completed to ver and
// clears the in-flight write tracking. Used on promotion of the first
// replica of a key; a controller RESET instead drops whole entries via
// Table.Reset.
func (r *RSet) Reset(ver uint32, node uint8) {
	r.mu.Lock()
	defer r.mu.Unlock()
	defer r.checkInvariants()
	r.replicas = []uint8{node}
	r.verCompleted = ver
	r.pendingVer = ver
	r.ackBitmap = 0
}

// BeginWrite allocates a fresh outstanding write at ver, clearing the ack
// bitmap under the exclusive lock before the caller fans the write out, so
// no ack for ver can race ahead of the clear (§4.4.2). It returns a
// snapshot of the replica list to fan out to, satisfying the fan-out
// exactness property: exactly len(result) packets, one per replica.
func (r *RSet) BeginWrite(ver uint32) []uint8 {
	r.mu.Lock()
	defer r.mu.Unlock()
	defer r.checkInvariants()
	r.pendingVer = ver
	r.ackBitmap = 0
	out := make([]uint8, len(r.replicas))
	copy(out, r.replicas)
	return out
}

// RecordAck applies an ack of ver from node. Acks for ver <= ver_completed
// are idempotent no-ops (property 7). An ack whose version does not match
// the version currently tracked as in flight is either stale (superseded
// by a later write that already cleared the bitmap, §8 scenario S3) or
// arrived without a matching BeginWrite; either way it is logged and
// ignored rather than silently counted, per the open question in design
// notes. It reports whether this ack completed the write, i.e. advanced
// ver_completed.
func (r *RSet) RecordAck(ver uint32, node uint8) (completed bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	defer r.checkInvariants()
	if ver <= r.verCompleted {
		return false
	}
	if ver != r.pendingVer {
		if r.log != nil {
			r.log.Warnf("rset: ack ver %v from node %v does not match in-flight ver %v; ignoring", ver, node, r.pendingVer)
		}
		return false
	}
	idx := r.indexOf(node)
	if idx < 0 {
		return false
	}
	r.ackBitmap |= 1 << uint(idx)
	if r.ackBitmap != fullMask(len(r.replicas)) {
		return false
	}
	r.verCompleted = ver
	r.ackBitmap = 0
	return true
}

func (r *RSet) indexOf(node uint8) int {
	for i, n := range r.replicas {
		if n == node {
			return i
		}
	}
	return -1
}

func fullMask(size int) uint32 {
	if size >= 32 {
		return 0xffffffff
	}
	return 1<<uint(size) - 1
}
