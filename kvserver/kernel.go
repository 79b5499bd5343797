// Package kvserver implements the backend node's request processing: the
// versioned read/write/delete discipline, the migration-request handler
// that installs a freshly promoted key, and the rolling load counter
// exported for observability (spec §4.6).
package kvserver

import (
	"sync/atomic"
	"time"

	"pegasuskv/hotkey"
	"pegasuskv/kvstore"
	"pegasuskv/log"
)

// Fetcher retrieves a key's current value and version from another node,
// used when a migration request arrives for a key this node does not yet
// have locally (spec §4.5 step 2: "fetches ... from the authoritative
// owner ... or from home(K) if not yet replicated").
type Fetcher interface {
	Fetch(key []byte) (value []byte, ver uint32, ok bool)
}

// Kernel is one backend node's request processor.
type Kernel struct {
	NodeID uint8

	store   *kvstore.Store
	fetcher Fetcher
	log     log.Logger

	// hk is a secondary, independent hot-key signal kept for observability
	// only (SPEC_FULL.md §4.6): the LB's detector is authoritative for
	// promotion, no protocol exists here for a server-initiated request.
	hk *hotkey.Detector

	epochDuration time.Duration
	reqCount      int64 // atomic, reset by every Load call
	lastLoad      int64 // atomic, last computed rolling count
}

func New(l log.Logger, nodeID uint8, fetcher Fetcher, epochDuration time.Duration) *Kernel {
	return &Kernel{
		NodeID:        nodeID,
		store:         kvstore.New(),
		fetcher:       fetcher,
		log:           l,
		hk:            hotkey.New(l, hotkey.Config{SampleRate: 8, Threshold: 5, MaxRKeys: 32, Margin: 1}),
		epochDuration: epochDuration,
	}
}

// Read returns the stored value and version for key, or a zero value and
// ver 0 if absent (spec §4.6).
func (k *Kernel) Read(key []byte) (value []byte, ver uint32) {
	atomic.AddInt64(&k.reqCount, 1)
	e, ok := k.store.Get(key)
	if !ok {
		return nil, 0
	}
	return e.Value, e.Ver
}

// Write applies a conditional write: installed only if ver is strictly
// newer than the stored version. It always returns the version now stored,
// which the caller acks back to the LB so the RSet bitmap progresses even
// when the write itself was discarded as stale (spec §4.6, §7).
func (k *Kernel) Write(key, value []byte, ver uint32) (installedVer uint32) {
	atomic.AddInt64(&k.reqCount, 1)
	return k.store.Put(key, value, ver)
}

// Del applies a conditional delete with the same version discipline as
// Write.
func (k *Kernel) Del(key []byte, ver uint32) (installedVer uint32) {
	atomic.AddInt64(&k.reqCount, 1)
	return k.store.Del(key, ver)
}

// ProcessMigrationRequest installs key locally ahead of acking MGR_REQ
// (spec §4.5 step 2): it reads the value from the local store if this node
// somehow already has it, otherwise fetches it via the Fetcher (the
// authoritative owner's RSet.Select() result, or home(K)).
func (k *Kernel) ProcessMigrationRequest(key []byte, ver uint32) (installedVer uint32) {
	if e, ok := k.store.Get(key); ok && e.Ver >= ver {
		return e.Ver
	}
	if k.fetcher == nil {
		k.store.Put(key, nil, ver)
		return ver
	}
	value, fetchedVer, ok := k.fetcher.Fetch(key)
	if !ok {
		k.store.Put(key, nil, ver)
		return ver
	}
	installVer := fetchedVer
	if ver > installVer {
		installVer = ver
	}
	return k.store.Put(key, value, installVer)
}

// Load returns the number of requests counted since the previous Load call
// and resets the counter. It does not window the count by epochDuration:
// the count covers whatever interval lies between two Load calls. It is
// exported in the header of every reply so
// the LB can bias selection in future revisions (spec §4.6): select()
// itself stays round-robin in this implementation.
func (k *Kernel) Load() uint16 {
	count := atomic.SwapInt64(&k.reqCount, 0)
	atomic.StoreInt64(&k.lastLoad, count)
	if count > 0xffff {
		return 0xffff
	}
	return uint16(count)
}

// RecordAccess mirrors the LB's per-packet hot-key sampling locally, for
// observability only (SPEC_FULL.md §4.6).
func (k *Kernel) RecordAccess(keyhash uint32, key []byte, replicated bool) {
	if replicated {
		k.hk.RecordReplicated(keyhash)
		return
	}
	k.hk.RecordUnreplicated(keyhash, key)
}

// Reset clears the local store and hot-key counters (spec §8 scenario S6
// RESET handling, mirrored at the server for symmetry even though RESET in
// this design is LB/controller-only; see DESIGN.md).
func (k *Kernel) Reset() {
	k.store.Reset()
	k.hk.Reset()
	atomic.StoreInt64(&k.reqCount, 0)
}
