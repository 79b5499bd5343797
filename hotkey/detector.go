// Package hotkey implements the sampled frequency estimator that feeds the
// migration controller: it counts accesses to replicated and unreplicated
// keys, flags unreplicated keys that cross a promotion threshold, and ranks
// both populations once per epoch (spec §3, §4.3).
package hotkey

import (
	"sync"
	"sync/atomic"

	"github.com/google/btree"

	"pegasuskv/log"
)

// Config holds the sampling/threshold/capacity knobs from spec §4.3 and §9.
type Config struct {
	// SampleRate samples 1-in-SampleRate accesses to unreplicated keys.
	SampleRate uint64
	// Threshold is the sampled count at which an unreplicated key becomes
	// a promotion candidate.
	Threshold uint64
	// MaxRKeys bounds the number of simultaneously replicated keys this
	// detector will propose filling.
	MaxRKeys int
	// Margin is how much a candidate's count must exceed the coldest
	// current rkey's count to justify a replacement.
	Margin uint64
}

// Detector accumulates per-epoch access counts and, on Epoch, ranks
// candidates and current rkeys to produce promotion/replacement proposals.
//
// rkeyAccess/ukeyAccess are concurrent maps with atomically-incremented
// values (spec §5): Record is called from every data-path worker goroutine.
// hotUkeys/rkeys are plain maps guarded by statsMu: RecordUnreplicated adds
// to hotUkeys, AddRKey/RemoveRKey change rkeys, and Epoch swaps out hotUkeys
// and takes a copy of rkeys while holding it.
type Detector struct {
	cfg Config
	log log.Logger

	rkeyAccess sync.Map // keyhash(uint32) -> *uint64
	ukeyAccess sync.Map // keyhash(uint32) -> *uint64
	sampleTick uint64   // atomic free-running counter driving 1-in-N sampling

	statsMu  sync.Mutex // guards hotUkeys/rkeys (§5 "stats lock")
	hotUkeys map[uint32][]byte
	rkeys    map[uint32][]byte
}

func New(l log.Logger, cfg Config) *Detector {
	return &Detector{
		cfg:      cfg,
		log:      l,
		hotUkeys: make(map[uint32][]byte),
		rkeys:    make(map[uint32][]byte),
	}
}

// RecordReplicated increments rkey_access_count for an already-replicated
// key. No sampling: replicated-key counts must be exact because they drive
// eviction decisions (spec §4.3).
func (d *Detector) RecordReplicated(keyhash uint32) {
	counter(&d.rkeyAccess, keyhash).add(1)
}

// RecordUnreplicated samples an access to an unreplicated key 1-in-
// SampleRate; once the sampled count for keyhash reaches Threshold, key is
// recorded as a promotion candidate. key must not be retained by the
// caller past this call if it may be mutated, so Detector copies it.
func (d *Detector) RecordUnreplicated(keyhash uint32, key []byte) {
	tick := atomic.AddUint64(&d.sampleTick, 1)
	if tick%d.cfg.SampleRate != 0 {
		return
	}
	count := counter(&d.ukeyAccess, keyhash).add(1)
	if count == d.cfg.Threshold {
		cp := make([]byte, len(key))
		copy(cp, key)
		d.statsMu.Lock()
		d.hotUkeys[keyhash] = cp
		d.statsMu.Unlock()
	}
}

// AddRKey registers keyhash as currently replicated, for eviction
// bookkeeping (spec §3 rkeys). Called by the migration controller once a
// promotion is installed.
func (d *Detector) AddRKey(keyhash uint32, key []byte) {
	cp := make([]byte, len(key))
	copy(cp, key)
	d.statsMu.Lock()
	d.rkeys[keyhash] = cp
	d.statsMu.Unlock()
}

// RemoveRKey forgets keyhash as replicated, called on eviction.
func (d *Detector) RemoveRKey(keyhash uint32) {
	d.statsMu.Lock()
	delete(d.rkeys, keyhash)
	d.statsMu.Unlock()
	d.rkeyAccess.Delete(keyhash)
}

// ProposalKind distinguishes a fresh promotion into a free slot from a
// promotion that must evict a cold rkey to make room.
type ProposalKind int

const (
	Promote ProposalKind = iota
	Replace
)

// Proposal is one promotion or promotion+eviction decision from an epoch
// tick (spec §4.3 step 3).
type Proposal struct {
	Kind ProposalKind
	// Keyhash/Key identify the candidate being promoted.
	Keyhash uint32
	Key     []byte
	// EvictKeyhash is set only for Replace: the coldest current rkey being
	// displaced to make room.
	EvictKeyhash uint32
}

// candidateItem ranks hot_ukeys by sampled count, hottest first; ties
// broken by keyhash so every candidate occupies a distinct btree slot.
type candidateItem struct {
	keyhash uint32
	key     []byte
	count   uint64
}

func (a candidateItem) Less(than btree.Item) bool {
	b := than.(candidateItem)
	if a.count != b.count {
		return a.count > b.count
	}
	return a.keyhash < b.keyhash
}

// rkeyItem ranks current rkeys ascending by access count: coldest first.
type rkeyItem struct {
	keyhash uint32
	count   uint64
}

func (a rkeyItem) Less(than btree.Item) bool {
	b := than.(rkeyItem)
	if a.count != b.count {
		return a.count < b.count
	}
	return a.keyhash < b.keyhash
}

const btreeDegree = 32

// Epoch drains the counters accumulated since the last Epoch call and
// returns the promotion/replacement proposals for this tick (spec §4.3
// steps 1-4). currentRKeyCount is the number of rkeys presently installed
// (tracked by the migration controller, which may not yet match
// len(d.rkeys) if a promotion is still in flight).
func (d *Detector) Epoch(currentRKeyCount int) []Proposal {
	d.statsMu.Lock()
	hotUkeys := d.hotUkeys
	rkeys := make(map[uint32][]byte, len(d.rkeys))
	for kh, key := range d.rkeys {
		rkeys[kh] = key
	}
	d.hotUkeys = make(map[uint32][]byte)
	d.statsMu.Unlock()

	candidates := btree.New(btreeDegree)
	for kh, key := range hotUkeys {
		candidates.ReplaceOrInsert(candidateItem{keyhash: kh, key: key, count: counter(&d.ukeyAccess, kh).load()})
	}

	coldRkeys := btree.New(btreeDegree)
	for kh := range rkeys {
		coldRkeys.ReplaceOrInsert(rkeyItem{keyhash: kh, count: counter(&d.rkeyAccess, kh).load()})
	}

	var proposals []Proposal
	slots := currentRKeyCount
	candidates.Ascend(func(i btree.Item) bool {
		c := i.(candidateItem)
		if slots < d.cfg.MaxRKeys {
			proposals = append(proposals, Proposal{Kind: Promote, Keyhash: c.keyhash, Key: c.key})
			slots++
			return true
		}
		coldest, ok := coldRkeys.Min().(rkeyItem)
		if !ok {
			return false
		}
		if c.count <= coldest.count+d.cfg.Margin {
			// Remaining candidates are ranked hottest-first; none further
			// can clear the margin either.
			return false
		}
		proposals = append(proposals, Proposal{Kind: Replace, Keyhash: c.keyhash, Key: c.key, EvictKeyhash: coldest.keyhash})
		coldRkeys.DeleteMin()
		return true
	})

	d.clearCounters(rkeys)
	return proposals
}

// clearCounters zeroes every counter touched this epoch (spec §4.3 step 4).
// ukeyAccess is cleared in full: a key below Threshold still accumulated
// sampled accesses this epoch and must not carry them into the next one, or
// it could cross Threshold using accesses spread across many epochs instead
// of within a single one. rkeyAccess is cleared only for the keyhashes in
// rkeys; a count that RecordReplicated kept for a keyhash outside rkeys is
// left in place.
func (d *Detector) clearCounters(rkeys map[uint32][]byte) {
	d.ukeyAccess.Range(func(k, _ interface{}) bool {
		d.ukeyAccess.Delete(k)
		return true
	})
	for kh := range rkeys {
		d.rkeyAccess.Delete(kh)
	}
}

// Reset clears all counters and candidate state, used by the controller's
// RESET handshake (spec §8 S6).
func (d *Detector) Reset() {
	d.statsMu.Lock()
	d.hotUkeys = make(map[uint32][]byte)
	d.rkeys = make(map[uint32][]byte)
	d.statsMu.Unlock()
	d.rkeyAccess.Range(func(k, _ interface{}) bool { d.rkeyAccess.Delete(k); return true })
	d.ukeyAccess.Range(func(k, _ interface{}) bool { d.ukeyAccess.Delete(k); return true })
	atomic.StoreUint64(&d.sampleTick, 0)
}

type atomicCounter struct{ v uint64 }

func (c *atomicCounter) add(delta uint64) uint64 { return atomic.AddUint64(&c.v, delta) }
func (c *atomicCounter) load() uint64            { return atomic.LoadUint64(&c.v) }

func counter(m *sync.Map, keyhash uint32) *atomicCounter {
	v, ok := m.Load(keyhash)
	if !ok {
		v, _ = m.LoadOrStore(keyhash, &atomicCounter{})
	}
	return v.(*atomicCounter)
}
