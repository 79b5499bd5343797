package rset

import (
	"sync"

	"pegasuskv/log"
)

// Table is the global rset: keyhash -> *RSet lookup the load balancer
// consults on every packet. Lookup is lock-free; mutation of an existing
// entry goes through that entry's own lock (I3), and only insertion and
// deletion of whole entries touch the table itself, which is why a
// sync.Map — rather than a single map guarded by one mutex — is enough to
// keep the hot GET/PUT path off a shared bottleneck lock.
type Table struct {
	m   sync.Map // keyhash(uint32) -> *RSet
	log log.Logger
}

func NewTable(l log.Logger) *Table {
	return &Table{log: l}
}

// Lookup returns the RSet for keyhash, or nil if the key is unreplicated.
func (t *Table) Lookup(keyhash uint32) *RSet {
	v, ok := t.m.Load(keyhash)
	if !ok {
		return nil
	}
	return v.(*RSet)
}

// GetOrCreate returns the existing RSet for keyhash, or atomically installs
// and returns a fresh one if none exists yet. Used by promotion (§4.5 step
// 3), which must create the entry the first time a candidate is promoted.
func (t *Table) GetOrCreate(keyhash uint32) *RSet {
	if r := t.Lookup(keyhash); r != nil {
		return r
	}
	fresh := New(t.log)
	actual, _ := t.m.LoadOrStore(keyhash, fresh)
	return actual.(*RSet)
}

// Delete removes the entry for keyhash entirely (§4.5 eviction: "LB may
// delete the RSet entry entirely"). Callers must have already emptied or
// be discarding the RSet; no migration may be in flight for it (§3).
func (t *Table) Delete(keyhash uint32) {
	t.m.Delete(keyhash)
}

// Reset clears every entry, used when the controller sends RESET (§8 S6).
func (t *Table) Reset() {
	t.m.Range(func(k, _ interface{}) bool {
		t.m.Delete(k)
		return true
	})
}

// Len returns the number of replicated keys currently tracked.
func (t *Table) Len() int {
	n := 0
	t.m.Range(func(_, _ interface{}) bool {
		n++
		return true
	})
	return n
}
