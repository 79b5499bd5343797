package lb

import "sync"

// dedupKey identifies one completed write's reply. The wire header carries
// no explicit req_id field (spec §4.1); ver is already a freshly allocated,
// globally unique identifier for every WRITE/DEL (spec §3), so
// (client_id, keyhash, ver) serves the same purpose spec §4.4.3's
// "(client_id, req_id)" pair does, without adding a field to the wire
// format.
type dedupKey struct {
	keyhash uint32
	ver     uint32
}

// clientRing is a fixed-size ring of recently completed dedupKeys for one
// client, holding as many entries as the ringSize given to NewClientTable;
// that size is not checked against the node count.
type clientRing struct {
	entries []dedupKey
	seen    map[dedupKey]struct{}
	next    int
}

func newClientRing(size int) *clientRing {
	return &clientRing{
		entries: make([]dedupKey, size),
		seen:    make(map[dedupKey]struct{}, size),
	}
}

// observe reports whether key was already recorded (a duplicate reply to
// suppress) and records it if not.
func (r *clientRing) observe(key dedupKey) (duplicate bool) {
	if _, ok := r.seen[key]; ok {
		return true
	}
	if old := r.entries[r.next]; old != (dedupKey{}) {
		delete(r.seen, old)
	}
	r.entries[r.next] = key
	r.seen[key] = struct{}{}
	r.next = (r.next + 1) % len(r.entries)
	return false
}

// ClientTable deduplicates REPLY packets per client so only the first
// reply to any fanned-out WRITE/DEL reaches the client (spec §4.4.3).
type ClientTable struct {
	mu       sync.Mutex
	ringSize int
	rings    map[uint8]*clientRing
}

func NewClientTable(ringSize int) *ClientTable {
	return &ClientTable{ringSize: ringSize, rings: make(map[uint8]*clientRing)}
}

// Seen reports whether (clientID, keyhash, ver) was already observed, and
// records it as observed either way.
func (t *ClientTable) Seen(clientID uint8, keyhash uint32, ver uint32) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.rings[clientID]
	if !ok {
		r = newClientRing(t.ringSize)
		t.rings[clientID] = r
	}
	return r.observe(dedupKey{keyhash: keyhash, ver: ver})
}

// Reset forgets every client's dedup history (spec §8 scenario S6).
func (t *ClientTable) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rings = make(map[uint8]*clientRing)
}
