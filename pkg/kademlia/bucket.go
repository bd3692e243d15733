package kademlia

import (
	"sync"
	"time"
)

// graced is a contact sitting in a bucket's grace list awaiting
// re-probe confirmation, per §4.2 step 3.
type graced struct {
	contact    Contact
	until      time.Time // grace_timeout deadline
	replaced   Contact   // the contact that evicted it, for the "since had another successful interaction" check
	evictorGen int       // replaced's promotion generation at eviction time
}

// bucket is a single k-bucket: an LRU-ordered main list of up to K
// live contacts, plus a bounded grace list of recently evicted
// contacts awaiting probe confirmation (§3, §4.2). All the mutating
// methods here are intentionally narrow (one step of the admission
// policy each); RoutingTable.UpdateContact sequences them so the
// defensive-flag check can sit between "bucket has room" and "bucket
// needs an eviction".
type bucket struct {
	mu    sync.Mutex
	k     int
	main  []Contact // index 0 = least-recently-seen, last = most-recently-seen
	grace []graced

	gen      int        // bumped on every admission (promote/append/evict-insert)
	promoted map[ID]int // contact ID -> gen at its last admission
}

func newBucket(k int) *bucket {
	return &bucket{
		k:        k,
		main:     make([]Contact, 0, k),
		grace:    make([]graced, 0, k),
		promoted: make(map[ID]int),
	}
}

// bumpGen records a fresh admission generation for c and returns it.
// Callers must hold b.mu.
func (b *bucket) bumpGen(id ID) int {
	b.gen++
	b.promoted[id] = b.gen
	return b.gen
}

// promoteIfKnown moves an already-present contact to the tail (MRU)
// and reports whether it was present (§4.2 step 1).
func (b *bucket) promoteIfKnown(c Contact) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, existing := range b.main {
		if existing.ID == c.ID {
			b.main = append(b.main[:i], b.main[i+1:]...)
			b.main = append(b.main, c)
			b.bumpGen(c.ID)
			return true
		}
	}
	return false
}

// appendIfRoom appends a brand-new contact when the main list has
// spare capacity (§4.2 step 2).
func (b *bucket) appendIfRoom(c Contact) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.main) >= b.k {
		return false
	}
	b.main = append(b.main, c)
	b.bumpGen(c.ID)
	return true
}

// evictForGrace evicts the LRU contact from a full main list, demotes
// it to the grace list, and inserts c at the tail of main (§4.2 step
// 3). ok is false when the grace list itself is already at capacity
// (the bucket is saturated); the caller is then responsible for
// entering defensive state and must not call evictForGrace.
func (b *bucket) evictForGrace(c Contact, now time.Time, graceTimeout time.Duration) (evicted Contact, ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.grace) >= b.k {
		return Contact{}, false
	}

	evicted = b.main[0]
	main := make([]Contact, 0, b.k)
	main = append(main, b.main[1:]...)
	main = append(main, c)
	b.main = main
	gen := b.bumpGen(c.ID)

	b.grace = append(b.grace, graced{
		contact:    evicted,
		until:      now.Add(graceTimeout),
		replaced:   c,
		evictorGen: gen,
	})
	return evicted, true
}

// resolveProbe handles the outcome of probing an evicted contact
// (§4.2 step 3). success reports whether the PING to `old` answered
// before the grace timeout.
//
// If the old contact's grace slot was already reclaimed (e.g. the
// slot expired and was removed by expireGrace, or by coincidence
// another eviction in the same bucket reused the tracking before this
// one resolved) the result is silently dropped — the §9 open question
// is resolved this way: a late-arriving successful probe for a slot
// that's gone does not reinstate anything.
func (b *bucket) resolveProbe(old Contact, success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	idx := -1
	for i, g := range b.grace {
		if g.contact.ID == old.ID {
			idx = i
			break
		}
	}
	if idx == -1 {
		return
	}
	entry := b.grace[idx]
	b.grace = append(b.grace[:idx], b.grace[idx+1:]...)

	if !success {
		return
	}

	// Probe succeeded: reinsert the old contact, unless the evictor
	// has since had another successful interaction of its own (its
	// promotion generation has advanced past the one recorded at
	// eviction time), in which case we keep the evictor and drop the
	// old contact entirely.
	if b.promoted[entry.replaced.ID] > entry.evictorGen {
		return
	}
	for i, c := range b.main {
		if c.ID == entry.replaced.ID {
			b.main = append(b.main[:i], b.main[i+1:]...)
			b.main = append(b.main, entry.contact)
			b.bumpGen(entry.contact.ID)
			return
		}
	}
	if len(b.main) < b.k {
		b.main = append(b.main, entry.contact)
		b.bumpGen(entry.contact.ID)
	}
}

// expireGrace drops grace-list entries whose timeout has passed
// without a resolved probe, treating them the same as a failed probe.
// This reclaims the slot even if the probe RPC never returns at all.
func (b *bucket) expireGrace(now time.Time) (expired []Contact) {
	b.mu.Lock()
	defer b.mu.Unlock()

	kept := b.grace[:0]
	for _, g := range b.grace {
		if now.After(g.until) {
			expired = append(expired, g.contact)
		} else {
			kept = append(kept, g)
		}
	}
	b.grace = kept
	return expired
}

func (b *bucket) graceFull() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.grace) >= b.k
}

func (b *bucket) get(id ID) (Contact, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, c := range b.main {
		if c.ID == id {
			return c, true
		}
	}
	return Contact{}, false
}

func (b *bucket) all() []Contact {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Contact, len(b.main))
	copy(out, b.main)
	return out
}

func (b *bucket) size() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.main)
}

func (b *bucket) graceSize() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.grace)
}

// remove drops a contact from the main list, if present. Used when a
// contact is known dead (e.g. it failed a lookup RPC outright).
func (b *bucket) remove(id ID) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, c := range b.main {
		if c.ID == id {
			b.main = append(b.main[:i], b.main[i+1:]...)
			return true
		}
	}
	return false
}
