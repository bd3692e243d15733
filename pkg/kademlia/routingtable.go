package kademlia

import (
	"context"
	"sync"
	"time"
)

// Prober probes a recently evicted contact (a PING, in RPC terms) and
// reports whether it answered before ctx's deadline. The routing
// table never issues RPCs itself (§9's design note: inbound handlers
// and routing never call back into the RPC layer); it only invokes
// this callback, which the façade wires to a real send_request.
type Prober func(ctx context.Context, c Contact) bool

// RoutingConfig holds the knobs the routing table needs beyond the
// fixed K bucket size: the grace-probe timeout and the
// defensive-state cooldown (§6 Configuration: grace_timeout,
// defensive_cooldown).
type RoutingConfig struct {
	K                 int
	GraceTimeout      time.Duration
	DefensiveCooldown time.Duration
}

// RoutingTable is the self ID plus IDBits k-buckets, with a
// table-wide defensive flag hardening admission against flood
// injection of fake contacts (§3, §4.2).
type RoutingTable struct {
	self    ID
	k       int
	grace   time.Duration
	cooldn  time.Duration
	buckets [IDBits]*bucket
	prober  Prober

	mu        sync.Mutex
	defensive bool
	activated time.Time

	actMu    sync.Mutex
	activity [IDBits]time.Time
}

// NewRoutingTable constructs a routing table for the given self ID.
// prober may be nil, in which case evicted contacts are never
// re-probed: they sit in the grace list until ExpireGraceSlots drops
// them (useful for tests that only exercise admission bookkeeping).
func NewRoutingTable(self ID, cfg RoutingConfig, prober Prober) *RoutingTable {
	if cfg.K <= 0 {
		cfg.K = 20
	}
	if cfg.GraceTimeout <= 0 {
		cfg.GraceTimeout = 5 * time.Second
	}
	if cfg.DefensiveCooldown <= 0 {
		cfg.DefensiveCooldown = 30 * time.Second
	}
	rt := &RoutingTable{
		self:   self,
		k:      cfg.K,
		grace:  cfg.GraceTimeout,
		cooldn: cfg.DefensiveCooldown,
		prober: prober,
	}
	for i := range rt.buckets {
		rt.buckets[i] = newBucket(cfg.K)
	}
	return rt
}

// Self returns the routing table's own ID.
func (rt *RoutingTable) Self() ID { return rt.self }

// UpdateContact applies the "introduce first, resolve later"
// admission policy of §4.2 to a single observed contact. Self
// observations and contacts with no valid bucket are silently
// ignored.
func (rt *RoutingTable) UpdateContact(c Contact) {
	if c.ID == rt.self {
		return
	}
	idx, ok := BucketIndex(rt.self, c.ID)
	if !ok {
		return
	}
	rt.touchActivity(idx, time.Now())
	b := rt.buckets[idx]

	if b.promoteIfKnown(c) {
		return
	}
	if b.appendIfRoom(c) {
		return
	}

	rt.ClearDefenseIfExpired(time.Now())
	if rt.IsDefensive() {
		return // step 4: new unknown contacts suppressed while defensive
	}

	evicted, ok := b.evictForGrace(c, time.Now(), rt.grace)
	if !ok {
		rt.markDefensive()
		return
	}
	if rt.prober != nil {
		go rt.runProbe(b, evicted, c)
	}
}

// runProbe issues the async re-probe of an evicted contact and
// resolves the bucket's grace-list entry with the outcome (§4.2 step
// 3). It deliberately does not hold any routing-table lock while the
// prober runs, so a slow or hung probe can never block admission of
// other contacts.
func (rt *RoutingTable) runProbe(b *bucket, evicted, evictor Contact) {
	ctx, cancel := context.WithTimeout(context.Background(), rt.grace)
	defer cancel()
	success := rt.prober(ctx, evicted)
	b.resolveProbe(evicted, success)
}

// MarkDefensive is exposed so a caller observing flood conditions
// through another channel (e.g. a per-peer rate limiter) can trip the
// defensive flag directly, not only via bucket saturation.
func (rt *RoutingTable) MarkDefensive() { rt.markDefensive() }

func (rt *RoutingTable) markDefensive() {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.defensive = true
	rt.activated = time.Now()
}

// ClearDefenseIfExpired ages the defensive flag out once the cooldown
// has elapsed (§4.2 step 4, §4.6 maintenance ticker).
func (rt *RoutingTable) ClearDefenseIfExpired(now time.Time) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if rt.defensive && now.Sub(rt.activated) >= rt.cooldn {
		rt.defensive = false
	}
}

// IsDefensive reports the current defensive flag state. A freed grace
// slot also clears it early, which ExpireGraceSlots takes care of.
func (rt *RoutingTable) IsDefensive() bool {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.defensive
}

// ExpireGraceSlots sweeps every bucket's grace list for probes that
// never resolved in time, and clears the defensive flag early if a
// slot frees up as a result (§4.2 step 4: "... or a grace slot
// frees").
func (rt *RoutingTable) ExpireGraceSlots(now time.Time) {
	freed := false
	for _, b := range rt.buckets {
		if expired := b.expireGrace(now); len(expired) > 0 {
			freed = true
		}
	}
	if freed {
		rt.mu.Lock()
		rt.defensive = false
		rt.mu.Unlock()
	}
}

func (rt *RoutingTable) touchActivity(idx int, now time.Time) {
	rt.actMu.Lock()
	rt.activity[idx] = now
	rt.actMu.Unlock()
}

// StaleBuckets returns the indices of every bucket that has seen no
// UpdateContact activity within refreshInterval, for the maintenance
// ticker's bucket-refresh pass (§4.6).
func (rt *RoutingTable) StaleBuckets(now time.Time, refreshInterval time.Duration) []int {
	rt.actMu.Lock()
	defer rt.actMu.Unlock()
	var stale []int
	for i, t := range rt.activity {
		if now.Sub(t) >= refreshInterval {
			stale = append(stale, i)
		}
	}
	return stale
}

// SpecificContact returns the contact with the given ID, if present.
func (rt *RoutingTable) SpecificContact(id ID) (Contact, bool) {
	if id == rt.self {
		return Contact{}, false
	}
	idx, ok := BucketIndex(rt.self, id)
	if !ok {
		return Contact{}, false
	}
	return rt.buckets[idx].get(id)
}

// AllContacts returns every contact currently held across all
// buckets, in no particular order.
func (rt *RoutingTable) AllContacts() []Contact {
	var out []Contact
	for _, b := range rt.buckets {
		out = append(out, b.all()...)
	}
	return out
}

// Size returns the total number of live contacts across all buckets.
func (rt *RoutingTable) Size() int {
	total := 0
	for _, b := range rt.buckets {
		total += b.size()
	}
	return total
}

// RemoveContact evicts a contact outright (e.g. it failed an RPC the
// caller considers conclusive), bypassing the grace-list probe.
func (rt *RoutingTable) RemoveContact(id ID) bool {
	idx, ok := BucketIndex(rt.self, id)
	if !ok {
		return false
	}
	return rt.buckets[idx].remove(id)
}

// ClosestTo returns up to n contacts closest to target, sorted
// ascending by XOR distance with ties broken by ascending numeric ID
// (§4.2, §8 invariant 3).
//
// The scan order follows the original Subotai "bounce lookup"
// (_examples/original_source/src/routing/mod.rs): descend through the
// buckets indexed by each set bit of self XOR target (most to least
// significant), then ascend through the buckets indexed by each unset
// bit. This visits buckets in true non-decreasing order of minimum
// possible distance, so the scan can stop as soon as n candidates are
// collected without missing a closer bucket further down the order.
func (rt *RoutingTable) ClosestTo(target ID, n int) []Contact {
	if n <= 0 {
		return nil
	}
	distance := rt.self.Xor(target)
	order := append(distance.SetBitsDescending(), distance.UnsetBitsAscending()...)

	candidates := make([]Contact, 0, n)
	seen := make(map[ID]bool, n)
	for _, idx := range order {
		bucketContacts := rt.buckets[idx].all()
		if len(bucketContacts) == 0 {
			continue
		}
		sortByDistance(bucketContacts, target)
		for _, c := range bucketContacts {
			if seen[c.ID] {
				continue
			}
			seen[c.ID] = true
			candidates = append(candidates, c)
		}
		if len(candidates) >= n*4 {
			// Enough of a surplus from nearby buckets that re-sorting
			// and truncating now is cheap and safe: every bucket
			// visited so far is closer (in scan order) than any
			// bucket not yet visited, by construction of `order`.
			break
		}
	}
	sortByDistance(candidates, target)
	if len(candidates) > n {
		candidates = candidates[:n]
	}
	return candidates
}
