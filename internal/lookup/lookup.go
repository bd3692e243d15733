// Package lookup implements the iterative α-parallel lookup algorithms
// of spec.md §4.5: node_lookup, value_lookup and store_on_network. The
// bootstrap sequence is not here; it lives in the root package's
// (*Node).Bootstrap.
package lookup

import (
	"context"
	"math"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/subotai-dht/subotai/internal/rpc"
	"github.com/subotai-dht/subotai/pkg/kademlia"
	"github.com/subotai-dht/subotai/pkg/store"
	"github.com/subotai-dht/subotai/pkg/wire"
)

// caller is the subset of *rpc.RPC the lookup algorithms need; kept
// as an interface so tests can substitute a fake without spinning up
// real sockets.
type caller interface {
	FindNode(ctx context.Context, to kademlia.Contact, target kademlia.ID) ([]kademlia.Contact, error)
	FindValue(ctx context.Context, to kademlia.Contact, key kademlia.ID) (rpc.FindValueResult, error)
	StoreEntry(ctx context.Context, to kademlia.Contact, key kademlia.ID, e store.Entry) (wire.Status, error)
}

// Config holds the lookup algorithms' parallelism and timing knobs
// (spec.md §6's Configuration list).
type Config struct {
	K            int
	Alpha        int
	RoundTimeout time.Duration
}

func (c *Config) setDefaults() {
	if c.K <= 0 {
		c.K = 20
	}
	if c.Alpha <= 0 {
		c.Alpha = 3
	}
	if c.RoundTimeout <= 0 {
		c.RoundTimeout = 2 * time.Second
	}
}

// Lookups bundles a node's self ID, RPC caller, and the lookup
// parameters shared by every algorithm in this package.
type Lookups struct {
	self kademlia.ID
	call caller
	cfg  Config
}

// New constructs a Lookups bound to the given RPC layer.
func New(self kademlia.ID, call *rpc.RPC, cfg Config) *Lookups {
	cfg.setDefaults()
	return &Lookups{self: self, call: call, cfg: cfg}
}

// entry is one shortlist member's lookup-local state.
type entry struct {
	contact kademlia.Contact
	queried bool
	alive   bool
}

// shortlist is a small by-ID index kept alongside lookup-local
// bookkeeping; kademlia.RoutingTable's own sortByDistance logic is not
// reusable here (it is unexported and bucket-shaped), so lookups
// re-sort their own flat candidate list each round — small (O(K))
// and simple, like the teacher's own DHT code favors over cleverness.
type shortlist struct {
	mu      sync.Mutex
	entries map[kademlia.ID]*entry
}

func newShortlist(seed []kademlia.Contact) *shortlist {
	s := &shortlist{entries: make(map[kademlia.ID]*entry, len(seed))}
	for _, c := range seed {
		s.entries[c.ID] = &entry{contact: c}
	}
	return s
}

func (s *shortlist) mergeContact(c kademlia.Contact, target kademlia.ID, k int) (isNew bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[c.ID]; ok {
		return false
	}
	s.entries[c.ID] = &entry{contact: c}
	return true
}

// unqueriedSorted returns every not-yet-queried entry, closest to
// target first. It takes s.mu itself.
func (s *shortlist) unqueriedSorted(target kademlia.ID) []*entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*entry
	for _, e := range s.entries {
		if !e.queried {
			out = append(out, e)
		}
	}
	sortEntries(out, target)
	return out
}

// closestAlive returns up to k alive, queried contacts closest to
// target — the final answer of a completed node_lookup.
func (s *shortlist) closestAlive(target kademlia.ID, k int) []kademlia.Contact {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*entry
	for _, e := range s.entries {
		if e.queried && e.alive {
			out = append(out, e)
		}
	}
	sortEntries(out, target)
	if len(out) > k {
		out = out[:k]
	}
	contacts := make([]kademlia.Contact, len(out))
	for i, e := range out {
		contacts[i] = e.contact
	}
	return contacts
}

// closestDistance reports the ID of the entry currently in the
// shortlist (queried or not) that is closest to target; callers
// compare these IDs with kademlia.CloserThan.
func (s *shortlist) closestDistance(target kademlia.ID) (kademlia.ID, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var best kademlia.ID
	found := false
	for _, e := range s.entries {
		if !found || kademlia.CloserThan(e.contact.ID, best, target) {
			best = e.contact.ID
			found = true
		}
	}
	return best, found
}

func sortEntries(entries []*entry, target kademlia.ID) {
	for i := 1; i < len(entries); i++ {
		key := entries[i]
		j := i - 1
		for j >= 0 && kademlia.CloserThan(key.contact.ID, entries[j].contact.ID, target) {
			entries[j+1] = entries[j]
			j--
		}
		entries[j+1] = key
	}
}

func (s *shortlist) markResult(id kademlia.ID, alive bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[id]; ok {
		e.queried = true
		e.alive = alive
	}
}

// roundFraction is the partial-response threshold (⌈α/2⌉) after which
// a grace timer starts, per §4.5's "any-of-α with a short soft
// deadline".
func roundFraction(alpha int) int {
	return int(math.Ceil(float64(alpha) / 2))
}

// NodeLookup implements node_lookup(target) -> ≤K closest contacts.
func (l *Lookups) NodeLookup(ctx context.Context, target kademlia.ID, seed []kademlia.Contact) []kademlia.Contact {
	sl := newShortlist(seed)

	for {
		if ctx.Err() != nil {
			return sl.closestAlive(target, l.cfg.K)
		}
		unqueried := sl.unqueriedSorted(target)
		if len(unqueried) == 0 {
			return sl.closestAlive(target, l.cfg.K)
		}

		closestBefore, hadAny := sl.closestDistance(target)

		batchSize := l.cfg.Alpha
		if batchSize > len(unqueried) {
			batchSize = len(unqueried)
		}
		batch := unqueried[:batchSize]
		for _, e := range batch {
			sl.markQueriedPending(e.contact.ID)
		}

		l.runRound(ctx, batch, func(ctx context.Context, c kademlia.Contact) (bool, []kademlia.Contact) {
			contacts, err := l.call.FindNode(ctx, c, target)
			return err == nil, contacts
		}, func(c kademlia.Contact, alive bool, contacts []kademlia.Contact) bool {
			sl.markResult(c.ID, alive)
			for _, nc := range contacts {
				if nc.ID != l.self {
					sl.mergeContact(nc, target, l.cfg.K)
				}
			}
			return false
		})

		closestAfter, _ := sl.closestDistance(target)
		improved := !hadAny || (closestAfter != closestBefore && kademlia.CloserThan(closestAfter, closestBefore, target))
		if improved {
			continue
		}

		// Final saturation round: every remaining unqueried contact in
		// the current shortlist, waited on in full (§4.5 step 3d).
		remaining := sl.unqueriedSorted(target)
		if len(remaining) == 0 {
			return sl.closestAlive(target, l.cfg.K)
		}
		l.runExhaustive(ctx, remaining, func(ctx context.Context, c kademlia.Contact) (bool, []kademlia.Contact) {
			contacts, err := l.call.FindNode(ctx, c, target)
			return err == nil, contacts
		}, func(c kademlia.Contact, alive bool, contacts []kademlia.Contact) {
			sl.markResult(c.ID, alive)
			for _, nc := range contacts {
				if nc.ID != l.self {
					sl.mergeContact(nc, target, l.cfg.K)
				}
			}
		})
		return sl.closestAlive(target, l.cfg.K)
	}
}

func (s *shortlist) markQueriedPending(id kademlia.ID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[id]; ok {
		e.queried = true
	}
}

// roundResult is what one probe goroutine reports back.
type roundResult struct {
	contact  kademlia.Contact
	alive    bool
	contacts []kademlia.Contact
}

// runRound executes one any-of-α-with-grace round over batch,
// invoking onResult as each probe completes. It returns once either
// every probe has reported, or a partial fraction has reported and a
// short grace timer has elapsed (§4.5).
func (l *Lookups) runRound(
	ctx context.Context,
	batch []*entry,
	probe func(ctx context.Context, c kademlia.Contact) (bool, []kademlia.Contact),
	onResult func(c kademlia.Contact, alive bool, contacts []kademlia.Contact) bool,
) {
	roundCtx, cancel := context.WithTimeout(ctx, l.cfg.RoundTimeout)
	defer cancel()

	results := make(chan roundResult, len(batch))
	for _, e := range batch {
		c := e.contact
		go func() {
			alive, contacts := probe(roundCtx, c)
			results <- roundResult{contact: c, alive: alive, contacts: contacts}
		}()
	}

	need := roundFraction(len(batch))
	received := 0
	var graceCh <-chan time.Time
	for received < len(batch) {
		select {
		case r := <-results:
			received++
			if onResult(r.contact, r.alive, r.contacts) {
				return
			}
			if received >= need && graceCh == nil {
				timer := time.NewTimer(l.cfg.RoundTimeout / 4)
				defer timer.Stop()
				graceCh = timer.C
			}
		case <-graceCh:
			return
		case <-roundCtx.Done():
			return
		}
	}
}

// runExhaustive waits for every probe in batch to complete (or the
// context to end), with no partial-fraction early exit — used for
// node_lookup's final saturation round.
func (l *Lookups) runExhaustive(
	ctx context.Context,
	batch []*entry,
	probe func(ctx context.Context, c kademlia.Contact) (bool, []kademlia.Contact),
	onResult func(c kademlia.Contact, alive bool, contacts []kademlia.Contact),
) {
	var g errgroup.Group
	for _, e := range batch {
		c := e.contact
		g.Go(func() error {
			alive, contacts := probe(ctx, c)
			onResult(c, alive, contacts)
			return nil
		})
	}
	g.Wait()
}

// ValueLookup implements value_lookup(key) -> (entries, path).
func (l *Lookups) ValueLookup(ctx context.Context, key kademlia.ID, seed []kademlia.Contact) ([]store.Entry, []kademlia.Contact) {
	sl := newShortlist(seed)
	var path []kademlia.Contact
	var pathMu sync.Mutex

	for {
		if ctx.Err() != nil {
			return nil, path
		}
		unqueried := sl.unqueriedSorted(key)
		if len(unqueried) == 0 {
			return nil, path
		}
		closestBefore, hadAny := sl.closestDistance(key)

		batchSize := l.cfg.Alpha
		if batchSize > len(unqueried) {
			batchSize = len(unqueried)
		}
		batch := unqueried[:batchSize]
		for _, e := range batch {
			sl.markQueriedPending(e.contact.ID)
		}

		var found []store.Entry
		terminated := false

		roundCtx, cancel := context.WithTimeout(ctx, l.cfg.RoundTimeout)
		results := make(chan struct {
			c   kademlia.Contact
			res rpc.FindValueResult
			err error
		}, len(batch))
		for _, e := range batch {
			c := e.contact
			go func() {
				res, err := l.call.FindValue(roundCtx, c, key)
				results <- struct {
					c   kademlia.Contact
					res rpc.FindValueResult
					err error
				}{c, res, err}
			}()
		}

		need := roundFraction(len(batch))
		received := 0
		var graceCh <-chan time.Time
		var timer *time.Timer
		for received < len(batch) && !terminated {
			select {
			case r := <-results:
				received++
				sl.markResult(r.c.ID, r.err == nil)
				if r.err != nil {
					continue
				}
				if r.res.Tag == wire.TagEntries {
					found = r.res.Entries
					terminated = true
					break
				}
				pathMu.Lock()
				path = append(path, r.c)
				pathMu.Unlock()
				for _, nc := range r.res.Contacts {
					if nc.ID != l.self {
						sl.mergeContact(nc, key, l.cfg.K)
					}
				}
				if received >= need && graceCh == nil {
					timer = time.NewTimer(l.cfg.RoundTimeout / 4)
					graceCh = timer.C
				}
			case <-graceCh:
				terminated = true
			case <-roundCtx.Done():
				terminated = true
			}
		}
		if timer != nil {
			timer.Stop()
		}
		cancel()

		if found != nil {
			return found, path
		}

		closestAfter, _ := sl.closestDistance(key)
		improved := !hadAny || (closestAfter != closestBefore && kademlia.CloserThan(closestAfter, closestBefore, key))
		if improved {
			continue
		}

		remaining := sl.unqueriedSorted(key)
		if len(remaining) == 0 {
			return nil, path
		}
		var foundFinal []store.Entry
		var foundMu sync.Mutex
		var g errgroup.Group
		for _, e := range remaining {
			c := e.contact
			g.Go(func() error {
				res, err := l.call.FindValue(ctx, c, key)
				sl.markResult(c.ID, err == nil)
				if err != nil {
					return nil
				}
				if res.Tag == wire.TagEntries {
					foundMu.Lock()
					if foundFinal == nil {
						foundFinal = res.Entries
					}
					foundMu.Unlock()
				} else {
					pathMu.Lock()
					path = append(path, c)
					pathMu.Unlock()
				}
				return nil
			})
		}
		g.Wait()
		return foundFinal, path
	}
}

// StoreOnNetwork implements store_on_network(key, entry): node_lookup
// followed by a parallel STORE fan-out to the resulting contacts.
// Success requires at least one STORE_RSP (a soft guarantee).
func (l *Lookups) StoreOnNetwork(ctx context.Context, key kademlia.ID, e store.Entry, seed []kademlia.Contact) (succeeded bool) {
	targets := l.NodeLookup(ctx, key, seed)
	if len(targets) == 0 {
		return false
	}

	var ok int32
	var g errgroup.Group
	var mu sync.Mutex
	for _, c := range targets {
		c := c
		g.Go(func() error {
			if _, err := l.call.StoreEntry(ctx, c, key, e); err == nil {
				mu.Lock()
				ok++
				mu.Unlock()
			}
			return nil
		})
	}
	g.Wait()
	return ok > 0
}
