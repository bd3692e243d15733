package store

import (
	"time"

	"github.com/subotai-dht/subotai/pkg/kademlia"
)

// expirationItem is one entry in the expiration priority queue
// (§4.3: "expiration schedule (priority queue on expiration, all
// entries)"). cache distinguishes which of Table.main/Table.cache the
// record lives in, since both schedules share one queue.
type expirationItem struct {
	key   kademlia.ID
	rec   *record
	at    time.Time
	cache bool
}

type expirationHeap []*expirationItem

func (h expirationHeap) Len() int            { return len(h) }
func (h expirationHeap) Less(i, j int) bool  { return h[i].at.Before(h[j].at) }
func (h expirationHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *expirationHeap) Push(x interface{}) { *h = append(*h, x.(*expirationItem)) }
func (h *expirationHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

// republishItem is one entry in the originals-only republish priority
// queue (§4.3: "republish schedule (priority queue on
// next-republish-time, originals only)").
type republishItem struct {
	key kademlia.ID
	rec *record
	at  time.Time
}

type republishHeap []*republishItem

func (h republishHeap) Len() int            { return len(h) }
func (h republishHeap) Less(i, j int) bool  { return h[i].at.Before(h[j].at) }
func (h republishHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *republishHeap) Push(x interface{}) { *h = append(*h, x.(*republishItem)) }
func (h *republishHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}
