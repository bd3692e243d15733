package kademlia

// Endpoint is a transport address a Contact can be reached at. It is
// a plain string (e.g. "203.0.113.5:27487") so that pkg/kademlia has
// no dependency on any particular socket implementation; pkg/socket
// produces and consumes the same representation.
type Endpoint string

// Contact pairs an identifier with the endpoint it was last seen at.
// Liveness is not part of a Contact's state (§3): it is established
// by a successful RPC, tracked by whoever holds the Contact, not by
// the Contact value itself.
type Contact struct {
	ID   ID
	Addr Endpoint
}

// Equal compares contacts by ID only, per §3 ("Contacts are compared
// by ID").
func (c Contact) Equal(other Contact) bool {
	return c.ID == other.ID
}

// sortByDistance sorts contacts ascending by XOR distance to target,
// tie-breaking by ascending numeric ID (§4.2).
func sortByDistance(contacts []Contact, target ID) {
	insertionSortContacts(contacts, target)
}

// insertionSortContacts performs a stable insertion sort. Candidate
// lists here are bounded by small multiples of K, so the O(n^2) worst
// case is irrelevant and the implementation stays simple and
// allocation-free, following the same insertion-sort choice made by
// the teacher's own RoutingTable.sortByDistance.
func insertionSortContacts(contacts []Contact, target ID) {
	for i := 1; i < len(contacts); i++ {
		key := contacts[i]
		j := i - 1
		for j >= 0 && CloserThan(key.ID, contacts[j].ID, target) {
			contacts[j+1] = contacts[j]
			j--
		}
		contacts[j+1] = key
	}
}
