package kademlia

import "testing"

func TestHashIDDeterministic(t *testing.T) {
	a := HashID([]byte("k"))
	b := HashID([]byte("k"))
	if a != b {
		t.Fatalf("HashID not deterministic: %s != %s", a, b)
	}
	if HashID([]byte("k1")) == HashID([]byte("k2")) {
		t.Fatalf("HashID collided on distinct inputs")
	}
}

func TestRandomIDDistinct(t *testing.T) {
	a, err := RandomID()
	if err != nil {
		t.Fatalf("RandomID: %v", err)
	}
	b, err := RandomID()
	if err != nil {
		t.Fatalf("RandomID: %v", err)
	}
	if a == b {
		t.Fatalf("two RandomID calls produced the same id")
	}
}

func TestXorSelfIsZero(t *testing.T) {
	id, _ := RandomID()
	if !id.Xor(id).IsZero() {
		t.Fatalf("id XOR itself should be zero")
	}
}

func TestXorSymmetric(t *testing.T) {
	a, _ := RandomID()
	b, _ := RandomID()
	if a.Xor(b) != b.Xor(a) {
		t.Fatalf("XOR distance is not symmetric")
	}
}

func TestXorTriangleInequality(t *testing.T) {
	a, _ := RandomID()
	b, _ := RandomID()
	c, _ := RandomID()
	dac := a.Xor(c)
	dab := a.Xor(b)
	dbc := b.Xor(c)
	// XOR metric satisfies d(a,c) == d(a,b) XOR d(b,c) exactly, which
	// is strictly stronger than the usual triangle inequality.
	if dac != dab.Xor(dbc) {
		t.Fatalf("XOR triangle equality violated: d(a,c)=%s, d(a,b)^d(b,c)=%s", dac, dab.Xor(dbc))
	}
}

func TestBucketIndexUndefinedForSelf(t *testing.T) {
	id, _ := RandomID()
	if _, ok := BucketIndex(id, id); ok {
		t.Fatalf("BucketIndex should be undefined for equal ids")
	}
}

func TestBucketIndexRange(t *testing.T) {
	self, _ := RandomID()
	for i := 0; i < 100; i++ {
		other, _ := RandomID()
		if other == self {
			continue
		}
		idx, ok := BucketIndex(self, other)
		if !ok {
			t.Fatalf("expected a bucket index for distinct ids")
		}
		if idx < 0 || idx >= IDBits {
			t.Fatalf("bucket index %d out of range [0, %d)", idx, IDBits)
		}
	}
}

func TestBucketIndexHighestSetBit(t *testing.T) {
	var self ID // all zero
	var other ID
	other[0] = 0x80 // highest set bit overall: bit 159 from LSB
	idx, ok := BucketIndex(self, other)
	if !ok || idx != IDBits-1 {
		t.Fatalf("expected bucket index %d, got %d (ok=%v)", IDBits-1, idx, ok)
	}

	other = ID{}
	other[IDLength-1] = 0x01 // lowest bit: bucket index 0
	idx, ok = BucketIndex(self, other)
	if !ok || idx != 0 {
		t.Fatalf("expected bucket index 0, got %d (ok=%v)", idx, ok)
	}
}

func TestCloserThanOrdersByDistance(t *testing.T) {
	var a, b, target ID
	a[IDLength-1] = 0x01
	b[IDLength-1] = 0x02
	// a XOR target == a, b XOR target == b when target is zero; a < b.
	if !CloserThan(a, b, target) {
		t.Fatalf("expected a to be closer to target than b")
	}
	if CloserThan(b, a, target) {
		t.Fatalf("expected b not to be closer than a")
	}
}

func TestSetBitsAndUnsetBitsPartition(t *testing.T) {
	id, _ := RandomID()
	set := id.SetBitsDescending()
	unset := id.UnsetBitsAscending()
	if len(set)+len(unset) != IDBits {
		t.Fatalf("set+unset bits should partition all %d bits, got %d+%d", IDBits, len(set), len(unset))
	}
	for i := 1; i < len(set); i++ {
		if set[i] >= set[i-1] {
			t.Fatalf("SetBitsDescending not strictly descending at %d", i)
		}
	}
	for i := 1; i < len(unset); i++ {
		if unset[i] <= unset[i-1] {
			t.Fatalf("UnsetBitsAscending not strictly ascending at %d", i)
		}
	}
}
