package fanout

// Subscribers remember at most this many sequence numbers above the contiguous prefix.
const maxSparse = 1024

// acks tracks which sequence numbers of one subscription were seen: every number up to seq, plus the sparse
// set above it. Numbers that were never seen are always new, whatever order they arrive in.
type acks struct {
	seq    uint64
	sparse map[uint64]bool
}

func newAcks() *acks {
	return &acks{sparse: make(map[uint64]bool)}
}

// add reports whether n is new.
func (a *acks) add(n uint64) bool {
	if n <= a.seq || a.sparse[n] {
		return false
	}
	a.sparse[n] = true
	a.compact()
	if len(a.sparse) > maxSparse {
		a.forgetOldest()
	}
	return true
}

func (a *acks) compact() {
	for a.sparse[a.seq+1] {
		a.seq++
		delete(a.sparse, a.seq)
	}
}

// forgetOldest drops the lowest remembered number. A redelivery of it passes again.
func (a *acks) forgetOldest() {
	var min uint64
	for n := range a.sparse {
		if min == 0 || n < min {
			min = n
		}
	}
	delete(a.sparse, min)
}
