package router

// Dedup memory policy: the seen set is bounded; on overflow the oldest
// 20% are evicted in insertion order.
const (
	dedupCapacity      = 10_000
	dedupEvictFraction = 5
)

// dedupSet is a bounded FIFO set of message ids.
type dedupSet struct {
	seen     map[string]struct{}
	order    []string
	capacity int
}

func newDedupSet(capacity int) *dedupSet {
	if capacity <= 0 {
		capacity = dedupCapacity
	}
	return &dedupSet{
		seen:     make(map[string]struct{}, capacity),
		order:    make([]string, 0, capacity),
		capacity: capacity,
	}
}

// observe inserts the id and reports whether it was new. Inserting into
// a full set first evicts the oldest fifth.
func (d *dedupSet) observe(id string) bool {
	if _, ok := d.seen[id]; ok {
		return false
	}

	if len(d.order) >= d.capacity {
		drop := d.capacity / dedupEvictFraction
		if drop < 1 {
			drop = 1
		}
		for _, old := range d.order[:drop] {
			delete(d.seen, old)
		}
		d.order = append(d.order[:0:0], d.order[drop:]...)
	}

	d.seen[id] = struct{}{}
	d.order = append(d.order, id)
	return true
}

func (d *dedupSet) size() int {
	return len(d.order)
}
