// Package remap implements the bounded prior-physical-id to
// current-physical-id table that lets Variant B relocate a node without
// immediately rewriting every ancestor that points at it.
//
// Deliberately a flat array with linear scan rather than a map: the table
// is small (maxMappings is in the tens at most) and a hash structure would
// be counterproductive at this size and would need its own allocator on a
// small-memory device.
package remap

// ErrFull is returned by Add when the table is already at capacity and
// prior is not already present; callers spill the mapping into the page's
// nextId chain instead.
var ErrFull = errFull{}

type errFull struct{}

func (errFull) Error() string { return "remap: table full" }

// Table is a bounded (prior -> current) association.
type Table struct {
	cap     int
	prior   []uint32
	current []uint32
}

// New creates an empty table with the given capacity.
func New(capacity int) *Table {
	return &Table{
		cap:     capacity,
		prior:   make([]uint32, 0, capacity),
		current: make([]uint32, 0, capacity),
	}
}

// Len returns the number of live mappings.
func (t *Table) Len() int { return len(t.prior) }

// Cap returns the table's configured capacity.
func (t *Table) Cap() int { return t.cap }

func (t *Table) indexOf(prior uint32) int {
	for i, p := range t.prior {
		if p == prior {
			return i
		}
	}
	return -1
}

// Lookup resolves a physical id through the table. If prior has no mapping
// the id is returned unchanged (ok is false), matching the "use the stored
// id unchanged" rule for unmapped children.
func (t *Table) Lookup(id uint32) (current uint32, ok bool) {
	i := t.indexOf(id)
	if i < 0 {
		return id, false
	}
	return t.current[i], true
}

// Add inserts or updates a mapping. Updating an existing prior always
// succeeds even at capacity; only a brand new addition can report ErrFull.
func (t *Table) Add(prior, current uint32) error {
	if i := t.indexOf(prior); i >= 0 {
		t.current[i] = current
		return nil
	}
	if len(t.prior) >= t.cap {
		return ErrFull
	}
	t.prior = append(t.prior, prior)
	t.current = append(t.current, current)
	return nil
}

// Remove drops the mapping for prior, if any, by swap-with-last.
func (t *Table) Remove(prior uint32) {
	i := t.indexOf(prior)
	if i < 0 {
		return
	}
	last := len(t.prior) - 1
	t.prior[i] = t.prior[last]
	t.current[i] = t.current[last]
	t.prior = t.prior[:last]
	t.current = t.current[:last]
}

// Each calls fn for every live (prior, current) mapping. fn must not mutate
// the table; callers collecting removals should gather prior ids and call
// Remove after Each returns.
func (t *Table) Each(fn func(prior, current uint32)) {
	for i := range t.prior {
		fn(t.prior[i], t.current[i])
	}
}
