package btree

import "github.com/btree-query-bench/fbtree/page"

// Cursor yields records with minKey <= key <= maxKey in ascending order. A
// nil bound means unbounded on that side.
type Cursor struct {
	tree *Tree

	minKey, maxKey []byte

	path  []uint32
	slot  []int
	done  bool
}

// Iterate positions a cursor at the first record whose key is >= minKey (or
// at the very first record, if minKey is nil).
func (t *Tree) Iterate(minKey, maxKey []byte) (*Cursor, error) {
	c := &Cursor{
		tree:   t,
		minKey: minKey,
		maxKey: maxKey,
		path:   make([]uint32, t.levels),
		slot:   make([]int, t.levels),
	}
	if minKey != nil && maxKey != nil && t.compare(minKey, maxKey) > 0 {
		c.done = true
		return c, nil
	}
	if err := c.descendFromRoot(minKey); err != nil {
		return nil, err
	}
	return c, nil
}

// descendFromRoot walks root-to-leaf choosing, at each interior level, the
// child that would contain fromKey (or the leftmost child if fromKey is
// nil), and positions the leaf slot at the lower bound of fromKey.
func (c *Cursor) descendFromRoot(fromKey []byte) error {
	t := c.tree
	id := t.activePath[0]
	for level := 0; level < t.levels-1; level++ {
		physID, buf, err := t.resolve(id)
		if err != nil {
			return err
		}
		c.path[level] = physID
		slot := 0
		if fromKey != nil {
			slot = t.interiorSlot(buf, fromKey)
		}
		c.slot[level] = slot
		id = t.layout.InteriorPtr(buf, slot)
	}
	leafLevel := t.levels - 1
	physID, buf, err := t.resolve(id)
	if err != nil {
		return err
	}
	c.path[leafLevel] = physID
	if fromKey != nil {
		c.slot[leafLevel] = t.leafLowerBound(buf, fromKey)
	} else {
		c.slot[leafLevel] = 0
	}
	return nil
}

// Next returns the next (key, data) pair, or ErrIterEnd once the range is
// exhausted.
func (c *Cursor) Next() ([]byte, []byte, error) {
	if c.done {
		return nil, nil, ErrIterEnd
	}
	t := c.tree
	leafLevel := len(c.path) - 1

	_, buf, err := t.buf.Read(c.path[leafLevel])
	if err != nil {
		return nil, nil, err
	}
	count := page.Count(buf)

	if c.slot[leafLevel] >= count {
		ok, err := c.climb()
		if err != nil {
			return nil, nil, err
		}
		if !ok {
			c.done = true
			return nil, nil, ErrIterEnd
		}
		return c.Next()
	}

	key := t.layout.LeafKey(buf, c.slot[leafLevel])
	if c.maxKey != nil && t.compare(key, c.maxKey) > 0 {
		c.done = true
		return nil, nil, ErrIterEnd
	}
	data := t.layout.LeafData(buf, c.slot[leafLevel])
	k, d := cloneBytes(key), cloneBytes(data)
	c.slot[leafLevel]++
	return k, d, nil
}

// climb walks upward from the leaf looking for a level with an unconsumed
// next sibling pointer, then descends leftmost back down to a fresh leaf.
// It returns false once the climb exhausts the root.
func (c *Cursor) climb() (bool, error) {
	t := c.tree
	for level := len(c.path) - 2; level >= 0; level-- {
		_, buf, err := t.buf.Read(c.path[level])
		if err != nil {
			return false, err
		}
		nextSlot := c.slot[level] + 1
		if nextSlot > page.Count(buf) {
			continue
		}
		c.slot[level] = nextSlot
		id := t.layout.InteriorPtr(buf, nextSlot)
		for l := level + 1; l < len(c.path); l++ {
			physID, cbuf, err := t.resolve(id)
			if err != nil {
				return false, err
			}
			c.path[l] = physID
			c.slot[l] = 0
			if l < len(c.path)-1 {
				id = t.layout.InteriorPtr(cbuf, 0)
			}
		}
		return true, nil
	}
	return false, nil
}
