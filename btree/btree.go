// Package btree implements the B-tree core: node search, insertion with a
// recursive split cascade up to the root, point lookup, in-order range
// iteration, and the validity oracle and move hook the buffer manager's
// erase-block recycler needs for Variant B.
package btree

import (
	"encoding/binary"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/btree-query-bench/fbtree/buffer"
	"github.com/btree-query-bench/fbtree/device"
	"github.com/btree-query-bench/fbtree/internal/logging"
	"github.com/btree-query-bench/fbtree/page"
	"github.com/btree-query-bench/fbtree/remap"
)

// MaxLevel bounds the active-path depth; eight levels is enormous for the
// record counts this structure targets.
const MaxLevel = 8

// ErrStorageFull is returned by Put once the capacity cutoff is reached.
var ErrStorageFull = errors.New("btree: storage full")

// ErrNotFound is returned by Get when no record matches the key.
var ErrNotFound = errors.New("btree: key not found")

// ErrIterEnd is returned by Cursor.Next once the range is exhausted.
var ErrIterEnd = errors.New("btree: iterator exhausted")

// CompareFunc orders two fixed-size keys, returning <0, 0, >0 as a
// comparison would.
type CompareFunc func(a, b []byte) int

// Config parameterizes a Tree. Setting MaxMappings > 0 selects Variant B
// tree behaviour (every rewrite goes to a fresh page, tracked through the
// remap table); MaxMappings == 0 selects Variant A in-place overwrites. The
// buffer manager's write frontier and erase-block recycler are enabled
// separately, by EraseSizeInPages > 0.
type Config struct {
	KeySize        int
	DataSize       int
	NumBufferPages int
	Compare        CompareFunc

	// MaxLeafRecords/MaxInteriorKeys, when both non-zero, pin the node
	// fan-out instead of deriving it from PageSize, matching the reference
	// test harness's hardcoded "for testing" constants.
	MaxLeafRecords  int
	MaxInteriorKeys int

	MaxMappings      int
	EraseSizeInPages uint32
	EndDataPage      uint32
}

// Tree is the B-tree core bound to one block device.
type Tree struct {
	dev     device.BlockDevice
	buf     *buffer.Manager
	layout  page.Layout
	compare CompareFunc

	remap    *remap.Table
	variantB bool

	activePath [MaxLevel]uint32
	levels     int
	numNodes   uint32

	log *zap.SugaredLogger
}

func cloneBytes(b []byte) []byte {
	c := make([]byte, len(b))
	copy(c, b)
	return c
}

// Open creates a fresh tree backed by dev: a single empty root leaf page is
// allocated and written.
func Open(dev device.BlockDevice, cfg Config) (*Tree, error) {
	t, err := newTree(dev, cfg)
	if err != nil {
		return nil, err
	}

	root := make([]byte, dev.PageSize())
	page.InitHeader(root, 0, false, true)
	id, err := t.buf.Write(root)
	if err != nil {
		return nil, fmt.Errorf("btree: init root: %w", err)
	}
	t.activePath[0] = id
	t.levels = 1
	t.numNodes = 1
	t.pinRoot(id, root)
	return t, nil
}

// pinRoot keeps the buffer manager's reserved root frame (§4.2) holding the
// current root's content, so every subsequent t.buf.Read(activePath[0])
// across Get/Put/the recycler is a cache hit instead of evicting an
// ordinary pool frame on nearly every operation. A no-op when there are too
// few buffer frames to reserve one (buffer.Manager.RootFrame returns -1).
func (t *Tree) pinRoot(id uint32, buf []byte) {
	if f := t.buf.RootFrame(); f >= 0 {
		t.buf.Pin(f, id, buf)
	}
}

// pageScanner is implemented by block devices that can report how many
// pages currently exist, needed by Recover to sweep the device.
type pageScanner interface {
	PageCount() (uint32, error)
}

// Recover rebuilds tree state from an existing device: it scans for the
// highest logical id among root-flagged pages and adopts that as the root.
// The remap table always starts empty; any Variant B forward-chain nextId
// fields recovered from pages are the only mappings that survive a restart,
// resolved lazily the first time they are chased.
func Recover(dev device.BlockDevice, cfg Config) (*Tree, error) {
	t, err := newTree(dev, cfg)
	if err != nil {
		return nil, err
	}

	scanner, ok := dev.(pageScanner)
	if !ok {
		return nil, fmt.Errorf("btree: recover: device does not support page scanning")
	}
	count, err := scanner.PageCount()
	if err != nil {
		return nil, fmt.Errorf("btree: recover: %w", err)
	}

	var bestRoot uint32
	var bestID int64 = -1
	buf := make([]byte, dev.PageSize())
	for pid := uint32(0); pid < count; pid++ {
		if err := dev.ReadPage(pid, buf); err != nil {
			return nil, fmt.Errorf("btree: recover: scan page %d: %w", pid, err)
		}
		if !page.IsRoot(buf) {
			continue
		}
		if id := int64(page.PageID(buf)); id > bestID {
			bestID = id
			bestRoot = pid
		}
	}
	if bestID < 0 {
		return nil, fmt.Errorf("btree: recover: no root-flagged page found")
	}

	t.activePath[0] = bestRoot
	t.levels = 1
	if err := dev.ReadPage(bestRoot, buf); err != nil {
		return nil, fmt.Errorf("btree: recover: %w", err)
	}
	t.pinRoot(bestRoot, buf)
	for cur := bestRoot; ; {
		if err := dev.ReadPage(cur, buf); err != nil {
			return nil, fmt.Errorf("btree: recover: %w", err)
		}
		if !page.IsInterior(buf) {
			break
		}
		cur = t.layout.InteriorPtr(buf, 0)
		t.levels++
		if t.levels > MaxLevel {
			return nil, fmt.Errorf("btree: recover: depth exceeds MaxLevel")
		}
	}
	return t, nil
}

func newTree(dev device.BlockDevice, cfg Config) (*Tree, error) {
	var layout page.Layout
	if cfg.MaxLeafRecords > 0 && cfg.MaxInteriorKeys > 0 {
		layout = page.NewPinnedLayout(dev.PageSize(), cfg.KeySize, cfg.DataSize, cfg.MaxLeafRecords, cfg.MaxInteriorKeys)
	} else {
		layout = page.NewLayout(dev.PageSize(), cfg.KeySize, cfg.DataSize)
	}
	bufCfg := buffer.Config{
		NumPages:         cfg.NumBufferPages,
		EraseSizeInPages: cfg.EraseSizeInPages,
		EndDataPage:      cfg.EndDataPage,
	}
	bm := buffer.New(dev, bufCfg)

	t := &Tree{
		dev:     dev,
		buf:     bm,
		layout:  layout,
		compare: cfg.Compare,
		log:     logging.Named("btree"),
	}
	if cfg.MaxMappings > 0 {
		t.remap = remap.New(cfg.MaxMappings)
		t.variantB = true
	}
	bm.SetValidator(t)
	return t, nil
}

// Close releases the underlying device.
func (t *Tree) Close() error {
	type closer interface{ Close() error }
	if c, ok := t.dev.(closer); ok {
		return c.Close()
	}
	return nil
}

// Stats exposes the buffer manager's running I/O counters.
func (t *Tree) Stats() buffer.Stats { return t.buf.Stats() }

// Levels reports the current active-path depth L.
func (t *Tree) Levels() int { return t.levels }

// --- id resolution -----------------------------------------------------

// resolve follows the remap table and any forward-chain nextId pages until
// it lands on the physical page currently holding the logical node that id
// once named, reading that page's content along the way.
func (t *Tree) resolve(id uint32) (physID uint32, buf []byte, err error) {
	physID = id
	if t.variantB {
		if cur, ok := t.remap.Lookup(physID); ok {
			physID = cur
		}
	}
	for {
		_, buf, err = t.buf.Read(physID)
		if err != nil {
			return 0, nil, fmt.Errorf("btree: resolve %d: %w", id, err)
		}
		if t.variantB {
			if next := page.NextID(buf); next != page.NoID {
				physID = next
				continue
			}
		}
		return physID, buf, nil
	}
}

func (t *Tree) remapAdd(prior, current uint32) error {
	if !t.variantB || prior == current {
		return nil
	}
	if err := t.remap.Add(prior, current); err != nil {
		if errors.Is(err, remap.ErrFull) {
			var idBuf [4]byte
			binary.LittleEndian.PutUint32(idBuf[:], current)
			return t.buf.WriteBytes(prior, page.NextIDOffset, idBuf[:])
		}
		return err
	}
	return nil
}

// rewritePage persists buf as the logical successor of oldID: an in-place
// overwrite for Variant A, or a fresh physical id plus a prior->current
// remap entry for Variant B.
func (t *Tree) rewritePage(buf []byte, oldID uint32) (uint32, error) {
	if !t.variantB {
		if err := t.buf.Overwrite(buf, oldID); err != nil {
			return 0, err
		}
		return oldID, nil
	}
	page.SetPrevID(buf, oldID)
	newID, err := t.buf.Write(buf)
	if err != nil {
		return 0, err
	}
	if err := t.remapAdd(oldID, newID); err != nil {
		return 0, err
	}
	return newID, nil
}

func (t *Tree) repairPointers(buf []byte) {
	if !t.variantB {
		return
	}
	n := page.Count(buf) + 1
	for i := 0; i < n; i++ {
		ptr := t.layout.InteriorPtr(buf, i)
		if cur, ok := t.remap.Lookup(ptr); ok {
			t.layout.SetInteriorPtr(buf, i, cur)
			t.remap.Remove(ptr)
		}
	}
}

// --- node search ---------------------------------------------------------

// interiorSlot finds the child slot s such that key belongs in the subtree
// at pointer s: ties on an exact separator match go to the right child.
// The degenerate count==0 and count==1 cases in the source material fall
// naturally out of this binary search, so no special-casing is needed.
func (t *Tree) interiorSlot(buf []byte, key []byte) int {
	count := page.Count(buf)
	lo, hi := 0, count
	for lo < hi {
		mid := (lo + hi) / 2
		if t.compare(t.layout.InteriorKey(buf, mid), key) <= 0 {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo
}

// leafInsertPos returns the first index whose key is strictly greater than
// key, i.e. where a new record with this key is inserted after any existing
// equal keys (stable, later duplicates sort after earlier ones).
func (t *Tree) leafInsertPos(buf []byte, key []byte) int {
	count := page.Count(buf)
	lo, hi := 0, count
	for lo < hi {
		mid := (lo + hi) / 2
		if t.compare(t.layout.LeafKey(buf, mid), key) <= 0 {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo
}

// leafExact returns the index of the first record matching key, or -1.
func (t *Tree) leafExact(buf []byte, key []byte) int {
	count := page.Count(buf)
	lo, hi := 0, count-1
	result := -1
	for lo <= hi {
		mid := (lo + hi) / 2
		c := t.compare(t.layout.LeafKey(buf, mid), key)
		switch {
		case c == 0:
			result = mid
			hi = mid - 1
		case c < 0:
			lo = mid + 1
		default:
			hi = mid - 1
		}
	}
	return result
}

// leafLowerBound returns the first index whose key is >= key (or count).
func (t *Tree) leafLowerBound(buf []byte, key []byte) int {
	count := page.Count(buf)
	lo, hi := 0, count
	for lo < hi {
		mid := (lo + hi) / 2
		if t.compare(t.layout.LeafKey(buf, mid), key) < 0 {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo
}

// --- lookup ---------------------------------------------------------------

// Get copies the first record's data matching key into a fresh slice.
func (t *Tree) Get(key []byte) ([]byte, error) {
	id := t.activePath[0]
	for level := 0; level < t.levels-1; level++ {
		_, buf, err := t.resolve(id)
		if err != nil {
			return nil, err
		}
		slot := t.interiorSlot(buf, key)
		id = t.layout.InteriorPtr(buf, slot)
	}
	_, buf, err := t.resolve(id)
	if err != nil {
		return nil, err
	}
	idx := t.leafExact(buf, key)
	if idx < 0 {
		return nil, ErrNotFound
	}
	return cloneBytes(t.layout.LeafData(buf, idx)), nil
}

// --- insertion --------------------------------------------------------

// Put inserts (key, data), or appends a duplicate if key already exists.
func (t *Tree) Put(key, data []byte) error {
	if t.variantB && uint32(t.numNodes) >= t.buf.EndDataPage()/2 {
		return ErrStorageFull
	}

	var path [MaxLevel]uint32
	var slots [MaxLevel]int

	id := t.activePath[0]
	for level := 0; level < t.levels-1; level++ {
		physID, buf, err := t.resolve(id)
		if err != nil {
			return err
		}
		path[level] = physID
		slot := t.interiorSlot(buf, key)
		slots[level] = slot
		id = t.layout.InteriorPtr(buf, slot)
	}

	leafLevel := t.levels - 1
	leafPhysID, leafBuf, err := t.resolve(id)
	if err != nil {
		return err
	}
	path[leafLevel] = leafPhysID

	working := t.buf.ScratchFrame()
	copy(working, leafBuf)
	insertPos := t.leafInsertPos(working, key)
	count := page.Count(working)

	if count < t.layout.MaxLeafRecords {
		for i := count; i > insertPos; i-- {
			t.layout.CopyLeafRecord(working, i, i-1)
		}
		t.layout.SetLeafRecord(working, insertPos, key, data)
		page.IncCount(working)
		newID, err := t.rewritePage(working, leafPhysID)
		if err != nil {
			return err
		}
		if leafLevel == 0 {
			t.activePath[0] = newID
			t.pinRoot(newID, working)
		}
		return nil
	}

	leftID, rightID, promoted, err := t.splitLeaf(working, leafPhysID, insertPos, key, data)
	if err != nil {
		return err
	}
	return t.propagateSplit(path, slots, leafLevel-1, leftID, rightID, promoted)
}

// splitLeaf divides a full leaf (plus the pending insert) into two pages and
// returns their ids and the key promoted to the parent.
func (t *Tree) splitLeaf(full []byte, oldID uint32, insertPos int, key, data []byte) (leftID, rightID uint32, promoted []byte, err error) {
	count := page.Count(full)
	total := count + 1
	mid := count / 2

	at := func(vi int) (k, d []byte) {
		switch {
		case vi == insertPos:
			return key, data
		case vi < insertPos:
			return t.layout.LeafKey(full, vi), t.layout.LeafData(full, vi)
		default:
			return t.layout.LeafKey(full, vi-1), t.layout.LeafData(full, vi-1)
		}
	}

	left := make([]byte, len(full))
	page.InitHeader(left, 0, false, false)
	for i := 0; i < mid; i++ {
		k, d := at(i)
		t.layout.SetLeafRecord(left, i, k, d)
	}
	page.SetCount(left, mid)

	right := make([]byte, len(full))
	page.InitHeader(right, 0, false, false)
	rightCount := total - mid
	for i := 0; i < rightCount; i++ {
		k, d := at(mid + i)
		t.layout.SetLeafRecord(right, i, k, d)
	}
	page.SetCount(right, rightCount)

	promotedKey, _ := at(mid)
	promoted = cloneBytes(promotedKey)

	leftID, err = t.rewritePage(left, oldID)
	if err != nil {
		return 0, 0, nil, err
	}
	rightID, err = t.buf.Write(right)
	if err != nil {
		return 0, 0, nil, err
	}
	t.numNodes++
	return leftID, rightID, promoted, nil
}

// propagateSplit carries a promoted (key, leftID, rightID) up through any
// interior ancestors that themselves split, finally creating a new root if
// the split reaches the top.
func (t *Tree) propagateSplit(path [MaxLevel]uint32, slots [MaxLevel]int, startLevel int, leftID, rightID uint32, promoted []byte) error {
	for level := startLevel; level >= 0; level-- {
		parentID := path[level]
		_, parentBuf, err := t.buf.Read(parentID)
		if err != nil {
			return err
		}
		working := t.buf.ScratchFrame()
		copy(working, parentBuf)

		s := slots[level]
		count := page.Count(working)

		if count < t.layout.MaxInteriorKeys {
			for i := count; i > s; i-- {
				t.layout.CopyInteriorKey(working, i, i-1)
			}
			t.layout.SetInteriorKey(working, s, promoted)
			for i := count + 1; i > s+1; i-- {
				t.layout.CopyInteriorPtr(working, i, i-1)
			}
			t.layout.SetInteriorPtr(working, s, leftID)
			t.layout.SetInteriorPtr(working, s+1, rightID)
			page.IncCount(working)

			newID, err := t.rewritePage(working, parentID)
			if err != nil {
				return err
			}
			if level == 0 {
				t.activePath[0] = newID
				t.pinRoot(newID, working)
			}
			return nil
		}

		newLeftID, newRightID, newPromoted, err := t.splitInterior(working, parentID, s, promoted, leftID, rightID)
		if err != nil {
			return err
		}
		leftID, rightID, promoted = newLeftID, newRightID, newPromoted
	}

	return t.newRoot(leftID, rightID, promoted)
}

// splitInterior divides a full interior node (plus the pending promoted key
// and its two child ids) into two pages. With count keys and one new key
// arriving, count+1 keys and count+2 pointers are distributed; if count is
// even and the new key lands on the left half, mid is decremented so the
// left half carries the extra key/pointer pair.
func (t *Tree) splitInterior(full []byte, oldID uint32, s int, newKey []byte, leftChild, rightChild uint32) (leftID, rightID uint32, promoted []byte, err error) {
	count := page.Count(full)
	mid := count / 2
	if count%2 == 0 && s < mid {
		mid--
	}

	keyAt := func(vi int) []byte {
		switch {
		case vi == s:
			return newKey
		case vi < s:
			return t.layout.InteriorKey(full, vi)
		default:
			return t.layout.InteriorKey(full, vi-1)
		}
	}
	ptrAt := func(vi int) uint32 {
		switch {
		case vi == s:
			return leftChild
		case vi == s+1:
			return rightChild
		case vi < s:
			return t.layout.InteriorPtr(full, vi)
		default:
			return t.layout.InteriorPtr(full, vi-1)
		}
	}

	left := make([]byte, len(full))
	page.InitHeader(left, 0, true, false)
	for i := 0; i < mid; i++ {
		t.layout.SetInteriorKey(left, i, keyAt(i))
	}
	for i := 0; i <= mid; i++ {
		t.layout.SetInteriorPtr(left, i, ptrAt(i))
	}
	page.SetCount(left, mid)

	right := make([]byte, len(full))
	page.InitHeader(right, 0, true, false)
	rightKeys := count - mid
	for i := 0; i < rightKeys; i++ {
		t.layout.SetInteriorKey(right, i, keyAt(mid+1+i))
	}
	for i := 0; i <= rightKeys; i++ {
		t.layout.SetInteriorPtr(right, i, ptrAt(mid+1+i))
	}
	page.SetCount(right, rightKeys)

	promoted = cloneBytes(keyAt(mid))

	leftID, err = t.rewritePage(left, oldID)
	if err != nil {
		return 0, 0, nil, err
	}
	rightID, err = t.buf.Write(right)
	if err != nil {
		return 0, 0, nil, err
	}
	t.numNodes++
	return leftID, rightID, promoted, nil
}

func (t *Tree) newRoot(leftID, rightID uint32, key []byte) error {
	if t.levels+1 > MaxLevel {
		return fmt.Errorf("btree: tree depth would exceed MaxLevel")
	}
	root := make([]byte, t.layout.PageSize)
	page.InitHeader(root, 0, true, true)
	t.layout.SetInteriorKey(root, 0, key)
	t.layout.SetInteriorPtr(root, 0, leftID)
	t.layout.SetInteriorPtr(root, 1, rightID)
	page.SetCount(root, 1)

	id, err := t.buf.Write(root)
	if err != nil {
		return err
	}
	t.numNodes++
	t.activePath[0] = id
	t.levels++
	t.pinRoot(id, root)
	return nil
}

// --- recycler callbacks (Variant B) ---------------------------------------

// IsValid implements buffer.Validator: it descends from the root toward
// pid's minimum key, tracking the expected physical id, and reports whether
// the descent lands on pid directly, on pid's remapped image, or neither.
func (t *Tree) IsValid(pid uint32) (int8, uint32) {
	raw := make([]byte, t.layout.PageSize)
	if err := t.dev.ReadPage(pid, raw); err != nil {
		return -1, page.NoID
	}
	minKey, err := t.minKeyOf(raw)
	if err != nil {
		return -1, page.NoID
	}

	// The root is tracked outside any parent's pointer array, so it must be
	// resolved through the remap/forward-chain mechanism the same way any
	// other stale id would be: activePath[0] only moves in lockstep with a
	// rewrite when that rewrite runs through Put's own bookkeeping, not when
	// the recycler relocates the root directly via MovePage.
	cur, buf, err := t.resolve(t.activePath[0])
	if err != nil {
		return -1, page.NoID
	}
	if cur == pid {
		if _, ok := t.remap.Lookup(pid); ok {
			return 1, page.NoID
		}
		return 0, page.NoID
	}
	for {
		if !page.IsInterior(buf) {
			return -1, cur
		}
		slot := t.interiorSlot(buf, minKey)
		child := t.layout.InteriorPtr(buf, slot)
		if child == pid {
			if _, ok := t.remap.Lookup(pid); ok {
				return 1, cur
			}
			return 0, cur
		}
		cur = child
		_, buf, err = t.buf.Read(cur)
		if err != nil {
			return -1, page.NoID
		}
	}
}

// minKeyOf returns the smallest key reachable under the node in buf,
// descending leftmost through interior nodes.
func (t *Tree) minKeyOf(buf []byte) ([]byte, error) {
	for page.IsInterior(buf) {
		child := t.layout.InteriorPtr(buf, 0)
		_, next, err := t.resolve(child)
		if err != nil {
			return nil, err
		}
		buf = next
	}
	if page.Count(buf) == 0 {
		return nil, fmt.Errorf("btree: empty node has no min key")
	}
	return t.layout.LeafKey(buf, 0), nil
}

// MovePage implements buffer.Validator: it restamps a relocated page's
// header, repairs its own child pointers, and records the prior->current
// mapping. The recycler rewrites the affected parent immediately afterward
// in the same pass, so a transient remap-table-full here is drained before
// it could ever force a spill onto a page that is about to be erased.
func (t *Tree) MovePage(prev, curr uint32, buf []byte) {
	page.SetPageID(buf, curr)
	page.SetPrevID(buf, prev)
	if page.IsInterior(buf) {
		t.repairPointers(buf)
	}
	if err := t.remap.Add(prev, curr); err != nil {
		t.log.Warnw("remap table full during recycle move", "prior", prev, "current", curr)
	}
}

// RepairParent implements buffer.Validator: it rereads parentID, drains any
// of its child pointers that the remap table has a fresher answer for, and
// rewrites it. parentID == page.NoID is the sentinel IsValid reports when
// pid itself was activePath[0]: there is no parent page to repair, only
// activePath[0] itself, which MovePage has already remapped but never
// updates directly since it has no notion of "this id is the root."
func (t *Tree) RepairParent(parentID uint32) error {
	if parentID == page.NoID {
		old := t.activePath[0]
		cur, ok := t.remap.Lookup(old)
		if !ok {
			return nil
		}
		t.remap.Remove(old)
		t.activePath[0] = cur
		_, buf, err := t.buf.Read(cur)
		if err != nil {
			return err
		}
		t.pinRoot(cur, buf)
		return nil
	}

	_, buf, err := t.buf.Read(parentID)
	if err != nil {
		return err
	}
	working := make([]byte, len(buf))
	copy(working, buf)
	t.repairPointers(working)
	newID, err := t.rewritePage(working, parentID)
	if err != nil {
		return err
	}
	if parentID == t.activePath[0] {
		t.activePath[0] = newID
		t.pinRoot(newID, working)
	}
	return nil
}
