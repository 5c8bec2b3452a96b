// Package page implements the on-disk node layout: a typed accessor over a
// fixed pageSize byte region, parameterized by key size, data size and the
// interior fan-out. Callers never index the raw buffer directly.
package page

import "encoding/binary"

// NoID is the sentinel physical/logical id meaning "absent" or "no
// successor", matching the teacher corpus convention of an all-ones
// invalid-id marker rather than 0 (0 is a legal page id here).
const NoID uint32 = 0xFFFFFFFF

// Header layout, little-endian, present on every page regardless of variant.
// The prevID/nextID slots are reserved on Variant A pages: InitHeader sets
// both to NoID and no Variant A code path writes or reads them afterwards,
// so on Variant A pages they hold NoID, not zero.
const (
	offPageID     = 0
	offCountFlags = 4
	offPrevID     = 6
	offNextID     = 10
	HeaderSize    = 14

	// NextIDOffset is the byte offset of the forward-chain pointer within
	// the header, exported so callers can target it with a raw WriteBytes
	// patch (the remap spill path).
	NextIDOffset = offNextID

	idSize = 4

	roleInteriorOffset = 10000
	roleRootOffset     = 20000
)

// PageID returns the logical id stamped into the header.
func PageID(buf []byte) uint32 { return binary.LittleEndian.Uint32(buf[offPageID:]) }

// SetPageID stamps the logical id into the header.
func SetPageID(buf []byte, id uint32) { binary.LittleEndian.PutUint32(buf[offPageID:], id) }

func rawCountFlags(buf []byte) uint16 { return binary.LittleEndian.Uint16(buf[offCountFlags:]) }

func setRawCountFlags(buf []byte, v uint16) {
	binary.LittleEndian.PutUint16(buf[offCountFlags:], v)
}

// Count returns the true record/key count, stripping the role flags.
func Count(buf []byte) int { return int(rawCountFlags(buf) % 10000) }

// SetCount rewrites the count while preserving the current role flags.
func SetCount(buf []byte, count int) {
	role := rawCountFlags(buf) - uint16(Count(buf))
	setRawCountFlags(buf, role+uint16(count))
}

// IncCount increments the stored count by one, preserving role flags.
func IncCount(buf []byte) { SetCount(buf, Count(buf)+1) }

// IsInterior reports whether the page's role flags mark it as an interior
// (or root-and-interior) node.
func IsInterior(buf []byte) bool { return (rawCountFlags(buf)/roleInteriorOffset)%2 == 1 }

// IsRoot reports whether the page's role flags mark it as the current root.
func IsRoot(buf []byte) bool { return rawCountFlags(buf) >= roleRootOffset }

// SetInterior adds the interior role offset on top of the current count.
// SetInterior and SetRoot compose in either order, so a page that is
// root-and-interior (the common case once the tree grows past one level)
// carries both offsets.
func SetInterior(buf []byte) {
	if !IsInterior(buf) {
		setRawCountFlags(buf, rawCountFlags(buf)+roleInteriorOffset)
	}
}

// SetRoot adds the root role offset on top of the current count/role.
func SetRoot(buf []byte) {
	if !IsRoot(buf) {
		setRawCountFlags(buf, rawCountFlags(buf)+roleRootOffset)
	}
}

// InitHeader resets a page's header to an empty node of the given role.
func InitHeader(buf []byte, pageID uint32, interior, root bool) {
	SetPageID(buf, pageID)
	var flags uint16
	if interior {
		flags += roleInteriorOffset
	}
	if root {
		flags += roleRootOffset
	}
	setRawCountFlags(buf, flags)
	SetPrevID(buf, NoID)
	SetNextID(buf, NoID)
}

// PrevID returns the physical id this page occupied before its last
// rewrite (Variant B bookkeeping for the recycler).
func PrevID(buf []byte) uint32 { return binary.LittleEndian.Uint32(buf[offPrevID:]) }

// SetPrevID stamps the prior physical id.
func SetPrevID(buf []byte, id uint32) { binary.LittleEndian.PutUint32(buf[offPrevID:], id) }

// NextID returns the forward-chain pointer used to spill a remap entry into
// the page itself when the in-memory remap table is full.
func NextID(buf []byte) uint32 { return binary.LittleEndian.Uint32(buf[offNextID:]) }

// SetNextID stamps the forward-chain pointer.
func SetNextID(buf []byte, id uint32) { binary.LittleEndian.PutUint32(buf[offNextID:], id) }

// Layout precomputes the fan-out of a page of a given size for fixed key and
// data sizes, and exposes the record/key/pointer accessors.
type Layout struct {
	PageSize         int
	KeySize          int
	DataSize         int
	RecordSize       int // KeySize + DataSize, for leaves
	MaxLeafRecords   int
	MaxInteriorKeys  int
	maxInteriorPtrs  int
	interiorKeysOff  int
	interiorPtrsOff  int
}

// NewLayout derives the leaf and interior fan-out for the given page, key and
// data sizes, per the floor-division formulas in the data model.
func NewLayout(pageSize, keySize, dataSize int) Layout {
	recordSize := keySize + dataSize
	l := Layout{
		PageSize:   pageSize,
		KeySize:    keySize,
		DataSize:   dataSize,
		RecordSize: recordSize,
	}
	l.MaxLeafRecords = (pageSize - HeaderSize) / recordSize
	l.setMaxInteriorKeys((pageSize - HeaderSize - idSize) / (keySize + idSize))
	return l
}

// NewPinnedLayout builds a layout with explicit fan-out numbers instead of
// deriving them from pageSize, mirroring the reference implementation's
// test harness, which hardcodes maxRecordsPerPage/maxInteriorRecordsPerPage
// rather than computing them.
func NewPinnedLayout(pageSize, keySize, dataSize, maxLeafRecords, maxInteriorKeys int) Layout {
	l := Layout{
		PageSize:       pageSize,
		KeySize:        keySize,
		DataSize:       dataSize,
		RecordSize:     keySize + dataSize,
		MaxLeafRecords: maxLeafRecords,
	}
	l.setMaxInteriorKeys(maxInteriorKeys)
	return l
}

func (l *Layout) setMaxInteriorKeys(n int) {
	l.MaxInteriorKeys = n
	l.maxInteriorPtrs = n + 1
	l.interiorKeysOff = HeaderSize
	l.interiorPtrsOff = HeaderSize + n*l.KeySize
}

// LeafKey returns the key of the i-th leaf record.
func (l Layout) LeafKey(buf []byte, i int) []byte {
	off := HeaderSize + i*l.RecordSize
	return buf[off : off+l.KeySize]
}

// LeafData returns the data payload of the i-th leaf record.
func (l Layout) LeafData(buf []byte, i int) []byte {
	off := HeaderSize + i*l.RecordSize + l.KeySize
	return buf[off : off+l.DataSize]
}

// SetLeafRecord writes a whole (key, data) record at slot i.
func (l Layout) SetLeafRecord(buf []byte, i int, key, data []byte) {
	off := HeaderSize + i*l.RecordSize
	copy(buf[off:off+l.KeySize], key)
	copy(buf[off+l.KeySize:off+l.RecordSize], data)
}

// CopyLeafRecord copies the record at slot src to slot dst within the same
// buffer; used when shifting the suffix of records during insert/split.
func (l Layout) CopyLeafRecord(buf []byte, dst, src int) {
	srcOff := HeaderSize + src*l.RecordSize
	dstOff := HeaderSize + dst*l.RecordSize
	copy(buf[dstOff:dstOff+l.RecordSize], buf[srcOff:srcOff+l.RecordSize])
}

// InteriorKey returns the i-th key of an interior node.
func (l Layout) InteriorKey(buf []byte, i int) []byte {
	off := l.interiorKeysOff + i*l.KeySize
	return buf[off : off+l.KeySize]
}

// SetInteriorKey writes the i-th key of an interior node.
func (l Layout) SetInteriorKey(buf []byte, i int, key []byte) {
	off := l.interiorKeysOff + i*l.KeySize
	copy(buf[off:off+l.KeySize], key)
}

// InteriorPtr returns the i-th child pointer of an interior node.
func (l Layout) InteriorPtr(buf []byte, i int) uint32 {
	off := l.interiorPtrsOff + i*idSize
	return binary.LittleEndian.Uint32(buf[off : off+idSize])
}

// SetInteriorPtr writes the i-th child pointer of an interior node.
func (l Layout) SetInteriorPtr(buf []byte, i int, id uint32) {
	off := l.interiorPtrsOff + i*idSize
	binary.LittleEndian.PutUint32(buf[off:off+idSize], id)
}

// CopyInteriorKey copies the key at slot src to slot dst.
func (l Layout) CopyInteriorKey(buf []byte, dst, src int) {
	l.SetInteriorKey(buf, dst, l.InteriorKey(buf, src))
}

// CopyInteriorPtr copies the pointer at slot src to slot dst.
func (l Layout) CopyInteriorPtr(buf []byte, dst, src int) {
	l.SetInteriorPtr(buf, dst, l.InteriorPtr(buf, src))
}
