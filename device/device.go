// Package device abstracts the raw storage medium the buffer manager reads
// and writes through: fixed-size pages addressed by physical id, with an
// erase operation for the append-only flash variant. Everything above this
// package treats the medium as an opaque block device, per the host file
// I/O being an external collaborator rather than part of the tree's logic.
package device

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/afero"
)

// BlockDevice is the storage medium the buffer manager drives. Page ids are
// physical addresses; a page not yet written reads back as zero bytes.
type BlockDevice interface {
	PageSize() int
	ReadPage(pid uint32, buf []byte) error
	WritePage(pid uint32, buf []byte) error
	WriteBytes(pid uint32, offset int, data []byte) error
	Erase(startPid, endPid uint32) error
}

// FileDevice is a BlockDevice backed by an afero filesystem, used for both
// storage variants: Variant A relies on its in-place WritePage/WriteBytes,
// Variant B additionally relies on Erase and never calls WritePage twice at
// the same pid without an intervening Erase of its block.
type FileDevice struct {
	fs       afero.Fs
	file     afero.File
	pageSize int
}

// Open creates or opens a flat file of fixed-size pages at path on fs.
func Open(fs afero.Fs, path string, pageSize int) (*FileDevice, error) {
	file, err := fs.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("device: open %s: %w", path, err)
	}
	return &FileDevice{fs: fs, file: file, pageSize: pageSize}, nil
}

func (d *FileDevice) PageSize() int { return d.pageSize }

func (d *FileDevice) offset(pid uint32) int64 { return int64(pid) * int64(d.pageSize) }

// ReadPage reads exactly PageSize() bytes into buf. Reading past the current
// end of file is not an error; unwritten pages read back as zero, matching
// a freshly erased flash block.
func (d *FileDevice) ReadPage(pid uint32, buf []byte) error {
	n, err := d.file.ReadAt(buf[:d.pageSize], d.offset(pid))
	if err != nil {
		if !errors.Is(err, io.EOF) {
			return fmt.Errorf("device: read page %d: %w", pid, err)
		}
		for i := n; i < d.pageSize; i++ {
			buf[i] = 0
		}
	}
	return nil
}

// WritePage writes buf at pid, in place.
func (d *FileDevice) WritePage(pid uint32, buf []byte) error {
	if _, err := d.file.WriteAt(buf[:d.pageSize], d.offset(pid)); err != nil {
		return fmt.Errorf("device: write page %d: %w", pid, err)
	}
	return nil
}

// WriteBytes patches a byte range within page pid without touching the rest
// of the page, used to stamp a forward-chain nextId into an already-written
// page.
func (d *FileDevice) WriteBytes(pid uint32, offset int, data []byte) error {
	if _, err := d.file.WriteAt(data, d.offset(pid)+int64(offset)); err != nil {
		return fmt.Errorf("device: write bytes page %d: %w", pid, err)
	}
	return nil
}

// Erase zero-fills the inclusive page range, simulating a flash erase block
// going back to its blank state. startPid/endPid are expected to be aligned
// to the erase-block size by the caller (the buffer manager's recycler).
func (d *FileDevice) Erase(startPid, endPid uint32) error {
	blank := make([]byte, d.pageSize)
	for pid := startPid; pid <= endPid; pid++ {
		if err := d.WritePage(pid, blank); err != nil {
			return fmt.Errorf("device: erase page %d: %w", pid, err)
		}
	}
	return nil
}

// PageCount reports how many whole pages the backing file currently spans,
// used by recovery to bound its scan for the current root.
func (d *FileDevice) PageCount() (uint32, error) {
	info, err := d.file.Stat()
	if err != nil {
		return 0, fmt.Errorf("device: stat: %w", err)
	}
	return uint32(info.Size() / int64(d.pageSize)), nil
}

// Close releases the underlying file handle.
func (d *FileDevice) Close() error { return d.file.Close() }
