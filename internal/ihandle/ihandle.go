// Package ihandle implements the CIF's instance-handle registry as a
// plain table (phandles need no table: they are a device tree node
// offset plus Munge), per the
// specification's guidance to avoid an intrusive list: the original
// monitor threads ihandles through a list embedded in each node's own
// struct, which has no clean Go equivalent and couples node lifetime
// to registry lifetime unnecessarily.
package ihandle

import (
	"io"
	"os"

	"github.com/andreiw/pvp/internal/disk"
	"github.com/andreiw/pvp/internal/monerr"
)

// Munge is added to a device tree node offset to produce a phandle,
// matching the original monitor's PHANDLE_MUNGE so phandles are never
// confused with raw FDT node offsets or with the zero value.
const Munge = 0x10000000

// Phandle identifies a device tree node ("package").
type Phandle uint32

// Ihandle identifies an open instance of a node.
type Ihandle uint32

// Methods is the method-slot set every ihandle variant carries per
// spec.md §3: write, read, seek, close. A backing value that does not
// implement Methods (including nil) gets wrappedMethods, whose write,
// read and seek slots report unsupported and whose close succeeds —
// the behavior a plain package ihandle
// (opened against a device tree node with no file or disk behind it)
// has always had.
type Methods interface {
	Write(p []byte) (int, error)
	Read(p []byte) (int, error)
	Seek(offset int64) error
	Close() error
}

// Instance is whatever a particular ihandle needs to remember across
// calls: which node it was opened against, its method-slot dispatch,
// and the backing value those methods close over (an open file, a
// disk+partition, or nil for a plain package ihandle).
type Instance struct {
	Phandle Phandle
	Backing any
	Methods Methods
}

// Table is the ihandle registry.
type Table struct {
	next      Ihandle
	instances map[Ihandle]*Instance
}

// New creates an empty ihandle table. Ihandle 0 is never issued, so a
// zero Ihandle value reliably means "no handle".
func New() *Table {
	return &Table{next: 1, instances: make(map[Ihandle]*Instance)}
}

// Open creates a new ihandle bound to phandle, carrying backing as its
// per-instance state. backing's method-slot dispatch is derived via
// methodsFor: a value built with NewFile or NewDisk gets the matching
// real dispatch, anything else (including nil) gets wrappedMethods.
func (t *Table) Open(p Phandle, backing any) Ihandle {
	ih := t.next
	t.next++

	t.instances[ih] = &Instance{Phandle: p, Backing: backing, Methods: methodsFor(backing)}

	return ih
}

// Close releases an ihandle.
func (t *Table) Close(ih Ihandle) {
	delete(t.instances, ih)
}

// Lookup returns the instance for ih, if open.
func (t *Table) Lookup(ih Ihandle) (*Instance, bool) {
	inst, ok := t.instances[ih]
	return inst, ok
}

// methodsFor derives an Instance's Methods from its backing value: a
// backing that already implements Methods (fileMethods, diskMethods)
// is used directly, everything else falls back to wrappedMethods.
func methodsFor(backing any) Methods {
	if m, ok := backing.(Methods); ok {
		return m
	}

	return wrappedMethods{}
}

// wrappedMethods is the default dispatch for an ihandle with nothing
// behind it but a device tree node (the mmu and console ihandles,
// whose write/read/seek go through cif's own ConIhandle special case
// rather than through Methods).
type wrappedMethods struct{}

func (wrappedMethods) Write([]byte) (int, error) { return 0, monerr.Wrap(monerr.ErrUnsupported, "ihandle: write") }
func (wrappedMethods) Read([]byte) (int, error)  { return 0, monerr.Wrap(monerr.ErrUnsupported, "ihandle: read") }
func (wrappedMethods) Seek(int64) error          { return monerr.Wrap(monerr.ErrUnsupported, "ihandle: seek") }
func (wrappedMethods) Close() error              { return nil }

// fileMethods backs a File-variant ihandle: a plain host file opened
// by the open service's "file" suffix, read/written/seeked directly.
type fileMethods struct {
	f *os.File
}

// NewFile wraps an open host file as ihandle Methods.
func NewFile(f *os.File) Methods { return &fileMethods{f: f} }

func (m *fileMethods) Write(p []byte) (int, error) { return m.f.Write(p) }
func (m *fileMethods) Read(p []byte) (int, error)  { return m.f.Read(p) }

func (m *fileMethods) Seek(offset int64) error {
	_, err := m.f.Seek(offset, io.SeekStart)
	return err
}

func (m *fileMethods) Close() error { return m.f.Close() }

// diskMethods backs a Disk-variant ihandle: an open disk image and the
// partition the open service's "dev:part,file" path selected, with a
// current seek offset relative to the partition's own start.
type diskMethods struct {
	d      *disk.Disk
	part   disk.Partition
	offset int64
}

// NewDisk wraps an open disk and a chosen partition as ihandle
// Methods.
func NewDisk(d *disk.Disk, part disk.Partition) Methods {
	return &diskMethods{d: d, part: part}
}

func (m *diskMethods) Write(p []byte) (int, error) {
	n, err := m.d.WriteAt(p, m.part.Offset+m.offset)
	m.offset += int64(n)

	return n, err
}

func (m *diskMethods) Read(p []byte) (int, error) {
	n, err := m.d.ReadAt(p, m.part.Offset+m.offset)
	m.offset += int64(n)

	return n, err
}

func (m *diskMethods) Seek(offset int64) error {
	m.offset = offset
	return nil
}

func (m *diskMethods) Close() error { return nil }
