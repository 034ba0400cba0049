// Package pmem manages the guest's physical memory: a flat byte slice
// addressed by guest real addresses (GRA), with little-endian guest
// access swizzled for a big-endian host.
package pmem

import (
	"fmt"

	"github.com/andreiw/pvp/internal/monerr"
)

// PageSize is the guest page size, used to round claims and shadow
// mappings.
const PageSize = 4096

// GRA is a guest real address: the address space the guest's MMU
// translates into, and the space PMEM is addressed in.
type GRA uint32

func (a GRA) String() string { return fmt.Sprintf("gra:%#08x", uint32(a)) }

// HA is a host address: an opaque handle into the monitor's own
// memory backing a guest page. It is not a pointer — Go cannot safely
// expose one across this boundary — but an index into the PMEM slice.
type HA uint32

// Length, Count and Offset document byte counts and positions without
// committing to a single numeric type at every call site.
type (
	Length uint32
	Count  uint32
	Offset uint32
)

// Memory is the guest's backing RAM.
type Memory struct {
	bytes      []byte
	littleEndian bool
}

// New allocates a zeroed physical memory region of size bytes, rounded
// up to a whole number of pages.
func New(size Length, littleEndian bool) *Memory {
	rounded := (uint32(size) + PageSize - 1) &^ (PageSize - 1)

	return &Memory{
		bytes:        make([]byte, rounded),
		littleEndian: littleEndian,
	}
}

// Size returns the backing region's size in bytes.
func (m *Memory) Size() Length { return Length(len(m.bytes)) }

// Valid reports whether [addr, addr+length) lies within the region.
func (m *Memory) Valid(addr GRA, length Length) bool {
	end := uint64(addr) + uint64(length)
	return end <= uint64(len(m.bytes))
}

// HA converts a guest real address to a host address, the opaque index
// used by To/From. It does not check that addr is in range; callers
// that need that do so via Valid.
func (m *Memory) HA(addr GRA) HA { return HA(addr) }

// hostOffset returns the host byte offset for a K-byte little-endian
// guest access at guest real (word-aligned) offset r, on a big-endian
// host: within the containing 8-byte lane, a K-byte access at r is
// relocated to r XOR (8-K), and the K bytes read or written there,
// in host (big-endian) byte order, give the little-endian value the
// guest expects.
func hostOffset(r uint32, k uint32) uint32 {
	lane := r &^ 7
	off := r & 7

	return lane + (off ^ (8 - k))
}

// To copies src into the guest physical memory at addr in chunks of
// accessSize bytes (1, 2, or 4; 0 defaults to 1, a plain byte-stream
// copy), applying the little-endian swizzle per chunk when the guest
// is configured little-endian: each chunk is relocated to its
// accessSize-swizzled position as a unit, the same way a single
// register access of that size would land, rather than mirroring each
// byte independently. len(src) must be a multiple of accessSize. It is
// the Go analogue of pmem_to/guest_to in the original monitor.
func (m *Memory) To(addr GRA, src []byte, accessSize uint32) error {
	if accessSize == 0 {
		accessSize = 1
	}

	if !m.Valid(addr, Length(len(src))) {
		return monerr.Wrap(monerr.ErrOutOfBounds, fmt.Sprintf("pmem.To %s+%d", addr, len(src)))
	}

	if len(src)%int(accessSize) != 0 {
		return monerr.Wrap(monerr.ErrInvalid, fmt.Sprintf("pmem.To %s: length %d not a multiple of access size %d", addr, len(src), accessSize))
	}

	if !m.littleEndian {
		copy(m.bytes[addr:], src)
		return nil
	}

	for i := 0; i < len(src); i += int(accessSize) {
		base := hostOffset(uint32(addr)+uint32(i), accessSize)
		copy(m.bytes[base:base+accessSize], src[i:i+int(accessSize)])
	}

	return nil
}

// From copies len(dst) bytes from guest physical memory at addr into
// dst, undoing the little-endian swizzle in the same accessSize-sized
// chunks To applies. len(dst) must be a multiple of accessSize.
func (m *Memory) From(addr GRA, dst []byte, accessSize uint32) error {
	if accessSize == 0 {
		accessSize = 1
	}

	if !m.Valid(addr, Length(len(dst))) {
		return monerr.Wrap(monerr.ErrOutOfBounds, fmt.Sprintf("pmem.From %s+%d", addr, len(dst)))
	}

	if len(dst)%int(accessSize) != 0 {
		return monerr.Wrap(monerr.ErrInvalid, fmt.Sprintf("pmem.From %s: length %d not a multiple of access size %d", addr, len(dst), accessSize))
	}

	if !m.littleEndian {
		copy(dst, m.bytes[addr:])
		return nil
	}

	for i := 0; i < len(dst); i += int(accessSize) {
		base := hostOffset(uint32(addr)+uint32(i), accessSize)
		copy(dst[i:i+int(accessSize)], m.bytes[base:base+accessSize])
	}

	return nil
}

// Read32/Write32, Read16/Write16 give callers (CIF argument cells, the
// emulator, the debugger) direct K-byte access without staging through
// a byte slice, applying the lane swizzle documented on hostOffset
// for K in {1,2,4}.
func (m *Memory) Read32(addr GRA) (uint32, error) {
	v, err := readK(m, addr, 4)
	return uint32(v), err
}

func (m *Memory) Write32(addr GRA, v uint32) error {
	return writeK(m, addr, 4, uint64(v))
}

func (m *Memory) Read16(addr GRA) (uint16, error) {
	v, err := readK(m, addr, 2)
	return uint16(v), err
}

func (m *Memory) Write16(addr GRA, v uint16) error {
	return writeK(m, addr, 2, uint64(v))
}

func (m *Memory) Read8(addr GRA) (uint8, error) {
	v, err := readK(m, addr, 1)
	return uint8(v), err
}

func (m *Memory) Write8(addr GRA, v uint8) error {
	return writeK(m, addr, 1, uint64(v))
}

func readK(m *Memory, addr GRA, k uint32) (uint64, error) {
	if !m.Valid(addr, Length(k)) {
		return 0, monerr.Wrap(monerr.ErrOutOfBounds, fmt.Sprintf("pmem.Read%d %s", k*8, addr))
	}

	base := uint32(addr)
	if m.littleEndian {
		base = hostOffset(base, k)
	}

	var v uint64
	for i := uint32(0); i < k; i++ {
		v = v<<8 | uint64(m.bytes[base+i])
	}

	return v, nil
}

func writeK(m *Memory, addr GRA, k uint32, v uint64) error {
	if !m.Valid(addr, Length(k)) {
		return monerr.Wrap(monerr.ErrOutOfBounds, fmt.Sprintf("pmem.Write%d %s", k*8, addr))
	}

	base := uint32(addr)
	if m.littleEndian {
		base = hostOffset(base, k)
	}

	for i := uint32(0); i < k; i++ {
		shift := 8 * (k - 1 - i)
		m.bytes[base+i] = byte(v >> shift)
	}

	return nil
}
