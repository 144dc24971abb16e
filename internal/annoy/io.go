package annoy

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"math/bits"

	pkgerrors "imagesearch/pkg/errors"
)

var forestMagic = [4]byte{'A', 'N', 'N', 'F'}

const forestVersion uint32 = 1

const (
	kindLeaf  uint8 = 0
	kindSplit uint8 = 1
)

const (
	// headerSize is magic, seven uint32 fields and the int64 seed.
	headerSize = 4 + 7*4 + 8
	// minNodeSize is the encoding of an empty leaf: kind byte and count.
	minNodeSize = 1 + 4
)

// Header describes a serialized forest.
type Header struct {
	Version  uint32
	Metric   Metric
	Dim      int
	LeafSize int
	NItems   int
	NRoots   int
	NNodes   int
	Seed     int64
}

// Save writes the built forest to w.
//
// Format overview (little-endian):
//
//	[4B magic "ANNF"] [4B version]
//	[4B metric] [4B dim] [4B leafSize] [4B nItems] [4B nRoots] [4B nNodes] [8B seed]
//	[nItems × dim × 4B float32 vectors]
//	[nRoots × 4B root node ids]
//	For each node:
//	  [1B kind]
//	  leaf:  [4B count] [count × 4B item ids]
//	  split: [4B offset] [dim × 4B normal] [2 × 4B children]
func (ix *Index) Save(w io.Writer) error {
	if !ix.built {
		return pkgerrors.ErrNotBuilt
	}

	bw := bufio.NewWriter(w)
	le := binary.LittleEndian
	write := func(v any) error { return binary.Write(bw, le, v) }

	if _, err := bw.Write(forestMagic[:]); err != nil {
		return fmt.Errorf("annoy: save magic: %w", err)
	}
	for _, v := range []uint32{
		forestVersion,
		uint32(ix.metric),
		uint32(ix.dim),
		uint32(ix.leafSize),
		uint32(ix.nItems),
		uint32(len(ix.roots)),
		uint32(len(ix.nodes)),
	} {
		if err := write(v); err != nil {
			return fmt.Errorf("annoy: save header: %w", err)
		}
	}
	if err := write(ix.seed); err != nil {
		return fmt.Errorf("annoy: save header: %w", err)
	}

	if err := write(ix.data); err != nil {
		return fmt.Errorf("annoy: save items: %w", err)
	}
	if err := write(ix.roots); err != nil {
		return fmt.Errorf("annoy: save roots: %w", err)
	}

	for k := range ix.nodes {
		nd := &ix.nodes[k]
		if nd.leaf() {
			if err := write(kindLeaf); err != nil {
				return err
			}
			if err := write(uint32(len(nd.items))); err != nil {
				return err
			}
			if err := write(nd.items); err != nil {
				return err
			}
			continue
		}
		if err := write(kindSplit); err != nil {
			return err
		}
		if err := write(nd.offset); err != nil {
			return err
		}
		if err := write(nd.normal); err != nil {
			return err
		}
		if err := write(nd.children); err != nil {
			return err
		}
	}

	return bw.Flush()
}

func readHeader(br *bufio.Reader) (Header, error) {
	le := binary.LittleEndian
	read := func(v any) error { return binary.Read(br, le, v) }

	var magic [4]byte
	if _, err := io.ReadFull(br, magic[:]); err != nil {
		return Header{}, fmt.Errorf("annoy: load magic: %w", err)
	}
	if magic != forestMagic {
		return Header{}, fmt.Errorf("%w: invalid magic %q", pkgerrors.ErrIncompatibleIndex, magic[:])
	}

	var fields [7]uint32
	if err := read(&fields); err != nil {
		return Header{}, fmt.Errorf("annoy: load header: %w", err)
	}
	h := Header{
		Version:  fields[0],
		Metric:   Metric(fields[1]),
		Dim:      int(fields[2]),
		LeafSize: int(fields[3]),
		NItems:   int(fields[4]),
		NRoots:   int(fields[5]),
		NNodes:   int(fields[6]),
	}
	if err := read(&h.Seed); err != nil {
		return Header{}, fmt.Errorf("annoy: load header: %w", err)
	}
	if h.Version != forestVersion {
		return Header{}, fmt.Errorf("%w: unsupported version %d (want %d)", pkgerrors.ErrIncompatibleIndex, h.Version, forestVersion)
	}
	if !h.Metric.valid() || h.Dim <= 0 {
		return Header{}, fmt.Errorf("%w: corrupt header", pkgerrors.ErrIncompatibleIndex)
	}
	return h, nil
}

// ReadHeader decodes only the header of a serialized forest.
func ReadHeader(r io.Reader) (Header, error) {
	return readHeader(bufio.NewReader(r))
}

// mulAdd returns a*b+c, or false when the result does not fit in a uint64.
func mulAdd(a, b, c uint64) (uint64, bool) {
	hi, lo := bits.Mul64(a, b)
	sum, carry := bits.Add64(lo, c, 0)
	return sum, hi == 0 && carry == 0
}

// checkSize rejects headers whose counts need more bytes than size holds, so a
// corrupt header cannot drive allocations.
func checkSize(h Header, size int64) error {
	if size < headerSize {
		return fmt.Errorf("%w: file of %d bytes is shorter than a header", pkgerrors.ErrIncompatibleIndex, size)
	}
	need, ok := mulAdd(uint64(h.NItems), uint64(h.Dim)*4, 0)
	if ok {
		need, ok = mulAdd(uint64(h.NRoots), 4, need)
	}
	if ok {
		need, ok = mulAdd(uint64(h.NNodes), minNodeSize, need)
	}
	if !ok || need > uint64(size-headerSize) {
		return fmt.Errorf("%w: header claims %d items, %d roots, %d nodes in a %d byte file",
			pkgerrors.ErrIncompatibleIndex, h.NItems, h.NRoots, h.NNodes, size)
	}
	return nil
}

// Load replaces the contents of an unbuilt index with a forest read from r,
// which must hold exactly size bytes. The serialized dimension and metric must
// match the index. The index is left untouched when Load fails.
func (ix *Index) Load(r io.Reader, size int64) error {
	if ix.built {
		return pkgerrors.ErrAlreadyBuilt
	}

	br := bufio.NewReader(r)
	h, err := readHeader(br)
	if err != nil {
		return err
	}
	if h.Dim != ix.dim || h.Metric != ix.metric {
		return fmt.Errorf("%w: file has dimension %d metric %s, index has dimension %d metric %s",
			pkgerrors.ErrIncompatibleIndex, h.Dim, h.Metric, ix.dim, ix.metric)
	}
	if err := checkSize(h, size); err != nil {
		return err
	}

	le := binary.LittleEndian
	read := func(v any) error { return binary.Read(br, le, v) }

	data := make([]float32, h.NItems*h.Dim)
	if err := read(data); err != nil {
		return fmt.Errorf("annoy: load items: %w", err)
	}
	roots := make([]int32, h.NRoots)
	if err := read(roots); err != nil {
		return fmt.Errorf("annoy: load roots: %w", err)
	}

	nodes := make([]node, h.NNodes)
	for k := range nodes {
		var kind uint8
		if err := read(&kind); err != nil {
			return fmt.Errorf("annoy: load node %d: %w", k, err)
		}
		switch kind {
		case kindLeaf:
			var count uint32
			if err := read(&count); err != nil {
				return fmt.Errorf("annoy: load node %d: %w", k, err)
			}
			if int(count) > h.NItems {
				return fmt.Errorf("%w: leaf %d holds %d items", pkgerrors.ErrIncompatibleIndex, k, count)
			}
			items := make([]int32, count)
			if err := read(items); err != nil {
				return fmt.Errorf("annoy: load node %d: %w", k, err)
			}
			for _, it := range items {
				if it < 0 || int(it) >= h.NItems {
					return fmt.Errorf("%w: leaf %d references item %d", pkgerrors.ErrIncompatibleIndex, k, it)
				}
			}
			nodes[k].items = items
		case kindSplit:
			nd := &nodes[k]
			nd.normal = make([]float32, h.Dim)
			if err := read(&nd.offset); err != nil {
				return fmt.Errorf("annoy: load node %d: %w", k, err)
			}
			if err := read(nd.normal); err != nil {
				return fmt.Errorf("annoy: load node %d: %w", k, err)
			}
			if err := read(&nd.children); err != nil {
				return fmt.Errorf("annoy: load node %d: %w", k, err)
			}
			for _, c := range nd.children {
				if c < 0 || int(c) >= h.NNodes {
					return fmt.Errorf("%w: node %d references node %d", pkgerrors.ErrIncompatibleIndex, k, c)
				}
			}
		default:
			return fmt.Errorf("%w: node %d has kind %d", pkgerrors.ErrIncompatibleIndex, k, kind)
		}
	}
	for _, r := range roots {
		if r < 0 || int(r) >= h.NNodes {
			return fmt.Errorf("%w: root references node %d", pkgerrors.ErrIncompatibleIndex, r)
		}
	}

	ix.leafSize = h.LeafSize
	ix.seed = h.Seed
	ix.data = data
	ix.nItems = h.NItems
	ix.roots = roots
	ix.nodes = nodes
	ix.built = true
	return nil
}
