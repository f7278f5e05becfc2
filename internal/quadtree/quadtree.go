// Package quadtree implements the embedded spatial index carried inside
// every feature pack (spec.md C8): a flat array of 4-uint32 nodes built
// from a set of tile-keyed feature groups, and the descent algorithm that
// answers "which byte ranges of the feature region are relevant to this
// query tile".
package quadtree

// childOffset is the bit position of the lowest of the four
// child-presence flag bits (the top 4 bits of a node's first word).
const childOffset = 28

// offsetMask isolates the word offset of a node's first present child.
const offsetMask = (uint32(1) << childOffset) - 1

// Tile is a tile coordinate relative to a pack's root tile.
type Tile struct {
	Z uint8
	X uint32
	Y uint32
}

// Parent returns t's parent tile. Callers must not call Parent on a
// zoom-0 tile.
func (t Tile) Parent() Tile {
	return Tile{Z: t.Z - 1, X: t.X >> 1, Y: t.Y >> 1}
}

// QuadPos returns t's quadrant (0-3) within its parent.
func (t Tile) QuadPos() int {
	return int(t.X&1) + 2*int(t.Y&1)
}

// Assignment is a single tile's self-range: the feature indices (into
// the caller's feature slice) that were pinned to exactly this tile by
// the best-tile assignment algorithm.
type Assignment struct {
	Tile    Tile
	Indices []int
}

type node struct {
	self     []int
	children [4]*node

	selfCount    int
	subtreeCount int
}

// Build assembles the quad-tree rooted at root from assignments, and
// returns the flattened node array (ready to serialize as 4 uint32s per
// node) alongside the order the assigned feature indices must be
// serialized in: parent self-range first, then each present child's
// full subtree in quad-position order (spec.md C7 "feature region").
//
// Range fields in the returned array are expressed in feature-ordinal
// units (position within order), not byte offsets; the pack writer
// rewrites them to byte offsets once it knows each feature's encoded
// length.
func Build(root Tile, assignments []Assignment) (flat []uint32, order []int) {
	nodes := map[Tile]*node{}
	getOrCreate := func(t Tile) *node {
		if n, ok := nodes[t]; ok {
			return n
		}
		n := &node{}
		nodes[t] = n
		return n
	}

	rootNode := getOrCreate(root)
	for _, a := range assignments {
		n := getOrCreate(a.Tile)
		n.self = a.Indices

		cur := a.Tile
		for cur != root {
			parent := cur.Parent()
			pn := getOrCreate(parent)
			pn.children[cur.QuadPos()] = getOrCreate(cur)
			cur = parent
		}
	}

	computeSizes(rootNode)

	flat = append(flat, 0, 0, 0, 0)
	assignIndices(rootNode, 0, &flat, &order)
	return flat, order
}

func computeSizes(n *node) int {
	n.selfCount = len(n.self)
	total := n.selfCount
	for _, c := range n.children {
		if c != nil {
			total += computeSizes(c)
		}
	}
	n.subtreeCount = total
	return total
}

func assignIndices(n *node, idx int, flat *[]uint32, order *[]int) {
	rangeOffset := uint32(len(*order))
	*order = append(*order, n.self...)
	selfCount := uint32(n.selfCount)

	var mask uint32
	present := make([]*node, 0, 4)
	for q := 0; q < 4; q++ {
		if n.children[q] != nil {
			mask |= 1 << uint(childOffset+q)
			present = append(present, n.children[q])
		}
	}

	var childWordStart uint32
	childIdxs := make([]int, len(present))
	if len(present) > 0 {
		childWordStart = uint32(len(*flat))
		startNodeIdx := len(*flat) / 4
		for i := range present {
			childIdxs[i] = startNodeIdx + i
		}
		*flat = append(*flat, make([]uint32, 4*len(present))...)
	}

	subtreeCount := selfCount
	for i, c := range present {
		assignIndices(c, childIdxs[i], flat, order)
		subtreeCount += uint32(c.subtreeCount)
	}

	(*flat)[idx*4+0] = mask | childWordStart
	(*flat)[idx*4+1] = rangeOffset
	(*flat)[idx*4+2] = selfCount
	(*flat)[idx*4+3] = subtreeCount
}

// Range is a byte span within a pack's feature region.
type Range struct {
	Offset uint32
	Size   uint32
}

// Walk descends the flattened tree rooted at root looking for query,
// invoking fn once per matching range: either the query tile's entire
// subtree (if query is at or below the deepest matched ancestor) or a
// sequence of self-only ranges along the path from root to query,
// grounded exactly on the original descent algorithm (spec.md §4.5).
func Walk(tree []uint32, root, query Tile, fn func(Range)) {
	if len(tree) < 4 || tree[3] == 0 {
		return // whole tree empty
	}

	// is query an ancestor of (or equal to) root?
	parent := root
	for {
		if parent == query {
			fn(Range{Offset: tree[1], Size: tree[3]})
			return
		}
		if parent.Z == 0 {
			break
		}
		parent = parent.Parent()
	}

	if query.Z < root.Z {
		return
	}

	trace := []Tile{query}
	for {
		last := trace[len(trace)-1]
		if last.Parent() == root {
			break
		}
		if last.Z == 0 || last.Z < root.Z {
			return
		}
		trace = append(trace, last.Parent())
	}
	trace = append(trace, root)
	reverseTiles(trace)

	offset := 0
	for i, t := range trace {
		if t == query {
			fn(Range{Offset: tree[offset+1], Size: tree[offset+3]})
			return
		}
		if tree[offset+2] != 0 {
			fn(Range{Offset: tree[offset+1], Size: tree[offset+2]})
		}
		if tree[offset] == 0 {
			return // no children below this ancestor
		}

		next := trace[i+1]
		curr := tree[offset]
		if curr&(1<<uint(childOffset+next.QuadPos())) == 0 {
			return // no child in the quadrant toward query
		}
		offset = int(curr & offsetMask)
		for k := 0; k < next.QuadPos(); k++ {
			if curr&(1<<uint(childOffset+k)) != 0 {
				offset += 4
			}
		}
	}
}

func reverseTiles(ts []Tile) {
	for i, j := 0, len(ts)-1; i < j; i, j = i+1, j-1 {
		ts[i], ts[j] = ts[j], ts[i]
	}
}
