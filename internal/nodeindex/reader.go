package nodeindex

import (
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/protomaps-labs/vtstore/coord"
)

// Reader answers coordinate lookups against a built index/data pair.
type Reader struct {
	data  []byte
	index []IndexEntry
}

// NewReader wraps a data stream and its index for lookups.
func NewReader(data []byte, index []IndexEntry) *Reader {
	return &Reader{data: data, index: index}
}

// Lookup returns the coordinate stored for id, or ok=false if id falls
// inside a gap (spec.md §4.1 "Read contract — single point").
func (r *Reader) Lookup(id uint64) (p coord.Pt, ok bool, err error) {
	return r.NewCursor().Get(id)
}

// seekEntry returns the (id, offset) of the last index entry with
// ID <= id. ok is false if the index is empty or id precedes every entry.
func (r *Reader) seekEntry(id uint64) (entry IndexEntry, ok bool) {
	i := sort.Search(len(r.index), func(i int) bool { return r.index[i].ID > id })
	if i == 0 {
		return IndexEntry{}, false
	}
	return r.index[i-1], true
}

// Cursor streams forward through (id, coordinate) pairs (spec.md §4.1
// "Read contract — ordered batch"). It re-seeks via the index when the
// caller jumps further than ReinitDistance ids, and also whenever the
// queried id lies before the end of the last decoded coordinate span
// (a repeated id, or a later id in that same span); the walk then
// decodes again from the index entry instead of from the cursor.
type Cursor struct {
	r *Reader

	positioned bool
	offset     int
	curID      uint64 // id of the next point the decode loop would emit
	lastQuery  uint64
}

// NewCursor creates a streaming cursor with no fixed position yet.
func (r *Reader) NewCursor() *Cursor {
	return &Cursor{r: r}
}

// Get returns the coordinate for id. ids passed across successive calls
// must be non-decreasing.
func (c *Cursor) Get(id uint64) (p coord.Pt, ok bool, err error) {
	if !c.positioned || id < c.lastQuery || id-c.lastQuery > ReinitDistance || id < c.curID {
		entry, found := c.r.seekEntry(id)
		if !found {
			return coord.Pt{}, false, nil
		}
		c.offset = int(entry.Offset)
		c.curID = entry.ID
		c.positioned = true
	}
	c.lastQuery = id
	return c.walkTo(id)
}

// walkTo decodes span records starting at the cursor's current position
// until it reaches or passes id.
func (c *Cursor) walkTo(id uint64) (p coord.Pt, ok bool, err error) {
	data := c.r.data

	for {
		if c.curID > id {
			return coord.Pt{}, false, nil
		}
		if c.offset >= len(data) {
			return coord.Pt{}, false, fmt.Errorf("nodeindex: unexpected end of data stream")
		}

		header, n := binary.Uvarint(data[c.offset:])
		if n <= 0 {
			return coord.Pt{}, false, fmt.Errorf("nodeindex: invalid span header")
		}
		c.offset += n

		if header&1 == 1 {
			delta := header >> 1
			if delta == 0 {
				c.offset -= n // stay on the end-of-file marker
				return coord.Pt{}, false, nil
			}
			if id < c.curID+delta {
				c.offset -= n // id is in this gap; stay on it for later queries
				return coord.Pt{}, false, nil
			}
			c.curID += delta
			continue
		}

		count := header>>1 + 1
		if c.offset+8 > len(data) {
			return coord.Pt{}, false, fmt.Errorf("nodeindex: truncated span first point")
		}
		px := int64(binary.LittleEndian.Uint32(data[c.offset:]))
		py := int64(binary.LittleEndian.Uint32(data[c.offset+4:]))
		c.offset += 8

		spanFirstID := c.curID
		var found coord.Pt
		foundAny := false
		for i := uint64(0); i < count; i++ {
			if i > 0 {
				if c.offset >= len(data) {
					return coord.Pt{}, false, fmt.Errorf("nodeindex: truncated span point")
				}
				dx, n1 := binary.Uvarint(data[c.offset:])
				if n1 <= 0 {
					return coord.Pt{}, false, fmt.Errorf("nodeindex: invalid point delta")
				}
				c.offset += n1
				dy, n2 := binary.Uvarint(data[c.offset:])
				if n2 <= 0 {
					return coord.Pt{}, false, fmt.Errorf("nodeindex: invalid point delta")
				}
				c.offset += n2
				px += unzigzag(dx)
				py += unzigzag(dy)
			}
			thisID := spanFirstID + i
			if thisID == id {
				found, foundAny = coord.Pt{X: px, Y: py}, true
			}
		}
		c.curID = spanFirstID + count
		if foundAny {
			return found, true, nil
		}
	}
}
