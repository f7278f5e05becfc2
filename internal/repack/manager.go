package repack

import (
	"fmt"
	"sort"

	"github.com/protomaps-labs/vtstore/internal/packheap"
	"github.com/protomaps-labs/vtstore/internal/quadtree"
)

// Task is one tile_record: an index-zoom tile plus every pack-heap
// record currently owned by it (spec.md §4.7 "Task model").
type Task struct {
	Tile    quadtree.Tile
	Records []packheap.Record
}

type stashed struct {
	tile   quadtree.Tile
	record packheap.Record
}

// Update is one rewritten tile's replacement pack record, to be written
// atomically into the features table (spec.md §4.7 step 4).
type Update struct {
	Tile   quadtree.Tile
	Record packheap.Record
}

// manager is the defragmentation and insertion bookkeeping of spec.md
// §4.7, ported from repack_memory_manager in
// original_source/include/tiles/db/repack_features.h. It is only ever
// touched from one goroutine (the repack coordinator), so it needs no
// internal locking.
type manager struct {
	heap *packheap.Heap

	tasks     []Task
	backStash []stashed
	updates   []Update

	insertOffset int64
}

func newManager(heap *packheap.Heap, tasks []Task) *manager {
	filtered := make([]Task, 0, len(tasks))
	for _, t := range tasks {
		if len(t.Records) > 0 {
			filtered = append(filtered, t)
		}
	}
	for i := range filtered {
		recs := filtered[i].Records
		sort.Slice(recs, func(a, b int) bool { return recs[a].Offset > recs[b].Offset })
	}
	sort.Slice(filtered, func(i, j int) bool {
		return filtered[i].Records[len(filtered[i].Records)-1].Offset >
			filtered[j].Records[len(filtered[j].Records)-1].Offset
	})
	return &manager{heap: heap, tasks: filtered}
}

func (m *manager) dequeueTask() (Task, bool) {
	if len(m.tasks) == 0 {
		return Task{}, false
	}
	t := m.tasks[len(m.tasks)-1]
	m.tasks = m.tasks[:len(m.tasks)-1]
	return t, true
}

// insertResult places a freshly repacked tile's bytes either at the
// compaction frontier (insertOffset) or, if there isn't room before the
// next still-fragmented record, onto the back stash at the heap's tail
// (spec.md §4.7 step 2).
func (m *manager) insertResult(tile quadtree.Tile, buf []byte) error {
	if len(m.tasks) == 0 {
		rec, err := m.heap.Append(buf)
		if err != nil {
			return fmt.Errorf("repack: append result: %w", err)
		}
		m.updates = append(m.updates, Update{Tile: tile, Record: rec})
		return nil
	}

	last := m.tasks[len(m.tasks)-1]
	endOffset := last.Records[len(last.Records)-1].Offset
	if m.insertOffset > endOffset {
		return fmt.Errorf("repack: insert_result: invalid offsets (%d > %d)", m.insertOffset, endOffset)
	}
	if int64(len(buf)) > endOffset-m.insertOffset {
		rec, err := m.heap.Append(buf)
		if err != nil {
			return fmt.Errorf("repack: back-stash append: %w", err)
		}
		m.backStash = append(m.backStash, stashed{tile: tile, record: rec})
		return nil
	}

	rec, err := m.heap.Insert(m.insertOffset, buf)
	if err != nil {
		return fmt.Errorf("repack: insert result: %w", err)
	}
	m.updates = append(m.updates, Update{Tile: tile, Record: rec})
	m.insertOffset += int64(len(buf))
	return nil
}

// finishBackStash moves every back-stashed record to the compaction
// frontier and truncates the heap (spec.md §4.7 step 3). Diverges from
// the original's "increment insertOffset before moving" order, which
// leaves a gap the size of the record unused ahead of it; spec.md §4.7
// step 3 states the intended behavior as "move... to insert_offset"
// then advance, which is what this does.
func (m *manager) finishBackStash() error {
	if len(m.tasks) != 0 {
		return fmt.Errorf("repack: finish_back_stash: tasks not empty")
	}
	for _, s := range m.backStash {
		moved, err := m.heap.Move(m.insertOffset, s.record)
		if err != nil {
			return fmt.Errorf("repack: flushing back stash: %w", err)
		}
		m.updates = append(m.updates, Update{Tile: s.tile, Record: moved})
		m.insertOffset += moved.Size
	}
	m.backStash = nil
	return m.heap.Resize(m.insertOffset)
}

// owned identifies one (task, record) pair by position, the q_frag/
// q_defrag element type in the original.
type owned struct {
	taskIdx, recordIdx int
}

func (m *manager) record(o owned) packheap.Record {
	return m.tasks[o.taskIdx].Records[o.recordIdx]
}

func (m *manager) setRecord(o owned, r packheap.Record) {
	m.tasks[o.taskIdx].Records[o.recordIdx] = r
}

func ownedLess(a, b owned) bool {
	if a.taskIdx != b.taskIdx {
		return a.taskIdx < b.taskIdx
	}
	return a.recordIdx < b.recordIdx
}

func recordLess(a, b packheap.Record) bool {
	if a.Offset != b.Offset {
		return a.Offset < b.Offset
	}
	return a.Size < b.Size
}

// defragmentPackFile moves every currently-owned record toward the tail
// of the heap in order to create enough contiguous free space for the
// parallel repack pass to write into (spec.md §4.7 step 1). Ported from
// repack_memory_manager::defragment_pack_file, the closure-heavy
// double-buffered-queue algorithm from
// original_source/include/tiles/db/repack_features.h.
func (m *manager) defragmentPackFile() error {
	endOffset := m.heap.Size()

	var qFrag, qDefrag []owned
	var usedSpace, largestRecord int64
	for i := range m.tasks {
		for j := range m.tasks[i].Records {
			r := m.tasks[i].Records[j]
			usedSpace += r.Size
			if r.Size > largestRecord {
				largestRecord = r.Size
			}
			qFrag = append(qFrag, owned{i, j})
		}
	}
	sort.Slice(qFrag, func(a, b int) bool {
		return recordLess(m.record(qFrag[a]), m.record(qFrag[b]))
	})

	if endOffset < usedSpace {
		return fmt.Errorf("repack: defragment: invalid input, more space used than available")
	}
	if largestRecord >= endOffset-usedSpace {
		return fmt.Errorf("repack: defragment: largest record exceeds free working space")
	}

	var taskIdx, recordIdx int
	qFragIdx := 0
	lastTaskIdx, lastRecordIdx := -1, -1

	refresh := func() error {
		for len(qFrag) > 0 || len(qDefrag) > 0 {
			cur := owned{taskIdx, recordIdx}
			switch {
			case qFragIdx >= len(qFrag) || len(qFrag) == 0:
				qFrag, qDefrag = qDefrag, qFrag[:0]
				qFragIdx = 0
				if taskIdx == lastTaskIdx && recordIdx == lastRecordIdx {
					return fmt.Errorf("repack: defragment: no progress since last queue swap")
				}
				lastTaskIdx, lastRecordIdx = taskIdx, recordIdx
			case ownedLess(qFrag[qFragIdx], cur):
				qFragIdx++
			case ownedLess(qFrag[len(qFrag)-1], cur):
				qFrag = qFrag[:len(qFrag)-1]
			case len(qDefrag) > 0 && ownedLess(qDefrag[len(qDefrag)-1], cur):
				qDefrag = qDefrag[:len(qDefrag)-1]
			default:
				return nil
			}
		}
		return nil
	}

	peekLast := func() (owned, error) {
		if err := refresh(); err != nil {
			return owned{}, err
		}
		if len(qFrag) == 0 {
			return owned{}, fmt.Errorf("repack: defragment: q_frag empty")
		}
		return qFrag[len(qFrag)-1], nil
	}
	peekNext := func() (owned, error) {
		if err := refresh(); err != nil {
			return owned{}, err
		}
		if len(qFrag) == 0 {
			return owned{}, fmt.Errorf("repack: defragment: q_frag empty")
		}
		return qFrag[qFragIdx], nil
	}
	getLast := func() (owned, error) {
		o, err := peekLast()
		if err != nil {
			return o, err
		}
		qFrag = qFrag[:len(qFrag)-1]
		return o, nil
	}
	getNext := func() (owned, error) {
		o, err := peekNext()
		if err != nil {
			return o, err
		}
		qFragIdx++
		return o, nil
	}
	defragInsertOffset := func() (int64, error) {
		if err := refresh(); err != nil {
			return 0, err
		}
		if len(qDefrag) == 0 {
			return 0, nil
		}
		last := m.record(qDefrag[len(qDefrag)-1])
		return last.Offset + last.Size, nil
	}
	beginSpace := func() (int64, error) {
		if err := refresh(); err != nil {
			return 0, err
		}
		switch {
		case len(qFrag) == 0 && len(qDefrag) == 0:
			return endOffset, nil
		case len(qDefrag) == 0:
			o, err := peekNext()
			if err != nil {
				return 0, err
			}
			return m.record(o).Offset, nil
		case len(qFrag) == 0:
			last := m.record(qDefrag[len(qDefrag)-1])
			return endOffset - (last.Offset + last.Size), nil
		default:
			o, err := peekNext()
			if err != nil {
				return 0, err
			}
			fragBegin := m.record(o).Offset
			last := m.record(qDefrag[len(qDefrag)-1])
			defragEnd := last.Offset + last.Size
			if defragEnd > fragBegin {
				return 0, fmt.Errorf("repack: defragment: begin_space invalid (%d > %d)", defragEnd, fragBegin)
			}
			return fragBegin - defragEnd, nil
		}
	}
	endSpace := func() (int64, error) {
		if err := refresh(); err != nil {
			return 0, err
		}
		if len(qFrag) == 0 {
			return endOffset, nil
		}
		last := m.record(qFrag[len(qFrag)-1])
		return endOffset - (last.Offset + last.Size), nil
	}

	for taskIdx = 0; taskIdx < len(m.tasks); taskIdx++ {
		for recordIdx = 0; recordIdx < len(m.tasks[taskIdx].Records); recordIdx++ {
			if len(qFrag) == 0 {
				return fmt.Errorf("repack: defragment: q_frag empty")
			}
			cur := owned{taskIdx, recordIdx}

			back, err := peekLast()
			if err != nil {
				return err
			}
			if back == cur {
				r := m.record(cur)
				endOffset -= r.Size
				moved, err := m.heap.Move(endOffset, r)
				if err != nil {
					return err
				}
				m.setRecord(cur, moved)
				continue
			}

			for {
				es, err := endSpace()
				if err != nil {
					return err
				}
				if es >= m.record(cur).Size {
					break
				}

				for {
					bs, err := beginSpace()
					if err != nil {
						return err
					}
					lastFrag, err := peekLast()
					if err != nil {
						return err
					}
					if bs >= m.record(lastFrag).Size {
						break
					}

					insOff, err := defragInsertOffset()
					if err != nil {
						return err
					}
					next, err := getNext()
					if err != nil {
						return err
					}
					nr := m.record(next)
					if insOff > nr.Offset {
						return fmt.Errorf("repack: defragment: fragmented record moved backward")
					}
					moved, err := m.heap.Move(insOff, nr)
					if err != nil {
						return err
					}
					m.setRecord(next, moved)
					qDefrag = append(qDefrag, next)
				}

				insOff, err := defragInsertOffset()
				if err != nil {
					return err
				}
				blocker, err := getLast()
				if err != nil {
					return err
				}
				br := m.record(blocker)
				if insOff > br.Offset {
					return fmt.Errorf("repack: defragment: blocker moved backward")
				}
				moved, err := m.heap.Move(insOff, br)
				if err != nil {
					return err
				}
				m.setRecord(blocker, moved)
				qDefrag = append(qDefrag, blocker)
			}

			r := m.record(cur)
			endOffset -= r.Size
			moved, err := m.heap.Move(endOffset, r)
			if err != nil {
				return err
			}
			m.setRecord(cur, moved)
		}
	}
	return nil
}
