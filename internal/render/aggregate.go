package render

import "github.com/paulmach/orb"

// lineSeg is one joinable polyline plus its oneway flag, the unit the
// aggregation algorithm operates on (spec.md §4.9.1).
type lineSeg struct {
	pts    []orb.Point
	oneway bool
}

// aggregateLines repeatedly joins segments sharing an endpoint of degree
// exactly two, honoring oneway direction, until no more joins are
// possible (spec.md §4.9.1). Cycles (from == to) are never joined
// further. Each join drops the duplicated shared endpoint; no other point
// is added or removed.
func aggregateLines(in []lineSeg) []lineSeg {
	segs := make([]*lineSeg, len(in))
	for i := range in {
		cp := make([]orb.Point, len(in[i].pts))
		copy(cp, in[i].pts)
		segs[i] = &lineSeg{pts: cp, oneway: in[i].oneway}
	}

	for {
		joined := false
		endpoints := buildEndpointIndex(segs)
		for _, refs := range endpoints {
			if len(refs) != 2 {
				continue // degree != 2: burned, never joined across
			}
			a, b := refs[0], refs[1]
			if a.seg == b.seg {
				continue
			}
			merged, ok := tryJoin(*a, *b)
			if !ok {
				continue
			}
			*a.seg = merged
			b.seg.pts = nil // mark dead
			joined = true
			break // endpoint index is now stale; rebuild
		}
		if !joined {
			break
		}
	}

	out := make([]lineSeg, 0, len(segs))
	for _, s := range segs {
		if len(s.pts) >= 2 {
			out = append(out, *s)
		}
	}
	return out
}

type endpointRef struct {
	seg *lineSeg
	end int // 0 = from, 1 = to
}

func buildEndpointIndex(segs []*lineSeg) map[orb.Point][]*endpointRef {
	idx := map[orb.Point][]*endpointRef{}
	for _, s := range segs {
		if len(s.pts) < 2 {
			continue
		}
		from, to := s.pts[0], s.pts[len(s.pts)-1]
		if from == to {
			continue // cycle, never joined further
		}
		idx[from] = append(idx[from], &endpointRef{s, 0})
		idx[to] = append(idx[to], &endpointRef{s, 1})
	}
	return idx
}

// tryJoin attempts to join a and b at their shared endpoint, honoring
// "do not join a oneway segment against its direction". Segments whose
// oneway flags differ are never joined. Returns the merged segment, or
// false if no compatible join exists.
func tryJoin(a, b endpointRef) (lineSeg, bool) {
	if a.seg.oneway != b.seg.oneway {
		return lineSeg{}, false
	}
	switch {
	case a.end == 1 && b.end == 0:
		// a.to == b.from: natural forward concatenation, never reverses.
		return concat(*a.seg, *b.seg), true
	case a.end == 0 && b.end == 1:
		return concat(*b.seg, *a.seg), true
	case a.end == 1 && b.end == 1:
		// a.to == b.to: one side must reverse.
		if !b.seg.oneway {
			return concat(*a.seg, reversed(*b.seg)), true
		}
		if !a.seg.oneway {
			return concat(*b.seg, reversed(*a.seg)), true
		}
		return lineSeg{}, false
	default: // a.end == 0 && b.end == 0
		// a.from == b.from: one side must reverse.
		if !b.seg.oneway {
			return concat(reversed(*b.seg), *a.seg), true
		}
		if !a.seg.oneway {
			return concat(reversed(*a.seg), *b.seg), true
		}
		return lineSeg{}, false
	}
}

func concat(first, second lineSeg) lineSeg {
	pts := make([]orb.Point, 0, len(first.pts)+len(second.pts)-1)
	pts = append(pts, first.pts...)
	pts = append(pts, second.pts[1:]...)
	return lineSeg{pts: pts, oneway: first.oneway || second.oneway}
}

func reversed(s lineSeg) lineSeg {
	pts := make([]orb.Point, len(s.pts))
	for i, p := range s.pts {
		pts[len(pts)-1-i] = p
	}
	return lineSeg{pts: pts, oneway: s.oneway}
}
