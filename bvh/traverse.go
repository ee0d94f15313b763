package bvh

import "github.com/go-gl/mathgl/mgl32"

// Visit is called for each primitive in a leaf the ray segment reaches. It
// returns the new far clip for the rest of the traversal (typically the
// closest hit distance found so far) and whether to stop walking entirely
// (any-hit queries stop at the first occluder).
type Visit func(prim int32) (tMax float32, stop bool)

// Walk visits the primitives of every leaf intersected by the ray segment
// [tMin, tMax]. Traversal is iterative with an explicit stack, near child
// first, and honors the shrinking far clip returned by visit.
func (t *Tree) Walk(origin, dir mgl32.Vec3, tMin, tMax float32, visit Visit) {
	if len(t.Nodes) == 0 {
		return
	}

	invDir := mgl32.Vec3{safeInv(dir.X()), safeInv(dir.Y()), safeInv(dir.Z())}

	var stack [64]int32
	sp := 0
	stack[sp] = 0
	sp++

	for sp > 0 {
		sp--
		n := &t.Nodes[stack[sp]]
		if !rayBox(origin, invDir, tMin, tMax, n.Min, n.Max) {
			continue
		}
		if n.LeafFirst >= 0 {
			for i := int32(0); i < n.LeafCount; i++ {
				clip, stop := visit(t.Prims[n.LeafFirst+i])
				if stop {
					return
				}
				if clip < tMax {
					tMax = clip
				}
			}
			continue
		}
		// Push far child first so the near one pops first. Ordering by the
		// ray direction sign on the split axis would be tighter; entry
		// distance works well enough for median-split trees.
		near, far := n.Left, n.Right
		if sp+2 <= len(stack) {
			stack[sp] = far
			sp++
			stack[sp] = near
			sp++
		} else {
			// Stack exhaustion cannot happen for trees built by Build (depth
			// is bounded by the median split), but guard anyway.
			t.walkFrom(near, origin, invDir, tMin, &tMax, visit)
			t.walkFrom(far, origin, invDir, tMin, &tMax, visit)
		}
	}
}

func (t *Tree) walkFrom(node int32, origin, invDir mgl32.Vec3, tMin float32, tMax *float32, visit Visit) bool {
	n := &t.Nodes[node]
	if !rayBox(origin, invDir, tMin, *tMax, n.Min, n.Max) {
		return false
	}
	if n.LeafFirst >= 0 {
		for i := int32(0); i < n.LeafCount; i++ {
			clip, stop := visit(t.Prims[n.LeafFirst+i])
			if stop {
				return true
			}
			if clip < *tMax {
				*tMax = clip
			}
		}
		return false
	}
	if t.walkFrom(n.Left, origin, invDir, tMin, tMax, visit) {
		return true
	}
	return t.walkFrom(n.Right, origin, invDir, tMin, tMax, visit)
}

// rayBox is the slab test against one node's bounds.
func rayBox(origin, invDir mgl32.Vec3, tMin, tMax float32, boxMin, boxMax mgl32.Vec3) bool {
	for a := 0; a < 3; a++ {
		t0 := (boxMin[a] - origin[a]) * invDir[a]
		t1 := (boxMax[a] - origin[a]) * invDir[a]
		if t0 > t1 {
			t0, t1 = t1, t0
		}
		if t0 > tMin {
			tMin = t0
		}
		if t1 < tMax {
			tMax = t1
		}
		if tMax < tMin {
			return false
		}
	}
	return true
}

func safeInv(v float32) float32 {
	if v == 0 {
		// +Inf keeps the slab test well defined for axis-parallel rays.
		return float32(1e30)
	}
	return 1 / v
}
