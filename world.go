package prism

import (
	"github.com/go-gl/mathgl/mgl32"
)

// ShapeType tags the primitive families a world can contain. Backends use
// the set of types present to decide compatibility.
type ShapeType uint32

const (
	ShapeTriangleMesh ShapeType = iota + 1
	ShapeSphere
	ShapePlane

	shapeTypeEnd
)

func (t ShapeType) String() string {
	switch t {
	case ShapeTriangleMesh:
		return "triangle_mesh"
	case ShapeSphere:
		return "sphere"
	case ShapePlane:
		return "plane"
	default:
		return "unknown"
	}
}

// PrimHit is one primitive intersection: distance along the ray and the
// surface parameterization at the hit point.
type PrimHit struct {
	T    float32
	U, V float32
}

// Shape is one attachable primitive container. The set of shapes is closed:
// backends know every type listed above and the compatibility predicate
// rejects anything newer.
type Shape interface {
	// ID is assigned by the world on Attach and is stable until Detach.
	ID() int32
	Type() ShapeType
	// PrimCount is the number of primitives the shape contributes to the
	// index (triangles for a mesh, 1 for analytic shapes).
	PrimCount() int
	// PrimBounds reports the bounding box of one primitive. Unbounded
	// primitives (planes) return ok=false and cannot be indexed spatially.
	PrimBounds(prim int) (bmin, bmax mgl32.Vec3, ok bool)
	// PrimIntersect tests one primitive against the ray segment
	// [tMin, tMax] and reports the nearest intersection inside it.
	PrimIntersect(prim int, origin, dir mgl32.Vec3, tMin, tMax float32) (PrimHit, bool)

	setID(id int32)
}

// World is the scene a backend indexes: an ordered set of shapes. It is
// consulted read-only during preprocessing and never mutated by an
// intersector. Attaching or detaching shapes after SetWorld has no effect on
// queries until the intersector is preprocessed again.
type World struct {
	shapes []Shape
	nextID int32
}

func NewWorld() *World {
	return &World{nextID: 1}
}

// Attach adds a shape and assigns its ID. Attaching an already attached
// shape again is a no-op.
func (w *World) Attach(s Shape) {
	if s.ID() != 0 {
		for _, have := range w.shapes {
			if have == s {
				return
			}
		}
	}
	s.setID(w.nextID)
	w.nextID++
	w.shapes = append(w.shapes, s)
}

// Detach removes a shape. The shape keeps its ID so stale hit records remain
// interpretable, but it will not appear in future index builds.
func (w *World) Detach(s Shape) {
	for i, have := range w.shapes {
		if have == s {
			w.shapes = append(w.shapes[:i], w.shapes[i+1:]...)
			return
		}
	}
}

// Shapes returns the attached shapes in attach order. The slice is shared;
// callers must not mutate it.
func (w *World) Shapes() []Shape {
	return w.shapes
}

// ShapeTypes reports which primitive families are present.
func (w *World) ShapeTypes() map[ShapeType]bool {
	types := make(map[ShapeType]bool, 4)
	for _, s := range w.shapes {
		types[s.Type()] = true
	}
	return types
}

// PrimCount is the total number of primitives across all shapes.
func (w *World) PrimCount() int {
	n := 0
	for _, s := range w.shapes {
		n += s.PrimCount()
	}
	return n
}
