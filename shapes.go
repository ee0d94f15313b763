package prism

import (
	"math"

	"github.com/go-gl/mathgl/mgl32"
)

// TriangleMesh is an indexed triangle set. Indices come in groups of three
// into Vertices; each group is one primitive.
type TriangleMesh struct {
	id       int32
	Vertices []mgl32.Vec3
	Indices  []uint32
}

// NewTriangleMesh builds a mesh from shared vertices and triangle indices.
// len(indices) must be a multiple of three.
func NewTriangleMesh(vertices []mgl32.Vec3, indices []uint32) *TriangleMesh {
	return &TriangleMesh{Vertices: vertices, Indices: indices}
}

func (m *TriangleMesh) ID() int32       { return m.id }
func (m *TriangleMesh) setID(id int32)  { m.id = id }
func (m *TriangleMesh) Type() ShapeType { return ShapeTriangleMesh }
func (m *TriangleMesh) PrimCount() int  { return len(m.Indices) / 3 }

// Triangle returns the three corners of primitive prim.
func (m *TriangleMesh) Triangle(prim int) (v0, v1, v2 mgl32.Vec3) {
	i := prim * 3
	return m.Vertices[m.Indices[i]], m.Vertices[m.Indices[i+1]], m.Vertices[m.Indices[i+2]]
}

func (m *TriangleMesh) PrimBounds(prim int) (mgl32.Vec3, mgl32.Vec3, bool) {
	v0, v1, v2 := m.Triangle(prim)
	bmin := mgl32.Vec3{
		min(v0.X(), min(v1.X(), v2.X())),
		min(v0.Y(), min(v1.Y(), v2.Y())),
		min(v0.Z(), min(v1.Z(), v2.Z())),
	}
	bmax := mgl32.Vec3{
		max(v0.X(), max(v1.X(), v2.X())),
		max(v0.Y(), max(v1.Y(), v2.Y())),
		max(v0.Z(), max(v1.Z(), v2.Z())),
	}
	return bmin, bmax, true
}

// PrimIntersect runs Möller-Trumbore against one triangle. U and V are the
// barycentric coordinates of the hit.
func (m *TriangleMesh) PrimIntersect(prim int, origin, dir mgl32.Vec3, tMin, tMax float32) (PrimHit, bool) {
	const epsilon = 1e-8

	v0, v1, v2 := m.Triangle(prim)
	edge1 := v1.Sub(v0)
	edge2 := v2.Sub(v0)

	h := dir.Cross(edge2)
	a := edge1.Dot(h)
	if a > -epsilon && a < epsilon {
		// Ray parallel to the triangle plane.
		return PrimHit{}, false
	}

	f := 1.0 / a
	s := origin.Sub(v0)
	u := f * s.Dot(h)
	if u < 0 || u > 1 {
		return PrimHit{}, false
	}

	q := s.Cross(edge1)
	v := f * dir.Dot(q)
	if v < 0 || u+v > 1 {
		return PrimHit{}, false
	}

	t := f * edge2.Dot(q)
	if t < tMin || t > tMax {
		return PrimHit{}, false
	}
	return PrimHit{T: t, U: u, V: v}, true
}

// Sphere is an analytic sphere primitive.
type Sphere struct {
	id     int32
	Center mgl32.Vec3
	Radius float32
}

func NewSphere(center mgl32.Vec3, radius float32) *Sphere {
	return &Sphere{Center: center, Radius: radius}
}

func (s *Sphere) ID() int32       { return s.id }
func (s *Sphere) setID(id int32)  { s.id = id }
func (s *Sphere) Type() ShapeType { return ShapeSphere }
func (s *Sphere) PrimCount() int  { return 1 }

func (s *Sphere) PrimBounds(int) (mgl32.Vec3, mgl32.Vec3, bool) {
	r := mgl32.Vec3{s.Radius, s.Radius, s.Radius}
	return s.Center.Sub(r), s.Center.Add(r), true
}

// PrimIntersect solves the ray/sphere quadratic, reporting the nearest root
// inside the segment. U and V carry the spherical parameterization of the
// hit normal.
func (s *Sphere) PrimIntersect(_ int, origin, dir mgl32.Vec3, tMin, tMax float32) (PrimHit, bool) {
	oc := origin.Sub(s.Center)
	a := dir.Dot(dir)
	if a == 0 {
		// Zero-length direction: the quadratic degenerates and its roots
		// would come out NaN, which slips past range checks.
		return PrimHit{}, false
	}
	halfB := oc.Dot(dir)
	c := oc.Dot(oc) - s.Radius*s.Radius

	disc := halfB*halfB - a*c
	if disc < 0 {
		return PrimHit{}, false
	}
	sq := float32(math.Sqrt(float64(disc)))

	t := (-halfB - sq) / a
	if t < tMin || t > tMax {
		t = (-halfB + sq) / a
		if t < tMin || t > tMax {
			return PrimHit{}, false
		}
	}

	n := origin.Add(dir.Mul(t)).Sub(s.Center).Mul(1 / s.Radius)
	u := float32(0.5 + math.Atan2(float64(n.Z()), float64(n.X()))/(2*math.Pi))
	v := float32(0.5 - math.Asin(float64(clamp(n.Y(), -1, 1)))/math.Pi)
	return PrimHit{T: t, U: u, V: v}, true
}

// Plane is an infinite analytic plane. It has no finite bounds and therefore
// cannot be placed in a bounding-volume hierarchy; only backends that scan
// primitives directly accept worlds containing planes.
type Plane struct {
	id     int32
	Point  mgl32.Vec3
	Normal mgl32.Vec3
}

func NewPlane(point, normal mgl32.Vec3) *Plane {
	return &Plane{Point: point, Normal: normal.Normalize()}
}

func (p *Plane) ID() int32       { return p.id }
func (p *Plane) setID(id int32)  { p.id = id }
func (p *Plane) Type() ShapeType { return ShapePlane }
func (p *Plane) PrimCount() int  { return 1 }

func (p *Plane) PrimBounds(int) (mgl32.Vec3, mgl32.Vec3, bool) {
	return mgl32.Vec3{}, mgl32.Vec3{}, false
}

func (p *Plane) PrimIntersect(_ int, origin, dir mgl32.Vec3, tMin, tMax float32) (PrimHit, bool) {
	denom := p.Normal.Dot(dir)
	if denom > -1e-8 && denom < 1e-8 {
		return PrimHit{}, false
	}
	t := p.Point.Sub(origin).Dot(p.Normal) / denom
	if t < tMin || t > tMax {
		return PrimHit{}, false
	}
	return PrimHit{T: t}, true
}

func clamp(v, lo, hi float32) float32 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
