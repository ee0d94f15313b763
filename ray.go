// Package prism answers batched ray-intersection and occlusion queries
// against a world of geometric primitives. A backend builds a spatial index
// once (SetWorld) and then serves many asynchronous queries, dispatched on
// compute-device queues and chained through wait/completion events.
package prism

import (
	"encoding/binary"
	"math"

	"github.com/go-gl/mathgl/mgl32"
)

// RaySize is the encoded size of one ray record in bytes.
const RaySize = 32

// Ray record layout, shared with the WGSL kernels:
// struct Ray {
//    origin : vec3<f32>;  max_t : f32;   (16)
//    dir    : vec3<f32>;  min_t : f32;   (16)
// }; -> 32 bytes
type Ray struct {
	Origin mgl32.Vec3
	MaxT   float32
	Dir    mgl32.Vec3
	MinT   float32
}

// NewRay builds a ray covering the full positive extent of dir.
func NewRay(origin, dir mgl32.Vec3) Ray {
	return Ray{Origin: origin, Dir: dir, MaxT: math.MaxFloat32}
}

// PutRay encodes r into dst, which must hold at least RaySize bytes.
func PutRay(dst []byte, r Ray) {
	putF32(dst[0:], r.Origin.X())
	putF32(dst[4:], r.Origin.Y())
	putF32(dst[8:], r.Origin.Z())
	putF32(dst[12:], r.MaxT)
	putF32(dst[16:], r.Dir.X())
	putF32(dst[20:], r.Dir.Y())
	putF32(dst[24:], r.Dir.Z())
	putF32(dst[28:], r.MinT)
}

// GetRay decodes one ray record from src.
func GetRay(src []byte) Ray {
	return Ray{
		Origin: mgl32.Vec3{getF32(src[0:]), getF32(src[4:]), getF32(src[8:])},
		MaxT:   getF32(src[12:]),
		Dir:    mgl32.Vec3{getF32(src[16:]), getF32(src[20:]), getF32(src[24:])},
		MinT:   getF32(src[28:]),
	}
}

// EncodeRays packs a batch into the wire layout, one record per ray.
func EncodeRays(rays []Ray) []byte {
	out := make([]byte, len(rays)*RaySize)
	for i, r := range rays {
		PutRay(out[i*RaySize:], r)
	}
	return out
}

func putF32(dst []byte, v float32) {
	binary.LittleEndian.PutUint32(dst, math.Float32bits(v))
}

func getF32(src []byte) float32 {
	return math.Float32frombits(binary.LittleEndian.Uint32(src))
}
