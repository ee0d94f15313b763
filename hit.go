package prism

import "encoding/binary"

// HitSize is the encoded size of one nearest-hit record in bytes.
const HitSize = 32

// MissID marks a ray that hit nothing.
const MissID int32 = -1

// Hit record layout, shared with the WGSL kernels:
// struct Hit {
//    shape_id : i32;  prim_id : i32;   (8)
//    t : f32;  u : f32;  v : f32;      (12)
//    padding : i32[3];                 (12)
// }; -> 32 bytes
type Hit struct {
	ShapeID int32 // MissID when nothing was hit
	PrimID  int32 // primitive index within the shape
	T       float32
	U, V    float32 // surface parameterization at the hit point
}

// Miss is the record written for rays that intersect nothing.
func Miss() Hit { return Hit{ShapeID: MissID, PrimID: MissID} }

// PutHit encodes h into dst, which must hold at least HitSize bytes.
func PutHit(dst []byte, h Hit) {
	binary.LittleEndian.PutUint32(dst[0:], uint32(h.ShapeID))
	binary.LittleEndian.PutUint32(dst[4:], uint32(h.PrimID))
	putF32(dst[8:], h.T)
	putF32(dst[12:], h.U)
	putF32(dst[16:], h.V)
	for i := 20; i < HitSize; i += 4 {
		binary.LittleEndian.PutUint32(dst[i:], 0)
	}
}

// GetHit decodes one hit record from src.
func GetHit(src []byte) Hit {
	return Hit{
		ShapeID: int32(binary.LittleEndian.Uint32(src[0:])),
		PrimID:  int32(binary.LittleEndian.Uint32(src[4:])),
		T:       getF32(src[8:]),
		U:       getF32(src[12:]),
		V:       getF32(src[16:]),
	}
}

// OcclusionSize is the encoded size of one occlusion record in bytes.
// Occlusion queries write one int32 per ray: OccludedYes when any primitive
// blocks the segment, OccludedNo otherwise.
const OcclusionSize = 4

const (
	OccludedYes int32 = 1
	OccludedNo  int32 = -1
)

// PutOcclusion encodes a single occlusion record.
func PutOcclusion(dst []byte, occluded bool) {
	v := OccludedNo
	if occluded {
		v = OccludedYes
	}
	binary.LittleEndian.PutUint32(dst, uint32(v))
}

// GetOcclusion decodes a single occlusion record.
func GetOcclusion(src []byte) bool {
	return int32(binary.LittleEndian.Uint32(src)) == OccludedYes
}
