package prism

import (
	"github.com/go-gl/mathgl/mgl32"

	"github.com/prismrt/prism/device"
)

// bruteBackend tests every primitive against every ray. It is the reference
// backend: slow, but it accepts every shape kind, including unbounded ones
// no spatial index can hold. It implements neither structured occlusion
// protocol and allocates no scratch counters.
type bruteBackend struct {
	dev device.Device
	log Logger

	prims []primRef
}

func newBruteBackend(dev device.Device, log Logger) *bruteBackend {
	return &bruteBackend{dev: dev, log: log}
}

func (b *bruteBackend) Name() string { return "brute" }

func (b *bruteBackend) Compatible(w *World) bool {
	for t := range w.ShapeTypes() {
		if t == 0 || t >= shapeTypeEnd {
			return false
		}
	}
	return true
}

func (b *bruteBackend) Process(w *World) error {
	prims := make([]primRef, 0, w.PrimCount())
	for _, s := range w.Shapes() {
		for p := 0; p < s.PrimCount(); p++ {
			prims = append(prims, primRef{shape: s, prim: int32(p)})
		}
	}
	b.prims = prims
	return nil
}

func (b *bruteBackend) Intersect(queue int, rays, numRays device.Buffer, maxRays uint32, hits device.Buffer, wait *device.Event) (*device.Event, error) {
	return b.dev.Submit(queue, wait, func() {
		b.runBatch(rays, numRays, maxRays, hits, true)
	})
}

func (b *bruteBackend) Occluded(queue int, rays, numRays device.Buffer, maxRays uint32, hits device.Buffer, wait *device.Event) (*device.Event, error) {
	return b.dev.Submit(queue, wait, func() {
		b.runBatch(rays, numRays, maxRays, hits, false)
	})
}

func (b *bruteBackend) runBatch(rays, numRays device.Buffer, maxRays uint32, hits device.Buffer, nearest bool) {
	recordSize := OcclusionSize
	if nearest {
		recordSize = HitSize
	}

	n := readCount(b.dev, numRays)
	if n > maxRays {
		n = maxRays
	}
	if limit := uint32(rays.Size() / RaySize); n > limit {
		n = limit
	}
	if limit := uint32(hits.Size() / recordSize); n > limit {
		n = limit
	}
	if n == 0 {
		return
	}

	raw := make([]byte, int(n)*RaySize)
	if err := b.dev.Read(rays, 0, raw); err != nil {
		b.log.Errorf("brute backend: ray readback: %v", err)
		return
	}
	out := make([]byte, int(n)*recordSize)

	forEachChunk(int(n), func(lo, hi int) {
		for i := lo; i < hi; i++ {
			r := GetRay(raw[i*RaySize:])
			if nearest {
				PutHit(out[i*HitSize:], b.nearestHit(r))
			} else {
				PutOcclusion(out[i*OcclusionSize:], b.anyHit(r.Origin, r.Dir, r.MinT, r.MaxT))
			}
		}
	})

	if err := b.dev.Write(hits, 0, out); err != nil {
		b.log.Errorf("brute backend: hit writeback: %v", err)
	}
}

func (b *bruteBackend) nearestHit(r Ray) Hit {
	best := Miss()
	tMax := r.MaxT
	for _, ref := range b.prims {
		if ph, ok := ref.shape.PrimIntersect(int(ref.prim), r.Origin, r.Dir, r.MinT, tMax); ok {
			best = Hit{ShapeID: ref.shape.ID(), PrimID: ref.prim, T: ph.T, U: ph.U, V: ph.V}
			tMax = ph.T
		}
	}
	return best
}

func (b *bruteBackend) anyHit(origin, dir mgl32.Vec3, tMin, tMax float32) bool {
	for _, ref := range b.prims {
		if _, ok := ref.shape.PrimIntersect(int(ref.prim), origin, dir, tMin, tMax); ok {
			return true
		}
	}
	return false
}
