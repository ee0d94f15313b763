package prism

import (
	"encoding/binary"
	"fmt"
	"runtime"
	"sync"

	"github.com/go-gl/mathgl/mgl32"

	"github.com/prismrt/prism/bvh"
	"github.com/prismrt/prism/device"
)

// primRef maps a global primitive index back to its shape.
type primRef struct {
	shape Shape
	prim  int32
}

// bvhBackend indexes every primitive of the world in one flat BVH and
// traverses it on the host device. It rejects worlds containing unbounded
// primitives, which have no place in a bounding hierarchy. Scratch counter 0
// holds the number of rays processed by the most recent query.
type bvhBackend struct {
	dev      device.Device
	scratch  *device.Scratch
	log      Logger
	leafSize int

	// Index state, replaced wholesale by Process. The contract forbids
	// Process concurrent with queries, so no lock is held on query paths.
	tree  *bvh.Tree
	prims []primRef
}

func newBVHBackend(dev device.Device, scratch *device.Scratch, log Logger, leafSize int) *bvhBackend {
	if leafSize <= 0 {
		leafSize = 4
	}
	return &bvhBackend{dev: dev, scratch: scratch, log: log, leafSize: leafSize}
}

func (b *bvhBackend) Name() string { return "bvh" }

// BindScratch moves the backend's counters into the owning intersector's
// arena.
func (b *bvhBackend) BindScratch(s *device.Scratch) { b.scratch = s }

func (b *bvhBackend) Compatible(w *World) bool {
	for t := range w.ShapeTypes() {
		switch t {
		case ShapeTriangleMesh, ShapeSphere:
		default:
			return false
		}
	}
	return true
}

func (b *bvhBackend) Process(w *World) error {
	// Allocate the ray counter up front: a failure here must surface from
	// SetWorld, before any index state is replaced.
	if _, err := b.scratch.EnsureCounter(b.dev, 0, 4); err != nil {
		return err
	}

	prims := make([]primRef, 0, w.PrimCount())
	items := make([]bvh.Item, 0, w.PrimCount())
	for _, s := range w.Shapes() {
		for p := 0; p < s.PrimCount(); p++ {
			bmin, bmax, ok := s.PrimBounds(p)
			if !ok {
				return fmt.Errorf("shape %d (%s) has unbounded primitives", s.ID(), s.Type())
			}
			items = append(items, bvh.Item{
				Min:      bmin,
				Max:      bmax,
				Centroid: bmin.Add(bmax).Mul(0.5),
				Index:    int32(len(prims)),
			})
			prims = append(prims, primRef{shape: s, prim: int32(p)})
		}
	}

	b.tree = bvh.Build(items, b.leafSize)
	b.prims = prims
	b.log.Debugf("bvh backend: %d primitives, %d nodes", len(prims), len(b.tree.Nodes))
	return nil
}

func (b *bvhBackend) Intersect(queue int, rays, numRays device.Buffer, maxRays uint32, hits device.Buffer, wait *device.Event) (*device.Event, error) {
	return b.dev.Submit(queue, wait, func() {
		b.runBatch(rays, numRays, maxRays, hits, true)
	})
}

func (b *bvhBackend) Occluded(queue int, rays, numRays device.Buffer, maxRays uint32, hits device.Buffer, wait *device.Event) (*device.Event, error) {
	return b.dev.Submit(queue, wait, func() {
		b.runBatch(rays, numRays, maxRays, hits, false)
	})
}

// runBatch executes on the queue worker. It reads the device-resident ray
// count, clamps it to every applicable capacity, traverses, and writes one
// result record per processed ray.
func (b *bvhBackend) runBatch(rays, numRays device.Buffer, maxRays uint32, hits device.Buffer, nearest bool) {
	if err := b.scratch.ResetCounter(b.dev, 0); err != nil {
		b.log.Warnf("bvh backend: counter reset: %v", err)
	}

	recordSize := OcclusionSize
	if nearest {
		recordSize = HitSize
	}
	n := b.batchSize(rays, numRays, maxRays, hits, recordSize)
	if n == 0 {
		return
	}

	raw := make([]byte, int(n)*RaySize)
	if err := b.dev.Read(rays, 0, raw); err != nil {
		b.log.Errorf("bvh backend: ray readback: %v", err)
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
		b.log.Errorf("bvh backend: hit writeback: %v", err)
		return
	}
	b.storeCounter(n)
}

// batchSize clamps the device-resident count against maxRays and against
// the actual buffer capacities so a corrupted count can never cause an
// out-of-bounds access.
func (b *bvhBackend) batchSize(rays, numRays device.Buffer, maxRays uint32, hits device.Buffer, recordSize int) uint32 {
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
	return n
}

func (b *bvhBackend) storeCounter(n uint32) {
	var raw [4]byte
	binary.LittleEndian.PutUint32(raw[:], n)
	if buf := b.scratch.Counter(0); buf != nil {
		if err := b.dev.Write(buf, 0, raw[:]); err != nil {
			b.log.Warnf("bvh backend: counter store: %v", err)
		}
	}
}

func (b *bvhBackend) nearestHit(r Ray) Hit {
	best := Miss()
	b.tree.Walk(r.Origin, r.Dir, r.MinT, r.MaxT, func(p int32) (float32, bool) {
		ref := b.prims[p]
		if ph, ok := ref.shape.PrimIntersect(int(ref.prim), r.Origin, r.Dir, r.MinT, currentMax(best, r.MaxT)); ok {
			best = Hit{ShapeID: ref.shape.ID(), PrimID: ref.prim, T: ph.T, U: ph.U, V: ph.V}
		}
		return currentMax(best, r.MaxT), false
	})
	return best
}

func (b *bvhBackend) anyHit(origin, dir mgl32.Vec3, tMin, tMax float32) bool {
	occluded := false
	b.tree.Walk(origin, dir, tMin, tMax, func(p int32) (float32, bool) {
		ref := b.prims[p]
		if _, ok := ref.shape.PrimIntersect(int(ref.prim), origin, dir, tMin, tMax); ok {
			occluded = true
			return 0, true
		}
		return tMax, false
	})
	return occluded
}

func currentMax(best Hit, rayMax float32) float32 {
	if best.ShapeID == MissID {
		return rayMax
	}
	return best.T
}

// readCount pulls a uint32 out of a device buffer, treating any read failure
// or undersized buffer as zero rays rather than guessing.
func readCount(dev device.Device, buf device.Buffer) uint32 {
	if buf == nil || buf.Size() < 4 {
		return 0
	}
	var raw [4]byte
	if err := dev.Read(buf, 0, raw[:]); err != nil {
		return 0
	}
	return binary.LittleEndian.Uint32(raw[:])
}

// forEachChunk fans a range out over the CPUs and waits for completion.
func forEachChunk(n int, fn func(lo, hi int)) {
	workers := runtime.NumCPU()
	if workers > n {
		workers = n
	}
	if workers <= 1 {
		fn(0, n)
		return
	}
	chunk := (n + workers - 1) / workers
	var wg sync.WaitGroup
	for lo := 0; lo < n; lo += chunk {
		hi := lo + chunk
		if hi > n {
			hi = n
		}
		wg.Add(1)
		go func(lo, hi int) {
			defer wg.Done()
			fn(lo, hi)
		}(lo, hi)
	}
	wg.Wait()
}
