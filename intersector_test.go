package prism

import (
	"bytes"
	"testing"
	"time"

	"github.com/go-gl/mathgl/mgl32"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prismrt/prism/device"
)

func newTestIntersector(t *testing.T, opts ...Option) (*device.Host, *Intersector) {
	t.Helper()
	dev := device.NewHost(2)
	x, err := New(dev, opts...)
	require.NoError(t, err)
	t.Cleanup(func() {
		x.Close()
		dev.Close()
	})
	return dev, x
}

// singleTriangleWorld has one triangle in the z=5 plane, visible from the
// origin along +Z through (0, -1/3, 0).
func singleTriangleWorld() (*World, *TriangleMesh) {
	mesh := NewTriangleMesh(
		[]mgl32.Vec3{{-1, -1, 5}, {1, -1, 5}, {0, 1, 5}},
		[]uint32{0, 1, 2},
	)
	w := NewWorld()
	w.Attach(mesh)
	return w, mesh
}

// wallWorld has a large quad in the z=1 plane, for occlusion tests.
func wallWorld() *World {
	quad := NewTriangleMesh(
		[]mgl32.Vec3{{-10, -10, 1}, {10, -10, 1}, {10, 10, 1}, {-10, 10, 1}},
		[]uint32{0, 1, 2, 0, 2, 3},
	)
	w := NewWorld()
	w.Attach(quad)
	return w
}

func uploadBytes(t *testing.T, dev device.Device, data []byte) device.Buffer {
	t.Helper()
	buf, err := dev.CreateBuffer(len(data))
	require.NoError(t, err)
	require.NoError(t, dev.Write(buf, 0, data))
	t.Cleanup(buf.Release)
	return buf
}

func uploadRays(t *testing.T, dev device.Device, rays []Ray) device.Buffer {
	t.Helper()
	return uploadBytes(t, dev, EncodeRays(rays))
}

func resultBuffer(t *testing.T, dev device.Device, size int) device.Buffer {
	t.Helper()
	buf, err := dev.CreateBuffer(size)
	require.NoError(t, err)
	t.Cleanup(buf.Release)
	return buf
}

func readHits(t *testing.T, dev device.Device, buf device.Buffer, n int) []Hit {
	t.Helper()
	raw := make([]byte, n*HitSize)
	require.NoError(t, dev.Read(buf, 0, raw))
	hits := make([]Hit, n)
	for i := range hits {
		hits[i] = GetHit(raw[i*HitSize:])
	}
	return hits
}

func readOcclusion(t *testing.T, dev device.Device, buf device.Buffer, n int) []bool {
	t.Helper()
	raw := make([]byte, n*OcclusionSize)
	require.NoError(t, dev.Read(buf, 0, raw))
	out := make([]bool, n)
	for i := range out {
		out[i] = GetOcclusion(raw[i*OcclusionSize:])
	}
	return out
}

func TestQueryIntersectionNearestHit(t *testing.T) {
	for _, kind := range []BackendKind{BackendBVH, BackendBrute} {
		dev, x := newTestIntersector(t, WithBackend(kind))
		w, mesh := singleTriangleWorld()
		require.NoError(t, x.SetWorld(w))

		rays := uploadRays(t, dev, []Ray{
			NewRay(mgl32.Vec3{0, -1.0 / 3, 0}, mgl32.Vec3{0, 0, 1}),
			NewRay(mgl32.Vec3{5, 5, 0}, mgl32.Vec3{0, 0, 1}),
			NewRay(mgl32.Vec3{0, -1.0 / 3, 0}, mgl32.Vec3{0, 0, -1}),
		})
		hits := resultBuffer(t, dev, 3*HitSize)

		ev, err := x.QueryIntersection(0, rays, 3, hits, nil)
		require.NoError(t, err)
		ev.Wait()

		got := readHits(t, dev, hits, 3)
		assert.Equal(t, mesh.ID(), got[0].ShapeID, "%s: ray through the triangle must hit it", x.BackendName())
		assert.Equal(t, int32(0), got[0].PrimID)
		assert.InDelta(t, 5.0, got[0].T, 1e-4)
		assert.Equal(t, MissID, got[1].ShapeID, "%s: ray beside the triangle must miss", x.BackendName())
		assert.Equal(t, MissID, got[2].ShapeID, "%s: ray pointing away must miss", x.BackendName())
	}
}

func TestQueryIntersectionNearestOfTwo(t *testing.T) {
	near := NewTriangleMesh(
		[]mgl32.Vec3{{-2, -2, 3}, {2, -2, 3}, {0, 2, 3}},
		[]uint32{0, 1, 2},
	)
	far := NewTriangleMesh(
		[]mgl32.Vec3{{-2, -2, 7}, {2, -2, 7}, {0, 2, 7}},
		[]uint32{0, 1, 2},
	)
	w := NewWorld()
	w.Attach(far)
	w.Attach(near)

	dev, x := newTestIntersector(t)
	require.NoError(t, x.SetWorld(w))

	rays := uploadRays(t, dev, []Ray{NewRay(mgl32.Vec3{0, 0, 0}, mgl32.Vec3{0, 0, 1})})
	hits := resultBuffer(t, dev, HitSize)
	ev, err := x.QueryIntersection(0, rays, 1, hits, nil)
	require.NoError(t, err)
	ev.Wait()

	got := readHits(t, dev, hits, 1)[0]
	assert.Equal(t, near.ID(), got.ShapeID, "nearest of two overlapping triangles wins")
	assert.InDelta(t, 3.0, got.T, 1e-4)
}

func TestQueryOcclusion(t *testing.T) {
	dev, x := newTestIntersector(t)
	require.NoError(t, x.SetWorld(wallWorld()))

	blocked := NewRay(mgl32.Vec3{0, 0, 0}, mgl32.Vec3{0, 0, 1})
	short := NewRay(mgl32.Vec3{0, 0, 0}, mgl32.Vec3{0, 0, 1})
	short.MaxT = 0.5
	rays := uploadRays(t, dev, []Ray{blocked, short})
	occ := resultBuffer(t, dev, 2*OcclusionSize)

	ev, err := x.QueryOcclusion(0, rays, 2, occ, nil)
	require.NoError(t, err)
	ev.Wait()

	got := readOcclusion(t, dev, occ, 2)
	assert.True(t, got[0], "segment crossing the wall is occluded")
	assert.False(t, got[1], "segment ending before the wall is free")
}

func TestQueryRepeatIsIdempotent(t *testing.T) {
	dev, x := newTestIntersector(t)
	w, _ := singleTriangleWorld()
	require.NoError(t, x.SetWorld(w))

	rays := uploadRays(t, dev, []Ray{
		NewRay(mgl32.Vec3{0, -1.0 / 3, 0}, mgl32.Vec3{0, 0, 1}),
		NewRay(mgl32.Vec3{3, 3, 0}, mgl32.Vec3{0, 0, 1}),
	})
	hits := resultBuffer(t, dev, 2*HitSize)

	ev, err := x.QueryIntersection(0, rays, 2, hits, nil)
	require.NoError(t, err)
	ev.Wait()
	first := make([]byte, 2*HitSize)
	require.NoError(t, dev.Read(hits, 0, first))

	ev, err = x.QueryIntersection(1, rays, 2, hits, nil)
	require.NoError(t, err)
	ev.Wait()
	second := make([]byte, 2*HitSize)
	require.NoError(t, dev.Read(hits, 0, second))

	assert.True(t, bytes.Equal(first, second), "same query against an unchanged index must reproduce its results")
}

func TestSetWorldRebuildLeavesNoResidue(t *testing.T) {
	dev, x := newTestIntersector(t)
	w1, _ := singleTriangleWorld()
	require.NoError(t, x.SetWorld(w1))

	ray := NewRay(mgl32.Vec3{0, -1.0 / 3, 0}, mgl32.Vec3{0, 0, 1})
	ray.MaxT = 10
	rays := uploadRays(t, dev, []Ray{ray})
	hits := resultBuffer(t, dev, HitSize)

	ev, err := x.QueryIntersection(0, rays, 1, hits, nil)
	require.NoError(t, err)
	ev.Wait()
	require.NotEqual(t, MissID, readHits(t, dev, hits, 1)[0].ShapeID)

	// Rebuild with a world whose only triangle is far out of reach. The old
	// index must be gone entirely.
	w2 := NewWorld()
	w2.Attach(NewTriangleMesh(
		[]mgl32.Vec3{{-1, -1, 50}, {1, -1, 50}, {0, 1, 50}},
		[]uint32{0, 1, 2},
	))
	require.NoError(t, x.SetWorld(w2))

	ev, err = x.QueryIntersection(0, rays, 1, hits, nil)
	require.NoError(t, err)
	ev.Wait()
	assert.Equal(t, MissID, readHits(t, dev, hits, 1)[0].ShapeID)
}

func TestIndirectCountIsClamped(t *testing.T) {
	dev, x := newTestIntersector(t)
	w, _ := singleTriangleWorld()
	require.NoError(t, x.SetWorld(w))

	rays := uploadRays(t, dev, []Ray{
		NewRay(mgl32.Vec3{0, -1.0 / 3, 0}, mgl32.Vec3{0, 0, 1}),
		NewRay(mgl32.Vec3{0, -1.0 / 3, 0}, mgl32.Vec3{0, 0, 1}),
	})

	// Device-resident count claims far more rays than exist.
	count := uploadBytes(t, dev, []byte{100, 0, 0, 0})

	// Result buffer holds four records; the two past maxRays are prefilled
	// with a sentinel and must survive untouched.
	sentinel := bytes.Repeat([]byte{0xEE}, 4*HitSize)
	hits := uploadBytes(t, dev, sentinel)

	ev, err := x.QueryIntersectionIndirect(0, rays, count, 2, hits, nil)
	require.NoError(t, err)
	ev.Wait()

	raw := make([]byte, 4*HitSize)
	require.NoError(t, dev.Read(hits, 0, raw))
	for i := 0; i < 2; i++ {
		assert.NotEqual(t, MissID, GetHit(raw[i*HitSize:]).ShapeID, "record %d inside the clamp is computed", i)
	}
	assert.True(t, bytes.Equal(raw[2*HitSize:], sentinel[2*HitSize:]), "records past maxRays are never written")
}

func TestFixedAndDynamicCountsAgree(t *testing.T) {
	dev, x := newTestIntersector(t)
	w, _ := singleTriangleWorld()
	require.NoError(t, x.SetWorld(w))

	batch := []Ray{
		NewRay(mgl32.Vec3{0, -1.0 / 3, 0}, mgl32.Vec3{0, 0, 1}),
		NewRay(mgl32.Vec3{2, 2, 0}, mgl32.Vec3{0, 0, 1}),
		NewRay(mgl32.Vec3{0.1, -0.2, 0}, mgl32.Vec3{0, 0, 1}),
	}
	rays := uploadRays(t, dev, batch)
	count := uploadBytes(t, dev, []byte{3, 0, 0, 0})
	fixed := resultBuffer(t, dev, 3*HitSize)
	dynamic := resultBuffer(t, dev, 3*HitSize)

	ev, err := x.QueryIntersection(0, rays, 3, fixed, nil)
	require.NoError(t, err)
	ev.Wait()
	ev, err = x.QueryIntersectionIndirect(0, rays, count, 3, dynamic, nil)
	require.NoError(t, err)
	ev.Wait()

	a := make([]byte, 3*HitSize)
	b := make([]byte, 3*HitSize)
	require.NoError(t, dev.Read(fixed, 0, a))
	require.NoError(t, dev.Read(dynamic, 0, b))
	assert.True(t, bytes.Equal(a, b))
}

func TestQueueIndexDoesNotChangeResults(t *testing.T) {
	dev, x := newTestIntersector(t)
	w, _ := singleTriangleWorld()
	require.NoError(t, x.SetWorld(w))

	rays := uploadRays(t, dev, []Ray{NewRay(mgl32.Vec3{0, -1.0 / 3, 0}, mgl32.Vec3{0, 0, 1})})
	var results [][]byte
	for queue := 0; queue < dev.QueueCount(); queue++ {
		hits := resultBuffer(t, dev, HitSize)
		ev, err := x.QueryIntersection(queue, rays, 1, hits, nil)
		require.NoError(t, err)
		ev.Wait()
		raw := make([]byte, HitSize)
		require.NoError(t, dev.Read(hits, 0, raw))
		results = append(results, raw)
	}
	for i := 1; i < len(results); i++ {
		assert.True(t, bytes.Equal(results[0], results[i]))
	}
}

func TestQueryWaitsForEvent(t *testing.T) {
	dev, x := newTestIntersector(t)
	w, _ := singleTriangleWorld()
	require.NoError(t, x.SetWorld(w))

	rays := uploadRays(t, dev, []Ray{NewRay(mgl32.Vec3{0, -1.0 / 3, 0}, mgl32.Vec3{0, 0, 1})})
	hits := resultBuffer(t, dev, HitSize)

	gate := device.NewEvent()
	ev, err := x.QueryIntersection(0, rays, 1, hits, gate)
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)
	assert.False(t, ev.Signaled(), "query must not run before its wait event fires")

	gate.Signal()
	ev.Wait()
	assert.NotEqual(t, MissID, readHits(t, dev, hits, 1)[0].ShapeID)
}

func TestQueryBeforeSetWorld(t *testing.T) {
	dev, x := newTestIntersector(t)
	rays := uploadRays(t, dev, []Ray{NewRay(mgl32.Vec3{}, mgl32.Vec3{0, 0, 1})})
	hits := resultBuffer(t, dev, HitSize)

	_, err := x.QueryIntersection(0, rays, 1, hits, nil)
	assert.ErrorIs(t, err, ErrNotPreprocessed)
	_, err = x.QueryOcclusion(0, rays, 1, hits, nil)
	assert.ErrorIs(t, err, ErrNotPreprocessed)
}

func TestShortResultBuffer(t *testing.T) {
	dev, x := newTestIntersector(t)
	w, _ := singleTriangleWorld()
	require.NoError(t, x.SetWorld(w))

	rays := uploadRays(t, dev, []Ray{
		NewRay(mgl32.Vec3{}, mgl32.Vec3{0, 0, 1}),
		NewRay(mgl32.Vec3{}, mgl32.Vec3{0, 0, 1}),
	})
	short := resultBuffer(t, dev, HitSize)

	_, err := x.QueryIntersection(0, rays, 2, short, nil)
	assert.ErrorIs(t, err, ErrShortBuffer)
}

func TestIsCompatible(t *testing.T) {
	planeWorld := NewWorld()
	planeWorld.Attach(NewPlane(mgl32.Vec3{0, 0, 1}, mgl32.Vec3{0, 0, -1}))

	_, bvhX := newTestIntersector(t, WithBackend(BackendBVH))
	_, bruteX := newTestIntersector(t, WithBackend(BackendBrute))

	assert.False(t, bvhX.IsCompatible(planeWorld), "unbounded primitives cannot enter a bounding hierarchy")
	assert.True(t, bruteX.IsCompatible(planeWorld))
	assert.False(t, bvhX.IsCompatible(nil))

	err := bvhX.SetWorld(planeWorld)
	assert.ErrorIs(t, err, ErrIncompatibleWorld)

	// A failed SetWorld leaves the intersector un-preprocessed.
	dev := device.NewHost(1)
	defer dev.Close()
	rays := uploadRays(t, dev, []Ray{NewRay(mgl32.Vec3{}, mgl32.Vec3{0, 0, 1})})
	hits := resultBuffer(t, dev, HitSize)
	_, err = bvhX.QueryIntersection(0, rays, 1, hits, nil)
	assert.ErrorIs(t, err, ErrNotPreprocessed)
}

func TestBruteBackendHandlesPlanes(t *testing.T) {
	dev, x := newTestIntersector(t, WithBackend(BackendBrute))
	w := NewWorld()
	plane := NewPlane(mgl32.Vec3{0, 0, 4}, mgl32.Vec3{0, 0, -1})
	w.Attach(plane)
	require.NoError(t, x.SetWorld(w))

	rays := uploadRays(t, dev, []Ray{NewRay(mgl32.Vec3{}, mgl32.Vec3{0, 0, 1})})
	hits := resultBuffer(t, dev, HitSize)
	ev, err := x.QueryIntersection(0, rays, 1, hits, nil)
	require.NoError(t, err)
	ev.Wait()

	got := readHits(t, dev, hits, 1)[0]
	assert.Equal(t, plane.ID(), got.ShapeID)
	assert.InDelta(t, 4.0, got.T, 1e-4)
}

func TestSupportsAndUnsupportedProtocols(t *testing.T) {
	_, bvhX := newTestIntersector(t, WithBackend(BackendBVH))
	dev, bruteX := newTestIntersector(t, WithBackend(BackendBrute))

	assert.True(t, bvhX.Supports(CapIntersection))
	assert.True(t, bvhX.Supports(CapOcclusion))
	assert.True(t, bvhX.Supports(CapOccluded2DSumLinear2))
	assert.True(t, bvhX.Supports(CapOccluded2DCellString))

	assert.True(t, bruteX.Supports(CapIntersection))
	assert.False(t, bruteX.Supports(CapOccluded2DSumLinear2))
	assert.False(t, bruteX.Supports(CapOccluded2DCellString))

	require.NoError(t, bruteX.SetWorld(wallWorld()))
	buf := resultBuffer(t, dev, OcclusionSize)
	_, err := bruteX.QueryOccluded2DSumLinear2(0, buf, buf, buf, buf, buf, 1, 1, 3, buf, nil)
	assert.ErrorIs(t, err, ErrUnsupported)
	_, err = bruteX.QueryOccluded2DCellString(0, buf, buf, 1, 1, buf, 1, buf, nil)
	assert.ErrorIs(t, err, ErrUnsupported)
}

func TestScratchCounterTracksBatchSize(t *testing.T) {
	dev, x := newTestIntersector(t)
	w, _ := singleTriangleWorld()
	require.NoError(t, x.SetWorld(w))

	rays := uploadRays(t, dev, []Ray{
		NewRay(mgl32.Vec3{0, -1.0 / 3, 0}, mgl32.Vec3{0, 0, 1}),
		NewRay(mgl32.Vec3{2, 2, 0}, mgl32.Vec3{0, 0, 1}),
		NewRay(mgl32.Vec3{0, 0, 0}, mgl32.Vec3{0, 0, 1}),
	})
	hits := resultBuffer(t, dev, 3*HitSize)

	ev, err := x.QueryIntersection(0, rays, 3, hits, nil)
	require.NoError(t, err)
	ev.Wait()
	n, err := x.scratch.ReadCounter(dev, 0)
	require.NoError(t, err)
	assert.Equal(t, uint32(3), n)

	ev, err = x.QueryIntersection(0, rays, 1, hits, nil)
	require.NoError(t, err)
	ev.Wait()
	n, err = x.scratch.ReadCounter(dev, 0)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), n, "the counter is reset at the start of every query")
}

func TestCloseIsIdempotent(t *testing.T) {
	dev, x := newTestIntersector(t)
	w, _ := singleTriangleWorld()
	require.NoError(t, x.SetWorld(w))

	require.NoError(t, x.Close())
	require.NoError(t, x.Close())

	rays := uploadRays(t, dev, []Ray{NewRay(mgl32.Vec3{}, mgl32.Vec3{0, 0, 1})})
	hits := resultBuffer(t, dev, HitSize)
	_, err := x.QueryIntersection(0, rays, 1, hits, nil)
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, x.SetWorld(w), ErrClosed)
}

func TestCloseWithoutSetWorld(t *testing.T) {
	dev := device.NewHost(1)
	defer dev.Close()
	x, err := New(dev)
	require.NoError(t, err)
	require.NoError(t, x.Close())
}

func TestGPUBackendUnavailableWithoutTag(t *testing.T) {
	if GPUAvailable() {
		t.Skip("built with the wgpu tag")
	}
	dev := device.NewHost(1)
	defer dev.Close()
	_, err := New(dev, WithBackend(BackendGPU))
	assert.ErrorIs(t, err, ErrGPUUnavailable)
}

func TestNewWithBackendBindsScratch(t *testing.T) {
	dev := device.NewHost(1)
	defer dev.Close()

	backend := newBVHBackend(dev, &device.Scratch{}, NewNopLogger(), 4)
	x := NewWithBackend(dev, backend)
	defer x.Close()

	w, _ := singleTriangleWorld()
	require.NoError(t, x.SetWorld(w))
	assert.NotNil(t, x.scratch.Counter(0), "the backend's counter lands in the intersector's arena")

	rays := uploadRays(t, dev, []Ray{NewRay(mgl32.Vec3{0, -1.0 / 3, 0}, mgl32.Vec3{0, 0, 1})})
	hits := resultBuffer(t, dev, HitSize)
	ev, err := x.QueryIntersection(0, rays, 1, hits, nil)
	require.NoError(t, err)
	ev.Wait()
	assert.NotEqual(t, MissID, readHits(t, dev, hits, 1)[0].ShapeID)
}
