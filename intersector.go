package prism

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"sync"

	"github.com/google/uuid"

	"github.com/prismrt/prism/device"
)

// Capability identifies one query protocol an intersector may support.
// Nearest-hit and occlusion are mandatory for every backend; the structured
// 2D occlusion protocols are optional and must be probed with Supports
// before use.
type Capability uint32

const (
	CapIntersection Capability = 1 << iota
	CapOcclusion
	CapOccluded2DSumLinear2
	CapOccluded2DCellString
)

// Backend is the extension surface a concrete acceleration-structure family
// implements. All ray counts arrive in the normalized dynamic form: a device
// buffer holding the count, bounded by maxRays. Fixed-count queries are
// routed through the same form with the constant wrapped in a throwaway
// device buffer.
//
// A backend must never read or write past maxRays records even when the
// device-resident count is corrupted; the bound is a safety contract, not a
// hint.
type Backend interface {
	Name() string

	// Compatible reports whether this family can index every shape kind in
	// the world. Pure; called any number of times, in any state.
	Compatible(w *World) bool

	// Process builds the acceleration index. Scratch counters may be
	// allocated here.
	Process(w *World) error

	// Intersect dispatches the nearest-hit kernel: one HitSize record per
	// ray into hits, in ray order.
	Intersect(queue int, rays, numRays device.Buffer, maxRays uint32, hits device.Buffer, wait *device.Event) (*device.Event, error)

	// Occluded dispatches the any-hit kernel: one OcclusionSize record per
	// ray into hits, in ray order.
	Occluded(queue int, rays, numRays device.Buffer, maxRays uint32, hits device.Buffer, wait *device.Event) (*device.Event, error)
}

// SumLinear2Occluder is implemented by backends that support the structured
// multi-origin × multi-direction occlusion protocol. The ray for origin i
// and direction j is synthesized device-side as
//
//	origin = origins[i]
//	dir    = directions[j]*koefs[j] + offsetDirs[j]*offsetKoefs[j]
//
// and tested for occlusion over t ∈ [0, 1], so the combined vector spans the
// whole segment. Results land at hits[i*numDirections+j].
type SumLinear2Occluder interface {
	Occluded2DSumLinear2(queue int, origins, directions, koefs, offsetDirs, offsetKoefs, numOrigins, numDirections device.Buffer, directionsStride, maxRays uint32, hits device.Buffer, wait *device.Event) (*device.Event, error)
}

// CellStringOccluder is implemented by backends that support cell-string
// grouped occlusion. cellStrings is a prefix table of numCellStrings+1
// uint32 entries partitioning origin indices into traversal-coherent groups;
// grouping affects only traversal order, never the result layout, which
// matches SumLinear2: hits[i*numDirections+j], occlusion over t ∈ [0, 1] of
// directions[j] from origins[i].
type CellStringOccluder interface {
	Occluded2DCellString(queue int, origins, directions, numOrigins, numDirections, cellStrings, numCellStrings device.Buffer, maxRays uint32, hits device.Buffer, wait *device.Event) (*device.Event, error)
}

// Intersector answers batched ray queries against one world through one
// backend. Construct with New, preprocess with SetWorld, then query. The
// intersector owns its scratch counters and nothing else: the device, the
// world and every rays/hits/event buffer stay with the caller.
//
// SetWorld must not run concurrently with in-flight queries on the same
// instance; queries against an unchanged index may run concurrently across
// queue indices.
type Intersector struct {
	id      string
	dev     device.Device
	backend Backend
	scratch *device.Scratch
	log     Logger

	mu           sync.Mutex
	preprocessed bool
	closed       bool
}

func newIntersector(dev device.Device, backend Backend, log Logger) *Intersector {
	if log == nil {
		log = NewNopLogger()
	}
	return &Intersector{
		id:      uuid.NewString()[:8],
		dev:     dev,
		backend: backend,
		scratch: &device.Scratch{},
		log:     log,
	}
}

// BackendName identifies the acceleration-structure family in use.
func (x *Intersector) BackendName() string { return x.backend.Name() }

// Supports reports whether the backend implements the given protocol.
// Nearest-hit and occlusion are always available.
func (x *Intersector) Supports(c Capability) bool {
	switch c {
	case CapIntersection, CapOcclusion:
		return true
	case CapOccluded2DSumLinear2:
		_, ok := x.backend.(SumLinear2Occluder)
		return ok
	case CapOccluded2DCellString:
		_, ok := x.backend.(CellStringOccluder)
		return ok
	}
	return false
}

// IsCompatible reports whether the backend can index every shape in w. Pure
// and repeatable; callable before SetWorld. The base policy rejects unknown
// shape kinds before delegating to the backend.
func (x *Intersector) IsCompatible(w *World) bool {
	if w == nil {
		return false
	}
	for t := range w.ShapeTypes() {
		if t == 0 || t >= shapeTypeEnd {
			return false
		}
	}
	return x.backend.Compatible(w)
}

// SetWorld builds (or rebuilds, replacing any prior index) the acceleration
// structure for w. Construction cost is expected to dwarf a single query and
// to amortize over many. On error the intersector is left un-preprocessed
// and no partial index is queryable.
func (x *Intersector) SetWorld(w *World) error {
	x.mu.Lock()
	if x.closed {
		x.mu.Unlock()
		return ErrClosed
	}
	x.preprocessed = false
	x.mu.Unlock()

	if !x.IsCompatible(w) {
		return ErrIncompatibleWorld
	}

	x.log.Infof("intersector %s: building %s index over %d shapes (%d primitives)",
		x.id, x.backend.Name(), len(w.Shapes()), w.PrimCount())
	if err := x.backend.Process(w); err != nil {
		return fmt.Errorf("prism: preprocess: %w", err)
	}

	x.mu.Lock()
	x.preprocessed = true
	x.mu.Unlock()
	return nil
}

// QueryIntersection asynchronously computes the nearest hit for numRays rays
// read from rays, writing one HitSize record per ray into hits in ray order.
// It returns the completion event immediately; device-side execution starts
// only after wait (when non-nil) is signaled. The calling goroutine is never
// blocked on device work.
func (x *Intersector) QueryIntersection(queue int, rays device.Buffer, numRays uint32, hits device.Buffer, wait *device.Event) (*device.Event, error) {
	if err := x.queryable(numRays, hits, HitSize); err != nil {
		return nil, err
	}
	cnt, err := x.constCount(numRays)
	if err != nil {
		return nil, err
	}
	ev, err := x.backend.Intersect(queue, rays, cnt, numRays, hits, wait)
	return finish(ev, err, cnt)
}

// QueryOcclusion is QueryIntersection's cheaper sibling: one OcclusionSize
// record per ray, reporting only whether anything blocks the segment.
func (x *Intersector) QueryOcclusion(queue int, rays device.Buffer, numRays uint32, hits device.Buffer, wait *device.Event) (*device.Event, error) {
	if err := x.queryable(numRays, hits, OcclusionSize); err != nil {
		return nil, err
	}
	cnt, err := x.constCount(numRays)
	if err != nil {
		return nil, err
	}
	ev, err := x.backend.Occluded(queue, rays, cnt, numRays, hits, wait)
	return finish(ev, err, cnt)
}

// QueryIntersectionIndirect is QueryIntersection with a device-resident ray
// count, for batches produced by earlier device stages. The count is read at
// dispatch time and hard-clamped to maxRays: records past the clamp are
// never read or written, whatever the buffer claims.
func (x *Intersector) QueryIntersectionIndirect(queue int, rays, numRays device.Buffer, maxRays uint32, hits device.Buffer, wait *device.Event) (*device.Event, error) {
	if err := x.queryable(maxRays, hits, HitSize); err != nil {
		return nil, err
	}
	return x.backend.Intersect(queue, rays, numRays, maxRays, hits, wait)
}

// QueryOcclusionIndirect is QueryOcclusion with a device-resident ray count.
func (x *Intersector) QueryOcclusionIndirect(queue int, rays, numRays device.Buffer, maxRays uint32, hits device.Buffer, wait *device.Event) (*device.Event, error) {
	if err := x.queryable(maxRays, hits, OcclusionSize); err != nil {
		return nil, err
	}
	return x.backend.Occluded(queue, rays, numRays, maxRays, hits, wait)
}

// QueryOccluded2DSumLinear2 runs the structured multi-origin ×
// multi-direction occlusion protocol; see SumLinear2Occluder for the ray
// synthesis rule. origins holds numOrigins packed vec3 records; directions
// and offsetDirs hold numDirections records of directionsStride float32s
// each (the first three are the vector); koefs and offsetKoefs hold one
// float32 per direction. Returns ErrUnsupported when the backend does not
// implement the protocol.
func (x *Intersector) QueryOccluded2DSumLinear2(queue int, origins, directions, koefs, offsetDirs, offsetKoefs device.Buffer, numOrigins, numDirections, directionsStride uint32, hits device.Buffer, wait *device.Event) (*device.Event, error) {
	occ, ok := x.backend.(SumLinear2Occluder)
	if !ok {
		return nil, ErrUnsupported
	}
	total, err := pairCount(numOrigins, numDirections)
	if err != nil {
		return nil, err
	}
	if err := x.queryable(total, hits, OcclusionSize); err != nil {
		return nil, err
	}
	no, err := x.constCount(numOrigins)
	if err != nil {
		return nil, err
	}
	nd, err := x.constCount(numDirections)
	if err != nil {
		no.Release()
		return nil, err
	}
	ev, err := occ.Occluded2DSumLinear2(queue, origins, directions, koefs, offsetDirs, offsetKoefs, no, nd, directionsStride, total, hits, wait)
	return finish(ev, err, no, nd)
}

// QueryOccluded2DCellString runs the cell-string grouped occlusion protocol;
// see CellStringOccluder. origins and directions hold packed vec3 records;
// cellStrings holds numCellStrings+1 uint32 prefix entries over origin
// indices. Returns ErrUnsupported when the backend does not implement the
// protocol.
func (x *Intersector) QueryOccluded2DCellString(queue int, origins, directions device.Buffer, numOrigins, numDirections uint32, cellStrings device.Buffer, numCellStrings uint32, hits device.Buffer, wait *device.Event) (*device.Event, error) {
	occ, ok := x.backend.(CellStringOccluder)
	if !ok {
		return nil, ErrUnsupported
	}
	total, err := pairCount(numOrigins, numDirections)
	if err != nil {
		return nil, err
	}
	if err := x.queryable(total, hits, OcclusionSize); err != nil {
		return nil, err
	}
	no, err := x.constCount(numOrigins)
	if err != nil {
		return nil, err
	}
	nd, err := x.constCount(numDirections)
	if err != nil {
		no.Release()
		return nil, err
	}
	ns, err := x.constCount(numCellStrings)
	if err != nil {
		no.Release()
		nd.Release()
		return nil, err
	}
	ev, err := occ.Occluded2DCellString(queue, origins, directions, no, nd, cellStrings, ns, total, hits, wait)
	return finish(ev, err, no, nd, ns)
}

// Close releases the scratch counters and tears down the backend when it
// holds resources of its own. Queries and SetWorld fail afterwards. Safe to
// call more than once; outstanding queries must have completed.
func (x *Intersector) Close() error {
	x.mu.Lock()
	if x.closed {
		x.mu.Unlock()
		return nil
	}
	x.closed = true
	x.preprocessed = false
	x.mu.Unlock()
	x.scratch.Release()
	var err error
	if c, ok := x.backend.(io.Closer); ok {
		err = c.Close()
	}
	x.log.Debugf("intersector %s: closed", x.id)
	return err
}

// queryable gates every query: the instance must be open and preprocessed,
// and the result buffer must hold one record per declared/maximum ray.
func (x *Intersector) queryable(maxRays uint32, hits device.Buffer, recordSize int) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.closed {
		return ErrClosed
	}
	if !x.preprocessed {
		return ErrNotPreprocessed
	}
	if hits == nil || hits.Size() < int(maxRays)*recordSize {
		return ErrShortBuffer
	}
	return nil
}

// pairCount multiplies a structured query's origin and direction counts in
// uint64, so the product of two in-range counts cannot silently wrap the
// capacity check and the maxRays bound.
func pairCount(numOrigins, numDirections uint32) (uint32, error) {
	total := uint64(numOrigins) * uint64(numDirections)
	if total > math.MaxUint32 {
		return 0, ErrBatchTooLarge
	}
	return uint32(total), nil
}

// constCount wraps a caller-known constant in a throwaway device buffer so
// fixed-count queries flow through the same dynamic-count form the backends
// implement.
func (x *Intersector) constCount(v uint32) (device.Buffer, error) {
	buf, err := x.dev.CreateBuffer(4)
	if err != nil {
		return nil, fmt.Errorf("prism: count buffer: %w", err)
	}
	var raw [4]byte
	binary.LittleEndian.PutUint32(raw[:], v)
	if err := x.dev.Write(buf, 0, raw[:]); err != nil {
		buf.Release()
		return nil, fmt.Errorf("prism: count buffer: %w", err)
	}
	return buf, nil
}

// finish ties the lifetime of throwaway buffers to the query's completion
// event without blocking the caller.
func finish(ev *device.Event, err error, tmp ...device.Buffer) (*device.Event, error) {
	if err != nil {
		for _, b := range tmp {
			b.Release()
		}
		return nil, err
	}
	go func() {
		<-ev.Done()
		for _, b := range tmp {
			b.Release()
		}
	}()
	return ev, nil
}
