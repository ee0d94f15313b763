//go:build wgpu

package prism

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/cogentcore/webgpu/wgpu"

	"github.com/prismrt/prism/bvh"
	"github.com/prismrt/prism/device"
	"github.com/prismrt/prism/shaders"
)

// GPUAvailable reports whether this build carries the wgpu backend.
func GPUAvailable() bool { return true }

const triStride = 48 // Tri record in the WGSL kernels: three vec4<f32>

// gpuBackend traverses the hierarchy with WGSL compute kernels. Host-side
// queue ordering and events come from the device abstraction; the math runs
// on whatever adapter webgpu picks. Triangle meshes only.
//
// Scratch slot 0 holds the ray-count uniform, a wgpu buffer wrapped so the
// intersector's arena can tear it down with the wgpu-specific release call.
type gpuBackend struct {
	dev      device.Device
	scratch  *device.Scratch
	log      Logger
	leafSize int

	instance *wgpu.Instance
	adapter  *wgpu.Adapter
	gpu      *wgpu.Device
	queue    *wgpu.Queue

	intersectPipe *wgpu.ComputePipeline
	occludePipe   *wgpu.ComputePipeline

	nodesBuf *wgpu.Buffer
	primsBuf *wgpu.Buffer
	trisBuf  *wgpu.Buffer
	raysBuf  *wgpu.Buffer
	hitsBuf  *wgpu.Buffer
	readback *wgpu.Buffer
}

// gpuCounter adapts a wgpu buffer to the scratch arena's Buffer interface.
type gpuCounter struct {
	buf *wgpu.Buffer
}

func (c *gpuCounter) Size() int { return int(c.buf.GetSize()) }
func (c *gpuCounter) Release() { c.buf.Release() }

func newGPUBackend(dev device.Device, scratch *device.Scratch, log Logger, leafSize int) (Backend, error) {
	if leafSize <= 0 {
		leafSize = 4
	}
	g := &gpuBackend{dev: dev, scratch: scratch, log: log, leafSize: leafSize}

	g.instance = wgpu.CreateInstance(nil)
	adapter, err := g.instance.RequestAdapter(&wgpu.RequestAdapterOptions{
		PowerPreference: wgpu.PowerPreferenceHighPerformance,
	})
	if err != nil {
		g.Close()
		return nil, fmt.Errorf("%w: %v", ErrGPUUnavailable, err)
	}
	g.adapter = adapter

	g.gpu, err = adapter.RequestDevice(nil)
	if err != nil {
		g.Close()
		return nil, fmt.Errorf("%w: %v", ErrGPUUnavailable, err)
	}
	g.queue = g.gpu.GetQueue()

	g.intersectPipe, err = g.createPipeline("prism-intersect", shaders.IntersectWGSL, "intersect_rays")
	if err != nil {
		g.Close()
		return nil, err
	}
	g.occludePipe, err = g.createPipeline("prism-occlude", shaders.OccludeWGSL, "occlude_rays")
	if err != nil {
		g.Close()
		return nil, err
	}

	// Ray-count uniform; 16 bytes to satisfy uniform buffer alignment.
	params, err := g.gpu.CreateBuffer(&wgpu.BufferDescriptor{
		Label: "prism-params",
		Size:  16,
		Usage: wgpu.BufferUsageUniform | wgpu.BufferUsageCopyDst,
	})
	if err != nil {
		g.Close()
		return nil, fmt.Errorf("prism: gpu params buffer: %w", err)
	}
	g.scratch.Bind(0, &gpuCounter{buf: params}, func(b device.Buffer) {
		b.(*gpuCounter).buf.Release()
	})

	g.log.Infof("gpu backend: adapter ready")
	return g, nil
}

func (g *gpuBackend) createPipeline(label, source, entry string) (*wgpu.ComputePipeline, error) {
	module, err := g.gpu.CreateShaderModule(&wgpu.ShaderModuleDescriptor{
		Label:          label,
		WGSLDescriptor: &wgpu.ShaderModuleWGSLDescriptor{Code: source},
	})
	if err != nil {
		return nil, fmt.Errorf("prism: shader module %s: %w", label, err)
	}
	defer module.Release()

	pipe, err := g.gpu.CreateComputePipeline(&wgpu.ComputePipelineDescriptor{
		Label: label,
		Compute: wgpu.ProgrammableStageDescriptor{
			Module:     module,
			EntryPoint: entry,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("prism: pipeline %s: %w", label, err)
	}
	return pipe, nil
}

func (g *gpuBackend) Name() string { return "gpu" }

func (g *gpuBackend) BindScratch(s *device.Scratch) { g.scratch = s }

func (g *gpuBackend) Compatible(w *World) bool {
	for t := range w.ShapeTypes() {
		if t != ShapeTriangleMesh {
			return false
		}
	}
	return true
}

func (g *gpuBackend) Process(w *World) error {
	var (
		items []bvh.Item
		tris  []byte
		count int32
	)
	for _, s := range w.Shapes() {
		mesh, ok := s.(*TriangleMesh)
		if !ok {
			return fmt.Errorf("shape %d (%s) not supported by the gpu backend", s.ID(), s.Type())
		}
		for p := 0; p < mesh.PrimCount(); p++ {
			bmin, bmax, _ := mesh.PrimBounds(p)
			items = append(items, bvh.Item{
				Min:      bmin,
				Max:      bmax,
				Centroid: bmin.Add(bmax).Mul(0.5),
				Index:    count,
			})
			v0, v1, v2 := mesh.Triangle(p)
			tris = append(tris, encodeTri(v0, v1, v2, mesh.ID(), int32(p))...)
			count++
		}
	}

	tree := bvh.Build(items, g.leafSize)
	if len(tris) == 0 {
		tris = make([]byte, triStride)
	}
	primBytes := tree.PrimBytes()
	if len(primBytes) == 0 {
		primBytes = make([]byte, 4)
	}

	storage := wgpu.BufferUsageStorage | wgpu.BufferUsageCopyDst
	if err := g.ensure(&g.nodesBuf, "prism-nodes", tree.Bytes(), storage); err != nil {
		return err
	}
	if err := g.ensure(&g.primsBuf, "prism-prims", primBytes, storage); err != nil {
		return err
	}
	if err := g.ensure(&g.trisBuf, "prism-tris", tris, storage); err != nil {
		return err
	}
	g.log.Debugf("gpu backend: uploaded %d triangles, %d nodes", count, len(tree.Nodes))
	return nil
}

// encodeTri packs one triangle into the WGSL Tri layout: three vec4 with the
// shape and primitive ids bitcast into the first two w components.
func encodeTri(v0, v1, v2 [3]float32, shapeID, primID int32) []byte {
	out := make([]byte, triStride)
	put := func(off int, v [3]float32, w uint32) {
		binary.LittleEndian.PutUint32(out[off:], math.Float32bits(v[0]))
		binary.LittleEndian.PutUint32(out[off+4:], math.Float32bits(v[1]))
		binary.LittleEndian.PutUint32(out[off+8:], math.Float32bits(v[2]))
		binary.LittleEndian.PutUint32(out[off+12:], w)
	}
	put(0, v0, uint32(shapeID))
	put(16, v1, uint32(primID))
	put(32, v2, 0)
	return out
}

// ensure uploads data into *buf, reallocating when the current buffer is
// missing or too small.
func (g *gpuBackend) ensure(buf **wgpu.Buffer, label string, data []byte, usage wgpu.BufferUsage) error {
	size := uint64(len(data))
	if size%4 != 0 {
		size += 4 - size%4
	}
	if *buf == nil || (*buf).GetSize() < size {
		if *buf != nil {
			(*buf).Release()
		}
		nb, err := g.gpu.CreateBuffer(&wgpu.BufferDescriptor{
			Label: label,
			Size:  size,
			Usage: usage,
		})
		if err != nil {
			return fmt.Errorf("prism: gpu buffer %s: %w", label, err)
		}
		*buf = nb
	}
	if len(data) > 0 {
		g.queue.WriteBuffer(*buf, 0, data)
	}
	return nil
}

func (g *gpuBackend) Intersect(queue int, rays, numRays device.Buffer, maxRays uint32, hits device.Buffer, wait *device.Event) (*device.Event, error) {
	return g.dev.Submit(queue, wait, func() {
		g.runBatch(rays, numRays, maxRays, hits, true)
	})
}

func (g *gpuBackend) Occluded(queue int, rays, numRays device.Buffer, maxRays uint32, hits device.Buffer, wait *device.Event) (*device.Event, error) {
	return g.dev.Submit(queue, wait, func() {
		g.runBatch(rays, numRays, maxRays, hits, false)
	})
}

func (g *gpuBackend) runBatch(rays, numRays device.Buffer, maxRays uint32, hits device.Buffer, nearest bool) {
	recordSize := OcclusionSize
	pipe := g.occludePipe
	if nearest {
		recordSize = HitSize
		pipe = g.intersectPipe
	}

	n := readCount(g.dev, numRays)
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
	if err := g.dev.Read(rays, 0, raw); err != nil {
		g.log.Errorf("gpu backend: ray readback: %v", err)
		return
	}

	outSize := uint64(int(n) * recordSize)
	if err := g.ensure(&g.raysBuf, "prism-rays", raw, wgpu.BufferUsageStorage|wgpu.BufferUsageCopyDst); err != nil {
		g.log.Errorf("gpu backend: %v", err)
		return
	}
	if err := g.ensure(&g.hitsBuf, "prism-hits", make([]byte, outSize), wgpu.BufferUsageStorage|wgpu.BufferUsageCopySrc); err != nil {
		g.log.Errorf("gpu backend: %v", err)
		return
	}
	if g.readback == nil || g.readback.GetSize() < outSize {
		if g.readback != nil {
			g.readback.Release()
		}
		rb, err := g.gpu.CreateBuffer(&wgpu.BufferDescriptor{
			Label: "prism-readback",
			Size:  outSize,
			Usage: wgpu.BufferUsageMapRead | wgpu.BufferUsageCopyDst,
		})
		if err != nil {
			g.log.Errorf("gpu backend: readback buffer: %v", err)
			return
		}
		g.readback = rb
	}

	var params [16]byte
	binary.LittleEndian.PutUint32(params[:], n)
	counter, ok := g.scratch.Counter(0).(*gpuCounter)
	if !ok {
		g.log.Errorf("gpu backend: ray-count uniform missing")
		return
	}
	g.queue.WriteBuffer(counter.buf, 0, params[:])

	bind, err := g.gpu.CreateBindGroup(&wgpu.BindGroupDescriptor{
		Layout: pipe.GetBindGroupLayout(0),
		Entries: []wgpu.BindGroupEntry{
			{Binding: 0, Buffer: g.nodesBuf, Size: wgpu.WholeSize},
			{Binding: 1, Buffer: g.primsBuf, Size: wgpu.WholeSize},
			{Binding: 2, Buffer: g.trisBuf, Size: wgpu.WholeSize},
			{Binding: 3, Buffer: g.raysBuf, Size: wgpu.WholeSize},
			{Binding: 4, Buffer: g.hitsBuf, Size: wgpu.WholeSize},
			{Binding: 5, Buffer: counter.buf, Size: wgpu.WholeSize},
		},
	})
	if err != nil {
		g.log.Errorf("gpu backend: bind group: %v", err)
		return
	}
	defer bind.Release()

	encoder, err := g.gpu.CreateCommandEncoder(nil)
	if err != nil {
		g.log.Errorf("gpu backend: command encoder: %v", err)
		return
	}
	pass := encoder.BeginComputePass(nil)
	pass.SetPipeline(pipe)
	pass.SetBindGroup(0, bind, nil)
	pass.DispatchWorkgroups((n+63)/64, 1, 1)
	pass.End()
	encoder.CopyBufferToBuffer(g.hitsBuf, 0, g.readback, 0, outSize)
	cmd, err := encoder.Finish(nil)
	if err != nil {
		g.log.Errorf("gpu backend: encoder finish: %v", err)
		return
	}
	g.queue.Submit(cmd)
	cmd.Release()

	// Blocking readback. This runs on the queue worker, so the submitter is
	// already gone; the completion event fires once results are host-visible.
	mapped := make(chan wgpu.BufferMapAsyncStatus, 1)
	g.readback.MapAsync(wgpu.MapModeRead, 0, outSize, func(status wgpu.BufferMapAsyncStatus) {
		mapped <- status
	})
	for {
		g.gpu.Poll(true, nil)
		select {
		case status := <-mapped:
			if status != wgpu.BufferMapAsyncStatusSuccess {
				g.log.Errorf("gpu backend: readback map failed: %v", status)
				return
			}
			data := g.readback.GetMappedRange(0, uint(outSize))
			out := make([]byte, outSize)
			copy(out, data)
			g.readback.Unmap()
			if err := g.dev.Write(hits, 0, out); err != nil {
				g.log.Errorf("gpu backend: hit writeback: %v", err)
			}
			return
		default:
		}
	}
}

// Close releases all wgpu resources except the scratch-owned ray counter,
// which the intersector's arena tears down.
func (g *gpuBackend) Close() error {
	for _, buf := range []*wgpu.Buffer{g.nodesBuf, g.primsBuf, g.trisBuf, g.raysBuf, g.hitsBuf, g.readback} {
		if buf != nil {
			buf.Release()
		}
	}
	if g.intersectPipe != nil {
		g.intersectPipe.Release()
	}
	if g.occludePipe != nil {
		g.occludePipe.Release()
	}
	if g.gpu != nil {
		g.gpu.Release()
	}
	if g.adapter != nil {
		g.adapter.Release()
	}
	if g.instance != nil {
		g.instance.Release()
	}
	return nil
}
