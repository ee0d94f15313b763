package prism

import (
	"encoding/binary"

	"github.com/go-gl/mathgl/mgl32"

	"github.com/prismrt/prism/device"
)

// The structured occlusion protocols expand their compact origin/direction
// representation right next to the traversal instead of making the caller
// materialize a full ray buffer per sample. Both test segment occlusion over
// t in [0, 1]: the synthesized direction vector spans the whole segment.

var _ SumLinear2Occluder = (*bvhBackend)(nil)
var _ CellStringOccluder = (*bvhBackend)(nil)

func (b *bvhBackend) Occluded2DSumLinear2(queue int, origins, directions, koefs, offsetDirs, offsetKoefs, numOrigins, numDirections device.Buffer, stride, maxRays uint32, hits device.Buffer, wait *device.Event) (*device.Event, error) {
	return b.dev.Submit(queue, wait, func() {
		b.runSumLinear2(origins, directions, koefs, offsetDirs, offsetKoefs, numOrigins, numDirections, stride, maxRays, hits)
	})
}

func (b *bvhBackend) runSumLinear2(origins, directions, koefs, offsetDirs, offsetKoefs, numOrigins, numDirections device.Buffer, stride, maxRays uint32, hits device.Buffer) {
	if err := b.scratch.ResetCounter(b.dev, 0); err != nil {
		b.log.Warnf("bvh backend: counter reset: %v", err)
	}
	if stride < 3 {
		stride = 3
	}

	no := readCount(b.dev, numOrigins)
	nd := readCount(b.dev, numDirections)
	if limit := uint32(origins.Size() / 12); no > limit {
		no = limit
	}
	for _, c := range []struct {
		buf    device.Buffer
		record int
	}{
		{directions, 4 * int(stride)},
		{offsetDirs, 4 * int(stride)},
		{koefs, 4},
		{offsetKoefs, 4},
	} {
		if limit := uint32(c.buf.Size() / c.record); nd > limit {
			nd = limit
		}
	}

	total := no * nd
	if total > maxRays {
		total = maxRays
	}
	if limit := uint32(hits.Size() / OcclusionSize); total > limit {
		total = limit
	}
	if total == 0 {
		return
	}

	org := readFloats(b.dev, origins, int(no)*3)
	dir := readFloats(b.dev, directions, int(nd)*int(stride))
	kf := readFloats(b.dev, koefs, int(nd))
	odir := readFloats(b.dev, offsetDirs, int(nd)*int(stride))
	okf := readFloats(b.dev, offsetKoefs, int(nd))
	if org == nil || dir == nil || kf == nil || odir == nil || okf == nil {
		b.log.Errorf("bvh backend: sum-linear2 input readback failed")
		return
	}

	out := make([]byte, int(total)*OcclusionSize)
	forEachChunk(int(total), func(lo, hi int) {
		for k := lo; k < hi; k++ {
			i := k / int(nd)
			j := k % int(nd)
			o := mgl32.Vec3{org[i*3], org[i*3+1], org[i*3+2]}
			dj := vec3At(dir, j, int(stride))
			oj := vec3At(odir, j, int(stride))
			d := dj.Mul(kf[j]).Add(oj.Mul(okf[j]))
			PutOcclusion(out[k*OcclusionSize:], b.anyHit(o, d, 0, 1))
		}
	})

	if err := b.dev.Write(hits, 0, out); err != nil {
		b.log.Errorf("bvh backend: sum-linear2 writeback: %v", err)
		return
	}
	b.storeCounter(total)
}

func (b *bvhBackend) Occluded2DCellString(queue int, origins, directions, numOrigins, numDirections, cellStrings, numCellStrings device.Buffer, maxRays uint32, hits device.Buffer, wait *device.Event) (*device.Event, error) {
	return b.dev.Submit(queue, wait, func() {
		b.runCellString(origins, directions, numOrigins, numDirections, cellStrings, numCellStrings, maxRays, hits)
	})
}

func (b *bvhBackend) runCellString(origins, directions, numOrigins, numDirections, cellStrings, numCellStrings device.Buffer, maxRays uint32, hits device.Buffer) {
	if err := b.scratch.ResetCounter(b.dev, 0); err != nil {
		b.log.Warnf("bvh backend: counter reset: %v", err)
	}

	no := readCount(b.dev, numOrigins)
	nd := readCount(b.dev, numDirections)
	ns := readCount(b.dev, numCellStrings)
	if limit := uint32(origins.Size() / 12); no > limit {
		no = limit
	}
	if limit := uint32(directions.Size() / 12); nd > limit {
		nd = limit
	}
	// The prefix table needs ns+1 entries; compare in uint64 so a hostile
	// count near MaxUint32 cannot wrap past the clamp.
	if limit := uint32(cellStrings.Size() / 4); uint64(ns)+1 > uint64(limit) {
		if limit == 0 {
			ns = 0
		} else {
			ns = limit - 1
		}
	}

	total := no * nd
	if total > maxRays {
		total = maxRays
	}
	if limit := uint32(hits.Size() / OcclusionSize); total > limit {
		total = limit
	}
	if total == 0 || ns == 0 {
		return
	}

	org := readFloats(b.dev, origins, int(no)*3)
	dir := readFloats(b.dev, directions, int(nd)*3)
	tabRaw := make([]byte, (int(ns)+1)*4)
	if org == nil || dir == nil || b.dev.Read(cellStrings, 0, tabRaw) != nil {
		b.log.Errorf("bvh backend: cell-string input readback failed")
		return
	}
	tab := make([]uint32, int(ns)+1)
	for i := range tab {
		tab[i] = binary.LittleEndian.Uint32(tabRaw[i*4:])
	}

	// Pairs no cell string covers stay unoccluded.
	out := make([]byte, int(total)*OcclusionSize)
	for k := uint32(0); k < total; k++ {
		PutOcclusion(out[k*OcclusionSize:], false)
	}

	// Strings run one after another; each groups origins that traverse
	// nearby cells, so the walk stays cache-coherent within a group.
	for s := uint32(0); s < ns; s++ {
		first, last := tab[s], tab[s+1]
		if last > no {
			last = no
		}
		if first >= last {
			continue
		}
		forEachChunk(int(last-first), func(lo, hi int) {
			for oi := first + uint32(lo); oi < first+uint32(hi); oi++ {
				o := mgl32.Vec3{org[oi*3], org[oi*3+1], org[oi*3+2]}
				for j := uint32(0); j < nd; j++ {
					k := oi*nd + j
					if k >= total {
						break
					}
					d := mgl32.Vec3{dir[j*3], dir[j*3+1], dir[j*3+2]}
					PutOcclusion(out[k*OcclusionSize:], b.anyHit(o, d, 0, 1))
				}
			}
		})
	}

	if err := b.dev.Write(hits, 0, out); err != nil {
		b.log.Errorf("bvh backend: cell-string writeback: %v", err)
		return
	}
	b.storeCounter(total)
}

// readFloats pulls count little-endian float32s out of a device buffer.
func readFloats(dev device.Device, buf device.Buffer, count int) []float32 {
	raw := make([]byte, count*4)
	if err := dev.Read(buf, 0, raw); err != nil {
		return nil
	}
	out := make([]float32, count)
	for i := range out {
		out[i] = getF32(raw[i*4:])
	}
	return out
}

// vec3At reads record idx from a float array with the given stride (in
// float32s); the first three components are the vector.
func vec3At(data []float32, idx, stride int) mgl32.Vec3 {
	base := idx * stride
	return mgl32.Vec3{data[base], data[base+1], data[base+2]}
}
