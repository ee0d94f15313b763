// Package bvh builds and traverses a flat bounding-volume hierarchy over
// arbitrary primitives identified by index. The node layout is shared with
// the WGSL traversal kernels, so nodes encode to a fixed 64-byte record.
package bvh

import (
	"encoding/binary"
	"math"
	"sort"

	"github.com/go-gl/mathgl/mgl32"
)

// NodeSize is the encoded size of one Node in bytes.
const NodeSize = 64

// Matches WGSL BVHNode
// struct BVHNode {
//    aabb_min : vec4<f32>; (16)
//    aabb_max : vec4<f32>; (16)
//    left : i32; (4)
//    right : i32; (4)
//    leaf_first : i32; (4)
//    leaf_count : i32; (4)
//    padding : i32[2]; (8)
// }; -> 64 bytes

type Node struct {
	Min       mgl32.Vec3
	Max       mgl32.Vec3
	Left      int32
	Right     int32
	LeafFirst int32 // offset into Tree.Prims, -1 for interior nodes
	LeafCount int32
}

func (n *Node) encode(buf []byte) {
	binary.LittleEndian.PutUint32(buf[0:4], math.Float32bits(n.Min.X()))
	binary.LittleEndian.PutUint32(buf[4:8], math.Float32bits(n.Min.Y()))
	binary.LittleEndian.PutUint32(buf[8:12], math.Float32bits(n.Min.Z()))
	binary.LittleEndian.PutUint32(buf[12:16], 0)

	binary.LittleEndian.PutUint32(buf[16:20], math.Float32bits(n.Max.X()))
	binary.LittleEndian.PutUint32(buf[20:24], math.Float32bits(n.Max.Y()))
	binary.LittleEndian.PutUint32(buf[24:28], math.Float32bits(n.Max.Z()))
	binary.LittleEndian.PutUint32(buf[28:32], 0)

	binary.LittleEndian.PutUint32(buf[32:36], uint32(n.Left))
	binary.LittleEndian.PutUint32(buf[36:40], uint32(n.Right))
	binary.LittleEndian.PutUint32(buf[40:44], uint32(n.LeafFirst))
	binary.LittleEndian.PutUint32(buf[44:48], uint32(n.LeafCount))
}

// Item is one primitive to index: its bounds and the caller's index for it.
type Item struct {
	Min      mgl32.Vec3
	Max      mgl32.Vec3
	Centroid mgl32.Vec3
	Index    int32
}

// Tree is a flattened hierarchy. Prims holds primitive indices reordered so
// every leaf covers a contiguous run.
type Tree struct {
	Nodes []Node
	Prims []int32
}

// Build constructs a tree by median split along the longest centroid axis.
// Leaves hold at most leafSize primitives (minimum 1). A nil or empty item
// slice yields an empty tree whose Walk never visits anything.
func Build(items []Item, leafSize int) *Tree {
	if leafSize < 1 {
		leafSize = 1
	}
	t := &Tree{}
	if len(items) == 0 {
		return t
	}
	// Own copy: splitting sorts in place.
	work := make([]Item, len(items))
	copy(work, items)
	t.Nodes = make([]Node, 0, 2*len(items))
	t.Prims = make([]int32, 0, len(items))
	t.build(work, leafSize)
	return t
}

func (t *Tree) build(items []Item, leafSize int) int32 {
	idx := int32(len(t.Nodes))
	t.Nodes = append(t.Nodes, Node{Left: -1, Right: -1, LeafFirst: -1})

	inf := float32(math.Inf(1))
	minB := mgl32.Vec3{inf, inf, inf}
	maxB := mgl32.Vec3{-inf, -inf, -inf}
	for _, it := range items {
		minB = mgl32.Vec3{min(minB.X(), it.Min.X()), min(minB.Y(), it.Min.Y()), min(minB.Z(), it.Min.Z())}
		maxB = mgl32.Vec3{max(maxB.X(), it.Max.X()), max(maxB.Y(), it.Max.Y()), max(maxB.Z(), it.Max.Z())}
	}
	t.Nodes[idx].Min = minB
	t.Nodes[idx].Max = maxB

	if len(items) <= leafSize {
		t.Nodes[idx].LeafFirst = int32(len(t.Prims))
		t.Nodes[idx].LeafCount = int32(len(items))
		for _, it := range items {
			t.Prims = append(t.Prims, it.Index)
		}
		return idx
	}

	extent := maxB.Sub(minB)
	axis := 0
	if extent.Y() > extent.X() {
		axis = 1
	}
	if extent.Z() > extent[axis] {
		axis = 2
	}

	sort.Slice(items, func(i, j int) bool {
		return items[i].Centroid[axis] < items[j].Centroid[axis]
	})

	mid := len(items) / 2
	left := t.build(items[:mid], leafSize)
	right := t.build(items[mid:], leafSize)
	t.Nodes[idx].Left = left
	t.Nodes[idx].Right = right
	return idx
}

// Bytes encodes the node array in the WGSL layout above, one 64-byte record
// per node. An empty tree encodes to a single all-zero record so the GPU
// side always has a root to read.
func (t *Tree) Bytes() []byte {
	if len(t.Nodes) == 0 {
		return make([]byte, NodeSize)
	}
	out := make([]byte, len(t.Nodes)*NodeSize)
	for i := range t.Nodes {
		t.Nodes[i].encode(out[i*NodeSize:])
	}
	return out
}

// PrimBytes encodes the reordered primitive index array as little-endian
// uint32 values for GPU upload.
func (t *Tree) PrimBytes() []byte {
	out := make([]byte, 4*len(t.Prims))
	for i, p := range t.Prims {
		binary.LittleEndian.PutUint32(out[i*4:], uint32(p))
	}
	return out
}
