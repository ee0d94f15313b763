package prism

import (
	"fmt"

	"github.com/prismrt/prism/device"
)

// BackendKind selects the acceleration-structure family at construction
// time. The choice is fixed for the intersector's lifetime.
type BackendKind int

const (
	// BackendAuto picks the BVH backend.
	BackendAuto BackendKind = iota
	// BackendBVH traverses a flat bounding-volume hierarchy on the host.
	BackendBVH
	// BackendBrute scans every primitive linearly; accepts every shape kind.
	BackendBrute
	// BackendGPU traverses the hierarchy with WGSL kernels. Only available
	// in binaries built with the wgpu tag.
	BackendGPU
)

// Option configures New.
type Option func(*config)

type config struct {
	kind     BackendKind
	logger   Logger
	leafSize int
}

// WithBackend forces a specific backend family.
func WithBackend(kind BackendKind) Option {
	return func(c *config) { c.kind = kind }
}

// WithLogger routes build and dispatch diagnostics to log. The default
// discards everything.
func WithLogger(log Logger) Option {
	return func(c *config) { c.logger = log }
}

// WithLeafSize caps the number of primitives per hierarchy leaf. Applies to
// the BVH-based backends.
func WithLeafSize(n int) Option {
	return func(c *config) { c.leafSize = n }
}

// New creates an intersector on dev. Check IsCompatible against each world
// before preprocessing it; different backends accept different shape kinds.
func New(dev device.Device, opts ...Option) (*Intersector, error) {
	cfg := config{leafSize: 4}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.logger == nil {
		cfg.logger = NewNopLogger()
	}

	x := newIntersector(dev, nil, cfg.logger)
	switch cfg.kind {
	case BackendAuto, BackendBVH:
		x.backend = newBVHBackend(dev, x.scratch, cfg.logger, cfg.leafSize)
	case BackendBrute:
		x.backend = newBruteBackend(dev, cfg.logger)
	case BackendGPU:
		gpu, err := newGPUBackend(dev, x.scratch, cfg.logger, cfg.leafSize)
		if err != nil {
			return nil, err
		}
		x.backend = gpu
	default:
		return nil, fmt.Errorf("prism: unknown backend kind %d", cfg.kind)
	}
	return x, nil
}

// ScratchBinder is implemented by backends that keep their compaction
// counters in the owning intersector's scratch arena, so the counters are
// torn down with the intersector whatever happens to the backend.
type ScratchBinder interface {
	BindScratch(*device.Scratch)
}

// NewWithBackend wraps a caller-provided backend implementation in the
// standard contract. Backends implementing ScratchBinder receive the
// intersector's scratch arena before the first call.
func NewWithBackend(dev device.Device, backend Backend, opts ...Option) *Intersector {
	cfg := config{}
	for _, opt := range opts {
		opt(&cfg)
	}
	x := newIntersector(dev, backend, cfg.logger)
	if sb, ok := backend.(ScratchBinder); ok {
		sb.BindScratch(x.scratch)
	}
	return x
}
