package prism

import "errors"

var (
	// ErrNotPreprocessed is returned by query methods before a successful
	// SetWorld. Callers are expected to preprocess once and query many
	// times; this guards the one ordering mistake that is cheap to detect.
	ErrNotPreprocessed = errors.New("prism: no world has been preprocessed")

	// ErrIncompatibleWorld is returned by SetWorld when the world contains
	// shape kinds the backend cannot index. Check IsCompatible first.
	ErrIncompatibleWorld = errors.New("prism: world is not compatible with this backend")

	// ErrUnsupported is returned when a structured occlusion protocol is
	// queried on a backend that does not implement it. Detect support ahead
	// of time with Supports.
	ErrUnsupported = errors.New("prism: query protocol not supported by this backend")

	// ErrShortBuffer is returned when a result buffer cannot hold one record
	// per declared ray.
	ErrShortBuffer = errors.New("prism: result buffer smaller than the declared ray count")

	// ErrBatchTooLarge is returned when a structured query's origin and
	// direction counts multiply past the representable ray count.
	ErrBatchTooLarge = errors.New("prism: origin and direction counts multiply past the ray count range")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("prism: intersector is closed")

	// ErrGPUUnavailable is returned when the GPU backend is requested but
	// the binary was built without the wgpu tag or no adapter exists.
	ErrGPUUnavailable = errors.New("prism: gpu backend not available in this build")
)
