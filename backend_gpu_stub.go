//go:build !wgpu

package prism

import "github.com/prismrt/prism/device"

// GPUAvailable reports whether this build carries the wgpu backend.
func GPUAvailable() bool { return false }

func newGPUBackend(dev device.Device, scratch *device.Scratch, log Logger, leafSize int) (Backend, error) {
	return nil, ErrGPUUnavailable
}
