// Package shaders embeds the WGSL kernel sources for the GPU backend.
package shaders

import (
	_ "embed"
)

//go:embed intersect.wgsl
var IntersectWGSL string

//go:embed occlude.wgsl
var OccludeWGSL string
