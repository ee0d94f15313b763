// prismtrace renders a small demo scene with the prism query engine and
// writes it out as a PNG. Primary rays resolve visibility through
// QueryIntersection; a second occlusion pass toward a point light casts the
// shadows. Scanlines are dispatched round-robin across device queues.
package main

import (
	"flag"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"math"
	"os"

	"github.com/go-gl/mathgl/mgl32"
	xdraw "golang.org/x/image/draw"

	"github.com/prismrt/prism"
	"github.com/prismrt/prism/device"
)

func main() {
	var (
		width   = flag.Int("width", 640, "output image width")
		height  = flag.Int("height", 480, "output image height")
		scale   = flag.Int("scale", 2, "supersampling factor")
		queues  = flag.Int("queues", 0, "device queues (0 = one per CPU)")
		backend = flag.String("backend", "bvh", "backend: bvh, brute or gpu")
		out     = flag.String("out", "prismtrace.png", "output file")
		verbose = flag.Bool("v", false, "debug logging")
	)
	flag.Parse()

	if err := run(*width, *height, *scale, *queues, *backend, *out, *verbose); err != nil {
		fmt.Fprintln(os.Stderr, "prismtrace:", err)
		os.Exit(1)
	}
}

func run(width, height, scale, queues int, backendName, out string, verbose bool) error {
	kind, err := backendKind(backendName)
	if err != nil {
		return err
	}
	log := prism.NewDefaultLogger("prismtrace", verbose)

	dev := device.NewHost(queues)
	defer dev.Close()

	x, err := prism.New(dev, prism.WithBackend(kind), prism.WithLogger(log))
	if err != nil {
		return err
	}
	defer x.Close()

	w := demoScene()
	if !x.IsCompatible(w) {
		return fmt.Errorf("%s backend cannot index the demo scene", x.BackendName())
	}
	if err := x.SetWorld(w); err != nil {
		return err
	}

	rw, rh := width*scale, height*scale
	log.Infof("rendering %dx%d on %s across %d queues", rw, rh, dev.Name(), dev.QueueCount())

	img, err := render(dev, x, rw, rh)
	if err != nil {
		return err
	}

	final := image.NewRGBA(image.Rect(0, 0, width, height))
	xdraw.CatmullRom.Scale(final, final.Bounds(), img, img.Bounds(), xdraw.Src, nil)

	f, err := os.Create(out)
	if err != nil {
		return err
	}
	defer f.Close()
	if err := png.Encode(f, final); err != nil {
		return err
	}
	log.Infof("wrote %s", out)
	return nil
}

func backendKind(name string) (prism.BackendKind, error) {
	switch name {
	case "bvh":
		return prism.BackendBVH, nil
	case "brute":
		return prism.BackendBrute, nil
	case "gpu":
		if !prism.GPUAvailable() {
			return 0, fmt.Errorf("gpu backend not built in; rebuild with -tags wgpu")
		}
		return prism.BackendGPU, nil
	default:
		return 0, fmt.Errorf("unknown backend %q", name)
	}
}

// demoScene is a floor quad, a pyramid and two spheres, all bounded so every
// backend accepts it.
func demoScene() *prism.World {
	w := prism.NewWorld()

	floor := prism.NewTriangleMesh(
		[]mgl32.Vec3{{-12, -1, -2}, {12, -1, -2}, {12, -1, 22}, {-12, -1, 22}},
		[]uint32{0, 2, 1, 0, 3, 2},
	)
	w.Attach(floor)

	apex := mgl32.Vec3{-1.5, 1.2, 8}
	base := []mgl32.Vec3{{-3, -1, 6.5}, {0, -1, 6.5}, {0, -1, 9.5}, {-3, -1, 9.5}}
	pyramid := prism.NewTriangleMesh(
		append(base, apex),
		[]uint32{0, 1, 4, 1, 2, 4, 2, 3, 4, 3, 0, 4},
	)
	w.Attach(pyramid)

	w.Attach(prism.NewSphere(mgl32.Vec3{1.6, 0, 7}, 1))
	w.Attach(prism.NewSphere(mgl32.Vec3{0.2, -0.55, 4.8}, 0.45))

	return w
}

var lightPos = mgl32.Vec3{-4, 6, 2}

func render(dev device.Device, x *prism.Intersector, width, height int) (*image.RGBA, error) {
	camPos := mgl32.Vec3{0, 0.8, 0}
	fov := float32(60 * math.Pi / 180)
	aspect := float32(width) / float32(height)
	tanHalf := float32(math.Tan(float64(fov / 2)))

	img := image.NewRGBA(image.Rect(0, 0, width, height))

	type scanline struct {
		y       int
		rays    []prism.Ray
		raysBuf device.Buffer
		hits    device.Buffer
		done    *device.Event
	}
	lines := make([]scanline, height)

	// Primary visibility, one batch per scanline.
	for y := 0; y < height; y++ {
		rays := make([]prism.Ray, width)
		for px := 0; px < width; px++ {
			u := (2*(float32(px)+0.5)/float32(width) - 1) * tanHalf * aspect
			v := (1 - 2*(float32(y)+0.5)/float32(height)) * tanHalf
			dir := mgl32.Vec3{u, v, 1}.Normalize()
			rays[px] = prism.NewRay(camPos, dir)
		}

		raysBuf, err := dev.CreateBuffer(len(rays) * prism.RaySize)
		if err != nil {
			return nil, err
		}
		if err := dev.Write(raysBuf, 0, prism.EncodeRays(rays)); err != nil {
			return nil, err
		}
		hitsBuf, err := dev.CreateBuffer(len(rays) * prism.HitSize)
		if err != nil {
			return nil, err
		}

		ev, err := x.QueryIntersection(y%dev.QueueCount(), raysBuf, uint32(width), hitsBuf, nil)
		if err != nil {
			return nil, err
		}
		lines[y] = scanline{y: y, rays: rays, raysBuf: raysBuf, hits: hitsBuf, done: ev}
	}

	// Shade each line as its batch completes, then cast one shadow batch
	// per line toward the light.
	for _, line := range lines {
		line.done.Wait()
		line.raysBuf.Release()
		raw := make([]byte, width*prism.HitSize)
		if err := dev.Read(line.hits, 0, raw); err != nil {
			return nil, err
		}
		line.hits.Release()

		hits := make([]prism.Hit, width)
		shadowRays := make([]prism.Ray, 0, width)
		shadowPix := make([]int, 0, width)
		for px := 0; px < width; px++ {
			hits[px] = prism.GetHit(raw[px*prism.HitSize:])
			if hits[px].ShapeID == prism.MissID {
				continue
			}
			point := camPos.Add(line.rays[px].Dir.Mul(hits[px].T))
			toLight := lightPos.Sub(point)
			r := prism.Ray{Origin: point, Dir: toLight, MinT: 1e-3, MaxT: 1}
			shadowRays = append(shadowRays, r)
			shadowPix = append(shadowPix, px)
		}

		shadowed := make(map[int]bool, len(shadowPix))
		if len(shadowRays) > 0 {
			sBuf, err := dev.CreateBuffer(len(shadowRays) * prism.RaySize)
			if err != nil {
				return nil, err
			}
			if err := dev.Write(sBuf, 0, prism.EncodeRays(shadowRays)); err != nil {
				return nil, err
			}
			oBuf, err := dev.CreateBuffer(len(shadowRays) * prism.OcclusionSize)
			if err != nil {
				return nil, err
			}
			ev, err := x.QueryOcclusion(line.y%dev.QueueCount(), sBuf, uint32(len(shadowRays)), oBuf, nil)
			if err != nil {
				return nil, err
			}
			ev.Wait()
			occRaw := make([]byte, len(shadowRays)*prism.OcclusionSize)
			if err := dev.Read(oBuf, 0, occRaw); err != nil {
				return nil, err
			}
			sBuf.Release()
			oBuf.Release()
			for i, px := range shadowPix {
				shadowed[px] = prism.GetOcclusion(occRaw[i*prism.OcclusionSize:])
			}
		}

		for px := 0; px < width; px++ {
			img.SetRGBA(px, line.y, shade(hits[px], shadowed[px]))
		}
	}
	return img, nil
}

// shade maps a hit to a flat per-shape color, attenuated by distance and
// darkened in shadow.
func shade(h prism.Hit, shadowed bool) color.RGBA {
	if h.ShapeID == prism.MissID {
		return color.RGBA{R: 24, G: 28, B: 40, A: 255}
	}
	palette := []color.RGBA{
		{R: 180, G: 180, B: 185, A: 255},
		{R: 200, G: 120, B: 60, A: 255},
		{R: 70, G: 140, B: 210, A: 255},
		{R: 120, G: 200, B: 110, A: 255},
	}
	c := palette[int(h.ShapeID-1)%len(palette)]

	att := 1 / (1 + 0.04*h.T*h.T)
	if shadowed {
		att *= 0.35
	}
	c.R = uint8(float32(c.R) * att)
	c.G = uint8(float32(c.G) * att)
	c.B = uint8(float32(c.B) * att)
	return c
}
