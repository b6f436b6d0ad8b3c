package rhi

import (
	"image"

	xdraw "golang.org/x/image/draw"

	"github.com/gogpu/rhi/internal/parallel"
)

// generateMips returns levels RGBA images, level 0 being src scaled to
// width x height. Every further level is filtered from level 0 on the
// worker pool.
func generateMips(workers *parallel.Pool, src image.Image, width, height, levels uint32) []*image.RGBA {
	out := make([]*image.RGBA, max(levels, 1))

	base := image.NewRGBA(image.Rect(0, 0, int(width), int(height)))
	sb := src.Bounds()
	if sb.Dx() == int(width) && sb.Dy() == int(height) {
		xdraw.Copy(base, image.Point{}, src, sb, xdraw.Src, nil)
	} else {
		xdraw.CatmullRom.Scale(base, base.Bounds(), src, sb, xdraw.Src, nil)
	}
	out[0] = base

	workers.Run(len(out)-1, func(i int) {
		level := uint32(i + 1) //nolint:gosec // bounded by the mip count
		w, h := max(width>>level, 1), max(height>>level, 1)
		dst := image.NewRGBA(image.Rect(0, 0, int(w), int(h)))
		xdraw.BiLinear.Scale(dst, dst.Bounds(), base, base.Bounds(), xdraw.Src, nil)
		out[level] = dst
	})
	return out
}
