// Package reid matches person patches against a bounded appearance gallery
// so counted directions survive track loss. Embeddings are hand-rolled
// color and gradient statistics, cheap enough to run per first sighting.
package reid

import (
	"image"
	"math"

	xdraw "golang.org/x/image/draw"
	"gonum.org/v1/gonum/floats"
)

const (
	patchWidth  = 64
	patchHeight = 128

	colorBins = 16
	gradBins  = 9

	// 3 HSV histograms + gradient histogram + 3 region means + aspect ratio
	embedDim = 3*colorBins + gradBins + 9 + 1
)

// Crop extracts the observation patch from the frame, clamped to the frame
// bounds. Returns nil when the clamped box is empty.
func Crop(frame image.Image, bbox [4]float64) image.Image {
	b := frame.Bounds()
	x1 := clamp(int(bbox[0]), b.Min.X, b.Max.X)
	y1 := clamp(int(bbox[1]), b.Min.Y, b.Max.Y)
	x2 := clamp(int(bbox[2]), b.Min.X, b.Max.X)
	y2 := clamp(int(bbox[3]), b.Min.Y, b.Max.Y)

	if x2 <= x1 || y2 <= y1 {
		return nil
	}

	rect := image.Rect(x1, y1, x2, y2)
	if si, ok := frame.(interface {
		SubImage(image.Rectangle) image.Image
	}); ok {
		return si.SubImage(rect)
	}

	dst := image.NewRGBA(image.Rect(0, 0, rect.Dx(), rect.Dy()))
	xdraw.Copy(dst, image.Point{}, frame, rect, xdraw.Src, nil)
	return dst
}

// Embed computes the unit-norm appearance embedding for a person patch:
// HSV color histograms, a magnitude-weighted gradient orientation
// histogram, mean color over three vertical thirds (clothing regions), and
// the patch aspect ratio. Deterministic for a given patch.
func Embed(patch image.Image) []float64 {
	if patch == nil {
		return nil
	}
	pb := patch.Bounds()
	if pb.Dx() <= 0 || pb.Dy() <= 0 {
		return nil
	}

	// Resize to a standard size so the histograms are comparable
	norm := image.NewRGBA(image.Rect(0, 0, patchWidth, patchHeight))
	xdraw.ApproxBiLinear.Scale(norm, norm.Bounds(), patch, pb, xdraw.Src, nil)

	v := make([]float64, 0, embedDim)
	v = append(v, hsvHistograms(norm)...)
	v = append(v, gradientHistogram(norm)...)
	v = append(v, regionMeans(norm)...)

	// Aspect ratio of the original patch, scaled up so it carries weight
	v = append(v, float64(pb.Dy())/math.Max(float64(pb.Dx()), 1)*10)

	if n := floats.Norm(v, 2); n > 0 {
		floats.Scale(1/n, v)
	}
	return v
}

// Cosine returns the cosine similarity of two embeddings.
func Cosine(a, b []float64) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	na, nb := floats.Norm(a, 2), floats.Norm(b, 2)
	if na == 0 || nb == 0 {
		return 0
	}
	return floats.Dot(a, b) / (na * nb)
}

// hsvHistograms builds 16-bin histograms over hue, saturation and value.
// Hue uses the halved 0-180 range so bin boundaries match common CV usage.
func hsvHistograms(img *image.RGBA) []float64 {
	hist := make([]float64, 3*colorBins)
	b := img.Bounds()

	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			i := img.PixOffset(x, y)
			h, s, val := rgbToHSV(img.Pix[i], img.Pix[i+1], img.Pix[i+2])

			hBin := int(h / 2 / (180.0 / colorBins))
			sBin := int(s / (256.0 / colorBins))
			vBin := int(val / (256.0 / colorBins))

			hist[min(hBin, colorBins-1)]++
			hist[colorBins+min(sBin, colorBins-1)]++
			hist[2*colorBins+min(vBin, colorBins-1)]++
		}
	}
	return hist
}

// gradientHistogram builds a 9-bin orientation histogram weighted by
// gradient magnitude, over the grayscale patch.
func gradientHistogram(img *image.RGBA) []float64 {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()

	gray := make([]float64, w*h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			i := img.PixOffset(b.Min.X+x, b.Min.Y+y)
			r, g, bl := float64(img.Pix[i]), float64(img.Pix[i+1]), float64(img.Pix[i+2])
			gray[y*w+x] = 0.299*r + 0.587*g + 0.114*bl
		}
	}

	at := func(x, y int) float64 {
		x = clamp(x, 0, w-1)
		y = clamp(y, 0, h-1)
		return gray[y*w+x]
	}

	hist := make([]float64, gradBins)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			gx := at(x+1, y) - at(x-1, y)
			gy := at(x, y+1) - at(x, y-1)

			mag := math.Hypot(gx, gy)
			if mag == 0 {
				continue
			}
			angle := math.Atan2(gy, gx) * 180 / math.Pi
			if angle < 0 {
				angle += 360
			}
			bin := int(angle / (360.0 / gradBins))
			hist[min(bin, gradBins-1)] += mag
		}
	}
	return hist
}

// regionMeans returns the mean RGB color of the upper, middle and lower
// thirds of the patch.
func regionMeans(img *image.RGBA) []float64 {
	b := img.Bounds()
	h := b.Dy()
	cuts := [4]int{0, h / 3, 2 * h / 3, h}

	means := make([]float64, 0, 9)
	for r := 0; r < 3; r++ {
		var sumR, sumG, sumB, n float64
		for y := b.Min.Y + cuts[r]; y < b.Min.Y+cuts[r+1]; y++ {
			for x := b.Min.X; x < b.Max.X; x++ {
				i := img.PixOffset(x, y)
				sumR += float64(img.Pix[i])
				sumG += float64(img.Pix[i+1])
				sumB += float64(img.Pix[i+2])
				n++
			}
		}
		if n == 0 {
			n = 1
		}
		means = append(means, sumR/n, sumG/n, sumB/n)
	}
	return means
}

// rgbToHSV converts to hue in degrees [0,360) and saturation/value in [0,255].
func rgbToHSV(r, g, b uint8) (float64, float64, float64) {
	rf, gf, bf := float64(r)/255, float64(g)/255, float64(b)/255

	max := math.Max(rf, math.Max(gf, bf))
	min := math.Min(rf, math.Min(gf, bf))
	delta := max - min

	var h float64
	switch {
	case delta == 0:
		h = 0
	case max == rf:
		h = 60 * math.Mod((gf-bf)/delta, 6)
	case max == gf:
		h = 60 * ((bf-rf)/delta + 2)
	default:
		h = 60 * ((rf-gf)/delta + 4)
	}
	if h < 0 {
		h += 360
	}

	var s float64
	if max > 0 {
		s = delta / max
	}
	return h, s * 255, max * 255
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
