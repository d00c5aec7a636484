package model

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/gif"
	"image/jpeg"
	"image/png"
)

// jpegQuality matches the quality used when re-encoding blurred output.
const jpegQuality = 95

// decodeImage decodes image bytes and reports the detected format
// ("jpeg", "png", "gif").
func decodeImage(data []byte) (image.Image, string, error) {
	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrDecode, err)
	}
	return img, format, nil
}

// encodeImage re-encodes in the given format, falling back to JPEG for
// formats without an encoder.
func encodeImage(img image.Image, format string) ([]byte, error) {
	var buf bytes.Buffer
	var err error
	switch format {
	case "png":
		err = png.Encode(&buf, img)
	case "gif":
		err = gif.Encode(&buf, img, nil)
	default:
		err = jpeg.Encode(&buf, img, &jpeg.Options{Quality: jpegQuality})
	}
	if err != nil {
		return nil, fmt.Errorf("image encode failed: %w", err)
	}
	return buf.Bytes(), nil
}

// blurRegions returns a copy of src with a box blur applied inside each
// region. Boxes are [x1, y1, x2, y2] pixel coordinates and are clamped to
// the image bounds.
func blurRegions(src image.Image, boxes [][4]float64) image.Image {
	bounds := src.Bounds()
	dst := image.NewRGBA(bounds)
	draw.Draw(dst, bounds, src, bounds.Min, draw.Src)

	for _, box := range boxes {
		r := clampRect(box, bounds)
		if r.Empty() {
			continue
		}
		// Radius scales with region size so small faces still smear.
		radius := min(r.Dx(), r.Dy()) / 8
		if radius < 4 {
			radius = 4
		}
		boxBlur(dst, r, radius)
		boxBlur(dst, r, radius)
	}
	return dst
}

func clampRect(box [4]float64, bounds image.Rectangle) image.Rectangle {
	r := image.Rect(int(box[0]), int(box[1]), int(box[2]), int(box[3]))
	return r.Intersect(bounds)
}

// boxBlur applies a separable box blur of the given radius inside r,
// sampling clamped to the region so face pixels never bleed outward.
func boxBlur(img *image.RGBA, r image.Rectangle, radius int) {
	w, h := r.Dx(), r.Dy()
	if w == 0 || h == 0 {
		return
	}

	tmp := make([][4]int, w*h)

	// Horizontal pass.
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			var sum [4]int
			count := 0
			for dx := -radius; dx <= radius; dx++ {
				sx := clampInt(x+dx, 0, w-1)
				c := img.RGBAAt(r.Min.X+sx, r.Min.Y+y)
				sum[0] += int(c.R)
				sum[1] += int(c.G)
				sum[2] += int(c.B)
				sum[3] += int(c.A)
				count++
			}
			for i := range sum {
				sum[i] /= count
			}
			tmp[y*w+x] = sum
		}
	}

	// Vertical pass.
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			var sum [4]int
			count := 0
			for dy := -radius; dy <= radius; dy++ {
				sy := clampInt(y+dy, 0, h-1)
				p := tmp[sy*w+x]
				for i := range sum {
					sum[i] += p[i]
				}
				count++
			}
			img.SetRGBA(r.Min.X+x, r.Min.Y+y, rgba8(
				sum[0]/count, sum[1]/count, sum[2]/count, sum[3]/count,
			))
		}
	}
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func rgba8(r, g, b, a int) color.RGBA {
	return color.RGBA{R: uint8(r), G: uint8(g), B: uint8(b), A: uint8(a)}
}
