package imaging

import (
	"image"

	"golang.org/x/image/draw"
)

// toGray flattens src onto a white background and converts it to luminance.
// Transparent regions of screenshots therefore read as paper, not ink.
func toGray(src image.Image) *image.Gray {
	b := src.Bounds()
	gray := image.NewGray(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(gray, gray.Bounds(), image.White, image.Point{}, draw.Src)
	draw.Draw(gray, gray.Bounds(), src, b.Min, draw.Over)
	return gray
}

// medianFilter applies a 3x3 median filter, replicating edge pixels
func medianFilter(src *image.Gray) *image.Gray {
	b := src.Bounds()
	w, h := b.Dx(), b.Dy()
	dst := image.NewGray(b)
	var window [9]uint8

	at := func(x, y int) uint8 {
		x = min(max(x, 0), w-1)
		y = min(max(y, 0), h-1)
		return src.Pix[y*src.Stride+x]
	}

	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			n := 0
			for dy := -1; dy <= 1; dy++ {
				for dx := -1; dx <= 1; dx++ {
					window[n] = at(x+dx, y+dy)
					n++
				}
			}
			dst.Pix[y*dst.Stride+x] = median9(window)
		}
	}
	return dst
}

// median9 returns the middle value of a 3x3 window. The insertion sort works
// on a copy held on the stack.
func median9(w [9]uint8) uint8 {
	for i := 1; i < len(w); i++ {
		v := w[i]
		j := i - 1
		for j >= 0 && w[j] > v {
			w[j+1] = w[j]
			j--
		}
		w[j+1] = v
	}
	return w[4]
}

// stretchContrast linearly maps the [lowPct, highPct] luminance percentiles
// onto the full 0..255 range, in place. Flat images are left untouched.
func stretchContrast(img *image.Gray, lowPct, highPct float64) {
	var hist [256]int
	w, h := img.Bounds().Dx(), img.Bounds().Dy()
	total := w * h
	if total == 0 {
		return
	}
	for y := 0; y < h; y++ {
		row := img.Pix[y*img.Stride : y*img.Stride+w]
		for _, v := range row {
			hist[v]++
		}
	}

	lo := percentile(hist[:], total, lowPct)
	hi := percentile(hist[:], total, highPct)
	if hi <= lo {
		return
	}

	var lut [256]uint8
	span := float64(hi - lo)
	for v := 0; v < 256; v++ {
		switch {
		case v <= lo:
			lut[v] = 0
		case v >= hi:
			lut[v] = 255
		default:
			lut[v] = uint8(float64(v-lo)*255/span + 0.5)
		}
	}
	for y := 0; y < h; y++ {
		row := img.Pix[y*img.Stride : y*img.Stride+w]
		for i, v := range row {
			row[i] = lut[v]
		}
	}
}

// percentile returns the smallest value whose cumulative share exceeds p
func percentile(hist []int, total int, p float64) int {
	target := int(float64(total) * p)
	cum := 0
	for v, c := range hist {
		cum += c
		if cum > target {
			return v
		}
	}
	return len(hist) - 1
}
