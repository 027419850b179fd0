package segmentation

import (
	"math"

	"gonum.org/v1/gonum/floats"
)

// kernelTruncate bounds the Gaussian kernel at this many sigmas.
const kernelTruncate = 4.0

// gaussianKernel returns a normalized 1-D Gaussian kernel.
func gaussianKernel(sigma float64) []float64 {
	radius := int(kernelTruncate*sigma + 0.5)
	k := make([]float64, 2*radius+1)
	for i := range k {
		x := float64(i - radius)
		k[i] = math.Exp(-x * x / (2 * sigma * sigma))
	}
	floats.Scale(1/floats.Sum(k), k)
	return k
}

// gaussianSmooth blurs a row-major surface with a separable Gaussian,
// reflecting at the borders.
func gaussianSmooth(src []float64, width, height int, sigma float64) []float64 {
	kernel := gaussianKernel(sigma)
	radius := len(kernel) / 2

	tmp := make([]float64, len(src))
	for row := 0; row < height; row++ {
		base := row * width
		for col := 0; col < width; col++ {
			var acc float64
			for t, w := range kernel {
				acc += w * src[base+reflectIndex(col+t-radius, width)]
			}
			tmp[base+col] = acc
		}
	}

	out := make([]float64, len(src))
	for col := 0; col < width; col++ {
		for row := 0; row < height; row++ {
			var acc float64
			for t, w := range kernel {
				acc += w * tmp[reflectIndex(row+t-radius, height)*width+col]
			}
			out[row*width+col] = acc
		}
	}
	return out
}

// reflectIndex mirrors an out-of-range index back into [0, n), duplicating
// the edge sample: (d c b a | a b c d | d c b a).
func reflectIndex(i, n int) int {
	if n == 1 {
		return 0
	}
	for i < 0 || i >= n {
		if i < 0 {
			i = -i - 1
		}
		if i >= n {
			i = 2*n - i - 1
		}
	}
	return i
}
