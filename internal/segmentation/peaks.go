package segmentation

import "sort"

// peak is a candidate tree top in pixel space.
type peak struct {
	col, row int
	value    float64
}

// localMaxima returns tree-top candidates: cells that equal the maximum of
// their (2d+1)² window and reach the height floor, thinned so accepted peaks
// keep more than d pixels of Euclidean separation. Strongest peaks win ties.
func localMaxima(src []float64, width, height, d int, threshold float64) []peak {
	filtered := maxFilter(src, width, height, d)

	var candidates []peak
	for row := 0; row < height; row++ {
		for col := 0; col < width; col++ {
			idx := row*width + col
			if src[idx] >= threshold && src[idx] == filtered[idx] {
				candidates = append(candidates, peak{col: col, row: row, value: src[idx]})
			}
		}
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].value != candidates[j].value {
			return candidates[i].value > candidates[j].value
		}
		if candidates[i].row != candidates[j].row {
			return candidates[i].row < candidates[j].row
		}
		return candidates[i].col < candidates[j].col
	})

	maxDistSq := d * d
	accepted := candidates[:0]
	for _, c := range candidates {
		ok := true
		for _, a := range accepted {
			dx, dy := c.col-a.col, c.row-a.row
			if dx*dx+dy*dy <= maxDistSq {
				ok = false
				break
			}
		}
		if ok {
			accepted = append(accepted, c)
		}
	}
	return accepted
}

// maxFilter computes the running maximum over a (2d+1)² window per cell,
// clamped at the borders. Separable: rows first, then columns.
func maxFilter(src []float64, width, height, d int) []float64 {
	tmp := make([]float64, len(src))
	for row := 0; row < height; row++ {
		base := row * width
		for col := 0; col < width; col++ {
			lo, hi := col-d, col+d
			if lo < 0 {
				lo = 0
			}
			if hi >= width {
				hi = width - 1
			}
			m := src[base+lo]
			for c := lo + 1; c <= hi; c++ {
				if v := src[base+c]; v > m {
					m = v
				}
			}
			tmp[base+col] = m
		}
	}

	out := make([]float64, len(src))
	for col := 0; col < width; col++ {
		for row := 0; row < height; row++ {
			lo, hi := row-d, row+d
			if lo < 0 {
				lo = 0
			}
			if hi >= height {
				hi = height - 1
			}
			m := tmp[lo*width+col]
			for r := lo + 1; r <= hi; r++ {
				if v := tmp[r*width+col]; v > m {
					m = v
				}
			}
			out[row*width+col] = m
		}
	}
	return out
}
