package segmentation

import "container/heap"

// floodItem orders the flooding queue: strongest canopy first (smallest
// negated value), FIFO among equals.
type floodItem struct {
	value float64
	seq   int64
	index int
}

type floodQueue []floodItem

func (q floodQueue) Len() int { return len(q) }

func (q floodQueue) Less(i, j int) bool {
	if q[i].value != q[j].value {
		return q[i].value < q[j].value
	}
	return q[i].seq < q[j].seq
}

func (q floodQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }

func (q *floodQueue) Push(x any) { *q = append(*q, x.(floodItem)) }

func (q *floodQueue) Pop() any {
	old := *q
	n := len(old)
	item := old[n-1]
	*q = old[:n-1]
	return item
}

// watershedLabels partitions masked cells into one region per peak by
// priority-flooding the negated surface with 4-connected growth. Label i+1
// belongs to peaks[i]; cells outside the mask keep label 0.
func watershedLabels(surface []float64, width, height int, peaks []peak, mask []bool) []int32 {
	labels := make([]int32, len(surface))
	q := make(floodQueue, 0, len(peaks))
	var seq int64
	push := func(idx int) {
		heap.Push(&q, floodItem{value: -surface[idx], seq: seq, index: idx})
		seq++
	}

	for i, p := range peaks {
		idx := p.row*width + p.col
		if !mask[idx] || labels[idx] != 0 {
			continue
		}
		labels[idx] = int32(i + 1)
		push(idx)
	}

	for q.Len() > 0 {
		item := heap.Pop(&q).(floodItem)
		label := labels[item.index]
		row, col := item.index/width, item.index%width

		neighbors := [4]int{-1, -1, -1, -1}
		if col > 0 {
			neighbors[0] = item.index - 1
		}
		if col < width-1 {
			neighbors[1] = item.index + 1
		}
		if row > 0 {
			neighbors[2] = item.index - width
		}
		if row < height-1 {
			neighbors[3] = item.index + width
		}
		for _, n := range neighbors {
			if n < 0 || !mask[n] || labels[n] != 0 {
				continue
			}
			labels[n] = label
			push(n)
		}
	}
	return labels
}
