package domain

import (
	"fmt"
	"math"
)

// Tree is a single detected tree crown.
type Tree struct {
	ID            string  `json:"id"`
	Location      Point   `json:"location"`
	Height        float64 `json:"height"`         // meters, canopy height at the peak
	CrownArea     float64 `json:"crown_area"`     // square meters
	CrownDiameter float64 `json:"crown_diameter"` // meters
}

// NewTree builds a tree record from segmentation outputs. The crown diameter
// assumes a circular crown, a documented approximation kept for continuity
// with downstream consumers.
func NewTree(index int, location Point, height, crownArea float64) Tree {
	diameter := 2 * math.Sqrt(crownArea/math.Pi)
	return Tree{
		ID:            fmt.Sprintf("tree_%d", index),
		Location:      Point{X: round2(location.X), Y: round2(location.Y)},
		Height:        round2(height),
		CrownArea:     round2(crownArea),
		CrownDiameter: round2(diameter),
	}
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
