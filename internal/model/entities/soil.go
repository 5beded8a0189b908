package entities

import "strings"

// SoilType drives how fast standing water is lost to percolation.
type SoilType string

const (
	SoilClay      SoilType = "clay"
	SoilLoam      SoilType = "loam"
	SoilSandyLoam SoilType = "sandy_loam"
	SoilSand      SoilType = "sand"
)

// percolation losses in m3 per hour per hectare
var percolationM3PerHrPerHa = map[SoilType]float64{
	SoilClay:      1.0,
	SoilLoam:      2.0,
	SoilSandyLoam: 3.0,
	SoilSand:      4.0,
}

// PercolationRate returns the loss rate for the soil type; unknown soils behave like loam.
func (s SoilType) PercolationRate() float64 {
	key := SoilType(strings.ToLower(strings.TrimSpace(string(s))))
	if r, ok := percolationM3PerHrPerHa[key]; ok {
		return r
	}
	return percolationM3PerHrPerHa[SoilLoam]
}
