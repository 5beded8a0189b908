package entities

// Field represents a tract of land served by one delivery gate.
type Field struct {
	ID           string   `json:"id" yaml:"id"`                       // unique field identifier
	CropType     string   `json:"crop_type" yaml:"crop_type"`         // e.g. "rice"
	AreaHectares float64  `json:"area_hectares" yaml:"area_hectares"` // cultivated surface [ha]
	SoilType     SoilType `json:"soil_type" yaml:"soil_type"`
}

// HasGeometry reports whether the field carries enough metadata for flow estimation.
func (f Field) HasGeometry() bool {
	return f.ID != "" && f.AreaHectares > 0
}

// VolumeLiters converts a water-level change over the whole field into liters.
// 1 cm over 1 ha is 100 m3.
func (f Field) VolumeLiters(levelChangeCm float64) float64 {
	if levelChangeCm <= 0 || f.AreaHectares <= 0 {
		return 0
	}
	return levelChangeCm / 100 * f.AreaHectares * 10000 * 1000
}
