package oven

import "math"

// Calibration maps raw sensor values to temperatures: (raw - Offset) / Scale.
type Calibration struct {
	Offset float64
	Scale  float64
}

// Identity leaves raw readings untouched.
var Identity = Calibration{Offset: 0, Scale: 1}

// Reference points used when calibrating in ice water and boiling water.
const (
	IcePointF     = 32.0
	BoilingPointF = 212.0
)

func (c Calibration) Validate() error {
	if math.IsNaN(c.Offset) || math.IsInf(c.Offset, 0) {
		return ErrInvalidCalibration
	}
	if math.IsNaN(c.Scale) || math.IsInf(c.Scale, 0) || c.Scale == 0 {
		return ErrInvalidCalibration
	}
	return nil
}

// Apply converts a raw sensor value. An invalid calibration passes the value
// through unchanged.
func (c Calibration) Apply(raw float64) float64 {
	if c.Validate() != nil {
		return raw
	}
	return (raw - c.Offset) / c.Scale
}

// ComputeCalibration derives offset and scale from two raw readings taken at
// known reference temperatures.
func ComputeCalibration(rawIce, rawBoiling, idealIce, idealBoiling float64) (Calibration, error) {
	span := idealBoiling - idealIce
	if span == 0 || math.IsNaN(span) || math.IsInf(span, 0) {
		return Calibration{}, ErrInvalidCalibration
	}
	scale := (rawBoiling - rawIce) / span
	c := Calibration{
		Offset: rawIce - idealIce*scale,
		Scale:  scale,
	}
	if err := c.Validate(); err != nil {
		return Calibration{}, err
	}
	return c, nil
}
