package model

import (
	"errors"
	"fmt"
	"time"
)

// Arc span bounds for the indicator, in degrees.
const (
	MinArcSpan     = 10
	MaxArcSpan     = 170
	ArcSpanStep    = 10
	DefaultArcSpan = 90

	DefaultVisibleWithinKm = 5.0
)

// ErrInvalidArcSpan indicates an arc span outside [MinArcSpan, MaxArcSpan].
var ErrInvalidArcSpan = errors.New("invalid arc span")

// DefaultTarget is used when no target has been configured (Grenoble, Bastille).
var DefaultTarget = Coordinate{Lat: 45.19870514996176, Lon: 5.724700785718445}

// DisplayOptions controls how a reading is presented.
type DisplayOptions struct {
	ArcSpan         int
	ShowDistance    bool
	VisibleWithinKm float64
}

// DefaultDisplayOptions returns a 90° arc with distance shown within 5 km.
func DefaultDisplayOptions() DisplayOptions {
	return DisplayOptions{
		ArcSpan:         DefaultArcSpan,
		ShowDistance:    true,
		VisibleWithinKm: DefaultVisibleWithinKm,
	}
}

// Validate checks the arc span range and step, and the visibility threshold.
func (o DisplayOptions) Validate() error {
	if o.ArcSpan < MinArcSpan || o.ArcSpan > MaxArcSpan {
		return fmt.Errorf("%w: %d not in [%d,%d]", ErrInvalidArcSpan, o.ArcSpan, MinArcSpan, MaxArcSpan)
	}
	if o.ArcSpan%ArcSpanStep != 0 {
		return fmt.Errorf("%w: %d is not a multiple of %d", ErrInvalidArcSpan, o.ArcSpan, ArcSpanStep)
	}
	if o.VisibleWithinKm < 0 {
		return fmt.Errorf("visible range %v km must not be negative", o.VisibleWithinKm)
	}
	return nil
}

// HalfArcSpan is the reference offset applied to the rotation.
func (o DisplayOptions) HalfArcSpan() float64 {
	return float64(o.ArcSpan) / 2
}

// IncreaseArcSpan widens the arc by one step, clamped at MaxArcSpan.
func (o DisplayOptions) IncreaseArcSpan() DisplayOptions {
	o.ArcSpan = clampArcSpan(o.ArcSpan + ArcSpanStep)
	return o
}

// DecreaseArcSpan narrows the arc by one step, clamped at MinArcSpan.
func (o DisplayOptions) DecreaseArcSpan() DisplayOptions {
	o.ArcSpan = clampArcSpan(o.ArcSpan - ArcSpanStep)
	return o
}

func clampArcSpan(v int) int {
	if v < MinArcSpan {
		return MinArcSpan
	}
	if v > MaxArcSpan {
		return MaxArcSpan
	}
	return v
}

// TargetSpec is the user-chosen target and how to display it.
type TargetSpec struct {
	Coordinate Coordinate
	Display    DisplayOptions
}

// Validate checks both the coordinate and display options.
func (t TargetSpec) Validate() error {
	if err := t.Coordinate.Validate(); err != nil {
		return err
	}
	return t.Display.Validate()
}

// BearingResult is the current reading handed to presentation. Only the
// latest one is kept.
type BearingResult struct {
	BearingDegrees float64
	DistanceMeters float64
	// RotationDegrees = halfArcSpan + bearing - heading. It is not clamped;
	// values outside [0,360) are valid multi-turn rotations.
	RotationDegrees float64

	HeadingDegrees float64
	HeadingKnown   bool

	Position           Coordinate
	Target             Coordinate
	ShowDistance       bool
	WithinVisibleRange bool
	ComputedAt         time.Time
}
