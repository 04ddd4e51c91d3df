package model

import "time"

// PositionSample is one fix reported by a location watcher.
type PositionSample struct {
	Coordinate Coordinate
	Timestamp  time.Time

	// Accuracy is the horizontal accuracy radius in metres; 0 when unknown.
	Accuracy float64
	// Altitude in metres and its accuracy, both optional.
	Altitude         *float64
	AltitudeAccuracy *float64
	// Speed (m/s) and course (degrees) as reported by the platform, optional.
	Speed  *float64
	Course *float64
}

// HeadingSource records which orientation field produced a heading.
type HeadingSource int

const (
	// HeadingSourceCompass is a true-north compass heading field.
	HeadingSourceCompass HeadingSource = iota
	// HeadingSourceAlpha is the raw orientation alpha angle.
	HeadingSourceAlpha
)

func (s HeadingSource) String() string {
	switch s {
	case HeadingSourceCompass:
		return "compass"
	case HeadingSourceAlpha:
		return "alpha"
	default:
		return "unknown"
	}
}

// HeadingSample is a compass heading in degrees, in [0,360).
type HeadingSample struct {
	Degrees   float64
	Source    HeadingSource
	Timestamp time.Time
}
