package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/signalsfoundry/target-bearing/internal/bearing"
	"github.com/signalsfoundry/target-bearing/internal/logging"
	"github.com/signalsfoundry/target-bearing/internal/orientation"
	"github.com/signalsfoundry/target-bearing/internal/position"
	"github.com/signalsfoundry/target-bearing/internal/sensor/simulated"
	"github.com/signalsfoundry/target-bearing/model"
)

// walk describes one offline run.
type walk struct {
	Target      model.Coordinate
	Start       model.Coordinate
	Bearing     float64
	Speed       float64
	CompassRate float64
	ArcSpan     int
	Duration    time.Duration
	Tick        time.Duration
	FixInterval time.Duration
}

// reading is one printed line.
type reading struct {
	Elapsed  string  `json:"elapsed"`
	Lat      float64 `json:"lat"`
	Lon      float64 `json:"lon"`
	Bearing  float64 `json:"bearing_deg"`
	Distance float64 `json:"distance_m"`
	Heading  float64 `json:"heading_deg"`
	Rotation float64 `json:"rotation_deg"`
	Visible  bool    `json:"within_visible_range"`
}

func main() {
	target := flag.String("target", model.DefaultTarget.String(), `Target as "lat, lon"`)
	start := flag.String("start", "45.1802, 5.7486", `Observer start as "lat, lon"`)
	bearingDeg := flag.Float64("bearing", 315, "Walking direction in degrees")
	speed := flag.Float64("speed", 50, "Walking speed in m/s (fast, to see movement)")
	compassRate := flag.Float64("compass-rate", 30, "Compass rotation in degrees per second")
	arcSpan := flag.Int("arc-span", model.DefaultArcSpan, "Indicator arc span in degrees")
	duration := flag.Duration("duration", 5*time.Second, "Total simulated walk duration")
	tick := flag.Duration("tick", 250*time.Millisecond, "Reading print interval")
	flag.Parse()

	w := walk{
		Bearing:     *bearingDeg,
		Speed:       *speed,
		CompassRate: *compassRate,
		ArcSpan:     *arcSpan,
		Duration:    *duration,
		Tick:        *tick,
		FixInterval: 100 * time.Millisecond,
	}
	var err error
	if w.Target, err = model.ParseCoordinate(*target); err != nil {
		fmt.Fprintf(os.Stderr, "-target: %v\n", err)
		os.Exit(2)
	}
	if w.Start, err = model.ParseCoordinate(*start); err != nil {
		fmt.Fprintf(os.Stderr, "-start: %v\n", err)
		os.Exit(2)
	}

	log := logging.NewFromEnv()
	if err := simulate(context.Background(), w, log, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "simulation failed: %v\n", err)
		os.Exit(1)
	}
}

// simulate walks the observer through the real trackers and controller and
// prints one JSON reading per tick.
func simulate(ctx context.Context, w walk, log logging.Logger, out io.Writer) error {
	display := model.DefaultDisplayOptions()
	display.ArcSpan = w.ArcSpan

	pos := position.New(&simulated.Walker{
		Start:          w.Start,
		BearingDegrees: w.Bearing,
		SpeedMps:       w.Speed,
		Interval:       w.FixInterval,
	}, position.WithLogger(log))
	orient := orientation.New(&simulated.Compass{DegreesPerSecond: w.CompassRate, Interval: w.FixInterval}, nil,
		orientation.WithLogger(log))

	ctrl := bearing.New(pos, orient, bearing.WithLogger(log), bearing.WithTickInterval(w.Tick))
	if err := ctrl.SetTarget(w.Target, display); err != nil {
		return err
	}
	if err := ctrl.Initialize(ctx); err != nil {
		return err
	}
	defer ctrl.Teardown()

	enc := json.NewEncoder(out)
	began := time.Now()
	ticker := time.NewTicker(w.Tick)
	defer ticker.Stop()
	deadline := time.After(w.Duration)

	if err := ctrl.StartTracking(); err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline:
			return nil
		case <-ticker.C:
			res, ok := ctrl.Result()
			if !ok {
				continue
			}
			if err := enc.Encode(reading{
				Elapsed:  time.Since(began).Round(time.Millisecond).String(),
				Lat:      res.Position.Lat,
				Lon:      res.Position.Lon,
				Bearing:  res.BearingDegrees,
				Distance: res.DistanceMeters,
				Heading:  res.HeadingDegrees,
				Rotation: res.RotationDegrees,
				Visible:  res.WithinVisibleRange,
			}); err != nil {
				return err
			}
		}
	}
}
