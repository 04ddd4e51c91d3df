// Package simulated provides in-process sensors: an observer walking along a
// fixed bearing and a compass turning at a constant rate.
package simulated

import (
	"context"
	"sync"
	"time"

	"github.com/signalsfoundry/target-bearing/core"
	"github.com/signalsfoundry/target-bearing/internal/sensor"
	"github.com/signalsfoundry/target-bearing/model"
	"github.com/signalsfoundry/target-bearing/timectrl"
)

// Walker is a LocationWatcher that reports an observer moving from Start
// along BearingDegrees at SpeedMps. Each watch starts from Start again.
type Walker struct {
	Start          model.Coordinate
	BearingDegrees float64
	SpeedMps       float64
	// Interval between fixes; defaults to one second.
	Interval time.Duration
	// Accuracy reported with every fix, in metres.
	Accuracy float64
	Clock    timectrl.Clock
}

// Watch emits one fix immediately and then one per Interval until cancel is
// called.
func (w *Walker) Watch(_ sensor.WatchOptions, onFix func(model.PositionSample), _ func(error)) (func(), error) {
	if onFix == nil {
		return func() {}, nil
	}
	interval := w.Interval
	if interval <= 0 {
		interval = time.Second
	}
	clock := w.Clock
	if clock == nil {
		clock = timectrl.SystemClock{}
	}

	began := clock.Now()
	emit := func(now time.Time) {
		walked := w.SpeedMps * now.Sub(began).Seconds()
		speed := w.SpeedMps
		course := w.BearingDegrees
		at := w.Start
		if walked != 0 {
			at = core.Destination(w.Start, w.BearingDegrees, walked)
		}
		onFix(model.PositionSample{
			Coordinate: at,
			Timestamp:  now,
			Accuracy:   w.Accuracy,
			Speed:      &speed,
			Course:     &course,
		})
	}

	emit(began)
	loop := timectrl.NewLoop(interval, func(time.Time) { emit(clock.Now()) })
	loop.Start()
	return loop.Stop, nil
}

// Compass is an OrientationSource whose heading turns at DegreesPerSecond
// from Initial. When Alpha is set it reports only the alpha angle, like a
// platform without a compass heading field.
type Compass struct {
	Initial          float64
	DegreesPerSecond float64
	Interval         time.Duration
	Alpha            bool
	Clock            timectrl.Clock
}

// Subscribe delivers an event immediately and then one per Interval.
func (c *Compass) Subscribe(handler func(sensor.OrientationEvent)) (func(), error) {
	if handler == nil {
		return func() {}, nil
	}
	interval := c.Interval
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	clock := c.Clock
	if clock == nil {
		clock = timectrl.SystemClock{}
	}

	began := clock.Now()
	emit := func(now time.Time) {
		heading := core.NormalizeDegrees(c.Initial + c.DegreesPerSecond*now.Sub(began).Seconds())
		ev := sensor.OrientationEvent{Timestamp: now, Absolute: !c.Alpha}
		if c.Alpha {
			ev.Alpha = &heading
		} else {
			ev.CompassHeading = &heading
		}
		handler(ev)
	}

	emit(began)
	loop := timectrl.NewLoop(interval, func(time.Time) { emit(clock.Now()) })
	loop.Start()
	return loop.Stop, nil
}

// Permission answers orientation permission prompts with a fixed state.
type Permission struct {
	mu    sync.Mutex
	State sensor.PermissionState
	Err   error
	calls int
}

// RequestPermission returns the configured state and error.
func (p *Permission) RequestPermission(ctx context.Context) (sensor.PermissionState, error) {
	if err := ctx.Err(); err != nil {
		return sensor.PermissionDenied, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	return p.State, p.Err
}

// Calls reports how many prompts were shown.
func (p *Permission) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}
