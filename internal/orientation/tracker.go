// Package orientation turns a device-orientation event stream into a
// single-slot stream of compass headings, gated by the platform permission
// prompt.
package orientation

import (
	"context"
	"fmt"
	"math"
	"sync"

	"go.opentelemetry.io/otel/attribute"

	"github.com/signalsfoundry/target-bearing/core"
	"github.com/signalsfoundry/target-bearing/internal/logging"
	"github.com/signalsfoundry/target-bearing/internal/observability"
	"github.com/signalsfoundry/target-bearing/internal/sensor"
	"github.com/signalsfoundry/target-bearing/internal/slot"
	"github.com/signalsfoundry/target-bearing/model"
	"github.com/signalsfoundry/target-bearing/timectrl"
)

// Tracker holds at most one orientation subscription.
type Tracker struct {
	source  sensor.OrientationSource
	perms   sensor.PermissionRequester
	log     logging.Logger
	metrics sensor.Recorder
	clock   timectrl.Clock

	latest *slot.Latest[model.HeadingSample]

	mu          sync.Mutex
	granted     bool
	gen         uint64
	active      bool
	unsubscribe func()
}

// Option customises a Tracker.
type Option func(*Tracker)

// WithLogger sets the tracker logger.
func WithLogger(l logging.Logger) Option {
	return func(t *Tracker) {
		if l != nil {
			t.log = l
		}
	}
}

// WithRecorder attaches a metrics recorder.
func WithRecorder(r sensor.Recorder) Option {
	return func(t *Tracker) {
		if r != nil {
			t.metrics = r
		}
	}
}

// WithClock sets the clock used to stamp events without a timestamp.
func WithClock(c timectrl.Clock) Option {
	return func(t *Tracker) {
		if c != nil {
			t.clock = c
		}
	}
}

// New constructs a stopped tracker. perms may be nil on platforms that do
// not gate orientation events behind a prompt; permission is then implicitly
// granted. A nil source makes Start fail with sensor.ErrSensorUnavailable.
func New(source sensor.OrientationSource, perms sensor.PermissionRequester, opts ...Option) *Tracker {
	t := &Tracker{
		source:  source,
		perms:   perms,
		log:     logging.Noop(),
		metrics: sensor.NopRecorder{},
		clock:   timectrl.SystemClock{},
		latest:  slot.New[model.HeadingSample](),
		granted: perms == nil,
	}
	for _, opt := range opts {
		opt(t)
	}
	t.log = t.log.With(logging.String("sensor", string(sensor.Orientation)))
	return t
}

// RequestPermission shows the platform prompt and reports whether access was
// granted. Without a permission requirement it returns true. On platforms
// that tie the prompt to a user gesture the caller must invoke it from such
// a gesture; the tracker cannot check that.
func (t *Tracker) RequestPermission(ctx context.Context) bool {
	if t.perms == nil {
		return true
	}

	ctx, span := observability.StartSpan(ctx, "orientation.RequestPermission")
	defer span.End()

	state, err := t.perms.RequestPermission(ctx)
	granted := err == nil && state == sensor.PermissionGranted

	t.mu.Lock()
	t.granted = granted
	t.mu.Unlock()

	span.SetAttributes(attribute.String("permission", state.String()))
	switch {
	case err != nil:
		span.RecordError(err)
		t.metrics.ObserveError(sensor.Orientation, sensor.KindPermissionDenied)
		t.log.Warn(ctx, "orientation permission request failed", logging.Err(err))
	case !granted:
		t.metrics.ObserveError(sensor.Orientation, sensor.KindPermissionDenied)
		t.log.Warn(ctx, "orientation permission refused", logging.String("state", state.String()))
	default:
		t.log.Info(ctx, "orientation permission granted")
	}
	return granted
}

// Granted reports the outcome of the last permission request.
func (t *Tracker) Granted() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.granted
}

// Start subscribes to orientation events. It fails with
// sensor.ErrPermissionDenied unless permission was granted first. Starting
// again replaces the current subscription.
func (t *Tracker) Start() error {
	ctx := context.Background()

	t.mu.Lock()
	if !t.granted {
		t.mu.Unlock()
		return sensor.NewError(sensor.Orientation, sensor.ErrPermissionDenied)
	}
	if t.source == nil {
		t.mu.Unlock()
		err := sensor.NewError(sensor.Orientation, sensor.ErrSensorUnavailable)
		t.metrics.ObserveError(sensor.Orientation, err.Kind)
		return err
	}
	prev := t.unsubscribe
	t.unsubscribe = nil
	t.gen++
	gen := t.gen
	t.active = true
	t.mu.Unlock()

	if prev != nil {
		prev()
	}

	unsubscribe, err := t.source.Subscribe(func(ev sensor.OrientationEvent) { t.handleEvent(gen, ev) })
	if err != nil {
		t.mu.Lock()
		if t.gen == gen {
			t.active = false
			t.latest.Clear()
		}
		t.mu.Unlock()

		serr := sensor.NewError(sensor.Orientation, err)
		t.metrics.ObserveError(sensor.Orientation, serr.Kind)
		t.log.Warn(ctx, "orientation listener failed to start", logging.Err(err))
		return fmt.Errorf("subscribe orientation: %w", serr)
	}

	t.mu.Lock()
	if t.gen != gen {
		t.mu.Unlock()
		if unsubscribe != nil {
			unsubscribe()
		}
		return nil
	}
	t.unsubscribe = unsubscribe
	t.mu.Unlock()

	t.metrics.SetSensorActive(sensor.Orientation, true)
	t.log.Info(ctx, "orientation listener started")
	return nil
}

// Stop removes the listener and clears the latest heading. It is safe to call
// when not started.
func (t *Tracker) Stop() {
	t.mu.Lock()
	if !t.active {
		t.mu.Unlock()
		return
	}
	unsubscribe := t.unsubscribe
	t.unsubscribe = nil
	t.gen++
	t.active = false
	t.latest.Clear()
	t.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
	t.metrics.SetSensorActive(sensor.Orientation, false)
	t.log.Info(context.Background(), "orientation listener stopped")
}

// Active reports whether a subscription is held.
func (t *Tracker) Active() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.active
}

// Latest returns the most recent heading without blocking.
func (t *Tracker) Latest() (model.HeadingSample, bool) {
	return t.latest.Get()
}

// Next returns the current heading or waits for the next one.
func (t *Tracker) Next(ctx context.Context) (model.HeadingSample, error) {
	return t.latest.Wait(ctx)
}

func (t *Tracker) handleEvent(gen uint64, ev sensor.OrientationEvent) {
	h, ok := HeadingFromEvent(ev)
	if !ok {
		// A transient null read must not blank a valid heading.
		return
	}
	if h.Timestamp.IsZero() {
		h.Timestamp = t.clock.Now()
	}

	t.mu.Lock()
	if gen != t.gen || !t.active {
		t.mu.Unlock()
		return
	}
	t.latest.Set(h)
	t.mu.Unlock()

	t.metrics.ObserveSample(sensor.Orientation)
}

// HeadingFromEvent extracts a heading, preferring the true-north compass
// field and falling back to the raw alpha angle. The result is normalised
// into [0,360). ok is false when the event carries neither.
func HeadingFromEvent(ev sensor.OrientationEvent) (model.HeadingSample, bool) {
	if v := ev.CompassHeading; v != nil && *v >= 0 && !math.IsNaN(*v) && !math.IsInf(*v, 0) {
		return model.HeadingSample{
			Degrees:   core.NormalizeDegrees(*v),
			Source:    model.HeadingSourceCompass,
			Timestamp: ev.Timestamp,
		}, true
	}
	if v := ev.Alpha; v != nil && !math.IsNaN(*v) && !math.IsInf(*v, 0) {
		return model.HeadingSample{
			Degrees:   core.NormalizeDegrees(*v),
			Source:    model.HeadingSourceAlpha,
			Timestamp: ev.Timestamp,
		}, true
	}
	return model.HeadingSample{}, false
}
