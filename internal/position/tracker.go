// Package position turns a platform location watch into a single-slot,
// always-latest stream of fixes.
package position

import (
	"context"
	"fmt"
	"sync"

	"github.com/signalsfoundry/target-bearing/internal/logging"
	"github.com/signalsfoundry/target-bearing/internal/sensor"
	"github.com/signalsfoundry/target-bearing/internal/slot"
	"github.com/signalsfoundry/target-bearing/model"
	"github.com/signalsfoundry/target-bearing/timectrl"
)

// Tracker owns at most one location watch at a time.
//
// Calling Start while a watch is active replaces it: the previous watch is
// cancelled before the new one is registered, so updates never double-fire.
// Every watch gets a generation number and callbacks carrying an old
// generation are dropped. After Stop returns, Latest stays absent even if
// the platform delivers a fix that was already in flight.
type Tracker struct {
	watcher sensor.LocationWatcher
	opts    sensor.WatchOptions
	log     logging.Logger
	metrics sensor.Recorder
	clock   timectrl.Clock

	latest *slot.Latest[model.PositionSample]

	mu       sync.Mutex
	gen      uint64
	active   bool
	cancel   func()
	watchdog *timectrl.Timer
	armed    uint64
	onError  func(error)
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

// WithClock sets the clock used to stamp fixes that arrive without a time.
func WithClock(c timectrl.Clock) Option {
	return func(t *Tracker) {
		if c != nil {
			t.clock = c
		}
	}
}

// WithWatchOptions overrides the default high-accuracy, fresh, 10s watch.
func WithWatchOptions(o sensor.WatchOptions) Option {
	return func(t *Tracker) { t.opts = o }
}

// New constructs a stopped tracker around watcher. A nil watcher models a
// platform without location support; Start then fails with
// sensor.ErrSensorUnavailable.
func New(watcher sensor.LocationWatcher, opts ...Option) *Tracker {
	t := &Tracker{
		watcher: watcher,
		opts:    sensor.DefaultWatchOptions(),
		log:     logging.Noop(),
		metrics: sensor.NopRecorder{},
		clock:   timectrl.SystemClock{},
		latest:  slot.New[model.PositionSample](),
	}
	for _, opt := range opts {
		opt(t)
	}
	t.log = t.log.With(logging.String("sensor", string(sensor.Position)))
	return t
}

// Start begins continuous observation. Platform errors are reported through
// onError (which may be nil) and clear the latest fix; none of them stop the
// tracker, so Start can be called again to retry.
func (t *Tracker) Start(onError func(error)) error {
	ctx := context.Background()

	if t.watcher == nil {
		err := sensor.NewError(sensor.Position, sensor.ErrSensorUnavailable)
		t.metrics.ObserveError(sensor.Position, err.Kind)
		t.log.Warn(ctx, "location watch not supported")
		return err
	}

	t.mu.Lock()
	prev := t.detachLocked()
	t.gen++
	gen := t.gen
	t.active = true
	t.onError = onError
	t.mu.Unlock()

	if prev != nil {
		t.log.Debug(ctx, "replacing active location watch")
		prev()
	}

	cancel, err := t.watcher.Watch(t.opts,
		func(s model.PositionSample) { t.handleFix(gen, s) },
		func(err error) { t.handleError(gen, err) },
	)
	if err != nil {
		t.mu.Lock()
		if t.gen == gen {
			t.active = false
			t.onError = nil
			t.latest.Clear()
		}
		t.mu.Unlock()

		serr := sensor.NewError(sensor.Position, err)
		t.metrics.ObserveError(sensor.Position, serr.Kind)
		t.log.Warn(ctx, "location watch failed to start", logging.Err(err))
		return fmt.Errorf("start location watch: %w", serr)
	}

	t.mu.Lock()
	if t.gen != gen {
		// Stopped or replaced while Watch was registering.
		t.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		return nil
	}
	t.cancel = cancel
	t.armWatchdogLocked(gen)
	t.mu.Unlock()

	t.metrics.SetSensorActive(sensor.Position, true)
	t.log.Info(ctx, "location watch started",
		logging.Bool("high_accuracy", t.opts.HighAccuracy),
		logging.Duration("timeout", t.opts.Timeout),
		logging.Duration("maximum_age", t.opts.MaximumAge),
	)
	return nil
}

// Stop cancels the active watch and clears the latest fix. It is a no-op
// when the tracker is not started.
func (t *Tracker) Stop() {
	t.mu.Lock()
	if !t.active {
		t.mu.Unlock()
		return
	}
	cancel := t.detachLocked()
	t.gen++
	t.active = false
	t.onError = nil
	t.latest.Clear()
	t.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	t.metrics.SetSensorActive(sensor.Position, false)
	t.log.Info(context.Background(), "location watch stopped")
}

// Active reports whether a watch is currently held.
func (t *Tracker) Active() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.active
}

// Latest returns the most recent fix without blocking.
func (t *Tracker) Latest() (model.PositionSample, bool) {
	return t.latest.Get()
}

// Next returns the current fix, or waits for the next one. It has no
// timeout of its own; the tracker's per-fix timeout surfaces through the
// error callback instead.
func (t *Tracker) Next(ctx context.Context) (model.PositionSample, error) {
	return t.latest.Wait(ctx)
}

func (t *Tracker) handleFix(gen uint64, s model.PositionSample) {
	if s.Timestamp.IsZero() {
		s.Timestamp = t.clock.Now()
	}

	t.mu.Lock()
	if gen != t.gen || !t.active {
		t.mu.Unlock()
		return
	}
	t.armWatchdogLocked(gen)
	t.latest.Set(s)
	t.mu.Unlock()

	t.metrics.ObserveSample(sensor.Position)
}

func (t *Tracker) handleError(gen uint64, err error) {
	t.fail(gen, 0, err)
}

// fail reports err for watch generation gen. A non-zero armed value marks a
// watchdog expiry, which is dropped if a fix re-armed the watchdog since.
func (t *Tracker) fail(gen, armed uint64, err error) {
	t.mu.Lock()
	if gen != t.gen || !t.active || (armed != 0 && armed != t.armed) {
		t.mu.Unlock()
		return
	}
	// Re-armed by the next fix; until then no further timeouts are raised.
	t.watchdog.Stop()
	t.watchdog = nil
	t.armed++
	t.latest.Clear()
	cb := t.onError
	t.mu.Unlock()

	serr := sensor.NewError(sensor.Position, err)
	t.metrics.ObserveError(sensor.Position, serr.Kind)
	t.log.Warn(context.Background(), "location error", logging.String("kind", string(serr.Kind)), logging.Err(err))
	if cb != nil {
		cb(serr)
	}
}

func (t *Tracker) armWatchdogLocked(gen uint64) {
	if t.opts.Timeout <= 0 {
		return
	}
	if t.watchdog != nil {
		t.watchdog.Stop()
	}
	t.armed++
	armed := t.armed
	timeout := t.opts.Timeout
	t.watchdog = timectrl.AfterFunc(timeout, func() {
		t.fail(gen, armed, fmt.Errorf("no fix within %s: %w", timeout, sensor.ErrSensorTimeout))
	})
}

// detachLocked drops the watchdog and returns the watch cancel func, which
// the caller must invoke after releasing t.mu.
func (t *Tracker) detachLocked() func() {
	t.watchdog.Stop()
	t.watchdog = nil
	t.armed++
	cancel := t.cancel
	t.cancel = nil
	return cancel
}
