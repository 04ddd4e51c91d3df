// Package bearing owns a tracking session: the target, the two sensor
// trackers and the periodic recompute that turns their latest readings into
// a bearing, a distance and an indicator rotation.
package bearing

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/signalsfoundry/target-bearing/core"
	"github.com/signalsfoundry/target-bearing/internal/logging"
	"github.com/signalsfoundry/target-bearing/internal/observability"
	"github.com/signalsfoundry/target-bearing/internal/sensor"
	"github.com/signalsfoundry/target-bearing/model"
	"github.com/signalsfoundry/target-bearing/timectrl"
)

// DefaultTickInterval is the recompute period while tracking.
const DefaultTickInterval = 50 * time.Millisecond

// State is the controller lifecycle state.
type State int

const (
	// StateIdle has no session and no sensors running.
	StateIdle State = iota
	// StateInitialized has sensors running and the display frozen.
	StateInitialized
	// StateTracking recomputes on every tick.
	StateTracking
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateInitialized:
		return "initialized"
	case StateTracking:
		return "tracking"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// PositionSource is the slice of position.Tracker the controller uses.
type PositionSource interface {
	Start(onError func(error)) error
	Stop()
	Latest() (model.PositionSample, bool)
	Next(ctx context.Context) (model.PositionSample, error)
}

// HeadingSource is the slice of orientation.Tracker the controller uses.
type HeadingSource interface {
	RequestPermission(ctx context.Context) bool
	Start() error
	Stop()
	Latest() (model.HeadingSample, bool)
}

// MetricsRecorder receives recompute outcomes.
type MetricsRecorder interface {
	ObserveRecompute(outcome string, took time.Duration, bearing, distance, rotation, heading float64)
	SetTracking(on bool)
}

type nopMetrics struct{}

func (nopMetrics) ObserveRecompute(string, time.Duration, float64, float64, float64, float64) {}
func (nopMetrics) SetTracking(bool)                                                          {}

// Status is a point-in-time view of the session.
type Status struct {
	State     State
	SessionID string
	Tracking  bool
	// LastError is the user-facing message of the most recent sensor
	// failure, or "".
	LastError string
}

// Controller drives one tracking session at a time.
//
// Lifecycle calls (Initialize, StartTracking, StopTracking, Teardown) are
// serialised against each other. Recompute and the read methods may be
// called from any goroutine.
type Controller struct {
	position PositionSource
	heading  HeadingSource
	log      logging.Logger
	metrics  MetricsRecorder
	clock    timectrl.Clock
	tick     time.Duration

	life sync.Mutex

	mu         sync.Mutex
	state      State
	coord      model.Coordinate
	hasTarget  bool
	display    model.DisplayOptions
	session    uint64
	sessionID  string
	sessCancel context.CancelFunc
	loop       *timectrl.Loop
	priming    sync.WaitGroup

	result    model.BearingResult
	hasResult bool
	// lastHeading is the last heading used for a rotation.
	lastHeading float64
	headingSeen bool
	lastErr     string

	subs    map[int]chan model.BearingResult
	nextSub int
}

// Option customises a Controller.
type Option func(*Controller)

// WithLogger sets the controller logger.
func WithLogger(l logging.Logger) Option {
	return func(c *Controller) {
		if l != nil {
			c.log = l
		}
	}
}

// WithMetrics attaches a metrics recorder.
func WithMetrics(m MetricsRecorder) Option {
	return func(c *Controller) {
		if m != nil {
			c.metrics = m
		}
	}
}

// WithClock sets the clock used to stamp results.
func WithClock(clk timectrl.Clock) Option {
	return func(c *Controller) {
		if clk != nil {
			c.clock = clk
		}
	}
}

// WithTickInterval sets the recompute period used while tracking.
func WithTickInterval(d time.Duration) Option {
	return func(c *Controller) {
		if d > 0 {
			c.tick = d
		}
	}
}

// WithTarget presets the target. It is validated by Initialize.
func WithTarget(spec model.TargetSpec) Option {
	return func(c *Controller) {
		c.coord = spec.Coordinate
		c.display = spec.Display
		c.hasTarget = true
	}
}

// New builds an idle controller over the two trackers.
func New(position PositionSource, heading HeadingSource, opts ...Option) *Controller {
	c := &Controller{
		position: position,
		heading:  heading,
		log:      logging.Noop(),
		metrics:  nopMetrics{},
		clock:    timectrl.SystemClock{},
		tick:     DefaultTickInterval,
		display:  model.DefaultDisplayOptions(),
		subs:     make(map[int]chan model.BearingResult),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetTarget validates and stores a new target. On error the previous target
// is kept. It does not start sensors and is allowed in any state.
func (c *Controller) SetTarget(coord model.Coordinate, display model.DisplayOptions) error {
	spec := model.TargetSpec{Coordinate: coord, Display: display}
	if err := spec.Validate(); err != nil {
		return fmt.Errorf("set target: %w", err)
	}

	c.mu.Lock()
	c.coord = coord
	c.display = display
	c.hasTarget = true
	c.mu.Unlock()

	c.log.Info(context.Background(), "target set",
		logging.String("target", coord.String()),
		logging.Int("arc_span", display.ArcSpan),
	)
	return nil
}

// SetTargetText parses "lat, lon" and stores it with the current display
// options. Unparsable input leaves the target untouched.
func (c *Controller) SetTargetText(text string) error {
	coord, err := model.ParseCoordinate(text)
	if err != nil {
		return fmt.Errorf("set target: %w", err)
	}
	c.mu.Lock()
	display := c.display
	c.mu.Unlock()
	return c.SetTarget(coord, display)
}

// IncreaseArcSpan widens the indicator arc by one step and returns the new span.
func (c *Controller) IncreaseArcSpan() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.display = c.display.IncreaseArcSpan()
	return c.display.ArcSpan
}

// DecreaseArcSpan narrows the indicator arc by one step and returns the new span.
func (c *Controller) DecreaseArcSpan() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.display = c.display.DecreaseArcSpan()
	return c.display.ArcSpan
}

// Target returns the stored target, if any.
func (c *Controller) Target() (model.TargetSpec, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return model.TargetSpec{Coordinate: c.coord, Display: c.display}, c.hasTarget
}

// Initialize starts the sensors and opens a session. Only a position failure
// is returned; a refused or missing compass leaves the heading absent and is
// reported through Status. One recompute runs as soon as the first fix
// arrives.
func (c *Controller) Initialize(ctx context.Context) error {
	c.life.Lock()
	defer c.life.Unlock()

	c.mu.Lock()
	state := c.state
	spec := model.TargetSpec{Coordinate: c.coord, Display: c.display}
	hasTarget := c.hasTarget
	c.mu.Unlock()

	if state != StateIdle {
		return fmt.Errorf("initialize in %s: %w", state, ErrInvalidState)
	}
	if !hasTarget {
		return ErrNoTarget
	}
	if err := spec.Validate(); err != nil {
		return fmt.Errorf("initialize: %w", err)
	}

	sessionID := logging.NewSessionID()
	sessCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	sessCtx, log := logging.WithSessionLogger(logging.ContextWithSessionID(sessCtx, sessionID), c.log)

	ctx, span := observability.StartSpan(ctx, "bearing.Initialize",
		attribute.String("session.id", sessionID),
		attribute.String("target", spec.Coordinate.String()),
	)
	defer span.End()

	if err := c.position.Start(c.onPositionError); err != nil {
		cancel()
		span.RecordError(err)
		c.mu.Lock()
		c.lastErr = UserMessage(err)
		c.mu.Unlock()
		log.Warn(ctx, "position tracker failed to start", logging.Err(err))
		return fmt.Errorf("initialize: %w", err)
	}

	lastErr := ""
	if !c.heading.RequestPermission(ctx) {
		err := sensor.NewError(sensor.Orientation, sensor.ErrPermissionDenied)
		lastErr = UserMessage(err)
		log.Warn(ctx, "compass permission not granted; heading stays absent")
	} else if err := c.heading.Start(); err != nil {
		lastErr = UserMessage(err)
		log.Warn(ctx, "compass failed to start; heading stays absent", logging.Err(err))
	}

	c.mu.Lock()
	c.state = StateInitialized
	c.session++
	c.sessionID = sessionID
	c.sessCancel = cancel
	c.lastErr = lastErr
	c.priming.Add(1)
	c.mu.Unlock()

	go c.prime(sessCtx)

	log.Info(ctx, "session initialized", logging.String("target", spec.Coordinate.String()))
	return nil
}

// prime waits for the first fix of the session and computes one reading.
func (c *Controller) prime(ctx context.Context) {
	defer c.priming.Done()
	if _, err := c.position.Next(ctx); err != nil {
		return
	}
	c.Recompute()
}

// StartTracking starts the periodic recompute. It is a no-op when already
// tracking.
func (c *Controller) StartTracking() error {
	c.life.Lock()
	defer c.life.Unlock()

	c.mu.Lock()
	switch c.state {
	case StateTracking:
		c.mu.Unlock()
		return nil
	case StateIdle:
		c.mu.Unlock()
		return fmt.Errorf("start tracking: %w", ErrInvalidState)
	}
	loop := timectrl.NewLoop(c.tick, func(time.Time) { c.Recompute() })
	c.loop = loop
	c.state = StateTracking
	c.mu.Unlock()

	loop.Start()
	c.metrics.SetTracking(true)
	c.log.Info(context.Background(), "tracking started", logging.Duration("tick", loop.Period()))
	return nil
}

// StopTracking stops the periodic recompute. The displayed rotation stays at
// the last heading used; bearing and distance still refresh on Recompute.
func (c *Controller) StopTracking() error {
	c.life.Lock()
	defer c.life.Unlock()

	c.mu.Lock()
	switch c.state {
	case StateInitialized:
		c.mu.Unlock()
		return nil
	case StateIdle:
		c.mu.Unlock()
		return fmt.Errorf("stop tracking: %w", ErrInvalidState)
	}
	loop := c.loop
	c.loop = nil
	c.state = StateInitialized
	c.mu.Unlock()

	// The loop callback takes c.mu, so stop it unlocked.
	if loop != nil {
		loop.Stop()
	}
	c.metrics.SetTracking(false)
	c.log.Info(context.Background(), "tracking stopped")
	return nil
}

// Recompute reads the latest position and heading and publishes a fresh
// reading. Without a position or an open session nothing changes and ok is
// false.
func (c *Controller) Recompute() (model.BearingResult, bool) {
	began := time.Now()

	pos, ok := c.position.Latest()
	if !ok {
		c.metrics.ObserveRecompute(observability.OutcomeNoPosition, time.Since(began), 0, 0, 0, 0)
		return model.BearingResult{}, false
	}
	live, liveOK := c.heading.Latest()

	c.mu.Lock()
	if !c.hasTarget || c.state == StateIdle {
		c.mu.Unlock()
		return model.BearingResult{}, false
	}
	session := c.session
	target := c.coord
	display := c.display
	frozen := c.state != StateTracking && c.hasResult
	heading, known := c.lastHeading, c.headingSeen
	if frozen {
		heading, known = c.result.HeadingDegrees, c.result.HeadingKnown
	} else if liveOK {
		heading, known = live.Degrees, true
	}
	c.mu.Unlock()

	bearing := core.BearingDegrees(pos.Coordinate, target)
	distance := core.DistanceMeters(pos.Coordinate, target)
	res := model.BearingResult{
		BearingDegrees:     bearing,
		DistanceMeters:     distance,
		RotationDegrees:    display.HalfArcSpan() + bearing - heading,
		HeadingDegrees:     heading,
		HeadingKnown:       known,
		Position:           pos.Coordinate,
		Target:             target,
		ShowDistance:       display.ShowDistance,
		WithinVisibleRange: distance <= display.VisibleWithinKm*1000,
		ComputedAt:         c.clock.Now(),
	}

	c.mu.Lock()
	if session != c.session {
		// Torn down mid-computation.
		c.mu.Unlock()
		return model.BearingResult{}, false
	}
	c.result = res
	c.hasResult = true
	if known {
		c.lastHeading = heading
		c.headingSeen = true
	}
	c.publishLocked(res)
	c.mu.Unlock()

	c.metrics.ObserveRecompute(observability.OutcomeComputed, time.Since(began),
		res.BearingDegrees, res.DistanceMeters, res.RotationDegrees, res.HeadingDegrees)
	return res, true
}

// publishLocked hands res to every subscriber, replacing any reading it has
// not consumed yet.
func (c *Controller) publishLocked(res model.BearingResult) {
	for _, ch := range c.subs {
		select {
		case ch <- res:
			continue
		default:
		}
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- res:
		default:
		}
	}
}

// Subscribe returns a channel that always holds the newest reading not yet
// received. The cancel func closes the channel; call it once.
func (c *Controller) Subscribe() (<-chan model.BearingResult, func()) {
	ch := make(chan model.BearingResult, 1)

	c.mu.Lock()
	id := c.nextSub
	c.nextSub++
	c.subs[id] = ch
	if c.hasResult {
		ch <- c.result
	}
	c.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			c.mu.Lock()
			if _, ok := c.subs[id]; ok {
				delete(c.subs, id)
				close(ch)
			}
			c.mu.Unlock()
		})
	}
}

// CloseSubscriptions closes every subscriber channel, ending their streams.
// Cancel funcs handed out earlier stay safe to call.
func (c *Controller) CloseSubscriptions() {
	c.mu.Lock()
	n := len(c.subs)
	for id, ch := range c.subs {
		delete(c.subs, id)
		close(ch)
	}
	c.mu.Unlock()
	if n > 0 {
		c.log.Info(context.Background(), "subscriptions closed", logging.Int("count", n))
	}
}

// Result returns the latest reading.
func (c *Controller) Result() (model.BearingResult, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.result, c.hasResult
}

// State returns the lifecycle state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Status returns the lifecycle state with session details.
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Status{
		State:     c.state,
		SessionID: c.sessionID,
		Tracking:  c.state == StateTracking,
		LastError: c.lastErr,
	}
}

// Position is the raw latest fix, for direct display.
func (c *Controller) Position() (model.PositionSample, bool) {
	return c.position.Latest()
}

// Heading is the raw latest heading, for direct display.
func (c *Controller) Heading() (model.HeadingSample, bool) {
	return c.heading.Latest()
}

// Teardown ends the session: the loop stops, both sensors are released and
// the reading is cleared. Calling it again is a no-op.
func (c *Controller) Teardown() {
	c.life.Lock()
	defer c.life.Unlock()

	c.mu.Lock()
	if c.state == StateIdle {
		c.mu.Unlock()
		return
	}
	sessionID := c.sessionID
	loop := c.loop
	cancel := c.sessCancel
	c.loop = nil
	c.sessCancel = nil
	c.state = StateIdle
	c.session++
	c.sessionID = ""
	c.result = model.BearingResult{}
	c.hasResult = false
	c.lastHeading = 0
	c.headingSeen = false
	c.mu.Unlock()

	ctx := logging.ContextWithSessionID(context.Background(), sessionID)
	_, span := observability.StartSpan(ctx, "bearing.Teardown", attribute.String("session.id", sessionID))
	defer span.End()

	if cancel != nil {
		cancel()
	}
	if loop != nil {
		loop.Stop()
	}
	c.priming.Wait()
	c.position.Stop()
	c.heading.Stop()
	c.metrics.SetTracking(false)

	c.log.Info(ctx, "session torn down", logging.String("session_id", sessionID))
}

func (c *Controller) onPositionError(err error) {
	msg := UserMessage(err)
	c.mu.Lock()
	c.lastErr = msg
	c.mu.Unlock()
	c.log.Warn(context.Background(), "position error", logging.String("message", msg), logging.Err(err))
}
