package bearing

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/signalsfoundry/target-bearing/core"
	"github.com/signalsfoundry/target-bearing/internal/sensor"
	"github.com/signalsfoundry/target-bearing/internal/slot"
	"github.com/signalsfoundry/target-bearing/model"
	"github.com/signalsfoundry/target-bearing/timectrl"
)

var (
	observer = model.Coordinate{Lat: 45.1987, Lon: 5.7248}
	target   = model.Coordinate{Lat: 45.1802, Lon: 5.7486}
)

type fakePosition struct {
	latest   *slot.Latest[model.PositionSample]
	startErr error

	mu      sync.Mutex
	starts  int
	stops   int
	onError func(error)
}

func newFakePosition() *fakePosition {
	return &fakePosition{latest: slot.New[model.PositionSample]()}
}

func (p *fakePosition) Start(onError func(error)) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.starts++
	p.onError = onError
	return p.startErr
}

func (p *fakePosition) Stop() {
	p.mu.Lock()
	p.stops++
	p.mu.Unlock()
	p.latest.Clear()
}

func (p *fakePosition) Latest() (model.PositionSample, bool) { return p.latest.Get() }

func (p *fakePosition) Next(ctx context.Context) (model.PositionSample, error) {
	return p.latest.Wait(ctx)
}

func (p *fakePosition) fix(c model.Coordinate) {
	p.latest.Set(model.PositionSample{Coordinate: c, Timestamp: time.Now()})
}

type fakeHeading struct {
	latest   *slot.Latest[model.HeadingSample]
	granted  bool
	startErr error

	mu     sync.Mutex
	starts int
	stops  int
}

func newFakeHeading(granted bool) *fakeHeading {
	return &fakeHeading{latest: slot.New[model.HeadingSample](), granted: granted}
}

func (h *fakeHeading) RequestPermission(context.Context) bool { return h.granted }

func (h *fakeHeading) Start() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.starts++
	return h.startErr
}

func (h *fakeHeading) Stop() {
	h.mu.Lock()
	h.stops++
	h.mu.Unlock()
	h.latest.Clear()
}

func (h *fakeHeading) Latest() (model.HeadingSample, bool) { return h.latest.Get() }

func (h *fakeHeading) set(deg float64) {
	h.latest.Set(model.HeadingSample{Degrees: deg, Source: model.HeadingSourceCompass})
}

type recordedMetrics struct {
	mu       sync.Mutex
	outcomes []string
	tracking []bool
}

func (m *recordedMetrics) ObserveRecompute(outcome string, _ time.Duration, _, _, _, _ float64) {
	m.mu.Lock()
	m.outcomes = append(m.outcomes, outcome)
	m.mu.Unlock()
}

func (m *recordedMetrics) SetTracking(on bool) {
	m.mu.Lock()
	m.tracking = append(m.tracking, on)
	m.mu.Unlock()
}

func newController(t *testing.T, pos *fakePosition, head *fakeHeading, opts ...Option) *Controller {
	t.Helper()
	opts = append([]Option{
		WithTarget(model.TargetSpec{Coordinate: target, Display: model.DefaultDisplayOptions()}),
		WithClock(timectrl.FixedClock{T: time.Unix(1700000000, 0)}),
	}, opts...)
	c := New(pos, head, opts...)
	t.Cleanup(c.Teardown)
	return c
}

func initialize(t *testing.T, c *Controller) {
	t.Helper()
	if err := c.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
}

func approx(a, b, tol float64) bool { return math.Abs(a-b) <= tol }

func TestRecomputeRotationFormula(t *testing.T) {
	pos, head := newFakePosition(), newFakeHeading(true)
	c := newController(t, pos, head)
	initialize(t, c)
	if err := c.StartTracking(); err != nil {
		t.Fatalf("StartTracking: %v", err)
	}

	pos.fix(observer)
	head.set(100)
	res, ok := c.Recompute()
	if !ok {
		t.Fatalf("Recompute() produced no reading")
	}

	wantBearing := core.BearingDegrees(observer, target)
	if !approx(res.BearingDegrees, wantBearing, 1e-9) {
		t.Fatalf("bearing = %v, want %v", res.BearingDegrees, wantBearing)
	}
	if want := 45 + wantBearing - 100; !approx(res.RotationDegrees, want, 1e-9) {
		t.Fatalf("rotation = %v, want %v", res.RotationDegrees, want)
	}
	if !res.HeadingKnown || res.HeadingDegrees != 100 {
		t.Fatalf("heading = %v known=%v, want 100 known", res.HeadingDegrees, res.HeadingKnown)
	}
	if !res.WithinVisibleRange {
		t.Fatalf("target %.0f m away reported out of the 5 km range", res.DistanceMeters)
	}
	if !res.ComputedAt.Equal(time.Unix(1700000000, 0)) {
		t.Fatalf("ComputedAt = %v, want clock time", res.ComputedAt)
	}
}

func TestRecomputeWithoutPositionIsNoop(t *testing.T) {
	pos, head := newFakePosition(), newFakeHeading(true)
	metrics := &recordedMetrics{}
	c := newController(t, pos, head, WithMetrics(metrics))
	initialize(t, c)
	if err := c.StartTracking(); err != nil {
		t.Fatalf("StartTracking: %v", err)
	}
	if err := c.StopTracking(); err != nil {
		t.Fatalf("StopTracking: %v", err)
	}

	if _, ok := c.Recompute(); ok {
		t.Fatalf("Recompute() without position produced a reading")
	}
	if _, ok := c.Result(); ok {
		t.Fatalf("Result() present without any position")
	}

	pos.fix(observer)
	before, ok := c.Recompute()
	if !ok {
		t.Fatalf("Recompute() produced no reading")
	}
	pos.latest.Clear()
	if _, ok := c.Recompute(); ok {
		t.Fatalf("Recompute() after position loss produced a reading")
	}
	after, _ := c.Result()
	if after != before {
		t.Fatalf("Result() changed on a no-op tick: %+v -> %+v", before, after)
	}

	metrics.mu.Lock()
	defer metrics.mu.Unlock()
	if len(metrics.outcomes) == 0 || metrics.outcomes[0] != "no_position" {
		t.Fatalf("outcomes = %v, want no_position first", metrics.outcomes)
	}
}

func TestRecomputeRetainsLastHeading(t *testing.T) {
	pos, head := newFakePosition(), newFakeHeading(true)
	c := newController(t, pos, head)
	initialize(t, c)
	if err := c.StartTracking(); err != nil {
		t.Fatalf("StartTracking: %v", err)
	}

	pos.fix(observer)
	head.set(200)
	if _, ok := c.Recompute(); !ok {
		t.Fatalf("Recompute() produced no reading")
	}

	head.latest.Clear()
	res, ok := c.Recompute()
	if !ok {
		t.Fatalf("Recompute() produced no reading")
	}
	if res.HeadingDegrees != 200 || !res.HeadingKnown {
		t.Fatalf("heading = %v known=%v, want last heading 200", res.HeadingDegrees, res.HeadingKnown)
	}
}

func TestRecomputeNeutralHeadingWhenNeverSeen(t *testing.T) {
	pos, head := newFakePosition(), newFakeHeading(false)
	c := newController(t, pos, head)
	initialize(t, c)
	if err := c.StartTracking(); err != nil {
		t.Fatalf("StartTracking: %v", err)
	}

	pos.fix(observer)
	res, ok := c.Recompute()
	if !ok {
		t.Fatalf("Recompute() produced no reading")
	}
	if res.HeadingKnown || res.HeadingDegrees != 0 {
		t.Fatalf("heading = %v known=%v, want neutral 0", res.HeadingDegrees, res.HeadingKnown)
	}
	if want := 45 + res.BearingDegrees; res.RotationDegrees != want {
		t.Fatalf("rotation = %v, want %v", res.RotationDegrees, want)
	}
}

func TestStoppedTrackingFreezesHeading(t *testing.T) {
	pos, head := newFakePosition(), newFakeHeading(true)
	c := newController(t, pos, head)
	initialize(t, c)
	if err := c.StartTracking(); err != nil {
		t.Fatalf("StartTracking: %v", err)
	}
	pos.fix(observer)
	head.set(30)
	if _, ok := c.Recompute(); !ok {
		t.Fatalf("Recompute() produced no reading")
	}
	if err := c.StopTracking(); err != nil {
		t.Fatalf("StopTracking: %v", err)
	}

	head.set(300)
	moved := core.Destination(observer, 90, 500)
	pos.fix(moved)
	res, ok := c.Recompute()
	if !ok {
		t.Fatalf("Recompute() produced no reading")
	}
	if res.HeadingDegrees != 30 {
		t.Fatalf("heading = %v, want frozen 30", res.HeadingDegrees)
	}
	if res.Position != moved {
		t.Fatalf("position = %v, want refreshed %v", res.Position, moved)
	}
}

func TestInitializePrimesFirstReading(t *testing.T) {
	pos, head := newFakePosition(), newFakeHeading(true)
	c := newController(t, pos, head)
	ch, cancel := c.Subscribe()
	defer cancel()

	initialize(t, c)
	head.set(10)
	pos.fix(observer)

	select {
	case res := <-ch:
		if res.Position != observer || res.HeadingDegrees != 10 {
			t.Fatalf("primed reading = %+v", res)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("no reading after the first fix")
	}
	if c.State() != StateInitialized {
		t.Fatalf("State() = %v, want initialized", c.State())
	}
}

func TestStateTransitions(t *testing.T) {
	pos, head := newFakePosition(), newFakeHeading(true)
	metrics := &recordedMetrics{}
	c := newController(t, pos, head, WithMetrics(metrics), WithTickInterval(time.Millisecond))

	if err := c.StartTracking(); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("StartTracking in idle = %v, want ErrInvalidState", err)
	}
	if err := c.StopTracking(); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("StopTracking in idle = %v, want ErrInvalidState", err)
	}

	initialize(t, c)
	if err := c.Initialize(context.Background()); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("second Initialize = %v, want ErrInvalidState", err)
	}
	st := c.Status()
	if st.State != StateInitialized || st.SessionID == "" || st.Tracking {
		t.Fatalf("Status() = %+v after Initialize", st)
	}

	if err := c.StartTracking(); err != nil {
		t.Fatalf("StartTracking: %v", err)
	}
	if err := c.StartTracking(); err != nil {
		t.Fatalf("repeated StartTracking: %v", err)
	}
	if !c.Status().Tracking {
		t.Fatalf("Status().Tracking = false while tracking")
	}

	if err := c.StopTracking(); err != nil {
		t.Fatalf("StopTracking: %v", err)
	}
	if c.State() != StateInitialized {
		t.Fatalf("State() = %v after StopTracking", c.State())
	}

	c.Teardown()
	c.Teardown()
	if st := c.Status(); st.State != StateIdle || st.SessionID != "" {
		t.Fatalf("Status() = %+v after Teardown", st)
	}
	if pos.stops != 1 || head.stops != 1 {
		t.Fatalf("sensor stops = %d/%d, want 1/1", pos.stops, head.stops)
	}

	metrics.mu.Lock()
	defer metrics.mu.Unlock()
	if len(metrics.tracking) != 3 || !metrics.tracking[0] || metrics.tracking[1] || metrics.tracking[2] {
		t.Fatalf("tracking gauge updates = %v, want [true false false]", metrics.tracking)
	}
}

func TestTrackingLoopPublishes(t *testing.T) {
	pos, head := newFakePosition(), newFakeHeading(true)
	c := newController(t, pos, head, WithTickInterval(2*time.Millisecond))
	initialize(t, c)
	pos.fix(observer)

	ch, cancel := c.Subscribe()
	defer cancel()
	// Drain the primed reading.
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatalf("no primed reading")
	}

	if err := c.StartTracking(); err != nil {
		t.Fatalf("StartTracking: %v", err)
	}
	head.set(90)
	deadline := time.After(2 * time.Second)
	for {
		select {
		case res := <-ch:
			if res.HeadingDegrees == 90 {
				return
			}
		case <-deadline:
			t.Fatalf("tracking loop never published the live heading")
		}
	}
}

func TestTeardownClearsSession(t *testing.T) {
	pos, head := newFakePosition(), newFakeHeading(true)
	c := newController(t, pos, head)
	initialize(t, c)
	if err := c.StartTracking(); err != nil {
		t.Fatalf("StartTracking: %v", err)
	}
	pos.fix(observer)
	head.set(10)
	if _, ok := c.Recompute(); !ok {
		t.Fatalf("Recompute() produced no reading")
	}

	c.Teardown()
	if _, ok := c.Result(); ok {
		t.Fatalf("Result() kept after Teardown")
	}
	if _, ok := c.Position(); ok {
		t.Fatalf("Position() present after Teardown")
	}
	if _, ok := c.Recompute(); ok {
		t.Fatalf("Recompute() produced a reading while idle")
	}

	// A new session starts from a neutral heading.
	initialize(t, c)
	if err := c.StartTracking(); err != nil {
		t.Fatalf("StartTracking: %v", err)
	}
	pos.fix(observer)
	res, ok := c.Recompute()
	if !ok || res.HeadingKnown {
		t.Fatalf("new session reading = %+v, %v; want neutral heading", res, ok)
	}
}

func TestInitializeErrors(t *testing.T) {
	pos, head := newFakePosition(), newFakeHeading(true)
	c := New(pos, head)
	if err := c.Initialize(context.Background()); !errors.Is(err, ErrNoTarget) {
		t.Fatalf("Initialize without target = %v, want ErrNoTarget", err)
	}

	pos.startErr = sensor.NewError(sensor.Position, sensor.ErrPermissionDenied)
	c = newController(t, pos, head)
	if err := c.Initialize(context.Background()); !errors.Is(err, sensor.ErrPermissionDenied) {
		t.Fatalf("Initialize = %v, want ErrPermissionDenied", err)
	}
	st := c.Status()
	if st.State != StateIdle || st.LastError != "Failed to get geolocation permission" {
		t.Fatalf("Status() = %+v after failed Initialize", st)
	}
}

func TestCompassDenialIsNotFatal(t *testing.T) {
	pos, head := newFakePosition(), newFakeHeading(false)
	c := newController(t, pos, head)
	initialize(t, c)

	st := c.Status()
	if st.State != StateInitialized || st.LastError != "Failed to get compass permission" {
		t.Fatalf("Status() = %+v, want initialized with compass message", st)
	}
	if head.starts != 0 {
		t.Fatalf("compass started without permission")
	}
}

func TestPositionErrorsSurfaceInStatus(t *testing.T) {
	pos, head := newFakePosition(), newFakeHeading(true)
	c := newController(t, pos, head)
	initialize(t, c)

	pos.mu.Lock()
	onError := pos.onError
	pos.mu.Unlock()
	onError(sensor.NewError(sensor.Position, sensor.ErrSensorTimeout))

	if got := c.Status().LastError; got != "Timed out waiting for a location fix" {
		t.Fatalf("LastError = %q", got)
	}
}

func TestTargetEditing(t *testing.T) {
	c := New(newFakePosition(), newFakeHeading(true))
	if err := c.SetTargetText("45.1989, 5.7248"); err != nil {
		t.Fatalf("SetTargetText: %v", err)
	}
	if err := c.SetTargetText("garbage"); !errors.Is(err, model.ErrParse) {
		t.Fatalf("SetTargetText(garbage) = %v, want ErrParse", err)
	}
	spec, ok := c.Target()
	if !ok || spec.Coordinate != (model.Coordinate{Lat: 45.1989, Lon: 5.7248}) {
		t.Fatalf("Target() = %+v, %v; want the last valid target", spec, ok)
	}

	bad := model.DefaultDisplayOptions()
	bad.ArcSpan = 200
	if err := c.SetTarget(target, bad); !errors.Is(err, model.ErrInvalidArcSpan) {
		t.Fatalf("SetTarget with arc 200 = %v, want ErrInvalidArcSpan", err)
	}

	for i := 0; i < 20; i++ {
		c.IncreaseArcSpan()
	}
	if got := c.IncreaseArcSpan(); got != model.MaxArcSpan {
		t.Fatalf("arc span = %d, want clamp at %d", got, model.MaxArcSpan)
	}
	for i := 0; i < 20; i++ {
		c.DecreaseArcSpan()
	}
	if got := c.DecreaseArcSpan(); got != model.MinArcSpan {
		t.Fatalf("arc span = %d, want clamp at %d", got, model.MinArcSpan)
	}
}

func TestSubscribeKeepsNewest(t *testing.T) {
	pos, head := newFakePosition(), newFakeHeading(true)
	c := newController(t, pos, head)
	initialize(t, c)
	if err := c.StartTracking(); err != nil {
		t.Fatalf("StartTracking: %v", err)
	}

	pos.fix(observer)
	ch, cancel := c.Subscribe()
	for _, h := range []float64{10, 20, 30} {
		head.set(h)
		c.Recompute()
	}
	// The tracking loop may have published too; the buffered value is always
	// the newest one.
	select {
	case res := <-ch:
		if res.HeadingDegrees != 30 {
			t.Fatalf("received heading %v, want newest 30", res.HeadingDegrees)
		}
	default:
		t.Fatalf("no reading buffered")
	}

	cancel()
	cancel()
	if _, open := <-ch; open {
		t.Fatalf("channel still open after cancel")
	}
}

func TestCloseSubscriptionsEndsStreams(t *testing.T) {
	c := newController(t, newFakePosition(), newFakeHeading(true))
	first, cancelFirst := c.Subscribe()
	second, cancelSecond := c.Subscribe()

	c.CloseSubscriptions()
	for i, ch := range []<-chan model.BearingResult{first, second} {
		select {
		case _, open := <-ch:
			if open {
				t.Fatalf("subscription %d delivered a reading instead of closing", i)
			}
		case <-time.After(time.Second):
			t.Fatalf("subscription %d still open", i)
		}
	}
	// Cancelling after the close must not panic.
	cancelFirst()
	cancelSecond()

	late, cancelLate := c.Subscribe()
	defer cancelLate()
	select {
	case <-late:
		t.Fatalf("new subscription closed or pre-filled without a reading")
	default:
	}
}

func TestUserMessage(t *testing.T) {
	cases := []struct {
		err  error
		want string
	}{
		{nil, ""},
		{sensor.NewError(sensor.Orientation, sensor.ErrPermissionDenied), "Failed to get compass permission"},
		{sensor.NewError(sensor.Position, sensor.ErrSensorUnavailable), "Geolocation is not supported on this device"},
		{&model.ParseError{Input: "x", Reason: "no comma"}, "Invalid coordinates"},
		{errors.New("boom"), "Something went wrong"},
	}
	for _, tc := range cases {
		if got := UserMessage(tc.err); got != tc.want {
			t.Fatalf("UserMessage(%v) = %q, want %q", tc.err, got, tc.want)
		}
	}
}
