package observability

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"google.golang.org/grpc"
	"google.golang.org/grpc/status"

	"github.com/signalsfoundry/target-bearing/internal/sensor"
)

// Recompute outcomes used as label values.
const (
	OutcomeComputed   = "computed"
	OutcomeNoPosition = "no_position"
)

// TrackingCollector bundles Prometheus metrics for the sensor trackers and the
// bearing controller, and exposes them over HTTP.
type TrackingCollector struct {
	gatherer prometheus.Gatherer

	SensorSamples *prometheus.CounterVec
	SensorErrors  *prometheus.CounterVec
	SensorActive  *prometheus.GaugeVec

	Recomputes        *prometheus.CounterVec
	RecomputeDuration prometheus.Histogram

	Bearing  prometheus.Gauge
	Distance prometheus.Gauge
	Rotation prometheus.Gauge
	Heading  prometheus.Gauge
	Tracking prometheus.Gauge

	RPCRequests *prometheus.CounterVec
}

// NewTrackingCollector registers metrics against the provided registerer,
// defaulting to the global Prometheus registry when nil.
func NewTrackingCollector(reg prometheus.Registerer) (*TrackingCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	samples, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sensor_samples_total",
		Help: "Sensor readings published to a latest-value slot, labeled by sensor.",
	}, []string{"sensor"}), "sensor_samples_total")
	if err != nil {
		return nil, err
	}

	errs, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sensor_errors_total",
		Help: "Sensor errors surfaced to callers, labeled by sensor and kind.",
	}, []string{"sensor", "kind"}), "sensor_errors_total")
	if err != nil {
		return nil, err
	}

	active, err := registerGaugeVec(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "sensor_active",
		Help: "1 while a sensor subscription is held, 0 otherwise.",
	}, []string{"sensor"}), "sensor_active")
	if err != nil {
		return nil, err
	}

	recomputes, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "bearing_recompute_total",
		Help: "Recompute ticks, labeled by outcome.",
	}, []string{"outcome"}), "bearing_recompute_total")
	if err != nil {
		return nil, err
	}

	duration, err := registerHistogram(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "bearing_recompute_duration_seconds",
		Help:    "Time spent in one recompute tick.",
		Buckets: []float64{0.00001, 0.00005, 0.0001, 0.0005, 0.001, 0.005, 0.01},
	}), "bearing_recompute_duration_seconds")
	if err != nil {
		return nil, err
	}

	gauges := make([]prometheus.Gauge, 0, 5)
	for _, g := range []struct{ name, help string }{
		{"bearing_degrees", "Most recent bearing to the target in degrees."},
		{"bearing_distance_meters", "Most recent distance to the target in metres."},
		{"bearing_rotation_degrees", "Most recent indicator rotation in degrees."},
		{"bearing_heading_degrees", "Heading used for the most recent rotation."},
		{"bearing_tracking", "1 while the periodic recompute loop runs."},
	} {
		gauge, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
			Name: g.name,
			Help: g.help,
		}), g.name)
		if err != nil {
			return nil, err
		}
		gauges = append(gauges, gauge)
	}

	requests, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "nbi_requests_total",
		Help: "Total number of handled NBI RPCs, labeled by service, method, and gRPC status code.",
	}, []string{"service", "method", "code"}), "nbi_requests_total")
	if err != nil {
		return nil, err
	}

	return &TrackingCollector{
		gatherer:          gatherer,
		SensorSamples:     samples,
		SensorErrors:      errs,
		SensorActive:      active,
		Recomputes:        recomputes,
		RecomputeDuration: duration,
		Bearing:           gauges[0],
		Distance:          gauges[1],
		Rotation:          gauges[2],
		Heading:           gauges[3],
		Tracking:          gauges[4],
		RPCRequests:       requests,
	}, nil
}

// ObserveSample implements sensor.Recorder.
func (c *TrackingCollector) ObserveSample(s sensor.Name) {
	if c == nil || c.SensorSamples == nil {
		return
	}
	c.SensorSamples.WithLabelValues(string(s)).Inc()
}

// ObserveError implements sensor.Recorder.
func (c *TrackingCollector) ObserveError(s sensor.Name, kind sensor.Kind) {
	if c == nil || c.SensorErrors == nil {
		return
	}
	c.SensorErrors.WithLabelValues(string(s), string(kind)).Inc()
}

// SetSensorActive implements sensor.Recorder.
func (c *TrackingCollector) SetSensorActive(s sensor.Name, active bool) {
	if c == nil || c.SensorActive == nil {
		return
	}
	c.SensorActive.WithLabelValues(string(s)).Set(boolToFloat(active))
}

// ObserveRecompute records one tick and, when a reading was produced, the
// published values.
func (c *TrackingCollector) ObserveRecompute(outcome string, took time.Duration, bearing, distance, rotation, heading float64) {
	if c == nil {
		return
	}
	if c.Recomputes != nil {
		c.Recomputes.WithLabelValues(outcome).Inc()
	}
	if c.RecomputeDuration != nil {
		c.RecomputeDuration.Observe(took.Seconds())
	}
	if outcome != OutcomeComputed {
		return
	}
	c.Bearing.Set(bearing)
	c.Distance.Set(distance)
	c.Rotation.Set(rotation)
	c.Heading.Set(heading)
}

// SetTracking records whether the recompute loop is running.
func (c *TrackingCollector) SetTracking(on bool) {
	if c == nil || c.Tracking == nil {
		return
	}
	c.Tracking.Set(boolToFloat(on))
}

// UnaryServerInterceptor counts unary RPCs by status code.
func (c *TrackingCollector) UnaryServerInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		resp, err := handler(ctx, req)
		if c == nil || c.RPCRequests == nil {
			return resp, err
		}
		fullMethod := ""
		if info != nil {
			fullMethod = info.FullMethod
		}
		service, method := SplitMethod(fullMethod)
		c.RPCRequests.WithLabelValues(service, method, status.Code(err).String()).Inc()
		return resp, err
	}
}

// StreamServerInterceptor counts streaming RPCs by final status code.
func (c *TrackingCollector) StreamServerInterceptor() grpc.StreamServerInterceptor {
	return func(srv interface{}, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		err := handler(srv, ss)
		if c == nil || c.RPCRequests == nil {
			return err
		}
		fullMethod := ""
		if info != nil {
			fullMethod = info.FullMethod
		}
		service, method := SplitMethod(fullMethod)
		c.RPCRequests.WithLabelValues(service, method, status.Code(err).String()).Inc()
		return err
	}
}

// Handler exposes a ready-to-use /metrics handler.
func (c *TrackingCollector) Handler() http.Handler {
	gatherer := c.gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// SplitMethod parses a fully-qualified gRPC method name into service and method
// components. It tolerates empty strings and partial paths, returning
// "unknown"/"unknown" when parsing fails.
func SplitMethod(fullMethod string) (string, string) {
	if fullMethod == "" {
		return "unknown", "unknown"
	}
	fullMethod = strings.TrimPrefix(fullMethod, "/")
	parts := strings.Split(fullMethod, "/")
	if len(parts) < 2 {
		return "unknown", "unknown"
	}
	service := parts[len(parts)-2]
	method := parts[len(parts)-1]
	if dot := strings.LastIndex(service, "."); dot >= 0 && dot+1 < len(service) {
		service = service[dot+1:]
	}
	if service == "" {
		service = "unknown"
	}
	if method == "" {
		method = "unknown"
	}
	return service, method
}

func boolToFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

func registerCounterVec(reg prometheus.Registerer, vec *prometheus.CounterVec, name string) (*prometheus.CounterVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerGaugeVec(reg prometheus.Registerer, vec *prometheus.GaugeVec, name string) (*prometheus.GaugeVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.GaugeVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerHistogram(reg prometheus.Registerer, h prometheus.Histogram, name string) (prometheus.Histogram, error) {
	if err := reg.Register(h); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Histogram); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return h, nil
}

func registerGauge(reg prometheus.Registerer, gauge prometheus.Gauge, name string) (prometheus.Gauge, error) {
	if err := reg.Register(gauge); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Gauge); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return gauge, nil
}
