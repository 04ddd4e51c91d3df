package nbi

import (
	"context"
	"time"

	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/signalsfoundry/target-bearing/internal/bearing"
	"github.com/signalsfoundry/target-bearing/internal/logging"
	"github.com/signalsfoundry/target-bearing/timectrl"
)

// HealthReporter mirrors the controller state into the gRPC health service:
// SERVING while tracking, NOT_SERVING otherwise.
type HealthReporter struct {
	hs     *health.Server
	status func() bearing.Status
	log    logging.Logger
	loop   *timectrl.Loop

	last healthpb.HealthCheckResponse_ServingStatus
}

// NewHealthReporter polls status every period once started.
func NewHealthReporter(hs *health.Server, status func() bearing.Status, period time.Duration, log logging.Logger) *HealthReporter {
	if log == nil {
		log = logging.Noop()
	}
	r := &HealthReporter{hs: hs, status: status, log: log, last: -1}
	r.loop = timectrl.NewLoop(period, func(time.Time) { r.Update() })
	return r
}

// Start publishes the current status and begins polling.
func (r *HealthReporter) Start() {
	r.Update()
	r.loop.Start()
}

// Stop halts polling and marks the service NOT_SERVING.
func (r *HealthReporter) Stop() {
	r.loop.Stop()
	r.set(healthpb.HealthCheckResponse_NOT_SERVING)
}

// Update publishes the status once. It is called from the polling loop and
// must not run concurrently with itself.
func (r *HealthReporter) Update() {
	next := healthpb.HealthCheckResponse_NOT_SERVING
	if r.status().Tracking {
		next = healthpb.HealthCheckResponse_SERVING
	}
	r.set(next)
}

func (r *HealthReporter) set(s healthpb.HealthCheckResponse_ServingStatus) {
	if s == r.last {
		return
	}
	r.last = s
	r.hs.SetServingStatus("", s)
	r.hs.SetServingStatus(BearingServiceName, s)
	r.log.Info(context.Background(), "health status changed", logging.String("status", s.String()))
}
