package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/signalsfoundry/target-bearing/internal/bearing"
	"github.com/signalsfoundry/target-bearing/internal/config"
	"github.com/signalsfoundry/target-bearing/internal/logging"
	"github.com/signalsfoundry/target-bearing/internal/nbi"
	"github.com/signalsfoundry/target-bearing/internal/observability"
	"github.com/signalsfoundry/target-bearing/internal/orientation"
	"github.com/signalsfoundry/target-bearing/internal/position"
	"github.com/signalsfoundry/target-bearing/internal/sensor"
	"github.com/signalsfoundry/target-bearing/internal/sensor/kafkafeed"
	"github.com/signalsfoundry/target-bearing/internal/sensor/simulated"
	"github.com/signalsfoundry/target-bearing/model"
)

func main() {
	envFile := flag.String("env-file", ".env", "Optional dotenv file loaded before reading the environment")
	grpcAddr := flag.String("grpc-addr", "", "TCP address the bearing gRPC server listens on (overrides BEARING_GRPC_ADDR)")
	metricsAddr := flag.String("metrics-addr", "", "HTTP address for Prometheus /metrics (overrides BEARING_METRICS_ADDR)")
	target := flag.String("target", "", `Target as "lat, lon" (overrides BEARING_TARGET)`)
	sensorMode := flag.String("sensor", "", "Sensor backend: simulated or kafka (overrides BEARING_SENSOR)")
	tick := flag.Duration("tick", 0, "Recompute period while tracking (overrides BEARING_TICK)")
	flag.Parse()

	if err := config.LoadDotEnv(*envFile); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	cfg, err := config.FromEnv()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if err := applyFlags(&cfg, *grpcAddr, *metricsAddr, *target, *sensorMode, *tick); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	log := logging.New(cfg.Logging)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var lis net.Listener
	if cfg.GRPCAddr != "" {
		l, err := net.Listen("tcp", cfg.GRPCAddr)
		if err != nil {
			log.Error(ctx, "failed to listen for gRPC", logging.String("addr", cfg.GRPCAddr), logging.Err(err))
			os.Exit(1)
		}
		lis = l
	}

	if err := run(ctx, cfg, log, lis); err != nil {
		log.Error(ctx, "bearingd exited", logging.Err(err))
		os.Exit(1)
	}
}

func applyFlags(cfg *config.Config, grpcAddr, metricsAddr, target, sensorMode string, tick time.Duration) error {
	if grpcAddr != "" {
		cfg.GRPCAddr = grpcAddr
	}
	if metricsAddr != "" {
		cfg.MetricsAddr = metricsAddr
	}
	if target != "" {
		c, err := model.ParseCoordinate(target)
		if err != nil {
			return fmt.Errorf("-target: %w", err)
		}
		cfg.Target.Coordinate = c
	}
	switch sensorMode {
	case "":
	case config.SensorSimulated, config.SensorKafka:
		cfg.Sensor = sensorMode
	default:
		return fmt.Errorf("-sensor: unknown backend %q", sensorMode)
	}
	if tick > 0 {
		cfg.TickInterval = tick
	}
	return nil
}

// run wires the trackers, the controller and the gRPC surface, and blocks
// until ctx is cancelled. A nil lis runs tracking without the gRPC surface.
func run(ctx context.Context, cfg config.Config, log logging.Logger, lis net.Listener) error {
	shutdownTracing, err := observability.InitTracing(ctx, cfg.Tracing, log)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer observability.ShutdownWithTimeout(context.Background(), shutdownTracing, log)

	collector, err := observability.NewTrackingCollector(nil)
	if err != nil {
		return fmt.Errorf("init metrics: %w", err)
	}
	metricsSrv := serveMetrics(cfg.MetricsAddr, collector, log)

	watcher, compass, perms := buildSensors(cfg, log)
	pos := position.New(watcher,
		position.WithLogger(log),
		position.WithRecorder(collector),
		position.WithWatchOptions(sensor.WatchOptions{HighAccuracy: true, Timeout: cfg.PositionTimeout}),
	)
	orient := orientation.New(compass, perms,
		orientation.WithLogger(log),
		orientation.WithRecorder(collector),
	)
	ctrl := bearing.New(pos, orient,
		bearing.WithLogger(log),
		bearing.WithMetrics(collector),
		bearing.WithTickInterval(cfg.TickInterval),
		bearing.WithTarget(cfg.Target),
	)

	if err := ctrl.Initialize(ctx); err != nil {
		return fmt.Errorf("initialize tracking: %w", err)
	}
	defer ctrl.Teardown()
	if msg := ctrl.Status().LastError; msg != "" {
		log.Warn(ctx, "tracking without compass", logging.String("message", msg))
	}
	if err := ctrl.StartTracking(); err != nil {
		return fmt.Errorf("start tracking: %w", err)
	}

	hs := health.NewServer()
	server := grpc.NewServer(
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
		grpc.ChainUnaryInterceptor(
			nbi.RequestIDUnaryServerInterceptor(log),
			nbi.TracingUnaryServerInterceptor(),
			collector.UnaryServerInterceptor(),
		),
		grpc.ChainStreamInterceptor(
			nbi.RequestIDStreamServerInterceptor(log),
			nbi.TracingStreamServerInterceptor(),
			collector.StreamServerInterceptor(),
		),
	)
	nbi.RegisterBearingServer(server, nbi.NewBearingService(ctrl, log))
	healthpb.RegisterHealthServer(server, hs)

	reporter := nbi.NewHealthReporter(hs, ctrl.Status, time.Second, log)
	reporter.Start()

	serveErr := make(chan error, 1)
	if lis != nil {
		log.Info(ctx, "starting bearing gRPC server",
			logging.String("addr", lis.Addr().String()),
			logging.String("sensor", cfg.Sensor),
			logging.String("target", cfg.Target.Coordinate.String()),
		)
		go func() {
			serveErr <- server.Serve(lis)
		}()
	} else {
		log.Info(ctx, "gRPC listener disabled",
			logging.String("sensor", cfg.Sensor),
			logging.String("target", cfg.Target.Coordinate.String()),
		)
	}

	var runErr error
	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			runErr = fmt.Errorf("grpc server: %w", err)
		}
	}

	log.Info(context.Background(), "shutting down bearing server")
	reporter.Stop()
	hs.Shutdown()
	// Ending the session closes Watch streams so GracefulStop does not wait on them.
	ctrl.Teardown()
	ctrl.CloseSubscriptions()
	if lis != nil {
		gracefulStop(server, 5*time.Second)
	} else {
		server.Stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if metricsSrv != nil {
		_ = metricsSrv.Shutdown(shutdownCtx)
	}
	return runErr
}

// gracefulStop lets open Watch streams finish, then forces them closed.
func gracefulStop(server *grpc.Server, timeout time.Duration) {
	done := make(chan struct{})
	go func() {
		server.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		server.Stop()
		<-done
	}
}

func buildSensors(cfg config.Config, log logging.Logger) (sensor.LocationWatcher, sensor.OrientationSource, sensor.PermissionRequester) {
	switch cfg.Sensor {
	case config.SensorKafka:
		log.Info(context.Background(), "reading fixes from kafka",
			logging.Any("brokers", cfg.Kafka.Brokers),
			logging.String("topic", cfg.Kafka.Topic),
		)
		// The device bridge carries position only.
		return kafkafeed.New(kafkafeed.Config{
			Brokers: cfg.Kafka.Brokers,
			Topic:   cfg.Kafka.Topic,
			GroupID: cfg.Kafka.GroupID,
		}, kafkafeed.WithLogger(log)), nil, nil
	default:
		sim := cfg.Simulation
		state := sensor.PermissionGranted
		if sim.DenyCompass {
			state = sensor.PermissionDenied
		}
		walker := &simulated.Walker{
			Start:          sim.Start,
			BearingDegrees: sim.BearingDegrees,
			SpeedMps:       sim.SpeedMps,
			Interval:       time.Second,
			Accuracy:       5,
		}
		compass := &simulated.Compass{
			DegreesPerSecond: sim.CompassRate,
			Alpha:            sim.NoCompass,
		}
		return walker, compass, &simulated.Permission{State: state}
	}
}

func serveMetrics(addr string, collector *observability.TrackingCollector, log logging.Logger) *http.Server {
	if collector == nil || addr == "" {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", collector.Handler())

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Warn(context.Background(), "metrics server exited", logging.Err(err))
		}
	}()

	log.Info(context.Background(), "serving Prometheus metrics", logging.String("addr", addr))
	return srv
}
