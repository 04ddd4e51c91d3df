// Package config loads daemon settings from the environment, optionally
// seeded from a .env file.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/signalsfoundry/target-bearing/internal/logging"
	"github.com/signalsfoundry/target-bearing/internal/observability"
	"github.com/signalsfoundry/target-bearing/model"
)

// Sensor backends.
const (
	SensorSimulated = "simulated"
	SensorKafka     = "kafka"
)

// ErrInvalid wraps every rejected setting.
var ErrInvalid = errors.New("invalid configuration")

// Simulation describes the simulated observer.
type Simulation struct {
	Start          model.Coordinate
	BearingDegrees float64
	SpeedMps       float64
	CompassRate    float64 // degrees per second
	NoCompass      bool    // report alpha only
	DenyCompass    bool    // refuse the orientation prompt
}

// Kafka selects the topic feeding the kafka location watcher.
type Kafka struct {
	Brokers []string
	Topic   string
	GroupID string
}

// Config is the full daemon configuration.
type Config struct {
	Target          model.TargetSpec
	TickInterval    time.Duration
	PositionTimeout time.Duration

	Sensor     string
	Simulation Simulation
	Kafka      Kafka

	GRPCAddr    string
	MetricsAddr string

	Logging logging.Config
	Tracing observability.TracingConfig
}

// Default returns the settings used when nothing is configured.
func Default() Config {
	return Config{
		Target: model.TargetSpec{
			Coordinate: model.DefaultTarget,
			Display:    model.DefaultDisplayOptions(),
		},
		TickInterval:    50 * time.Millisecond,
		PositionTimeout: 10 * time.Second,
		Sensor:          SensorSimulated,
		Simulation: Simulation{
			Start:          model.Coordinate{Lat: 45.1802, Lon: 5.7486},
			BearingDegrees: 315,
			SpeedMps:       1.4,
			CompassRate:    6,
		},
		Kafka: Kafka{
			Brokers: []string{"localhost:9092"},
			Topic:   "device.location",
			GroupID: "bearingd",
		},
		GRPCAddr:    ":50061",
		MetricsAddr: ":9100",
		Logging:     logging.Config{Level: "info", Format: "text"},
		Tracing:     observability.TracingConfigFromLookup(func(string) string { return "" }),
	}
}

// LoadDotEnv loads variables from the given files (".env" when none) into
// the process environment without overriding what is already set. Missing
// files are not an error.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load %s: %w", p, err)
		}
	}
	return nil
}

// FromEnv reads the process environment.
func FromEnv() (Config, error) {
	return FromLookup(os.Getenv)
}

// FromLookup builds a Config from an env-style lookup. Unset variables keep
// their defaults; malformed ones are errors.
func FromLookup(getenv func(string) string) (Config, error) {
	cfg := Default()
	var errs []error
	fail := func(key string, err error) {
		errs = append(errs, fmt.Errorf("%w: %s: %v", ErrInvalid, key, err))
	}

	if v := getenv("BEARING_TARGET"); v != "" {
		c, err := model.ParseCoordinate(v)
		if err != nil {
			fail("BEARING_TARGET", err)
		} else {
			cfg.Target.Coordinate = c
		}
	}
	if v := getenv("BEARING_ARC_SPAN"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			fail("BEARING_ARC_SPAN", err)
		} else {
			cfg.Target.Display.ArcSpan = n
		}
	}
	if v := getenv("BEARING_SHOW_DISTANCE"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			fail("BEARING_SHOW_DISTANCE", err)
		} else {
			cfg.Target.Display.ShowDistance = b
		}
	}
	floatVar(getenv, "BEARING_VISIBLE_KM", &cfg.Target.Display.VisibleWithinKm, fail)
	if err := cfg.Target.Validate(); err != nil {
		fail("target", err)
	}

	durationVar(getenv, "BEARING_TICK", &cfg.TickInterval, fail)
	durationVar(getenv, "BEARING_POSITION_TIMEOUT", &cfg.PositionTimeout, fail)

	if v := getenv("BEARING_SENSOR"); v != "" {
		switch s := strings.ToLower(v); s {
		case SensorSimulated, SensorKafka:
			cfg.Sensor = s
		default:
			fail("BEARING_SENSOR", fmt.Errorf("unknown backend %q", v))
		}
	}

	if v := getenv("BEARING_SIM_START"); v != "" {
		c, err := model.ParseCoordinate(v)
		if err != nil {
			fail("BEARING_SIM_START", err)
		} else {
			cfg.Simulation.Start = c
		}
	}
	floatVar(getenv, "BEARING_SIM_BEARING", &cfg.Simulation.BearingDegrees, fail)
	floatVar(getenv, "BEARING_SIM_SPEED", &cfg.Simulation.SpeedMps, fail)
	floatVar(getenv, "BEARING_SIM_COMPASS_RATE", &cfg.Simulation.CompassRate, fail)
	cfg.Simulation.NoCompass = strings.EqualFold(getenv("BEARING_SIM_NO_COMPASS"), "true")
	cfg.Simulation.DenyCompass = strings.EqualFold(getenv("BEARING_SIM_DENY_COMPASS"), "true")

	if v := getenv("BEARING_KAFKA_BROKERS"); v != "" {
		cfg.Kafka.Brokers = splitList(v)
	}
	if v := getenv("BEARING_KAFKA_TOPIC"); v != "" {
		cfg.Kafka.Topic = v
	}
	if v := getenv("BEARING_KAFKA_GROUP"); v != "" {
		cfg.Kafka.GroupID = v
	}
	if cfg.Sensor == SensorKafka && (len(cfg.Kafka.Brokers) == 0 || cfg.Kafka.Topic == "") {
		fail("BEARING_KAFKA_BROKERS", errors.New("kafka backend needs brokers and a topic"))
	}

	if v, ok := lookup(getenv, "BEARING_GRPC_ADDR"); ok {
		cfg.GRPCAddr = v
	}
	if v, ok := lookup(getenv, "BEARING_METRICS_ADDR"); ok {
		cfg.MetricsAddr = v
	}

	if v := getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := getenv("LOG_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}
	cfg.Logging.AddSource = strings.EqualFold(getenv("LOG_SOURCE"), "true")

	cfg.Tracing = observability.TracingConfigFromLookup(getenv)

	return cfg, errors.Join(errs...)
}

// lookup treats "-" as an explicit empty value, which disables a listener.
func lookup(getenv func(string) string, key string) (string, bool) {
	v := getenv(key)
	switch v {
	case "":
		return "", false
	case "-":
		return "", true
	}
	return v, true
}

func floatVar(getenv func(string) string, key string, dst *float64, fail func(string, error)) {
	v := getenv(key)
	if v == "" {
		return
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil {
		fail(key, err)
		return
	}
	*dst = f
}

func durationVar(getenv func(string) string, key string, dst *time.Duration, fail func(string, error)) {
	v := getenv(key)
	if v == "" {
		return
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		fail(key, err)
		return
	}
	if d <= 0 {
		fail(key, fmt.Errorf("must be positive, got %s", d))
		return
	}
	*dst = d
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
