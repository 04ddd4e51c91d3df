package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/signalsfoundry/target-bearing/model"
)

func mapLookup(m map[string]string) func(string) string {
	return func(k string) string { return m[k] }
}

func TestFromLookupDefaults(t *testing.T) {
	cfg, err := FromLookup(mapLookup(nil))
	if err != nil {
		t.Fatalf("FromLookup: %v", err)
	}
	if cfg.Target.Coordinate != model.DefaultTarget {
		t.Fatalf("target = %v, want default", cfg.Target.Coordinate)
	}
	if cfg.Target.Display != model.DefaultDisplayOptions() {
		t.Fatalf("display = %+v, want defaults", cfg.Target.Display)
	}
	if cfg.TickInterval != 50*time.Millisecond || cfg.PositionTimeout != 10*time.Second {
		t.Fatalf("tick/timeout = %s/%s", cfg.TickInterval, cfg.PositionTimeout)
	}
	if cfg.Sensor != SensorSimulated || cfg.Tracing.Enabled {
		t.Fatalf("sensor=%q tracing=%v", cfg.Sensor, cfg.Tracing.Enabled)
	}
}

func TestFromLookupOverrides(t *testing.T) {
	cfg, err := FromLookup(mapLookup(map[string]string{
		"BEARING_TARGET":           "45.1989, 5.7248",
		"BEARING_ARC_SPAN":         "120",
		"BEARING_SHOW_DISTANCE":    "false",
		"BEARING_VISIBLE_KM":       "2.5",
		"BEARING_TICK":             "20ms",
		"BEARING_POSITION_TIMEOUT": "3s",
		"BEARING_SENSOR":           "Kafka",
		"BEARING_KAFKA_BROKERS":    "k1:9092, k2:9092",
		"BEARING_KAFKA_TOPIC":      "fixes",
		"BEARING_METRICS_ADDR":     "-",
		"BEARING_GRPC_ADDR":        "-",
		"LOG_LEVEL":                "debug",
		"BEARING_TRACING_ENABLED":  "true",
	}))
	if err != nil {
		t.Fatalf("FromLookup: %v", err)
	}

	if cfg.Target.Coordinate != (model.Coordinate{Lat: 45.1989, Lon: 5.7248}) {
		t.Fatalf("target = %v", cfg.Target.Coordinate)
	}
	if d := cfg.Target.Display; d.ArcSpan != 120 || d.ShowDistance || d.VisibleWithinKm != 2.5 {
		t.Fatalf("display = %+v", d)
	}
	if cfg.TickInterval != 20*time.Millisecond || cfg.PositionTimeout != 3*time.Second {
		t.Fatalf("tick/timeout = %s/%s", cfg.TickInterval, cfg.PositionTimeout)
	}
	if cfg.Sensor != SensorKafka || len(cfg.Kafka.Brokers) != 2 || cfg.Kafka.Brokers[1] != "k2:9092" || cfg.Kafka.Topic != "fixes" {
		t.Fatalf("kafka = %q %+v", cfg.Sensor, cfg.Kafka)
	}
	if cfg.MetricsAddr != "" || cfg.GRPCAddr != "" {
		t.Fatalf("addrs = %q %q", cfg.GRPCAddr, cfg.MetricsAddr)
	}
	if cfg.Logging.Level != "debug" || !cfg.Tracing.Enabled {
		t.Fatalf("logging=%+v tracing=%+v", cfg.Logging, cfg.Tracing)
	}
}

func TestFromLookupRejectsMalformed(t *testing.T) {
	cases := map[string]map[string]string{
		"unparsable target": {"BEARING_TARGET": "garbage"},
		"arc out of range":  {"BEARING_ARC_SPAN": "200"},
		"arc not a number":  {"BEARING_ARC_SPAN": "wide"},
		"arc off step":      {"BEARING_ARC_SPAN": "15"},
		"negative tick":     {"BEARING_TICK": "-1s"},
		"unknown sensor":    {"BEARING_SENSOR": "gps"},
		"bad speed":         {"BEARING_SIM_SPEED": "fast"},
	}
	for name, env := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := FromLookup(mapLookup(env)); !errors.Is(err, ErrInvalid) {
				t.Fatalf("FromLookup = %v, want ErrInvalid", err)
			}
		})
	}
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.env")
	if err := os.WriteFile(path, []byte("BEARING_TEST_DOTENV=loaded\n"), 0o600); err != nil {
		t.Fatalf("write env file: %v", err)
	}
	t.Setenv("BEARING_TEST_DOTENV", "")
	os.Unsetenv("BEARING_TEST_DOTENV")

	if err := LoadDotEnv(filepath.Join(dir, "missing.env"), path); err != nil {
		t.Fatalf("LoadDotEnv: %v", err)
	}
	if got := os.Getenv("BEARING_TEST_DOTENV"); got != "loaded" {
		t.Fatalf("BEARING_TEST_DOTENV = %q, want loaded", got)
	}
}
