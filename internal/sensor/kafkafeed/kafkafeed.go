// Package kafkafeed implements a location watcher fed by a Kafka topic of
// JSON fixes published by a device bridge.
package kafkafeed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/signalsfoundry/target-bearing/internal/logging"
	"github.com/signalsfoundry/target-bearing/internal/sensor"
	"github.com/signalsfoundry/target-bearing/model"
	"github.com/signalsfoundry/target-bearing/timectrl"
)

// ErrMalformedFix marks a message that could not be decoded into a fix.
var ErrMalformedFix = errors.New("malformed fix")

// Reader is the subset of *kafka.Reader used by the watcher. It allows
// mocking in tests.
type Reader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
	Close() error
}

// Config selects the topic to consume.
type Config struct {
	Brokers []string
	Topic   string
	GroupID string
}

// Fix is the wire format of one message.
type Fix struct {
	Lat      float64   `json:"lat"`
	Lon      float64   `json:"lon"`
	Accuracy float64   `json:"accuracy,omitempty"`
	Altitude *float64  `json:"altitude,omitempty"`
	Speed    *float64  `json:"speed,omitempty"`
	Course   *float64  `json:"course,omitempty"`
	TS       time.Time `json:"ts"`
}

// DecodeFix parses and validates one message value.
func DecodeFix(b []byte) (model.PositionSample, error) {
	var f Fix
	if err := json.Unmarshal(b, &f); err != nil {
		return model.PositionSample{}, fmt.Errorf("%w: %v", ErrMalformedFix, err)
	}
	c := model.Coordinate{Lat: f.Lat, Lon: f.Lon}
	if err := c.Validate(); err != nil {
		return model.PositionSample{}, fmt.Errorf("%w: %v", ErrMalformedFix, err)
	}
	return model.PositionSample{
		Coordinate: c,
		Timestamp:  f.TS,
		Accuracy:   f.Accuracy,
		Altitude:   f.Altitude,
		Speed:      f.Speed,
		Course:     f.Course,
	}, nil
}

// Watcher is a sensor.LocationWatcher backed by a Kafka consumer. Each
// watch opens its own reader.
type Watcher struct {
	newReader func() Reader
	log       logging.Logger
	clock     timectrl.Clock
	backoff   time.Duration
}

// Option customises a Watcher.
type Option func(*Watcher)

// WithLogger sets the watcher logger.
func WithLogger(l logging.Logger) Option {
	return func(w *Watcher) {
		if l != nil {
			w.log = l
		}
	}
}

// WithClock sets the clock used to judge fix freshness.
func WithClock(c timectrl.Clock) Option {
	return func(w *Watcher) {
		if c != nil {
			w.clock = c
		}
	}
}

// WithBackoff sets the pause after a failed read.
func WithBackoff(d time.Duration) Option {
	return func(w *Watcher) { w.backoff = d }
}

// New returns a watcher consuming cfg.Topic from cfg.Brokers.
func New(cfg Config, opts ...Option) *Watcher {
	return NewWithReader(func() Reader {
		return kafka.NewReader(kafka.ReaderConfig{
			Brokers:     cfg.Brokers,
			Topic:       cfg.Topic,
			GroupID:     cfg.GroupID,
			MinBytes:    1,
			MaxBytes:    10e6,
			MaxWait:     250 * time.Millisecond,
			StartOffset: kafka.LastOffset,
		})
	}, opts...)
}

// NewWithReader returns a watcher that opens readers with newReader.
func NewWithReader(newReader func() Reader, opts ...Option) *Watcher {
	w := &Watcher{
		newReader: newReader,
		log:       logging.Noop(),
		clock:     timectrl.SystemClock{},
		backoff:   time.Second,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Watch consumes fixes until cancel is called. Malformed messages and read
// failures go to onError and the watch continues. Fixes older than
// opts.Timeout are dropped as stale.
func (w *Watcher) Watch(opts sensor.WatchOptions, onFix func(model.PositionSample), onError func(error)) (func(), error) {
	if w.newReader == nil {
		return nil, sensor.ErrSensorUnavailable
	}
	reader := w.newReader()
	if reader == nil {
		return nil, sensor.ErrSensorUnavailable
	}

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		w.consume(ctx, reader, opts, onFix, onError)
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			wg.Wait()
			if err := reader.Close(); err != nil {
				w.log.Warn(context.Background(), "closing kafka reader", logging.Err(err))
			}
		})
	}, nil
}

func (w *Watcher) consume(ctx context.Context, reader Reader, opts sensor.WatchOptions, onFix func(model.PositionSample), onError func(error)) {
	report := func(err error) {
		if onError != nil {
			onError(err)
		}
	}

	for {
		msg, err := reader.ReadMessage(ctx)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				report(fmt.Errorf("kafka reader closed: %w", sensor.ErrSensorUnavailable))
				return
			}
			w.log.Warn(ctx, "kafka read failed", logging.Err(err))
			report(fmt.Errorf("read fix: %w", err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(w.backoff):
			}
			continue
		}

		fix, err := DecodeFix(msg.Value)
		if err != nil {
			w.log.Debug(ctx, "dropping malformed fix",
				logging.Int("partition", msg.Partition),
				logging.Any("offset", msg.Offset),
				logging.Err(err),
			)
			report(fmt.Errorf("offset %d: %w", msg.Offset, err))
			continue
		}
		if fix.Timestamp.IsZero() {
			fix.Timestamp = msg.Time
		}
		if opts.Timeout > 0 && !fix.Timestamp.IsZero() && w.clock.Now().Sub(fix.Timestamp) > opts.Timeout {
			w.log.Debug(ctx, "dropping stale fix", logging.Any("ts", fix.Timestamp))
			continue
		}
		if onFix != nil {
			onFix(fix)
		}
	}
}
