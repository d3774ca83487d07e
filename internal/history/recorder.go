// Package history writes area activity changes to InfluxDB as a time
// series.
package history

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"go.uber.org/zap"

	"areaautomation/internal/activity"
)

const (
	connectTimeout = 10 * time.Second

	// Measurement is the InfluxDB measurement activity changes are written to
	Measurement = "area_activity"
)

// ErrConnectionFailed is returned when the server cannot be reached
var ErrConnectionFailed = errors.New("influxdb connection failed")

// Options configures the InfluxDB connection
type Options struct {
	URL    string
	Token  string
	Org    string
	Bucket string
	// BatchSize and FlushInterval default to 100 points and 10s
	BatchSize     uint
	FlushInterval time.Duration
}

// PointWriter is the subset of the non-blocking write API the recorder uses
type PointWriter interface {
	WritePoint(point *write.Point)
	Flush()
}

// levelIndex orders activity levels for plotting
var levelIndex = map[activity.Level]int{
	activity.Empty:    0,
	activity.Inactive: 1,
	activity.Movement: 2,
	activity.Occupied: 3,
}

// Recorder writes one point per activity change
type Recorder struct {
	writer PointWriter
	close  func()
	logger *zap.Logger

	mu     sync.Mutex
	closed bool
}

// NewRecorder creates a recorder over writer. closeFn, if set, runs after
// the final flush.
func NewRecorder(writer PointWriter, closeFn func(), logger *zap.Logger) *Recorder {
	return &Recorder{writer: writer, close: closeFn, logger: logger.Named("history")}
}

// Connect pings the server and returns a recorder using its batching write API
func Connect(opts Options, logger *zap.Logger) (*Recorder, error) {
	batchSize := opts.BatchSize
	if batchSize == 0 {
		batchSize = 100
	}
	flush := opts.FlushInterval
	if flush <= 0 {
		flush = 10 * time.Second
	}

	client := influxdb2.NewClientWithOptions(opts.URL, opts.Token,
		influxdb2.DefaultOptions().
			SetBatchSize(batchSize).
			SetFlushInterval(uint(flush.Milliseconds())))

	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()

	healthy, err := client.Ping(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("%w: ping failed: %w", ErrConnectionFailed, err)
	}
	if !healthy {
		client.Close()
		return nil, fmt.Errorf("%w: server not healthy", ErrConnectionFailed)
	}

	writeAPI := client.WriteAPI(opts.Org, opts.Bucket)
	r := NewRecorder(writeAPI, client.Close, logger)
	go func() {
		for err := range writeAPI.Errors() {
			r.logger.Warn("Write failed", zap.Error(err))
		}
	}()

	r.logger.Info("Connected to InfluxDB",
		zap.String("url", opts.URL),
		zap.String("bucket", opts.Bucket))
	return r, nil
}

// Point builds the point for one change
func Point(change activity.Change) *write.Point {
	return write.NewPoint(
		Measurement,
		map[string]string{"area_id": change.AreaID},
		map[string]interface{}{
			"activity":  string(change.New),
			"previous":  string(change.Old),
			"level":     levelIndex[change.New],
			"change_id": change.ID,
		},
		change.Timestamp,
	)
}

// HandleChange queues one activity change. It never blocks on the server.
func (r *Recorder) HandleChange(change activity.Change) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.writer.WritePoint(Point(change))
}

// Close flushes pending points and closes the client
func (r *Recorder) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	r.mu.Unlock()

	r.writer.Flush()
	if r.close != nil {
		r.close()
	}
}
