/*
Package telemetry builds the relay's structured logger and metrics set.
broadcast_hub logs with the stdlib "log" package and has no metrics at all;
both come from r2northstar/atlas, whose server.go builds a zerolog.Logger
over a MultiLevelWriter of console/file outputs (configureLogging) and
exposes a VictoriaMetrics *metrics.Set over a "/metrics" HTTP handler.
*/
package telemetry

import (
	"fmt"
	"io"
	"net/http"
	"os"

	"github.com/VictoriaMetrics/metrics"
	"github.com/rs/zerolog"
)

// NewLogger builds a console logger, and if logFile is non-empty, also
// appends to that file via zerolog.MultiLevelWriter, the way
// configureLogging layers outputs in r2northstar/atlas.
func NewLogger(logFile string) (zerolog.Logger, error) {
	console := zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: "15:04:05"}
	outputs := []io.Writer{console}

	if logFile != "" {
		f, err := os.OpenFile(logFile, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
		if err != nil {
			return zerolog.Logger{}, fmt.Errorf("telemetry: open log file: %w", err)
		}
		outputs = append(outputs, f)
	}

	return zerolog.New(zerolog.MultiLevelWriter(outputs...)).
		Level(zerolog.InfoLevel).
		With().
		Timestamp().
		Logger(), nil
}

// Counters is the relay's metrics surface: connection/frame/drop counts a
// dashboard or alert rule would scrape, grounded on how atlas counts
// per-endpoint request totals on its own *metrics.Set.
type Counters struct {
	set *metrics.Set

	ConnectionsAccepted *metrics.Counter
	ConnectionsClosed   *metrics.Counter
}

// NewCounters creates a fresh, independent metrics set so tests never
// collide with a process-wide default set.
func NewCounters() *Counters {
	set := metrics.NewSet()
	return &Counters{
		set:                 set,
		ConnectionsAccepted: set.NewCounter(`crc_relay_connections_accepted_total`),
		ConnectionsClosed:   set.NewCounter(`crc_relay_connections_closed_total`),
	}
}

// DispatchedKind increments the per-kind dispatch counter, created lazily
// by name the first time a given kind is seen.
func (c *Counters) DispatchedKind(kind string) {
	c.set.GetOrCreateCounter(fmt.Sprintf(`crc_relay_frames_dispatched_total{kind=%q}`, kind)).Inc()
}

// DroppedKind increments the per-kind, per-reason drop counter (spec.md §7).
func (c *Counters) DroppedKind(kind, reason string) {
	c.set.GetOrCreateCounter(fmt.Sprintf(`crc_relay_frames_dropped_total{kind=%q,reason=%q}`, kind, reason)).Inc()
}

// RegisterDirectorySizeGauge wires a live directory-size callback into the
// metrics set. size is called on every scrape, the way VictoriaMetrics
// gauges are defined: as a function, not a settable value.
func (c *Counters) RegisterDirectorySizeGauge(size func() float64) {
	c.set.NewGauge(`crc_relay_directory_size`, size)
}

// ListenAndServe serves the counters (plus process metrics) as Prometheus
// text on addr's "/metrics" path, the way atlas's serveRest handles its own
// "/metrics" endpoint.
func (c *Counters) ListenAndServe(addr string) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/metrics", func(w http.ResponseWriter, r *http.Request) {
		metrics.WriteProcessMetrics(w)
		c.set.WritePrometheus(w)
	})
	return http.ListenAndServe(addr, mux)
}
