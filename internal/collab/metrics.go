/*
Copyright 2025.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package collab

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics defines the collaboration metrics surface. Implementations
// must be safe for concurrent use.
type Metrics interface {
	// ConnectionOpened records an accepted connection.
	ConnectionOpened()
	// ConnectionClosed records a closed connection.
	ConnectionClosed()
	// RoomOpened records a room coming into memory.
	RoomOpened()
	// RoomEvicted records a room leaving memory.
	RoomEvicted()
	// MessageReceived records an inbound frame by type.
	MessageReceived(messageType string)
	// MessageDropped records a frame dropped by a full send queue.
	MessageDropped()
	// SaveCompleted records a persistence attempt outcome.
	SaveCompleted(success bool, bytes int)
}

// NoOpMetrics is the null Metrics implementation used when metrics
// are disabled.
type NoOpMetrics struct{}

// ConnectionOpened is a no-op.
func (NoOpMetrics) ConnectionOpened() {}

// ConnectionClosed is a no-op.
func (NoOpMetrics) ConnectionClosed() {}

// RoomOpened is a no-op.
func (NoOpMetrics) RoomOpened() {}

// RoomEvicted is a no-op.
func (NoOpMetrics) RoomEvicted() {}

// MessageReceived is a no-op.
func (NoOpMetrics) MessageReceived(string) {}

// MessageDropped is a no-op.
func (NoOpMetrics) MessageDropped() {}

// SaveCompleted is a no-op.
func (NoOpMetrics) SaveCompleted(bool, int) {}

// PrometheusMetrics implements Metrics with Prometheus collectors.
type PrometheusMetrics struct {
	connections prometheus.Gauge
	rooms       prometheus.Gauge
	messages    *prometheus.CounterVec
	dropped     prometheus.Counter
	saves       *prometheus.CounterVec
	savedBytes  prometheus.Counter
}

// NewPrometheusMetrics creates and registers the collaboration
// collectors on reg.
func NewPrometheusMetrics(reg prometheus.Registerer) *PrometheusMetrics {
	m := &PrometheusMetrics{
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "codex_collab_connections",
			Help: "Currently open collaboration connections.",
		}),
		rooms: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "codex_collab_rooms",
			Help: "Document rooms currently resident in memory.",
		}),
		messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "codex_collab_messages_total",
			Help: "Inbound collaboration frames by message type.",
		}, []string{"type"}),
		dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "codex_collab_messages_dropped_total",
			Help: "Frames dropped because a connection's send queue overflowed.",
		}),
		saves: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "codex_collab_saves_total",
			Help: "Room persistence attempts by outcome.",
		}, []string{"outcome"}),
		savedBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "codex_collab_saved_bytes_total",
			Help: "Bytes written by successful room saves.",
		}),
	}
	reg.MustRegister(m.connections, m.rooms, m.messages, m.dropped, m.saves, m.savedBytes)
	return m
}

// ConnectionOpened increments the connection gauge.
func (m *PrometheusMetrics) ConnectionOpened() { m.connections.Inc() }

// ConnectionClosed decrements the connection gauge.
func (m *PrometheusMetrics) ConnectionClosed() { m.connections.Dec() }

// RoomOpened increments the room gauge.
func (m *PrometheusMetrics) RoomOpened() { m.rooms.Inc() }

// RoomEvicted decrements the room gauge.
func (m *PrometheusMetrics) RoomEvicted() { m.rooms.Dec() }

// MessageReceived counts an inbound frame.
func (m *PrometheusMetrics) MessageReceived(messageType string) {
	m.messages.WithLabelValues(messageType).Inc()
}

// MessageDropped counts a dropped frame.
func (m *PrometheusMetrics) MessageDropped() { m.dropped.Inc() }

// SaveCompleted counts a persistence attempt.
func (m *PrometheusMetrics) SaveCompleted(success bool, bytes int) {
	outcome := "success"
	if !success {
		outcome = "failure"
	} else {
		m.savedBytes.Add(float64(bytes))
	}
	m.saves.WithLabelValues(outcome).Inc()
}
