package sender

import (
	"context"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// senderMetrics accumulates dispatcher counters. The atomics are the source
// of truth; OpenTelemetry instruments observe them via callbacks so tests can
// assert on exact values without an exporter.
type senderMetrics struct {
	pduDestCount    atomic.Int64
	pduDestTotal    atomic.Int64
	eventsProcessed atomic.Int64
	loopCount       atomic.Int64
	loopRoomCount   atomic.Int64
	processingLagMS atomic.Int64
	lastProcessedTS atomic.Int64
	streamPosition  atomic.Int64
}

func newSenderMetrics() *senderMetrics {
	return &senderMetrics{}
}

// register wires the accumulator and queue gauges into the global meter.
func (m *senderMetrics) register(s *Sender) {
	meter := otel.Meter("courier.sender")

	observeCounter := func(name, desc string, v *atomic.Int64) {
		_, _ = meter.Int64ObservableCounter(name,
			metric.WithDescription(desc),
			metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
				o.Observe(v.Load())
				return nil
			}),
		)
	}
	observeGauge := func(name, desc string, fn func() int64) {
		_, _ = meter.Int64ObservableGauge(name,
			metric.WithDescription(desc),
			metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
				o.Observe(fn())
				return nil
			}),
		)
	}

	observeCounter("federation_client_sent_pdu_destinations_count",
		"Number of PDUs queued for sending to one or more destinations", &m.pduDestCount)
	observeCounter("federation_client_sent_pdu_destinations_total",
		"Total number of PDUs queued for sending across all destinations", &m.pduDestTotal)
	observeCounter("federation_sender_events_processed",
		"Events examined by the fan-out loop", &m.eventsProcessed)
	observeCounter("federation_sender_event_processing_loop_count",
		"Iterations of the fan-out loop", &m.loopCount)
	observeCounter("federation_sender_event_processing_loop_room_count",
		"Rooms handled per fan-out iteration, accumulated", &m.loopRoomCount)

	observeGauge("federation_sender_event_processing_lag_ms",
		"Milliseconds between event receipt and fan-out", m.processingLagMS.Load)
	observeGauge("federation_sender_event_processing_last_ts",
		"Receive timestamp of the last fanned-out event", m.lastProcessedTS.Load)
	observeGauge("federation_sender_event_processing_position",
		"Current event stream position of the fan-out loop", m.streamPosition.Load)

	observeGauge("federation_transaction_queue_pending_destinations",
		"Destinations with an active transmission loop", func() int64 {
			s.mu.Lock()
			defer s.mu.Unlock()
			var n int64
			for _, q := range s.queues {
				if q.TransmissionLoopRunning() {
					n++
				}
			}
			return n
		})
	observeGauge("federation_transaction_queue_pending_pdus",
		"PDUs waiting across all destination queues", func() int64 {
			s.mu.Lock()
			defer s.mu.Unlock()
			var n int64
			for _, q := range s.queues {
				n += int64(q.PendingPDUCount())
			}
			return n
		})
	observeGauge("federation_transaction_queue_pending_edus",
		"EDUs waiting across all destination queues", func() int64 {
			s.mu.Lock()
			defer s.mu.Unlock()
			var n int64
			for _, q := range s.queues {
				n += int64(q.PendingEDUCount())
			}
			return n
		})
}
