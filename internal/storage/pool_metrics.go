package storage

import (
	"context"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// ObservePoolMetrics registers observable gauges that report pgx pool health.
// Gauges emit total, idle, acquired, and constructing connection counts.
func ObservePoolMetrics(pool *pgxpool.Pool, poolName string) {
	if pool == nil {
		return
	}
	normalized := strings.TrimSpace(poolName)
	if normalized == "" {
		normalized = "primary"
	}
	attrs := metric.WithAttributes(attribute.String("db_pool", normalized))

	meter := otel.Meter("courier.storage.pool")
	if _, err := meter.Int64ObservableGauge("courier_db_pool_connections_total",
		metric.WithDescription("Total connections (idle + acquired + constructing)"),
		metric.WithUnit("{connection}"),
		metric.WithInt64Callback(func(_ context.Context, observer metric.Int64Observer) error {
			observer.Observe(int64(pool.Stat().TotalConns()), attrs)
			return nil
		}),
	); err != nil {
		return
	}
	if _, err := meter.Int64ObservableGauge("courier_db_pool_connections_idle",
		metric.WithDescription("Idle connections ready for checkout"),
		metric.WithUnit("{connection}"),
		metric.WithInt64Callback(func(_ context.Context, observer metric.Int64Observer) error {
			observer.Observe(int64(pool.Stat().IdleConns()), attrs)
			return nil
		}),
	); err != nil {
		return
	}
	if _, err := meter.Int64ObservableGauge("courier_db_pool_connections_acquired",
		metric.WithDescription("Connections currently acquired by callers"),
		metric.WithUnit("{connection}"),
		metric.WithInt64Callback(func(_ context.Context, observer metric.Int64Observer) error {
			observer.Observe(int64(pool.Stat().AcquiredConns()), attrs)
			return nil
		}),
	); err != nil {
		return
	}
	if _, err := meter.Int64ObservableGauge("courier_db_pool_connections_constructing",
		metric.WithDescription("Connections currently being constructed"),
		metric.WithUnit("{connection}"),
		metric.WithInt64Callback(func(_ context.Context, observer metric.Int64Observer) error {
			observer.Observe(int64(pool.Stat().ConstructingConns()), attrs)
			return nil
		}),
	); err != nil {
		return
	}
}
