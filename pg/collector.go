// Copyright (c) 2025 The quotad authors.
//
// Permission to use, copy, modify, and/or distribute this software
// for any purpose with or without fee is hereby granted, provided
// that the above copyright notice and this permission notice appear
// in all copies.
//
// THE SOFTWARE IS PROVIDED "AS IS" AND THE AUTHOR DISCLAIMS ALL
// WARRANTIES WITH REGARD TO THIS SOFTWARE INCLUDING ALL IMPLIED
// WARRANTIES OF MERCHANTABILITY AND FITNESS. IN NO EVENT SHALL THE
// AUTHOR BE LIABLE FOR ANY SPECIAL, DIRECT, INDIRECT, OR
// CONSEQUENTIAL DAMAGES OR ANY DAMAGES WHATSOEVER RESULTING FROM LOSS
// OF USE, DATA OR PROFITS, WHETHER IN AN ACTION OF CONTRACT,
// NEGLIGENCE OR OTHER TORTIOUS ACTION, ARISING OUT OF OR IN
// CONNECTION WITH THE USE OR PERFORMANCE OF THIS SOFTWARE.

package pg

import (
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
)

type (
	collector struct {
		pool *pgxpool.Pool

		acquireTotal           *prometheus.Desc
		acquireDurationSeconds *prometheus.Desc
		acquiredConnections    *prometheus.Desc
		canceledAcquireTotal   *prometheus.Desc
		emptyAcquireTotal      *prometheus.Desc
		idleConnections        *prometheus.Desc
		maxConnections         *prometheus.Desc
		totalConnections       *prometheus.Desc
		newConnectionsTotal    *prometheus.Desc
	}
)

func newCollector(pool *pgxpool.Pool, labels map[string]string) *collector {
	return &collector{
		pool: pool,

		acquireTotal: prometheus.NewDesc(
			"pgxpool_acquire_total",
			"Cumulative count of successful acquires from the pool.",
			nil,
			labels,
		),
		acquireDurationSeconds: prometheus.NewDesc(
			"pgxpool_acquire_duration_seconds",
			"Total duration of all successful acquires from the pool in seconds.",
			nil,
			labels,
		),
		acquiredConnections: prometheus.NewDesc(
			"pgxpool_acquired_connections",
			"Number of currently acquired connections in the pool.",
			nil,
			labels,
		),
		canceledAcquireTotal: prometheus.NewDesc(
			"pgxpool_canceled_acquire_total",
			"Cumulative count of acquires from the pool that were canceled by a context.",
			nil,
			labels,
		),
		emptyAcquireTotal: prometheus.NewDesc(
			"pgxpool_empty_acquire_total",
			"Cumulative count of successful acquires from the pool that waited for a resource to be released or constructed because the pool was empty.",
			nil,
			labels,
		),
		idleConnections: prometheus.NewDesc(
			"pgxpool_idle_connections",
			"Number of currently idle conns in the pool.",
			nil,
			labels,
		),
		maxConnections: prometheus.NewDesc(
			"pgxpool_max_connections",
			"Maximum size of the pool.",
			nil,
			labels,
		),
		totalConnections: prometheus.NewDesc(
			"pgxpool_total_connections",
			"Total number of resources currently in the pool. The value is the sum of ConstructingConns, AcquiredConns, and IdleConns.",
			nil,
			labels,
		),
		newConnectionsTotal: prometheus.NewDesc(
			"pgxpool_new_connections_total",
			"Cumulative count of new connections opened.",
			nil,
			labels,
		),
	}
}

func (c *collector) Describe(ch chan<- *prometheus.Desc) {
	prometheus.DescribeByCollect(c, ch)
}

func (c *collector) Collect(metrics chan<- prometheus.Metric) {
	stats := c.pool.Stat()

	metrics <- prometheus.MustNewConstMetric(
		c.acquireTotal,
		prometheus.CounterValue,
		float64(stats.AcquireCount()),
	)
	metrics <- prometheus.MustNewConstMetric(
		c.acquireDurationSeconds,
		prometheus.CounterValue,
		stats.AcquireDuration().Seconds(),
	)
	metrics <- prometheus.MustNewConstMetric(
		c.acquiredConnections,
		prometheus.GaugeValue,
		float64(stats.AcquiredConns()),
	)
	metrics <- prometheus.MustNewConstMetric(
		c.canceledAcquireTotal,
		prometheus.CounterValue,
		float64(stats.CanceledAcquireCount()),
	)
	metrics <- prometheus.MustNewConstMetric(
		c.emptyAcquireTotal,
		prometheus.CounterValue,
		float64(stats.EmptyAcquireCount()),
	)
	metrics <- prometheus.MustNewConstMetric(
		c.idleConnections,
		prometheus.GaugeValue,
		float64(stats.IdleConns()),
	)
	metrics <- prometheus.MustNewConstMetric(
		c.maxConnections,
		prometheus.GaugeValue,
		float64(stats.MaxConns()),
	)
	metrics <- prometheus.MustNewConstMetric(
		c.totalConnections,
		prometheus.GaugeValue,
		float64(stats.TotalConns()),
	)
	metrics <- prometheus.MustNewConstMetric(
		c.newConnectionsTotal,
		prometheus.CounterValue,
		float64(stats.NewConnsCount()),
	)
}
