package monitoring

import (
	"context"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
)

var (
	currentLoad = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "capacity_current_load",
			Help: "Sum of weights of all reserved, unreleased orders",
		},
	)

	maxCapacity = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "capacity_max",
			Help: "Configured capacity ceiling",
		},
	)

	utilizationRatio = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "capacity_utilization_ratio",
			Help: "currentLoad / maxCapacity",
		},
	)

	queueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "waiting_queue_depth",
			Help: "Queue depth per plan and status",
		},
		[]string{"plan_type", "status"},
	)

	capacityOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "capacity_operations_total",
			Help: "Total capacity operations",
		},
		[]string{"operation", "plan_type", "result"},
	)

	operationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "capacity_operation_duration_seconds",
			Help:    "Duration of reserve/release operations",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
		},
		[]string{"operation"},
	)
)

type Monitor struct {
	redis *redis.Client
}

func NewMonitor(redisClient *redis.Client) *Monitor {
	monitor := &Monitor{redis: redisClient}

	// Start metrics collection
	go monitor.collectMetrics()

	return monitor
}

func (m *Monitor) collectMetrics() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for range ticker.C {
		ctx := context.Background()

		m.collectCapacityMetrics(ctx)
		m.collectQueueMetrics(ctx)
	}
}

func (m *Monitor) collectCapacityMetrics(ctx context.Context) {
	state, err := m.redis.HGetAll(ctx, "capacity:state").Result()
	if err != nil || len(state) == 0 {
		return
	}

	load, _ := strconv.ParseFloat(state["current_load"], 64)
	max, _ := strconv.ParseFloat(state["max_capacity"], 64)

	currentLoad.Set(load)
	maxCapacity.Set(max)
	if max > 0 {
		utilizationRatio.Set(load / max)
	}
}

func (m *Monitor) collectQueueMetrics(ctx context.Context) {
	waitingKeys, _ := m.redis.Keys(ctx, "wq:waiting:*").Result()
	for _, key := range waitingKeys {
		planType := key[len("wq:waiting:"):]
		depth, _ := m.redis.ZCard(ctx, key).Result()
		queueDepth.WithLabelValues(planType, "waiting").Set(float64(depth))
	}

	notifiedKeys, _ := m.redis.Keys(ctx, "wq:notified:*").Result()
	for _, key := range notifiedKeys {
		planType := key[len("wq:notified:"):]
		depth, _ := m.redis.ZCard(ctx, key).Result()
		queueDepth.WithLabelValues(planType, "notified").Set(float64(depth))
	}
}

// TrackOperation counts one reserve/release/adjust outcome.
func (m *Monitor) TrackOperation(operation, planType, result string) {
	capacityOperations.WithLabelValues(operation, planType, result).Inc()
}

// TrackDuration records how long a capacity mutation took.
func (m *Monitor) TrackDuration(operation string, duration time.Duration) {
	operationDuration.WithLabelValues(operation).Observe(duration.Seconds())
}
