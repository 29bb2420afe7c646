package metrics

import (
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// UpdaterMetrics are the instruments of the cluster synchronization engine.
type UpdaterMetrics struct {
	PassesTotal      metric.Int64Counter
	PassFailures     metric.Int64Counter
	PassDuration     metric.Float64Histogram
	TargetFailures   metric.Int64Counter
	NodesPolled      metric.Int64Counter
	CouplesCreated   metric.Int64Counter
	CoupleConflicts  metric.Int64Counter
	WatermarkUpdates metric.Int64Counter
}

var (
	updaterMetrics     *UpdaterMetrics
	updaterMetricsLock sync.Mutex
)

// GetUpdaterMetrics returns the process-wide updater instruments, creating
// them on first use.
func GetUpdaterMetrics() *UpdaterMetrics {
	updaterMetricsLock.Lock()
	defer updaterMetricsLock.Unlock()

	if updaterMetrics != nil {
		return updaterMetrics
	}

	updaterMetrics = newUpdaterMetrics()
	return updaterMetrics
}

func newUpdaterMetrics() *UpdaterMetrics {
	meter := otel.Meter("com.arkstore.curator")

	passesTotal, _ := meter.Int64Counter("updater_passes_total")
	passFailures, _ := meter.Int64Counter("updater_pass_failures_total")
	passDuration, _ := meter.Float64Histogram("updater_pass_duration_seconds")
	targetFailures, _ := meter.Int64Counter("updater_target_failures_total")
	nodesPolled, _ := meter.Int64Counter("updater_nodes_polled_total")
	couplesCreated, _ := meter.Int64Counter("updater_couples_created_total")
	coupleConflicts, _ := meter.Int64Counter("updater_couple_conflicts_total")
	watermarkUpdates, _ := meter.Int64Counter("updater_watermark_updates_total")

	return &UpdaterMetrics{
		PassesTotal:      passesTotal,
		PassFailures:     passFailures,
		PassDuration:     passDuration,
		TargetFailures:   targetFailures,
		NodesPolled:      nodesPolled,
		CouplesCreated:   couplesCreated,
		CoupleConflicts:  coupleConflicts,
		WatermarkUpdates: watermarkUpdates,
	}
}
