package observability

import (
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// PegControllerMetrics tracks controller operations and the state of the peg.
type PegControllerMetrics struct {
	requests     *prometheus.CounterVec
	latency      *prometheus.HistogramVec
	errors       *prometheus.CounterVec
	pendingOrder prometheus.Gauge
	deviation    prometheus.Gauge
	supply       *prometheus.GaugeVec
}

var (
	pegControllerOnce sync.Once
	pegControllerReg  *PegControllerMetrics

	keeperOnce sync.Once
	keeperReg  *KeeperMetrics

	oracleOnce sync.Once
	oracleReg  *OracleMetrics
)

// PegController returns the lazily registered controller metrics.
func PegController() *PegControllerMetrics {
	pegControllerOnce.Do(func() {
		pegControllerReg = &PegControllerMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "pegkeeper",
				Subsystem: "controller",
				Name:      "requests_total",
				Help:      "Count of controller operations segmented by operation and outcome.",
			}, []string{"operation", "outcome"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "pegkeeper",
				Subsystem: "controller",
				Name:      "request_duration_seconds",
				Help:      "Latency distribution for controller operations.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"operation"}),
			errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "pegkeeper",
				Subsystem: "controller",
				Name:      "errors_total",
				Help:      "Count of rejected controller operations segmented by operation and reason.",
			}, []string{"operation", "reason"}),
			pendingOrder: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "pegkeeper",
				Subsystem: "controller",
				Name:      "pending_twamm_order",
				Help:      "1 while a TWAMM order is pending, 0 otherwise.",
			}),
			deviation: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "pegkeeper",
				Subsystem: "controller",
				Name:      "peg_deviation_ratio",
				Help:      "Absolute deviation of the FPI spot price from the CPI peg.",
			}),
			supply: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "pegkeeper",
				Subsystem: "controller",
				Name:      "outstanding_tokens",
				Help:      "Net FPI minted and FRAX lent to AMOs, in whole tokens.",
			}, []string{"bucket"}),
		}
		prometheus.MustRegister(
			pegControllerReg.requests,
			pegControllerReg.latency,
			pegControllerReg.errors,
			pegControllerReg.pendingOrder,
			pegControllerReg.deviation,
			pegControllerReg.supply,
		)
	})
	return pegControllerReg
}

// Observe records the outcome of a controller operation.
func (m *PegControllerMetrics) Observe(operation string, duration time.Duration, err error) {
	if m == nil {
		return
	}
	op := strings.TrimSpace(operation)
	if op == "" {
		op = "unknown"
	}
	outcome := "success"
	if err != nil {
		outcome = "error"
		reason := strings.TrimSpace(err.Error())
		if reason == "" {
			reason = "unknown"
		}
		m.errors.WithLabelValues(op, reason).Inc()
	}
	m.requests.WithLabelValues(op, outcome).Inc()
	m.latency.WithLabelValues(op).Observe(duration.Seconds())
}

// SetPendingOrder flips the pending order gauge.
func (m *PegControllerMetrics) SetPendingOrder(active bool) {
	if m == nil {
		return
	}
	if active {
		m.pendingOrder.Set(1)
		return
	}
	m.pendingOrder.Set(0)
}

// SetDeviation records the peg deviation expressed with the given precision.
func (m *PegControllerMetrics) SetDeviation(fracAbs uint64, precision uint64) {
	if m == nil || precision == 0 {
		return
	}
	m.deviation.Set(float64(fracAbs) / float64(precision))
}

// RecordOutstanding records a 1e18 scaled token amount for bucket.
func (m *PegControllerMetrics) RecordOutstanding(bucket string, amount *big.Int) {
	if m == nil {
		return
	}
	m.supply.WithLabelValues(strings.TrimSpace(bucket)).Set(scaledToFloat(amount))
}

// KeeperMetrics tracks scheduled keeper jobs.
type KeeperMetrics struct {
	runs    *prometheus.CounterVec
	lastRun *prometheus.GaugeVec
}

// Keeper returns the lazily registered keeper metrics.
func Keeper() *KeeperMetrics {
	keeperOnce.Do(func() {
		keeperReg = &KeeperMetrics{
			runs: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "pegkeeper",
				Subsystem: "keeper",
				Name:      "job_runs_total",
				Help:      "Count of keeper job executions segmented by job and outcome.",
			}, []string{"job", "outcome"}),
			lastRun: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "pegkeeper",
				Subsystem: "keeper",
				Name:      "last_run_timestamp_seconds",
				Help:      "Unix time of the last keeper job execution.",
			}, []string{"job"}),
		}
		prometheus.MustRegister(keeperReg.runs, keeperReg.lastRun)
	})
	return keeperReg
}

// RecordRun records a job execution.
func (m *KeeperMetrics) RecordRun(job string, at time.Time, err error) {
	if m == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	m.runs.WithLabelValues(job, outcome).Inc()
	m.lastRun.WithLabelValues(job).Set(float64(at.Unix()))
}

// OracleMetrics tracks aggregated oracle rounds.
type OracleMetrics struct {
	rounds    *prometheus.CounterVec
	freshness *prometheus.GaugeVec
}

// Oracle returns the lazily registered oracle metrics.
func Oracle() *OracleMetrics {
	oracleOnce.Do(func() {
		oracleReg = &OracleMetrics{
			rounds: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "pegkeeper",
				Subsystem: "oracle",
				Name:      "rounds_total",
				Help:      "Count of aggregated oracle rounds per feed.",
			}, []string{"feed"}),
			freshness: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "pegkeeper",
				Subsystem: "oracle",
				Name:      "freshness_seconds",
				Help:      "Age of the last accepted round per feed.",
			}, []string{"feed"}),
		}
		prometheus.MustRegister(oracleReg.rounds, oracleReg.freshness)
	})
	return oracleReg
}

// RecordRound records an accepted round.
func (m *OracleMetrics) RecordRound(feed string, age time.Duration) {
	if m == nil {
		return
	}
	label := strings.ToUpper(strings.TrimSpace(feed))
	m.rounds.WithLabelValues(label).Inc()
	m.freshness.WithLabelValues(label).Set(age.Seconds())
}

func scaledToFloat(value *big.Int) float64 {
	if value == nil {
		return 0
	}
	f, _ := new(big.Float).Quo(new(big.Float).SetInt(value), big.NewFloat(1e18)).Float64()
	return f
}
