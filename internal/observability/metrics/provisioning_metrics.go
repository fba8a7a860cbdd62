package metrics

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/prometheus/client_golang/prometheus"
	"gorm.io/gorm"
)

const (
	StepReserve      = "reserve"
	StepMailAccount  = "mail_account"
	StepDeploy       = "deploy"
	StepStateFile    = "state_file"
	StepRecord       = "record"
	StepNotify       = "notify"
	StepRollback     = "rollback"
	StepCancelSub    = "cancel_subscription"
	StepExpirySweep  = "expiry_sweep"
	StepWebhookApply = "webhook_apply"
)

const (
	ReasonDeadlineExceeded = "deadline_exceeded"
	ReasonDBLockTimeout    = "db_lock_timeout"
	ReasonUniqueViolation  = "unique_violation"
	ReasonDB               = "db"
	ReasonUnknown          = "unknown"
)

// ProvisioningMetrics exposes provisioning pipeline health on /metrics.
type ProvisioningMetrics struct {
	runs            *prometheus.CounterVec
	stepDuration    *prometheus.HistogramVec
	stepErrors      *prometheus.CounterVec
	rollbackFailure *prometheus.CounterVec
	transitions     *prometheus.CounterVec
	portRetries     prometheus.Counter
	lockWait        prometheus.Observer
}

var (
	provisioningMetricsOnce sync.Once
	provisioningMetrics     *ProvisioningMetrics
)

// Provisioning returns the singleton provisioning metrics registry.
func Provisioning() *ProvisioningMetrics {
	return ProvisioningWithConfig(Config{})
}

// ProvisioningWithConfig returns the singleton registry using config labels.
func ProvisioningWithConfig(cfg Config) *ProvisioningMetrics {
	provisioningMetricsOnce.Do(func() {
		provisioningMetrics = newProvisioningMetrics(prometheus.DefaultRegisterer, cfg)
	})
	return provisioningMetrics
}

// NewProvisioningMetricsForTest builds an unshared registry.
func NewProvisioningMetricsForTest(registerer prometheus.Registerer) *ProvisioningMetrics {
	return newProvisioningMetrics(registerer, Config{ServiceName: "minipass", Environment: "test"})
}

func newProvisioningMetrics(registerer prometheus.Registerer, cfg Config) *ProvisioningMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	serviceName := strings.TrimSpace(cfg.ServiceName)
	if serviceName == "" {
		serviceName = "minipass"
	}
	environment := strings.TrimSpace(cfg.Environment)
	if environment == "" {
		environment = "unknown"
	}
	constLabels := prometheus.Labels{
		"service": serviceName,
		"env":     environment,
	}

	runs := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "minipass_provisioning_runs_total",
		Help:        "Provisioning runs by plan tier and final outcome.",
		ConstLabels: constLabels,
	}, []string{"tier", "outcome"})
	stepDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:        "minipass_provisioning_step_duration_seconds",
		Help:        "Latency of each provisioning step.",
		Buckets:     []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 30, 60, 120, 300},
		ConstLabels: constLabels,
	}, []string{"step"})
	stepErrors := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "minipass_provisioning_step_errors_total",
		Help:        "Provisioning step failures by classified reason.",
		ConstLabels: constLabels,
	}, []string{"step", "reason"})
	rollbackFailure := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "minipass_provisioning_rollback_failures_total",
		Help:        "Cleanup actions that failed during rollback and need operator attention.",
		ConstLabels: constLabels,
	}, []string{"step"})
	transitions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "minipass_customer_status_transitions_total",
		Help:        "Customer record status transitions.",
		ConstLabels: constLabels,
	}, []string{"from", "to"})
	portRetries := prometheus.NewCounter(prometheus.CounterOpts{
		Name:        "minipass_port_allocation_retries_total",
		Help:        "Port allocations retried after a uniqueness conflict.",
		ConstLabels: constLabels,
	})
	lockWait := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:        "minipass_reservation_lock_wait_seconds",
		Help:        "Time spent waiting for the reservation lock.",
		Buckets:     []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		ConstLabels: constLabels,
	})

	registerer.MustRegister(runs, stepDuration, stepErrors, rollbackFailure, transitions, portRetries, lockWait)

	return &ProvisioningMetrics{
		runs:            runs,
		stepDuration:    stepDuration,
		stepErrors:      stepErrors,
		rollbackFailure: rollbackFailure,
		transitions:     transitions,
		portRetries:     portRetries,
		lockWait:        lockWait,
	}
}

// IncRun records the final outcome of a provisioning run.
func (m *ProvisioningMetrics) IncRun(tier, outcome string) {
	if m == nil {
		return
	}
	m.runs.WithLabelValues(tier, outcome).Inc()
}

// ObserveStep records the latency of a single provisioning step.
func (m *ProvisioningMetrics) ObserveStep(step string, duration time.Duration) {
	if m == nil {
		return
	}
	m.stepDuration.WithLabelValues(step).Observe(duration.Seconds())
}

// IncStepError classifies and counts a step failure.
func (m *ProvisioningMetrics) IncStepError(step string, err error) {
	if m == nil || err == nil {
		return
	}
	m.stepErrors.WithLabelValues(step, ClassifyReason(err)).Inc()
}

func (m *ProvisioningMetrics) IncRollbackFailure(step string) {
	if m == nil {
		return
	}
	m.rollbackFailure.WithLabelValues(step).Inc()
}

func (m *ProvisioningMetrics) IncTransition(from, to string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(from, to).Inc()
}

func (m *ProvisioningMetrics) IncPortRetry() {
	if m == nil {
		return
	}
	m.portRetries.Inc()
}

func (m *ProvisioningMetrics) ObserveLockWait(duration time.Duration) {
	if m == nil {
		return
	}
	if duration < 0 {
		duration = 0
	}
	m.lockWait.Observe(duration.Seconds())
}

// ClassifyReason maps errors to low-cardinality reasons.
func ClassifyReason(err error) string {
	if err == nil {
		return ReasonUnknown
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return ReasonDeadlineExceeded
	}
	if hasPGCode(err, "55P03") {
		return ReasonDBLockTimeout
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) || hasPGCode(err, "23505") {
		return ReasonUniqueViolation
	}
	if isDBError(err) {
		return ReasonDB
	}
	return ReasonUnknown
}

func hasPGCode(err error, code string) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == code
	}
	return false
}

func isDBError(err error) bool {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return true
	}
	return errors.Is(err, gorm.ErrInvalidDB) ||
		errors.Is(err, gorm.ErrInvalidTransaction) ||
		errors.Is(err, gorm.ErrInvalidData) ||
		errors.Is(err, gorm.ErrMissingWhereClause)
}
