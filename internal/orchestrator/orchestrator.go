package orchestrator

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/openfinex/inventory-api/internal/config"
	"github.com/openfinex/inventory-api/internal/events"
	"github.com/openfinex/inventory-api/internal/types"
	"github.com/openfinex/inventory-api/pkg/metrics"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

// workerCount partitions triggers by security so passes for the same
// security run in arrival order while unrelated securities proceed in
// parallel.
const workerCount = 8

// queueDepth bounds each worker's backlog.
const queueDepth = 256

// PositionStore is the slice of the position service the orchestrator
// drives.
type PositionStore interface {
	Revalidate(securityID, businessDate string) (int64, error)
	MarkError(securityID, businessDate string) (int64, error)
}

// InventoryCalculator is the slice of the inventory service the
// orchestrator drives.
type InventoryCalculator interface {
	Calculate(securityID, businessDate, calcType, market string) ([]types.InventoryAvailability, error)
	MarkStale(securityID, businessDate string) error
}

// LimitRefresher is the slice of the limits service the orchestrator
// drives.
type LimitRefresher interface {
	Refresh(securityID, businessDate string) error
}

// Orchestrator runs the recalculation state machine: revalidate positions,
// recompute every availability type, refresh limits, publish. Failed passes
// leave last-known-good data flagged stale and raise an alert.
type Orchestrator struct {
	db        *Database
	positions PositionStore
	inventory InventoryCalculator
	limits    LimitRefresher
	publisher events.Publisher

	sla   config.SLAConfig
	retry config.RetryConfig

	queues [workerCount]chan Trigger
	wg     sync.WaitGroup
}

// New creates an orchestrator over the given services.
func New(gormDB *gorm.DB, positions PositionStore, inventory InventoryCalculator,
	limits LimitRefresher, publisher events.Publisher, cfg *config.Config) *Orchestrator {

	if publisher == nil {
		publisher = events.NopPublisher{}
	}
	o := &Orchestrator{
		db:        NewDatabase(gormDB),
		positions: positions,
		inventory: inventory,
		limits:    limits,
		publisher: publisher,
		sla:       cfg.SLA,
		retry:     cfg.Retry,
	}
	for i := range o.queues {
		o.queues[i] = make(chan Trigger, queueDepth)
	}
	return o
}

// Start launches the worker partitions. Workers drain until the context is
// cancelled; Wait blocks until they exit.
func (o *Orchestrator) Start(ctx context.Context) {
	logger := log.With().Str("component", "orchestrator").Logger()
	logger.Info().Int("workers", workerCount).Msg("starting calculation orchestrator")

	for i := range o.queues {
		o.wg.Add(1)
		go func(partition int) {
			defer o.wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case trigger := <-o.queues[partition]:
					o.runPass(trigger)
				}
			}
		}(i)
	}
}

// Wait blocks until all workers have exited.
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

// Trigger enqueues a recalculation for the security's partition. Returns an
// error when the partition's backlog is full; the caller decides whether to
// shed or block.
func (o *Orchestrator) Trigger(t Trigger) error {
	if t.TriggerType == "" {
		t.TriggerType = TriggerManual
	}
	if t.CorrelationID == "" {
		t.CorrelationID = uuid.New().String()
	}

	partition := partitionFor(t.SecurityID)

	select {
	case o.queues[partition] <- t:
		return nil
	default:
		return fmt.Errorf("calculation queue full for partition %d", partition)
	}
}

// partitionFor maps a security to its worker partition.
func partitionFor(securityID string) uint32 {
	h := fnv.New32a()
	h.Write([]byte(securityID))
	return h.Sum32() % workerCount
}

// runPass executes the state machine for one trigger.
func (o *Orchestrator) runPass(t Trigger) {
	logger := log.With().
		Str("component", "orchestrator").
		Str("security_id", t.SecurityID).
		Str("business_date", t.BusinessDate).
		Str("trigger_type", t.TriggerType).
		Str("correlation_id", t.CorrelationID).
		Logger()

	pass := &CalculationPass{
		PassID:        "CALC_" + uuid.New().String(),
		SecurityID:    t.SecurityID,
		BusinessDate:  t.BusinessDate,
		Market:        t.Market,
		TriggerType:   t.TriggerType,
		CorrelationID: t.CorrelationID,
		State:         PassTriggered,
		StartedAt:     time.Now(),
	}
	if err := o.db.CreatePass(pass); err != nil {
		logger.Error().Err(err).Msg("failed to record calculation pass")
		return
	}

	start := time.Now()

	err := o.runWithRetry(logger, pass, func() error {
		_, err := o.positions.Revalidate(t.SecurityID, t.BusinessDate)
		if err != nil {
			return types.NewRetryableCalculationError("", t.SecurityID, t.BusinessDate, err)
		}
		return nil
	})
	if err != nil {
		o.failPass(logger, pass, t, err)
		return
	}
	o.transition(logger, pass, PassPositionsUpdated)

	for _, calcType := range types.CalculationTypes {
		ct := calcType
		err := o.runWithRetry(logger, pass, func() error {
			_, err := o.inventory.Calculate(t.SecurityID, t.BusinessDate, ct, t.Market)
			return err
		})
		if err != nil {
			o.failPass(logger, pass, t, err)
			return
		}
	}
	o.transition(logger, pass, PassInventoryComputed)

	err = o.runWithRetry(logger, pass, func() error {
		if err := o.limits.Refresh(t.SecurityID, t.BusinessDate); err != nil {
			return types.NewRetryableCalculationError("", t.SecurityID, t.BusinessDate, err)
		}
		return nil
	})
	if err != nil {
		o.failPass(logger, pass, t, err)
		return
	}
	o.transition(logger, pass, PassLimitsUpdated)

	elapsed := time.Since(start)
	pass.DurationMs = elapsed.Milliseconds()
	pass.CompletedAt = time.Now()
	// An exceeded budget is flagged for observability, never aborted.
	if elapsed > o.sla.CalculationBudget() {
		pass.SLABreached = true
		metrics.SLABreachesTotal.WithLabelValues(t.TriggerType).Inc()
		logger.Warn().
			Dur("elapsed", elapsed).
			Dur("budget", o.sla.CalculationBudget()).
			Msg("calculation pass exceeded latency budget")
	}
	o.transition(logger, pass, PassPublished)

	o.publisher.Publish(events.Event{
		Type:          events.InventoryUpdated,
		CorrelationID: t.CorrelationID,
		Payload: map[string]interface{}{
			"security_id":   t.SecurityID,
			"business_date": t.BusinessDate,
			"pass_id":       pass.PassID,
		},
	})
	o.publisher.Publish(events.Event{
		Type:          events.LimitUpdated,
		CorrelationID: t.CorrelationID,
		Payload: map[string]interface{}{
			"security_id":   t.SecurityID,
			"business_date": t.BusinessDate,
		},
	})

	metrics.CalculationPassDuration.WithLabelValues(t.TriggerType).Observe(elapsed.Seconds())
	metrics.CalculationPassesTotal.WithLabelValues(PassPublished).Inc()

	logger.Info().
		Str("pass_id", pass.PassID).
		Int64("duration_ms", pass.DurationMs).
		Bool("sla_breached", pass.SLABreached).
		Msg("calculation pass published")
}

// runWithRetry retries fn on transient failures with exponential backoff.
// Fatal calculation errors surface immediately.
func (o *Orchestrator) runWithRetry(logger zerolog.Logger, pass *CalculationPass, fn func() error) error {
	backoff := o.retry.InitialBackoff()
	var err error
	for attempt := 1; attempt <= o.retry.MaxAttempts; attempt++ {
		pass.Attempts++
		err = fn()
		if err == nil {
			return nil
		}
		if !types.IsRetryable(err) {
			return err
		}
		if attempt == o.retry.MaxAttempts {
			break
		}
		metrics.CalculationRetriesTotal.Inc()
		logger.Warn().
			Err(err).
			Int("attempt", attempt).
			Dur("backoff", backoff).
			Msg("transient calculation failure, retrying")
		time.Sleep(backoff)
		backoff = time.Duration(float64(backoff) * o.retry.BackoffMultiplier)
	}
	return err
}

func (o *Orchestrator) transition(logger zerolog.Logger, pass *CalculationPass, state string) {
	pass.State = state
	if err := o.db.UpdatePass(pass); err != nil {
		logger.Error().Err(err).Str("state", state).Msg("failed to persist pass state")
	}
}

// failPass finalizes a failed pass: positions flag ERROR, availability goes
// stale but stays readable, and an alert fires.
func (o *Orchestrator) failPass(logger zerolog.Logger, pass *CalculationPass, t Trigger, cause error) {
	pass.State = PassFailed
	pass.ErrorMessage = cause.Error()
	pass.DurationMs = time.Since(pass.StartedAt).Milliseconds()
	pass.CompletedAt = time.Now()
	if err := o.db.UpdatePass(pass); err != nil {
		logger.Error().Err(err).Msg("failed to persist failed pass")
	}

	if _, err := o.positions.MarkError(t.SecurityID, t.BusinessDate); err != nil {
		logger.Error().Err(err).Msg("failed to flag positions after failed pass")
	}
	if err := o.inventory.MarkStale(t.SecurityID, t.BusinessDate); err != nil {
		logger.Error().Err(err).Msg("failed to flag availability stale after failed pass")
	}

	severity := SeverityWarning
	if calcErr, ok := types.AsCalculationError(cause); ok && !calcErr.Retryable {
		severity = SeverityCritical
	}
	alert := &Alert{
		AlertID:      "ALERT_" + uuid.New().String(),
		Severity:     severity,
		SecurityID:   t.SecurityID,
		BusinessDate: t.BusinessDate,
		PassID:       pass.PassID,
		Message:      cause.Error(),
	}
	if err := o.db.CreateAlert(alert); err != nil {
		logger.Error().Err(err).Msg("failed to create alert")
	}

	o.publisher.Publish(events.Event{
		Type:          events.CalculationFailed,
		CorrelationID: t.CorrelationID,
		Payload: map[string]interface{}{
			"security_id":   t.SecurityID,
			"business_date": t.BusinessDate,
			"pass_id":       pass.PassID,
			"severity":      severity,
			"error":         cause.Error(),
		},
	})

	metrics.CalculationPassesTotal.WithLabelValues(PassFailed).Inc()

	logger.Error().
		Err(cause).
		Str("pass_id", pass.PassID).
		Str("severity", severity).
		Msg("calculation pass failed")
}

// ListRecentPasses returns recent pass audit records.
func (o *Orchestrator) ListRecentPasses(securityID string, limit int) ([]CalculationPass, error) {
	return o.db.ListRecentPasses(securityID, limit)
}

// ListAlerts returns operational alerts.
func (o *Orchestrator) ListAlerts(unacknowledgedOnly bool) ([]Alert, error) {
	return o.db.ListAlerts(unacknowledgedOnly)
}

// AcknowledgeAlert marks an alert as handled.
func (o *Orchestrator) AcknowledgeAlert(alertID string) error {
	return o.db.AcknowledgeAlert(alertID)
}
