package orchestrator

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/openfinex/inventory-api/internal/config"
	"github.com/openfinex/inventory-api/internal/events"
	"github.com/openfinex/inventory-api/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type stubPositions struct {
	revalidateErr error
	markErrorN    int
}

func (s *stubPositions) Revalidate(securityID, businessDate string) (int64, error) {
	return 1, s.revalidateErr
}

func (s *stubPositions) MarkError(securityID, businessDate string) (int64, error) {
	s.markErrorN++
	return 1, nil
}

type stubInventory struct {
	failuresLeft int
	failWith     error
	delay        time.Duration
	calls        int
	markStaleN   int
}

func (s *stubInventory) Calculate(securityID, businessDate, calcType, market string) ([]types.InventoryAvailability, error) {
	s.calls++
	if s.delay > 0 {
		time.Sleep(s.delay)
	}
	if s.failuresLeft > 0 {
		s.failuresLeft--
		return nil, s.failWith
	}
	return nil, nil
}

func (s *stubInventory) MarkStale(securityID, businessDate string) error {
	s.markStaleN++
	return nil
}

type stubLimits struct {
	refreshErr error
	calls      int
}

func (s *stubLimits) Refresh(securityID, businessDate string) error {
	s.calls++
	return s.refreshErr
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (p *recordingPublisher) Publish(event events.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
}

func (p *recordingPublisher) published() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.events))
	for _, e := range p.events {
		out = append(out, e.Type)
	}
	return out
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.SLA.CalculationBudgetMs = 5000
	cfg.Retry = config.RetryConfig{MaxAttempts: 3, InitialBackoffMs: 1, BackoffMultiplier: 1.0}
	return cfg
}

type fixture struct {
	orch      *Orchestrator
	positions *stubPositions
	inventory *stubInventory
	limits    *stubLimits
	publisher *recordingPublisher
	db        *gorm.DB
}

func newFixture(t *testing.T, cfg *config.Config) *fixture {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&CalculationPass{}, &Alert{}))

	f := &fixture{
		positions: &stubPositions{},
		inventory: &stubInventory{},
		limits:    &stubLimits{},
		publisher: &recordingPublisher{},
		db:        db,
	}
	f.orch = New(db, f.positions, f.inventory, f.limits, f.publisher, cfg)
	return f
}

func trigger() Trigger {
	return Trigger{
		SecurityID:    "AAPL",
		BusinessDate:  "2025-03-14",
		Market:        types.MarketGlobal,
		TriggerType:   TriggerTrade,
		CorrelationID: "corr-1",
	}
}

func lastPass(t *testing.T, f *fixture) CalculationPass {
	t.Helper()
	passes, err := f.orch.ListRecentPasses("AAPL", 1)
	require.NoError(t, err)
	require.Len(t, passes, 1)
	return passes[0]
}

func TestRunPassPublishes(t *testing.T) {
	f := newFixture(t, testConfig())

	f.orch.runPass(trigger())

	pass := lastPass(t, f)
	assert.Equal(t, PassPublished, pass.State)
	assert.False(t, pass.SLABreached)
	assert.Empty(t, pass.ErrorMessage)
	// One calculation call per availability type
	assert.Equal(t, len(types.CalculationTypes), f.inventory.calls)
	assert.Equal(t, 1, f.limits.calls)

	published := f.publisher.published()
	assert.Contains(t, published, events.InventoryUpdated)
	assert.Contains(t, published, events.LimitUpdated)
	assert.NotContains(t, published, events.CalculationFailed)
}

func TestRunPassRetriesTransientFailures(t *testing.T) {
	f := newFixture(t, testConfig())
	f.inventory.failuresLeft = 2
	f.inventory.failWith = types.NewRetryableCalculationError(
		types.CalcTypeForLoan, "AAPL", "2025-03-14", errors.New("db busy"))

	f.orch.runPass(trigger())

	pass := lastPass(t, f)
	assert.Equal(t, PassPublished, pass.State)
	// The two failed attempts are absorbed inside the pass
	assert.Equal(t, len(types.CalculationTypes)+2, f.inventory.calls)

	alerts, err := f.orch.ListAlerts(false)
	require.NoError(t, err)
	assert.Empty(t, alerts)
}

func TestRunPassExhaustedRetriesFails(t *testing.T) {
	f := newFixture(t, testConfig())
	f.inventory.failuresLeft = 100
	f.inventory.failWith = types.NewRetryableCalculationError(
		types.CalcTypeForLoan, "AAPL", "2025-03-14", errors.New("db busy"))

	f.orch.runPass(trigger())

	pass := lastPass(t, f)
	assert.Equal(t, PassFailed, pass.State)
	assert.Contains(t, pass.ErrorMessage, "db busy")

	// Failure leaves last-known-good data flagged, never deleted
	assert.Equal(t, 1, f.positions.markErrorN)
	assert.Equal(t, 1, f.inventory.markStaleN)

	alerts, err := f.orch.ListAlerts(true)
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	assert.Equal(t, SeverityWarning, alerts[0].Severity)
	assert.Equal(t, pass.PassID, alerts[0].PassID)

	assert.Contains(t, f.publisher.published(), events.CalculationFailed)
}

func TestRunPassFatalErrorNeverRetries(t *testing.T) {
	f := newFixture(t, testConfig())
	f.inventory.failuresLeft = 100
	f.inventory.failWith = types.NewFatalCalculationError(
		types.CalcTypeForLoan, "AAPL", "2025-03-14", errors.New("malformed rule"))

	f.orch.runPass(trigger())

	pass := lastPass(t, f)
	assert.Equal(t, PassFailed, pass.State)
	// Revalidate succeeded, the first calculate failed fatally: one call only
	assert.Equal(t, 1, f.inventory.calls)

	alerts, err := f.orch.ListAlerts(true)
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	assert.Equal(t, SeverityCritical, alerts[0].Severity)
}

func TestRunPassSLABreachFlagsWithoutAborting(t *testing.T) {
	cfg := testConfig()
	cfg.SLA.CalculationBudgetMs = 1
	f := newFixture(t, cfg)
	f.inventory.delay = 2 * time.Millisecond

	f.orch.runPass(trigger())

	pass := lastPass(t, f)
	assert.Equal(t, PassPublished, pass.State)
	assert.True(t, pass.SLABreached)
	assert.Contains(t, f.publisher.published(), events.InventoryUpdated)
}

func TestTriggerDefaultsAndQueueFull(t *testing.T) {
	f := newFixture(t, testConfig())

	// Workers never started: the partition backlog fills up
	for i := 0; i < queueDepth; i++ {
		require.NoError(t, f.orch.Trigger(Trigger{SecurityID: "AAPL", BusinessDate: "2025-03-14"}))
	}
	err := f.orch.Trigger(Trigger{SecurityID: "AAPL", BusinessDate: "2025-03-14"})
	assert.Error(t, err)

	// Defaults were stamped on enqueue
	queued := <-f.orch.queues[partitionFor("AAPL")]
	assert.Equal(t, TriggerManual, queued.TriggerType)
	assert.NotEmpty(t, queued.CorrelationID)
}

func TestAcknowledgeAlert(t *testing.T) {
	f := newFixture(t, testConfig())
	f.positions.revalidateErr = errors.New("store down")

	f.orch.runPass(trigger())

	alerts, err := f.orch.ListAlerts(true)
	require.NoError(t, err)
	require.Len(t, alerts, 1)

	require.NoError(t, f.orch.AcknowledgeAlert(alerts[0].AlertID))

	alerts, err = f.orch.ListAlerts(true)
	require.NoError(t, err)
	assert.Empty(t, alerts)

	all, err := f.orch.ListAlerts(false)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.True(t, all[0].Acknowledged)

	assert.ErrorIs(t, f.orch.AcknowledgeAlert("ALERT_missing"), gorm.ErrRecordNotFound)
}
