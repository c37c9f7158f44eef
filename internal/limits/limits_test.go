package limits

import (
	"fmt"
	"testing"
	"time"

	"github.com/openfinex/inventory-api/internal/types"
	"github.com/openfinex/inventory-api/pkg/metrics"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const testDate = "2025-03-14"

func testServiceBudget(t *testing.T, budget time.Duration) *Service {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&types.AggregationUnitLimit{}))
	return NewService(db, budget)
}

func testService(t *testing.T) *Service {
	return testServiceBudget(t, time.Hour)
}

func seedLimit(t *testing.T, s *Service, longLimit, shortLimit float64) {
	t.Helper()
	require.NoError(t, s.SetLimit(&types.AggregationUnitLimit{
		AggregationUnitID: "AU_US",
		SecurityID:        "AAPL",
		BusinessDate:      testDate,
		Market:            types.MarketGlobal,
		LongSellLimit:     longLimit,
		ShortSellLimit:    shortLimit,
	}))
}

func shortSell(quantity float64) *SellValidationRequest {
	return &SellValidationRequest{
		Side:              SideShortSell,
		AggregationUnitID: "AU_US",
		SecurityID:        "AAPL",
		BusinessDate:      testDate,
		Quantity:          quantity,
	}
}

func TestSetAndGetLimit(t *testing.T) {
	s := testService(t)
	seedLimit(t, s, 100000, 50000)

	limit, err := s.Get("AU_US", "AAPL", testDate)
	require.NoError(t, err)
	require.NotNil(t, limit)
	assert.Contains(t, limit.LimitID, "LIM_")
	assert.Equal(t, 50000.0, limit.ShortSellLimit)

	missing, err := s.Get("AU_EU", "AAPL", testDate)
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestValidateAndConsumeApproves(t *testing.T) {
	s := testService(t)
	seedLimit(t, s, 100000, 50000)

	resp, err := s.ValidateAndConsume(shortSell(20000))
	require.NoError(t, err)
	assert.True(t, resp.Approved)
	assert.Equal(t, 30000.0, resp.RemainingCapacity)

	limit, err := s.Get("AU_US", "AAPL", testDate)
	require.NoError(t, err)
	assert.Equal(t, 20000.0, limit.ShortSellUsed)
	assert.Zero(t, limit.LongSellUsed)
}

func TestValidateAndConsumeRejectsOverLimit(t *testing.T) {
	s := testService(t)
	seedLimit(t, s, 100000, 50000)

	// A rejection is an answer, not an error, and consumes nothing
	resp, err := s.ValidateAndConsume(shortSell(60000))
	require.NoError(t, err)
	assert.False(t, resp.Approved)
	assert.NotEmpty(t, resp.Reason)
	assert.Equal(t, 50000.0, resp.RemainingCapacity)

	limit, err := s.Get("AU_US", "AAPL", testDate)
	require.NoError(t, err)
	assert.Zero(t, limit.ShortSellUsed)
}

func TestValidateSidesAreIndependent(t *testing.T) {
	s := testService(t)
	seedLimit(t, s, 100000, 50000)

	long := shortSell(80000)
	long.Side = SideLongSell
	resp, err := s.ValidateAndConsume(long)
	require.NoError(t, err)
	assert.True(t, resp.Approved)

	// Long consumption leaves short capacity whole
	resp, err = s.ValidateAndConsume(shortSell(50000))
	require.NoError(t, err)
	assert.True(t, resp.Approved)
	assert.Zero(t, resp.RemainingCapacity)
}

func TestValidateRequestErrors(t *testing.T) {
	s := testService(t)
	seedLimit(t, s, 100000, 50000)

	bad := shortSell(100)
	bad.Side = "SIDEWAYS"
	_, err := s.ValidateAndConsume(bad)
	assert.Error(t, err)

	_, err = s.ValidateAndConsume(shortSell(0))
	assert.Error(t, err)

	missing := shortSell(100)
	missing.AggregationUnitID = "AU_EU"
	_, err = s.ValidateAndConsume(missing)
	assert.ErrorIs(t, err, ErrNoLimit)
}

func TestReverseRestoresCapacity(t *testing.T) {
	s := testService(t)
	seedLimit(t, s, 100000, 50000)

	_, err := s.ValidateAndConsume(shortSell(30000))
	require.NoError(t, err)

	resp, err := s.Reverse(shortSell(10000))
	require.NoError(t, err)
	assert.Equal(t, 30000.0, resp.RemainingCapacity)

	// Reversing more than was used is a hard error
	_, err = s.Reverse(shortSell(25000))
	assert.ErrorIs(t, err, ErrReversalExceedsUsed)
}

func TestNoRelendingOverlayAppliesToValidation(t *testing.T) {
	s := testService(t)
	require.NoError(t, s.SetLimit(&types.AggregationUnitLimit{
		AggregationUnitID:    "AU_APAC",
		SecurityID:           "2330.TW",
		BusinessDate:         testDate,
		Market:               types.MarketTaiwan,
		ShortSellLimit:       50000,
		BorrowedShortSellQty: 20000,
		MarketSpecificRules:  `["TW_NO_RELENDING"]`,
	}))

	req := shortSell(40000)
	req.AggregationUnitID = "AU_APAC"
	req.SecurityID = "2330.TW"

	// Borrowed shares do not fund short-sell capacity: effective limit 30000
	resp, err := s.ValidateAndConsume(req)
	require.NoError(t, err)
	assert.False(t, resp.Approved)
	assert.Equal(t, 30000.0, resp.RemainingCapacity)

	req.Quantity = 30000
	resp, err = s.ValidateAndConsume(req)
	require.NoError(t, err)
	assert.True(t, resp.Approved)
	assert.Zero(t, resp.RemainingCapacity)
}

func TestShortSellValidationFlagsSLABreach(t *testing.T) {
	s := testServiceBudget(t, time.Nanosecond)
	seedLimit(t, s, 100000, 50000)

	counter := metrics.SLABreachesTotal.WithLabelValues("short_sell_validation")
	before := testutil.ToFloat64(counter)

	// The breach is flagged for observability; the answer still stands
	resp, err := s.ValidateAndConsume(shortSell(1000))
	require.NoError(t, err)
	assert.True(t, resp.Approved)
	assert.Greater(t, testutil.ToFloat64(counter), before)
}

func TestShortSellValidationWithinBudgetNotFlagged(t *testing.T) {
	s := testService(t)
	seedLimit(t, s, 100000, 50000)

	counter := metrics.SLABreachesTotal.WithLabelValues("short_sell_validation")
	before := testutil.ToFloat64(counter)

	resp, err := s.ValidateAndConsume(shortSell(1000))
	require.NoError(t, err)
	assert.True(t, resp.Approved)
	assert.Equal(t, before, testutil.ToFloat64(counter))
}

func TestConcurrentValidationsNeverOversell(t *testing.T) {
	s := testService(t)
	seedLimit(t, s, 100000, 50000)

	const workers = 20
	type outcome struct {
		resp *SellValidationResponse
		err  error
	}
	results := make(chan outcome, workers)
	for i := 0; i < workers; i++ {
		go func() {
			resp, err := s.ValidateAndConsume(shortSell(5000))
			results <- outcome{resp, err}
		}()
	}

	approved := 0
	for i := 0; i < workers; i++ {
		out := <-results
		require.NoError(t, out.err)
		if out.resp.Approved {
			approved++
		}
	}
	assert.Equal(t, 10, approved)

	limit, err := s.Get("AU_US", "AAPL", testDate)
	require.NoError(t, err)
	assert.Equal(t, 50000.0, limit.ShortSellUsed)
}
