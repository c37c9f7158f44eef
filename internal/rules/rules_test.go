package rules

import (
	"fmt"
	"testing"
	"time"

	"github.com/openfinex/inventory-api/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func testService(t *testing.T) *Service {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&CalculationRule{}, &RuleVersion{}))
	return NewService(db)
}

func draftRequest(name string, priority int) *RuleRequest {
	return &RuleRequest{
		Name:          name,
		Market:        types.MarketGlobal,
		RuleType:      types.CalcTypeForLoan,
		Priority:      priority,
		EffectiveDate: time.Now().Add(-time.Hour),
		InclusionCriteria: []Criterion{
			{Field: FieldQuantity, Op: OpGt, Number: 0},
		},
		Actions: []Action{
			{Type: ActionHaircut, Value: 10},
		},
	}
}

func TestCreateRuleStartsAsDraft(t *testing.T) {
	s := testService(t)

	rule, validationErrs, err := s.CreateRule(draftRequest("haircut", 10))
	require.NoError(t, err)
	require.Empty(t, validationErrs)

	assert.Equal(t, StatusDraft, rule.Status)
	assert.Equal(t, 1, rule.Version)
	assert.Contains(t, rule.RuleID, "RULE_")

	// Draft rules never win evaluations
	winner, err := s.WinningRule(types.CalcTypeForLoan, types.MarketGlobal)
	require.NoError(t, err)
	assert.Nil(t, winner)
}

func TestCreateRuleValidation(t *testing.T) {
	s := testService(t)

	req := draftRequest("bad", 10)
	req.RuleType = "NOT_A_TYPE"
	req.InclusionCriteria = []Criterion{{Field: "bogus", Op: OpEq, Value: "x"}}
	req.Actions = []Action{{Type: ActionHaircut, Value: 200}}

	_, validationErrs, err := s.CreateRule(req)
	require.NoError(t, err)
	require.Len(t, validationErrs, 3)

	fields := make(map[string]bool)
	for _, ve := range validationErrs {
		fields[ve.Field] = true
	}
	assert.True(t, fields["rule_type"])
	assert.True(t, fields["inclusion_criteria[0]"])
	assert.True(t, fields["actions[0]"])
}

func TestPublishMakesRuleActive(t *testing.T) {
	s := testService(t)

	rule, _, err := s.CreateRule(draftRequest("haircut", 10))
	require.NoError(t, err)

	published, err := s.Publish(rule.RuleID)
	require.NoError(t, err)
	assert.Equal(t, StatusActive, published.Status)
	assert.Equal(t, 2, published.Version)

	winner, err := s.WinningRule(types.CalcTypeForLoan, types.MarketGlobal)
	require.NoError(t, err)
	require.NotNil(t, winner)
	assert.Equal(t, rule.RuleID, winner.RuleID)
}

func TestPublishRejectsConflict(t *testing.T) {
	s := testService(t)

	first, _, err := s.CreateRule(draftRequest("first", 10))
	require.NoError(t, err)
	_, err = s.Publish(first.RuleID)
	require.NoError(t, err)

	// Same (ruleType, market, priority): publish must reject, not shadow
	second, _, err := s.CreateRule(draftRequest("second", 10))
	require.NoError(t, err)
	_, err = s.Publish(second.RuleID)
	require.ErrorIs(t, err, ErrRuleConflict)

	// A different priority publishes cleanly
	third, _, err := s.CreateRule(draftRequest("third", 20))
	require.NoError(t, err)
	_, err = s.Publish(third.RuleID)
	require.NoError(t, err)
}

func TestPublishRequiresDraft(t *testing.T) {
	s := testService(t)

	rule, _, err := s.CreateRule(draftRequest("haircut", 10))
	require.NoError(t, err)
	_, err = s.Publish(rule.RuleID)
	require.NoError(t, err)

	_, err = s.Publish(rule.RuleID)
	assert.ErrorIs(t, err, ErrNotDraft)
}

func TestWinningRulePriorityOrder(t *testing.T) {
	s := testService(t)

	low, _, err := s.CreateRule(draftRequest("low", 10))
	require.NoError(t, err)
	_, err = s.Publish(low.RuleID)
	require.NoError(t, err)

	high, _, err := s.CreateRule(draftRequest("high", 50))
	require.NoError(t, err)
	_, err = s.Publish(high.RuleID)
	require.NoError(t, err)

	winner, err := s.WinningRule(types.CalcTypeForLoan, types.MarketGlobal)
	require.NoError(t, err)
	require.NotNil(t, winner)
	assert.Equal(t, high.RuleID, winner.RuleID)
}

func TestFindActiveRulesRespectsWindow(t *testing.T) {
	s := testService(t)

	future := draftRequest("future", 10)
	future.EffectiveDate = time.Now().Add(24 * time.Hour)
	rule, _, err := s.CreateRule(future)
	require.NoError(t, err)
	_, err = s.Publish(rule.RuleID)
	require.NoError(t, err)

	matched, err := s.FindActiveRules(types.CalcTypeForLoan, types.MarketGlobal)
	require.NoError(t, err)
	assert.Empty(t, matched)

	expiry := time.Now().Add(-time.Minute)
	expired := draftRequest("expired", 20)
	expired.EffectiveDate = time.Now().Add(-48 * time.Hour)
	expired.ExpiryDate = &expiry
	rule2, _, err := s.CreateRule(expired)
	require.NoError(t, err)
	_, err = s.Publish(rule2.RuleID)
	require.NoError(t, err)

	matched, err = s.FindActiveRules(types.CalcTypeForLoan, types.MarketGlobal)
	require.NoError(t, err)
	assert.Empty(t, matched)
}

func TestMarketRuleBeatsGlobalFallback(t *testing.T) {
	s := testService(t)

	global, _, err := s.CreateRule(draftRequest("global", 10))
	require.NoError(t, err)
	_, err = s.Publish(global.RuleID)
	require.NoError(t, err)

	jp := draftRequest("japan", 50)
	jp.Market = types.MarketJapan
	jpRule, _, err := s.CreateRule(jp)
	require.NoError(t, err)
	_, err = s.Publish(jpRule.RuleID)
	require.NoError(t, err)

	// JP queries see both; the higher-priority market rule wins
	winner, err := s.WinningRule(types.CalcTypeForLoan, types.MarketJapan)
	require.NoError(t, err)
	require.NotNil(t, winner)
	assert.Equal(t, jpRule.RuleID, winner.RuleID)

	// Global queries never see the JP rule
	winner, err = s.WinningRule(types.CalcTypeForLoan, types.MarketGlobal)
	require.NoError(t, err)
	require.NotNil(t, winner)
	assert.Equal(t, global.RuleID, winner.RuleID)
}

func TestUpdateAndRevert(t *testing.T) {
	s := testService(t)

	rule, _, err := s.CreateRule(draftRequest("haircut", 10))
	require.NoError(t, err)

	updated := draftRequest("haircut", 10)
	updated.Actions = []Action{{Type: ActionHaircut, Value: 25}}
	rule, validationErrs, err := s.UpdateRule(rule.RuleID, updated)
	require.NoError(t, err)
	require.Empty(t, validationErrs)
	assert.Equal(t, 2, rule.Version)

	// Revert to v1 restores the original body under a new version
	reverted, err := s.Revert(rule.RuleID, 1)
	require.NoError(t, err)
	assert.Equal(t, 3, reverted.Version)
	assert.Contains(t, reverted.Actions, `"value":10`)

	versions, err := s.ListVersions(rule.RuleID)
	require.NoError(t, err)
	assert.Len(t, versions, 3)
}

func TestTestRuleDryRun(t *testing.T) {
	s := testService(t)

	result, validationErrs, err := s.TestRule(&TestRuleRequest{
		Rule: *draftRequest("dry-run", 10),
		Candidates: []Candidate{
			{SecurityID: "AAPL", Quantity: 1000},
			{SecurityID: "AAPL", Quantity: -50},
		},
	})
	require.NoError(t, err)
	require.Empty(t, validationErrs)

	assert.Equal(t, 1000.0, result.GrossQuantity)
	assert.Equal(t, 900.0, result.NetQuantity)
	assert.Equal(t, 1, result.ExcludedCount)

	// Nothing persisted
	all, err := s.ListRules("", "", "")
	require.NoError(t, err)
	assert.Empty(t, all)
}
