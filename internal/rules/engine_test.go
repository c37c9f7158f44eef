package rules

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func candidates(quantities ...float64) []Candidate {
	out := make([]Candidate, 0, len(quantities))
	for _, q := range quantities {
		out = append(out, Candidate{
			SecurityID: "AAPL",
			BookID:     "BOOK_1",
			Market:     "GLOBAL",
			Quantity:   q,
		})
	}
	return out
}

func TestEvaluatePassThrough(t *testing.T) {
	result, err := Evaluate(nil, nil, nil, nil, candidates(1000, 2500))
	require.NoError(t, err)
	assert.Equal(t, 3500.0, result.GrossQuantity)
	assert.Equal(t, 3500.0, result.Adjustment.NetQuantity)
	assert.Len(t, result.Included, 2)
}

func TestEvaluateInclusionRequiresAll(t *testing.T) {
	incl := []Criterion{
		{Field: FieldMarket, Op: OpEq, Value: "GLOBAL"},
		{Field: FieldQuantity, Op: OpGt, Number: 1500},
	}
	result, err := Evaluate(incl, nil, nil, nil, candidates(1000, 2500))
	require.NoError(t, err)
	assert.Equal(t, 2500.0, result.GrossQuantity)
	assert.Equal(t, 1, result.ExcludedCount)
}

func TestEvaluateExclusionDropsAnyMatch(t *testing.T) {
	cands := candidates(1000, 2500)
	cands[1].IsReserved = true

	excl := []Criterion{
		{Field: FieldIsReserved, Op: OpEq, Value: "true"},
	}
	result, err := Evaluate(nil, excl, nil, nil, cands)
	require.NoError(t, err)
	assert.Equal(t, 1000.0, result.GrossQuantity)
	assert.Equal(t, 1, result.ExcludedCount)
}

func TestEvaluateActionsInOrder(t *testing.T) {
	actions := []Action{
		{Type: ActionHaircut, Value: 10}, // 10000 -> 9000
		{Type: ActionCap, Value: 5000},   // 9000 -> 5000
	}
	result, err := Evaluate(nil, nil, nil, actions, candidates(10000))
	require.NoError(t, err)
	assert.Equal(t, 10000.0, result.GrossQuantity)
	assert.Equal(t, 5000.0, result.Adjustment.NetQuantity)

	// Reversed order caps first, then haircuts
	reversed := []Action{
		{Type: ActionCap, Value: 5000},
		{Type: ActionHaircut, Value: 10},
	}
	result, err = Evaluate(nil, nil, nil, reversed, candidates(10000))
	require.NoError(t, err)
	assert.Equal(t, 4500.0, result.Adjustment.NetQuantity)
}

func TestEvaluateConditionsGateActions(t *testing.T) {
	conds := []Criterion{
		{Field: FieldQuantity, Op: OpGte, Number: 5000},
	}
	actions := []Action{{Type: ActionZero}}

	// Condition fails against the aggregate: gross passes through unadjusted
	result, err := Evaluate(nil, nil, conds, actions, candidates(1000))
	require.NoError(t, err)
	assert.Equal(t, 1000.0, result.Adjustment.NetQuantity)

	// Condition holds: actions apply
	result, err = Evaluate(nil, nil, conds, actions, candidates(6000))
	require.NoError(t, err)
	assert.Zero(t, result.Adjustment.NetQuantity)
}

func TestEvaluateTemperatureAndRate(t *testing.T) {
	actions := []Action{
		{Type: ActionSetTemperature, StringValue: "HTB"},
		{Type: ActionSetBorrowRate, Value: 4.5},
	}
	result, err := Evaluate(nil, nil, nil, actions, candidates(100))
	require.NoError(t, err)
	assert.Equal(t, "HTB", result.Adjustment.Temperature)
	assert.Equal(t, 4.5, result.Adjustment.BorrowRate)
	assert.True(t, result.Adjustment.HasRate)
}

func TestEvaluateRejectsUnknownField(t *testing.T) {
	incl := []Criterion{{Field: "nonsense", Op: OpEq, Value: "x"}}
	_, err := Evaluate(incl, nil, nil, nil, candidates(100))
	assert.Error(t, err)
}

func TestEvaluateNetClampedAtZero(t *testing.T) {
	actions := []Action{{Type: ActionScale, Value: 0}}
	result, err := Evaluate(nil, nil, nil, actions, candidates(100))
	require.NoError(t, err)
	assert.Zero(t, result.Adjustment.NetQuantity)
}

func TestEvaluateRuleMalformedJSON(t *testing.T) {
	rule := &CalculationRule{
		RuleID:            "RULE_bad",
		InclusionCriteria: "{not json",
	}
	_, err := EvaluateRule(rule, candidates(100))
	assert.Error(t, err)
}

func TestActionApplyValidation(t *testing.T) {
	cases := []struct {
		name    string
		action  Action
		wantErr bool
	}{
		{"haircut in range", Action{Type: ActionHaircut, Value: 50}, false},
		{"haircut over 100", Action{Type: ActionHaircut, Value: 101}, true},
		{"negative scale", Action{Type: ActionScale, Value: -1}, true},
		{"unknown type", Action{Type: "EXPLODE"}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.action.Apply(&Adjustment{NetQuantity: 100})
			if tc.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
