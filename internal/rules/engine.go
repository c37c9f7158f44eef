package rules

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// Criterion operators
const (
	OpEq  = "EQ"
	OpNe  = "NE"
	OpIn  = "IN"
	OpGt  = "GT"
	OpGte = "GTE"
	OpLt  = "LT"
	OpLte = "LTE"
)

// Candidate fields addressable by criteria
const (
	FieldSecurityID        = "security_id"
	FieldBookID            = "book_id"
	FieldCounterpartyID    = "counterparty_id"
	FieldAggregationUnitID = "aggregation_unit_id"
	FieldMarket            = "market"
	FieldTemperature       = "temperature"
	FieldQuantity          = "quantity"
	FieldIsHypothecatable  = "is_hypothecatable"
	FieldIsReserved        = "is_reserved"
	FieldIsExternalSource  = "is_external_source"
)

// Action kinds
const (
	ActionHaircut        = "HAIRCUT" // reduce net by a percentage
	ActionCap            = "CAP"     // cap net at an absolute quantity
	ActionScale          = "SCALE"   // multiply net by a factor
	ActionZero           = "ZERO"    // force net to zero
	ActionSetTemperature = "SET_TEMPERATURE"
	ActionSetBorrowRate  = "SET_BORROW_RATE"
)

// Candidate is a flat view of a position or lendable quantity presented to
// the rule interpreter. Evaluation is pure in-memory computation.
type Candidate struct {
	SecurityID        string  `json:"security_id"`
	BookID            string  `json:"book_id"`
	CounterpartyID    string  `json:"counterparty_id"`
	AggregationUnitID string  `json:"aggregation_unit_id"`
	Market            string  `json:"market"`
	Temperature       string  `json:"temperature"`
	Quantity          float64 `json:"quantity"`
	IsHypothecatable  bool    `json:"is_hypothecatable"`
	IsReserved        bool    `json:"is_reserved"`
	IsExternalSource  bool    `json:"is_external_source"`
}

// Criterion is a single tagged predicate over a candidate field. String and
// boolean fields use EQ/NE/IN with Value/Values; the quantity field uses the
// numeric operators with Number.
type Criterion struct {
	Field  string   `json:"field"`
	Op     string   `json:"op"`
	Value  string   `json:"value,omitempty"`
	Values []string `json:"values,omitempty"`
	Number float64  `json:"number,omitempty"`
}

// Matches evaluates the criterion against a candidate. Unknown fields or
// operators are rule-definition errors.
func (cr Criterion) Matches(c Candidate) (bool, error) {
	switch cr.Field {
	case FieldQuantity:
		return compareNumber(c.Quantity, cr.Op, cr.Number)
	case FieldSecurityID:
		return compareString(c.SecurityID, cr)
	case FieldBookID:
		return compareString(c.BookID, cr)
	case FieldCounterpartyID:
		return compareString(c.CounterpartyID, cr)
	case FieldAggregationUnitID:
		return compareString(c.AggregationUnitID, cr)
	case FieldMarket:
		return compareString(c.Market, cr)
	case FieldTemperature:
		return compareString(c.Temperature, cr)
	case FieldIsHypothecatable:
		return compareString(strconv.FormatBool(c.IsHypothecatable), cr)
	case FieldIsReserved:
		return compareString(strconv.FormatBool(c.IsReserved), cr)
	case FieldIsExternalSource:
		return compareString(strconv.FormatBool(c.IsExternalSource), cr)
	}
	return false, fmt.Errorf("unknown criterion field %q", cr.Field)
}

func compareString(actual string, cr Criterion) (bool, error) {
	switch cr.Op {
	case OpEq:
		return actual == cr.Value, nil
	case OpNe:
		return actual != cr.Value, nil
	case OpIn:
		for _, v := range cr.Values {
			if actual == v {
				return true, nil
			}
		}
		return false, nil
	}
	return false, fmt.Errorf("operator %q not valid for field %q", cr.Op, cr.Field)
}

func compareNumber(actual float64, op string, expected float64) (bool, error) {
	switch op {
	case OpEq:
		return actual == expected, nil
	case OpNe:
		return actual != expected, nil
	case OpGt:
		return actual > expected, nil
	case OpGte:
		return actual >= expected, nil
	case OpLt:
		return actual < expected, nil
	case OpLte:
		return actual <= expected, nil
	}
	return false, fmt.Errorf("operator %q not valid for numeric field", op)
}

// Action is a single tagged adjustment applied to the aggregated net
// quantity, in rule order.
type Action struct {
	Type        string  `json:"type"`
	Value       float64 `json:"value,omitempty"`
	StringValue string  `json:"string_value,omitempty"`
}

// Adjustment is the folded result of applying a rule's actions.
type Adjustment struct {
	NetQuantity float64
	Temperature string
	BorrowRate  float64
	HasRate     bool
}

// Apply folds the action into the running adjustment.
func (a Action) Apply(adj *Adjustment) error {
	switch a.Type {
	case ActionHaircut:
		if a.Value < 0 || a.Value > 100 {
			return fmt.Errorf("haircut percentage %f out of range [0,100]", a.Value)
		}
		adj.NetQuantity *= 1 - a.Value/100
	case ActionCap:
		if adj.NetQuantity > a.Value {
			adj.NetQuantity = a.Value
		}
	case ActionScale:
		if a.Value < 0 {
			return fmt.Errorf("scale factor %f must not be negative", a.Value)
		}
		adj.NetQuantity *= a.Value
	case ActionZero:
		adj.NetQuantity = 0
	case ActionSetTemperature:
		adj.Temperature = a.StringValue
	case ActionSetBorrowRate:
		adj.BorrowRate = a.Value
		adj.HasRate = true
	default:
		return fmt.Errorf("unknown action type %q", a.Type)
	}
	return nil
}

// EvaluationResult is the outcome of running one rule over a candidate set.
type EvaluationResult struct {
	Included      []Candidate
	ExcludedCount int
	GrossQuantity float64
	Adjustment    Adjustment
}

// Evaluate runs a rule body against candidates: inclusion criteria must all
// match, any matching exclusion criterion drops the candidate, survivors sum
// into the gross quantity, and ordered actions derive the net. Conditions
// gate the actions: if any condition fails against the aggregate, the gross
// passes through unadjusted.
func Evaluate(incl, excl, conds []Criterion, actions []Action, candidates []Candidate) (*EvaluationResult, error) {
	result := &EvaluationResult{}

	for _, c := range candidates {
		keep, err := matchesAll(incl, c)
		if err != nil {
			return nil, err
		}
		if !keep {
			result.ExcludedCount++
			continue
		}
		dropped, err := matchesAny(excl, c)
		if err != nil {
			return nil, err
		}
		if dropped {
			result.ExcludedCount++
			continue
		}
		result.Included = append(result.Included, c)
		result.GrossQuantity += c.Quantity
	}

	result.Adjustment = Adjustment{NetQuantity: result.GrossQuantity}

	// Conditions evaluate against the aggregate rather than individual
	// candidates.
	aggregate := Candidate{Quantity: result.GrossQuantity}
	for _, cond := range conds {
		ok, err := cond.Matches(aggregate)
		if err != nil {
			return nil, err
		}
		if !ok {
			return result, nil
		}
	}

	for _, action := range actions {
		if err := action.Apply(&result.Adjustment); err != nil {
			return nil, err
		}
	}
	if result.Adjustment.NetQuantity < 0 {
		result.Adjustment.NetQuantity = 0
	}
	return result, nil
}

func matchesAll(criteria []Criterion, c Candidate) (bool, error) {
	for _, cr := range criteria {
		ok, err := cr.Matches(c)
		if err != nil || !ok {
			return false, err
		}
	}
	return true, nil
}

func matchesAny(criteria []Criterion, c Candidate) (bool, error) {
	for _, cr := range criteria {
		ok, err := cr.Matches(c)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

// EvaluateRule decodes a stored rule body and evaluates it. Malformed JSON
// in a published rule is a rule-definition error.
func EvaluateRule(rule *CalculationRule, candidates []Candidate) (*EvaluationResult, error) {
	incl, err := decodeCriteria(rule.InclusionCriteria)
	if err != nil {
		return nil, fmt.Errorf("rule %s inclusion criteria: %w", rule.RuleID, err)
	}
	excl, err := decodeCriteria(rule.ExclusionCriteria)
	if err != nil {
		return nil, fmt.Errorf("rule %s exclusion criteria: %w", rule.RuleID, err)
	}
	conds, err := decodeCriteria(rule.Conditions)
	if err != nil {
		return nil, fmt.Errorf("rule %s conditions: %w", rule.RuleID, err)
	}
	actions, err := decodeActions(rule.Actions)
	if err != nil {
		return nil, fmt.Errorf("rule %s actions: %w", rule.RuleID, err)
	}
	return Evaluate(incl, excl, conds, actions, candidates)
}

func decodeCriteria(raw string) ([]Criterion, error) {
	if raw == "" {
		return nil, nil
	}
	var criteria []Criterion
	if err := json.Unmarshal([]byte(raw), &criteria); err != nil {
		return nil, err
	}
	return criteria, nil
}

func decodeActions(raw string) ([]Action, error) {
	if raw == "" {
		return nil, nil
	}
	var actions []Action
	if err := json.Unmarshal([]byte(raw), &actions); err != nil {
		return nil, err
	}
	return actions, nil
}

func encodeCriteria(criteria []Criterion) string {
	if len(criteria) == 0 {
		return "[]"
	}
	data, _ := json.Marshal(criteria)
	return string(data)
}

func encodeActions(actions []Action) string {
	if len(actions) == 0 {
		return "[]"
	}
	data, _ := json.Marshal(actions)
	return string(data)
}
