package inventory

import (
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/openfinex/inventory-api/internal/events"
	"github.com/openfinex/inventory-api/internal/rules"
	"github.com/openfinex/inventory-api/internal/types"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

// reserveStripes bounds the sharded mutex pool serializing reserve/release
// operations per availability key.
const reserveStripes = 32

// Service computes InventoryAvailability from positions, active rules and
// external-source feeds, and owns the locate reserve/release workflow.
type Service struct {
	db     *Database
	rules  *rules.Service
	events events.Publisher

	policyMu sync.RWMutex
	policies map[string]MarketPolicy

	reserveLocks [reserveStripes]sync.Mutex
}

// NewService creates a new inventory service.
func NewService(gormDB *gorm.DB, ruleService *rules.Service, policies map[string]MarketPolicy,
	publisher events.Publisher) *Service {

	if publisher == nil {
		publisher = events.NopPublisher{}
	}
	return &Service{
		db:       NewDatabase(gormDB),
		rules:    ruleService,
		events:   publisher,
		policies: policies,
	}
}

// UpdatePolicies swaps the market policy set, used by config hot reload.
func (s *Service) UpdatePolicies(policies map[string]MarketPolicy) {
	s.policyMu.Lock()
	defer s.policyMu.Unlock()
	s.policies = policies
}

func (s *Service) policyFor(market string) MarketPolicy {
	s.policyMu.RLock()
	defer s.policyMu.RUnlock()
	return s.policies[market]
}

func (s *Service) reserveLock(key string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(key))
	return &s.reserveLocks[h.Sum32()%reserveStripes]
}

func availabilityKey(securityID, counterpartyID, aggregationUnitID, calcType, businessDate string) string {
	return securityID + "|" + counterpartyID + "|" + aggregationUnitID + "|" + calcType + "|" + businessDate
}

// counterpartyScoped reports whether the calculation type aggregates per
// counterparty; the remaining types aggregate per aggregation unit.
func counterpartyScoped(calcType string) bool {
	switch calcType {
	case types.CalcTypeForLoan, types.CalcTypeForPledge, types.CalcTypeLocate:
		return true
	}
	return false
}

// candidateQuantity maps a position to the quantity the calculation type
// cares about. Overborrow measures settled quantity in excess of current
// contractual need; everything else uses the projected net position.
func candidateQuantity(calcType string, p *types.Position) float64 {
	if calcType == types.CalcTypeOverborrow {
		excess := p.SettledQty - p.ContractualQty
		if excess < 0 {
			return 0
		}
		return excess
	}
	return p.ProjectedNetPosition()
}

// Calculate recomputes availability for (securityID, businessDate,
// calcType, market): one record per counterparty or aggregation unit group,
// depending on the calculation type's scope. Transient store failures come
// back retryable; rule-definition failures come back fatal.
func (s *Service) Calculate(securityID, businessDate, calcType, market string) ([]types.InventoryAvailability, error) {
	logger := log.With().
		Str("security_id", securityID).
		Str("business_date", businessDate).
		Str("calculation_type", calcType).
		Str("market", market).
		Str("service", "inventory").
		Logger()

	if !types.IsValidCalculationType(calcType) {
		return nil, types.NewFatalCalculationError(calcType, securityID, businessDate,
			fmt.Errorf("unknown calculation type %q", calcType))
	}

	var positions []types.Position
	if err := s.db.db.Where("security_id = ? AND business_date = ?", securityID, businessDate).
		Find(&positions).Error; err != nil {
		return nil, types.NewRetryableCalculationError(calcType, securityID, businessDate,
			fmt.Errorf("failed to fetch positions: %w", err))
	}

	rule, err := s.rules.WinningRule(calcType, market)
	if err != nil {
		return nil, types.NewRetryableCalculationError(calcType, securityID, businessDate,
			fmt.Errorf("failed to fetch active rules: %w", err))
	}

	// Group eligible positions by the scope dimension. Ineligible or
	// non-positive candidates are skipped silently, not errors.
	groups := make(map[string][]types.Position)
	skipped := 0
	for _, p := range positions {
		if !p.IsEligibleForCalculation() {
			skipped++
			continue
		}
		if candidateQuantity(calcType, &p) <= 0 {
			continue
		}
		key := p.AggregationUnitID
		if counterpartyScoped(calcType) {
			key = p.CounterpartyID
		}
		groups[key] = append(groups[key], p)
	}

	logger.Debug().
		Int("positions", len(positions)).
		Int("skipped", skipped).
		Int("groups", len(groups)).
		Msg("gathered calculation candidates")

	results := make([]types.InventoryAvailability, 0, len(groups))
	for groupKey, groupPositions := range groups {
		av, err := s.calculateGroup(groupKey, groupPositions, rule, securityID, businessDate, calcType, market)
		if err != nil {
			return nil, err
		}
		results = append(results, *av)
	}

	// Market post-processing also covers external-source rows for the same
	// security, e.g. Taiwan's no-relending zeroing.
	if err := s.applyToExternalRows(securityID, businessDate, calcType, market); err != nil {
		return nil, err
	}

	logger.Info().
		Int("records", len(results)).
		Msg("inventory calculation completed")

	return results, nil
}

func (s *Service) calculateGroup(groupKey string, positions []types.Position, rule *rules.CalculationRule,
	securityID, businessDate, calcType, market string) (*types.InventoryAvailability, error) {

	counterpartyID := ""
	aggregationUnitID := ""
	if counterpartyScoped(calcType) {
		counterpartyID = groupKey
	} else {
		aggregationUnitID = groupKey
	}

	candidates := make([]rules.Candidate, 0, len(positions))
	for _, p := range positions {
		candidates = append(candidates, rules.Candidate{
			SecurityID:        p.SecurityID,
			BookID:            p.BookID,
			CounterpartyID:    p.CounterpartyID,
			AggregationUnitID: p.AggregationUnitID,
			Market:            p.Market,
			Temperature:       types.TemperatureGC,
			Quantity:          candidateQuantity(calcType, &p),
			IsHypothecatable:  p.IsHypothecatable,
			IsReserved:        p.IsReserved,
		})
	}

	gross := 0.0
	net := 0.0
	temperature := types.TemperatureGC
	borrowRate := 0.0
	ruleID := ""
	ruleVersion := 0

	if rule == nil {
		// No active rule: every candidate passes through unadjusted.
		for _, c := range candidates {
			gross += c.Quantity
		}
		net = gross
	} else {
		result, err := rules.EvaluateRule(rule, candidates)
		if err != nil {
			// Malformed published rules are definition errors, never retried.
			return nil, types.NewFatalCalculationError(calcType, securityID, businessDate, err)
		}
		gross = result.GrossQuantity
		net = result.Adjustment.NetQuantity
		if result.Adjustment.Temperature != "" {
			temperature = result.Adjustment.Temperature
		}
		if result.Adjustment.HasRate {
			borrowRate = result.Adjustment.BorrowRate
		}
		ruleID = rule.RuleID
		ruleVersion = rule.Version
	}

	existing, err := s.db.GetAvailability(securityID, counterpartyID, aggregationUnitID, calcType, businessDate)
	if err != nil {
		return nil, types.NewRetryableCalculationError(calcType, securityID, businessDate, err)
	}

	av := &types.InventoryAvailability{
		AvailabilityID:         "INV_" + uuid.New().String(),
		SecurityID:             securityID,
		CounterpartyID:         counterpartyID,
		AggregationUnitID:      aggregationUnitID,
		CalculationType:        calcType,
		BusinessDate:           businessDate,
		Market:                 market,
		GrossQuantity:          gross,
		NetQuantity:            net,
		SecurityTemperature:    temperature,
		BorrowRate:             borrowRate,
		CalculationRuleID:      ruleID,
		CalculationRuleVersion: ruleVersion,
		Status:                 types.AvailabilityActive,
	}
	if existing != nil {
		// Reservations and decrements carry over from the prior state.
		av.AvailabilityID = existing.AvailabilityID
		av.ReservedQuantity = existing.ReservedQuantity
		av.DecrementQuantity = existing.DecrementQuantity
	}

	av.AvailableQuantity = av.NetQuantity - av.ReservedQuantity - av.DecrementQuantity

	if policy := s.policyFor(market); policy != nil {
		policy.Apply(av, positions)
	}
	if av.AvailableQuantity < 0 {
		av.AvailableQuantity = 0
	}

	if err := s.db.SaveAvailability(av); err != nil {
		return nil, types.NewRetryableCalculationError(calcType, securityID, businessDate, err)
	}
	return av, nil
}

// applyToExternalRows re-runs market post-processing over external-source
// availability for the security so feed-sourced rows honor market rules too.
func (s *Service) applyToExternalRows(securityID, businessDate, calcType, market string) error {
	policy := s.policyFor(market)
	if policy == nil {
		return nil
	}

	rows, err := s.db.FindAvailability(Filter{
		SecurityID:      securityID,
		BusinessDate:    businessDate,
		CalculationType: calcType,
		Market:          market,
	})
	if err != nil {
		return types.NewRetryableCalculationError(calcType, securityID, businessDate, err)
	}

	for i := range rows {
		if !rows[i].IsExternalSource {
			continue
		}
		policy.Apply(&rows[i], nil)
		if rows[i].AvailableQuantity < 0 {
			rows[i].AvailableQuantity = 0
		}
		if err := s.db.SaveAvailability(&rows[i]); err != nil {
			return types.NewRetryableCalculationError(calcType, securityID, businessDate, err)
		}
	}
	return nil
}

// IngestExternalAvailability upserts lendable quantity reported by an
// external source (borrow desk feed). Market rules apply immediately, so a
// Taiwan external FOR_LOAN feed lands already zeroed.
func (s *Service) IngestExternalAvailability(req *ExternalAvailabilityRequest) (*types.InventoryAvailability, error) {
	if !types.IsValidCalculationType(req.CalculationType) {
		return nil, fmt.Errorf("unknown calculation type %q", req.CalculationType)
	}

	existing, err := s.db.GetAvailability(req.SecurityID, req.CounterpartyID, "", req.CalculationType, req.BusinessDate)
	if err != nil {
		return nil, err
	}

	temperature := req.Temperature
	if temperature == "" {
		temperature = types.TemperatureGC
	}

	av := &types.InventoryAvailability{
		AvailabilityID:      "INV_" + uuid.New().String(),
		SecurityID:          req.SecurityID,
		CounterpartyID:      req.CounterpartyID,
		CalculationType:     req.CalculationType,
		BusinessDate:        req.BusinessDate,
		Market:              req.Market,
		GrossQuantity:       req.Quantity,
		NetQuantity:         req.Quantity,
		SecurityTemperature: temperature,
		BorrowRate:          req.BorrowRate,
		IsExternalSource:    true,
		Status:              types.AvailabilityActive,
	}
	if existing != nil {
		av.AvailabilityID = existing.AvailabilityID
		av.ReservedQuantity = existing.ReservedQuantity
		av.DecrementQuantity = existing.DecrementQuantity
	}
	av.AvailableQuantity = av.NetQuantity - av.ReservedQuantity - av.DecrementQuantity

	if policy := s.policyFor(req.Market); policy != nil {
		policy.Apply(av, nil)
	}
	if av.AvailableQuantity < 0 {
		av.AvailableQuantity = 0
	}

	if err := s.db.SaveAvailability(av); err != nil {
		return nil, err
	}

	log.Info().
		Str("security_id", req.SecurityID).
		Str("calculation_type", req.CalculationType).
		Float64("quantity", req.Quantity).
		Str("service", "inventory").
		Msg("external availability ingested")

	return av, nil
}

// Find returns availability rows matching the filter.
func (s *Service) Find(f Filter) ([]types.InventoryAvailability, error) {
	return s.db.FindAvailability(f)
}

// MarkStale flags a security's availability as stale after a failed pass;
// readers see the last-known-good figures with a staleness indicator.
func (s *Service) MarkStale(securityID, businessDate string) error {
	return s.db.db.Model(&types.InventoryAvailability{}).
		Where("security_id = ? AND business_date = ?", securityID, businessDate).
		Updates(map[string]interface{}{
			"status":     types.AvailabilityStale,
			"updated_at": time.Now(),
		}).Error
}
