package rules

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/openfinex/inventory-api/internal/types"
	"github.com/openfinex/inventory-api/pkg/response"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

var (
	// ErrRuleConflict is returned when publishing would create a second
	// ACTIVE rule for the same (ruleType, market, priority). The caller must
	// deactivate the existing rule first.
	ErrRuleConflict = errors.New("conflicting active rule exists")

	// ErrNotDraft is returned when publishing a rule that is not in DRAFT.
	ErrNotDraft = errors.New("only draft rules can be published")
)

// Service owns the rule lifecycle: create, update, publish, revert, test.
// Publish and revert take a short exclusive lock on the (ruleType, market)
// group only, so evaluations of unrelated groups proceed unimpeded.
type Service struct {
	db *Database

	mu         sync.Mutex
	groupLocks map[string]*sync.Mutex
}

func NewService(gormDB *gorm.DB) *Service {
	return &Service{
		db:         NewDatabase(gormDB),
		groupLocks: make(map[string]*sync.Mutex),
	}
}

func (s *Service) groupLock(ruleType, market string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := ruleType + "|" + market
	lock, ok := s.groupLocks[key]
	if !ok {
		lock = &sync.Mutex{}
		s.groupLocks[key] = lock
	}
	return lock
}

// validateRequest checks a rule request and returns structured field errors.
func validateRequest(req *RuleRequest) []ValidationError {
	var errs []ValidationError
	if !types.IsValidCalculationType(req.RuleType) {
		errs = append(errs, ValidationError{
			Field:   "rule_type",
			Message: fmt.Sprintf("unknown rule type %q", req.RuleType),
		})
	}
	if req.Priority < 0 {
		errs = append(errs, ValidationError{Field: "priority", Message: "priority must not be negative"})
	}
	if req.ExpiryDate != nil && !req.ExpiryDate.After(req.EffectiveDate) {
		errs = append(errs, ValidationError{Field: "expiry_date", Message: "expiry date must be after effective date"})
	}
	// Dry-run every criterion and action against a blank candidate so
	// malformed definitions fail at authoring time, not evaluation time.
	criteriaLists := map[string][]Criterion{
		"inclusion_criteria": req.InclusionCriteria,
		"exclusion_criteria": req.ExclusionCriteria,
		"conditions":         req.Conditions,
	}
	for field, criteria := range criteriaLists {
		for i, cr := range criteria {
			if _, err := cr.Matches(Candidate{}); err != nil {
				errs = append(errs, ValidationError{
					Field:   fmt.Sprintf("%s[%d]", field, i),
					Message: err.Error(),
				})
			}
		}
	}
	for i, a := range req.Actions {
		if err := (a.Apply(&Adjustment{})); err != nil {
			errs = append(errs, ValidationError{
				Field:   fmt.Sprintf("actions[%d]", i),
				Message: err.Error(),
			})
		}
	}
	return errs
}

// CreateRule stores a new rule in DRAFT at version 1.
func (s *Service) CreateRule(req *RuleRequest) (*CalculationRule, []ValidationError, error) {
	if errs := validateRequest(req); len(errs) > 0 {
		return nil, errs, nil
	}

	effective := req.EffectiveDate
	if effective.IsZero() {
		effective = time.Now()
	}

	rule := &CalculationRule{
		RuleID:            "RULE_" + uuid.New().String(),
		Name:              req.Name,
		Market:            req.Market,
		RuleType:          req.RuleType,
		Priority:          req.Priority,
		Version:           1,
		Status:            StatusDraft,
		EffectiveDate:     effective,
		ExpiryDate:        req.ExpiryDate,
		InclusionCriteria: encodeCriteria(req.InclusionCriteria),
		ExclusionCriteria: encodeCriteria(req.ExclusionCriteria),
		Conditions:        encodeCriteria(req.Conditions),
		Actions:           encodeActions(req.Actions),
		CreatedAt:         time.Now(),
		UpdatedAt:         time.Now(),
	}

	if err := s.db.CreateRule(rule); err != nil {
		return nil, nil, err
	}

	log.Info().
		Str("rule_id", rule.RuleID).
		Str("rule_type", rule.RuleType).
		Str("market", rule.Market).
		Int("priority", rule.Priority).
		Msg("rule created")

	return rule, nil, nil
}

// UpdateRule replaces the rule body under a new version number.
func (s *Service) UpdateRule(ruleID string, req *RuleRequest) (*CalculationRule, []ValidationError, error) {
	if errs := validateRequest(req); len(errs) > 0 {
		return nil, errs, nil
	}

	rule, err := s.db.GetRule(ruleID)
	if err != nil {
		return nil, nil, err
	}

	rule.Name = req.Name
	rule.Market = req.Market
	rule.RuleType = req.RuleType
	rule.Priority = req.Priority
	if !req.EffectiveDate.IsZero() {
		rule.EffectiveDate = req.EffectiveDate
	}
	rule.ExpiryDate = req.ExpiryDate
	rule.InclusionCriteria = encodeCriteria(req.InclusionCriteria)
	rule.ExclusionCriteria = encodeCriteria(req.ExclusionCriteria)
	rule.Conditions = encodeCriteria(req.Conditions)
	rule.Actions = encodeActions(req.Actions)
	rule.Version++
	rule.UpdatedAt = time.Now()

	if err := s.db.SaveRule(rule); err != nil {
		return nil, nil, err
	}
	return rule, nil, nil
}

// Publish transitions a DRAFT rule to ACTIVE. It rejects with
// ErrRuleConflict when another ACTIVE rule of the same (ruleType, market,
// priority) exists; the existing rule must be deactivated explicitly first.
func (s *Service) Publish(ruleID string) (*CalculationRule, error) {
	rule, err := s.db.GetRule(ruleID)
	if err != nil {
		return nil, err
	}

	lock := s.groupLock(rule.RuleType, rule.Market)
	lock.Lock()
	defer lock.Unlock()

	if rule.Status != StatusDraft {
		return nil, fmt.Errorf("%w: rule %s is %s", ErrNotDraft, ruleID, rule.Status)
	}
	conflict, err := s.db.FindConflictingActive(rule)
	if err != nil {
		return nil, err
	}
	if conflict != nil {
		return nil, fmt.Errorf("%w: %s (priority %d)", ErrRuleConflict, conflict.RuleID, conflict.Priority)
	}

	rule.Status = StatusActive
	rule.Version++
	rule.UpdatedAt = time.Now()
	if err := s.db.SaveRule(rule); err != nil {
		return nil, err
	}

	log.Info().
		Str("rule_id", rule.RuleID).
		Str("rule_type", rule.RuleType).
		Str("market", rule.Market).
		Int("version", rule.Version).
		Msg("rule published")

	return rule, nil
}

// Revert restores a prior version's body under a new version number.
// History is never mutated.
func (s *Service) Revert(ruleID string, toVersion int) (*CalculationRule, error) {
	rule, err := s.db.GetRule(ruleID)
	if err != nil {
		return nil, err
	}

	lock := s.groupLock(rule.RuleType, rule.Market)
	lock.Lock()
	defer lock.Unlock()

	prior, err := s.db.GetRuleVersion(ruleID, toVersion)
	if err != nil {
		return nil, err
	}

	rule.Name = prior.Name
	rule.Market = prior.Market
	rule.RuleType = prior.RuleType
	rule.Priority = prior.Priority
	rule.EffectiveDate = prior.EffectiveDate
	rule.ExpiryDate = prior.ExpiryDate
	rule.InclusionCriteria = prior.InclusionCriteria
	rule.ExclusionCriteria = prior.ExclusionCriteria
	rule.Conditions = prior.Conditions
	rule.Actions = prior.Actions
	rule.Version++
	rule.UpdatedAt = time.Now()

	if err := s.db.SaveRule(rule); err != nil {
		return nil, err
	}

	log.Info().
		Str("rule_id", rule.RuleID).
		Int("restored_version", toVersion).
		Int("new_version", rule.Version).
		Msg("rule reverted")

	return rule, nil
}

// UpdateStatus, UpdatePriority, UpdateEffectiveDate and UpdateExpiryDate are
// independent mutations; each re-validates the active-window invariant
// before committing.

func (s *Service) UpdateStatus(ruleID, status string) (*CalculationRule, error) {
	if status != StatusDraft && status != StatusActive && status != StatusExpired {
		return nil, fmt.Errorf("unknown rule status %q", status)
	}
	return s.mutate(ruleID, func(rule *CalculationRule) error {
		if status == StatusActive {
			conflict, err := s.db.FindConflictingActive(rule)
			if err != nil {
				return err
			}
			if conflict != nil {
				return fmt.Errorf("%w: %s", ErrRuleConflict, conflict.RuleID)
			}
		}
		rule.Status = status
		return nil
	})
}

func (s *Service) UpdatePriority(ruleID string, priority int) (*CalculationRule, error) {
	if priority < 0 {
		return nil, fmt.Errorf("priority must not be negative, got %d", priority)
	}
	return s.mutate(ruleID, func(rule *CalculationRule) error {
		rule.Priority = priority
		if rule.Status == StatusActive {
			conflict, err := s.db.FindConflictingActive(rule)
			if err != nil {
				return err
			}
			if conflict != nil {
				return fmt.Errorf("%w: %s", ErrRuleConflict, conflict.RuleID)
			}
		}
		return nil
	})
}

func (s *Service) UpdateEffectiveDate(ruleID string, effective time.Time) (*CalculationRule, error) {
	return s.mutate(ruleID, func(rule *CalculationRule) error {
		if rule.ExpiryDate != nil && !rule.ExpiryDate.After(effective) {
			return fmt.Errorf("effective date %s is not before expiry date %s", effective, rule.ExpiryDate)
		}
		rule.EffectiveDate = effective
		return nil
	})
}

func (s *Service) UpdateExpiryDate(ruleID string, expiry *time.Time) (*CalculationRule, error) {
	return s.mutate(ruleID, func(rule *CalculationRule) error {
		if expiry != nil && !expiry.After(rule.EffectiveDate) {
			return fmt.Errorf("expiry date %s is not after effective date %s", expiry, rule.EffectiveDate)
		}
		rule.ExpiryDate = expiry
		return nil
	})
}

func (s *Service) mutate(ruleID string, apply func(*CalculationRule) error) (*CalculationRule, error) {
	rule, err := s.db.GetRule(ruleID)
	if err != nil {
		return nil, err
	}

	lock := s.groupLock(rule.RuleType, rule.Market)
	lock.Lock()
	defer lock.Unlock()

	if err := apply(rule); err != nil {
		return nil, err
	}
	rule.Version++
	rule.UpdatedAt = time.Now()
	if err := s.db.SaveRule(rule); err != nil {
		return nil, err
	}
	return rule, nil
}

// FindActiveRules returns the rules the calculator should evaluate for
// (ruleType, market), highest priority first.
func (s *Service) FindActiveRules(ruleType, market string) ([]CalculationRule, error) {
	return s.db.FindActiveRules(ruleType, market, time.Now())
}

// WinningRule returns the highest-priority active rule, or nil when no rule
// applies.
func (s *Service) WinningRule(ruleType, market string) (*CalculationRule, error) {
	matched, err := s.FindActiveRules(ruleType, market)
	if err != nil {
		return nil, err
	}
	if len(matched) == 0 {
		return nil, nil
	}
	return &matched[0], nil
}

// TestRule evaluates a rule body against caller-supplied sample candidates
// without persisting anything.
func (s *Service) TestRule(req *TestRuleRequest) (*TestRuleResponse, []ValidationError, error) {
	if errs := validateRequest(&req.Rule); len(errs) > 0 {
		return nil, errs, nil
	}

	result, err := Evaluate(
		req.Rule.InclusionCriteria,
		req.Rule.ExclusionCriteria,
		req.Rule.Conditions,
		req.Rule.Actions,
		req.Candidates,
	)
	if err != nil {
		return nil, []ValidationError{{Field: "rule", Message: err.Error()}}, nil
	}

	return &TestRuleResponse{
		Included:      result.Included,
		ExcludedCount: result.ExcludedCount,
		GrossQuantity: result.GrossQuantity,
		NetQuantity:   result.Adjustment.NetQuantity,
		Temperature:   result.Adjustment.Temperature,
		BorrowRate:    result.Adjustment.BorrowRate,
	}, nil, nil
}

// ListRules returns rules matching the optional filters.
func (s *Service) ListRules(ruleType, market, status string) ([]CalculationRule, error) {
	return s.db.ListRules(ruleType, market, status)
}

// ListVersions returns the immutable version history of a rule.
func (s *Service) ListVersions(ruleID string) ([]RuleVersion, error) {
	return s.db.ListRuleVersions(ruleID)
}

// GinHandlers contains HTTP handlers for rule management endpoints
type GinHandlers struct {
	service *Service
}

func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{service: service}
}

// CreateRuleHandler handles POST requests to create draft rules
func (h *GinHandlers) CreateRuleHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req RuleRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		rule, validationErrs, err := h.service.CreateRule(&req)
		if len(validationErrs) > 0 {
			response.ValidationFailed(c, validationErrs)
			return
		}
		response.Handle(c, rule, err)
	}
}

// UpdateRuleHandler handles PUT requests to replace a rule body
func (h *GinHandlers) UpdateRuleHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req RuleRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		rule, validationErrs, err := h.service.UpdateRule(c.Param("rule_id"), &req)
		if len(validationErrs) > 0 {
			response.ValidationFailed(c, validationErrs)
			return
		}
		response.Handle(c, rule, err)
	}
}

// PublishRuleHandler handles POST requests to publish a draft rule
func (h *GinHandlers) PublishRuleHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		rule, err := h.service.Publish(c.Param("rule_id"))
		if errors.Is(err, ErrRuleConflict) || errors.Is(err, ErrNotDraft) {
			response.Conflict(c, err.Error())
			return
		}
		response.Handle(c, rule, err)
	}
}

// RevertRuleHandler handles POST requests to restore a prior rule version
func (h *GinHandlers) RevertRuleHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req struct {
			ToVersion int `json:"to_version" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		rule, err := h.service.Revert(c.Param("rule_id"), req.ToVersion)
		response.Handle(c, rule, err)
	}
}

// TestRuleHandler handles POST requests to dry-run a rule against sample
// candidates
func (h *GinHandlers) TestRuleHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req TestRuleRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		result, validationErrs, err := h.service.TestRule(&req)
		if len(validationErrs) > 0 {
			response.ValidationFailed(c, validationErrs)
			return
		}
		response.Handle(c, result, err)
	}
}

// ListRulesHandler handles GET requests to list rules with optional filters
func (h *GinHandlers) ListRulesHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		matched, err := h.service.ListRules(
			c.Query("rule_type"),
			c.Query("market"),
			c.Query("status"),
		)
		response.Handle(c, matched, err)
	}
}

// ListRuleVersionsHandler handles GET requests for a rule's version history
func (h *GinHandlers) ListRuleVersionsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		versions, err := h.service.ListVersions(c.Param("rule_id"))
		response.Handle(c, versions, err)
	}
}
