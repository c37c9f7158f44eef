package limits

import (
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/openfinex/inventory-api/internal/types"
	"github.com/openfinex/inventory-api/pkg/metrics"
	"github.com/openfinex/inventory-api/pkg/response"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

// Sell sides accepted by the validation endpoint
const (
	SideLongSell  = "LONG_SELL"
	SideShortSell = "SHORT_SELL"
)

// lockStripes bounds the sharded mutex pool. Check+update sequences for the
// same (aggregation unit, security, business date) key serialize on one
// stripe; unrelated keys proceed in parallel.
const lockStripes = 64

var (
	// ErrNoLimit is returned when no limit exists for the key.
	ErrNoLimit = errors.New("no limit configured for aggregation unit")

	// ErrInsufficientCapacity is returned when a sell exceeds the remaining
	// limit.
	ErrInsufficientCapacity = errors.New("insufficient sell limit capacity")

	// ErrReversalExceedsUsed is returned when a cancellation reversal would
	// push the used quantity negative.
	ErrReversalExceedsUsed = errors.New("reversal exceeds used quantity")
)

// Service tracks per-aggregation-unit sell limits and their consumption.
type Service struct {
	db    *Database
	locks [lockStripes]sync.Mutex

	// shortSellBudget is the latency budget for short-sell validations. A
	// breach is flagged for observability, never turned into a rejection.
	shortSellBudget time.Duration
}

func NewService(gormDB *gorm.DB, shortSellBudget time.Duration) *Service {
	return &Service{db: NewDatabase(gormDB), shortSellBudget: shortSellBudget}
}

func (s *Service) keyLock(aggregationUnitID, securityID, businessDate string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(aggregationUnitID + "|" + securityID + "|" + businessDate))
	return &s.locks[h.Sum32()%lockStripes]
}

// SetLimit creates or replaces the limit row for a key.
func (s *Service) SetLimit(limit *types.AggregationUnitLimit) error {
	lock := s.keyLock(limit.AggregationUnitID, limit.SecurityID, limit.BusinessDate)
	lock.Lock()
	defer lock.Unlock()
	return s.db.SaveLimit(limit)
}

// Get returns the limit row for a key, or nil when none exists.
func (s *Service) Get(aggregationUnitID, securityID, businessDate string) (*types.AggregationUnitLimit, error) {
	return s.db.GetLimit(aggregationUnitID, securityID, businessDate)
}

// Find returns limit rows matching the filter.
func (s *Service) Find(f Filter) ([]types.AggregationUnitLimit, error) {
	return s.db.FindLimits(f)
}

// SellValidationRequest asks whether a sell order fits the aggregation
// unit's remaining capacity; an approved validation consumes the quantity.
type SellValidationRequest struct {
	Side              string  `json:"side" binding:"required"`
	AggregationUnitID string  `json:"aggregation_unit_id" binding:"required"`
	SecurityID        string  `json:"security_id" binding:"required"`
	BusinessDate      string  `json:"business_date" binding:"required"`
	Quantity          float64 `json:"quantity" binding:"required"`
}

// SellValidationResponse reports the outcome and the capacity after the
// update.
type SellValidationResponse struct {
	Approved          bool    `json:"approved"`
	Side              string  `json:"side"`
	Quantity          float64 `json:"quantity"`
	RemainingCapacity float64 `json:"remaining_capacity"`
	Reason            string  `json:"reason,omitempty"`
}

// ValidateAndConsume performs the capacity check and, when it passes, the
// used-quantity update under one per-key lock so no concurrent check+update
// for the same key can interleave.
func (s *Service) ValidateAndConsume(req *SellValidationRequest) (*SellValidationResponse, error) {
	if req.Side != SideLongSell && req.Side != SideShortSell {
		return nil, fmt.Errorf("unknown sell side %q", req.Side)
	}
	if req.Quantity <= 0 {
		return nil, fmt.Errorf("quantity must be positive, got %f", req.Quantity)
	}

	if req.Side == SideShortSell && s.shortSellBudget > 0 {
		start := time.Now()
		defer func() {
			if elapsed := time.Since(start); elapsed > s.shortSellBudget {
				metrics.SLABreachesTotal.WithLabelValues("short_sell_validation").Inc()
				log.Warn().
					Str("aggregation_unit_id", req.AggregationUnitID).
					Str("security_id", req.SecurityID).
					Dur("elapsed", elapsed).
					Dur("budget", s.shortSellBudget).
					Str("service", "limits").
					Msg("short sell validation exceeded latency budget")
			}
		}()
	}

	logger := log.With().
		Str("aggregation_unit_id", req.AggregationUnitID).
		Str("security_id", req.SecurityID).
		Str("side", req.Side).
		Float64("quantity", req.Quantity).
		Str("service", "limits").
		Logger()

	lock := s.keyLock(req.AggregationUnitID, req.SecurityID, req.BusinessDate)
	lock.Lock()
	defer lock.Unlock()

	limit, err := s.db.GetLimit(req.AggregationUnitID, req.SecurityID, req.BusinessDate)
	if err != nil {
		return nil, err
	}
	if limit == nil {
		return nil, fmt.Errorf("%w: %s/%s/%s", ErrNoLimit,
			req.AggregationUnitID, req.SecurityID, req.BusinessDate)
	}

	var hasCapacity bool
	var remaining float64
	if req.Side == SideShortSell {
		hasCapacity = limit.HasShortSellCapacity(req.Quantity)
		remaining = limit.RemainingShortSellLimit()
	} else {
		hasCapacity = limit.HasLongSellCapacity(req.Quantity)
		remaining = limit.RemainingLongSellLimit()
	}

	if !hasCapacity {
		logger.Warn().
			Float64("remaining", remaining).
			Msg("sell validation rejected")
		metrics.SellValidationsTotal.WithLabelValues(req.Side, "rejected").Inc()
		return &SellValidationResponse{
			Approved:          false,
			Side:              req.Side,
			Quantity:          req.Quantity,
			RemainingCapacity: remaining,
			Reason:            fmt.Sprintf("remaining capacity %f below requested %f", remaining, req.Quantity),
		}, nil
	}

	if req.Side == SideShortSell {
		limit.ShortSellUsed += req.Quantity
		remaining = limit.RemainingShortSellLimit()
	} else {
		limit.LongSellUsed += req.Quantity
		remaining = limit.RemainingLongSellLimit()
	}
	if err := s.db.SaveLimit(limit); err != nil {
		return nil, err
	}

	logger.Info().
		Float64("remaining", remaining).
		Msg("sell validation approved and consumed")
	metrics.SellValidationsTotal.WithLabelValues(req.Side, "approved").Inc()

	return &SellValidationResponse{
		Approved:          true,
		Side:              req.Side,
		Quantity:          req.Quantity,
		RemainingCapacity: remaining,
	}, nil
}

// Reverse backs out previously consumed capacity after an order
// cancellation. The used quantity never goes below zero.
func (s *Service) Reverse(req *SellValidationRequest) (*SellValidationResponse, error) {
	if req.Side != SideLongSell && req.Side != SideShortSell {
		return nil, fmt.Errorf("unknown sell side %q", req.Side)
	}
	if req.Quantity <= 0 {
		return nil, fmt.Errorf("quantity must be positive, got %f", req.Quantity)
	}

	lock := s.keyLock(req.AggregationUnitID, req.SecurityID, req.BusinessDate)
	lock.Lock()
	defer lock.Unlock()

	limit, err := s.db.GetLimit(req.AggregationUnitID, req.SecurityID, req.BusinessDate)
	if err != nil {
		return nil, err
	}
	if limit == nil {
		return nil, fmt.Errorf("%w: %s/%s/%s", ErrNoLimit,
			req.AggregationUnitID, req.SecurityID, req.BusinessDate)
	}

	var remaining float64
	if req.Side == SideShortSell {
		if limit.ShortSellUsed < req.Quantity {
			return nil, fmt.Errorf("%w: used %f, reversal %f",
				ErrReversalExceedsUsed, limit.ShortSellUsed, req.Quantity)
		}
		limit.ShortSellUsed -= req.Quantity
		remaining = limit.RemainingShortSellLimit()
	} else {
		if limit.LongSellUsed < req.Quantity {
			return nil, fmt.Errorf("%w: used %f, reversal %f",
				ErrReversalExceedsUsed, limit.LongSellUsed, req.Quantity)
		}
		limit.LongSellUsed -= req.Quantity
		remaining = limit.RemainingLongSellLimit()
	}

	if err := s.db.SaveLimit(limit); err != nil {
		return nil, err
	}

	log.Info().
		Str("aggregation_unit_id", req.AggregationUnitID).
		Str("security_id", req.SecurityID).
		Str("side", req.Side).
		Float64("quantity", req.Quantity).
		Str("service", "limits").
		Msg("sell usage reversed")

	return &SellValidationResponse{
		Approved:          true,
		Side:              req.Side,
		Quantity:          req.Quantity,
		RemainingCapacity: remaining,
	}, nil
}

// Refresh re-applies market overlays for a security's limits, called during
// the orchestrator's LIMITS_UPDATED step. The overlay math lives on the
// model; persisting keeps the updated_at staleness indicator fresh.
func (s *Service) Refresh(securityID, businessDate string) error {
	matched, err := s.db.FindLimits(Filter{SecurityID: securityID, BusinessDate: businessDate})
	if err != nil {
		return err
	}
	for i := range matched {
		limit := matched[i]
		lock := s.keyLock(limit.AggregationUnitID, limit.SecurityID, limit.BusinessDate)
		lock.Lock()
		err := s.db.SaveLimit(&limit)
		lock.Unlock()
		if err != nil {
			return err
		}
	}
	return nil
}

// GinHandlers contains HTTP handlers for limit endpoints
type GinHandlers struct {
	service *Service
}

func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{service: service}
}

// QueryLimitsHandler handles GET requests for limits with filter query
// parameters
func (h *GinHandlers) QueryLimitsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		matched, err := h.service.Find(Filter{
			AggregationUnitID: c.Query("aggregation_unit_id"),
			SecurityID:        c.Query("security_id"),
			BusinessDate:      c.Query("business_date"),
			Market:            c.Query("market"),
		})
		response.Handle(c, matched, err)
	}
}

// SetLimitHandler handles POST requests to configure a limit. Requires
// internal authentication.
func (h *GinHandlers) SetLimitHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var limit types.AggregationUnitLimit
		if err := c.ShouldBindJSON(&limit); err != nil {
			response.BadRequest(c, err.Error())
			return
		}
		if limit.AggregationUnitID == "" || limit.SecurityID == "" || limit.BusinessDate == "" {
			response.BadRequest(c, "aggregation_unit_id, security_id and business_date are required")
			return
		}

		if err := h.service.SetLimit(&limit); err != nil {
			response.Handle(c, nil, err)
			return
		}
		response.Success(c, limit)
	}
}

// ValidateSellHandler handles POST requests validating short/long sell
// orders against limits
func (h *GinHandlers) ValidateSellHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req SellValidationRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		result, err := h.service.ValidateAndConsume(&req)
		if errors.Is(err, ErrNoLimit) {
			response.NotFound(c, err.Error())
			return
		}
		response.Handle(c, result, err)
	}
}

// ReverseSellHandler handles POST requests reversing consumed capacity on
// order cancellation. Requires internal authentication.
func (h *GinHandlers) ReverseSellHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req SellValidationRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		result, err := h.service.Reverse(&req)
		if errors.Is(err, ErrNoLimit) {
			response.NotFound(c, err.Error())
			return
		}
		if errors.Is(err, ErrReversalExceedsUsed) {
			response.Conflict(c, err.Error())
			return
		}
		response.Handle(c, result, err)
	}
}
