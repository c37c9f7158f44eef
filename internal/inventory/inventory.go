package inventory

import (
	"errors"
	"fmt"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/openfinex/inventory-api/internal/events"
	"github.com/openfinex/inventory-api/internal/types"
	"github.com/openfinex/inventory-api/pkg/metrics"
	"github.com/openfinex/inventory-api/pkg/response"
	"github.com/rs/zerolog/log"
)

// ErrLocateNotApproved is returned when releasing a locate that holds no
// reservation.
var ErrLocateNotApproved = errors.New("locate is not in approved status")

// publishLocate emits a locate.updated event for every persisted locate
// outcome so downstream workflow services can react.
func (s *Service) publishLocate(locate *Locate) {
	s.events.Publish(events.Event{
		Type: events.LocateUpdated,
		Payload: map[string]interface{}{
			"locate_id":     locate.LocateID,
			"security_id":   locate.SecurityID,
			"business_date": locate.BusinessDate,
			"status":        locate.Status,
			"approved_qty":  locate.ApprovedQty,
		},
	})
}

// RequestLocate checks the LOCATE availability for the security and either
// approves the request (moving quantity from available to reserved) or
// rejects it. Check and reserve are serialized per availability key.
func (s *Service) RequestLocate(req *LocateRequest) (*Locate, error) {
	logger := log.With().
		Str("security_id", req.SecurityID).
		Str("counterparty_id", req.CounterpartyID).
		Float64("quantity", req.Quantity).
		Str("service", "locate").
		Logger()

	locate := &Locate{
		LocateID:          "LOC_" + uuid.New().String(),
		SecurityID:        req.SecurityID,
		CounterpartyID:    req.CounterpartyID,
		AggregationUnitID: req.AggregationUnitID,
		BusinessDate:      req.BusinessDate,
		Market:            req.Market,
		RequestedQty:      req.Quantity,
		Status:            LocateRequested,
	}

	key := availabilityKey(req.SecurityID, req.CounterpartyID, "", types.CalcTypeLocate, req.BusinessDate)
	lock := s.reserveLock(key)
	lock.Lock()
	defer lock.Unlock()

	av, err := s.db.GetAvailability(req.SecurityID, req.CounterpartyID, "", types.CalcTypeLocate, req.BusinessDate)
	if err != nil {
		return nil, err
	}
	if av == nil {
		locate.Status = LocateRejected
		locate.RejectReason = "no locate availability for security"
		if err := s.db.CreateLocate(locate); err != nil {
			return nil, err
		}
		logger.Warn().Str("locate_id", locate.LocateID).Msg("locate rejected: no availability record")
		metrics.LocatesTotal.WithLabelValues(LocateRejected).Inc()
		s.publishLocate(locate)
		return locate, nil
	}

	if err := av.IncrementReserved(req.Quantity); err != nil {
		if !errors.Is(err, types.ErrInsufficientAvailability) {
			return nil, err
		}
		locate.Status = LocateRejected
		locate.RejectReason = fmt.Sprintf("insufficient availability: remaining %f", av.RemainingAvailability())
		if err := s.db.CreateLocate(locate); err != nil {
			return nil, err
		}
		logger.Warn().
			Str("locate_id", locate.LocateID).
			Float64("remaining", av.RemainingAvailability()).
			Msg("locate rejected: insufficient availability")
		metrics.LocatesTotal.WithLabelValues(LocateRejected).Inc()
		s.publishLocate(locate)
		return locate, nil
	}

	locate.Status = LocateApproved
	locate.ApprovedQty = req.Quantity
	if err := s.db.SaveReservation(av, locate); err != nil {
		return nil, err
	}

	logger.Info().
		Str("locate_id", locate.LocateID).
		Float64("approved_qty", locate.ApprovedQty).
		Float64("remaining", av.RemainingAvailability()).
		Msg("locate approved")
	metrics.LocatesTotal.WithLabelValues(LocateApproved).Inc()
	s.publishLocate(locate)

	return locate, nil
}

// ReleaseLocate reverses an approved locate's reservation, restoring the
// availability it held.
func (s *Service) ReleaseLocate(locateID string) (*Locate, error) {
	locate, err := s.db.GetLocate(locateID)
	if err != nil {
		return nil, err
	}
	if locate.Status != LocateApproved {
		return nil, fmt.Errorf("%w: locate %s is %s", ErrLocateNotApproved, locateID, locate.Status)
	}

	key := availabilityKey(locate.SecurityID, locate.CounterpartyID, "", types.CalcTypeLocate, locate.BusinessDate)
	lock := s.reserveLock(key)
	lock.Lock()
	defer lock.Unlock()

	av, err := s.db.GetAvailability(locate.SecurityID, locate.CounterpartyID, "", types.CalcTypeLocate, locate.BusinessDate)
	if err != nil {
		return nil, err
	}
	if av == nil {
		return nil, fmt.Errorf("availability record missing for locate %s", locateID)
	}

	if err := av.DecrementReserved(locate.ApprovedQty); err != nil {
		return nil, err
	}

	locate.Status = LocateReleased
	if err := s.db.SaveReservation(av, locate); err != nil {
		return nil, err
	}

	log.Info().
		Str("locate_id", locate.LocateID).
		Float64("released_qty", locate.ApprovedQty).
		Str("service", "locate").
		Msg("locate released")
	s.publishLocate(locate)

	return locate, nil
}

// ApplyDecrement consumes availability for an executed trade. The decrement
// survives recalculation: the calculator subtracts the carried
// DecrementQuantity when it rebuilds AvailableQuantity.
func (s *Service) ApplyDecrement(req *DecrementRequest) (*types.InventoryAvailability, error) {
	if req.Quantity <= 0 {
		return nil, fmt.Errorf("decrement quantity must be positive, got %f", req.Quantity)
	}
	if !types.IsValidCalculationType(req.CalculationType) {
		return nil, fmt.Errorf("unknown calculation type %q", req.CalculationType)
	}

	key := availabilityKey(req.SecurityID, req.CounterpartyID, req.AggregationUnitID, req.CalculationType, req.BusinessDate)
	lock := s.reserveLock(key)
	lock.Lock()
	defer lock.Unlock()

	av, err := s.db.GetAvailability(req.SecurityID, req.CounterpartyID, req.AggregationUnitID, req.CalculationType, req.BusinessDate)
	if err != nil {
		return nil, err
	}
	if av == nil {
		return nil, fmt.Errorf("no availability for %s/%s on %s", req.SecurityID, req.CalculationType, req.BusinessDate)
	}

	if err := av.ApplyDecrement(req.Quantity); err != nil {
		return nil, err
	}
	if err := s.db.SaveAvailability(av); err != nil {
		return nil, err
	}

	log.Info().
		Str("security_id", req.SecurityID).
		Str("calculation_type", req.CalculationType).
		Float64("quantity", req.Quantity).
		Float64("remaining", av.RemainingAvailability()).
		Str("service", "inventory").
		Msg("availability decremented")

	return av, nil
}

// GetLocate retrieves a locate by ID.
func (s *Service) GetLocate(locateID string) (*Locate, error) {
	return s.db.GetLocate(locateID)
}

// ListLocates returns locates filtered by security and business date.
func (s *Service) ListLocates(securityID, businessDate string) ([]Locate, error) {
	return s.db.ListLocates(securityID, businessDate)
}

// GinHandlers contains HTTP handlers for inventory and locate endpoints
type GinHandlers struct {
	service *Service
}

func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{service: service}
}

// QueryInventoryHandler handles GET requests for availability with filter
// query parameters
func (h *GinHandlers) QueryInventoryHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		rows, err := h.service.Find(Filter{
			SecurityID:        c.Query("security_id"),
			CounterpartyID:    c.Query("counterparty_id"),
			AggregationUnitID: c.Query("aggregation_unit_id"),
			CalculationType:   c.Query("calculation_type"),
			BusinessDate:      c.Query("business_date"),
			Market:            c.Query("market"),
			Temperature:       c.Query("temperature"),
			Status:            c.Query("status"),
		})
		response.Handle(c, rows, err)
	}
}

// RequestLocateHandler handles POST requests for locate approvals
func (h *GinHandlers) RequestLocateHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req LocateRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		locate, err := h.service.RequestLocate(&req)
		response.Handle(c, locate, err)
	}
}

// ReleaseLocateHandler handles POST requests to release an approved locate
func (h *GinHandlers) ReleaseLocateHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		locate, err := h.service.ReleaseLocate(c.Param("locate_id"))
		if errors.Is(err, ErrLocateNotApproved) {
			response.Conflict(c, err.Error())
			return
		}
		response.Handle(c, locate, err)
	}
}

// ListLocatesHandler handles GET requests for locates
func (h *GinHandlers) ListLocatesHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		locates, err := h.service.ListLocates(c.Query("security_id"), c.Query("business_date"))
		response.Handle(c, locates, err)
	}
}

// DecrementAvailabilityHandler handles POST requests consuming availability
// for executed trades. Requires internal authentication.
func (h *GinHandlers) DecrementAvailabilityHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req DecrementRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		av, err := h.service.ApplyDecrement(&req)
		if errors.Is(err, types.ErrInsufficientAvailability) {
			response.Conflict(c, err.Error())
			return
		}
		response.Handle(c, av, err)
	}
}

// ExternalAvailabilityHandler handles POST requests carrying borrow desk
// feed quantities. Requires internal authentication.
func (h *GinHandlers) ExternalAvailabilityHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req ExternalAvailabilityRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		av, err := h.service.IngestExternalAvailability(&req)
		response.Handle(c, av, err)
	}
}
