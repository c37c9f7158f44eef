package position

import (
	"errors"

	"github.com/gin-gonic/gin"
	"github.com/openfinex/inventory-api/internal/events"
	"github.com/openfinex/inventory-api/internal/types"
	"github.com/openfinex/inventory-api/pkg/response"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

// Service handles position store operations
type Service struct {
	db     *Database
	events events.Publisher
}

// NewService creates a new position service with the given database
// connection and event fan-out.
func NewService(gormDB *gorm.DB, publisher events.Publisher) *Service {
	if publisher == nil {
		publisher = events.NopPublisher{}
	}
	return &Service{
		db:     NewDatabase(gormDB),
		events: publisher,
	}
}

// ApplyDelta builds a position from an inbound delta and upserts it. All
// denormalized fields (market, counterparty, aggregation unit) come from the
// delta explicitly; nothing is derived implicitly. The new position enters
// calculation status PENDING until the next recalculation pass.
func (s *Service) ApplyDelta(delta *types.PositionDelta) (*types.Position, error) {
	logger := log.With().
		Str("book_id", delta.BookID).
		Str("security_id", delta.SecurityID).
		Str("business_date", delta.BusinessDate).
		Str("service", "position").
		Logger()

	p := &types.Position{
		BookID:            delta.BookID,
		SecurityID:        delta.SecurityID,
		BusinessDate:      delta.BusinessDate,
		CounterpartyID:    delta.CounterpartyID,
		AggregationUnitID: delta.AggregationUnitID,
		Market:            delta.Market,
		ContractualQty:    delta.ContractualQty,
		SettledQty:        delta.SettledQty,
		SD0Deliver:        delta.SD0Deliver,
		SD1Deliver:        delta.SD1Deliver,
		SD2Deliver:        delta.SD2Deliver,
		SD3Deliver:        delta.SD3Deliver,
		SD4Deliver:        delta.SD4Deliver,
		SD0Receipt:        delta.SD0Receipt,
		SD1Receipt:        delta.SD1Receipt,
		SD2Receipt:        delta.SD2Receipt,
		SD3Receipt:        delta.SD3Receipt,
		SD4Receipt:        delta.SD4Receipt,
		IsHypothecatable:  delta.IsHypothecatable,
		IsReserved:        delta.IsReserved,
		IsStartOfDay:      delta.IsStartOfDay,
		CalculationStatus: types.CalcStatusPending,
		RecordVersion:     delta.RecordVersion,
	}

	if err := s.db.Upsert(p); err != nil {
		if errors.Is(err, types.ErrStaleWrite) {
			logger.Warn().
				Int64("record_version", delta.RecordVersion).
				Msg("rejected stale position write")
		} else {
			logger.Error().Err(err).Msg("failed to upsert position")
		}
		return nil, err
	}

	logger.Debug().
		Str("position_id", p.PositionID).
		Float64("contractual_qty", p.ContractualQty).
		Float64("settled_qty", p.SettledQty).
		Msg("position upserted")

	s.events.Publish(events.Event{
		Type: events.PositionUpdated,
		Payload: map[string]interface{}{
			"position_id":   p.PositionID,
			"book_id":       p.BookID,
			"security_id":   p.SecurityID,
			"business_date": p.BusinessDate,
		},
	})

	return p, nil
}

// Find returns positions matching the filter.
func (s *Service) Find(f Filter) ([]types.Position, error) {
	return s.db.FindBy(f)
}

// FindBySecurity returns every position for a security on a business date.
func (s *Service) FindBySecurity(securityID, businessDate string) ([]types.Position, error) {
	return s.db.FindBySecurity(securityID, businessDate)
}

// Revalidate marks the security's positions for the date as VALID, the
// first step of a recalculation pass. Returns the number of rows touched.
func (s *Service) Revalidate(securityID, businessDate string) (int64, error) {
	return s.db.BulkSetStatus(types.CalcStatusValid, securityID, businessDate)
}

// MarkError flags the security's positions for the date as ERROR after a
// failed pass.
func (s *Service) MarkError(securityID, businessDate string) (int64, error) {
	return s.db.BulkSetStatus(types.CalcStatusError, securityID, businessDate)
}

// DeleteBefore removes snapshots older than the given business date.
func (s *Service) DeleteBefore(businessDate string) (int64, error) {
	return s.db.DeleteBefore(businessDate)
}

// GinHandlers contains HTTP handlers for position endpoints
type GinHandlers struct {
	service *Service
}

func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{service: service}
}

// UpsertPositionHandler handles POST requests carrying position deltas from
// the ingestion layer. Requires internal authentication.
func (h *GinHandlers) UpsertPositionHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var delta types.PositionDelta
		if err := c.ShouldBindJSON(&delta); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		p, err := h.service.ApplyDelta(&delta)
		if errors.Is(err, types.ErrStaleWrite) {
			response.Conflict(c, err.Error())
			return
		}
		response.Handle(c, p, err)
	}
}

// QueryPositionsHandler handles GET requests with filter query parameters.
// business_date is required.
func (h *GinHandlers) QueryPositionsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		f := Filter{
			BookID:            c.Query("book_id"),
			SecurityID:        c.Query("security_id"),
			CounterpartyID:    c.Query("counterparty_id"),
			AggregationUnitID: c.Query("aggregation_unit_id"),
			BusinessDate:      c.Query("business_date"),
			Status:            c.Query("status"),
		}
		if f.BusinessDate == "" {
			response.BadRequest(c, "business_date query parameter is required")
			return
		}

		positions, err := h.service.Find(f)
		response.Handle(c, positions, err)
	}
}
