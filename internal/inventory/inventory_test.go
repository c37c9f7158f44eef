package inventory

import (
	"sync"
	"testing"

	"github.com/openfinex/inventory-api/internal/events"
	"github.com/openfinex/inventory-api/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recordingPublisher) Publish(e events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recordingPublisher) recorded() []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]events.Event(nil), r.events...)
}

func seedLocateAvailability(t *testing.T, svc *Service, quantity float64) {
	t.Helper()
	require.NoError(t, svc.db.SaveAvailability(&types.InventoryAvailability{
		AvailabilityID:    "INV_seed",
		SecurityID:        "AAPL",
		CounterpartyID:    "CPTY_1",
		CalculationType:   types.CalcTypeLocate,
		BusinessDate:      testDate,
		Market:            types.MarketGlobal,
		GrossQuantity:     quantity,
		NetQuantity:       quantity,
		AvailableQuantity: quantity,
		Status:            types.AvailabilityActive,
	}))
}

func locateRequest(quantity float64) *LocateRequest {
	return &LocateRequest{
		SecurityID:     "AAPL",
		CounterpartyID: "CPTY_1",
		BusinessDate:   testDate,
		Quantity:       quantity,
	}
}

func TestRequestLocateApproves(t *testing.T) {
	svc, _, _ := testServices(t, nil)
	seedLocateAvailability(t, svc, 10000)

	locate, err := svc.RequestLocate(locateRequest(4000))
	require.NoError(t, err)
	assert.Equal(t, LocateApproved, locate.Status)
	assert.Equal(t, 4000.0, locate.ApprovedQty)
	assert.Contains(t, locate.LocateID, "LOC_")

	av, err := svc.db.GetAvailability("AAPL", "CPTY_1", "", types.CalcTypeLocate, testDate)
	require.NoError(t, err)
	require.NotNil(t, av)
	assert.Equal(t, 4000.0, av.ReservedQuantity)
	assert.Equal(t, 6000.0, av.RemainingAvailability())
}

func TestRequestLocateRejectsInsufficient(t *testing.T) {
	svc, _, _ := testServices(t, nil)
	seedLocateAvailability(t, svc, 1000)

	locate, err := svc.RequestLocate(locateRequest(5000))
	require.NoError(t, err)
	assert.Equal(t, LocateRejected, locate.Status)
	assert.Zero(t, locate.ApprovedQty)
	assert.Contains(t, locate.RejectReason, "insufficient")

	// Rejections are persisted for audit, the availability is untouched
	fetched, err := svc.GetLocate(locate.LocateID)
	require.NoError(t, err)
	assert.Equal(t, LocateRejected, fetched.Status)

	av, err := svc.db.GetAvailability("AAPL", "CPTY_1", "", types.CalcTypeLocate, testDate)
	require.NoError(t, err)
	assert.Zero(t, av.ReservedQuantity)
}

func TestRequestLocateRejectsWithoutAvailability(t *testing.T) {
	svc, _, _ := testServices(t, nil)

	locate, err := svc.RequestLocate(locateRequest(100))
	require.NoError(t, err)
	assert.Equal(t, LocateRejected, locate.Status)
	assert.Contains(t, locate.RejectReason, "no locate availability")
}

func TestReleaseLocateRestoresAvailability(t *testing.T) {
	svc, _, _ := testServices(t, nil)
	seedLocateAvailability(t, svc, 10000)

	locate, err := svc.RequestLocate(locateRequest(4000))
	require.NoError(t, err)
	require.Equal(t, LocateApproved, locate.Status)

	released, err := svc.ReleaseLocate(locate.LocateID)
	require.NoError(t, err)
	assert.Equal(t, LocateReleased, released.Status)

	av, err := svc.db.GetAvailability("AAPL", "CPTY_1", "", types.CalcTypeLocate, testDate)
	require.NoError(t, err)
	assert.Zero(t, av.ReservedQuantity)
	assert.Equal(t, 10000.0, av.RemainingAvailability())

	// A released locate cannot be released again
	_, err = svc.ReleaseLocate(locate.LocateID)
	assert.ErrorIs(t, err, ErrLocateNotApproved)
}

func TestReleaseRejectedLocateFails(t *testing.T) {
	svc, _, _ := testServices(t, nil)
	seedLocateAvailability(t, svc, 100)

	locate, err := svc.RequestLocate(locateRequest(500))
	require.NoError(t, err)
	require.Equal(t, LocateRejected, locate.Status)

	_, err = svc.ReleaseLocate(locate.LocateID)
	assert.ErrorIs(t, err, ErrLocateNotApproved)
}

func TestListLocates(t *testing.T) {
	svc, _, _ := testServices(t, nil)
	seedLocateAvailability(t, svc, 10000)

	_, err := svc.RequestLocate(locateRequest(1000))
	require.NoError(t, err)
	_, err = svc.RequestLocate(locateRequest(2000))
	require.NoError(t, err)

	locates, err := svc.ListLocates("AAPL", testDate)
	require.NoError(t, err)
	assert.Len(t, locates, 2)

	locates, err = svc.ListLocates("GOOGL", testDate)
	require.NoError(t, err)
	assert.Empty(t, locates)
}

func TestLocateLifecyclePublishesEvents(t *testing.T) {
	svc, _, _ := testServices(t, nil)
	rec := &recordingPublisher{}
	svc.events = rec
	seedLocateAvailability(t, svc, 10000)

	locate, err := svc.RequestLocate(locateRequest(4000))
	require.NoError(t, err)
	require.Equal(t, LocateApproved, locate.Status)

	_, err = svc.ReleaseLocate(locate.LocateID)
	require.NoError(t, err)

	_, err = svc.RequestLocate(locateRequest(50000))
	require.NoError(t, err)

	recorded := rec.recorded()
	require.Len(t, recorded, 3)

	var statuses []string
	for _, ev := range recorded {
		assert.Equal(t, events.LocateUpdated, ev.Type)
		payload, ok := ev.Payload.(map[string]interface{})
		require.True(t, ok)
		assert.Equal(t, "AAPL", payload["security_id"])
		statuses = append(statuses, payload["status"].(string))
	}
	assert.Equal(t, []string{LocateApproved, LocateReleased, LocateRejected}, statuses)
}

func TestApplyDecrementConsumes(t *testing.T) {
	svc, _, _ := testServices(t, nil)
	seedLocateAvailability(t, svc, 10000)

	av, err := svc.ApplyDecrement(&DecrementRequest{
		SecurityID:      "AAPL",
		CounterpartyID:  "CPTY_1",
		CalculationType: types.CalcTypeLocate,
		BusinessDate:    testDate,
		Quantity:        4000,
	})
	require.NoError(t, err)
	assert.Equal(t, 6000.0, av.AvailableQuantity)
	assert.Equal(t, 4000.0, av.DecrementQuantity)

	// A decremented quantity is gone: locates only see what is left
	locate, err := svc.RequestLocate(locateRequest(7000))
	require.NoError(t, err)
	assert.Equal(t, LocateRejected, locate.Status)

	_, err = svc.ApplyDecrement(&DecrementRequest{
		SecurityID:      "AAPL",
		CounterpartyID:  "CPTY_1",
		CalculationType: types.CalcTypeLocate,
		BusinessDate:    testDate,
		Quantity:        7000,
	})
	require.ErrorIs(t, err, types.ErrInsufficientAvailability)
}

func TestApplyDecrementRequiresAvailability(t *testing.T) {
	svc, _, _ := testServices(t, nil)

	_, err := svc.ApplyDecrement(&DecrementRequest{
		SecurityID:      "MSFT",
		CalculationType: types.CalcTypeShortSell,
		BusinessDate:    testDate,
		Quantity:        100,
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no availability")
}

func TestConcurrentLocatesNeverOverdraw(t *testing.T) {
	svc, _, _ := testServices(t, nil)
	seedLocateAvailability(t, svc, 10000)

	const workers = 20
	type outcome struct {
		locate *Locate
		err    error
	}
	results := make(chan outcome, workers)
	for i := 0; i < workers; i++ {
		go func() {
			locate, err := svc.RequestLocate(locateRequest(1000))
			results <- outcome{locate, err}
		}()
	}

	approved := 0
	for i := 0; i < workers; i++ {
		out := <-results
		require.NoError(t, out.err)
		if out.locate.Status == LocateApproved {
			approved++
		}
	}
	assert.Equal(t, 10, approved)

	av, err := svc.db.GetAvailability("AAPL", "CPTY_1", "", types.CalcTypeLocate, testDate)
	require.NoError(t, err)
	assert.Equal(t, 10000.0, av.ReservedQuantity)
	assert.Zero(t, av.RemainingAvailability())
}
