package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/openfinex/inventory-api/internal/auth"
	"github.com/openfinex/inventory-api/internal/config"
	"github.com/openfinex/inventory-api/internal/database"
	"github.com/openfinex/inventory-api/internal/events"
	"github.com/openfinex/inventory-api/internal/inventory"
	"github.com/openfinex/inventory-api/internal/limits"
	"github.com/openfinex/inventory-api/internal/orchestrator"
	"github.com/openfinex/inventory-api/internal/position"
	"github.com/openfinex/inventory-api/internal/rules"
	"github.com/openfinex/inventory-api/internal/types"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	minDeltas     = 20
	maxDeltas     = 120
	numWorkers    = 5
	serverAddress = "http://localhost:8080"
	apiKey        = "sim-api-key"
	apiSecret     = "sim-api-secret"
)

var (
	securities = []string{"AAPL", "GOOGL", "MSFT", "7203.T", "2330.TW"}
	books      = []string{"BOOK_EQ_1", "BOOK_EQ_2", "BOOK_SWAP_1"}
	units      = []string{"AU_US", "AU_APAC"}
)

// init configures the logger for the simulation with pretty printing and timestamp
func init() {
	// Configure pretty logging
	output := zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: time.RFC3339,
	}
	log.Logger = zerolog.New(output).With().Timestamp().Logger()
}

// routeStats tracks performance statistics for an API endpoint
type routeStats struct {
	name       string
	durations  []time.Duration
	totalCalls int
	failures   int
}

// addDuration records a new duration measurement for the route
func (rs *routeStats) addDuration(d time.Duration) {
	rs.durations = append(rs.durations, d)
	rs.totalCalls++
}

// calculate computes performance statistics from recorded durations
// Returns min, max, mean, median, 95th percentile, and 99th percentile durations
func (rs *routeStats) calculate() (min, max, mean, median, p95, p99 time.Duration) {
	if len(rs.durations) == 0 {
		return 0, 0, 0, 0, 0, 0
	}

	// Sort durations for percentile calculations
	sort.Slice(rs.durations, func(i, j int) bool {
		return rs.durations[i] < rs.durations[j]
	})

	min = rs.durations[0]
	max = rs.durations[len(rs.durations)-1]

	// Calculate mean
	var sum time.Duration
	for _, d := range rs.durations {
		sum += d
	}
	mean = sum / time.Duration(len(rs.durations))

	// Calculate median
	median = rs.durations[len(rs.durations)/2]

	// Calculate percentiles
	p95idx := int(math.Ceil(float64(len(rs.durations))*0.95)) - 1
	p99idx := int(math.Ceil(float64(len(rs.durations))*0.99)) - 1
	p95 = rs.durations[p95idx]
	p99 = rs.durations[p99idx]

	return
}

// simulationClient handles HTTP communication with the inventory API
type simulationClient struct {
	baseURL   string
	authToken string
	client    *http.Client
	stats     map[string]*routeStats
}

// newSimulationClient creates and initializes a new simulation client
// It authenticates with the API and prepares performance tracking
func newSimulationClient() (*simulationClient, error) {
	// Create HTTP client with timeout
	client := &http.Client{
		Timeout: 10 * time.Second,
	}

	sc := &simulationClient{
		baseURL: serverAddress,
		client:  client,
		stats: map[string]*routeStats{
			"auth":     {name: "Authentication"},
			"rule":     {name: "Publish Rule"},
			"position": {name: "Upsert Position"},
			"external": {name: "External Feed"},
			"recalc":   {name: "Trigger Recalc"},
			"query":    {name: "Query Inventory"},
			"locate":   {name: "Request Locate"},
			"validate": {name: "Validate Sell"},
		},
	}

	// Get auth token
	token, err := sc.authenticate()
	if err != nil {
		return nil, fmt.Errorf("failed to authenticate: %w", err)
	}
	sc.authToken = token

	return sc, nil
}

// authenticate performs API authentication and returns a JWT token
func (sc *simulationClient) authenticate() (string, error) {
	start := time.Now()
	defer func() {
		sc.stats["auth"].addDuration(time.Since(start))
	}()

	credentials := map[string]string{
		"api_key":    apiKey,
		"api_secret": apiSecret,
	}

	body, err := json.Marshal(credentials)
	if err != nil {
		return "", err
	}

	resp, err := sc.client.Post(
		fmt.Sprintf("%s/api/v1/auth/token", sc.baseURL),
		"application/json",
		bytes.NewBuffer(body),
	)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return "", fmt.Errorf("authentication failed with status: %d", resp.StatusCode)
	}

	var result struct {
		Success bool `json:"success"`
		Data    struct {
			Token string `json:"jwt_token"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", err
	}

	return result.Data.Token, nil
}

// post sends an authenticated JSON POST and decodes the envelope's data into
// out when out is non-nil.
func (sc *simulationClient) post(statKey, path string, payload, out interface{}) error {
	start := time.Now()
	defer func() {
		sc.stats[statKey].addDuration(time.Since(start))
	}()

	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		body = bytes.NewBuffer(data)
	}

	req, err := http.NewRequest("POST", sc.baseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", sc.authToken))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", uuid.New().String())

	resp, err := sc.client.Do(req)
	if err != nil {
		sc.stats[statKey].failures++
		return err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}
	log.Debug().Str("path", path).Str("response", string(respBody)).Msg("POST response")

	if resp.StatusCode >= http.StatusBadRequest {
		sc.stats[statKey].failures++
		return fmt.Errorf("POST %s failed with status %d: %s", path, resp.StatusCode, string(respBody))
	}

	if out == nil {
		return nil
	}
	var envelope struct {
		Success bool            `json:"success"`
		Data    json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(respBody, &envelope); err != nil {
		return fmt.Errorf("failed to decode response: %w, body: %s", err, string(respBody))
	}
	return json.Unmarshal(envelope.Data, out)
}

// get sends an authenticated GET and decodes the envelope's data into out.
func (sc *simulationClient) get(statKey, path string, out interface{}) error {
	start := time.Now()
	defer func() {
		sc.stats[statKey].addDuration(time.Since(start))
	}()

	req, err := http.NewRequest("GET", sc.baseURL+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", sc.authToken))

	resp, err := sc.client.Do(req)
	if err != nil {
		sc.stats[statKey].failures++
		return err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		sc.stats[statKey].failures++
		return fmt.Errorf("GET %s failed with status %d: %s", path, resp.StatusCode, string(respBody))
	}

	var envelope struct {
		Success bool            `json:"success"`
		Data    json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(respBody, &envelope); err != nil {
		return fmt.Errorf("failed to decode response: %w, body: %s", err, string(respBody))
	}
	return json.Unmarshal(envelope.Data, out)
}

// publishRules creates and publishes a for-loan haircut rule plus a
// short-sell pass-through rule so the calculation passes have something to
// evaluate.
func (sc *simulationClient) publishRules() error {
	requests := []rules.RuleRequest{
		{
			Name:          "Global for-loan haircut",
			Market:        types.MarketGlobal,
			RuleType:      types.CalcTypeForLoan,
			Priority:      10,
			EffectiveDate: time.Now().Add(-time.Hour),
			InclusionCriteria: []rules.Criterion{
				{Field: rules.FieldQuantity, Op: rules.OpGt, Number: 0},
			},
			Actions: []rules.Action{
				{Type: rules.ActionHaircut, Value: 10},
			},
		},
		{
			Name:          "Global short-sell availability",
			Market:        types.MarketGlobal,
			RuleType:      types.CalcTypeShortSell,
			Priority:      10,
			EffectiveDate: time.Now().Add(-time.Hour),
			InclusionCriteria: []rules.Criterion{
				{Field: rules.FieldQuantity, Op: rules.OpGt, Number: 0},
			},
		},
	}

	for _, req := range requests {
		var created rules.CalculationRule
		if err := sc.post("rule", "/api/v1/rules", req, &created); err != nil {
			return err
		}
		if err := sc.post("rule", fmt.Sprintf("/api/v1/rules/%s/publish", created.RuleID), nil, nil); err != nil {
			return err
		}
		log.Info().
			Str("rule_id", created.RuleID).
			Str("rule_type", created.RuleType).
			Msg("Rule published")
	}
	return nil
}

// printPerformanceStats outputs formatted performance statistics for all API endpoints
func (sc *simulationClient) printPerformanceStats() {
	fmt.Println("\n📊 API Performance Statistics")
	fmt.Println(strings.Repeat("-", 100))
	fmt.Printf("%-20s %10s %10s %10s %10s %10s %10s %10s %10s\n",
		"Endpoint", "Calls", "Errors", "Min", "Max", "Mean", "Median", "P95", "P99")
	fmt.Println(strings.Repeat("-", 100))

	for _, stats := range sc.stats {
		min, max, mean, median, p95, p99 := stats.calculate()
		fmt.Printf("%-20s %10d %10d %10s %10s %10s %10s %10s %10s\n",
			stats.name,
			stats.totalCalls,
			stats.failures,
			min.Round(time.Millisecond),
			max.Round(time.Millisecond),
			mean.Round(time.Millisecond),
			median.Round(time.Millisecond),
			p95.Round(time.Millisecond),
			p99.Round(time.Millisecond))
	}
	fmt.Println(strings.Repeat("-", 100))
}

// main runs the inventory simulation
// It starts a local engine and drives the full workflow: rule publication,
// position ingestion, external feeds, recalculation, locates and sell
// validation
func main() {
	// Start the server in a goroutine
	go func() {
		if err := startServer(); err != nil {
			log.Fatal().Err(err).Msg("Failed to start server")
		}
	}()

	// Wait for server to start
	time.Sleep(2 * time.Second)

	// Initialize simulation client
	simClient, err := newSimulationClient()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize simulation client")
	}

	businessDate := types.ToBusinessDate(time.Now())

	if err := simClient.publishRules(); err != nil {
		log.Fatal().Err(err).Msg("Failed to publish rules")
	}

	// Generate random number of position deltas to ingest
	targetDeltas := rand.Intn(maxDeltas-minDeltas) + minDeltas
	log.Info().Int("target_deltas", targetDeltas).Msg("Starting simulation")

	var wg sync.WaitGroup
	var ingested int64
	var ingestMu sync.Mutex

	// Start worker goroutines
	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			n := ingestPositions(workerID, targetDeltas/numWorkers, businessDate, simClient)
			ingestMu.Lock()
			ingested += int64(n)
			ingestMu.Unlock()
		}(i)
	}
	wg.Wait()

	log.Info().Int64("positions_ingested", ingested).Msg("All position deltas ingested")

	// Feed external borrow-desk availability for every security
	for _, security := range securities {
		feed := inventory.ExternalAvailabilityRequest{
			SecurityID:      security,
			CounterpartyID:  "BORROW_DESK_1",
			BusinessDate:    businessDate,
			Market:          marketFor(security),
			CalculationType: types.CalcTypeForLoan,
			Quantity:        float64(rand.Intn(50000) + 10000),
			Temperature:     types.TemperatureGC,
			BorrowRate:      0.25,
		}
		if err := simClient.post("external", "/api/v1/internal/availability/external", feed, nil); err != nil {
			log.Error().Err(err).Str("security_id", security).Msg("Failed to ingest external availability")
		}
	}

	// Configure limits and trigger recalculation for every security
	for _, security := range securities {
		for _, unit := range units {
			limit := types.AggregationUnitLimit{
				AggregationUnitID: unit,
				SecurityID:        security,
				BusinessDate:      businessDate,
				Market:            marketFor(security),
				LongSellLimit:     100000,
				ShortSellLimit:    50000,
			}
			if err := simClient.post("recalc", "/api/v1/internal/limits", limit, nil); err != nil {
				log.Error().Err(err).Str("security_id", security).Msg("Failed to set limit")
			}
		}

		trigger := orchestrator.Trigger{
			SecurityID:   security,
			BusinessDate: businessDate,
			Market:       marketFor(security),
			TriggerType:  orchestrator.TriggerPosition,
		}
		if err := simClient.post("recalc", "/api/v1/internal/recalculate", trigger, nil); err != nil {
			log.Error().Err(err).Str("security_id", security).Msg("Failed to trigger recalculation")
		}
	}

	// Give the orchestrator time to run the passes
	time.Sleep(2 * time.Second)

	stats := struct {
		LocatesApproved  int
		LocatesRejected  int
		SellsApproved    int
		SellsRejected    int
		AvailabilityRows int
		StartTime        time.Time
	}{StartTime: time.Now()}

	// Query availability, request locates and validate short sells
	for _, security := range securities {
		var rows []types.InventoryAvailability
		path := fmt.Sprintf("/api/v1/inventory?security_id=%s&business_date=%s", security, businessDate)
		if err := simClient.get("query", path, &rows); err != nil {
			log.Error().Err(err).Str("security_id", security).Msg("Failed to query inventory")
			continue
		}
		stats.AvailabilityRows += len(rows)

		locate := inventory.LocateRequest{
			SecurityID:     security,
			CounterpartyID: "BORROW_DESK_1",
			BusinessDate:   businessDate,
			Market:         marketFor(security),
			Quantity:       float64(rand.Intn(5000) + 100),
		}
		var locateResult inventory.Locate
		if err := simClient.post("locate", "/api/v1/locates", locate, &locateResult); err != nil {
			log.Error().Err(err).Str("security_id", security).Msg("Failed to request locate")
		} else if locateResult.Status == inventory.LocateApproved {
			stats.LocatesApproved++
			log.Info().
				Str("locate_id", locateResult.LocateID).
				Float64("approved_qty", locateResult.ApprovedQty).
				Msg("Locate approved")
		} else {
			stats.LocatesRejected++
			log.Warn().
				Str("locate_id", locateResult.LocateID).
				Str("reason", locateResult.RejectReason).
				Msg("Locate rejected")
		}

		validation := limits.SellValidationRequest{
			Side:              limits.SideShortSell,
			AggregationUnitID: units[rand.Intn(len(units))],
			SecurityID:        security,
			BusinessDate:      businessDate,
			Quantity:          float64(rand.Intn(10000) + 500),
		}
		var sellResult limits.SellValidationResponse
		if err := simClient.post("validate", "/api/v1/validate/sell", validation, &sellResult); err != nil {
			log.Error().Err(err).Str("security_id", security).Msg("Failed to validate sell")
		} else if sellResult.Approved {
			stats.SellsApproved++
			log.Info().
				Str("security_id", security).
				Float64("quantity", sellResult.Quantity).
				Float64("remaining", sellResult.RemainingCapacity).
				Msg("Short sell approved")
		} else {
			stats.SellsRejected++
			log.Warn().
				Str("security_id", security).
				Str("reason", sellResult.Reason).
				Msg("Short sell rejected")
		}
	}

	// Print summary
	duration := time.Since(stats.StartTime)
	fmt.Println("\n" + strings.Repeat("=", 80))
	fmt.Println("🚀 INVENTORY SIMULATION SUMMARY")
	fmt.Println(strings.Repeat("=", 80))

	fmt.Printf(`
📊 Workflow Statistics
---------------------
Positions Ingested:  %d
Availability Rows:   %d
Locates Approved:    %d
Locates Rejected:    %d
Sells Approved:      %d
Sells Rejected:      %d
Duration:            %v
`, ingested, stats.AvailabilityRows,
		stats.LocatesApproved, stats.LocatesRejected,
		stats.SellsApproved, stats.SellsRejected,
		duration.Round(time.Millisecond))

	fmt.Println("\n" + strings.Repeat("=", 80))

	log.Info().
		Int64("positions", ingested).
		Int("availability_rows", stats.AvailabilityRows).
		Int("locates_approved", stats.LocatesApproved).
		Int("sells_approved", stats.SellsApproved).
		Dur("duration", duration).
		Msg("Simulation completed")

	simClient.printPerformanceStats()
}

// marketFor maps a security to its listing market.
func marketFor(security string) string {
	switch {
	case strings.HasSuffix(security, ".T"):
		return types.MarketJapan
	case strings.HasSuffix(security, ".TW"):
		return types.MarketTaiwan
	}
	return types.MarketGlobal
}

// ingestPositions generates and submits random position deltas to the API.
// Runs as a worker goroutine; returns the number successfully ingested.
func ingestPositions(workerID, numDeltas int, businessDate string, simClient *simulationClient) int {
	ingested := 0
	for i := 0; i < numDeltas; i++ {
		security := securities[rand.Intn(len(securities))]
		settled := float64(rand.Intn(20000) + 1000)
		delta := types.PositionDelta{
			BookID:            books[rand.Intn(len(books))],
			SecurityID:        security,
			BusinessDate:      businessDate,
			CounterpartyID:    fmt.Sprintf("CPTY_%d", rand.Intn(4)+1),
			AggregationUnitID: units[rand.Intn(len(units))],
			Market:            marketFor(security),
			SettledQty:        settled,
			ContractualQty:    settled + float64(rand.Intn(2000)) - 1000,
			SD0Receipt:        float64(rand.Intn(500)),
			SD1Receipt:        float64(rand.Intn(500)),
			SD0Deliver:        float64(rand.Intn(300)),
			IsHypothecatable:  rand.Intn(2) == 0,
			RecordVersion:     time.Now().UnixNano(),
		}

		var pos types.Position
		if err := simClient.post("position", "/api/v1/internal/positions", delta, &pos); err != nil {
			log.Error().Err(err).
				Str("worker_id", fmt.Sprintf("%d", workerID)).
				Str("security_id", delta.SecurityID).
				Msg("Failed to upsert position")
			continue
		}

		ingested++
		log.Info().
			Str("worker_id", fmt.Sprintf("%d", workerID)).
			Str("position_id", pos.PositionID).
			Str("security_id", delta.SecurityID).
			Float64("contractual_qty", delta.ContractualQty).
			Msg("Position ingested")

		// Random sleep between deltas
		time.Sleep(time.Duration(rand.Intn(200)) * time.Millisecond)
	}
	return ingested
}

// startServer initializes and starts the inventory engine
// Sets up all required services, handlers and routes
func startServer() error {
	cfg := config.Default()
	cfg.Server.DSN = "simulation.db"

	// Initialize database
	db, err := database.NewDatabase(cfg.Server.DSN)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}

	// Initialize services
	authService := auth.NewService(cfg.Server.JWTSecret)
	authService.RegisterAPICredentials(apiKey, apiSecret,
		auth.PermissionRead, auth.PermissionValidate, auth.PermissionRules, auth.PermissionInternal)

	hub := events.NewHub()

	positionService := position.NewService(db, hub)
	ruleService := rules.NewService(db)
	inventoryService := inventory.NewService(db, ruleService, inventory.BuildPolicies(cfg.Markets), hub)
	limitService := limits.NewService(db, cfg.SLA.ShortSellBudget())

	engine := orchestrator.New(db, positionService, inventoryService, limitService, hub, cfg)

	ctx := context.Background()
	go hub.Run(ctx)
	engine.Start(ctx)

	// Initialize router
	router := gin.Default()
	authHandlers := auth.NewGinHandlers(authService)
	positionHandlers := position.NewGinHandlers(positionService)
	ruleHandlers := rules.NewGinHandlers(ruleService)
	inventoryHandlers := inventory.NewGinHandlers(inventoryService)
	limitHandlers := limits.NewGinHandlers(limitService)
	orchestratorHandlers := orchestrator.NewGinHandlers(engine)

	// Setup routes without auth middleware; the simulation exercises the
	// workflow, not the perimeter
	v1 := router.Group("/api/v1")
	{
		v1.POST("/auth/token", authHandlers.GenerateTokenHandler())

		v1.GET("/positions", positionHandlers.QueryPositionsHandler())
		v1.GET("/inventory", inventoryHandlers.QueryInventoryHandler())
		v1.GET("/limits", limitHandlers.QueryLimitsHandler())
		v1.GET("/locates", inventoryHandlers.ListLocatesHandler())

		v1.POST("/locates", inventoryHandlers.RequestLocateHandler())
		v1.POST("/locates/:locate_id/release", inventoryHandlers.ReleaseLocateHandler())
		v1.POST("/validate/sell", limitHandlers.ValidateSellHandler())

		v1.POST("/rules", ruleHandlers.CreateRuleHandler())
		v1.POST("/rules/:rule_id/publish", ruleHandlers.PublishRuleHandler())

		internal := v1.Group("/internal")
		{
			internal.POST("/positions", positionHandlers.UpsertPositionHandler())
			internal.POST("/availability/external", inventoryHandlers.ExternalAvailabilityHandler())
			internal.POST("/limits", limitHandlers.SetLimitHandler())
			internal.POST("/recalculate", orchestratorHandlers.TriggerRecalculationHandler())
		}
	}

	// Start the server
	return router.Run(":8080")
}
