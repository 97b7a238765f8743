package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"flag"
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

	"github.com/google/uuid"
	"github.com/ksred/klear-dex/internal/ledger"
	"github.com/ksred/klear-dex/internal/types"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	minOrders  = 15
	maxOrders  = 150
	numWorkers = 5

	t1Supply = 1_000_000_000
	t2Supply = 100_000_000_000
)

// init configures the logger for the simulation with pretty printing and timestamp
func init() {
	output := zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: time.RFC3339,
	}
	log.Logger = zerolog.New(output).With().Timestamp().Logger()
}

// routeStats tracks performance statistics for an API endpoint
type routeStats struct {
	mu         sync.Mutex
	name       string
	durations  []time.Duration
	totalCalls int
	failures   int
}

// record adds a duration measurement and counts failed calls
func (rs *routeStats) record(d time.Duration, failed bool) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.durations = append(rs.durations, d)
	rs.totalCalls++
	if failed {
		rs.failures++
	}
}

// calculate computes performance statistics from recorded durations
// Returns min, max, mean, median, 95th percentile, and 99th percentile durations
func (rs *routeStats) calculate() (min, max, mean, median, p95, p99 time.Duration) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if len(rs.durations) == 0 {
		return 0, 0, 0, 0, 0, 0
	}

	sort.Slice(rs.durations, func(i, j int) bool {
		return rs.durations[i] < rs.durations[j]
	})

	min = rs.durations[0]
	max = rs.durations[len(rs.durations)-1]

	var sum time.Duration
	for _, d := range rs.durations {
		sum += d
	}
	mean = sum / time.Duration(len(rs.durations))
	median = rs.durations[len(rs.durations)/2]

	p95idx := int(math.Ceil(float64(len(rs.durations))*0.95)) - 1
	p99idx := int(math.Ceil(float64(len(rs.durations))*0.99)) - 1
	p95 = rs.durations[p95idx]
	p99 = rs.durations[p99idx]

	return
}

// apiError is a non-2xx response from the API
type apiError struct {
	Status  int
	Code    string
	Message string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("status %d %s: %s", e.Status, e.Code, e.Message)
}

// simulationClient handles HTTP communication with the dex API for one account
type simulationClient struct {
	baseURL   string
	account   types.Address
	authToken string
	client    *http.Client
	stats     map[string]*routeStats
}

// newSimulationClient authenticates account against the API. Clients share
// stats so the summary covers every account.
func newSimulationClient(baseURL, apiKey, apiSecret string, stats map[string]*routeStats) (*simulationClient, error) {
	sc := &simulationClient{
		baseURL: baseURL,
		account: types.Address(apiKey),
		client:  &http.Client{Timeout: 10 * time.Second},
		stats:   stats,
	}

	var token struct {
		Token    string `json:"jwt_token"`
		ClientID string `json:"client_id"`
	}
	err := sc.call("auth", http.MethodPost, "/api/v1/auth/token", map[string]string{
		"api_key":    apiKey,
		"api_secret": apiSecret,
	}, false, &token)
	if err != nil {
		return nil, fmt.Errorf("failed to authenticate %s: %w", apiKey, err)
	}
	sc.authToken = token.Token
	return sc, nil
}

// call performs one API request, decoding the data field of the response
// envelope into out
func (sc *simulationClient) call(route, method, path string, body interface{}, idempotent bool, out interface{}) (err error) {
	start := time.Now()
	defer func() {
		sc.stats[route].record(time.Since(start), err != nil)
	}()

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequest(method, sc.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if sc.authToken != "" {
		req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", sc.authToken))
	}
	if idempotent {
		req.Header.Set("Idempotency-Key", uuid.New().String())
	}

	resp, err := sc.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}
	log.Debug().Str("route", route).Str("response", string(respBody)).Msg("API response")

	var envelope struct {
		Success bool            `json:"success"`
		Data    json.RawMessage `json:"data"`
		Error   *struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(respBody, &envelope); err != nil {
		return fmt.Errorf("failed to decode response: %w, body: %s", err, string(respBody))
	}

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		apiErr := &apiError{Status: resp.StatusCode}
		if envelope.Error != nil {
			apiErr.Code = envelope.Error.Code
			apiErr.Message = envelope.Error.Message
		}
		return apiErr
	}

	if out != nil && len(envelope.Data) > 0 {
		if err := json.Unmarshal(envelope.Data, out); err != nil {
			return fmt.Errorf("failed to decode data: %w, body: %s", err, string(respBody))
		}
	}
	return nil
}

func (sc *simulationClient) deployToken(symbol string, supply uint64) (*ledger.TokenInfo, error) {
	var info ledger.TokenInfo
	err := sc.call("deploy", http.MethodPost, "/api/v1/tokens", map[string]interface{}{
		"symbol": symbol,
		"supply": supply,
	}, false, &info)
	return &info, err
}

// approve grants the exchange an allowance on token
func (sc *simulationClient) approve(token types.AssetRef, amount uint64) error {
	return sc.call("approve", http.MethodPost, fmt.Sprintf("/api/v1/tokens/%s/approve", token),
		map[string]interface{}{"amount": amount}, false, nil)
}

func (sc *simulationClient) transfer(token types.AssetRef, to types.Address, amount uint64) error {
	return sc.call("transfer", http.MethodPost, fmt.Sprintf("/api/v1/tokens/%s/transfer", token),
		map[string]interface{}{"to": to, "amount": amount}, false, nil)
}

func (sc *simulationClient) balance(token types.AssetRef, owner types.Address) (uint64, error) {
	var out struct {
		Balance uint64 `json:"balance"`
	}
	err := sc.call("balance", http.MethodGet, fmt.Sprintf("/api/v1/tokens/%s/balances/%s", token, owner), nil, false, &out)
	return out.Balance, err
}

// createOrder submits a new order and returns its id
func (sc *simulationClient) createOrder(sellToken types.AssetRef, sellAmount uint64, buyToken types.AssetRef, price uint64, expiry time.Time) (uint64, error) {
	var order types.OrderResponse
	err := sc.call("create", http.MethodPost, "/api/v1/orders", map[string]interface{}{
		"sell_amount":        sellAmount,
		"sell_token":         sellToken,
		"buy_price_per_unit": price,
		"buy_token":          buyToken,
		"expiry":             expiry.Unix(),
	}, true, &order)
	return order.OrderID, err
}

type fillResult struct {
	Fill  types.FillResponse  `json:"fill"`
	Order types.OrderResponse `json:"order"`
}

func (sc *simulationClient) claimOrder(orderID uint64) (*fillResult, error) {
	var result fillResult
	err := sc.call("claim", http.MethodPost, fmt.Sprintf("/api/v1/orders/%d/claim", orderID), nil, true, &result)
	return &result, err
}

func (sc *simulationClient) buyOrderPartial(orderID, amount uint64) (*fillResult, error) {
	var result fillResult
	err := sc.call("buy", http.MethodPost, fmt.Sprintf("/api/v1/orders/%d/buy", orderID),
		map[string]interface{}{"amount": amount}, true, &result)
	return &result, err
}

func (sc *simulationClient) getOrder(orderID uint64) (*types.OrderResponse, error) {
	var order types.OrderResponse
	err := sc.call("get", http.MethodGet, fmt.Sprintf("/api/v1/orders/%d", orderID), nil, false, &order)
	return &order, err
}

// printPerformanceStats outputs formatted performance statistics for all API endpoints
func printPerformanceStats(stats map[string]*routeStats) {
	routes := make([]string, 0, len(stats))
	for route := range stats {
		routes = append(routes, route)
	}
	sort.Strings(routes)

	fmt.Println("\nAPI Performance Statistics")
	fmt.Println(strings.Repeat("-", 100))
	fmt.Printf("%-20s %10s %10s %10s %10s %10s %10s %10s %10s\n",
		"Endpoint", "Calls", "Errors", "Min", "Max", "Mean", "Median", "P95", "P99")
	fmt.Println(strings.Repeat("-", 100))

	for _, route := range routes {
		rs := stats[route]
		min, max, mean, median, p95, p99 := rs.calculate()
		fmt.Printf("%-20s %10d %10d %10s %10s %10s %10s %10s %10s\n",
			rs.name,
			rs.totalCalls,
			rs.failures,
			min.Round(time.Millisecond),
			max.Round(time.Millisecond),
			mean.Round(time.Millisecond),
			median.Round(time.Millisecond),
			p95.Round(time.Millisecond),
			p99.Round(time.Millisecond))
	}
	fmt.Println(strings.Repeat("-", 100))
}

// market is the token pair and accounts every worker trades with
type market struct {
	maker *simulationClient
	taker *simulationClient
	t1    types.AssetRef
	t2    types.AssetRef
}

// setupMarket deploys T1 and T2 as the maker, hands the taker T2 and grants
// the exchange allowances on both sides
func setupMarket(maker, taker *simulationClient) (*market, error) {
	t1, err := maker.deployToken("T1", t1Supply)
	if err != nil {
		return nil, fmt.Errorf("failed to deploy T1: %w", err)
	}
	t2, err := maker.deployToken("T2", t2Supply)
	if err != nil {
		return nil, fmt.Errorf("failed to deploy T2: %w", err)
	}
	if err := maker.transfer(t2.Ref, taker.account, t2Supply); err != nil {
		return nil, fmt.Errorf("failed to fund taker: %w", err)
	}
	if err := maker.approve(t1.Ref, t1Supply); err != nil {
		return nil, fmt.Errorf("maker approval failed: %w", err)
	}
	if err := taker.approve(t2.Ref, t2Supply); err != nil {
		return nil, fmt.Errorf("taker approval failed: %w", err)
	}

	log.Info().
		Str("t1", string(t1.Ref)).
		Str("t2", string(t2.Ref)).
		Str("maker", string(maker.account)).
		Str("taker", string(taker.account)).
		Msg("Market ready")

	return &market{maker: maker, taker: taker, t1: t1.Ref, t2: t2.Ref}, nil
}

// summary collects simulation outcomes across workers
type summary struct {
	mu            sync.Mutex
	created       int
	claimed       int
	partialFills  int
	failedCreates int
	failedFills   int
	rejected      map[string]int
	sold          uint64
	paid          uint64
}

func (s *summary) add(f func(s *summary)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f(s)
}

// runScenarios walks through the three lifecycle scenarios once:
// a full claim, a partial buy followed by a claim of the rest, and a
// rejected buy of more than remains
func runScenarios(workerID int, m *market, s *summary) {
	logger := log.With().Int("worker_id", workerID).Logger()

	amount := uint64(rand.Intn(1000) + 2)
	price := uint64(rand.Intn(100) + 1)
	expiry := time.Now().Add(time.Hour)

	// Scenario: full claim
	orderID, err := m.maker.createOrder(m.t1, amount, m.t2, price, expiry)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to create order")
		s.add(func(s *summary) { s.failedCreates++ })
		return
	}
	s.add(func(s *summary) { s.created++ })

	fill, err := m.taker.claimOrder(orderID)
	if err != nil {
		logger.Error().Err(err).Uint64("order_id", orderID).Msg("Failed to claim order")
		s.add(func(s *summary) { s.failedFills++ })
	} else {
		s.add(func(s *summary) {
			s.claimed++
			s.sold += fill.Fill.Amount
			s.paid += fill.Fill.Cost
		})
		logger.Info().
			Uint64("order_id", orderID).
			Str("fill_id", fill.Fill.FillID).
			Uint64("amount", fill.Fill.Amount).
			Uint64("cost", fill.Fill.Cost).
			Str("status", fill.Order.Status).
			Msg("Order claimed")
	}

	// A second claim of the same order must be rejected
	if _, err := m.taker.claimOrder(orderID); err != nil {
		var apiErr *apiError
		if errors.As(err, &apiErr) {
			s.add(func(s *summary) { s.rejected[apiErr.Code]++ })
		}
	}

	// Scenario: partial buy then claim of the remainder
	orderID, err = m.maker.createOrder(m.t1, amount, m.t2, price, expiry)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to create order")
		s.add(func(s *summary) { s.failedCreates++ })
		return
	}
	s.add(func(s *summary) { s.created++ })

	part := amount / 2
	fill, err = m.taker.buyOrderPartial(orderID, part)
	if err != nil {
		logger.Error().Err(err).Uint64("order_id", orderID).Msg("Failed partial buy")
		s.add(func(s *summary) { s.failedFills++ })
		return
	}
	s.add(func(s *summary) {
		s.partialFills++
		s.sold += fill.Fill.Amount
		s.paid += fill.Fill.Cost
	})
	logger.Info().
		Uint64("order_id", orderID).
		Uint64("amount", fill.Fill.Amount).
		Uint64("remaining", fill.Fill.Remaining).
		Msg("Partial buy settled")

	// Scenario: buying more than remains is rejected and leaves the order intact
	if _, err := m.taker.buyOrderPartial(orderID, fill.Fill.Remaining+1); err != nil {
		var apiErr *apiError
		if errors.As(err, &apiErr) {
			s.add(func(s *summary) { s.rejected[apiErr.Code]++ })
		}
	}

	fill, err = m.taker.claimOrder(orderID)
	if err != nil {
		logger.Error().Err(err).Uint64("order_id", orderID).Msg("Failed to claim remainder")
		s.add(func(s *summary) { s.failedFills++ })
		return
	}
	s.add(func(s *summary) {
		s.claimed++
		s.sold += fill.Fill.Amount
		s.paid += fill.Fill.Cost
	})

	if order, err := m.maker.getOrder(orderID); err == nil {
		logger.Debug().Uint64("order_id", orderID).Str("status", order.Status).Msg("Order state")
	}

	time.Sleep(time.Duration(rand.Intn(200)) * time.Millisecond)
}

// main drives a running dex server through the order lifecycle scenarios
// with concurrent workers and prints a summary
func main() {
	addr := flag.String("addr", "http://localhost:8080", "dex API base URL")
	makerCreds := flag.String("maker", "maker:maker-secret", "maker api_key:api_secret")
	takerCreds := flag.String("taker", "taker:taker-secret", "taker api_key:api_secret")
	flag.Parse()

	stats := map[string]*routeStats{
		"auth":     {name: "Authentication"},
		"deploy":   {name: "Deploy Token"},
		"approve":  {name: "Approve"},
		"transfer": {name: "Transfer"},
		"balance":  {name: "Balance"},
		"create":   {name: "Create Order"},
		"claim":    {name: "Claim Order"},
		"buy":      {name: "Buy Partial"},
		"get":      {name: "Get Order"},
	}

	maker, err := clientFor(*addr, *makerCreds, stats)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize maker client")
	}
	taker, err := clientFor(*addr, *takerCreds, stats)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize taker client")
	}

	m, err := setupMarket(maker, taker)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to set up market")
	}

	rounds := rand.Intn(maxOrders-minOrders) + minOrders
	log.Info().Int("rounds", rounds).Msg("Starting simulation")

	s := &summary{rejected: make(map[string]int)}
	start := time.Now()

	var wg sync.WaitGroup
	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			for r := 0; r < rounds/numWorkers; r++ {
				runScenarios(workerID, m, s)
			}
		}(i)
	}
	wg.Wait()
	duration := time.Since(start)

	makerT2, _ := maker.balance(m.t2, maker.account)
	takerT1, _ := taker.balance(m.t1, taker.account)

	fmt.Println("\n" + strings.Repeat("=", 80))
	fmt.Println("DEX SIMULATION SUMMARY")
	fmt.Println(strings.Repeat("=", 80))
	fmt.Printf(`
Orders created:    %d
Full claims:       %d
Partial buys:      %d
Failed creates:    %d
Failed fills:      %d
T1 delivered:      %d
T2 paid:           %d
Maker T2 balance:  %d
Taker T1 balance:  %d
Duration:          %v
`, s.created, s.claimed, s.partialFills, s.failedCreates, s.failedFills,
		s.sold, s.paid, makerT2, takerT1, duration.Round(time.Millisecond))

	fmt.Println("\nRejections")
	fmt.Println("----------")
	for code, count := range s.rejected {
		fmt.Printf("%-24s %d\n", code, count)
	}

	// Maker started with no T2 of its own after funding the taker
	if makerT2 != s.paid || takerT1 != s.sold {
		log.Error().
			Uint64("maker_t2", makerT2).
			Uint64("paid", s.paid).
			Uint64("taker_t1", takerT1).
			Uint64("sold", s.sold).
			Msg("Balances do not match settled fills")
	}

	log.Info().
		Int("orders", s.created).
		Int("fills", s.claimed+s.partialFills).
		Dur("duration", duration).
		Msg("Simulation completed")

	printPerformanceStats(stats)
}

func clientFor(addr, creds string, stats map[string]*routeStats) (*simulationClient, error) {
	key, secret, ok := strings.Cut(creds, ":")
	if !ok {
		return nil, fmt.Errorf("credentials %q must be api_key:api_secret", creds)
	}
	return newSimulationClient(addr, key, secret, stats)
}
