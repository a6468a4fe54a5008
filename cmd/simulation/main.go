package main

import (
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"fmt"
	"math"
	"math/big"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/gin-gonic/gin"
	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/kestrelfi/limit-keeper/internal/auth"
	"github.com/kestrelfi/limit-keeper/internal/config"
	"github.com/kestrelfi/limit-keeper/internal/database"
	"github.com/kestrelfi/limit-keeper/internal/funding"
	"github.com/kestrelfi/limit-keeper/internal/monitor"
	"github.com/kestrelfi/limit-keeper/internal/orders"
	"github.com/kestrelfi/limit-keeper/internal/pool"
	"github.com/kestrelfi/limit-keeper/internal/relay"
	"github.com/kestrelfi/limit-keeper/internal/settlement"
	"github.com/kestrelfi/limit-keeper/internal/tickmath"
	"github.com/kestrelfi/limit-keeper/internal/types"
	"github.com/kestrelfi/limit-keeper/pkg/middleware"
)

const (
	serverAddress = "http://localhost:8080"
	apiSecret     = "sim-api-secret"

	token0 = "0x00000000000000000000000000000000000aaaa1"
	token1 = "0x00000000000000000000000000000000000bbbb2"
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

// envelope mirrors the API response wrapper.
type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// simulationClient handles HTTP communication with the keeper API
type simulationClient struct {
	http  *resty.Client
	key   *ecdsa.PrivateKey
	owner common.Address
	stats map[string]*routeStats
}

// newSimulationClient authenticates against the API and prepares
// performance tracking. The private key stands in for the owner's wallet
// and signs relayed calls.
func newSimulationClient(key *ecdsa.PrivateKey) (*simulationClient, error) {
	sc := &simulationClient{
		http:  resty.New().SetBaseURL(serverAddress).SetTimeout(10 * time.Second),
		key:   key,
		owner: crypto.PubkeyToAddress(key.PublicKey),
		stats: map[string]*routeStats{
			"auth":     {name: "Authentication"},
			"deposit":  {name: "Add Funding"},
			"place":    {name: "Place Order"},
			"get":      {name: "Get Order"},
			"claim":    {name: "Claim Order"},
			"relay":    {name: "Relayed Call"},
			"withdraw": {name: "Withdraw"},
		},
	}

	token, err := sc.authenticate()
	if err != nil {
		return nil, fmt.Errorf("failed to authenticate: %w", err)
	}
	sc.http.SetAuthToken(token)

	return sc, nil
}

// call performs one request, records its latency under the given stats
// key, and unwraps the response envelope into out.
func (sc *simulationClient) call(statKey, method, path string, body interface{}, out interface{}) error {
	start := time.Now()
	defer func() {
		sc.stats[statKey].addDuration(time.Since(start))
	}()

	req := sc.http.R()
	if body != nil {
		req.SetBody(body)
	}

	resp, err := req.Execute(method, path)
	if err != nil {
		sc.stats[statKey].failures++
		return err
	}

	var env envelope
	if err := json.Unmarshal(resp.Body(), &env); err != nil {
		sc.stats[statKey].failures++
		return fmt.Errorf("failed to decode response: %w, body: %s", err, resp.String())
	}
	if !env.Success {
		sc.stats[statKey].failures++
		if env.Error != nil {
			return fmt.Errorf("%s %s failed: %s (%s)", method, path, env.Error.Message, env.Error.Code)
		}
		return fmt.Errorf("%s %s failed with status %d", method, path, resp.StatusCode())
	}
	if out != nil {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return fmt.Errorf("failed to decode response data: %w", err)
		}
	}
	return nil
}

// authenticate performs API authentication and returns a JWT token
func (sc *simulationClient) authenticate() (string, error) {
	var result struct {
		Token string `json:"jwt_token"`
	}
	err := sc.call("auth", resty.MethodPost, "/api/v1/auth/token", map[string]string{
		"address":    sc.owner.Hex(),
		"api_secret": apiSecret,
	}, &result)
	if err != nil {
		return "", err
	}
	return result.Token, nil
}

// addFunding deposits fee tokens into the owner's keeper balance
func (sc *simulationClient) addFunding(amount *big.Int) (*types.FundingAccount, error) {
	var account types.FundingAccount
	err := sc.call("deposit", resty.MethodPost, "/api/v1/funding/deposit", map[string]string{
		"amount": amount.String(),
	}, &account)
	if err != nil {
		return nil, err
	}
	return &account, nil
}

// placeOrder submits a limit order selling amount of token0 at the target price
func (sc *simulationClient) placeOrder(amount, targetSqrtPriceX96 *big.Int) (*types.Order, error) {
	var order types.Order
	err := sc.call("place", resty.MethodPost, "/api/v1/orders", map[string]interface{}{
		"token_a":               token0,
		"token_b":               token1,
		"amount_a":              amount.String(),
		"fee_tier":              3000,
		"target_sqrt_price_x96": targetSqrtPriceX96.String(),
	}, &order)
	if err != nil {
		return nil, err
	}
	return &order, nil
}

// getOrder retrieves the current state of an order
func (sc *simulationClient) getOrder(orderID uint64) (*types.Order, error) {
	var order types.Order
	err := sc.call("get", resty.MethodGet, fmt.Sprintf("/api/v1/orders/%d", orderID), nil, &order)
	if err != nil {
		return nil, err
	}
	return &order, nil
}

// claimOrder collects a processed order's proceeds, paying the batch fee share
func (sc *simulationClient) claimOrder(orderID uint64) (*types.Order, error) {
	var order types.Order
	err := sc.call("claim", resty.MethodPost, fmt.Sprintf("/api/v1/orders/%d/claim", orderID), nil, &order)
	if err != nil {
		return nil, err
	}
	return &order, nil
}

// withdraw pulls unreserved balance back out of the funding account
func (sc *simulationClient) withdraw(amount *big.Int) (*types.FundingAccount, error) {
	var account types.FundingAccount
	err := sc.call("withdraw", resty.MethodPost, "/api/v1/funding/withdraw", map[string]string{
		"amount": amount.String(),
	}, &account)
	if err != nil {
		return nil, err
	}
	return &account, nil
}

// relayClaim signs a claim call with the owner key and submits it as a
// relayed bundle under the given nonce.
func (sc *simulationClient) relayClaim(orderID, nonce uint64) ([]relay.CallResult, error) {
	call, err := json.Marshal(relay.Call{Op: "claim", OrderID: orderID})
	if err != nil {
		return nil, err
	}
	calls := []json.RawMessage{call}

	hash := relay.SigningHash(relay.Digest(calls, sc.owner, nonce))
	sig, err := crypto.Sign(hash.Bytes(), sc.key)
	if err != nil {
		return nil, err
	}

	var results []relay.CallResult
	err = sc.call("relay", resty.MethodPost, "/api/v1/relay", map[string]interface{}{
		"calls":     calls,
		"signature": hexutil.Encode(sig),
		"signer":    sc.owner.Hex(),
		"nonce":     nonce,
	}, &results)
	if err != nil {
		return nil, err
	}
	return results, nil
}

// waitForStatus polls an order until it reaches the wanted status
func (sc *simulationClient) waitForStatus(orderID uint64, status string, timeout time.Duration) (*types.Order, error) {
	deadline := time.Now().Add(timeout)
	for {
		order, err := sc.getOrder(orderID)
		if err != nil {
			return nil, err
		}
		if order.Status == status {
			return order, nil
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("order %d stuck in %s, wanted %s", orderID, order.Status, status)
		}
		time.Sleep(200 * time.Millisecond)
	}
}

// printPerformanceStats outputs formatted performance statistics for all API endpoints
func (sc *simulationClient) printPerformanceStats() {
	fmt.Println("\nAPI Performance Statistics")
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

// main drives one full order lifecycle against an in-process server: fund,
// place, trigger by moving the pool price, wait for the keeper to settle,
// claim, claim a second order through the relay, and withdraw.
func main() {
	cfg := config.GetConfig()
	cfg.DatabasePath = "simulation.db"
	// A short interval keeps the demo snappy.
	cfg.UpkeepInterval = 500 * time.Millisecond

	key, err := crypto.GenerateKey()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to generate owner key")
	}
	owner := crypto.PubkeyToAddress(key.PublicKey)

	pools := pool.NewSimulated()
	pools.CreatePool(token0, token1, 3000, mustSqrtRatio(1, 1))

	// Seed the owner's wallet in the simulated backend.
	ownerHex := strings.ToLower(owner.Hex())
	deposit := new(big.Int).Mul(big.NewInt(1), new(big.Int).Exp(big.NewInt(10), big.NewInt(17), nil)) // 0.1 fee token
	sell := new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)                                     // 1.0 token0
	pools.Credit(cfg.FeeToken, ownerHex, deposit)
	pools.Credit(token0, ownerHex, new(big.Int).Mul(sell, big.NewInt(2)))

	go func() {
		if err := startServer(cfg, pools, owner.Hex()); err != nil {
			log.Fatal().Err(err).Msg("Failed to start server")
		}
	}()

	// Wait for server to start
	time.Sleep(2 * time.Second)

	simClient, err := newSimulationClient(key)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize simulation client")
	}

	account, err := simClient.addFunding(deposit)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to add funding")
	}
	log.Info().Str("balance", account.Balance.String()).Msg("Funding deposited")

	// Sell token0 once the pool price doubles.
	target := mustSqrtRatio(2, 1)
	order, err := simClient.placeOrder(sell, target)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to place order")
	}
	log.Info().
		Uint64("order_id", order.ID).
		Int32("tick_lower", order.TickLower).
		Int32("tick_upper", order.TickUpper).
		Str("reserved_fee", order.ReservedFee.String()).
		Msg("Order placed")

	// A second order, claimed later through the relay.
	spare, err := simClient.placeOrder(sell, target)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to place second order")
	}
	log.Info().Uint64("order_id", spare.ID).Msg("Second order placed")

	// Push the pool past the target so the keeper picks the order up.
	if err := pools.SetSqrtPriceX96(token0, token1, 3000, mustSqrtRatio(3, 1)); err != nil {
		log.Fatal().Err(err).Msg("Failed to move pool price")
	}
	log.Info().Msg("Pool price moved past target")

	processed, err := simClient.waitForStatus(order.ID, types.OrderStatusProcessed, 15*time.Second)
	if err != nil {
		log.Fatal().Err(err).Msg("Order never settled")
	}
	log.Info().
		Uint64("order_id", processed.ID).
		Str("amount0_out", processed.Amount0Out.String()).
		Str("amount1_out", processed.Amount1Out.String()).
		Str("batch_id", deref(processed.BatchID)).
		Msg("Order settled by keeper")

	claimed, err := simClient.claimOrder(order.ID)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to claim order")
	}
	log.Info().
		Uint64("order_id", claimed.ID).
		Str("status", claimed.Status).
		Msg("Order claimed")

	// The second order was settled by the same upkeep pass; claim it
	// through the relay path instead, then show a replayed nonce failing.
	if _, err := simClient.waitForStatus(spare.ID, types.OrderStatusProcessed, 15*time.Second); err != nil {
		log.Fatal().Err(err).Msg("Second order never settled")
	}
	results, err := simClient.relayClaim(spare.ID, 1)
	if err != nil {
		log.Fatal().Err(err).Msg("Relayed claim failed")
	}
	log.Info().Bool("success", results[0].Success).Msg("Order claimed via relay")

	if _, err := simClient.relayClaim(spare.ID, 1); err != nil {
		log.Info().Err(err).Msg("Replayed nonce rejected as expected")
	} else {
		log.Fatal().Msg("Replayed nonce was accepted")
	}

	final, err := simClient.withdraw(big.NewInt(1))
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to withdraw")
	}
	log.Info().
		Str("balance", final.Balance.String()).
		Str("reserved", final.Reserved.String()).
		Msg("Withdrawal complete")

	log.Info().
		Str("owner_token1", pools.BalanceOf(token1, ownerHex).String()).
		Str("fee_recipient", pools.BalanceOf(cfg.FeeToken, strings.ToLower(cfg.FeeRecipient)).String()).
		Msg("Simulation completed")

	simClient.printPerformanceStats()
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// mustSqrtRatio encodes amount1/amount0 as a Q64.96 sqrt price.
func mustSqrtRatio(amount1, amount0 int64) *big.Int {
	v, err := tickmath.EncodeSqrtRatioX96(big.NewInt(amount1), big.NewInt(amount0))
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to encode sqrt ratio")
	}
	return v
}

// startServer initializes and starts the keeper API server with the
// background upkeep loop, mirroring cmd/server but sharing the simulated
// pool backend with the driver.
func startServer(cfg *config.Config, pools *pool.Simulated, ownerAddress string) error {
	db, err := database.NewDatabase(cfg.DatabasePath)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}

	authService := auth.NewService(cfg.JWTSecret)
	if err := authService.RegisterAPICredentials(ownerAddress, apiSecret); err != nil {
		return err
	}

	fundingService := funding.NewService(db, pools, cfg)
	orderService := orders.NewService(db, fundingService, pools, pools)
	engine := settlement.NewEngine(db, orderService, pools, cfg)
	monitorService := monitor.NewService(db, orderService, pools, engine, fundingService, cfg)
	relayService := relay.NewService(db, orderService, fundingService)

	keeper := monitor.NewKeeper(monitorService, cfg.UpkeepInterval)
	go keeper.Start(context.Background())

	router := gin.Default()
	authHandlers := auth.NewGinHandlers(authService)
	orderHandlers := orders.NewGinHandlers(orderService)
	fundingHandlers := funding.NewGinHandlers(fundingService)
	relayHandlers := relay.NewGinHandlers(relayService)
	monitorHandlers := monitor.NewGinHandlers(monitorService, fundingService)

	setupRoutes(router, cfg, authHandlers, orderHandlers, fundingHandlers, relayHandlers, monitorHandlers)

	return router.Run(":" + cfg.Port)
}

// setupRoutes configures all API endpoints and their handlers
// Groups routes by functionality and applies appropriate middleware
func setupRoutes(
	router *gin.Engine,
	cfg *config.Config,
	authHandlers *auth.GinHandlers,
	orderHandlers *orders.GinHandlers,
	fundingHandlers *funding.GinHandlers,
	relayHandlers *relay.GinHandlers,
	monitorHandlers *monitor.GinHandlers,
) {
	v1 := router.Group("/api/v1")
	{
		// Auth routes
		authGroup := v1.Group("/auth")
		{
			authGroup.POST("/token", authHandlers.GenerateTokenHandler())
		}

		// Order routes
		orderGroup := v1.Group("/orders")
		orderGroup.Use(middleware.JWTAuth(cfg.JWTSecret))
		{
			orderGroup.POST("", orderHandlers.PlaceOrderHandler())
			orderGroup.GET("", orderHandlers.ListOrdersHandler())
			orderGroup.GET("/:order_id", orderHandlers.GetOrderHandler())
			orderGroup.DELETE("/:order_id", orderHandlers.CancelOrderHandler())
			orderGroup.POST("/:order_id/claim", orderHandlers.ClaimOrderHandler())
		}

		// Funding routes
		fundingGroup := v1.Group("/funding")
		fundingGroup.Use(middleware.JWTAuth(cfg.JWTSecret))
		{
			fundingGroup.GET("", fundingHandlers.GetFundingHandler())
			fundingGroup.POST("/deposit", fundingHandlers.AddFundingHandler())
			fundingGroup.POST("/withdraw", fundingHandlers.WithdrawFundingHandler())
		}

		// Relay routes
		relayGroup := v1.Group("/relay")
		relayGroup.Use(middleware.JWTAuth(cfg.JWTSecret))
		{
			relayGroup.POST("", relayHandlers.RelayedCallHandler())
		}

		// Internal routes
		internal := v1.Group("/internal")
		internal.Use(middleware.InternalAuth(cfg.JWTSecret))
		{
			internal.POST("/upkeep/check", monitorHandlers.CheckUpkeepHandler())
			internal.POST("/upkeep/perform", monitorHandlers.PerformUpkeepHandler())
			internal.POST("/monitor/params", monitorHandlers.SetParamsHandler())
		}
	}
}
