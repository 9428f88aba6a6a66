package jupiter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/net/http2"
)

// Client handles swap aggregator API calls with HTTP/2 pooling and API
// key rotation. Quoting and transaction building are separate calls:
// the risk engine prices a trade from a quote and the executor turns
// that same quote into a transaction, so the price that passed the
// checks is the price that executes.
type Client struct {
	baseURL               string
	slippageBps           int
	restrictIntermediates bool
	clientPool            *HTTPClientPool
	apiKeys               []string
	keyIdx                atomic.Uint32
	maxPriorityLamports   uint64
}

// HTTPClientPool provides HTTP/2 connection pooling
type HTTPClientPool struct {
	clients []*http.Client
	mu      sync.Mutex
	idx     uint32
}

// NewHTTPClientPool creates an HTTP/2 optimized client pool
func NewHTTPClientPool(size int, timeout time.Duration) *HTTPClientPool {
	pool := &HTTPClientPool{
		clients: make([]*http.Client, size),
	}

	for i := 0; i < size; i++ {
		transport := &http.Transport{
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 20,
			IdleConnTimeout:     90 * time.Second,
			ForceAttemptHTTP2:   true,
			DialContext: (&net.Dialer{
				Timeout:   5 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			TLSHandshakeTimeout:   5 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
		}

		http2.ConfigureTransport(transport)

		pool.clients[i] = &http.Client{
			Transport: transport,
			Timeout:   timeout,
		}
	}

	log.Info().Int("poolSize", size).Msg("HTTP/2 client pool initialized")
	return pool
}

func (p *HTTPClientPool) Get() *http.Client {
	p.mu.Lock()
	defer p.mu.Unlock()
	client := p.clients[p.idx%uint32(len(p.clients))]
	p.idx++
	return client
}

// NewClient creates an aggregator client. apiKeys may be empty for the
// public tier.
func NewClient(baseURL string, slippageBps int, timeout time.Duration, restrictIntermediates bool, apiKeys []string) *Client {
	return &Client{
		baseURL:               baseURL,
		slippageBps:           slippageBps,
		restrictIntermediates: restrictIntermediates,
		clientPool:            NewHTTPClientPool(4, timeout),
		apiKeys:               apiKeys,
		maxPriorityLamports:   1_250_000,
	}
}

// SetMaxPriorityFee sets the priority fee cap in lamports
func (c *Client) SetMaxPriorityFee(lamports uint64) {
	c.maxPriorityLamports = lamports
}

// getAPIKey returns next API key (round-robin), empty when none set
func (c *Client) getAPIKey() string {
	if len(c.apiKeys) == 0 {
		return ""
	}
	idx := c.keyIdx.Add(1) % uint32(len(c.apiKeys))
	return c.apiKeys[idx]
}

// QuoteResponse from the aggregator
type QuoteResponse struct {
	InputMint            string          `json:"inputMint"`
	InAmount             string          `json:"inAmount"`
	OutputMint           string          `json:"outputMint"`
	OutAmount            string          `json:"outAmount"`
	OtherAmountThreshold string          `json:"otherAmountThreshold"`
	SwapMode             string          `json:"swapMode"`
	SlippageBps          int             `json:"slippageBps"`
	PriceImpactPct       string          `json:"priceImpactPct"`
	RoutePlan            []RoutePlanStep `json:"routePlan"`
	ContextSlot          uint64          `json:"contextSlot"`
	TimeTaken            float64         `json:"timeTaken"`
}

type RoutePlanStep struct {
	SwapInfo SwapInfo `json:"swapInfo"`
	Percent  int      `json:"percent"`
}

type SwapInfo struct {
	AmmKey     string `json:"ammKey"`
	Label      string `json:"label"`
	InputMint  string `json:"inputMint"`
	OutputMint string `json:"outputMint"`
	InAmount   string `json:"inAmount"`
	OutAmount  string `json:"outAmount"`
	FeeAmount  string `json:"feeAmount"`
	FeeMint    string `json:"feeMint"`
}

// InAmountBig parses the input amount
func (q *QuoteResponse) InAmountBig() (*big.Int, error) {
	v, ok := new(big.Int).SetString(q.InAmount, 10)
	if !ok {
		return nil, fmt.Errorf("bad inAmount %q", q.InAmount)
	}
	return v, nil
}

// OutAmountBig parses the output amount
func (q *QuoteResponse) OutAmountBig() (*big.Int, error) {
	v, ok := new(big.Int).SetString(q.OutAmount, 10)
	if !ok {
		return nil, fmt.Errorf("bad outAmount %q", q.OutAmount)
	}
	return v, nil
}

// ImpactBps converts the quote's price impact (a percent string) to
// basis points.
func (q *QuoteResponse) ImpactBps() float64 {
	pct, err := strconv.ParseFloat(q.PriceImpactPct, 64)
	if err != nil {
		return 0
	}
	return pct * 100
}

// SwapResponse from the aggregator
type SwapResponse struct {
	SwapTransaction           string `json:"swapTransaction"`
	LastValidBlockHeight      uint64 `json:"lastValidBlockHeight"`
	PrioritizationFeeLamports uint64 `json:"prioritizationFeeLamports"`
}

// priorityLevelWithMaxLamports asks the aggregator for a local-market
// priority fee capped at maxLamports.
type priorityLevelWithMaxLamports struct {
	PriorityLevelWithMaxLamports struct {
		PriorityLevel string `json:"priorityLevel"`
		MaxLamports   uint64 `json:"maxLamports"`
		Global        bool   `json:"global,omitempty"`
	} `json:"priorityLevelWithMaxLamports"`
}

// GetQuote fetches a swap quote. amount is raw units of inputMint
// (lamports when buying, token raw amount when selling).
func (c *Client) GetQuote(ctx context.Context, inputMint, outputMint string, amount *big.Int) (*QuoteResponse, error) {
	start := time.Now()

	url := fmt.Sprintf("%s/quote?inputMint=%s&outputMint=%s&amount=%s&slippageBps=%d&swapMode=ExactIn",
		c.baseURL, inputMint, outputMint, amount.String(), c.slippageBps)
	if c.restrictIntermediates {
		url += "&restrictIntermediateTokens=true"
	}

	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if key := c.getAPIKey(); key != "" {
		req.Header.Set("x-api-key", key)
	}

	client := c.clientPool.Get()
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("quote failed (%d): %s", resp.StatusCode, string(body))
	}

	var quote QuoteResponse
	if err := json.NewDecoder(resp.Body).Decode(&quote); err != nil {
		return nil, fmt.Errorf("decode quote: %w", err)
	}

	log.Debug().
		Dur("latency", time.Since(start)).
		Str("outAmount", quote.OutAmount).
		Str("impactPct", quote.PriceImpactPct).
		Msg("aggregator quote")

	return &quote, nil
}

// BuildSwapTransaction turns an already-checked quote into an unsigned
// transaction. It never re-quotes.
func (c *Client) BuildSwapTransaction(ctx context.Context, quote *QuoteResponse, userPubkey string) (*SwapResponse, error) {
	start := time.Now()

	fee := &priorityLevelWithMaxLamports{}
	fee.PriorityLevelWithMaxLamports.PriorityLevel = "veryHigh"
	fee.PriorityLevelWithMaxLamports.MaxLamports = c.maxPriorityLamports
	fee.PriorityLevelWithMaxLamports.Global = false

	reqBody := struct {
		QuoteResponse             *QuoteResponse                `json:"quoteResponse"`
		UserPublicKey             string                        `json:"userPublicKey"`
		WrapAndUnwrapSol          bool                          `json:"wrapAndUnwrapSol"`
		DynamicComputeUnitLimit   bool                          `json:"dynamicComputeUnitLimit"`
		SkipUserAccountsRpcCalls  bool                          `json:"skipUserAccountsRpcCalls"`
		PrioritizationFeeLamports *priorityLevelWithMaxLamports `json:"prioritizationFeeLamports"`
	}{
		QuoteResponse:             quote,
		UserPublicKey:             userPubkey,
		WrapAndUnwrapSol:          true,
		DynamicComputeUnitLimit:   true,
		SkipUserAccountsRpcCalls:  true,
		PrioritizationFeeLamports: fee,
	}

	body, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	url := fmt.Sprintf("%s/swap", c.baseURL)
	req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if key := c.getAPIKey(); key != "" {
		req.Header.Set("x-api-key", key)
	}

	client := c.clientPool.Get()
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("swap failed (%d): %s", resp.StatusCode, string(respBody))
	}

	var swapResp SwapResponse
	if err := json.NewDecoder(resp.Body).Decode(&swapResp); err != nil {
		return nil, fmt.Errorf("decode swap response: %w", err)
	}

	log.Info().
		Dur("latency", time.Since(start)).
		Uint64("priorityFee", swapResp.PrioritizationFeeLamports).
		Uint64("lastValidHeight", swapResp.LastValidBlockHeight).
		Msg("aggregator swap tx")

	return &swapResp, nil
}
