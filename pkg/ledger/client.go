package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

// Client is a JSON-RPC client for the ledger chain with token-bucket rate
// limiting and a per-endpoint circuit breaker. It performs no business-level
// retries: a failed call surfaces to the caller after one pass over the
// configured endpoints.
type Client struct {
	endpoints []string
	client    *http.Client

	// token-bucket
	tokens      int64
	maxTokens   int64
	refillEvery time.Duration
	lastRefill  atomic.Value // time.Time

	// circuit-breaker
	mu       sync.Mutex
	failures map[string]int
	opened   map[string]time.Time

	breakerThreshold int
	breakerCooldown  time.Duration

	nextID atomic.Uint64
}

// Opts is the set of options for a new Client.
type Opts struct {
	Endpoints       []string
	Timeout         time.Duration
	RPS             int
	Burst           int
	BreakerFailures int
	BreakerCooldown time.Duration
	HTTPClient      *http.Client
}

// New creates a new Client with the given options.
func New(o Opts) *Client {
	if o.RPS <= 0 {
		o.RPS = 20
	}
	if o.Burst <= 0 {
		o.Burst = 40
	}
	if o.Timeout <= 0 {
		o.Timeout = 15 * time.Second
	}
	if o.BreakerFailures <= 0 {
		o.BreakerFailures = 3
	}
	if o.BreakerCooldown <= 0 {
		o.BreakerCooldown = 5 * time.Second
	}

	client := o.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: o.Timeout}
	}

	c := &Client{
		endpoints:        dedup(o.Endpoints),
		client:           client,
		maxTokens:        int64(o.Burst),
		refillEvery:      time.Second / time.Duration(o.RPS),
		failures:         map[string]int{},
		opened:           map[string]time.Time{},
		breakerThreshold: o.BreakerFailures,
		breakerCooldown:  o.BreakerCooldown,
	}
	c.tokens = c.maxTokens
	c.lastRefill.Store(time.Now())
	return c
}

func dedup(ss []string) []string {
	seen := make(map[string]bool)
	result := make([]string, 0, len(ss))
	for _, s := range ss {
		if !seen[s] {
			seen[s] = true
			result = append(result, s)
		}
	}
	return result
}

func (c *Client) refill() {
	last := c.lastRefill.Load().(time.Time)
	now := time.Now()
	if now.Sub(last) >= c.refillEvery {
		if atomic.LoadInt64(&c.tokens) < c.maxTokens {
			atomic.AddInt64(&c.tokens, 1)
		}
		c.lastRefill.Store(now)
	}
}

func (c *Client) acquire() {
	for {
		c.refill()
		if atomic.LoadInt64(&c.tokens) > 0 {
			atomic.AddInt64(&c.tokens, -1)
			return
		}
		time.Sleep(c.refillEvery / 2)
	}
}

func (c *Client) isOpen(ep string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	until, ok := c.opened[ep]
	if !ok {
		return false
	}
	if time.Now().After(until) {
		delete(c.opened, ep)
		c.failures[ep] = 0
		return false
	}
	return true
}

func (c *Client) noteFailure(ep string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failures[ep]++
	if c.failures[ep] >= c.breakerThreshold {
		c.opened[ep] = time.Now().Add(c.breakerCooldown)
	}
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      uint64 `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

// call performs one JSON-RPC call, trying each healthy endpoint once.
// An rpcError from the node is returned as-is (the node answered; retrying
// another endpoint would not change the outcome).
func (c *Client) call(ctx context.Context, method string, params []any, out any) error {
	if len(c.endpoints) == 0 {
		return fmt.Errorf("no endpoints configured")
	}
	if params == nil {
		params = []any{}
	}

	reqBody, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		ID:      c.nextID.Add(1),
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return err
	}

	var lastErr error
	for i := 0; i < len(c.endpoints); i++ {
		ep := c.endpoints[i%len(c.endpoints)]
		if c.isOpen(ep) {
			continue
		}

		c.acquire()

		req, reqErr := http.NewRequestWithContext(ctx, http.MethodPost, ep, bytes.NewReader(reqBody))
		if reqErr != nil {
			return reqErr
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.client.Do(req)
		if err != nil {
			lastErr = err
			c.noteFailure(ep)
			continue
		}

		if resp.StatusCode >= 500 {
			lastErr = fmt.Errorf("server %d", resp.StatusCode)
			c.noteFailure(ep)
			resp.Body.Close()
			continue
		}
		if resp.StatusCode >= 300 {
			lastErr = fmt.Errorf("http %d", resp.StatusCode)
			resp.Body.Close()
			continue
		}

		rawBody, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			lastErr = err
			continue
		}

		slog.Debug("ledger rpc", "method", method, "len", len(rawBody))

		var rpcResp rpcResponse
		if err := json.Unmarshal(rawBody, &rpcResp); err != nil {
			lastErr = fmt.Errorf("json unmarshal: %w (body: %s)", err, string(rawBody[:min(200, len(rawBody))]))
			continue
		}
		if rpcResp.Error != nil {
			return rpcResp.Error
		}
		if out != nil {
			if err := json.Unmarshal(rpcResp.Result, out); err != nil {
				return fmt.Errorf("unmarshal %s result: %w", method, err)
			}
		}
		return nil
	}

	return lastErr
}

// BlockNumber returns the current chain head height.
func (c *Client) BlockNumber(ctx context.Context) (uint64, error) {
	var resp HexUint64
	if err := c.call(ctx, "eth_blockNumber", nil, &resp); err != nil {
		return 0, err
	}
	return uint64(resp), nil
}

// BlockTime returns the timestamp of the block at the given height.
func (c *Client) BlockTime(ctx context.Context, number uint64) (uint64, error) {
	var resp struct {
		Timestamp HexUint64 `json:"timestamp"`
	}
	if err := c.call(ctx, "eth_getBlockByNumber", []any{hexNumber(number), false}, &resp); err != nil {
		return 0, err
	}
	return uint64(resp.Timestamp), nil
}

// Logs fetches contract logs in the inclusive block range [from, to].
func (c *Client) Logs(ctx context.Context, from, to uint64, address string) ([]Log, error) {
	filter := map[string]any{
		"fromBlock": hexNumber(from),
		"toBlock":   hexNumber(to),
		"address":   address,
	}
	var logs []Log
	if err := c.call(ctx, "eth_getLogs", []any{filter}, &logs); err != nil {
		return nil, err
	}
	return logs, nil
}

// CallContract performs a read-only contract call at the latest block.
func (c *Client) CallContract(ctx context.Context, to string, data []byte) ([]byte, error) {
	msg := map[string]any{
		"to":   to,
		"data": "0x" + fmt.Sprintf("%x", data),
	}
	var resp string
	if err := c.call(ctx, "eth_call", []any{msg, "latest"}, &resp); err != nil {
		return nil, err
	}
	return DecodeHex(resp)
}

// SendRawTransaction submits a signed transaction and returns its hash.
func (c *Client) SendRawTransaction(ctx context.Context, raw []byte) (string, error) {
	var hash string
	if err := c.call(ctx, "eth_sendRawTransaction", []any{"0x" + fmt.Sprintf("%x", raw)}, &hash); err != nil {
		return "", err
	}
	return hash, nil
}

// TransactionReceipt returns the receipt for a transaction hash, or nil if
// the transaction is still pending.
func (c *Client) TransactionReceipt(ctx context.Context, txHash string) (*Receipt, error) {
	var receipt *Receipt
	if err := c.call(ctx, "eth_getTransactionReceipt", []any{txHash}, &receipt); err != nil {
		return nil, err
	}
	return receipt, nil
}

// WaitMined polls for the receipt of txHash until it is mined or ctx is
// cancelled.
func (c *Client) WaitMined(ctx context.Context, txHash string, pollInterval time.Duration) (*Receipt, error) {
	if pollInterval <= 0 {
		pollInterval = 2 * time.Second
	}
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		receipt, err := c.TransactionReceipt(ctx, txHash)
		if err != nil {
			return nil, fmt.Errorf("poll receipt: %w", err)
		}
		if receipt != nil {
			return receipt, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func hexNumber(v uint64) string {
	return fmt.Sprintf("0x%x", v)
}
