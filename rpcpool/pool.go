package rpcpool

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"mintgate/observability"
)

// Unit costs charged against an endpoint's daily budget per call type.
const (
	CostBlockCount     int64 = 1
	CostBlockHash      int64 = 1
	CostBlock          int64 = 25
	CostRawMempool     int64 = 10
	CostRawTransaction int64 = 20
)

const (
	capacityBuffer = 0.9
	maxFailures    = 3
	dayFormat      = "2006-01-02"
)

var (
	// ErrNoCapacity indicates no endpoint can accept a call right now.
	ErrNoCapacity = errors.New("rpcpool: no endpoint capacity")
	// ErrAllEndpointsFailed indicates every candidate endpoint failed the call.
	ErrAllEndpointsFailed = errors.New("rpcpool: all endpoints failed")
)

// Endpoint configures one upstream JSON-RPC backend.
type Endpoint struct {
	Name       string
	URL        string
	DailyLimit int64
}

type endpointState struct {
	name      string
	url       string
	limit     int64
	usedToday int64
	resetDay  string
	enabled   bool
	failCount int
}

func (e *endpointState) remaining() int64 {
	r := e.limit - e.usedToday
	if r < 0 {
		return 0
	}
	return r
}

func (e *endpointState) candidate() bool {
	return e.enabled && e.failCount < maxFailures &&
		float64(e.usedToday) < capacityBuffer*float64(e.limit)
}

// Pool fans JSON-RPC calls out across metered backends. Selection always
// prefers the endpoint with the most remaining daily capacity; three
// consecutive failures disable a backend until the next UTC day.
type Pool struct {
	mu        sync.Mutex
	endpoints []*endpointState
	http      *http.Client
	nextID    atomic.Int64
	clock     func() time.Time
	logger    *slog.Logger
	metrics   *observability.RPCPoolMetrics
}

// New validates the endpoint set and constructs a Pool.
func New(endpoints []Endpoint) (*Pool, error) {
	if len(endpoints) == 0 {
		return nil, fmt.Errorf("at least one endpoint must be configured")
	}
	states := make([]*endpointState, 0, len(endpoints))
	seen := make(map[string]struct{}, len(endpoints))
	for _, ep := range endpoints {
		name := strings.TrimSpace(ep.Name)
		if name == "" {
			return nil, fmt.Errorf("endpoint name must not be empty")
		}
		if _, dup := seen[name]; dup {
			return nil, fmt.Errorf("duplicate endpoint name %q", name)
		}
		seen[name] = struct{}{}
		if strings.TrimSpace(ep.URL) == "" {
			return nil, fmt.Errorf("endpoint %q url must not be empty", name)
		}
		if ep.DailyLimit <= 0 {
			return nil, fmt.Errorf("endpoint %q daily limit must be positive", name)
		}
		states = append(states, &endpointState{
			name:    name,
			url:     ep.URL,
			limit:   ep.DailyLimit,
			enabled: true,
		})
	}
	return &Pool{
		endpoints: states,
		http: &http.Client{
			Timeout: 10 * time.Second,
		},
		clock:   time.Now,
		logger:  slog.Default(),
		metrics: observability.RPCPool(),
	}, nil
}

// WithClock overrides the pool clock for deterministic tests.
func (p *Pool) WithClock(clock func() time.Time) {
	if clock == nil {
		clock = time.Now
	}
	p.mu.Lock()
	p.clock = clock
	p.mu.Unlock()
}

// WithLogger overrides the pool logger.
func (p *Pool) WithLogger(logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	p.mu.Lock()
	p.logger = logger
	p.mu.Unlock()
}

type jsonRPCRequest struct {
	JSONRPC string      `json:"jsonrpc"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params"`
	ID      int64       `json:"id"`
}

type jsonRPCResponse struct {
	JSONRPC string           `json:"jsonrpc"`
	ID      int64            `json:"id"`
	Result  json.RawMessage  `json:"result"`
	Error   *jsonRPCErrorObj `json:"error"`
}

type jsonRPCErrorObj struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

// Call invokes method against the best available endpoint, charging cost
// units on success. Failed endpoints are retried in most-remaining order with
// at most one attempt per endpoint.
func (p *Pool) Call(ctx context.Context, method string, params interface{}, cost int64, out interface{}) error {
	tried := make(map[string]struct{}, len(p.endpoints))
	var lastErr error
	for attempt := 0; attempt < len(p.endpoints); attempt++ {
		name, url, ok := p.selectEndpoint(tried)
		if !ok {
			if attempt == 0 {
				p.metrics.RecordExhausted()
				return ErrNoCapacity
			}
			break
		}
		tried[name] = struct{}{}
		err := p.invoke(ctx, url, method, params, out)
		if err == nil {
			p.creditSuccess(name, method, cost)
			return nil
		}
		lastErr = err
		p.recordFailure(name, method, err)
	}
	if lastErr == nil {
		p.metrics.RecordExhausted()
		return ErrNoCapacity
	}
	return fmt.Errorf("%w: %v", ErrAllEndpointsFailed, lastErr)
}

// selectEndpoint applies the daily rollover, then picks the untried candidate
// with the most remaining capacity.
func (p *Pool) selectEndpoint(tried map[string]struct{}) (string, string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rolloverLocked()
	var best *endpointState
	for _, ep := range p.endpoints {
		if _, skip := tried[ep.name]; skip {
			continue
		}
		if !ep.candidate() {
			continue
		}
		if best == nil || ep.remaining() > best.remaining() {
			best = ep
		}
	}
	if best == nil {
		return "", "", false
	}
	return best.name, best.url, true
}

func (p *Pool) rolloverLocked() {
	today := p.clock().UTC().Format(dayFormat)
	changed := false
	for _, ep := range p.endpoints {
		if ep.resetDay == today {
			continue
		}
		if ep.resetDay != "" {
			p.logger.Info("endpoint quota reset",
				"endpoint", ep.name,
				"used", ep.usedToday)
			changed = true
		}
		ep.resetDay = today
		ep.usedToday = 0
		ep.failCount = 0
		ep.enabled = true
		p.metrics.SetRemaining(ep.name, ep.remaining())
	}
	if changed {
		p.metrics.SetEnabled(p.enabledCountLocked())
	}
}

func (p *Pool) creditSuccess(name, method string, cost int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, ep := range p.endpoints {
		if ep.name != name {
			continue
		}
		ep.usedToday += cost
		ep.failCount = 0
		p.metrics.SetRemaining(ep.name, ep.remaining())
		break
	}
	p.metrics.RecordCall(name, method, "ok")
}

func (p *Pool) recordFailure(name, method string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, ep := range p.endpoints {
		if ep.name != name {
			continue
		}
		ep.failCount++
		if ep.failCount >= maxFailures && ep.enabled {
			ep.enabled = false
			p.logger.Warn("endpoint disabled after repeated failures",
				"endpoint", ep.name,
				"failures", ep.failCount,
				"error", err)
			p.metrics.SetEnabled(p.enabledCountLocked())
		}
		break
	}
	p.metrics.RecordCall(name, method, "error")
}

func (p *Pool) enabledCountLocked() int {
	count := 0
	for _, ep := range p.endpoints {
		if ep.enabled {
			count++
		}
	}
	return count
}

func (p *Pool) invoke(ctx context.Context, url, method string, params, out interface{}) error {
	if params == nil {
		params = []interface{}{}
	}
	body := jsonRPCRequest{
		JSONRPC: "2.0",
		Method:  method,
		Params:  params,
		ID:      p.nextID.Add(1),
	}
	buf, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(buf))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := p.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		payload, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("rpc %s failed: status=%d body=%s", method, resp.StatusCode, string(payload))
	}
	var rpcResp jsonRPCResponse
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return err
	}
	if rpcResp.Error != nil {
		return fmt.Errorf("rpc %s error: %s", method, rpcResp.Error.Message)
	}
	if out == nil {
		return nil
	}
	if len(rpcResp.Result) == 0 {
		return errors.New("rpc returned empty result")
	}
	return json.Unmarshal(rpcResp.Result, out)
}

// EndpointStatus is a point-in-time view of one backend's budget.
type EndpointStatus struct {
	Name      string `json:"name"`
	Used      int64  `json:"used"`
	Limit     int64  `json:"limit"`
	Remaining int64  `json:"remaining"`
	Enabled   bool   `json:"enabled"`
	Failures  int    `json:"failures"`
}

// Capacity summarises remaining budget across enabled endpoints.
type Capacity struct {
	Remaining int64
	Total     int64
	Enabled   int
	Statuses  []EndpointStatus
}

// Capacity reports the pool budget after applying the daily rollover.
// Remaining and Total cover enabled endpoints only.
func (p *Pool) Capacity() Capacity {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rolloverLocked()
	snapshot := Capacity{Statuses: make([]EndpointStatus, 0, len(p.endpoints))}
	for _, ep := range p.endpoints {
		status := EndpointStatus{
			Name:      ep.name,
			Used:      ep.usedToday,
			Limit:     ep.limit,
			Remaining: ep.remaining(),
			Enabled:   ep.enabled,
			Failures:  ep.failCount,
		}
		snapshot.Statuses = append(snapshot.Statuses, status)
		if ep.enabled {
			snapshot.Enabled++
			snapshot.Remaining += ep.remaining()
			snapshot.Total += ep.limit
		}
	}
	return snapshot
}
