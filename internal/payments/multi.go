package payments

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"QuickCashEngine/internal/currency"
)

// MultiClient fails over between processor endpoints. Only transient errors
// count as failures; a permanent answer is authoritative whichever endpoint
// gave it.
type MultiClient struct {
	clients       []*HTTPClient
	index         int
	failCount     int
	failThreshold int
	mu            sync.Mutex
}

func NewMultiClient(endpoints []string, apiKey string, currencies currency.Table, timeout time.Duration, failThreshold int) (*MultiClient, error) {
	list := sanitizeEndpoints(endpoints)
	if len(list) == 0 {
		return nil, errors.New("gateway endpoints is empty")
	}
	if failThreshold <= 0 {
		failThreshold = 3
	}
	clients := make([]*HTTPClient, 0, len(list))
	for _, ep := range list {
		clients = append(clients, NewHTTPClient(ep, apiKey, currencies, timeout))
	}
	return &MultiClient{
		clients:       clients,
		failThreshold: failThreshold,
	}, nil
}

func (m *MultiClient) BaseURL() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.clients[m.index].BaseURL()
}

func (m *MultiClient) PlaceHold(ctx context.Context, req HoldRequest) (Result, error) {
	return m.do(func(c *HTTPClient) (Result, error) { return c.PlaceHold(ctx, req) })
}

func (m *MultiClient) Capture(ctx context.Context, idempotencyKey string) (Result, error) {
	return m.do(func(c *HTTPClient) (Result, error) { return c.Capture(ctx, idempotencyKey) })
}

func (m *MultiClient) Reverse(ctx context.Context, idempotencyKey string) (Result, error) {
	return m.do(func(c *HTTPClient) (Result, error) { return c.Reverse(ctx, idempotencyKey) })
}

// do tries the current endpoint and, on transient failure past the threshold,
// the next ones, at most once each.
func (m *MultiClient) do(call func(c *HTTPClient) (Result, error)) (Result, error) {
	var lastErr error
	for attempts := 0; attempts < len(m.clients); attempts++ {
		client, idx := m.currentClient()
		out, err := call(client)
		if err == nil || errors.Is(err, ErrPermanent) {
			m.resetFailures(idx)
			return out, err
		}
		lastErr = err
		m.noteFailure(idx)
		if !m.shouldRotate() {
			break
		}
		m.rotate()
	}
	return Result{}, lastErr
}

func (m *MultiClient) currentClient() (*HTTPClient, int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.clients[m.index], m.index
}

func (m *MultiClient) resetFailures(idx int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.index == idx {
		m.failCount = 0
	}
}

func (m *MultiClient) noteFailure(idx int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.index == idx {
		m.failCount++
	}
}

func (m *MultiClient) shouldRotate() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.clients) > 1 && m.failCount >= m.failThreshold
}

func (m *MultiClient) rotate() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.index = (m.index + 1) % len(m.clients)
	m.failCount = 0
}

func sanitizeEndpoints(endpoints []string) []string {
	seen := map[string]struct{}{}
	out := make([]string, 0, len(endpoints))
	for _, ep := range endpoints {
		ep = strings.TrimSpace(ep)
		if ep == "" {
			continue
		}
		ep = strings.TrimRight(ep, "/")
		if _, ok := seen[ep]; ok {
			continue
		}
		seen[ep] = struct{}{}
		out = append(out, ep)
	}
	return out
}
