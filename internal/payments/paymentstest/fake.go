// Package paymentstest provides an in-memory processor for tests.
package paymentstest

import (
	"context"
	"errors"
	"sync"

	"QuickCashEngine/internal/models"
	"QuickCashEngine/internal/payments"
)

// Gateway is a scripted processor. Errors queued with Fail are returned by the
// next calls of that operation in order; once the queue is empty calls
// succeed. Like a real processor it remembers final outcomes per key.
type Gateway struct {
	mu       sync.Mutex
	script   map[models.Operation][]error
	outcomes map[string]outcome
	calls    map[models.Operation]int
	effects  map[models.Operation]int
	holds    map[string]payments.HoldRequest
}

type outcome struct {
	res payments.Result
	err error
}

func New() *Gateway {
	return &Gateway{
		script:   make(map[models.Operation][]error),
		outcomes: make(map[string]outcome),
		calls:    make(map[models.Operation]int),
		effects:  make(map[models.Operation]int),
		holds:    make(map[string]payments.HoldRequest),
	}
}

// Fail queues errs for the next calls of op.
func (g *Gateway) Fail(op models.Operation, errs ...error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.script[op] = append(g.script[op], errs...)
}

// Calls is how many times op reached the processor.
func (g *Gateway) Calls(op models.Operation) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls[op]
}

// Effects is how many times op changed processor state, replays excluded.
func (g *Gateway) Effects(op models.Operation) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.effects[op]
}

func (g *Gateway) Hold(key string) (payments.HoldRequest, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	h, ok := g.holds[key]
	return h, ok
}

func (g *Gateway) PlaceHold(ctx context.Context, req payments.HoldRequest) (payments.Result, error) {
	return g.do(ctx, models.OpHold, req.IdempotencyKey, func() {
		g.holds[req.IdempotencyKey] = req
	})
}

func (g *Gateway) Capture(ctx context.Context, key string) (payments.Result, error) {
	return g.do(ctx, models.OpCapture, key, nil)
}

func (g *Gateway) Reverse(ctx context.Context, key string) (payments.Result, error) {
	return g.do(ctx, models.OpReverse, key, nil)
}

func (g *Gateway) do(ctx context.Context, op models.Operation, key string, effect func()) (payments.Result, error) {
	if err := ctx.Err(); err != nil {
		return payments.Result{}, payments.TransientError("canceled", err)
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls[op]++

	id := string(op) + "/" + key
	if prev, ok := g.outcomes[id]; ok {
		res := prev.res
		res.Replayed = prev.err == nil
		return res, prev.err
	}
	if q := g.script[op]; len(q) > 0 {
		err := q[0]
		g.script[op] = q[1:]
		if err != nil {
			if !isTransient(err) {
				g.outcomes[id] = outcome{err: err}
			}
			return payments.Result{}, err
		}
	}
	if effect != nil {
		effect()
	}
	g.effects[op]++
	res := payments.Result{Reference: string(op) + "-" + key, Code: "approved"}
	g.outcomes[id] = outcome{res: res}
	return res, nil
}

func isTransient(err error) bool {
	return !errors.Is(err, payments.ErrPermanent)
}
