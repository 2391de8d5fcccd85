package matching

import (
	"context"
	"errors"
	"iter"
	"sort"
	"time"

	"QuickCashEngine/internal/geo"
	"QuickCashEngine/internal/models"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

type Registry interface {
	Open(kind models.Kind) []models.Listing
	ActiveOffer(participantID string) (models.Listing, bool)
	Reserve(ctx context.Context, id, txID string) (models.Listing, error)
	Release(ctx context.Context, id, txID string) error
}

type Locator interface {
	Location(participantID string) (models.Location, bool)
	Nearby(center models.Location, radiusM float64, role models.Role, limit int) iter.Seq[geo.Hit]
}

type Transactions interface {
	Create(ctx context.Context, txID string, request, offer models.Listing) (models.Transaction, error)
	Hold(ctx context.Context, id string) (models.Transaction, error)
}

type Options struct {
	RadiusTiersM    []float64
	AmountTolerance int64
	CandidateLimit  int
	// HoldConcurrency bounds how many holds a pass places at once.
	HoldConcurrency int
}

// Engine pairs open cash requests with nearby open offers.
type Engine struct {
	registry Registry
	geo      Locator
	txs      Transactions
	log      *zap.SugaredLogger
	opts     Options
	now      func() time.Time
	newID    func() string
	kick     chan struct{}
}

func NewEngine(registry Registry, locator Locator, txs Transactions, log *zap.SugaredLogger, opts Options) *Engine {
	if opts.CandidateLimit <= 0 {
		opts.CandidateLimit = 20
	}
	if opts.HoldConcurrency <= 0 {
		opts.HoldConcurrency = 8
	}
	return &Engine{
		registry: registry,
		geo:      locator,
		txs:      txs,
		log:      log,
		opts:     opts,
		now:      func() time.Time { return time.Now().UTC() },
		newID:    uuid.NewString,
		kick:     make(chan struct{}, 1),
	}
}

func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

// Kick asks for a pass soon, e.g. after a new request, offer or location.
// Kicks coalesce; it never blocks.
func (e *Engine) Kick() {
	select {
	case e.kick <- struct{}{}:
	default:
	}
}

func (e *Engine) Kicks() <-chan struct{} {
	return e.kick
}

// PassResult summarizes one matching pass.
type PassResult struct {
	Considered   int
	Matched      []models.Transaction
	Deferred     int
	Conflicts    int
	HoldFailures int
}

// RunPass walks open requests oldest first and tries to pair each one. New
// transactions are handed to the state machine for their hold once the walk
// is done, so a slow processor does not delay pairing of later requests.
func (e *Engine) RunPass(ctx context.Context) (PassResult, error) {
	var res PassResult
	now := e.now()
	for _, req := range e.registry.Open(models.KindRequest) {
		if ctx.Err() != nil {
			break
		}
		if expired(req, now) {
			continue
		}
		res.Considered++
		tx, conflicts, err := e.match(ctx, req, now)
		res.Conflicts += conflicts
		if err != nil {
			e.log.Errorw("match request failed", "request_id", req.ID, "err", err)
			continue
		}
		if tx == nil {
			res.Deferred++
			continue
		}
		res.Matched = append(res.Matched, *tx)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.opts.HoldConcurrency)
	held := make([]models.Transaction, len(res.Matched))
	failures := make([]bool, len(res.Matched))
	for i, tx := range res.Matched {
		g.Go(func() error {
			out, err := e.txs.Hold(gctx, tx.ID)
			if err != nil {
				failures[i] = true
				e.log.Warnw("hold after match failed", "tx_id", tx.ID, "err", err)
			}
			if out.ID == "" {
				out = tx
			}
			held[i] = out
			return nil
		})
	}
	_ = g.Wait()
	res.Matched = held
	for _, f := range failures {
		if f {
			res.HoldFailures++
		}
	}

	if len(res.Matched) > 0 || res.Conflicts > 0 {
		e.log.Infow("matching pass", "considered", res.Considered, "matched", len(res.Matched), "deferred", res.Deferred, "conflicts", res.Conflicts)
	}
	return res, ctx.Err()
}

type candidate struct {
	offer    models.Listing
	distance float64
}

// match finds the best eligible offer for req in the smallest radius tier that
// has any, reserves both sides and records a Proposed transaction. A lost
// reservation moves on to the next-best candidate, then to wider tiers. A nil
// transaction with a nil error means nothing was available this pass.
func (e *Engine) match(ctx context.Context, req models.Listing, now time.Time) (*models.Transaction, int, error) {
	center, ok := e.geo.Location(req.ParticipantID)
	if !ok {
		return nil, 0, nil
	}

	conflicts := 0
	tried := make(map[string]struct{})
	for _, radius := range e.opts.RadiusTiersM {
		cands := e.candidates(req, center, radius, now, tried)
		if len(cands) == 0 {
			continue
		}
		for _, c := range cands {
			tried[c.offer.ID] = struct{}{}
			tx, err := e.pair(ctx, req, c.offer)
			switch {
			case err == nil:
				e.log.Infow("request matched", "request_id", req.ID, "offer_id", c.offer.ID, "tx_id", tx.ID, "distance_m", c.distance, "radius_m", radius)
				return &tx, conflicts, nil
			case errors.Is(err, errRequestGone):
				return nil, conflicts + 1, nil
			case errors.Is(err, errOfferGone):
				conflicts++
				continue
			default:
				return nil, conflicts, err
			}
		}
	}
	return nil, conflicts, nil
}

// candidates collects up to CandidateLimit eligible offers, nearest first,
// then ranks them by amount. The limit counts eligible offers, not providers.
func (e *Engine) candidates(req models.Listing, center models.Location, radius float64, now time.Time, tried map[string]struct{}) []candidate {
	var out []candidate
	for hit := range e.geo.Nearby(center, radius, models.RoleProvider, 0) {
		if len(out) >= e.opts.CandidateLimit {
			break
		}
		if hit.ParticipantID == req.ParticipantID {
			continue
		}
		offer, ok := e.registry.ActiveOffer(hit.ParticipantID)
		if !ok || expired(offer, now) {
			continue
		}
		if _, seen := tried[offer.ID]; seen {
			continue
		}
		if !e.eligible(req, offer) {
			continue
		}
		out = append(out, candidate{offer: offer, distance: hit.DistanceM})
	}
	sort.SliceStable(out, func(i, j int) bool {
		di, dj := delta(req, out[i].offer), delta(req, out[j].offer)
		if di != dj {
			return di < dj
		}
		if !out[i].offer.CreatedAt.Equal(out[j].offer.CreatedAt) {
			return out[i].offer.CreatedAt.Before(out[j].offer.CreatedAt)
		}
		return out[i].offer.ID < out[j].offer.ID
	})
	return out
}

// eligible: same currency, and the offer covers the request within tolerance.
func (e *Engine) eligible(req, offer models.Listing) bool {
	return offer.Currency == req.Currency && offer.Amount+e.opts.AmountTolerance >= req.Amount
}

var (
	errRequestGone = errors.New("request no longer open")
	errOfferGone   = errors.New("offer no longer open")
)

// pair reserves the request then the offer. If the offer is lost the request
// is released so the next candidate can be tried.
func (e *Engine) pair(ctx context.Context, req, offer models.Listing) (models.Transaction, error) {
	txID := e.newID()
	reservedReq, err := e.registry.Reserve(ctx, req.ID, txID)
	if err != nil {
		if isLostRace(err) {
			return models.Transaction{}, errRequestGone
		}
		return models.Transaction{}, err
	}
	reservedOffer, err := e.registry.Reserve(ctx, offer.ID, txID)
	if err != nil {
		if rerr := e.registry.Release(ctx, req.ID, txID); rerr != nil {
			e.log.Errorw("release request failed", "request_id", req.ID, "tx_id", txID, "err", rerr)
			return models.Transaction{}, rerr
		}
		if isLostRace(err) {
			return models.Transaction{}, errOfferGone
		}
		return models.Transaction{}, err
	}

	tx, err := e.txs.Create(ctx, txID, reservedReq, reservedOffer)
	if err != nil {
		for _, id := range []string{offer.ID, req.ID} {
			if rerr := e.registry.Release(ctx, id, txID); rerr != nil {
				e.log.Errorw("release after failed create", "listing_id", id, "tx_id", txID, "err", rerr)
			}
		}
		return models.Transaction{}, err
	}
	return tx, nil
}

func isLostRace(err error) bool {
	return errors.Is(err, models.ErrAlreadyReserved) ||
		errors.Is(err, models.ErrExpiredRequest) ||
		errors.Is(err, models.ErrNotFound) ||
		errors.Is(err, models.ErrConcurrencyConflict)
}

func expired(l models.Listing, now time.Time) bool {
	return !l.ExpiresAt.IsZero() && !now.Before(l.ExpiresAt)
}

func delta(req, offer models.Listing) int64 {
	d := offer.Amount - req.Amount
	if d < 0 {
		return -d
	}
	return d
}
