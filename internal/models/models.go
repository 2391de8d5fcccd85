package models

import "time"

type Role string

const (
	RoleRequester Role = "requester"
	RoleProvider  Role = "provider"
)

// Location is a position sample reported by the geolocation provider.
type Location struct {
	Lat float64   `json:"lat"`
	Lon float64   `json:"lon"`
	At  time.Time `json:"at"`
}

// LocationUpdate is one sample from the geolocation feed.
type LocationUpdate struct {
	ParticipantID string   `json:"participantId"`
	Location      Location `json:"location"`
}

type Participant struct {
	ID         string
	Roles      []Role
	Instrument string
	Active     bool
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

func (p *Participant) HasRole(role Role) bool {
	for _, r := range p.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// Kind separates cash requests from provider offers. Both share the Listing shape.
type Kind string

const (
	KindRequest Kind = "request"
	KindOffer   Kind = "offer"
)

type Status string

const (
	StatusOpen      Status = "open"
	StatusMatched   Status = "matched"
	StatusReserved  Status = "reserved"
	StatusCompleted Status = "completed"
	StatusExpired   Status = "expired"
	StatusCancelled Status = "cancelled"
)

// ReservedStatus is the status a listing of this kind takes when paired.
func (k Kind) ReservedStatus() Status {
	if k == KindOffer {
		return StatusReserved
	}
	return StatusMatched
}

func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusExpired, StatusCancelled:
		return true
	}
	return false
}

// Listing is a CashRequest (Kind=request) or a ProviderOffer (Kind=offer).
// For an offer, Amount is the most the provider is willing to hand over.
type Listing struct {
	ID            string
	Kind          Kind
	ParticipantID string
	Amount        int64
	Currency      string
	Status        Status
	TransactionID string
	CreatedAt     time.Time
	ExpiresAt     time.Time
	UpdatedAt     time.Time
}

type TxState string

const (
	TxProposed   TxState = "proposed"
	TxEscrowHeld TxState = "escrow_held"
	TxSettled    TxState = "settled"
	TxCancelled  TxState = "cancelled"
	TxReversed   TxState = "reversed"
	TxExpired    TxState = "expired"
)

var txGraph = map[TxState][]TxState{
	TxProposed:   {TxEscrowHeld, TxCancelled, TxExpired},
	TxEscrowHeld: {TxSettled, TxReversed, TxExpired},
}

func (s TxState) Terminal() bool {
	_, ok := txGraph[s]
	return !ok
}

// CanTransition reports whether from -> to is an edge of the lifecycle graph.
func CanTransition(from, to TxState) bool {
	for _, next := range txGraph[from] {
		if next == to {
			return true
		}
	}
	return false
}

type Transaction struct {
	ID             string
	RequestID      string
	OfferID        string
	RequesterID    string
	ProviderID     string
	Amount         int64
	Currency       string
	State          TxState
	IdempotencyKey string
	HoldRef        *string
	SettlementRef  *string
	ReasonCode     string
	CreatedAt      time.Time
	HeldAt         *time.Time
	SettledAt      *time.Time
	ClosedAt       *time.Time
	UpdatedAt      time.Time
}

type Operation string

const (
	OpHold    Operation = "hold"
	OpCapture Operation = "capture"
	OpReverse Operation = "reverse"
)

type Outcome string

const (
	OutcomeSuccess   Outcome = "success"
	OutcomeTransient Outcome = "transient"
	OutcomePermanent Outcome = "permanent"
)

// LedgerEntry records one settlement attempt against the payment processor.
type LedgerEntry struct {
	ID             string
	IdempotencyKey string
	Operation      Operation
	Outcome        Outcome
	ResponseCode   string
	Reference      string
	CreatedAt      time.Time
}
