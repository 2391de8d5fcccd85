package models

import "time"

type EventType string

const (
	EventMatched        EventType = "matched"
	EventEscrowHeld     EventType = "escrow_held"
	EventSettled        EventType = "settled"
	EventCancelled      EventType = "cancelled"
	EventReversed       EventType = "reversed"
	EventExpired        EventType = "expired"
	EventRequestExpired EventType = "request_expired"
	EventOfferExpired   EventType = "offer_expired"
	// EventResubmittable tells a participant their listing was closed by a
	// decline and a fresh one may be submitted.
	EventResubmittable EventType = "resubmittable"
)

// Event is a state-change notification addressed to one participant.
type Event struct {
	Type          EventType `json:"type"`
	ParticipantID string    `json:"participantId"`
	TransactionID string    `json:"transactionId,omitempty"`
	ListingID     string    `json:"listingId,omitempty"`
	Reason        string    `json:"reason,omitempty"`
	At            time.Time `json:"at"`
}
