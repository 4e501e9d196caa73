package conversation

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Kind is the message type. It selects the payload variant.
type Kind string

const (
	KindText             Kind = "text"
	KindOffer            Kind = "offer"
	KindTestDriveRequest Kind = "test_drive_request"
	KindSystem           Kind = "system"
)

// Valid reports whether k is a known message type.
func (k Kind) Valid() bool {
	switch k {
	case KindText, KindOffer, KindTestDriveRequest, KindSystem:
		return true
	}
	return false
}

// Payload is the structured body of non-text messages.
// Implementations are limited to this package.
type Payload interface {
	Kind() Kind
	validate() error
}

// OfferStatus is the lifecycle of a price offer.
type OfferStatus string

const (
	OfferPending   OfferStatus = "pending"
	OfferAccepted  OfferStatus = "accepted"
	OfferDeclined  OfferStatus = "declined"
	OfferWithdrawn OfferStatus = "withdrawn"
)

// OfferPayload carries a price offer.
type OfferPayload struct {
	AmountCents int64       `json:"amountCents"`
	Currency    string      `json:"currency"`
	Status      OfferStatus `json:"status"`
}

func (OfferPayload) Kind() Kind { return KindOffer }

func (p OfferPayload) validate() error {
	if p.AmountCents <= 0 {
		return fmt.Errorf("%w: offer amount must be positive", ErrValidation)
	}
	if len(p.Currency) != 3 || strings.ToUpper(p.Currency) != p.Currency {
		return fmt.Errorf("%w: offer currency must be a 3-letter ISO code", ErrValidation)
	}
	switch p.Status {
	case OfferPending, OfferAccepted, OfferDeclined, OfferWithdrawn:
		return nil
	}
	return fmt.Errorf("%w: unknown offer status %q", ErrValidation, p.Status)
}

// TestDriveRequestPayload proposes a test drive slot.
type TestDriveRequestPayload struct {
	ProposedAt time.Time `json:"proposedAt"`
	Location   string    `json:"location"`
	Note       string    `json:"note,omitempty"`
}

func (TestDriveRequestPayload) Kind() Kind { return KindTestDriveRequest }

func (p TestDriveRequestPayload) validate() error {
	if p.ProposedAt.IsZero() {
		return fmt.Errorf("%w: test drive request needs proposedAt", ErrValidation)
	}
	if strings.TrimSpace(p.Location) == "" {
		return fmt.Errorf("%w: test drive request needs a location", ErrValidation)
	}
	return nil
}

// EncodePayload returns the JSON form of p, or nil for no payload.
func EncodePayload(p Payload) (json.RawMessage, error) {
	if p == nil {
		return nil, nil
	}
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", p.Kind(), err)
	}
	return data, nil
}

// DecodePayload parses raw into the variant selected by kind.
// Unknown kinds are validation errors.
func DecodePayload(kind Kind, raw []byte) (Payload, error) {
	empty := len(raw) == 0 || string(raw) == "null"
	switch kind {
	case KindText, KindSystem:
		return nil, nil
	case KindOffer:
		if empty {
			return nil, nil
		}
		var p OfferPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("%w: decode offer payload: %v", ErrValidation, err)
		}
		return p, nil
	case KindTestDriveRequest:
		if empty {
			return nil, nil
		}
		var p TestDriveRequestPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("%w: decode test drive payload: %v", ErrValidation, err)
		}
		return p, nil
	}
	return nil, fmt.Errorf("%w: unknown message type %q", ErrValidation, kind)
}
