// Package payment models how a session's upfront charge is settled.
package payment

import (
	"context"
	"strings"

	"vacuum-rental-backend/internal/apperr"
)

// Payment methods accepted at session creation.
const (
	MethodBalance = "balance"
	MethodCard    = "card"
	MethodWallet  = "wallet"
)

// Confirmation statuses reported by the gateway callback.
const (
	StatusCreated   = "created"
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
)

// Settlement is either Immediate or Deferred.
type Settlement interface {
	Total() int64
	isSettlement()
}

// Immediate is settled synchronously against the user's balance.
type Immediate struct {
	Amount int64
}

// Deferred is settled later through a gateway confirmation for PaymentID.
type Deferred struct {
	PaymentID string
	Amount    int64
}

func (s Immediate) Total() int64 { return s.Amount }
func (s Deferred) Total() int64  { return s.Amount }
func (Immediate) isSettlement()  {}
func (Deferred) isSettlement()   {}

// Kind is the settlement kind a payment method resolves to.
type Kind int

const (
	KindImmediate Kind = iota + 1
	KindDeferred
)

func (k Kind) String() string {
	switch k {
	case KindImmediate:
		return "immediate"
	case KindDeferred:
		return "deferred"
	}
	return "unknown"
}

// ParseMethod normalizes a payment method and returns its settlement kind.
func ParseMethod(method string) (string, Kind, error) {
	m := strings.ToLower(strings.TrimSpace(method))
	switch m {
	case MethodBalance:
		return m, KindImmediate, nil
	case MethodCard, MethodWallet:
		return m, KindDeferred, nil
	}
	return "", 0, apperr.Validation("unsupported payment method %q", method)
}

// ChargeRequest asks the gateway to create an external charge.
type ChargeRequest struct {
	SessionID string `json:"session_id"`
	UserID    string `json:"user_id"`
	Amount    int64  `json:"amount"`
	Method    string `json:"method"`
}

// Gateway creates external charges. Confirmation arrives asynchronously.
type Gateway interface {
	CreateCharge(ctx context.Context, req ChargeRequest) (string, error)
}

// Confirmation is the asynchronous settlement callback.
type Confirmation struct {
	PaymentID string `json:"paymentId"`
	Status    string `json:"status"`
	Amount    int64  `json:"amount"`
}

// Validate checks the callback payload.
func (c Confirmation) Validate() error {
	if strings.TrimSpace(c.PaymentID) == "" {
		return apperr.Validation("paymentId is required")
	}
	if c.Status != StatusSucceeded && c.Status != StatusFailed {
		return apperr.Validation("unknown payment status %q", c.Status)
	}
	if c.Amount < 0 {
		return apperr.Validation("amount must not be negative")
	}
	return nil
}
