// Package apperr defines the error taxonomy shared by the orchestration services.
// Every caller-visible failure carries a Kind and a machine-readable Reason.
package apperr

import (
	"errors"
	"fmt"
)

// Kind classifies an error for propagation and transport mapping.
type Kind string

const (
	KindValidation Kind = "validation"
	KindNotFound   Kind = "not_found"
	KindConflict   Kind = "conflict"
	KindState      Kind = "state"
	KindPayment    Kind = "payment"
	KindExternal   Kind = "external"
)

// Reason codes.
const (
	ReasonInvalidInput        = "invalid_input"
	ReasonNotFound            = "not_found"
	ReasonMachineBusy         = "machine_busy"
	ReasonHeartbeatRequired   = "heartbeat_required"
	ReasonMaintenanceBlocked  = "maintenance_blocked"
	ReasonInvalidTransition   = "invalid_transition"
	ReasonInsufficientBalance = "insufficient_balance"
	ReasonPaymentDeclined     = "payment_declined"
	ReasonGatewayFailure      = "gateway_failure"
	ReasonDeliveryFailed      = "delivery_failed"
	ReasonDeviceCommandFailed = "device_command_failed"
)

// Error is the concrete error type returned by the services.
type Error struct {
	Kind    Kind
	Reason  string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Reason, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Reason, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error by Kind and Reason, so sentinels below work with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind && (t.Reason == "" || e.Reason == t.Reason)
}

// Sentinels for errors.Is checks. Only Kind and Reason are compared.
var (
	ErrValidation         = &Error{Kind: KindValidation}
	ErrNotFound           = &Error{Kind: KindNotFound}
	ErrConflict           = &Error{Kind: KindConflict}
	ErrState              = &Error{Kind: KindState}
	ErrPayment            = &Error{Kind: KindPayment}
	ErrExternal           = &Error{Kind: KindExternal}
	ErrMachineBusy        = &Error{Kind: KindConflict, Reason: ReasonMachineBusy}
	ErrHeartbeatRequired  = &Error{Kind: KindState, Reason: ReasonHeartbeatRequired}
	ErrMaintenanceBlocked = &Error{Kind: KindState, Reason: ReasonMaintenanceBlocked}
	ErrInvalidTransition  = &Error{Kind: KindState, Reason: ReasonInvalidTransition}
	ErrInsufficientFunds  = &Error{Kind: KindPayment, Reason: ReasonInsufficientBalance}
)

func Validation(format string, args ...any) *Error {
	return &Error{Kind: KindValidation, Reason: ReasonInvalidInput, Message: fmt.Sprintf(format, args...)}
}

func NotFound(format string, args ...any) *Error {
	return &Error{Kind: KindNotFound, Reason: ReasonNotFound, Message: fmt.Sprintf(format, args...)}
}

func MachineBusy(machineID int64) *Error {
	return &Error{Kind: KindConflict, Reason: ReasonMachineBusy, Message: fmt.Sprintf("machine %d is busy", machineID)}
}

func State(reason, format string, args ...any) *Error {
	return &Error{Kind: KindState, Reason: reason, Message: fmt.Sprintf(format, args...)}
}

func Payment(reason string, err error, format string, args ...any) *Error {
	return &Error{Kind: KindPayment, Reason: reason, Message: fmt.Sprintf(format, args...), Err: err}
}

func External(reason string, err error, format string, args ...any) *Error {
	return &Error{Kind: KindExternal, Reason: reason, Message: fmt.Sprintf(format, args...), Err: err}
}

// KindOf returns the Kind of err, or "" if err is not an *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// ReasonOf returns the Reason of err, or "" if err is not an *Error.
func ReasonOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Reason
	}
	return ""
}
