package services

import "errors"

var (
	// ErrPaymentRequired means the device cannot use a free cycle. The
	// accompanying StartResult carries the decision and a payment session.
	ErrPaymentRequired = errors.New("payment required")
	// ErrPaymentTimeout is returned when no confirmation arrives in time.
	ErrPaymentTimeout = errors.New("payment confirmation timed out")
	// ErrUnknownSession rejects confirmations for sessions the kiosk never opened.
	ErrUnknownSession = errors.New("unknown payment session")
	// ErrPaymentRejected is returned to a waiter when the provider declines.
	ErrPaymentRejected = errors.New("payment rejected")
)
