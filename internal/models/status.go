package models

import (
	"errors"
	"fmt"
	"time"
)

type OrderStatus string

const (
	StatusCreated             OrderStatus = "CREATED"
	StatusPendingVerification OrderStatus = "PENDING_VERIFICATION"
	StatusConfirmed           OrderStatus = "CONFIRMED"
	StatusCutting             OrderStatus = "CUTTING"
	StatusPacking             OrderStatus = "PACKING"
	StatusRouting             OrderStatus = "ROUTING"
	StatusDelivered           OrderStatus = "DELIVERED"
	StatusCancelled           OrderStatus = "CANCELLED"
	StatusCancelledTimeout    OrderStatus = "CANCELLED_TIMEOUT"
)

// happyPath lists the forward states in order; the index is the rank.
var happyPath = []OrderStatus{
	StatusCreated,
	StatusPendingVerification,
	StatusConfirmed,
	StatusCutting,
	StatusPacking,
	StatusRouting,
	StatusDelivered,
}

var (
	ErrUnknownStatus     = errors.New("unknown order status")
	ErrInvalidTransition = errors.New("invalid status transition")
)

// TerminalStateError is returned when a status change targets an order that can no longer move.
type TerminalStateError struct {
	Current OrderStatus
}

func (e *TerminalStateError) Error() string {
	return fmt.Sprintf("order is in terminal state %s", e.Current)
}

func (s OrderStatus) rank() int {
	for i, st := range happyPath {
		if st == s {
			return i
		}
	}
	return -1
}

func (s OrderStatus) Valid() bool {
	return s.rank() >= 0 || s.IsCancelled()
}

func (s OrderStatus) IsCancelled() bool {
	return s == StatusCancelled || s == StatusCancelledTimeout
}

func (s OrderStatus) IsTerminal() bool {
	return s == StatusDelivered || s.IsCancelled()
}

// CanTransition checks a single move of the state machine.
func CanTransition(from, to OrderStatus) error {
	if !to.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownStatus, to)
	}
	if from.IsTerminal() {
		return &TerminalStateError{Current: from}
	}
	switch to {
	case StatusCancelled:
		return nil
	case StatusCancelledTimeout:
		if from != StatusPendingVerification {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
		}
		return nil
	}
	if to.rank() <= from.rank() {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}

// InitialStatus picks the creation state: transfers wait for an out-of-band payment confirmation.
func InitialStatus(pm PaymentMethod) OrderStatus {
	if pm == PaymentTransfer {
		return StatusPendingVerification
	}
	return StatusCreated
}

// Transition moves the order and appends one history entry.
// Moving to the current status is a no-op and reports changed=false.
func (o *Order) Transition(to OrderStatus, actor string, at time.Time) (bool, error) {
	if o.Status == to {
		return false, nil
	}
	if err := CanTransition(o.Status, to); err != nil {
		return false, err
	}
	o.Status = to
	o.History = append(o.History, HistoryEntry{Status: to, Timestamp: at, ActorID: actor})
	o.UpdatedAt = at
	o.UpdatedBy = actor
	return true, nil
}

// PaymentExpired reports whether a payment-pending order outlived its deadline.
func (o *Order) PaymentExpired(now time.Time) bool {
	return o.Status == StatusPendingVerification &&
		o.PaymentDeadline != nil &&
		now.After(*o.PaymentDeadline)
}
