package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/sthanfv/el-buen-corte--sub000/internal/audit"
	"github.com/sthanfv/el-buen-corte--sub000/internal/models"
	"github.com/sthanfv/el-buen-corte--sub000/internal/repository"
)

// errSkip aborts a store update without it being an error for the caller.
var errSkip = errors.New("skip update")

// UpdateOrder applies an admin update. A status change is checked against the
// state machine first, so a rejected transition leaves every field untouched.
func (s *OrderService) UpdateOrder(ctx context.Context, req UpdateOrderRequest, meta RequestMeta) (*models.Order, error) {
	if err := s.validate.Struct(req); err != nil {
		return nil, fromValidator(err)
	}
	u := req.Updates
	if u.empty() {
		return nil, invalid("updates", "required")
	}
	if u.Status != nil && *u.Status == models.StatusCancelledTimeout {
		return nil, fmt.Errorf("%w: %s is reserved for the payment sweep", models.ErrInvalidTransition, models.StatusCancelledTimeout)
	}

	actor := meta.Identity.UID
	updated, err := s.store.UpdateOrder(ctx, req.ID, func(o *models.Order) error {
		now := s.now()
		if u.Status != nil {
			if _, err := o.Transition(*u.Status, actor, now); err != nil {
				return err
			}
		}
		if u.Notes != nil {
			o.Notes = *u.Notes
		}
		if u.InternalStatus != nil {
			o.InternalStatus = *u.InternalStatus
		}
		if u.Reminded != nil {
			o.Reminded = *u.Reminded
		}
		if u.EstimatedCycleDays != nil {
			o.EstimatedCycleDays = *u.EstimatedCycleDays
		}
		o.UpdatedAt = now
		o.UpdatedBy = actor
		return nil
	})
	if err != nil {
		err = s.updateError(err)
		s.record(meta, audit.OutcomeRejected, req.ID, err.Error())
		return nil, err
	}

	s.statuses.Invalidate(updated.ID)
	s.record(meta, audit.OutcomeUpdated, updated.ID, fmt.Sprintf("status=%s", updated.Status))
	return updated, nil
}

func (s *OrderService) updateError(err error) error {
	var terminal *models.TerminalStateError
	switch {
	case errors.Is(err, repository.ErrNotFound):
		return ErrNotFound
	case errors.Is(err, models.ErrUnknownStatus):
		return invalid("updates.status", "unknown_status")
	case errors.As(err, &terminal), errors.Is(err, models.ErrInvalidTransition):
		return err
	default:
		return fmt.Errorf("store: %w", err)
	}
}

// GetStatus returns the PII-free view. An order found past its payment deadline
// is expired on the spot before it is reported. Ids handed out by the honeypot
// answer like a fresh order so the sender learns nothing.
func (s *OrderService) GetStatus(ctx context.Context, id string) (models.StatusView, error) {
	if strings.HasPrefix(id, FakeOrderPrefix) {
		return models.StatusView{
			ID:        id,
			Status:    models.StatusCreated,
			CreatedAt: s.now(),
			Items:     []string{},
		}, nil
	}
	if view, ok := s.statuses.Get(id); ok {
		return view, nil
	}
	epoch := s.statuses.Epoch()
	o, err := s.store.GetByID(ctx, id)
	if errors.Is(err, repository.ErrNotFound) {
		return models.StatusView{}, ErrNotFound
	}
	if err != nil {
		return models.StatusView{}, fmt.Errorf("store: %w", err)
	}
	if o.PaymentExpired(s.now()) {
		if expired, err := s.expire(ctx, o.ID); err != nil {
			s.log.Error("lazy cancellation failed", zap.String("order_id", o.ID), zap.Error(err))
		} else if expired != nil {
			o = expired
		}
	}
	view := o.StatusView()
	if o.Status != models.StatusPendingVerification {
		s.statuses.SetIfCurrent(view, epoch)
	}
	return view, nil
}

// ConfirmPayment settles a transfer order. Replays for an order already past
// payment verification are accepted without changes.
func (s *OrderService) ConfirmPayment(ctx context.Context, orderID, reference string) error {
	updated, err := s.store.UpdateOrder(ctx, orderID, func(o *models.Order) error {
		if o.Status != models.StatusPendingVerification {
			if o.Status.IsTerminal() {
				return &models.TerminalStateError{Current: o.Status}
			}
			return errSkip
		}
		_, err := o.Transition(models.StatusConfirmed, ActorPayments, s.now())
		return err
	})
	if errors.Is(err, errSkip) {
		s.log.Info("payment confirmation already applied", zap.String("order_id", orderID))
		return nil
	}
	if err != nil {
		return s.updateError(err)
	}
	s.statuses.Invalidate(orderID)
	s.auditor.Record(audit.Record{
		Timestamp: s.now(),
		Actor:     ActorPayments,
		Outcome:   audit.OutcomePaid,
		OrderID:   updated.ID,
		Message:   "reference=" + reference,
	})
	return nil
}

// List serves the admin listing; due payment timeouts are applied first.
func (s *OrderService) List(ctx context.Context, f repository.ListFilter) ([]*models.Order, error) {
	if _, err := s.SweepExpired(ctx); err != nil {
		s.log.Error("lazy cancellation before listing failed", zap.Error(err))
	}
	orders, err := s.store.List(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("store: %w", err)
	}
	return orders, nil
}

// SweepExpired moves payment-pending orders past their deadline to
// CANCELLED_TIMEOUT. Stock is given back by the store, at most once per order.
func (s *OrderService) SweepExpired(ctx context.Context) (int, error) {
	const maxRounds = 10
	cancelled := 0
	for round := 0; round < maxRounds; round++ {
		expired, err := s.store.ListExpired(ctx, s.now(), s.cfg.SweepBatch)
		if err != nil {
			return cancelled, fmt.Errorf("list expired: %w", err)
		}
		progressed := false
		for _, o := range expired {
			updated, err := s.expire(ctx, o.ID)
			if err != nil {
				s.log.Error("timeout cancellation failed", zap.String("order_id", o.ID), zap.Error(err))
				continue
			}
			if updated != nil {
				cancelled++
				progressed = true
			}
		}
		if len(expired) < s.cfg.SweepBatch || !progressed {
			break
		}
	}
	if cancelled > 0 {
		s.log.Info("expired orders cancelled", zap.Int("count", cancelled))
	}
	return cancelled, nil
}

// expire returns nil, nil when another writer already moved the order on.
func (s *OrderService) expire(ctx context.Context, id string) (*models.Order, error) {
	updated, err := s.store.UpdateOrder(ctx, id, func(o *models.Order) error {
		now := s.now()
		if !o.PaymentExpired(now) {
			return errSkip
		}
		_, err := o.Transition(models.StatusCancelledTimeout, ActorSystem, now)
		return err
	})
	if errors.Is(err, errSkip) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	s.statuses.Invalidate(id)
	s.auditor.Record(audit.Record{
		Timestamp: s.now(),
		Actor:     ActorSystem,
		Outcome:   audit.OutcomeTimeoutCancel,
		OrderID:   id,
		Message:   "payment window elapsed",
	})
	return updated, nil
}
