package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sthanfv/el-buen-corte--sub000/internal/audit"
	"github.com/sthanfv/el-buen-corte--sub000/internal/cache"
	"github.com/sthanfv/el-buen-corte--sub000/internal/models"
	"github.com/sthanfv/el-buen-corte--sub000/internal/repository"
)

// FakeOrderPrefix marks ids handed to submissions caught by the honeypot.
const FakeOrderPrefix = "FAKE_ORDER_"

const (
	ActorSystem   = "system"
	ActorPayments = "payments"
)

type Auditor interface {
	Record(rec audit.Record)
}

// Notifier receives committed orders; it must not block.
type Notifier interface {
	OrderCreated(o *models.Order)
}

type Config struct {
	CreateTimeout time.Duration
	PaymentWindow time.Duration
	SweepBatch    int
}

type OrderService struct {
	store    repository.OrderStore
	auditor  Auditor
	notifier Notifier
	statuses *cache.StatusCache
	validate *validator.Validate
	cfg      Config
	log      *zap.Logger
	now      func() time.Time
}

func NewOrderService(store repository.OrderStore, auditor Auditor, notifier Notifier, statuses *cache.StatusCache, cfg Config, log *zap.Logger) *OrderService {
	if cfg.CreateTimeout <= 0 {
		cfg.CreateTimeout = 5 * time.Second
	}
	if cfg.PaymentWindow <= 0 {
		cfg.PaymentWindow = 30 * time.Minute
	}
	if cfg.SweepBatch <= 0 {
		cfg.SweepBatch = 100
	}
	if statuses == nil {
		statuses = cache.NewStatusCache(0)
	}
	return &OrderService{
		store:    store,
		auditor:  auditor,
		notifier: notifier,
		statuses: statuses,
		validate: newValidator(),
		cfg:      cfg,
		log:      log.Named("orders"),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (s *OrderService) record(meta RequestMeta, outcome audit.Outcome, orderID, msg string) {
	s.auditor.Record(audit.Record{
		Timestamp: s.now(),
		Actor:     meta.Identity.UID,
		Identity:  string(meta.Identity.Role),
		IP:        meta.IP,
		Endpoint:  meta.Endpoint,
		Outcome:   outcome,
		OrderID:   orderID,
		Message:   msg,
	})
}

// CreateOrder runs the placement pipeline: honeypot, validation, idempotency,
// price sealing, then the stock transaction under the create deadline.
func (s *OrderService) CreateOrder(ctx context.Context, req CreateOrderRequest, meta RequestMeta) (CreateResult, error) {
	if req.BusinessFax != nil && *req.BusinessFax != "" {
		id := FakeOrderPrefix + uuid.NewString()
		s.log.Warn("honeypot triggered",
			zap.String("ip", meta.IP),
			zap.String("uid", meta.Identity.UID),
			zap.String("fake_id", id),
		)
		s.record(meta, audit.OutcomeFraud, id, "honeypot field populated")
		return CreateResult{ID: id}, nil
	}

	if req.IdempotencyKey != nil {
		key := strings.TrimSpace(*req.IdempotencyKey)
		if key == "" {
			req.IdempotencyKey = nil
		} else {
			req.IdempotencyKey = &key
		}
	}
	if err := s.validate.Struct(req); err != nil {
		return CreateResult{}, fromValidator(err)
	}
	items, total, err := seal(req.Items)
	if err != nil {
		return CreateResult{}, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.CreateTimeout)
	defer cancel()

	if req.IdempotencyKey != nil {
		existing, err := s.store.FindByIdempotencyKey(ctx, *req.IdempotencyKey)
		switch {
		case err == nil:
			s.record(meta, audit.OutcomeDuplicate, existing.ID, "idempotency key replay")
			return CreateResult{ID: existing.ID, Duplicate: true}, nil
		case !errors.Is(err, repository.ErrNotFound):
			return CreateResult{}, s.storeError(ctx, meta, "", err)
		}
	}

	now := s.now()
	status := models.InitialStatus(req.PaymentMethod)
	order := &models.Order{
		ID:             uuid.NewString(),
		IdempotencyKey: req.IdempotencyKey,
		UserID:         meta.Identity.UID,
		CustomerInfo: models.CustomerInfo{
			Name:    strings.TrimSpace(req.CustomerInfo.Name),
			Phone:   strings.TrimSpace(req.CustomerInfo.Phone),
			Address: strings.TrimSpace(req.CustomerInfo.Address),
			City:    strings.TrimSpace(req.CustomerInfo.City),
			Notes:   strings.TrimSpace(req.CustomerInfo.Notes),
			Email:   strings.TrimSpace(req.CustomerInfo.Email),
		},
		Items:              items,
		Total:              total,
		PaymentMethod:      req.PaymentMethod,
		HabeasDataAccepted: req.HabeasDataAccepted,
		Status:             status,
		History:            []models.HistoryEntry{{Status: status, Timestamp: now, ActorID: meta.Identity.UID}},
		CustomerIP:         meta.IP,
		CreatedAt:          now,
		UpdatedAt:          now,
		UpdatedBy:          meta.Identity.UID,
	}
	if status == models.StatusPendingVerification {
		deadline := now.Add(s.cfg.PaymentWindow)
		order.PaymentDeadline = &deadline
	}

	err = s.store.PlaceOrder(ctx, order)
	switch {
	case err == nil:
	case errors.Is(err, repository.ErrDuplicateKey):
		// Lost the race against a concurrent request with the same key.
		winner, errFind := s.store.FindByIdempotencyKey(ctx, *order.IdempotencyKey)
		if errFind != nil {
			return CreateResult{}, s.storeError(ctx, meta, "", errFind)
		}
		s.record(meta, audit.OutcomeDuplicate, winner.ID, "idempotency key race resolved by store")
		return CreateResult{ID: winner.ID, Duplicate: true}, nil
	case errors.Is(err, repository.ErrStockExhausted):
		s.record(meta, audit.OutcomeStockOut, order.ID, err.Error())
		return CreateResult{}, fmt.Errorf("%w: %v", ErrStockExhausted, err)
	case errors.Is(err, repository.ErrProductNotFound):
		return CreateResult{}, invalid("items", "unknown_product")
	default:
		return CreateResult{}, s.storeError(ctx, meta, order.ID, err)
	}

	s.log.Info("order created",
		zap.String("order_id", order.ID),
		zap.String("status", string(order.Status)),
		zap.Float64("total", order.Total),
	)
	s.record(meta, audit.OutcomeCreated, order.ID, fmt.Sprintf("total=%.2f items=%d", order.Total, len(order.Items)))
	if s.notifier != nil {
		s.notifier.OrderCreated(order)
	}
	return CreateResult{ID: order.ID}, nil
}

// storeError separates deadline overruns from genuine store failures.
func (s *OrderService) storeError(ctx context.Context, meta RequestMeta, orderID string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		s.record(meta, audit.OutcomeTimeout, orderID, err.Error())
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	return fmt.Errorf("store: %w", err)
}
