package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/sthanfv/el-buen-corte--sub000/internal/models"
)

const EventOrderCreated = "order.created"

type Publisher interface {
	Publish(topic, key string, payload []byte) error
}

// Outbox keeps events whose publication failed so they can be retried later.
type Outbox interface {
	CreateTask(ctx context.Context, topic, key string, payload []byte) error
}

type Mailer interface {
	SendOrderConfirmation(ctx context.Context, o *models.Order) error
}

type EventItem struct {
	ProductID string  `json:"productId"`
	Name      string  `json:"name"`
	Quantity  int     `json:"quantity"`
	LineTotal float64 `json:"lineTotal"`
}

// OrderEvent is the payload fanned out to analytics and notification consumers.
type OrderEvent struct {
	Type          string               `json:"type"`
	OrderID       string               `json:"orderId"`
	UserID        string               `json:"userId"`
	Status        models.OrderStatus   `json:"status"`
	PaymentMethod models.PaymentMethod `json:"paymentMethod"`
	Total         float64              `json:"total"`
	City          string               `json:"city"`
	Email         string               `json:"email,omitempty"`
	Items         []EventItem          `json:"items"`
	CreatedAt     time.Time            `json:"createdAt"`
}

func NewOrderEvent(o *models.Order) OrderEvent {
	items := make([]EventItem, 0, len(o.Items))
	for _, it := range o.Items {
		items = append(items, EventItem{
			ProductID: it.ProductID,
			Name:      it.Name,
			Quantity:  it.Units(),
			LineTotal: it.LineTotal,
		})
	}
	return OrderEvent{
		Type:          EventOrderCreated,
		OrderID:       o.ID,
		UserID:        o.UserID,
		Status:        o.Status,
		PaymentMethod: o.PaymentMethod,
		Total:         o.Total,
		City:          o.CustomerInfo.City,
		Email:         o.CustomerInfo.Email,
		Items:         items,
		CreatedAt:     o.CreatedAt,
	}
}

// OrderNotifier turns an accepted order into queued side-effect tasks.
// Any of publisher, outbox and mailer may be nil.
type OrderNotifier struct {
	dispatcher *Dispatcher
	publisher  Publisher
	outbox     Outbox
	mailer     Mailer
	topic      string
	log        *zap.Logger
}

func NewOrderNotifier(d *Dispatcher, publisher Publisher, outbox Outbox, mailer Mailer, topic string, log *zap.Logger) *OrderNotifier {
	return &OrderNotifier{
		dispatcher: d,
		publisher:  publisher,
		outbox:     outbox,
		mailer:     mailer,
		topic:      topic,
		log:        log.Named("notifier"),
	}
}

func (n *OrderNotifier) OrderCreated(o *models.Order) {
	order := o.Clone()
	if n.publisher != nil || n.outbox != nil {
		n.dispatcher.Enqueue(Task{
			Name:    "publish_order_created",
			OrderID: order.ID,
			Run: func(ctx context.Context) error {
				return n.publish(ctx, order)
			},
		})
	}
	if n.mailer != nil && order.CustomerInfo.Email != "" {
		n.dispatcher.Enqueue(Task{
			Name:    "confirmation_email",
			OrderID: order.ID,
			Run: func(ctx context.Context) error {
				return n.mailer.SendOrderConfirmation(ctx, order)
			},
		})
	}
}

func (n *OrderNotifier) publish(ctx context.Context, o *models.Order) error {
	payload, err := json.Marshal(NewOrderEvent(o))
	if err != nil {
		return fmt.Errorf("marshal order event: %w", err)
	}
	if n.publisher != nil {
		err = n.publisher.Publish(n.topic, o.ID, payload)
		if err == nil {
			return nil
		}
		n.log.Warn("publish failed, moving event to outbox", zap.String("order_id", o.ID), zap.Error(err))
	}
	if n.outbox == nil {
		return fmt.Errorf("publish order event: %w", err)
	}
	if errOut := n.outbox.CreateTask(ctx, n.topic, o.ID, payload); errOut != nil {
		return fmt.Errorf("store order event in outbox: %w", errOut)
	}
	return nil
}
