package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/IBM/sarama"
	"go.uber.org/zap"
)

// PaymentConfirmation is published by the payment gateway once a transfer settles.
type PaymentConfirmation struct {
	OrderID   string `json:"orderId"`
	Reference string `json:"reference"`
}

type PaymentConfirmer interface {
	ConfirmPayment(ctx context.Context, orderID, reference string) error
}

// ConfirmFunc adapts a function to PaymentConfirmer.
type ConfirmFunc func(ctx context.Context, orderID, reference string) error

func (f ConfirmFunc) ConfirmPayment(ctx context.Context, orderID, reference string) error {
	return f(ctx, orderID, reference)
}

// ErrPermanent marks confirmations that will never succeed and must not be retried.
var ErrPermanent = errors.New("permanent payment confirmation failure")

type PaymentHandler struct {
	confirmer PaymentConfirmer
	timeout   time.Duration
	log       *zap.Logger
}

func NewPaymentHandler(confirmer PaymentConfirmer, timeout time.Duration, log *zap.Logger) *PaymentHandler {
	return &PaymentHandler{confirmer: confirmer, timeout: timeout, log: log.Named("payments")}
}

func (*PaymentHandler) Setup(sarama.ConsumerGroupSession) error   { return nil }
func (*PaymentHandler) Cleanup(sarama.ConsumerGroupSession) error { return nil }

func (h *PaymentHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case <-session.Context().Done():
			return nil
		case msg, ok := <-claim.Messages():
			if !ok {
				return nil
			}
			if err := h.handleMessage(session.Context(), msg); err != nil {
				// Leave the offset unmarked so the message is redelivered after a rebalance.
				h.log.Error("payment confirmation not applied",
					zap.String("topic", msg.Topic),
					zap.Int32("partition", msg.Partition),
					zap.Int64("offset", msg.Offset),
					zap.Error(err),
				)
				return err
			}
			session.MarkMessage(msg, "")
		}
	}
}

// handleMessage returns an error only for failures worth retrying.
func (h *PaymentHandler) handleMessage(ctx context.Context, msg *sarama.ConsumerMessage) error {
	var pc PaymentConfirmation
	if err := json.Unmarshal(msg.Value, &pc); err != nil || pc.OrderID == "" {
		h.log.Warn("skipping malformed payment confirmation",
			zap.Int64("offset", msg.Offset),
			zap.ByteString("value", msg.Value),
		)
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()
	err := h.confirmer.ConfirmPayment(ctx, pc.OrderID, pc.Reference)
	switch {
	case err == nil:
		h.log.Info("payment confirmed", zap.String("order_id", pc.OrderID), zap.String("reference", pc.Reference))
		return nil
	case errors.Is(err, ErrPermanent):
		h.log.Warn("payment confirmation skipped", zap.String("order_id", pc.OrderID), zap.Error(err))
		return nil
	default:
		return err
	}
}

func StartSaramaConsumer(ctx context.Context, cfg *sarama.Config, brokers []string, groupID string, topics []string, handler sarama.ConsumerGroupHandler, log *zap.Logger) error {
	consumerGroup, err := sarama.NewConsumerGroup(brokers, groupID, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := consumerGroup.Close(); err != nil {
			log.Error("error closing consumer group", zap.Error(err))
		}
	}()

	for {
		if err := consumerGroup.Consume(ctx, topics, handler); err != nil {
			if errors.Is(err, sarama.ErrClosedConsumerGroup) {
				return nil
			}
			log.Error("error from consumer", zap.Error(err))
			select {
			case <-ctx.Done():
			case <-time.After(time.Second):
			}
		}
		if ctx.Err() != nil {
			return nil
		}
	}
}

func NewConsumerConfig() *sarama.Config {
	cfg := sarama.NewConfig()
	cfg.Consumer.Offsets.Initial = sarama.OffsetOldest
	cfg.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRoundRobin()}
	return cfg
}
