package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	gopkgmail "gopkg.in/gomail.v2"

	"github.com/sthanfv/el-buen-corte--sub000/internal/models"
)

type fakePublisher struct {
	mu   sync.Mutex
	err  error
	sent []OrderEvent
	keys []string
}

func (p *fakePublisher) Publish(topic, key string, payload []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	var ev OrderEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		return err
	}
	p.sent = append(p.sent, ev)
	p.keys = append(p.keys, key)
	return nil
}

func (p *fakePublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.sent)
}

type fakeOutbox struct {
	mu    sync.Mutex
	tasks []string
}

func (o *fakeOutbox) CreateTask(_ context.Context, topic, key string, _ []byte) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.tasks = append(o.tasks, topic+"/"+key)
	return nil
}

func (o *fakeOutbox) count() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.tasks)
}

type fakeMailer struct {
	mu  sync.Mutex
	ids []string
}

func (m *fakeMailer) SendOrderConfirmation(_ context.Context, o *models.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ids = append(m.ids, o.ID)
	return nil
}

func (m *fakeMailer) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.ids)
}

func sampleOrder(email string) *models.Order {
	deadline := time.Date(2026, 3, 1, 10, 30, 0, 0, time.UTC)
	return &models.Order{
		ID:              "o-1",
		UserID:          "uid-1",
		CustomerInfo:    models.CustomerInfo{Name: "Ana", City: "Medellin", Email: email},
		Items:           []models.OrderItem{{ProductID: "p1", Name: "Picanha", SelectedWeight: 1.5, LineTotal: 75000}},
		Total:           75000,
		PaymentMethod:   models.PaymentTransfer,
		Status:          models.StatusPendingVerification,
		PaymentDeadline: &deadline,
	}
}

func startDispatcher(t *testing.T) *Dispatcher {
	d := New(Config{Workers: 1, QueueSize: 8, Timeout: time.Second}, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	d.Start(ctx)
	t.Cleanup(func() { d.Shutdown(cancel) })
	return d
}

func TestOrderCreatedPublishesAndMails(t *testing.T) {
	pub := &fakePublisher{}
	mail := &fakeMailer{}
	n := NewOrderNotifier(startDispatcher(t), pub, &fakeOutbox{}, mail, "order-events", zap.NewNop())

	n.OrderCreated(sampleOrder("ana@example.com"))

	assert.Eventually(t, func() bool { return pub.count() == 1 && mail.count() == 1 }, time.Second, 5*time.Millisecond)
	pub.mu.Lock()
	defer pub.mu.Unlock()
	assert.Equal(t, EventOrderCreated, pub.sent[0].Type)
	assert.Equal(t, "o-1", pub.keys[0])
	assert.Equal(t, 1, pub.sent[0].Items[0].Quantity)
}

func TestOrderCreatedWithoutEmailSkipsMail(t *testing.T) {
	pub := &fakePublisher{}
	mail := &fakeMailer{}
	n := NewOrderNotifier(startDispatcher(t), pub, nil, mail, "order-events", zap.NewNop())

	n.OrderCreated(sampleOrder(""))

	assert.Eventually(t, func() bool { return pub.count() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, mail.count())
}

func TestPublishFailureFallsBackToOutbox(t *testing.T) {
	pub := &fakePublisher{err: errors.New("no brokers")}
	outbox := &fakeOutbox{}
	n := NewOrderNotifier(startDispatcher(t), pub, outbox, nil, "order-events", zap.NewNop())

	n.OrderCreated(sampleOrder(""))

	assert.Eventually(t, func() bool { return outbox.count() == 1 }, time.Second, 5*time.Millisecond)
	outbox.mu.Lock()
	defer outbox.mu.Unlock()
	assert.Equal(t, "order-events/o-1", outbox.tasks[0])
}

func TestConfirmationMessage(t *testing.T) {
	var captured bytes.Buffer
	var to []string
	m := &SMTPMailer{from: "pedidos@example.com", send: func(msg *gopkgmail.Message) error {
		return gopkgmail.Send(gopkgmail.SendFunc(func(from string, rcpt []string, w io.WriterTo) error {
			to = rcpt
			_, err := w.WriteTo(&captured)
			return err
		}), msg)
	}}

	require.NoError(t, m.SendOrderConfirmation(context.Background(), sampleOrder("ana@example.com")))
	assert.Equal(t, []string{"ana@example.com"}, to)
	body := captured.String()
	assert.Contains(t, body, "Subject: Pedido o-1 recibido")
	assert.Contains(t, body, "Picanha")
	assert.Contains(t, body, "Total: 75000.00")
	assert.Contains(t, body, "2026-03-01 10:30 UTC")
}
