package dispatch

import (
	"context"
	"fmt"
	"strings"

	gopkgmail "gopkg.in/gomail.v2"

	"github.com/sthanfv/el-buen-corte--sub000/internal/models"
)

type SMTPConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	From     string
}

// SMTPMailer sends a plain-text confirmation; rich templates live in the notification service.
type SMTPMailer struct {
	from string
	send func(m *gopkgmail.Message) error
}

func NewSMTPMailer(cfg SMTPConfig) *SMTPMailer {
	d := gopkgmail.NewDialer(cfg.Host, cfg.Port, cfg.User, cfg.Password)
	d.SSL = cfg.Port == 465
	return &SMTPMailer{from: cfg.From, send: func(m *gopkgmail.Message) error {
		return d.DialAndSend(m)
	}}
}

func (s *SMTPMailer) SendOrderConfirmation(ctx context.Context, o *models.Order) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.send(s.confirmation(o)); err != nil {
		return fmt.Errorf("send confirmation: %w", err)
	}
	return nil
}

func (s *SMTPMailer) confirmation(o *models.Order) *gopkgmail.Message {
	var body strings.Builder
	fmt.Fprintf(&body, "Hola %s,\n\nRecibimos tu pedido %s.\n\n", o.CustomerInfo.Name, o.ID)
	for _, it := range o.Items {
		fmt.Fprintf(&body, "- %s x%d (%.2f kg): %.2f\n", it.Name, it.Units(), it.SelectedWeight, it.LineTotal)
	}
	fmt.Fprintf(&body, "\nTotal: %.2f\n", o.Total)
	if o.Status == models.StatusPendingVerification && o.PaymentDeadline != nil {
		fmt.Fprintf(&body, "Confirma tu transferencia antes de %s.\n", o.PaymentDeadline.Format("2006-01-02 15:04 MST"))
	}

	m := gopkgmail.NewMessage()
	m.SetHeader("From", s.from)
	m.SetHeader("To", o.CustomerInfo.Email)
	m.SetHeader("Subject", fmt.Sprintf("Pedido %s recibido", o.ID))
	m.SetBody("text/plain", body.String())
	return m
}
