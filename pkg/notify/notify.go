// Package notify tells the requester that a saved image has been published.
package notify

import (
	"context"
	"errors"
	"fmt"
	"net/smtp"
	"strings"

	"github.com/cuemby/pdisk/pkg/config"
	"github.com/cuemby/pdisk/pkg/log"
	"github.com/cuemby/pdisk/pkg/types"
	"github.com/rs/zerolog"
)

// Notifier delivers a save event. Notifiers that are not configured for an
// event return nil without doing anything.
type Notifier interface {
	Notify(ctx context.Context, ev types.Event) error
}

// Multi fans an event out to every notifier and joins their errors
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, ev types.Event) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// New builds the notifiers enabled in cfg
func New(cfg config.NotifyConfig) Multi {
	var m Multi
	if cfg.SMTP.Addr != "" {
		m = append(m, NewEmailNotifier(cfg.SMTP))
	}
	if cfg.AMQP.URL != "" {
		m = append(m, NewQueueNotifier(cfg.AMQP))
	}
	return m
}

type sendMailFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

// EmailNotifier mails the address carried by the event
type EmailNotifier struct {
	cfg      config.SMTPConfig
	sendMail sendMailFunc
	logger   zerolog.Logger
}

// NewEmailNotifier creates a notifier sending through cfg.Addr
func NewEmailNotifier(cfg config.SMTPConfig) *EmailNotifier {
	return &EmailNotifier{
		cfg:      cfg,
		sendMail: smtp.SendMail,
		logger:   log.WithComponent("notify"),
	}
}

func (n *EmailNotifier) Notify(ctx context.Context, ev types.Event) error {
	if ev.Email == "" || n.cfg.Addr == "" {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	var auth smtp.Auth
	if n.cfg.Username != "" {
		host := n.cfg.Addr
		if i := strings.LastIndex(host, ":"); i >= 0 {
			host = host[:i]
		}
		auth = smtp.PlainAuth("", n.cfg.Username, n.cfg.Password, host)
	}

	if err := n.sendMail(n.cfg.Addr, auth, n.cfg.From, []string{ev.Email}, message(n.cfg.From, ev)); err != nil {
		return fmt.Errorf("failed to mail %s: %w", ev.Email, err)
	}
	n.logger.Info().Str("identifier", ev.Identifier).Str("to", ev.Email).Msg("Save notification mailed")
	return nil
}

func message(from string, ev types.Event) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", from)
	fmt.Fprintf(&b, "To: %s\r\n", ev.Email)
	fmt.Fprintf(&b, "Subject: Image %s saved\r\n", ev.Identifier)
	b.WriteString("Content-Type: text/plain; charset=utf-8\r\n\r\n")
	fmt.Fprintf(&b, "The disk of VM %s has been saved as a new image.\r\n\r\n", ev.VMID)
	fmt.Fprintf(&b, "Identifier: %s\r\n", ev.Identifier)
	fmt.Fprintf(&b, "Version:    %s\r\n", ev.Version)
	fmt.Fprintf(&b, "Location:   %s\r\n", ev.Location)
	fmt.Fprintf(&b, "Owner:      %s\r\n", ev.Owner)
	fmt.Fprintf(&b, "Created:    %s\r\n", ev.Created.UTC().Format("2006-01-02 15:04:05 MST"))
	if ev.Comment != "" {
		fmt.Fprintf(&b, "\r\n%s\r\n", ev.Comment)
	}
	return []byte(b.String())
}
