package services

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/ledgerline/billing/internal/models"
)

// CustomerStatsUpdater receives per-customer counters after invoice creation
// and payment. Best-effort: callers invoke it fire-and-forget and only log
// failures, never roll back the invoice write.
type CustomerStatsUpdater interface {
	RecordInvoice(ctx context.Context, customerEmail string, amount float64, paid bool) error
}

// NotificationSender delivers a fully-resolved invoice plus its payment
// link. The engine supplies data and a send-now decision, nothing else.
type NotificationSender interface {
	Send(ctx context.Context, inv models.Invoice, paymentLink string) error
}

// PaymentLinkGenerator returns an opaque URL for an invoice; the engine
// stores it without interpreting it.
type PaymentLinkGenerator interface {
	Link(publicID string, amount float64) string
}

// LogStats is the default CustomerStatsUpdater: it only records the event in
// the log. Real aggregation lives outside the engine.
type LogStats struct {
	Log zerolog.Logger
}

func (s LogStats) RecordInvoice(_ context.Context, customerEmail string, amount float64, paid bool) error {
	s.Log.Debug().
		Str("customer", customerEmail).
		Float64("amount", amount).
		Bool("paid", paid).
		Msg("customer stats event")
	return nil
}

// LogNotifier is the default NotificationSender; it logs instead of mailing.
type LogNotifier struct {
	Log zerolog.Logger
}

func (n LogNotifier) Send(_ context.Context, inv models.Invoice, paymentLink string) error {
	n.Log.Info().
		Str("invoice", inv.Number).
		Str("to", inv.ClientEmail).
		Str("payment_link", paymentLink).
		Msg("invoice notification")
	return nil
}

// HostedLinks builds payment URLs under a fixed base, keyed by the invoice's
// public id.
type HostedLinks struct {
	BaseURL string
}

func (g HostedLinks) Link(publicID string, amount float64) string {
	return fmt.Sprintf("%s/pay/%s?amount=%.2f", g.BaseURL, publicID, amount)
}
