package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/samber/lo"

	"github.com/ledgerline/billing/internal/billing"
	"github.com/ledgerline/billing/internal/models"
	"github.com/ledgerline/billing/internal/store"
)

// Scheduler turns elapsed time into invoice instances, exactly once per due
// occurrence. It holds no state between ticks: everything is re-derived from
// the store, so any number of scheduler processes may run concurrently. The
// (templateID, occurrenceDate) unique key and the CAS advance are what make
// that safe, regardless of which trigger fired.
type Scheduler struct {
	templates store.TemplateStore
	invoices  store.InvoiceStore
	gen       store.GenerationStore
	clock     billing.Clock
	links     PaymentLinkGenerator
	stats     CustomerStatsUpdater
	notifier  NotificationSender
	log       zerolog.Logger

	// retries per template on a lost CAS race before deferring to next tick
	maxRetries int
}

func NewScheduler(
	templates store.TemplateStore,
	invoices store.InvoiceStore,
	gen store.GenerationStore,
	clock billing.Clock,
	links PaymentLinkGenerator,
	stats CustomerStatsUpdater,
	notifier NotificationSender,
	log zerolog.Logger,
) *Scheduler {
	return &Scheduler{
		templates:  templates,
		invoices:   invoices,
		gen:        gen,
		clock:      clock,
		links:      links,
		stats:      stats,
		notifier:   notifier,
		log:        log.With().Str("component", "scheduler").Logger(),
		maxRetries: 3,
	}
}

// TickResult summarizes one scheduler pass.
type TickResult struct {
	Due       int `json:"due"`
	Generated int `json:"generated"`
	Skipped   int `json:"skipped"`
	Repaired  int `json:"repaired"`
}

// RunTick processes every currently-due template once. A storage outage
// aborts the pass; whatever was not processed stays due and is picked up on
// the next tick. A cancelled context stops between templates, never inside a
// generate-and-advance unit.
func (s *Scheduler) RunTick(ctx context.Context) (TickResult, error) {
	var res TickResult
	now := s.clock.Now()
	due, err := s.templates.QueryDue(ctx, now)
	if err != nil {
		return res, err
	}
	res.Due = len(due)
	ids := lo.Map(due, func(t models.RecurringTemplate, _ int) uint { return t.ID })
	for _, id := range ids {
		if ctx.Err() != nil {
			s.log.Info().Int("remaining", res.Due-res.Generated-res.Skipped-res.Repaired).
				Msg("tick interrupted, remaining templates stay due")
			return res, ctx.Err()
		}
		_, generated, err := s.GenerateFromTemplate(ctx, id)
		switch {
		case errors.Is(err, billing.ErrStoreUnavailable):
			s.log.Error().Err(err).Uint("template", id).Msg("store unavailable, aborting tick")
			return res, err
		case err != nil:
			// Includes exhausted CAS retries: the template stays due and is
			// retried next tick, nothing is lost.
			res.Skipped++
			s.log.Warn().Err(err).Uint("template", id).Msg("template skipped this tick")
		case generated:
			res.Generated++
		default:
			res.Repaired++
		}
	}
	s.log.Info().
		Int("due", res.Due).
		Int("generated", res.Generated).
		Int("repaired", res.Repaired).
		Int("skipped", res.Skipped).
		Time("now", now).
		Msg("tick complete")
	return res, nil
}

// GenerateFromTemplate runs the generate-and-advance unit for one template,
// retrying lost CAS races a bounded number of times. The bool result is true
// only when this call produced a new invoice; "already generated" comes back
// as (id, false, nil).
func (s *Scheduler) GenerateFromTemplate(ctx context.Context, templateID uint) (uint, bool, error) {
	var lastErr error
	for attempt := 0; attempt <= s.maxRetries; attempt++ {
		id, generated, err := s.tryGenerate(ctx, templateID)
		if err == nil || !errors.Is(err, billing.ErrConcurrentModification) {
			return id, generated, err
		}
		lastErr = err
		s.log.Debug().Uint("template", templateID).Int("attempt", attempt+1).
			Msg("advance raced, re-reading template")
	}
	return 0, false, fmt.Errorf("template %d: retries exhausted: %w", templateID, lastErr)
}

func (s *Scheduler) tryGenerate(ctx context.Context, templateID uint) (uint, bool, error) {
	// Re-read by id: the tick's query result may be stale by now.
	tpl, err := s.templates.GetTemplate(ctx, templateID)
	if err != nil {
		return 0, false, err
	}
	now := s.clock.Now()
	if !tpl.DueAt(now) {
		// Advanced by a concurrent caller (or paused/expired meanwhile).
		// Not an error; there is nothing to do.
		return 0, false, nil
	}
	occurrence := tpl.NextOccurrenceDate
	adv := s.advanceFor(tpl, now)

	// Idempotency pre-check: if the instance for this occurrence exists the
	// earlier attempt died between the invoice write and the advance. Repair
	// by retrying only the advance.
	if existing, err := s.invoices.GetByOccurrence(ctx, tpl.ID, occurrence); err == nil {
		if aerr := s.templates.Advance(ctx, adv); aerr != nil {
			return 0, false, aerr
		}
		return existing.ID, false, nil
	} else if !errors.Is(err, billing.ErrNotFound) {
		return 0, false, err
	}

	inv := s.invoiceFromTemplate(tpl, occurrence)
	if err := s.gen.GenerateAndAdvance(ctx, inv, adv); err != nil {
		if errors.Is(err, billing.ErrAlreadyGenerated) {
			// Lost the insert race after our pre-check; the winner's advance
			// may or may not have landed, so try it and accept a CAS loss.
			if aerr := s.templates.Advance(ctx, adv); aerr != nil && !errors.Is(aerr, billing.ErrConcurrentModification) {
				return 0, false, aerr
			}
			return 0, false, nil
		}
		return 0, false, err
	}
	s.log.Info().
		Uint("template", tpl.ID).
		Uint("invoice", inv.ID).
		Str("number", inv.Number).
		Time("occurrence", occurrence).
		Bool("deactivated", adv.Deactivate).
		Msg("invoice generated")
	s.afterGenerate(*inv)
	return inv.ID, true, nil
}

// advanceFor computes the schedule step for the template's current
// occurrence, flagging deactivation when the step passes the end date.
func (s *Scheduler) advanceFor(tpl *models.RecurringTemplate, now time.Time) store.TemplateAdvance {
	next := billing.NextOccurrence(tpl.NextOccurrenceDate, tpl.Frequency)
	return store.TemplateAdvance{
		TemplateID:  tpl.ID,
		From:        tpl.NextOccurrenceDate,
		Next:        next,
		GeneratedAt: now,
		Deactivate:  tpl.EndDate != nil && next.After(*tpl.EndDate),
	}
}

func (s *Scheduler) invoiceFromTemplate(tpl *models.RecurringTemplate, occurrence time.Time) *models.Invoice {
	tid := tpl.ID
	occ := occurrence
	inv := &models.Invoice{
		PublicID:    uuid.NewString(),
		OwnerID:     tpl.OwnerID,
		ClientEmail: tpl.ClientEmail,
		ClientName:  tpl.ClientName,
		ClientPhone: tpl.ClientPhone,
		Status:      models.StatusPending,
		DueDate:     occurrence.AddDate(0, 0, tpl.DueGraceDays),
		TemplateID:  &tid,
		OccurrenceDate: &occ,
		LineItems: lo.Map(tpl.LineItems, func(it models.TemplateLineItem, _ int) models.LineItem {
			return models.LineItem{
				Description: it.Description,
				Quantity:    it.Quantity,
				UnitPrice:   it.UnitPrice,
				TaxPercent:  it.TaxPercent,
			}
		}),
	}
	inv.ComputeAmount()
	inv.PaymentLink = s.links.Link(inv.PublicID, inv.Amount)
	return inv
}

func (s *Scheduler) afterGenerate(inv models.Invoice) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if s.notifier != nil {
			if err := s.notifier.Send(ctx, inv, inv.PaymentLink); err != nil {
				s.log.Warn().Err(err).Str("invoice", inv.Number).Msg("notification failed")
			}
		}
		if s.stats != nil {
			if err := s.stats.RecordInvoice(ctx, inv.ClientEmail, inv.Amount, false); err != nil {
				s.log.Warn().Err(err).Str("customer", inv.ClientEmail).Msg("stats update failed")
			}
		}
	}()
}

// Run drives RunTick on a fixed cadence until the context is cancelled. The
// first tick fires immediately so a restart never waits a full interval.
func (s *Scheduler) Run(ctx context.Context, interval time.Duration) {
	s.log.Info().Dur("interval", interval).Msg("scheduler started")
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if _, err := s.RunTick(ctx); err != nil && !errors.Is(err, context.Canceled) {
			s.log.Error().Err(err).Msg("tick failed")
		}
		select {
		case <-ctx.Done():
			s.log.Info().Msg("scheduler stopped")
			return
		case <-ticker.C:
		}
	}
}

// Reconcile persists resolved overdue statuses. Purely an optimization for
// reporting queries; readers keep resolving on their own.
func (s *Scheduler) Reconcile(ctx context.Context) (int64, error) {
	n, err := s.invoices.MarkOverdue(ctx, s.clock.Now())
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.log.Info().Int64("invoices", n).Msg("reconciled overdue statuses")
	}
	return n, nil
}
