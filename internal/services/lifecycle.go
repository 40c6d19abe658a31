package services

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/samber/lo"

	"github.com/ledgerline/billing/internal/billing"
	"github.com/ledgerline/billing/internal/models"
	"github.com/ledgerline/billing/internal/store"
)

// Lifecycle owns every explicit invoice transition and the template CRUD
// surface. All system-initiated movement (pending to overdue) stays
// read-time only, via billing.ResolveStatus.
type Lifecycle struct {
	invoices  store.InvoiceStore
	templates store.TemplateStore
	clock     billing.Clock
	stats     CustomerStatsUpdater
	notifier  NotificationSender
	links     PaymentLinkGenerator
	log       zerolog.Logger
}

func NewLifecycle(
	invoices store.InvoiceStore,
	templates store.TemplateStore,
	clock billing.Clock,
	stats CustomerStatsUpdater,
	notifier NotificationSender,
	links PaymentLinkGenerator,
	log zerolog.Logger,
) *Lifecycle {
	return &Lifecycle{
		invoices:  invoices,
		templates: templates,
		clock:     clock,
		stats:     stats,
		notifier:  notifier,
		links:     links,
		log:       log.With().Str("component", "lifecycle").Logger(),
	}
}

type LineItemInput struct {
	Description string  `json:"description"`
	Quantity    float64 `json:"quantity"`
	UnitPrice   float64 `json:"unit_price"`
	TaxPercent  float64 `json:"tax_percent"`
}

type CreateInvoiceInput struct {
	OwnerID     uint
	LineItems   []LineItemInput
	ClientEmail string
	ClientName  string
	ClientPhone string
	DueDate     time.Time

	Draft      bool
	Paid       bool
	PaidMethod string
	SendNow    bool

	Recurring    bool
	Frequency    models.Frequency
	EndDate      *time.Time
	DueGraceDays int
}

func validateLineItems(items []LineItemInput) error {
	if len(items) == 0 {
		return billing.Invalid("lineItems", "at least one line item is required")
	}
	for i, it := range items {
		if it.Quantity <= 0 {
			return billing.Invalid(fmt.Sprintf("lineItems[%d].quantity", i), "must be positive")
		}
		if it.UnitPrice < 0 {
			return billing.Invalid(fmt.Sprintf("lineItems[%d].unitPrice", i), "must not be negative")
		}
		if it.TaxPercent < 0 || it.TaxPercent > 100 {
			return billing.Invalid(fmt.Sprintf("lineItems[%d].taxPercent", i), "must be between 0 and 100")
		}
	}
	return nil
}

func (in *CreateInvoiceInput) validate() error {
	if err := validateLineItems(in.LineItems); err != nil {
		return err
	}
	if in.ClientEmail == "" {
		return billing.Invalid("clientEmail", "required")
	}
	if in.DueDate.IsZero() {
		return billing.Invalid("dueDate", "required")
	}
	if in.Paid && in.Draft {
		return billing.Invalid("status", "cannot be both draft and paid")
	}
	if in.Paid && in.PaidMethod == "" {
		return billing.Invalid("paidMethod", "required when created as paid")
	}
	if in.Paid && in.Recurring {
		// A paid-at-creation invoice cannot double as the live first instance
		// of a recurring template.
		return billing.Invalid("recurring", "a paid invoice cannot start a recurring schedule")
	}
	if in.Recurring && !in.Frequency.Valid() {
		return billing.Invalid("frequency", "must be weekly, monthly, quarterly or yearly")
	}
	if in.Recurring && in.EndDate != nil && in.EndDate.Before(in.DueDate) {
		return billing.Invalid("endDate", "must not precede the first due date")
	}
	return nil
}

func toLineItems(items []LineItemInput) []models.LineItem {
	return lo.Map(items, func(it LineItemInput, _ int) models.LineItem {
		return models.LineItem{
			Description: it.Description,
			Quantity:    it.Quantity,
			UnitPrice:   it.UnitPrice,
			TaxPercent:  it.TaxPercent,
		}
	})
}

// Create persists a new invoice. Status starts pending unless the caller
// asked for draft or paid-at-creation. When the recurring flag is set, the
// matching template is created alongside, scheduled for the occurrence after
// this immediate first instance.
func (l *Lifecycle) Create(ctx context.Context, in CreateInvoiceInput) (*models.Invoice, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}
	now := l.clock.Now()
	inv := &models.Invoice{
		PublicID:    uuid.NewString(),
		OwnerID:     in.OwnerID,
		LineItems:   toLineItems(in.LineItems),
		ClientEmail: in.ClientEmail,
		ClientName:  in.ClientName,
		ClientPhone: in.ClientPhone,
		Status:      models.StatusPending,
		DueDate:     in.DueDate,
		Recurring:   in.Recurring,
	}
	switch {
	case in.Draft:
		inv.Status = models.StatusDraft
	case in.Paid:
		inv.Status = models.StatusPaid
		inv.PaidAt = &now
		inv.PaidMethod = in.PaidMethod
	}
	if in.Recurring {
		inv.RecurringFrequency = in.Frequency
		inv.RecurringEndDate = in.EndDate
	}
	inv.ComputeAmount()
	inv.PaymentLink = l.links.Link(inv.PublicID, inv.Amount)

	if err := l.invoices.Create(ctx, inv); err != nil {
		return nil, err
	}

	if in.Recurring {
		tpl := &models.RecurringTemplate{
			OwnerID:     in.OwnerID,
			ClientEmail: in.ClientEmail,
			ClientName:  in.ClientName,
			ClientPhone: in.ClientPhone,
			Frequency:   in.Frequency,
			StartDate:   in.DueDate,
			// The invoice just created covers the start date, so the schedule
			// begins one step later.
			NextOccurrenceDate: billing.NextOccurrence(in.DueDate, in.Frequency),
			EndDate:            in.EndDate,
			DueGraceDays:       in.DueGraceDays,
			IsActive:           true,
			LineItems: lo.Map(in.LineItems, func(it LineItemInput, _ int) models.TemplateLineItem {
				return models.TemplateLineItem{
					Description: it.Description,
					Quantity:    it.Quantity,
					UnitPrice:   it.UnitPrice,
					TaxPercent:  it.TaxPercent,
				}
			}),
		}
		if err := l.templates.CreateTemplate(ctx, tpl); err != nil {
			return nil, fmt.Errorf("invoice %s created but template failed: %w", inv.Number, err)
		}
		tid := tpl.ID
		inv.TemplateID = &tid
		occ := in.DueDate
		inv.OccurrenceDate = &occ
		if err := l.invoices.Update(ctx, inv); err != nil {
			return nil, err
		}
	}

	l.notifyAsync(*inv, in.SendNow)
	l.recordStatsAsync(inv.ClientEmail, inv.Amount, inv.Status == models.StatusPaid)
	return inv, nil
}

// ownedInvoice fetches an invoice and hides it from every other owner.
// A cross-owner id reports not found rather than leaking existence.
func (l *Lifecycle) ownedInvoice(ctx context.Context, ownerID, id uint) (*models.Invoice, error) {
	inv, err := l.invoices.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if inv.OwnerID != ownerID {
		return nil, fmt.Errorf("invoice %d: %w", id, billing.ErrNotFound)
	}
	return inv, nil
}

func (l *Lifecycle) ownedTemplate(ctx context.Context, ownerID, id uint) (*models.RecurringTemplate, error) {
	tpl, err := l.templates.GetTemplate(ctx, id)
	if err != nil {
		return nil, err
	}
	if tpl.OwnerID != ownerID {
		return nil, fmt.Errorf("template %d: %w", id, billing.ErrNotFound)
	}
	return tpl, nil
}

// MarkPaid transitions an invoice to paid. Legal only from an effective
// pending or overdue state; anything else is rejected untouched.
func (l *Lifecycle) MarkPaid(ctx context.Context, ownerID, id uint, method string) (*models.Invoice, error) {
	if method == "" {
		return nil, billing.Invalid("paidMethod", "required")
	}
	inv, err := l.ownedInvoice(ctx, ownerID, id)
	if err != nil {
		return nil, err
	}
	now := l.clock.Now()
	switch billing.ResolveStatus(inv.Status, inv.DueDate, now) {
	case models.StatusPending, models.StatusOverdue:
	default:
		return nil, fmt.Errorf("mark paid from %s: %w", inv.Status, billing.ErrInvalidTransition)
	}
	inv.Status = models.StatusPaid
	inv.PaidAt = &now
	inv.PaidMethod = method
	if err := l.invoices.Update(ctx, inv); err != nil {
		return nil, err
	}
	l.recordStatsAsync(inv.ClientEmail, inv.Amount, true)
	return inv, nil
}

// Cancel is legal from any non-terminal state and irreversible.
func (l *Lifecycle) Cancel(ctx context.Context, ownerID, id uint) (*models.Invoice, error) {
	inv, err := l.ownedInvoice(ctx, ownerID, id)
	if err != nil {
		return nil, err
	}
	if inv.Status.Terminal() {
		return nil, fmt.Errorf("cancel from %s: %w", inv.Status, billing.ErrInvalidTransition)
	}
	inv.Status = models.StatusCancelled
	if err := l.invoices.Update(ctx, inv); err != nil {
		return nil, err
	}
	return inv, nil
}

// EditInvoiceInput carries partial updates; nil means leave unchanged.
type EditInvoiceInput struct {
	ClientEmail *string
	ClientName  *string
	ClientPhone *string
	DueDate     *time.Time
	LineItems   *[]LineItemInput
}

// Edit applies field changes while the invoice is still editable (not paid,
// not cancelled) and recomputes the amount whenever line items change.
func (l *Lifecycle) Edit(ctx context.Context, ownerID, id uint, in EditInvoiceInput) (*models.Invoice, error) {
	inv, err := l.ownedInvoice(ctx, ownerID, id)
	if err != nil {
		return nil, err
	}
	if inv.Status.Terminal() {
		return nil, fmt.Errorf("edit in %s: %w", inv.Status, billing.ErrInvalidTransition)
	}
	if in.ClientEmail != nil {
		if *in.ClientEmail == "" {
			return nil, billing.Invalid("clientEmail", "required")
		}
		inv.ClientEmail = *in.ClientEmail
	}
	if in.ClientName != nil {
		inv.ClientName = *in.ClientName
	}
	if in.ClientPhone != nil {
		inv.ClientPhone = *in.ClientPhone
	}
	if in.DueDate != nil {
		if in.DueDate.IsZero() {
			return nil, billing.Invalid("dueDate", "required")
		}
		inv.DueDate = *in.DueDate
	}
	if in.LineItems != nil {
		if err := validateLineItems(*in.LineItems); err != nil {
			return nil, err
		}
		inv.LineItems = toLineItems(*in.LineItems)
	}
	inv.ComputeAmount()
	if err := l.invoices.Update(ctx, inv); err != nil {
		return nil, err
	}
	return inv, nil
}

// Get returns the invoice with its effective status resolved.
func (l *Lifecycle) Get(ctx context.Context, ownerID, id uint) (*models.Invoice, error) {
	inv, err := l.ownedInvoice(ctx, ownerID, id)
	if err != nil {
		return nil, err
	}
	inv.Status = billing.ResolveStatus(inv.Status, inv.DueDate, l.clock.Now())
	return inv, nil
}

// ListFilter narrows List by effective status.
type ListFilter struct {
	Status        models.InvoiceStatus
	RecurringOnly bool
	Limit         int
	Offset        int
}

// List returns the owner's invoices with statuses resolved. Filtering on the
// pending/overdue pair happens after resolution since the stored column is
// only a hint there.
func (l *Lifecycle) List(ctx context.Context, ownerID uint, f ListFilter) ([]models.Invoice, error) {
	sf := store.InvoiceFilter{RecurringOnly: f.RecurringOnly, Limit: f.Limit, Offset: f.Offset}
	switch f.Status {
	case "", models.StatusPending, models.StatusOverdue:
		// resolve first, filter after
	default:
		sf.Status = f.Status
	}
	invs, err := l.invoices.QueryByOwner(ctx, ownerID, sf)
	if err != nil {
		return nil, err
	}
	now := l.clock.Now()
	invs = lo.Map(invs, func(inv models.Invoice, _ int) models.Invoice {
		inv.Status = billing.ResolveStatus(inv.Status, inv.DueDate, now)
		return inv
	})
	if f.Status != "" {
		invs = lo.Filter(invs, func(inv models.Invoice, _ int) bool {
			return inv.Status == f.Status
		})
	}
	return invs, nil
}

// --- template surface ---

type CreateTemplateInput struct {
	OwnerID       uint
	FromInvoiceID *uint
	LineItems     []LineItemInput
	ClientEmail   string
	ClientName    string
	ClientPhone   string
	Frequency     models.Frequency
	StartDate     time.Time
	EndDate       *time.Time
	DueGraceDays  int
}

// CreateTemplate registers a recurring schedule, optionally seeded from an
// existing invoice's items and client info. The first occurrence is the
// start date itself.
func (l *Lifecycle) CreateTemplate(ctx context.Context, in CreateTemplateInput) (*models.RecurringTemplate, error) {
	if in.FromInvoiceID != nil {
		src, err := l.ownedInvoice(ctx, in.OwnerID, *in.FromInvoiceID)
		if err != nil {
			return nil, err
		}
		if len(in.LineItems) == 0 {
			in.LineItems = lo.Map(src.LineItems, func(it models.LineItem, _ int) LineItemInput {
				return LineItemInput{
					Description: it.Description,
					Quantity:    it.Quantity,
					UnitPrice:   it.UnitPrice,
					TaxPercent:  it.TaxPercent,
				}
			})
		}
		if in.ClientEmail == "" {
			in.ClientEmail = src.ClientEmail
			in.ClientName = src.ClientName
			in.ClientPhone = src.ClientPhone
		}
	}
	if err := validateLineItems(in.LineItems); err != nil {
		return nil, err
	}
	if in.ClientEmail == "" {
		return nil, billing.Invalid("clientEmail", "required")
	}
	if !in.Frequency.Valid() {
		return nil, billing.Invalid("frequency", "must be weekly, monthly, quarterly or yearly")
	}
	if in.StartDate.IsZero() {
		return nil, billing.Invalid("startDate", "required")
	}
	if in.EndDate != nil && in.EndDate.Before(in.StartDate) {
		return nil, billing.Invalid("endDate", "must not precede the start date")
	}
	if in.DueGraceDays < 0 {
		return nil, billing.Invalid("dueGraceDays", "must not be negative")
	}
	tpl := &models.RecurringTemplate{
		OwnerID:            in.OwnerID,
		ClientEmail:        in.ClientEmail,
		ClientName:         in.ClientName,
		ClientPhone:        in.ClientPhone,
		Frequency:          in.Frequency,
		StartDate:          in.StartDate,
		NextOccurrenceDate: in.StartDate,
		EndDate:            in.EndDate,
		DueGraceDays:       in.DueGraceDays,
		IsActive:           true,
		LineItems: lo.Map(in.LineItems, func(it LineItemInput, _ int) models.TemplateLineItem {
			return models.TemplateLineItem{
				Description: it.Description,
				Quantity:    it.Quantity,
				UnitPrice:   it.UnitPrice,
				TaxPercent:  it.TaxPercent,
			}
		}),
	}
	if err := l.templates.CreateTemplate(ctx, tpl); err != nil {
		return nil, err
	}
	return tpl, nil
}

// PauseTemplate and ResumeTemplate flip the active flag; resuming a template
// already past its end date is rejected.
func (l *Lifecycle) PauseTemplate(ctx context.Context, ownerID, id uint) error {
	if _, err := l.ownedTemplate(ctx, ownerID, id); err != nil {
		return err
	}
	return l.templates.SetActive(ctx, id, false)
}

func (l *Lifecycle) ResumeTemplate(ctx context.Context, ownerID, id uint) error {
	tpl, err := l.ownedTemplate(ctx, ownerID, id)
	if err != nil {
		return err
	}
	if tpl.EndDate != nil && tpl.NextOccurrenceDate.After(*tpl.EndDate) {
		return fmt.Errorf("resume expired template: %w", billing.ErrInvalidTransition)
	}
	return l.templates.SetActive(ctx, id, true)
}

func (l *Lifecycle) DeleteTemplate(ctx context.Context, ownerID, id uint) error {
	if _, err := l.ownedTemplate(ctx, ownerID, id); err != nil {
		return err
	}
	return l.templates.DeleteTemplate(ctx, id)
}

func (l *Lifecycle) ListTemplates(ctx context.Context, ownerID uint) ([]models.RecurringTemplate, error) {
	return l.templates.TemplatesByOwner(ctx, ownerID)
}

// --- fire-and-forget collaborators ---

func (l *Lifecycle) notifyAsync(inv models.Invoice, sendNow bool) {
	if !sendNow || l.notifier == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := l.notifier.Send(ctx, inv, inv.PaymentLink); err != nil {
			l.log.Warn().Err(err).Str("invoice", inv.Number).Msg("notification failed")
		}
	}()
}

func (l *Lifecycle) recordStatsAsync(customerEmail string, amount float64, paid bool) {
	if l.stats == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := l.stats.RecordInvoice(ctx, customerEmail, amount, paid); err != nil {
			l.log.Warn().Err(err).Str("customer", customerEmail).Msg("stats update failed")
		}
	}()
}
