// Package store holds the durable-storage boundary for invoices and
// recurring templates, plus the gorm-backed and in-memory implementations.
package store

import (
	"context"
	"time"

	"github.com/ledgerline/billing/internal/models"
)

// InvoiceFilter narrows QueryByOwner. Status filters the stored column;
// effective-status filtering for the pending/overdue pair happens above the
// store, after resolution.
type InvoiceFilter struct {
	Status        models.InvoiceStatus
	RecurringOnly bool
	TemplateID    *uint
	Limit         int
	Offset        int
}

type InvoiceStore interface {
	Get(ctx context.Context, id uint) (*models.Invoice, error)
	// GetByOccurrence looks up the instance generated for a given template
	// occurrence; this is the read side of the idempotency token.
	GetByOccurrence(ctx context.Context, templateID uint, occurrence time.Time) (*models.Invoice, error)
	// Create persists a new invoice, assigning Number from the per-owner
	// sequence when empty.
	Create(ctx context.Context, inv *models.Invoice) error
	Update(ctx context.Context, inv *models.Invoice) error
	Delete(ctx context.Context, id uint) error
	QueryByOwner(ctx context.Context, ownerID uint, f InvoiceFilter) ([]models.Invoice, error)
	// MarkOverdue persists the resolved overdue status for stored-pending
	// invoices past due. Reconciliation only; readers never rely on it.
	MarkOverdue(ctx context.Context, now time.Time) (int64, error)
}

// TemplateAdvance is the atomic schedule step for one generated occurrence.
// From is the compare-and-swap key: the advance applies only if the stored
// next_occurrence_date still equals it.
type TemplateAdvance struct {
	TemplateID  uint
	From        time.Time
	Next        time.Time
	GeneratedAt time.Time
	Deactivate  bool
}

type TemplateStore interface {
	GetTemplate(ctx context.Context, id uint) (*models.RecurringTemplate, error)
	CreateTemplate(ctx context.Context, t *models.RecurringTemplate) error
	UpdateTemplate(ctx context.Context, t *models.RecurringTemplate) error
	DeleteTemplate(ctx context.Context, id uint) error
	QueryDue(ctx context.Context, now time.Time) ([]models.RecurringTemplate, error)
	TemplatesByOwner(ctx context.Context, ownerID uint) ([]models.RecurringTemplate, error)
	SetActive(ctx context.Context, id uint, active bool) error
	// Advance applies the CAS schedule step on its own; used to repair the
	// invoice-written-but-not-advanced case. Returns
	// billing.ErrConcurrentModification when the CAS key no longer matches.
	Advance(ctx context.Context, adv TemplateAdvance) error
}

// GenerationStore couples the instance insert and the template advance into
// one atomic unit, the only cross-entity write in the engine.
type GenerationStore interface {
	// GenerateAndAdvance persists inv and applies adv in a single
	// transaction. Returns billing.ErrAlreadyGenerated if an invoice for
	// (inv.TemplateID, inv.OccurrenceDate) already exists, and
	// billing.ErrConcurrentModification if the advance CAS loses.
	GenerateAndAdvance(ctx context.Context, inv *models.Invoice, adv TemplateAdvance) error
}
