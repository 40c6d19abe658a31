package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/ledgerline/billing/internal/billing"
	"github.com/ledgerline/billing/internal/models"
)

// Gorm implements InvoiceStore, TemplateStore and GenerationStore on top of
// a *gorm.DB (postgres in production, sqlite in tests and dev). The DB must
// be opened with TranslateError so unique violations surface as
// gorm.ErrDuplicatedKey on both drivers.
type Gorm struct {
	db *gorm.DB
}

func NewGorm(db *gorm.DB) *Gorm { return &Gorm{db: db} }

// wrap maps driver errors onto the engine's error kinds. Anything that is
// not a not-found or duplicate is treated as retryable storage failure.
func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%s: %w", op, billing.ErrNotFound)
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%s: %w: %v", op, billing.ErrStoreUnavailable, err)
}

// --- InvoiceStore ---

func (s *Gorm) Get(ctx context.Context, id uint) (*models.Invoice, error) {
	var inv models.Invoice
	if err := s.db.WithContext(ctx).Preload("LineItems").First(&inv, id).Error; err != nil {
		return nil, wrap("get invoice", err)
	}
	return &inv, nil
}

func (s *Gorm) GetByOccurrence(ctx context.Context, templateID uint, occurrence time.Time) (*models.Invoice, error) {
	var inv models.Invoice
	err := s.db.WithContext(ctx).Preload("LineItems").
		Where("template_id = ? AND occurrence_date = ?", templateID, occurrence).
		First(&inv).Error
	if err != nil {
		return nil, wrap("get invoice by occurrence", err)
	}
	return &inv, nil
}

func (s *Gorm) Create(ctx context.Context, inv *models.Invoice) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return createInvoiceTx(tx, inv)
	})
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		// Only the occurrence pair means the instance was already generated;
		// a collision on public_id or (owner_id, number) is a write conflict.
		if inv.TemplateID != nil && inv.OccurrenceDate != nil {
			return fmt.Errorf("create invoice: %w", billing.ErrAlreadyGenerated)
		}
		return fmt.Errorf("create invoice: %w", billing.ErrConcurrentModification)
	}
	return wrap("create invoice", err)
}

// createInvoiceTx claims the next per-owner number (when unset) and inserts
// the invoice, inside the caller's transaction.
func createInvoiceTx(tx *gorm.DB, inv *models.Invoice) error {
	if inv.Number == "" {
		n, err := nextNumberTx(tx, inv.OwnerID)
		if err != nil {
			return err
		}
		inv.Number = fmt.Sprintf("INV-%05d", n)
	}
	return tx.Create(inv).Error
}

// nextNumberTx increments the owner's sequence row atomically; the row is
// created lazily on first use.
func nextNumberTx(tx *gorm.DB, ownerID uint) (int64, error) {
	res := tx.Model(&models.InvoiceSequence{}).
		Where("owner_id = ?", ownerID).
		UpdateColumn("last_value", gorm.Expr("last_value + 1"))
	if res.Error != nil {
		return 0, res.Error
	}
	if res.RowsAffected == 0 {
		if err := tx.Create(&models.InvoiceSequence{OwnerID: ownerID, LastValue: 1}).Error; err != nil {
			if !errors.Is(err, gorm.ErrDuplicatedKey) {
				return 0, err
			}
			// Another creator won the race to insert the row; retry the bump.
			res = tx.Model(&models.InvoiceSequence{}).
				Where("owner_id = ?", ownerID).
				UpdateColumn("last_value", gorm.Expr("last_value + 1"))
			if res.Error != nil {
				return 0, res.Error
			}
		}
	}
	var seq models.InvoiceSequence
	if err := tx.First(&seq, "owner_id = ?", ownerID).Error; err != nil {
		return 0, err
	}
	return seq.LastValue, nil
}

func (s *Gorm) Update(ctx context.Context, inv *models.Invoice) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// Replace line items wholesale; partial item edits arrive as the full
		// new set with totals already recomputed.
		if err := tx.Where("invoice_id = ?", inv.ID).Delete(&models.LineItem{}).Error; err != nil {
			return err
		}
		for i := range inv.LineItems {
			inv.LineItems[i].ID = 0
			inv.LineItems[i].InvoiceID = inv.ID
		}
		return tx.Save(inv).Error
	})
	return wrap("update invoice", err)
}

func (s *Gorm) Delete(ctx context.Context, id uint) error {
	res := s.db.WithContext(ctx).Delete(&models.Invoice{}, id)
	if res.Error != nil {
		return wrap("delete invoice", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("delete invoice: %w", billing.ErrNotFound)
	}
	return nil
}

func (s *Gorm) QueryByOwner(ctx context.Context, ownerID uint, f InvoiceFilter) ([]models.Invoice, error) {
	q := s.db.WithContext(ctx).Preload("LineItems").Where("owner_id = ?", ownerID)
	if f.Status != "" {
		q = q.Where("status = ?", f.Status)
	}
	if f.RecurringOnly {
		q = q.Where("recurring = ?", true)
	}
	if f.TemplateID != nil {
		q = q.Where("template_id = ?", *f.TemplateID)
	}
	if f.Limit > 0 {
		q = q.Limit(f.Limit)
	}
	if f.Offset > 0 {
		q = q.Offset(f.Offset)
	}
	var invs []models.Invoice
	if err := q.Order("id desc").Find(&invs).Error; err != nil {
		return nil, wrap("query invoices", err)
	}
	return invs, nil
}

func (s *Gorm) MarkOverdue(ctx context.Context, now time.Time) (int64, error) {
	res := s.db.WithContext(ctx).Model(&models.Invoice{}).
		Where("status = ? AND due_date < ?", models.StatusPending, now).
		Update("status", models.StatusOverdue)
	if res.Error != nil {
		return 0, wrap("mark overdue", res.Error)
	}
	return res.RowsAffected, nil
}

// --- TemplateStore ---

func (s *Gorm) GetTemplate(ctx context.Context, id uint) (*models.RecurringTemplate, error) {
	var t models.RecurringTemplate
	if err := s.db.WithContext(ctx).Preload("LineItems").First(&t, id).Error; err != nil {
		return nil, wrap("get template", err)
	}
	return &t, nil
}

func (s *Gorm) CreateTemplate(ctx context.Context, t *models.RecurringTemplate) error {
	return wrap("create template", s.db.WithContext(ctx).Create(t).Error)
}

func (s *Gorm) UpdateTemplate(ctx context.Context, t *models.RecurringTemplate) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("template_id = ?", t.ID).Delete(&models.TemplateLineItem{}).Error; err != nil {
			return err
		}
		for i := range t.LineItems {
			t.LineItems[i].ID = 0
			t.LineItems[i].TemplateID = t.ID
		}
		return tx.Save(t).Error
	})
	return wrap("update template", err)
}

func (s *Gorm) DeleteTemplate(ctx context.Context, id uint) error {
	res := s.db.WithContext(ctx).Delete(&models.RecurringTemplate{}, id)
	if res.Error != nil {
		return wrap("delete template", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("delete template: %w", billing.ErrNotFound)
	}
	return nil
}

func (s *Gorm) QueryDue(ctx context.Context, now time.Time) ([]models.RecurringTemplate, error) {
	var ts []models.RecurringTemplate
	err := s.db.WithContext(ctx).Preload("LineItems").
		Where("is_active = ? AND next_occurrence_date <= ?", true, now).
		Where("end_date IS NULL OR next_occurrence_date <= end_date").
		Order("next_occurrence_date asc").
		Find(&ts).Error
	if err != nil {
		return nil, wrap("query due templates", err)
	}
	return ts, nil
}

func (s *Gorm) TemplatesByOwner(ctx context.Context, ownerID uint) ([]models.RecurringTemplate, error) {
	var ts []models.RecurringTemplate
	err := s.db.WithContext(ctx).Preload("LineItems").
		Where("owner_id = ?", ownerID).Order("id desc").Find(&ts).Error
	if err != nil {
		return nil, wrap("query templates", err)
	}
	return ts, nil
}

func (s *Gorm) SetActive(ctx context.Context, id uint, active bool) error {
	res := s.db.WithContext(ctx).Model(&models.RecurringTemplate{}).
		Where("id = ?", id).Update("is_active", active)
	if res.Error != nil {
		return wrap("set template active", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("set template active: %w", billing.ErrNotFound)
	}
	return nil
}

func (s *Gorm) Advance(ctx context.Context, adv TemplateAdvance) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return advanceTx(tx, adv)
	})
}

// advanceTx is the CAS schedule step: it only applies while the stored
// next_occurrence_date still equals adv.From, so two writers can never both
// advance the same occurrence.
func advanceTx(tx *gorm.DB, adv TemplateAdvance) error {
	updates := map[string]any{
		"next_occurrence_date": adv.Next,
		"total_generated":      gorm.Expr("total_generated + 1"),
		"last_generated_at":    adv.GeneratedAt,
	}
	if adv.Deactivate {
		updates["is_active"] = false
	}
	res := tx.Model(&models.RecurringTemplate{}).
		Where("id = ? AND next_occurrence_date = ?", adv.TemplateID, adv.From).
		Updates(updates)
	if res.Error != nil {
		return wrap("advance template", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("advance template %d: %w", adv.TemplateID, billing.ErrConcurrentModification)
	}
	return nil
}

// --- GenerationStore ---

func (s *Gorm) GenerateAndAdvance(ctx context.Context, inv *models.Invoice, adv TemplateAdvance) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := createInvoiceTx(tx, inv); err != nil {
			return err
		}
		return advanceTx(tx, adv)
	})
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		// The (template_id, occurrence_date) unique index fired: another
		// writer already generated this occurrence.
		return fmt.Errorf("generate from template %d: %w", adv.TemplateID, billing.ErrAlreadyGenerated)
	}
	if err != nil && !errors.Is(err, billing.ErrConcurrentModification) {
		return wrap("generate and advance", err)
	}
	return err
}
