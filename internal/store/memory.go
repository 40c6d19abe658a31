package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ledgerline/billing/internal/billing"
	"github.com/ledgerline/billing/internal/models"
)

// Memory is the reference in-process implementation of the store contracts.
// A single mutex serializes writes, which trivially gives the same atomicity
// the gorm implementation gets from transactions; the CAS semantics of
// Advance are kept identical so scheduler behavior matches across backends.
type Memory struct {
	mu        sync.Mutex
	invoices  map[uint]*models.Invoice
	templates map[uint]*models.RecurringTemplate
	sequences map[uint]int64
	nextInv   uint
	nextTpl   uint
}

func NewMemory() *Memory {
	return &Memory{
		invoices:  make(map[uint]*models.Invoice),
		templates: make(map[uint]*models.RecurringTemplate),
		sequences: make(map[uint]int64),
	}
}

func copyInvoice(inv *models.Invoice) *models.Invoice {
	c := *inv
	c.LineItems = append([]models.LineItem(nil), inv.LineItems...)
	return &c
}

func copyTemplate(t *models.RecurringTemplate) *models.RecurringTemplate {
	c := *t
	c.LineItems = append([]models.TemplateLineItem(nil), t.LineItems...)
	return &c
}

// --- InvoiceStore ---

func (m *Memory) Get(_ context.Context, id uint) (*models.Invoice, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inv, ok := m.invoices[id]
	if !ok {
		return nil, fmt.Errorf("get invoice %d: %w", id, billing.ErrNotFound)
	}
	return copyInvoice(inv), nil
}

func (m *Memory) GetByOccurrence(_ context.Context, templateID uint, occurrence time.Time) (*models.Invoice, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, inv := range m.invoices {
		if inv.TemplateID != nil && *inv.TemplateID == templateID &&
			inv.OccurrenceDate != nil && inv.OccurrenceDate.Equal(occurrence) {
			return copyInvoice(inv), nil
		}
	}
	return nil, fmt.Errorf("get invoice by occurrence: %w", billing.ErrNotFound)
}

func (m *Memory) Create(_ context.Context, inv *models.Invoice) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.createLocked(inv)
}

func (m *Memory) createLocked(inv *models.Invoice) error {
	if inv.TemplateID != nil && inv.OccurrenceDate != nil {
		for _, existing := range m.invoices {
			if existing.TemplateID != nil && *existing.TemplateID == *inv.TemplateID &&
				existing.OccurrenceDate != nil && existing.OccurrenceDate.Equal(*inv.OccurrenceDate) {
				return fmt.Errorf("create invoice: %w", billing.ErrAlreadyGenerated)
			}
		}
	}
	if inv.Number == "" {
		m.sequences[inv.OwnerID]++
		inv.Number = fmt.Sprintf("INV-%05d", m.sequences[inv.OwnerID])
	}
	m.nextInv++
	inv.ID = m.nextInv
	m.invoices[inv.ID] = copyInvoice(inv)
	return nil
}

func (m *Memory) Update(_ context.Context, inv *models.Invoice) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.invoices[inv.ID]; !ok {
		return fmt.Errorf("update invoice %d: %w", inv.ID, billing.ErrNotFound)
	}
	m.invoices[inv.ID] = copyInvoice(inv)
	return nil
}

func (m *Memory) Delete(_ context.Context, id uint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.invoices[id]; !ok {
		return fmt.Errorf("delete invoice %d: %w", id, billing.ErrNotFound)
	}
	delete(m.invoices, id)
	return nil
}

func (m *Memory) QueryByOwner(_ context.Context, ownerID uint, f InvoiceFilter) ([]models.Invoice, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Invoice
	for _, inv := range m.invoices {
		if inv.OwnerID != ownerID {
			continue
		}
		if f.Status != "" && inv.Status != f.Status {
			continue
		}
		if f.RecurringOnly && !inv.Recurring {
			continue
		}
		if f.TemplateID != nil && (inv.TemplateID == nil || *inv.TemplateID != *f.TemplateID) {
			continue
		}
		out = append(out, *copyInvoice(inv))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	if f.Offset > 0 {
		if f.Offset >= len(out) {
			return nil, nil
		}
		out = out[f.Offset:]
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (m *Memory) MarkOverdue(_ context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, inv := range m.invoices {
		if inv.Status == models.StatusPending && inv.DueDate.Before(now) {
			inv.Status = models.StatusOverdue
			n++
		}
	}
	return n, nil
}

// --- TemplateStore ---

func (m *Memory) GetTemplate(_ context.Context, id uint) (*models.RecurringTemplate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.templates[id]
	if !ok {
		return nil, fmt.Errorf("get template %d: %w", id, billing.ErrNotFound)
	}
	return copyTemplate(t), nil
}

func (m *Memory) CreateTemplate(_ context.Context, t *models.RecurringTemplate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextTpl++
	t.ID = m.nextTpl
	m.templates[t.ID] = copyTemplate(t)
	return nil
}

func (m *Memory) UpdateTemplate(_ context.Context, t *models.RecurringTemplate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.templates[t.ID]; !ok {
		return fmt.Errorf("update template %d: %w", t.ID, billing.ErrNotFound)
	}
	m.templates[t.ID] = copyTemplate(t)
	return nil
}

func (m *Memory) DeleteTemplate(_ context.Context, id uint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.templates[id]; !ok {
		return fmt.Errorf("delete template %d: %w", id, billing.ErrNotFound)
	}
	delete(m.templates, id)
	return nil
}

func (m *Memory) QueryDue(_ context.Context, now time.Time) ([]models.RecurringTemplate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.RecurringTemplate
	for _, t := range m.templates {
		if t.DueAt(now) {
			out = append(out, *copyTemplate(t))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].NextOccurrenceDate.Before(out[j].NextOccurrenceDate)
	})
	return out, nil
}

func (m *Memory) TemplatesByOwner(_ context.Context, ownerID uint) ([]models.RecurringTemplate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.RecurringTemplate
	for _, t := range m.templates {
		if t.OwnerID == ownerID {
			out = append(out, *copyTemplate(t))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return out, nil
}

func (m *Memory) SetActive(_ context.Context, id uint, active bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.templates[id]
	if !ok {
		return fmt.Errorf("set template active %d: %w", id, billing.ErrNotFound)
	}
	t.IsActive = active
	return nil
}

func (m *Memory) Advance(_ context.Context, adv TemplateAdvance) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.advanceLocked(adv)
}

func (m *Memory) advanceLocked(adv TemplateAdvance) error {
	t, ok := m.templates[adv.TemplateID]
	if !ok {
		return fmt.Errorf("advance template %d: %w", adv.TemplateID, billing.ErrNotFound)
	}
	if !t.NextOccurrenceDate.Equal(adv.From) {
		return fmt.Errorf("advance template %d: %w", adv.TemplateID, billing.ErrConcurrentModification)
	}
	t.NextOccurrenceDate = adv.Next
	t.TotalGenerated++
	gen := adv.GeneratedAt
	t.LastGeneratedAt = &gen
	if adv.Deactivate {
		t.IsActive = false
	}
	return nil
}

// --- GenerationStore ---

func (m *Memory) GenerateAndAdvance(_ context.Context, inv *models.Invoice, adv TemplateAdvance) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	// Check the CAS before inserting so a lost race leaves no orphan row;
	// under one mutex this is equivalent to the SQL transaction.
	if t, ok := m.templates[adv.TemplateID]; !ok || !t.NextOccurrenceDate.Equal(adv.From) {
		return fmt.Errorf("generate from template %d: %w", adv.TemplateID, billing.ErrConcurrentModification)
	}
	if err := m.createLocked(inv); err != nil {
		return err
	}
	return m.advanceLocked(adv)
}
