package store

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/ledgerline/billing/internal/billing"
	"github.com/ledgerline/billing/internal/models"
)

func setupStore(t *testing.T) *Gorm {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		TranslateError: true,
		Logger:         logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := db.AutoMigrate(&models.Invoice{}, &models.LineItem{}, &models.InvoiceSequence{},
		&models.RecurringTemplate{}, &models.TemplateLineItem{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return NewGorm(db)
}

func pendingInvoice(owner uint) *models.Invoice {
	return &models.Invoice{
		PublicID:    fmt.Sprintf("pub-%d-%d", owner, time.Now().UnixNano()),
		OwnerID:     owner,
		ClientEmail: "client@example.com",
		Status:      models.StatusPending,
		DueDate:     time.Date(2024, time.July, 1, 0, 0, 0, 0, time.UTC),
		LineItems: []models.LineItem{
			{Description: "Work", Quantity: 2, UnitPrice: 50, TaxPercent: 10, LineTotal: 110},
		},
		Amount: 110,
	}
}

func TestInvoiceCreateAssignsSequencedNumbers(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	first := pendingInvoice(1)
	if err := s.Create(ctx, first); err != nil {
		t.Fatalf("create: %v", err)
	}
	second := pendingInvoice(1)
	if err := s.Create(ctx, second); err != nil {
		t.Fatalf("create: %v", err)
	}
	if first.Number != "INV-00001" || second.Number != "INV-00002" {
		t.Fatalf("expected sequenced numbers, got %q %q", first.Number, second.Number)
	}

	// Sequences are per owner.
	other := pendingInvoice(2)
	if err := s.Create(ctx, other); err != nil {
		t.Fatalf("create: %v", err)
	}
	if other.Number != "INV-00001" {
		t.Fatalf("expected fresh sequence for new owner, got %q", other.Number)
	}
}

func TestInvoiceGetNotFound(t *testing.T) {
	s := setupStore(t)
	if _, err := s.Get(context.Background(), 42); !errors.Is(err, billing.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestGetByOccurrenceAndDuplicateGuard(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()
	tid := uint(7)
	occ := time.Date(2024, time.March, 15, 0, 0, 0, 0, time.UTC)

	inv := pendingInvoice(1)
	inv.TemplateID = &tid
	inv.OccurrenceDate = &occ
	if err := s.Create(ctx, inv); err != nil {
		t.Fatalf("create: %v", err)
	}

	got, err := s.GetByOccurrence(ctx, tid, occ)
	if err != nil {
		t.Fatalf("get by occurrence: %v", err)
	}
	if got.ID != inv.ID {
		t.Fatalf("expected invoice %d, got %d", inv.ID, got.ID)
	}

	dup := pendingInvoice(1)
	dup.TemplateID = &tid
	dup.OccurrenceDate = &occ
	if err := s.Create(ctx, dup); !errors.Is(err, billing.ErrAlreadyGenerated) {
		t.Fatalf("expected ErrAlreadyGenerated, got %v", err)
	}
}

func TestCreateNumberCollisionIsNotAlreadyGenerated(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	inv := pendingInvoice(1)
	inv.Number = "INV-FIXED"
	if err := s.Create(ctx, inv); err != nil {
		t.Fatalf("create: %v", err)
	}

	// A clash on (owner_id, number) has nothing to do with generation; it must
	// not be diagnosed as a duplicate occurrence.
	dup := pendingInvoice(1)
	dup.Number = "INV-FIXED"
	err := s.Create(ctx, dup)
	if errors.Is(err, billing.ErrAlreadyGenerated) {
		t.Fatalf("number collision misreported as already generated: %v", err)
	}
	if !errors.Is(err, billing.ErrConcurrentModification) {
		t.Fatalf("expected ErrConcurrentModification, got %v", err)
	}
}

func TestQueryByOwnerFilters(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	a := pendingInvoice(1)
	if err := s.Create(ctx, a); err != nil {
		t.Fatalf("create: %v", err)
	}
	b := pendingInvoice(1)
	b.Status = models.StatusPaid
	if err := s.Create(ctx, b); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := s.Create(ctx, pendingInvoice(2)); err != nil {
		t.Fatalf("create: %v", err)
	}

	all, err := s.QueryByOwner(ctx, 1, InvoiceFilter{})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("expected 2 invoices for owner 1, got %d", len(all))
	}
	if len(all[0].LineItems) == 0 {
		t.Fatalf("expected line items preloaded")
	}

	paid, err := s.QueryByOwner(ctx, 1, InvoiceFilter{Status: models.StatusPaid})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(paid) != 1 || paid[0].ID != b.ID {
		t.Fatalf("status filter failed: %+v", paid)
	}

	limited, err := s.QueryByOwner(ctx, 1, InvoiceFilter{Limit: 1})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(limited) != 1 {
		t.Fatalf("limit ignored, got %d rows", len(limited))
	}
}

func TestUpdateReplacesLineItems(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()
	inv := pendingInvoice(1)
	if err := s.Create(ctx, inv); err != nil {
		t.Fatalf("create: %v", err)
	}
	inv.LineItems = []models.LineItem{
		{Description: "Replacement", Quantity: 1, UnitPrice: 30, LineTotal: 30},
	}
	inv.Amount = 30
	if err := s.Update(ctx, inv); err != nil {
		t.Fatalf("update: %v", err)
	}
	got, err := s.Get(ctx, inv.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(got.LineItems) != 1 || got.LineItems[0].Description != "Replacement" {
		t.Fatalf("line items not replaced: %+v", got.LineItems)
	}
	if got.Amount != 30 {
		t.Fatalf("amount not updated: %v", got.Amount)
	}
}

func TestDeleteInvoice(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()
	inv := pendingInvoice(1)
	if err := s.Create(ctx, inv); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := s.Delete(ctx, inv.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := s.Delete(ctx, inv.ID); !errors.Is(err, billing.ErrNotFound) {
		t.Fatalf("expected ErrNotFound on second delete, got %v", err)
	}
}

func TestMarkOverdue(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()
	inv := pendingInvoice(1)
	inv.DueDate = time.Date(2024, time.January, 1, 0, 0, 0, 0, time.UTC)
	if err := s.Create(ctx, inv); err != nil {
		t.Fatalf("create: %v", err)
	}
	future := pendingInvoice(1)
	future.DueDate = time.Date(2030, time.January, 1, 0, 0, 0, 0, time.UTC)
	if err := s.Create(ctx, future); err != nil {
		t.Fatalf("create: %v", err)
	}

	n, err := s.MarkOverdue(ctx, time.Date(2024, time.June, 1, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("mark overdue: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 row updated, got %d", n)
	}
	got, err := s.Get(ctx, inv.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != models.StatusOverdue {
		t.Fatalf("expected stored overdue, got %s", got.Status)
	}
}

func weeklyTemplate(next time.Time, end *time.Time) *models.RecurringTemplate {
	return &models.RecurringTemplate{
		OwnerID:            1,
		ClientEmail:        "client@example.com",
		Frequency:          models.FrequencyWeekly,
		StartDate:          next,
		NextOccurrenceDate: next,
		EndDate:            end,
		IsActive:           true,
		LineItems: []models.TemplateLineItem{
			{Description: "Subscription", Quantity: 1, UnitPrice: 20},
		},
	}
}

func TestQueryDue(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()
	now := time.Date(2024, time.June, 1, 0, 0, 0, 0, time.UTC)

	due := weeklyTemplate(now.AddDate(0, 0, -1), nil)
	if err := s.CreateTemplate(ctx, due); err != nil {
		t.Fatalf("create: %v", err)
	}
	future := weeklyTemplate(now.AddDate(0, 0, 5), nil)
	if err := s.CreateTemplate(ctx, future); err != nil {
		t.Fatalf("create: %v", err)
	}
	paused := weeklyTemplate(now.AddDate(0, 0, -1), nil)
	paused.IsActive = false
	if err := s.CreateTemplate(ctx, paused); err != nil {
		t.Fatalf("create: %v", err)
	}
	pastEnd := time.Date(2024, time.May, 1, 0, 0, 0, 0, time.UTC)
	expired := weeklyTemplate(now.AddDate(0, 0, -1), &pastEnd)
	if err := s.CreateTemplate(ctx, expired); err != nil {
		t.Fatalf("create: %v", err)
	}

	got, err := s.QueryDue(ctx, now)
	if err != nil {
		t.Fatalf("query due: %v", err)
	}
	if len(got) != 1 || got[0].ID != due.ID {
		t.Fatalf("expected only the due template, got %+v", got)
	}
	if len(got[0].LineItems) == 0 {
		t.Fatalf("expected template line items preloaded")
	}
}

func TestAdvanceCAS(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()
	next := time.Date(2024, time.June, 1, 0, 0, 0, 0, time.UTC)
	tpl := weeklyTemplate(next, nil)
	if err := s.CreateTemplate(ctx, tpl); err != nil {
		t.Fatalf("create: %v", err)
	}

	now := next.AddDate(0, 0, 2)
	adv := TemplateAdvance{
		TemplateID:  tpl.ID,
		From:        next,
		Next:        next.AddDate(0, 0, 7),
		GeneratedAt: now,
	}
	if err := s.Advance(ctx, adv); err != nil {
		t.Fatalf("advance: %v", err)
	}
	got, err := s.GetTemplate(ctx, tpl.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !got.NextOccurrenceDate.Equal(adv.Next) {
		t.Fatalf("schedule not advanced: %v", got.NextOccurrenceDate)
	}
	if got.TotalGenerated != 1 {
		t.Fatalf("counter not bumped: %d", got.TotalGenerated)
	}
	if got.LastGeneratedAt == nil || !got.LastGeneratedAt.Equal(now) {
		t.Fatalf("lastGeneratedAt not set: %v", got.LastGeneratedAt)
	}

	// Stale CAS key: the write must be rejected.
	if err := s.Advance(ctx, adv); !errors.Is(err, billing.ErrConcurrentModification) {
		t.Fatalf("expected ErrConcurrentModification, got %v", err)
	}
	got, _ = s.GetTemplate(ctx, tpl.ID)
	if got.TotalGenerated != 1 {
		t.Fatalf("lost CAS must not advance, counter=%d", got.TotalGenerated)
	}
}

func TestAdvanceDeactivates(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()
	next := time.Date(2024, time.June, 1, 0, 0, 0, 0, time.UTC)
	end := next.AddDate(0, 0, 3)
	tpl := weeklyTemplate(next, &end)
	if err := s.CreateTemplate(ctx, tpl); err != nil {
		t.Fatalf("create: %v", err)
	}
	adv := TemplateAdvance{
		TemplateID:  tpl.ID,
		From:        next,
		Next:        next.AddDate(0, 0, 7),
		GeneratedAt: next,
		Deactivate:  true,
	}
	if err := s.Advance(ctx, adv); err != nil {
		t.Fatalf("advance: %v", err)
	}
	got, err := s.GetTemplate(ctx, tpl.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.IsActive {
		t.Fatalf("expected template deactivated")
	}
}

func TestGenerateAndAdvanceRollsBackOnDuplicate(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()
	next := time.Date(2024, time.June, 1, 0, 0, 0, 0, time.UTC)
	tpl := weeklyTemplate(next, nil)
	if err := s.CreateTemplate(ctx, tpl); err != nil {
		t.Fatalf("create template: %v", err)
	}

	occ := next
	mk := func(pub string) *models.Invoice {
		inv := pendingInvoice(1)
		inv.PublicID = pub
		inv.TemplateID = &tpl.ID
		inv.OccurrenceDate = &occ
		return inv
	}
	adv := TemplateAdvance{TemplateID: tpl.ID, From: next, Next: next.AddDate(0, 0, 7), GeneratedAt: next}

	if err := s.GenerateAndAdvance(ctx, mk("gen-1"), adv); err != nil {
		t.Fatalf("first generate: %v", err)
	}

	// Same occurrence again: unique index fires, nothing changes.
	err := s.GenerateAndAdvance(ctx, mk("gen-2"), adv)
	if !errors.Is(err, billing.ErrAlreadyGenerated) {
		t.Fatalf("expected ErrAlreadyGenerated, got %v", err)
	}
	invs, err := s.QueryByOwner(ctx, 1, InvoiceFilter{})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(invs) != 1 {
		t.Fatalf("expected exactly one invoice, got %d", len(invs))
	}
	got, _ := s.GetTemplate(ctx, tpl.ID)
	if got.TotalGenerated != 1 {
		t.Fatalf("duplicate must not advance again, counter=%d", got.TotalGenerated)
	}
}

func TestGenerateAndAdvanceRollsBackInvoiceOnLostCAS(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()
	next := time.Date(2024, time.June, 1, 0, 0, 0, 0, time.UTC)
	tpl := weeklyTemplate(next, nil)
	if err := s.CreateTemplate(ctx, tpl); err != nil {
		t.Fatalf("create template: %v", err)
	}

	occ := next.AddDate(0, 0, 7)
	inv := pendingInvoice(1)
	inv.TemplateID = &tpl.ID
	inv.OccurrenceDate = &occ
	// From does not match the stored schedule: the whole unit must roll back.
	stale := TemplateAdvance{TemplateID: tpl.ID, From: occ, Next: occ.AddDate(0, 0, 7), GeneratedAt: occ}
	err := s.GenerateAndAdvance(ctx, inv, stale)
	if !errors.Is(err, billing.ErrConcurrentModification) {
		t.Fatalf("expected ErrConcurrentModification, got %v", err)
	}
	invs, qerr := s.QueryByOwner(ctx, 1, InvoiceFilter{})
	if qerr != nil {
		t.Fatalf("query: %v", qerr)
	}
	if len(invs) != 0 {
		t.Fatalf("invoice write must roll back with the failed advance, got %d rows", len(invs))
	}
}
