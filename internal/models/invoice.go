package models

import "time"

// InvoiceStatus is the stored status column. Readers must not trust the
// pending/overdue pair directly; resolution against the due date happens in
// the billing package on every read path.
type InvoiceStatus string

const (
	StatusDraft     InvoiceStatus = "draft"
	StatusPending   InvoiceStatus = "pending"
	StatusOverdue   InvoiceStatus = "overdue"
	StatusPaid      InvoiceStatus = "paid"
	StatusCancelled InvoiceStatus = "cancelled"
)

// Terminal reports whether no further explicit transition is allowed.
func (s InvoiceStatus) Terminal() bool {
	return s == StatusPaid || s == StatusCancelled
}

func (s InvoiceStatus) Valid() bool {
	switch s {
	case StatusDraft, StatusPending, StatusOverdue, StatusPaid, StatusCancelled:
		return true
	}
	return false
}

type LineItem struct {
	ID          uint    `gorm:"primaryKey"`
	InvoiceID   uint    `gorm:"index;not null"`
	Description string  `gorm:"size:255;not null"`
	Quantity    float64 `gorm:"not null"`
	UnitPrice   float64 `gorm:"not null"`
	TaxPercent  float64
	LineTotal   float64 `gorm:"not null"`
}

// ComputeTotal derives the line total; LineTotal is never a source of truth.
func (li LineItem) ComputeTotal() float64 {
	return li.Quantity * li.UnitPrice * (1 + li.TaxPercent/100)
}

type Invoice struct {
	ID       uint   `gorm:"primaryKey"`
	PublicID string `gorm:"size:36;uniqueIndex;not null"`
	OwnerID  uint   `gorm:"not null;uniqueIndex:idx_invoices_owner_number"`
	Number   string `gorm:"size:32;not null;uniqueIndex:idx_invoices_owner_number"`

	LineItems []LineItem `gorm:"foreignKey:InvoiceID;constraint:OnDelete:CASCADE"`
	Amount    float64    `gorm:"not null"`

	ClientEmail string `gorm:"size:255;not null"`
	ClientName  string `gorm:"size:255"`
	ClientPhone string `gorm:"size:64"`

	Status  InvoiceStatus `gorm:"size:20;not null"`
	DueDate time.Time     `gorm:"not null"`

	PaidAt      *time.Time
	PaidMethod  string `gorm:"size:64"`
	PaymentLink string `gorm:"size:512"`

	// Set only on instances produced from a recurring template. The pair is
	// the duplicate-generation guard: at most one invoice per template per
	// occurrence date.
	TemplateID     *uint      `gorm:"uniqueIndex:idx_invoices_template_occurrence"`
	OccurrenceDate *time.Time `gorm:"uniqueIndex:idx_invoices_template_occurrence"`

	// Recurring marks an invoice that seeded a template at creation time.
	Recurring          bool
	RecurringFrequency Frequency `gorm:"size:16"`
	RecurringEndDate   *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// ComputeAmount recomputes every line total and returns their sum.
func (inv *Invoice) ComputeAmount() float64 {
	var total float64
	for i := range inv.LineItems {
		inv.LineItems[i].LineTotal = inv.LineItems[i].ComputeTotal()
		total += inv.LineItems[i].LineTotal
	}
	inv.Amount = total
	return total
}

// InvoiceSequence holds the per-owner counter behind human-readable invoice
// numbers. Claimed with an atomic increment inside the create transaction.
type InvoiceSequence struct {
	OwnerID   uint `gorm:"primaryKey"`
	LastValue int64
	UpdatedAt time.Time
}
