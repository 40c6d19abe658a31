package models

import "time"

// Frequency of a recurring template.
type Frequency string

const (
	FrequencyWeekly    Frequency = "weekly"
	FrequencyMonthly   Frequency = "monthly"
	FrequencyQuarterly Frequency = "quarterly"
	FrequencyYearly    Frequency = "yearly"
)

func (f Frequency) Valid() bool {
	switch f {
	case FrequencyWeekly, FrequencyMonthly, FrequencyQuarterly, FrequencyYearly:
		return true
	}
	return false
}

// TemplateLineItem mirrors LineItem but belongs to a template; instances get
// their own LineItem rows copied at generation time.
type TemplateLineItem struct {
	ID          uint    `gorm:"primaryKey"`
	TemplateID  uint    `gorm:"index;not null"`
	Description string  `gorm:"size:255;not null"`
	Quantity    float64 `gorm:"not null"`
	UnitPrice   float64 `gorm:"not null"`
	TaxPercent  float64
}

// RecurringTemplate is a distinct entity from Invoice on purpose: templates
// never carry invoice-only statuses (paid/overdue), only the active flag.
type RecurringTemplate struct {
	ID      uint `gorm:"primaryKey"`
	OwnerID uint `gorm:"index;not null"`

	LineItems []TemplateLineItem `gorm:"foreignKey:TemplateID;constraint:OnDelete:CASCADE"`

	ClientEmail string `gorm:"size:255;not null"`
	ClientName  string `gorm:"size:255"`
	ClientPhone string `gorm:"size:64"`

	Frequency Frequency `gorm:"size:16;not null"`
	StartDate time.Time `gorm:"not null"`
	// NextOccurrenceDate only moves forward, via the CAS advance in the store.
	NextOccurrenceDate time.Time `gorm:"index;not null"`
	EndDate            *time.Time

	// Days added to the occurrence date to form the instance due date.
	DueGraceDays int

	IsActive        bool `gorm:"not null;default:true"`
	TotalGenerated  int  `gorm:"not null;default:0"`
	LastGeneratedAt *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// DueAt reports whether the template should produce an instance at now.
func (t *RecurringTemplate) DueAt(now time.Time) bool {
	if !t.IsActive {
		return false
	}
	if t.NextOccurrenceDate.After(now) {
		return false
	}
	if t.EndDate != nil && t.NextOccurrenceDate.After(*t.EndDate) {
		return false
	}
	return true
}
