package billing

import (
	"time"

	"github.com/ledgerline/billing/internal/models"
)

// NextOccurrence steps an anchor date forward by one frequency unit.
// Month and year steps are calendar-correct: a day-of-month past the end of
// the target month clamps to its last day (Jan 31 + monthly = Feb 28/29,
// Feb 29 + yearly = Feb 28 on non-leap years). Pure: no wall-clock reads.
func NextOccurrence(d time.Time, f models.Frequency) time.Time {
	switch f {
	case models.FrequencyWeekly:
		return d.AddDate(0, 0, 7)
	case models.FrequencyMonthly:
		return addMonthsClamped(d, 1)
	case models.FrequencyQuarterly:
		return addMonthsClamped(d, 3)
	case models.FrequencyYearly:
		return addMonthsClamped(d, 12)
	}
	// Unknown frequencies are rejected at validation time; returning the
	// input keeps the schedule from ever moving backward.
	return d
}

func addMonthsClamped(t time.Time, months int) time.Time {
	y, m, day := t.Date()
	hh, mm, ss := t.Clock()
	first := time.Date(y, m+time.Month(months), 1, 0, 0, 0, 0, t.Location())
	// Day 0 of the following month is the last day of the target month.
	if last := time.Date(first.Year(), first.Month()+1, 0, 0, 0, 0, 0, t.Location()).Day(); day > last {
		day = last
	}
	return time.Date(first.Year(), first.Month(), day, hh, mm, ss, t.Nanosecond(), t.Location())
}
