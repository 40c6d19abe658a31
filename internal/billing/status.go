package billing

import (
	"time"

	"github.com/ledgerline/billing/internal/models"
)

// ResolveStatus computes the effective status of an invoice at a point in
// time. Terminal and explicit states (paid, cancelled, draft) are returned
// unchanged; for the pending/overdue pair the stored value is only a hint
// and the due date decides. Every read path that shows or aggregates status
// must go through here.
func ResolveStatus(stored models.InvoiceStatus, dueDate, now time.Time) models.InvoiceStatus {
	switch stored {
	case models.StatusPaid, models.StatusCancelled, models.StatusDraft:
		return stored
	}
	if dueDate.Before(now) {
		return models.StatusOverdue
	}
	return models.StatusPending
}
