package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/samber/lo"

	"github.com/ledgerline/billing/httpx"
	"github.com/ledgerline/billing/internal/models"
	"github.com/ledgerline/billing/internal/services"
)

type TemplateHandler struct {
	Svc *services.Lifecycle
}

func NewTemplateHandler(svc *services.Lifecycle) *TemplateHandler {
	return &TemplateHandler{Svc: svc}
}

type templateResp struct {
	ID                 uint             `json:"id"`
	ClientEmail        string           `json:"client_email"`
	ClientName         string           `json:"client_name,omitempty"`
	Frequency          models.Frequency `json:"frequency"`
	StartDate          time.Time        `json:"start_date"`
	NextOccurrenceDate time.Time        `json:"next_occurrence_date"`
	EndDate            *time.Time       `json:"end_date,omitempty"`
	DueGraceDays       int              `json:"due_grace_days,omitempty"`
	IsActive           bool             `json:"is_active"`
	TotalGenerated     int              `json:"total_generated"`
	LastGeneratedAt    *time.Time       `json:"last_generated_at,omitempty"`
	LineItems          []lineItemResp   `json:"line_items"`
}

func toTemplateResp(t models.RecurringTemplate) templateResp {
	return templateResp{
		ID:                 t.ID,
		ClientEmail:        t.ClientEmail,
		ClientName:         t.ClientName,
		Frequency:          t.Frequency,
		StartDate:          t.StartDate,
		NextOccurrenceDate: t.NextOccurrenceDate,
		EndDate:            t.EndDate,
		DueGraceDays:       t.DueGraceDays,
		IsActive:           t.IsActive,
		TotalGenerated:     t.TotalGenerated,
		LastGeneratedAt:    t.LastGeneratedAt,
		LineItems: lo.Map(t.LineItems, func(it models.TemplateLineItem, _ int) lineItemResp {
			return lineItemResp{
				Description: it.Description,
				Quantity:    it.Quantity,
				UnitPrice:   it.UnitPrice,
				TaxPercent:  it.TaxPercent,
			}
		}),
	}
}

// List: GET /templates
func (h *TemplateHandler) List(w http.ResponseWriter, r *http.Request) {
	tpls, err := h.Svc.ListTemplates(r.Context(), ownerFrom(r))
	if err != nil {
		httpx.Error(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{
		"items": lo.Map(tpls, func(t models.RecurringTemplate, _ int) templateResp { return toTemplateResp(t) }),
		"count": len(tpls),
	})
}

type createTemplateReq struct {
	FromInvoiceID *uint                    `json:"from_invoice_id"`
	LineItems     []services.LineItemInput `json:"line_items"`
	ClientEmail   string                   `json:"client_email"`
	ClientName    string                   `json:"client_name"`
	ClientPhone   string                   `json:"client_phone"`
	Frequency     models.Frequency         `json:"frequency"`
	StartDate     time.Time                `json:"start_date"`
	EndDate       *time.Time               `json:"end_date"`
	DueGraceDays  int                      `json:"due_grace_days"`
}

// Create: POST /templates
func (h *TemplateHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createTemplateReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpx.JSONError(w, http.StatusBadRequest, "invalid_json", nil)
		return
	}
	tpl, err := h.Svc.CreateTemplate(r.Context(), services.CreateTemplateInput{
		OwnerID:       ownerFrom(r),
		FromInvoiceID: req.FromInvoiceID,
		LineItems:     req.LineItems,
		ClientEmail:   req.ClientEmail,
		ClientName:    req.ClientName,
		ClientPhone:   req.ClientPhone,
		Frequency:     req.Frequency,
		StartDate:     req.StartDate,
		EndDate:       req.EndDate,
		DueGraceDays:  req.DueGraceDays,
	})
	if err != nil {
		httpx.Error(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, toTemplateResp(*tpl))
}

// Pause: POST /templates/pause?id=N
func (h *TemplateHandler) Pause(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(r)
	if !ok {
		httpx.JSONError(w, http.StatusBadRequest, "invalid_id", nil)
		return
	}
	if err := h.Svc.PauseTemplate(r.Context(), ownerFrom(r), id); err != nil {
		httpx.Error(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"id": id, "is_active": false})
}

// Resume: POST /templates/resume?id=N
func (h *TemplateHandler) Resume(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(r)
	if !ok {
		httpx.JSONError(w, http.StatusBadRequest, "invalid_id", nil)
		return
	}
	if err := h.Svc.ResumeTemplate(r.Context(), ownerFrom(r), id); err != nil {
		httpx.Error(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"id": id, "is_active": true})
}

// Delete: POST /templates/delete?id=N
func (h *TemplateHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(r)
	if !ok {
		httpx.JSONError(w, http.StatusBadRequest, "invalid_id", nil)
		return
	}
	if err := h.Svc.DeleteTemplate(r.Context(), ownerFrom(r), id); err != nil {
		httpx.Error(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"deleted": id})
}
