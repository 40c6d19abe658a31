package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/samber/lo"

	"github.com/ledgerline/billing/httpx"
	"github.com/ledgerline/billing/internal/models"
	"github.com/ledgerline/billing/internal/services"
)

// ownerFrom scopes requests to an account. Read from the X-Owner-ID header
// until real authentication is wired in front of the engine.
func ownerFrom(r *http.Request) uint {
	if v := r.Header.Get("X-Owner-ID"); v != "" {
		if n, err := strconv.ParseUint(v, 10, 32); err == nil && n > 0 {
			return uint(n)
		}
	}
	return 1
}

func idParam(r *http.Request) (uint, bool) {
	v := r.URL.Query().Get("id")
	if v == "" {
		v = r.FormValue("id")
	}
	n, err := strconv.ParseUint(v, 10, 32)
	if err != nil || n == 0 {
		return 0, false
	}
	return uint(n), true
}

type InvoiceHandler struct {
	Svc *services.Lifecycle
}

func NewInvoiceHandler(svc *services.Lifecycle) *InvoiceHandler {
	return &InvoiceHandler{Svc: svc}
}

type lineItemResp struct {
	Description string  `json:"description"`
	Quantity    float64 `json:"quantity"`
	UnitPrice   float64 `json:"unit_price"`
	TaxPercent  float64 `json:"tax_percent"`
	LineTotal   float64 `json:"line_total"`
}

type invoiceResp struct {
	ID             uint                 `json:"id"`
	PublicID       string               `json:"public_id"`
	Number         string               `json:"number"`
	Status         models.InvoiceStatus `json:"status"`
	Amount         float64              `json:"amount"`
	ClientEmail    string               `json:"client_email"`
	ClientName     string               `json:"client_name,omitempty"`
	ClientPhone    string               `json:"client_phone,omitempty"`
	DueDate        time.Time            `json:"due_date"`
	PaidAt         *time.Time           `json:"paid_at,omitempty"`
	PaidMethod     string               `json:"paid_method,omitempty"`
	PaymentLink    string               `json:"payment_link,omitempty"`
	TemplateID     *uint                `json:"template_id,omitempty"`
	OccurrenceDate *time.Time           `json:"occurrence_date,omitempty"`
	Recurring      bool                 `json:"recurring,omitempty"`
	LineItems      []lineItemResp       `json:"line_items"`
	CreatedAt      time.Time            `json:"created_at"`
}

func toInvoiceResp(inv models.Invoice) invoiceResp {
	return invoiceResp{
		ID:             inv.ID,
		PublicID:       inv.PublicID,
		Number:         inv.Number,
		Status:         inv.Status,
		Amount:         inv.Amount,
		ClientEmail:    inv.ClientEmail,
		ClientName:     inv.ClientName,
		ClientPhone:    inv.ClientPhone,
		DueDate:        inv.DueDate,
		PaidAt:         inv.PaidAt,
		PaidMethod:     inv.PaidMethod,
		PaymentLink:    inv.PaymentLink,
		TemplateID:     inv.TemplateID,
		OccurrenceDate: inv.OccurrenceDate,
		Recurring:      inv.Recurring,
		CreatedAt:      inv.CreatedAt,
		LineItems: lo.Map(inv.LineItems, func(it models.LineItem, _ int) lineItemResp {
			return lineItemResp{
				Description: it.Description,
				Quantity:    it.Quantity,
				UnitPrice:   it.UnitPrice,
				TaxPercent:  it.TaxPercent,
				LineTotal:   it.LineTotal,
			}
		}),
	}
}

// List: GET /invoices?status=&recurring=&limit=&page=
func (h *InvoiceHandler) List(w http.ResponseWriter, r *http.Request) {
	f := services.ListFilter{Limit: 50}
	if v := r.URL.Query().Get("status"); v != "" {
		st := models.InvoiceStatus(v)
		if !st.Valid() {
			httpx.JSONError(w, http.StatusBadRequest, "invalid_status", nil)
			return
		}
		f.Status = st
	}
	if v := r.URL.Query().Get("recurring"); v == "1" || v == "true" {
		f.RecurringOnly = true
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 200 {
			f.Limit = n
		}
	}
	if v := r.URL.Query().Get("page"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 1 {
			f.Offset = (n - 1) * f.Limit
		}
	}
	invs, err := h.Svc.List(r.Context(), ownerFrom(r), f)
	if err != nil {
		httpx.Error(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{
		"items": lo.Map(invs, func(inv models.Invoice, _ int) invoiceResp { return toInvoiceResp(inv) }),
		"count": len(invs),
	})
}

type createInvoiceReq struct {
	LineItems   []services.LineItemInput `json:"line_items"`
	ClientEmail string                   `json:"client_email"`
	ClientName  string                   `json:"client_name"`
	ClientPhone string                   `json:"client_phone"`
	DueDate     time.Time                `json:"due_date"`

	Draft      bool   `json:"draft"`
	Paid       bool   `json:"paid"`
	PaidMethod string `json:"paid_method"`
	SendNow    bool   `json:"send_now"`

	Recurring    bool             `json:"recurring"`
	Frequency    models.Frequency `json:"frequency"`
	EndDate      *time.Time       `json:"end_date"`
	DueGraceDays int              `json:"due_grace_days"`
}

// Create: POST /invoices
func (h *InvoiceHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createInvoiceReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpx.JSONError(w, http.StatusBadRequest, "invalid_json", nil)
		return
	}
	inv, err := h.Svc.Create(r.Context(), services.CreateInvoiceInput{
		OwnerID:      ownerFrom(r),
		LineItems:    req.LineItems,
		ClientEmail:  req.ClientEmail,
		ClientName:   req.ClientName,
		ClientPhone:  req.ClientPhone,
		DueDate:      req.DueDate,
		Draft:        req.Draft,
		Paid:         req.Paid,
		PaidMethod:   req.PaidMethod,
		SendNow:      req.SendNow,
		Recurring:    req.Recurring,
		Frequency:    req.Frequency,
		EndDate:      req.EndDate,
		DueGraceDays: req.DueGraceDays,
	})
	if err != nil {
		httpx.Error(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, toInvoiceResp(*inv))
}

// Get: GET /invoices/get?id=N
func (h *InvoiceHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(r)
	if !ok {
		httpx.JSONError(w, http.StatusBadRequest, "invalid_id", nil)
		return
	}
	inv, err := h.Svc.Get(r.Context(), ownerFrom(r), id)
	if err != nil {
		httpx.Error(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toInvoiceResp(*inv))
}

type payReq struct {
	ID     uint   `json:"id"`
	Method string `json:"method"`
}

// MarkPaid: POST /invoices/pay
func (h *InvoiceHandler) MarkPaid(w http.ResponseWriter, r *http.Request) {
	var req payReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpx.JSONError(w, http.StatusBadRequest, "invalid_json", nil)
		return
	}
	inv, err := h.Svc.MarkPaid(r.Context(), ownerFrom(r), req.ID, req.Method)
	if err != nil {
		httpx.Error(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toInvoiceResp(*inv))
}

// Cancel: POST /invoices/cancel
func (h *InvoiceHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID uint `json:"id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpx.JSONError(w, http.StatusBadRequest, "invalid_json", nil)
		return
	}
	inv, err := h.Svc.Cancel(r.Context(), ownerFrom(r), req.ID)
	if err != nil {
		httpx.Error(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toInvoiceResp(*inv))
}

type editReq struct {
	ID          uint                      `json:"id"`
	ClientEmail *string                   `json:"client_email"`
	ClientName  *string                   `json:"client_name"`
	ClientPhone *string                   `json:"client_phone"`
	DueDate     *time.Time                `json:"due_date"`
	LineItems   *[]services.LineItemInput `json:"line_items"`
}

// Update: POST /invoices/update
func (h *InvoiceHandler) Update(w http.ResponseWriter, r *http.Request) {
	var req editReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpx.JSONError(w, http.StatusBadRequest, "invalid_json", nil)
		return
	}
	inv, err := h.Svc.Edit(r.Context(), ownerFrom(r), req.ID, services.EditInvoiceInput{
		ClientEmail: req.ClientEmail,
		ClientName:  req.ClientName,
		ClientPhone: req.ClientPhone,
		DueDate:     req.DueDate,
		LineItems:   req.LineItems,
	})
	if err != nil {
		httpx.Error(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toInvoiceResp(*inv))
}
