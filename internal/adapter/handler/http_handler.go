package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/rl1809/bom-stock/internal/core/domain"
	"github.com/rl1809/bom-stock/internal/core/service"
	"github.com/rl1809/bom-stock/internal/port"
)

// Services groups what the transport handlers call into.
type Services struct {
	Checkout    *service.CheckoutService
	Validator   *service.Validator
	Stock       *service.StockService
	Reporter    *service.StockReporter
	Constraints *service.ConstraintService
	Catalog     port.CatalogAdmin
	Orders      port.OrderReader

	// LowStockThreshold is used when a report request carries no threshold.
	LowStockThreshold int
}

type HTTPHandler struct {
	svc    Services
	logger *zap.Logger
}

type CheckoutHTTPRequest struct {
	RequestID string            `json:"request_id"`
	UserID    string            `json:"user_id"`
	Lines     []domain.CartLine `json:"lines"`
}

type CheckoutHTTPResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	OrderID string `json:"order_id,omitempty"`
}

type ValidateHTTPRequest struct {
	Lines []domain.CartLine `json:"lines"`
}

type StockHTTPRequest struct {
	Quantity int `json:"quantity"`
}

type ComponentHTTPRequest struct {
	QuantityPerUnit int `json:"quantity_per_unit"`
}

type ProductStockHTTPResponse struct {
	ProductID string `json:"product_id"`
	Available int    `json:"available"`
}

type AlertsHTTPResponse struct {
	HasAlerts bool                `json:"has_alerts"`
	Entries   []domain.StockEntry `json:"entries"`
}

type ErrorHTTPResponse struct {
	Success    bool              `json:"success"`
	Message    string            `json:"message"`
	Violations []string          `json:"violations,omitempty"`
	Shortages  []domain.Shortage `json:"shortages,omitempty"`
}

func NewHTTPHandler(svc Services, logger *zap.Logger) *HTTPHandler {
	return &HTTPHandler{svc: svc, logger: logger}
}

// Routes builds the chi router for every HTTP endpoint.
func (h *HTTPHandler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete},
		AllowedHeaders: []string{"Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/health", h.HealthCheck)

	r.Route("/api", func(r chi.Router) {
		r.Post("/checkout", h.Checkout)
		r.Post("/cart/validate", h.ValidateCart)

		r.Get("/products/{id}/stock", h.ProductStock)
		r.Post("/products/{id}/recompute", h.Recompute)
		r.Put("/products/{id}/components/{itemID}", h.PutComponent)
		r.Delete("/products/{id}/components/{itemID}", h.RemoveComponent)
		r.Put("/items/{id}/stock", h.SetItemStock)
		r.Post("/items/{id}/recompute", h.RecomputeItem)
		r.Get("/orders/{id}", h.GetOrder)

		r.Get("/reports/low-stock", h.LowStock)
		r.Get("/reports/critical", h.CriticalStock)
		r.Get("/reports/alerts", h.Alerts)

		r.Route("/constraints", func(r chi.Router) {
			r.Get("/", h.ListConstraints)
			r.Post("/", h.CreateConstraint)
			r.Get("/{id}", h.GetConstraint)
			r.Put("/{id}", h.UpdateConstraint)
			r.Delete("/{id}", h.DeleteConstraint)
		})
	})
	return r
}

func (h *HTTPHandler) Checkout(w http.ResponseWriter, r *http.Request) {
	var req CheckoutHTTPRequest
	if !decode(w, r, &req) {
		return
	}

	order, err := h.svc.Checkout.Checkout(r.Context(), req.RequestID, req.UserID, req.Lines)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, CheckoutHTTPResponse{
		Success: true,
		Message: "order placed successfully",
		OrderID: order.ID,
	})
}

func (h *HTTPHandler) ValidateCart(w http.ResponseWriter, r *http.Request) {
	var req ValidateHTTPRequest
	if !decode(w, r, &req) {
		return
	}

	result, err := h.svc.Validator.Validate(r.Context(), req.Lines)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *HTTPHandler) ProductStock(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	available, err := h.svc.Stock.AvailableStock(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ProductStockHTTPResponse{ProductID: id, Available: available})
}

func (h *HTTPHandler) Recompute(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	stock, err := h.svc.Stock.Recompute(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ProductStockHTTPResponse{ProductID: id, Available: stock})
}

func (h *HTTPHandler) PutComponent(w http.ResponseWriter, r *http.Request) {
	var req ComponentHTTPRequest
	if !decode(w, r, &req) {
		return
	}

	link := domain.ComponentLink{
		ProductID:       chi.URLParam(r, "id"),
		ItemID:          chi.URLParam(r, "itemID"),
		QuantityPerUnit: req.QuantityPerUnit,
	}
	if err := h.svc.Catalog.PutComponent(r.Context(), link); err != nil {
		h.writeError(w, r, err)
		return
	}
	h.componentsChanged(w, r, link.ProductID)
}

func (h *HTTPHandler) RemoveComponent(w http.ResponseWriter, r *http.Request) {
	productID := chi.URLParam(r, "id")
	if err := h.svc.Catalog.RemoveComponent(r.Context(), productID, chi.URLParam(r, "itemID")); err != nil {
		h.writeError(w, r, err)
		return
	}
	h.componentsChanged(w, r, productID)
}

func (h *HTTPHandler) componentsChanged(w http.ResponseWriter, r *http.Request, productID string) {
	stock, err := h.svc.Stock.ComponentsChanged(r.Context(), productID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ProductStockHTTPResponse{ProductID: productID, Available: stock})
}

func (h *HTTPHandler) SetItemStock(w http.ResponseWriter, r *http.Request) {
	var req StockHTTPRequest
	if !decode(w, r, &req) {
		return
	}

	res, err := h.svc.Stock.AdjustItemStock(r.Context(), chi.URLParam(r, "id"), req.Quantity)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *HTTPHandler) RecomputeItem(w http.ResponseWriter, r *http.Request) {
	res, err := h.svc.Stock.RecomputeForItem(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// GetOrder reports an accepted order. Orders still waiting in the worker
// queue are not visible yet.
func (h *HTTPHandler) GetOrder(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	order, err := h.svc.Orders.GetOrder(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if order == nil {
		h.writeError(w, r, fmt.Errorf("order %s: %w", id, domain.ErrNotFound))
		return
	}
	writeJSON(w, http.StatusOK, order)
}

func (h *HTTPHandler) threshold(r *http.Request) (int, error) {
	raw := r.URL.Query().Get("threshold")
	if raw == "" {
		return h.svc.LowStockThreshold, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, domain.NewValidationError("threshold", "not a number: %q", raw)
	}
	return n, nil
}

func (h *HTTPHandler) LowStock(w http.ResponseWriter, r *http.Request) {
	threshold, err := h.threshold(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	report, err := h.svc.Reporter.LowStock(r.Context(), threshold)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (h *HTTPHandler) CriticalStock(w http.ResponseWriter, r *http.Request) {
	report, err := h.svc.Reporter.CriticalStock(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (h *HTTPHandler) Alerts(w http.ResponseWriter, r *http.Request) {
	threshold, err := h.threshold(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	has, entries, err := h.svc.Reporter.Alerts(r.Context(), threshold)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, AlertsHTTPResponse{HasAlerts: has, Entries: entries})
}

func (h *HTTPHandler) ListConstraints(w http.ResponseWriter, r *http.Request) {
	var (
		cs  []domain.Constraint
		err error
	)
	if itemID := r.URL.Query().Get("item_id"); itemID != "" {
		cs, err = h.svc.Constraints.ListByItem(r.Context(), itemID)
	} else {
		cs, err = h.svc.Constraints.List(r.Context())
	}
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, cs)
}

func (h *HTTPHandler) CreateConstraint(w http.ResponseWriter, r *http.Request) {
	var req domain.Constraint
	if !decode(w, r, &req) {
		return
	}

	c, err := h.svc.Constraints.Create(r.Context(), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, c)
}

func (h *HTTPHandler) GetConstraint(w http.ResponseWriter, r *http.Request) {
	c, err := h.svc.Constraints.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (h *HTTPHandler) UpdateConstraint(w http.ResponseWriter, r *http.Request) {
	var req domain.Constraint
	if !decode(w, r, &req) {
		return
	}
	req.ID = chi.URLParam(r, "id")

	c, err := h.svc.Constraints.Update(r.Context(), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (h *HTTPHandler) DeleteConstraint(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.Constraints.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *HTTPHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorHTTPResponse{
			Success: false,
			Message: "invalid request body",
		})
		return false
	}
	return true
}

// httpStatus maps a service error onto a status code and a client-facing message.
func httpStatus(err error) (int, string) {
	switch {
	case errors.Is(err, domain.ErrValidation):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, domain.ErrConstraintViolation):
		return http.StatusUnprocessableEntity, "cart violates constraints"
	case errors.Is(err, domain.ErrInsufficientStock):
		return http.StatusGone, "sold out"
	case errors.Is(err, domain.ErrDuplicateRequest):
		return http.StatusConflict, "duplicate request"
	case errors.Is(err, domain.ErrDuplicateConstraint):
		return http.StatusConflict, "duplicate constraint"
	case errors.Is(err, domain.ErrConcurrencyConflict):
		return http.StatusConflict, "concurrent update, retry"
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound, "not found"
	case errors.Is(err, domain.ErrStoreUnavailable):
		return http.StatusServiceUnavailable, "store unavailable"
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "timeout"
	default:
		return http.StatusInternalServerError, "internal error"
	}
}

func (h *HTTPHandler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, message := httpStatus(err)
	resp := ErrorHTTPResponse{Success: false, Message: message}

	var violation *domain.ConstraintViolationError
	if errors.As(err, &violation) {
		resp.Violations = violation.Violations
	}
	var shortage *domain.InsufficientStockError
	if errors.As(err, &shortage) {
		resp.Shortages = shortage.Shortages
	}

	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed",
			zap.String("path", r.URL.Path),
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.Error(err),
		)
	}
	writeJSON(w, status, resp)
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// NewHTTPServer wraps the router with the server timeouts used in production.
func NewHTTPServer(addr string, h *HTTPHandler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           h.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
}
