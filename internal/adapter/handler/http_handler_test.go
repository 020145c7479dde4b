package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.uber.org/zap"

	"github.com/rl1809/bom-stock/internal/adapter/storage"
	"github.com/rl1809/bom-stock/internal/core/domain"
	"github.com/rl1809/bom-stock/internal/core/service"
	"github.com/rl1809/bom-stock/internal/platform/observability"
)

// newTestServices wires every service against a MemoryStore holding
// item A=10, item B=3 and product P = {A x2, B x1}.
func newTestServices(t *testing.T) (Services, *storage.MemoryStore) {
	t.Helper()
	store := storage.NewMemoryStore()
	store.PutItem(domain.Item{ID: "A", Name: "Item A", StockQuantity: 10})
	store.PutItem(domain.Item{ID: "B", Name: "Item B", StockQuantity: 3})
	store.PutProduct(domain.Product{ID: "P", Name: "Product P", StockQuantity: 3})
	ctx := context.Background()
	for _, l := range []domain.ComponentLink{
		{ProductID: "P", ItemID: "A", QuantityPerUnit: 2},
		{ProductID: "P", ItemID: "B", QuantityPerUnit: 1},
	} {
		if err := store.PutComponent(ctx, l); err != nil {
			t.Fatal(err)
		}
	}

	logger := zap.NewNop()
	tracer := observability.NoopTracer()
	stock := service.NewStockService(store, nil, nil, logger, tracer, service.DefaultStockOptions())
	validator := service.NewValidator(store, logger, tracer)
	checkout := service.NewCheckoutService(nil, validator, stock, logger, 100)
	go func() {
		for range checkout.GetOrderQueue() {
		}
	}()
	t.Cleanup(checkout.Close)

	return Services{
		Checkout:          checkout,
		Validator:         validator,
		Stock:             stock,
		Reporter:          service.NewStockReporter(store, logger, tracer, 0),
		Constraints:       service.NewConstraintService(store, logger),
		Catalog:           store,
		Orders:            store,
		LowStockThreshold: 5,
	}, store
}

func do(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(rec.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v (body=%q)", err, rec.Body.String())
	}
	return v
}

func TestHTTP_Checkout(t *testing.T) {
	svc, store := newTestServices(t)
	h := NewHTTPHandler(svc, zap.NewNop()).Routes()

	rec := do(t, h, http.MethodPost, "/api/checkout", CheckoutHTTPRequest{
		RequestID: "req-1",
		UserID:    "user-1",
		Lines:     []domain.CartLine{{ProductID: "P", Quantity: 2}},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	resp := decodeBody[CheckoutHTTPResponse](t, rec)
	if !resp.Success || resp.OrderID == "" {
		t.Errorf("unexpected response: %+v", resp)
	}

	a, _ := store.GetItem(context.Background(), "A")
	if a.StockQuantity != 6 {
		t.Errorf("expected A=6, got %d", a.StockQuantity)
	}
}

func TestHTTP_CheckoutSoldOut(t *testing.T) {
	svc, _ := newTestServices(t)
	h := NewHTTPHandler(svc, zap.NewNop()).Routes()

	rec := do(t, h, http.MethodPost, "/api/checkout", CheckoutHTTPRequest{
		RequestID: "req-1",
		UserID:    "user-1",
		Lines:     []domain.CartLine{{ProductID: "P", Quantity: 4}},
	})
	if rec.Code != http.StatusGone {
		t.Fatalf("expected 410, got %d: %s", rec.Code, rec.Body.String())
	}
	resp := decodeBody[ErrorHTTPResponse](t, rec)
	if resp.Success || len(resp.Shortages) == 0 {
		t.Errorf("expected shortages in response, got %+v", resp)
	}
}

func TestHTTP_CheckoutErrors(t *testing.T) {
	svc, store := newTestServices(t)
	h := NewHTTPHandler(svc, zap.NewNop()).Routes()

	store.PutItem(domain.Item{ID: "X", StockQuantity: 5})
	store.PutItem(domain.Item{ID: "Y", StockQuantity: 5})
	rec := do(t, h, http.MethodPost, "/api/constraints", domain.Constraint{
		TargetID: "X", TargetType: domain.ItemTypeAdditional,
		RelatedID: "Y", RelatedType: domain.ItemTypeAdditional,
		Type: domain.ConstraintMutuallyExclusive,
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}

	tests := []struct {
		name   string
		body   any
		status int
	}{
		{"malformed", "not an object", http.StatusBadRequest},
		{"missing user", CheckoutHTTPRequest{RequestID: "r", Lines: []domain.CartLine{{ProductID: "P", Quantity: 1}}}, http.StatusBadRequest},
		{"zero quantity", CheckoutHTTPRequest{RequestID: "r", UserID: "u", Lines: []domain.CartLine{{ProductID: "P"}}}, http.StatusBadRequest},
		{"constraint violation", CheckoutHTTPRequest{RequestID: "r", UserID: "u", Lines: []domain.CartLine{
			{AdditionalID: "X", Quantity: 1},
			{AdditionalID: "Y", Quantity: 1},
		}}, http.StatusUnprocessableEntity},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, h, http.MethodPost, "/api/checkout", tt.body)
			if rec.Code != tt.status {
				t.Errorf("expected %d, got %d: %s", tt.status, rec.Code, rec.Body.String())
			}
		})
	}
}

func TestHTTP_ValidateCart(t *testing.T) {
	svc, _ := newTestServices(t)
	h := NewHTTPHandler(svc, zap.NewNop()).Routes()

	do(t, h, http.MethodPost, "/api/constraints", domain.Constraint{
		TargetID: "P", TargetType: domain.ItemTypeProduct,
		RelatedID: "B", RelatedType: domain.ItemTypeAdditional,
		Type: domain.ConstraintRequires,
	})

	rec := do(t, h, http.MethodPost, "/api/cart/validate", ValidateHTTPRequest{
		Lines: []domain.CartLine{{ProductID: "P", Quantity: 1}},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	result := decodeBody[domain.ValidationResult](t, rec)
	if result.Valid || len(result.Violations) != 1 {
		t.Errorf("expected one violation, got %+v", result)
	}
}

func TestHTTP_ComponentsAndStock(t *testing.T) {
	svc, _ := newTestServices(t)
	h := NewHTTPHandler(svc, zap.NewNop()).Routes()

	rec := do(t, h, http.MethodGet, "/api/products/P/stock", nil)
	if got := decodeBody[ProductStockHTTPResponse](t, rec); got.Available != 3 {
		t.Errorf("expected P=3, got %+v", got)
	}

	rec = do(t, h, http.MethodDelete, "/api/products/P/components/B", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if got := decodeBody[ProductStockHTTPResponse](t, rec); got.Available != 5 {
		t.Errorf("expected P=5 after removing B, got %+v", got)
	}

	rec = do(t, h, http.MethodPut, "/api/products/P/components/A", ComponentHTTPRequest{QuantityPerUnit: 5})
	if got := decodeBody[ProductStockHTTPResponse](t, rec); got.Available != 2 {
		t.Errorf("expected P=2 with 5 A per unit, got %+v", got)
	}

	rec = do(t, h, http.MethodPut, "/api/items/A/stock", StockHTTPRequest{Quantity: 25})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	res := decodeBody[domain.Reservation](t, rec)
	if res.ProductStock["P"] != 5 {
		t.Errorf("expected P=5 after restock, got %+v", res)
	}

	if rec := do(t, h, http.MethodDelete, "/api/products/P/components/missing", nil); rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}
	if rec := do(t, h, http.MethodPut, "/api/products/P/components/ghost", ComponentHTTPRequest{QuantityPerUnit: 1}); rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for unknown item, got %d", rec.Code)
	}
	if rec := do(t, h, http.MethodPut, "/api/items/A/stock", StockHTTPRequest{Quantity: -1}); rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rec.Code)
	}
}

func TestHTTP_Reports(t *testing.T) {
	svc, store := newTestServices(t)
	h := NewHTTPHandler(svc, zap.NewNop()).Routes()
	store.PutItem(domain.Item{ID: "Z", Name: "Empty", StockQuantity: 0})

	rec := do(t, h, http.MethodGet, "/api/reports/low-stock?threshold=4", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	report := decodeBody[domain.StockReport](t, rec)
	if report.Threshold != 4 {
		t.Errorf("expected threshold 4, got %d", report.Threshold)
	}

	rec = do(t, h, http.MethodGet, "/api/reports/critical", nil)
	critical := decodeBody[domain.StockReport](t, rec)
	if len(critical.Entries) != 1 || critical.Entries[0].ID != "Z" {
		t.Errorf("expected only Z to be critical, got %+v", critical.Entries)
	}

	rec = do(t, h, http.MethodGet, "/api/reports/alerts", nil)
	alerts := decodeBody[AlertsHTTPResponse](t, rec)
	if !alerts.HasAlerts {
		t.Error("expected alerts")
	}

	if rec := do(t, h, http.MethodGet, "/api/reports/low-stock?threshold=abc", nil); rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rec.Code)
	}
}

func TestHTTP_ConstraintCRUD(t *testing.T) {
	svc, _ := newTestServices(t)
	h := NewHTTPHandler(svc, zap.NewNop()).Routes()

	c := domain.Constraint{
		TargetID: "P", TargetType: domain.ItemTypeProduct,
		RelatedID: "B", RelatedType: domain.ItemTypeAdditional,
		Type: domain.ConstraintRequires,
	}
	rec := do(t, h, http.MethodPost, "/api/constraints", c)
	created := decodeBody[domain.Constraint](t, rec)
	if created.ID == "" {
		t.Fatalf("expected generated id, got %+v", created)
	}

	if rec := do(t, h, http.MethodPost, "/api/constraints", c); rec.Code != http.StatusConflict {
		t.Errorf("expected 409 for duplicate rule, got %d", rec.Code)
	}

	rec = do(t, h, http.MethodGet, "/api/constraints?item_id=B", nil)
	if list := decodeBody[[]domain.Constraint](t, rec); len(list) != 1 {
		t.Errorf("expected 1 constraint for B, got %d", len(list))
	}

	c.Message = "P needs B"
	rec = do(t, h, http.MethodPut, "/api/constraints/"+created.ID, c)
	if updated := decodeBody[domain.Constraint](t, rec); updated.Message != "P needs B" || updated.ID != created.ID {
		t.Errorf("unexpected update result: %+v", updated)
	}

	if rec := do(t, h, http.MethodDelete, "/api/constraints/"+created.ID, nil); rec.Code != http.StatusNoContent {
		t.Errorf("expected 204, got %d", rec.Code)
	}
	if rec := do(t, h, http.MethodGet, "/api/constraints/"+created.ID, nil); rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}
}

func TestHTTP_HealthAndCORS(t *testing.T) {
	svc, _ := newTestServices(t)
	h := NewHTTPHandler(svc, zap.NewNop()).Routes()

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("Origin", "http://example.com")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if rec.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Errorf("expected CORS header, got %q", rec.Header().Get("Access-Control-Allow-Origin"))
	}
}

func TestHTTP_OrderLookupAndItemRecompute(t *testing.T) {
	svc, store := newTestServices(t)
	h := NewHTTPHandler(svc, zap.NewNop()).Routes()
	ctx := context.Background()

	order := domain.Order{ID: "order-1", UserID: "user-1", Lines: []domain.CartLine{{ProductID: "P", Quantity: 1}}, Status: domain.OrderStatusConfirmed}
	if err := store.CreateOrder(ctx, order); err != nil {
		t.Fatal(err)
	}

	rec := do(t, h, http.MethodGet, "/api/orders/order-1", nil)
	if got := decodeBody[domain.Order](t, rec); got.Status != domain.OrderStatusConfirmed || len(got.Lines) != 1 {
		t.Errorf("unexpected order: %+v", got)
	}
	if rec := do(t, h, http.MethodGet, "/api/orders/missing", nil); rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}

	store.PutItem(domain.Item{ID: "B", Name: "Item B", StockQuantity: 1})
	rec = do(t, h, http.MethodPost, "/api/items/B/recompute", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if res := decodeBody[domain.Reservation](t, rec); res.ProductStock["P"] != 1 {
		t.Errorf("expected P=1 after B dropped to 1, got %+v", res)
	}
}
