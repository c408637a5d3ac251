package transport_test

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gofrs/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vasiliy-maslov/storefront/internal/auth"
	"github.com/vasiliy-maslov/storefront/internal/catalog"
	"github.com/vasiliy-maslov/storefront/internal/handler"
	"github.com/vasiliy-maslov/storefront/internal/inventory"
	"github.com/vasiliy-maslov/storefront/internal/metrics"
	"github.com/vasiliy-maslov/storefront/internal/order"
	"github.com/vasiliy-maslov/storefront/internal/transport"
)

func newServer(t *testing.T) (*httptest.Server, *auth.Authenticator, *catalog.Product) {
	t.Helper()

	store := catalog.NewMemoryStore()
	product := &catalog.Product{
		Name:     "Espresso",
		Category: catalog.CategoryBeverages,
		Price:    decimal.RequireFromString("3.00"),
		Stock:    5,
		IsActive: true,
	}
	require.NoError(t, store.CreateProduct(context.Background(), product))

	m := metrics.New()
	ledger := inventory.NewLedger(store, inventory.WithRecorder(m))
	service := order.NewService(order.NewMemoryRepository(), ledger, store)
	authenticator := auth.NewAuthenticator("router-secret")

	router := transport.NewRouter(transport.RouterDeps{
		Auth:    authenticator,
		Orders:  handler.NewOrderHandler(service, nil),
		Cart:    handler.NewCartHandler(ledger),
		Metrics: m,
	})

	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return srv, authenticator, product
}

func TestRouter_Health(t *testing.T) {
	srv, _, _ := newServer(t)

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "OK", string(body))
}

func TestRouter_APIRequiresToken(t *testing.T) {
	srv, _, _ := newServer(t)

	resp, err := http.Get(srv.URL + "/api/orders/user")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
}

func TestRouter_PlaceOrderEndToEnd(t *testing.T) {
	srv, authenticator, product := newServer(t)

	caller := auth.Identity{UserID: uuid.Must(uuid.NewV4()), Role: auth.RoleUser}
	token, err := authenticator.Sign(caller, time.Minute)
	require.NoError(t, err)

	payload := `{"items":[{"product_id":"` + product.ID.String() + `","quantity":2,"price":"3.00"}],` +
		`"total_amount":"6.00","shipping_address":"1 Main St"}`
	req, err := http.NewRequest(http.MethodPost, srv.URL+"/api/orders", strings.NewReader(payload))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	metricsResp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer metricsResp.Body.Close()

	body, err := io.ReadAll(metricsResp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "http_requests_total")
	assert.Contains(t, string(body), "stock_units_reserved_total 2")
}

func TestRouter_RejectsSubCentPrices(t *testing.T) {
	srv, authenticator, product := newServer(t)

	caller := auth.Identity{UserID: uuid.Must(uuid.NewV4()), Role: auth.RoleUser}
	token, err := authenticator.Sign(caller, time.Minute)
	require.NoError(t, err)

	post := func(price, total string, qty int) (int, string) {
		payload := fmt.Sprintf(`{"items":[{"product_id":%q,"quantity":%d,"price":%q}],"total_amount":%q,"shipping_address":"1 Main St"}`,
			product.ID.String(), qty, price, total)
		req, err := http.NewRequest(http.MethodPost, srv.URL+"/api/orders", strings.NewReader(payload))
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set("Content-Type", "application/json")

		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		defer resp.Body.Close()

		var body handler.ErrorResponse
		_ = json.NewDecoder(resp.Body).Decode(&body)
		return resp.StatusCode, body.Error
	}

	status, code := post("3.005", "6.01", 2)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, handler.CodeValidation, code)

	status, code = post("3.00", "10000000000.00", 2)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, handler.CodeValidation, code)

	// Nothing was reserved: the full stock of 5 is still available.
	status, _ = post("3.00", "15.00", 5)
	assert.Equal(t, http.StatusCreated, status)
}
