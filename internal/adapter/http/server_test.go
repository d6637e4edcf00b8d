package http

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cwygoda/intake/internal/adapter/sqlite"
	"github.com/cwygoda/intake/internal/domain"
)

const cookieJSON = `{"domain":"shop.example","capturedAt":"2024-06-01T12:00:00Z","cookies":[{"name":"sid","value":"1"}]}`

type testEnv struct {
	srv *Server
	svc *domain.BatchService
	db  *sqlite.DB
	sup *domain.Supplier
}

func setupTestServer(t *testing.T, secret string) *testEnv {
	t.Helper()
	db, err := sqlite.Open(filepath.Join(t.TempDir(), "intake.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	svc := domain.NewBatchService(db)
	sup, err := svc.AddSupplier(context.Background(), "Acme", "https://acme.example", "acme")
	require.NoError(t, err)

	log, _ := test.NewNullLogger()
	return &testEnv{srv: NewServer(svc, ":8080", secret, log), svc: svc, db: db, sup: sup}
}

func (e *testEnv) do(t *testing.T, method, path string, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	e.srv.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&v))
	return v
}

func TestServer_Submit(t *testing.T) {
	env := setupTestServer(t, "")

	tests := []struct {
		name string
		body string
	}{
		{"object cookies", `{"supplier_id":"` + env.sup.ID.String() + `","cookie_data":` + cookieJSON + `}`},
		{"string cookies", `{"supplier_id":"` + env.sup.ID.String() + `","cookie_data":` + mustQuote(cookieJSON) + `,"processor":"acme"}`},
		{"bare batch", `{"notes":"fill in later"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do(t, http.MethodPost, "/batches", tt.body, nil)
			require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

			resp := decode[batchResponse](t, rec)
			assert.Equal(t, "queued", resp.Status)
			assert.Equal(t, "web_scrape", resp.Kind)

			b, err := env.svc.Get(context.Background(), uuid.MustParse(resp.ID))
			require.NoError(t, err)
			assert.Equal(t, domain.BatchQueued, b.Status)
			assert.Equal(t, resp.HasCookieData, b.CookieData != "")
		})
	}
}

func TestServer_SubmitErrors(t *testing.T) {
	env := setupTestServer(t, "")

	tests := []struct {
		name string
		body string
		want int
	}{
		{"invalid json", `{`, http.StatusBadRequest},
		{"invalid supplier id", `{"supplier_id":"nope"}`, http.StatusBadRequest},
		{"unknown supplier", `{"supplier_id":"` + uuid.NewString() + `"}`, http.StatusUnprocessableEntity},
		{"bad kind", `{"kind":"carrier_pigeon"}`, http.StatusBadRequest},
		{"bad cookies", `{"cookie_data":{"cookies":[]}}`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do(t, http.MethodPost, "/batches", tt.body, nil)
			assert.Equal(t, tt.want, rec.Code, rec.Body.String())
			assert.NotEmpty(t, decode[errorResponse](t, rec).Error)
		})
	}
}

func TestServer_SubmitSigned(t *testing.T) {
	env := setupTestServer(t, "s3cret")
	body := `{"notes":"signed"}`
	now := time.Now().UTC().Format(time.RFC3339)

	tests := []struct {
		name    string
		headers map[string]string
		want    int
	}{
		{"valid", map[string]string{"X-Timestamp": now, "X-Signature": Sign(now, []byte(body), "s3cret")}, http.StatusCreated},
		{"missing timestamp", map[string]string{"X-Signature": "x"}, http.StatusUnauthorized},
		{"missing signature", map[string]string{"X-Timestamp": now}, http.StatusUnauthorized},
		{"wrong secret", map[string]string{"X-Timestamp": now, "X-Signature": Sign(now, []byte(body), "other")}, http.StatusUnauthorized},
		{"stale timestamp", func() map[string]string {
			old := time.Now().Add(-time.Hour).UTC().Format(time.RFC3339)
			return map[string]string{"X-Timestamp": old, "X-Signature": Sign(old, []byte(body), "s3cret")}
		}(), http.StatusUnauthorized},
		{"bad timestamp", map[string]string{"X-Timestamp": "yesterday", "X-Signature": "x"}, http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do(t, http.MethodPost, "/batches", body, tt.headers)
			assert.Equal(t, tt.want, rec.Code, rec.Body.String())
		})
	}
}

func TestServer_GetBatch(t *testing.T) {
	env := setupTestServer(t, "")
	b, err := env.svc.Submit(context.Background(), domain.SubmitRequest{Notes: "x"})
	require.NoError(t, err)

	rec := env.do(t, http.MethodGet, "/batches/"+b.ID.String(), "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decode[batchResponse](t, rec)
	assert.Equal(t, b.ID.String(), resp.ID)
	assert.Nil(t, resp.StartedAt)

	rec = env.do(t, http.MethodGet, "/batches/"+uuid.NewString(), "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = env.do(t, http.MethodGet, "/batches/42", "", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServer_ListOrders(t *testing.T) {
	env := setupTestServer(t, "")
	ctx := context.Background()
	b, err := env.svc.Submit(ctx, domain.SubmitRequest{
		SupplierID: uuid.NullUUID{UUID: env.sup.ID, Valid: true},
		CookieData: cookieJSON,
	})
	require.NoError(t, err)

	st, err := env.db.Acquire(ctx)
	require.NoError(t, err)
	order := &domain.StagingPurchaseOrder{
		ID: uuid.New(), BatchID: b.ID, SupplierID: env.sup.ID, ExternalID: "A-1", CreatedAt: time.Now(),
		Items: []domain.StagingPurchaseOrderItem{
			{ID: uuid.New(), Name: "Bolt", Quantity: 2, CandidateStatus: domain.CandidatePending},
		},
	}
	require.NoError(t, st.InsertOrder(ctx, order))
	require.NoError(t, st.Close())

	rec := env.do(t, http.MethodGet, "/batches/"+b.ID.String()+"/orders", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	orders := decode[[]orderResponse](t, rec)
	require.Len(t, orders, 1)
	assert.Equal(t, "A-1", orders[0].ExternalID)
	require.Len(t, orders[0].Items, 1)
	assert.Equal(t, "pending", orders[0].Items[0].CandidateStatus)

	rec = env.do(t, http.MethodGet, "/batches/"+uuid.NewString()+"/orders", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_CancelAndRequeue(t *testing.T) {
	env := setupTestServer(t, "")
	b, err := env.svc.Submit(context.Background(), domain.SubmitRequest{})
	require.NoError(t, err)
	path := "/batches/" + b.ID.String()

	rec := env.do(t, http.MethodPost, path+"/requeue", "", nil)
	assert.Equal(t, http.StatusConflict, rec.Code, "queued batch cannot be requeued")

	rec = env.do(t, http.MethodPost, path+"/cancel", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "cancelled", decode[batchResponse](t, rec).Status)

	rec = env.do(t, http.MethodPost, path+"/cancel", "", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = env.do(t, http.MethodPost, path+"/requeue", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "queued", decode[batchResponse](t, rec).Status)
}

func TestServer_Health(t *testing.T) {
	env := setupTestServer(t, "")
	rec := env.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", decode[map[string]string](t, rec)["status"])
}

func mustQuote(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}
