package http

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/cwygoda/intake/internal/domain"
)

const maxBodySize = 1 << 20

// Server is the HTTP adapter for batch intake.
type Server struct {
	svc    *domain.BatchService
	mux    *http.ServeMux
	server *http.Server
	secret string
	log    logrus.FieldLogger
}

// NewServer creates a new HTTP server. When secret is set, submissions must
// be signed.
func NewServer(svc *domain.BatchService, addr, secret string, log logrus.FieldLogger) *Server {
	s := &Server{
		svc:    svc,
		mux:    http.NewServeMux(),
		secret: secret,
		log:    log,
	}
	s.routes()
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("POST /batches", s.handleSubmit)
	s.mux.HandleFunc("GET /batches/{id}", s.handleGetBatch)
	s.mux.HandleFunc("GET /batches/{id}/orders", s.handleListOrders)
	s.mux.HandleFunc("POST /batches/{id}/requeue", s.handleRequeue)
	s.mux.HandleFunc("POST /batches/{id}/cancel", s.handleCancel)
	s.mux.HandleFunc("GET /health", s.handleHealth)
}

// submitRequest is the request body for POST /batches. CookieData may be
// the cookie file itself or a string holding it.
type submitRequest struct {
	SupplierID string          `json:"supplier_id"`
	Kind       string          `json:"kind"`
	Processor  string          `json:"processor"`
	CookieData json.RawMessage `json:"cookie_data"`
	Notes      string          `json:"notes"`
}

type batchResponse struct {
	ID            string  `json:"id"`
	SupplierID    string  `json:"supplier_id,omitempty"`
	Kind          string  `json:"kind"`
	Processor     string  `json:"processor,omitempty"`
	Status        string  `json:"status"`
	HasCookieData bool    `json:"has_cookie_data"`
	Notes         string  `json:"notes,omitempty"`
	ErrorMessage  string  `json:"error_message,omitempty"`
	CreatedAt     string  `json:"created_at"`
	StartedAt     *string `json:"started_at,omitempty"`
	CompletedAt   *string `json:"completed_at,omitempty"`
}

type orderResponse struct {
	ID         string            `json:"id"`
	ExternalID string            `json:"external_id"`
	URL        string            `json:"url,omitempty"`
	Fields     map[string]string `json:"fields,omitempty"`
	Error      string            `json:"error,omitempty"`
	Items      []itemResponse    `json:"items"`
}

type itemResponse struct {
	ID              string `json:"id"`
	Name            string `json:"name"`
	SKU             string `json:"sku,omitempty"`
	Quantity        int    `json:"quantity"`
	UnitPrice       string `json:"unit_price,omitempty"`
	ProductURL      string `json:"product_url,omitempty"`
	ImageURL        string `json:"image_url,omitempty"`
	CandidateStatus string `json:"candidate_status"`
}

// errorResponse is the JSON error response.
type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "failed to read request body")
		return
	}

	if s.secret != "" {
		if err := s.verifySignature(r, body); err != nil {
			s.log.WithError(err).Warn("submission verification failed")
			s.writeError(w, http.StatusUnauthorized, err.Error())
			return
		}
	}

	var req submitRequest
	if err := json.NewDecoder(bytes.NewReader(body)).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}

	sr := domain.SubmitRequest{
		Kind:          domain.BatchKind(req.Kind),
		ProcessorName: req.Processor,
		Notes:         req.Notes,
	}
	if req.SupplierID != "" {
		id, err := uuid.Parse(req.SupplierID)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid supplier_id")
			return
		}
		sr.SupplierID = uuid.NullUUID{UUID: id, Valid: true}
	}
	if sr.CookieData, err = cookieText(req.CookieData); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid cookie_data")
		return
	}

	b, err := s.svc.Submit(r.Context(), sr)
	if err != nil {
		s.writeServiceError(w, "submit", err)
		return
	}
	s.log.WithField("batch", b.ID).Info("batch submitted")
	s.writeJSON(w, http.StatusCreated, batchToResponse(b))
}

// cookieText returns the cookie file JSON carried in raw, which is either
// an object or a JSON string.
func cookieText(raw json.RawMessage) (string, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return "", nil
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return "", err
		}
		return s, nil
	}
	return string(raw), nil
}

const maxTimestampSkew = 5 * time.Minute

// verifySignature checks X-Signature = hex(sha256("<timestamp>\n<body>\n<secret>")).
func (s *Server) verifySignature(r *http.Request, body []byte) error {
	timestamp := r.Header.Get("X-Timestamp")
	if timestamp == "" {
		return fmt.Errorf("missing X-Timestamp header")
	}

	ts, err := time.Parse(time.RFC3339, timestamp)
	if err != nil {
		return fmt.Errorf("invalid X-Timestamp: must be RFC3339")
	}

	skew := time.Since(ts)
	if skew < 0 {
		skew = -skew
	}
	if skew > maxTimestampSkew {
		return fmt.Errorf("X-Timestamp too far from current time (skew: %v, max: %v)", skew.Truncate(time.Second), maxTimestampSkew)
	}

	signature := r.Header.Get("X-Signature")
	if signature == "" {
		return fmt.Errorf("missing X-Signature header")
	}

	if !hmac.Equal([]byte(signature), []byte(Sign(timestamp, body, s.secret))) {
		return fmt.Errorf("invalid signature")
	}
	return nil
}

// Sign computes the submission signature for body sent at timestamp.
func Sign(timestamp string, body []byte, secret string) string {
	hash := sha256.Sum256([]byte(timestamp + "\n" + string(body) + "\n" + secret))
	return hex.EncodeToString(hash[:])
}

func (s *Server) handleGetBatch(w http.ResponseWriter, r *http.Request) {
	id, ok := s.batchID(w, r)
	if !ok {
		return
	}
	b, err := s.svc.Get(r.Context(), id)
	if err != nil {
		s.writeServiceError(w, "get batch", err)
		return
	}
	s.writeJSON(w, http.StatusOK, batchToResponse(b))
}

func (s *Server) handleListOrders(w http.ResponseWriter, r *http.Request) {
	id, ok := s.batchID(w, r)
	if !ok {
		return
	}
	orders, err := s.svc.Orders(r.Context(), id)
	if err != nil {
		s.writeServiceError(w, "list orders", err)
		return
	}
	resp := make([]orderResponse, 0, len(orders))
	for _, o := range orders {
		resp = append(resp, orderToResponse(o))
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleRequeue(w http.ResponseWriter, r *http.Request) {
	s.handleTransition(w, r, "requeue", s.svc.Requeue)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	s.handleTransition(w, r, "cancel", s.svc.Cancel)
}

func (s *Server) handleTransition(w http.ResponseWriter, r *http.Request, op string, fn func(context.Context, uuid.UUID) (*domain.StagingBatch, error)) {
	id, ok := s.batchID(w, r)
	if !ok {
		return
	}
	b, err := fn(r.Context(), id)
	if err != nil {
		s.writeServiceError(w, op, err)
		return
	}
	s.log.WithFields(logrus.Fields{"batch": b.ID, "status": b.Status}).Info("batch " + op)
	s.writeJSON(w, http.StatusOK, batchToResponse(b))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) batchID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid batch ID")
		return uuid.Nil, false
	}
	return id, true
}

func (s *Server) writeServiceError(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, domain.ErrBatchNotFound):
		s.writeError(w, http.StatusNotFound, "batch not found")
	case errors.Is(err, domain.ErrSupplierNotFound):
		s.writeError(w, http.StatusUnprocessableEntity, "supplier not found")
	case errors.Is(err, domain.ErrInvalidArgument), errors.Is(err, domain.ErrInvalidCookieFile):
		s.writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, domain.ErrInvalidTransition), errors.Is(err, domain.ErrStaleBatch):
		s.writeError(w, http.StatusConflict, err.Error())
	default:
		s.log.WithError(err).Errorf("%s failed", op)
		s.writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, errorResponse{Error: msg})
}

func formatTime(t *time.Time) *string {
	if t == nil {
		return nil
	}
	v := t.UTC().Format(time.RFC3339)
	return &v
}

func batchToResponse(b *domain.StagingBatch) batchResponse {
	resp := batchResponse{
		ID:            b.ID.String(),
		Kind:          string(b.Kind),
		Processor:     b.ProcessorName,
		Status:        string(b.Status),
		HasCookieData: strings.TrimSpace(b.CookieData) != "",
		Notes:         b.Notes,
		ErrorMessage:  b.ErrorMessage,
		CreatedAt:     b.CreatedAt.UTC().Format(time.RFC3339),
		StartedAt:     formatTime(b.StartedAt),
		CompletedAt:   formatTime(b.CompletedAt),
	}
	if b.SupplierID.Valid {
		resp.SupplierID = b.SupplierID.UUID.String()
	}
	return resp
}

func orderToResponse(o domain.StagingPurchaseOrder) orderResponse {
	resp := orderResponse{
		ID:         o.ID.String(),
		ExternalID: o.ExternalID,
		URL:        o.URL,
		Fields:     o.Fields,
		Error:      o.Error,
		Items:      make([]itemResponse, 0, len(o.Items)),
	}
	for _, it := range o.Items {
		resp.Items = append(resp.Items, itemResponse{
			ID:              it.ID.String(),
			Name:            it.Name,
			SKU:             it.SKU,
			Quantity:        it.Quantity,
			UnitPrice:       it.UnitPrice,
			ProductURL:      it.ProductURL,
			ImageURL:        it.ImageURL,
			CandidateStatus: string(it.CandidateStatus),
		})
	}
	return resp
}

// ListenAndServe starts the HTTP server.
func (s *Server) ListenAndServe() error {
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// ServeHTTP implements http.Handler for testing.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// Addr returns the server address.
func (s *Server) Addr() string {
	return s.server.Addr
}
