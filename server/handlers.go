package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"mintgate/reserve"
	"mintgate/storage"
)

const maxRequestBody = 1 << 20

type progressResponse struct {
	Total      int     `json:"total"`
	Minted     int     `json:"minted"`
	Reserved   int     `json:"reserved"`
	Available  int     `json:"available"`
	Percentage float64 `json:"percentage"`
}

type intentRequest struct {
	Quantity int `json:"quantity"`
}

type intentResponse struct {
	Success        bool   `json:"success"`
	SessionID      string `json:"sessionId"`
	Amount         string `json:"amount"`
	PaymentAddress string `json:"paymentAddress"`
}

type statusResponse struct {
	Status   string    `json:"status"`
	Message  string    `json:"message,omitempty"`
	TxID     string    `json:"txid,omitempty"`
	Items    []itemRef `json:"items,omitempty"`
	Quantity int       `json:"quantity,omitempty"`
}

type itemRef struct {
	CID string `json:"cid"`
}

type healthResponse struct {
	Status    string      `json:"status"`
	Timestamp string      `json:"timestamp,omitempty"`
	Error     string      `json:"error,omitempty"`
	RPCPool   *poolHealth `json:"rpcPool,omitempty"`
}

type poolHealth struct {
	Remaining int64 `json:"remaining"`
	Total     int64 `json:"total"`
	Enabled   int   `json:"enabled"`
}

func (s *Server) handleMintProgress(w http.ResponseWriter, r *http.Request) {
	view, err := s.engine.Progress(r.Context())
	if err != nil {
		s.writeError(w, r, http.StatusInternalServerError, err, nil)
		return
	}
	s.writeJSON(w, r, http.StatusOK, progressResponse{
		Total:      view.Total,
		Minted:     view.Minted,
		Reserved:   view.Reserved,
		Available:  view.Available,
		Percentage: view.Percentage,
	}, nil)
}

func (s *Server) handleCreateIntent(w http.ResponseWriter, r *http.Request) {
	body, err := s.readBody(w, r)
	if err != nil {
		s.writeError(w, r, http.StatusBadRequest, fmt.Errorf("read body: %w", err), body)
		return
	}
	if ct := strings.TrimSpace(r.Header.Get("Content-Type")); ct != "" {
		media, _, err := mime.ParseMediaType(ct)
		if err != nil || media != "application/json" {
			s.writeError(w, r, http.StatusBadRequest, fmt.Errorf("content type %q not supported", ct), body)
			return
		}
	}
	var req intentRequest
	if err := json.Unmarshal(body, &req); err != nil {
		s.writeError(w, r, http.StatusBadRequest, fmt.Errorf("invalid JSON payload: %w", err), body)
		return
	}
	intent, err := s.engine.CreateIntent(r.Context(), req.Quantity)
	switch {
	case err == nil:
	case errors.Is(err, reserve.ErrQuantityRange):
		msg := fmt.Sprintf("quantity must be between 1 and %d", s.engine.MaxQuantity())
		s.writeJSON(w, r, http.StatusOK, map[string]string{"error": msg}, body)
		return
	case errors.Is(err, reserve.ErrSoldOut):
		s.writeJSON(w, r, http.StatusOK, map[string]string{"error": "not enough items available"}, body)
		return
	case errors.Is(err, reserve.ErrContention):
		s.writeJSON(w, r, http.StatusOK, map[string]string{"error": "reservation conflict, please retry"}, body)
		return
	default:
		s.writeError(w, r, http.StatusInternalServerError, err, body)
		return
	}
	s.writeJSON(w, r, http.StatusOK, intentResponse{
		Success:        true,
		SessionID:      intent.SessionID,
		Amount:         intent.Amount,
		PaymentAddress: intent.Address,
	}, body)
}

func (s *Server) handleCheckStatus(w http.ResponseWriter, r *http.Request) {
	sessionID := strings.TrimSpace(chi.URLParam(r, "sessionID"))
	view, err := s.engine.PaymentStatus(r.Context(), sessionID)
	switch {
	case errors.Is(err, reserve.ErrSessionNotFound):
		s.writeJSON(w, r, http.StatusOK, statusResponse{Status: "error", Message: "Invalid session."}, nil)
		return
	case err != nil:
		s.writeError(w, r, http.StatusInternalServerError, err, nil)
		return
	}
	switch view.Status {
	case string(storage.StatusPending):
		s.writeJSON(w, r, http.StatusOK, statusResponse{Status: "pending"}, nil)
	case reserve.StatusExpired:
		s.writeJSON(w, r, http.StatusOK, statusResponse{
			Status:  "expired",
			Message: "Session expired. Reservation released.",
		}, nil)
	case string(storage.StatusPaymentPending):
		s.writeJSON(w, r, http.StatusOK, statusResponse{
			Status:  "payment_pending",
			Message: "Payment detected. Waiting for confirmation.",
			TxID:    view.TxID,
		}, nil)
	case string(storage.StatusComplete):
		items := make([]itemRef, 0, len(view.Refs))
		for _, ref := range view.Refs {
			items = append(items, itemRef{CID: ref})
		}
		s.writeJSON(w, r, http.StatusOK, statusResponse{
			Status:   "complete",
			Items:    items,
			Quantity: view.Quantity,
		}, nil)
	default:
		s.writeJSON(w, r, http.StatusOK, statusResponse{
			Status:  "error",
			Message: "Payment received but item assignment failed. Please contact support.",
		}, nil)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	if err := s.store.Ping(ctx); err != nil {
		s.writeJSON(w, r, http.StatusServiceUnavailable, healthResponse{
			Status: "unhealthy",
			Error:  err.Error(),
		}, nil)
		return
	}
	resp := healthResponse{
		Status:    "healthy",
		Timestamp: s.clock().UTC().Format(time.RFC3339),
	}
	if s.pool != nil {
		capacity := s.pool.Capacity()
		resp.RPCPool = &poolHealth{
			Remaining: capacity.Remaining,
			Total:     capacity.Total,
			Enabled:   capacity.Enabled,
		}
	}
	s.writeJSON(w, r, http.StatusOK, resp, nil)
}

func (s *Server) readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	reader := http.MaxBytesReader(w, r.Body, maxRequestBody)
	defer func() {
		_ = r.Body.Close()
	}()
	return io.ReadAll(reader)
}

func (s *Server) writeJSON(w http.ResponseWriter, r *http.Request, status int, payload interface{}, reqBody []byte) {
	body, err := json.Marshal(payload)
	if err != nil {
		s.writeError(w, r, http.StatusInternalServerError, err, reqBody)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
	s.audit(r, reqBody, body, status)
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, status int, err error, reqBody []byte) {
	if status <= 0 {
		status = http.StatusInternalServerError
	}
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	}
	body, _ := json.Marshal(map[string]string{"error": err.Error()})
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
	s.audit(r, reqBody, body, status)
}

func (s *Server) audit(r *http.Request, requestBody, responseBody []byte, status int) {
	if s.store == nil {
		return
	}
	entry := storage.AuditEntry{
		RequestID:      requestIDFrom(r.Context()),
		Method:         r.Method,
		Path:           canonicalRequestPath(r),
		RequestBody:    requestBody,
		ResponseStatus: status,
		ResponseBody:   responseBody,
		CreatedAt:      s.clock().UTC(),
	}
	if err := s.store.InsertAudit(r.Context(), entry); err != nil {
		s.logger.Warn("audit insert failed", "path", entry.Path, "error", err)
	}
}

func canonicalRequestPath(r *http.Request) string {
	path := r.URL.Path
	if path == "" {
		path = "/"
	}
	if r.URL.RawQuery != "" {
		parts := strings.Split(r.URL.RawQuery, "&")
		sort.Strings(parts)
		path += "?" + strings.Join(parts, "&")
	}
	return path
}
