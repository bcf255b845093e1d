package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/sthanfv/el-buen-corte--sub000/internal/auth"
	"github.com/sthanfv/el-buen-corte--sub000/internal/middleware"
	"github.com/sthanfv/el-buen-corte--sub000/internal/models"
	"github.com/sthanfv/el-buen-corte--sub000/internal/repository"
	"github.com/sthanfv/el-buen-corte--sub000/internal/service"
)

const maxBodyBytes = 1 << 20

const msgStockExhausted = "one of the products in your cart just sold out, please review your order"

type createResponse struct {
	OK        bool   `json:"ok"`
	ID        string `json:"id"`
	Duplicate bool   `json:"duplicate,omitempty"`
}

type updateResponse struct {
	OK     bool               `json:"ok"`
	ID     string             `json:"id"`
	Status models.OrderStatus `json:"status"`
}

type listResponse struct {
	OK     bool            `json:"ok"`
	Orders []*models.Order `json:"orders"`
}

type tokenResponse struct {
	OK        bool      `json:"ok"`
	Token     string    `json:"token"`
	UID       string    `json:"uid"`
	ExpiresAt time.Time `json:"expiresAt"`
}

type validationResponse struct {
	OK     bool                 `json:"ok"`
	Error  string               `json:"error"`
	Fields []service.FieldError `json:"fields,omitempty"`
}

func (s *Server) meta(r *http.Request) service.RequestMeta {
	id, _ := auth.IdentityFromContext(r.Context())
	return service.RequestMeta{
		Identity: id,
		IP:       middleware.ClientIP(r),
		Endpoint: r.URL.Path,
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	middleware.WriteJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleAnonymous(w http.ResponseWriter, _ *http.Request) {
	token, id, exp, err := s.deps.Issuer.IssueAnonymous(s.anonTTL)
	if err != nil {
		s.log.Error("issue anonymous token", zap.Error(err))
		middleware.WriteError(w, http.StatusInternalServerError, "internal error")
		return
	}
	middleware.WriteJSON(w, http.StatusOK, tokenResponse{OK: true, Token: token, UID: id.UID, ExpiresAt: exp})
}

func (s *Server) handleCreateOrder(w http.ResponseWriter, r *http.Request) {
	var req service.CreateOrderRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		middleware.WriteError(w, http.StatusBadRequest, "invalid payload")
		return
	}
	res, err := s.deps.Orders.CreateOrder(r.Context(), req, s.meta(r))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	middleware.WriteJSON(w, http.StatusOK, createResponse{OK: true, ID: res.ID, Duplicate: res.Duplicate})
}

func (s *Server) handleUpdateOrder(w http.ResponseWriter, r *http.Request) {
	var req service.UpdateOrderRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		msg := "invalid payload"
		if s.exposeDetails {
			msg += ": " + err.Error()
		}
		middleware.WriteError(w, http.StatusBadRequest, msg)
		return
	}
	o, err := s.deps.Orders.UpdateOrder(r.Context(), req, s.meta(r))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	middleware.WriteJSON(w, http.StatusOK, updateResponse{OK: true, ID: o.ID, Status: o.Status})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	view, err := s.deps.Orders.GetStatus(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	middleware.WriteJSON(w, http.StatusOK, view)
}

func (s *Server) handleListOrders(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := repository.ListFilter{Status: models.OrderStatus(q.Get("status"))}
	if f.Status != "" && !f.Status.Valid() {
		middleware.WriteError(w, http.StatusBadRequest, "unknown status")
		return
	}
	if raw := q.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			middleware.WriteError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		f.Limit = limit
	}
	orders, err := s.deps.Orders.List(r.Context(), f)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	middleware.WriteJSON(w, http.StatusOK, listResponse{OK: true, Orders: orders})
}

// writeServiceError is the single place where domain errors become status codes.
func (s *Server) writeServiceError(w http.ResponseWriter, err error) {
	var (
		verr     *service.ValidationError
		terminal *models.TerminalStateError
	)
	switch {
	case errors.As(err, &verr):
		body := validationResponse{Error: "invalid payload"}
		if s.exposeDetails {
			body.Fields = verr.Fields
		}
		middleware.WriteJSON(w, http.StatusBadRequest, body)
	case errors.As(err, &terminal):
		middleware.WriteError(w, http.StatusBadRequest, terminal.Error())
	case errors.Is(err, models.ErrInvalidTransition):
		middleware.WriteError(w, http.StatusBadRequest, "invalid status transition")
	case errors.Is(err, service.ErrNotFound):
		middleware.WriteError(w, http.StatusNotFound, "order not found")
	case errors.Is(err, service.ErrStockExhausted):
		middleware.WriteError(w, http.StatusInternalServerError, msgStockExhausted)
	case errors.Is(err, service.ErrTimeout):
		middleware.WriteError(w, http.StatusGatewayTimeout, "the order could not be processed in time, please retry")
	default:
		s.log.Error("request failed", zap.Error(err))
		middleware.WriteError(w, http.StatusInternalServerError, "internal error")
	}
}
