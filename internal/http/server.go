// Package httpapi exposes the messaging core over HTTP: campaign execution,
// queue visibility for the admin surface, and business-event callbacks.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/relaypoint/loyalty-messaging/internal/core"
	"github.com/relaypoint/loyalty-messaging/internal/dispatch"
	"github.com/relaypoint/loyalty-messaging/internal/store"
)

type Server struct {
	Dispatcher *dispatch.Dispatcher
	Campaigns  store.Campaigns
	Directory  store.Directory
	Queue      store.Queue
	Triggers   *dispatch.TransactionalTriggers
	Ready      func(ctx context.Context) error
}

func NewServer(d *dispatch.Dispatcher, c store.Campaigns, dir store.Directory, q store.Queue, t *dispatch.TransactionalTriggers, ready func(ctx context.Context) error) *Server {
	return &Server{Dispatcher: d, Campaigns: c, Directory: dir, Queue: q, Triggers: t, Ready: ready}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Recoverer, instrument)

	s.mountHealth(r)
	s.mountMetrics(r)

	r.Post("/campaigns/{id}/execute", s.executeCampaign)
	r.Get("/campaigns/{id}", s.getCampaign)
	r.Get("/messages", s.listMessages)
	r.Get("/messages/stats", s.messageStats)
	r.Get("/messages/{id}", s.getMessage)
	r.Post("/events/customer-created", s.customerCreated)
	r.Post("/events/order-placed", s.orderPlaced)
	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, core.ErrNotFound):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
	case errors.Is(err, core.ErrValidation):
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
	case errors.Is(err, core.ErrEmptyAudience):
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"error": err.Error()})
	case errors.Is(err, core.ErrDuplicateExecution):
		writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
	default:
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
}

func (s *Server) executeCampaign(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	res, err := s.Dispatcher.Execute(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, res)
}

func (s *Server) getCampaign(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	c, err := s.Campaigns.GetCampaign(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	stats, err := s.Campaigns.CampaignStats(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"campaign": c, "delivery": stats})
}

func (s *Server) listMessages(w http.ResponseWriter, r *http.Request) {
	var f store.MessageFilter
	if v := r.URL.Query().Get("status"); v != "" {
		f.Status = &v
	}
	if v := r.URL.Query().Get("customer_id"); v != "" {
		f.CustomerID = &v
	}
	f.Limit = 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 500 {
			f.Limit = n
		}
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			f.Offset = n
		}
	}
	items, err := s.Queue.ListMessages(r.Context(), f)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items, "limit": f.Limit, "offset": f.Offset})
}

func (s *Server) messageStats(w http.ResponseWriter, r *http.Request) {
	counts, err := s.Queue.CountByStatus(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, counts)
}

func (s *Server) getMessage(w http.ResponseWriter, r *http.Request) {
	msg, err := s.Queue.GetMessage(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, msg)
}

// customerCreated is the fire-and-forget boundary: the response never
// depends on whether the welcome message could be enqueued.
func (s *Server) customerCreated(w http.ResponseWriter, r *http.Request) {
	var c core.Customer
	if err := json.NewDecoder(r.Body).Decode(&c); err != nil || c.ID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_body"})
		return
	}
	s.Triggers.CustomerCreated(c)
	writeJSON(w, http.StatusAccepted, map[string]any{"ok": true})
}

// orderPlaced looks the customer up in the directory rather than trusting
// the caller's copy; the event payload carries only the id and the
// purchase facts.
func (s *Server) orderPlaced(w http.ResponseWriter, r *http.Request) {
	var in struct {
		CustomerID string                 `json:"customer_id"`
		Facts      dispatch.PurchaseFacts `json:"facts"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil || in.CustomerID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_body"})
		return
	}
	c, err := s.Directory.GetCustomer(r.Context(), in.CustomerID)
	if err != nil {
		writeError(w, err)
		return
	}
	s.Triggers.OrderPlaced(c, in.Facts)
	writeJSON(w, http.StatusAccepted, map[string]any{"ok": true})
}
