package hub

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/stockpilot/realtime/internal/inventory"
)

type movementRequest struct {
	Delta    int    `json:"delta"`
	Reason   string `json:"reason"`
	UserID   string `json:"userId"`
	UserName string `json:"userName"`
}

type healthResponse struct {
	Status        string  `json:"status"`
	UptimeSeconds float64 `json:"uptimeSeconds"`
	Clients       int     `json:"clients"`
	PollSessions  int     `json:"pollSessions"`
	RSSBytes      uint64  `json:"rssBytes,omitempty"`
	CPUPercent    float64 `json:"cpuPercent,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status:        "ok",
		UptimeSeconds: time.Since(s.started).Seconds(),
		Clients:       s.hub.ClientCount(),
		PollSessions:  s.hub.PollSessionCount(),
	}
	if s.proc != nil {
		if mem, err := s.proc.MemoryInfoWithContext(r.Context()); err == nil {
			resp.RSSBytes = mem.RSS
		}
		if cpu, err := s.proc.CPUPercentWithContext(r.Context()); err == nil {
			resp.CPUPercent = cpu
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleListItems(w http.ResponseWriter, r *http.Request) {
	items, err := s.inv.List(r.Context())
	if err != nil {
		s.inventoryError(w, err)
		return
	}
	if items == nil {
		items = []inventory.Item{}
	}
	writeJSON(w, http.StatusOK, items)
}

func (s *Server) handleGetItem(w http.ResponseWriter, r *http.Request) {
	it, err := s.inv.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.inventoryError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, it)
}

func (s *Server) handleCreateItem(w http.ResponseWriter, r *http.Request) {
	var it inventory.Item
	if err := json.NewDecoder(r.Body).Decode(&it); err != nil {
		writeError(w, http.StatusBadRequest, "invalid item body")
		return
	}
	created, err := s.inv.CreateItem(r.Context(), it)
	if err != nil {
		s.inventoryError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) handleMovement(w http.ResponseWriter, r *http.Request) {
	var req movementRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid movement body")
		return
	}
	m := inventory.Movement{
		ItemID:   chi.URLParam(r, "id"),
		Delta:    req.Delta,
		Reason:   req.Reason,
		UserID:   req.UserID,
		UserName: req.UserName,
	}
	// A verified token decides who made the movement.
	if id, ok := identityFrom(r.Context()); ok {
		m.UserID = id.UserID
	}
	res, err := s.inv.RecordMovement(r.Context(), m)
	if err != nil {
		s.inventoryError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	sum, err := s.inv.Summary(r.Context())
	if err != nil {
		s.inventoryError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

func (s *Server) inventoryError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, inventory.ErrItemNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, inventory.ErrInsufficientStock):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, inventory.ErrInvalidItem):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		s.log.Error().Err(err).Msg("inventory request failed")
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}
