package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/shopspring/decimal"

	"atomic-pek/internal/storage"
	"atomic-pek/internal/swap"
)

const (
	msgMissingParameters = "Missing parameters"
	msgSwapNotFound      = "Swap not found"
	msgSwapFinished      = "Swap already finished"
	msgInternal          = "Internal error"
	msgUnauthorized      = "Unauthorized"
	msgAdminDisabled     = "Admin API disabled"
	msgMethodNotAllowed  = "Method not allowed"
)

// maxBodyBytes bounds start requests.
const maxBodyBytes = 1 << 16

// StartSwapRequest is the body of POST /start_swap.
// Amount accepts a JSON number or a numeric string.
type StartSwapRequest struct {
	User   string          `json:"user"`
	Token  string          `json:"token"`
	Amount decimal.Decimal `json:"amount"`
}

// ErrorResponse is the body of every non-2xx answer.
type ErrorResponse struct {
	Error string `json:"error"`
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	var req StartSwapRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		s.log.WithError(err).Debug("failed to decode start request")
		writeError(w, http.StatusBadRequest, msgMissingParameters)
		return
	}

	res, err := s.svc.Start(r.Context(), swap.StartRequest{
		User:   req.User,
		Token:  req.Token,
		Amount: req.Amount,
	})
	switch {
	case errors.Is(err, swap.ErrInvalidRequest):
		s.log.WithError(err).Debug("rejected start request")
		writeError(w, http.StatusBadRequest, msgMissingParameters)
		return
	case err != nil:
		s.log.WithError(err).Error("failed to start swap")
		writeError(w, http.StatusInternalServerError, msgInternal)
		return
	}

	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	snap, err := s.svc.Status(r.Context(), id)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, http.StatusNotFound, msgSwapNotFound)
		return
	case err != nil:
		s.log.WithError(err).WithField("swap_id", id).Error("failed to load swap")
		writeError(w, http.StatusInternalServerError, msgInternal)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleAbort(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	err := s.svc.Abort(r.Context(), id)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, http.StatusNotFound, msgSwapNotFound)
	case errors.Is(err, storage.ErrTerminalState):
		writeError(w, http.StatusConflict, msgSwapFinished)
	case err != nil:
		s.log.WithError(err).WithField("swap_id", id).Error("failed to request abort")
		writeError(w, http.StatusInternalServerError, msgInternal)
	default:
		w.WriteHeader(http.StatusAccepted)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}
