package http

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/globus/action-provider-tools/internal/provider/domain"
	"github.com/globus/action-provider-tools/internal/provider/service"
	"github.com/globus/action-provider-tools/pkg/authstate"
	"github.com/globus/action-provider-tools/pkg/httpx"
	"github.com/globus/action-provider-tools/pkg/slogx"
)

const maxRunBodyBytes = 1 << 20

// ActionsHandler serves /run and the per-action routes. Every route runs
// behind RequireAuthentication.
type ActionsHandler struct {
	ActionService *service.ActionService
}

// HandleRun handles POST /run. A new action is 202, a replayed request id
// returns the existing action with 200.
func (h *ActionsHandler) HandleRun(w http.ResponseWriter, r *http.Request) {
	state, ok := h.caller(w, r)
	if !ok {
		return
	}

	var req domain.RunRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRunBodyBytes)).Decode(&req); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "invalid_request", "request body must be a JSON object")
		return
	}

	a, created, err := h.ActionService.Run(r.Context(), state, req)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	code := http.StatusOK
	if created {
		code = http.StatusAccepted
	}
	writeStatus(w, r, code, a)
}

// HandleStatus handles GET /{action_id}/status.
func (h *ActionsHandler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	state, ok := h.caller(w, r)
	if !ok {
		return
	}

	a, err := h.ActionService.Status(r.Context(), state, r.PathValue("action_id"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeStatus(w, r, http.StatusOK, a)
}

// HandleLog handles GET /{action_id}/log?limit=N.
func (h *ActionsHandler) HandleLog(w http.ResponseWriter, r *http.Request) {
	state, ok := h.caller(w, r)
	if !ok {
		return
	}

	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			httpx.WriteError(w, http.StatusBadRequest, "invalid_request", "limit must be a positive integer")
			return
		}
		limit = n
	}

	actionID := r.PathValue("action_id")
	entries, err := h.ActionService.Log(r.Context(), state, actionID, limit)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"action_id": actionID,
		"entries":   entries,
	})
}

// HandleCancel handles POST /{action_id}/cancel.
func (h *ActionsHandler) HandleCancel(w http.ResponseWriter, r *http.Request) {
	state, ok := h.caller(w, r)
	if !ok {
		return
	}

	a, err := h.ActionService.Cancel(r.Context(), state, r.PathValue("action_id"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeStatus(w, r, http.StatusOK, a)
}

// HandleRelease handles POST /{action_id}/release.
func (h *ActionsHandler) HandleRelease(w http.ResponseWriter, r *http.Request) {
	state, ok := h.caller(w, r)
	if !ok {
		return
	}

	a, err := h.ActionService.Release(r.Context(), state, r.PathValue("action_id"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeStatus(w, r, http.StatusOK, a)
}

func (h *ActionsHandler) caller(w http.ResponseWriter, r *http.Request) (*authstate.AuthState, bool) {
	state, ok := httpx.AuthStateFromContext(r.Context())
	if !ok {
		httpx.WriteAuthError(w, r, authstate.ErrMissingCredential)
		return nil, false
	}
	return state, true
}

// writeStatus writes a as an ActionStatus. A status that breaks the
// ActionStatus schema is still sent but logged.
func writeStatus(w http.ResponseWriter, r *http.Request, code int, a domain.Action) {
	st := a.ToStatus()
	if err := st.Validate(); err != nil {
		slogx.FromContext(r.Context()).Error("action status does not match schema", "action_id", a.ActionID, "error", err)
	}
	httpx.WriteJSON(w, code, st)
}

// writeServiceError maps action service errors to responses. Anything it
// does not recognise goes through the auth error mapping, which ends in 500.
func writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, domain.ErrInvalidRequest):
		httpx.WriteError(w, http.StatusBadRequest, "invalid_request", err.Error())
	case errors.Is(err, service.ErrActionNotFound):
		httpx.WriteError(w, http.StatusNotFound, "not_found", "no action with id "+r.PathValue("action_id"))
	case errors.Is(err, service.ErrInvalidState):
		httpx.WriteError(w, http.StatusConflict, "invalid_state", err.Error())
	default:
		slogx.FromContext(r.Context()).Debug("action request failed", "error", err)
		httpx.WriteAuthError(w, r, err)
	}
}
