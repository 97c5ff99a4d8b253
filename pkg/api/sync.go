package api

import (
	"errors"
	"net/http"

	"github.com/mihaimyh/quizaccess/pkg/billing"
	"github.com/mihaimyh/quizaccess/pkg/entitlement"
)

// SyncPath is the route of the restore-purchases callable
const SyncPath = "/syncPurchases"

// Sync handles POST /syncPurchases.
//
// The caller's own record is re-derived from the provider's current state:
// {"data":{"provider":"stripe"}}. There is no admin override.
func (h *Handler) Sync(w http.ResponseWriter, r *http.Request) {
	defer func() {
		if rec := recover(); rec != nil {
			h.config.Logger.Error("sync handler panic", entitlement.F("panic", rec))
			writeError(w, http.StatusInternalServerError, "INTERNAL", "internal error")
		}
	}()

	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		writeError(w, http.StatusMethodNotAllowed, "INVALID_ARGUMENT", "method not allowed")
		return
	}

	caller, ok := h.authenticate(w, r)
	if !ok {
		return
	}

	var req syncRequest
	if err := decodeRequest(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_ARGUMENT", err.Error())
		return
	}
	syncer, ok := h.config.Syncers[req.Provider]
	if !ok {
		writeError(w, http.StatusBadRequest, "INVALID_ARGUMENT", "unsupported provider")
		return
	}

	tier, err := syncer.SyncUser(r.Context(), caller.UID)
	switch {
	case err == nil:
	case errors.Is(err, billing.ErrUserNotFound):
		writeError(w, http.StatusNotFound, "NOT_FOUND", "no purchases found for user")
		return
	default:
		h.config.Logger.Error("purchase sync failed",
			entitlement.F("provider", req.Provider),
			entitlement.F("user_id", caller.UID),
			entitlement.F("error", err),
		)
		writeError(w, http.StatusInternalServerError, "INTERNAL", "internal error")
		return
	}

	writeJSON(w, http.StatusOK, callResult{Result: syncResponse{
		Success:    true,
		UID:        caller.UID,
		Provider:   req.Provider,
		AccessTier: tier,
	}})
}
