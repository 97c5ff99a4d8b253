package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/mihaimyh/quizaccess/pkg/entitlement"
)

// ProvisionPath is the route of the account provisioning callable
const ProvisionPath = "/provisionUser"

// Provision handles POST /provisionUser.
//
// It creates the caller's default record and applies the promotional grant
// once. Admins may name another account with {"data":{"uid":"..."}}. A second
// call for the same account succeeds with "created":false.
func (h *Handler) Provision(w http.ResponseWriter, r *http.Request) {
	defer func() {
		if rec := recover(); rec != nil {
			h.config.Logger.Error("provision handler panic", entitlement.F("panic", rec))
			writeError(w, http.StatusInternalServerError, "INTERNAL", "internal error")
		}
	}()

	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		writeError(w, http.StatusMethodNotAllowed, "INVALID_ARGUMENT", "method not allowed")
		return
	}
	if h.config.Provisioner == nil {
		writeError(w, http.StatusNotImplemented, "UNIMPLEMENTED", "provisioning is not enabled")
		return
	}

	caller, ok := h.authenticate(w, r)
	if !ok {
		return
	}

	var req provisionRequest
	if err := decodeRequest(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_ARGUMENT", err.Error())
		return
	}
	target := strings.TrimSpace(req.UID)
	if target == "" {
		target = caller.UID
	}
	if strings.Contains(target, "/") {
		writeError(w, http.StatusBadRequest, "INVALID_ARGUMENT", "uid is not a valid user id")
		return
	}
	if target != caller.UID && !caller.Admin {
		writeError(w, http.StatusForbidden, "PERMISSION_DENIED", "only admins can provision another user")
		return
	}

	rec, err := h.config.Provisioner.Provision(r.Context(), target)
	switch {
	case err == nil:
	case errors.Is(err, entitlement.ErrRecordExists):
		writeJSON(w, http.StatusOK, callResult{Result: provisionResponse{Success: true, UID: target}})
		return
	default:
		h.config.Logger.Error("provisioning failed",
			entitlement.F("user_id", target),
			entitlement.F("error", err),
		)
		writeError(w, http.StatusInternalServerError, "INTERNAL", "internal error")
		return
	}

	h.config.Logger.Info("account provisioned",
		entitlement.F("caller_uid", caller.UID),
		entitlement.F("user_id", target),
		entitlement.F("access_tier", string(rec.AccessTier)),
	)
	writeJSON(w, http.StatusOK, callResult{Result: provisionResponse{
		Success:    true,
		UID:        target,
		Created:    true,
		AccessTier: rec.AccessTier,
	}})
}
