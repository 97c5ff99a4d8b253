package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/mihaimyh/quizaccess/internal/ratelimit"
	"github.com/mihaimyh/quizaccess/pkg/entitlement"
	"github.com/mihaimyh/quizaccess/pkg/recompute"
)

const (
	// RecomputePath is the route of the recompute callable
	RecomputePath = "/recomputeAccessTier"

	maxRequestBody = 16 << 10

	statusResourceExhausted = "RESOURCE_EXHAUSTED"
)

// Handler serves the recompute callable over HTTP
type Handler struct {
	config Config
}

// Recompute handles POST /recomputeAccessTier.
//
// The body is {"data":{"uid":"..."}} (or {"data":{}} for the caller); the
// reply is {"result":{...}} or {"error":{"status":...,"message":...}}.
func (h *Handler) Recompute(w http.ResponseWriter, r *http.Request) {
	defer func() {
		if rec := recover(); rec != nil {
			h.config.Logger.Error("recompute handler panic", entitlement.F("panic", rec))
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

	var req recompute.Request
	if err := decodeRequest(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_ARGUMENT", err.Error())
		return
	}

	resp, err := h.config.Service.Recompute(r.Context(), caller, req)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, callResult{Result: resp})
}

// authenticate verifies the bearer token and applies the rate limit.
// On failure the error reply is already written.
func (h *Handler) authenticate(w http.ResponseWriter, r *http.Request) (*recompute.Caller, bool) {
	caller, err := h.config.Verifier.VerifyToken(r.Context(), bearerToken(r))
	if err != nil {
		if !h.allow(ratelimit.ClientIP(r)) {
			writeError(w, http.StatusTooManyRequests, statusResourceExhausted, "too many requests")
			return nil, false
		}
		h.fail(w, err)
		return nil, false
	}
	if !h.allow(caller.UID) {
		writeError(w, http.StatusTooManyRequests, statusResourceExhausted, "too many requests")
		return nil, false
	}
	return caller, true
}

func (h *Handler) allow(key string) bool {
	return h.config.Limiter.Allow(key)
}

func (h *Handler) fail(w http.ResponseWriter, err error) {
	code := recompute.ErrorCode(err)
	if code == recompute.CodeInternal {
		h.config.Logger.Error("recompute failed", entitlement.F("error", err))
	}

	message := "internal error"
	var rerr *recompute.Error
	if errors.As(err, &rerr) && code != recompute.CodeInternal {
		message = rerr.Message
	}
	status, name := httpStatus(code)
	writeError(w, status, name, message)
}

// decodeRequest reads the callable envelope's data into v.
// An empty body or a null data member leaves v untouched.
func decodeRequest(r *http.Request, v interface{}) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody+1))
	if err != nil {
		return errors.New("failed to read request body")
	}
	if len(body) > maxRequestBody {
		return errors.New("request body too large")
	}
	if len(strings.TrimSpace(string(body))) == 0 {
		return nil
	}

	var env callRequest
	if err := json.Unmarshal(body, &env); err != nil {
		return errors.New("request body must be a JSON object")
	}
	if len(env.Data) == 0 || string(env.Data) == "null" {
		return nil
	}
	if err := json.Unmarshal(env.Data, v); err != nil {
		return errors.New("data must be a JSON object")
	}
	return nil
}

func bearerToken(r *http.Request) string {
	h := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return ""
}

func httpStatus(code recompute.Code) (int, string) {
	switch code {
	case recompute.CodeUnauthenticated:
		return http.StatusUnauthorized, "UNAUTHENTICATED"
	case recompute.CodePermissionDenied:
		return http.StatusForbidden, "PERMISSION_DENIED"
	case recompute.CodeNotFound:
		return http.StatusNotFound, "NOT_FOUND"
	case recompute.CodeInvalidArgument:
		return http.StatusBadRequest, "INVALID_ARGUMENT"
	default:
		return http.StatusInternalServerError, "INTERNAL"
	}
}

func writeError(w http.ResponseWriter, code int, status, message string) {
	writeJSON(w, code, callError{Error: errorBody{Status: status, Message: message}})
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
