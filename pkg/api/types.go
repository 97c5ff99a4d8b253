package api

import (
	"encoding/json"

	"github.com/mihaimyh/quizaccess/pkg/entitlement"
)

// callRequest is the callable-function request envelope
type callRequest struct {
	Data json.RawMessage `json:"data"`
}

// callResult is the success envelope
type callResult struct {
	Result interface{} `json:"result"`
}

// syncRequest is the data of a syncPurchases call
type syncRequest struct {
	Provider string `json:"provider"`
}

// syncResponse is the result of a syncPurchases call
type syncResponse struct {
	Success    bool             `json:"success"`
	UID        string           `json:"uid"`
	Provider   string           `json:"provider"`
	AccessTier entitlement.Tier `json:"accessTier"`
}

// provisionRequest is the data of a provisionUser call
type provisionRequest struct {
	UID string `json:"uid,omitempty"`
}

// provisionResponse is the result of a provisionUser call. AccessTier is
// empty when the record already existed.
type provisionResponse struct {
	Success    bool             `json:"success"`
	UID        string           `json:"uid"`
	Created    bool             `json:"created"`
	AccessTier entitlement.Tier `json:"accessTier,omitempty"`
}

// callError is the failure envelope
type callError struct {
	Error errorBody `json:"error"`
}

type errorBody struct {
	Status  string `json:"status"` // "PERMISSION_DENIED", "NOT_FOUND", ...
	Message string `json:"message"`
}
