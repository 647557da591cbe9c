package api

import (
	"encoding/json"
	"net/http"

	"firestige.xyz/triage/internal/apperr"
	"firestige.xyz/triage/internal/log"
)

// Envelope is the uniform response body: code mirrors the HTTP status,
// msg is human-readable, data carries the payload on success.
type Envelope struct {
	Code int         `json:"code"`
	Msg  string      `json:"msg"`
	Data interface{} `json:"data,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, body Envelope) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.GetLogger().WithError(err).Error("failed to encode response")
	}
}

// OK writes a 200 envelope.
func OK(w http.ResponseWriter, data interface{}) {
	writeJSON(w, http.StatusOK, Envelope{Code: http.StatusOK, Msg: "success", Data: data})
}

// Fail maps an error to its envelope and HTTP status.
func Fail(w http.ResponseWriter, err error) {
	status := statusForKind(apperr.KindOf(err))
	msg := err.Error()
	if status == http.StatusInternalServerError {
		// Full detail stays in the log; callers get a generic message.
		log.GetLogger().WithError(err).Error("request failed")
		msg = "internal server error"
	}
	writeJSON(w, status, Envelope{Code: status, Msg: msg})
}

// FailValidation writes a 400 envelope with an explicit message.
func FailValidation(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, Envelope{Code: http.StatusBadRequest, Msg: msg})
}

func statusForKind(kind apperr.Kind) int {
	switch kind {
	case apperr.Validation:
		return http.StatusBadRequest
	case apperr.NotFound:
		return http.StatusNotFound
	case apperr.Conflict:
		return http.StatusConflict
	case apperr.TransientBackend, apperr.Storage:
		return http.StatusServiceUnavailable
	case apperr.PermanentBackend:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// Paged wraps a listing payload with its pagination metadata.
type Paged struct {
	Items    interface{} `json:"items"`
	Total    int         `json:"total"`
	Page     int         `json:"page"`
	PageSize int         `json:"page_size"`
}
