package handler

import (
	"encoding/json"
	"net/http"

	"payment-orchestrator/internal/errors"
)

type Response struct {
	Data  interface{} `json:"data,omitempty"`
	Error *Error      `json:"error,omitempty"`
}

type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	response := Response{Data: data}
	json.NewEncoder(w).Encode(response)
}

func writeError(w http.ResponseWriter, err error) {
	appErr := errors.AsAppError(err)
	w.Header().Set("Content-Type", "application/json")

	statusCode := appErr.HTTPStatus()
	errResponse := Error{
		Code:    string(appErr.Code),
		Message: appErr.Message,
		Details: appErr.Details,
	}
	// driver errors stay in the logs
	if appErr.Code == errors.InternalError {
		errResponse.Details = ""
	}

	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(Response{Error: &errResponse})
}

func NotFound(w http.ResponseWriter, r *http.Request) {
	writeError(w, errors.NewAppError(errors.NotFound, "route not found").WithDetails(r.Method+" "+r.URL.Path))
}

func MethodNotAllowed(w http.ResponseWriter, r *http.Request) {
	writeError(w, errors.NewAppError(errors.MethodNotAllowed, "method not allowed").WithDetails(r.Method+" "+r.URL.Path))
}

func RateLimited(w http.ResponseWriter, r *http.Request) {
	writeError(w, errors.ErrRateLimited)
}
