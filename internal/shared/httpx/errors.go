package httpx

import (
	"encoding/json"
	"net/http"

	"github.com/k1networth/orderflow/internal/shared/requestid"
)

type apiErrorResponse struct {
	Error apiError `json:"error"`
}

type apiError struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	RequestID string `json:"request_id,omitempty"`
}

func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func WriteError(w http.ResponseWriter, status int, code, message string) {
	WriteJSON(w, status, apiErrorResponse{
		Error: apiError{Code: code, Message: message},
	})
}

// WriteErrorR is WriteError with the request id of r attached.
func WriteErrorR(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	WriteJSON(w, status, apiErrorResponse{
		Error: apiError{Code: code, Message: message, RequestID: requestid.Get(r.Context())},
	})
}
