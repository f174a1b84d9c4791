package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"ingest/internal/faults"
)

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Kind      string `json:"kind"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

// StatusFor maps a fault kind to its HTTP status.
func StatusFor(k faults.Kind) int {
	switch k {
	case faults.InvalidName, faults.Inference, faults.DataQuality, faults.BadRequest:
		return http.StatusBadRequest
	case faults.SchemaDrift:
		return http.StatusConflict
	case faults.Timeout:
		return http.StatusServiceUnavailable
	case faults.Metadata, faults.DDL, faults.DML, faults.Query:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func renderError(err error) (int, errorBody) {
	var tooLarge *bodyTooLargeError
	if errors.As(err, &tooLarge) {
		return http.StatusRequestEntityTooLarge, errorBody{Error: errorDetail{
			Kind:    string(faults.BadRequest),
			Message: err.Error(),
		}}
	}

	kind := faults.KindOf(err)
	detail := errorDetail{
		Kind:      string(kind),
		Message:   err.Error(),
		Retryable: faults.IsRetryable(err),
	}
	if kind == "" {
		detail.Kind = "internal"
	}
	return StatusFor(kind), errorBody{Error: detail}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
