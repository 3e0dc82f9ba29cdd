// Package response writes the API's JSON envelopes. Success bodies nest
// under "data" and failures under "error" with a stable uppercase code,
// so clients branch on shape instead of parsing status text.
package response

import (
	"encoding/json"
	"net/http"
)

type dataEnvelope struct {
	Data any `json:"data"`
}

type errorEnvelope struct {
	Error errorBody `json:"error"`
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// JSON writes data under the success envelope with a 200.
func JSON(w http.ResponseWriter, data any) {
	write(w, http.StatusOK, dataEnvelope{Data: data})
}

// Created writes data under the success envelope with a 201.
func Created(w http.ResponseWriter, data any) {
	write(w, http.StatusCreated, dataEnvelope{Data: data})
}

// Accepted writes data under the success envelope with a 202. Run
// submission uses it: the run executes in the background after the
// response goes out.
func Accepted(w http.ResponseWriter, data any) {
	write(w, http.StatusAccepted, dataEnvelope{Data: data})
}

// Error writes the error envelope. Code is machine-readable (RUN_NOT_FOUND,
// INVALID_REQUEST); details carries field-level validation info when present.
func Error(w http.ResponseWriter, status int, code, message string, details any) {
	write(w, status, errorEnvelope{Error: errorBody{
		Code:    code,
		Message: message,
		Details: details,
	}})
}

func write(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
