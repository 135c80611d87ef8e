// Package httpx provides HTTP response utilities.
package httpx

import (
	"log"
	"net/http"

	"github.com/goccy/go-json"
)

// RespondJSON writes a JSON response with the given status code and data.
func RespondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Printf("Failed to encode JSON response: %v", err)
	}
}

// StatusResponse is the Spanish status/message envelope the dashboard
// expects on errors and simple acknowledgements.
type StatusResponse struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// RespondError writes a status:error envelope with the given code.
func RespondError(w http.ResponseWriter, status int, err error) {
	RespondJSON(w, status, StatusResponse{Status: "error", Message: err.Error()})
}

// RespondErrorString writes a status:error envelope from a message string.
func RespondErrorString(w http.ResponseWriter, status int, message string) {
	RespondJSON(w, status, StatusResponse{Status: "error", Message: message})
}
