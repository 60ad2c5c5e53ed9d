package server

import (
	"encoding/json"
	"log"
	"net/http"
)

// errorResponse is the standard JSON error envelope. The error field is a
// stable machine-readable code the frontend may branch on; detail carries
// optional human-readable or structured context.
type errorResponse struct {
	Error  string `json:"error"`
	Detail any    `json:"detail,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Printf("[Server] failed to write response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, code string, detail any) {
	writeJSON(w, status, errorResponse{Error: code, Detail: detail})
}
