package httpapi

import (
	"encoding/json"
	"net/http"
)

const rfc3339Milli = "2006-01-02T15:04:05.000Z07:00"

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
