package responders

import (
	"bytes"
	"encoding/json"
	"net/http"
)

// JSON writes payload as an application/json response. The payload is
// encoded into a buffer before any bytes hit the wire, so an encode
// failure can still surface as a 500 instead of a truncated 200.
func JSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	if payload == nil {
		w.WriteHeader(status)
		return
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(payload); err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":"internal_error"}`))
		return
	}

	w.WriteHeader(status)
	_, _ = w.Write(buf.Bytes())
}
