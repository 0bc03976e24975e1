package httpserver

import (
	"encoding/json"
	"io"
	"net/http"

	apierrors "github.com/pixelmuse/billing/internal/errors"
)

// decodeJSON decodes a JSON request body into the destination struct.
// The reader is closed after decoding.
func decodeJSON(r io.ReadCloser, dest any) error {
	defer r.Close()
	decoder := json.NewDecoder(r)
	decoder.DisallowUnknownFields()
	return decoder.Decode(dest)
}

// userIDFrom extracts the authenticated user id. Authentication itself lives
// at the gateway; this service trusts the forwarded identity header.
func userIDFrom(r *http.Request) string {
	return r.Header.Get("X-User-ID")
}

// requireUserID writes a missing-field error when the identity header is
// absent and reports whether the caller may proceed.
func requireUserID(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID := userIDFrom(r)
	if userID == "" {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeMissingField, "X-User-ID header is required")
		return "", false
	}
	return userID, true
}
