package httputil

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	apperrors "chatrelay/internal/errors"
)

// WriteJSON writes v as a JSON response with the given status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// DecodeJSON decodes a request body of at most maxBytes into v. Unknown
// fields are ignored. A larger body yields an ErrCodeTooLarge AppError.
func DecodeJSON(r *http.Request, maxBytes int64, v any) error {
	err := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxBytes)).Decode(v)
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		return apperrors.New(apperrors.ErrCodeTooLarge, fmt.Sprintf("request body exceeds %d bytes", tooLarge.Limit)).
			WithContext("limit", tooLarge.Limit).
			WithUserMessage("Request body too large")
	}
	return err
}
