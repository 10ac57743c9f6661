package main

import (
	"bytes"
	"fmt"
	"io"
	"net/http"

	"chatrelay/internal/config"
	apperrors "chatrelay/internal/errors"
	"chatrelay/internal/security"
)

// readSignedBody reads at most maxBytes of the request body and checks its
// signature header against secret. The body is restored for later decoding.
func readSignedBody(r *http.Request, secret string, maxBytes int64) ([]byte, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read request body: %w", err)
	}
	if int64(len(body)) > maxBytes {
		return nil, apperrors.NewTooLargeError(int64(len(body)), maxBytes)
	}
	r.Body = io.NopCloser(bytes.NewReader(body))

	if secret == "" {
		if config.IsProduction() {
			return nil, fmt.Errorf("inbound secret is required in production mode")
		}
		return body, nil
	}

	if err := security.VerifySignature(secret, body, r.Header.Get(security.SignatureHeader)); err != nil {
		return nil, err
	}
	return body, nil
}
