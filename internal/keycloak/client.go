package keycloak

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"nsskeycloak/internal/observability"
)

// maxErrorBody caps how much of a failed response is kept for the error.
const maxErrorBody = 512

// getJSON issues an authenticated GET and decodes a 2xx JSON body into out.
// Transport failures become *TransportError; non-2xx statuses and bodies
// that do not decode become *ProtocolError.
func getJSON(ctx context.Context, hc *http.Client, op, endpoint string, query url.Values, token string, out any) error {
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return &ProtocolError{Op: op, Err: fmt.Errorf("create request: %w", err)}
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	if id := observability.RequestIDFromContext(ctx); id != "" {
		req.Header.Set("X-Request-ID", id)
	}

	resp, err := hc.Do(req)
	if err != nil {
		return &TransportError{Op: op, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var errBody struct {
			Error            string `json:"error"`
			ErrorDescription string `json:"error_description"`
			ErrorMessage     string `json:"errorMessage"`
		}
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		detail := http.StatusText(resp.StatusCode)
		if json.Unmarshal(raw, &errBody) == nil {
			switch {
			case errBody.ErrorMessage != "":
				detail = errBody.ErrorMessage
			case errBody.ErrorDescription != "":
				detail = errBody.ErrorDescription
			case errBody.Error != "":
				detail = errBody.Error
			}
		}
		return &ProtocolError{Op: op, StatusCode: resp.StatusCode, Err: errors.New(detail)}
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &ProtocolError{Op: op, StatusCode: resp.StatusCode, Err: fmt.Errorf("decode response: %w", err)}
	}
	return nil
}
