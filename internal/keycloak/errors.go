package keycloak

import (
	"errors"
	"fmt"
)

// Sentinel errors for the resolution layer.
// Callers should use errors.Is() to map these to host outcome codes.
var (
	// ErrNotFound indicates that no entity matched a lookup key.
	ErrNotFound = errors.New("not found")

	// ErrMultipleValues indicates an attribute carried more than one value
	// where exactly zero or one is allowed.
	ErrMultipleValues = errors.New("multiple values for attribute")

	// ErrMissingAttribute indicates a required attribute (uid, gid) is absent.
	ErrMissingAttribute = errors.New("missing required attribute")
)

// TransportError is a connection or timeout failure talking to the provider.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s: transport: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// ProtocolError is a non-success HTTP status or an unparsable response body.
type ProtocolError struct {
	Op         string
	StatusCode int
	Err        error
}

func (e *ProtocolError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: unexpected status %d: %v", e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// AuthError reports that acquiring or refreshing a token failed.
// It wraps the underlying TransportError or ProtocolError.
type AuthError struct {
	Grant string
	Err   error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("auth (%s grant): %v", e.Grant, e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

// MappingError reports that a provider record could not be mapped to an
// identity record.
type MappingError struct {
	Record    string
	Attribute string
	Err       error
}

func (e *MappingError) Error() string {
	return fmt.Sprintf("map %q: attribute %q: %v", e.Record, e.Attribute, e.Err)
}

func (e *MappingError) Unwrap() error { return e.Err }

// IsTransient reports whether err is the kind of failure a caller should
// retry later: auth failures and transport failures.
func IsTransient(err error) bool {
	var authErr *AuthError
	if errors.As(err, &authErr) {
		return true
	}
	var transportErr *TransportError
	return errors.As(err, &transportErr)
}
