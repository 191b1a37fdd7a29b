package keycloak

import (
	"fmt"
	"strconv"
)

// Attributes is the multi-valued attribute bag Keycloak attaches to users
// and groups. Single-valued logical fields still arrive as one-element lists.
type Attributes map[string][]string

// SingleAttribute looks up name in the bag.
//
// It returns ok=false when the attribute is absent or has no values, the
// sole value when there is exactly one, and ErrMultipleValues otherwise.
// Ambiguous attributes are never resolved by picking the first value.
func SingleAttribute(bag Attributes, name string) (value string, ok bool, err error) {
	values := bag[name]
	switch len(values) {
	case 0:
		return "", false, nil
	case 1:
		return values[0], true, nil
	default:
		return "", false, fmt.Errorf("%w: %s has %d values", ErrMultipleValues, name, len(values))
	}
}

// attributeOrDefault returns the attribute value, or def when absent.
func attributeOrDefault(record string, bag Attributes, name, def string) (string, error) {
	v, ok, err := SingleAttribute(bag, name)
	if err != nil {
		return "", &MappingError{Record: record, Attribute: name, Err: err}
	}
	if !ok {
		return def, nil
	}
	return v, nil
}

// requiredID returns the attribute parsed as a POSIX numeric id.
func requiredID(record string, bag Attributes, name string) (uint32, error) {
	v, ok, err := SingleAttribute(bag, name)
	if err != nil {
		return 0, &MappingError{Record: record, Attribute: name, Err: err}
	}
	if !ok {
		return 0, &MappingError{Record: record, Attribute: name, Err: ErrMissingAttribute}
	}
	id, err := strconv.ParseUint(v, 10, 32)
	if err != nil {
		return 0, &MappingError{Record: record, Attribute: name, Err: fmt.Errorf("parse %q: %w", v, err)}
	}
	return uint32(id), nil
}
