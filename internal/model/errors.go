package model

import (
	"fmt"
	"strings"

	"github.com/rotisserie/eris"
)

// ConfigurationError reports invalid static configuration such as a field
// group referencing a field number missing from the registry. It is fatal at
// startup.
type ConfigurationError struct {
	Problems []string
}

func (e *ConfigurationError) Error() string {
	return "configuration error: " + strings.Join(e.Problems, "; ")
}

// UnknownFieldError reports a runtime reference to a field number that is
// not in the registry.
type UnknownFieldError struct {
	FieldNo int
}

func (e *UnknownFieldError) Error() string {
	return fmt.Sprintf("Unknown Field No: %d", e.FieldNo)
}

// UnknownGroupError reports a question mapped to a group id that does not exist.
type UnknownGroupError struct {
	GroupID string
}

func (e *UnknownGroupError) Error() string {
	return fmt.Sprintf("Unknown Field Group: %q", e.GroupID)
}

// CoercionError reports a value that cannot be cast to a field's data type.
type CoercionError struct {
	FieldNo  int
	DataType DataType
	Input    string
	Detail   string
}

func (e *CoercionError) Error() string {
	msg := fmt.Sprintf("cannot coerce %q to %s for field %d", e.Input, e.DataType, e.FieldNo)
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	return msg
}

var (
	// ErrCustomFieldNotFound is returned when a custom field key is not
	// defined for the entity's owning organisation.
	ErrCustomFieldNotFound = eris.New("Custom field not found")

	// ErrReasonRequired is returned when a manual override has no reason.
	ErrReasonRequired = eris.New("override reason is required")

	// ErrActorRequired is returned when a manual override has no acting user.
	ErrActorRequired = eris.New("acting user is required")
)
