package config

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned when no configuration file exists at the given
// path or in the search paths.
var ErrNotFound = errors.New("config file not found")

// ValidationError reports an invalid configuration value.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Message)
}
