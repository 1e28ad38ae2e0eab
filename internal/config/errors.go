package config

import "errors"

// Sentinel errors for configuration failure modes. Both are fatal: the run
// stops before any scanning starts.
var (
	// ErrInvalidConfig indicates a value or document that cannot be used as given.
	ErrInvalidConfig = errors.New("config: invalid configuration")

	// ErrMissingRequired indicates a required parameter was not provided.
	ErrMissingRequired = errors.New("config: missing required parameter")
)
