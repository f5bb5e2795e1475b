package config

import "errors"

// Errors returned by Load and LoadEnv.
var (
	ErrParsingConfig     = errors.New("failed to parse environment variables into config")
	ErrInvalidConfigType = errors.New("cached config has unexpected type")
	ErrNilPointer        = errors.New("nil pointer provided to config loader")
	ErrLoadingEnvFile    = errors.New("failed to load env file")
)
