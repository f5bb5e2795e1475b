package bootstrap

import "errors"

// ErrUnknownBackend is returned for a QUEUE_BACKEND other than redis or mongo.
var ErrUnknownBackend = errors.New("unknown queue backend")
