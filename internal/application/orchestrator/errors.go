package orchestrator

import "errors"

// ErrInvalidPlan is returned when a submitted plan fails validation
var ErrInvalidPlan = errors.New("invalid plan")
