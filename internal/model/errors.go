package model

import "errors"

// Error taxonomy shared by the engine, the background sweeps and the HTTP
// adapter. Call sites wrap these with fmt.Errorf("...: %w", ErrX) so that
// errors.Is keeps working across package boundaries.
var (
	ErrNotFound             = errors.New("paper: not found")
	ErrInvalidOrder         = errors.New("paper: invalid order")
	ErrInvalidPortfolio     = errors.New("paper: invalid portfolio config")
	ErrInsufficientBalance  = errors.New("paper: insufficient balance")
	ErrInsufficientPosition = errors.New("paper: insufficient position")
	ErrPositionSizeExceeded = errors.New("paper: position size limit exceeded")
	ErrPriceUnavailable     = errors.New("paper: price unavailable")
	ErrConflict             = errors.New("paper: conflict")
	ErrExecution            = errors.New("paper: execution error")
)
