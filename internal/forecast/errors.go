package forecast

import "errors"

var (
	ErrComputeTimeout = errors.New("forecast compute timeout")
	ErrEmptyQuestion  = errors.New("forecast question is empty")
)
