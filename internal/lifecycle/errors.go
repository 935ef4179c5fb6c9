package lifecycle

import "errors"

var (
	ErrValidation   = errors.New("validation failed")
	ErrUnauthorized = errors.New("caller not authorized")
	ErrDispatch     = errors.New("compute dispatch failed")
	ErrNotFound     = errors.New("prediction not found")
)
