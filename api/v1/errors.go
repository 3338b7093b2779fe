package v1

import "errors"

var (
	ErrStartCtx    = errors.New("start request missing in context")
	ErrSourceQuery = errors.New("source query parameter is required")
	ErrContentType = errors.New("Content-Type must be application/json")
)
